package media

import (
	"sync"
	"time"

	"github.com/pion/rtp"

	"github.com/nguyensngoc108/EmoPal-sub001/internal/domain"
	pkgerrors "github.com/nguyensngoc108/EmoPal-sub001/pkg/errors"
	"github.com/nguyensngoc108/EmoPal-sub001/pkg/logger"
)

// rtpReader — срез remoteTrack, достаточный для записи; дедлайн нужен,
// чтобы Stop мог выбить заблокированное чтение затихшего потока.
type rtpReader interface {
	domain.MediaTrack
	readRTP() (*rtp.Packet, error)
	setReadDeadline(deadline time.Time) error
	isStopped() bool
}

// RTPRecorder пишет удаленный трек кусками фиксированного интервала.
// Stop синхронен: возвращается после того, как последний чанк отдан,
// поэтому teardown может спокойно ждать финализации.
type RTPRecorder struct {
	log logger.Logger

	mu      sync.Mutex
	track   rtpReader
	buf     []byte
	onChunk func([]byte)
	stop    chan struct{}
	done    sync.WaitGroup
	running bool
}

func NewRTPRecorder(log logger.Logger) *RTPRecorder {
	return &RTPRecorder{log: log}
}

func (r *RTPRecorder) Start(track domain.MediaTrack, interval time.Duration, onChunk func([]byte)) error {
	rt, ok := track.(rtpReader)
	if !ok {
		return pkgerrors.ErrStreamGone
	}

	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	r.track = rt
	r.onChunk = onChunk
	r.stop = make(chan struct{})
	r.running = true
	r.mu.Unlock()

	r.done.Add(2)
	go r.readLoop(rt)
	go r.cutLoop(interval)
	return nil
}

func (r *RTPRecorder) readLoop(rt rtpReader) {
	defer r.done.Done()
	for {
		select {
		case <-r.stop:
			return
		default:
		}
		if rt.isStopped() {
			return
		}

		pkt, err := rt.readRTP()
		if err != nil {
			// Поток закончился или дедлайн от Stop — дальше только финализация
			r.log.Debug("remote track read ended", "error", err)
			return
		}
		r.mu.Lock()
		r.buf = append(r.buf, pkt.Payload...)
		r.mu.Unlock()
	}
}

func (r *RTPRecorder) cutLoop(interval time.Duration) {
	defer r.done.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.cut()
		}
	}
}

func (r *RTPRecorder) cut() {
	r.mu.Lock()
	if len(r.buf) == 0 {
		r.mu.Unlock()
		return
	}
	chunk := r.buf
	r.buf = nil
	onChunk := r.onChunk
	r.mu.Unlock()

	if onChunk != nil {
		onChunk(chunk)
	}
}

// Stop останавливает запись и дожидается воркеров; накопленный хвост
// уходит последним чанком. Затихший трек не блокирует остановку:
// немедленный дедлайн возвращает read-loop из парковки в ReadRTP.
func (r *RTPRecorder) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	rt := r.track
	close(r.stop)
	r.mu.Unlock()

	_ = rt.setReadDeadline(time.Now())
	r.done.Wait()
	r.cut()
	return nil
}
