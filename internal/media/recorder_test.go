package media

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nguyensngoc108/EmoPal-sub001/internal/domain"
	pkgerrors "github.com/nguyensngoc108/EmoPal-sub001/pkg/errors"
	"github.com/nguyensngoc108/EmoPal-sub001/pkg/logger"
)

// fakeRTPSource паркует readRTP до подачи пакета или дедлайна — как
// настоящий затихший удаленный трек.
type fakeRTPSource struct {
	packets chan *rtp.Packet

	mu       sync.Mutex
	stopped  bool
	deadline chan struct{}
}

func newFakeRTPSource() *fakeRTPSource {
	return &fakeRTPSource{
		packets:  make(chan *rtp.Packet, 16),
		deadline: make(chan struct{}),
	}
}

func (f *fakeRTPSource) ID() string { return "remote-video" }

func (f *fakeRTPSource) Kind() domain.MediaKind { return domain.MediaKindVideo }

func (f *fakeRTPSource) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

func (f *fakeRTPSource) Close() error { return f.Stop() }

func (f *fakeRTPSource) isStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

func (f *fakeRTPSource) readRTP() (*rtp.Packet, error) {
	select {
	case pkt := <-f.packets:
		return pkt, nil
	case <-f.deadline:
		return nil, errors.New("read deadline reached")
	}
}

func (f *fakeRTPSource) setReadDeadline(deadline time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.deadline:
	default:
		close(f.deadline)
	}
	return nil
}

func (f *fakeRTPSource) emit(payload string) {
	f.packets <- &rtp.Packet{Payload: []byte(payload)}
}

type chunkSink struct {
	mu     sync.Mutex
	chunks [][]byte
}

func (s *chunkSink) collect(chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, chunk)
}

func (s *chunkSink) all() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.chunks))
	copy(out, s.chunks)
	return out
}

func TestRTPRecorderRejectsForeignTrack(t *testing.T) {
	rec := NewRTPRecorder(logger.NewNop())
	err := rec.Start(nil, time.Second, func([]byte) {})
	require.ErrorIs(t, err, pkgerrors.ErrStreamGone)
}

func TestRTPRecorderCutsChunksAtInterval(t *testing.T) {
	source := newFakeRTPSource()
	sink := &chunkSink{}
	rec := NewRTPRecorder(logger.NewNop())

	require.NoError(t, rec.Start(source, 10*time.Millisecond, sink.collect))
	source.emit("aaa")
	source.emit("bbb")

	require.Eventually(t, func() bool {
		return len(sink.all()) >= 1
	}, time.Second, time.Millisecond)
	require.NoError(t, rec.Stop())

	var got []byte
	for _, chunk := range sink.all() {
		got = append(got, chunk...)
	}
	assert.Equal(t, []byte("aaabbb"), got)
}

func TestRTPRecorderStopReturnsWhileReadParked(t *testing.T) {
	source := newFakeRTPSource()
	rec := NewRTPRecorder(logger.NewNop())

	// Ни одного пакета: read-loop припаркован в чтении, интервал
	// заведомо не успевает сработать
	require.NoError(t, rec.Start(source, time.Hour, func([]byte) {}))

	done := make(chan error, 1)
	go func() { done <- rec.Stop() }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on a quiet remote track")
	}
}

func TestRTPRecorderFlushesTailOnStop(t *testing.T) {
	source := newFakeRTPSource()
	sink := &chunkSink{}
	rec := NewRTPRecorder(logger.NewNop())

	require.NoError(t, rec.Start(source, time.Hour, sink.collect))
	source.emit("tail")
	require.Eventually(t, func() bool {
		return len(source.packets) == 0
	}, time.Second, time.Millisecond)

	require.NoError(t, rec.Stop())
	require.Len(t, sink.all(), 1)
	assert.Equal(t, []byte("tail"), sink.all()[0])

	// Повторный Stop — no-op
	require.NoError(t, rec.Stop())
	assert.Len(t, sink.all(), 1)
}
