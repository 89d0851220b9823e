package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nguyensngoc108/EmoPal-sub001/internal/api"
	"github.com/nguyensngoc108/EmoPal-sub001/internal/config"
	"github.com/nguyensngoc108/EmoPal-sub001/internal/domain"
	pkgerrors "github.com/nguyensngoc108/EmoPal-sub001/pkg/errors"
	"github.com/nguyensngoc108/EmoPal-sub001/pkg/logger"
)

// Recorder — чанковый захват удаленного трека. Stop синхронен и
// возвращается после доставки последнего чанка.
type Recorder interface {
	Start(track domain.MediaTrack, chunkInterval time.Duration, onChunk func([]byte)) error
	Stop() error
}

// RecordingSupervisor — state machine записи удаленной стороны:
// idle → preparing → recording → uploading → completed|failed.
// Назад в idle только через новый join. Запись пишет только треки
// собеседника, никогда собственные. Сбой записи не трогает сам звонок.
type RecordingSupervisor struct {
	cfg       config.RecordingConfig
	log       logger.Logger
	api       api.SessionAPI
	recorder  Recorder
	lifecycle *domain.SessionLifecycle

	sessionID uuid.UUID
	actorID   string
	role      domain.Role

	now   func() time.Time
	after func(d time.Duration, f func()) *time.Timer

	mu           sync.Mutex
	state        domain.RecordingState
	chunks       [][]byte
	startedAt    time.Time
	stopDeferred bool
	result       *domain.RecordingResult
	lastErr      error

	onState func(domain.RecordingState)
}

type RecordingOption func(*RecordingSupervisor)

func WithRecordingClock(now func() time.Time) RecordingOption {
	return func(s *RecordingSupervisor) { s.now = now }
}

func WithRecordingAfter(after func(d time.Duration, f func()) *time.Timer) RecordingOption {
	return func(s *RecordingSupervisor) { s.after = after }
}

func NewRecordingSupervisor(cfg config.RecordingConfig, sessionAPI api.SessionAPI, recorder Recorder, lifecycle *domain.SessionLifecycle, sessionID uuid.UUID, actorID string, role domain.Role, log logger.Logger, opts ...RecordingOption) *RecordingSupervisor {
	s := &RecordingSupervisor{
		cfg:       cfg,
		log:       log,
		api:       sessionAPI,
		recorder:  recorder,
		lifecycle: lifecycle,
		sessionID: sessionID,
		actorID:   actorID,
		role:      role,
		now:       time.Now,
		after:     time.AfterFunc,
		state:     domain.RecordingIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RecordingSupervisor) OnStateChange(f func(domain.RecordingState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onState = f
}

func (s *RecordingSupervisor) State() domain.RecordingState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *RecordingSupervisor) Result() *domain.RecordingResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

func (s *RecordingSupervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// RemoteVideoAvailable запускает подготовку записи, когда появился
// удаленный видеотрек. Только для привилегированной роли. Дебаунс
// подтверждает, что сессия все еще joined — без него запись может
// стартовать за мгновение до teardown.
func (s *RecordingSupervisor) RemoteVideoAvailable(track domain.MediaTrack) {
	if s.role != domain.RoleTherapist {
		return
	}

	s.mu.Lock()
	if s.state != domain.RecordingIdle {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(domain.RecordingPreparing)
	s.mu.Unlock()

	s.after(s.cfg.PrepareDebounce, func() {
		s.beginRecording(track)
	})
}

func (s *RecordingSupervisor) beginRecording(track domain.MediaTrack) {
	s.mu.Lock()
	if s.state != domain.RecordingPreparing {
		s.mu.Unlock()
		return
	}
	if !s.lifecycle.Joined() {
		// Сессия уже разобрана — откатываемся
		s.setStateLocked(domain.RecordingIdle)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := s.recorder.Start(track, s.cfg.ChunkInterval, s.appendChunk); err != nil {
		s.log.Warn("recorder start failed", "error", err)
		s.mu.Lock()
		s.lastErr = err
		s.setStateLocked(domain.RecordingFailed)
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	s.startedAt = s.now()
	s.setStateLocked(domain.RecordingActive)
	s.mu.Unlock()
	s.lifecycle.SetRecordingActive(true)
	s.log.Info("recording started", "session_id", s.sessionID)
}

func (s *RecordingSupervisor) appendChunk(chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != domain.RecordingActive {
		return
	}
	s.chunks = append(s.chunks, chunk)
}

// Stop — явная остановка пользователем. Раньше минимальной длительности
// остановка откладывается, а не отклоняется.
func (s *RecordingSupervisor) Stop(ctx context.Context) {
	s.mu.Lock()
	switch s.state {
	case domain.RecordingPreparing:
		s.setStateLocked(domain.RecordingIdle)
		s.mu.Unlock()
		return
	case domain.RecordingActive:
	default:
		s.mu.Unlock()
		return
	}

	elapsed := s.now().Sub(s.startedAt)
	if elapsed < s.cfg.MinDuration {
		if !s.stopDeferred {
			s.stopDeferred = true
			wait := s.cfg.MinDuration - elapsed
			s.log.Info("stop deferred until minimum duration", "wait", wait)
			s.after(wait, func() {
				s.finalize(context.Background())
			})
		}
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.finalize(ctx)
}

// Finalize — teardown-путь: остановить немедленно, дождаться финализации
// рекордера и выгрузить что есть. Вызывается до освобождения треков —
// запись в полете никогда не бросается.
func (s *RecordingSupervisor) Finalize(ctx context.Context) {
	s.mu.Lock()
	switch s.state {
	case domain.RecordingPreparing:
		s.setStateLocked(domain.RecordingIdle)
		s.mu.Unlock()
		return
	case domain.RecordingActive:
		s.mu.Unlock()
	default:
		s.mu.Unlock()
		return
	}

	s.finalize(ctx)
}

func (s *RecordingSupervisor) finalize(ctx context.Context) {
	s.mu.Lock()
	if s.state != domain.RecordingActive {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	// Дожидаемся рекордера: последний чанк должен успеть прийти
	if err := s.recorder.Stop(); err != nil {
		s.log.Warn("recorder stop failed", "error", err)
	}
	s.lifecycle.SetRecordingActive(false)

	s.mu.Lock()
	duration := s.now().Sub(s.startedAt)
	chunks := s.chunks
	s.chunks = nil
	if len(chunks) == 0 {
		// Пустую запись не загружаем никогда
		s.lastErr = pkgerrors.ErrEmptyRecording
		s.setStateLocked(domain.RecordingFailed)
		s.mu.Unlock()
		s.log.Warn("recording produced no data", "session_id", s.sessionID)
		return
	}
	s.setStateLocked(domain.RecordingUploading)
	s.mu.Unlock()

	size := 0
	for _, c := range chunks {
		size += len(c)
	}
	blob := make([]byte, 0, size)
	for _, c := range chunks {
		blob = append(blob, c...)
	}

	recordingID, err := s.api.UploadRecording(ctx, &domain.RecordingUpload{
		SessionID: s.sessionID,
		ActorID:   s.actorID,
		Blob:      blob,
		Duration:  duration,
		Context: map[string]any{
			"role":   string(s.role),
			"source": "remote-stream",
		},
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.lastErr = err
		s.setStateLocked(domain.RecordingFailed)
		s.log.Error("recording upload failed", "session_id", s.sessionID, "error", err)
		return
	}
	s.result = &domain.RecordingResult{ID: recordingID, Duration: duration}
	s.setStateLocked(domain.RecordingCompleted)
	s.log.Info("recording uploaded", "recording_id", recordingID, "duration", duration)
}

func (s *RecordingSupervisor) setStateLocked(state domain.RecordingState) {
	if s.state == state {
		return
	}
	s.state = state
	if s.onState != nil {
		handler := s.onState
		go handler(state)
	}
}
