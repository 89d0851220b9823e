package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nguyensngoc108/EmoPal-sub001/internal/config"
	"github.com/nguyensngoc108/EmoPal-sub001/internal/domain"
	"github.com/nguyensngoc108/EmoPal-sub001/internal/media"
	pkgerrors "github.com/nguyensngoc108/EmoPal-sub001/pkg/errors"
	"github.com/nguyensngoc108/EmoPal-sub001/pkg/logger"
)

// Coordinator оборачивает publish/subscribe события провайдера в модель
// локального и удаленных стримов, устойчивую к собственному эху и
// транзиентным сбоям подписки.
type Coordinator struct {
	cfg       config.MediaConfig
	log       logger.Logger
	provider  media.Provider
	lifecycle *domain.SessionLifecycle

	// sleep и after инжектируются, чтобы тесты не ждали реального времени
	sleep func(d time.Duration)
	after func(d time.Duration, f func()) *time.Timer

	mu      sync.Mutex
	local   *domain.LocalStream
	remotes map[uint32]*domain.RemoteStream
	joined  bool
	muted   bool

	onRemoteTrack func(uid uint32, kind domain.MediaKind, track domain.MediaTrack)
	onRemoteLeft  func(uid uint32)
}

type CoordinatorOption func(*Coordinator)

func WithSleep(sleep func(d time.Duration)) CoordinatorOption {
	return func(c *Coordinator) { c.sleep = sleep }
}

func WithAfter(after func(d time.Duration, f func()) *time.Timer) CoordinatorOption {
	return func(c *Coordinator) { c.after = after }
}

func NewCoordinator(cfg config.MediaConfig, provider media.Provider, lifecycle *domain.SessionLifecycle, log logger.Logger, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		cfg:       cfg,
		log:       log,
		provider:  provider,
		lifecycle: lifecycle,
		sleep:     time.Sleep,
		after:     time.AfterFunc,
		remotes:   make(map[uint32]*domain.RemoteStream),
	}
	for _, opt := range opts {
		opt(c)
	}
	provider.OnUserPublished(c.handleUserPublished)
	provider.OnUserLeft(c.handleUserLeft)
	return c
}

// OnRemoteTrack регистрирует наблюдателя "remote track ready". Событие
// никогда не приходит с uid локального стрима.
func (c *Coordinator) OnRemoteTrack(f func(uid uint32, kind domain.MediaKind, track domain.MediaTrack)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRemoteTrack = f
}

func (c *Coordinator) OnRemoteLeft(f func(uid uint32)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRemoteLeft = f
}

// Join входит в канал провайдера с uid из токена. При конфликте UID —
// один повтор со смещением, дальше ошибка фатальна для этой попытки.
func (c *Coordinator) Join(ctx context.Context, token *domain.VideoToken) error {
	uid := token.UID
	err := c.provider.Join(ctx, token.AppID, token.Channel, token.Token, uid)
	if errors.Is(err, pkgerrors.ErrUIDConflict) {
		uid = token.UID + c.cfg.UIDRetryOffset
		c.log.Warn("uid conflict, retrying with offset", "uid", token.UID, "retry_uid", uid)
		err = c.provider.Join(ctx, token.AppID, token.Channel, token.Token, uid)
	}
	if err != nil {
		return fmt.Errorf("join media channel: %w", err)
	}

	local, err := c.acquireLocalTracks(ctx, uid)
	if err != nil {
		// Вышли из канала, иначе повторный Join наслоит соединения
		c.leaveAfterFailedJoin()
		return err
	}
	if err := c.provider.Publish(local.Tracks()...); err != nil {
		for _, track := range local.Tracks() {
			_ = track.Close()
		}
		c.leaveAfterFailedJoin()
		return fmt.Errorf("publish local tracks: %w", err)
	}

	c.mu.Lock()
	c.local = local
	c.joined = true
	c.mu.Unlock()
	c.lifecycle.SetJoined(true)

	c.log.Info("media session joined", "uid", uid, "video_off", local.VideoOff)
	return nil
}

func (c *Coordinator) leaveAfterFailedJoin() {
	if err := c.provider.Leave(); err != nil {
		c.log.Warn("leave after failed join", "error", err)
	}
}

// acquireLocalTracks: микрофон+камера; при отказе камеры — audio-only
// с флагом VideoOff; полный отказ фатален.
func (c *Coordinator) acquireLocalTracks(ctx context.Context, uid uint32) (*domain.LocalStream, error) {
	audio, video, err := c.provider.CreateMicrophoneAndCameraTracks(ctx)
	if err == nil {
		return &domain.LocalStream{UID: uid, AudioTrack: audio, VideoTrack: video}, nil
	}

	c.log.Warn("camera acquisition failed, falling back to audio-only", "error", err)
	audio, audioErr := c.provider.CreateMicrophoneTrack(ctx)
	if audioErr != nil {
		return nil, fmt.Errorf("%w: %v", pkgerrors.ErrNoMediaTracks, audioErr)
	}
	return &domain.LocalStream{UID: uid, AudioTrack: audio, VideoOff: true}, nil
}

func (c *Coordinator) handleUserPublished(uid uint32, kind domain.MediaKind) {
	c.mu.Lock()
	local := c.local
	c.mu.Unlock()

	// Echo-suppression: стрим с нашим собственным uid никогда не
	// трактуется как удаленный
	if local != nil && uid == local.UID {
		c.log.Debug("ignoring own published stream", "uid", uid)
		return
	}

	track, err := c.subscribeWithRetry(uid, kind)
	if err != nil {
		c.log.Warn("subscribe failed", "uid", uid, "kind", kind, "error", err)
		return
	}

	c.mu.Lock()
	remote, ok := c.remotes[uid]
	if !ok {
		remote = &domain.RemoteStream{UID: uid}
		c.remotes[uid] = remote
	}
	switch kind {
	case domain.MediaKindAudio:
		remote.AudioTrack = track
	case domain.MediaKindVideo:
		remote.VideoTrack = track
	}
	handler := c.onRemoteTrack
	c.mu.Unlock()

	if handler != nil {
		handler(uid, kind, track)
	}
}

// subscribeWithRetry: до SubscribeRetries попыток с линейно растущей
// задержкой; если провайдер говорит, что стрима больше нет, повторять
// бессмысленно.
func (c *Coordinator) subscribeWithRetry(uid uint32, kind domain.MediaKind) (domain.MediaTrack, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.SubscribeRetries; attempt++ {
		track, err := c.provider.Subscribe(uid, kind)
		if err == nil {
			return track, nil
		}
		lastErr = err
		// Стрима больше нет — ретраи бессмысленны
		if errors.Is(err, pkgerrors.ErrStreamGone) {
			return nil, err
		}
		if attempt < c.cfg.SubscribeRetries {
			c.sleep(c.cfg.SubscribeBackoff * time.Duration(attempt))
		}
	}
	return nil, lastErr
}

func (c *Coordinator) handleUserLeft(uid uint32) {
	c.mu.Lock()
	remote, ok := c.remotes[uid]
	delete(c.remotes, uid)
	handler := c.onRemoteLeft
	c.mu.Unlock()

	if ok {
		if remote.AudioTrack != nil {
			_ = remote.AudioTrack.Stop()
		}
		if remote.VideoTrack != nil {
			_ = remote.VideoTrack.Stop()
		}
	}
	if handler != nil {
		handler(uid)
	}
}

// HandlePeerJoined вызывается на user_joined из сессионного канала.
// Через паузу перепубликуем локальные треки — обход гонки discovery
// у провайдера, новый участник иначе может нас не увидеть.
func (c *Coordinator) HandlePeerJoined(userID string) {
	c.log.Info("peer joined session", "user_id", userID)
	c.after(c.cfg.RepublishDelay, func() {
		c.mu.Lock()
		joined := c.joined
		local := c.local
		c.mu.Unlock()
		if !joined || local == nil {
			return
		}

		tracks := local.Tracks()
		if err := c.provider.Unpublish(tracks...); err != nil {
			c.log.Warn("republish: unpublish failed", "error", err)
		}
		if err := c.provider.Publish(tracks...); err != nil {
			c.log.Warn("republish: publish failed", "error", err)
			return
		}
		c.log.Info("local tracks republished")
	})
}

// MuteAudio снимает/возвращает публикацию локального аудио трека.
func (c *Coordinator) MuteAudio(muted bool) error {
	c.mu.Lock()
	local := c.local
	already := c.muted == muted
	c.muted = muted
	c.mu.Unlock()

	if local == nil || local.AudioTrack == nil || already {
		return nil
	}
	if muted {
		return c.provider.Unpublish(local.AudioTrack)
	}
	return c.provider.Publish(local.AudioTrack)
}

// RemoteVideoTrack возвращает видео-трек удаленного участника, если есть.
func (c *Coordinator) RemoteVideoTrack() (uint32, domain.MediaTrack, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for uid, remote := range c.remotes {
		if remote.VideoTrack != nil {
			return uid, remote.VideoTrack, true
		}
	}
	return 0, nil, false
}

func (c *Coordinator) LocalStream() *domain.LocalStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

func (c *Coordinator) Joined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined
}

// Leave разбирает сессию best-effort: локальные треки закрываются,
// удаленные останавливаются, потом выход из канала. Сбой шага логируется
// и не прерывает остальные — частично-застрявшего состояния не бывает.
// Остановка записи — забота вызывающего, до Leave.
func (c *Coordinator) Leave(ctx context.Context) {
	c.mu.Lock()
	local := c.local
	remotes := c.remotes
	c.local = nil
	c.remotes = make(map[uint32]*domain.RemoteStream)
	c.joined = false
	c.mu.Unlock()

	if local != nil {
		for _, track := range local.Tracks() {
			if err := track.Close(); err != nil {
				c.log.Warn("failed to close local track", "track_id", track.ID(), "error", err)
			}
		}
	}

	for uid, remote := range remotes {
		if remote.AudioTrack != nil {
			if err := remote.AudioTrack.Stop(); err != nil {
				c.log.Warn("failed to stop remote audio", "uid", uid, "error", err)
			}
		}
		if remote.VideoTrack != nil {
			if err := remote.VideoTrack.Stop(); err != nil {
				c.log.Warn("failed to stop remote video", "uid", uid, "error", err)
			}
		}
	}

	if err := c.provider.Leave(); err != nil {
		c.log.Warn("provider leave failed", "error", err)
	}

	c.lifecycle.SetJoined(false)
	c.log.Info("media session left")
}
