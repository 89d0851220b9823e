package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/nguyensngoc108/EmoPal-sub001/internal/config"
	"github.com/nguyensngoc108/EmoPal-sub001/internal/domain"
	"github.com/nguyensngoc108/EmoPal-sub001/internal/transport"
	pkgerrors "github.com/nguyensngoc108/EmoPal-sub001/pkg/errors"
	"github.com/nguyensngoc108/EmoPal-sub001/pkg/logger"
)

// VideoSession владеет одной видео-сессией: сессионный канал, join к
// медиа-провайдеру по токену, роутинг presence/emotion кадров и
// надзор за записью. Единственный владелец хэндлов: новый join всегда
// идет через полный teardown предыдущего.
type VideoSession struct {
	cfg         config.ChatConfig
	log         logger.Logger
	channel     Channel
	coordinator *Coordinator
	supervisor  *RecordingSupervisor
	lifecycle   *domain.SessionLifecycle

	sessionID uuid.UUID
	selfID    string
	role      domain.Role

	mu  sync.Mutex
	rec *Reconciler
	ctx context.Context

	onEmotion  func(frame *domain.EmotionUpdateFrame)
	onPresence func(userID string, role string, joined bool)
	onTimeline func()
	onJoined   func()
	onError    func(err error)
}

func NewVideoSession(cfg config.ChatConfig, channel Channel, coordinator *Coordinator, supervisor *RecordingSupervisor, lifecycle *domain.SessionLifecycle, sessionID uuid.UUID, selfID string, role domain.Role, log logger.Logger) *VideoSession {
	return &VideoSession{
		cfg:         cfg,
		log:         log,
		channel:     channel,
		coordinator: coordinator,
		supervisor:  supervisor,
		lifecycle:   lifecycle,
		sessionID:   sessionID,
		selfID:      selfID,
		role:        role,
	}
}

func (v *VideoSession) OnEmotionUpdate(f func(frame *domain.EmotionUpdateFrame)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.onEmotion = f
}

func (v *VideoSession) OnPresence(f func(userID, role string, joined bool)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.onPresence = f
}

func (v *VideoSession) OnTimelineChanged(f func()) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.onTimeline = f
}

func (v *VideoSession) OnJoined(f func()) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.onJoined = f
}

// OnError: media-join ошибки доступны и императивному, и декларативному
// потребителю — Join возвращает их, а наблюдатель получает то же самое.
func (v *VideoSession) OnError(f func(err error)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.onError = f
}

// Start открывает сессионный канал и запрашивает токен провайдера.
// Сам join произойдет по входящему agora_token кадру.
func (v *VideoSession) Start(ctx context.Context) error {
	v.mu.Lock()
	v.ctx = ctx
	v.rec = NewReconciler(v.cfg, v.sessionID, v.selfID, v.log)
	v.mu.Unlock()

	// Появился удаленный видеотрек — супервизор решает, начинать ли запись
	v.coordinator.OnRemoteTrack(func(uid uint32, kind domain.MediaKind, track domain.MediaTrack) {
		if kind == domain.MediaKindVideo {
			v.supervisor.RemoteVideoAvailable(track)
		}
	})

	// Refresh по reconnect здесь не нужен: in-call лента эфемерна и живет
	// только в сокете, REST-эндпоинта истории у сессии нет. Канал сам
	// доносит свою очередь после переподключения, дубли гасит reconciler.
	v.channel.OnFrame(v.handleFrame)
	if err := v.channel.Open(ctx, v.sessionID.String(), v.selfID); err != nil {
		return err
	}
	return v.channel.Send(domain.TokenRequestFrame{Type: domain.FrameTokenRequest})
}

func (v *VideoSession) handleFrame(frameType domain.FrameType, raw json.RawMessage) {
	switch frameType {
	case domain.FrameToken:
		var frame domain.TokenFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			v.log.Warn("dropping malformed token frame", "error", err)
			return
		}
		v.join(&domain.VideoToken{
			AppID:   frame.AppID,
			Channel: frame.Channel,
			Token:   frame.Token,
			UID:     frame.UID,
		})

	case domain.FrameUserJoined:
		var frame domain.PresenceFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			return
		}
		v.coordinator.HandlePeerJoined(frame.UserID)
		v.emitPresence(frame.UserID, frame.UserRole, true)

	case domain.FrameUserLeft:
		var frame domain.PresenceFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			return
		}
		v.emitPresence(frame.UserID, frame.UserRole, false)

	case domain.FrameEmotionUpdate:
		var frame domain.EmotionUpdateFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			v.log.Warn("dropping malformed emotion_update frame", "error", err)
			return
		}
		v.mu.Lock()
		handler := v.onEmotion
		v.mu.Unlock()
		if handler != nil {
			handler(&frame)
		}

	case domain.FrameChatMessage:
		var frame domain.ChatMessageFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			return
		}
		v.applyChat(frame.WireMessage)
	}
}

func (v *VideoSession) join(token *domain.VideoToken) {
	if err := v.checkToken(token.Token); err != nil {
		v.failJoin(err)
		return
	}

	v.mu.Lock()
	ctx := v.ctx
	v.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	if err := v.coordinator.Join(ctx, token); err != nil {
		v.failJoin(err)
		return
	}

	v.mu.Lock()
	handler := v.onJoined
	v.mu.Unlock()
	if handler != nil {
		handler()
	}
}

// checkToken заглядывает в claims без проверки подписи: подпись проверяет
// провайдер, нам достаточно не ходить на join с заведомо протухшим токеном.
func (v *VideoSession) checkToken(token string) error {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		// Непрозрачный (не-JWT) токен провайдера — пропускаем как есть
		return nil
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	if exp.Before(time.Now()) {
		return pkgerrors.ErrTokenExpired
	}
	return nil
}

func (v *VideoSession) failJoin(err error) {
	v.log.Error("media join failed", "session_id", v.sessionID, "error", err)
	v.mu.Lock()
	handler := v.onError
	v.mu.Unlock()
	if handler != nil {
		handler(err)
	}
}

func (v *VideoSession) applyChat(wire domain.WireMessage) {
	v.mu.Lock()
	rec := v.rec
	handler := v.onTimeline
	v.mu.Unlock()
	if rec == nil {
		return
	}

	msg, err := wire.Normalize(v.sessionID)
	if err != nil {
		return
	}
	if rec.ApplyPush(msg) && handler != nil {
		handler()
	}
}

// SendChat отправляет in-call сообщение через сессионный канал.
func (v *VideoSession) SendChat(content string) error {
	v.mu.Lock()
	rec := v.rec
	v.mu.Unlock()
	if rec == nil {
		return pkgerrors.ErrChannelClosed
	}

	pending := domain.NewPendingMessage(v.sessionID, v.selfID, content, domain.MessageTypeText, time.Now())
	rec.AppendLocal(pending)
	return v.channel.Send(domain.NewOutboundChatMessage(pending))
}

func (v *VideoSession) Messages() []*domain.Message {
	v.mu.Lock()
	rec := v.rec
	v.mu.Unlock()
	if rec == nil {
		return nil
	}
	return rec.Messages()
}

func (v *VideoSession) MuteAudio(muted bool) error {
	return v.coordinator.MuteAudio(muted)
}

func (v *VideoSession) Recording() *RecordingSupervisor {
	return v.supervisor
}

// Leave разбирает сессию в строгом порядке: финализация записи, затем
// треки и выход из медиа-канала, затем намеренное закрытие сокета.
func (v *VideoSession) Leave(ctx context.Context) {
	v.supervisor.Finalize(ctx)
	v.coordinator.Leave(ctx)
	v.channel.Close(transport.CloseNormal, "session ended")

	v.mu.Lock()
	v.rec = nil
	v.mu.Unlock()
	v.log.Info("video session left", "session_id", v.sessionID)
}

func (v *VideoSession) emitPresence(userID, role string, joined bool) {
	v.mu.Lock()
	handler := v.onPresence
	v.mu.Unlock()
	if handler != nil {
		handler(userID, role, joined)
	}
}
