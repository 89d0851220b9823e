package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nguyensngoc108/EmoPal-sub001/internal/api"
	"github.com/nguyensngoc108/EmoPal-sub001/internal/config"
	"github.com/nguyensngoc108/EmoPal-sub001/internal/domain"
	"github.com/nguyensngoc108/EmoPal-sub001/internal/transport"
	"github.com/nguyensngoc108/EmoPal-sub001/pkg/logger"
)

// Channel — срез transport.Channel, который нужен движкам. В тестах
// подменяется фейком.
type Channel interface {
	Open(ctx context.Context, target, identity string) error
	Send(v any) error
	Close(code int, reason string)
	Status() domain.ConnectionStatus
	OnFrame(transport.FrameHandler)
	OnStatus(transport.StatusHandler)
}

// ChatEngine владеет одним активным разговором: история через REST,
// live-кадры через канал, оптимистичные отправки — все сходится
// в Reconciler.
type ChatEngine struct {
	cfg       config.ChatConfig
	log       logger.Logger
	api       api.ChatAPI
	channel   Channel
	lifecycle *domain.SessionLifecycle
	selfID    string
	role      domain.Role
	now       func() time.Time

	mu           sync.Mutex
	conversation *domain.Conversation
	rec          *Reconciler
	ctx          context.Context
	welcomed     bool

	onTimeline   func()
	onPeerStatus func(userID, status string)
}

func NewChatEngine(cfg config.ChatConfig, chatAPI api.ChatAPI, channel Channel, lifecycle *domain.SessionLifecycle, selfID string, role domain.Role, log logger.Logger) *ChatEngine {
	return &ChatEngine{
		cfg:       cfg,
		log:       log,
		api:       chatAPI,
		channel:   channel,
		lifecycle: lifecycle,
		selfID:    selfID,
		role:      role,
		now:       time.Now,
	}
}

// OnTimelineChanged регистрирует наблюдателя изменений ленты.
func (e *ChatEngine) OnTimelineChanged(f func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onTimeline = f
}

func (e *ChatEngine) OnPeerStatus(f func(userID, status string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onPeerStatus = f
}

// Start переключает движок на разговор: метаданные, первая страница
// истории, подписка на канал. Предыдущая лента отбрасывается.
func (e *ChatEngine) Start(ctx context.Context, conversationID uuid.UUID) error {
	e.lifecycle.SetActiveConversation(conversationID)

	conv, err := e.api.GetConversation(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}

	fetched, err := e.api.GetMessages(ctx, conversationID, 1, e.cfg.PageSize)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	// Пока грузили, пользователь мог уйти в другой разговор
	if !e.lifecycle.IsActiveConversation(conversationID) {
		e.log.Debug("discarding stale history response", "conversation", conversationID)
		return nil
	}

	e.mu.Lock()
	e.conversation = conv
	e.rec = NewReconciler(e.cfg, conversationID, e.selfID, e.log)
	e.rec.LoadPage(1, fetched)
	e.ctx = ctx
	e.welcomed = false
	e.mu.Unlock()

	e.channel.OnFrame(e.handleFrame)
	e.channel.OnStatus(e.handleStatus)
	if err := e.channel.Open(ctx, conversationID.String(), e.selfID); err != nil {
		return fmt.Errorf("open channel: %w", err)
	}

	e.maybeSendWelcome(ctx)
	e.emitTimeline()
	return nil
}

// maybeSendWelcome: session-разговор без сообщений, актер — терапевт →
// одноразовое шаблонное приветствие. Policy hook, не инвариант Reconciler.
func (e *ChatEngine) maybeSendWelcome(ctx context.Context) {
	e.mu.Lock()
	conv := e.conversation
	empty := e.rec != nil && e.rec.Count() == 0
	sent := e.welcomed
	e.mu.Unlock()

	if conv == nil || conv.Type != domain.ConversationSession {
		return
	}
	if !empty || sent || e.role != domain.RoleTherapist {
		return
	}

	e.mu.Lock()
	e.welcomed = true
	e.mu.Unlock()
	if err := e.Send(ctx, e.cfg.WelcomeMessage); err != nil {
		e.log.Warn("failed to send welcome message", "error", err)
	}
}

// Send показывает сообщение сразу (pending) и отправляет его в канал.
// Канал никогда не роняет сообщение: закрытый — ставит в очередь.
func (e *ChatEngine) Send(ctx context.Context, content string) error {
	e.mu.Lock()
	rec := e.rec
	e.mu.Unlock()
	if rec == nil {
		return fmt.Errorf("no active conversation")
	}

	pending := domain.NewPendingMessage(rec.ConversationID(), e.selfID, content, domain.MessageTypeText, e.now())
	rec.AppendLocal(pending)
	e.emitTimeline()

	return e.channel.Send(domain.NewOutboundChatMessage(pending))
}

// RequestHelp отправляет help_request кадр в канал.
func (e *ChatEngine) RequestHelp(query string) error {
	return e.channel.Send(domain.HelpRequestFrame{Type: domain.FrameHelpRequest, Query: query})
}

// LoadMore подгружает следующую страницу истории. Возвращает число
// вставленных сообщений — вызывающий компенсирует на него прокрутку.
func (e *ChatEngine) LoadMore(ctx context.Context) (int, error) {
	e.mu.Lock()
	rec := e.rec
	e.mu.Unlock()
	if rec == nil || !rec.HasMore() {
		return 0, nil
	}

	page := rec.NextPage()
	convID := rec.ConversationID()
	fetched, err := e.api.GetMessages(ctx, convID, page, e.cfg.PageSize)
	if err != nil {
		return 0, fmt.Errorf("load page %d: %w", page, err)
	}
	if !e.lifecycle.IsActiveConversation(convID) {
		return 0, nil
	}

	prepended := rec.LoadPage(page, fetched)
	if prepended > 0 {
		e.emitTimeline()
	}
	return prepended, nil
}

// Refresh перечитывает первую страницу; pending-сообщения переживают
// слияние. Вызывается после каждого reconnect — транспорт не чинит
// порядок за окно разрыва, чинит refresh.
func (e *ChatEngine) Refresh(ctx context.Context) error {
	e.mu.Lock()
	rec := e.rec
	e.mu.Unlock()
	if rec == nil {
		return nil
	}

	convID := rec.ConversationID()
	fetched, err := e.api.GetMessages(ctx, convID, 1, e.cfg.PageSize)
	if err != nil {
		return fmt.Errorf("refresh history: %w", err)
	}
	if !e.lifecycle.IsActiveConversation(convID) {
		return nil
	}

	if rec.Refresh(fetched) > 0 {
		e.emitTimeline()
	}
	return nil
}

func (e *ChatEngine) Messages() []*domain.Message {
	e.mu.Lock()
	rec := e.rec
	e.mu.Unlock()
	if rec == nil {
		return nil
	}
	return rec.Messages()
}

func (e *ChatEngine) HasMore() bool {
	e.mu.Lock()
	rec := e.rec
	e.mu.Unlock()
	return rec != nil && rec.HasMore()
}

func (e *ChatEngine) Status() domain.ConnectionStatus {
	return e.channel.Status()
}

// Stop закрывает канал намеренно (код 1000 — без reconnect).
func (e *ChatEngine) Stop() {
	e.channel.Close(transport.CloseNormal, "leaving conversation")
}

func (e *ChatEngine) handleFrame(frameType domain.FrameType, raw json.RawMessage) {
	switch frameType {
	case domain.FrameChatMessage:
		var frame domain.ChatMessageFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			e.log.Warn("dropping malformed chat_message frame", "error", err)
			return
		}
		e.applyWire(frame.WireMessage)

	case domain.FrameMessageHistory:
		var frame domain.MessageHistoryFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			e.log.Warn("dropping malformed message_history frame", "error", err)
			return
		}
		for _, wire := range frame.Messages {
			e.applyWire(wire)
		}

	case domain.FrameUserStatus:
		var frame domain.UserStatusFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			return
		}
		e.mu.Lock()
		handler := e.onPeerStatus
		e.mu.Unlock()
		if handler != nil {
			handler(frame.UserID, frame.Status)
		}
	}
}

func (e *ChatEngine) applyWire(wire domain.WireMessage) {
	e.mu.Lock()
	rec := e.rec
	e.mu.Unlock()
	if rec == nil {
		return
	}

	convID := rec.ConversationID()
	if !e.lifecycle.IsActiveConversation(convID) {
		return
	}

	msg, err := wire.Normalize(convID)
	if err != nil {
		e.log.Warn("dropping unparseable message", "error", err)
		return
	}
	if rec.ApplyPush(msg) {
		e.emitTimeline()
	}
}

func (e *ChatEngine) handleStatus(status domain.ConnectionStatus) {
	if status != domain.StatusConnected {
		return
	}
	e.mu.Lock()
	ctx := e.ctx
	started := e.rec != nil
	e.mu.Unlock()
	if !started {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := e.Refresh(ctx); err != nil {
		e.log.Warn("refresh after reconnect failed", "error", err)
	}
}

func (e *ChatEngine) emitTimeline() {
	e.mu.Lock()
	handler := e.onTimeline
	e.mu.Unlock()
	if handler != nil {
		handler()
	}
}
