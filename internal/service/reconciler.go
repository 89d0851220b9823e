package service

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/nguyensngoc108/EmoPal-sub001/internal/config"
	"github.com/nguyensngoc108/EmoPal-sub001/internal/domain"
	"github.com/nguyensngoc108/EmoPal-sub001/pkg/logger"
)

// Reconciler собирает единую упорядоченную ленту без дублей из трех
// источников: постраничной REST-истории, live push-событий и локальных
// оптимистичных отправок. Транспорт дает at-least-once, дедупликация
// здесь — граница корректности.
type Reconciler struct {
	cfg            config.ChatConfig
	log            logger.Logger
	conversationID uuid.UUID
	selfID         string

	mu       sync.Mutex
	messages []*domain.Message
	// seen: серверные ID плюс content-хэши локальных отправок
	seen    map[string]struct{}
	page    int
	hasMore bool
}

func NewReconciler(cfg config.ChatConfig, conversationID uuid.UUID, selfID string, log logger.Logger) *Reconciler {
	return &Reconciler{
		cfg:            cfg,
		log:            log,
		conversationID: conversationID,
		selfID:         selfID,
		seen:           make(map[string]struct{}),
	}
}

func (r *Reconciler) ConversationID() uuid.UUID {
	return r.conversationID
}

// AppendLocal добавляет оптимистичное сообщение, показанное до
// подтверждения сервером.
func (r *Reconciler) AppendLocal(msg *domain.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.messages = append(r.messages, msg)
	if msg.ContentHash != "" {
		r.seen[msg.ContentHash] = struct{}{}
	}
	r.sortLocked()
}

// ApplyPush применяет live push-событие. Возвращает true, если лента
// изменилась (вставка или промоушен pending-сообщения).
func (r *Reconciler) ApplyPush(msg *domain.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, changed := r.applyServerLocked(msg)
	if changed {
		r.sortLocked()
	}
	return changed
}

// LoadPage вливает страницу REST-истории. Возвращает число реально
// вставленных сообщений — вызывающему оно нужно для восстановления
// позиции прокрутки после prepend.
func (r *Reconciler) LoadPage(page int, fetched []*domain.Message) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	inserted := 0
	for _, msg := range fetched {
		ins, _ := r.applyServerLocked(msg)
		if ins {
			inserted++
		}
	}
	if inserted > 0 {
		r.sortLocked()
	}

	// hasMore отвечает только самая глубокая страница: refresh первой
	// после достигнутого конца истории не возвращает ленту в "есть еще"
	if page >= r.page {
		r.page = page
		r.hasMore = len(fetched) >= r.cfg.PageSize
	}
	return inserted
}

// Refresh — повторная выборка первой страницы (после reconnect):
// слить с текущими pending, не потеряв и не задвоив их.
func (r *Reconciler) Refresh(fetched []*domain.Message) int {
	return r.LoadPage(1, fetched)
}

func (r *Reconciler) HasMore() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hasMore
}

func (r *Reconciler) NextPage() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.page + 1
}

// Messages возвращает снимок упорядоченной ленты.
func (r *Reconciler) Messages() []*domain.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*domain.Message, len(r.messages))
	copy(out, r.messages)
	return out
}

func (r *Reconciler) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func (r *Reconciler) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, m := range r.messages {
		if m.Pending {
			n++
		}
	}
	return n
}

// applyServerLocked — единая точка входа для серверных сообщений
// (push и постраничная история идут одним путем, что закрывает гонку
// между refresh- и push-доставкой одного и того же сообщения).
func (r *Reconciler) applyServerLocked(msg *domain.Message) (inserted, changed bool) {
	if msg.ID != "" {
		if _, ok := r.seen[msg.ID]; ok {
			return false, false
		}
	}

	if msg.SenderID == r.selfID {
		// Эхо собственной отправки: ищем pending с тем же контентом
		// и заменяем на месте вместо добавления дубля
		for _, existing := range r.messages {
			if existing.Pending && existing.SenderID == msg.SenderID && existing.Content == msg.Content {
				existing.ID = msg.ID
				existing.Pending = false
				existing.Timestamp = msg.Timestamp
				existing.Sequence = msg.Sequence
				if msg.ID != "" {
					r.seen[msg.ID] = struct{}{}
				}
				return false, true
			}
		}
		// Pending уже подтвержден другим путем: подавляем дубль по окну
		// (sender, content, timestamp в пределах DedupWindow)
		for _, existing := range r.messages {
			if existing.Pending || existing.SenderID != msg.SenderID || existing.Content != msg.Content {
				continue
			}
			delta := existing.Timestamp.Sub(msg.Timestamp)
			if delta < 0 {
				delta = -delta
			}
			if delta <= r.cfg.DedupWindow {
				if msg.ID != "" {
					r.seen[msg.ID] = struct{}{}
				}
				return false, false
			}
		}
	}

	r.messages = append(r.messages, msg)
	if msg.ID != "" {
		r.seen[msg.ID] = struct{}{}
	}
	return true, true
}

// sortLocked: первичный ключ — timestamp; если метки ближе OrderWindow,
// порядок решает sequence (поправка на clock skew клиент/сервер).
func (r *Reconciler) sortLocked() {
	window := r.cfg.OrderWindow
	sort.SliceStable(r.messages, func(i, j int) bool {
		a, b := r.messages[i], r.messages[j]
		delta := a.Timestamp.Sub(b.Timestamp)
		if delta < 0 {
			delta = -delta
		}
		if delta <= window && a.Sequence != b.Sequence {
			return a.Sequence < b.Sequence
		}
		return a.Timestamp.Before(b.Timestamp)
	})
}
