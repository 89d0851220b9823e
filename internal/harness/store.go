package harness

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nguyensngoc108/EmoPal-sub001/internal/domain"
	"github.com/nguyensngoc108/EmoPal-sub001/pkg/logger"
)

// Store — in-memory хранилище dev-харнесса. Реальный бэкенд платформы —
// внешний коллаборатор; харнесс эмулирует его контракт без БД.
type Store struct {
	log logger.Logger

	mu            sync.Mutex
	conversations map[uuid.UUID]*domain.Conversation
	messages      map[uuid.UUID][]*domain.Message
	seq           map[uuid.UUID]int64
	recordings    map[string]int
}

func NewStore(log logger.Logger) *Store {
	return &Store{
		log:           log,
		conversations: make(map[uuid.UUID]*domain.Conversation),
		messages:      make(map[uuid.UUID][]*domain.Message),
		seq:           make(map[uuid.UUID]int64),
		recordings:    make(map[string]int),
	}
}

// EnsureConversation возвращает разговор, создавая его при первом обращении.
func (s *Store) EnsureConversation(id uuid.UUID) *domain.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conv, ok := s.conversations[id]; ok {
		return conv
	}
	conv := &domain.Conversation{
		ID:        id,
		Type:      domain.ConversationSession,
		CreatedAt: time.Now(),
	}
	s.conversations[id] = conv
	return conv
}

// AppendMessage сохраняет сообщение, выдавая серверный ID и sequence.
func (s *Store) AppendMessage(convID uuid.UUID, senderID, content string, msgType domain.MessageType, contentHash string) *domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq[convID]++
	msg := &domain.Message{
		ID:             uuid.NewString(),
		ConversationID: convID,
		SenderID:       senderID,
		Content:        content,
		Type:           msgType,
		Timestamp:      time.Now(),
		Sequence:       s.seq[convID],
		ContentHash:    contentHash,
	}
	s.messages[convID] = append(s.messages[convID], msg)
	return msg
}

// Page отдает страницу истории в reverse-chronological порядке выборки:
// страница 1 — самые свежие сообщения.
func (s *Store) Page(convID uuid.UUID, page, pageSize int) []*domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.messages[convID]
	if page < 1 {
		page = 1
	}

	end := len(all) - (page-1)*pageSize
	if end <= 0 {
		return nil
	}
	start := end - pageSize
	if start < 0 {
		start = 0
	}

	out := make([]*domain.Message, end-start)
	copy(out, all[start:end])
	return out
}

// SaveRecording запоминает размер загруженной записи и выдает ее ID.
func (s *Store) SaveRecording(blob []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	s.recordings[id] = len(blob)
	s.log.Info("recording stored", "recording_id", id, "size", len(blob))
	return id
}
