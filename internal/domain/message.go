package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeImage  MessageType = "image"
	MessageTypeFile   MessageType = "file"
	MessageTypeSystem MessageType = "system"
)

// Message — каноническая запись одного сообщения чата. Все варианты
// именования полей с REST/WebSocket границы сводятся к ней нормализацией,
// внутренняя логика на варианты полей не ветвится.
type Message struct {
	ID             string      `json:"id"`
	ConversationID uuid.UUID   `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	Content        string      `json:"content"`
	Type           MessageType `json:"message_type"`
	Timestamp      time.Time   `json:"timestamp"`
	Sequence       int64       `json:"sequence"`
	Pending        bool        `json:"pending"`
	ContentHash    string      `json:"content_hash,omitempty"`
}

const localIDPrefix = "local-"

// NewPendingMessage создает оптимистичное сообщение с локальным placeholder-ID.
// Серверный ID оно получит при подтверждении.
func NewPendingMessage(conversationID uuid.UUID, senderID, content string, msgType MessageType, now time.Time) *Message {
	return &Message{
		ID:             fmt.Sprintf("%s%d", localIDPrefix, now.UnixMilli()),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		Type:           msgType,
		Timestamp:      now,
		Pending:        true,
		ContentHash:    ContentHash(content, now),
	}
}

// HasLocalID сообщает, что сообщение еще не получило серверный ID.
func (m *Message) HasLocalID() bool {
	return strings.HasPrefix(m.ID, localIDPrefix)
}

// ContentHash — дедуп-ключ до получения серверного ID:
// контент + timestamp, усеченный до секунды.
func ContentHash(content string, ts time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", content, ts.Unix())))
	return hex.EncodeToString(sum[:8])
}
