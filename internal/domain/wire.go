package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	pkgerrors "github.com/nguyensngoc108/EmoPal-sub001/pkg/errors"
)

type FrameType string

const (
	FrameChatMessage    FrameType = "chat_message"
	FramePing           FrameType = "ping"
	FrameHelpRequest    FrameType = "help_request"
	FrameUserStatus     FrameType = "user_status"
	FrameMessageHistory FrameType = "message_history"
	FrameTokenRequest   FrameType = "agora_token_request"
	FrameToken          FrameType = "agora_token"
	FrameUserJoined     FrameType = "user_joined"
	FrameUserLeft       FrameType = "user_left"
	FrameEmotionUpdate  FrameType = "emotion_update"
)

type frameEnvelope struct {
	Type FrameType `json:"type"`
}

// DecodeFrame извлекает тип кадра; payload отдаем сырым, конкретный
// декодер выбирает получатель.
func DecodeFrame(data []byte) (FrameType, json.RawMessage, error) {
	var env frameEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, pkgerrors.ErrMalformedFrame
	}
	if env.Type == "" {
		return "", nil, pkgerrors.ErrMalformedFrame
	}
	return env.Type, json.RawMessage(data), nil
}

// --- Исходящие кадры ---

type OutboundChatMessage struct {
	Type        FrameType   `json:"type"`
	Message     string      `json:"message"`
	MessageType MessageType `json:"message_type"`
	Timestamp   string      `json:"timestamp"`
	SenderID    string      `json:"sender_id"`
	ContentHash string      `json:"contentHash"`
}

func NewOutboundChatMessage(m *Message) OutboundChatMessage {
	return OutboundChatMessage{
		Type:        FrameChatMessage,
		Message:     m.Content,
		MessageType: m.Type,
		Timestamp:   m.Timestamp.UTC().Format(time.RFC3339Nano),
		SenderID:    m.SenderID,
		ContentHash: m.ContentHash,
	}
}

type PingFrame struct {
	Type FrameType `json:"type"`
}

func NewPingFrame() PingFrame {
	return PingFrame{Type: FramePing}
}

type HelpRequestFrame struct {
	Type  FrameType `json:"type"`
	Query string    `json:"query"`
}

type TokenRequestFrame struct {
	Type FrameType `json:"type"`
}

// --- Входящие кадры ---

// WireMessage — сообщение как оно приходит с проволоки. Поля-синонимы
// (id/_id/message_id, timestamp/sent_at, message/content) нормализуются
// в Message одним адаптером.
type WireMessage struct {
	MessageID   string          `json:"message_id,omitempty"`
	ID          string          `json:"id,omitempty"`
	AltID       string          `json:"_id,omitempty"`
	SenderID    string          `json:"sender_id"`
	Message     string          `json:"message,omitempty"`
	Content     string          `json:"content,omitempty"`
	MessageType string          `json:"message_type,omitempty"`
	Timestamp   string          `json:"timestamp,omitempty"`
	SentAt      string          `json:"sent_at,omitempty"`
	Sequence    int64           `json:"sequence,omitempty"`
	ContentHash string          `json:"contentHash,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// Normalize сводит wire-представление к канонической записи.
func (w *WireMessage) Normalize(conversationID uuid.UUID) (*Message, error) {
	id := w.MessageID
	if id == "" {
		id = w.ID
	}
	if id == "" {
		id = w.AltID
	}

	content := w.Message
	if content == "" {
		content = w.Content
	}

	raw := w.Timestamp
	if raw == "" {
		raw = w.SentAt
	}
	ts, err := parseTimestamp(raw)
	if err != nil {
		return nil, err
	}

	msgType := MessageType(w.MessageType)
	if msgType == "" {
		msgType = MessageTypeText
	}

	return &Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       w.SenderID,
		Content:        content,
		Type:           msgType,
		Timestamp:      ts,
		Sequence:       w.Sequence,
		Pending:        false,
		ContentHash:    w.ContentHash,
	}, nil
}

func parseTimestamp(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, pkgerrors.ErrMalformedFrame
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, pkgerrors.ErrMalformedFrame
}

type ChatMessageFrame struct {
	Type FrameType `json:"type"`
	WireMessage
}

type UserStatusFrame struct {
	Type   FrameType `json:"type"`
	UserID string    `json:"user_id,omitempty"`
	Status string    `json:"status"`
}

type MessageHistoryFrame struct {
	Type     FrameType     `json:"type"`
	Messages []WireMessage `json:"messages"`
}

type TokenFrame struct {
	Type    FrameType `json:"type"`
	AppID   string    `json:"appId"`
	Channel string    `json:"channel"`
	Token   string    `json:"token"`
	UID     uint32    `json:"uid"`
}

type PresenceFrame struct {
	Type     FrameType `json:"type"`
	UserID   string    `json:"user_id"`
	UserRole string    `json:"user_role"`
}

type EmotionUpdateFrame struct {
	Type            FrameType          `json:"type"`
	Emotions        map[string]float64 `json:"emotions"`
	DominantEmotion string             `json:"dominant_emotion"`
	Valence         float64            `json:"valence"`
	Engagement      float64            `json:"engagement"`
	FaceDetection   bool               `json:"face_detection"`
	TrendAnalysis   json.RawMessage    `json:"trend_analysis,omitempty"`
	Insights        []string           `json:"insights,omitempty"`
	Warning         string             `json:"warning,omitempty"`
}
