package domain

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusError        ConnectionStatus = "error"
)

type Role string

const (
	RoleClient    Role = "client"
	RoleTherapist Role = "therapist"
)

type ConversationType string

const (
	ConversationDirect  ConversationType = "direct"
	ConversationSession ConversationType = "session"
)

type Conversation struct {
	ID           uuid.UUID        `json:"id"`
	Type         ConversationType `json:"conversation_type"`
	SessionID    *uuid.UUID       `json:"session_id,omitempty"`
	Participants []Participant    `json:"participants"`
	CreatedAt    time.Time        `json:"created_at"`
}

type Participant struct {
	UserID      string `json:"user_id"`
	Role        Role   `json:"role"`
	DisplayName string `json:"display_name"`
}

type SessionStatus struct {
	SessionID uuid.UUID `json:"session_id"`
	Status    string    `json:"status"`
}

// VideoToken — короткоживущий токен провайдера, привязанный к UID.
type VideoToken struct {
	AppID   string `json:"appId"`
	Channel string `json:"channel"`
	Token   string `json:"token"`
	UID     uint32 `json:"uid"`
}

// SessionLifecycle — явный объект-гарда жизненного цикла сессии.
// Заменяет разрозненные глобальные флаги: компоненты, которым нужен
// сквозной guard (teardown при активной записи, навигация при живой
// сессии), получают этот объект и опрашивают его.
type SessionLifecycle struct {
	mu                 sync.Mutex
	joined             bool
	recordingActive    bool
	activeConversation uuid.UUID
}

func NewSessionLifecycle() *SessionLifecycle {
	return &SessionLifecycle{}
}

func (l *SessionLifecycle) SetJoined(joined bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.joined = joined
}

func (l *SessionLifecycle) Joined() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.joined
}

func (l *SessionLifecycle) SetRecordingActive(active bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recordingActive = active
}

func (l *SessionLifecycle) RecordingActive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.recordingActive
}

// SetActiveConversation фиксирует текущий разговор; ответы, пришедшие
// для другого разговора, отбрасываются (stale-response guard).
func (l *SessionLifecycle) SetActiveConversation(id uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.activeConversation = id
}

func (l *SessionLifecycle) IsActiveConversation(id uuid.UUID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.activeConversation == id
}
