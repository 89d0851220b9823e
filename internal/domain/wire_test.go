package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/nguyensngoc108/EmoPal-sub001/pkg/errors"
)

func TestDecodeFrame(t *testing.T) {
	frameType, raw, err := DecodeFrame([]byte(`{"type":"chat_message","message":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, FrameChatMessage, frameType)
	assert.JSONEq(t, `{"type":"chat_message","message":"hi"}`, string(raw))

	_, _, err = DecodeFrame([]byte(`not json`))
	assert.ErrorIs(t, err, pkgerrors.ErrMalformedFrame)

	_, _, err = DecodeFrame([]byte(`{"message":"no type"}`))
	assert.ErrorIs(t, err, pkgerrors.ErrMalformedFrame)
}

func TestWireMessageNormalize(t *testing.T) {
	convID := uuid.New()

	t.Run("id variants", func(t *testing.T) {
		cases := []struct {
			name string
			raw  string
			want string
		}{
			{"message_id", `{"message_id":"m1","sender_id":"u1","message":"a","timestamp":"2026-08-30T10:00:00Z"}`, "m1"},
			{"id", `{"id":"m2","sender_id":"u1","message":"a","timestamp":"2026-08-30T10:00:00Z"}`, "m2"},
			{"_id", `{"_id":"m3","sender_id":"u1","message":"a","timestamp":"2026-08-30T10:00:00Z"}`, "m3"},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				var wire WireMessage
				require.NoError(t, json.Unmarshal([]byte(tc.raw), &wire))
				msg, err := wire.Normalize(convID)
				require.NoError(t, err)
				assert.Equal(t, tc.want, msg.ID)
			})
		}
	})

	t.Run("message_id wins over alternates", func(t *testing.T) {
		wire := WireMessage{MessageID: "primary", ID: "secondary", AltID: "tertiary",
			SenderID: "u1", Message: "a", Timestamp: "2026-08-30T10:00:00Z"}
		msg, err := wire.Normalize(convID)
		require.NoError(t, err)
		assert.Equal(t, "primary", msg.ID)
	})

	t.Run("content and timestamp synonyms", func(t *testing.T) {
		wire := WireMessage{ID: "m1", SenderID: "u1", Content: "via content", SentAt: "2026-08-30T10:00:00Z"}
		msg, err := wire.Normalize(convID)
		require.NoError(t, err)
		assert.Equal(t, "via content", msg.Content)
		assert.Equal(t, time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC), msg.Timestamp)
	})

	t.Run("timestamp without zone", func(t *testing.T) {
		wire := WireMessage{ID: "m1", SenderID: "u1", Message: "a", Timestamp: "2026-08-30T10:00:00"}
		msg, err := wire.Normalize(convID)
		require.NoError(t, err)
		assert.Equal(t, 2026, msg.Timestamp.Year())
	})

	t.Run("missing timestamp fails", func(t *testing.T) {
		wire := WireMessage{ID: "m1", SenderID: "u1", Message: "a"}
		_, err := wire.Normalize(convID)
		assert.ErrorIs(t, err, pkgerrors.ErrMalformedFrame)
	})

	t.Run("unparseable timestamp fails", func(t *testing.T) {
		wire := WireMessage{ID: "m1", SenderID: "u1", Message: "a", Timestamp: "yesterday"}
		_, err := wire.Normalize(convID)
		assert.ErrorIs(t, err, pkgerrors.ErrMalformedFrame)
	})

	t.Run("defaults", func(t *testing.T) {
		wire := WireMessage{ID: "m1", SenderID: "u1", Message: "a", Timestamp: "2026-08-30T10:00:00Z"}
		msg, err := wire.Normalize(convID)
		require.NoError(t, err)
		assert.Equal(t, MessageTypeText, msg.Type)
		assert.Equal(t, convID, msg.ConversationID)
		assert.False(t, msg.Pending)
	})
}

func TestOutboundChatMessage(t *testing.T) {
	convID := uuid.New()
	now := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	pending := NewPendingMessage(convID, "me", "hello", MessageTypeText, now)

	out := NewOutboundChatMessage(pending)
	data, err := json.Marshal(out)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "chat_message", decoded["type"])
	assert.Equal(t, "hello", decoded["message"])
	assert.Equal(t, "me", decoded["sender_id"])
	assert.Equal(t, pending.ContentHash, decoded["contentHash"])
}

func TestNewPendingMessage(t *testing.T) {
	convID := uuid.New()
	now := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)

	msg := NewPendingMessage(convID, "me", "hello", MessageTypeText, now)
	assert.True(t, msg.Pending)
	assert.True(t, msg.HasLocalID())
	assert.NotEmpty(t, msg.ContentHash)

	// Хэш стабилен в пределах секунды и меняется с контентом
	assert.Equal(t, msg.ContentHash, ContentHash("hello", now.Add(500*time.Millisecond)))
	assert.NotEqual(t, msg.ContentHash, ContentHash("hello", now.Add(2*time.Second)))
	assert.NotEqual(t, msg.ContentHash, ContentHash("other", now))
}

func TestSessionLifecycleGuards(t *testing.T) {
	l := NewSessionLifecycle()

	assert.False(t, l.Joined())
	l.SetJoined(true)
	assert.True(t, l.Joined())

	l.SetRecordingActive(true)
	assert.True(t, l.RecordingActive())

	first := uuid.New()
	second := uuid.New()
	l.SetActiveConversation(first)
	assert.True(t, l.IsActiveConversation(first))

	l.SetActiveConversation(second)
	assert.False(t, l.IsActiveConversation(first), "ответы старого разговора должны отбрасываться")
	assert.True(t, l.IsActiveConversation(second))
}
