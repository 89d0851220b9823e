package harness

import (
	"fmt"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nguyensngoc108/EmoPal-sub001/internal/config"
	"github.com/nguyensngoc108/EmoPal-sub001/internal/domain"
	"github.com/nguyensngoc108/EmoPal-sub001/pkg/logger"
)

func testHarnessConfig() config.HarnessConfig {
	return config.HarnessConfig{
		Port:        8080,
		TokenSecret: "test-secret",
		TokenTTL:    time.Hour,
		AppID:       "emopal-test",
	}
}

func TestStoreEnsureConversation(t *testing.T) {
	store := NewStore(logger.NewNop())
	id := uuid.New()

	conv := store.EnsureConversation(id)
	require.NotNil(t, conv)
	assert.Equal(t, id, conv.ID)
	assert.Equal(t, domain.ConversationSession, conv.Type)

	// Повторное обращение отдает ту же запись
	assert.Same(t, conv, store.EnsureConversation(id))
}

func TestStoreAppendAssignsSequencePerConversation(t *testing.T) {
	store := NewStore(logger.NewNop())
	convA := uuid.New()
	convB := uuid.New()

	m1 := store.AppendMessage(convA, "u1", "a", domain.MessageTypeText, "")
	m2 := store.AppendMessage(convA, "u1", "b", domain.MessageTypeText, "")
	m3 := store.AppendMessage(convB, "u2", "c", domain.MessageTypeText, "")

	assert.Equal(t, int64(1), m1.Sequence)
	assert.Equal(t, int64(2), m2.Sequence)
	assert.Equal(t, int64(1), m3.Sequence, "sequence считается в рамках разговора")
	assert.NotEmpty(t, m1.ID)
	assert.NotEqual(t, m1.ID, m2.ID)
}

func TestStorePageIsReverseChronological(t *testing.T) {
	store := NewStore(logger.NewNop())
	convID := uuid.New()

	for i := 1; i <= 7; i++ {
		store.AppendMessage(convID, "u1", fmt.Sprintf("msg %d", i), domain.MessageTypeText, "")
	}

	// Страница 1 — три самых свежих, в хронологическом порядке внутри
	page1 := store.Page(convID, 1, 3)
	require.Len(t, page1, 3)
	assert.Equal(t, "msg 5", page1[0].Content)
	assert.Equal(t, "msg 7", page1[2].Content)

	page2 := store.Page(convID, 2, 3)
	require.Len(t, page2, 3)
	assert.Equal(t, "msg 2", page2[0].Content)
	assert.Equal(t, "msg 4", page2[2].Content)

	// Последняя страница может быть неполной
	page3 := store.Page(convID, 3, 3)
	require.Len(t, page3, 1)
	assert.Equal(t, "msg 1", page3[0].Content)

	assert.Empty(t, store.Page(convID, 4, 3))
	assert.Empty(t, store.Page(uuid.New(), 1, 3))
}

func TestStoreSaveRecording(t *testing.T) {
	store := NewStore(logger.NewNop())

	id1 := store.SaveRecording([]byte("blob-1"))
	id2 := store.SaveRecording([]byte("blob-2"))

	assert.NotEmpty(t, id1)
	assert.NotEqual(t, id1, id2)
}

func TestMintSessionToken(t *testing.T) {
	cfg := testHarnessConfig()

	signed, err := MintSessionToken(cfg, "session-1", 42)
	require.NoError(t, err)

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(signed, claims, func(token *jwt.Token) (any, error) {
		return []byte(cfg.TokenSecret), nil
	})
	require.NoError(t, err)
	require.True(t, token.Valid)

	assert.Equal(t, "emopal-test", claims["app_id"])
	assert.Equal(t, "session-1", claims["channel"])
	assert.Equal(t, float64(42), claims["uid"])

	exp, err := claims.GetExpirationTime()
	require.NoError(t, err)
	assert.True(t, exp.After(time.Now()))
}

func TestUIDForIsDeterministic(t *testing.T) {
	uid := UIDFor("user-1")
	assert.Equal(t, uid, UIDFor("user-1"))
	assert.NotZero(t, uid)
	assert.Less(t, uid, uint32(1_000_000))

	assert.NotEqual(t, uid, UIDFor("user-2"))
}
