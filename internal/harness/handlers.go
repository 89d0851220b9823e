package harness

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/nguyensngoc108/EmoPal-sub001/internal/config"
	"github.com/nguyensngoc108/EmoPal-sub001/internal/domain"
	"github.com/nguyensngoc108/EmoPal-sub001/pkg/logger"
)

// Handlers — REST-эндпоинты dev-харнесса, повторяющие контракт
// платформенного API, который потребляет клиент.
type Handlers struct {
	cfg   config.HarnessConfig
	store *Store
	hub   *Hub
	log   logger.Logger
}

func NewHandlers(cfg config.HarnessConfig, store *Store, hub *Hub, log logger.Logger) *Handlers {
	return &Handlers{
		cfg:   cfg,
		store: store,
		hub:   hub,
		log:   log,
	}
}

func (h *Handlers) GetConversation(c *gin.Context) {
	convID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation ID"})
		return
	}
	c.JSON(http.StatusOK, h.store.EnsureConversation(convID))
}

func (h *Handlers) GetMessages(c *gin.Context) {
	convID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation ID"})
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "30"))
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 30
	}

	messages := h.store.Page(convID, page, pageSize)
	wire := make([]domain.WireMessage, 0, len(messages))
	for _, msg := range messages {
		wire = append(wire, domain.WireMessage{
			MessageID:   msg.ID,
			SenderID:    msg.SenderID,
			Message:     msg.Content,
			MessageType: string(msg.Type),
			Timestamp:   msg.Timestamp.UTC().Format(time.RFC3339Nano),
			Sequence:    msg.Sequence,
			ContentHash: msg.ContentHash,
		})
	}
	c.JSON(http.StatusOK, gin.H{"messages": wire})
}

type sendMessageRequest struct {
	SenderID    string             `json:"sender_id" binding:"required"`
	Content     string             `json:"content" binding:"required"`
	MessageType domain.MessageType `json:"message_type"`
}

// SendMessage — out-of-band путь отправки мимо WebSocket. Сообщение
// все равно уходит в комнату broadcast'ом.
func (h *Handlers) SendMessage(c *gin.Context) {
	convID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation ID"})
		return
	}

	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.MessageType == "" {
		req.MessageType = domain.MessageTypeText
	}

	stored := h.store.AppendMessage(convID, req.SenderID, req.Content, req.MessageType, "")
	h.hub.broadcast("chat:"+convID.String(), chatFrame(stored))
	c.JSON(http.StatusCreated, chatFrame(stored).WireMessage)
}

func (h *Handlers) GetSessionStatus(c *gin.Context) {
	sessID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session ID"})
		return
	}
	c.JSON(http.StatusOK, domain.SessionStatus{SessionID: sessID, Status: "active"})
}

type tokenRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

func (h *Handlers) IssueToken(c *gin.Context) {
	sessID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session ID"})
		return
	}

	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	uid := UIDFor(req.UserID)
	token, err := MintSessionToken(h.cfg, sessID.String(), uid)
	if err != nil {
		h.log.Error("failed to mint session token", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to mint token"})
		return
	}

	c.JSON(http.StatusOK, domain.VideoToken{
		AppID:   h.cfg.AppID,
		Channel: sessID.String(),
		Token:   token,
		UID:     uid,
	})
}

// UploadRecording принимает multipart-форму записи. Пустой blob
// отклоняется до сохранения.
func (h *Handlers) UploadRecording(c *gin.Context) {
	if _, err := uuid.Parse(c.Param("id")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session ID"})
		return
	}

	file, _, err := c.Request.FormFile("recording")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "recording file required"})
		return
	}
	defer file.Close()

	blob, err := io.ReadAll(file)
	if err != nil || len(blob) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "empty recording"})
		return
	}

	recordingID := h.store.SaveRecording(blob)
	c.JSON(http.StatusOK, gin.H{"success": true, "recording_id": recordingID})
}

func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
