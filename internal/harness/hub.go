package harness

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nguyensngoc108/EmoPal-sub001/internal/config"
	"github.com/nguyensngoc108/EmoPal-sub001/internal/domain"
	"github.com/nguyensngoc108/EmoPal-sub001/pkg/logger"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // dev-харнесс, origin не проверяем
	},
}

type wsClient struct {
	conn   *websocket.Conn
	userID string
	role   string

	mu sync.Mutex
}

func (c *wsClient) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// Hub раздает кадры по комнатам: одна комната на разговор и одна на
// сессию. Отправитель тоже получает свой chat_message — это серверное
// эхо, на котором клиент подтверждает pending-сообщения.
type Hub struct {
	cfg   config.HarnessConfig
	store *Store
	log   logger.Logger

	mu    sync.Mutex
	rooms map[string]map[*wsClient]struct{}
}

func NewHub(cfg config.HarnessConfig, store *Store, log logger.Logger) *Hub {
	return &Hub{
		cfg:   cfg,
		store: store,
		log:   log,
		rooms: make(map[string]map[*wsClient]struct{}),
	}
}

func (h *Hub) register(room string, cl *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*wsClient]struct{})
	}
	h.rooms[room][cl] = struct{}{}
}

func (h *Hub) unregister(room string, cl *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.rooms[room], cl)
}

func (h *Hub) broadcast(room string, v any) {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.rooms[room]))
	for cl := range h.rooms[room] {
		clients = append(clients, cl)
	}
	h.mu.Unlock()

	for _, cl := range clients {
		if err := cl.send(v); err != nil {
			h.log.Warn("broadcast write failed", "room", room, "error", err)
		}
	}
}

func (h *Hub) broadcastExcept(room string, except *wsClient, v any) {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.rooms[room]))
	for cl := range h.rooms[room] {
		if cl != except {
			clients = append(clients, cl)
		}
	}
	h.mu.Unlock()

	for _, cl := range clients {
		if err := cl.send(v); err != nil {
			h.log.Warn("broadcast write failed", "room", room, "error", err)
		}
	}
}

// HandleChat обслуживает чат-канал одного разговора.
func (h *Hub) HandleChat(c *gin.Context) {
	convID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation ID"})
		return
	}
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id required"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("failed to upgrade connection", "error", err)
		return
	}
	defer conn.Close()

	h.store.EnsureConversation(convID)
	room := "chat:" + convID.String()
	cl := &wsClient{conn: conn, userID: userID}
	h.register(room, cl)
	defer h.unregister(room, cl)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		frameType, raw, err := domain.DecodeFrame(data)
		if err != nil {
			h.log.Warn("dropping malformed frame", "room", room, "error", err)
			continue
		}

		switch frameType {
		case domain.FramePing:
			// Ping держит соединение, ответа не требует

		case domain.FrameChatMessage:
			var out domain.OutboundChatMessage
			if err := json.Unmarshal(raw, &out); err != nil {
				continue
			}
			stored := h.store.AppendMessage(convID, out.SenderID, out.Message, out.MessageType, out.ContentHash)
			h.broadcast(room, chatFrame(stored))

		case domain.FrameHelpRequest:
			var req domain.HelpRequestFrame
			if err := json.Unmarshal(raw, &req); err != nil {
				continue
			}
			stored := h.store.AppendMessage(convID, "system", "Help request received: "+req.Query, domain.MessageTypeSystem, "")
			_ = cl.send(chatFrame(stored))
		}
	}
}

// HandleSession обслуживает сессионный канал: выдача токена, presence,
// in-call чат.
func (h *Hub) HandleSession(c *gin.Context) {
	sessID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session ID"})
		return
	}
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id required"})
		return
	}
	role := c.DefaultQuery("role", string(domain.RoleClient))

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("failed to upgrade connection", "error", err)
		return
	}
	defer conn.Close()

	h.store.EnsureConversation(sessID)
	room := "session:" + sessID.String()
	cl := &wsClient{conn: conn, userID: userID, role: role}
	h.register(room, cl)

	h.broadcastExcept(room, cl, domain.PresenceFrame{
		Type:     domain.FrameUserJoined,
		UserID:   userID,
		UserRole: role,
	})

	defer func() {
		h.unregister(room, cl)
		h.broadcast(room, domain.PresenceFrame{
			Type:     domain.FrameUserLeft,
			UserID:   userID,
			UserRole: role,
		})
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		frameType, raw, err := domain.DecodeFrame(data)
		if err != nil {
			h.log.Warn("dropping malformed frame", "room", room, "error", err)
			continue
		}

		switch frameType {
		case domain.FramePing:

		case domain.FrameTokenRequest:
			uid := UIDFor(userID)
			token, err := MintSessionToken(h.cfg, sessID.String(), uid)
			if err != nil {
				h.log.Error("failed to mint session token", "error", err)
				continue
			}
			_ = cl.send(domain.TokenFrame{
				Type:    domain.FrameToken,
				AppID:   h.cfg.AppID,
				Channel: sessID.String(),
				Token:   token,
				UID:     uid,
			})

		case domain.FrameChatMessage:
			var out domain.OutboundChatMessage
			if err := json.Unmarshal(raw, &out); err != nil {
				continue
			}
			stored := h.store.AppendMessage(sessID, out.SenderID, out.Message, out.MessageType, out.ContentHash)
			h.broadcast(room, chatFrame(stored))
		}
	}
}

func chatFrame(msg *domain.Message) domain.ChatMessageFrame {
	return domain.ChatMessageFrame{
		Type: domain.FrameChatMessage,
		WireMessage: domain.WireMessage{
			MessageID:   msg.ID,
			SenderID:    msg.SenderID,
			Message:     msg.Content,
			MessageType: string(msg.Type),
			Timestamp:   msg.Timestamp.UTC().Format(time.RFC3339Nano),
			Sequence:    msg.Sequence,
			ContentHash: msg.ContentHash,
		},
	}
}
