package api

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/nguyensngoc108/EmoPal-sub001/internal/config"
	"github.com/nguyensngoc108/EmoPal-sub001/internal/domain"
	"github.com/nguyensngoc108/EmoPal-sub001/pkg/logger"
)

type ChatAPI interface {
	GetConversation(ctx context.Context, id uuid.UUID) (*domain.Conversation, error)
	// GetMessages отдает страницу истории; страницы нумеруются с 1,
	// в reverse-chronological порядке выборки.
	GetMessages(ctx context.Context, id uuid.UUID, page, pageSize int) ([]*domain.Message, error)
	// SendMessage — out-of-band fallback для отправки мимо WebSocket
	SendMessage(ctx context.Context, id uuid.UUID, senderID, content string, msgType domain.MessageType) (*domain.Message, error)
}

type chatAPI struct {
	*client
}

func NewChatAPI(cfg config.APIConfig, log logger.Logger) ChatAPI {
	return &chatAPI{client: newClient(cfg, log)}
}

func (a *chatAPI) GetConversation(ctx context.Context, id uuid.UUID) (*domain.Conversation, error) {
	var conv domain.Conversation
	if err := a.getJSON(ctx, fmt.Sprintf("/conversations/%s", id), &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

type messagesResponse struct {
	Messages []domain.WireMessage `json:"messages"`
}

func (a *chatAPI) GetMessages(ctx context.Context, id uuid.UUID, page, pageSize int) ([]*domain.Message, error) {
	path := fmt.Sprintf("/conversations/%s/messages?page=%d&page_size=%d", id, page, pageSize)
	var resp messagesResponse
	if err := a.getJSON(ctx, path, &resp); err != nil {
		return nil, err
	}

	messages := make([]*domain.Message, 0, len(resp.Messages))
	for i := range resp.Messages {
		msg, err := resp.Messages[i].Normalize(id)
		if err != nil {
			// Неразборчивое сообщение в истории не валит всю страницу
			a.log.Warn("skipping malformed message in history", "error", err)
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

type sendMessageRequest struct {
	SenderID    string             `json:"sender_id"`
	Content     string             `json:"content"`
	MessageType domain.MessageType `json:"message_type"`
}

func (a *chatAPI) SendMessage(ctx context.Context, id uuid.UUID, senderID, content string, msgType domain.MessageType) (*domain.Message, error) {
	var wire domain.WireMessage
	err := a.postJSON(ctx, fmt.Sprintf("/conversations/%s/send", id), sendMessageRequest{
		SenderID:    senderID,
		Content:     content,
		MessageType: msgType,
	}, &wire)
	if err != nil {
		return nil, err
	}
	return wire.Normalize(id)
}
