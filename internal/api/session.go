package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/google/uuid"

	"github.com/nguyensngoc108/EmoPal-sub001/internal/config"
	"github.com/nguyensngoc108/EmoPal-sub001/internal/domain"
	"github.com/nguyensngoc108/EmoPal-sub001/pkg/errors"
	"github.com/nguyensngoc108/EmoPal-sub001/pkg/logger"
)

type SessionAPI interface {
	GetSessionStatus(ctx context.Context, id uuid.UUID) (*domain.SessionStatus, error)
	RequestToken(ctx context.Context, id uuid.UUID, userID string) (*domain.VideoToken, error)
	// UploadRecording грузит запись multipart-формой: blob, длительность,
	// session id, actor id и JSON-контекст. Возвращает серверный ID записи.
	UploadRecording(ctx context.Context, upload *domain.RecordingUpload) (string, error)
}

type sessionAPI struct {
	*client
}

func NewSessionAPI(cfg config.APIConfig, log logger.Logger) SessionAPI {
	return &sessionAPI{client: newClient(cfg, log)}
}

func (a *sessionAPI) GetSessionStatus(ctx context.Context, id uuid.UUID) (*domain.SessionStatus, error) {
	var status domain.SessionStatus
	if err := a.getJSON(ctx, fmt.Sprintf("/sessions/%s/status", id), &status); err != nil {
		return nil, err
	}
	return &status, nil
}

type tokenRequest struct {
	UserID string `json:"user_id"`
}

func (a *sessionAPI) RequestToken(ctx context.Context, id uuid.UUID, userID string) (*domain.VideoToken, error) {
	var token domain.VideoToken
	err := a.postJSON(ctx, fmt.Sprintf("/sessions/%s/token", id), tokenRequest{UserID: userID}, &token)
	if err != nil {
		return nil, err
	}
	return &token, nil
}

type uploadResponse struct {
	Success     bool   `json:"success"`
	RecordingID string `json:"recording_id"`
	Error       string `json:"error,omitempty"`
}

func (a *sessionAPI) UploadRecording(ctx context.Context, upload *domain.RecordingUpload) (string, error) {
	// Пустой blob не уходит в сеть вообще
	if len(upload.Blob) == 0 {
		return "", errors.ErrEmptyRecording
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("recording", "session-recording.webm")
	if err != nil {
		return "", fmt.Errorf("build multipart: %w", err)
	}
	if _, err := part.Write(upload.Blob); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}

	_ = w.WriteField("duration", fmt.Sprintf("%.1f", upload.Duration.Seconds()))
	_ = w.WriteField("session_id", upload.SessionID.String())
	_ = w.WriteField("actor_id", upload.ActorID)

	contextJSON, err := json.Marshal(upload.Context)
	if err != nil {
		return "", fmt.Errorf("marshal context: %w", err)
	}
	_ = w.WriteField("context", string(contextJSON))

	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close multipart: %w", err)
	}

	url := fmt.Sprintf("%s/sessions/%s/recording", a.baseURL, upload.SessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := a.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errors.ErrRequestFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		a.log.Warn("recording upload rejected", "status", resp.StatusCode, "body", string(body))
		return "", errors.FromHTTPStatus(resp.StatusCode)
	}

	var result uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if !result.Success {
		return "", fmt.Errorf("upload failed: %s", result.Error)
	}
	return result.RecordingID, nil
}
