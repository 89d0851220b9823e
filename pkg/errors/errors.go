package errors

import (
	"errors"
	"net/http"
)

var (
	// Транзиентные сетевые ошибки — ретраим с backoff
	ErrChannelClosed      = errors.New("channel closed")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrRequestFailed      = errors.New("request failed")

	// Ошибки доступа к медиа — фатальны для join, автоматического ретрая нет
	ErrPermissionDenied = errors.New("media permission denied")
	ErrNoMediaTracks    = errors.New("no media tracks available")

	// Гонки провайдера — один ограниченный ретрай, дальше фатально для операции
	ErrUIDConflict = errors.New("uid conflict")
	ErrStreamGone  = errors.New("stream no longer exists")

	// Протокольные ошибки — отбрасываем локально, канал не роняем
	ErrMalformedFrame = errors.New("malformed frame")
	ErrEmptyRecording = errors.New("no recording data captured")

	ErrNotFound       = errors.New("not found")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrBadRequest     = errors.New("bad request")
	ErrInternalServer = errors.New("internal server error")
	ErrInvalidToken   = errors.New("invalid token")
	ErrTokenExpired   = errors.New("token expired")
)

type APIError struct {
	Message string `json:"error"`
	Code    int    `json:"code"`
}

func (e *APIError) Error() string {
	return e.Message
}

func NewAPIError(message string, code int) *APIError {
	return &APIError{
		Message: message,
		Code:    code,
	}
}

func HTTPStatusFromError(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrInvalidToken), errors.Is(err, ErrTokenExpired):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrBadRequest), errors.Is(err, ErrEmptyRecording):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// FromHTTPStatus маппит статус ответа внешнего API на sentinel-ошибку.
func FromHTTPStatus(code int) error {
	switch {
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusUnauthorized:
		return ErrUnauthorized
	case code == http.StatusForbidden:
		return ErrForbidden
	case code >= 400 && code < 500:
		return ErrBadRequest
	default:
		return ErrInternalServer
	}
}
