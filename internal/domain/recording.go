package domain

import (
	"time"

	"github.com/google/uuid"
)

type RecordingState string

const (
	RecordingIdle      RecordingState = "idle"
	RecordingPreparing RecordingState = "preparing"
	RecordingActive    RecordingState = "recording"
	RecordingUploading RecordingState = "uploading"
	RecordingCompleted RecordingState = "completed"
	RecordingFailed    RecordingState = "failed"
)

// RecordingUpload — payload загрузки записи на сервер.
type RecordingUpload struct {
	SessionID uuid.UUID
	ActorID   string
	Blob      []byte
	Duration  time.Duration
	Context   map[string]any
}

type RecordingResult struct {
	ID       string
	Duration time.Duration
}
