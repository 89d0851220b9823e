//go:build !cgo
// +build !cgo

package media

import (
	"context"
	"errors"

	"github.com/nguyensngoc108/EmoPal-sub001/internal/domain"
)

// Заглушка для сборки без CGO (локальная разработка без libvpx/libopus).
// Полная реализация захвата — в capture.go.

func (p *webrtcProvider) CreateMicrophoneAndCameraTracks(ctx context.Context) (domain.MediaTrack, domain.MediaTrack, error) {
	p.log.Error("Media capture requires CGO and codec libraries (libvpx, libopus). Build with CGO_ENABLED=1.")
	return nil, nil, errors.New("media capture not available: requires CGO")
}

func (p *webrtcProvider) CreateMicrophoneTrack(ctx context.Context) (domain.MediaTrack, error) {
	return nil, errors.New("media capture not available: requires CGO")
}
