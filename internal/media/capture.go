//go:build cgo
// +build cgo

package media

import (
	"context"
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/prop"

	"github.com/nguyensngoc108/EmoPal-sub001/internal/domain"
	pkgerrors "github.com/nguyensngoc108/EmoPal-sub001/pkg/errors"
)

// Захват устройств живет за cgo: vpx/opus кодеки требуют libvpx и
// libopus. Сборка без cgo получает заглушку из capture_no_cgo.go.

func (p *webrtcProvider) CreateMicrophoneAndCameraTracks(ctx context.Context) (domain.MediaTrack, domain.MediaTrack, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(constraint *mediadevices.MediaTrackConstraints) {
			constraint.SampleRate = prop.Int(48000)
		},
		Video: func(constraint *mediadevices.MediaTrackConstraints) {
			constraint.Width = prop.Int(640)
			constraint.Height = prop.Int(480)
		},
		Codec: p.codecSelector(),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", pkgerrors.ErrPermissionDenied, err)
	}

	var audio, video domain.MediaTrack
	if tracks := stream.GetAudioTracks(); len(tracks) > 0 {
		audio = &localTrack{track: tracks[0].(mediadevices.Track), kind: domain.MediaKindAudio}
	}
	if tracks := stream.GetVideoTracks(); len(tracks) > 0 {
		video = &localTrack{track: tracks[0].(mediadevices.Track), kind: domain.MediaKindVideo}
	}
	if audio == nil && video == nil {
		return nil, nil, pkgerrors.ErrNoMediaTracks
	}
	return audio, video, nil
}

func (p *webrtcProvider) CreateMicrophoneTrack(ctx context.Context) (domain.MediaTrack, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(constraint *mediadevices.MediaTrackConstraints) {
			constraint.SampleRate = prop.Int(48000)
		},
		Codec: p.codecSelector(),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pkgerrors.ErrPermissionDenied, err)
	}

	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, pkgerrors.ErrNoMediaTracks
	}
	return &localTrack{track: tracks[0].(mediadevices.Track), kind: domain.MediaKindAudio}, nil
}

func (p *webrtcProvider) codecSelector() *mediadevices.CodecSelector {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		p.log.Error("failed to create VP8 params", "error", err)
	}
	vpxParams.BitRate = 800_000
	vpxParams.KeyFrameInterval = 30

	opusParams, err := opus.NewParams()
	if err != nil {
		p.log.Error("failed to create Opus params", "error", err)
	}
	opusParams.BitRate = 64_000

	return mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)
}
