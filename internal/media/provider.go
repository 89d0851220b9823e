package media

import (
	"context"

	"github.com/nguyensngoc108/EmoPal-sub001/internal/domain"
)

// Provider — граница медиа-провайдера звонка. Семантика повторяет
// publish/subscribe модель SDK: join с выданным сервером uid, захват
// локальных треков, подписка на удаленные по событию user-published.
type Provider interface {
	// Join входит в канал строго с переданным uid: токен выписан под него.
	Join(ctx context.Context, appID, channel, token string, uid uint32) error

	CreateMicrophoneAndCameraTracks(ctx context.Context) (audio, video domain.MediaTrack, err error)
	// CreateMicrophoneTrack — fallback на audio-only при недоступной камере
	CreateMicrophoneTrack(ctx context.Context) (domain.MediaTrack, error)

	Publish(tracks ...domain.MediaTrack) error
	Unpublish(tracks ...domain.MediaTrack) error

	Subscribe(uid uint32, kind domain.MediaKind) (domain.MediaTrack, error)

	OnUserPublished(f func(uid uint32, kind domain.MediaKind))
	OnUserLeft(f func(uid uint32))

	Leave() error
}
