package domain

type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

// MediaTrack — опубликованный аудио/видео трек. Реализации оборачивают
// треки конкретного провайдера. Stop отвязывает удаленный трек,
// Close освобождает локальный захват.
type MediaTrack interface {
	ID() string
	Kind() MediaKind
	Stop() error
	Close() error
}

// LocalStream — собственные опубликованные треки участника.
type LocalStream struct {
	UID        uint32
	AudioTrack MediaTrack
	VideoTrack MediaTrack
	// VideoOff выставляется при fallback на audio-only, когда камера недоступна
	VideoOff bool
}

func (s *LocalStream) Tracks() []MediaTrack {
	var tracks []MediaTrack
	if s.AudioTrack != nil {
		tracks = append(tracks, s.AudioTrack)
	}
	if s.VideoTrack != nil {
		tracks = append(tracks, s.VideoTrack)
	}
	return tracks
}

// RemoteStream — треки одного удаленного участника, ключ — его UID.
type RemoteStream struct {
	UID        uint32
	AudioTrack MediaTrack
	VideoTrack MediaTrack
}
