package media

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/nguyensngoc108/EmoPal-sub001/internal/config"
	"github.com/nguyensngoc108/EmoPal-sub001/internal/domain"
	pkgerrors "github.com/nguyensngoc108/EmoPal-sub001/pkg/errors"
	"github.com/nguyensngoc108/EmoPal-sub001/pkg/logger"
)

// webrtcProvider — реализация Provider поверх pion. Удаленные треки
// приходят через OnTrack; uid участника кодируется в stream id ("u<uid>").
type webrtcProvider struct {
	cfg config.MediaConfig
	log logger.Logger

	mu      sync.Mutex
	pc      *webrtc.PeerConnection
	uid     uint32
	channel string
	senders map[string]*webrtc.RTPSender
	remote  map[uint32]map[domain.MediaKind]*remoteTrack

	onUserPublished func(uid uint32, kind domain.MediaKind)
	onUserLeft      func(uid uint32)
}

func NewWebRTCProvider(cfg config.MediaConfig, log logger.Logger) Provider {
	return &webrtcProvider{
		cfg:     cfg,
		log:     log,
		senders: make(map[string]*webrtc.RTPSender),
		remote:  make(map[uint32]map[domain.MediaKind]*remoteTrack),
	}
}

func (p *webrtcProvider) OnUserPublished(f func(uid uint32, kind domain.MediaKind)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onUserPublished = f
}

func (p *webrtcProvider) OnUserLeft(f func(uid uint32)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onUserLeft = f
}

func (p *webrtcProvider) Join(ctx context.Context, appID, channel, token string, uid uint32) error {
	if token == "" {
		return pkgerrors.ErrInvalidToken
	}

	webrtcConfig := webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{p.cfg.STUNServer}},
		},
	}

	pc, err := webrtc.NewPeerConnection(webrtcConfig)
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.log.Info("peer connection state changed", "state", state.String())
		if state == webrtc.PeerConnectionStateDisconnected || state == webrtc.PeerConnectionStateFailed {
			p.dropAllRemotes()
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		p.handleRemoteTrack(track)
	})

	p.mu.Lock()
	prev := p.pc
	p.pc = pc
	p.uid = uid
	p.channel = channel
	p.senders = make(map[string]*webrtc.RTPSender)
	p.mu.Unlock()

	// Повторный join (например, retry после отказа в доступе к камере)
	// не должен копить peer connections
	if prev != nil {
		_ = prev.Close()
	}

	p.log.Info("joined media channel", "app_id", appID, "channel", channel, "uid", uid)
	return nil
}

func (p *webrtcProvider) handleRemoteTrack(track *webrtc.TrackRemote) {
	var uid uint32
	if _, err := fmt.Sscanf(track.StreamID(), "u%d", &uid); err != nil {
		p.log.Warn("remote track with unparseable stream id", "stream_id", track.StreamID())
		return
	}

	kind := domain.MediaKindAudio
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		kind = domain.MediaKindVideo
	}

	rt := &remoteTrack{track: track, kind: kind}

	p.mu.Lock()
	if p.remote[uid] == nil {
		p.remote[uid] = make(map[domain.MediaKind]*remoteTrack)
	}
	p.remote[uid][kind] = rt
	handler := p.onUserPublished
	p.mu.Unlock()

	p.log.Info("remote track arrived", "uid", uid, "kind", kind)
	if handler != nil {
		handler(uid, kind)
	}
}

func (p *webrtcProvider) dropAllRemotes() {
	p.mu.Lock()
	uids := make([]uint32, 0, len(p.remote))
	for uid := range p.remote {
		uids = append(uids, uid)
	}
	p.remote = make(map[uint32]map[domain.MediaKind]*remoteTrack)
	handler := p.onUserLeft
	p.mu.Unlock()

	if handler != nil {
		for _, uid := range uids {
			handler(uid)
		}
	}
}

func (p *webrtcProvider) Publish(tracks ...domain.MediaTrack) error {
	p.mu.Lock()
	pc := p.pc
	p.mu.Unlock()
	if pc == nil {
		return pkgerrors.ErrChannelClosed
	}

	for _, t := range tracks {
		lt, ok := t.(*localTrack)
		if !ok {
			return fmt.Errorf("cannot publish non-local track %s", t.ID())
		}
		transceiver, err := pc.AddTransceiverFromTrack(lt.track, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendonly,
		})
		if err != nil {
			return fmt.Errorf("publish track %s: %w", t.ID(), err)
		}
		p.mu.Lock()
		p.senders[t.ID()] = transceiver.Sender()
		p.mu.Unlock()
		p.log.Info("track published", "track_id", t.ID(), "kind", t.Kind())
	}
	return nil
}

func (p *webrtcProvider) Unpublish(tracks ...domain.MediaTrack) error {
	p.mu.Lock()
	pc := p.pc
	p.mu.Unlock()
	if pc == nil {
		return pkgerrors.ErrChannelClosed
	}

	for _, t := range tracks {
		p.mu.Lock()
		sender, ok := p.senders[t.ID()]
		delete(p.senders, t.ID())
		p.mu.Unlock()
		if !ok {
			continue
		}
		if err := pc.RemoveTrack(sender); err != nil {
			p.log.Warn("failed to unpublish track", "track_id", t.ID(), "error", err)
		}
	}
	return nil
}

func (p *webrtcProvider) Subscribe(uid uint32, kind domain.MediaKind) (domain.MediaTrack, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	byKind, ok := p.remote[uid]
	if !ok {
		return nil, pkgerrors.ErrStreamGone
	}
	track, ok := byKind[kind]
	if !ok {
		return nil, pkgerrors.ErrStreamGone
	}
	return track, nil
}

func (p *webrtcProvider) Leave() error {
	p.mu.Lock()
	pc := p.pc
	p.pc = nil
	p.senders = make(map[string]*webrtc.RTPSender)
	p.remote = make(map[uint32]map[domain.MediaKind]*remoteTrack)
	p.mu.Unlock()

	if pc == nil {
		return nil
	}
	return pc.Close()
}

// --- Обертки треков ---

type localTrack struct {
	track mediadevices.Track
	kind  domain.MediaKind
}

func (t *localTrack) ID() string             { return t.track.ID() }
func (t *localTrack) Kind() domain.MediaKind { return t.kind }
func (t *localTrack) Stop() error            { return nil }
func (t *localTrack) Close() error           { return t.track.Close() }

type remoteTrack struct {
	track *webrtc.TrackRemote
	kind  domain.MediaKind

	mu      sync.Mutex
	stopped bool
}

func (t *remoteTrack) ID() string             { return t.track.ID() }
func (t *remoteTrack) Kind() domain.MediaKind { return t.kind }

// Stop отвязывает трек: дедлайн выбивает заблокированный ReadRTP, сам
// трек не закрывается (им владеет удаленная сторона).
func (t *remoteTrack) Stop() error {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
	return t.track.SetReadDeadline(time.Now())
}

func (t *remoteTrack) Close() error { return t.Stop() }

func (t *remoteTrack) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *remoteTrack) readRTP() (*rtp.Packet, error) {
	pkt, _, err := t.track.ReadRTP()
	return pkt, err
}

func (t *remoteTrack) setReadDeadline(deadline time.Time) error {
	return t.track.SetReadDeadline(deadline)
}
