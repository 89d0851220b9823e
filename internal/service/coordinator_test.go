package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nguyensngoc108/EmoPal-sub001/internal/config"
	"github.com/nguyensngoc108/EmoPal-sub001/internal/domain"
	pkgerrors "github.com/nguyensngoc108/EmoPal-sub001/pkg/errors"
	"github.com/nguyensngoc108/EmoPal-sub001/pkg/logger"
)

type fakeTrack struct {
	id   string
	kind domain.MediaKind

	mu      sync.Mutex
	stopped bool
	closed  bool
}

func (t *fakeTrack) ID() string { return t.id }

func (t *fakeTrack) Kind() domain.MediaKind { return t.kind }

func (t *fakeTrack) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	return nil
}

func (t *fakeTrack) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTrack) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *fakeTrack) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// fakeProvider — сценарный провайдер: ошибки join/subscribe задаются
// очередями и потребляются по одной на вызов.
type fakeProvider struct {
	mu            sync.Mutex
	joinUIDs      []uint32
	joinErrs      []error
	camErr        error
	micErr        error
	publishErr    error
	published     []domain.MediaTrack
	unpublished   []domain.MediaTrack
	subscribeErrs []error
	subscribed    int
	leaveErr      error
	leaveCalls    int

	onPublished func(uid uint32, kind domain.MediaKind)
	onLeft      func(uid uint32)
}

func (p *fakeProvider) Join(ctx context.Context, appID, channel, token string, uid uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.joinUIDs = append(p.joinUIDs, uid)
	if len(p.joinErrs) > 0 {
		err := p.joinErrs[0]
		p.joinErrs = p.joinErrs[1:]
		return err
	}
	return nil
}

func (p *fakeProvider) CreateMicrophoneAndCameraTracks(ctx context.Context) (domain.MediaTrack, domain.MediaTrack, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.camErr != nil {
		return nil, nil, p.camErr
	}
	return &fakeTrack{id: "local-audio", kind: domain.MediaKindAudio},
		&fakeTrack{id: "local-video", kind: domain.MediaKindVideo}, nil
}

func (p *fakeProvider) CreateMicrophoneTrack(ctx context.Context) (domain.MediaTrack, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.micErr != nil {
		return nil, p.micErr
	}
	return &fakeTrack{id: "local-audio", kind: domain.MediaKindAudio}, nil
}

func (p *fakeProvider) Publish(tracks ...domain.MediaTrack) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.publishErr != nil {
		return p.publishErr
	}
	p.published = append(p.published, tracks...)
	return nil
}

func (p *fakeProvider) Unpublish(tracks ...domain.MediaTrack) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unpublished = append(p.unpublished, tracks...)
	return nil
}

func (p *fakeProvider) Subscribe(uid uint32, kind domain.MediaKind) (domain.MediaTrack, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribed++
	if len(p.subscribeErrs) > 0 {
		err := p.subscribeErrs[0]
		p.subscribeErrs = p.subscribeErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &fakeTrack{id: "remote", kind: kind}, nil
}

func (p *fakeProvider) OnUserPublished(f func(uid uint32, kind domain.MediaKind)) {
	p.onPublished = f
}

func (p *fakeProvider) OnUserLeft(f func(uid uint32)) {
	p.onLeft = f
}

func (p *fakeProvider) Leave() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.leaveCalls++
	return p.leaveErr
}

func (p *fakeProvider) subscribeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.subscribed
}

func testMediaConfig() config.MediaConfig {
	return config.MediaConfig{
		UIDRetryOffset:   10_000_000,
		SubscribeRetries: 3,
		SubscribeBackoff: 500 * time.Millisecond,
		RepublishDelay:   2 * time.Second,
	}
}

func testToken() *domain.VideoToken {
	return &domain.VideoToken{AppID: "app", Channel: "session-1", Token: "tok", UID: 42}
}

func newTestCoordinator(provider *fakeProvider, opts ...CoordinatorOption) (*Coordinator, *domain.SessionLifecycle) {
	lifecycle := domain.NewSessionLifecycle()
	c := NewCoordinator(testMediaConfig(), provider, lifecycle, logger.NewNop(), opts...)
	return c, lifecycle
}

func TestCoordinatorJoinPublishesLocalTracks(t *testing.T) {
	provider := &fakeProvider{}
	c, lifecycle := newTestCoordinator(provider)

	require.NoError(t, c.Join(context.Background(), testToken()))

	assert.Equal(t, []uint32{42}, provider.joinUIDs)
	assert.Len(t, provider.published, 2, "аудио и видео публикуются вместе")
	assert.True(t, c.Joined())
	assert.True(t, lifecycle.Joined())

	local := c.LocalStream()
	require.NotNil(t, local)
	assert.Equal(t, uint32(42), local.UID)
	assert.False(t, local.VideoOff)
}

func TestCoordinatorJoinRetriesOnceOnUIDConflict(t *testing.T) {
	provider := &fakeProvider{joinErrs: []error{pkgerrors.ErrUIDConflict}}
	c, _ := newTestCoordinator(provider)

	require.NoError(t, c.Join(context.Background(), testToken()))

	// Первая попытка с uid из токена, вторая — со смещением
	assert.Equal(t, []uint32{42, 10_000_042}, provider.joinUIDs)
	assert.Equal(t, uint32(10_000_042), c.LocalStream().UID)
}

func TestCoordinatorJoinFailsAfterSecondConflict(t *testing.T) {
	provider := &fakeProvider{joinErrs: []error{pkgerrors.ErrUIDConflict, pkgerrors.ErrUIDConflict}}
	c, lifecycle := newTestCoordinator(provider)

	err := c.Join(context.Background(), testToken())
	require.Error(t, err)
	assert.ErrorIs(t, err, pkgerrors.ErrUIDConflict)
	assert.Len(t, provider.joinUIDs, 2, "смещение пробуем ровно один раз")
	assert.False(t, lifecycle.Joined())
}

func TestCoordinatorAudioOnlyFallback(t *testing.T) {
	provider := &fakeProvider{camErr: assert.AnError}
	c, _ := newTestCoordinator(provider)

	require.NoError(t, c.Join(context.Background(), testToken()))

	local := c.LocalStream()
	require.NotNil(t, local)
	assert.True(t, local.VideoOff)
	assert.NotNil(t, local.AudioTrack)
	assert.Nil(t, local.VideoTrack)
	assert.Len(t, provider.published, 1)
}

func TestCoordinatorJoinFailsWithoutAnyTracks(t *testing.T) {
	provider := &fakeProvider{camErr: assert.AnError, micErr: assert.AnError}
	c, lifecycle := newTestCoordinator(provider)

	err := c.Join(context.Background(), testToken())
	assert.ErrorIs(t, err, pkgerrors.ErrNoMediaTracks)
	assert.False(t, lifecycle.Joined())
	// Канал провайдера не остается занятым после неудачного join
	assert.Equal(t, 1, provider.leaveCalls)
}

func TestCoordinatorJoinLeavesProviderOnPublishFailure(t *testing.T) {
	provider := &fakeProvider{publishErr: assert.AnError}
	c, lifecycle := newTestCoordinator(provider)

	err := c.Join(context.Background(), testToken())
	require.Error(t, err)
	assert.False(t, c.Joined())
	assert.False(t, lifecycle.Joined())
	assert.Equal(t, 1, provider.leaveCalls)
}

func TestCoordinatorIgnoresOwnPublishedStream(t *testing.T) {
	provider := &fakeProvider{}
	c, _ := newTestCoordinator(provider)
	require.NoError(t, c.Join(context.Background(), testToken()))

	var gotRemote bool
	c.OnRemoteTrack(func(uid uint32, kind domain.MediaKind, track domain.MediaTrack) {
		gotRemote = true
	})

	// Провайдер отражает нашу собственную публикацию
	provider.onPublished(42, domain.MediaKindVideo)

	assert.False(t, gotRemote)
	assert.Equal(t, 0, provider.subscribeCount())
}

func TestCoordinatorSubscribeRetriesTransientFailures(t *testing.T) {
	provider := &fakeProvider{subscribeErrs: []error{assert.AnError, assert.AnError, nil}}
	var slept []time.Duration
	c, _ := newTestCoordinator(provider, WithSleep(func(d time.Duration) {
		slept = append(slept, d)
	}))
	require.NoError(t, c.Join(context.Background(), testToken()))

	var gotUID uint32
	var gotKind domain.MediaKind
	c.OnRemoteTrack(func(uid uint32, kind domain.MediaKind, track domain.MediaTrack) {
		gotUID, gotKind = uid, kind
	})

	provider.onPublished(77, domain.MediaKindVideo)

	assert.Equal(t, 3, provider.subscribeCount())
	// Линейный backoff: 1x, затем 2x базовой задержки
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, slept)
	assert.Equal(t, uint32(77), gotUID)
	assert.Equal(t, domain.MediaKindVideo, gotKind)

	_, track, ok := c.RemoteVideoTrack()
	require.True(t, ok)
	assert.NotNil(t, track)
}

func TestCoordinatorSubscribeAbortsWhenStreamGone(t *testing.T) {
	provider := &fakeProvider{subscribeErrs: []error{pkgerrors.ErrStreamGone}}
	c, _ := newTestCoordinator(provider, WithSleep(func(d time.Duration) {
		t.Fatal("при ErrStreamGone повторов быть не должно")
	}))
	require.NoError(t, c.Join(context.Background(), testToken()))

	var gotRemote bool
	c.OnRemoteTrack(func(uid uint32, kind domain.MediaKind, track domain.MediaTrack) {
		gotRemote = true
	})

	provider.onPublished(77, domain.MediaKindVideo)

	assert.Equal(t, 1, provider.subscribeCount())
	assert.False(t, gotRemote)
}

func TestCoordinatorSubscribeGivesUpAfterRetries(t *testing.T) {
	provider := &fakeProvider{subscribeErrs: []error{assert.AnError, assert.AnError, assert.AnError}}
	c, _ := newTestCoordinator(provider, WithSleep(func(time.Duration) {}))
	require.NoError(t, c.Join(context.Background(), testToken()))

	var gotRemote bool
	c.OnRemoteTrack(func(uid uint32, kind domain.MediaKind, track domain.MediaTrack) {
		gotRemote = true
	})

	provider.onPublished(77, domain.MediaKindVideo)

	assert.Equal(t, 3, provider.subscribeCount())
	assert.False(t, gotRemote)
}

func TestCoordinatorUserLeftStopsTracks(t *testing.T) {
	provider := &fakeProvider{}
	c, _ := newTestCoordinator(provider)
	require.NoError(t, c.Join(context.Background(), testToken()))

	var remote *fakeTrack
	c.OnRemoteTrack(func(uid uint32, kind domain.MediaKind, track domain.MediaTrack) {
		remote = track.(*fakeTrack)
	})
	provider.onPublished(77, domain.MediaKindVideo)
	require.NotNil(t, remote)

	var leftUID uint32
	c.OnRemoteLeft(func(uid uint32) { leftUID = uid })
	provider.onLeft(77)

	assert.True(t, remote.isStopped())
	assert.Equal(t, uint32(77), leftUID)

	_, _, ok := c.RemoteVideoTrack()
	assert.False(t, ok)
}

func TestCoordinatorRepublishesAfterPeerJoins(t *testing.T) {
	provider := &fakeProvider{}
	var delay time.Duration
	var deferred func()
	c, _ := newTestCoordinator(provider, WithAfter(func(d time.Duration, f func()) *time.Timer {
		delay, deferred = d, f
		return nil
	}))
	require.NoError(t, c.Join(context.Background(), testToken()))
	require.Len(t, provider.published, 2)

	c.HandlePeerJoined("client-1")
	require.NotNil(t, deferred)
	assert.Equal(t, 2*time.Second, delay)

	deferred()

	// Unpublish + повторный Publish тех же треков
	assert.Len(t, provider.unpublished, 2)
	assert.Len(t, provider.published, 4)
}

func TestCoordinatorRepublishSkippedAfterLeave(t *testing.T) {
	provider := &fakeProvider{}
	var deferred func()
	c, _ := newTestCoordinator(provider, WithAfter(func(d time.Duration, f func()) *time.Timer {
		deferred = f
		return nil
	}))
	require.NoError(t, c.Join(context.Background(), testToken()))

	c.HandlePeerJoined("client-1")
	c.Leave(context.Background())
	published := len(provider.published)

	deferred()

	assert.Len(t, provider.published, published, "после выхода перепубликации нет")
}

func TestCoordinatorMuteAudio(t *testing.T) {
	provider := &fakeProvider{}
	c, _ := newTestCoordinator(provider)
	require.NoError(t, c.Join(context.Background(), testToken()))

	require.NoError(t, c.MuteAudio(true))
	require.Len(t, provider.unpublished, 1)
	assert.Equal(t, domain.MediaKindAudio, provider.unpublished[0].Kind())

	// Повторный mute — no-op
	require.NoError(t, c.MuteAudio(true))
	assert.Len(t, provider.unpublished, 1)

	require.NoError(t, c.MuteAudio(false))
	assert.Len(t, provider.published, 3)
}

func TestCoordinatorLeaveIsBestEffort(t *testing.T) {
	provider := &fakeProvider{leaveErr: assert.AnError}
	c, lifecycle := newTestCoordinator(provider)
	require.NoError(t, c.Join(context.Background(), testToken()))

	var remote *fakeTrack
	c.OnRemoteTrack(func(uid uint32, kind domain.MediaKind, track domain.MediaTrack) {
		remote = track.(*fakeTrack)
	})
	provider.onPublished(77, domain.MediaKindAudio)
	require.NotNil(t, remote)

	localAudio := c.LocalStream().AudioTrack.(*fakeTrack)
	localVideo := c.LocalStream().VideoTrack.(*fakeTrack)

	c.Leave(context.Background())

	// Ошибка провайдера не мешает разобрать остальное
	assert.Equal(t, 1, provider.leaveCalls)
	assert.True(t, localAudio.isClosed())
	assert.True(t, localVideo.isClosed())
	assert.True(t, remote.isStopped())
	assert.False(t, c.Joined())
	assert.False(t, lifecycle.Joined())
	assert.Nil(t, c.LocalStream())
}
