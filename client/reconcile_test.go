package client

import (
	"context"
	"sync/atomic"
	"testing"

	"JamFM/core/jam"
	"JamFM/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func currentEpoch(c *Controller) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

func TestReconcileFollowerConverges(t *testing.T) {
	api := &fakeAPI{session: baseSession(1)}
	controller := newTestController(api, 2, nil, nil)
	require.NoError(t, controller.JoinByCode(context.Background(), "ABC234"))

	// 广播丢了：持久层已经前进，本地视图落后
	track := "track-7"
	api.mu.Lock()
	api.session.CurrentTrackID = &track
	api.session.CurrentPosition = 33.3
	api.session.IsPlaying = true
	api.session.Queue = model.TrackQueue{{TrackID: "track-7"}, {TrackID: "track-8"}}
	api.mu.Unlock()

	controller.reconcile(context.Background(), currentEpoch(controller), "sess-1", 1)

	snap := controller.Snapshot()
	require.NotNil(t, snap.Session.CurrentTrackID)
	assert.Equal(t, "track-7", *snap.Session.CurrentTrackID)
	assert.Equal(t, 33.3, snap.Session.CurrentPosition)
	assert.True(t, snap.Session.IsPlaying)
	assert.Len(t, snap.Session.Queue, 2)
}

func TestReconcileHostKeepsPlaybackAuthority(t *testing.T) {
	api := &fakeAPI{session: baseSession(1)}
	controller := newTestController(api, 1, nil, nil)
	require.NoError(t, controller.Create(context.Background(), "jam"))

	// 主持人本地已经在播放，持久层还是旧值
	playing := true
	require.NoError(t, controller.UpdateState(context.Background(), &model.StatePatch{IsPlaying: &playing}))
	api.mu.Lock()
	api.session.IsPlaying = false
	api.session.Name = "renamed"
	api.mu.Unlock()

	controller.reconcile(context.Background(), currentEpoch(controller), "sess-1", 1)

	snap := controller.Snapshot()
	assert.True(t, snap.Session.IsPlaying, "host playback state must not be clobbered")
	assert.Equal(t, "renamed", snap.Session.Name, "non-playback metadata is adopted")
}

func TestReconcileSessionGone(t *testing.T) {
	var notices []string
	api := &fakeAPI{session: baseSession(1)}
	controller := newTestController(api, 2, nil, func(msg string) { notices = append(notices, msg) })
	require.NoError(t, controller.JoinByCode(context.Background(), "ABC234"))

	api.mu.Lock()
	api.getErr = jam.ErrNotFound
	api.mu.Unlock()

	controller.reconcile(context.Background(), currentEpoch(controller), "sess-1", 1)

	snap := controller.Snapshot()
	assert.Equal(t, PhaseIdle, snap.Phase)
	assert.Nil(t, snap.Session)
	require.Len(t, notices, 1)
}

func TestReconcileSessionEnded(t *testing.T) {
	var notices []string
	api := &fakeAPI{session: baseSession(1)}
	controller := newTestController(api, 2, nil, func(msg string) { notices = append(notices, msg) })
	require.NoError(t, controller.JoinByCode(context.Background(), "ABC234"))

	api.mu.Lock()
	api.session.IsActive = false
	api.mu.Unlock()

	controller.reconcile(context.Background(), currentEpoch(controller), "sess-1", 1)

	assert.Equal(t, PhaseIdle, controller.Snapshot().Phase)
	require.Len(t, notices, 1)
}

func TestReconcileTransientErrorKeepsSession(t *testing.T) {
	api := &fakeAPI{session: baseSession(1)}
	controller := newTestController(api, 2, nil, nil)
	require.NoError(t, controller.JoinByCode(context.Background(), "ABC234"))

	api.mu.Lock()
	api.getErr = assert.AnError
	api.mu.Unlock()

	controller.reconcile(context.Background(), currentEpoch(controller), "sess-1", 1)

	// 瞬时失败不踢人，等下一个周期
	assert.Equal(t, PhaseInSession, controller.Snapshot().Phase)
}

func TestReconcileCleanupCadence(t *testing.T) {
	api := &fakeAPI{session: baseSession(1)}
	host := newTestController(api, 1, nil, nil)
	require.NoError(t, host.Create(context.Background(), "jam"))

	for tick := 1; tick <= 24; tick++ {
		host.reconcile(context.Background(), currentEpoch(host), "sess-1", tick)
	}
	assert.Equal(t, 2, api.cleanupCount(), "host sweeps every 12th reconcile tick")

	// 跟随端不触发清扫
	followerAPI := &fakeAPI{session: baseSession(1)}
	follower := newTestController(followerAPI, 2, nil, nil)
	require.NoError(t, follower.JoinByCode(context.Background(), "ABC234"))
	for tick := 1; tick <= 24; tick++ {
		follower.reconcile(context.Background(), currentEpoch(follower), "sess-1", tick)
	}
	assert.Zero(t, followerAPI.cleanupCount())
}

func TestReconcileNoChangeNoEmit(t *testing.T) {
	var updates atomic.Int64
	api := &fakeAPI{session: baseSession(1)}
	controller := NewController(api, &fakeOpener{stream: newFakeStream()},
		"http://localhost:8080", "test-token", 2,
		testInterval, testInterval, func(Snapshot) { updates.Add(1) }, nil)
	require.NoError(t, controller.JoinByCode(context.Background(), "ABC234"))

	controller.reconcile(context.Background(), currentEpoch(controller), "sess-1", 1)
	before := updates.Load()
	controller.reconcile(context.Background(), currentEpoch(controller), "sess-1", 2)

	assert.Equal(t, before, updates.Load(), "identical remote snapshot must not trigger UI churn")
}

func TestParticipantsEqualIgnoresLastSeenChurn(t *testing.T) {
	a := []model.ParticipantView{{UserID: 1, Username: "alice", IsHost: true, IsActive: true}}
	b := []model.ParticipantView{{UserID: 1, Username: "alice", IsHost: true, IsActive: true}}
	b[0].LastSeen = b[0].LastSeen.Add(1)

	assert.True(t, participantsEqual(a, b))

	b[0].IsActive = false
	assert.False(t, participantsEqual(a, b))

	assert.False(t, participantsEqual(a, nil))
}
