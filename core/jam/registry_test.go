package jam

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"JamFM/cache"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, repo *fakeSessionRepo, broadcaster *fakeBroadcaster, maxParticipants int) *Registry {
	t.Helper()
	sessionCache := cache.NewSessionCache()
	presence := NewPresenceTracker(repo, sessionCache, broadcaster, 150*time.Second)
	return NewRegistry(repo, sessionCache, presence, broadcaster, maxParticipants, 6, 32)
}

func TestCreateSession(t *testing.T) {
	repo := newFakeSessionRepo()
	broadcaster := &fakeBroadcaster{}
	registry := newTestRegistry(t, repo, broadcaster, 10)
	ctx := context.Background()

	session, err := registry.Create(ctx, 1, "alice", "摸鱼电台")
	require.NoError(t, err)
	require.NotNil(t, session)

	assert.Len(t, session.Code, 6)
	assert.True(t, session.IsActive)
	assert.Equal(t, int64(1), session.HostUserID)
	assert.Equal(t, "摸鱼电台", session.Name)

	// 加入码只含无歧义字符
	for _, ch := range session.Code {
		assert.Contains(t, codeCharset, string(ch))
	}

	// 主持人自动成为活跃参与者
	participant, err := repo.GetParticipant(ctx, session.ID, 1)
	require.NoError(t, err)
	require.NotNil(t, participant)
	assert.True(t, participant.IsActive)
}

func TestCreateSessionCodesUniqueAmongActive(t *testing.T) {
	repo := newFakeSessionRepo()
	broadcaster := &fakeBroadcaster{}
	registry := newTestRegistry(t, repo, broadcaster, 10)
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		session, err := registry.Create(ctx, int64(i+1), "host", "jam")
		require.NoError(t, err)
		assert.False(t, seen[session.Code], "duplicate code %s", session.Code)
		seen[session.Code] = true
	}
}

func TestJoinByCode(t *testing.T) {
	repo := newFakeSessionRepo()
	broadcaster := &fakeBroadcaster{}
	registry := newTestRegistry(t, repo, broadcaster, 10)
	ctx := context.Background()

	session, err := registry.Create(ctx, 1, "alice", "jam")
	require.NoError(t, err)

	found, err := registry.LookupByCode(ctx, session.Code)
	require.NoError(t, err)
	assert.Equal(t, session.ID, found.ID)

	_, err = registry.Join(ctx, found.ID, 2, "bob")
	require.NoError(t, err)

	count, err := repo.CountActiveParticipants(ctx, session.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)

	joined := broadcaster.eventsOfType(EventParticipantJoined)
	require.Len(t, joined, 1)
	assert.Equal(t, int64(2), joined[0].Event.UserID)
}

func TestJoinIsIdempotent(t *testing.T) {
	repo := newFakeSessionRepo()
	broadcaster := &fakeBroadcaster{}
	registry := newTestRegistry(t, repo, broadcaster, 2)
	ctx := context.Background()

	session, err := registry.Create(ctx, 1, "alice", "jam")
	require.NoError(t, err)

	_, err = registry.Join(ctx, session.ID, 2, "bob")
	require.NoError(t, err)

	// 会话已满，但重复加入的是已有成员，不占新名额
	_, err = registry.Join(ctx, session.ID, 2, "bob")
	require.NoError(t, err)

	count, err := repo.CountActiveParticipants(ctx, session.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)
}

func TestJoinSessionFull(t *testing.T) {
	repo := newFakeSessionRepo()
	broadcaster := &fakeBroadcaster{}
	registry := newTestRegistry(t, repo, broadcaster, 2)
	ctx := context.Background()

	session, err := registry.Create(ctx, 1, "alice", "jam")
	require.NoError(t, err)

	_, err = registry.Join(ctx, session.ID, 2, "bob")
	require.NoError(t, err)

	_, err = registry.Join(ctx, session.ID, 3, "carol")
	assert.ErrorIs(t, err, ErrSessionFull)
}

func TestJoinUnknownSession(t *testing.T) {
	repo := newFakeSessionRepo()
	broadcaster := &fakeBroadcaster{}
	registry := newTestRegistry(t, repo, broadcaster, 10)

	_, err := registry.Join(context.Background(), "no-such-id", 2, "bob")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = registry.LookupByCode(context.Background(), "ZZZZZZ")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRejoinAfterLeaveReusesRow(t *testing.T) {
	repo := newFakeSessionRepo()
	broadcaster := &fakeBroadcaster{}
	registry := newTestRegistry(t, repo, broadcaster, 10)
	ctx := context.Background()

	session, err := registry.Create(ctx, 1, "alice", "jam")
	require.NoError(t, err)

	_, err = registry.Join(ctx, session.ID, 2, "bob")
	require.NoError(t, err)
	require.NoError(t, registry.Leave(ctx, session.ID, 2))

	participant, err := repo.GetParticipant(ctx, session.ID, 2)
	require.NoError(t, err)
	assert.False(t, participant.IsActive)
	assert.NotNil(t, participant.LeftAt)

	_, err = registry.Join(ctx, session.ID, 2, "bob")
	require.NoError(t, err)

	participant, err = repo.GetParticipant(ctx, session.ID, 2)
	require.NoError(t, err)
	assert.True(t, participant.IsActive)
	assert.Nil(t, participant.LeftAt)
}

func TestHostLeaveEndsSession(t *testing.T) {
	repo := newFakeSessionRepo()
	broadcaster := &fakeBroadcaster{}
	registry := newTestRegistry(t, repo, broadcaster, 10)
	ctx := context.Background()

	session, err := registry.Create(ctx, 1, "alice", "jam")
	require.NoError(t, err)
	_, err = registry.Join(ctx, session.ID, 2, "bob")
	require.NoError(t, err)

	require.NoError(t, registry.Leave(ctx, session.ID, 1))

	got, err := repo.GetByID(ctx, session.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	assert.NotNil(t, got.EndedAt)

	// 所有参与者被级联停用
	count, err := repo.CountActiveParticipants(ctx, session.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 0, count)

	// 在线客户端先收到 ended 再被断开
	assert.Len(t, broadcaster.eventsOfType(EventEnded), 1)
	assert.Equal(t, []string{session.ID}, broadcaster.closed)
}

func TestEndRequiresHost(t *testing.T) {
	repo := newFakeSessionRepo()
	broadcaster := &fakeBroadcaster{}
	registry := newTestRegistry(t, repo, broadcaster, 10)
	ctx := context.Background()

	session, err := registry.Create(ctx, 1, "alice", "jam")
	require.NoError(t, err)
	_, err = registry.Join(ctx, session.ID, 2, "bob")
	require.NoError(t, err)

	err = registry.End(ctx, session.ID, 2)
	assert.ErrorIs(t, err, ErrForbidden)

	got, err := repo.GetByID(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, got.IsActive)
}

func TestEndIsTerminal(t *testing.T) {
	repo := newFakeSessionRepo()
	broadcaster := &fakeBroadcaster{}
	registry := newTestRegistry(t, repo, broadcaster, 10)
	ctx := context.Background()

	session, err := registry.Create(ctx, 1, "alice", "jam")
	require.NoError(t, err)
	require.NoError(t, registry.End(ctx, session.ID, 1))

	// 重复结束
	err = registry.End(ctx, session.ID, 1)
	assert.ErrorIs(t, err, ErrSessionEnded)

	// 结束后不能加入
	_, err = registry.Join(ctx, session.ID, 3, "carol")
	assert.ErrorIs(t, err, ErrSessionEnded)

	// 加入码随之释放
	_, err = registry.LookupByCode(ctx, session.Code)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEndedSessionCodeCanBeReused(t *testing.T) {
	repo := newFakeSessionRepo()
	broadcaster := &fakeBroadcaster{}
	registry := newTestRegistry(t, repo, broadcaster, 10)
	ctx := context.Background()

	session, err := registry.Create(ctx, 1, "alice", "jam")
	require.NoError(t, err)
	require.NoError(t, registry.End(ctx, session.ID, 1))

	exists, err := repo.ActiveCodeExists(ctx, session.Code)
	require.NoError(t, err)
	assert.False(t, exists, "ended session should release its code")
}

func TestCreateRollsBackWhenSeatingFails(t *testing.T) {
	repo := newFakeSessionRepo()
	repo.hostSeatErr = errors.New("deadlock found when trying to get lock")
	broadcaster := &fakeBroadcaster{}
	registry := newTestRegistry(t, repo, broadcaster, 10)

	_, err := registry.Create(context.Background(), 1, "alice", "jam")
	require.Error(t, err)

	// 落库失败后不能留下占着加入码的空会话
	repo.mu.Lock()
	defer repo.mu.Unlock()
	assert.Empty(t, repo.sessions)
	assert.Empty(t, repo.participants)
}

func TestConcurrentJoinsRespectCapacity(t *testing.T) {
	repo := newFakeSessionRepo()
	broadcaster := &fakeBroadcaster{}
	registry := newTestRegistry(t, repo, broadcaster, 4)
	ctx := context.Background()

	session, err := registry.Create(ctx, 1, "alice", "jam")
	require.NoError(t, err)

	const joiners = 10
	errs := make([]error, joiners)
	var wg sync.WaitGroup
	for i := 0; i < joiners; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = registry.Join(ctx, session.ID, int64(i+2), "guest")
		}(i)
	}
	wg.Wait()

	var ok, full int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrSessionFull):
			full++
		default:
			t.Fatalf("unexpected join error: %v", err)
		}
	}
	assert.Equal(t, 3, ok)
	assert.Equal(t, joiners-3, full)

	count, err := repo.CountActiveParticipants(ctx, session.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 4, count)
}
