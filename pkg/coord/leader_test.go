package coord

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeaderElectionSingleWinner(t *testing.T) {
	backend := newFakeBackend()
	client := newTestClient(backend)
	ctx := context.Background()

	sessionA := newTestSession(t, client)
	sessionB := newTestSession(t, client)
	lockA := NewLeaderLock(client, sessionA, "10.0.0.1")
	lockB := NewLeaderLock(client, sessionB, "10.0.0.2")

	okA, err := lockA.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, okA)

	okB, err := lockB.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, okB, "second contender must observe the existing record and stand down")

	amA, err := lockA.AmLeader(ctx)
	require.NoError(t, err)
	amB, err := lockB.AmLeader(ctx)
	require.NoError(t, err)
	assert.True(t, amA)
	assert.False(t, amB)

	addr, err := lockB.LeaderAddress(ctx)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", addr)
}

func TestLeaderExpiryFreesLock(t *testing.T) {
	backend := newFakeBackend()
	client := newTestClient(backend)
	ctx := context.Background()

	sessionA := newTestSession(t, client)
	sessionB := newTestSession(t, client)
	lockA := NewLeaderLock(client, sessionA, "10.0.0.1")
	lockB := NewLeaderLock(client, sessionB, "10.0.0.2")

	ok, err := lockA.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	backend.expireSession(sessionA.ID())

	addr, err := lockB.LeaderAddress(ctx)
	require.NoError(t, err)
	assert.Empty(t, addr)

	ok, err = lockB.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "lock must be immediately acquirable after the holder's session expired")

	amB, err := lockB.AmLeader(ctx)
	require.NoError(t, err)
	assert.True(t, amB)
}

func TestSessionResurrectionDoesNotRebindLeadership(t *testing.T) {
	backend := newFakeBackend()
	client := newTestClient(backend)
	ctx := context.Background()

	session := newTestSession(t, client)
	lock := NewLeaderLock(client, session, "10.0.0.1")

	ok, err := lock.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// Session dies and is recreated: the leader record is gone and the
	// new session must compete fresh, not inherit the old binding.
	backend.expireSession(session.ID())
	require.NoError(t, session.Create(ctx))

	am, err := lock.AmLeader(ctx)
	require.NoError(t, err)
	assert.False(t, am)

	ok, err = lock.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAmLeaderIsSessionGroundTruth(t *testing.T) {
	backend := newFakeBackend()
	client := newTestClient(backend)
	ctx := context.Background()

	sessionA := newTestSession(t, client)
	sessionB := newTestSession(t, client)
	lockA := NewLeaderLock(client, sessionA, "10.0.0.1")
	lockB := NewLeaderLock(client, sessionB, "10.0.0.2")

	ok, err := lockA.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// A's session expires and B takes over. A wrote the record last at
	// some point, but session ownership decides.
	backend.expireSession(sessionA.ID())
	require.NoError(t, sessionA.Create(ctx))

	ok, err = lockB.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	amA, err := lockA.AmLeader(ctx)
	require.NoError(t, err)
	amB, err := lockB.AmLeader(ctx)
	require.NoError(t, err)
	assert.False(t, amA)
	assert.True(t, amB)
}

func TestLeaderAddressWithNoLeader(t *testing.T) {
	client := newTestClient(newFakeBackend())
	session := NewSession(client, "mcm/instances")
	lock := NewLeaderLock(client, session, "10.0.0.1")

	addr, err := lock.LeaderAddress(context.Background())
	require.NoError(t, err)
	assert.Empty(t, addr)

	am, err := lock.AmLeader(context.Background())
	require.NoError(t, err)
	assert.False(t, am)
}
