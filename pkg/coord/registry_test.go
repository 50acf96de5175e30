package coord

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndReadBack(t *testing.T) {
	backend := newFakeBackend()
	client := newTestClient(backend)
	session := newTestSession(t, client)
	registry := NewRegistry(client, session, "10.0.0.1")
	ctx := context.Background()

	require.NoError(t, registry.Register(ctx))

	record, err := registry.Record(ctx)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", record.Address)
	assert.False(t, record.IsRestoring())
	assert.False(t, record.IsSnapshotting())
	assert.Nil(t, record.ServerID)
	assert.Nil(t, record.MySQLVersion)
}

func TestRegisterWithoutSessionFails(t *testing.T) {
	client := newTestClient(newFakeBackend())
	session := NewSession(client, "mcm/instances")
	registry := NewRegistry(client, session, "10.0.0.1")

	err := registry.Register(context.Background())
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestUpdatePreservesOtherFields(t *testing.T) {
	backend := newFakeBackend()
	client := newTestClient(backend)
	session := newTestSession(t, client)
	registry := NewRegistry(client, session, "10.0.0.1")
	ctx := context.Background()

	require.NoError(t, registry.Register(ctx))
	require.NoError(t, registry.SetInfo(ctx, 42, "8.0.39"))
	require.NoError(t, registry.SetSnapshotting(ctx, true))

	record, err := registry.Record(ctx)
	require.NoError(t, err)
	require.NotNil(t, record.ServerID)
	assert.Equal(t, uint64(42), *record.ServerID)
	require.NotNil(t, record.MySQLVersion)
	assert.Equal(t, "8.0.39", *record.MySQLVersion)
	assert.True(t, record.IsSnapshotting())
	assert.False(t, record.IsRestoring())
}

func TestUpdateAfterSessionExpiryFails(t *testing.T) {
	backend := newFakeBackend()
	client := newTestClient(backend)
	session := newTestSession(t, client)
	registry := NewRegistry(client, session, "10.0.0.1")
	ctx := context.Background()

	require.NoError(t, registry.Register(ctx))
	backend.expireSession(session.ID())

	err := registry.SetSnapshotting(ctx, true)
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestSessionExpiryRemovesRecord(t *testing.T) {
	backend := newFakeBackend()
	client := newTestClient(backend)
	session := newTestSession(t, client)
	registry := NewRegistry(client, session, "10.0.0.1")
	ctx := context.Background()

	require.NoError(t, registry.Register(ctx))
	require.NoError(t, session.Destroy(ctx))

	_, err := registry.Record(ctx)
	assert.ErrorIs(t, err, ErrNotRegistered)

	live, err := registry.ListLive(ctx)
	require.NoError(t, err)
	assert.Empty(t, live)
}

func TestRegisterPreservesRestoringFromPriorLife(t *testing.T) {
	backend := newFakeBackend()
	client := newTestClient(backend)
	ctx := context.Background()

	// Prior life: registered and mid-restore.
	oldSession := newTestSession(t, client)
	oldRegistry := NewRegistry(client, oldSession, "10.0.0.1")
	require.NoError(t, oldRegistry.Register(ctx))
	require.NoError(t, oldRegistry.SetRestoring(ctx, true))

	// The process restarts before the old session expires; the new
	// acquire would fail against a foreign session, so release it first.
	require.NoError(t, oldSession.Destroy(ctx))
	restoring := true
	value, _ := json.Marshal(NodeRecord{Address: "10.0.0.1", Restoring: &restoring})
	_, err := backend.CASPut("mcm/instances/10.0.0.1", value, 0)
	require.NoError(t, err)

	newSession := newTestSession(t, client)
	newRegistry := NewRegistry(client, newSession, "10.0.0.1")
	require.NoError(t, newRegistry.Register(ctx))

	record, err := newRegistry.Record(ctx)
	require.NoError(t, err)
	assert.True(t, record.IsRestoring(), "restoring flag from a prior life must survive re-registration")
}

func TestListLiveFiltersBusyAndMalformedNodes(t *testing.T) {
	backend := newFakeBackend()
	client := newTestClient(backend)
	session := newTestSession(t, client)
	registry := NewRegistry(client, session, "10.0.0.1")
	ctx := context.Background()

	require.NoError(t, registry.Register(ctx))

	flagTrue := true
	put := func(addr string, record NodeRecord) {
		value, err := json.Marshal(record)
		require.NoError(t, err)
		_, err = backend.CASPut("mcm/instances/"+addr, value, 0)
		require.NoError(t, err)
	}
	put("10.0.0.3", NodeRecord{Address: "10.0.0.3"})
	put("10.0.0.4", NodeRecord{Address: "10.0.0.4", Restoring: &flagTrue})
	put("10.0.0.5", NodeRecord{Address: "10.0.0.5", Snapshotting: &flagTrue})
	_, err := backend.CASPut("mcm/instances/10.0.0.6", []byte(`{"server_id": 9}`), 0)
	require.NoError(t, err)
	_, err = backend.CASPut("mcm/instances/10.0.0.7", []byte("not json"), 0)
	require.NoError(t, err)

	live, err := registry.ListLive(ctx)
	require.NoError(t, err)

	addrs := make([]string, 0, len(live))
	for _, record := range live {
		addrs = append(addrs, record.Address)
	}
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.3"}, addrs)
}

func TestAnyRestoringAndAnySnapshotting(t *testing.T) {
	backend := newFakeBackend()
	client := newTestClient(backend)
	session := newTestSession(t, client)
	registry := NewRegistry(client, session, "10.0.0.1")
	ctx := context.Background()

	require.NoError(t, registry.Register(ctx))

	restoring, err := registry.AnyRestoring(ctx)
	require.NoError(t, err)
	assert.False(t, restoring)

	snapshotting, err := registry.AnySnapshotting(ctx)
	require.NoError(t, err)
	assert.False(t, snapshotting)

	require.NoError(t, registry.SetRestoring(ctx, true))
	restoring, err = registry.AnyRestoring(ctx)
	require.NoError(t, err)
	assert.True(t, restoring)

	require.NoError(t, registry.SetRestoring(ctx, false))
	require.NoError(t, registry.SetSnapshotting(ctx, true))
	snapshotting, err = registry.AnySnapshotting(ctx)
	require.NoError(t, err)
	assert.True(t, snapshotting)
}

func TestDecodeNodeRecordRejectsMissingAddress(t *testing.T) {
	_, err := decodeNodeRecord([]byte(`{"server_id": 3}`))
	assert.Error(t, err)

	_, err = decodeNodeRecord([]byte(`{`))
	assert.Error(t, err)

	record, err := decodeNodeRecord([]byte(`{"ip_address": "10.0.0.9"}`))
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.9", record.Address)
}
