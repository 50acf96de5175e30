package snapshot

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/mcm/pkg/log"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

// fakeTool writes the marker artifacts a real backup leaves behind.
type fakeTool struct {
	backups      int
	safeFollower bool
	prepared     []string
	copiedTo     string
	failBackup   bool
	failCopyBack bool
}

func (f *fakeTool) Backup(ctx context.Context, targetDir string, safeFollower bool) error {
	f.backups++
	f.safeFollower = safeFollower
	if f.failBackup {
		return fmt.Errorf("backup tool failed")
	}
	for _, marker := range markerFiles {
		if err := os.WriteFile(filepath.Join(targetDir, marker), []byte("x"), 0644); err != nil {
			return err
		}
	}
	return os.WriteFile(filepath.Join(targetDir, "ibdata1"), []byte("data"), 0644)
}

func (f *fakeTool) Prepare(ctx context.Context, targetDir string) error {
	f.prepared = append(f.prepared, targetDir)
	return nil
}

func (f *fakeTool) CopyBack(ctx context.Context, snapshotDir, dataDir string) error {
	if f.failCopyBack {
		return fmt.Errorf("copy-back failed")
	}
	f.copiedTo = dataDir
	return os.WriteFile(filepath.Join(dataDir, "ibdata1"), []byte("restored"), 0644)
}

// fakeFlags tracks the advisory flags and answers cluster-wide queries.
type fakeFlags struct {
	mu              sync.Mutex
	snapshotting    bool
	restoring       bool
	anySnapshot     bool
	anyRestore      bool
	failSetSnapshot bool
	setCalls        []string
}

func (f *fakeFlags) SetSnapshotting(ctx context.Context, v bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSetSnapshot && v {
		return fmt.Errorf("registry unavailable")
	}
	f.snapshotting = v
	f.setCalls = append(f.setCalls, fmt.Sprintf("snapshotting=%v", v))
	return nil
}

func (f *fakeFlags) SetRestoring(ctx context.Context, v bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restoring = v
	f.setCalls = append(f.setCalls, fmt.Sprintf("restoring=%v", v))
	return nil
}

func (f *fakeFlags) AnySnapshotting(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.anySnapshot || f.snapshotting, nil
}

func (f *fakeFlags) AnyRestoring(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.anyRestore || f.restoring, nil
}

func newTestStore(t *testing.T, tool Tool, flags Flags) *Store {
	t.Helper()
	root := t.TempDir()
	dataDir := filepath.Join(t.TempDir(), "mysql")
	require.NoError(t, os.MkdirAll(dataDir, 0750))

	s := NewStore(root, dataDir, "mysql", tool, flags, nil)
	s.waitAttempts = 3
	s.waitInterval = time.Millisecond
	s.chown = func(ctx context.Context, path, owner string) error { return nil }
	return s
}

func TestExistsRequiresAllMarkers(t *testing.T) {
	s := newTestStore(t, &fakeTool{}, &fakeFlags{})
	assert.False(t, s.Exists())

	require.NoError(t, os.MkdirAll(s.CurrentPath(), 0750))
	assert.False(t, s.Exists())

	for i, marker := range markerFiles {
		require.NoError(t, os.WriteFile(filepath.Join(s.CurrentPath(), marker), []byte("x"), 0644))
		if i < len(markerFiles)-1 {
			assert.False(t, s.Exists())
		}
	}
	assert.True(t, s.Exists())
}

func TestCreateProducesValidSnapshot(t *testing.T) {
	tool := &fakeTool{}
	flags := &fakeFlags{}
	s := newTestStore(t, tool, flags)

	require.NoError(t, s.Create(context.Background(), false))

	assert.True(t, s.Exists())
	assert.Equal(t, 1, tool.backups)
	assert.True(t, tool.safeFollower, "follower backups must pause replication")
	assert.Equal(t, []string{s.PendingPath()}, tool.prepared)

	// pending/ is gone after promotion.
	_, err := os.Stat(s.PendingPath())
	assert.True(t, os.IsNotExist(err))

	// Flag was set and cleared.
	assert.Equal(t, []string{"snapshotting=true", "snapshotting=false"}, flags.setCalls)
}

func TestCreateFromSourceSkipsSafeFollower(t *testing.T) {
	tool := &fakeTool{}
	s := newTestStore(t, tool, &fakeFlags{})

	require.NoError(t, s.Create(context.Background(), true))
	assert.False(t, tool.safeFollower)
}

func TestCreateFailureClearsFlagAndPending(t *testing.T) {
	tool := &fakeTool{failBackup: true}
	flags := &fakeFlags{}
	s := newTestStore(t, tool, flags)

	err := s.Create(context.Background(), false)
	require.Error(t, err)

	assert.False(t, s.Exists())
	_, statErr := os.Stat(s.PendingPath())
	assert.True(t, os.IsNotExist(statErr))
	assert.False(t, flags.snapshotting)
}

func TestCreateFlagFailureLeavesNoPending(t *testing.T) {
	tool := &fakeTool{}
	flags := &fakeFlags{failSetSnapshot: true}
	s := newTestStore(t, tool, flags)

	err := s.Create(context.Background(), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to advertise snapshotting")

	// The backup never started and the pending directory was cleaned up.
	assert.Equal(t, 0, tool.backups)
	_, statErr := os.Stat(s.PendingPath())
	assert.True(t, os.IsNotExist(statErr))
}

func TestCreateBlockedByRestoringNode(t *testing.T) {
	flags := &fakeFlags{anyRestore: true}
	s := newTestStore(t, &fakeTool{}, flags)

	err := s.Create(context.Background(), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestCreateReplacesPreviousSnapshot(t *testing.T) {
	tool := &fakeTool{}
	s := newTestStore(t, tool, &fakeFlags{})

	require.NoError(t, s.Create(context.Background(), false))
	require.NoError(t, os.WriteFile(filepath.Join(s.CurrentPath(), "stale"), []byte("old"), 0644))

	require.NoError(t, s.Create(context.Background(), false))

	_, err := os.Stat(filepath.Join(s.CurrentPath(), "stale"))
	assert.True(t, os.IsNotExist(err), "previous snapshot contents must not survive")
	assert.True(t, s.Exists())
}

func TestIsPendingResetsStaleDirectory(t *testing.T) {
	s := newTestStore(t, &fakeTool{}, &fakeFlags{})
	require.NoError(t, os.MkdirAll(s.PendingPath(), 0750))

	// No node advertises snapshotting, so the leftover directory is stale.
	assert.False(t, s.IsPending(context.Background()))
	_, err := os.Stat(s.PendingPath())
	assert.True(t, os.IsNotExist(err))
}

func TestIsPendingHonorsActiveSnapshot(t *testing.T) {
	flags := &fakeFlags{anySnapshot: true}
	s := newTestStore(t, &fakeTool{}, flags)
	require.NoError(t, os.MkdirAll(s.PendingPath(), 0750))

	assert.True(t, s.IsPending(context.Background()))
	_, err := os.Stat(s.PendingPath())
	assert.NoError(t, err, "active pending directory must be kept")
}

func TestRestoreReplacesDataDir(t *testing.T) {
	tool := &fakeTool{}
	flags := &fakeFlags{}
	s := newTestStore(t, tool, flags)
	require.NoError(t, s.Create(context.Background(), false))

	require.NoError(t, os.WriteFile(filepath.Join(s.dataDir, "old-table.ibd"), []byte("old"), 0644))

	require.NoError(t, s.Restore(context.Background()))

	assert.Equal(t, s.dataDir, tool.copiedTo)
	_, err := os.Stat(filepath.Join(s.dataDir, "old-table.ibd"))
	assert.True(t, os.IsNotExist(err), "previous data must have been parked and discarded")

	data, err := os.ReadFile(filepath.Join(s.dataDir, "ibdata1"))
	require.NoError(t, err)
	assert.Equal(t, "restored", string(data))

	assert.False(t, flags.restoring)

	// The parked sibling was removed after success.
	siblings, err := filepath.Glob(s.dataDir + ".previous-*")
	require.NoError(t, err)
	assert.Empty(t, siblings)
}

func TestRestoreFailureRollsBack(t *testing.T) {
	tool := &fakeTool{}
	flags := &fakeFlags{}
	s := newTestStore(t, tool, flags)
	require.NoError(t, s.Create(context.Background(), false))

	require.NoError(t, os.WriteFile(filepath.Join(s.dataDir, "precious.ibd"), []byte("keep"), 0644))
	tool.failCopyBack = true

	err := s.Restore(context.Background())
	require.Error(t, err)

	// Original contents are back in place.
	data, readErr := os.ReadFile(filepath.Join(s.dataDir, "precious.ibd"))
	require.NoError(t, readErr)
	assert.Equal(t, "keep", string(data))

	assert.False(t, flags.restoring)
}

func TestRestorePartialParkRollsBack(t *testing.T) {
	tool := &fakeTool{}
	flags := &fakeFlags{}
	s := newTestStore(t, tool, flags)
	require.NoError(t, s.Create(context.Background(), false))

	require.NoError(t, os.WriteFile(filepath.Join(s.dataDir, "a.ibd"), []byte("first"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(s.dataDir, "b.ibd"), []byte("second"), 0644))

	// Pin the clock so the sibling path is known, then block the second
	// rename with a non-empty directory of the same name.
	s.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	sibling := s.dataDir + ".previous-20260102T030405Z"
	require.NoError(t, os.MkdirAll(filepath.Join(sibling, "b.ibd"), 0750))
	require.NoError(t, os.WriteFile(filepath.Join(sibling, "b.ibd", "blocker"), []byte("x"), 0644))

	err := s.Restore(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to park")
	assert.Empty(t, tool.copiedTo, "copy-back must not run after a failed park")

	// Both entries are back in place, moved or not.
	for name, want := range map[string]string{"a.ibd": "first", "b.ibd": "second"} {
		data, readErr := os.ReadFile(filepath.Join(s.dataDir, name))
		require.NoError(t, readErr, name)
		assert.Equal(t, want, string(data))
	}

	_, statErr := os.Stat(sibling)
	assert.True(t, os.IsNotExist(statErr), "sibling must be removed after rollback")
	assert.False(t, flags.restoring)
}

func TestRestoreWithoutSnapshotFails(t *testing.T) {
	s := newTestStore(t, &fakeTool{}, &fakeFlags{})

	err := s.Restore(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no valid snapshot")
}

func TestMtime(t *testing.T) {
	s := newTestStore(t, &fakeTool{}, &fakeFlags{})

	_, ok := s.Mtime()
	assert.False(t, ok)

	require.NoError(t, s.Create(context.Background(), false))

	mtime, ok := s.Mtime()
	assert.True(t, ok)
	assert.WithinDuration(t, time.Now(), mtime, time.Minute)
}
