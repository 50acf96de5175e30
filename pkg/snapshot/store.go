package snapshot

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/cuemby/mcm/pkg/log"
	"github.com/cuemby/mcm/pkg/metrics"
)

const (
	pendingName = "pending"
	currentName = "current"

	// waitAttempts and waitInterval bound how long create/restore wait
	// for a conflicting operation elsewhere in the cluster to clear.
	waitAttempts = 100
	waitInterval = 5 * time.Second
)

// markerFiles are the backup tool artifacts a completed snapshot must
// contain. A current/ directory missing any of them counts as absent.
var markerFiles = []string{
	"xtrabackup_checkpoints",
	"xtrabackup_binlog_info",
	"xtrabackup_logfile",
}

// Flags is the registry surface the store interlocks with: advisory
// cluster-wide snapshotting/restoring flags.
type Flags interface {
	SetSnapshotting(ctx context.Context, snapshotting bool) error
	SetRestoring(ctx context.Context, restoring bool) error
	AnySnapshotting(ctx context.Context) (bool, error)
	AnyRestoring(ctx context.Context) (bool, error)
}

// Remote is the optional off-box archive location (object storage).
type Remote interface {
	HasSnapshot(ctx context.Context) (bool, error)
	Upload(ctx context.Context, dir string) error
	FetchLatest(ctx context.Context, destDir string) error
}

// Store manages the local pending/ and current/ snapshot directories and
// the create/restore procedures around the backup tool.
type Store struct {
	root        string
	dataDir     string
	serviceUser string
	tool        Tool
	flags       Flags
	remote      Remote // nil when object storage is not configured

	waitAttempts int
	waitInterval time.Duration

	// chown restores ownership after copy-back; injectable for tests.
	chown func(ctx context.Context, path, owner string) error

	now func() time.Time
}

// NewStore creates a snapshot store rooted at root (holding pending/ and
// current/). remote may be nil.
func NewStore(root, dataDir, serviceUser string, tool Tool, flags Flags, remote Remote) *Store {
	return &Store{
		root:         root,
		dataDir:      dataDir,
		serviceUser:  serviceUser,
		tool:         tool,
		flags:        flags,
		remote:       remote,
		waitAttempts: waitAttempts,
		waitInterval: waitInterval,
		chown:        chownTree,
		now:          time.Now,
	}
}

func chownTree(ctx context.Context, path, owner string) error {
	cmd := exec.CommandContext(ctx, "chown", "-R", owner+":"+owner, path)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to chown %s to %s: %w", path, owner, err)
	}
	return nil
}

// PendingPath is the in-progress snapshot directory.
func (s *Store) PendingPath() string {
	return filepath.Join(s.root, pendingName)
}

// CurrentPath is the completed, restorable snapshot directory.
func (s *Store) CurrentPath() string {
	return filepath.Join(s.root, currentName)
}

// Exists reports whether a valid local snapshot is present: current/ exists
// and contains every marker artifact.
func (s *Store) Exists() bool {
	if _, err := os.Stat(s.CurrentPath()); err != nil {
		return false
	}
	for _, marker := range markerFiles {
		if _, err := os.Stat(filepath.Join(s.CurrentPath(), marker)); err != nil {
			return false
		}
	}
	return true
}

// Observable reports whether a valid snapshot can be seen anywhere: locally
// or in the off-box archive.
func (s *Store) Observable(ctx context.Context) bool {
	if s.Exists() {
		return true
	}
	if s.remote == nil {
		return false
	}
	has, err := s.remote.HasSnapshot(ctx)
	if err != nil {
		lg := log.WithComponent("snapshot")
		lg.Warn().Err(err).Msg("Failed to check off-box snapshot archive")
		return false
	}
	return has
}

// Mtime returns the completion time of the current snapshot. ok is false
// when no valid snapshot exists.
func (s *Store) Mtime() (time.Time, bool) {
	if !s.Exists() {
		return time.Time{}, false
	}
	info, err := os.Stat(s.CurrentPath())
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}

// IsPending reports whether a snapshot is in progress: a local pending/
// directory while some node advertises snapshotting=true. A pending/ left
// behind with no snapshotting node anywhere is treated as stale and reset.
// Note: a node that is about to set its flag could race this reset; the
// advisory gate accepts that window.
func (s *Store) IsPending(ctx context.Context) bool {
	if _, err := os.Stat(s.PendingPath()); err != nil {
		return false
	}

	snapshotting, err := s.flags.AnySnapshotting(ctx)
	if err != nil {
		// Can't tell; assume pending rather than risk a concurrent backup.
		return true
	}
	if !snapshotting {
		lg := log.WithComponent("snapshot")
		lg.Info().Msg("Resetting stale pending snapshot")
		if err := s.ResetPending(); err != nil {
			lg := log.WithComponent("snapshot")
			lg.Warn().Err(err).Msg("Failed to reset stale pending snapshot")
		}
		return false
	}
	return true
}

// ResetPending removes the pending/ directory.
func (s *Store) ResetPending() error {
	if err := os.RemoveAll(s.PendingPath()); err != nil {
		return fmt.Errorf("failed to remove pending snapshot: %w", err)
	}
	return nil
}

// waitFor polls cond until it reports true, bounded by the wait schedule.
func (s *Store) waitFor(ctx context.Context, what string, cond func() bool) error {
	for attempt := 0; attempt < s.waitAttempts; attempt++ {
		if cond() {
			return nil
		}
		lg := log.WithComponent("snapshot")
		lg.Debug().Str("waiting_for", what).Msg("Condition not met, waiting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.waitInterval):
		}
	}
	return fmt.Errorf("timed out waiting for %s", what)
}

// Create produces a new snapshot: backup into pending/, prepare, then an
// atomic rename to current/. fromSource must stay false on followers so the
// safe-follower option pauses replication for a consistent copy. The
// advisory snapshotting flag is cleared on every exit path.
func (s *Store) Create(ctx context.Context, fromSource bool) error {
	logger := log.WithComponent("snapshot")
	started := s.now()

	err := s.waitFor(ctx, "no pending snapshot and no restoring node", func() bool {
		if s.IsPending(ctx) {
			return false
		}
		restoring, err := s.flags.AnyRestoring(ctx)
		return err == nil && !restoring
	})
	if err != nil {
		metrics.SnapshotsTotal.WithLabelValues("blocked").Inc()
		return err
	}

	if err := s.ResetPending(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.PendingPath(), 0750); err != nil {
		return fmt.Errorf("failed to create pending snapshot directory: %w", err)
	}

	if err := s.flags.SetSnapshotting(ctx, true); err != nil {
		if rmErr := s.ResetPending(); rmErr != nil {
			logger.Warn().Err(rmErr).Msg("Failed to clean up pending snapshot")
		}
		return fmt.Errorf("failed to advertise snapshotting: %w", err)
	}
	defer func() {
		// Best effort, on every exit path.
		if err := s.flags.SetSnapshotting(context.WithoutCancel(ctx), false); err != nil {
			logger.Error().Err(err).Msg("Failed to clear snapshotting flag")
		}
	}()

	fail := func(err error) error {
		metrics.SnapshotsTotal.WithLabelValues("failure").Inc()
		if rmErr := s.ResetPending(); rmErr != nil {
			logger.Warn().Err(rmErr).Msg("Failed to clean up pending snapshot")
		}
		return err
	}

	logger.Info().Str("target", s.PendingPath()).Bool("from_source", fromSource).Msg("Creating snapshot")
	if err := s.tool.Backup(ctx, s.PendingPath(), !fromSource); err != nil {
		return fail(err)
	}
	if err := s.tool.Prepare(ctx, s.PendingPath()); err != nil {
		return fail(err)
	}

	if err := os.RemoveAll(s.CurrentPath()); err != nil {
		return fail(fmt.Errorf("failed to remove previous snapshot: %w", err))
	}
	if err := os.Rename(s.PendingPath(), s.CurrentPath()); err != nil {
		return fail(fmt.Errorf("failed to promote pending snapshot: %w", err))
	}

	if s.remote != nil {
		if err := s.remote.Upload(ctx, s.CurrentPath()); err != nil {
			// The snapshot is valid locally; off-box push failure is not
			// fatal but the cluster-wide predicate stays degraded.
			logger.Warn().Err(err).Msg("Failed to push snapshot archive off-box")
		}
	}

	metrics.SnapshotsTotal.WithLabelValues("success").Inc()
	metrics.SnapshotDuration.Observe(s.now().Sub(started).Seconds())
	logger.Info().Dur("took", s.now().Sub(started)).Msg("Snapshot completed")
	return nil
}

// Restore replaces the data directory with the current snapshot via the
// tool's copy-back mode. The previous contents are parked entry-by-entry in
// a timestamped sibling (whole-directory rename is not required, which
// accommodates bind-mounted data volumes) and restored on failure. The
// advisory restoring flag is cleared on every exit path.
func (s *Store) Restore(ctx context.Context) error {
	logger := log.WithComponent("snapshot")

	if !s.Exists() {
		if s.remote == nil {
			metrics.RestoresTotal.WithLabelValues("failure").Inc()
			return fmt.Errorf("no valid snapshot to restore")
		}
		logger.Info().Msg("No local snapshot, fetching archive from object store")
		if err := s.remote.FetchLatest(ctx, s.CurrentPath()); err != nil {
			metrics.RestoresTotal.WithLabelValues("failure").Inc()
			return err
		}
		if !s.Exists() {
			metrics.RestoresTotal.WithLabelValues("failure").Inc()
			return fmt.Errorf("fetched snapshot archive is not valid")
		}
	}

	if err := s.waitFor(ctx, "no pending snapshot", func() bool {
		return !s.IsPending(ctx)
	}); err != nil {
		metrics.RestoresTotal.WithLabelValues("blocked").Inc()
		return err
	}

	if err := s.flags.SetRestoring(ctx, true); err != nil {
		return fmt.Errorf("failed to advertise restoring: %w", err)
	}
	defer func() {
		if err := s.flags.SetRestoring(context.WithoutCancel(ctx), false); err != nil {
			logger.Error().Err(err).Msg("Failed to clear restoring flag")
		}
	}()

	sibling := fmt.Sprintf("%s.previous-%s", s.dataDir, s.now().UTC().Format("20060102T150405Z"))
	moved, err := s.parkDataDir(sibling)
	if err != nil {
		metrics.RestoresTotal.WithLabelValues("failure").Inc()
		// Partially-parked entries go straight back; the data directory
		// still holds the unmoved rest, so nothing gets cleared here.
		if rbErr := s.unparkEntries(sibling, moved); rbErr != nil {
			logger.Error().Err(rbErr).Msg("Failed to roll the data directory back")
		}
		return err
	}

	fail := func(err error) error {
		metrics.RestoresTotal.WithLabelValues("failure").Inc()
		if rbErr := s.unparkDataDir(sibling, moved); rbErr != nil {
			logger.Error().Err(rbErr).Msg("Failed to roll the data directory back")
		}
		return err
	}

	logger.Info().Str("snapshot", s.CurrentPath()).Msg("Restoring snapshot into data directory")
	if err := s.tool.CopyBack(ctx, s.CurrentPath(), s.dataDir); err != nil {
		return fail(err)
	}
	if err := s.chown(ctx, s.dataDir, s.serviceUser); err != nil {
		return fail(err)
	}

	if err := os.RemoveAll(sibling); err != nil {
		logger.Warn().Err(err).Str("sibling", sibling).Msg("Failed to remove parked data directory")
	}

	metrics.RestoresTotal.WithLabelValues("success").Inc()
	logger.Info().Msg("Restore completed")
	return nil
}

// parkDataDir moves the data directory's entries into sibling and returns
// the moved entry names.
func (s *Store) parkDataDir(sibling string) ([]string, error) {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			if err := os.MkdirAll(s.dataDir, 0750); err != nil {
				return nil, fmt.Errorf("failed to create data directory: %w", err)
			}
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read data directory: %w", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}

	if err := os.MkdirAll(sibling, 0750); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", sibling, err)
	}

	var moved []string
	for _, entry := range entries {
		from := filepath.Join(s.dataDir, entry.Name())
		to := filepath.Join(sibling, entry.Name())
		if err := os.Rename(from, to); err != nil {
			return moved, fmt.Errorf("failed to park %s: %w", from, err)
		}
		moved = append(moved, entry.Name())
	}
	return moved, nil
}

// unparkDataDir removes whatever the failed restore left behind and moves
// the parked entries back.
func (s *Store) unparkDataDir(sibling string, moved []string) error {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return fmt.Errorf("failed to read data directory: %w", err)
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(s.dataDir, entry.Name())); err != nil {
			return fmt.Errorf("failed to remove partial restore entry %s: %w", entry.Name(), err)
		}
	}

	return s.unparkEntries(sibling, moved)
}

// unparkEntries moves the parked entries back into the data directory and
// drops the sibling. Unlike unparkDataDir it touches nothing else, so it is
// safe after a partial park.
func (s *Store) unparkEntries(sibling string, moved []string) error {
	for _, name := range moved {
		from := filepath.Join(sibling, name)
		to := filepath.Join(s.dataDir, name)
		if err := os.Rename(from, to); err != nil {
			return fmt.Errorf("failed to restore parked entry %s: %w", name, err)
		}
	}
	return os.RemoveAll(sibling)
}
