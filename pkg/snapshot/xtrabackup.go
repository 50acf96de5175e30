package snapshot

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/cuemby/mcm/pkg/log"
)

// Tool abstracts the physical backup tool. The production implementation
// shells out to xtrabackup; tests substitute a fake that writes marker
// files.
type Tool interface {
	// Backup streams a physical backup into targetDir. safeFollower
	// briefly pauses replication for a consistent copy and must be set
	// when backing up from a replica.
	Backup(ctx context.Context, targetDir string, safeFollower bool) error

	// Prepare post-processes the backup in targetDir so it becomes
	// restorable.
	Prepare(ctx context.Context, targetDir string) error

	// CopyBack restores snapshotDir into the engine's data directory.
	CopyBack(ctx context.Context, snapshotDir, dataDir string) error
}

// XtraBackup invokes the xtrabackup binary with the backup account.
type XtraBackup struct {
	Binary   string
	Socket   string
	User     string
	Password string
	DataDir  string
}

func (x *XtraBackup) run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, x.Binary, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	lg := log.WithComponent("xtrabackup")
	lg.Debug().Strs("args", args).Msg("Invoking backup tool")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("backup tool failed: %w", err)
	}
	return nil
}

func (x *XtraBackup) Backup(ctx context.Context, targetDir string, safeFollower bool) error {
	args := []string{
		"--backup",
		"--target-dir=" + targetDir,
		"--user=" + x.User,
		"--password=" + x.Password,
		"--socket=" + x.Socket,
	}
	if safeFollower {
		args = append(args, "--safe-slave-backup")
	}
	return x.run(ctx, args...)
}

func (x *XtraBackup) Prepare(ctx context.Context, targetDir string) error {
	return x.run(ctx, "--prepare", "--target-dir="+targetDir)
}

func (x *XtraBackup) CopyBack(ctx context.Context, snapshotDir, dataDir string) error {
	return x.run(ctx, "--copy-back", "--target-dir="+snapshotDir, "--datadir="+dataDir)
}
