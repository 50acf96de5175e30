package mysql

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/cuemby/mcm/pkg/config"
	"github.com/cuemby/mcm/pkg/log"
)

const (
	// connectTimeout bounds how long a fresh engine may take to accept
	// connections on its socket.
	connectTimeout = 120 * time.Second

	// stopGrace is the window between the SQL shutdown / SIGTERM and the
	// SIGKILL fallback.
	stopGrace = 30 * time.Second

	// initMarker is the engine file whose presence means the data
	// directory was initialized.
	initMarker = "ib_logfile0"
)

// Pinger is implemented by runners that can cheaply verify connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Manager supervises the engine subprocess and performs administrative
// operations over its UNIX socket as the privileged account.
type Manager struct {
	cfg *config.Config

	// newRunner builds an admin connection; injectable for tests.
	newRunner func(user, password string) Runner

	mu     sync.Mutex
	cmd    *exec.Cmd
	waitCh chan error
}

// NewManager creates an engine manager.
func NewManager(cfg *config.Config) *Manager {
	m := &Manager{cfg: cfg}
	m.newRunner = func(user, password string) Runner {
		return NewSocketRunner(cfg.Paths.MySQLSocket, user, password, "mysql")
	}
	return m
}

// RootRunner returns an admin connection as root over the UNIX socket.
func (m *Manager) RootRunner() Runner {
	return m.newRunner("root", m.cfg.RootPassword)
}

// Initialized reports whether the data directory holds an initialized
// engine.
func (m *Manager) Initialized() bool {
	_, err := os.Stat(filepath.Join(m.cfg.Paths.DataDir, initMarker))
	return err == nil
}

// InitializeIfNeeded initializes the data directory from scratch, provisions
// the operator accounts, and shuts the engine back down. Returns true when
// an initialization was performed.
func (m *Manager) InitializeIfNeeded(ctx context.Context, serverID uint64) (bool, error) {
	logger := log.WithComponent("mysql")

	if m.Initialized() {
		logger.Info().Msg("Engine already initialized, skipping")
		return false, nil
	}

	logger.Info().Msg("Initializing engine data directory")
	init := exec.CommandContext(ctx, m.cfg.Paths.MySQLDBinary,
		"--initialize-insecure", "--user="+m.cfg.Paths.MySQLServiceUser)
	init.Stdout = os.Stdout
	init.Stderr = os.Stderr
	if err := init.Run(); err != nil {
		return false, fmt.Errorf("failed to initialize engine: %w", err)
	}

	// First start runs without a root password; the insecure init leaves
	// root@localhost passwordless until the accounts are provisioned.
	if err := m.start(ctx, serverID, ""); err != nil {
		return false, err
	}

	noPassword := m.newRunner("root", "")
	if err := createOperatorAccounts(ctx, noPassword, m.cfg); err != nil {
		return false, err
	}

	logger.Debug().Msg("Initial setup done, shutting engine down")
	root := m.RootRunner()
	if err := root.Exec(ctx, "SHUTDOWN"); err != nil {
		return false, fmt.Errorf("failed to shut down engine after init: %w", err)
	}
	if err := m.waitExit(); err != nil {
		return false, err
	}

	return true, nil
}

// Start writes the cluster config fragment and launches the engine under the
// service user, waiting until it accepts connections.
func (m *Manager) Start(ctx context.Context, serverID uint64) error {
	return m.start(ctx, serverID, m.cfg.RootPassword)
}

func (m *Manager) start(ctx context.Context, serverID uint64, rootPassword string) error {
	logger := log.WithComponent("mysql")

	if err := WriteClusterConfig(m.cfg.Paths.ClusterConfigFile, serverID); err != nil {
		return err
	}

	cmd := exec.Command(m.cfg.Paths.MySQLDBinary, "--user="+m.cfg.Paths.MySQLServiceUser)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	m.mu.Lock()
	m.cmd = cmd
	m.waitCh = waitCh
	m.mu.Unlock()

	logger.Info().Int("pid", cmd.Process.Pid).Uint64("server_id", serverID).Msg("Engine started")

	if err := m.waitForConnection(ctx, rootPassword); err != nil {
		return err
	}
	return nil
}

// waitForConnection polls the UNIX socket until the engine answers. During
// the first init the engine runs without network access, so only the socket
// is probed.
func (m *Manager) waitForConnection(ctx context.Context, rootPassword string) error {
	runner := m.newRunner("root", rootPassword)
	deadline := time.Now().Add(connectTimeout)

	var lastErr error
	for time.Now().Before(deadline) {
		if pinger, ok := runner.(Pinger); ok {
			lastErr = pinger.Ping(ctx)
		} else {
			lastErr = runner.Exec(ctx, "SELECT 1")
		}
		if lastErr == nil {
			lg := log.WithComponent("mysql")
			lg.Debug().Msg("Engine connection established")
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}

	return fmt.Errorf("failed to connect to engine within %s: %w", connectTimeout, lastErr)
}

// Stop shuts the engine down: SQL SHUTDOWN first (passwordless, then with
// the root credential), with a signal fallback when SQL does not get
// through.
func (m *Manager) Stop(ctx context.Context) error {
	logger := log.WithComponent("mysql")

	m.mu.Lock()
	cmd := m.cmd
	m.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	logger.Info().Msg("Stopping engine")

	if err := m.newRunner("root", "").Exec(ctx, "SHUTDOWN"); err != nil {
		if err := m.RootRunner().Exec(ctx, "SHUTDOWN"); err != nil {
			logger.Warn().Err(err).Msg("SQL shutdown failed, signalling process")
			if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
				return fmt.Errorf("failed to signal engine: %w", err)
			}
		}
	}

	return m.waitExit()
}

// waitExit waits for the engine process to exit, escalating to SIGKILL after
// the grace period.
func (m *Manager) waitExit() error {
	m.mu.Lock()
	cmd := m.cmd
	waitCh := m.waitCh
	m.cmd = nil
	m.waitCh = nil
	m.mu.Unlock()

	if waitCh == nil {
		return nil
	}

	select {
	case <-waitCh:
		return nil
	case <-time.After(stopGrace):
		lg := log.WithComponent("mysql")
		lg.Warn().Msg("Engine did not exit in time, killing")
		if cmd != nil && cmd.Process != nil {
			if err := cmd.Process.Kill(); err != nil {
				return fmt.Errorf("failed to kill engine: %w", err)
			}
		}
		<-waitCh
		return nil
	}
}

// Running reports whether the engine subprocess is currently supervised.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cmd != nil
}

// Version returns the engine's version string.
func (m *Manager) Version(ctx context.Context) (string, error) {
	rows, err := m.RootRunner().QueryMaps(ctx, "SELECT VERSION() AS version")
	if err != nil {
		return "", err
	}
	if len(rows) != 1 {
		return "", fmt.Errorf("unexpected version result: %d rows", len(rows))
	}
	return rows[0]["version"], nil
}

// BecomeFollower configures the engine as a read-only replication follower
// of the given leader.
func (m *Manager) BecomeFollower(ctx context.Context, leaderAddr string) error {
	return ConfigureFollower(ctx, m.RootRunner(), leaderAddr,
		m.cfg.ReplicationUser, m.cfg.ReplicationPassword)
}

// BecomeLeader clears any follower configuration and opens the engine for
// writes.
func (m *Manager) BecomeLeader(ctx context.Context) error {
	return ClearReplication(ctx, m.RootRunner())
}

// SetReadOnly locks this engine against writes at both read-only levels.
func (m *Manager) SetReadOnly(ctx context.Context) error {
	return SetReadOnly(ctx, m.RootRunner())
}

// SourceHost returns the replication source this engine currently follows.
func (m *Manager) SourceHost(ctx context.Context) (string, error) {
	return SourceHost(ctx, m.RootRunner())
}

// RelayLogApplied reports whether this engine has fully applied its relay
// log.
func (m *Manager) RelayLogApplied(ctx context.Context) (bool, error) {
	return RelayLogApplied(ctx, m.RootRunner())
}
