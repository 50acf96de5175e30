package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/mcm/pkg/config"
	"github.com/cuemby/mcm/pkg/controller"
	"github.com/cuemby/mcm/pkg/coord"
	"github.com/cuemby/mcm/pkg/log"
	"github.com/cuemby/mcm/pkg/metrics"
	"github.com/cuemby/mcm/pkg/mysql"
	"github.com/cuemby/mcm/pkg/netutil"
	"github.com/cuemby/mcm/pkg/proxysql"
	"github.com/cuemby/mcm/pkg/snapshot"
)

const (
	// shutdownTimeout bounds the ordered teardown on exit.
	shutdownTimeout = 60 * time.Second

	// routerSetupAttempts bounds how long the router's admin port gets to
	// come up after the process started.
	routerSetupAttempts = 30
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the cluster manager daemon",
	Long: `Run the per-node daemon: start the local coordination agent and the
query router, supervise the MySQL engine, and reconcile the node's
replication role against the cluster state until terminated.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: true})

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		return runDaemon(ctx, cfg)
	},
}

func runDaemon(ctx context.Context, cfg *config.Config) error {
	logger := log.WithComponent("main")

	address, err := discoverAddress(ctx, cfg)
	if err != nil {
		return err
	}
	lg := log.WithAddress(address)
	lg.Info().Msg("Node address discovered")

	agent := coord.NewAgent(coord.AgentConfig{
		Binary:           cfg.Paths.ConsulBinary,
		DataDir:          cfg.Paths.ConsulDataDir,
		BootstrapService: cfg.BootstrapService,
		BootstrapExpect:  cfg.BootstrapExpect,
		EnableUI:         cfg.ConsulEnableUI,
	})
	if err := agent.Start(address); err != nil {
		return err
	}
	defer func() {
		if err := agent.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop coordination agent")
		}
	}()

	backend, err := coord.NewConsulBackend()
	if err != nil {
		return err
	}
	client := coord.NewClient(backend, cfg.KVPrefix)
	if err := client.WaitReady(ctx); err != nil {
		return err
	}

	session := coord.NewSession(client, cfg.KVPrefix+"instances")
	if err := session.Create(ctx); err != nil {
		return err
	}
	session.Start()

	registry := coord.NewRegistry(client, session, address)
	lock := coord.NewLeaderLock(client, session, address)
	ids := coord.NewIDAllocator(client)

	engine := mysql.NewManager(cfg)
	store, err := buildSnapshotStore(ctx, cfg, registry)
	if err != nil {
		return err
	}

	router := proxysql.NewProcess(cfg.Paths.ProxySQLBinary, cfg.Paths.ProxySQLConfig, cfg.Paths.ProxySQLDataDir)
	if err := router.Start(); err != nil {
		return err
	}
	defer func() {
		if err := router.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop query router")
		}
	}()

	bridge := proxysql.NewBridge(cfg)
	if err := setupRouter(ctx, bridge); err != nil {
		return err
	}

	go func() {
		if err := metrics.Serve(cfg.MetricsAddr); err != nil {
			logger.Error().Err(err).Str("addr", cfg.MetricsAddr).Msg("Metrics endpoint failed")
		}
	}()

	ctrl := controller.New(cfg, registry, lock, ids, engine, store, bridge, session.Lost())
	runErr := ctrl.Run(ctx)

	shutdown(engine, session)
	return runErr
}

// discoverAddress finds the node's routable address, either pinned to a
// configured interface or by intersecting the service DNS answer with the
// local interfaces.
func discoverAddress(ctx context.Context, cfg *config.Config) (string, error) {
	discoverer := netutil.NewDiscoverer()
	if cfg.BindInterface != "" {
		return discoverer.DiscoverOnInterface(cfg.BindInterface)
	}
	return discoverer.Discover(ctx, cfg.BootstrapService)
}

// buildSnapshotStore wires the snapshot store, with the object store backend
// attached when configured.
func buildSnapshotStore(ctx context.Context, cfg *config.Config, registry *coord.Registry) (*snapshot.Store, error) {
	tool := &snapshot.XtraBackup{
		Binary:   cfg.Paths.XtrabackupBinary,
		Socket:   cfg.Paths.MySQLSocket,
		User:     cfg.BackupUser,
		Password: cfg.BackupPassword,
		DataDir:  cfg.Paths.DataDir,
	}

	var remote snapshot.Remote
	if cfg.ObjectStoreConfigured() {
		objectStore, err := snapshot.NewObjectStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
		remote = objectStore
	}

	return snapshot.NewStore(cfg.Paths.SnapshotDir, cfg.Paths.DataDir,
		cfg.Paths.MySQLServiceUser, tool, registry, remote), nil
}

// setupRouter applies the one-time router configuration, retrying while the
// admin port comes up.
func setupRouter(ctx context.Context, bridge *proxysql.Bridge) error {
	var lastErr error
	for attempt := 0; attempt < routerSetupAttempts; attempt++ {
		lastErr = bridge.InitialSetup(ctx)
		if lastErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return fmt.Errorf("failed to configure query router: %w", lastErr)
}

// shutdown tears the node down in order: stop the engine, then release the
// coordination state so the leader lock and registry record disappear
// immediately instead of waiting for session expiry.
func shutdown(engine *mysql.Manager, session *coord.Session) {
	logger := log.WithComponent("main")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := engine.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop engine")
	}

	session.Stop()
	if err := session.Destroy(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to destroy coordination session")
	}
}
