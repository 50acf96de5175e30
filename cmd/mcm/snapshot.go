package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/mcm/pkg/config"
	"github.com/cuemby/mcm/pkg/coord"
	"github.com/cuemby/mcm/pkg/log"
)

var snapshotFromSource bool

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Take an ad-hoc snapshot of the local MySQL instance",
	Long: `Take a snapshot outside the regular schedule. The command joins the
coordination service under a short-lived session so the cluster-wide
snapshot interlocks still apply, then runs the backup against the local
engine.

The node's registry record is session-owned, so this refuses to run
while the daemon is active on the same node.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: true})

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		return runSnapshot(ctx, cfg)
	},
}

func init() {
	snapshotCmd.Flags().BoolVar(&snapshotFromSource, "from-source", false,
		"back up without pausing replication (only safe on the leader or a lone node)")
}

func runSnapshot(ctx context.Context, cfg *config.Config) error {
	address, err := discoverAddress(ctx, cfg)
	if err != nil {
		return err
	}

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
	defer func() {
		session.Stop()
		if err := session.Destroy(context.Background()); err != nil {
			lg := log.WithComponent("main")
			lg.Error().Err(err).Msg("Failed to destroy coordination session")
		}
	}()

	registry := coord.NewRegistry(client, session, address)
	if err := registry.Register(ctx); err != nil {
		return err
	}

	store, err := buildSnapshotStore(ctx, cfg, registry)
	if err != nil {
		return err
	}
	return store.Create(ctx, snapshotFromSource)
}
