package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/mcm/pkg/config"
	"github.com/cuemby/mcm/pkg/coord"
	"github.com/cuemby/mcm/pkg/log"
	"github.com/cuemby/mcm/pkg/metrics"
	"github.com/cuemby/mcm/pkg/proxysql"
)

const (
	// tickInterval is the control loop cadence.
	tickInterval = 5 * time.Second

	// drainAttempts bounds how long a promoting node waits for its relay
	// log to be fully applied before opening for writes.
	drainAttempts = 60
)

// Role is the node's current replication role.
type Role int

const (
	RoleUnknown Role = iota
	RoleFollower
	RoleLeader
)

func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "follower"
	case RoleLeader:
		return "leader"
	default:
		return "unknown"
	}
}

// Cluster is the registry surface the controller needs.
type Cluster interface {
	Register(ctx context.Context) error
	SetInfo(ctx context.Context, serverID uint64, mysqlVersion string) error
	Record(ctx context.Context) (*coord.NodeRecord, error)
	ListLive(ctx context.Context) ([]coord.NodeRecord, error)
	Address() string
}

// Election is the leader lock surface the controller needs.
type Election interface {
	TryAcquire(ctx context.Context) (bool, error)
	AmLeader(ctx context.Context) (bool, error)
	LeaderAddress(ctx context.Context) (string, error)
}

// IDSource allocates cluster-unique server ids.
type IDSource interface {
	Allocate(ctx context.Context) (uint64, error)
}

// Engine is the database engine surface the controller needs.
type Engine interface {
	Initialized() bool
	InitializeIfNeeded(ctx context.Context, serverID uint64) (bool, error)
	Start(ctx context.Context, serverID uint64) error
	Stop(ctx context.Context) error
	Version(ctx context.Context) (string, error)
	BecomeLeader(ctx context.Context) error
	BecomeFollower(ctx context.Context, leaderAddr string) error
	SetReadOnly(ctx context.Context) error
	SourceHost(ctx context.Context) (string, error)
	RelayLogApplied(ctx context.Context) (bool, error)
}

// Snapshotter is the snapshot store surface the controller needs.
type Snapshotter interface {
	Observable(ctx context.Context) bool
	Mtime() (time.Time, bool)
	Create(ctx context.Context, fromSource bool) error
	Restore(ctx context.Context) error
}

// Router is the query router surface the controller needs.
type Router interface {
	SyncBackends(ctx context.Context, backends proxysql.Backends) error
}

// Controller runs the per-node reconciliation loop: provision the engine,
// compete for the replication leader lock, keep the engine's role in step
// with the lock, keep the query router's backend table in step with the
// registry, and schedule snapshots.
type Controller struct {
	cfg      *config.Config
	cluster  Cluster
	election Election
	ids      IDSource
	engine   Engine
	snaps    Snapshotter
	router   Router

	// sessionLost fires when the coordination session had to be recreated.
	sessionLost <-chan struct{}

	tick time.Duration
	now  func() time.Time

	role     Role
	serverID uint64

	mu           sync.Mutex
	snapshotBusy bool
}

// New creates a controller. sessionLost is the session's loss notification
// channel.
func New(cfg *config.Config, cluster Cluster, election Election, ids IDSource,
	engine Engine, snaps Snapshotter, router Router, sessionLost <-chan struct{}) *Controller {
	return &Controller{
		cfg:         cfg,
		cluster:     cluster,
		election:    election,
		ids:         ids,
		engine:      engine,
		snaps:       snaps,
		router:      router,
		sessionLost: sessionLost,
		tick:        tickInterval,
		now:         time.Now,
		role:        RoleUnknown,
	}
}

// Role returns the node's current replication role.
func (c *Controller) Role() Role {
	return c.role
}

// ServerID returns the id allocated during bootstrap.
func (c *Controller) ServerID() uint64 {
	return c.serverID
}

// Run bootstraps the node and then reconciles until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	logger := log.WithComponent("controller")

	if err := c.bootstrap(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Control loop stopping")
			return nil
		case <-c.sessionLost:
			c.handleSessionLoss(ctx)
		case <-ticker.C:
			started := c.now()
			if err := c.reconcile(ctx); err != nil {
				logger.Error().Err(err).Msg("Reconciliation failed")
			}
			metrics.ControlLoopTickDuration.Observe(c.now().Sub(started).Seconds())
		}
	}
}

// bootstrap registers the node, allocates a server id, provisions the data
// directory (fresh initialization or snapshot restore) and starts the
// engine.
func (c *Controller) bootstrap(ctx context.Context) error {
	logger := log.WithComponent("controller")

	if err := c.cluster.Register(ctx); err != nil {
		return fmt.Errorf("failed to register node: %w", err)
	}

	serverID, err := c.ids.Allocate(ctx)
	if err != nil {
		return fmt.Errorf("failed to allocate server id: %w", err)
	}
	c.serverID = serverID
	logger.Info().Uint64("server_id", serverID).Msg("Server id allocated")

	if err := c.provisionDataDir(ctx); err != nil {
		return err
	}

	if err := c.engine.Start(ctx, serverID); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	version, err := c.engine.Version(ctx)
	if err != nil {
		return fmt.Errorf("failed to read engine version: %w", err)
	}
	if err := c.cluster.SetInfo(ctx, serverID, version); err != nil {
		return fmt.Errorf("failed to publish node info: %w", err)
	}

	logger.Info().Str("version", version).Msg("Node bootstrapped")
	return nil
}

// provisionDataDir makes sure the data directory holds a usable engine. An
// empty node restores the newest snapshot when one is observable anywhere in
// the cluster; without one it initializes a fresh dataset and relies on
// auto-positioned replication to catch up once it follows a leader.
func (c *Controller) provisionDataDir(ctx context.Context) error {
	logger := log.WithComponent("controller")

	if c.engine.Initialized() {
		// A node that crashed mid-restore must not reuse the partial
		// data directory.
		record, err := c.cluster.Record(ctx)
		if err == nil && record.IsRestoring() {
			logger.Warn().Msg("Previous restore did not finish, restoring again")
			return c.snaps.Restore(ctx)
		}
		return nil
	}

	if c.snaps.Observable(ctx) {
		logger.Info().Msg("Provisioning data directory from snapshot")
		return c.snaps.Restore(ctx)
	}

	logger.Info().Msg("No snapshot observable, initializing fresh dataset")
	_, err := c.engine.InitializeIfNeeded(ctx, c.serverID)
	return err
}

// handleSessionLoss re-registers the node after its session was recreated.
// The leader lock (if held) died with the old session, so the node demotes
// and competes fresh on the next tick.
func (c *Controller) handleSessionLoss(ctx context.Context) {
	logger := log.WithComponent("controller")
	logger.Warn().Msg("Coordination session was recreated, re-registering")

	if err := c.cluster.Register(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to re-register after session loss")
		return
	}

	version, err := c.engine.Version(ctx)
	if err == nil {
		if err := c.cluster.SetInfo(ctx, c.serverID, version); err != nil {
			logger.Error().Err(err).Msg("Failed to republish node info")
		}
	}

	if c.role == RoleLeader {
		// The lock died with the old session; stop accepting writes
		// until leadership is settled again.
		if err := c.engine.SetReadOnly(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to lock engine read-only")
		}
		metrics.LeaderTransitionsTotal.WithLabelValues("demote").Inc()
		metrics.ReplicationLeader.Set(0)
	}
	c.role = RoleUnknown
}

// reconcile is one pass of the control loop.
func (c *Controller) reconcile(ctx context.Context) error {
	leaderAddr, err := c.election.LeaderAddress(ctx)
	if err != nil {
		return err
	}

	switch {
	case leaderAddr == "":
		if err := c.competeForLeadership(ctx); err != nil {
			return err
		}
	case leaderAddr == c.cluster.Address():
		// Our address in the record is not enough; the session binding
		// is the ground truth.
		mine, err := c.election.AmLeader(ctx)
		if err != nil {
			return err
		}
		if mine {
			if c.role != RoleLeader {
				if err := c.promote(ctx); err != nil {
					return err
				}
			}
		} else {
			c.demote(ctx, leaderAddr)
		}
	default:
		if err := c.ensureFollowing(ctx, leaderAddr); err != nil {
			return err
		}
	}

	if err := c.syncRouter(ctx); err != nil {
		return err
	}

	c.maybeSnapshot(ctx)
	return nil
}

// competeForLeadership races for the vacant leader lock.
func (c *Controller) competeForLeadership(ctx context.Context) error {
	won, err := c.election.TryAcquire(ctx)
	if err != nil {
		return err
	}
	if !won {
		// Someone else won or the record reappeared; next tick follows.
		return nil
	}
	return c.promote(ctx)
}

// promote opens the engine for writes. A former follower first drains its
// relay log so no acknowledged transaction is lost.
func (c *Controller) promote(ctx context.Context) error {
	logger := log.WithComponent("controller")
	logger.Info().Msg("Promoting to replication leader")

	source, err := c.engine.SourceHost(ctx)
	if err != nil {
		return err
	}
	if source != "" {
		c.drainRelayLog(ctx)
	}

	if err := c.engine.BecomeLeader(ctx); err != nil {
		return fmt.Errorf("failed to promote engine: %w", err)
	}

	c.role = RoleLeader
	metrics.LeaderTransitionsTotal.WithLabelValues("promote").Inc()
	metrics.ReplicationLeader.Set(1)
	return nil
}

// drainRelayLog waits until the relay log is applied, bounded. The old
// leader is gone, so an unreachable source also ends the wait.
func (c *Controller) drainRelayLog(ctx context.Context) {
	logger := log.WithComponent("controller")

	for attempt := 0; attempt < drainAttempts; attempt++ {
		applied, err := c.engine.RelayLogApplied(ctx)
		if err != nil || applied {
			return
		}
		logger.Info().Msg("Waiting for relay log to be applied before promotion")
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
	logger.Warn().Msg("Relay log not fully applied in time, promoting anyway")
}

// demote steps down locally after losing leadership. The engine is locked
// read-only right away; pointing replication at the new leader happens in
// ensureFollowing once its address is known.
func (c *Controller) demote(ctx context.Context, leaderAddr string) {
	if c.role == RoleLeader {
		lg := log.WithComponent("controller")
		lg.Warn().Str("leader", leaderAddr).
			Msg("Lost replication leadership")
		if err := c.engine.SetReadOnly(ctx); err != nil {
			lg := log.WithComponent("controller")
			lg.Error().Err(err).Msg("Failed to lock engine read-only")
		}
		metrics.LeaderTransitionsTotal.WithLabelValues("demote").Inc()
		metrics.ReplicationLeader.Set(0)
	}
	c.role = RoleUnknown
}

// ensureFollowing keeps the engine replicating from the current leader.
func (c *Controller) ensureFollowing(ctx context.Context, leaderAddr string) error {
	if c.role == RoleLeader {
		c.demote(ctx, leaderAddr)
	}

	source, err := c.engine.SourceHost(ctx)
	if err != nil {
		return err
	}
	if c.role == RoleFollower && source == leaderAddr {
		return nil
	}

	if err := c.engine.BecomeFollower(ctx, leaderAddr); err != nil {
		return fmt.Errorf("failed to configure follower: %w", err)
	}
	c.role = RoleFollower
	return nil
}

// syncRouter pushes the registry's live view into the query router.
func (c *Controller) syncRouter(ctx context.Context) error {
	records, err := c.cluster.ListLive(ctx)
	if err != nil {
		return err
	}
	metrics.RegisteredNodes.Set(float64(len(records)))

	leaderAddr, err := c.election.LeaderAddress(ctx)
	if err != nil {
		return err
	}

	backends := proxysql.Backends{}
	for _, record := range records {
		if record.Address == leaderAddr {
			backends.Leader = record.Address
			continue
		}
		backends.Followers = append(backends.Followers, record.Address)
	}

	return c.router.SyncBackends(ctx, backends)
}

// maybeSnapshot launches a background snapshot when the current one is older
// than the configured interval. Followers snapshot with replication briefly
// paused; a leader only snapshots when it is the lone node, straight from
// the source. At most one snapshot worker runs at a time.
func (c *Controller) maybeSnapshot(ctx context.Context) {
	logger := log.WithComponent("controller")

	fromSource := false
	switch c.role {
	case RoleFollower:
	case RoleLeader:
		records, err := c.cluster.ListLive(ctx)
		if err != nil || len(records) > 1 {
			return
		}
		fromSource = true
	default:
		return
	}

	if mtime, ok := c.snaps.Mtime(); ok && c.now().Sub(mtime) < c.cfg.SnapshotInterval {
		return
	}

	c.mu.Lock()
	if c.snapshotBusy {
		c.mu.Unlock()
		return
	}
	c.snapshotBusy = true
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			c.snapshotBusy = false
			c.mu.Unlock()
		}()
		if err := c.snaps.Create(ctx, fromSource); err != nil {
			logger.Error().Err(err).Msg("Snapshot failed")
		}
	}()
}
