package mysql

import (
	"context"
	"fmt"

	"github.com/cuemby/mcm/pkg/log"
)

// ConfigureFollower points the local engine at the leader as a replication
// follower with auto-positioning, then locks it read-only at both levels.
func ConfigureFollower(ctx context.Context, runner Runner, leaderAddr, replUser, replPassword string) error {
	lg := log.WithComponent("mysql")
	lg.Info().Str("leader", leaderAddr).Msg("Setting up replication")

	if err := runner.Exec(ctx, "STOP REPLICA"); err != nil {
		return fmt.Errorf("failed to stop replica: %w", err)
	}

	change := fmt.Sprintf("CHANGE REPLICATION SOURCE TO SOURCE_HOST = '%s', "+
		"SOURCE_PORT = 3306, SOURCE_USER = '%s', SOURCE_PASSWORD = '%s', "+
		"SOURCE_AUTO_POSITION = 1, GET_SOURCE_PUBLIC_KEY = 1",
		leaderAddr, replUser, replPassword)
	if err := runner.Exec(ctx, change); err != nil {
		return fmt.Errorf("failed to change replication source: %w", err)
	}

	if err := runner.Exec(ctx, "START REPLICA"); err != nil {
		return fmt.Errorf("failed to start replica: %w", err)
	}

	return SetReadOnly(ctx, runner)
}

// ClearReplication removes all follower configuration and opens the engine
// for writes. Run on promotion to leader.
func ClearReplication(ctx context.Context, runner Runner) error {
	lg := log.WithComponent("mysql")
	lg.Debug().Msg("Removing replication configuration")

	if err := runner.Exec(ctx, "STOP REPLICA"); err != nil {
		return fmt.Errorf("failed to stop replica: %w", err)
	}
	if err := runner.Exec(ctx, "RESET REPLICA ALL"); err != nil {
		return fmt.Errorf("failed to reset replica: %w", err)
	}

	return SetReadWrite(ctx, runner)
}

// SetReadOnly enables both read-only levels. Followers always run this way.
func SetReadOnly(ctx context.Context, runner Runner) error {
	lg := log.WithComponent("mysql")
	lg.Info().Msg("Setting engine mode to read-only")

	if err := runner.Exec(ctx, "SET GLOBAL read_only = 1"); err != nil {
		return fmt.Errorf("failed to set read_only: %w", err)
	}
	if err := runner.Exec(ctx, "SET GLOBAL super_read_only = 1"); err != nil {
		return fmt.Errorf("failed to set super_read_only: %w", err)
	}
	return nil
}

// SetReadWrite disables both read-only levels, super level first.
func SetReadWrite(ctx context.Context, runner Runner) error {
	lg := log.WithComponent("mysql")
	lg.Info().Msg("Setting engine mode to read-write")

	if err := runner.Exec(ctx, "SET GLOBAL super_read_only = 0"); err != nil {
		return fmt.Errorf("failed to clear super_read_only: %w", err)
	}
	if err := runner.Exec(ctx, "SET GLOBAL read_only = 0"); err != nil {
		return fmt.Errorf("failed to clear read_only: %w", err)
	}
	return nil
}

// SourceHost returns the replication source the engine currently follows,
// or empty when no replication is configured.
func SourceHost(ctx context.Context, runner Runner) (string, error) {
	status, err := runner.QueryMaps(ctx, "SHOW REPLICA STATUS")
	if err != nil {
		return "", err
	}
	if len(status) != 1 {
		return "", nil
	}

	host, ok := status[0]["Source_Host"]
	if !ok {
		return "", fmt.Errorf("replica status is missing Source_Host")
	}
	return host, nil
}

// RelayLogApplied reports whether the follower has connected to its source
// and fully applied the relay log.
func RelayLogApplied(ctx context.Context, runner Runner) (bool, error) {
	logger := log.WithComponent("mysql")

	status, err := runner.QueryMaps(ctx, "SHOW REPLICA STATUS")
	if err != nil {
		return false, err
	}
	if len(status) != 1 {
		return false, nil
	}

	ioState, ok := status[0]["Replica_IO_State"]
	if !ok {
		return false, fmt.Errorf("replica status is missing Replica_IO_State")
	}
	logger.Debug().Str("io_state", ioState).Msg("Follower IO state")
	if ioState != "Waiting for master to send event" &&
		ioState != "Reconnecting after a failed source event read" {
		return false, nil
	}

	sqlState, ok := status[0]["Replica_SQL_Running_State"]
	if !ok {
		return false, fmt.Errorf("replica status is missing Replica_SQL_Running_State")
	}
	logger.Debug().Str("sql_state", sqlState).Msg("Follower SQL state")
	return sqlState == "Replica has read all relay log; waiting for more updates", nil
}
