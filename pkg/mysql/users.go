package mysql

import (
	"context"
	"fmt"

	"github.com/cuemby/mcm/pkg/config"
	"github.com/cuemby/mcm/pkg/log"
)

// createOperatorAccounts provisions the application, backup, replication and
// root accounts on a freshly initialized engine, plus the optional initial
// database. Runs exactly once per data directory lifetime.
func createOperatorAccounts(ctx context.Context, runner Runner, cfg *config.Config) error {
	logger := log.WithComponent("mysql")

	logger.Debug().Str("user", cfg.ApplicationUser).Msg("Creating application account")
	statements := []string{
		fmt.Sprintf("CREATE USER '%s'@'%%' IDENTIFIED WITH caching_sha2_password BY '%s'",
			cfg.ApplicationUser, cfg.ApplicationPassword),

		// Backup account: local only, with the privileges the backup tool
		// needs for consistent physical copies.
		fmt.Sprintf("CREATE USER '%s'@'localhost' IDENTIFIED WITH caching_sha2_password BY '%s'",
			cfg.BackupUser, cfg.BackupPassword),
		fmt.Sprintf("GRANT BACKUP_ADMIN, PROCESS, RELOAD, LOCK TABLES, REPLICATION CLIENT, "+
			"REPLICATION_SLAVE_ADMIN ON *.* TO '%s'@'localhost'", cfg.BackupUser),
		fmt.Sprintf("GRANT SELECT ON performance_schema.log_status TO '%s'@'localhost'", cfg.BackupUser),
		fmt.Sprintf("GRANT SELECT ON performance_schema.keyring_component_status TO '%s'@'localhost'", cfg.BackupUser),
		fmt.Sprintf("GRANT SELECT ON performance_schema.replication_group_members TO '%s'@'localhost'", cfg.BackupUser),

		fmt.Sprintf("CREATE USER '%s'@'%%' IDENTIFIED WITH caching_sha2_password BY '%s'",
			cfg.ReplicationUser, cfg.ReplicationPassword),
		fmt.Sprintf("GRANT REPLICATION SLAVE ON *.* TO '%s'@'%%'", cfg.ReplicationUser),

		fmt.Sprintf("CREATE USER 'root'@'%%' IDENTIFIED WITH caching_sha2_password BY '%s'", cfg.RootPassword),
		"GRANT ALL PRIVILEGES ON *.* TO 'root'@'%' WITH GRANT OPTION",
		fmt.Sprintf("ALTER USER 'root'@'localhost' IDENTIFIED WITH caching_sha2_password BY '%s'", cfg.RootPassword),
	}

	if cfg.InitialDatabase != "" {
		logger.Debug().Str("database", cfg.InitialDatabase).Msg("Setting up initial database")
		statements = append(statements,
			fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", cfg.InitialDatabase),
			fmt.Sprintf("GRANT ALL PRIVILEGES ON `%s`.* TO '%s'@'%%'",
				cfg.InitialDatabase, cfg.ApplicationUser),
		)
	}

	for _, statement := range statements {
		if err := runner.Exec(ctx, statement); err != nil {
			return fmt.Errorf("failed to provision accounts: %w", err)
		}
	}
	return nil
}
