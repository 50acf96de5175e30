package proxysql

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cuemby/mcm/pkg/config"
	"github.com/cuemby/mcm/pkg/log"
	"github.com/cuemby/mcm/pkg/metrics"
	"github.com/cuemby/mcm/pkg/mysql"
)

// Hostgroup assignment: all writes go to the replication leader, reads are
// spread over the remaining nodes.
const (
	WriterHostgroup = 1
	ReaderHostgroup = 2

	adminUser     = "admin"
	adminPassword = "admin"
	adminSchema   = "main"

	mysqlPort = 3306
)

// Bridge drives the query router's admin interface: one-time setup of
// users, query rules and TLS, and continuous synchronization of the backend
// server table with the cluster registry.
type Bridge struct {
	cfg   *config.Config
	admin mysql.Runner
}

func NewBridge(cfg *config.Config) *Bridge {
	return &Bridge{
		cfg:   cfg,
		admin: mysql.NewTCPRunner(cfg.Paths.ProxySQLAdminAddr, adminUser, adminPassword, adminSchema),
	}
}

func (b *Bridge) exec(ctx context.Context, statements ...string) error {
	for _, statement := range statements {
		if err := b.admin.Exec(ctx, statement); err != nil {
			return fmt.Errorf("router admin statement failed: %w", err)
		}
	}
	return nil
}

// InitialSetup configures the freshly started router: monitor credentials,
// replication hostgroups, read/write split rules, the application account
// and, when certificates are provided, TLS on the client-facing port. The
// statements are idempotent so a restart simply reapplies them.
func (b *Bridge) InitialSetup(ctx context.Context) error {
	logger := log.WithComponent("proxysql")

	// The monitor probes backends with the replication account, which
	// exists on every node from initialization on.
	err := b.exec(ctx,
		fmt.Sprintf("UPDATE global_variables SET variable_value = '%s' WHERE variable_name = 'mysql-monitor_username'", b.cfg.ReplicationUser),
		fmt.Sprintf("UPDATE global_variables SET variable_value = '%s' WHERE variable_name = 'mysql-monitor_password'", b.cfg.ReplicationPassword),
		"LOAD MYSQL VARIABLES TO RUNTIME",
		"SAVE MYSQL VARIABLES TO DISK",
	)
	if err != nil {
		return err
	}

	err = b.exec(ctx,
		"DELETE FROM mysql_replication_hostgroups",
		fmt.Sprintf("INSERT INTO mysql_replication_hostgroups (writer_hostgroup, reader_hostgroup, check_type, comment) VALUES (%d, %d, 'read_only', 'mysql cluster')",
			WriterHostgroup, ReaderHostgroup),
	)
	if err != nil {
		return err
	}

	// Reads go to the reader group unless they take locks. Rule order
	// matters: the FOR UPDATE rule must win.
	err = b.exec(ctx,
		"DELETE FROM mysql_query_rules",
		fmt.Sprintf("INSERT INTO mysql_query_rules (rule_id, active, match_digest, destination_hostgroup, apply) VALUES (1, 1, '^SELECT.*FOR UPDATE$', %d, 1)", WriterHostgroup),
		fmt.Sprintf("INSERT INTO mysql_query_rules (rule_id, active, match_digest, destination_hostgroup, apply) VALUES (2, 1, '^SELECT', %d, 1)", ReaderHostgroup),
		"LOAD MYSQL QUERY RULES TO RUNTIME",
		"SAVE MYSQL QUERY RULES TO DISK",
	)
	if err != nil {
		return err
	}

	useSSL := 0
	if b.cfg.TLSRequired && b.cfg.TLSConfigured() {
		useSSL = 1
	}
	err = b.exec(ctx,
		"DELETE FROM mysql_users",
		fmt.Sprintf("INSERT INTO mysql_users (username, password, default_hostgroup, use_ssl, transaction_persistent) VALUES ('%s', '%s', %d, %d, 1)",
			b.cfg.ApplicationUser, b.cfg.ApplicationPassword, WriterHostgroup, useSSL),
		"LOAD MYSQL USERS TO RUNTIME",
		"SAVE MYSQL USERS TO DISK",
	)
	if err != nil {
		return err
	}

	if b.cfg.TLSConfigured() {
		if err := b.installTLSMaterial(ctx); err != nil {
			return err
		}
	}

	logger.Info().Msg("Query router configured")
	return nil
}

// installTLSMaterial configures TLS on both sides of the router: the
// proxy-to-server variables so backend connections with use_ssl are actually
// encrypted, and the client-facing certificates linked into the router's
// data directory under the names it expects.
func (b *Bridge) installTLSMaterial(ctx context.Context) error {
	err := b.exec(ctx,
		fmt.Sprintf("UPDATE global_variables SET variable_value = '%s' WHERE variable_name = 'mysql-ssl_p2s_ca'", b.cfg.TLSCA),
		fmt.Sprintf("UPDATE global_variables SET variable_value = '%s' WHERE variable_name = 'mysql-ssl_p2s_cert'", b.cfg.TLSCert),
		fmt.Sprintf("UPDATE global_variables SET variable_value = '%s' WHERE variable_name = 'mysql-ssl_p2s_key'", b.cfg.TLSKey),
	)
	if err != nil {
		return err
	}

	links := map[string]string{
		b.cfg.TLSCA:   "proxysql-ca.pem",
		b.cfg.TLSCert: "proxysql-cert.pem",
		b.cfg.TLSKey:  "proxysql-key.pem",
	}
	for source, name := range links {
		target := filepath.Join(b.cfg.Paths.ProxySQLDataDir, name)
		if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", target, err)
		}
		if err := os.Symlink(source, target); err != nil {
			return fmt.Errorf("failed to link TLS material %s: %w", target, err)
		}
	}

	return b.exec(ctx,
		"UPDATE global_variables SET variable_value = 'true' WHERE variable_name = 'mysql-have_ssl'",
		"LOAD MYSQL VARIABLES TO RUNTIME",
		"SAVE MYSQL VARIABLES TO DISK",
		"PROXYSQL RELOAD TLS",
	)
}

// Backends is the desired routing state.
type Backends struct {
	Leader    string
	Followers []string
}

// desired returns the hostgroup/hostname pairs, sorted for comparison.
func (b Backends) desired() []string {
	var entries []string
	if b.Leader != "" {
		entries = append(entries, fmt.Sprintf("%d/%s", WriterHostgroup, b.Leader))
	}
	for _, follower := range b.Followers {
		entries = append(entries, fmt.Sprintf("%d/%s", ReaderHostgroup, follower))
	}
	sort.Strings(entries)
	return entries
}

// currentBackends reads the active server table.
func (b *Bridge) currentBackends(ctx context.Context) ([]string, error) {
	rows, err := b.admin.QueryMaps(ctx, "SELECT hostgroup_id, hostname FROM mysql_servers")
	if err != nil {
		return nil, fmt.Errorf("failed to read router backends: %w", err)
	}

	var entries []string
	for _, row := range rows {
		entries = append(entries, fmt.Sprintf("%s/%s", row["hostgroup_id"], row["hostname"]))
	}
	sort.Strings(entries)
	return entries, nil
}

// SyncBackends makes the router's server table match the desired state,
// touching the admin interface only when something actually changed.
func (b *Bridge) SyncBackends(ctx context.Context, backends Backends) error {
	logger := log.WithComponent("proxysql")

	desired := backends.desired()
	current, err := b.currentBackends(ctx)
	if err != nil {
		return err
	}
	if strings.Join(current, ",") == strings.Join(desired, ",") {
		return nil
	}

	useSSL := 0
	if b.cfg.TLSRequired && b.cfg.TLSConfigured() {
		useSSL = 1
	}

	statements := []string{"DELETE FROM mysql_servers"}
	if backends.Leader != "" {
		statements = append(statements, fmt.Sprintf(
			"INSERT INTO mysql_servers (hostgroup_id, hostname, port, use_ssl) VALUES (%d, '%s', %d, %d)",
			WriterHostgroup, backends.Leader, mysqlPort, useSSL))
	}
	for _, follower := range backends.Followers {
		statements = append(statements, fmt.Sprintf(
			"INSERT INTO mysql_servers (hostgroup_id, hostname, port, use_ssl) VALUES (%d, '%s', %d, %d)",
			ReaderHostgroup, follower, mysqlPort, useSSL))
	}
	statements = append(statements,
		"LOAD MYSQL SERVERS TO RUNTIME",
		"SAVE MYSQL SERVERS TO DISK",
	)

	if err := b.exec(ctx, statements...); err != nil {
		return err
	}

	metrics.RouterReconfigurationsTotal.Inc()
	logger.Info().Str("writer", backends.Leader).Strs("readers", backends.Followers).Msg("Router backends updated")
	return nil
}
