package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for tunables that are not security sensitive.
const (
	DefaultBootstrapService = "mysql"
	DefaultBootstrapExpect  = 3
	DefaultSnapshotMinutes  = 15
	DefaultMetricsAddr      = ":9104"
	DefaultKVPrefix         = "mcm/"

	// MinSnapshotInterval is the floor for the snapshot age check
	MinSnapshotInterval = 60 * time.Second
)

// Paths holds filesystem locations and binaries. They rarely change and can
// be overridden from the optional YAML file (MCM_CONFIG_FILE).
type Paths struct {
	DataDir           string `yaml:"data_dir"`
	SnapshotDir       string `yaml:"snapshot_dir"`
	MySQLSocket       string `yaml:"mysql_socket"`
	MySQLDBinary      string `yaml:"mysqld_binary"`
	XtrabackupBinary  string `yaml:"xtrabackup_binary"`
	ConsulBinary      string `yaml:"consul_binary"`
	ConsulDataDir     string `yaml:"consul_data_dir"`
	ClusterConfigFile string `yaml:"cluster_config_file"`
	ProxySQLBinary    string `yaml:"proxysql_binary"`
	ProxySQLConfig    string `yaml:"proxysql_config"`
	ProxySQLDataDir   string `yaml:"proxysql_data_dir"`
	ProxySQLAdminAddr string `yaml:"proxysql_admin_addr"`
	MySQLServiceUser  string `yaml:"mysql_service_user"`
}

// Config is the full configuration surface of the cluster manager. Secrets
// come from environment variables, each also readable from a file when the
// variable name is suffixed with _FILE.
type Config struct {
	// Coordination service bootstrap
	BootstrapService string
	BootstrapExpect  int
	ConsulEnableUI   bool
	KVPrefix         string

	// MySQL accounts
	ApplicationUser     string
	ApplicationPassword string
	BackupUser          string
	BackupPassword      string
	ReplicationUser     string
	ReplicationPassword string
	RootPassword        string
	InitialDatabase     string

	// Snapshot scheduling
	SnapshotInterval time.Duration

	// TLS material for ProxySQL and backend connections
	TLSCA       string
	TLSCert     string
	TLSKey      string
	TLSRequired bool

	// Object storage for off-box snapshot archives. Disabled when the
	// endpoint is empty.
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseTLS    bool

	BindInterface string
	MetricsAddr   string
	LogLevel      string

	Paths Paths
}

// Lookup returns the value of the named environment variable, preferring the
// contents of the file named by <name>_FILE when that variable is set. The
// second return value reports whether any value was found.
func Lookup(name string) (string, bool) {
	if path, ok := os.LookupEnv(name + "_FILE"); ok {
		data, err := os.ReadFile(path)
		if err == nil {
			return strings.TrimSpace(string(data)), true
		}
	}

	if value, ok := os.LookupEnv(name); ok {
		return value, true
	}

	return "", false
}

func lookupDefault(name, fallback string) string {
	if value, ok := Lookup(name); ok {
		return value
	}
	return fallback
}

func require(name string) (string, error) {
	value, ok := Lookup(name)
	if !ok {
		return "", fmt.Errorf("environment variable %s or secret %s_FILE not found", name, name)
	}
	return value, nil
}

func lookupBool(name string, fallback bool) bool {
	value, ok := Lookup(name)
	if !ok {
		return fallback
	}
	value = strings.ToLower(value)
	return value == "true" || value == "1"
}

// DefaultPaths returns the standard on-disk layout.
func DefaultPaths() Paths {
	return Paths{
		DataDir:           "/var/lib/mysql",
		SnapshotDir:       "/snapshots",
		MySQLSocket:       "/var/run/mysqld/mysqld.sock",
		MySQLDBinary:      "/usr/sbin/mysqld",
		XtrabackupBinary:  "/usr/bin/xtrabackup",
		ConsulBinary:      "consul",
		ConsulDataDir:     "/tmp/consul",
		ClusterConfigFile: "/etc/mysql/conf.d/zz_cluster.cnf",
		ProxySQLBinary:    "/usr/bin/proxysql",
		ProxySQLConfig:    "/etc/proxysql.cnf",
		ProxySQLDataDir:   "/var/lib/proxysql",
		ProxySQLAdminAddr: "127.0.0.1:6032",
		MySQLServiceUser:  "mysql",
	}
}

// Load builds the configuration from the environment. All database account
// credentials are required; everything else has a default.
func Load() (*Config, error) {
	cfg := &Config{
		BootstrapService: lookupDefault("CONSUL_BOOTSTRAP_SERVICE", DefaultBootstrapService),
		ConsulEnableUI:   lookupBool("CONSUL_ENABLE_UI", false),
		KVPrefix:         lookupDefault("MCM_KV_PREFIX", DefaultKVPrefix),
		InitialDatabase:  lookupDefault("MYSQL_DATABASE", ""),
		TLSCA:            lookupDefault("MYSQL_TLS_CA", ""),
		TLSCert:          lookupDefault("MYSQL_TLS_CERT", ""),
		TLSKey:           lookupDefault("MYSQL_TLS_KEY", ""),
		TLSRequired:      lookupBool("MYSQL_TLS_REQUIRED", true),
		MinioEndpoint:    lookupDefault("MINIO_ENDPOINT", ""),
		MinioAccessKey:   lookupDefault("MINIO_ACCESS_KEY", ""),
		MinioSecretKey:   lookupDefault("MINIO_SECRET_KEY", ""),
		MinioBucket:      lookupDefault("MINIO_BUCKET", "mcm-snapshots"),
		MinioUseTLS:      lookupBool("MINIO_USE_TLS", false),
		BindInterface:    lookupDefault("MCM_BIND_INTERFACE", ""),
		MetricsAddr:      lookupDefault("MCM_METRICS_ADDR", DefaultMetricsAddr),
		LogLevel:         lookupDefault("MCM_LOG_LEVEL", "info"),
		Paths:            DefaultPaths(),
	}

	expect := lookupDefault("CONSUL_BOOTSTRAP_EXPECT", strconv.Itoa(DefaultBootstrapExpect))
	n, err := strconv.Atoi(expect)
	if err != nil {
		return nil, fmt.Errorf("invalid CONSUL_BOOTSTRAP_EXPECT %q: %w", expect, err)
	}
	cfg.BootstrapExpect = n

	minutes := lookupDefault("SNAPSHOT_MINUTES", strconv.Itoa(DefaultSnapshotMinutes))
	m, err := strconv.Atoi(minutes)
	if err != nil {
		return nil, fmt.Errorf("invalid SNAPSHOT_MINUTES %q: %w", minutes, err)
	}
	cfg.SnapshotInterval = time.Duration(m) * time.Minute
	if cfg.SnapshotInterval < MinSnapshotInterval {
		cfg.SnapshotInterval = MinSnapshotInterval
	}

	for _, account := range []struct {
		env  string
		dest *string
	}{
		{"MYSQL_USER", &cfg.ApplicationUser},
		{"MYSQL_PASSWORD", &cfg.ApplicationPassword},
		{"MYSQL_BACKUP_USER", &cfg.BackupUser},
		{"MYSQL_BACKUP_PASSWORD", &cfg.BackupPassword},
		{"MYSQL_REPLICATION_USER", &cfg.ReplicationUser},
		{"MYSQL_REPLICATION_PASSWORD", &cfg.ReplicationPassword},
		{"MYSQL_ROOT_PASSWORD", &cfg.RootPassword},
	}{
		value, err := require(account.env)
		if err != nil {
			return nil, err
		}
		*account.dest = value
	}

	if path, ok := Lookup("MCM_CONFIG_FILE"); ok {
		if err := cfg.applyOverrides(path); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// applyOverrides merges path overrides from the YAML file. Only fields that
// are present in the file replace the defaults.
func (c *Config) applyOverrides(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var overrides Paths
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	merge := func(dest *string, value string) {
		if value != "" {
			*dest = value
		}
	}

	merge(&c.Paths.DataDir, overrides.DataDir)
	merge(&c.Paths.SnapshotDir, overrides.SnapshotDir)
	merge(&c.Paths.MySQLSocket, overrides.MySQLSocket)
	merge(&c.Paths.MySQLDBinary, overrides.MySQLDBinary)
	merge(&c.Paths.XtrabackupBinary, overrides.XtrabackupBinary)
	merge(&c.Paths.ConsulBinary, overrides.ConsulBinary)
	merge(&c.Paths.ConsulDataDir, overrides.ConsulDataDir)
	merge(&c.Paths.ClusterConfigFile, overrides.ClusterConfigFile)
	merge(&c.Paths.ProxySQLBinary, overrides.ProxySQLBinary)
	merge(&c.Paths.ProxySQLConfig, overrides.ProxySQLConfig)
	merge(&c.Paths.ProxySQLDataDir, overrides.ProxySQLDataDir)
	merge(&c.Paths.ProxySQLAdminAddr, overrides.ProxySQLAdminAddr)
	merge(&c.Paths.MySQLServiceUser, overrides.MySQLServiceUser)

	return nil
}

// TLSConfigured reports whether a full set of TLS material was provided.
func (c *Config) TLSConfigured() bool {
	return c.TLSCA != "" && c.TLSCert != "" && c.TLSKey != ""
}

// ObjectStoreConfigured reports whether off-box snapshot storage is enabled.
func (c *Config) ObjectStoreConfigured() bool {
	return c.MinioEndpoint != ""
}
