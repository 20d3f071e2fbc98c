package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPanelGitHubRepository is surfaced through the SDK for callers that
// want to point an admin panel at the upstream release feed.
const DefaultPanelGitHubRepository = "codexgate/cliproxy"

// Config is the root application configuration, loaded from a YAML file and
// overlaid with environment variables via godotenv.
type Config struct {
	SDKConfig `yaml:",inline" json:",inline"`

	// Port is the TCP port the HTTP server listens on.
	Port int `yaml:"port" json:"port"`

	// AuthDir holds the directory containing auth.json, snapshots.json, and
	// session-affinity.json.
	AuthDir string `yaml:"auth-dir" json:"auth-dir"`

	// Debug enables verbose (debug-level) logging.
	Debug bool `yaml:"debug" json:"debug"`

	// LoggingToFile switches the log destination from stdout to a rotating
	// file under ./logs, or under AuthDir/logs when ./logs is not writable.
	LoggingToFile bool `yaml:"logging-to-file" json:"logging-to-file"`

	// LogsMaxTotalSizeMB bounds the logs directory's total size; <= 0
	// disables the background cleaner.
	LogsMaxTotalSizeMB int `yaml:"logs-max-total-size-mb,omitempty" json:"logs-max-total-size-mb,omitempty"`

	// MaxAttempts bounds how many accounts the orchestrator tries per
	// request before giving up with a synthetic rate-limited response.
	MaxAttempts int `yaml:"max-attempts,omitempty" json:"max-attempts,omitempty"`

	// AllowedHosts is the upstream host allowlist the host guard enforces;
	// empty means the built-in default list.
	AllowedHosts []string `yaml:"allowed-hosts,omitempty" json:"allowed-hosts,omitempty"`

	// QuotaRefresh configures the background quota refresh coordinator.
	QuotaRefresh QuotaRefreshConfig `yaml:"quota-refresh" json:"quota-refresh"`

	// Store selects and configures the remote-sync backend layered under
	// the local auth/snapshot/affinity files.
	Store StoreConfig `yaml:"store" json:"store"`
}

// QuotaRefreshConfig controls the quotarefresh.Coordinator.
type QuotaRefreshConfig struct {
	// Enabled turns on the periodic background refresh loop.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Concurrency bounds simultaneous in-flight refreshes; <= 0 uses the
	// coordinator's built-in default.
	Concurrency int `yaml:"concurrency,omitempty" json:"concurrency,omitempty"`

	// IntervalSeconds controls how often RefreshStale is invoked; <= 0
	// disables the loop even when Enabled is true.
	IntervalSeconds int `yaml:"interval-seconds,omitempty" json:"interval-seconds,omitempty"`
}

// StoreConfig selects the kvstore.Backend implementation, if any.
type StoreConfig struct {
	// Backend is one of "" (local file only), "git", "postgres", or
	// "object". An unrecognized value is treated as "".
	Backend string `yaml:"backend,omitempty" json:"backend,omitempty"`

	Git      GitStoreConfig      `yaml:"git,omitempty" json:"git,omitempty"`
	Postgres PostgresStoreConfig `yaml:"postgres,omitempty" json:"postgres,omitempty"`
	Object   ObjectStoreConfig   `yaml:"object,omitempty" json:"object,omitempty"`
}

// GitStoreConfig configures a git-backed remote sync.
type GitStoreConfig struct {
	Remote   string `yaml:"remote,omitempty" json:"remote,omitempty"`
	Username string `yaml:"username,omitempty" json:"username,omitempty"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
	RepoDir  string `yaml:"repo-dir,omitempty" json:"repo-dir,omitempty"`
}

// PostgresStoreConfig configures a PostgreSQL-backed remote sync.
type PostgresStoreConfig struct {
	DSN    string `yaml:"dsn,omitempty" json:"dsn,omitempty"`
	Schema string `yaml:"schema,omitempty" json:"schema,omitempty"`
	Table  string `yaml:"table,omitempty" json:"table,omitempty"`
}

// ObjectStoreConfig configures an S3-compatible remote sync.
type ObjectStoreConfig struct {
	Endpoint  string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Bucket    string `yaml:"bucket,omitempty" json:"bucket,omitempty"`
	AccessKey string `yaml:"access-key,omitempty" json:"access-key,omitempty"`
	SecretKey string `yaml:"secret-key,omitempty" json:"secret-key,omitempty"`
	Region    string `yaml:"region,omitempty" json:"region,omitempty"`
	Prefix    string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	UseSSL    bool   `yaml:"use-ssl,omitempty" json:"use-ssl,omitempty"`
	PathStyle bool   `yaml:"path-style,omitempty" json:"path-style,omitempty"`
}

// LoadConfig reads and parses configFile, failing if it does not exist.
func LoadConfig(configFile string) (*Config, error) {
	return LoadConfigOptional(configFile, false)
}

// LoadConfigOptional reads and parses configFile. When optional is true and
// the file does not exist, it returns a zero-value Config with defaults
// applied instead of an error.
func LoadConfigOptional(configFile string, optional bool) (*Config, error) {
	_ = godotenv.Load() // best-effort; absence of a .env file is not an error

	data, err := os.ReadFile(configFile)
	if err != nil {
		if optional && os.IsNotExist(err) {
			cfg := &Config{}
			applyDefaults(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", configFile, err)
	}

	expanded := os.ExpandEnv(string(data))
	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", configFile, err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Port == 0 {
		cfg.Port = 8317
	}
	if strings.TrimSpace(cfg.AuthDir) == "" {
		cfg.AuthDir = "./auths"
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	cfg.Store.Backend = strings.ToLower(strings.TrimSpace(cfg.Store.Backend))
	switch cfg.Store.Backend {
	case "", "git", "postgres", "object":
	default:
		cfg.Store.Backend = ""
	}
}
