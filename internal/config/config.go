// Package config loads pageserver runtime configuration from YAML with
// environment variable overrides, following the same layered pattern used
// throughout this codebase for per-tenant settings resolution.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the full set of tunables for the WAL-Redo Applier, the
// WAL-Receiver Connection Manager, and the Process Supervisor.
type Config struct {
	Redo       RedoConfig       `yaml:"redo"`
	Receiver   ReceiverConfig   `yaml:"receiver"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Broker     BrokerConfig     `yaml:"broker"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// RedoConfig controls the WAL-Redo Applier's child-process discipline.
type RedoConfig struct {
	// Env is "production" or "development"; it is reported in the startup
	// log and by IsProduction, and changes no other behaviour.
	Env string `yaml:"env"`

	// BatchTimeoutSec bounds how long a single apply_wal_records exchange
	// with the redo process may take before it is considered hung.
	BatchTimeoutSec int `yaml:"batch_timeout_sec"`

	// PgBinDir / PgLibDir point at a postgres install usable in --wal-redo
	// mode, keyed by major version (e.g. "15", "16").
	PgBinDir map[string]string `yaml:"pg_bin_dir"`
	PgLibDir map[string]string `yaml:"pg_lib_dir"`

	// WalRedoDatadirPrefix is the parent directory under which per-attempt
	// scratch data directories are created.
	WalRedoDatadirPrefix string `yaml:"wal_redo_datadir_prefix"`
}

func (c RedoConfig) BatchTimeout() time.Duration {
	return time.Duration(c.BatchTimeoutSec) * time.Second
}

// ReceiverConfig controls the WAL-Receiver Connection Manager's candidate
// selection and reconnection policy.
type ReceiverConfig struct {
	LaggingWalTimeoutMillis int     `yaml:"lagging_wal_timeout_millis"`
	MaxLsnWalLagBytes       int64   `yaml:"max_lsn_wal_lag_bytes"`
	ConnectTimeoutSec       int     `yaml:"connect_timeout_sec"`
	RetryMinBackoffSec      float64 `yaml:"retry_min_backoff_sec"`
	RetryMaxBackoffSec      float64 `yaml:"retry_max_backoff_sec"`
	RetryBackoffMultiplier  float64 `yaml:"retry_backoff_multiplier"`
}

func (c ReceiverConfig) LaggingWalTimeout() time.Duration {
	return time.Duration(c.LaggingWalTimeoutMillis) * time.Millisecond
}

func (c ReceiverConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSec) * time.Second
}

// SupervisorConfig controls auxiliary daemon launch/poll/shutdown discipline.
type SupervisorConfig struct {
	RetryUntilSec      int `yaml:"retry_until_sec"`
	RetryIntervalMilli int `yaml:"retry_interval_millis"`
	DotEveryRetries    int `yaml:"dot_every_retries"`
	NoticeAfterRetries int `yaml:"notice_after_retries"`
}

func (c SupervisorConfig) RetryInterval() time.Duration {
	return time.Duration(c.RetryIntervalMilli) * time.Millisecond
}

// BrokerConfig addresses the broker (safekeeper timeline info fan-in).
type BrokerConfig struct {
	ProjectID            string  `yaml:"project_id"`
	TopicID              string  `yaml:"topic_id"`
	SubscriptionID       string  `yaml:"subscription_id"`
	Enabled              bool    `yaml:"enabled"`
	BaseBackoffSec       float64 `yaml:"base_backoff_sec"`
	MaxBackoffSec        float64 `yaml:"max_backoff_sec"`
}

// MetricsConfig controls the prometheus exporter.
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	Enabled    bool   `yaml:"enabled"`
}

var (
	instance *Config
	once     sync.Once
)

// Get returns the process-wide singleton config instance, loaded once from
// CONFIG_PATH (default "pageserver.yaml") and overridden from the environment.
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "pageserver.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig loads config from a YAML file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.Redo.Env = getEnv("PAGESERVER_ENV", c.Redo.Env)
	if v := getEnvInt("WAL_REDO_TIMEOUT_SEC", 0); v > 0 {
		c.Redo.BatchTimeoutSec = v
	}
	c.Redo.WalRedoDatadirPrefix = getEnv("WAL_REDO_DATADIR_PREFIX", c.Redo.WalRedoDatadirPrefix)

	if v := getEnvInt("WAL_CONNECT_TIMEOUT_SEC", 0); v > 0 {
		c.Receiver.ConnectTimeoutSec = v
	}
	if v := getEnvInt("LAGGING_WAL_TIMEOUT_MILLIS", 0); v > 0 {
		c.Receiver.LaggingWalTimeoutMillis = v
	}
	if v := getEnvInt("MAX_LSN_WAL_LAG_BYTES", 0); v > 0 {
		c.Receiver.MaxLsnWalLagBytes = int64(v)
	}
	if v := getEnvFloat("WAL_RETRY_MIN_BACKOFF_SEC", 0); v > 0 {
		c.Receiver.RetryMinBackoffSec = v
	}
	if v := getEnvFloat("WAL_RETRY_MAX_BACKOFF_SEC", 0); v > 0 {
		c.Receiver.RetryMaxBackoffSec = v
	}
	if v := getEnvFloat("WAL_RETRY_BACKOFF_MULTIPLIER", 0); v > 0 {
		c.Receiver.RetryBackoffMultiplier = v
	}

	c.Broker.ProjectID = getEnv("BROKER_PROJECT_ID", c.Broker.ProjectID)
	c.Broker.TopicID = getEnv("BROKER_TOPIC_ID", c.Broker.TopicID)
	c.Broker.SubscriptionID = getEnv("BROKER_SUBSCRIPTION_ID", c.Broker.SubscriptionID)
	c.Broker.Enabled = getEnvBool("BROKER_ENABLED", c.Broker.Enabled)

	c.Metrics.ListenAddr = getEnv("METRICS_LISTEN_ADDR", c.Metrics.ListenAddr)
	c.Metrics.Enabled = getEnvBool("METRICS_ENABLED", c.Metrics.Enabled)

	c.applyDefaults()
}

func (c *Config) applyDefaults() {
	if c.Redo.Env == "" {
		c.Redo.Env = "development"
	}
	if c.Redo.BatchTimeoutSec == 0 {
		c.Redo.BatchTimeoutSec = 30
	}
	if c.Redo.WalRedoDatadirPrefix == "" {
		c.Redo.WalRedoDatadirPrefix = "/tmp/pageserver-walredo"
	}
	if c.Receiver.ConnectTimeoutSec == 0 {
		c.Receiver.ConnectTimeoutSec = 10
	}
	if c.Receiver.LaggingWalTimeoutMillis == 0 {
		c.Receiver.LaggingWalTimeoutMillis = 5000
	}
	if c.Receiver.MaxLsnWalLagBytes == 0 {
		c.Receiver.MaxLsnWalLagBytes = 10 * 1024 * 1024
	}
	if c.Receiver.RetryMinBackoffSec == 0 {
		c.Receiver.RetryMinBackoffSec = 0.1
	}
	if c.Receiver.RetryMaxBackoffSec == 0 {
		c.Receiver.RetryMaxBackoffSec = 15.0
	}
	if c.Receiver.RetryBackoffMultiplier == 0 {
		c.Receiver.RetryBackoffMultiplier = 1.5
	}
	if c.Supervisor.RetryUntilSec == 0 {
		c.Supervisor.RetryUntilSec = 10
	}
	if c.Supervisor.RetryIntervalMilli == 0 {
		c.Supervisor.RetryIntervalMilli = 100
	}
	if c.Supervisor.DotEveryRetries == 0 {
		c.Supervisor.DotEveryRetries = 10
	}
	if c.Supervisor.NoticeAfterRetries == 0 {
		c.Supervisor.NoticeAfterRetries = 50
	}
	if c.Broker.TopicID == "" {
		c.Broker.TopicID = "safekeeper-timeline-updates"
	}
	if c.Broker.BaseBackoffSec == 0 {
		c.Broker.BaseBackoffSec = 0.1
	}
	if c.Broker.MaxBackoffSec == 0 {
		c.Broker.MaxBackoffSec = 15.0
	}
	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9187"
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func (c *Config) IsProduction() bool {
	return c.Redo.Env == "production"
}
