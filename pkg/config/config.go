package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/conductorone/baton-offline/pkg/conflict"
)

const (
	envPrefix      = "baton_offline"
	configPathEnv  = "BATON_OFFLINE_CONFIG_PATH"
	defaultCfgName = "baton-offline"
)

// Config is the full runtime configuration of a sync engine process.
type Config struct {
	StorePath string `mapstructure:"store-path"`
	HolderID  string `mapstructure:"holder-id"`

	LogLevel  string   `mapstructure:"log-level"`
	LogFormat string   `mapstructure:"log-format"`
	LogOutput []string `mapstructure:"log-output"`

	LogMaxSizeMB  int `mapstructure:"log-max-size-mb"`
	LogMaxBackups int `mapstructure:"log-max-backups"`
	LogMaxAgeDays int `mapstructure:"log-max-age-days"`

	MetricsOutput   string        `mapstructure:"metrics-output"`
	MetricsInterval time.Duration `mapstructure:"metrics-interval"`

	QueueMaxSize        int           `mapstructure:"queue-max-size"`
	QueueMaxDeadLetters int           `mapstructure:"queue-max-dead-letters"`
	QueueMaxRetries     int           `mapstructure:"queue-max-retries"`
	QueueRecentWindow   time.Duration `mapstructure:"queue-recent-window"`
	DrainInterval       time.Duration `mapstructure:"drain-interval"`
	DrainRate           int           `mapstructure:"drain-rate"`

	RetryMaxAttempts   uint          `mapstructure:"retry-max-attempts"`
	RetryInitialDelay  time.Duration `mapstructure:"retry-initial-delay"`
	RetryMaxDelay      time.Duration `mapstructure:"retry-max-delay"`
	RetryBackoffFactor float64       `mapstructure:"retry-backoff-factor"`
	RetryTimeout       time.Duration `mapstructure:"retry-timeout"`

	BreakerFailureThreshold  uint          `mapstructure:"breaker-failure-threshold"`
	BreakerRecoveryTimeout   time.Duration `mapstructure:"breaker-recovery-timeout"`
	BreakerHalfOpenSuccesses uint          `mapstructure:"breaker-half-open-successes"`

	CacheCapacity      uint64        `mapstructure:"cache-capacity"`
	CacheTTL           time.Duration `mapstructure:"cache-ttl"`
	CacheSweepInterval time.Duration `mapstructure:"cache-sweep-interval"`

	LockTTL               time.Duration `mapstructure:"lock-ttl"`
	LockHeartbeatInterval time.Duration `mapstructure:"lock-heartbeat-interval"`
	LockReaperInterval    time.Duration `mapstructure:"lock-reaper-interval"`

	ConflictStrategy   conflict.Strategy `mapstructure:"conflict-strategy"`
	MaxManualConflicts int               `mapstructure:"max-manual-conflicts"`

	RemoteURL     string        `mapstructure:"remote-url"`
	RemoteTimeout time.Duration `mapstructure:"remote-timeout"`
	ProbeURL      string        `mapstructure:"probe-url"`
	ProbeInterval time.Duration `mapstructure:"probe-interval"`

	HealthPort        int    `mapstructure:"health-port"`
	HealthBindAddress string `mapstructure:"health-bind-address"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		StorePath:                "baton-offline.db",
		LogLevel:                 "info",
		LogFormat:                "json",
		LogOutput:                []string{"stderr"},
		LogMaxSizeMB:             10,
		LogMaxBackups:            10,
		MetricsInterval:          time.Minute,
		QueueMaxSize:             1000,
		QueueMaxDeadLetters:      100,
		QueueMaxRetries:          3,
		QueueRecentWindow:        30 * time.Second,
		DrainInterval:            30 * time.Second,
		RetryMaxAttempts:         3,
		RetryInitialDelay:        time.Second,
		RetryMaxDelay:            30 * time.Second,
		RetryBackoffFactor:       2,
		BreakerFailureThreshold:  5,
		BreakerRecoveryTimeout:   30 * time.Second,
		BreakerHalfOpenSuccesses: 3,
		CacheCapacity:            1000,
		CacheTTL:                 5 * time.Minute,
		CacheSweepInterval:       time.Minute,
		LockTTL:                  30 * time.Second,
		LockHeartbeatInterval:    10 * time.Second,
		LockReaperInterval:       time.Minute,
		ConflictStrategy:         conflict.Merge,
		MaxManualConflicts:       100,
		RemoteTimeout:            30 * time.Second,
		ProbeInterval:            15 * time.Second,
		HealthBindAddress:        "127.0.0.1",
	}
}

// DefineFlags registers a persistent flag for every configuration key.
func DefineFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("store-path", d.StorePath, "Path of the SQLite database shared by every execution context ($BATON_OFFLINE_STORE_PATH)")
	fs.String("holder-id", d.HolderID, "Lock holder id of this execution context, random when empty ($BATON_OFFLINE_HOLDER_ID)")
	fs.String("log-level", d.LogLevel, "The log level: debug, info, warn, error ($BATON_OFFLINE_LOG_LEVEL)")
	fs.String("log-format", d.LogFormat, "The output format for logs: json, console ($BATON_OFFLINE_LOG_FORMAT)")
	fs.StringSlice("log-output", d.LogOutput, "Log destinations: stdout, stderr or file paths ($BATON_OFFLINE_LOG_OUTPUT)")
	fs.Int("log-max-size-mb", d.LogMaxSizeMB, "Size in megabytes at which a log file is rotated")
	fs.Int("log-max-backups", d.LogMaxBackups, "Rotated log files kept per output")
	fs.Int("log-max-age-days", d.LogMaxAgeDays, "Days rotated log files are kept, 0 to keep them by count only")

	fs.String("metrics-output", d.MetricsOutput, "Where to export metrics as JSON: stdout, stderr or a file path, empty to disable")
	fs.Duration("metrics-interval", d.MetricsInterval, "Period of the metrics export")

	fs.Int("queue-max-size", d.QueueMaxSize, "Maximum number of queued operations before eviction")
	fs.Int("queue-max-dead-letters", d.QueueMaxDeadLetters, "Maximum number of dead-lettered operations kept")
	fs.Int("queue-max-retries", d.QueueMaxRetries, "Failed drain attempts before an operation is dead-lettered")
	fs.Duration("queue-recent-window", d.QueueRecentWindow, "How long a completed operation suppresses identical enqueues")
	fs.Duration("drain-interval", d.DrainInterval, "Period of the background queue drain")
	fs.Int("drain-rate", d.DrainRate, "Maximum executed operations per second while draining, 0 for unlimited")

	fs.Uint("retry-max-attempts", d.RetryMaxAttempts, "Attempts per execution")
	fs.Duration("retry-initial-delay", d.RetryInitialDelay, "Delay before the second attempt")
	fs.Duration("retry-max-delay", d.RetryMaxDelay, "Upper bound of the backoff delay")
	fs.Float64("retry-backoff-factor", d.RetryBackoffFactor, "Multiplier applied to the delay after every attempt")
	fs.Duration("retry-timeout", d.RetryTimeout, "Per-attempt timeout, 0 for none")

	fs.Uint("breaker-failure-threshold", d.BreakerFailureThreshold, "Consecutive failures that open a circuit")
	fs.Duration("breaker-recovery-timeout", d.BreakerRecoveryTimeout, "How long an open circuit rejects calls")
	fs.Uint("breaker-half-open-successes", d.BreakerHalfOpenSuccesses, "Successes in half-open state that close a circuit")

	fs.Uint64("cache-capacity", d.CacheCapacity, "Entries kept in the in-memory cache tier")
	fs.Duration("cache-ttl", d.CacheTTL, "Default cache entry lifetime")
	fs.Duration("cache-sweep-interval", d.CacheSweepInterval, "Period of the durable cache sweep")

	fs.Duration("lock-ttl", d.LockTTL, "Lease duration of sync locks")
	fs.Duration("lock-heartbeat-interval", d.LockHeartbeatInterval, "Period of lease renewal for held locks")
	fs.Duration("lock-reaper-interval", d.LockReaperInterval, "Period of expired lock cleanup")

	fs.String("conflict-strategy", string(d.ConflictStrategy), "Default conflict strategy: client-wins, server-wins, newest-wins, merge, manual")
	fs.Int("max-manual-conflicts", d.MaxManualConflicts, "Conflicts kept for manual review")

	fs.String("remote-url", d.RemoteURL, "Base URL of the remote REST API ($BATON_OFFLINE_REMOTE_URL)")
	fs.Duration("remote-timeout", d.RemoteTimeout, "Timeout of requests to the remote API")
	fs.String("probe-url", d.ProbeURL, "URL polled to detect connectivity, defaults to the remote URL")
	fs.Duration("probe-interval", d.ProbeInterval, "Period of the connectivity probe")

	fs.Int("health-port", d.HealthPort, "Port of the health and status server, 0 to disable")
	fs.String("health-bind-address", d.HealthBindAddress, "Bind address of the health and status server")
}

// NewViper returns a viper instance reading baton-offline.yaml (or the file named by
// BATON_OFFLINE_CONFIG_PATH) and BATON_OFFLINE_* environment variables.
func NewViper() (*viper.Viper, error) {
	v := viper.New()

	f, err := resolveConfigFile(os.Getenv(configPathEnv))
	if err != nil {
		return nil, err
	}
	v.SetConfigType(f.typ)
	v.SetConfigName(f.name)
	v.AddConfigPath(f.dir)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v, nil
}

// Load decodes v on top of the defaults and validates the result.
func Load(v *viper.Viper) (*Config, error) {
	cfg := Default()
	if err := v.Unmarshal(&cfg, viper.DecodeHook(ComposeDecodeHookFunc())); err != nil {
		return nil, fmt.Errorf("config: decoding: %w", err)
	}
	if cfg.ProbeURL == "" {
		cfg.ProbeURL = cfg.RemoteURL
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Decode decodes a raw map, such as one read from a YAML file, on top of the defaults.
func Decode(raw map[string]any) (*Config, error) {
	cfg := Default()
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       ComposeDecodeHookFunc(),
		WeaklyTypedInput: true,
		Result:           &cfg,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(raw); err != nil {
		return nil, fmt.Errorf("config: decoding: %w", err)
	}
	if cfg.ProbeURL == "" {
		cfg.ProbeURL = cfg.RemoteURL
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
