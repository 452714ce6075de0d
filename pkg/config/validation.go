package config

import (
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strings"

	"go.uber.org/zap/zapcore"

	"github.com/conductorone/baton-offline/pkg/logging"
)

type ConfigurationError struct {
	errs []error
}

func (c *ConfigurationError) Error() string {
	amount := len(c.errs)
	var errstrings []string
	for _, err := range c.errs {
		errstrings = append(errstrings, err.Error())
	}

	return fmt.Sprintf("found %d error(s) in the configuration:\n%s", amount, strings.Join(errstrings, "\n"))
}

func (c *ConfigurationError) PushError(err error) {
	if err != nil {
		c.errs = append(c.errs, err)
	}
}

func (c *ConfigurationError) Unwrap() []error {
	return c.errs
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	errorsFound := &ConfigurationError{}

	if c.StorePath == "" {
		errorsFound.PushError(fmt.Errorf("store-path is required"))
	}
	switch c.LogFormat {
	case logging.LogFormatJSON, logging.LogFormatConsole:
	default:
		errorsFound.PushError(fmt.Errorf("log-format must be %q or %q, got %q", logging.LogFormatJSON, logging.LogFormatConsole, c.LogFormat))
	}

	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		errorsFound.PushError(fmt.Errorf("log-level: %w", err))
	}
	if c.LogMaxBackups < 0 || c.LogMaxAgeDays < 0 {
		errorsFound.PushError(fmt.Errorf("log-max-backups and log-max-age-days must not be negative"))
	}

	positive := map[string]int64{
		"log-max-size-mb":             int64(c.LogMaxSizeMB),
		"queue-max-size":              int64(c.QueueMaxSize),
		"queue-max-dead-letters":      int64(c.QueueMaxDeadLetters),
		"queue-max-retries":           int64(c.QueueMaxRetries),
		"retry-max-attempts":          int64(c.RetryMaxAttempts),
		"breaker-failure-threshold":   int64(c.BreakerFailureThreshold),
		"breaker-half-open-successes": int64(c.BreakerHalfOpenSuccesses),
		"cache-capacity":              int64(c.CacheCapacity),
		"max-manual-conflicts":        int64(c.MaxManualConflicts),
		"drain-interval":              int64(c.DrainInterval),
		"lock-ttl":                    int64(c.LockTTL),
		"lock-heartbeat-interval":     int64(c.LockHeartbeatInterval),
		"lock-reaper-interval":        int64(c.LockReaperInterval),
		"cache-sweep-interval":        int64(c.CacheSweepInterval),
	}
	for _, name := range slices.Sorted(maps.Keys(positive)) {
		if positive[name] <= 0 {
			errorsFound.PushError(fmt.Errorf("%s must be positive", name))
		}
	}
	if c.DrainRate < 0 {
		errorsFound.PushError(fmt.Errorf("drain-rate must not be negative"))
	}
	if c.RetryBackoffFactor < 1 {
		errorsFound.PushError(fmt.Errorf("retry-backoff-factor must be at least 1"))
	}
	if c.LockHeartbeatInterval >= c.LockTTL {
		errorsFound.PushError(fmt.Errorf("lock-heartbeat-interval (%s) must be shorter than lock-ttl (%s)", c.LockHeartbeatInterval, c.LockTTL))
	}
	if c.HealthPort < 0 || c.HealthPort > 65535 {
		errorsFound.PushError(fmt.Errorf("health-port must be between 0 and 65535"))
	}
	for _, f := range []struct{ name, raw string }{{"remote-url", c.RemoteURL}, {"probe-url", c.ProbeURL}} {
		name, raw := f.name, f.raw
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errorsFound.PushError(fmt.Errorf("%s must be an absolute http(s) url, got %q", name, raw))
		}
	}

	if len(errorsFound.errs) > 0 {
		return errorsFound
	}
	return nil
}
