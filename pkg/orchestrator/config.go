package orchestrator

import (
	"github.com/conductorone/baton-offline/pkg/cache"
	"github.com/conductorone/baton-offline/pkg/config"
	"github.com/conductorone/baton-offline/pkg/queue"
	"github.com/conductorone/baton-offline/pkg/retry"
)

// OptionsFromConfig translates a process configuration into orchestrator options.
func OptionsFromConfig(cfg *config.Config) []Option {
	queueOpts := []queue.Option{
		queue.WithMaxSize(cfg.QueueMaxSize),
		queue.WithMaxDeadLetters(cfg.QueueMaxDeadLetters),
		queue.WithDefaultMaxRetries(cfg.QueueMaxRetries),
		queue.WithRecentWindow(cfg.QueueRecentWindow),
	}
	if cfg.DrainRate > 0 {
		queueOpts = append(queueOpts, queue.WithRateLimit(cfg.DrainRate))
	}

	return []Option{
		WithHolderID(cfg.HolderID),
		WithRetryConfig(retry.RetryConfig{
			MaxAttempts:   cfg.RetryMaxAttempts,
			InitialDelay:  cfg.RetryInitialDelay,
			MaxDelay:      cfg.RetryMaxDelay,
			BackoffFactor: cfg.RetryBackoffFactor,
			Timeout:       cfg.RetryTimeout,
		}),
		WithBreakerConfig(retry.BreakerConfig{
			FailureThreshold:  cfg.BreakerFailureThreshold,
			RecoveryTimeout:   cfg.BreakerRecoveryTimeout,
			HalfOpenSuccesses: cfg.BreakerHalfOpenSuccesses,
		}),
		WithQueueOptions(queueOpts...),
		WithCacheOptions(
			cache.WithCapacity(cfg.CacheCapacity),
			cache.WithDefaultTTL(cfg.CacheTTL),
			cache.WithSweepInterval(cfg.CacheSweepInterval),
		),
		WithMaxManualConflicts(cfg.MaxManualConflicts),
		WithDefaultStrategy(cfg.ConflictStrategy),
		WithDrainInterval(cfg.DrainInterval),
		WithLockTiming(cfg.LockTTL, cfg.LockHeartbeatInterval, cfg.LockReaperInterval),
	}
}
