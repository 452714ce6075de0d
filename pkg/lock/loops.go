package lock

import (
	"context"
	"errors"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"

	"github.com/conductorone/baton-offline/pkg/store"
)

// Reap deletes every expired lock record regardless of holder and returns how many it removed.
func (c *Coordinator) Reap(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "lock.Reap")
	defer span.End()

	prefix := store.Key(lockKeyPart, "")
	all, err := c.store.List(ctx, prefix)
	if err != nil {
		return 0, err
	}

	var errs []error
	cleared := 0
	for key := range all {
		var removed bool
		err := c.store.Update(ctx, key, func(cur []byte, found bool) ([]byte, error) {
			removed = false
			if !found {
				return nil, store.ErrNoChange
			}
			rec, err := decodeRecord(cur)
			if err == nil && !rec.expired(c.now()) {
				return nil, store.ErrNoChange
			}
			removed = true
			return nil, nil
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if removed {
			cleared++
		}
	}
	return cleared, errors.Join(errs...)
}

// RunReaper sweeps expired locks every interval until ctx is done.
func (c *Coordinator) RunReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	l := ctxzap.Extract(ctx)

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		cleared, err := c.Reap(ctx)
		if err != nil && ctx.Err() == nil {
			l.Warn("lock reaper sweep failed", zap.Error(err))
		}
		if cleared > 0 {
			l.Info("reaped expired locks", zap.Int("cleared", cleared))
		}

		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Heartbeat renews every lease this holder currently holds to now plus the TTL it was
// acquired with. Leases that were lost are forgotten and not re-acquired.
func (c *Coordinator) Heartbeat(ctx context.Context) error {
	var errs []error
	for _, lease := range c.Held() {
		ttl := lease.TTL
		renewed, err := c.renew(ctx, lease.Name, lease.Epoch, func(rec Record, now time.Time) time.Time {
			if ttl <= 0 {
				return rec.ExpiresAt
			}
			return now.Add(ttl)
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !renewed {
			ctxzap.Extract(ctx).Warn("lease lost before heartbeat",
				zap.String("lock", lease.Name),
				zap.Uint64("epoch", lease.Epoch),
			)
		}
	}
	return errors.Join(errs...)
}

// RunHeartbeat calls Heartbeat every interval until ctx is done.
func (c *Coordinator) RunHeartbeat(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	l := ctxzap.Extract(ctx)

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := c.Heartbeat(ctx); err != nil && ctx.Err() == nil {
				l.Warn("lock heartbeat failed", zap.Error(err))
			}
		}
	}
}

// ReleaseAll releases every lock this holder holds.
func (c *Coordinator) ReleaseAll(ctx context.Context) error {
	var errs []error
	for _, lease := range c.Held() {
		if err := c.Release(ctx, lease.Name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
