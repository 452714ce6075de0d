package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/conductorone/baton-offline/pkg/metrics"
	"github.com/conductorone/baton-offline/pkg/store"
)

var tracer = otel.Tracer("baton-offline/lock")

var (
	ErrInvalidLock = errors.New("lock: invalid lock request")
	ErrNotAcquired = errors.New("lock: held by another holder")
	// ErrNotOwner is logged when a holder touches a lock it does not own. It is never
	// returned from Release or Extend.
	ErrNotOwner = errors.New("lock: not owner")
	// ErrLeaseLost means the lease expired or was taken over since it was granted.
	ErrLeaseLost = errors.New("lock: lease lost")

	errNeedEpoch = errors.New("lock: epoch reservation required")
)

const (
	lockKeyPart  = "lock"
	epochKeyPart = "lock_epoch"

	defaultMaxOperations = 100
	maxAcquireRounds     = 4
)

// Record is the persisted lock row. At most one valid record exists per name.
type Record struct {
	Name       string            `json:"name"`
	HolderID   string            `json:"holderId"`
	AcquiredAt time.Time         `json:"acquiredAt"`
	ExpiresAt  time.Time         `json:"expiresAt"`
	Epoch      uint64            `json:"epoch"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (r Record) expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Lease is what a holder gets back from a successful acquisition. Epoch increases on every
// fresh acquisition of a name, so a holder can check with Validate that nobody took the
// lock over before it commits side effects.
type Lease struct {
	Name      string    `json:"name"`
	HolderID  string    `json:"holderId"`
	Epoch     uint64    `json:"epoch"`
	ExpiresAt time.Time `json:"expiresAt"`
	// TTL is the lifetime requested at acquisition. Heartbeats renew to now+TTL.
	TTL time.Duration `json:"ttl"`
}

type Coordinator struct {
	store    store.Store
	holderID string
	now      func() time.Time
	metrics  *metrics.M

	mu   sync.Mutex
	held map[string]Lease
	ops  *operationLog
}

type Option func(*Coordinator)

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

func WithMetrics(m *metrics.M) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithMaxOperations bounds the number of operation records kept in memory.
func WithMaxOperations(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.ops = newOperationLog(n)
		}
	}
}

// New returns a coordinator acting as holderID. An empty holderID gets a random UUID.
func New(s store.Store, holderID string, opts ...Option) *Coordinator {
	if holderID == "" {
		holderID = uuid.NewString()
	}
	c := &Coordinator{
		store:    s,
		holderID: holderID,
		now:      time.Now,
		metrics:  metrics.New(nil),
		held:     make(map[string]Lease),
		ops:      newOperationLog(defaultMaxOperations),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) HolderID() string {
	return c.holderID
}

func lockKey(name string) string {
	return store.Key(lockKeyPart, name)
}

func epochKey(name string) string {
	return store.Key(epochKeyPart, name)
}

func decodeRecord(b []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		return Record{}, fmt.Errorf("lock: corrupt record: %w", err)
	}
	return r, nil
}

func validate(name string, ttl time.Duration) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidLock)
	}
	if ttl <= 0 {
		return fmt.Errorf("%w: ttl must be > 0", ErrInvalidLock)
	}
	return nil
}

// Acquire tries to take name for ttl without blocking. A valid lock already held by this
// holder is renewed and keeps its epoch. A lock held by another holder returns false.
func (c *Coordinator) Acquire(ctx context.Context, name string, ttl time.Duration, meta map[string]string) (Lease, bool, error) {
	ctx, span := tracer.Start(ctx, "lock.Acquire")
	defer span.End()
	span.SetAttributes(attribute.String("lock", name))

	if err := validate(name, ttl); err != nil {
		return Lease{}, false, err
	}

	l := ctxzap.Extract(ctx).With(zap.String("lock", name), zap.String("holder_id", c.holderID))

	var reserved uint64
	for round := 0; round < maxAcquireRounds; round++ {
		var (
			lease    Lease
			acquired bool
			owner    string
		)
		err := c.store.Update(ctx, lockKey(name), func(cur []byte, found bool) ([]byte, error) {
			now := c.now()
			lease, acquired, owner = Lease{}, false, ""

			var rec Record
			if found {
				var err error
				rec, err = decodeRecord(cur)
				if err != nil {
					// Unreadable records are treated as free.
					found = false
				}
			}

			switch {
			case found && !rec.expired(now) && rec.HolderID == c.holderID:
				rec.ExpiresAt = now.Add(ttl)
				if meta != nil {
					rec.Metadata = meta
				}
			case found && !rec.expired(now):
				owner = rec.HolderID
				return nil, store.ErrNoChange
			default:
				if reserved == 0 {
					return nil, errNeedEpoch
				}
				rec = Record{
					Name:       name,
					HolderID:   c.holderID,
					AcquiredAt: now,
					ExpiresAt:  now.Add(ttl),
					Epoch:      reserved,
					Metadata:   meta,
				}
			}

			acquired = true
			lease = Lease{Name: name, HolderID: c.holderID, Epoch: rec.Epoch, ExpiresAt: rec.ExpiresAt, TTL: ttl}
			return json.Marshal(rec)
		})
		if errors.Is(err, errNeedEpoch) {
			reserved, err = c.nextEpoch(ctx, name)
			if err != nil {
				return Lease{}, false, err
			}
			continue
		}
		if err != nil {
			return Lease{}, false, fmt.Errorf("lock: acquire %s: %w", name, err)
		}

		c.metrics.RecordLockAcquire(ctx, name, acquired)
		if !acquired {
			l.Debug("lock held by another holder", zap.String("owner", owner))
			return Lease{}, false, nil
		}

		c.mu.Lock()
		c.held[name] = lease
		c.mu.Unlock()

		l.Debug("lock acquired", zap.Uint64("epoch", lease.Epoch), zap.Time("expires_at", lease.ExpiresAt))
		return lease, true, nil
	}

	return Lease{}, false, fmt.Errorf("lock: acquire %s: %w", name, store.ErrContention)
}

// nextEpoch reserves the next fencing epoch for name. Epochs live under their own key so
// they keep growing across releases and reaps.
func (c *Coordinator) nextEpoch(ctx context.Context, name string) (uint64, error) {
	var next uint64
	err := c.store.Update(ctx, epochKey(name), func(cur []byte, found bool) ([]byte, error) {
		var prev uint64
		if found {
			v, err := strconv.ParseUint(string(cur), 10, 64)
			if err == nil {
				prev = v
			}
		}
		next = prev + 1
		return []byte(strconv.FormatUint(next, 10)), nil
	})
	if err != nil {
		return 0, fmt.Errorf("lock: reserve epoch for %s: %w", name, err)
	}
	return next, nil
}

// AcquireWait polls Acquire every interval until it succeeds or ctx is done.
func (c *Coordinator) AcquireWait(ctx context.Context, name string, ttl time.Duration, interval time.Duration, meta map[string]string) (Lease, error) {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		lease, ok, err := c.Acquire(ctx, name, ttl, meta)
		if err != nil {
			return Lease{}, err
		}
		if ok {
			return lease, nil
		}
		select {
		case <-ctx.Done():
			return Lease{}, ctx.Err()
		case <-t.C:
		}
	}
}

// Release deletes name if this holder owns it. Releasing a lock owned by someone else is
// logged and ignored.
func (c *Coordinator) Release(ctx context.Context, name string) error {
	ctx, span := tracer.Start(ctx, "lock.Release")
	defer span.End()

	l := ctxzap.Extract(ctx).With(zap.String("lock", name), zap.String("holder_id", c.holderID))

	var owner string
	err := c.store.Update(ctx, lockKey(name), func(cur []byte, found bool) ([]byte, error) {
		owner = ""
		if !found {
			return nil, store.ErrNoChange
		}
		rec, err := decodeRecord(cur)
		if err != nil {
			return nil, store.ErrNoChange
		}
		if rec.HolderID != c.holderID {
			owner = rec.HolderID
			return nil, store.ErrNoChange
		}
		return nil, nil
	})

	c.mu.Lock()
	delete(c.held, name)
	c.mu.Unlock()

	if err != nil {
		return fmt.Errorf("lock: release %s: %w", name, err)
	}
	if owner != "" {
		l.Debug("ignoring release of lock owned by another holder", zap.String("owner", owner), zap.Error(ErrNotOwner))
		return nil
	}
	l.Debug("lock released")
	return nil
}

// Extend pushes the expiry of a valid lock owned by this holder out by additional.
// It returns false when the lock is not held by this holder.
func (c *Coordinator) Extend(ctx context.Context, name string, additional time.Duration) (bool, error) {
	if additional <= 0 {
		return false, fmt.Errorf("%w: extension must be > 0", ErrInvalidLock)
	}
	return c.renew(ctx, name, 0, func(rec Record, _ time.Time) time.Time {
		return rec.ExpiresAt.Add(additional)
	})
}

// renew rewrites the expiry of a valid record owned by this holder. A non-zero epoch must
// also match.
func (c *Coordinator) renew(ctx context.Context, name string, epoch uint64, expiry func(rec Record, now time.Time) time.Time) (bool, error) {
	l := ctxzap.Extract(ctx).With(zap.String("lock", name), zap.String("holder_id", c.holderID))

	var (
		lease   Lease
		renewed bool
		owner   string
	)
	err := c.store.Update(ctx, lockKey(name), func(cur []byte, found bool) ([]byte, error) {
		renewed, owner = false, ""
		if !found {
			return nil, store.ErrNoChange
		}
		rec, err := decodeRecord(cur)
		if err != nil {
			return nil, store.ErrNoChange
		}
		now := c.now()
		if rec.HolderID != c.holderID || rec.expired(now) || (epoch != 0 && rec.Epoch != epoch) {
			owner = rec.HolderID
			return nil, store.ErrNoChange
		}
		rec.ExpiresAt = expiry(rec, now)
		renewed = true
		lease = Lease{Name: name, HolderID: c.holderID, Epoch: rec.Epoch, ExpiresAt: rec.ExpiresAt}
		return json.Marshal(rec)
	})
	if err != nil {
		return false, fmt.Errorf("lock: renew %s: %w", name, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !renewed {
		delete(c.held, name)
		l.Debug("lock not renewed", zap.String("owner", owner), zap.Error(ErrNotOwner))
		return false, nil
	}
	lease.TTL = c.held[name].TTL
	c.held[name] = lease
	return true, nil
}

func (c *Coordinator) read(ctx context.Context, name string) (Record, bool, error) {
	b, found, err := c.store.Get(ctx, lockKey(name))
	if err != nil {
		return Record{}, false, fmt.Errorf("lock: read %s: %w", name, err)
	}
	if !found {
		return Record{}, false, nil
	}
	rec, err := decodeRecord(b)
	if err != nil {
		return Record{}, false, nil
	}
	return rec, true, nil
}

// IsLocked reports whether a valid record for name exists that belongs to another holder.
func (c *Coordinator) IsLocked(ctx context.Context, name string) (bool, error) {
	rec, found, err := c.read(ctx, name)
	if err != nil {
		return false, err
	}
	return found && !rec.expired(c.now()) && rec.HolderID != c.holderID, nil
}

// Validate returns ErrLeaseLost unless lease is still the current, unexpired grant for its name.
func (c *Coordinator) Validate(ctx context.Context, lease Lease) error {
	rec, found, err := c.read(ctx, lease.Name)
	if err != nil {
		return err
	}
	if !found || rec.expired(c.now()) || rec.HolderID != lease.HolderID || rec.Epoch != lease.Epoch {
		return fmt.Errorf("%w: %s (epoch %d)", ErrLeaseLost, lease.Name, lease.Epoch)
	}
	return nil
}

// Held returns the leases this coordinator believes it holds, sorted by name.
func (c *Coordinator) Held() []Lease {
	c.mu.Lock()
	defer c.mu.Unlock()
	ret := make([]Lease, 0, len(c.held))
	for _, lease := range c.held {
		ret = append(ret, lease)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Name < ret[j].Name })
	return ret
}

// Locks returns every valid lock record in the store, whoever holds it.
func (c *Coordinator) Locks(ctx context.Context) ([]Record, error) {
	prefix := store.Key(lockKeyPart, "")
	all, err := c.store.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("lock: list: %w", err)
	}
	now := c.now()
	ret := make([]Record, 0, len(all))
	for _, b := range all {
		rec, err := decodeRecord(b)
		if err != nil || rec.expired(now) {
			continue
		}
		ret = append(ret, rec)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Name < ret[j].Name })
	return ret, nil
}
