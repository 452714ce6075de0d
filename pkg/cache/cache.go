package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"

	"github.com/conductorone/baton-offline/pkg/store"
)

const (
	defaultCapacity      = 1000
	defaultTTL           = 5 * time.Minute
	defaultSweepInterval = time.Minute

	keyPart = "cache"
)

var ErrInvalidKey = errors.New("cache: invalid key")

// Entry is a cached value with its bookkeeping.
type Entry struct {
	Data           json.RawMessage `json:"data"`
	WrittenAt      time.Time       `json:"writtenAt"`
	ExpiresAt      time.Time       `json:"expiresAt,omitempty"`
	AccessCount    uint64          `json:"accessCount"`
	LastAccessedAt time.Time       `json:"lastAccessedAt"`
	Version        string          `json:"version,omitempty"`
	Persistent     bool            `json:"persistent,omitempty"`
}

func (e *Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Size      int    `json:"size"`
}

// Cache is a two-tier cache: a bounded in-memory LRU with TTLs in front of an optional
// durable tier for entries written with Persistent.
type Cache struct {
	fast          *ttlcache.Cache[string, *Entry]
	store         store.Store
	defaultTTL    time.Duration
	sweepInterval time.Duration
	now           func() time.Time

	// guards Entry access bookkeeping
	mu sync.Mutex

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64

	runMu     sync.Mutex
	running   bool
	closing   chan struct{}
	closeOnce sync.Once
}

type config struct {
	capacity      uint64
	defaultTTL    time.Duration
	sweepInterval time.Duration
	store         store.Store
	now           func() time.Time
}

type Option func(*config)

// WithCapacity bounds the in-memory tier. The least recently used entry is evicted first.
func WithCapacity(n uint64) Option {
	return func(c *config) {
		if n > 0 {
			c.capacity = n
		}
	}
}

func WithDefaultTTL(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.defaultTTL = d
		}
	}
}

func WithSweepInterval(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.sweepInterval = d
		}
	}
}

// WithStore enables the durable tier.
func WithStore(s store.Store) Option {
	return func(c *config) {
		c.store = s
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *config) {
		c.now = now
	}
}

func New(opts ...Option) *Cache {
	cfg := &config{
		capacity:      defaultCapacity,
		defaultTTL:    defaultTTL,
		sweepInterval: defaultSweepInterval,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	c := &Cache{
		store:         cfg.store,
		defaultTTL:    cfg.defaultTTL,
		sweepInterval: cfg.sweepInterval,
		now:           cfg.now,
		closing:       make(chan struct{}),
	}
	c.fast = ttlcache.New[string, *Entry](
		ttlcache.WithTTL[string, *Entry](cfg.defaultTTL),
		ttlcache.WithCapacity[string, *Entry](cfg.capacity),
		ttlcache.WithDisableTouchOnHit[string, *Entry](),
	)
	c.fast.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, _ *ttlcache.Item[string, *Entry]) {
		if reason == ttlcache.EvictionReasonCapacityReached || reason == ttlcache.EvictionReasonExpired {
			c.evictions.Add(1)
		}
	})
	return c
}

func durableKey(key string) string {
	return store.Key(keyPart, key)
}

type setConfig struct {
	ttl        time.Duration
	persistent bool
	version    string
}

type SetOption func(*setConfig)

// WithTTL overrides the default TTL. A negative TTL never expires.
func WithTTL(d time.Duration) SetOption {
	return func(sc *setConfig) {
		sc.ttl = d
	}
}

// Persistent also writes the entry to the durable tier.
func Persistent() SetOption {
	return func(sc *setConfig) {
		sc.persistent = true
	}
}

func WithVersion(v string) SetOption {
	return func(sc *setConfig) {
		sc.version = v
	}
}

func (c *Cache) Set(ctx context.Context, key string, value any, opts ...SetOption) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidKey
	}
	sc := &setConfig{ttl: c.defaultTTL}
	for _, opt := range opts {
		opt(sc)
	}
	if sc.ttl == 0 {
		sc.ttl = c.defaultTTL
	}

	data, err := marshal(value)
	if err != nil {
		return fmt.Errorf("cache: encode %s: %w", key, err)
	}

	now := c.now()
	e := &Entry{
		Data:           data,
		WrittenAt:      now,
		LastAccessedAt: now,
		Version:        sc.version,
		Persistent:     sc.persistent,
	}
	ttl := ttlcache.NoTTL
	if sc.ttl > 0 {
		e.ExpiresAt = now.Add(sc.ttl)
		ttl = sc.ttl
	}
	c.fast.Set(key, e, ttl)

	if c.store == nil {
		return nil
	}
	if !sc.persistent {
		// Drop any durable copy so a read-through cannot resurrect the old value.
		return c.store.Delete(ctx, durableKey(key))
	}
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("cache: encode entry %s: %w", key, err)
	}
	return c.store.Set(ctx, durableKey(key), b)
}

func marshal(value any) (json.RawMessage, error) {
	switch v := value.(type) {
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, errors.New("invalid JSON")
		}
		return v, nil
	default:
		return json.Marshal(v)
	}
}

type getConfig struct {
	expectedVersion string
	checkVersion    bool
}

type GetOption func(*getConfig)

// WithExpectedVersion turns an entry with a different version into a miss and evicts it.
func WithExpectedVersion(v string) GetOption {
	return func(gc *getConfig) {
		gc.expectedVersion = v
		gc.checkVersion = true
	}
}

// Get decodes the entry for key into dst, which may be nil. It reports whether the key hit.
func (c *Cache) Get(ctx context.Context, key string, dst any, opts ...GetOption) (bool, error) {
	gc := &getConfig{}
	for _, opt := range opts {
		opt(gc)
	}

	e, err := c.lookup(ctx, key)
	if err != nil {
		return false, err
	}
	if e == nil {
		c.misses.Add(1)
		return false, nil
	}
	if gc.checkVersion && e.Version != gc.expectedVersion {
		ctxzap.Extract(ctx).Debug("cache entry version mismatch",
			zap.String("key", key),
			zap.String("version", e.Version),
			zap.String("expected_version", gc.expectedVersion),
		)
		c.evictions.Add(1)
		c.misses.Add(1)
		return false, c.Delete(ctx, key)
	}

	c.mu.Lock()
	e.AccessCount++
	e.LastAccessedAt = c.now()
	data := e.Data
	c.mu.Unlock()

	c.hits.Add(1)
	if dst == nil {
		return true, nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("cache: decode %s: %w", key, err)
	}
	return true, nil
}

// Entry returns a copy of the bookkeeping for key without counting a hit or a miss.
func (c *Cache) Entry(ctx context.Context, key string) (Entry, bool, error) {
	e, err := c.lookup(ctx, key)
	if err != nil || e == nil {
		return Entry{}, false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return *e, true, nil
}

// lookup reads the fast tier and falls back to the durable tier, repopulating the fast tier
// with the remaining TTL.
func (c *Cache) lookup(ctx context.Context, key string) (*Entry, error) {
	now := c.now()
	if item := c.fast.Get(key); item != nil {
		e := item.Value()
		if !e.expired(now) {
			return e, nil
		}
		c.fast.Delete(key)
		c.evictions.Add(1)
	}

	if c.store == nil {
		return nil, nil
	}
	b, found, err := c.store.Get(ctx, durableKey(key))
	if err != nil {
		return nil, fmt.Errorf("cache: read %s: %w", key, err)
	}
	if !found {
		return nil, nil
	}

	e := &Entry{}
	if err := json.Unmarshal(b, e); err != nil {
		ctxzap.Extract(ctx).Warn("dropping corrupt cache entry", zap.String("key", key), zap.Error(err))
		return nil, c.store.Delete(ctx, durableKey(key))
	}
	if e.expired(now) {
		c.evictions.Add(1)
		return nil, c.store.Delete(ctx, durableKey(key))
	}

	ttl := ttlcache.NoTTL
	if !e.ExpiresAt.IsZero() {
		ttl = e.ExpiresAt.Sub(now)
	}
	c.fast.Set(key, e, ttl)
	return e, nil
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	c.fast.Delete(key)
	if c.store == nil {
		return nil
	}
	return c.store.Delete(ctx, durableKey(key))
}

// Clear drops every entry from both tiers.
func (c *Cache) Clear(ctx context.Context) error {
	c.fast.DeleteAll()
	if c.store == nil {
		return nil
	}
	_, err := c.deleteDurable(ctx, "", nil)
	return err
}

// Invalidate drops every entry whose key starts with prefix and returns how many it removed.
func (c *Cache) Invalidate(ctx context.Context, prefix string) (int, error) {
	seen := make(map[string]struct{})
	for _, k := range c.fast.Keys() {
		if strings.HasPrefix(k, prefix) {
			c.fast.Delete(k)
			seen[durableKey(k)] = struct{}{}
		}
	}
	if c.store == nil {
		return len(seen), nil
	}
	n, err := c.deleteDurable(ctx, prefix, seen)
	return len(seen) + n, err
}

// deleteDurable deletes durable entries under prefix and counts the ones not in seen.
func (c *Cache) deleteDurable(ctx context.Context, prefix string, seen map[string]struct{}) (int, error) {
	all, err := c.store.List(ctx, durableKey(prefix))
	if err != nil {
		return 0, fmt.Errorf("cache: list durable entries: %w", err)
	}
	var errs []error
	n := 0
	for k := range all {
		if err := c.store.Delete(ctx, k); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, ok := seen[k]; !ok {
			n++
		}
	}
	return n, errors.Join(errs...)
}

// SweepExpired removes expired entries from the durable tier.
func (c *Cache) SweepExpired(ctx context.Context) (int, error) {
	c.fast.DeleteExpired()
	if c.store == nil {
		return 0, nil
	}
	all, err := c.store.List(ctx, durableKey(""))
	if err != nil {
		return 0, err
	}
	now := c.now()
	var errs []error
	removed := 0
	for k, b := range all {
		e := &Entry{}
		if err := json.Unmarshal(b, e); err == nil && !e.expired(now) {
			continue
		}
		if err := c.store.Delete(ctx, k); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	c.evictions.Add(uint64(removed))
	return removed, errors.Join(errs...)
}

func (c *Cache) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Size:      c.fast.Len(),
	}
}

// Run drives the in-memory expiry loop and sweeps the durable tier until ctx is done or
// Close is called.
func (c *Cache) Run(ctx context.Context) {
	c.runMu.Lock()
	if c.running {
		c.runMu.Unlock()
		return
	}
	c.running = true
	c.runMu.Unlock()

	l := ctxzap.Extract(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.fast.Start()
	}()
	defer func() {
		c.fast.Stop()
		<-done
		c.runMu.Lock()
		c.running = false
		c.runMu.Unlock()
	}()

	t := time.NewTicker(c.sweepInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closing:
			return
		case <-t.C:
			removed, err := c.SweepExpired(ctx)
			if err != nil {
				l.Warn("cache sweep failed", zap.Error(err))
			}
			if removed > 0 {
				l.Debug("swept expired cache entries", zap.Int("removed", removed))
			}
		}
	}
}

// Close stops Run. It is safe to call more than once.
func (c *Cache) Close() {
	c.closeOnce.Do(func() {
		close(c.closing)
	})
}
