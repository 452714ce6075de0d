package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/conductorone/baton-offline/pkg/cache"
	"github.com/conductorone/baton-offline/pkg/conflict"
	"github.com/conductorone/baton-offline/pkg/connectivity"
	"github.com/conductorone/baton-offline/pkg/lock"
	"github.com/conductorone/baton-offline/pkg/metrics"
	"github.com/conductorone/baton-offline/pkg/queue"
	"github.com/conductorone/baton-offline/pkg/retry"
	"github.com/conductorone/baton-offline/pkg/store"
)

var tracer = otel.Tracer("baton-offline/orchestrator")

var ErrClosed = errors.New("orchestrator: closed")

const (
	defaultDrainInterval     = 30 * time.Second
	defaultLockTTL           = 30 * time.Second
	defaultHeartbeatInterval = 10 * time.Second
	defaultReaperInterval    = time.Minute
	defaultBaseTTL           = 24 * time.Hour
)

// Deps are the capabilities the orchestrator needs from its environment.
type Deps struct {
	Store        store.Store
	Executor     queue.Executor
	Connectivity connectivity.Source
	// Metrics is optional.
	Metrics *metrics.M
}

// Orchestrator ties the queue, retryer, breakers, locks, conflict resolver and cache of one
// execution context together.
type Orchestrator struct {
	store    store.Store
	now      func() time.Time
	conn     connectivity.Source
	metrics  *metrics.M
	breakers *retry.Breakers
	retryer  *retry.Retryer
	queue    *queue.Queue
	locks    *lock.Coordinator
	resolver *conflict.Resolver
	cache    *cache.Cache

	defaultStrategy   conflict.Strategy
	optimisticMerge   bool
	drainInterval     time.Duration
	lockTTL           time.Duration
	heartbeatInterval time.Duration
	reaperInterval    time.Duration
	baseTTL           time.Duration

	kick chan struct{}

	mu          sync.Mutex
	initialized bool
	closed      bool
	cancel      context.CancelFunc
	group       *errgroup.Group
	unsubscribe func()
	cleanupErr  error
}

type settings struct {
	holderID           string
	now                func() time.Time
	retryConfig        retry.RetryConfig
	retryOpts          []retry.Option
	breakerConfig      retry.BreakerConfig
	queueOpts          []queue.Option
	cacheOpts          []cache.Option
	maxManualConflicts int
	maxOperations      int

	defaultStrategy   conflict.Strategy
	optimisticMerge   bool
	drainInterval     time.Duration
	lockTTL           time.Duration
	heartbeatInterval time.Duration
	reaperInterval    time.Duration
	baseTTL           time.Duration
}

type Option func(*settings)

func WithHolderID(id string) Option {
	return func(s *settings) {
		s.holderID = id
	}
}

// WithClock sets the clock of every component.
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		s.now = now
	}
}

func WithRetryConfig(cfg retry.RetryConfig, opts ...retry.Option) Option {
	return func(s *settings) {
		s.retryConfig = cfg
		s.retryOpts = append(s.retryOpts, opts...)
	}
}

func WithBreakerConfig(cfg retry.BreakerConfig) Option {
	return func(s *settings) {
		s.breakerConfig = cfg
	}
}

func WithQueueOptions(opts ...queue.Option) Option {
	return func(s *settings) {
		s.queueOpts = append(s.queueOpts, opts...)
	}
}

func WithCacheOptions(opts ...cache.Option) Option {
	return func(s *settings) {
		s.cacheOpts = append(s.cacheOpts, opts...)
	}
}

func WithMaxManualConflicts(n int) Option {
	return func(s *settings) {
		s.maxManualConflicts = n
	}
}

func WithMaxOperations(n int) Option {
	return func(s *settings) {
		s.maxOperations = n
	}
}

// WithDefaultStrategy sets the conflict strategy for items that do not name one.
func WithDefaultStrategy(st conflict.Strategy) Option {
	return func(s *settings) {
		s.defaultStrategy = st
	}
}

// WithOptimisticMerge controls what happens when a merge leaves unresolved field conflicts.
// When true (the default) the best-effort merge is applied; otherwise the conflict goes to
// manual review.
func WithOptimisticMerge(b bool) Option {
	return func(s *settings) {
		s.optimisticMerge = b
	}
}

func WithDrainInterval(d time.Duration) Option {
	return func(s *settings) {
		s.drainInterval = d
	}
}

// WithLockTiming sets the lease TTL of guarded routines and the heartbeat and reaper periods.
func WithLockTiming(ttl, heartbeat, reaper time.Duration) Option {
	return func(s *settings) {
		s.lockTTL = ttl
		s.heartbeatInterval = heartbeat
		s.reaperInterval = reaper
	}
}

// WithBaseTTL sets how long the last known remote version of a resource is kept as the
// base for three-way merges.
func WithBaseTTL(d time.Duration) Option {
	return func(s *settings) {
		s.baseTTL = d
	}
}

func positive(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}

func New(deps Deps, opts ...Option) (*Orchestrator, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("orchestrator: store is required")
	}
	if deps.Executor == nil {
		return nil, fmt.Errorf("orchestrator: executor is required")
	}
	conn := deps.Connectivity
	if conn == nil {
		conn = connectivity.Always(true)
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.New(nil)
	}

	s := &settings{
		now:             time.Now,
		defaultStrategy: conflict.Merge,
		optimisticMerge: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	if _, err := conflict.ParseStrategy(string(s.defaultStrategy)); err != nil {
		return nil, err
	}

	o := &Orchestrator{
		store:             deps.Store,
		now:               s.now,
		conn:              conn,
		metrics:           m,
		defaultStrategy:   s.defaultStrategy,
		optimisticMerge:   s.optimisticMerge,
		drainInterval:     positive(s.drainInterval, defaultDrainInterval),
		lockTTL:           positive(s.lockTTL, defaultLockTTL),
		heartbeatInterval: positive(s.heartbeatInterval, defaultHeartbeatInterval),
		reaperInterval:    positive(s.reaperInterval, defaultReaperInterval),
		baseTTL:           positive(s.baseTTL, defaultBaseTTL),
		kick:              make(chan struct{}, 1),
	}

	o.breakers = retry.NewBreakers(s.breakerConfig,
		retry.WithClock(s.now),
		retry.WithTransitionFunc(o.onBreakerTransition),
	)
	retryOpts := append([]retry.Option{retry.WithBreakers(o.breakers)}, s.retryOpts...)
	o.retryer = retry.NewRetryer(context.Background(), s.retryConfig, retryOpts...)

	lockOpts := []lock.Option{lock.WithClock(s.now), lock.WithMetrics(m)}
	if s.maxOperations > 0 {
		lockOpts = append(lockOpts, lock.WithMaxOperations(s.maxOperations))
	}
	o.locks = lock.New(deps.Store, s.holderID, lockOpts...)

	resolverOpts := []conflict.Option{conflict.WithClock(s.now), conflict.WithMetrics(m)}
	if s.maxManualConflicts > 0 {
		resolverOpts = append(resolverOpts, conflict.WithMaxManualConflicts(s.maxManualConflicts))
	}
	o.resolver = conflict.New(deps.Store, resolverOpts...)

	cacheOpts := append([]cache.Option{cache.WithStore(deps.Store), cache.WithClock(s.now)}, s.cacheOpts...)
	o.cache = cache.New(cacheOpts...)

	queueOpts := append([]queue.Option{
		queue.WithRetryer(o.retryer),
		queue.WithOnline(conn.Online),
		queue.WithConflictHandler(queue.ConflictHandlerFunc(o.handleConflict)),
		queue.WithOnEnqueue(func(context.Context) { o.requestDrain() }),
		queue.WithOnExecuted(o.onExecuted),
		queue.WithMetrics(m),
		queue.WithClock(s.now),
	}, s.queueOpts...)
	q, err := queue.New(deps.Store, deps.Executor, queueOpts...)
	if err != nil {
		return nil, err
	}
	o.queue = q

	return o, nil
}

// Init starts the background loops: the connectivity listener, the periodic drain, lock
// heartbeats, the lock reaper and the cache sweep. Calling it again is a no-op. The loops
// stop when ctx is done or Cleanup is called.
func (o *Orchestrator) Init(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return ErrClosed
	}
	if o.initialized {
		return nil
	}

	l := ctxzap.Extract(ctx)
	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)

	o.unsubscribe = o.conn.Subscribe(func(online bool) {
		if online {
			l.Info("connectivity restored, draining queue")
			o.requestDrain()
			return
		}
		l.Info("connectivity lost, operations will be queued")
	})

	g.Go(func() error {
		o.drainLoop(gctx)
		return nil
	})
	g.Go(func() error {
		o.locks.RunHeartbeat(gctx, o.heartbeatInterval)
		return nil
	})
	g.Go(func() error {
		o.locks.RunReaper(gctx, o.reaperInterval)
		return nil
	})
	g.Go(func() error {
		o.cache.Run(gctx)
		return nil
	})

	o.cancel = cancel
	o.group = g
	o.initialized = true

	if o.conn.Online() {
		o.requestDrain()
	}

	l.Info("sync orchestrator initialized",
		zap.String("holder_id", o.locks.HolderID()),
		zap.Bool("online", o.conn.Online()),
	)
	return nil
}

func (o *Orchestrator) requestDrain() {
	select {
	case o.kick <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) drainLoop(ctx context.Context) {
	l := ctxzap.Extract(ctx)
	t := time.NewTicker(o.drainInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		case <-o.kick:
		}
		if !o.conn.Online() {
			continue
		}
		if _, err := o.ProcessQueue(ctx); err != nil && ctx.Err() == nil {
			l.Warn("background drain failed", zap.Error(err))
		}
	}
}

// Cleanup stops the background loops, releases every lock held by this execution context
// and stops the cache. Only the first call does any work.
func (o *Orchestrator) Cleanup(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		err := o.cleanupErr
		o.mu.Unlock()
		return err
	}
	o.closed = true
	cancel, group, unsubscribe := o.cancel, o.group, o.unsubscribe
	o.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
	var errs []error
	if group != nil {
		errs = append(errs, group.Wait())
	}
	o.queue.Close()
	o.cache.Close()
	if err := o.locks.ReleaseAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("orchestrator: releasing locks: %w", err))
	}

	err := errors.Join(errs...)
	o.mu.Lock()
	o.cleanupErr = err
	o.mu.Unlock()

	ctxzap.Extract(ctx).Info("sync orchestrator stopped", zap.Error(err))
	return err
}

func (o *Orchestrator) onBreakerTransition(ctx context.Context, key string, _, to retry.State) {
	o.metrics.RecordBreakerTransition(ctx, key, to.String())
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func (o *Orchestrator) Queue() *queue.Queue {
	return o.queue
}

func (o *Orchestrator) Locks() *lock.Coordinator {
	return o.locks
}

func (o *Orchestrator) Resolver() *conflict.Resolver {
	return o.resolver
}

func (o *Orchestrator) Cache() *cache.Cache {
	return o.cache
}

func (o *Orchestrator) Breakers() *retry.Breakers {
	return o.breakers
}
