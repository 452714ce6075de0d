package retry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"
)

// ErrCircuitOpen is returned without invoking the operation while a breaker is open.
var ErrCircuitOpen = errors.New("retry: circuit open")

// State is the state of a circuit breaker.
type State uint8

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

type BreakerConfig struct {
	FailureThreshold  uint          // Default is 5.
	RecoveryTimeout   time.Duration // Default is 30 seconds.
	HalfOpenSuccesses uint          // Default is 3.
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout == 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
	if c.HalfOpenSuccesses == 0 {
		c.HalfOpenSuccesses = 3
	}
	return c
}

// BreakerState is a point-in-time view of one breaker.
type BreakerState struct {
	Key                 string    `json:"key"`
	State               State     `json:"state"`
	ConsecutiveFailures uint      `json:"consecutiveFailures"`
	LastFailureAt       time.Time `json:"lastFailureAt,omitempty"`
	HalfOpenSuccesses   uint      `json:"halfOpenSuccesses"`
}

// TransitionFunc observes breaker state changes.
type TransitionFunc func(ctx context.Context, key string, from State, to State)

// Breaker isolates one class of operations. It is safe for concurrent use.
type Breaker struct {
	mu                  sync.Mutex
	key                 string
	cfg                 BreakerConfig
	now                 func() time.Time
	onTransition        TransitionFunc
	state               State
	consecutiveFailures uint
	lastFailureAt       time.Time
	halfOpenSuccesses   uint
}

func newBreaker(key string, cfg BreakerConfig, now func() time.Time, onTransition TransitionFunc) *Breaker {
	return &Breaker{
		key:          key,
		cfg:          cfg.withDefaults(),
		now:          now,
		onTransition: onTransition,
		state:        StateClosed,
	}
}

// Allow reports whether a call may proceed. An open breaker whose recovery timeout has
// elapsed moves to half-open and lets the call through.
func (b *Breaker) Allow(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return nil
	}
	if b.now().Sub(b.lastFailureAt) >= b.cfg.RecoveryTimeout {
		b.halfOpenSuccesses = 0
		b.transitionLocked(ctx, StateHalfOpen)
		return nil
	}
	return fmt.Errorf("%w: %s", ErrCircuitOpen, b.key)
}

func (b *Breaker) Success(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.consecutiveFailures = 0
	case StateHalfOpen:
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.HalfOpenSuccesses {
			b.consecutiveFailures = 0
			b.halfOpenSuccesses = 0
			b.transitionLocked(ctx, StateClosed)
		}
	case StateOpen:
	}
}

func (b *Breaker) Failure(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailureAt = b.now()
	b.consecutiveFailures++

	switch b.state {
	case StateClosed:
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.transitionLocked(ctx, StateOpen)
		}
	case StateHalfOpen:
		b.halfOpenSuccesses = 0
		b.transitionLocked(ctx, StateOpen)
	case StateOpen:
	}
}

func (b *Breaker) transitionLocked(ctx context.Context, to State) {
	from := b.state
	b.state = to
	ctxzap.Extract(ctx).Info("circuit breaker transition",
		zap.String("class_key", b.key),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
		zap.Uint("consecutive_failures", b.consecutiveFailures),
	)
	if b.onTransition != nil {
		b.onTransition(ctx, b.key, from, to)
	}
}

func (b *Breaker) Snapshot() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerState{
		Key:                 b.key,
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		LastFailureAt:       b.lastFailureAt,
		HalfOpenSuccesses:   b.halfOpenSuccesses,
	}
}

// Breakers is the registry of per-class breakers. Create one per process and share it.
type Breakers struct {
	mu           sync.Mutex
	cfg          BreakerConfig
	now          func() time.Time
	onTransition TransitionFunc
	breakers     map[string]*Breaker
}

type BreakersOption func(*Breakers)

func WithClock(now func() time.Time) BreakersOption {
	return func(b *Breakers) {
		b.now = now
	}
}

func WithTransitionFunc(fn TransitionFunc) BreakersOption {
	return func(b *Breakers) {
		b.onTransition = fn
	}
}

func NewBreakers(cfg BreakerConfig, opts ...BreakersOption) *Breakers {
	b := &Breakers{
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		breakers: make(map[string]*Breaker),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Get returns the breaker for key, creating a closed one on first use.
func (b *Breakers) Get(key string) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	br, ok := b.breakers[key]
	if !ok {
		br = newBreaker(key, b.cfg, b.now, b.onTransition)
		b.breakers[key] = br
	}
	return br
}

// States returns a snapshot of every breaker, sorted by key.
func (b *Breakers) States() []BreakerState {
	b.mu.Lock()
	all := make([]*Breaker, 0, len(b.breakers))
	for _, br := range b.breakers {
		all = append(all, br)
	}
	b.mu.Unlock()

	ret := make([]BreakerState, 0, len(all))
	for _, br := range all {
		ret = append(ret, br.Snapshot())
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Key < ret[j].Key })
	return ret
}

// Reset forgets the breaker for key, closing it.
func (b *Breakers) Reset(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.breakers, key)
}
