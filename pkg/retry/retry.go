package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("baton-offline/retry")

var (
	// ErrTimeout wraps the error of an attempt that exceeded RetryConfig.Timeout.
	ErrTimeout = errors.New("retry: attempt timed out")
)

const jitterFraction = 0.1

type permanentError struct {
	err error
}

func (p *permanentError) Error() string {
	return p.err.Error()
}

func (p *permanentError) Unwrap() error {
	return p.err
}

// Permanent marks err as not worth retrying. Permanent errors also leave circuit
// breakers untouched, since the dependency answered.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type Retryer struct {
	attempts uint
	config   RetryConfig
	breakers *Breakers
	sleep    func(ctx context.Context, d time.Duration) error
	jitter   func() float64
}

type RetryConfig struct {
	MaxAttempts   uint          // Default is 3.
	InitialDelay  time.Duration // Default is 1 second.
	MaxDelay      time.Duration // Default is 30 seconds.
	BackoffFactor float64       // Default is 2.
	Timeout       time.Duration // Per attempt. 0 means no timeout.
}

type Option func(*Retryer)

// WithBreakers routes every attempt with a class key through the registry's breakers.
func WithBreakers(b *Breakers) Option {
	return func(r *Retryer) {
		r.breakers = b
	}
}

// WithSleeper replaces the backoff sleep, mostly so tests do not have to wait.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Retryer) {
		r.sleep = sleep
	}
}

// WithJitter replaces the random source used for jitter. fn must return values in [0, 1).
func WithJitter(fn func() float64) Option {
	return func(r *Retryer) {
		r.jitter = fn
	}
}

func NewRetryer(ctx context.Context, config RetryConfig, opts ...Option) *Retryer {
	r := &Retryer{
		attempts: 0,
		config:   config,
		sleep:    sleepCtx,
		jitter:   rand.Float64,
	}
	if r.config.MaxAttempts == 0 {
		r.config.MaxAttempts = 3
	}
	if r.config.InitialDelay == 0 {
		r.config.InitialDelay = time.Second
	}
	if r.config.MaxDelay == 0 {
		r.config.MaxDelay = 30 * time.Second
	}
	if r.config.BackoffFactor < 1 {
		r.config.BackoffFactor = 2
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Retryer) Config() RetryConfig {
	return r.config
}

func (r *Retryer) Breakers() *Breakers {
	return r.breakers
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Backoff returns the delay to wait after the given (1-based) failed attempt, without jitter.
func (r *Retryer) Backoff(attempt uint) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(r.config.InitialDelay) * math.Pow(r.config.BackoffFactor, float64(attempt-1))
	if d > float64(r.config.MaxDelay) || math.IsInf(d, 0) {
		return r.config.MaxDelay
	}
	return time.Duration(d)
}

func (r *Retryer) withJitter(d time.Duration) time.Duration {
	return d + time.Duration(float64(d)*jitterFraction*r.jitter())
}

// Do runs op until it succeeds, the attempts are exhausted, the error is permanent, the
// circuit for classKey is open, or ctx is done. An empty classKey bypasses circuit breaking.
// The last error is returned.
func Do[T any](ctx context.Context, r *Retryer, classKey string, op func(context.Context) (T, error)) (T, error) {
	ctx, span := tracer.Start(ctx, "retry.Do")
	defer span.End()
	span.SetAttributes(attribute.String("class_key", classKey))

	l := ctxzap.Extract(ctx)

	var zero T
	var lastErr error
	for attempt := uint(1); ; attempt++ {
		v, err := runAttempt(ctx, r, classKey, op)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if errors.Is(err, ErrCircuitOpen) || IsPermanent(err) || ctx.Err() != nil {
			return zero, err
		}
		if attempt >= r.config.MaxAttempts {
			l.Debug("retry: attempts exhausted",
				zap.String("class_key", classKey),
				zap.Uint("max_attempts", r.config.MaxAttempts),
				zap.Error(err),
			)
			break
		}

		wait := r.withJitter(r.Backoff(attempt))
		l.Debug("retrying operation",
			zap.String("class_key", classKey),
			zap.Uint("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
		if err := r.sleep(ctx, wait); err != nil {
			return zero, errors.Join(lastErr, err)
		}
	}

	return zero, lastErr
}

type attemptResult[T any] struct {
	v   T
	err error
}

func runAttempt[T any](ctx context.Context, r *Retryer, classKey string, op func(context.Context) (T, error)) (T, error) {
	var zero T

	var b *Breaker
	if classKey != "" && r.breakers != nil {
		b = r.breakers.Get(classKey)
		if err := b.Allow(ctx); err != nil {
			return zero, err
		}
	}

	v, err := callWithTimeout(ctx, r.config.Timeout, op)

	if b != nil {
		switch {
		case err == nil:
			b.Success(ctx)
		case IsPermanent(err):
		case ctx.Err() != nil:
		default:
			b.Failure(ctx)
		}
	}
	return v, err
}

// callWithTimeout races op against timeout. op keeps running in the background if it
// ignores its context, but the caller is released when the timer fires.
func callWithTimeout[T any](ctx context.Context, timeout time.Duration, op func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return op(ctx)
	}

	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan attemptResult[T], 1)
	go func() {
		v, err := op(actx)
		done <- attemptResult[T]{v: v, err: err}
	}()

	var zero T
	select {
	case res := <-done:
		if res.err != nil && errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return zero, fmt.Errorf("%w after %s: %w", ErrTimeout, timeout, res.err)
		}
		return res.v, res.err
	case <-actx.Done():
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
}

// ShouldWaitAndRetry is the loop-style API: call it after every attempt with the attempt's
// error. It returns true (after waiting with linear backoff) if the caller should try again.
// A nil error resets the attempt count. A Retryer used this way is not safe for concurrent use.
func (r *Retryer) ShouldWaitAndRetry(ctx context.Context, err error) bool {
	ctx, span := tracer.Start(ctx, "retry.ShouldWaitAndRetry")
	defer span.End()

	if err == nil {
		r.attempts = 0
		return true
	}
	if IsPermanent(err) || errors.Is(err, context.Canceled) {
		return false
	}

	r.attempts++
	l := ctxzap.Extract(ctx)

	if r.attempts >= r.config.MaxAttempts {
		l.Warn("max attempts reached", zap.Error(err), zap.Uint("max_attempts", r.config.MaxAttempts))
		return false
	}

	// use linear backoff by default
	var wait time.Duration
	if r.attempts > math.MaxInt64 {
		wait = r.config.MaxDelay
	} else {
		wait = time.Duration(int64(r.attempts)) * r.config.InitialDelay
	}

	if wait > r.config.MaxDelay {
		wait = r.config.MaxDelay
	}

	l.Debug("waiting before retrying", zap.Error(err), zap.Duration("wait", wait))

	return r.sleep(ctx, wait) == nil
}
