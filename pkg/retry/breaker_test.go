package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRetryer(t *testing.T, clock *fakeClock) (*Retryer, *Breakers, *[]State) {
	t.Helper()
	var transitions []State
	breakers := NewBreakers(BreakerConfig{}, WithClock(clock.Now), WithTransitionFunc(func(_ context.Context, _ string, _ State, to State) {
		transitions = append(transitions, to)
	}))
	r := NewRetryer(context.Background(), RetryConfig{MaxAttempts: 1}, WithBreakers(breakers))
	return r, breakers, &transitions
}

func fail(context.Context) (int, error) { return 0, errors.New("unavailable") }
func succeed(context.Context) (int, error) { return 1, nil }

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	r, breakers, transitions := newTestRetryer(t, clock)

	for i := 0; i < 4; i++ {
		_, err := Do(ctx, r, "activity", fail)
		require.Error(t, err)
		require.NotErrorIs(t, err, ErrCircuitOpen)
	}
	require.Equal(t, StateClosed, breakers.Get("activity").Snapshot().State)

	_, err := Do(ctx, r, "activity", fail)
	require.Error(t, err)
	require.Equal(t, StateOpen, breakers.Get("activity").Snapshot().State)
	require.Equal(t, []State{StateOpen}, *transitions)

	invoked := false
	_, err = Do(ctx, r, "activity", func(context.Context) (int, error) {
		invoked = true
		return 1, nil
	})
	require.ErrorIs(t, err, ErrCircuitOpen)
	require.False(t, invoked, "open circuit must not invoke the operation")

	// other classes are unaffected
	_, err = Do(ctx, r, "dog", succeed)
	require.NoError(t, err)
}

func TestBreaker_SuccessResetsConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	r, breakers, _ := newTestRetryer(t, clock)

	for i := 0; i < 4; i++ {
		_, _ = Do(ctx, r, "activity", fail)
	}
	_, err := Do(ctx, r, "activity", succeed)
	require.NoError(t, err)
	require.Equal(t, uint(0), breakers.Get("activity").Snapshot().ConsecutiveFailures)

	_, _ = Do(ctx, r, "activity", fail)
	require.Equal(t, StateClosed, breakers.Get("activity").Snapshot().State)
}

func TestBreaker_HalfOpenClosesAfterThreeSuccesses(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	r, breakers, transitions := newTestRetryer(t, clock)

	for i := 0; i < 5; i++ {
		_, _ = Do(ctx, r, "activity", fail)
	}
	clock.Advance(29 * time.Second)
	_, err := Do(ctx, r, "activity", succeed)
	require.ErrorIs(t, err, ErrCircuitOpen)

	clock.Advance(time.Second)
	_, err = Do(ctx, r, "activity", succeed)
	require.NoError(t, err)
	require.Equal(t, StateHalfOpen, breakers.Get("activity").Snapshot().State)

	_, err = Do(ctx, r, "activity", succeed)
	require.NoError(t, err)
	require.Equal(t, StateHalfOpen, breakers.Get("activity").Snapshot().State)

	_, err = Do(ctx, r, "activity", succeed)
	require.NoError(t, err)
	snap := breakers.Get("activity").Snapshot()
	require.Equal(t, StateClosed, snap.State)
	require.Equal(t, uint(0), snap.ConsecutiveFailures)
	require.Equal(t, []State{StateOpen, StateHalfOpen, StateClosed}, *transitions)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	r, breakers, _ := newTestRetryer(t, clock)

	for i := 0; i < 5; i++ {
		_, _ = Do(ctx, r, "activity", fail)
	}
	clock.Advance(30 * time.Second)
	_, err := Do(ctx, r, "activity", succeed)
	require.NoError(t, err)
	_, err = Do(ctx, r, "activity", fail)
	require.Error(t, err)
	require.Equal(t, StateOpen, breakers.Get("activity").Snapshot().State)

	_, err = Do(ctx, r, "activity", succeed)
	require.ErrorIs(t, err, ErrCircuitOpen)
}

func TestBreaker_PermanentErrorsDoNotTrip(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	r, breakers, _ := newTestRetryer(t, clock)

	for i := 0; i < 10; i++ {
		_, _ = Do(ctx, r, "activity", func(context.Context) (int, error) {
			return 0, Permanent(errors.New("invalid payload"))
		})
	}
	require.Equal(t, StateClosed, breakers.Get("activity").Snapshot().State)
}

func TestBreakers_StatesAndReset(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	r, breakers, _ := newTestRetryer(t, clock)

	_, _ = Do(ctx, r, "b", fail)
	_, _ = Do(ctx, r, "a", succeed)

	states := breakers.States()
	require.Len(t, states, 2)
	require.Equal(t, "a", states[0].Key)
	require.Equal(t, uint(1), states[1].ConsecutiveFailures)

	breakers.Reset("b")
	require.Equal(t, uint(0), breakers.Get("b").Snapshot().ConsecutiveFailures)
}
