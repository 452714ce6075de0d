package cache

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/conductorone/baton-offline/pkg/store"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type task struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

func TestSetGet_TTL(t *testing.T) {
	ctx := context.Background()
	c := New()

	require.NoError(t, c.Set(ctx, "k", task{ID: "1", Title: "write tests"}, WithTTL(100*time.Millisecond)))

	var got task
	ok, err := c.Get(ctx, "k", &got)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "write tests", got.Title)

	time.Sleep(150 * time.Millisecond)

	ok, err = c.Get(ctx, "k", &got)
	require.NoError(t, err)
	require.False(t, ok)

	stats := c.Stats()
	require.Equal(t, uint64(1), stats.Hits)
	require.Equal(t, uint64(1), stats.Misses)
}

func TestGet_VersionMismatchEvicts(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	c := New(WithStore(s))

	require.NoError(t, c.Set(ctx, "task:1", task{ID: "1"}, WithVersion("v1"), Persistent()))

	ok, err := c.Get(ctx, "task:1", nil, WithExpectedVersion("v1"))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.Get(ctx, "task:1", nil, WithExpectedVersion("v2"))
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = c.Get(ctx, "task:1", nil)
	require.NoError(t, err)
	require.False(t, ok, "mismatched entry was evicted from both tiers")
	require.Equal(t, uint64(1), c.Stats().Evictions)
}

func TestCapacity_EvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	c := New(WithCapacity(2))

	require.NoError(t, c.Set(ctx, "a", 1))
	require.NoError(t, c.Set(ctx, "b", 2))

	ok, err := c.Get(ctx, "a", nil)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, c.Set(ctx, "c", 3))

	ok, err = c.Get(ctx, "b", nil)
	require.NoError(t, err)
	require.False(t, ok)
	for _, k := range []string{"a", "c"} {
		ok, err = c.Get(ctx, k, nil)
		require.NoError(t, err)
		require.True(t, ok, k)
	}
	require.Equal(t, 2, c.Stats().Size)
	// Eviction callbacks run asynchronously.
	require.Eventually(t, func() bool {
		return c.Stats().Evictions == 1
	}, time.Second, 5*time.Millisecond)
}

func TestPersistent_ReadThrough(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: time.Now()}
	s := store.NewMemory()

	first := New(WithStore(s), WithClock(clock.Now))
	require.NoError(t, first.Set(ctx, "task:1", task{ID: "1", Title: "durable"}, Persistent(), WithTTL(time.Hour)))
	require.NoError(t, first.Set(ctx, "task:2", task{ID: "2", Title: "memory only"}))

	second := New(WithStore(s), WithClock(clock.Now))
	var got task
	ok, err := second.Get(ctx, "task:1", &got)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "durable", got.Title)
	require.Equal(t, 1, second.Stats().Size, "read-through repopulates the fast tier")

	ok, err = second.Get(ctx, "task:2", &got)
	require.NoError(t, err)
	require.False(t, ok)

	e, ok, err := second.Entry(ctx, "task:1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(1), e.AccessCount)
	require.True(t, e.Persistent)

	// Durable expiry is judged by the injected clock.
	clock.Advance(2 * time.Hour)
	third := New(WithStore(s), WithClock(clock.Now))
	ok, err = third.Get(ctx, "task:1", nil)
	require.NoError(t, err)
	require.False(t, ok)
	_, found, err := s.Get(ctx, durableKey("task:1"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestSet_NonPersistentDropsDurableCopy(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	c := New(WithStore(s))

	require.NoError(t, c.Set(ctx, "k", "old", Persistent()))
	require.NoError(t, c.Set(ctx, "k", "new"))

	_, found, err := s.Get(ctx, durableKey("k"))
	require.NoError(t, err)
	require.False(t, found)

	var got string
	ok, err := c.Get(ctx, "k", &got)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "new", got)
}

func TestSet_RawJSON(t *testing.T) {
	ctx := context.Background()
	c := New()
	require.NoError(t, c.Set(ctx, "raw", json.RawMessage(`{"id":"9"}`)))
	require.Error(t, c.Set(ctx, "raw", json.RawMessage(`{`)))
	require.ErrorIs(t, c.Set(ctx, " ", 1), ErrInvalidKey)

	var got task
	ok, err := c.Get(ctx, "raw", &got)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "9", got.ID)
}

func TestInvalidateAndClear(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	c := New(WithStore(s))

	require.NoError(t, c.Set(ctx, "task:1", 1, Persistent()))
	require.NoError(t, c.Set(ctx, "task:2", 2))
	require.NoError(t, c.Set(ctx, "project:1", 3, Persistent()))

	// Only present in the durable tier.
	other := New(WithStore(s))
	require.NoError(t, other.Set(ctx, "task:3", 4, Persistent()))

	removed, err := c.Invalidate(ctx, "task:")
	require.NoError(t, err)
	require.Equal(t, 3, removed)

	ok, err := c.Get(ctx, "project:1", nil)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, c.Clear(ctx))
	require.Equal(t, 0, c.Stats().Size)
	all, err := s.List(ctx, store.KeyPrefix)
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestRunAndClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := New(WithSweepInterval(10 * time.Millisecond))
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()

	require.NoError(t, c.Set(ctx, "k", 1, WithTTL(20*time.Millisecond)))
	require.Eventually(t, func() bool {
		return c.Stats().Size == 0
	}, time.Second, 10*time.Millisecond)

	c.Close()
	c.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Close")
	}
}
