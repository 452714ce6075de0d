package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestManual(t *testing.T) {
	m := NewManual(false)
	require.False(t, m.Online())

	var mu sync.Mutex
	var seen []bool
	cancel := m.Subscribe(func(online bool) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, online)
	})

	m.Set(false)
	m.Set(true)
	m.Set(true)
	m.Set(false)
	require.Equal(t, []bool{true, false}, seen)

	cancel()
	cancel()
	m.Set(true)
	require.Len(t, seen, 2)
	require.True(t, m.Online())
}

func TestAlways(t *testing.T) {
	require.True(t, Always(true).Online())
	require.False(t, Always(false).Online())
	Always(true).Subscribe(func(bool) { t.Fatal("unexpected notification") })()
}

func TestProber(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	ctx := context.Background()
	p, err := NewProber(srv.URL, WithHTTPClient(srv.Client()), WithFailureThreshold(2))
	require.NoError(t, err)
	require.False(t, p.Online())

	var transitions []bool
	p.Subscribe(func(online bool) { transitions = append(transitions, online) })

	require.True(t, p.Probe(ctx))

	// Client errors still mean the remote answered.
	status.Store(http.StatusNotFound)
	require.True(t, p.Probe(ctx))

	status.Store(http.StatusBadGateway)
	require.True(t, p.Probe(ctx), "one failure is below the threshold")
	require.False(t, p.Probe(ctx))

	status.Store(http.StatusOK)
	require.True(t, p.Probe(ctx))
	require.Equal(t, []bool{true, false, true}, transitions)
}

func TestProberUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p, err := NewProber(url, WithHTTPClient(&http.Client{Timeout: time.Second}))
	require.NoError(t, err)
	require.False(t, p.Probe(context.Background()))
}

func TestProberRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p, err := NewProber(srv.URL, WithHTTPClient(srv.Client()), WithInterval(10*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, p.Online, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestNewProberInvalidURL(t *testing.T) {
	_, err := NewProber("ftp://example.com")
	require.Error(t, err)
	_, err = NewProber("://")
	require.Error(t, err)
}
