package connectivity

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"

	"github.com/conductorone/baton-offline/pkg/uhttp"
)

const (
	defaultProbeInterval = 15 * time.Second
	defaultProbeTimeout  = 5 * time.Second
)

// Prober is a Source that polls an HTTP endpoint. Any response below 500 counts as online.
type Prober struct {
	*broadcaster

	target    *url.URL
	client    *uhttp.BaseHttpClient
	interval  time.Duration
	threshold int

	probeMu  sync.Mutex
	failures int
}

type ProberOption func(*Prober)

func WithInterval(d time.Duration) ProberOption {
	return func(p *Prober) {
		if d > 0 {
			p.interval = d
		}
	}
}

func WithHTTPClient(c *http.Client) ProberOption {
	return func(p *Prober) {
		p.client = uhttp.NewBaseHttpClient(c)
	}
}

// WithFailureThreshold sets how many consecutive failed probes flip the state to offline.
func WithFailureThreshold(n int) ProberOption {
	return func(p *Prober) {
		if n > 0 {
			p.threshold = n
		}
	}
}

// NewProber returns a Prober for rawURL. It starts offline until the first successful probe.
func NewProber(rawURL string, opts ...ProberOption) (*Prober, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("connectivity: invalid probe url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("connectivity: probe url must be http or https: %q", rawURL)
	}
	p := &Prober{
		broadcaster: newBroadcaster(false),
		target:      u,
		client:      uhttp.NewBaseHttpClient(uhttp.NewClient(defaultProbeTimeout)),
		interval:    defaultProbeInterval,
		threshold:   1,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Probe checks the endpoint once and updates the state.
func (p *Prober) Probe(ctx context.Context) bool {
	p.probeMu.Lock()
	defer p.probeMu.Unlock()

	l := ctxzap.Extract(ctx)
	err := p.check(ctx)
	if err == nil {
		p.failures = 0
		if p.set(true) {
			l.Info("remote reachable", zap.String("url", p.target.String()))
		}
		return true
	}

	p.failures++
	l.Debug("connectivity probe failed", zap.Error(err), zap.Int("consecutive_failures", p.failures))
	if p.failures >= p.threshold && p.set(false) {
		l.Warn("remote unreachable", zap.String("url", p.target.String()), zap.Error(err))
	}
	return p.Online()
}

func (p *Prober) check(ctx context.Context) error {
	req, err := p.client.NewRequest(ctx, http.MethodGet, p.target)
	if err != nil {
		return err
	}
	_, err = p.client.Do(req)
	if code := uhttp.StatusCode(err); code > 0 && code < http.StatusInternalServerError {
		return nil
	}
	return err
}

// Run probes immediately and then on every interval until ctx is done.
func (p *Prober) Run(ctx context.Context) error {
	p.Probe(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.Probe(ctx)
		}
	}
}
