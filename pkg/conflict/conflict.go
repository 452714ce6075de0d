package conflict

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/conductorone/baton-offline/pkg/metrics"
	"github.com/conductorone/baton-offline/pkg/store"
)

var tracer = otel.Tracer("baton-offline/conflict")

var (
	ErrUnknownStrategy  = errors.New("conflict: unknown strategy")
	ErrConflictNotFound = errors.New("conflict: not found")
)

const defaultMaxManual = 100

type Strategy string

const (
	ClientWins Strategy = "client-wins"
	ServerWins Strategy = "server-wins"
	NewestWins Strategy = "newest-wins"
	Merge      Strategy = "merge"
	Manual     Strategy = "manual"
)

var strategies = []Strategy{ClientWins, ServerWins, NewestWins, Merge, Manual}

func (s Strategy) String() string {
	return string(s)
}

// ParseStrategy returns the strategy named s, or ErrUnknownStrategy.
func ParseStrategy(s string) (Strategy, error) {
	for _, st := range strategies {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
}

// Conflict is a local and a remote version of the same resource that diverged, with their
// common ancestor when it is known.
type Conflict struct {
	ID           string         `json:"id"`
	ResourceType string         `json:"resourceType"`
	Local        map[string]any `json:"local"`
	Remote       map[string]any `json:"remote"`
	Base         map[string]any `json:"base,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	OwnerIDs     []string       `json:"ownerIds,omitempty"`
}

// FieldConflict is a field both sides changed to different values. Resolution is the value
// the merge heuristics picked for it.
type FieldConflict struct {
	Path       string `json:"path"`
	Local      any    `json:"local,omitempty"`
	Remote     any    `json:"remote,omitempty"`
	Base       any    `json:"base,omitempty"`
	Resolution any    `json:"resolution,omitempty"`
}

type Result struct {
	Resolved             bool            `json:"resolved"`
	Data                 map[string]any  `json:"data,omitempty"`
	RequiresManualReview bool            `json:"requiresManualReview"`
	FieldConflicts       []FieldConflict `json:"fieldConflicts,omitempty"`
}

type Resolver struct {
	store     store.Store
	now       func() time.Time
	metrics   *metrics.M
	maxManual int
}

type Option func(*Resolver)

func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		r.now = now
	}
}

func WithMetrics(m *metrics.M) Option {
	return func(r *Resolver) {
		r.metrics = m
	}
}

// WithMaxManualConflicts caps the manual-review list. The oldest entries are dropped first.
func WithMaxManualConflicts(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.maxManual = n
		}
	}
}

// New returns a resolver. s holds the manual-review list and may be nil if the manual
// strategy is never used.
func New(s store.Store, opts ...Option) *Resolver {
	r := &Resolver{
		store:     s,
		now:       time.Now,
		metrics:   metrics.New(nil),
		maxManual: defaultMaxManual,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Resolver) Resolve(ctx context.Context, c Conflict, strategy Strategy) (Result, error) {
	ctx, span := tracer.Start(ctx, "conflict.Resolve")
	defer span.End()
	span.SetAttributes(
		attribute.String("strategy", string(strategy)),
		attribute.String("resource_type", c.ResourceType),
	)

	l := ctxzap.Extract(ctx).With(
		zap.String("conflict_id", c.ID),
		zap.String("resource_type", c.ResourceType),
		zap.Stringer("strategy", strategy),
	)

	var res Result
	switch strategy {
	case ClientWins:
		res = Result{Resolved: true, Data: c.Local}
	case ServerWins:
		res = Result{Resolved: true, Data: c.Remote}
	case NewestWins:
		res = Result{Resolved: true, Data: newest(c.Local, c.Remote)}
	case Merge:
		data, fields := merge(c.Base, c.Local, c.Remote, c.Base != nil, r.now())
		res = Result{Resolved: len(fields) == 0, Data: data, FieldConflicts: fields}
	case Manual:
		if err := r.addManual(ctx, c); err != nil {
			return Result{}, err
		}
		res = Result{RequiresManualReview: true}
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}

	r.metrics.RecordConflict(ctx, string(strategy), res.Resolved)
	if !res.Resolved {
		l.Info("conflict not resolved automatically",
			zap.Bool("requires_manual_review", res.RequiresManualReview),
			zap.Int("field_conflicts", len(res.FieldConflicts)),
		)
	} else {
		l.Debug("conflict resolved")
	}
	return res, nil
}

func manualKey() string {
	return store.Key("manual_conflicts")
}

func decodeConflicts(b []byte, found bool) ([]Conflict, error) {
	if !found || len(b) == 0 {
		return nil, nil
	}
	var ret []Conflict
	if err := json.Unmarshal(b, &ret); err != nil {
		return nil, fmt.Errorf("conflict: corrupt manual-review list: %w", err)
	}
	return ret, nil
}

func (r *Resolver) addManual(ctx context.Context, c Conflict) error {
	if r.store == nil {
		return errors.New("conflict: manual review requires a store")
	}
	if c.ID == "" {
		c.ID = ksuid.New().String()
	}
	if c.Timestamp.IsZero() {
		c.Timestamp = r.now()
	}

	dropped := 0
	err := r.store.Update(ctx, manualKey(), func(cur []byte, found bool) ([]byte, error) {
		list, err := decodeConflicts(cur, found)
		if err != nil {
			return nil, err
		}
		list = append(list, c)
		dropped = 0
		if over := len(list) - r.maxManual; over > 0 {
			dropped = over
			list = list[over:]
		}
		return json.Marshal(list)
	})
	if err != nil {
		return fmt.Errorf("conflict: persist manual review: %w", err)
	}
	if dropped > 0 {
		ctxzap.Extract(ctx).Warn("manual-review list full, dropped oldest conflicts", zap.Int("dropped", dropped))
	}
	return nil
}

// ManualConflicts returns the conflicts awaiting operator review, oldest first.
func (r *Resolver) ManualConflicts(ctx context.Context) ([]Conflict, error) {
	if r.store == nil {
		return nil, nil
	}
	b, found, err := r.store.Get(ctx, manualKey())
	if err != nil {
		return nil, err
	}
	return decodeConflicts(b, found)
}

// ManualConflict returns the stored conflict id.
func (r *Resolver) ManualConflict(ctx context.Context, id string) (Conflict, error) {
	list, err := r.ManualConflicts(ctx)
	if err != nil {
		return Conflict{}, err
	}
	for _, c := range list {
		if c.ID == id {
			return c, nil
		}
	}
	return Conflict{}, fmt.Errorf("%w: %s", ErrConflictNotFound, id)
}

// ResolveManualConflict applies strategy to the stored conflict id. The conflict stays on the
// review list until DismissManualConflict. Manual is not a valid choice here.
func (r *Resolver) ResolveManualConflict(ctx context.Context, id string, strategy Strategy) (Conflict, Result, error) {
	if strategy == Manual {
		return Conflict{}, Result{}, fmt.Errorf("%w: %q cannot settle a manual conflict", ErrUnknownStrategy, strategy)
	}
	if _, err := ParseStrategy(string(strategy)); err != nil {
		return Conflict{}, Result{}, err
	}
	chosen, err := r.ManualConflict(ctx, id)
	if err != nil {
		return Conflict{}, Result{}, err
	}

	res, err := r.Resolve(ctx, chosen, strategy)
	if err != nil {
		return Conflict{}, Result{}, err
	}
	// An operator decision settles the conflict even when fields were flagged.
	res.Resolved = true
	return chosen, res, nil
}

// DismissManualConflict removes conflict id from the review list.
func (r *Resolver) DismissManualConflict(ctx context.Context, id string) error {
	if r.store == nil {
		return fmt.Errorf("%w: %s", ErrConflictNotFound, id)
	}
	found := false
	err := r.store.Update(ctx, manualKey(), func(cur []byte, exists bool) ([]byte, error) {
		list, err := decodeConflicts(cur, exists)
		if err != nil {
			return nil, err
		}
		found = false
		kept := make([]Conflict, 0, len(list))
		for _, c := range list {
			if c.ID == id && !found {
				found = true
				continue
			}
			kept = append(kept, c)
		}
		if !found {
			return nil, store.ErrNoChange
		}
		return json.Marshal(kept)
	})
	if err != nil {
		return fmt.Errorf("conflict: dismiss %s: %w", id, err)
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrConflictNotFound, id)
	}
	return nil
}
