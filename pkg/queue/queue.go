package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"github.com/maypok86/otter/v2"
	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/ratelimit"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/conductorone/baton-offline/pkg/metrics"
	"github.com/conductorone/baton-offline/pkg/retry"
	"github.com/conductorone/baton-offline/pkg/store"
)

var tracer = otel.Tracer("baton-offline/queue")

var (
	ErrInvalidItem = errors.New("queue: invalid item")
	ErrNotFound    = errors.New("queue: item not found")
)

const (
	defaultMaxSize        = 1000
	defaultMaxDeadLetters = 100
	defaultMaxRetries     = 3
	defaultRecentWindow   = 30 * time.Second
	recentCapacity        = 10_000
)

type DrainResult struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
	Remaining int `json:"remaining"`
	Deferred  int `json:"deferred"`
	Conflicts int `json:"conflicts"`
}

// DrainReport describes the most recent drain pass.
type DrainReport struct {
	At     time.Time   `json:"at"`
	Result DrainResult `json:"result"`
	Error  string      `json:"error,omitempty"`
}

// Queue is a persisted, priority-ordered queue of mutations waiting to be executed
// against the remote system. Several Queues over the same store share one logical queue.
type Queue struct {
	store          store.Store
	executor       Executor
	retryer        *retry.Retryer
	online         func() bool
	conflicts      ConflictHandler
	onEnqueue      func(ctx context.Context)
	onExecuted     func(ctx context.Context, item Item, result json.RawMessage)
	metrics        *metrics.M
	now            func() time.Time
	maxSize        int
	maxDeadLetters int
	maxRetries     int
	limiter        ratelimit.Limiter
	recentWindow   time.Duration
	recent         *otter.Cache[string, struct{}]

	flight singleflight.Group

	mu        sync.Mutex
	timer     *time.Timer
	timerAt   time.Time
	closed    bool
	lastDrain *DrainReport
}

type Option func(*Queue)

// WithRetryer sets the retry policy and circuit breakers used for every execution.
func WithRetryer(r *retry.Retryer) Option {
	return func(q *Queue) {
		q.retryer = r
	}
}

// WithOnline sets the connectivity check. Without it the queue assumes it is online.
func WithOnline(fn func() bool) Option {
	return func(q *Queue) {
		q.online = fn
	}
}

func WithConflictHandler(h ConflictHandler) Option {
	return func(q *Queue) {
		q.conflicts = h
	}
}

// WithOnEnqueue is called after every accepted enqueue while online.
func WithOnEnqueue(fn func(ctx context.Context)) Option {
	return func(q *Queue) {
		q.onEnqueue = fn
	}
}

// WithOnExecuted is called after an item executed successfully and left the queue. result
// is what the executor returned, or the remote version when a conflict was discarded.
func WithOnExecuted(fn func(ctx context.Context, item Item, result json.RawMessage)) Option {
	return func(q *Queue) {
		q.onExecuted = fn
	}
}

func WithMetrics(m *metrics.M) Option {
	return func(q *Queue) {
		q.metrics = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

func WithMaxSize(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxSize = n
		}
	}
}

func WithMaxDeadLetters(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxDeadLetters = n
		}
	}
}

// WithDefaultMaxRetries applies to items enqueued without MaxRetries.
func WithDefaultMaxRetries(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxRetries = n
		}
	}
}

// WithRateLimit caps executor calls per second during a drain. Zero means unlimited.
func WithRateLimit(perSecond int) Option {
	return func(q *Queue) {
		if perSecond > 0 {
			q.limiter = ratelimit.New(perSecond)
		}
	}
}

// WithRecentWindow sets how long completed idempotency keys are remembered.
func WithRecentWindow(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.recentWindow = d
		}
	}
}

func New(s store.Store, exec Executor, opts ...Option) (*Queue, error) {
	if s == nil {
		return nil, errors.New("queue: store is required")
	}
	if exec == nil {
		return nil, errors.New("queue: executor is required")
	}
	q := &Queue{
		store:          s,
		executor:       exec,
		metrics:        metrics.New(nil),
		now:            time.Now,
		maxSize:        defaultMaxSize,
		maxDeadLetters: defaultMaxDeadLetters,
		maxRetries:     defaultMaxRetries,
		limiter:        ratelimit.NewUnlimited(),
		recentWindow:   defaultRecentWindow,
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.retryer == nil {
		q.retryer = retry.NewRetryer(context.Background(), retry.RetryConfig{})
	}

	recent, err := otter.New(&otter.Options[string, struct{}]{
		MaximumSize:      recentCapacity,
		ExpiryCalculator: otter.ExpiryWriting[string, struct{}](q.recentWindow),
	})
	if err != nil {
		return nil, fmt.Errorf("queue: create recent-completions cache: %w", err)
	}
	q.recent = recent
	return q, nil
}

func queueKey() string {
	return store.Key("queue")
}

func deadLetterKey() string {
	return store.Key("dead_letters")
}

func decodeItems(b []byte, found bool) ([]Item, error) {
	if !found || len(b) == 0 {
		return nil, nil
	}
	var items []Item
	if err := json.Unmarshal(b, &items); err != nil {
		return nil, fmt.Errorf("queue: corrupt snapshot: %w", err)
	}
	return items, nil
}

func encodeItems(items []Item) ([]byte, error) {
	if len(items) == 0 {
		return []byte("[]"), nil
	}
	return json.Marshal(items)
}

func indexOf(items []Item, id string) int {
	for i := range items {
		if items[i].ID == id {
			return i
		}
	}
	return -1
}

func (q *Queue) isOnline() bool {
	return q.online == nil || q.online()
}

// Enqueue validates item and adds it to the queue. An item with the same idempotency key as
// a live item replaces that item's payload and keeps its position; the live item's ID is
// returned. An empty ID means the item duplicated one that just completed and was dropped.
func (q *Queue) Enqueue(ctx context.Context, item Item) (string, error) {
	ctx, span := tracer.Start(ctx, "queue.Enqueue")
	defer span.End()

	if err := item.validate(); err != nil {
		return "", err
	}
	if item.ID == "" {
		item.ID = ksuid.New().String()
	}
	item.EnqueuedAt = q.now()
	item.RetryCount = 0
	if item.MaxRetries == 0 {
		item.MaxRetries = q.maxRetries
	}
	item.NextAttemptAt = time.Time{}
	item.DeadLetteredAt = time.Time{}
	item.LastError = ""
	item.Revision = 0
	item.assignKey()

	span.SetAttributes(attribute.String("resource_type", item.ResourceType))
	l := ctxzap.Extract(ctx).With(
		zap.String("resource_type", item.ResourceType),
		zap.Stringer("kind", item.Kind),
		zap.String("idempotency_key", item.Metadata.IdempotencyKey),
	)

	if key, ok := item.callerKey(); ok {
		if _, done := q.recent.GetIfPresent(key); done {
			l.Debug("dropping duplicate of a recently completed operation")
			return "", nil
		}
	}

	id, merged, evicted, depth, err := q.insert(ctx, item)
	if err != nil {
		return "", err
	}

	for _, ev := range evicted {
		l.Warn("queue full, evicted operation",
			zap.String("evicted_id", ev.ID),
			zap.String("evicted_resource_type", ev.ResourceType),
			zap.Stringer("evicted_priority", ev.Priority),
		)
		q.metrics.RecordEvicted(ctx, ev.ResourceType)
	}
	if merged {
		l.Debug("merged operation into queued duplicate", zap.String("id", id))
	} else {
		l.Debug("operation enqueued", zap.String("id", id), zap.Int("depth", depth))
		q.metrics.RecordEnqueued(ctx, item.ResourceType)
	}
	q.metrics.ObserveQueueDepth(ctx, depth)

	if q.onEnqueue != nil && q.isOnline() {
		q.onEnqueue(ctx)
	}
	return id, nil
}

func (q *Queue) insert(ctx context.Context, item Item) (string, bool, []Item, int, error) {
	var (
		id      string
		merged  bool
		evicted []Item
		depth   int
	)
	key := item.Metadata.IdempotencyKey
	err := q.store.Update(ctx, queueKey(), func(cur []byte, found bool) ([]byte, error) {
		items, err := decodeItems(cur, found)
		if err != nil {
			return nil, err
		}
		id, merged, evicted = item.ID, false, nil

		for i := range items {
			if items[i].IdempotencyKey() != key {
				continue
			}
			items[i].Payload = item.Payload
			if item.Priority.rank() > items[i].Priority.rank() {
				items[i].Priority = item.Priority
			}
			items[i].Metadata = item.Metadata
			items[i].Revision++
			id, merged, depth = items[i].ID, true, len(items)
			return encodeItems(items)
		}

		for len(items) >= q.maxSize {
			idx := evictionCandidate(items)
			evicted = append(evicted, items[idx])
			items = append(items[:idx], items[idx+1:]...)
		}
		items = append(items, item)
		depth = len(items)
		return encodeItems(items)
	})
	if err != nil {
		return "", false, nil, 0, fmt.Errorf("queue: persist: %w", err)
	}
	return id, merged, evicted, depth, nil
}

// evictionCandidate picks the lowest-priority item, oldest first.
func evictionCandidate(items []Item) int {
	best := 0
	for i := 1; i < len(items); i++ {
		a, b := items[i], items[best]
		if a.Priority.rank() != b.Priority.rank() {
			if a.Priority.rank() < b.Priority.rank() {
				best = i
			}
			continue
		}
		if a.EnqueuedAt.Before(b.EnqueuedAt) {
			best = i
		}
	}
	return best
}

func (q *Queue) load(ctx context.Context) ([]Item, error) {
	b, found, err := q.store.Get(ctx, queueKey())
	if err != nil {
		return nil, fmt.Errorf("queue: load: %w", err)
	}
	return decodeItems(b, found)
}

// Items returns the live queue in drain order.
func (q *Queue) Items(ctx context.Context) ([]Item, error) {
	items, err := q.load(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(items, func(i, j int) bool { return less(items[i], items[j]) })
	return items, nil
}

func (q *Queue) Depth(ctx context.Context) (int, error) {
	items, err := q.load(ctx)
	return len(items), err
}

// Drain executes every due item once, in priority then age order. Concurrent callers share
// one pass. While offline nothing is executed and only Remaining is reported.
func (q *Queue) Drain(ctx context.Context) (DrainResult, error) {
	if !q.isOnline() {
		depth, err := q.Depth(ctx)
		return DrainResult{Remaining: depth}, err
	}
	v, err, _ := q.flight.Do("drain", func() (any, error) {
		res, err := q.drain(ctx)
		return res, err
	})
	res, _ := v.(DrainResult)
	return res, err
}

type outcome uint8

const (
	outcomeExecuted outcome = iota
	outcomeResolved
	outcomeManual
	outcomeRetry
	outcomeDeadLettered
	outcomeDeferred
	outcomeSkipped
)

func (q *Queue) drain(ctx context.Context) (DrainResult, error) {
	ctx, span := tracer.Start(ctx, "queue.Drain")
	defer span.End()

	l := ctxzap.Extract(ctx)

	var res DrainResult
	items, err := q.Items(ctx)
	if err != nil {
		q.recordDrain(res, err)
		return res, err
	}

	var (
		errs      []error
		nextRetry time.Time
	)
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		if !q.isOnline() {
			l.Info("connectivity lost, stopping drain")
			break
		}
		if item.NextAttemptAt.After(q.now()) {
			res.Deferred++
			nextRetry = earliest(nextRetry, item.NextAttemptAt)
			continue
		}

		out, retryAt, err := q.process(ctx, item)
		if err != nil {
			errs = append(errs, err)
		}
		switch out {
		case outcomeExecuted:
			res.Processed++
		case outcomeResolved:
			res.Processed++
			res.Conflicts++
		case outcomeManual:
			res.Conflicts++
		case outcomeRetry:
			res.Failed++
			nextRetry = earliest(nextRetry, retryAt)
		case outcomeDeadLettered:
			res.Failed++
		case outcomeDeferred:
			res.Deferred++
			nextRetry = earliest(nextRetry, retryAt)
		case outcomeSkipped:
		}
	}

	if !nextRetry.IsZero() {
		q.scheduleRetry(ctx, nextRetry)
	}

	depth, err := q.Depth(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	res.Remaining = depth
	q.metrics.ObserveQueueDepth(ctx, depth)

	drainErr := errors.Join(errs...)
	q.recordDrain(res, drainErr)

	l.Debug("drain finished",
		zap.Int("processed", res.Processed),
		zap.Int("failed", res.Failed),
		zap.Int("deferred", res.Deferred),
		zap.Int("conflicts", res.Conflicts),
		zap.Int("remaining", res.Remaining),
	)
	return res, drainErr
}

func earliest(a, b time.Time) time.Time {
	if a.IsZero() || b.Before(a) {
		return b
	}
	return a
}

// process runs one item and applies the outcome to the persisted queue.
func (q *Queue) process(ctx context.Context, item Item) (outcome, time.Time, error) {
	l := ctxzap.Extract(ctx).With(
		zap.String("id", item.ID),
		zap.String("resource_type", item.ResourceType),
		zap.Stringer("kind", item.Kind),
	)

	q.limiter.Take()
	res, err := q.run(ctx, item)
	if err == nil && res.manual {
		superseded, rerr := q.complete(ctx, item)
		if rerr != nil {
			return outcomeSkipped, time.Time{}, rerr
		}
		if superseded {
			l.Info("operation changed while in flight, keeping the newer payload")
		}
		l.Info("operation sent to manual conflict review")
		return outcomeManual, time.Time{}, nil
	}
	conflicted, resolvedPayload := res.conflicted, res.resolved

	if err == nil {
		superseded, rerr := q.complete(ctx, item)
		if rerr != nil {
			return outcomeSkipped, time.Time{}, rerr
		}
		if superseded {
			l.Info("operation changed while in flight, keeping the newer payload")
		} else if key, ok := item.callerKey(); ok {
			q.recent.Set(key, struct{}{})
		}
		if q.onExecuted != nil {
			if resolvedPayload != nil {
				item.Payload = resolvedPayload
			}
			q.onExecuted(ctx, item, res.result)
		}
		if conflicted {
			return outcomeResolved, time.Time{}, nil
		}
		return outcomeExecuted, time.Time{}, nil
	}

	if errors.Is(err, retry.ErrCircuitOpen) {
		l.Debug("circuit open, deferring operation")
		return outcomeDeferred, q.now().Add(retry.StagedDelay(1)), nil
	}
	if ctx.Err() != nil {
		return outcomeSkipped, time.Time{}, nil
	}
	return q.fail(ctx, item, err, resolvedPayload)
}

// attempt is the result of running an item once through the retryer, including any
// conflict resolution.
type attempt struct {
	result     json.RawMessage
	resolved   json.RawMessage
	conflicted bool
	manual     bool
	discarded  bool
}

func (q *Queue) run(ctx context.Context, item Item) (attempt, error) {
	var a attempt
	res, err := q.execute(ctx, item, item.Payload)
	ce, ok := AsConflict(err)
	if !ok || q.conflicts == nil {
		a.result = res
		return a, err
	}

	a.conflicted = true
	decision, herr := q.conflicts.HandleConflict(ctx, item, ce.Remote)
	switch {
	case herr != nil:
		return a, fmt.Errorf("queue: conflict handler: %w", herr)
	case decision.Manual:
		a.manual = true
		return a, nil
	case decision.Discard:
		a.discarded = true
		a.result = ce.Remote
		return a, nil
	case decision.Payload != nil:
		a.resolved = decision.Payload
		a.result, err = q.execute(ctx, item, decision.Payload)
	}
	return a, err
}

func (q *Queue) execute(ctx context.Context, item Item, payload json.RawMessage) (json.RawMessage, error) {
	ctx, span := tracer.Start(ctx, "queue.execute")
	defer span.End()
	span.SetAttributes(attribute.String("resource_type", item.ResourceType), attribute.String("id", item.ID))

	start := time.Now()
	attempt := 0
	v, err := retry.Do(ctx, q.retryer, item.ResourceType, func(ctx context.Context) (json.RawMessage, error) {
		attempt++
		return q.invoke(ctx, Operation{
			ID:           item.ID,
			Kind:         item.Kind,
			ResourceType: item.ResourceType,
			Payload:      payload,
			Metadata:     item.Metadata,
			Attempt:      item.RetryCount + attempt,
		})
	})
	if !errors.Is(err, retry.ErrCircuitOpen) {
		q.metrics.RecordExecution(ctx, item.ResourceType, time.Since(start), err)
	}
	return v, err
}

func (q *Queue) invoke(ctx context.Context, op Operation) (res json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			ctxzap.Extract(ctx).Error("executor panicked",
				zap.String("id", op.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			res = nil
			err = fmt.Errorf("queue: executor panicked: %v", r)
		}
	}()
	res, err = q.executor.Execute(ctx, op)
	// A version conflict will not go away by retrying the same payload.
	if _, ok := AsConflict(err); ok && !retry.IsPermanent(err) {
		err = retry.Permanent(err)
	}
	return res, err
}

// fail records a failed attempt. Items that exhausted their retries move to the
// dead-letter list; the rest are delayed by the staged backoff table.
func (q *Queue) fail(ctx context.Context, item Item, cause error, payload json.RawMessage) (outcome, time.Time, error) {
	l := ctxzap.Extract(ctx).With(zap.String("id", item.ID), zap.String("resource_type", item.ResourceType))
	now := q.now()
	permanent := retry.IsPermanent(cause)

	var (
		updated   Item
		present   bool
		exhausted bool
	)
	err := q.store.Update(ctx, queueKey(), func(cur []byte, found bool) ([]byte, error) {
		items, err := decodeItems(cur, found)
		if err != nil {
			return nil, err
		}
		present, exhausted = false, false
		idx := indexOf(items, item.ID)
		if idx < 0 {
			return nil, store.ErrNoChange
		}
		present = true

		it := items[idx]
		if payload != nil && it.Revision == item.Revision {
			it.Payload = payload
		}
		it.RetryCount++
		if permanent || it.RetryCount > it.MaxRetries {
			it.RetryCount = it.MaxRetries
		}
		it.LastError = cause.Error()
		if it.RetryCount >= it.MaxRetries {
			exhausted = true
			updated = it
			return nil, store.ErrNoChange
		}
		it.NextAttemptAt = now.Add(retry.StagedDelay(it.RetryCount))
		items[idx] = it
		updated = it
		return encodeItems(items)
	})
	if err != nil {
		return outcomeSkipped, time.Time{}, fmt.Errorf("queue: record failure: %w", err)
	}
	if !present {
		// Another context finished or removed it.
		return outcomeSkipped, time.Time{}, nil
	}

	if !exhausted {
		l.Info("operation failed, will retry",
			zap.Int("retry_count", updated.RetryCount),
			zap.Int("max_retries", updated.MaxRetries),
			zap.Time("next_attempt_at", updated.NextAttemptAt),
			zap.Error(cause),
		)
		return outcomeRetry, updated.NextAttemptAt, nil
	}

	if err := q.deadLetter(ctx, updated); err != nil {
		return outcomeSkipped, time.Time{}, err
	}
	l.Warn("operation moved to dead letters",
		zap.Int("retry_count", updated.RetryCount),
		zap.Bool("permanent", permanent),
		zap.Error(cause),
	)
	return outcomeDeadLettered, time.Time{}, nil
}

// deadLetter appends item to the dead-letter list and then removes it from the live queue.
// The append is idempotent on ID, so a crash between the two writes cannot duplicate it.
func (q *Queue) deadLetter(ctx context.Context, item Item) error {
	item.DeadLetteredAt = q.now()
	item.NextAttemptAt = time.Time{}

	dropped := 0
	err := q.store.Update(ctx, deadLetterKey(), func(cur []byte, found bool) ([]byte, error) {
		list, err := decodeItems(cur, found)
		if err != nil {
			return nil, err
		}
		dropped = 0
		if indexOf(list, item.ID) >= 0 {
			return nil, store.ErrNoChange
		}
		list = append(list, item)
		if over := len(list) - q.maxDeadLetters; over > 0 {
			dropped = over
			list = list[over:]
		}
		return encodeItems(list)
	})
	if err != nil {
		return fmt.Errorf("queue: persist dead letter: %w", err)
	}
	if dropped > 0 {
		ctxzap.Extract(ctx).Warn("dead-letter list full, dropped oldest entries", zap.Int("dropped", dropped))
	}
	q.metrics.RecordDeadLetter(ctx, item.ResourceType)

	_, err = q.remove(ctx, item.ID)
	return err
}

func (q *Queue) remove(ctx context.Context, id string) (bool, error) {
	removed := false
	err := q.store.Update(ctx, queueKey(), func(cur []byte, found bool) ([]byte, error) {
		items, err := decodeItems(cur, found)
		if err != nil {
			return nil, err
		}
		idx := indexOf(items, id)
		removed = idx >= 0
		if !removed {
			return nil, store.ErrNoChange
		}
		items = append(items[:idx], items[idx+1:]...)
		return encodeItems(items)
	})
	if err != nil {
		return false, fmt.Errorf("queue: remove %s: %w", id, err)
	}
	return removed, nil
}

// complete removes a finished item. When a newer payload was merged into it while it ran,
// the item stays queued with a fresh retry budget and superseded is true.
func (q *Queue) complete(ctx context.Context, item Item) (bool, error) {
	superseded := false
	err := q.store.Update(ctx, queueKey(), func(cur []byte, found bool) ([]byte, error) {
		items, err := decodeItems(cur, found)
		if err != nil {
			return nil, err
		}
		superseded = false
		idx := indexOf(items, item.ID)
		if idx < 0 {
			return nil, store.ErrNoChange
		}
		if items[idx].Revision != item.Revision {
			superseded = true
			items[idx].RetryCount = 0
			items[idx].NextAttemptAt = time.Time{}
			items[idx].LastError = ""
			return encodeItems(items)
		}
		items = append(items[:idx], items[idx+1:]...)
		return encodeItems(items)
	})
	if err != nil {
		return false, fmt.Errorf("queue: complete %s: %w", item.ID, err)
	}
	return superseded, nil
}

// scheduleRetry arranges a drain at the given time. An earlier pending drain is kept.
func (q *Queue) scheduleRetry(ctx context.Context, at time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if q.timer != nil && !q.timerAt.After(at) {
		return
	}
	if q.timer != nil {
		q.timer.Stop()
	}

	delay := at.Sub(q.now())
	if delay < 0 {
		delay = 0
	}
	bg := context.WithoutCancel(ctx)
	q.timerAt = at
	q.timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		q.timer = nil
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return
		}
		if _, err := q.Drain(bg); err != nil {
			ctxzap.Extract(bg).Warn("scheduled drain failed", zap.Error(err))
		}
	})
}

func (q *Queue) recordDrain(res DrainResult, err error) {
	report := &DrainReport{At: q.now(), Result: res}
	if err != nil {
		report.Error = err.Error()
	}
	q.mu.Lock()
	q.lastDrain = report
	q.mu.Unlock()
}

// LastDrain returns the report of the most recent drain pass by this queue.
func (q *Queue) LastDrain() (DrainReport, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.lastDrain == nil {
		return DrainReport{}, false
	}
	return *q.lastDrain, true
}

func (q *Queue) DeadLetters(ctx context.Context) ([]Item, error) {
	b, found, err := q.store.Get(ctx, deadLetterKey())
	if err != nil {
		return nil, fmt.Errorf("queue: load dead letters: %w", err)
	}
	return decodeItems(b, found)
}

// RequeueDeadLetter moves a dead letter back to the live queue with its retry count reset.
func (q *Queue) RequeueDeadLetter(ctx context.Context, id string) (string, error) {
	list, err := q.DeadLetters(ctx)
	if err != nil {
		return "", err
	}
	idx := indexOf(list, id)
	if idx < 0 {
		return "", fmt.Errorf("%w: dead letter %s", ErrNotFound, id)
	}

	item := list[idx]
	item.RetryCount = 0
	item.NextAttemptAt = time.Time{}
	item.DeadLetteredAt = time.Time{}
	item.LastError = ""
	item.EnqueuedAt = q.now()
	item.Revision = 0
	item.assignKey()

	newID, _, evicted, depth, err := q.insert(ctx, item)
	if err != nil {
		return "", err
	}
	for _, ev := range evicted {
		q.metrics.RecordEvicted(ctx, ev.ResourceType)
	}
	q.metrics.ObserveQueueDepth(ctx, depth)

	err = q.store.Update(ctx, deadLetterKey(), func(cur []byte, found bool) ([]byte, error) {
		list, err := decodeItems(cur, found)
		if err != nil {
			return nil, err
		}
		idx := indexOf(list, id)
		if idx < 0 {
			return nil, store.ErrNoChange
		}
		list = append(list[:idx], list[idx+1:]...)
		return encodeItems(list)
	})
	if err != nil {
		return "", fmt.Errorf("queue: remove dead letter %s: %w", id, err)
	}

	ctxzap.Extract(ctx).Info("dead letter requeued", zap.String("id", newID))
	if q.onEnqueue != nil && q.isOnline() {
		q.onEnqueue(ctx)
	}
	return newID, nil
}

// PurgeDeadLetters deletes every dead letter and returns how many there were.
func (q *Queue) PurgeDeadLetters(ctx context.Context) (int, error) {
	n := 0
	err := q.store.Update(ctx, deadLetterKey(), func(cur []byte, found bool) ([]byte, error) {
		if !found {
			n = 0
			return nil, store.ErrNoChange
		}
		// A corrupt list is purged as well.
		list, _ := decodeItems(cur, found)
		n = len(list)
		return nil, nil
	})
	return n, err
}

// Clear deletes the live queue and the dead letters.
func (q *Queue) Clear(ctx context.Context) error {
	return errors.Join(
		q.store.Delete(ctx, queueKey()),
		q.store.Delete(ctx, deadLetterKey()),
	)
}

// Close cancels any scheduled drain and stops scheduling new ones. Direct calls to Drain
// keep working.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}
