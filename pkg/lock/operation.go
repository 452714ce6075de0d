package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"
)

type OperationType uint8

const (
	OperationSync OperationType = iota
	OperationMigration
	OperationCleanup
)

func (t OperationType) String() string {
	switch t {
	case OperationSync:
		return "sync"
	case OperationMigration:
		return "migration"
	case OperationCleanup:
		return "cleanup"
	default:
		return "unknown"
	}
}

func (t OperationType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

type OperationStatus uint8

const (
	StatusPending OperationStatus = iota
	StatusRunning
	StatusCompleted
	StatusFailed
)

func (s OperationStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s OperationStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s OperationStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// OperationRecord tracks one lock-guarded routine.
type OperationRecord struct {
	ID        string            `json:"id"`
	Type      OperationType     `json:"type"`
	Status    OperationStatus   `json:"status"`
	LockName  string            `json:"lockName"`
	StartTime time.Time         `json:"startTime"`
	EndTime   time.Time         `json:"endTime,omitempty"`
	Progress  float64           `json:"progress"`
	Error     string            `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type operationLog struct {
	mu      sync.Mutex
	max     int
	records []*OperationRecord
}

func newOperationLog(max int) *operationLog {
	return &operationLog{max: max}
}

func (o *operationLog) add(rec *OperationRecord) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.records = append(o.records, rec)
	for len(o.records) > o.max {
		idx := -1
		for i, r := range o.records {
			if r.Status.Terminal() {
				idx = i
				break
			}
		}
		if idx < 0 {
			return
		}
		o.records = append(o.records[:idx], o.records[idx+1:]...)
	}
}

// update applies fn to the record unless it already reached a terminal status.
func (o *operationLog) update(id string, fn func(rec *OperationRecord)) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, r := range o.records {
		if r.ID != id {
			continue
		}
		if r.Status.Terminal() {
			return false
		}
		fn(r)
		return true
	}
	return false
}

func (o *operationLog) snapshot(filter func(rec *OperationRecord) bool) []OperationRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	ret := make([]OperationRecord, 0, len(o.records))
	for _, r := range o.records {
		if filter != nil && !filter(r) {
			continue
		}
		cp := *r
		ret = append(ret, cp)
	}
	return ret
}

// Operations returns every retained operation record, oldest first.
func (c *Coordinator) Operations() []OperationRecord {
	return c.ops.snapshot(nil)
}

// ActiveOperations returns the records that are pending or running.
func (c *Coordinator) ActiveOperations() []OperationRecord {
	return c.ops.snapshot(func(rec *OperationRecord) bool {
		return !rec.Status.Terminal()
	})
}

type operationKey struct{}

type operationRef struct {
	id  string
	ops *operationLog
}

// ReportProgress sets the progress of the guarded routine running under ctx, clamped to [0, 1].
// It is a no-op outside WithLock.
func ReportProgress(ctx context.Context, progress float64) {
	ref, ok := ctx.Value(operationKey{}).(operationRef)
	if !ok {
		return
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}
	ref.ops.update(ref.id, func(rec *OperationRecord) {
		rec.Progress = progress
	})
}

// Func is a routine guarded by a lock.
type Func func(ctx context.Context, lease Lease) (any, error)

// Result is the outcome of WithLock. It never carries a panic.
type Result struct {
	Success   bool
	Value     any
	Err       error
	Operation OperationRecord
}

type runConfig struct {
	opType   OperationType
	metadata map[string]string
}

type RunOption func(*runConfig)

func AsOperation(t OperationType) RunOption {
	return func(rc *runConfig) {
		rc.opType = t
	}
}

func WithOperationMetadata(meta map[string]string) RunOption {
	return func(rc *runConfig) {
		rc.metadata = meta
	}
}

// WithLock acquires name, runs fn and releases the lock on every path. A lock held
// elsewhere yields a Result wrapping ErrNotAcquired. Panics in fn are captured as failures.
func (c *Coordinator) WithLock(ctx context.Context, name string, ttl time.Duration, fn Func, opts ...RunOption) Result {
	ctx, span := tracer.Start(ctx, "lock.WithLock")
	defer span.End()

	rc := &runConfig{opType: OperationSync}
	for _, opt := range opts {
		opt(rc)
	}

	l := ctxzap.Extract(ctx).With(zap.String("lock", name), zap.Stringer("operation_type", rc.opType))

	lease, ok, err := c.Acquire(ctx, name, ttl, rc.metadata)
	if err != nil {
		return Result{Err: err}
	}
	if !ok {
		return Result{Err: fmt.Errorf("%w: %s", ErrNotAcquired, name)}
	}

	rec := &OperationRecord{
		ID:        ksuid.New().String(),
		Type:      rc.opType,
		Status:    StatusPending,
		LockName:  name,
		StartTime: c.now(),
		Metadata:  rc.metadata,
	}
	c.ops.add(rec)

	defer func() {
		// Release with a context that survives cancellation of the routine's context.
		if err := c.Release(context.WithoutCancel(ctx), name); err != nil {
			l.Error("failed to release lock after guarded routine", zap.Error(err))
		}
	}()

	c.ops.update(rec.ID, func(r *OperationRecord) {
		r.Status = StatusRunning
	})

	runCtx := context.WithValue(ctx, operationKey{}, operationRef{id: rec.ID, ops: c.ops})
	value, runErr := runGuarded(runCtx, lease, fn)

	c.ops.update(rec.ID, func(r *OperationRecord) {
		r.EndTime = c.now()
		if runErr != nil {
			r.Status = StatusFailed
			r.Error = runErr.Error()
			return
		}
		r.Status = StatusCompleted
		r.Progress = 1
	})

	var snap OperationRecord
	for _, r := range c.ops.snapshot(func(r *OperationRecord) bool { return r.ID == rec.ID }) {
		snap = r
	}

	if runErr != nil {
		l.Warn("guarded routine failed", zap.String("operation_id", rec.ID), zap.Error(runErr))
		return Result{Err: runErr, Operation: snap}
	}
	l.Debug("guarded routine completed", zap.String("operation_id", rec.ID))
	return Result{Success: true, Value: value, Operation: snap}
}

func runGuarded(ctx context.Context, lease Lease, fn Func) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			ctxzap.Extract(ctx).Error("guarded routine panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			v = nil
			err = fmt.Errorf("lock: guarded routine panicked: %v", r)
		}
	}()
	return fn(ctx, lease)
}
