package metrics

import (
	"context"
	"time"
)

const (
	opEnqueuedCounterName     = "baton_offline.op_enqueued"
	opEvictedCounterName      = "baton_offline.op_evicted"
	opExecutedCounterName     = "baton_offline.op_executed"
	opFailedCounterName       = "baton_offline.op_failed"
	opDeadLetterCounterName   = "baton_offline.op_dead_lettered"
	opLatencyHistoName        = "baton_offline.op_latency"
	queueDepthGaugeName       = "baton_offline.queue_depth"
	lockAcquireCounterName    = "baton_offline.lock_acquire"
	breakerTransitionCounter  = "baton_offline.breaker_transition"
	conflictCounterName       = "baton_offline.conflict"
	opEnqueuedCounterDesc     = "number of operations accepted into the queue by resource type"
	opEvictedCounterDesc      = "number of queued operations evicted because the queue was full"
	opExecutedCounterDesc     = "number of operations executed successfully against the remote"
	opFailedCounterDesc       = "number of failed remote executions by resource type"
	opDeadLetterCounterDesc   = "number of operations moved to the dead-letter list"
	opLatencyHistoDesc        = "latency of remote executions by resource type and status"
	queueDepthGaugeDesc       = "number of operations waiting in the live queue"
	lockAcquireCounterDesc    = "lock acquisition attempts by lock name and result"
	breakerTransitionCounterD = "circuit breaker state transitions by class and target state"
	conflictCounterDesc       = "conflict resolutions by strategy and outcome"
)

// M records the engine's operational metrics on top of a Handler.
type M struct {
	underlying Handler
}

func New(handler Handler) *M {
	if handler == nil {
		handler = noop{}
	}
	return &M{underlying: handler}
}

func (m *M) RecordEnqueued(ctx context.Context, resourceType string) {
	m.underlying.Int64Counter(opEnqueuedCounterName, opEnqueuedCounterDesc, Dimensionless).
		Add(ctx, 1, map[string]string{"resource_type": resourceType})
}

func (m *M) RecordEvicted(ctx context.Context, resourceType string) {
	m.underlying.Int64Counter(opEvictedCounterName, opEvictedCounterDesc, Dimensionless).
		Add(ctx, 1, map[string]string{"resource_type": resourceType})
}

func (m *M) RecordExecution(ctx context.Context, resourceType string, dur time.Duration, err error) {
	h := m.underlying.Int64Histogram(opLatencyHistoName, opLatencyHistoDesc, Milliseconds)
	if err != nil {
		m.underlying.Int64Counter(opFailedCounterName, opFailedCounterDesc, Dimensionless).
			Add(ctx, 1, map[string]string{"resource_type": resourceType})
		h.Record(ctx, dur.Milliseconds(), map[string]string{"resource_type": resourceType, "status": "failure"})
		return
	}
	m.underlying.Int64Counter(opExecutedCounterName, opExecutedCounterDesc, Dimensionless).
		Add(ctx, 1, map[string]string{"resource_type": resourceType})
	h.Record(ctx, dur.Milliseconds(), map[string]string{"resource_type": resourceType, "status": "success"})
}

func (m *M) RecordDeadLetter(ctx context.Context, resourceType string) {
	m.underlying.Int64Counter(opDeadLetterCounterName, opDeadLetterCounterDesc, Dimensionless).
		Add(ctx, 1, map[string]string{"resource_type": resourceType})
}

func (m *M) ObserveQueueDepth(ctx context.Context, depth int) {
	m.underlying.Int64Gauge(queueDepthGaugeName, queueDepthGaugeDesc, Dimensionless).
		Observe(ctx, int64(depth), nil)
}

func (m *M) RecordLockAcquire(ctx context.Context, lockName string, acquired bool) {
	result := "denied"
	if acquired {
		result = "acquired"
	}
	m.underlying.Int64Counter(lockAcquireCounterName, lockAcquireCounterDesc, Dimensionless).
		Add(ctx, 1, map[string]string{"lock": lockName, "result": result})
}

func (m *M) RecordBreakerTransition(ctx context.Context, classKey string, to string) {
	m.underlying.Int64Counter(breakerTransitionCounter, breakerTransitionCounterD, Dimensionless).
		Add(ctx, 1, map[string]string{"class": classKey, "state": to})
}

func (m *M) RecordConflict(ctx context.Context, strategy string, resolved bool) {
	outcome := "unresolved"
	if resolved {
		outcome = "resolved"
	}
	m.underlying.Int64Counter(conflictCounterName, conflictCounterDesc, Dimensionless).
		Add(ctx, 1, map[string]string{"strategy": strategy, "outcome": outcome})
}
