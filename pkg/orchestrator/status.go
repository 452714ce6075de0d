package orchestrator

import (
	"context"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"

	"github.com/conductorone/baton-offline/pkg/cache"
	"github.com/conductorone/baton-offline/pkg/lock"
	"github.com/conductorone/baton-offline/pkg/queue"
	"github.com/conductorone/baton-offline/pkg/retry"
)

// Status aggregates the health of one execution context. Errors lists the parts that could
// not be read; the rest of the status is still filled in.
type Status struct {
	Initialized      bool                   `json:"initialized"`
	Online           bool                   `json:"online"`
	HolderID         string                 `json:"holderId"`
	QueueDepth       int                    `json:"queueDepth"`
	DeadLetters      int                    `json:"deadLetters"`
	ManualConflicts  int                    `json:"manualConflicts"`
	HeldLocks        []lock.Lease           `json:"heldLocks"`
	ActiveLocks      []lock.Record          `json:"activeLocks"`
	ActiveOperations []lock.OperationRecord `json:"activeOperations"`
	RecentOperations []lock.OperationRecord `json:"recentOperations"`
	Breakers         []retry.BreakerState   `json:"breakers"`
	LastDrain        *queue.DrainReport     `json:"lastDrain,omitempty"`
	Cache            cache.Stats            `json:"cache"`
	Errors           []string               `json:"errors,omitempty"`
}

// Healthy reports whether the status could be read completely.
func (s Status) Healthy() bool {
	return len(s.Errors) == 0
}

func (o *Orchestrator) GetStatus(ctx context.Context) Status {
	ctx, span := tracer.Start(ctx, "orchestrator.GetStatus")
	defer span.End()

	l := ctxzap.Extract(ctx)

	o.mu.Lock()
	initialized := o.initialized && !o.closed
	o.mu.Unlock()

	st := Status{
		Initialized:      initialized,
		Online:           o.conn.Online(),
		HolderID:         o.locks.HolderID(),
		HeldLocks:        o.locks.Held(),
		ActiveOperations: o.locks.ActiveOperations(),
		RecentOperations: o.locks.Operations(),
		Breakers:         o.breakers.States(),
		Cache:            o.cache.Stats(),
	}
	fail := func(part string, err error) {
		l.Warn("failed to read status", zap.String("part", part), zap.Error(err))
		st.Errors = append(st.Errors, part+": "+err.Error())
	}

	if depth, err := o.queue.Depth(ctx); err != nil {
		fail("queue", err)
	} else {
		st.QueueDepth = depth
	}
	if dead, err := o.queue.DeadLetters(ctx); err != nil {
		fail("dead_letters", err)
	} else {
		st.DeadLetters = len(dead)
	}
	if manual, err := o.resolver.ManualConflicts(ctx); err != nil {
		fail("manual_conflicts", err)
	} else {
		st.ManualConflicts = len(manual)
	}
	if locks, err := o.locks.Locks(ctx); err != nil {
		fail("locks", err)
	} else {
		st.ActiveLocks = locks
	}
	if report, ok := o.queue.LastDrain(); ok {
		st.LastDrain = &report
	}
	return st
}
