package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/conductorone/baton-offline/pkg/conflict"
	"github.com/conductorone/baton-offline/pkg/lock"
	"github.com/conductorone/baton-offline/pkg/queue"
)

const FullResyncLock = "full_resync"

// Outcome is what happened to an operation submitted with QueueOperation.
type Outcome uint8

const (
	// OutcomeExecuted means the remote accepted the operation.
	OutcomeExecuted Outcome = iota
	// OutcomeQueued means the operation waits in the queue for a later drain.
	OutcomeQueued
	// OutcomeManualReview means the operation conflicted and was handed to an operator.
	OutcomeManualReview
	// OutcomeDuplicate means an operation with the same caller key completed moments ago.
	OutcomeDuplicate
	// OutcomeDiscarded means the local change was dropped in favor of the remote version.
	OutcomeDiscarded
	// OutcomeRejected means the operation failed permanently and was not queued.
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeExecuted:
		return "executed"
	case OutcomeQueued:
		return "queued"
	case OutcomeManualReview:
		return "manual_review"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeDiscarded:
		return "discarded"
	case OutcomeRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

func (o Outcome) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.String())
}

type OperationResult struct {
	ID         string          `json:"id,omitempty"`
	Outcome    Outcome         `json:"outcome"`
	Conflicted bool            `json:"conflicted"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// QueueOptions tune a single operation.
type QueueOptions struct {
	Priority         queue.Priority
	MaxRetries       int
	OwnerID          string
	UserID           string
	TenantID         string
	ConflictStrategy conflict.Strategy
	IdempotencyKey   string
}

// QueueOperation executes a mutation right away when online and queues it otherwise, or when
// it fails with a retryable error. Conflicts go through the resolver with the operation's
// strategy. Invalid input and permanent failures are returned.
func (o *Orchestrator) QueueOperation(ctx context.Context, kind queue.Kind, resourceType string, payload any, opts QueueOptions) (OperationResult, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.QueueOperation")
	defer span.End()
	span.SetAttributes(attribute.String("resource_type", resourceType), attribute.String("kind", kind.String()))

	if o.isClosed() {
		return OperationResult{}, ErrClosed
	}

	raw, err := encodePayload(payload)
	if err != nil {
		return OperationResult{}, err
	}
	if opts.ConflictStrategy != "" {
		if _, err := conflict.ParseStrategy(string(opts.ConflictStrategy)); err != nil {
			return OperationResult{}, fmt.Errorf("%w: %w", queue.ErrInvalidItem, err)
		}
	}

	res, err := o.queue.Submit(ctx, queue.Item{
		Kind:         kind,
		ResourceType: resourceType,
		Payload:      raw,
		MaxRetries:   opts.MaxRetries,
		Priority:     opts.Priority,
		Metadata: queue.Metadata{
			OwnerID:          opts.OwnerID,
			UserID:           opts.UserID,
			TenantID:         opts.TenantID,
			ConflictStrategy: string(opts.ConflictStrategy),
			IdempotencyKey:   opts.IdempotencyKey,
		},
	})

	out := OperationResult{
		ID:         res.ID,
		Conflicted: res.Conflicted,
		Result:     res.Result,
		Error:      res.Error,
	}
	switch {
	case err != nil:
		out.Outcome = OutcomeRejected
	case res.ManualReview:
		out.Outcome = OutcomeManualReview
	case res.Discarded:
		out.Outcome = OutcomeDiscarded
	case res.Executed:
		out.Outcome = OutcomeExecuted
	case res.Queued:
		out.Outcome = OutcomeQueued
	default:
		out.Outcome = OutcomeDuplicate
	}
	return out, err
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, fmt.Errorf("%w: payload is required", queue.ErrInvalidItem)
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("%w: encoding payload: %w", queue.ErrInvalidItem, err)
		}
		return b, nil
	}
}

// ProcessQueue drains the queue once. The outcome is also kept for GetStatus.
func (o *Orchestrator) ProcessQueue(ctx context.Context) (queue.DrainResult, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.ProcessQueue")
	defer span.End()
	return o.queue.Drain(ctx)
}

// RoutineResult is the outcome of a lock-guarded routine. Skipped is set when another
// execution context held the lock.
type RoutineResult struct {
	lock.Result
	Skipped bool
}

// RunExclusive runs fn while holding the lock name, recording an operation record of opType.
// If another execution context holds the lock the routine is skipped.
func (o *Orchestrator) RunExclusive(ctx context.Context, name string, opType lock.OperationType, fn lock.Func) RoutineResult {
	ctx, span := tracer.Start(ctx, "orchestrator.RunExclusive")
	defer span.End()
	span.SetAttributes(attribute.String("lock", name))

	res := o.locks.WithLock(ctx, name, o.lockTTL, fn, lock.AsOperation(opType))
	if errors.Is(res.Err, lock.ErrNotAcquired) {
		ctxzap.Extract(ctx).Debug("routine already running elsewhere, skipping", zap.String("lock", name))
		return RoutineResult{Result: res, Skipped: true}
	}
	return RoutineResult{Result: res}
}

// FullResync runs fn under the full-resync lock.
func (o *Orchestrator) FullResync(ctx context.Context, fn lock.Func) RoutineResult {
	return o.RunExclusive(ctx, FullResyncLock, lock.OperationSync, fn)
}

// ResolveManualConflict settles a conflict from the manual-review list with strategy. Unless
// the remote version wins, the resolved document is submitted as an update.
func (o *Orchestrator) ResolveManualConflict(ctx context.Context, id string, strategy conflict.Strategy) (OperationResult, error) {
	c, res, err := o.resolver.ResolveManualConflict(ctx, id, strategy)
	if err != nil {
		return OperationResult{}, err
	}
	if strategy == conflict.ServerWins {
		if err := o.resolver.DismissManualConflict(ctx, id); err != nil {
			return OperationResult{}, err
		}
		o.storeBase(ctx, c.ResourceType, mustJSON(c.Remote))
		return OperationResult{ID: id, Outcome: OutcomeDiscarded, Conflicted: true}, nil
	}
	return o.submitResolution(ctx, c, res.Data)
}

// ResolveManualConflictWithValue settles a conflict by submitting value, the document the
// operator chose, as an update.
func (o *Orchestrator) ResolveManualConflictWithValue(ctx context.Context, id string, value map[string]any) (OperationResult, error) {
	if value == nil {
		return OperationResult{}, fmt.Errorf("%w: a resolved value is required", queue.ErrInvalidItem)
	}
	c, err := o.resolver.ManualConflict(ctx, id)
	if err != nil {
		return OperationResult{}, err
	}
	return o.submitResolution(ctx, c, value)
}

// submitResolution sends the settled document. The conflict leaves the review list only once
// the update was executed or queued.
func (o *Orchestrator) submitResolution(ctx context.Context, c conflict.Conflict, value map[string]any) (OperationResult, error) {
	res, err := o.QueueOperation(ctx, queue.KindUpdate, c.ResourceType, value, QueueOptions{
		Priority:         queue.PriorityHigh,
		ConflictStrategy: conflict.ClientWins,
	})
	if err != nil {
		return res, err
	}
	if res.Outcome != OutcomeExecuted && res.Outcome != OutcomeQueued {
		ctxzap.Extract(ctx).Warn("manual resolution not accepted, keeping conflict for review",
			zap.String("conflict_id", c.ID),
			zap.Stringer("outcome", res.Outcome),
		)
		return res, nil
	}
	if err := o.resolver.DismissManualConflict(ctx, c.ID); err != nil {
		return res, err
	}
	return res, nil
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
