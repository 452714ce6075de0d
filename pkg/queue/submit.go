package queue

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"

	"github.com/conductorone/baton-offline/pkg/retry"
)

// SubmitResult describes what Submit did with an item. Executed means the remote accepted
// the mutation; Queued means it waits for a later drain. ManualReview and Discarded report
// how a version conflict was settled.
type SubmitResult struct {
	ID           string          `json:"id"`
	Executed     bool            `json:"executed"`
	Queued       bool            `json:"queued"`
	Conflicted   bool            `json:"conflicted"`
	ManualReview bool            `json:"manualReview"`
	Discarded    bool            `json:"discarded"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// Submit executes item right away when online and falls back to the queue when offline or
// when execution fails with a retryable error. Validation and permanent failures are
// returned to the caller.
func (q *Queue) Submit(ctx context.Context, item Item) (SubmitResult, error) {
	ctx, span := tracer.Start(ctx, "queue.Submit")
	defer span.End()

	if err := item.validate(); err != nil {
		return SubmitResult{}, err
	}
	if item.ID == "" {
		item.ID = ksuid.New().String()
	}
	if item.MaxRetries == 0 {
		item.MaxRetries = q.maxRetries
	}
	item.assignKey()

	l := ctxzap.Extract(ctx).With(
		zap.String("id", item.ID),
		zap.String("resource_type", item.ResourceType),
		zap.Stringer("kind", item.Kind),
	)

	if !q.isOnline() {
		l.Debug("offline, queueing operation")
		return q.enqueueFallback(ctx, item, SubmitResult{})
	}

	q.limiter.Take()
	res, err := q.run(ctx, item)
	out := SubmitResult{
		ID:           item.ID,
		Conflicted:   res.conflicted,
		ManualReview: res.manual,
		Discarded:    res.discarded,
	}
	switch {
	case err == nil && res.manual:
		l.Info("operation sent to manual conflict review")
		return out, nil
	case err == nil:
		out.Executed = true
		out.Result = res.result
		if key, ok := item.callerKey(); ok {
			q.recent.Set(key, struct{}{})
		}
		if q.onExecuted != nil {
			if res.resolved != nil {
				item.Payload = res.resolved
			}
			q.onExecuted(ctx, item, res.result)
		}
		return out, nil
	case retry.IsPermanent(err):
		out.Error = err.Error()
		return out, err
	case ctx.Err() != nil:
		return out, errors.Join(err, ctx.Err())
	}

	l.Info("operation failed, queueing for retry", zap.Error(err))
	out.Error = err.Error()
	return q.enqueueFallback(ctx, item, out)
}

func (q *Queue) enqueueFallback(ctx context.Context, item Item, out SubmitResult) (SubmitResult, error) {
	id, err := q.Enqueue(ctx, item)
	if err != nil {
		return out, err
	}
	out.ID = id
	out.Queued = id != ""
	return out, nil
}
