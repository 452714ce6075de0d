package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"

	"github.com/conductorone/baton-offline/pkg/cache"
	"github.com/conductorone/baton-offline/pkg/conflict"
	"github.com/conductorone/baton-offline/pkg/queue"
)

// Remote versions of resources are remembered under base:<resourceType>:<id> so a later
// conflict on the same resource can be merged three ways.
func baseKey(resourceType, id string) string {
	return "base:" + resourceType + ":" + id
}

// ResourceKey is the cache key of one resource. Keys of a resource type share the
// "<resourceType>:" prefix that is invalidated whenever a mutation of that type succeeds.
func ResourceKey(resourceType, id string) string {
	return resourceType + ":" + id
}

func documentID(doc map[string]any) string {
	switch v := doc["id"].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

func decodeObject(raw json.RawMessage) (map[string]any, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil || doc == nil {
		return nil, false
	}
	return doc, true
}

func (o *Orchestrator) onExecuted(ctx context.Context, item queue.Item, result json.RawMessage) {
	l := ctxzap.Extract(ctx).With(zap.String("resource_type", item.ResourceType))
	if n, err := o.cache.Invalidate(ctx, item.ResourceType+":"); err != nil {
		l.Warn("failed to invalidate cache after mutation", zap.Error(err))
	} else if n > 0 {
		l.Debug("invalidated cached resources", zap.Int("count", n))
	}

	if item.Kind == queue.KindDelete {
		if doc, ok := decodeObject(item.Payload); ok {
			if id := documentID(doc); id != "" {
				if err := o.cache.Delete(ctx, baseKey(item.ResourceType, id)); err != nil {
					l.Warn("failed to drop merge base", zap.Error(err))
				}
			}
		}
		return
	}

	doc := result
	if _, ok := decodeObject(doc); !ok {
		doc = item.Payload
	}
	o.storeBase(ctx, item.ResourceType, doc)
}

// storeBase remembers doc as the last version both sides agreed on.
func (o *Orchestrator) storeBase(ctx context.Context, resourceType string, doc json.RawMessage) {
	obj, ok := decodeObject(doc)
	if !ok {
		return
	}
	id := documentID(obj)
	if id == "" {
		return
	}
	err := o.cache.Set(ctx, baseKey(resourceType, id), doc, cache.Persistent(), cache.WithTTL(o.baseTTL))
	if err != nil {
		ctxzap.Extract(ctx).Warn("failed to store merge base",
			zap.String("resource_type", resourceType),
			zap.String("resource_id", id),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) loadBase(ctx context.Context, resourceType string, local map[string]any) map[string]any {
	id := documentID(local)
	if id == "" {
		return nil
	}
	var base map[string]any
	ok, err := o.cache.Get(ctx, baseKey(resourceType, id), &base)
	if err != nil {
		ctxzap.Extract(ctx).Debug("failed to load merge base", zap.Error(err))
		return nil
	}
	if !ok {
		return nil
	}
	return base
}

func ownerIDs(m queue.Metadata) []string {
	var ids []string
	for _, id := range []string{m.OwnerID, m.UserID, m.TenantID} {
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// handleConflict settles a version conflict reported for item with the item's strategy,
// or the default one.
func (o *Orchestrator) handleConflict(ctx context.Context, item queue.Item, remote json.RawMessage) (queue.ConflictDecision, error) {
	l := ctxzap.Extract(ctx).With(zap.String("id", item.ID), zap.String("resource_type", item.ResourceType))

	strategy := o.defaultStrategy
	if item.Metadata.ConflictStrategy != "" {
		st, err := conflict.ParseStrategy(item.Metadata.ConflictStrategy)
		if err != nil {
			return queue.ConflictDecision{}, err
		}
		strategy = st
	}

	local, ok := decodeObject(item.Payload)
	if !ok {
		return queue.ConflictDecision{}, fmt.Errorf("orchestrator: payload of %s is not a JSON object", item.ID)
	}
	remoteDoc, ok := decodeObject(remote)
	if !ok {
		l.Debug("conflict without a remote version, retrying local payload once")
		return queue.ConflictDecision{Payload: item.Payload}, nil
	}

	c := conflict.Conflict{
		ID:           item.ID,
		ResourceType: item.ResourceType,
		Local:        local,
		Remote:       remoteDoc,
		Base:         o.loadBase(ctx, item.ResourceType, local),
		Timestamp:    o.now(),
		OwnerIDs:     ownerIDs(item.Metadata),
	}

	res, err := o.resolver.Resolve(ctx, c, strategy)
	if err != nil {
		return queue.ConflictDecision{}, err
	}

	switch {
	case res.RequiresManualReview:
		return queue.ConflictDecision{Manual: true}, nil
	case strategy == conflict.ServerWins:
		o.storeBase(ctx, item.ResourceType, remote)
		return queue.ConflictDecision{Discard: true}, nil
	case !res.Resolved && !o.optimisticMerge:
		l.Info("merge left conflicting fields, sending to manual review", zap.Int("field_conflicts", len(res.FieldConflicts)))
		if _, err := o.resolver.Resolve(ctx, c, conflict.Manual); err != nil {
			return queue.ConflictDecision{}, err
		}
		return queue.ConflictDecision{Manual: true}, nil
	case !res.Resolved:
		paths := make([]string, 0, len(res.FieldConflicts))
		for _, fc := range res.FieldConflicts {
			paths = append(paths, fc.Path)
		}
		l.Info("applying best-effort merge", zap.Strings("conflicting_fields", paths))
	}

	payload, err := json.Marshal(res.Data)
	if err != nil {
		return queue.ConflictDecision{}, fmt.Errorf("orchestrator: encoding resolved payload: %w", err)
	}
	return queue.ConflictDecision{Payload: payload}, nil
}
