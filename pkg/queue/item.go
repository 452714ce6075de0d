package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Kind uint8

const (
	KindCreate Kind = iota
	KindUpdate
	KindDelete
)

func (k Kind) String() string {
	switch k {
	case KindCreate:
		return "create"
	case KindUpdate:
		return "update"
	case KindDelete:
		return "delete"
	default:
		return "unknown"
	}
}

func (k Kind) Valid() bool {
	return k <= KindDelete
}

func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *Kind) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseKind(s)
	if err != nil {
		return err
	}
	*k = v
	return nil
}

func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "create":
		return KindCreate, nil
	case "update":
		return KindUpdate, nil
	case "delete":
		return KindDelete, nil
	default:
		return 0, fmt.Errorf("%w: unknown kind %q", ErrInvalidItem, s)
	}
}

// Priority orders the queue. The zero value is normal.
type Priority uint8

const (
	PriorityNormal Priority = iota
	PriorityLow
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}

func (p Priority) rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityHigh:
		return 2
	default:
		return 1
	}
}

func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Priority) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(s) {
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "high":
		return PriorityHigh, nil
	default:
		return 0, fmt.Errorf("%w: unknown priority %q", ErrInvalidItem, s)
	}
}

type Metadata struct {
	OwnerID          string `json:"ownerId,omitempty"`
	UserID           string `json:"userId,omitempty"`
	TenantID         string `json:"tenantId,omitempty"`
	ConflictStrategy string `json:"conflictStrategy,omitempty"`
	IdempotencyKey   string `json:"idempotencyKey,omitempty"`
	// DerivedKey is set when IdempotencyKey was computed from the payload rather than
	// supplied by the caller.
	DerivedKey bool `json:"derivedKey,omitempty"`
}

// Item is a pending mutation. RetryCount never exceeds MaxRetries while the item is live.
type Item struct {
	ID             string          `json:"id"`
	Kind           Kind            `json:"kind"`
	ResourceType   string          `json:"resourceType"`
	Payload        json.RawMessage `json:"payload"`
	EnqueuedAt     time.Time       `json:"enqueuedAt"`
	RetryCount     int             `json:"retryCount"`
	MaxRetries     int             `json:"maxRetries"`
	Priority       Priority        `json:"priority"`
	Metadata       Metadata        `json:"metadata"`
	NextAttemptAt  time.Time       `json:"nextAttemptAt,omitempty"`
	LastError      string          `json:"lastError,omitempty"`
	DeadLetteredAt time.Time       `json:"deadLetteredAt,omitempty"`
	// Revision counts payload merges into the live item.
	Revision int `json:"revision,omitempty"`
}

func (i Item) validate() error {
	if !i.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidItem, i.Kind)
	}
	if strings.TrimSpace(i.ResourceType) == "" {
		return fmt.Errorf("%w: resource type is required", ErrInvalidItem)
	}
	if len(i.Payload) == 0 || !json.Valid(i.Payload) {
		return fmt.Errorf("%w: payload must be valid JSON", ErrInvalidItem)
	}
	if i.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries must be >= 0", ErrInvalidItem)
	}
	return nil
}

// IdempotencyKey returns the explicit key from the metadata, or one derived from the
// resource type, kind and canonical payload.
func (i Item) IdempotencyKey() string {
	if i.Metadata.IdempotencyKey != "" {
		return i.Metadata.IdempotencyKey
	}
	sum := sha256.Sum256(canonical(i.Payload))
	return i.ResourceType + ":" + i.Kind.String() + ":" + hex.EncodeToString(sum[:])
}

// assignKey fills in a derived idempotency key when the caller gave none.
func (i *Item) assignKey() {
	if i.Metadata.IdempotencyKey == "" {
		i.Metadata.IdempotencyKey = i.IdempotencyKey()
		i.Metadata.DerivedKey = true
	}
}

// callerKey returns the key the caller supplied, if any. Only those keys are remembered
// after completion: a derived key names a payload, and the same payload may legitimately be
// sent again after a different one.
func (i Item) callerKey() (string, bool) {
	if i.Metadata.IdempotencyKey == "" || i.Metadata.DerivedKey {
		return "", false
	}
	return i.Metadata.IdempotencyKey, true
}

// canonical re-encodes payload so that key order and whitespace do not change its identity.
func canonical(payload json.RawMessage) []byte {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return payload
	}
	b, err := json.Marshal(v)
	if err != nil {
		return payload
	}
	return b
}

// less is the drain order: higher priority first, then older first.
func less(a, b Item) bool {
	if a.Priority.rank() != b.Priority.rank() {
		return a.Priority.rank() > b.Priority.rank()
	}
	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}
	return a.ID < b.ID
}

// Operation is what an Executor receives for one attempt.
type Operation struct {
	ID           string
	Kind         Kind
	ResourceType string
	Payload      json.RawMessage
	Metadata     Metadata
	Attempt      int
}

// Executor performs a queued mutation against the remote system. It should be idempotent:
// concurrent drains in separate processes may run the same item more than once.
type Executor interface {
	Execute(ctx context.Context, op Operation) (json.RawMessage, error)
}

type ExecutorFunc func(ctx context.Context, op Operation) (json.RawMessage, error)

func (f ExecutorFunc) Execute(ctx context.Context, op Operation) (json.RawMessage, error) {
	return f(ctx, op)
}

// ConflictError is returned by an Executor when the remote rejected the mutation because
// its version diverged. Remote holds the remote's current representation.
type ConflictError struct {
	Remote json.RawMessage
	Err    error
}

func (e *ConflictError) Error() string {
	if e.Err != nil {
		return "queue: remote version conflict: " + e.Err.Error()
	}
	return "queue: remote version conflict"
}

func (e *ConflictError) Unwrap() error {
	return e.Err
}

func AsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// ConflictDecision is a ConflictHandler's verdict. A non-nil Payload is executed once in
// place of the item's payload. Manual removes the item from the queue. Discard drops the
// local mutation in favor of the remote version and counts as resolved.
type ConflictDecision struct {
	Payload json.RawMessage
	Manual  bool
	Discard bool
}

type ConflictHandler interface {
	HandleConflict(ctx context.Context, item Item, remote json.RawMessage) (ConflictDecision, error)
}

type ConflictHandlerFunc func(ctx context.Context, item Item, remote json.RawMessage) (ConflictDecision, error)

func (f ConflictHandlerFunc) HandleConflict(ctx context.Context, item Item, remote json.RawMessage) (ConflictDecision, error) {
	return f(ctx, item, remote)
}
