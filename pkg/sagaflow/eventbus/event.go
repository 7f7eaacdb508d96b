// Package eventbus provides the publish side of the transactional outbox:
// a small in-process bus that participants and the outbox relay use to
// fan messages out to subscribers, plus the Message envelope that the
// relay builds from an outbox row.
package eventbus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event is the envelope delivered through the Bus. The outbox relay
// builds one from each delivered row; subscribers never see a row
// directly.
type Event interface {
	// Identity
	ID() string     // Unique message identifier (outbox event_id)
	Type() string   // Message type (e.g. "order.created", "payment.declined")
	Source() string // Originating participant/topic

	// Correlation for distributed tracing
	CorrelationID() string // Groups related messages across services
	CausationID() string   // ID of the message that directly caused this one

	// Metadata
	Timestamp() time.Time // When the message was produced
	Version() int         // Schema version for evolution
	AggregateID() string  // Aggregate the message belongs to; relay publish ordering key

	// Payload
	Data() any         // Strongly-typed payload
	DataBytes() []byte // Serialized payload for transport
}

// Metadata contains common message metadata fields.
type Metadata struct {
	EventID       string    `json:"id"`
	EventType     string    `json:"type"`
	EventSource   string    `json:"source"`
	CorrelationID string    `json:"correlation_id"`
	CausationID   string    `json:"causation_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	SchemaVersion int       `json:"schema_version"`
	AggregateID   string    `json:"aggregate_id"`
}

// BaseEvent is the generic message implementation. T is the payload type
// for type-safe access.
type BaseEvent[T any] struct {
	Meta    Metadata `json:"metadata"`
	Payload T        `json:"payload"`

	cachedBytes []byte
}

func (e *BaseEvent[T]) ID() string            { return e.Meta.EventID }
func (e *BaseEvent[T]) Type() string          { return e.Meta.EventType }
func (e *BaseEvent[T]) Source() string        { return e.Meta.EventSource }
func (e *BaseEvent[T]) CorrelationID() string { return e.Meta.CorrelationID }
func (e *BaseEvent[T]) CausationID() string   { return e.Meta.CausationID }
func (e *BaseEvent[T]) Timestamp() time.Time  { return e.Meta.Timestamp }
func (e *BaseEvent[T]) Version() int          { return e.Meta.SchemaVersion }
func (e *BaseEvent[T]) AggregateID() string   { return e.Meta.AggregateID }
func (e *BaseEvent[T]) Data() any             { return e.Payload }
func (e *BaseEvent[T]) TypedData() T          { return e.Payload }

// DataBytes returns the serialized payload. The result is cached.
func (e *BaseEvent[T]) DataBytes() []byte {
	if e.cachedBytes == nil {
		e.cachedBytes, _ = json.Marshal(e.Payload)
	}
	return e.cachedBytes
}

// MarshalJSON implements json.Marshaler.
func (e *BaseEvent[T]) MarshalJSON() ([]byte, error) {
	type alias BaseEvent[T]
	return json.Marshal((*alias)(e))
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *BaseEvent[T]) UnmarshalJSON(data []byte) error {
	type alias BaseEvent[T]
	if err := json.Unmarshal(data, (*alias)(e)); err != nil {
		return err
	}
	e.cachedBytes = nil
	return nil
}

// EventOption configures message creation.
type EventOption func(*eventConfig)

type eventConfig struct {
	id            string
	correlationID string
	causationID   string
	timestamp     time.Time
	version       int
}

func WithEventID(id string) EventOption {
	return func(cfg *eventConfig) { cfg.id = id }
}

func WithCorrelationID(id string) EventOption {
	return func(cfg *eventConfig) { cfg.correlationID = id }
}

func WithCausationID(id string) EventOption {
	return func(cfg *eventConfig) { cfg.causationID = id }
}

func WithTimestamp(t time.Time) EventOption {
	return func(cfg *eventConfig) { cfg.timestamp = t }
}

func WithSchemaVersion(v int) EventOption {
	return func(cfg *eventConfig) { cfg.version = v }
}

// New creates a new message with the given type, source, aggregate and payload.
func New[T any](
	eventType string,
	source string,
	aggregateID string,
	payload T,
	opts ...EventOption,
) *BaseEvent[T] {
	cfg := &eventConfig{
		id:        uuid.New().String(),
		timestamp: time.Now(),
		version:   1,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.correlationID == "" {
		cfg.correlationID = cfg.id
	}

	return &BaseEvent[T]{
		Meta: Metadata{
			EventID:       cfg.id,
			EventType:     eventType,
			EventSource:   source,
			CorrelationID: cfg.correlationID,
			CausationID:   cfg.causationID,
			Timestamp:     cfg.timestamp,
			SchemaVersion: cfg.version,
			AggregateID:   aggregateID,
		},
		Payload: payload,
	}
}

// NewFromParent creates a message caused by a parent message, inheriting
// its correlation ID and setting causation ID.
func NewFromParent[T any](
	parent Event,
	eventType string,
	source string,
	payload T,
	opts ...EventOption,
) *BaseEvent[T] {
	parentOpts := []EventOption{
		WithCorrelationID(parent.CorrelationID()),
		WithCausationID(parent.ID()),
	}
	allOpts := append(parentOpts, opts...)
	return New(eventType, source, parent.AggregateID(), payload, allOpts...)
}

// NewAny creates a message with an untyped (any) payload.
func NewAny(
	eventType string,
	source string,
	aggregateID string,
	payload any,
	opts ...EventOption,
) *BaseEvent[any] {
	return New(eventType, source, aggregateID, payload, opts...)
}

// NewAnyFromParent creates a message with untyped payload from a parent message.
func NewAnyFromParent(
	parent Event,
	eventType string,
	source string,
	payload any,
	opts ...EventOption,
) *BaseEvent[any] {
	return NewFromParent(parent, eventType, source, payload, opts...)
}

// Handler processes messages and optionally returns derived messages.
type Handler interface {
	Handle(ctx context.Context, evt Event) ([]Event, error)
	// Handles returns the message types this handler processes.
	// Empty means it accepts all types.
	Handles() []string
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, evt Event) ([]Event, error)

func (f HandlerFunc) Handle(ctx context.Context, evt Event) ([]Event, error) {
	return f(ctx, evt)
}

func (f HandlerFunc) Handles() []string { return nil }

// TypedHandler wraps a function handling a specific payload type.
func TypedHandler[T any](
	eventTypes []string,
	fn func(ctx context.Context, payload T, meta Metadata) ([]Event, error),
) Handler {
	return &typedHandler[T]{eventTypes: eventTypes, fn: fn}
}

type typedHandler[T any] struct {
	eventTypes []string
	fn         func(ctx context.Context, payload T, meta Metadata) ([]Event, error)
}

func (h *typedHandler[T]) Handle(ctx context.Context, evt Event) ([]Event, error) {
	var payload T

	switch d := evt.Data().(type) {
	case T:
		payload = d
	case map[string]any:
		bytes, err := json.Marshal(d)
		if err != nil {
			return nil, &EventError{Event: evt, Message: "failed to marshal message data", Err: err}
		}
		if err := json.Unmarshal(bytes, &payload); err != nil {
			return nil, &EventError{Event: evt, Message: "failed to unmarshal message data to expected type", Err: err}
		}
	default:
		return nil, &EventError{Event: evt, Message: "unexpected payload type"}
	}

	meta := Metadata{
		EventID:       evt.ID(),
		EventType:     evt.Type(),
		EventSource:   evt.Source(),
		CorrelationID: evt.CorrelationID(),
		CausationID:   evt.CausationID(),
		Timestamp:     evt.Timestamp(),
		SchemaVersion: evt.Version(),
		AggregateID:   evt.AggregateID(),
	}

	return h.fn(ctx, payload, meta)
}

func (h *typedHandler[T]) Handles() []string { return h.eventTypes }

// MiddlewareFunc wraps handlers to add cross-cutting concerns.
type MiddlewareFunc func(next Handler) Handler

// ChainMiddleware applies middleware in order, with the first middleware outermost.
func ChainMiddleware(handler Handler, middleware ...MiddlewareFunc) Handler {
	for i := len(middleware) - 1; i >= 0; i-- {
		handler = middleware[i](handler)
	}
	return handler
}
