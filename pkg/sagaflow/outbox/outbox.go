// Package outbox implements the transactional outbox half of the saga
// core: a per-participant table co-written with a business mutation in
// one local transaction, and the Relay that later drains pending rows
// to an event bus.
//
// A participant proves the co-write by sharing its own *sql.Tx with
// InsertTx; nothing in this package ever sees a business row, only the
// event describing it. That keeps the ownership split clean: the
// outbox is single-writer (its participant) for inserts and
// single-writer (its Relay) for status updates.
package outbox

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an outbox row.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusDelivered Status = "DELIVERED"
	StatusDead      Status = "DEAD"
)

// Row is one outbox entry: the event half of a participant's atomic
// business-mutation-plus-event co-write.
type Row struct {
	EventID       string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	CreatedAt     time.Time
	DeliveredAt   *time.Time
	AttemptCount  int
	Status        Status
}

// NewEventID returns a globally unique event id suitable as both the
// row's primary key and the bus consumer's deduplication key.
func NewEventID() string {
	return uuid.NewString()
}

// ErrRowNotFound is returned when an operation references an event_id
// that doesn't exist in the store.
var ErrRowNotFound = errors.New("outbox: row not found")

// ErrRowExists is returned by an insert that collides with an existing
// event_id.
var ErrRowExists = errors.New("outbox: row already exists")
