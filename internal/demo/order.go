package demo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	sferrors "github.com/randalmurphal/sagaflow/pkg/sagaflow/errors"
	"github.com/randalmurphal/sagaflow/pkg/sagaflow/outbox"
)

// OrderInput is the saga input projected to the createOrder step.
type OrderInput struct {
	Customer string      `json:"customer"`
	Items    []OrderItem `json:"items"`
	Total    float64     `json:"total"`
}

// OrderItem is one line item of an OrderInput.
type OrderItem struct {
	ProductID string `json:"p"`
	Quantity  int    `json:"q"`
}

// OrderCreatedEvent is the outbox payload for a successful createOrder.
type OrderCreatedEvent struct {
	OrderID  string  `json:"order_id"`
	Customer string  `json:"customer"`
	Total    float64 `json:"total"`
}

// OrderCancelledEvent is the outbox payload for a createOrder compensation.
type OrderCancelledEvent struct {
	OrderID string `json:"order_id"`
}

// OrderParticipant stands in for the order service: it owns an orders
// table and an outbox table in one sqlite database so creating or
// cancelling an order co-writes its business row and outbox row in a
// single transaction, so a crash between the two writes is impossible.
type OrderParticipant struct {
	db     *sql.DB
	outbox *outbox.SQLiteStore
	idemp  *idempotencyStore
}

// NewOrderParticipant opens an in-memory orders database and its outbox
// table.
func NewOrderParticipant() (*OrderParticipant, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open order db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`CREATE TABLE orders (
		order_id TEXT PRIMARY KEY, customer TEXT, total REAL, status TEXT
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create orders table: %w", err)
	}

	ob, err := outbox.NewSQLiteStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &OrderParticipant{db: db, outbox: ob, idemp: newIdempotencyStore()}, nil
}

// Close releases the underlying database.
func (p *OrderParticipant) Close() error { return p.db.Close() }

// Outbox exposes the participant's outbox store for a Relay to drain.
func (p *OrderParticipant) Outbox() outbox.Store { return p.outbox }

// Invoke creates an order, idempotent on idempotencyKey.
func (p *OrderParticipant) Invoke(ctx context.Context, step string, idempotencyKey string, payload []byte) (string, error) {
	if handle, ok := p.idemp.get(idempotencyKey); ok {
		return handle, nil
	}

	var in OrderInput
	if err := json.Unmarshal(payload, &in); err != nil {
		return "", sferrors.FatalInternal(err, "decode order input")
	}

	orderID := "ord-" + idempotencyKey

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return "", sferrors.Transient(err, "begin order tx")
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO orders (order_id, customer, total, status) VALUES (?, ?, ?, 'CREATED')`,
		orderID, in.Customer, in.Total); err != nil {
		tx.Rollback()
		return "", sferrors.Transient(err, "insert order")
	}

	evtPayload, _ := json.Marshal(OrderCreatedEvent{OrderID: orderID, Customer: in.Customer, Total: in.Total})
	row := &outbox.Row{
		EventID:       outbox.NewEventID(),
		AggregateType: "order",
		AggregateID:   orderID,
		EventType:     "OrderCreated",
		Payload:       evtPayload,
	}
	if err := p.outbox.InsertTx(ctx, tx, row); err != nil {
		tx.Rollback()
		return "", sferrors.Transient(err, "insert order outbox row")
	}

	if err := tx.Commit(); err != nil {
		return "", sferrors.Transient(err, "commit order tx")
	}

	p.idemp.put(idempotencyKey, orderID)
	return orderID, nil
}

// Compensate cancels a previously created order.
func (p *OrderParticipant) Compensate(ctx context.Context, step string, idempotencyKey string, handle string) error {
	if _, ok := p.idemp.get(idempotencyKey); ok {
		return nil
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return sferrors.Transient(err, "begin cancel tx")
	}

	if _, err := tx.ExecContext(ctx, `UPDATE orders SET status = 'CANCELLED' WHERE order_id = ?`, handle); err != nil {
		tx.Rollback()
		return sferrors.Transient(err, "cancel order")
	}

	evtPayload, _ := json.Marshal(OrderCancelledEvent{OrderID: handle})
	row := &outbox.Row{
		EventID:       outbox.NewEventID(),
		AggregateType: "order",
		AggregateID:   handle,
		EventType:     "OrderCancelled",
		Payload:       evtPayload,
	}
	if err := p.outbox.InsertTx(ctx, tx, row); err != nil {
		tx.Rollback()
		return sferrors.Transient(err, "insert cancel outbox row")
	}

	if err := tx.Commit(); err != nil {
		return sferrors.Transient(err, "commit cancel tx")
	}

	p.idemp.put(idempotencyKey, handle)
	return nil
}
