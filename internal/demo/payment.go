package demo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	sferrors "github.com/randalmurphal/sagaflow/pkg/sagaflow/errors"
	"github.com/randalmurphal/sagaflow/pkg/sagaflow/outbox"
)

// PaymentProcessedEvent is the outbox payload for a successful charge.
type PaymentProcessedEvent struct {
	PaymentID string  `json:"payment_id"`
	Amount    float64 `json:"amount"`
}

// PaymentRefundedEvent is the outbox payload for a payment compensation.
type PaymentRefundedEvent struct {
	PaymentID string `json:"payment_id"`
}

// PaymentParticipant stands in for the payment gateway.
type PaymentParticipant struct {
	db     *sql.DB
	outbox *outbox.SQLiteStore
	idemp  *idempotencyStore

	mu sync.Mutex
	// Decline, if set, is consulted on every Invoke; returning true makes
	// that call fail BUSINESS/DECLINED instead of charging, exercising
	// exercising a declined-payment scenario.
	Decline func(in OrderInput) bool
}

// NewPaymentParticipant opens an in-memory payments database and its
// outbox table.
func NewPaymentParticipant() (*PaymentParticipant, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open payment db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`CREATE TABLE payments (payment_id TEXT PRIMARY KEY, amount REAL, status TEXT)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create payments table: %w", err)
	}

	ob, err := outbox.NewSQLiteStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &PaymentParticipant{db: db, outbox: ob, idemp: newIdempotencyStore()}, nil
}

func (p *PaymentParticipant) Close() error { return p.db.Close() }

func (p *PaymentParticipant) Outbox() outbox.Store { return p.outbox }

// Invoke charges the order's total.
func (p *PaymentParticipant) Invoke(ctx context.Context, step string, idempotencyKey string, payload []byte) (string, error) {
	if handle, ok := p.idemp.get(idempotencyKey); ok {
		return handle, nil
	}

	var in OrderInput
	if err := json.Unmarshal(payload, &in); err != nil {
		return "", sferrors.FatalInternal(err, "decode payment input")
	}

	p.mu.Lock()
	decline := p.Decline
	p.mu.Unlock()
	if decline != nil && decline(in) {
		return "", sferrors.Business(fmt.Errorf("payment declined"), "process payment")
	}

	paymentID := "pay-" + idempotencyKey

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return "", sferrors.Transient(err, "begin payment tx")
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO payments (payment_id, amount, status) VALUES (?, ?, 'CHARGED')`,
		paymentID, in.Total); err != nil {
		tx.Rollback()
		return "", sferrors.Transient(err, "insert payment")
	}

	evtPayload, _ := json.Marshal(PaymentProcessedEvent{PaymentID: paymentID, Amount: in.Total})
	row := &outbox.Row{
		EventID:       outbox.NewEventID(),
		AggregateType: "payment",
		AggregateID:   paymentID,
		EventType:     "PaymentProcessed",
		Payload:       evtPayload,
	}
	if err := p.outbox.InsertTx(ctx, tx, row); err != nil {
		tx.Rollback()
		return "", sferrors.Transient(err, "insert payment outbox row")
	}

	if err := tx.Commit(); err != nil {
		return "", sferrors.Transient(err, "commit payment tx")
	}

	p.idemp.put(idempotencyKey, paymentID)
	return paymentID, nil
}

// Compensate refunds a previously charged payment.
func (p *PaymentParticipant) Compensate(ctx context.Context, step string, idempotencyKey string, handle string) error {
	if _, ok := p.idemp.get(idempotencyKey); ok {
		return nil
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return sferrors.Transient(err, "begin refund tx")
	}

	if _, err := tx.ExecContext(ctx, `UPDATE payments SET status = 'REFUNDED' WHERE payment_id = ?`, handle); err != nil {
		tx.Rollback()
		return sferrors.Transient(err, "refund payment")
	}

	evtPayload, _ := json.Marshal(PaymentRefundedEvent{PaymentID: handle})
	row := &outbox.Row{
		EventID:       outbox.NewEventID(),
		AggregateType: "payment",
		AggregateID:   handle,
		EventType:     "PaymentRefunded",
		Payload:       evtPayload,
	}
	if err := p.outbox.InsertTx(ctx, tx, row); err != nil {
		tx.Rollback()
		return sferrors.Transient(err, "insert refund outbox row")
	}

	if err := tx.Commit(); err != nil {
		return sferrors.Transient(err, "commit refund tx")
	}

	p.idemp.put(idempotencyKey, handle)
	return nil
}
