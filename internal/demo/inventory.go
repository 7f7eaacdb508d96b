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

// InventoryReservedEvent is the outbox payload for a successful reservation.
type InventoryReservedEvent struct {
	ReservationID string      `json:"reservation_id"`
	Items         []OrderItem `json:"items"`
}

// InventoryReleasedEvent is the outbox payload for a reservation release.
type InventoryReleasedEvent struct {
	ReservationID string `json:"reservation_id"`
}

// InventoryParticipant stands in for the inventory service. Stock is
// tracked in a table seeded by NewInventoryParticipant; Invoke checks
// quantity on hand and returns a BUSINESS error when insufficient,
// a domain precondition violation rather than a transient fault.
type InventoryParticipant struct {
	db     *sql.DB
	outbox *outbox.SQLiteStore
	idemp  *idempotencyStore
	faults *faultCounter

	mu sync.Mutex
	// FailFirstN, if > 0, makes Invoke return a TRANSIENT error for the
	// first N calls sharing an idempotency key before it succeeds,
	// exercising a retry-then-succeed scenario.
	FailFirstN int
	// FailCompensate, if true, makes every Compensate call fail
	// TRANSIENT, used to drive compensation-failure scenarios.
	FailCompensate bool
}

// NewInventoryParticipant opens an in-memory stock database seeded with
// the given per-product quantities.
func NewInventoryParticipant(stock map[string]int) (*InventoryParticipant, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open inventory db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`CREATE TABLE stock (product_id TEXT PRIMARY KEY, quantity INTEGER)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create stock table: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE reservations (reservation_id TEXT PRIMARY KEY, items_json TEXT, status TEXT)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create reservations table: %w", err)
	}
	for productID, qty := range stock {
		if _, err := db.Exec(`INSERT INTO stock (product_id, quantity) VALUES (?, ?)`, productID, qty); err != nil {
			db.Close()
			return nil, fmt.Errorf("seed stock: %w", err)
		}
	}

	ob, err := outbox.NewSQLiteStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &InventoryParticipant{
		db:     db,
		outbox: ob,
		idemp:  newIdempotencyStore(),
		faults: newFaultCounter(),
	}, nil
}

func (p *InventoryParticipant) Close() error { return p.db.Close() }

func (p *InventoryParticipant) Outbox() outbox.Store { return p.outbox }

// Invoke reserves stock for the order's items.
func (p *InventoryParticipant) Invoke(ctx context.Context, step string, idempotencyKey string, payload []byte) (string, error) {
	if handle, ok := p.idemp.get(idempotencyKey); ok {
		return handle, nil
	}

	p.mu.Lock()
	failFirstN := p.FailFirstN
	p.mu.Unlock()
	if failFirstN > 0 && p.faults.next(idempotencyKey) <= failFirstN {
		return "", sferrors.Transient(fmt.Errorf("inventory service temporarily unavailable"), "reserve inventory")
	}

	var in OrderInput
	if err := json.Unmarshal(payload, &in); err != nil {
		return "", sferrors.FatalInternal(err, "decode inventory input")
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return "", sferrors.Transient(err, "begin reserve tx")
	}

	for _, item := range in.Items {
		var qty int
		if err := tx.QueryRowContext(ctx, `SELECT quantity FROM stock WHERE product_id = ?`, item.ProductID).Scan(&qty); err != nil {
			tx.Rollback()
			if err == sql.ErrNoRows {
				return "", sferrors.Business(fmt.Errorf("unknown product %s", item.ProductID), "reserve inventory")
			}
			return "", sferrors.Transient(err, "read stock")
		}
		if qty < item.Quantity {
			tx.Rollback()
			return "", sferrors.Business(fmt.Errorf("insufficient stock for %s", item.ProductID), "reserve inventory")
		}
	}
	for _, item := range in.Items {
		if _, err := tx.ExecContext(ctx, `UPDATE stock SET quantity = quantity - ? WHERE product_id = ?`, item.Quantity, item.ProductID); err != nil {
			tx.Rollback()
			return "", sferrors.Transient(err, "debit stock")
		}
	}

	reservationID := "resv-" + idempotencyKey
	itemsJSON, _ := json.Marshal(in.Items)
	if _, err := tx.ExecContext(ctx, `INSERT INTO reservations (reservation_id, items_json, status) VALUES (?, ?, 'RESERVED')`,
		reservationID, string(itemsJSON)); err != nil {
		tx.Rollback()
		return "", sferrors.Transient(err, "insert reservation")
	}

	evtPayload, _ := json.Marshal(InventoryReservedEvent{ReservationID: reservationID, Items: in.Items})
	row := &outbox.Row{
		EventID:       outbox.NewEventID(),
		AggregateType: "inventory",
		AggregateID:   reservationID,
		EventType:     "InventoryReserved",
		Payload:       evtPayload,
	}
	if err := p.outbox.InsertTx(ctx, tx, row); err != nil {
		tx.Rollback()
		return "", sferrors.Transient(err, "insert reservation outbox row")
	}

	if err := tx.Commit(); err != nil {
		return "", sferrors.Transient(err, "commit reserve tx")
	}

	p.idemp.put(idempotencyKey, reservationID)
	return reservationID, nil
}

// Compensate releases a previous reservation, restoring stock.
func (p *InventoryParticipant) Compensate(ctx context.Context, step string, idempotencyKey string, handle string) error {
	if _, ok := p.idemp.get(idempotencyKey); ok {
		return nil
	}

	p.mu.Lock()
	failCompensate := p.FailCompensate
	p.mu.Unlock()
	if failCompensate {
		return sferrors.Transient(fmt.Errorf("inventory release endpoint unreachable"), "release inventory")
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return sferrors.Transient(err, "begin release tx")
	}

	var itemsJSON string
	if err := tx.QueryRowContext(ctx, `SELECT items_json FROM reservations WHERE reservation_id = ?`, handle).Scan(&itemsJSON); err != nil {
		tx.Rollback()
		if err == sql.ErrNoRows {
			return sferrors.FatalInternal(err, "reservation not found")
		}
		return sferrors.Transient(err, "read reservation")
	}

	var items []OrderItem
	if err := json.Unmarshal([]byte(itemsJSON), &items); err != nil {
		tx.Rollback()
		return sferrors.FatalInternal(err, "decode reservation items")
	}

	for _, item := range items {
		if _, err := tx.ExecContext(ctx, `UPDATE stock SET quantity = quantity + ? WHERE product_id = ?`, item.Quantity, item.ProductID); err != nil {
			tx.Rollback()
			return sferrors.Transient(err, "credit stock")
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE reservations SET status = 'RELEASED' WHERE reservation_id = ?`, handle); err != nil {
		tx.Rollback()
		return sferrors.Transient(err, "update reservation status")
	}

	evtPayload, _ := json.Marshal(InventoryReleasedEvent{ReservationID: handle})
	row := &outbox.Row{
		EventID:       outbox.NewEventID(),
		AggregateType: "inventory",
		AggregateID:   handle,
		EventType:     "InventoryReleased",
		Payload:       evtPayload,
	}
	if err := p.outbox.InsertTx(ctx, tx, row); err != nil {
		tx.Rollback()
		return sferrors.Transient(err, "insert release outbox row")
	}

	if err := tx.Commit(); err != nil {
		return sferrors.Transient(err, "commit release tx")
	}

	p.idemp.put(idempotencyKey, handle)
	return nil
}
