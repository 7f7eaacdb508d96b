package outbox

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/001_initial.sql
var sqliteMigration string

// SQLiteStore is a durable Store backed by a pure-Go SQLite driver. It
// migrates its table into a *sql.DB the caller already owns, so a
// participant's business table and its outbox table share one
// connection and one transaction: NewSQLiteStore never opens its own
// database, because the whole point of the outbox is that the business
// row and the event row commit together.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteStore migrates the outbox table into db and returns a Store
// over it. Callers obtain tx values for InsertTx via db.BeginTx so the
// outbox insert and their own business-table write share one
// transaction.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	store := &SQLiteStore{db: db}
	if _, err := db.Exec(sqliteMigration); err != nil {
		return nil, fmt.Errorf("migrate outbox table: %w", err)
	}
	return store, nil
}

// DB returns the underlying database handle, for participants that need
// to open a shared transaction with InsertTx.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// InsertTx inserts row as part of tx, an already-open transaction the
// caller also uses to write its own business mutation. Both commit or
// roll back together.
func (s *SQLiteStore) InsertTx(ctx context.Context, tx *sql.Tx, row *Row) error {
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	if row.Status == "" {
		row.Status = StatusPending
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO outbox_rows (event_id, aggregate_type, aggregate_id, event_type, payload,
			created_at, delivered_at, attempt_count, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, row.EventID, row.AggregateType, row.AggregateID, row.EventType, row.Payload,
		row.CreatedAt.Format(time.RFC3339Nano), formatTimePtr(row.DeliveredAt), row.AttemptCount, string(row.Status))
	return err
}

// Insert inserts row in its own transaction. A convenience for callers
// with no accompanying business mutation to co-write.
func (s *SQLiteStore) Insert(ctx context.Context, row *Row) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := s.InsertTx(ctx, tx, row); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) FetchPending(ctx context.Context, limit int) ([]*Row, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, aggregate_type, aggregate_id, event_type, payload,
			created_at, delivered_at, attempt_count, status
		FROM outbox_rows
		WHERE status = ?
		ORDER BY created_at, event_id
		LIMIT ?
	`, string(StatusPending), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Row
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) MarkDelivered(ctx context.Context, eventID string, deliveredAt time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE outbox_rows SET status = ?, delivered_at = ?
		WHERE event_id = ? AND status != ?
	`, string(StatusDelivered), deliveredAt.UTC().Format(time.RFC3339Nano), eventID, string(StatusDelivered))
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n > 0 {
		return nil
	}
	// Either already delivered (no-op, fine) or the row doesn't exist.
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM outbox_rows WHERE event_id = ?`, eventID).Scan(&exists); err != nil {
		if err == sql.ErrNoRows {
			return ErrRowNotFound
		}
		return err
	}
	return nil
}

// MarkFailed reads, increments and writes attempt_count as one
// serialized operation; the single open connection (see
// db.SetMaxOpenConns) makes the mutex belt-and-suspenders rather than
// load-bearing, but it keeps the read-modify-write visibly atomic.
func (s *SQLiteStore) MarkFailed(ctx context.Context, eventID string, deadThreshold int) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var attempts int
	err := s.db.QueryRowContext(ctx, `SELECT attempt_count FROM outbox_rows WHERE event_id = ?`, eventID).Scan(&attempts)
	if err == sql.ErrNoRows {
		return "", ErrRowNotFound
	}
	if err != nil {
		return "", err
	}

	attempts++
	status := StatusPending
	if deadThreshold > 0 && attempts >= deadThreshold {
		status = StatusDead
	}

	if _, err := s.db.ExecContext(ctx, `
		UPDATE outbox_rows SET attempt_count = ?, status = ? WHERE event_id = ?
	`, attempts, string(status), eventID); err != nil {
		return "", err
	}
	return status, nil
}

func scanRow(rows *sql.Rows) (*Row, error) {
	var row Row
	var payload []byte
	var deliveredAt sql.NullString
	var createdAt, status string

	if err := rows.Scan(&row.EventID, &row.AggregateType, &row.AggregateID, &row.EventType, &payload,
		&createdAt, &deliveredAt, &row.AttemptCount, &status); err != nil {
		return nil, err
	}
	row.Payload = payload
	row.Status = Status(status)

	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	row.CreatedAt = t

	if deliveredAt.Valid && deliveredAt.String != "" {
		if t, err := time.Parse(time.RFC3339Nano, deliveredAt.String); err == nil {
			row.DeliveredAt = &t
		}
	}
	return &row, nil
}

func formatTimePtr(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

var _ Store = (*SQLiteStore)(nil)
