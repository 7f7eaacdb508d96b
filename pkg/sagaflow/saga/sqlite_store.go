package saga

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/001_initial.sql
var sqliteMigration string

// SQLiteStore is a durable Store backed by a pure-Go SQLite driver. It is
// the saga log: the row a coordinator crash must be able to recover
// from.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteStore opens (and migrates) a SQLite-backed saga log at dsn.
// Use ":memory:" for an ephemeral database, useful in tests.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn != ":memory:" {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// One connection serializes writers and sidesteps SQLITE_BUSY; the
	// saga log is single-writer per row anyway under leasing.
	db.SetMaxOpenConns(1)

	if dsn == ":memory:" {
		if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(sqliteMigration)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Create(ctx context.Context, inst *Instance) error {
	stepsJSON, err := json.Marshal(inst.StepResults)
	if err != nil {
		return fmt.Errorf("marshal step results: %w", err)
	}

	now := time.Now().UTC()
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	inst.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO saga_instances (saga_id, definition_id, status, current_step_index, step_results_blob,
			input_payload, failure_reason, owner_id, lease_expiry, created_at, updated_at, deadline_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, inst.SagaID, inst.DefinitionID, string(inst.Status), inst.CurrentStepIndex, string(stepsJSON),
		inst.InputPayload, inst.FailureReason, inst.OwnerID, formatTimePtr(&inst.LeaseExpiry),
		inst.CreatedAt.Format(time.RFC3339Nano), inst.UpdatedAt.Format(time.RFC3339Nano), formatTimePtr(inst.DeadlineAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return ErrInstanceExists
		}
		return err
	}
	return nil
}

func (s *SQLiteStore) Update(ctx context.Context, inst *Instance) error {
	stepsJSON, err := json.Marshal(inst.StepResults)
	if err != nil {
		return fmt.Errorf("marshal step results: %w", err)
	}
	inst.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE saga_instances SET definition_id=?, status=?, current_step_index=?, step_results_blob=?,
			input_payload=?, failure_reason=?, owner_id=?, lease_expiry=?, updated_at=?, deadline_at=?
		WHERE saga_id=?
	`, inst.DefinitionID, string(inst.Status), inst.CurrentStepIndex, string(stepsJSON),
		inst.InputPayload, inst.FailureReason, inst.OwnerID, formatTimePtr(&inst.LeaseExpiry),
		inst.UpdatedAt.Format(time.RFC3339Nano), formatTimePtr(inst.DeadlineAt), inst.SagaID)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrInstanceNotFound
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, sagaID string) (*Instance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT saga_id, definition_id, status, current_step_index, step_results_blob, input_payload,
			failure_reason, owner_id, lease_expiry, created_at, updated_at, deadline_at
		FROM saga_instances WHERE saga_id = ?
	`, sagaID)
	inst, err := scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, ErrInstanceNotFound
	}
	return inst, err
}

func (s *SQLiteStore) ListNonTerminal(ctx context.Context) ([]*Instance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT saga_id, definition_id, status, current_step_index, step_results_blob, input_payload,
			failure_reason, owner_id, lease_expiry, created_at, updated_at, deadline_at
		FROM saga_instances
		WHERE status NOT IN (?, ?, ?, ?)
		ORDER BY created_at
	`, string(StatusCompleted), string(StatusCompensated), string(StatusCompensationFailed), string(StatusAborted))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, inst)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, sagaID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM saga_instances WHERE saga_id = ?`, sagaID)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrInstanceNotFound
	}
	return nil
}

// AcquireLease claims or renews sagaID's lease in a single statement: it
// only succeeds when no owner holds an unexpired lease, or ownerID is
// already the holder.
func (s *SQLiteStore) AcquireLease(ctx context.Context, sagaID, ownerID string, ttl time.Duration) (*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	newExpiry := now.Add(ttl)

	result, err := s.db.ExecContext(ctx, `
		UPDATE saga_instances SET owner_id = ?, lease_expiry = ?, updated_at = ?
		WHERE saga_id = ? AND (owner_id = ? OR owner_id IS NULL OR owner_id = '' OR lease_expiry < ?)
	`, ownerID, newExpiry.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
		sagaID, ownerID, now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		if _, getErr := s.Get(ctx, sagaID); getErr == ErrInstanceNotFound {
			return nil, ErrInstanceNotFound
		}
		return nil, ErrLeaseHeld
	}
	return s.Get(ctx, sagaID)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInstance(sc scanner) (*Instance, error) {
	var inst Instance
	var stepsJSON string
	var inputPayload []byte
	var failureReason, ownerID sql.NullString
	var leaseExpiry, deadlineAt sql.NullString
	var createdAt, updatedAt string

	if err := sc.Scan(&inst.SagaID, &inst.DefinitionID, &inst.Status, &inst.CurrentStepIndex, &stepsJSON,
		&inputPayload, &failureReason, &ownerID, &leaseExpiry, &createdAt, &updatedAt, &deadlineAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(stepsJSON), &inst.StepResults); err != nil {
		return nil, fmt.Errorf("unmarshal step results: %w", err)
	}
	inst.InputPayload = inputPayload
	inst.FailureReason = failureReason.String
	inst.OwnerID = ownerID.String

	var err error
	if inst.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if inst.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	if leaseExpiry.Valid && leaseExpiry.String != "" {
		if t, err := time.Parse(time.RFC3339Nano, leaseExpiry.String); err == nil {
			inst.LeaseExpiry = t
		}
	}
	if deadlineAt.Valid && deadlineAt.String != "" {
		if t, err := time.Parse(time.RFC3339Nano, deadlineAt.String); err == nil {
			inst.DeadlineAt = &t
		}
	}
	return &inst, nil
}

func formatTimePtr(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

var _ Store = (*SQLiteStore)(nil)
