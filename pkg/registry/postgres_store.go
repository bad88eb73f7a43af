package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/speedrun-hq/rwa-runner/pkg/models"
)

// Schema creates the operations table
const Schema = `
CREATE TABLE IF NOT EXISTS rwa_operations (
	id              TEXT PRIMARY KEY,
	kind            TEXT NOT NULL,
	payload         JSONB NOT NULL,
	status          TEXT NOT NULL,
	attempts        INTEGER NOT NULL DEFAULT 0,
	last_attempt_at TIMESTAMPTZ NULL,
	result          JSONB NOT NULL DEFAULT '{}',
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL,
	version         BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS rwa_operations_status_idx ON rwa_operations (status);
`

const selectColumns = `id, kind, payload, status, attempts, last_attempt_at, result, created_at, updated_at, version`

// operationRow is the database form of an operation
type operationRow struct {
	ID            string       `db:"id"`
	Kind          string       `db:"kind"`
	Payload       []byte       `db:"payload"`
	Status        string       `db:"status"`
	Attempts      int          `db:"attempts"`
	LastAttemptAt sql.NullTime `db:"last_attempt_at"`
	Result        []byte       `db:"result"`
	CreatedAt     time.Time    `db:"created_at"`
	UpdatedAt     time.Time    `db:"updated_at"`
	Version       int64        `db:"version"`
}

func (r *operationRow) toOperation() (*models.Operation, error) {
	op := &models.Operation{
		ID:        r.ID,
		Kind:      models.OperationKind(r.Kind),
		Status:    models.OperationStatus(r.Status),
		Attempts:  r.Attempts,
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
		Version:   r.Version,
	}
	if r.LastAttemptAt.Valid {
		op.LastAttemptAt = r.LastAttemptAt.Time.UTC()
	}
	if err := json.Unmarshal(r.Payload, &op.Payload); err != nil {
		return nil, fmt.Errorf("invalid payload for operation %s: %v", r.ID, err)
	}
	if len(r.Result) > 0 {
		if err := json.Unmarshal(r.Result, &op.Result); err != nil {
			return nil, fmt.Errorf("invalid result for operation %s: %v", r.ID, err)
		}
	}
	return op, nil
}

func toNullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// PostgresStore implements Store using PostgreSQL
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore connects to dsn and makes sure the schema exists
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %v", err)
	}
	s := NewPostgresStoreWithDB(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStoreWithDB wraps an open database handle
func NewPostgresStoreWithDB(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the schema if it does not exist
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create schema: %v", err)
	}
	return nil
}

// Get implements Store
func (s *PostgresStore) Get(ctx context.Context, id string) (*models.Operation, error) {
	var row operationRow
	err := s.db.GetContext(ctx, &row, `SELECT `+selectColumns+` FROM rwa_operations WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get operation %s: %v", id, err)
	}
	return row.toOperation()
}

// Insert implements Store
func (s *PostgresStore) Insert(ctx context.Context, op *models.Operation) error {
	payload, result, err := marshalOperation(op)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO rwa_operations (id, kind, payload, status, attempts, last_attempt_at, result, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1)
		ON CONFLICT (id) DO NOTHING
	`, op.ID, string(op.Kind), payload, string(op.Status), op.Attempts, toNullTime(op.LastAttemptAt), result, op.CreatedAt.UTC(), op.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert operation %s: %v", op.ID, err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrExists
	}
	op.Version = 1
	return nil
}

// Update implements Store
func (s *PostgresStore) Update(ctx context.Context, op *models.Operation) error {
	payload, result, err := marshalOperation(op)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE rwa_operations
		SET payload = $3, status = $4, attempts = $5, last_attempt_at = $6, result = $7, updated_at = $8, version = version + 1
		WHERE id = $1 AND version = $2
	`, op.ID, op.Version, payload, string(op.Status), op.Attempts, toNullTime(op.LastAttemptAt), result, op.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to update operation %s: %v", op.ID, err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrConflict
	}
	op.Version++
	return nil
}

// List implements Store. No statuses lists everything.
func (s *PostgresStore) List(ctx context.Context, statuses ...models.OperationStatus) ([]*models.Operation, error) {
	var rows []operationRow
	var err error
	if len(statuses) == 0 {
		err = s.db.SelectContext(ctx, &rows, `SELECT `+selectColumns+` FROM rwa_operations ORDER BY created_at, id`)
	} else {
		names := make([]string, len(statuses))
		for i, st := range statuses {
			names[i] = string(st)
		}
		err = s.db.SelectContext(ctx, &rows, `SELECT `+selectColumns+` FROM rwa_operations WHERE status = ANY($1) ORDER BY created_at, id`, pq.Array(names))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %v", err)
	}

	out := make([]*models.Operation, 0, len(rows))
	for i := range rows {
		op, err := rows[i].toOperation()
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, nil
}

// Close implements Store
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func marshalOperation(op *models.Operation) ([]byte, []byte, error) {
	payload, err := json.Marshal(op.Payload)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal payload: %v", err)
	}
	result, err := json.Marshal(op.Result)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal result: %v", err)
	}
	return payload, result, nil
}
