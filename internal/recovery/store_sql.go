package recovery

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

var settledStatuses = []string{string(StatusFailed), string(StatusExpired)}

// SQLQueueStore persists operations in the flow_operations table so queued
// intent survives restarts.
type SQLQueueStore struct {
	db *sql.DB
}

// NewSQLQueueStore wraps db.
func NewSQLQueueStore(db *sql.DB) *SQLQueueStore {
	if db == nil {
		panic("recovery: sql db required")
	}
	return &SQLQueueStore{db: db}
}

func (s *SQLQueueStore) Add(ctx context.Context, op Operation) error {
	query := `
		INSERT INTO flow_operations (
			id, queue, kind, payload, status, attempts, last_error, enqueued_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := s.db.ExecContext(ctx, query,
		op.ID,
		op.Queue,
		op.Kind,
		[]byte(op.Payload),
		string(op.Status),
		op.Attempts,
		nullString(op.LastError),
		op.EnqueuedAt,
		op.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("recovery: insert operation: %w", err)
	}
	return nil
}

const operationColumns = `id, queue, kind, payload, status, attempts, last_error, enqueued_at, updated_at`

func (s *SQLQueueStore) Pending(ctx context.Context, queue string, limit int) ([]Operation, error) {
	query := `SELECT ` + operationColumns + `
		FROM flow_operations
		WHERE queue = $1 AND status = $2
		ORDER BY enqueued_at, id
		LIMIT $3`
	return s.query(ctx, query, queue, string(StatusPending), limitOrAll(limit))
}

func (s *SQLQueueStore) Failed(ctx context.Context, queue string, limit int) ([]Operation, error) {
	query := `SELECT ` + operationColumns + `
		FROM flow_operations
		WHERE queue = $1 AND status = ANY($2)
		ORDER BY updated_at DESC, id
		LIMIT $3`
	return s.query(ctx, query, queue, pq.Array(settledStatuses), limitOrAll(limit))
}

func (s *SQLQueueStore) query(ctx context.Context, query string, args ...any) ([]Operation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("recovery: query operations: %w", err)
	}
	defer rows.Close()

	var out []Operation
	for rows.Next() {
		var (
			op        Operation
			payload   []byte
			status    string
			lastError sql.NullString
		)
		if err := rows.Scan(&op.ID, &op.Queue, &op.Kind, &payload, &status, &op.Attempts, &lastError, &op.EnqueuedAt, &op.UpdatedAt); err != nil {
			return nil, fmt.Errorf("recovery: scan operation: %w", err)
		}
		op.Payload = payload
		op.Status = OperationStatus(status)
		op.LastError = lastError.String
		out = append(out, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recovery: iterate operations: %w", err)
	}
	return out, nil
}

func (s *SQLQueueStore) Update(ctx context.Context, op Operation) error {
	query := `
		UPDATE flow_operations
		SET status = $2, attempts = $3, last_error = $4, updated_at = $5
		WHERE id = $1
	`
	_, err := s.db.ExecContext(ctx, query, op.ID, string(op.Status), op.Attempts, nullString(op.LastError), op.UpdatedAt)
	if err != nil {
		return fmt.Errorf("recovery: update operation: %w", err)
	}
	return nil
}

func (s *SQLQueueStore) Remove(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM flow_operations WHERE id = $1`, id); err != nil {
		return fmt.Errorf("recovery: delete operation: %w", err)
	}
	return nil
}

func (s *SQLQueueStore) Counts(ctx context.Context, queue string) (QueueCounts, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status <> 'pending'),
			MIN(enqueued_at) FILTER (WHERE status = 'pending')
		FROM flow_operations
		WHERE queue = $1
	`
	var (
		c      QueueCounts
		oldest sql.NullTime
	)
	if err := s.db.QueryRowContext(ctx, query, queue).Scan(&c.Pending, &c.Failed, &oldest); err != nil {
		return QueueCounts{}, fmt.Errorf("recovery: count operations: %w", err)
	}
	if oldest.Valid {
		t := oldest.Time.UTC()
		c.OldestPending = &t
	}
	return c, nil
}

// Ping checks connectivity.
func (s *SQLQueueStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func limitOrAll(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

func nullString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

// PurgeSettled deletes failed and expired operations last updated before
// cutoff.
func (s *SQLQueueStore) PurgeSettled(ctx context.Context, queue string, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM flow_operations WHERE queue = $1 AND status = ANY($2) AND updated_at < $3`,
		queue, pq.Array(settledStatuses), cutoff)
	if err != nil {
		return 0, fmt.Errorf("recovery: purge operations: %w", err)
	}
	return res.RowsAffected()
}

var (
	_ QueueStore = (*SQLQueueStore)(nil)
	_ Purger     = (*SQLQueueStore)(nil)
)
