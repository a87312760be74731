package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type rowQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// PostgresStore keeps each session as a JSONB document with the columns the
// conflict and participant queries filter on.
type PostgresStore struct {
	pool rowQuerier
}

// NewPostgresStore creates a store backed by a pgx pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	if pool == nil {
		panic("sessions: pgx pool required")
	}
	return &PostgresStore{pool: pool}
}

func newPostgresStoreWithQuerier(q rowQuerier) *PostgresStore {
	if q == nil {
		panic("sessions: querier required")
	}
	return &PostgresStore{pool: q}
}

// FindByID loads one session.
func (s *PostgresStore) FindByID(ctx context.Context, id string) (*Session, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM sessions WHERE id = $1`, id).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, classify("find by id", err)
	}
	return decode(doc)
}

// Save inserts a new session or updates a stored one at the version it was
// read at.
func (s *PostgresStore) Save(ctx context.Context, sess *Session) error {
	next := *sess
	next.Version = sess.Version + 1
	doc, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("sessions: encode: %w", err)
	}

	var tag pgconn.CommandTag
	if sess.Version == 0 {
		tag, err = s.pool.Exec(ctx, `
			INSERT INTO sessions (id, client_id, provider_id, status, scheduled_at, ends_at, doc, version, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 1, NOW())
			ON CONFLICT (id) DO NOTHING
		`, sess.ID, sess.ClientID, sess.ProviderID, string(sess.Status), sess.ScheduledAt, sess.EndsAt(), doc)
	} else {
		tag, err = s.pool.Exec(ctx, `
			UPDATE sessions SET
				client_id = $2,
				provider_id = $3,
				status = $4,
				scheduled_at = $5,
				ends_at = $6,
				doc = $7,
				version = version + 1,
				updated_at = NOW()
			WHERE id = $1 AND version = $8
		`, sess.ID, sess.ClientID, sess.ProviderID, string(sess.Status), sess.ScheduledAt, sess.EndsAt(), doc, sess.Version)
	}
	if err != nil {
		return classify("save", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("sessions: save %s at version %d: %w", sess.ID, sess.Version, ErrConflict)
	}
	sess.Version = next.Version
	return nil
}

// Find runs a filtered query ordered by scheduled start.
func (s *PostgresStore) Find(ctx context.Context, q Query) ([]*Session, error) {
	query, args := buildFindQuery(q)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify("find", err)
	}
	defer rows.Close()

	out := make([]*Session, 0)
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, classify("scan", err)
		}
		sess, err := decode(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("find", err)
	}
	return out, nil
}

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func buildFindQuery(q Query) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if q.ProviderID != "" {
		add("provider_id = $%d", q.ProviderID)
	}
	if q.ClientID != "" {
		add("client_id = $%d", q.ClientID)
	}
	if q.ParticipantID != "" {
		args = append(args, q.ParticipantID)
		n := len(args)
		where = append(where, fmt.Sprintf("(client_id = $%d OR provider_id = $%d)", n, n))
	}
	if len(q.Statuses) > 0 {
		add("status = ANY($%d)", stateStrings(q.Statuses))
	}
	if len(q.ExcludeStatuses) > 0 {
		add("NOT (status = ANY($%d))", stateStrings(q.ExcludeStatuses))
	}
	if !q.StartsBefore.IsZero() {
		add("scheduled_at < $%d", q.StartsBefore)
	}
	if !q.EndsAfter.IsZero() {
		add("ends_at > $%d", q.EndsAfter)
	}

	var b strings.Builder
	b.WriteString("SELECT doc FROM sessions")
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY scheduled_at, id")
	if q.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", q.Limit)
	}
	return b.String(), args
}

func stateStrings[T ~string](states []T) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

func decode(doc []byte) (*Session, error) {
	var sess Session
	if err := json.Unmarshal(doc, &sess); err != nil {
		return nil, fmt.Errorf("sessions: decode: %w", err)
	}
	return &sess, nil
}

func classify(op string, err error) error {
	if isConnectivityError(err) {
		return unavailable(op, err)
	}
	return fmt.Errorf("sessions: %s: %w", op, err)
}

func isConnectivityError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// class 08 is connection exception; 57P0x are server shutdowns
		return strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "57P0")
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return pgconn.Timeout(err)
}
