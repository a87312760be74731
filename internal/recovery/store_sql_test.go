package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLStore(t *testing.T) (*SQLQueueStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLQueueStore(db), mock
}

func TestSQLQueueStore_Add(t *testing.T) {
	store, mock := newSQLStore(t)
	op := Operation{
		ID: "op-1", Queue: "ops", Kind: "session.save", Payload: []byte(`{"session_id":"s-1"}`),
		Status: StatusPending, Attempts: 5, EnqueuedAt: queueT, UpdatedAt: queueT,
	}

	mock.ExpectExec("INSERT INTO flow_operations").
		WithArgs("op-1", "ops", "session.save", []byte(`{"session_id":"s-1"}`), "pending", 5, nil, queueT, queueT).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, store.Add(context.Background(), op))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLQueueStore_Pending(t *testing.T) {
	store, mock := newSQLStore(t)
	rows := sqlmock.NewRows([]string{"id", "queue", "kind", "payload", "status", "attempts", "last_error", "enqueued_at", "updated_at"}).
		AddRow("op-1", "ops", "session.save", []byte(`{}`), "pending", 2, "db down", queueT, queueT.Add(time.Minute)).
		AddRow("op-2", "ops", "session.save", []byte(`{}`), "pending", 0, nil, queueT, queueT)

	mock.ExpectQuery("SELECT (.+) FROM flow_operations WHERE queue = \\$1 AND status = \\$2").
		WithArgs("ops", "pending", 50).
		WillReturnRows(rows)

	ops, err := store.Pending(context.Background(), "ops", 50)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, "db down", ops[0].LastError)
	assert.Equal(t, 2, ops[0].Attempts)
	assert.Equal(t, StatusPending, ops[1].Status)
	assert.Empty(t, ops[1].LastError)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLQueueStore_FailedListsSettledStatuses(t *testing.T) {
	store, mock := newSQLStore(t)
	rows := sqlmock.NewRows([]string{"id", "queue", "kind", "payload", "status", "attempts", "last_error", "enqueued_at", "updated_at"}).
		AddRow("op-9", "notifications", "notification.send", []byte(`{}`), "expired", 1, "abandoned after 24h0m0s", queueT, queueT)

	mock.ExpectQuery("status = ANY\\(\\$2\\)").
		WithArgs("notifications", sqlmock.AnyArg(), nil).
		WillReturnRows(rows)

	ops, err := store.Failed(context.Background(), "notifications", 0)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, StatusExpired, ops[0].Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLQueueStore_UpdateAndRemove(t *testing.T) {
	store, mock := newSQLStore(t)
	mock.ExpectExec("UPDATE flow_operations").
		WithArgs("op-1", "failed", 5, "still down", queueT).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM flow_operations WHERE id = \\$1").
		WithArgs("op-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ctx := context.Background()
	require.NoError(t, store.Update(ctx, Operation{ID: "op-1", Status: StatusFailed, Attempts: 5, LastError: "still down", UpdatedAt: queueT}))
	require.NoError(t, store.Remove(ctx, "op-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLQueueStore_Counts(t *testing.T) {
	store, mock := newSQLStore(t)
	mock.ExpectQuery("COUNT\\(\\*\\) FILTER").
		WithArgs("ops").
		WillReturnRows(sqlmock.NewRows([]string{"pending", "failed", "oldest"}).AddRow(3, 1, queueT))

	c, err := store.Counts(context.Background(), "ops")
	require.NoError(t, err)
	assert.Equal(t, 3, c.Pending)
	assert.Equal(t, 1, c.Failed)
	require.NotNil(t, c.OldestPending)
	assert.True(t, c.OldestPending.Equal(queueT))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLQueueStore_CountsEmptyQueue(t *testing.T) {
	store, mock := newSQLStore(t)
	mock.ExpectQuery("COUNT\\(\\*\\) FILTER").
		WithArgs("ops").
		WillReturnRows(sqlmock.NewRows([]string{"pending", "failed", "oldest"}).AddRow(0, 0, nil))

	c, err := store.Counts(context.Background(), "ops")
	require.NoError(t, err)
	assert.Nil(t, c.OldestPending)
}

func TestSQLQueueStore_PurgeSettled(t *testing.T) {
	store, mock := newSQLStore(t)
	cutoff := queueT.Add(-72 * time.Hour)
	mock.ExpectExec("DELETE FROM flow_operations WHERE queue = \\$1 AND status = ANY").
		WithArgs("ops", sqlmock.AnyArg(), cutoff).
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := store.PurgeSettled(context.Background(), "ops", cutoff)
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)
}

func TestSQLQueueStore_WrapsErrors(t *testing.T) {
	store, mock := newSQLStore(t)
	boom := errors.New("connection reset")
	mock.ExpectExec("INSERT INTO flow_operations").WillReturnError(boom)

	err := store.Add(context.Background(), Operation{ID: "op-1"})
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "recovery: insert operation")
}

func TestQueueOverSQLStore(t *testing.T) {
	store, mock := newSQLStore(t)
	q := NewQueue("ops", store, nil, nil)

	mock.ExpectExec("INSERT INTO flow_operations").
		WithArgs(sqlmock.AnyArg(), "ops", "session.save", sqlmock.AnyArg(), "pending", 0, "db down", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	op, err := q.Enqueue(context.Background(), "session.save", savePayload{SessionID: "s-1"}, errors.New("db down"))
	require.NoError(t, err)
	assert.NotEmpty(t, op.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}
