package edgecases

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wolfman30/teletherapy-platform/internal/clock"
	"github.com/wolfman30/teletherapy-platform/internal/flow"
	"github.com/wolfman30/teletherapy-platform/internal/locks"
	"github.com/wolfman30/teletherapy-platform/internal/sessions"
)

// Monday 14:00 UTC.
var slotT = time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)

func newTestHandler(t *testing.T) (*Handler, *sessions.InMemoryStore, *clock.Fake) {
	t.Helper()
	fc := clock.NewFake(slotT.Add(-24 * time.Hour))
	store := sessions.NewInMemoryStore()
	mgr := locks.NewManager(locks.NewMemoryStore(fc), 30*time.Second, fc, nil)
	return NewHandler(store, mgr, DefaultConfig(), fc, nil), store, fc
}

func sessionAt(id string, start time.Time, status flow.State) *sessions.Session {
	s := sessions.New(id, "client-"+id, "prov-1", start, 60, 6000, start.Add(-48*time.Hour))
	s.Status = status
	return s
}

func seed(t *testing.T, store sessions.Store, list ...*sessions.Session) {
	t.Helper()
	for _, s := range list {
		require.NoError(t, store.Save(context.Background(), s))
	}
}

type failingStore struct{ err error }

func (f failingStore) FindByID(context.Context, string) (*sessions.Session, error) { return nil, f.err }
func (f failingStore) Save(context.Context, *sessions.Session) error { return f.err }
func (f failingStore) Find(context.Context, sessions.Query) ([]*sessions.Session, error) {
	return nil, f.err
}
