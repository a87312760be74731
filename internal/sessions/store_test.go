package sessions

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/teletherapy-platform/internal/flow"
)

var base = time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)

func TestInMemoryStoreRoundTrip(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	_, err := store.FindByID(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	s := New("s1", "client-1", "prov-1", base, 50, 6000, base.Add(-time.Hour))
	require.NoError(t, store.Save(ctx, s))

	// mutating the caller's copy must not reach the store
	s.Status = flow.SessionCompleted

	got, err := store.FindByID(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, flow.SessionRequested, got.Status)

	got.Payment.Status = flow.PaymentConfirmed
	again, err := store.FindByID(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, flow.PaymentPending, again.Payment.Status)
}

func TestInMemoryStoreSaveComparesVersion(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	s := New("s1", "client-1", "prov-1", base, 50, 6000, base)
	require.NoError(t, store.Save(ctx, s))
	assert.EqualValues(t, 1, s.Version)

	first, err := store.FindByID(ctx, "s1")
	require.NoError(t, err)
	second, err := store.FindByID(ctx, "s1")
	require.NoError(t, err)

	first.Status = flow.SessionCancelled
	require.NoError(t, store.Save(ctx, first))
	assert.EqualValues(t, 2, first.Version)

	second.Status = flow.SessionApproved
	err = store.Save(ctx, second)
	assert.ErrorIs(t, err, ErrConflict)
	assert.EqualValues(t, 1, second.Version)

	got, err := store.FindByID(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, flow.SessionCancelled, got.Status)

	dup := New("s1", "client-1", "prov-1", base, 50, 6000, base)
	assert.True(t, IsConflict(store.Save(ctx, dup)), "a new session cannot overwrite a stored one")
}

func TestInMemoryStoreFind(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	a := New("a", "c1", "p1", base, 60, 6000, base)
	b := New("b", "c2", "p1", base.Add(2*time.Hour), 60, 6000, base)
	c := New("c", "c1", "p2", base.Add(time.Hour), 60, 6000, base)
	c.Status = flow.SessionCancelled
	for _, s := range []*Session{b, c, a} {
		require.NoError(t, store.Save(ctx, s))
	}

	got, err := store.Find(ctx, Query{ProviderID: "p1"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "b", got[1].ID)

	got, err = store.Find(ctx, Query{ParticipantID: "c1", ExcludeStatuses: []flow.State{flow.SessionCancelled}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)

	// window [base+30m, base+90m) overlaps a (ends base+60m) and c (starts base+60m)
	got, err = store.Find(ctx, Query{StartsBefore: base.Add(90 * time.Minute), EndsAfter: base.Add(30 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "c", got[1].ID)

	got, err = store.Find(ctx, Query{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestQueryMatchesStatuses(t *testing.T) {
	s := New("a", "c1", "p1", base, 60, 6000, base)
	assert.True(t, Query{}.Matches(s))
	assert.True(t, Query{Statuses: []flow.State{flow.SessionRequested}}.Matches(s))
	assert.False(t, Query{Statuses: []flow.State{flow.SessionReady}}.Matches(s))
	assert.False(t, Query{ClientID: "c2"}.Matches(s))
}

func TestSessionHelpers(t *testing.T) {
	s := New("a", "c1", "p1", base, 50, 6000, base)
	assert.Equal(t, base.Add(50*time.Minute), s.EndsAt())
	assert.Equal(t, 50*time.Minute, s.EffectiveDuration())
	s.AdjustedDurationMinutes = 40
	assert.Equal(t, 40*time.Minute, s.EffectiveDuration())

	assert.True(t, s.Overlaps(base.Add(49*time.Minute), base.Add(2*time.Hour)))
	assert.False(t, s.Overlaps(base.Add(50*time.Minute), base.Add(2*time.Hour)), "touching windows do not overlap")
	assert.False(t, s.Overlaps(base.Add(-time.Hour), base))

	fctx := s.FlowContext("client")
	assert.Equal(t, flow.PaymentPending, fctx.PaymentStatus)
	assert.False(t, fctx.CallEnded)

	ended := base.Add(time.Hour)
	s.Video.EndedAt = &ended
	assert.True(t, s.FlowContext("").CallEnded)
}

func TestCloneIsDeep(t *testing.T) {
	start := base
	s := New("a", "c1", "p1", base, 50, 6000, base)
	s.Video.StartedAt = &start
	s.Overtime = &Overtime{Minutes: 10}
	s.Cancellation = &Cancellation{By: RoleClient}

	c := s.Clone()
	*c.Video.StartedAt = base.Add(time.Hour)
	c.Overtime.Minutes = 20
	c.Cancellation.By = RoleProvider

	assert.Equal(t, base, *s.Video.StartedAt)
	assert.Equal(t, 10, s.Overtime.Minutes)
	assert.Equal(t, RoleClient, s.Cancellation.By)
	assert.Nil(t, (*Session)(nil).Clone())
}

func TestVideoDuration(t *testing.T) {
	v := Video()
	assert.Zero(t, v.Duration())
	start, end := base, base.Add(45*time.Minute)
	v.StartedAt, v.EndedAt = &start, &end
	assert.Equal(t, 45*time.Minute, v.Duration())
}
