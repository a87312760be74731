package edgecases

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/teletherapy-platform/internal/flow"
	"github.com/wolfman30/teletherapy-platform/internal/sessions"
)

func TestEvaluateLateJoin(t *testing.T) {
	tests := []struct {
		name         string
		offset       time.Duration
		wantAllowed  bool
		wantOnTime   bool
		wantLate     int
		wantAdjusted int
	}{
		{"early", -5 * time.Minute, true, true, 0, 0},
		{"exactly on time", 0, true, true, 0, 0},
		{"under a minute", 40 * time.Second, true, true, 0, 0},
		{"ten late", 10 * time.Minute, true, false, 10, 40},
		{"at threshold", 30 * time.Minute, true, false, 30, 20},
		{"past threshold", 31 * time.Minute, false, false, 31, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := EvaluateLateJoin(slotT, slotT.Add(tt.offset), 50, 30*time.Minute)
			assert.Equal(t, tt.wantAllowed, d.Allowed)
			assert.Equal(t, tt.wantOnTime, d.OnTime)
			assert.Equal(t, tt.wantLate, d.MinutesLate)
			assert.Equal(t, tt.wantAdjusted, d.AdjustedDurationMinutes)
			if !tt.wantAllowed {
				assert.NotEmpty(t, d.Reason)
			}
		})
	}
}

func TestHandleLateJoinShortensSession(t *testing.T) {
	h, _, fc := newTestHandler(t)
	s := sessions.New("s1", "c1", "p1", slotT, 50, 6000, slotT.Add(-time.Hour))
	s.Status = flow.SessionReady
	fc.Set(slotT.Add(10 * time.Minute))

	d := h.HandleLateJoin(context.Background(), s, sessions.RoleClient)
	require.True(t, d.Allowed)
	assert.Equal(t, 10, d.MinutesLate)
	assert.Equal(t, 40, d.AdjustedDurationMinutes)
	require.NotNil(t, s.LateJoin)
	assert.Equal(t, 10, s.LateJoin.Minutes)
	assert.Equal(t, sessions.RoleClient, s.LateJoin.Participant)
	assert.Equal(t, 40*time.Minute, s.EffectiveDuration())
	require.NotNil(t, s.Video.ClientJoinedAt)

	// an earlier second joiner does not extend the session back
	fc.Set(slotT.Add(5 * time.Minute))
	d = h.HandleLateJoin(context.Background(), s, sessions.RoleProvider)
	assert.True(t, d.Allowed)
	assert.Equal(t, 40, s.AdjustedDurationMinutes)
	assert.Equal(t, sessions.RoleClient, s.LateJoin.Participant)
	assert.NotNil(t, s.Video.ProviderJoinedAt)
}

func TestHandleLateJoinRefusals(t *testing.T) {
	h, _, fc := newTestHandler(t)
	s := sessions.New("s1", "c1", "p1", slotT, 50, 6000, slotT.Add(-time.Hour))
	s.Status = flow.SessionReady
	fc.Set(slotT.Add(45 * time.Minute))

	d := h.HandleLateJoin(context.Background(), s, sessions.RoleClient)
	assert.False(t, d.Allowed)
	assert.Equal(t, 45, d.MinutesLate)
	assert.Nil(t, s.LateJoin)
	assert.Nil(t, s.Video.ClientJoinedAt)

	s.Status = flow.SessionPaid
	d = h.HandleLateJoin(context.Background(), s, sessions.RoleClient)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "paid")
}
