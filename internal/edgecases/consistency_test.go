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

func kinds(issues []Inconsistency) []string {
	out := make([]string, 0, len(issues))
	for _, i := range issues {
		out = append(out, i.Kind)
	}
	return out
}

func TestCheckSession(t *testing.T) {
	paidCancelled := sessionAt("a", slotT, flow.SessionCancelled)
	paidCancelled.Payment.Status = flow.PaymentConfirmed
	assert.Equal(t, []string{IssuePaidButCancelled}, kinds(CheckSession(paidCancelled)))

	partial := sessionAt("b", slotT, flow.SessionCancelledDuringSession)
	partial.Payment.Status = flow.PaymentConfirmed
	end := slotT.Add(10 * time.Minute)
	partial.Video.EndedAt = &end
	assert.Empty(t, CheckSession(partial))

	completed := sessionAt("c", slotT, flow.SessionCompleted)
	completed.Payment.Status = flow.PaymentConfirmed
	assert.Equal(t, []string{IssueCompletedWithoutEnd}, kinds(CheckSession(completed)))

	backwards := sessionAt("d", slotT, flow.SessionCompleted)
	backwards.Payment.Status = flow.PaymentConfirmed
	start, stop := slotT, slotT.Add(-time.Minute)
	backwards.Video.StartedAt, backwards.Video.EndedAt = &start, &stop
	assert.Equal(t, []string{IssueCallEndsBeforeStart}, kinds(CheckSession(backwards)))

	unpaid := sessionAt("e", slotT, flow.SessionReady)
	assert.Equal(t, []string{IssueActiveWithoutPayment}, kinds(CheckSession(unpaid)))
	unpaid.Payment.Waived = true
	assert.Empty(t, CheckSession(unpaid))

	unknown := sessionAt("f", slotT, "limbo")
	assert.Equal(t, []string{IssueUnknownSessionStatus}, kinds(CheckSession(unknown)))
}

func TestValidateConsistencyIsReadOnly(t *testing.T) {
	h, store, _ := newTestHandler(t)
	bad := sessionAt("a", slotT, flow.SessionCancelled)
	bad.Payment.Status = flow.PaymentConfirmed
	seed(t, store, bad, sessionAt("b", slotT, flow.SessionRequested))

	report, err := h.ValidateConsistency(context.Background(), sessions.Query{})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	require.Len(t, report.Issues, 1)
	assert.Equal(t, "a", report.Issues[0].SessionID)

	stored, err := store.FindByID(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, flow.PaymentConfirmed, stored.Payment.Status)
	assert.Equal(t, flow.SessionCancelled, stored.Status)
}
