package notify

import (
	"fmt"
	"time"

	"github.com/wolfman30/teletherapy-platform/internal/sessions"
)

// Notification kinds.
const (
	KindLatePaymentRefund  = "late_payment_refund"
	KindOvertimeApproval   = "overtime_approval"
	KindMidSessionRefund   = "mid_session_refund"
	KindSessionRescheduled = "session_rescheduled"
	KindNoShow             = "no_show"
	KindOperatorAlert      = "operator_alert"
)

// participant returns the id of the session participant holding role.
func participant(s *sessions.Session, role sessions.Role) string {
	if role == sessions.RoleProvider {
		return s.ProviderID
	}
	return s.ClientID
}

// SessionSMS addresses a session participant over SMS.
func SessionSMS(s *sessions.Session, role sessions.Role, kind, body string) Message {
	return Message{
		Channel:   ChannelSMS,
		To:        participant(s, role),
		Body:      body,
		SessionID: s.ID,
		Kind:      kind,
	}
}

// LatePaymentRefund tells the client a payment arrived after cancellation.
func LatePaymentRefund(s *sessions.Session) Message {
	body := fmt.Sprintf("We received your payment for the cancelled session on %s. A full refund is on its way and you have priority when rebooking.",
		formatSlot(s.ScheduledAt))
	return SessionSMS(s, sessions.RoleClient, KindLatePaymentRefund, body)
}

// OvertimeApprovalRequest asks the counterpart to approve billable overtime.
func OvertimeApprovalRequest(s *sessions.Session, approver sessions.Role) Message {
	ot := s.Overtime
	body := fmt.Sprintf("Your session is running %d minutes over. Approve the extra time (%s)?",
		ot.Minutes, formatCents(ot.ChargeCents))
	return SessionSMS(s, approver, KindOvertimeApproval, body)
}

// MidSessionRefund confirms the refund owed after an in-session cancellation.
func MidSessionRefund(s *sessions.Session) Message {
	c := s.Cancellation
	body := fmt.Sprintf("Your session was cancelled after %d minutes. A %d%% refund of %s will be issued.",
		c.ElapsedMinutes, c.RefundPercent, formatCents(c.RefundCents))
	return SessionSMS(s, sessions.RoleClient, KindMidSessionRefund, body)
}

// SessionRescheduled notifies the counterpart of a new start time.
func SessionRescheduled(s *sessions.Session, notify sessions.Role) Message {
	body := fmt.Sprintf("Your session has moved to %s.", formatSlot(s.ScheduledAt))
	return SessionSMS(s, notify, KindSessionRescheduled, body)
}

// NoShow tells the attending participant the session was closed as a no-show.
func NoShow(s *sessions.Session, absent sessions.Role) Message {
	present := sessions.RoleClient
	if absent == sessions.RoleClient {
		present = sessions.RoleProvider
	}
	body := fmt.Sprintf("Your session on %s was closed because the %s did not join.", formatSlot(s.ScheduledAt), absent)
	return SessionSMS(s, present, KindNoShow, body)
}

func formatSlot(t time.Time) string {
	return t.UTC().Format("Mon Jan 2 15:04 MST")
}

func formatCents(cents int64) string {
	return fmt.Sprintf("$%d.%02d", cents/100, cents%100)
}
