package sessions

import (
	"time"

	"github.com/wolfman30/teletherapy-platform/internal/flow"
)

// Role identifies a participant of a session.
type Role string

const (
	RoleClient   Role = "client"
	RoleProvider Role = "provider"
	RoleAdmin    Role = "admin"
	RoleSystem   Role = "system"
)

// Payment is the payment sub-state of a session.
type Payment struct {
	Status      flow.State `json:"status"`
	Reference   string     `json:"reference,omitempty"`
	AmountCents int64      `json:"amount_cents,omitempty"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
	Waived      bool       `json:"waived,omitempty"`
	WaivedBy    string     `json:"waived_by,omitempty"`
}

// VideoCall is the call sub-state of a session.
type VideoCall struct {
	Status           flow.State `json:"status"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
	ClientJoinedAt   *time.Time `json:"client_joined_at,omitempty"`
	ProviderJoinedAt *time.Time `json:"provider_joined_at,omitempty"`
}

// Duration returns the call length, or zero while the call has not ended.
func (v VideoCall) Duration() time.Duration {
	if v.StartedAt == nil || v.EndedAt == nil {
		return 0
	}
	d := v.EndedAt.Sub(*v.StartedAt)
	if d < 0 {
		return 0
	}
	return d
}

// LateJoin records a participant who joined after the scheduled start.
type LateJoin struct {
	Participant Role      `json:"participant"`
	Minutes     int       `json:"minutes"`
	JoinedAt    time.Time `json:"joined_at"`
}

// OvertimeStatus tracks approval of billable overtime.
type OvertimeStatus string

const (
	OvertimePendingApproval OvertimeStatus = "pending-approval"
	OvertimeApproved        OvertimeStatus = "approved"
	OvertimeDeclined        OvertimeStatus = "declined"
)

// Overtime describes billable time past the scheduled end.
type Overtime struct {
	Minutes         int            `json:"minutes"`
	RatePerMinCents int64          `json:"rate_per_min_cents"`
	ChargeCents     int64          `json:"charge_cents"`
	Status          OvertimeStatus `json:"status"`
	RequestedBy     Role           `json:"requested_by,omitempty"`
	ApprovedBy      Role           `json:"approved_by,omitempty"`
	RequestedAt     time.Time      `json:"requested_at"`
}

// Cancellation carries cancellation metadata, including mid-session refunds.
type Cancellation struct {
	By              Role      `json:"by"`
	Reason          string    `json:"reason,omitempty"`
	At              time.Time `json:"at"`
	ElapsedMinutes  int       `json:"elapsed_minutes,omitempty"`
	PercentComplete float64   `json:"percent_complete,omitempty"`
	RefundPercent   int       `json:"refund_percent,omitempty"`
	RefundCents     int64     `json:"refund_cents,omitempty"`
}

// Reschedule records how often and from where a session was moved.
type Reschedule struct {
	Count         int       `json:"count"`
	PreviousStart time.Time `json:"previous_start"`
	RequestedBy   Role      `json:"requested_by,omitempty"`
	At            time.Time `json:"at"`
}

// Session is one scheduled therapy encounter.
type Session struct {
	ID                string     `json:"id"`
	ClientID          string     `json:"client_id"`
	ProviderID        string     `json:"provider_id"`
	ScheduledAt       time.Time  `json:"scheduled_at"`
	DurationMinutes   int        `json:"duration_minutes"`
	PriceCents        int64      `json:"price_cents"`
	ProviderRateCents int64      `json:"provider_rate_cents,omitempty"`
	Status            flow.State `json:"status"`
	Payment           Payment    `json:"payment"`
	Video             VideoCall  `json:"video"`
	FormsComplete     bool       `json:"forms_complete"`
	CreatedAt         time.Time  `json:"created_at"`
	TransitionedAt    time.Time  `json:"transitioned_at"`

	// Version is the stored revision the session was read at. Zero means
	// not yet stored.
	Version int64 `json:"version"`

	AdjustedDurationMinutes int           `json:"adjusted_duration_minutes,omitempty"`
	LateJoin                *LateJoin     `json:"late_join,omitempty"`
	Overtime                *Overtime     `json:"overtime,omitempty"`
	Cancellation            *Cancellation `json:"cancellation,omitempty"`
	Reschedule              *Reschedule   `json:"reschedule,omitempty"`
	LatePaymentReceived     bool          `json:"late_payment_received,omitempty"`
	LatePaymentReference    string        `json:"late_payment_reference,omitempty"`
	RefundRequired          bool          `json:"refund_required,omitempty"`
	RebookingPriority       bool          `json:"rebooking_priority,omitempty"`
}

// New builds a session in the initial requested state.
func New(id, clientID, providerID string, start time.Time, durationMinutes int, priceCents int64, now time.Time) *Session {
	return &Session{
		ID:              id,
		ClientID:        clientID,
		ProviderID:      providerID,
		ScheduledAt:     start.UTC(),
		DurationMinutes: durationMinutes,
		PriceCents:      priceCents,
		Status:          flow.SessionRequested,
		Payment:         Payment{Status: flow.PaymentPending},
		Video:           Video(),
		CreatedAt:       now.UTC(),
		TransitionedAt:  now.UTC(),
	}
}

// Video returns an idle call sub-state.
func Video() VideoCall {
	return VideoCall{Status: flow.VideoIdle}
}

// EffectiveDuration is the adjusted duration when a late join shortened the
// session, otherwise the booked duration.
func (s *Session) EffectiveDuration() time.Duration {
	if s.AdjustedDurationMinutes > 0 {
		return time.Duration(s.AdjustedDurationMinutes) * time.Minute
	}
	return time.Duration(s.DurationMinutes) * time.Minute
}

// EndsAt is the scheduled end of the booked window.
func (s *Session) EndsAt() time.Time {
	return s.ScheduledAt.Add(time.Duration(s.DurationMinutes) * time.Minute)
}

// Overlaps reports true overlap with [start, end).
func (s *Session) Overlaps(start, end time.Time) bool {
	return s.ScheduledAt.Before(end) && s.EndsAt().After(start)
}

// IsTerminal reports whether the session status admits no transition.
func (s *Session) IsTerminal() bool {
	return flow.IsTerminal(flow.EntitySession, s.Status)
}

// FlowContext builds the cross-entity context used for precondition checks.
func (s *Session) FlowContext(actor string) *flow.Context {
	return &flow.Context{
		PaymentStatus: s.Payment.Status,
		PaymentWaived: s.Payment.Waived,
		FormsComplete: s.FormsComplete,
		CallEnded:     s.Video.EndedAt != nil,
		Actor:         actor,
	}
}

// Clone returns a deep copy, so callers can snapshot a session before
// mutating it.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Payment.ConfirmedAt = cloneTime(s.Payment.ConfirmedAt)
	c.Video.StartedAt = cloneTime(s.Video.StartedAt)
	c.Video.EndedAt = cloneTime(s.Video.EndedAt)
	c.Video.ClientJoinedAt = cloneTime(s.Video.ClientJoinedAt)
	c.Video.ProviderJoinedAt = cloneTime(s.Video.ProviderJoinedAt)
	if s.LateJoin != nil {
		lj := *s.LateJoin
		c.LateJoin = &lj
	}
	if s.Overtime != nil {
		ot := *s.Overtime
		c.Overtime = &ot
	}
	if s.Cancellation != nil {
		cn := *s.Cancellation
		c.Cancellation = &cn
	}
	if s.Reschedule != nil {
		rs := *s.Reschedule
		c.Reschedule = &rs
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
