// Package edgecases resolves the situations a bare transition check cannot:
// late joins, overtime, in-session cancellations, slot conflicts, late or
// duplicate payments, deletion requests and data drift. Every operation
// returns a decision describing what is allowed and why; errors are reserved
// for infrastructure failures.
package edgecases

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/wolfman30/teletherapy-platform/internal/clock"
	"github.com/wolfman30/teletherapy-platform/internal/locks"
	"github.com/wolfman30/teletherapy-platform/internal/sessions"
	"github.com/wolfman30/teletherapy-platform/pkg/logging"
)

var tracer = otel.Tracer("teletherapy.internal.edgecases")

// Config holds the business thresholds.
type Config struct {
	LateJoinThreshold        time.Duration
	NoShowThreshold          time.Duration
	OvertimeGrace            time.Duration
	DefaultOvertimeRateCents int64
	AlternativeSlots         int
	AlternativeSearchDays    int
	BusinessHoursStart       int
	BusinessHoursEnd         int
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		LateJoinThreshold:        30 * time.Minute,
		NoShowThreshold:          15 * time.Minute,
		OvertimeGrace:            5 * time.Minute,
		DefaultOvertimeRateCents: 200,
		AlternativeSlots:         3,
		AlternativeSearchDays:    7,
		BusinessHoursStart:       9,
		BusinessHoursEnd:         17,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.LateJoinThreshold <= 0 {
		c.LateJoinThreshold = d.LateJoinThreshold
	}
	if c.NoShowThreshold <= 0 {
		c.NoShowThreshold = d.NoShowThreshold
	}
	if c.OvertimeGrace < 0 {
		c.OvertimeGrace = d.OvertimeGrace
	}
	if c.DefaultOvertimeRateCents <= 0 {
		c.DefaultOvertimeRateCents = d.DefaultOvertimeRateCents
	}
	if c.AlternativeSlots <= 0 {
		c.AlternativeSlots = d.AlternativeSlots
	}
	if c.AlternativeSearchDays <= 0 {
		c.AlternativeSearchDays = d.AlternativeSearchDays
	}
	if c.BusinessHoursEnd <= c.BusinessHoursStart || c.BusinessHoursStart < 0 || c.BusinessHoursEnd > 24 {
		c.BusinessHoursStart, c.BusinessHoursEnd = d.BusinessHoursStart, d.BusinessHoursEnd
	}
	return c
}

// FormsChecker reports whether the intake forms and agreements for a session
// are complete.
type FormsChecker interface {
	FormsComplete(ctx context.Context, s *sessions.Session) (bool, error)
}

// NoopForms is used when no forms capability is configured: nothing is
// required.
type NoopForms struct{}

func (NoopForms) FormsComplete(context.Context, *sessions.Session) (bool, error) { return true, nil }

// Handler evaluates edge cases against sessions. Methods that take a
// *sessions.Session mutate it in place when the decision allows a change;
// persisting it is the caller's job.
type Handler struct {
	store  sessions.Store
	locks  *locks.Manager
	forms  FormsChecker
	clock  clock.Clock
	cfg    Config
	logger *logging.Logger
}

// NewHandler builds a Handler. A nil lock manager disables booking locks.
func NewHandler(store sessions.Store, lockMgr *locks.Manager, cfg Config, c clock.Clock, logger *logging.Logger) *Handler {
	if store == nil {
		panic("edgecases: session store required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{
		store:  store,
		locks:  lockMgr,
		forms:  NoopForms{},
		clock:  clock.OrSystem(c),
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

// WithForms sets the forms capability.
func (h *Handler) WithForms(f FormsChecker) *Handler {
	if f != nil {
		h.forms = f
	}
	return h
}

// Config returns the effective thresholds.
func (h *Handler) Config() Config { return h.cfg }

// RefreshForms updates s.FormsComplete from the forms capability.
func (h *Handler) RefreshForms(ctx context.Context, s *sessions.Session) error {
	ok, err := h.forms.FormsComplete(ctx, s)
	if err != nil {
		return err
	}
	s.FormsComplete = ok
	return nil
}

// wholeMinutes floors d to minutes.
func wholeMinutes(d time.Duration) int {
	return int(d / time.Minute)
}
