package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/wolfman30/teletherapy-platform/pkg/logging"
)

// ErrPermanent marks a rejection that retrying cannot fix (bad address,
// unverified sender, malformed payload).
var ErrPermanent = errors.New("notify: permanent rejection")

// Permanent wraps err so errors.Is(err, ErrPermanent) holds.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// IsPermanent reports whether err should skip further delivery attempts.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// Channel selects the delivery path.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// Message is a notification addressed to a participant or operator.
type Message struct {
	Channel   Channel `json:"channel"`
	To        string  `json:"to"`
	ToName    string  `json:"to_name,omitempty"`
	Subject   string  `json:"subject,omitempty"`
	Body      string  `json:"body"`
	HTML      string  `json:"html,omitempty"`
	SessionID string  `json:"session_id,omitempty"`
	Kind      string  `json:"kind,omitempty"`
}

// Sender delivers a message. Implementations can be swapped (SendGrid, SES,
// SQS) without changing callers.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Router dispatches by channel.
type Router struct {
	senders map[Channel]Sender
}

// NewRouter builds a Router. Nil senders are skipped.
func NewRouter(senders map[Channel]Sender) *Router {
	r := &Router{senders: make(map[Channel]Sender, len(senders))}
	for ch, s := range senders {
		if s != nil {
			r.senders[ch] = s
		}
	}
	return r
}

// Send routes msg. An unconfigured channel is a permanent rejection.
func (r *Router) Send(ctx context.Context, msg Message) error {
	ch := msg.Channel
	if ch == "" {
		ch = ChannelEmail
	}
	s, ok := r.senders[ch]
	if !ok {
		return Permanent(fmt.Errorf("no sender for channel %q", ch))
	}
	return s.Send(ctx, msg)
}

// Channels lists configured channels.
func (r *Router) Channels() []Channel {
	out := make([]Channel, 0, len(r.senders))
	for ch := range r.senders {
		out = append(out, ch)
	}
	return out
}

// StubSender is a no-op sender for testing or when delivery is disabled.
type StubSender struct {
	logger *logging.Logger
}

// NewStubSender creates a stub sender that logs but doesn't send.
func NewStubSender(logger *logging.Logger) *StubSender {
	if logger == nil {
		logger = logging.Default()
	}
	return &StubSender{logger: logger}
}

// Send logs the message but doesn't deliver it.
func (s *StubSender) Send(ctx context.Context, msg Message) error {
	s.logger.Info("stub sender: would send", "channel", msg.Channel, "to", msg.To, "kind", msg.Kind, "body_preview", truncate(msg.Body, 50))
	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

var (
	_ Sender = (*Router)(nil)
	_ Sender = (*StubSender)(nil)
)
