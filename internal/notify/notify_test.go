package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/teletherapy-platform/internal/sessions"
)

type recordingSender struct {
	sent []Message
	err  error
}

func (r *recordingSender) Send(ctx context.Context, msg Message) error {
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, msg)
	return nil
}

type fakeSES struct {
	input *sesv2.SendEmailInput
	err   error
}

func (f *fakeSES) SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.input = params
	if f.err != nil {
		return nil, f.err
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("m-1")}, nil
}

type fakeSQS struct {
	bodies []string
	err    error
}

func (f *fakeSQS) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.bodies = append(f.bodies, aws.ToString(params.MessageBody))
	return &sqs.SendMessageOutput{MessageId: aws.String("q-1")}, nil
}

func TestPermanentWrapping(t *testing.T) {
	assert.Nil(t, Permanent(nil))
	base := errors.New("bad address")
	err := Permanent(base)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsPermanent(base))
}

func TestRouterDispatchesByChannel(t *testing.T) {
	email := &recordingSender{}
	sms := &recordingSender{}
	r := NewRouter(map[Channel]Sender{ChannelEmail: email, ChannelSMS: sms})

	require.NoError(t, r.Send(context.Background(), Message{Channel: ChannelSMS, To: "c1", Body: "hi"}))
	require.NoError(t, r.Send(context.Background(), Message{To: "ops@example.com", Body: "hi"}))
	assert.Len(t, sms.sent, 1)
	assert.Len(t, email.sent, 1)

	empty := NewRouter(map[Channel]Sender{ChannelSMS: nil})
	assert.Empty(t, empty.Channels())
	assert.True(t, IsPermanent(empty.Send(context.Background(), Message{Channel: ChannelSMS})))
}

func TestSESSenderBuildsMessage(t *testing.T) {
	fake := &fakeSES{}
	s := newSESSender(fake, SESConfig{FromEmail: "noreply@example.com"}, nil)

	require.NoError(t, s.Send(context.Background(), Message{To: "ops@example.com", Subject: "Alert", Body: "text", HTML: "<p>x</p>"}))
	require.NotNil(t, fake.input)
	assert.Equal(t, "Teletherapy <noreply@example.com>", aws.ToString(fake.input.FromEmailAddress))
	assert.Equal(t, []string{"ops@example.com"}, fake.input.Destination.ToAddresses)
	assert.Equal(t, "text", aws.ToString(fake.input.Content.Simple.Body.Text.Data))
	assert.Equal(t, "<p>x</p>", aws.ToString(fake.input.Content.Simple.Body.Html.Data))
}

func TestSESSenderClassifiesRejections(t *testing.T) {
	s := newSESSender(&fakeSES{err: &sestypes.MessageRejected{Message: aws.String("bad")}}, SESConfig{}, nil)
	assert.True(t, IsPermanent(s.Send(context.Background(), Message{To: "x@example.com"})))

	s = newSESSender(&fakeSES{err: &sestypes.TooManyRequestsException{Message: aws.String("slow down")}}, SESConfig{}, nil)
	err := s.Send(context.Background(), Message{To: "x@example.com"})
	require.Error(t, err)
	assert.False(t, IsPermanent(err))
}

func TestSQSSenderEnvelope(t *testing.T) {
	fake := &fakeSQS{}
	s := newSQSSender(fake, "https://sqs.local/queue", nil)

	require.NoError(t, s.Send(context.Background(), Message{Channel: ChannelSMS, To: "client-1", Body: "hello", SessionID: "s1", Kind: KindNoShow}))
	require.Len(t, fake.bodies, 1)

	var env smsEnvelope
	require.NoError(t, json.Unmarshal([]byte(fake.bodies[0]), &env))
	assert.Equal(t, smsEnvelope{Recipient: "client-1", Body: "hello", SessionID: "s1", Kind: KindNoShow}, env)

	assert.True(t, IsPermanent(s.Send(context.Background(), Message{Body: "no recipient"})))

	fake.err = errors.New("throttled")
	err := s.Send(context.Background(), Message{To: "client-1", Body: "x"})
	require.Error(t, err)
	assert.False(t, IsPermanent(err))
}

func TestStubSender(t *testing.T) {
	assert.NoError(t, NewStubSender(nil).Send(context.Background(), Message{To: "x", Body: "y"}))
}

func TestSessionMessages(t *testing.T) {
	start := time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)
	s := sessions.New("s1", "client-1", "prov-1", start, 50, 6000, start)

	msg := LatePaymentRefund(s)
	assert.Equal(t, "client-1", msg.To)
	assert.Equal(t, ChannelSMS, msg.Channel)
	assert.Equal(t, KindLatePaymentRefund, msg.Kind)
	assert.Contains(t, msg.Body, "Mon Mar 10 14:00 UTC")

	s.Overtime = &sessions.Overtime{Minutes: 12, ChargeCents: 1450}
	msg = OvertimeApprovalRequest(s, sessions.RoleClient)
	assert.Contains(t, msg.Body, "12 minutes")
	assert.Contains(t, msg.Body, "$14.50")

	s.Cancellation = &sessions.Cancellation{ElapsedMinutes: 20, RefundPercent: 50, RefundCents: 3000}
	assert.Contains(t, MidSessionRefund(s).Body, "50% refund of $30.00")

	assert.Equal(t, "prov-1", SessionRescheduled(s, sessions.RoleProvider).To)

	ns := NoShow(s, sessions.RoleClient)
	assert.Equal(t, "prov-1", ns.To)
	assert.Contains(t, ns.Body, "client did not join")
}
