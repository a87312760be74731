package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/wolfman30/teletherapy-platform/pkg/logging"
)

type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSSender hands SMS notifications to the messaging worker queue. The
// worker resolves the participant's phone number and carrier.
type SQSSender struct {
	client   sqsAPI
	queueURL string
	logger   *logging.Logger
}

// NewSQSSender wraps an SQS client.
func NewSQSSender(client *sqs.Client, queueURL string, logger *logging.Logger) *SQSSender {
	if client == nil {
		panic("notify: SQS client cannot be nil")
	}
	return newSQSSender(client, queueURL, logger)
}

func newSQSSender(client sqsAPI, queueURL string, logger *logging.Logger) *SQSSender {
	if queueURL == "" {
		panic("notify: SQS queueURL cannot be empty")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &SQSSender{client: client, queueURL: queueURL, logger: logger}
}

type smsEnvelope struct {
	Recipient string `json:"recipient"`
	Body      string `json:"body"`
	SessionID string `json:"session_id,omitempty"`
	Kind      string `json:"kind,omitempty"`
}

// Send enqueues msg for SMS delivery.
func (q *SQSSender) Send(ctx context.Context, msg Message) error {
	if msg.To == "" || msg.Body == "" {
		return Permanent(fmt.Errorf("sms message requires recipient and body"))
	}
	payload, err := json.Marshal(smsEnvelope{
		Recipient: msg.To,
		Body:      msg.Body,
		SessionID: msg.SessionID,
		Kind:      msg.Kind,
	})
	if err != nil {
		return Permanent(err)
	}
	out, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(payload)),
	})
	if err != nil {
		return fmt.Errorf("notify: failed to send SQS message: %w", err)
	}
	q.logger.Debug("sms handed to messaging queue", "to", msg.To, "kind", msg.Kind, "message_id", aws.ToString(out.MessageId))
	return nil
}

var _ Sender = (*SQSSender)(nil)
