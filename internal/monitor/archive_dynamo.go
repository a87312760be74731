package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/google/uuid"

	"github.com/wolfman30/teletherapy-platform/internal/recovery"
	"github.com/wolfman30/teletherapy-platform/pkg/logging"
)

type dynamoAPI interface {
	PutItem(context.Context, *dynamodb.PutItemInput, ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// archiveItem is the stored shape. The table key is eventId; entityId is
// expected to carry a secondary index for per-session history.
type archiveItem struct {
	EventID    string         `dynamodbav:"eventId"`
	EventType  EventType      `dynamodbav:"eventType"`
	EntityID   string         `dynamodbav:"entityId,omitempty"`
	RecordedAt string         `dynamodbav:"recordedAt"`
	ExpiresAt  int64          `dynamodbav:"expiresAt,omitempty"`
	Transition *Transition    `dynamodbav:"transition,omitempty"`
	Violation  *Violation     `dynamodbav:"violation,omitempty"`
	Recovery   *Recovery      `dynamodbav:"recovery,omitempty"`
	Alert      *archivedAlert `dynamodbav:"alert,omitempty"`
}

type archivedAlert struct {
	Key      string            `dynamodbav:"key"`
	Kind     string            `dynamodbav:"kind"`
	Severity recovery.Severity `dynamodbav:"severity"`
	Message  string            `dynamodbav:"message"`
	Count    int               `dynamodbav:"count,omitempty"`
	At       time.Time         `dynamodbav:"at"`
}

// DynamoArchiver writes monitor events to a DynamoDB table with a TTL.
type DynamoArchiver struct {
	client    dynamoAPI
	tableName string
	ttl       time.Duration
	logger    *logging.Logger
}

// NewDynamoArchiver builds an archiver. ttl <= 0 keeps items forever.
func NewDynamoArchiver(client dynamoAPI, tableName string, ttl time.Duration, logger *logging.Logger) *DynamoArchiver {
	if client == nil {
		panic("monitor: dynamodb client cannot be nil")
	}
	if tableName == "" {
		panic("monitor: table name cannot be empty")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &DynamoArchiver{client: client, tableName: tableName, ttl: ttl, logger: logger}
}

// Archive stores evt.
func (a *DynamoArchiver) Archive(ctx context.Context, evt Event) error {
	item, err := a.toItem(evt)
	if err != nil {
		return err
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("monitor: marshal archive item: %w", err)
	}
	_, err = a.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(a.tableName),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(eventId)"),
	})
	if err != nil {
		return fmt.Errorf("monitor: archive %s event: %w", evt.Type, err)
	}
	return nil
}

func (a *DynamoArchiver) toItem(evt Event) (archiveItem, error) {
	item := archiveItem{EventType: evt.Type}
	var at time.Time
	switch evt.Type {
	case EventTransition:
		if evt.Transition == nil {
			return item, errors.New("monitor: transition event without payload")
		}
		item.EventID, item.EntityID, at = evt.Transition.ID, evt.Transition.EntityID, evt.Transition.At
		item.Transition = evt.Transition
	case EventViolation:
		if evt.Violation == nil {
			return item, errors.New("monitor: violation event without payload")
		}
		item.EventID, item.EntityID, at = evt.Violation.ID, evt.Violation.EntityID, evt.Violation.At
		item.Violation = evt.Violation
	case EventRecovery:
		if evt.Recovery == nil {
			return item, errors.New("monitor: recovery event without payload")
		}
		item.EventID, at = evt.Recovery.ID, evt.Recovery.At
		item.Recovery = evt.Recovery
	case EventAlert:
		if evt.Alert == nil {
			return item, errors.New("monitor: alert event without payload")
		}
		item.EventID, at = uuid.NewString(), evt.Alert.At
		item.Alert = &archivedAlert{
			Key:      evt.Alert.Key,
			Kind:     evt.Alert.Kind,
			Severity: evt.Alert.Severity,
			Message:  evt.Alert.Message,
			Count:    evt.Alert.Count,
			At:       evt.Alert.At,
		}
	default:
		return item, fmt.Errorf("monitor: unknown event type %q", evt.Type)
	}
	if item.EventID == "" {
		item.EventID = uuid.NewString()
	}
	item.RecordedAt = at.UTC().Format(time.RFC3339Nano)
	if a.ttl > 0 {
		item.ExpiresAt = at.Add(a.ttl).Unix()
	}
	return item, nil
}
