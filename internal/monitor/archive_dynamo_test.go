package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/teletherapy-platform/internal/flow"
	"github.com/wolfman30/teletherapy-platform/internal/recovery"
)

type mockDynamo struct {
	inputs []*dynamodb.PutItemInput
	err    error
}

func (m *mockDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	m.inputs = append(m.inputs, in)
	if m.err != nil {
		return nil, m.err
	}
	return &dynamodb.PutItemOutput{}, nil
}

func TestDynamoArchiverStoresTransition(t *testing.T) {
	mock := &mockDynamo{}
	a := NewDynamoArchiver(mock, "flow_events", 72*time.Hour, nil)

	tr := &Transition{ID: "t-1", Entity: flow.EntitySession, EntityID: "s-1", From: flow.SessionPaid, To: flow.SessionReady, At: monT}
	require.NoError(t, a.Archive(context.Background(), Event{Type: EventTransition, Transition: tr}))

	require.Len(t, mock.inputs, 1)
	in := mock.inputs[0]
	assert.Equal(t, "flow_events", *in.TableName)
	assert.Equal(t, "attribute_not_exists(eventId)", *in.ConditionExpression)

	var stored archiveItem
	require.NoError(t, attributevalue.UnmarshalMap(in.Item, &stored))
	assert.Equal(t, "t-1", stored.EventID)
	assert.Equal(t, "s-1", stored.EntityID)
	assert.Equal(t, EventTransition, stored.EventType)
	assert.Equal(t, monT.Add(72*time.Hour).Unix(), stored.ExpiresAt)
	require.NotNil(t, stored.Transition)
	assert.Equal(t, flow.SessionReady, stored.Transition.To)
}

func TestDynamoArchiverAlertGetsID(t *testing.T) {
	mock := &mockDynamo{}
	a := NewDynamoArchiver(mock, "flow_events", 0, nil)
	alert := &recovery.Alert{Key: "k", Kind: "health", Severity: recovery.SeverityCritical, Message: "down", At: monT}
	require.NoError(t, a.Archive(context.Background(), Event{Type: EventAlert, Alert: alert}))

	var stored archiveItem
	require.NoError(t, attributevalue.UnmarshalMap(mock.inputs[0].Item, &stored))
	assert.NotEmpty(t, stored.EventID)
	assert.Zero(t, stored.ExpiresAt)
	require.NotNil(t, stored.Alert)
	assert.Equal(t, "down", stored.Alert.Message)
}

func TestDynamoArchiverErrors(t *testing.T) {
	a := NewDynamoArchiver(&mockDynamo{err: errors.New("throttled")}, "flow_events", 0, nil)
	err := a.Archive(context.Background(), Event{Type: EventViolation, Violation: &Violation{ID: "v"}})
	assert.ErrorContains(t, err, "throttled")

	err = a.Archive(context.Background(), Event{Type: EventRecovery})
	assert.ErrorContains(t, err, "without payload")

	err = a.Archive(context.Background(), Event{Type: "bogus"})
	assert.ErrorContains(t, err, "unknown event type")
}

func TestNewDynamoArchiverPanicsWithoutTable(t *testing.T) {
	assert.Panics(t, func() { NewDynamoArchiver(&mockDynamo{}, "", 0, nil) })
}
