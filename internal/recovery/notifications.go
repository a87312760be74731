package recovery

import (
	"context"
	"time"

	"github.com/wolfman30/teletherapy-platform/internal/clock"
	"github.com/wolfman30/teletherapy-platform/internal/notify"
	"github.com/wolfman30/teletherapy-platform/pkg/logging"
)

// KindNotification is the queue kind for deferred messages.
const KindNotification = "notification.send"

// DefaultNotificationExpiry abandons undelivered messages after a day.
const DefaultNotificationExpiry = 24 * time.Hour

// NotificationQueue defers messages whose delivery failed transiently.
type NotificationQueue struct {
	*Queue
	sender notify.Sender
}

// NewNotificationQueue builds the queue and registers the delivery executor.
func NewNotificationQueue(store QueueStore, sender notify.Sender, expiry time.Duration, c clock.Clock, logger *logging.Logger) *NotificationQueue {
	if sender == nil {
		panic("recovery: notification sender required")
	}
	if expiry <= 0 {
		expiry = DefaultNotificationExpiry
	}
	nq := &NotificationQueue{
		Queue:  NewQueue("notifications", store, c, logger).WithExpiry(expiry),
		sender: sender,
	}
	nq.Register(KindNotification, nq.deliver)
	return nq
}

func (nq *NotificationQueue) deliver(ctx context.Context, op Operation) error {
	var msg notify.Message
	if err := op.Decode(&msg); err != nil {
		return err
	}
	return classifySend(nq.sender.Send(ctx, msg))
}

// EnqueueMessage stores msg for the next drain.
func (nq *NotificationQueue) EnqueueMessage(ctx context.Context, msg notify.Message, cause error) (Operation, error) {
	return nq.Enqueue(ctx, KindNotification, msg, cause)
}

// SendOrQueue tries one immediate delivery. Transient failures are queued and
// reported as queued; permanent rejections are returned.
func (nq *NotificationQueue) SendOrQueue(ctx context.Context, msg notify.Message) (bool, error) {
	err := nq.sender.Send(ctx, msg)
	if err == nil {
		return false, nil
	}
	if notify.IsPermanent(err) {
		return false, err
	}
	op, qerr := nq.Enqueue(ctx, KindNotification, msg, err)
	if qerr != nil {
		return false, qerr
	}
	nq.logger.Info("notification deferred", "operation_id", op.ID, "kind", msg.Kind, "session_id", msg.SessionID)
	return true, nil
}

func classifySend(err error) error {
	if notify.IsPermanent(err) {
		return Permanent(err)
	}
	return err
}
