package recovery

import (
	"context"
	"errors"
	"fmt"

	"github.com/wolfman30/teletherapy-platform/pkg/logging"
)

// Outcome reports how a guarded operation finished. Queued is a normal
// result: the operation will be replayed by the queue.
type Outcome struct {
	Queued      bool   `json:"queued"`
	OperationID string `json:"operation_id,omitempty"`
	Attempts    int    `json:"attempts"`
}

// Guard retries an operation and, once the budget runs out on a transient
// error, hands it to a queue instead of failing the caller.
type Guard struct {
	policy Policy
	queue  *Queue
	logger *logging.Logger
}

// NewGuard creates a Guard. A nil queue turns exhaustion into an error.
func NewGuard(policy Policy, queue *Queue, logger *logging.Logger) *Guard {
	if logger == nil {
		logger = logging.Default()
	}
	return &Guard{policy: policy, queue: queue, logger: logger.WithComponent("guard")}
}

// Policy returns the retry policy.
func (g *Guard) Policy() Policy { return g.policy }

// Queue returns the fallback queue.
func (g *Guard) Queue() *Queue { return g.queue }

// Do runs op under the retry policy. On exhaustion payload is enqueued under
// kind so the registered executor can replay it.
func (g *Guard) Do(ctx context.Context, kind string, payload any, op func(ctx context.Context) error) (Outcome, error) {
	attempts := 0
	err := Retry(ctx, g.policy, func(ctx context.Context) error {
		attempts++
		return op(ctx)
	})
	if err == nil {
		return Outcome{Attempts: attempts}, nil
	}

	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) || g.queue == nil {
		return Outcome{Attempts: attempts}, err
	}
	if ctx.Err() != nil {
		return Outcome{Attempts: attempts}, err
	}

	queued, qerr := g.queue.Enqueue(ctx, kind, payload, exhausted.Last)
	if qerr != nil {
		return Outcome{Attempts: attempts}, fmt.Errorf("recovery: queue after retries: %w", errors.Join(err, qerr))
	}
	g.logger.Warn("operation deferred to queue", "kind", kind, "operation_id", queued.ID, "attempts", exhausted.Attempts)
	return Outcome{Queued: true, OperationID: queued.ID, Attempts: exhausted.Attempts}, nil
}
