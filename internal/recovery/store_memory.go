package recovery

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryQueueStore keeps operations in process. Queued work is lost on
// restart, so production deployments use SQLQueueStore.
type MemoryQueueStore struct {
	mu  sync.Mutex
	ops map[string]Operation
}

func NewMemoryQueueStore() *MemoryQueueStore {
	return &MemoryQueueStore{ops: make(map[string]Operation)}
}

func (m *MemoryQueueStore) Add(ctx context.Context, op Operation) error {
	m.mu.Lock()
	m.ops[op.ID] = op
	m.mu.Unlock()
	return nil
}

func (m *MemoryQueueStore) list(queue string, limit int, match func(OperationStatus) bool) []Operation {
	m.mu.Lock()
	out := make([]Operation, 0)
	for _, op := range m.ops {
		if op.Queue == queue && match(op.Status) {
			out = append(out, op)
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].EnqueuedAt.Equal(out[j].EnqueuedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryQueueStore) Pending(ctx context.Context, queue string, limit int) ([]Operation, error) {
	return m.list(queue, limit, func(s OperationStatus) bool { return s == StatusPending }), nil
}

func (m *MemoryQueueStore) Failed(ctx context.Context, queue string, limit int) ([]Operation, error) {
	return m.list(queue, limit, func(s OperationStatus) bool { return s != StatusPending }), nil
}

func (m *MemoryQueueStore) Update(ctx context.Context, op Operation) error {
	m.mu.Lock()
	if _, ok := m.ops[op.ID]; ok {
		m.ops[op.ID] = op
	}
	m.mu.Unlock()
	return nil
}

func (m *MemoryQueueStore) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	delete(m.ops, id)
	m.mu.Unlock()
	return nil
}

func (m *MemoryQueueStore) Counts(ctx context.Context, queue string) (QueueCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		c      QueueCounts
		oldest time.Time
	)
	for _, op := range m.ops {
		if op.Queue != queue {
			continue
		}
		if op.Status != StatusPending {
			c.Failed++
			continue
		}
		c.Pending++
		if oldest.IsZero() || op.EnqueuedAt.Before(oldest) {
			oldest = op.EnqueuedAt
		}
	}
	if !oldest.IsZero() {
		c.OldestPending = &oldest
	}
	return c, nil
}

// PurgeSettled deletes failed and expired operations last updated before
// cutoff.
func (m *MemoryQueueStore) PurgeSettled(ctx context.Context, queue string, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, op := range m.ops {
		if op.Queue == queue && op.Status != StatusPending && op.UpdatedAt.Before(cutoff) {
			delete(m.ops, id)
			n++
		}
	}
	return n, nil
}

var (
	_ QueueStore = (*MemoryQueueStore)(nil)
	_ Purger     = (*MemoryQueueStore)(nil)
)
