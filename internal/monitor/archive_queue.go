package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/wolfman30/teletherapy-platform/pkg/logging"
)

const (
	// DefaultArchiveBuffer is how many events may wait for the archiver.
	DefaultArchiveBuffer = 1024
	archiveTimeout       = 5 * time.Second
)

// archiveQueue hands events to an Archiver on its own goroutine so a slow
// backend never stalls the recording path. Events that do not fit the
// buffer are dropped and logged.
type archiveQueue struct {
	archiver Archiver
	logger   *logging.Logger

	mu     sync.RWMutex
	closed bool
	events chan Event
	done   chan struct{}
}

func newArchiveQueue(a Archiver, size int, logger *logging.Logger) *archiveQueue {
	if size <= 0 {
		size = DefaultArchiveBuffer
	}
	q := &archiveQueue{
		archiver: a,
		logger:   logger,
		events:   make(chan Event, size),
		done:     make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *archiveQueue) run() {
	defer close(q.done)
	for evt := range q.events {
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		if err := q.archiver.Archive(ctx, evt); err != nil {
			q.logger.Error("archive event failed", "error", err, "type", evt.Type)
		}
		cancel()
	}
}

// offer never blocks. It reports false when the event was dropped.
func (q *archiveQueue) offer(evt Event) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	select {
	case q.events <- evt:
		return true
	default:
		q.logger.Warn("archive buffer full, event dropped", "type", evt.Type)
		return false
	}
}

// close stops accepting events and waits until the buffered ones are archived.
func (q *archiveQueue) close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.events)
	}
	q.mu.Unlock()
	<-q.done
}
