// Package queue provides the bounded priority queue that feeds the decision
// loop. Many producers may enqueue concurrently; a single consumer dequeues
// the most urgent, oldest event first.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/scrypster/sidekick/pkg/types"
	"go.uber.org/zap"
)

// DefaultCapacity is used when New is given a non-positive capacity.
const DefaultCapacity = 1000

// ErrClosed is returned by blocking operations once the queue is closed.
var ErrClosed = errors.New("queue: closed")

// Enqueuer is the narrow capability handed to producers. It cannot dequeue,
// drain or inspect the queue.
type Enqueuer interface {
	// TryEnqueue adds ev without blocking. It returns false when the queue is
	// full or closed; the event is dropped and counted.
	TryEnqueue(ev types.Event) bool
	// Enqueue waits for space. If ctx ends first the event is dropped and
	// counted, and ctx.Err() is returned.
	Enqueue(ctx context.Context, ev types.Event) error
}

// Stats is a point-in-time snapshot of queue counters.
type Stats struct {
	Size       int            `json:"size"`
	Capacity   int            `json:"capacity"`
	Enqueued   uint64         `json:"enqueued"`
	Processed  uint64         `json:"processed"`
	Dropped    uint64         `json:"dropped"`
	ByPriority map[string]int `json:"by_priority"`
}

// Queue is a bounded, priority-ordered event queue. Ordering is priority
// ascending, then EnqueuedAt ascending, then insertion order.
type Queue struct {
	mu       sync.Mutex
	items    eventHeap
	capacity int
	seq      uint64
	closed   bool
	// changed is closed and replaced whenever items are added or removed so
	// that blocked callers re-check.
	changed chan struct{}

	enqueued  uint64
	processed uint64
	dropped   uint64

	now    func() time.Time
	logger *zap.Logger
}

var _ Enqueuer = (*Queue)(nil)

// New creates a queue holding at most capacity events.
func New(capacity int, logger *zap.Logger) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		items:    make(eventHeap, 0, min(capacity, 64)),
		capacity: capacity,
		changed:  make(chan struct{}),
		now:      time.Now,
		logger:   logger.Named("queue"),
	}
}

// TryEnqueue implements Enqueuer.
func (q *Queue) TryEnqueue(ev types.Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || len(q.items) >= q.capacity {
		q.dropLocked(ev)
		return false
	}
	q.pushLocked(ev)
	return true
}

// Enqueue implements Enqueuer.
func (q *Queue) Enqueue(ctx context.Context, ev types.Event) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.dropLocked(ev)
			q.mu.Unlock()
			return ErrClosed
		}
		if len(q.items) < q.capacity {
			q.pushLocked(ev)
			q.mu.Unlock()
			return nil
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			q.mu.Lock()
			q.dropLocked(ev)
			q.mu.Unlock()
			return ctx.Err()
		}
	}
}

// Dequeue removes and returns the most urgent event, waiting up to timeout
// for one to arrive. A non-positive timeout waits until ctx ends or the queue
// is closed. The boolean is false when nothing was dequeued.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (types.Event, bool) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			ev := q.popLocked()
			q.mu.Unlock()
			return ev, true
		}
		if q.closed {
			q.mu.Unlock()
			return types.Event{}, false
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-wait:
		case <-expired:
			return types.Event{}, false
		case <-ctx.Done():
			return types.Event{}, false
		}
	}
}

// TryDequeue removes and returns the most urgent event without waiting.
func (q *Queue) TryDequeue() (types.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return types.Event{}, false
	}
	return q.popLocked(), true
}

// Peek returns the event Dequeue would return next without removing it.
func (q *Queue) Peek() (types.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return types.Event{}, false
	}
	return q.items[0].event, true
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// IsEmpty reports whether the queue holds no events.
func (q *Queue) IsEmpty() bool {
	return q.Len() == 0
}

// Capacity returns the configured bound.
func (q *Queue) Capacity() int {
	return q.capacity
}

// Drain discards every queued event and returns how many were removed.
// Drained events count as neither processed nor dropped.
func (q *Queue) Drain() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	if n == 0 {
		return 0
	}
	clear(q.items)
	q.items = q.items[:0]
	q.broadcastLocked()
	return n
}

// Close rejects further enqueues and wakes every blocked caller. Events
// already queued can still be dequeued.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.broadcastLocked()
}

// Stats returns a snapshot of the queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	byPriority := make(map[string]int, len(types.AllPriorities))
	for _, it := range q.items {
		byPriority[it.event.Priority.String()]++
	}
	return Stats{
		Size:       len(q.items),
		Capacity:   q.capacity,
		Enqueued:   q.enqueued,
		Processed:  q.processed,
		Dropped:    q.dropped,
		ByPriority: byPriority,
	}
}

func (q *Queue) pushLocked(ev types.Event) {
	if ev.EnqueuedAt.IsZero() {
		ev.EnqueuedAt = q.now()
	}
	q.seq++
	heap.Push(&q.items, &item{event: ev, seq: q.seq})
	q.enqueued++
	q.broadcastLocked()
}

func (q *Queue) popLocked() types.Event {
	it := heap.Pop(&q.items).(*item)
	q.processed++
	q.broadcastLocked()
	return it.event
}

func (q *Queue) dropLocked(ev types.Event) {
	q.dropped++
	q.logger.Warn("event dropped",
		zap.String("kind", string(ev.Kind)),
		zap.Stringer("priority", ev.Priority),
		zap.String("source", ev.Source),
		zap.Int("size", len(q.items)),
		zap.Bool("closed", q.closed),
		zap.Uint64("dropped_total", q.dropped))
}

func (q *Queue) broadcastLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

type item struct {
	event types.Event
	seq   uint64
}

// eventHeap implements heap.Interface ordered by (priority, enqueued_at, seq).
type eventHeap []*item

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.event.Priority != b.event.Priority {
		return a.event.Priority < b.event.Priority
	}
	if !a.event.EnqueuedAt.Equal(b.event.EnqueuedAt) {
		return a.event.EnqueuedAt.Before(b.event.EnqueuedAt)
	}
	return a.seq < b.seq
}

func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x any) { *h = append(*h, x.(*item)) }

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
