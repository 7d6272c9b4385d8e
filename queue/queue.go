// Package queue is the hand-off between the EventSub listener and the consumer: a
// bounded FIFO that never blocks producers, and a paced single-consumer loop.
package queue

import (
	"context"
	"log/slog"
	"sync"

	"github.com/onnwee/sub-tender/telemetry"
)

// DefaultCapacity is used when New is given a non-positive capacity.
const DefaultCapacity = 1024

// Queue is a bounded ring buffer. When full, Enqueue evicts the oldest item.
type Queue[T any] struct {
	mu    sync.Mutex
	buf   []T
	head  int
	size  int
	ready chan struct{}

	dropped uint64
}

func New[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue[T]{buf: make([]T, capacity), ready: make(chan struct{}, 1)}
}

// Enqueue appends v without blocking. It reports false when an older item was dropped
// to make room.
func (q *Queue[T]) Enqueue(v T) bool {
	q.mu.Lock()
	kept := true
	if q.size == len(q.buf) {
		var zero T
		q.buf[q.head] = zero
		q.head = (q.head + 1) % len(q.buf)
		q.size--
		q.dropped++
		kept = false
	}
	q.buf[(q.head+q.size)%len(q.buf)] = v
	q.size++
	depth := q.size
	q.mu.Unlock()

	if !kept {
		telemetry.IncEventDropped()
		slog.Warn("delivery queue full; dropped oldest event", slog.Int("capacity", len(q.buf)))
	}
	telemetry.SetQueueDepth(depth)
	select {
	case q.ready <- struct{}{}:
	default:
	}
	return kept
}

// TryDequeue pops the oldest item if there is one.
func (q *Queue[T]) TryDequeue() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if q.size == 0 {
		return zero, false
	}
	v := q.buf[q.head]
	q.buf[q.head] = zero
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	telemetry.SetQueueDepth(q.size)
	if q.size > 0 {
		// keep the signal armed for the remaining items
		select {
		case q.ready <- struct{}{}:
		default:
		}
	}
	return v, true
}

// Dequeue blocks until an item is available or ctx is done.
func (q *Queue[T]) Dequeue(ctx context.Context) (T, error) {
	for {
		if v, ok := q.TryDequeue(); ok {
			return v, nil
		}
		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-q.ready:
		}
	}
}

// Len is the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap is the fixed capacity.
func (q *Queue[T]) Cap() int { return len(q.buf) }

// Dropped counts items evicted since creation.
func (q *Queue[T]) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
