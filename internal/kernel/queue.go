package kernel

import (
	"context"
	"sync"
	"time"
)

// messageQueue is a thread-safe FIFO of inbound messages for one channel.
//
// The queue is unbounded so transport reader goroutines never block on a
// consumer that is busy comparing outputs. A buffered signal channel (size
// 1) wakes a waiting consumer; multiple enqueues coalesce into one signal.
type messageQueue struct {
	mu       sync.Mutex
	messages []*Message
	closed   bool
	signal   chan struct{}
}

func newMessageQueue() *messageQueue {
	return &messageQueue{
		messages: make([]*Message, 0, 64),
		signal:   make(chan struct{}, 1),
	}
}

// Enqueue adds a message to the back of the queue.
// Returns false if the queue is closed.
func (q *messageQueue) Enqueue(m *Message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.messages = append(q.messages, m)

	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue removes and returns the front message without blocking.
func (q *messageQueue) TryDequeue() (*Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.messages) == 0 {
		return nil, false
	}

	m := q.messages[0]
	q.messages[0] = nil // release for GC

	if len(q.messages) == 1 {
		q.messages = q.messages[:0]
	} else {
		q.messages = q.messages[1:]
	}

	return m, true
}

// Next waits up to timeout for the front message.
//
// Returns ErrTimeout when nothing arrives in time, ErrClosed once the queue
// is closed and empty, or the context error if ctx ends first.
func (q *messageQueue) Next(ctx context.Context, timeout time.Duration) (*Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if m, ok := q.TryDequeue(); ok {
			return m, nil
		}
		if q.isClosed() {
			return nil, ErrClosed
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, ErrTimeout
		case <-q.signal:
		}
	}
}

// Drain discards every queued message and returns how many were dropped.
func (q *messageQueue) Drain() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.messages)
	for i := range q.messages {
		q.messages[i] = nil
	}
	q.messages = q.messages[:0]
	return n
}

// Len returns the current queue length.
func (q *messageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// Close stops accepting messages and wakes any waiter.
func (q *messageQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}

func (q *messageQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
