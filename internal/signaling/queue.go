package signaling

import "sync"

// outQueue is an unbounded FIFO of outbound events for one connection.
//
// Any goroutine may Enqueue without blocking, so a slow or dead recipient
// never stalls a sender's relay loop. Only the owning connection's writer
// consumes from the queue, and only the owning connection closes it.
type outQueue struct {
	mu     sync.Mutex
	items  []event
	closed bool

	// wake is a 1-buffered signal that items may be available.
	wake chan struct{}
	// done is closed exactly once by Close.
	done chan struct{}
}

func newOutQueue() *outQueue {
	return &outQueue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Enqueue appends an event. It reports false when the queue is closed, in
// which case the event is dropped.
func (q *outQueue) Enqueue(ev event) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, ev)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue pops the oldest event without blocking.
func (q *outQueue) TryDequeue() (event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return event{}, false
	}
	ev := q.items[0]
	q.items = q.items[1:]
	return ev, true
}

// Wake is signalled after an enqueue; Done is closed when the queue closes.
// The consumer selects over both (plus whatever else it multiplexes, such
// as a ping ticker).
func (q *outQueue) Wake() <-chan struct{} { return q.wake }
func (q *outQueue) Done() <-chan struct{} { return q.done }

// Close marks the queue closed and rejects further enqueues. Idempotent.
// Must only be called by the owning connection.
func (q *outQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.done)
}
