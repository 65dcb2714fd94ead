package hook

import "sync"

// eventQueue is a bounded FIFO. When full it either evicts the oldest
// element (dropOldest) or rejects the new one.
type eventQueue struct {
	mu         sync.Mutex
	buf        []Event
	head, size int
	dropOldest bool
	notify     chan struct{}
}

func newEventQueue(depth int, dropOldest bool) *eventQueue {
	if depth < 1 {
		depth = 1
	}
	return &eventQueue{
		buf:        make([]Event, depth),
		dropOldest: dropOldest,
		notify:     make(chan struct{}, 1),
	}
}

// push enqueues evt and reports whether an event was lost doing so.
func (q *eventQueue) push(evt Event) (dropped bool) {
	q.mu.Lock()
	switch {
	case q.size < len(q.buf):
		q.buf[(q.head+q.size)%len(q.buf)] = evt
		q.size++
	case q.dropOldest:
		q.buf[q.head] = evt
		q.head = (q.head + 1) % len(q.buf)
		dropped = true
	default:
		dropped = true
	}
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return dropped
}

// pop blocks until an event is available or done is closed.
func (q *eventQueue) pop(done <-chan struct{}) (Event, bool) {
	for {
		q.mu.Lock()
		if q.size > 0 {
			evt := q.buf[q.head]
			q.buf[q.head] = Event{}
			q.head = (q.head + 1) % len(q.buf)
			q.size--
			q.mu.Unlock()
			return evt, true
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-done:
			return Event{}, false
		}
	}
}

func (q *eventQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}
