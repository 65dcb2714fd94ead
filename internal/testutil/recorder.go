package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/hupe1980/spellbridge/hook"
)

// Recorder collects hook contexts and bus events. Use Handler to register
// it at a point and Subscriber to attach it to a bus.
type Recorder struct {
	mu       sync.Mutex
	contexts []hook.Context
	events   []hook.Event
	notify   chan struct{}
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{}, 1)}
}

// Handler returns a hook handler storing a copy of every context it sees.
func (r *Recorder) Handler() hook.Handler {
	return hook.HandlerFunc(func(_ context.Context, hc *hook.Context) error {
		r.mu.Lock()
		r.contexts = append(r.contexts, *hc)
		r.mu.Unlock()
		return nil
	})
}

// Subscriber returns a bus subscriber storing every event it receives.
func (r *Recorder) Subscriber() hook.Subscriber {
	return hook.SubscriberFunc(func(_ context.Context, evt hook.Event) error {
		r.mu.Lock()
		r.events = append(r.events, evt)
		r.mu.Unlock()
		select {
		case r.notify <- struct{}{}:
		default:
		}
		return nil
	})
}

// Publish lets a Recorder stand in as a dispatcher publisher.
func (r *Recorder) Publish(evt hook.Event) {
	_ = r.Subscriber().HandleEvent(context.Background(), evt)
}

// Contexts returns the recorded hook contexts.
func (r *Recorder) Contexts() []hook.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]hook.Context(nil), r.contexts...)
}

// Events returns the recorded events.
func (r *Recorder) Events() []hook.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]hook.Event(nil), r.events...)
}

// Points returns the points of the recorded events, in arrival order.
func (r *Recorder) Points() []hook.Point {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]hook.Point, len(r.events))
	for i, e := range r.events {
		out[i] = e.Point
	}
	return out
}

// WaitEvents waits until at least n events arrived or timeout elapsed, and
// reports whether they did.
func (r *Recorder) WaitEvents(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		r.mu.Lock()
		got := len(r.events)
		r.mu.Unlock()
		if got >= n {
			return true
		}
		left := time.Until(deadline)
		if left <= 0 {
			return false
		}
		select {
		case <-r.notify:
		case <-time.After(min(left, 10*time.Millisecond)):
		}
	}
}
