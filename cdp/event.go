package cdp

import (
	"context"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"
)

// Event is a CDP event received for a target session.
type Event struct {
	Name cdproto.MethodType
	Data any

	sessionID target.SessionID
}

// eventQueue buffers the events of a session until its owner processes
// them. Pushing never blocks the connection's read loop.
type eventQueue struct {
	mu     sync.Mutex
	events []*Event
	closed bool

	notify chan struct{}
	done   chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (q *eventQueue) push(ev *Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.events = append(q.events, ev)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// drain removes and returns every queued event.
func (q *eventQueue) drain() []*Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	evs := q.events
	q.events = nil
	return evs
}

// requeue puts events back in front of the queue.
func (q *eventQueue) requeue(evs []*Event) {
	if len(evs) == 0 {
		return
	}

	q.mu.Lock()
	q.events = append(append([]*Event(nil), evs...), q.events...)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// wait blocks until an event is queued, timer fires, the queue closes or
// ctx is done.
func (q *eventQueue) wait(ctx context.Context, timer <-chan time.Time) error {
	select {
	case <-q.notify:
	case <-timer:
	case <-q.done:
	case <-ctx.Done():
		return ctx.Err() //nolint:wrapcheck
	}
	return nil
}

func (q *eventQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}
