// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package upstream

import "sync"

// eventQueue decouples the client library callbacks from the consumer.
// push never blocks, so a slow consumer cannot stall acknowledgements the
// client library has to process on the same connection.
type eventQueue struct {
	mu     sync.Mutex
	items  []Event
	closed bool

	notify   chan struct{}
	out      chan Event
	stop     chan struct{}
	stopOnce sync.Once
}

func newEventQueue() *eventQueue {
	q := &eventQueue{
		notify: make(chan struct{}, 1),
		out:    make(chan Event),
		stop:   make(chan struct{}),
	}
	go q.pump()
	return q
}

// push enqueues e. Events pushed after EventClosed are dropped.
func (q *eventQueue) push(e Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, e)
	if e.Kind == EventClosed {
		q.closed = true
	}
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// close pushes the terminal event unless one was already pushed.
func (q *eventQueue) close(err error) {
	q.push(Event{Kind: EventClosed, Err: err})
}

// shutdown stops delivery even if nobody is reading.
func (q *eventQueue) shutdown() {
	q.stopOnce.Do(func() { close(q.stop) })
}

func (q *eventQueue) pump() {
	defer close(q.out)

	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-q.notify:
				continue
			case <-q.stop:
				return
			}
		}
		e := q.items[0]
		q.items[0] = Event{}
		q.items = q.items[1:]
		q.mu.Unlock()

		select {
		case q.out <- e:
		case <-q.stop:
			return
		}
	}
}
