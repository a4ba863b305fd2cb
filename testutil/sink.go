// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/absmach/mqttgw/upstream"
)

// Sink is an in-memory upstream.Sink recording every call.
type Sink struct {
	// Addr is the backend the sink was opened for, when created by Connector.
	Addr string

	mu           sync.Mutex
	published    []upstream.Message
	subscribed   [][]upstream.Subscription
	unsubscribed [][]string
	closeCalls   int
	closed       bool

	// Errors returned by the corresponding operations.
	PublishErr     error
	SubscribeErr   error
	UnsubscribeErr error

	// SubResults overrides the default of granting every filter at its
	// requested QoS.
	SubResults func([]upstream.Subscription) []upstream.SubResult

	hold    bool
	release chan struct{}

	events chan upstream.Event
	done   chan struct{}
}

var _ upstream.Sink = (*Sink)(nil)

// NewSink creates an open sink.
func NewSink() *Sink {
	return &Sink{
		release: make(chan struct{}),
		events:  make(chan upstream.Event, 64),
		done:    make(chan struct{}),
	}
}

func (s *Sink) Publish(ctx context.Context, msg upstream.Message) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return upstream.ErrSinkClosed
	}
	s.published = append(s.published, msg)
	hold, err := s.hold, s.PublishErr
	s.mu.Unlock()

	if err != nil {
		return err
	}
	if msg.QoS == 0 || !hold {
		return nil
	}

	select {
	case <-s.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return upstream.ErrSinkClosed
	}
}

func (s *Sink) Subscribe(_ context.Context, subs []upstream.Subscription) ([]upstream.SubResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, upstream.ErrSinkClosed
	}
	s.subscribed = append(s.subscribed, slices.Clone(subs))
	if s.SubscribeErr != nil {
		return nil, s.SubscribeErr
	}
	if s.SubResults != nil {
		return s.SubResults(subs), nil
	}

	results := make([]upstream.SubResult, len(subs))
	for i, sub := range subs {
		results[i] = upstream.SubResult{Granted: true, QoS: sub.QoS}
	}
	return results, nil
}

func (s *Sink) Unsubscribe(_ context.Context, topics []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return upstream.ErrSinkClosed
	}
	s.unsubscribed = append(s.unsubscribed, slices.Clone(topics))
	return s.UnsubscribeErr
}

func (s *Sink) Events() <-chan upstream.Event {
	return s.events
}

// Close ends the event stream with EventClosed. It is idempotent.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closeCalls++
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	s.events <- upstream.Event{Kind: upstream.EventClosed}
	close(s.events)
	return nil
}

// Drop simulates the backend going away: the event stream ends with err
// and further operations fail.
func (s *Sink) Drop(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	s.events <- upstream.Event{Kind: upstream.EventClosed, Err: err}
	close(s.events)
}

// Push emits a backend publish. The returned channel receives a value when
// the gateway acknowledges it.
func (s *Sink) Push(msg upstream.Message, dup bool) <-chan struct{} {
	acked := make(chan struct{}, 1)
	var ack func() error
	if msg.QoS > 0 {
		ack = func() error {
			acked <- struct{}{}
			return nil
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.events <- upstream.NewPublishEvent(msg, dup, ack)
	}
	return acked
}

// Hold makes QoS 1 and 2 publishes wait until Release, ctx expiry or Close.
func (s *Sink) Hold() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hold = true
}

// Release unblocks held publishes, current and future.
func (s *Sink) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.release:
	default:
		close(s.release)
	}
}

// Published returns the forwarded messages.
func (s *Sink) Published() []upstream.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.published)
}

// Subscribed returns the forwarded subscribe requests.
func (s *Sink) Subscribed() [][]upstream.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.subscribed)
}

// Unsubscribed returns the forwarded unsubscribe requests.
func (s *Sink) Unsubscribed() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.unsubscribed)
}

// CloseCalls returns how many times Close was called.
func (s *Sink) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

// Closed reports whether the sink was closed or dropped.
func (s *Sink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Done is closed when the sink closes.
func (s *Sink) Done() <-chan struct{} {
	return s.done
}

// ErrUnknownBackend is returned by Connector for unregistered addresses.
var ErrUnknownBackend = errors.New("unknown backend")

// Connector hands out one fresh Sink per Connect call.
type Connector struct {
	mu    sync.Mutex
	errs  map[string]error
	sinks []*Sink
	opts  []upstream.Options

	// Prepare, when set, configures each sink before it is returned.
	Prepare func(*Sink)
}

var _ upstream.Connector = (*Connector)(nil)

// NewConnector creates a connector accepting every address.
func NewConnector() *Connector {
	return &Connector{errs: make(map[string]error)}
}

// Fail makes connects to addr return err.
func (c *Connector) Fail(addr string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs[addr] = err
}

func (c *Connector) Connect(_ context.Context, addr string, opts upstream.Options) (upstream.Sink, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.opts = append(c.opts, opts)
	if err, ok := c.errs[addr]; ok {
		return nil, err
	}

	s := NewSink()
	s.Addr = addr
	if c.Prepare != nil {
		c.Prepare(s)
	}
	c.sinks = append(c.sinks, s)
	return s, nil
}

// Sinks returns the sinks opened so far, in connect order.
func (c *Connector) Sinks() []*Sink {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.sinks)
}

// Options returns the options of every connect attempt.
func (c *Connector) Options() []upstream.Options {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.opts)
}
