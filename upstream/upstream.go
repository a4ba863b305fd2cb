// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package upstream opens client connections to backend brokers and exposes
// them as sinks for the gateway.
package upstream

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrConnect wraps every failure to open an upstream connection.
	ErrConnect = errors.New("upstream connect failed")

	// ErrSinkClosed is returned by operations on a closed sink, including
	// operations that were waiting for an acknowledgement when it closed.
	ErrSinkClosed = errors.New("upstream sink closed")

	// ErrRefused is returned when the backend refuses an operation.
	ErrRefused = errors.New("upstream refused operation")
)

// Protocol levels understood by the connector.
const (
	V311 byte = 4
	V5   byte = 5
)

// Options configures one upstream connection.
type Options struct {
	ClientID        string
	Username        string
	Password        []byte
	KeepAlive       time.Duration
	CleanStart      bool
	ConnectTimeout  time.Duration
	ProtocolVersion byte
}

// Message is an application message travelling through the gateway.
type Message struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// Subscription is one topic filter request.
type Subscription struct {
	Filter string
	QoS    byte
}

// SubResult is the backend verdict for one filter.
type SubResult struct {
	Granted bool
	QoS     byte
}

// EventKind distinguishes upstream events.
type EventKind int

const (
	// EventPublish carries a backend originated message.
	EventPublish EventKind = iota
	// EventClosed is the last event of a sink; Err holds the cause, if any.
	EventClosed
)

// Event is delivered on Sink.Events.
type Event struct {
	Kind    EventKind
	Message Message
	Dup     bool
	Err     error

	ack func() error
}

// NewPublishEvent builds a publish event acknowledged through ack, which may
// be nil for QoS 0.
func NewPublishEvent(msg Message, dup bool, ack func() error) Event {
	return Event{Kind: EventPublish, Message: msg, Dup: dup, ack: ack}
}

// Ack acknowledges a publish event to the backend. For QoS 0 it is a no-op.
func (e Event) Ack() error {
	if e.ack == nil {
		return nil
	}
	return e.ack()
}

// Sink is an open upstream connection.
type Sink interface {
	// Publish sends msg. QoS 0 returns once the message is handed to the
	// transport. Higher QoS waits for the backend acknowledgement and fails
	// when ctx is done or the sink closes first.
	Publish(ctx context.Context, msg Message) error
	// Subscribe returns one result per filter, in request order.
	Subscribe(ctx context.Context, subs []Subscription) ([]SubResult, error)
	Unsubscribe(ctx context.Context, topics []string) error
	// Events yields backend publishes followed by a single EventClosed.
	// The channel is closed after the last event.
	Events() <-chan Event
	// Close disconnects. It is idempotent.
	Close() error
}

// Connector opens upstream sinks.
type Connector interface {
	Connect(ctx context.Context, addr string, opts Options) (Sink, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context, addr string, opts Options) (Sink, error)

// Connect calls f.
func (f ConnectorFunc) Connect(ctx context.Context, addr string, opts Options) (Sink, error) {
	return f(ctx, addr, opts)
}
