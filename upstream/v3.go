// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"fmt"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const v3DisconnectQuiesce = 250 // milliseconds

var _ Sink = (*v3Sink)(nil)

// v3Sink is an MQTT 3.1.1 upstream connection. Automatic reconnects and
// acknowledgements are disabled: the gateway owns both.
type v3Sink struct {
	client mqtt.Client
	events *eventQueue

	done     chan struct{}
	doneOnce sync.Once
}

func connectV3(ctx context.Context, addr string, opts Options) (Sink, error) {
	s := &v3Sink{
		events: newEventQueue(),
		done:   make(chan struct{}),
	}

	o := mqtt.NewClientOptions().
		AddBroker("tcp://" + addr).
		SetClientID(opts.ClientID).
		SetProtocolVersion(uint(V311)).
		SetKeepAlive(opts.KeepAlive).
		SetCleanSession(opts.CleanStart).
		SetConnectTimeout(opts.ConnectTimeout).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetAutoAckDisabled(true).
		SetOrderMatters(true).
		SetDefaultPublishHandler(s.onMessage).
		SetConnectionLostHandler(s.onConnectionLost)
	if opts.Username != "" {
		o.SetUsername(opts.Username)
		o.SetPassword(string(opts.Password))
	}
	s.client = mqtt.NewClient(o)

	tok := s.client.Connect()
	if err := s.wait(ctx, tok); err != nil {
		s.events.shutdown()
		go func() {
			// The attempt may still succeed after ctx expired.
			tok.Wait()
			s.client.Disconnect(0)
		}()
		return nil, err
	}
	return s, nil
}

func (s *v3Sink) Publish(ctx context.Context, msg Message) error {
	if s.closed() {
		return ErrSinkClosed
	}

	tok := s.client.Publish(msg.Topic, msg.QoS, msg.Retain, msg.Payload)
	if msg.QoS == 0 {
		select {
		case <-tok.Done():
			return tok.Error()
		default:
			return nil
		}
	}
	return s.wait(ctx, tok)
}

func (s *v3Sink) Subscribe(ctx context.Context, subs []Subscription) ([]SubResult, error) {
	if s.closed() {
		return nil, ErrSinkClosed
	}

	filters := make(map[string]byte, len(subs))
	for _, sub := range subs {
		filters[sub.Filter] = sub.QoS
	}

	tok := s.client.SubscribeMultiple(filters, s.onMessage)
	err := s.wait(ctx, tok)

	st, ok := tok.(*mqtt.SubscribeToken)
	if !ok {
		return nil, fmt.Errorf("unexpected subscribe token %T", tok)
	}
	// Refused filters may surface as a token error next to a complete result.
	if err != nil && (ctx.Err() != nil || s.closed()) {
		return nil, err
	}
	granted := st.Result()
	if err != nil && len(granted) < len(filters) {
		return nil, err
	}

	results := make([]SubResult, len(subs))
	for i, sub := range subs {
		code, ok := granted[sub.Filter]
		results[i] = SubResult{Granted: ok && code < 0x80, QoS: code}
	}
	return results, nil
}

func (s *v3Sink) Unsubscribe(ctx context.Context, topics []string) error {
	if s.closed() {
		return ErrSinkClosed
	}
	return s.wait(ctx, s.client.Unsubscribe(topics...))
}

func (s *v3Sink) Events() <-chan Event {
	return s.events.out
}

func (s *v3Sink) Close() error {
	s.terminate(nil)
	if s.client.IsConnectionOpen() {
		s.client.Disconnect(v3DisconnectQuiesce)
	}
	s.events.shutdown()
	return nil
}

func (s *v3Sink) onMessage(_ mqtt.Client, m mqtt.Message) {
	e := Event{
		Kind: EventPublish,
		Message: Message{
			Topic:   m.Topic(),
			Payload: m.Payload(),
			QoS:     m.Qos(),
			Retain:  m.Retained(),
		},
		Dup: m.Duplicate(),
	}
	if m.Qos() > 0 {
		e.ack = func() error {
			m.Ack()
			return nil
		}
	}
	s.events.push(e)
}

func (s *v3Sink) onConnectionLost(_ mqtt.Client, err error) {
	s.terminate(err)
}

func (s *v3Sink) terminate(err error) {
	s.doneOnce.Do(func() { close(s.done) })
	s.events.close(err)
}

func (s *v3Sink) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *v3Sink) wait(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSinkClosed
	}
}
