// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/paho"
)

var _ Sink = (*v5Sink)(nil)

// v5Sink is an MQTT 5 upstream connection with manual acknowledgements.
type v5Sink struct {
	client *paho.Client
	conn   net.Conn
	events *eventQueue

	done      chan struct{}
	doneOnce  sync.Once
	closeOnce sync.Once
}

func connectV5(ctx context.Context, addr string, opts Options) (Sink, error) {
	if opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	s := &v5Sink{
		conn:   conn,
		events: newEventQueue(),
		done:   make(chan struct{}),
	}
	s.client = paho.NewClient(paho.ClientConfig{
		ClientID:                   opts.ClientID,
		Conn:                       conn,
		EnableManualAcknowledgment: true,
		OnPublishReceived:          []func(paho.PublishReceived) (bool, error){s.onPublish},
		OnClientError:              s.onClientError,
		OnServerDisconnect:         s.onServerDisconnect,
	})

	_, err = s.client.Connect(ctx, &paho.Connect{
		ClientID:     opts.ClientID,
		KeepAlive:    uint16(opts.KeepAlive / time.Second),
		CleanStart:   opts.CleanStart,
		Username:     opts.Username,
		UsernameFlag: opts.Username != "",
		Password:     opts.Password,
		PasswordFlag: opts.Password != nil,
	})
	if err != nil {
		conn.Close()
		s.events.shutdown()
		return nil, err
	}
	return s, nil
}

func (s *v5Sink) Publish(ctx context.Context, msg Message) error {
	if s.closed() {
		return ErrSinkClosed
	}

	resp, err := s.client.Publish(ctx, &paho.Publish{
		Topic:   msg.Topic,
		QoS:     msg.QoS,
		Retain:  msg.Retain,
		Payload: msg.Payload,
	})
	if err != nil {
		return s.wrap(err)
	}
	if resp != nil && resp.ReasonCode >= 0x80 {
		return fmt.Errorf("%w: publish reason code 0x%02x", ErrRefused, resp.ReasonCode)
	}
	return nil
}

func (s *v5Sink) Subscribe(ctx context.Context, subs []Subscription) ([]SubResult, error) {
	if s.closed() {
		return nil, ErrSinkClosed
	}

	req := &paho.Subscribe{Subscriptions: make([]paho.SubscribeOptions, len(subs))}
	for i, sub := range subs {
		req.Subscriptions[i] = paho.SubscribeOptions{Topic: sub.Filter, QoS: sub.QoS}
	}

	sa, err := s.client.Subscribe(ctx, req)
	// A complete SUBACK carries per filter verdicts even when the client
	// library reports refused filters as an error.
	if sa == nil || len(sa.Reasons) != len(subs) {
		if err == nil {
			err = fmt.Errorf("incomplete suback for %d filters", len(subs))
		}
		return nil, s.wrap(err)
	}

	results := make([]SubResult, len(subs))
	for i, code := range sa.Reasons {
		results[i] = SubResult{Granted: code < 0x80, QoS: code}
	}
	return results, nil
}

func (s *v5Sink) Unsubscribe(ctx context.Context, topics []string) error {
	if s.closed() {
		return ErrSinkClosed
	}

	ua, err := s.client.Unsubscribe(ctx, &paho.Unsubscribe{Topics: topics})
	if err != nil {
		return s.wrap(err)
	}
	for _, code := range ua.Reasons {
		if code >= 0x80 {
			return fmt.Errorf("%w: unsubscribe reason code 0x%02x", ErrRefused, code)
		}
	}
	return nil
}

func (s *v5Sink) Events() <-chan Event {
	return s.events.out
}

func (s *v5Sink) Close() error {
	var err error
	s.closeOnce.Do(func() {
		wasOpen := !s.closed()
		s.terminate(nil)
		if wasOpen {
			_ = s.client.Disconnect(&paho.Disconnect{ReasonCode: 0})
		}
		err = s.conn.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
		s.events.shutdown()
	})
	return err
}

func (s *v5Sink) onPublish(pr paho.PublishReceived) (bool, error) {
	p := pr.Packet
	e := Event{
		Kind: EventPublish,
		Message: Message{
			Topic:   p.Topic,
			Payload: p.Payload,
			QoS:     p.QoS,
			Retain:  p.Retain,
		},
		Dup: p.Duplicate(),
	}
	if p.QoS > 0 {
		e.ack = func() error { return s.client.Ack(p) }
	}
	s.events.push(e)
	return true, nil
}

func (s *v5Sink) onClientError(err error) {
	s.terminate(err)
}

func (s *v5Sink) onServerDisconnect(d *paho.Disconnect) {
	s.terminate(fmt.Errorf("server disconnect, reason code 0x%02x", d.ReasonCode))
}

func (s *v5Sink) terminate(err error) {
	s.doneOnce.Do(func() { close(s.done) })
	s.events.close(err)
}

func (s *v5Sink) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *v5Sink) wrap(err error) error {
	if s.closed() {
		return errors.Join(ErrSinkClosed, err)
	}
	return err
}
