// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/absmach/mqttgw/mqtt"
	"github.com/absmach/mqttgw/session"
	"github.com/absmach/mqttgw/topics"
	"github.com/absmach/mqttgw/upstream"
	"golang.org/x/sync/errgroup"
)

// rateTooHigh is the MQTT 5 DISCONNECT reason sent to throttled clients.
const rateTooHigh byte = 0x96

// proxy runs one established session: the downstream read loop plus one
// event loop per upstream leg.
type proxy struct {
	g      *Gateway
	conn   *mqtt.Connection
	client *client
	st     *session.State
	logger *slog.Logger

	closing atomic.Bool
}

func (p *proxy) run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, p.teardown)
	defer stop()

	var eg errgroup.Group
	eg.Go(func() error {
		defer p.teardown()
		return p.readLoop(ctx)
	})

	sinks := p.st.Sink.Sinks()
	for i, s := range sinks {
		// Only the primary leg is relayed to the client.
		relay := i == 0
		eg.Go(func() error {
			defer p.teardown()
			return p.upstreamLoop(ctx, s, relay)
		})
	}

	err := eg.Wait()

	reason := "client"
	if err != nil {
		reason = "error"
		p.logger.Info("session closed", slog.String("error", err.Error()))
	} else {
		p.logger.Info("session closed")
	}
	if p.g.limiter != nil {
		p.g.limiter.OnClientDisconnect(p.st.ClientID)
	}
	if p.g.metrics != nil {
		p.g.metrics.RecordDisconnection(reason)
		p.g.metrics.RecordSessionEnd(p.st.Sink.Mode().String(), len(p.st.Subscriptions()))
	}
	return err
}

// teardown closes both legs. Loops observing the closure afterwards end
// without error.
func (p *proxy) teardown() {
	if p.closing.CompareAndSwap(false, true) {
		p.st.Close()
	}
}

func (p *proxy) readLoop(ctx context.Context) error {
	for {
		pkt, err := p.conn.ReadPacket()
		if err != nil {
			if p.closing.Load() {
				return nil
			}
			return fmt.Errorf("%w: read: %w", ErrGateway, err)
		}

		switch pkt := pkt.(type) {
		case *mqtt.Publish:
			err = p.handlePublish(ctx, pkt)
		case *mqtt.Puback:
			if aerr := p.client.inflight.Ack(pkt.PacketID); aerr != nil {
				p.logger.Debug("unexpected PUBACK", slog.String("error", aerr.Error()))
			}
		case *mqtt.Pubrel:
			p.client.inflight.ClearReceived(pkt.PacketID)
			err = p.conn.WritePacket(&mqtt.Pubcomp{PacketID: pkt.PacketID})
		case *mqtt.Subscribe:
			err = p.handleSubscribe(ctx, pkt)
		case *mqtt.Unsubscribe:
			err = p.handleUnsubscribe(ctx, pkt)
		case *mqtt.Pingreq:
			err = p.conn.WritePacket(&mqtt.Pingresp{})
		case *mqtt.Disconnect:
			p.logger.Debug("client disconnected")
			return nil
		default:
			err = fmt.Errorf("%w: unexpected %s", ErrProtocolViolation, mqtt.TypeName(pkt.Type()))
		}

		if err != nil {
			if p.closing.Load() {
				return nil
			}
			if p.g.metrics != nil {
				p.g.metrics.RecordError("downstream")
			}
			return err
		}
	}
}

func (p *proxy) handlePublish(ctx context.Context, pub *mqtt.Publish) error {
	if p.g.limiter != nil && !p.g.limiter.AllowPublish(p.st.ClientID) {
		return p.rateLimited("publish")
	}
	if err := topics.ValidateTopicName(pub.Topic); err != nil {
		return fmt.Errorf("%w: %w: %q", ErrProtocolViolation, err, pub.Topic)
	}

	// Retransmitted QoS 2 publish already forwarded upstream.
	if pub.QoS == 2 && p.client.inflight.WasReceived(pub.PacketID) {
		return p.conn.WritePacket(&mqtt.Pubrec{PacketID: pub.PacketID})
	}

	msg := upstream.Message{
		Topic:   pub.Topic,
		Payload: pub.Payload,
		QoS:     pub.QoS,
		Retain:  pub.Retain,
	}

	ctx, span := p.g.tracer.Start(ctx, "mqttgw.publish")
	defer span.End()

	start := time.Now()
	if pub.QoS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.g.cfg.AckTimeout)
		defer cancel()
	}
	if err := p.st.Sink.Publish(ctx, msg); err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: publish to %q: %w", ErrGateway, pub.Topic, err)
	}

	if p.g.metrics != nil {
		p.g.metrics.RecordMessageUpstream(pub.QoS, int64(len(pub.Payload)))
		if pub.QoS > 0 {
			p.g.metrics.RecordPublishDuration(float64(time.Since(start).Microseconds()) / 1000)
		}
	}

	switch pub.QoS {
	case 1:
		return p.conn.WritePacket(&mqtt.Puback{PacketID: pub.PacketID})
	case 2:
		p.client.inflight.MarkReceived(pub.PacketID)
		return p.conn.WritePacket(&mqtt.Pubrec{PacketID: pub.PacketID})
	}
	return nil
}

func (p *proxy) handleSubscribe(ctx context.Context, sub *mqtt.Subscribe) error {
	if p.g.limiter != nil && !p.g.limiter.AllowSubscribe(p.st.ClientID) {
		return p.rateLimited("subscribe")
	}

	subs := make([]upstream.Subscription, len(sub.Subscriptions))
	for i, s := range sub.Subscriptions {
		if err := topics.ValidateFilter(s.Filter); err != nil {
			return fmt.Errorf("%w: %w: %q", ErrProtocolViolation, err, s.Filter)
		}
		subs[i] = upstream.Subscription{Filter: s.Filter, QoS: s.QoS}
	}

	ctx, cancel := context.WithTimeout(ctx, p.g.cfg.AckTimeout)
	defer cancel()

	ack := &mqtt.Suback{PacketID: sub.PacketID, ReturnCodes: make([]byte, len(subs))}
	results, err := p.st.Sink.HandleSubscribe(ctx, p.st, subs)
	if p.g.metrics != nil {
		p.g.metrics.RecordSubscriptions(len(subs))
	}
	if err != nil {
		for i := range ack.ReturnCodes {
			ack.ReturnCodes[i] = mqtt.SubackFailure
		}
		if werr := p.conn.WritePacket(ack); werr != nil {
			err = errors.Join(err, werr)
		}
		return fmt.Errorf("%w: subscribe: %w", ErrGateway, err)
	}

	for i, r := range results {
		if !r.Granted {
			ack.ReturnCodes[i] = mqtt.SubackFailure
			continue
		}
		ack.ReturnCodes[i] = min(r.QoS, maxDeliveryQoS)
	}
	return p.conn.WritePacket(ack)
}

func (p *proxy) handleUnsubscribe(ctx context.Context, unsub *mqtt.Unsubscribe) error {
	if p.g.limiter != nil && !p.g.limiter.AllowSubscribe(p.st.ClientID) {
		return p.rateLimited("unsubscribe")
	}
	for _, f := range unsub.Topics {
		if err := topics.ValidateFilter(f); err != nil {
			return fmt.Errorf("%w: %w: %q", ErrProtocolViolation, err, f)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, p.g.cfg.AckTimeout)
	defer cancel()

	before := len(p.st.Subscriptions())
	if err := p.st.Sink.HandleUnsubscribe(ctx, p.st, unsub.Topics); err != nil {
		return fmt.Errorf("%w: unsubscribe: %w", ErrGateway, err)
	}
	if p.g.metrics != nil {
		p.g.metrics.RecordSubscriptions(len(p.st.Subscriptions()) - before)
	}
	return p.conn.WritePacket(&mqtt.Unsuback{PacketID: unsub.PacketID, Count: len(unsub.Topics)})
}

func (p *proxy) rateLimited(op string) error {
	p.logger.Warn("client rate limited", slog.String("operation", op))
	if p.g.metrics != nil {
		p.g.metrics.RecordError("rate_limited")
	}
	if p.conn.Version() == mqtt.V5 {
		_ = p.conn.WritePacket(&mqtt.Disconnect{ReasonCode: rateTooHigh})
	}
	return fmt.Errorf("%w: %s", ErrRateLimited, op)
}

// upstreamLoop drains the events of one upstream leg. Publishes of a relayed
// leg are delivered to the client before being acknowledged upstream; the
// others are acknowledged and dropped.
func (p *proxy) upstreamLoop(ctx context.Context, s upstream.Sink, relay bool) error {
	for e := range s.Events() {
		if e.Kind == upstream.EventClosed {
			if p.closing.Load() {
				return nil
			}
			if e.Err != nil {
				return fmt.Errorf("%w: upstream closed: %w", ErrGateway, e.Err)
			}
			return fmt.Errorf("%w: upstream closed", ErrGateway)
		}

		if e.Dup {
			p.logger.Warn("duplicate publish from upstream", slog.String("topic", e.Message.Topic))
			if p.g.metrics != nil {
				p.g.metrics.RecordError("duplicate")
			}
			return fmt.Errorf("%w: %w: topic %q", ErrGateway, ErrDuplicatePublish, e.Message.Topic)
		}

		if relay {
			if err := p.deliver(ctx, e.Message); err != nil {
				if p.closing.Load() {
					return nil
				}
				return err
			}
		}
		if err := e.Ack(); err != nil {
			return fmt.Errorf("%w: upstream ack: %w", ErrGateway, err)
		}
	}

	if p.closing.Load() {
		return nil
	}
	return fmt.Errorf("%w: upstream event stream ended", ErrGateway)
}

func (p *proxy) deliver(ctx context.Context, msg upstream.Message) error {
	ctx, span := p.g.tracer.Start(ctx, "mqttgw.deliver")
	defer span.End()

	start := time.Now()
	if msg.QoS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.g.cfg.AckTimeout)
		defer cancel()
	}
	if err := p.st.Source.Deliver(ctx, msg); err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: deliver %q: %w", ErrGateway, msg.Topic, err)
	}

	if p.g.metrics != nil {
		p.g.metrics.RecordMessageDownstream(min(msg.QoS, maxDeliveryQoS), int64(len(msg.Payload)))
		if msg.QoS > 0 {
			p.g.metrics.RecordDeliveryDuration(float64(time.Since(start).Microseconds()) / 1000)
		}
	}
	return nil
}
