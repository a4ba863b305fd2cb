// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/absmach/mqttgw/config"
	"github.com/absmach/mqttgw/lb"
	"github.com/absmach/mqttgw/ratelimit"
	"github.com/absmach/mqttgw/testutil"
	"github.com/absmach/mqttgw/upstream"
	v3 "github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScenarioDev1(t *testing.T) {
	bal := lb.New(lb.Config{Logger: discard()}, lb.Static{{Addr: "b1:1883"}, {Addr: "b2:1883"}, {Addr: "b3:1883"}}, nil)
	require.NoError(t, bal.Refresh(context.Background()))
	want, err := bal.Select([]byte("dev-1"), 1)
	require.NoError(t, err)

	h := newHarness(bal, nil)
	c := h.dial(t, context.Background())

	ack := c.connect("dev-1", true)
	assert.Equal(t, byte(v3.Accepted), ack.ReturnCode)
	assert.False(t, ack.SessionPresent)

	sink := sinkOf(t, h.connector, 1, 0)
	assert.Equal(t, want.Addr, sink.Addr)
	assert.Equal(t, "dev-1", h.connector.Options()[0].ClientID)

	c.send(subscribe(1, []string{"sensors/+"}, []byte{1}))
	suback, ok := c.next().(*v3.SubackPacket)
	require.True(t, ok)
	assert.Equal(t, uint16(1), suback.MessageID)
	assert.Equal(t, []byte{1}, suback.ReturnCodes)
	assert.Equal(t, [][]upstream.Subscription{{{Filter: "sensors/+", QoS: 1}}}, sink.Subscribed())

	// The client is acknowledged only after the backend acknowledges.
	sink.Hold()
	c.send(publish("sensors/temp", []byte("21"), 1, 2))
	c.none(100 * time.Millisecond)
	sink.Release()

	pa, ok := c.next().(*v3.PubackPacket)
	require.True(t, ok)
	assert.Equal(t, uint16(2), pa.MessageID)
	require.Len(t, sink.Published(), 1)
	assert.Equal(t, upstream.Message{Topic: "sensors/temp", Payload: []byte("21"), QoS: 1}, sink.Published()[0])

	// A redelivered publish from the backend is not relayed and ends the session.
	sink.Push(upstream.Message{Topic: "sensors/temp", Payload: []byte("21"), QoS: 1}, true)
	c.closed()

	err = c.result()
	assert.ErrorIs(t, err, ErrGateway)
	assert.ErrorIs(t, err, ErrDuplicatePublish)
	assert.True(t, sink.Closed())
}

func TestPublishQoS0DoesNotWait(t *testing.T) {
	h := newHarness(fixed("b1:1883"), nil)
	c := h.dial(t, context.Background())
	c.connect("c0", true)

	sink := sinkOf(t, h.connector, 1, 0)
	sink.Hold()

	c.send(publish("fire/forget", []byte("x"), 0, 0))
	c.send(v3.NewControlPacket(v3.Pingreq))

	_, ok := c.next().(*v3.PingrespPacket)
	require.True(t, ok)
	assert.Len(t, sink.Published(), 1)
}

func TestPublishQoS1FailsWhenUpstreamCloses(t *testing.T) {
	h := newHarness(fixed("b1:1883"), nil)
	c := h.dial(t, context.Background())
	c.connect("c1", true)

	sink := sinkOf(t, h.connector, 1, 0)
	sink.Hold()

	c.send(publish("a/b", []byte("x"), 1, 5))
	require.Eventually(t, func() bool { return len(sink.Published()) == 1 }, wait, 5*time.Millisecond)
	sink.Drop(errors.New("backend gone"))

	// No PUBACK: the connection just closes.
	c.closed()
	assert.ErrorIs(t, c.result(), ErrGateway)
}

func TestPublishQoS1AckedInOrder(t *testing.T) {
	h := newHarness(fixed("b1:1883"), nil)
	c := h.dial(t, context.Background())
	c.connect("ordered", true)

	sink := sinkOf(t, h.connector, 1, 0)
	sink.Hold()

	c.send(publish("a/1", []byte("first"), 1, 7))
	c.send(publish("a/2", []byte("second"), 1, 3))
	require.Eventually(t, func() bool { return len(sink.Published()) == 1 }, wait, 5*time.Millisecond)
	c.none(50 * time.Millisecond)

	sink.Release()

	for _, id := range []uint16{7, 3} {
		ack, ok := c.next().(*v3.PubackPacket)
		require.True(t, ok, "expected PUBACK")
		assert.Equal(t, id, ack.MessageID)
	}

	published := sink.Published()
	require.Len(t, published, 2)
	assert.Equal(t, "a/1", published[0].Topic)
	assert.Equal(t, "a/2", published[1].Topic)
}

func TestPublishQoS1AckTimeout(t *testing.T) {
	h := newHarness(fixed("b1:1883"), nil)
	h.gw.cfg.AckTimeout = 50 * time.Millisecond
	c := h.dial(t, context.Background())
	c.connect("slow", true)

	sink := sinkOf(t, h.connector, 1, 0)
	sink.Hold()

	c.send(publish("a/b", nil, 1, 5))
	c.closed()

	err := c.result()
	assert.ErrorIs(t, err, ErrGateway)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, sink.Closed())
}

func TestPublishQoS2(t *testing.T) {
	h := newHarness(fixed("b1:1883"), nil)
	c := h.dial(t, context.Background())
	c.connect("q2", true)
	sink := sinkOf(t, h.connector, 1, 0)

	c.send(publish("exact/once", []byte("x"), 2, 9))
	rec, ok := c.next().(*v3.PubrecPacket)
	require.True(t, ok)
	assert.Equal(t, uint16(9), rec.MessageID)

	// A retransmission before PUBREL is not forwarded again.
	dup := publish("exact/once", []byte("x"), 2, 9)
	dup.Dup = true
	c.send(dup)
	_, ok = c.next().(*v3.PubrecPacket)
	require.True(t, ok)
	assert.Len(t, sink.Published(), 1)

	rel := v3.NewControlPacket(v3.Pubrel).(*v3.PubrelPacket)
	rel.MessageID = 9
	c.send(rel)
	comp, ok := c.next().(*v3.PubcompPacket)
	require.True(t, ok)
	assert.Equal(t, uint16(9), comp.MessageID)
}

func TestUpstreamPublishRelayed(t *testing.T) {
	h := newHarness(fixed("b1:1883"), nil)
	c := h.dial(t, context.Background())
	c.connect("relay", true)
	sink := sinkOf(t, h.connector, 1, 0)

	acked := sink.Push(upstream.Message{Topic: "cmd/x", Payload: []byte("on"), QoS: 2}, false)

	pub, ok := c.next().(*v3.PublishPacket)
	require.True(t, ok)
	assert.Equal(t, "cmd/x", pub.TopicName)
	assert.Equal(t, []byte("on"), pub.Payload)
	assert.Equal(t, byte(1), pub.Qos)
	assert.NotZero(t, pub.MessageID)

	// The backend is acknowledged only after the client PUBACK.
	select {
	case <-acked:
		t.Fatal("acknowledged upstream before the client")
	case <-time.After(50 * time.Millisecond):
	}
	c.send(puback(pub.MessageID))
	select {
	case <-acked:
	case <-time.After(wait):
		t.Fatal("upstream never acknowledged")
	}

	sink.Push(upstream.Message{Topic: "cmd/y", Payload: []byte("off")}, false)
	pub, ok = c.next().(*v3.PublishPacket)
	require.True(t, ok)
	assert.Equal(t, "cmd/y", pub.TopicName)
	assert.Zero(t, pub.Qos)
}

func TestSubscribeFailureTearsDown(t *testing.T) {
	h := newHarness(fixed("b1:1883"), nil)
	h.connector.Prepare = func(s *testutil.Sink) { s.SubscribeErr = errors.New("refused") }
	c := h.dial(t, context.Background())
	c.connect("sub", true)
	sink := sinkOf(t, h.connector, 1, 0)

	c.send(subscribe(3, []string{"a", "b"}, []byte{0, 1}))
	suback, ok := c.next().(*v3.SubackPacket)
	require.True(t, ok)
	assert.Equal(t, []byte{0x80, 0x80}, suback.ReturnCodes)

	c.closed()
	assert.ErrorIs(t, c.result(), ErrGateway)
	assert.True(t, sink.Closed())
}

func TestSubscribePartialRefusal(t *testing.T) {
	h := newHarness(fixed("b1:1883"), nil)
	h.connector.Prepare = func(s *testutil.Sink) {
		s.SubResults = func(subs []upstream.Subscription) []upstream.SubResult {
			return []upstream.SubResult{{Granted: true, QoS: 2}, {QoS: 0x80}}
		}
	}
	c := h.dial(t, context.Background())
	c.connect("partial", true)

	c.send(subscribe(4, []string{"ok/#", "denied/#"}, []byte{2, 1}))
	suback, ok := c.next().(*v3.SubackPacket)
	require.True(t, ok)
	// Deliveries never exceed QoS 1, so neither does the grant.
	assert.Equal(t, []byte{1, 0x80}, suback.ReturnCodes)
}

func TestUnsubscribe(t *testing.T) {
	h := newHarness(fixed("b1:1883"), nil)
	c := h.dial(t, context.Background())
	c.connect("unsub", true)
	sink := sinkOf(t, h.connector, 1, 0)

	unsub := v3.NewControlPacket(v3.Unsubscribe).(*v3.UnsubscribePacket)
	unsub.MessageID = 6
	unsub.Topics = []string{"a/#"}
	c.send(unsub)

	ack, ok := c.next().(*v3.UnsubackPacket)
	require.True(t, ok)
	assert.Equal(t, uint16(6), ack.MessageID)
	assert.Equal(t, [][]string{{"a/#"}}, sink.Unsubscribed())
}

func TestUnsubscribeFailureTearsDown(t *testing.T) {
	h := newHarness(fixed("b1:1883"), nil)
	h.connector.Prepare = func(s *testutil.Sink) { s.UnsubscribeErr = errors.New("refused") }
	c := h.dial(t, context.Background())
	c.connect("unsub", true)

	unsub := v3.NewControlPacket(v3.Unsubscribe).(*v3.UnsubscribePacket)
	unsub.MessageID = 6
	unsub.Topics = []string{"a/#"}
	c.send(unsub)

	c.closed()
	assert.ErrorIs(t, c.result(), ErrGateway)
}

func TestDisconnectClosesUpstream(t *testing.T) {
	h := newHarness(fixed("b1:1883"), nil)
	c := h.dial(t, context.Background())
	c.connect("bye", true)
	sink := sinkOf(t, h.connector, 1, 0)
	require.Eventually(t, func() bool { return h.gw.ActiveSessions() == 1 }, wait, 5*time.Millisecond)

	c.send(v3.NewControlPacket(v3.Disconnect))

	assert.NoError(t, c.result())
	assert.Equal(t, 1, sink.CloseCalls())
	assert.Zero(t, h.gw.ActiveSessions())
}

func TestClientDropClosesUpstream(t *testing.T) {
	h := newHarness(fixed("b1:1883"), nil)
	c := h.dial(t, context.Background())
	c.connect("gone", true)
	sink := sinkOf(t, h.connector, 1, 0)

	c.conn.Close()
	assert.ErrorIs(t, c.result(), ErrGateway)
	assert.True(t, sink.Closed())
}

func TestContextCancelTearsDown(t *testing.T) {
	h := newHarness(fixed("b1:1883"), nil)
	ctx, cancel := context.WithCancel(context.Background())
	c := h.dial(t, ctx)
	c.connect("shutdown", true)
	sink := sinkOf(t, h.connector, 1, 0)

	cancel()
	c.closed()
	assert.NoError(t, c.result())
	assert.True(t, sink.Closed())
}

func TestHandshakeNoBackend(t *testing.T) {
	h := newHarness(selectorFunc(func([]byte, int) (lb.Backend, error) {
		return lb.Backend{}, lb.ErrNoBackend
	}), nil)
	c := h.dial(t, context.Background())

	ack := c.connect("nobody", true)
	assert.Equal(t, byte(v3.ErrRefusedServerUnavailable), ack.ReturnCode)

	err := c.result()
	assert.ErrorIs(t, err, ErrGateway)
	assert.ErrorIs(t, err, lb.ErrNoBackend)
	assert.Empty(t, h.connector.Sinks())
}

func TestHandshakeUpstreamFailure(t *testing.T) {
	h := newHarness(fixed("b1:1883"), nil)
	h.connector.Fail("b1:1883", upstream.ErrConnect)
	c := h.dial(t, context.Background())

	ack := c.connect("down", true)
	assert.Equal(t, byte(v3.ErrRefusedServerUnavailable), ack.ReturnCode)
	assert.ErrorIs(t, c.result(), upstream.ErrConnect)
}

func TestHandshakeRequiresConnect(t *testing.T) {
	h := newHarness(fixed("b1:1883"), nil)
	c := h.dial(t, context.Background())

	c.send(v3.NewControlPacket(v3.Pingreq))
	c.closed()
	assert.Error(t, c.result())
	assert.Empty(t, h.connector.Sinks())
}

func TestEmptyClientID(t *testing.T) {
	h := newHarness(fixed("b1:1883"), nil)

	c := h.dial(t, context.Background())
	ack := c.connect("", false)
	assert.Equal(t, byte(v3.ErrRefusedIDRejected), ack.ReturnCode)
	assert.ErrorIs(t, c.result(), ErrProtocolViolation)

	c = h.dial(t, context.Background())
	ack = c.connect("", true)
	assert.Equal(t, byte(v3.Accepted), ack.ReturnCode)
	opts := h.connector.Options()
	require.Len(t, opts, 1)
	assert.True(t, strings.HasPrefix(opts[0].ClientID, "mqttgw-"))
}

func TestV5AssignedClientID(t *testing.T) {
	h := newHarness(fixed("b1:1883"), nil)
	server, conn := net.Pipe()
	defer conn.Close()
	go h.gw.HandleConnection(context.Background(), server)

	ack := v5Connect(t, conn, "")
	assert.Equal(t, byte(0), ack.ReasonCode)
	require.NotNil(t, ack.Properties)
	assert.True(t, strings.HasPrefix(ack.Properties.AssignedClientID, "mqttgw-"))

	opts := h.connector.Options()
	require.Len(t, opts, 1)
	assert.Equal(t, upstream.V5, opts[0].ProtocolVersion)
	assert.Equal(t, ack.Properties.AssignedClientID, opts[0].ClientID)
}

func TestDualMode(t *testing.T) {
	h := newHarness(fixed("p:1883"), fixed("s:1883"))
	require.True(t, h.gw.DualMode())
	c := h.dial(t, context.Background())
	c.connect("dual", true)

	primary := sinkOf(t, h.connector, 2, 0)
	secondary := sinkOf(t, h.connector, 2, 1)
	assert.Equal(t, "p:1883", primary.Addr)
	assert.Equal(t, "s:1883", secondary.Addr)

	// Client publishes reach the secondary leg only.
	c.send(publish("up", []byte("1"), 1, 1))
	_, ok := c.next().(*v3.PubackPacket)
	require.True(t, ok)
	assert.Empty(t, primary.Published())
	assert.Len(t, secondary.Published(), 1)

	c.send(subscribe(2, []string{"down/#"}, []byte{1}))
	suback, ok := c.next().(*v3.SubackPacket)
	require.True(t, ok)
	assert.Equal(t, []byte{1}, suback.ReturnCodes)
	assert.Len(t, primary.Subscribed(), 1)
	assert.Len(t, secondary.Subscribed(), 1)

	// Secondary leg publishes are acknowledged but not relayed.
	acked := secondary.Push(upstream.Message{Topic: "down/s", QoS: 1}, false)
	select {
	case <-acked:
	case <-time.After(wait):
		t.Fatal("secondary publish not acknowledged")
	}
	primary.Push(upstream.Message{Topic: "down/p"}, false)
	pub, ok := c.next().(*v3.PublishPacket)
	require.True(t, ok)
	assert.Equal(t, "down/p", pub.TopicName)

	// Losing one leg closes the other and the client.
	secondary.Drop(nil)
	c.closed()
	assert.ErrorIs(t, c.result(), ErrGateway)
	assert.True(t, primary.Closed())
}

func TestDualModeSecondaryConnectFailure(t *testing.T) {
	h := newHarness(fixed("p:1883"), fixed("s:1883"))
	h.connector.Fail("s:1883", errors.New("down"))
	c := h.dial(t, context.Background())

	ack := c.connect("dual", true)
	assert.Equal(t, byte(v3.ErrRefusedServerUnavailable), ack.ReturnCode)
	assert.Error(t, c.result())

	primary := sinkOf(t, h.connector, 1, 0)
	assert.True(t, primary.Closed())
}

func TestPublishRateLimited(t *testing.T) {
	limiter := ratelimit.NewManager(config.RateLimitConfig{
		Enabled:      true,
		PublishRate:  0.001,
		PublishBurst: 1,
	})
	defer limiter.Stop()

	connector := testutil.NewConnector()
	gw := New(Config{AckTimeout: time.Second}, fixed("b1:1883"), nil, connector, limiter, discard(), nil, nil)
	h := &harness{gw: gw, connector: connector, limiter: limiter}

	c := h.dial(t, context.Background())
	c.connect("chatty", true)

	c.send(publish("a", nil, 0, 0))
	c.send(publish("a", nil, 0, 0))
	c.closed()

	assert.ErrorIs(t, c.result(), ErrRateLimited)
	assert.Len(t, sinkOf(t, connector, 1, 0).Published(), 1)
}

func TestInvalidTopicsTearDown(t *testing.T) {
	cases := []struct {
		desc string
		pkt  v3.ControlPacket
	}{
		{desc: "wildcard in publish topic", pkt: publish("sensors/+", nil, 0, 0)},
		{desc: "misplaced multi-level wildcard", pkt: subscribe(1, []string{"ok", "a/#/b"}, []byte{0, 0})},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			h := newHarness(fixed("b1:1883"), nil)
			c := h.dial(t, context.Background())
			c.connect("strict", true)
			sink := sinkOf(t, h.connector, 1, 0)

			c.send(tc.pkt)
			c.closed()

			assert.ErrorIs(t, c.result(), ErrProtocolViolation)
			assert.Empty(t, sink.Published())
			assert.Empty(t, sink.Subscribed())
			assert.True(t, sink.Closed())
		})
	}
}
