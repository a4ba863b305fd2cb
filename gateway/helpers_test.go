// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/absmach/mqttgw/lb"
	"github.com/absmach/mqttgw/ratelimit"
	"github.com/absmach/mqttgw/testutil"
	v5 "github.com/eclipse/paho.golang/packets"
	v3 "github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/stretchr/testify/require"
)

const wait = 2 * time.Second

type selectorFunc func(key []byte, attempts int) (lb.Backend, error)

func (f selectorFunc) Select(key []byte, attempts int) (lb.Backend, error) {
	return f(key, attempts)
}

func fixed(addr string) Selector {
	return selectorFunc(func([]byte, int) (lb.Backend, error) {
		return lb.Backend{Addr: addr}, nil
	})
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	gw        *Gateway
	connector *testutil.Connector
	limiter   *ratelimit.Manager
}

func newHarness(primary, secondary Selector) *harness {
	h := &harness{connector: testutil.NewConnector()}
	h.gw = New(Config{
		AckTimeout:     time.Second,
		ConnectTimeout: time.Second,
	}, primary, secondary, h.connector, nil, discard(), nil, nil)
	return h
}

// testClient drives the client end of a pipe with raw MQTT 3.1.1 packets.
type testClient struct {
	t    *testing.T
	conn net.Conn
	in   chan v3.ControlPacket
	out  chan v3.ControlPacket
	done chan error // HandleConnection result
}

// dial starts HandleConnection on one end of a pipe and returns the other.
func (h *harness) dial(t *testing.T, ctx context.Context) *testClient {
	t.Helper()
	server, conn := net.Pipe()
	t.Cleanup(func() { conn.Close() })

	c := &testClient{
		t:    t,
		conn: conn,
		in:   make(chan v3.ControlPacket, 32),
		out:  make(chan v3.ControlPacket, 32),
		done: make(chan error, 1),
	}
	go func() { c.done <- h.gw.HandleConnection(ctx, server) }()
	go func() {
		defer close(c.in)
		for {
			p, err := v3.ReadPacket(conn)
			if err != nil {
				return
			}
			c.in <- p
		}
	}()
	go func() {
		for p := range c.out {
			if err := p.Write(conn); err != nil {
				return
			}
		}
	}()
	t.Cleanup(func() { close(c.out) })
	return c
}

func (c *testClient) send(p v3.ControlPacket) {
	c.out <- p
}

func (c *testClient) connect(clientID string, clean bool) *v3.ConnackPacket {
	c.t.Helper()
	p := v3.NewControlPacket(v3.Connect).(*v3.ConnectPacket)
	p.ProtocolName = "MQTT"
	p.ProtocolVersion = 4
	p.ClientIdentifier = clientID
	p.CleanSession = clean
	p.Keepalive = 30
	c.send(p)

	ack, ok := c.next().(*v3.ConnackPacket)
	require.True(c.t, ok, "expected CONNACK")
	return ack
}

// next returns the next packet from the gateway.
func (c *testClient) next() v3.ControlPacket {
	c.t.Helper()
	select {
	case p, ok := <-c.in:
		require.True(c.t, ok, "connection closed")
		return p
	case <-time.After(wait):
		c.t.Fatal("no packet from gateway")
		return nil
	}
}

// none asserts nothing arrives for d.
func (c *testClient) none(d time.Duration) {
	c.t.Helper()
	select {
	case p, ok := <-c.in:
		if ok {
			c.t.Fatalf("unexpected packet %s", p.String())
		}
	case <-time.After(d):
	}
}

// closed waits until the gateway closes the connection.
func (c *testClient) closed() {
	c.t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case _, ok := <-c.in:
			if !ok {
				return
			}
		case <-deadline:
			c.t.Fatal("connection not closed")
		}
	}
}

// result waits for HandleConnection to return.
func (c *testClient) result() error {
	c.t.Helper()
	select {
	case err := <-c.done:
		return err
	case <-time.After(wait):
		c.t.Fatal("HandleConnection did not return")
		return nil
	}
}

func publish(topic string, payload []byte, qos byte, id uint16) *v3.PublishPacket {
	p := v3.NewControlPacket(v3.Publish).(*v3.PublishPacket)
	p.TopicName, p.Payload, p.Qos, p.MessageID = topic, payload, qos, id
	return p
}

func subscribe(id uint16, filters []string, qos []byte) *v3.SubscribePacket {
	p := v3.NewControlPacket(v3.Subscribe).(*v3.SubscribePacket)
	p.MessageID, p.Topics, p.Qoss = id, filters, qos
	return p
}

func puback(id uint16) *v3.PubackPacket {
	p := v3.NewControlPacket(v3.Puback).(*v3.PubackPacket)
	p.MessageID = id
	return p
}

// sinkOf waits until the connector opened n sinks and returns the i-th.
func sinkOf(t *testing.T, c *testutil.Connector, n, i int) *testutil.Sink {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.Sinks()) >= n }, wait, 5*time.Millisecond)
	return c.Sinks()[i]
}

// v5Connect writes an MQTT 5 CONNECT on conn and reads the CONNACK.
func v5Connect(t *testing.T, conn net.Conn, clientID string) *v5.Connack {
	t.Helper()
	errc := make(chan error, 1)
	go func() {
		_, err := (&v5.Connect{
			ProtocolName:    "MQTT",
			ProtocolVersion: 5,
			ClientID:        clientID,
			CleanStart:      true,
			KeepAlive:       30,
			Properties:      &v5.Properties{},
		}).WriteTo(conn)
		errc <- err
	}()

	cp, err := v5.ReadPacket(conn)
	require.NoError(t, err)
	require.NoError(t, <-errc)
	ack, ok := cp.Content.(*v5.Connack)
	require.True(t, ok, "expected CONNACK")
	return ack
}
