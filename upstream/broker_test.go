// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"

	v5 "github.com/eclipse/paho.golang/packets"
	v3 "github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/stretchr/testify/require"
)

// received is what the fake broker saw from the client.
type received struct {
	kind     string
	clientID string
	topic    string
	id       uint16
	qos      byte
}

// fakeBroker is a minimal MQTT server used to exercise the sinks against
// the real client libraries.
type fakeBroker struct {
	t       *testing.T
	ln      net.Listener
	version byte

	refuse    map[string]bool
	connack   byte
	holdAcks  atomic.Bool
	seen      chan received
	connected chan struct{}

	mu   sync.Mutex
	conn net.Conn
}

func newFakeBroker(t *testing.T, version byte) *fakeBroker {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	b := &fakeBroker{
		t:         t,
		ln:        ln,
		version:   version,
		refuse:    make(map[string]bool),
		seen:      make(chan received, 64),
		connected: make(chan struct{}, 1),
	}
	t.Cleanup(b.close)
	go b.accept()
	return b
}

func (b *fakeBroker) addr() string {
	return b.ln.Addr().String()
}

func (b *fakeBroker) close() {
	b.ln.Close()
	b.dropClient()
}

// dropClient closes the current client connection without a DISCONNECT.
func (b *fakeBroker) dropClient() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		b.conn.Close()
	}
}

func (b *fakeBroker) accept() {
	for {
		conn, err := b.ln.Accept()
		if err != nil {
			return
		}
		b.mu.Lock()
		b.conn = conn
		b.mu.Unlock()

		if b.version == V5 {
			go b.serveV5(conn)
		} else {
			go b.serveV3(conn)
		}
	}
}

func (b *fakeBroker) write(conn net.Conn, fn func(w io.Writer) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_ = fn(conn)
}

func (b *fakeBroker) record(r received) {
	select {
	case b.seen <- r:
	default:
	}
}

// push sends a broker originated publish to the connected client.
func (b *fakeBroker) push(topic string, payload []byte, qos byte, id uint16, dup bool) {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	require.NotNil(b.t, conn)

	if b.version == V5 {
		b.write(conn, func(w io.Writer) error {
			_, err := (&v5.Publish{
				Topic: topic, Payload: payload, QoS: qos, PacketID: id, Duplicate: dup,
				Properties: &v5.Properties{},
			}).WriteTo(w)
			return err
		})
		return
	}

	pub := v3.NewControlPacket(v3.Publish).(*v3.PublishPacket)
	pub.TopicName, pub.Payload, pub.Qos, pub.MessageID, pub.Dup = topic, payload, qos, id, dup
	b.write(conn, pub.Write)
}

func (b *fakeBroker) serveV3(conn net.Conn) {
	defer conn.Close()
	for {
		cp, err := v3.ReadPacket(conn)
		if err != nil {
			return
		}

		switch p := cp.(type) {
		case *v3.ConnectPacket:
			b.record(received{kind: "connect", clientID: p.ClientIdentifier})
			ack := v3.NewControlPacket(v3.Connack).(*v3.ConnackPacket)
			ack.ReturnCode = b.connack
			b.write(conn, ack.Write)
			if b.connack != 0 {
				return
			}
			b.connected <- struct{}{}
		case *v3.PublishPacket:
			b.record(received{kind: "publish", topic: p.TopicName, id: p.MessageID, qos: p.Qos})
			if p.Qos > 0 && !b.holdAcks.Load() {
				ack := v3.NewControlPacket(v3.Puback).(*v3.PubackPacket)
				ack.MessageID = p.MessageID
				b.write(conn, ack.Write)
			}
		case *v3.SubscribePacket:
			ack := v3.NewControlPacket(v3.Suback).(*v3.SubackPacket)
			ack.MessageID = p.MessageID
			for i, topic := range p.Topics {
				b.record(received{kind: "subscribe", topic: topic, qos: p.Qoss[i]})
				code := p.Qoss[i]
				if b.refuse[topic] {
					code = 0x80
				}
				ack.ReturnCodes = append(ack.ReturnCodes, code)
			}
			b.write(conn, ack.Write)
		case *v3.UnsubscribePacket:
			for _, topic := range p.Topics {
				b.record(received{kind: "unsubscribe", topic: topic})
			}
			ack := v3.NewControlPacket(v3.Unsuback).(*v3.UnsubackPacket)
			ack.MessageID = p.MessageID
			b.write(conn, ack.Write)
		case *v3.PubackPacket:
			b.record(received{kind: "puback", id: p.MessageID})
		case *v3.PingreqPacket:
			b.write(conn, v3.NewControlPacket(v3.Pingresp).Write)
		case *v3.DisconnectPacket:
			b.record(received{kind: "disconnect"})
			return
		}
	}
}

func (b *fakeBroker) serveV5(conn net.Conn) {
	defer conn.Close()
	writeTo := func(p interface {
		WriteTo(io.Writer) (int64, error)
	}) func(io.Writer) error {
		return func(w io.Writer) error {
			_, err := p.WriteTo(w)
			return err
		}
	}

	for {
		cp, err := v5.ReadPacket(conn)
		if err != nil {
			return
		}

		switch p := cp.Content.(type) {
		case *v5.Connect:
			b.record(received{kind: "connect", clientID: p.ClientID})
			b.write(conn, writeTo(&v5.Connack{ReasonCode: b.connack, Properties: &v5.Properties{}}))
			if b.connack != 0 {
				return
			}
			b.connected <- struct{}{}
		case *v5.Publish:
			b.record(received{kind: "publish", topic: p.Topic, id: p.PacketID, qos: p.QoS})
			if p.QoS > 0 && !b.holdAcks.Load() {
				b.write(conn, writeTo(&v5.Puback{PacketID: p.PacketID, Properties: &v5.Properties{}}))
			}
		case *v5.Subscribe:
			ack := &v5.Suback{PacketID: p.PacketID, Properties: &v5.Properties{}}
			for _, s := range p.Subscriptions {
				b.record(received{kind: "subscribe", topic: s.Topic, qos: s.QoS})
				code := s.QoS
				if b.refuse[s.Topic] {
					code = 0x80
				}
				ack.Reasons = append(ack.Reasons, code)
			}
			b.write(conn, writeTo(ack))
		case *v5.Unsubscribe:
			for _, topic := range p.Topics {
				b.record(received{kind: "unsubscribe", topic: topic})
			}
			b.write(conn, writeTo(&v5.Unsuback{
				PacketID: p.PacketID, Reasons: make([]byte, len(p.Topics)), Properties: &v5.Properties{},
			}))
		case *v5.Puback:
			b.record(received{kind: "puback", id: p.PacketID})
		case *v5.Pingreq:
			b.write(conn, writeTo(&v5.Pingresp{}))
		case *v5.Disconnect:
			b.record(received{kind: "disconnect"})
			return
		}
	}
}
