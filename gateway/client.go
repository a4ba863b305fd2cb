// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"

	"github.com/absmach/mqttgw/mqtt"
	"github.com/absmach/mqttgw/session"
	"github.com/absmach/mqttgw/upstream"
)

// maxDeliveryQoS is the highest QoS used towards clients.
const maxDeliveryQoS = 1

var _ session.Source = (*client)(nil)

// client is the downstream sink of a session.
type client struct {
	conn     *mqtt.Connection
	inflight *session.InflightTracker
}

func newClient(conn *mqtt.Connection, maxInflight int) *client {
	return &client{
		conn:     conn,
		inflight: session.NewInflightTracker(maxInflight),
	}
}

// Deliver writes msg to the client. QoS 1 and 2 messages are delivered at
// QoS 1 and Deliver returns once the client PUBACK arrives.
func (c *client) Deliver(ctx context.Context, msg upstream.Message) error {
	pub := &mqtt.Publish{
		Topic:   msg.Topic,
		Payload: msg.Payload,
		QoS:     min(msg.QoS, maxDeliveryQoS),
		Retain:  msg.Retain,
	}
	if pub.QoS == 0 {
		return c.conn.WritePacket(pub)
	}

	m, err := c.inflight.Add(msg.Topic)
	if err != nil {
		return err
	}
	pub.PacketID = m.PacketID

	if err := c.conn.WritePacket(pub); err != nil {
		c.inflight.Remove(m.PacketID)
		return err
	}

	select {
	case err := <-m.Done():
		return err
	case <-ctx.Done():
		c.inflight.Remove(m.PacketID)
		return ctx.Err()
	}
}

// Close fails pending deliveries and closes the connection.
func (c *client) Close() error {
	c.inflight.Close()
	return c.conn.Close()
}
