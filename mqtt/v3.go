// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"fmt"
	"io"

	v3 "github.com/eclipse/paho.mqtt.golang/packets"
)

// v3Codec speaks MQTT 3.1 and 3.1.1.
type v3Codec struct{}

func (v3Codec) decode(r io.Reader) (Packet, error) {
	cp, err := v3.ReadPacket(r)
	if err != nil {
		return nil, err
	}

	switch p := cp.(type) {
	case *v3.ConnectPacket:
		return &Connect{
			ProtocolName:    p.ProtocolName,
			ProtocolVersion: p.ProtocolVersion,
			ClientID:        p.ClientIdentifier,
			KeepAlive:       p.Keepalive,
			CleanStart:      p.CleanSession,
			Username:        p.Username,
			Password:        p.Password,
			WillFlag:        p.WillFlag,
		}, nil
	case *v3.PublishPacket:
		return &Publish{
			PacketID: p.MessageID,
			Topic:    p.TopicName,
			Payload:  p.Payload,
			QoS:      p.Qos,
			Retain:   p.Retain,
			Dup:      p.Dup,
		}, nil
	case *v3.PubackPacket:
		return &Puback{PacketID: p.MessageID}, nil
	case *v3.PubrecPacket:
		return &Pubrec{PacketID: p.MessageID}, nil
	case *v3.PubrelPacket:
		return &Pubrel{PacketID: p.MessageID}, nil
	case *v3.PubcompPacket:
		return &Pubcomp{PacketID: p.MessageID}, nil
	case *v3.SubscribePacket:
		if len(p.Topics) != len(p.Qoss) {
			return nil, fmt.Errorf("%w: subscribe with %d topics and %d qos values", ErrMalformedPacket, len(p.Topics), len(p.Qoss))
		}
		subs := make([]Subscription, len(p.Topics))
		for i, topic := range p.Topics {
			subs[i] = Subscription{Filter: topic, QoS: p.Qoss[i]}
		}
		return &Subscribe{PacketID: p.MessageID, Subscriptions: subs}, nil
	case *v3.UnsubscribePacket:
		return &Unsubscribe{PacketID: p.MessageID, Topics: p.Topics}, nil
	case *v3.PingreqPacket:
		return &Pingreq{}, nil
	case *v3.DisconnectPacket:
		return &Disconnect{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedPacket, cp.String())
	}
}

func (v3Codec) encode(w io.Writer, pkt Packet) error {
	var cp v3.ControlPacket

	switch p := pkt.(type) {
	case *Connack:
		ack := v3.NewControlPacket(v3.Connack).(*v3.ConnackPacket)
		ack.SessionPresent = p.SessionPresent
		ack.ReturnCode = v3ConnackCode(p.Code)
		cp = ack
	case *Publish:
		pub := v3.NewControlPacket(v3.Publish).(*v3.PublishPacket)
		pub.TopicName = p.Topic
		pub.Payload = p.Payload
		pub.Qos = p.QoS
		pub.Retain = p.Retain
		pub.Dup = p.Dup
		pub.MessageID = p.PacketID
		cp = pub
	case *Puback:
		ack := v3.NewControlPacket(v3.Puback).(*v3.PubackPacket)
		ack.MessageID = p.PacketID
		cp = ack
	case *Pubrec:
		ack := v3.NewControlPacket(v3.Pubrec).(*v3.PubrecPacket)
		ack.MessageID = p.PacketID
		cp = ack
	case *Pubrel:
		rel := v3.NewControlPacket(v3.Pubrel).(*v3.PubrelPacket)
		rel.MessageID = p.PacketID
		cp = rel
	case *Pubcomp:
		ack := v3.NewControlPacket(v3.Pubcomp).(*v3.PubcompPacket)
		ack.MessageID = p.PacketID
		cp = ack
	case *Suback:
		ack := v3.NewControlPacket(v3.Suback).(*v3.SubackPacket)
		ack.MessageID = p.PacketID
		ack.ReturnCodes = p.ReturnCodes
		cp = ack
	case *Unsuback:
		ack := v3.NewControlPacket(v3.Unsuback).(*v3.UnsubackPacket)
		ack.MessageID = p.PacketID
		cp = ack
	case *Pingresp:
		cp = v3.NewControlPacket(v3.Pingresp)
	default:
		// MQTT 3.1.1 has no server side DISCONNECT or AUTH.
		return fmt.Errorf("%w: %s not supported by MQTT 3.1.1", ErrUnexpectedPacket, TypeName(pkt.Type()))
	}

	return cp.Write(w)
}

func v3ConnackCode(c ConnackCode) byte {
	switch c {
	case Accepted:
		return v3.Accepted
	case RefusedProtocolVersion:
		return v3.ErrRefusedBadProtocolVersion
	case RefusedIdentifierRejected:
		return v3.ErrRefusedIDRejected
	case RefusedNotAuthorized:
		return v3.ErrRefusedNotAuthorised
	default:
		return v3.ErrRefusedServerUnavailable
	}
}
