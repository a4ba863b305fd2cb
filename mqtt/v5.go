// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"fmt"
	"io"

	v5 "github.com/eclipse/paho.golang/packets"
)

// MQTT 5 CONNACK reason codes.
const (
	reasonUnsupportedProtocolVersion byte = 0x84
	reasonClientIdentifierNotValid   byte = 0x85
	reasonNotAuthorized              byte = 0x87
	reasonServerUnavailable          byte = 0x88
)

// v5Codec speaks MQTT 5.0.
type v5Codec struct{}

func (v5Codec) decode(r io.Reader) (Packet, error) {
	cp, err := v5.ReadPacket(r)
	if err != nil {
		return nil, err
	}

	switch p := cp.Content.(type) {
	case *v5.Connect:
		return &Connect{
			ProtocolName:    p.ProtocolName,
			ProtocolVersion: p.ProtocolVersion,
			ClientID:        p.ClientID,
			KeepAlive:       p.KeepAlive,
			CleanStart:      p.CleanStart,
			Username:        p.Username,
			Password:        p.Password,
			WillFlag:        p.WillFlag,
		}, nil
	case *v5.Publish:
		return &Publish{
			PacketID: p.PacketID,
			Topic:    p.Topic,
			Payload:  p.Payload,
			QoS:      p.QoS,
			Retain:   p.Retain,
			Dup:      p.Duplicate,
		}, nil
	case *v5.Puback:
		return &Puback{PacketID: p.PacketID}, nil
	case *v5.Pubrec:
		return &Pubrec{PacketID: p.PacketID}, nil
	case *v5.Pubrel:
		return &Pubrel{PacketID: p.PacketID}, nil
	case *v5.Pubcomp:
		return &Pubcomp{PacketID: p.PacketID}, nil
	case *v5.Subscribe:
		subs := make([]Subscription, len(p.Subscriptions))
		for i, s := range p.Subscriptions {
			subs[i] = Subscription{Filter: s.Topic, QoS: s.QoS}
		}
		return &Subscribe{PacketID: p.PacketID, Subscriptions: subs}, nil
	case *v5.Unsubscribe:
		return &Unsubscribe{PacketID: p.PacketID, Topics: p.Topics}, nil
	case *v5.Pingreq:
		return &Pingreq{}, nil
	case *v5.Disconnect:
		return &Disconnect{ReasonCode: p.ReasonCode}, nil
	case *v5.Auth:
		return &Auth{ReasonCode: p.ReasonCode}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedPacket, cp.PacketType())
	}
}

func (v5Codec) encode(w io.Writer, pkt Packet) error {
	var err error

	switch p := pkt.(type) {
	case *Connack:
		props := &v5.Properties{}
		if p.AssignedClientID != "" {
			props.AssignedClientID = p.AssignedClientID
		}
		_, err = (&v5.Connack{
			SessionPresent: p.SessionPresent,
			ReasonCode:     v5ConnackCode(p.Code),
			Properties:     props,
		}).WriteTo(w)
	case *Publish:
		_, err = (&v5.Publish{
			PacketID:   p.PacketID,
			Topic:      p.Topic,
			Payload:    p.Payload,
			QoS:        p.QoS,
			Retain:     p.Retain,
			Duplicate:  p.Dup,
			Properties: &v5.Properties{},
		}).WriteTo(w)
	case *Puback:
		_, err = (&v5.Puback{PacketID: p.PacketID, Properties: &v5.Properties{}}).WriteTo(w)
	case *Pubrec:
		_, err = (&v5.Pubrec{PacketID: p.PacketID, Properties: &v5.Properties{}}).WriteTo(w)
	case *Pubrel:
		_, err = (&v5.Pubrel{PacketID: p.PacketID, Properties: &v5.Properties{}}).WriteTo(w)
	case *Pubcomp:
		_, err = (&v5.Pubcomp{PacketID: p.PacketID, Properties: &v5.Properties{}}).WriteTo(w)
	case *Suback:
		_, err = (&v5.Suback{PacketID: p.PacketID, Reasons: p.ReturnCodes, Properties: &v5.Properties{}}).WriteTo(w)
	case *Unsuback:
		_, err = (&v5.Unsuback{PacketID: p.PacketID, Reasons: make([]byte, p.Count), Properties: &v5.Properties{}}).WriteTo(w)
	case *Pingresp:
		_, err = (&v5.Pingresp{}).WriteTo(w)
	case *Disconnect:
		_, err = (&v5.Disconnect{ReasonCode: p.ReasonCode, Properties: &v5.Properties{}}).WriteTo(w)
	default:
		return fmt.Errorf("%w: cannot encode %s", ErrUnexpectedPacket, TypeName(pkt.Type()))
	}

	return err
}

func v5ConnackCode(c ConnackCode) byte {
	switch c {
	case Accepted:
		return 0x00
	case RefusedProtocolVersion:
		return reasonUnsupportedProtocolVersion
	case RefusedIdentifierRejected:
		return reasonClientIdentifierNotValid
	case RefusedNotAuthorized:
		return reasonNotAuthorized
	default:
		return reasonServerUnavailable
	}
}
