// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mqtt

import "log/slog"

// Control packet types.
const (
	ConnectType byte = iota + 1
	ConnackType
	PublishType
	PubackType
	PubrecType
	PubrelType
	PubcompType
	SubscribeType
	SubackType
	UnsubscribeType
	UnsubackType
	PingreqType
	PingrespType
	DisconnectType
	AuthType
)

// Protocol levels.
const (
	V31  byte = 3
	V311 byte = 4
	V5   byte = 5
)

// SubackFailure is the SUBACK return code for a refused filter in both
// protocol versions.
const SubackFailure byte = 0x80

var typeNames = map[byte]string{
	ConnectType:     "CONNECT",
	ConnackType:     "CONNACK",
	PublishType:     "PUBLISH",
	PubackType:      "PUBACK",
	PubrecType:      "PUBREC",
	PubrelType:      "PUBREL",
	PubcompType:     "PUBCOMP",
	SubscribeType:   "SUBSCRIBE",
	SubackType:      "SUBACK",
	UnsubscribeType: "UNSUBSCRIBE",
	UnsubackType:    "UNSUBACK",
	PingreqType:     "PINGREQ",
	PingrespType:    "PINGRESP",
	DisconnectType:  "DISCONNECT",
	AuthType:        "AUTH",
}

// TypeName returns the protocol name of a packet type.
func TypeName(t byte) string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return "UNKNOWN"
}

// Packet is a version independent MQTT control packet.
type Packet interface {
	Type() byte
}

// ConnackCode is a version independent CONNECT outcome. Each codec maps it
// to the matching return or reason code.
type ConnackCode byte

const (
	Accepted ConnackCode = iota
	RefusedProtocolVersion
	RefusedIdentifierRejected
	RefusedServerUnavailable
	RefusedNotAuthorized
)

type Connect struct {
	ProtocolName    string
	ProtocolVersion byte
	ClientID        string
	KeepAlive       uint16
	CleanStart      bool
	Username        string
	Password        []byte
	WillFlag        bool
}

type Connack struct {
	SessionPresent   bool
	Code             ConnackCode
	AssignedClientID string // MQTT 5 only
}

type Publish struct {
	PacketID uint16
	Topic    string
	Payload  []byte
	QoS      byte
	Retain   bool
	Dup      bool
}

type Puback struct{ PacketID uint16 }

type Pubrec struct{ PacketID uint16 }

type Pubrel struct{ PacketID uint16 }

type Pubcomp struct{ PacketID uint16 }

// Subscription is one topic filter of a SUBSCRIBE packet.
type Subscription struct {
	Filter string
	QoS    byte
}

type Subscribe struct {
	PacketID      uint16
	Subscriptions []Subscription
}

type Suback struct {
	PacketID    uint16
	ReturnCodes []byte
}

type Unsubscribe struct {
	PacketID uint16
	Topics   []string
}

// Unsuback acknowledges Count topic filters.
type Unsuback struct {
	PacketID uint16
	Count    int
}

type Pingreq struct{}

type Pingresp struct{}

type Disconnect struct{ ReasonCode byte }

type Auth struct{ ReasonCode byte }

func (*Connect) Type() byte     { return ConnectType }
func (*Connack) Type() byte     { return ConnackType }
func (*Publish) Type() byte     { return PublishType }
func (*Puback) Type() byte      { return PubackType }
func (*Pubrec) Type() byte      { return PubrecType }
func (*Pubrel) Type() byte      { return PubrelType }
func (*Pubcomp) Type() byte     { return PubcompType }
func (*Subscribe) Type() byte   { return SubscribeType }
func (*Suback) Type() byte      { return SubackType }
func (*Unsubscribe) Type() byte { return UnsubscribeType }
func (*Unsuback) Type() byte    { return UnsubackType }
func (*Pingreq) Type() byte     { return PingreqType }
func (*Pingresp) Type() byte    { return PingrespType }
func (*Disconnect) Type() byte  { return DisconnectType }
func (*Auth) Type() byte        { return AuthType }

// logAttrs describes a packet for debug logging without its payload.
func logAttrs(p Packet) []any {
	attrs := []any{slog.String("type", TypeName(p.Type()))}
	switch p := p.(type) {
	case *Connect:
		attrs = append(attrs, slog.String("client_id", p.ClientID), slog.Int("version", int(p.ProtocolVersion)))
	case *Connack:
		attrs = append(attrs, slog.Int("code", int(p.Code)), slog.Bool("session_present", p.SessionPresent))
	case *Publish:
		attrs = append(attrs,
			slog.String("topic", p.Topic),
			slog.Int("qos", int(p.QoS)),
			slog.Int("packet_id", int(p.PacketID)),
			slog.Bool("dup", p.Dup),
			slog.Int("size", len(p.Payload)))
	case *Puback:
		attrs = append(attrs, slog.Int("packet_id", int(p.PacketID)))
	case *Pubrec:
		attrs = append(attrs, slog.Int("packet_id", int(p.PacketID)))
	case *Pubrel:
		attrs = append(attrs, slog.Int("packet_id", int(p.PacketID)))
	case *Pubcomp:
		attrs = append(attrs, slog.Int("packet_id", int(p.PacketID)))
	case *Subscribe:
		attrs = append(attrs, slog.Int("packet_id", int(p.PacketID)), slog.Int("filters", len(p.Subscriptions)))
	case *Suback:
		attrs = append(attrs, slog.Int("packet_id", int(p.PacketID)), slog.Int("filters", len(p.ReturnCodes)))
	case *Unsubscribe:
		attrs = append(attrs, slog.Int("packet_id", int(p.PacketID)), slog.Any("topics", p.Topics))
	case *Unsuback:
		attrs = append(attrs, slog.Int("packet_id", int(p.PacketID)))
	case *Disconnect:
		attrs = append(attrs, slog.Int("reason", int(p.ReasonCode)))
	}
	return attrs
}
