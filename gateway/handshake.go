// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/mqttgw/mqtt"
	"github.com/absmach/mqttgw/session"
	"github.com/absmach/mqttgw/upstream"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// handshake reads CONNECT, opens the upstream leg(s) and acknowledges the
// client. On failure a refusing CONNACK is sent when the protocol allows it.
func (g *Gateway) handshake(ctx context.Context, c *mqtt.Connection) (*proxy, error) {
	if err := c.NetConn().SetReadDeadline(time.Now().Add(g.cfg.ConnectTimeout)); err != nil {
		return nil, err
	}
	pkt, err := c.ReadPacket()
	if err != nil {
		return nil, err
	}
	connect, ok := pkt.(*mqtt.Connect)
	if !ok {
		return nil, mqtt.ErrNotConnect
	}

	ctx, span := g.tracer.Start(ctx, "mqttgw.connect", trace.WithAttributes(
		attribute.String("mqtt.client_id", connect.ClientID),
		attribute.Int("mqtt.version", int(connect.ProtocolVersion)),
	))
	defer span.End()

	clientID, assigned, code := assignClientID(connect)
	if code != mqtt.Accepted {
		_ = c.WritePacket(&mqtt.Connack{Code: code})
		return nil, fmt.Errorf("%w: empty client id without clean session", ErrProtocolViolation)
	}

	logger := g.logger.With(
		slog.String("client_id", clientID),
		slog.String("remote", c.RemoteAddr().String()))

	sink, err := g.openSink(ctx, clientID, connect, logger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upstream unavailable")
		_ = c.WritePacket(&mqtt.Connack{Code: mqtt.RefusedServerUnavailable})
		return nil, err
	}

	cl := newClient(c, g.cfg.MaxInflight)
	st := session.New(clientID, cl, sink)

	ack := &mqtt.Connack{SessionPresent: g.cfg.SessionPresent, Code: mqtt.Accepted}
	if assigned && c.Version() == mqtt.V5 {
		ack.AssignedClientID = clientID
	}
	if err := c.WritePacket(ack); err != nil {
		sink.Close()
		return nil, err
	}

	keepAlive := time.Duration(connect.KeepAlive) * time.Second
	c.SetKeepAlive(keepAlive)
	if keepAlive == 0 {
		if err := c.NetConn().SetReadDeadline(time.Time{}); err != nil {
			st.Close()
			return nil, err
		}
	}

	logger.Info("client connected",
		slog.Int("version", int(connect.ProtocolVersion)),
		slog.String("mode", sink.Mode().String()))
	if g.metrics != nil {
		g.metrics.RecordConnection(versionName(connect.ProtocolVersion))
		g.metrics.RecordSessionStart(sink.Mode().String())
	}

	return &proxy{
		g:      g,
		conn:   c,
		client: cl,
		st:     st,
		logger: logger,
	}, nil
}

// openSink selects the backend(s) for clientID and connects to them.
func (g *Gateway) openSink(ctx context.Context, clientID string, connect *mqtt.Connect, logger *slog.Logger) (*session.AnySink, error) {
	version := upstream.V311
	if connect.ProtocolVersion == mqtt.V5 {
		version = upstream.V5
	}
	opts := upstream.Options{
		ClientID:        clientID,
		Username:        connect.Username,
		Password:        connect.Password,
		KeepAlive:       g.cfg.KeepAlive,
		CleanStart:      connect.CleanStart,
		ConnectTimeout:  g.cfg.ConnectTimeout,
		ProtocolVersion: version,
	}

	primary, err := g.connectVia(ctx, g.primary, "primary", opts, logger)
	if err != nil {
		return nil, err
	}
	if g.secondary == nil {
		return session.Single(primary), nil
	}

	secondary, err := g.connectVia(ctx, g.secondary, "secondary", opts, logger)
	if err != nil {
		primary.Close()
		return nil, err
	}
	return session.Dual(primary, secondary), nil
}

func (g *Gateway) connectVia(ctx context.Context, sel Selector, leg string, opts upstream.Options, logger *slog.Logger) (upstream.Sink, error) {
	backend, err := sel.Select([]byte(opts.ClientID), g.cfg.Attempts)
	if err != nil {
		logger.Warn("no backend available", slog.String("leg", leg), slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: select %s backend: %w", ErrGateway, leg, err)
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.ConnectTimeout)
	defer cancel()

	sink, err := g.connector.Connect(ctx, backend.Addr, opts)
	if g.metrics != nil {
		g.metrics.RecordUpstreamConnect(backend.Addr, err == nil)
	}
	if err != nil {
		logger.Warn("upstream connect failed",
			slog.String("leg", leg),
			slog.String("backend", backend.Addr),
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: %w", ErrGateway, err)
	}

	logger.Debug("upstream connected", slog.String("leg", leg), slog.String("backend", backend.Addr))
	return sink, nil
}

// assignClientID returns the id the session runs under. Empty ids are
// replaced with a generated one except for MQTT 3.1, and for MQTT 3.1.1
// clients asking to resume a session.
func assignClientID(c *mqtt.Connect) (string, bool, mqtt.ConnackCode) {
	if c.ClientID != "" {
		return c.ClientID, false, mqtt.Accepted
	}
	switch {
	case c.ProtocolVersion == mqtt.V31:
		return "", false, mqtt.RefusedIdentifierRejected
	case c.ProtocolVersion == mqtt.V311 && !c.CleanStart:
		return "", false, mqtt.RefusedIdentifierRejected
	}
	return "mqttgw-" + uuid.NewString(), true, mqtt.Accepted
}

func versionName(v byte) string {
	switch v {
	case mqtt.V31:
		return "3.1"
	case mqtt.V311:
		return "3.1.1"
	case mqtt.V5:
		return "5.0"
	default:
		return "unknown"
	}
}
