// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package gateway relays MQTT sessions between downstream clients and the
// upstream brokers picked for them by the load balancer.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/absmach/mqttgw/lb"
	"github.com/absmach/mqttgw/mqtt"
	"github.com/absmach/mqttgw/ratelimit"
	"github.com/absmach/mqttgw/server/otel"
	"github.com/absmach/mqttgw/upstream"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

var (
	// ErrGateway wraps every failure that ends a session: backend selection,
	// upstream connect and forwarding errors on either leg.
	ErrGateway = errors.New("gateway error")

	// ErrDuplicatePublish is returned when a backend redelivers a publish.
	ErrDuplicatePublish = errors.New("duplicate publish from upstream")

	// ErrRateLimited is returned when a client exceeds its publish or
	// subscribe rate.
	ErrRateLimited = errors.New("client rate limited")

	// ErrProtocolViolation is returned for packets a client must not send.
	ErrProtocolViolation = errors.New("protocol violation")
)

// Selector picks a backend for a routing key.
type Selector interface {
	Select(key []byte, attempts int) (lb.Backend, error)
}

var _ Selector = (*lb.Balancer)(nil)

// Config holds gateway settings.
type Config struct {
	// KeepAlive is announced on every upstream connection.
	KeepAlive time.Duration
	// ConnectTimeout bounds the wait for CONNECT and for the upstream handshake.
	ConnectTimeout time.Duration
	// AckTimeout bounds every wait for an acknowledgement on either leg.
	AckTimeout time.Duration
	// WriteTimeout bounds every write to a client.
	WriteTimeout time.Duration
	// SessionPresent is reported in every accepting CONNACK.
	SessionPresent bool
	// Attempts is the number of ring candidates tried per selection.
	Attempts int
	// MaxInflight caps unacknowledged QoS 1 deliveries per client.
	MaxInflight int
}

// Gateway dispatches client connections. One Gateway serves every listener.
type Gateway struct {
	cfg       Config
	primary   Selector
	secondary Selector // nil in single mode
	connector upstream.Connector
	limiter   *ratelimit.Manager // nil if rate limiting disabled
	logger    *slog.Logger
	metrics   *otel.Metrics // nil if metrics disabled
	tracer    trace.Tracer

	sessions atomic.Int64
}

// New creates a gateway. A non nil secondary selector enables dual mode:
// every session then also opens a connection to a backend chosen by it.
//
// Parameters:
//   - limiter: client rate limiter (nil if rate limiting disabled)
//   - metrics: OTel metrics (nil if metrics disabled)
//   - tracer: OTel tracer (nil if tracing disabled)
func New(cfg Config, primary, secondary Selector, connector upstream.Connector, limiter *ratelimit.Manager, logger *slog.Logger, metrics *otel.Metrics, tracer trace.Tracer) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("mqttgw")
	}
	if connector == nil {
		connector = upstream.ConnectorFunc(upstream.Dial)
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = 60 * time.Second
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.AckTimeout == 0 {
		cfg.AckTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}

	return &Gateway{
		cfg:       cfg,
		primary:   primary,
		secondary: secondary,
		connector: connector,
		limiter:   limiter,
		logger:    logger,
		metrics:   metrics,
		tracer:    tracer,
	}
}

// HandleConnection serves one client connection until either leg of its
// session ends. Cancelling ctx tears the session down. The connection is
// closed on return.
func (g *Gateway) HandleConnection(ctx context.Context, conn net.Conn) error {
	c := mqtt.NewConnection(conn, g.logger)
	c.SetWriteTimeout(g.cfg.WriteTimeout)
	defer c.Close()

	p, err := g.handshake(ctx, c)
	if err != nil {
		g.logger.Debug("handshake failed",
			slog.String("remote", conn.RemoteAddr().String()),
			slog.String("error", err.Error()))
		if g.metrics != nil {
			g.metrics.RecordError("handshake")
		}
		return err
	}

	g.sessions.Add(1)
	defer g.sessions.Add(-1)

	return p.run(ctx)
}

// ActiveSessions returns the number of established sessions.
func (g *Gateway) ActiveSessions() int64 {
	return g.sessions.Load()
}

// DualMode reports whether sessions fan out to a secondary backend.
func (g *Gateway) DualMode() bool {
	return g.secondary != nil
}
