// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// Dial opens an MQTT client connection to addr, speaking MQTT 5 when
// opts.ProtocolVersion is 5 and MQTT 3.1.1 otherwise. Failures wrap
// ErrConnect.
func Dial(ctx context.Context, addr string, opts Options) (Sink, error) {
	connect := connectV3
	if opts.ProtocolVersion == V5 {
		connect = connectV5
	}
	s, err := connect(ctx, addr, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConnect, addr, err)
	}
	return s, nil
}

// BreakerConfig holds per-backend circuit breaker settings.
type BreakerConfig struct {
	FailureThreshold uint32
	ResetTimeout     time.Duration
}

// Dialer wraps a Connector with one circuit breaker per backend address, so
// a backend that keeps refusing connections fails fast until it recovers.
type Dialer struct {
	cfg       BreakerConfig
	connector Connector
	logger    *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

var _ Connector = (*Dialer)(nil)

// NewDialer creates a dialer. A nil connector dials real MQTT brokers.
func NewDialer(cfg BreakerConfig, connector Connector, logger *slog.Logger) *Dialer {
	if connector == nil {
		connector = ConnectorFunc(Dial)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout == 0 {
		cfg.ResetTimeout = 30 * time.Second
	}

	return &Dialer{
		cfg:       cfg,
		connector: connector,
		logger:    logger,
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Connect opens a sink to addr through the breaker of addr.
func (d *Dialer) Connect(ctx context.Context, addr string, opts Options) (Sink, error) {
	res, err := d.breaker(addr).Execute(func() (interface{}, error) {
		return d.connector.Connect(ctx, addr, opts)
	})
	if err != nil {
		if errors.Is(err, ErrConnect) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrConnect, addr, err)
	}
	return res.(Sink), nil
}

// State returns the breaker state of addr.
func (d *Dialer) State(addr string) gobreaker.State {
	return d.breaker(addr).State()
}

func (d *Dialer) breaker(addr string) *gobreaker.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()

	if cb, ok := d.breakers[addr]; ok {
		return cb
	}

	threshold := d.cfg.FailureThreshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        addr,
		MaxRequests: 1,
		Timeout:     d.cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.logger.Info("upstream circuit breaker state changed",
				slog.String("backend", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	d.breakers[addr] = cb
	return cb
}
