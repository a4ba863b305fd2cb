// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds OpenTelemetry metric instruments for the MQTT gateway.
type Metrics struct {
	meter metric.Meter

	// Counters
	connectionsTotal    metric.Int64Counter
	disconnectionsTotal metric.Int64Counter
	messagesUpstream    metric.Int64Counter
	messagesDownstream  metric.Int64Counter
	bytesUpstream       metric.Int64Counter
	bytesDownstream     metric.Int64Counter
	upstreamConnects    metric.Int64Counter
	errorsTotal         metric.Int64Counter

	// UpDownCounters (Gauges)
	connectionsCurrent  metric.Int64UpDownCounter
	sessionsActive      metric.Int64UpDownCounter
	subscriptionsActive metric.Int64UpDownCounter

	// Histograms
	messageSize      metric.Int64Histogram
	publishDuration  metric.Float64Histogram
	deliveryDuration metric.Float64Histogram
}

// NewMetrics creates a new Metrics instance with all instruments initialized.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		meter: otel.Meter("mqtt-gateway"),
	}

	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.connectionsTotal, "mqttgw.connections.total", "Total number of accepted client connections"},
		{&m.disconnectionsTotal, "mqttgw.disconnections.total", "Total number of closed client connections"},
		{&m.messagesUpstream, "mqttgw.messages.upstream.total", "Messages forwarded from clients to backends"},
		{&m.messagesDownstream, "mqttgw.messages.downstream.total", "Messages forwarded from backends to clients"},
		{&m.bytesUpstream, "mqttgw.bytes.upstream.total", "Payload bytes forwarded to backends"},
		{&m.bytesDownstream, "mqttgw.bytes.downstream.total", "Payload bytes forwarded to clients"},
		{&m.upstreamConnects, "mqttgw.upstream.connects.total", "Upstream connection attempts by backend and result"},
		{&m.errorsTotal, "mqttgw.errors.total", "Total errors by type"},
	}
	for _, c := range counters {
		*c.dst, err = m.meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	m.connectionsCurrent, err = m.meter.Int64UpDownCounter(
		"mqttgw.connections.current",
		metric.WithDescription("Current number of client connections"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connectionsCurrent gauge: %w", err)
	}

	m.sessionsActive, err = m.meter.Int64UpDownCounter(
		"mqttgw.sessions.active",
		metric.WithDescription("Number of established sessions by sink mode"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sessionsActive gauge: %w", err)
	}

	m.subscriptionsActive, err = m.meter.Int64UpDownCounter(
		"mqttgw.subscriptions.active",
		metric.WithDescription("Number of topic filters recorded on live sessions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscriptionsActive gauge: %w", err)
	}

	m.messageSize, err = m.meter.Int64Histogram(
		"mqttgw.message.size.bytes",
		metric.WithDescription("Message payload size distribution"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messageSize histogram: %w", err)
	}

	m.publishDuration, err = m.meter.Float64Histogram(
		"mqttgw.publish.duration.ms",
		metric.WithDescription("Time from client publish to upstream acknowledgement in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create publishDuration histogram: %w", err)
	}

	m.deliveryDuration, err = m.meter.Float64Histogram(
		"mqttgw.delivery.duration.ms",
		metric.WithDescription("Time from upstream publish to client acknowledgement in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deliveryDuration histogram: %w", err)
	}

	return m, nil
}

// RecordConnection records a new client connection.
func (m *Metrics) RecordConnection(version string) {
	ctx := context.Background()
	m.connectionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("version", version),
	))
	m.connectionsCurrent.Add(ctx, 1)
}

// RecordDisconnection records a closed client connection.
func (m *Metrics) RecordDisconnection(reason string) {
	ctx := context.Background()
	m.disconnectionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
	m.connectionsCurrent.Add(ctx, -1)
}

// RecordSessionStart records an established session.
func (m *Metrics) RecordSessionStart(mode string) {
	m.sessionsActive.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("mode", mode),
	))
}

// RecordSessionEnd records a torn down session.
func (m *Metrics) RecordSessionEnd(mode string, subscriptions int) {
	ctx := context.Background()
	m.sessionsActive.Add(ctx, -1, metric.WithAttributes(
		attribute.String("mode", mode),
	))
	m.subscriptionsActive.Add(ctx, -int64(subscriptions))
}

// RecordUpstreamConnect records an upstream connection attempt.
func (m *Metrics) RecordUpstreamConnect(backend string, ok bool) {
	m.upstreamConnects.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.Bool("success", ok),
	))
}

// RecordMessageUpstream records a client message forwarded to a backend.
func (m *Metrics) RecordMessageUpstream(qos byte, sizeBytes int64) {
	ctx := context.Background()
	m.messagesUpstream.Add(ctx, 1, metric.WithAttributes(
		attribute.Int("qos", int(qos)),
	))
	m.bytesUpstream.Add(ctx, sizeBytes)
	m.messageSize.Record(ctx, sizeBytes)
}

// RecordMessageDownstream records a backend message forwarded to a client.
func (m *Metrics) RecordMessageDownstream(qos byte, sizeBytes int64) {
	ctx := context.Background()
	m.messagesDownstream.Add(ctx, 1, metric.WithAttributes(
		attribute.Int("qos", int(qos)),
	))
	m.bytesDownstream.Add(ctx, sizeBytes)
}

// RecordSubscriptions adjusts the recorded filter count by delta.
func (m *Metrics) RecordSubscriptions(delta int) {
	m.subscriptionsActive.Add(context.Background(), int64(delta))
}

// RecordError records an error by type.
func (m *Metrics) RecordError(errorType string) {
	m.errorsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("type", errorType),
	))
}

// RecordPublishDuration records the upstream round trip of a client publish.
func (m *Metrics) RecordPublishDuration(durationMs float64) {
	m.publishDuration.Record(context.Background(), durationMs)
}

// RecordDeliveryDuration records the client round trip of a delivery.
func (m *Metrics) RecordDeliveryDuration(durationMs float64) {
	m.deliveryDuration.Record(context.Background(), durationMs)
}
