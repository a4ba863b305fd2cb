// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package lb

import (
	"context"
	"time"

	"github.com/troian/healthcheck"
)

// HealthCheck probes one backend.
type HealthCheck interface {
	Check(ctx context.Context, b Backend) error
}

// HealthCheckFunc adapts a function to HealthCheck.
type HealthCheckFunc func(ctx context.Context, b Backend) error

// Check calls f.
func (f HealthCheckFunc) Check(ctx context.Context, b Backend) error {
	return f(ctx, b)
}

// TCPHealthCheck considers a backend healthy when a TCP connection to it
// can be established within Timeout.
type TCPHealthCheck struct {
	Timeout time.Duration
}

// Check dials the backend.
func (h TCPHealthCheck) Check(ctx context.Context, b Backend) error {
	timeout := h.Timeout
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < timeout || timeout <= 0 {
			timeout = rem
		}
	}
	if timeout <= 0 {
		timeout = time.Second
	}
	return healthcheck.TCPDialCheck(b.Addr, timeout)()
}
