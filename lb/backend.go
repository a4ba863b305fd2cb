// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package lb

import (
	"errors"
	"fmt"
	"net"
	"sort"
)

var (
	// ErrNoBackend is returned by Select when no healthy backend can serve the key.
	ErrNoBackend = errors.New("no healthy backend available")

	// ErrInvalidBackend indicates a backend address that is not host:port.
	ErrInvalidBackend = errors.New("invalid backend address")
)

// Backend is a broker instance the gateway may route a session to.
type Backend struct {
	Addr   string
	Weight int
}

func (b Backend) String() string {
	return b.Addr
}

func (b Backend) weight() int {
	if b.Weight < 1 {
		return 1
	}
	return b.Weight
}

// ParseBackends converts host:port strings into weight-1 backends.
func ParseBackends(addrs []string) ([]Backend, error) {
	backends := make([]Backend, 0, len(addrs))
	for _, addr := range addrs {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return nil, fmt.Errorf("%w %q: %w", ErrInvalidBackend, addr, err)
		}
		backends = append(backends, Backend{Addr: addr, Weight: 1})
	}
	return backends, nil
}

// normalize sorts backends by address and drops duplicates so that ring
// construction does not depend on discovery order.
func normalize(backends []Backend) []Backend {
	seen := make(map[string]struct{}, len(backends))
	out := make([]Backend, 0, len(backends))
	for _, b := range backends {
		if _, ok := seen[b.Addr]; ok {
			continue
		}
		seen[b.Addr] = struct{}{}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}
