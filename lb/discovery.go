// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package lb

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// Discovery produces the current backend set.
type Discovery interface {
	Discover(ctx context.Context) ([]Backend, error)
}

// DiscoveryFunc adapts a function to Discovery.
type DiscoveryFunc func(ctx context.Context) ([]Backend, error)

// Discover calls f.
func (f DiscoveryFunc) Discover(ctx context.Context) ([]Backend, error) {
	return f(ctx)
}

// Static is a fixed backend set.
type Static []Backend

// Discover returns a copy of the static set.
func (s Static) Discover(context.Context) ([]Backend, error) {
	out := make([]Backend, len(s))
	copy(out, s)
	return out, nil
}

// EtcdDiscovery reads backends from keys under a prefix.
//
// Each key under the prefix is one backend. The value is either empty, in
// which case the key suffix is the address, or "host:port" optionally
// followed by ";weight".
type EtcdDiscovery struct {
	client *clientv3.Client
	prefix string
}

// NewEtcdDiscovery returns a discovery backed by an etcd client.
func NewEtcdDiscovery(client *clientv3.Client, prefix string) *EtcdDiscovery {
	return &EtcdDiscovery{client: client, prefix: prefix}
}

// Discover lists the backends currently registered under the prefix.
func (d *EtcdDiscovery) Discover(ctx context.Context) ([]Backend, error) {
	resp, err := d.client.Get(ctx, d.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list backends under %s: %w", d.prefix, err)
	}

	backends := make([]Backend, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		b, err := parseEntry(strings.TrimPrefix(string(kv.Key), d.prefix), string(kv.Value))
		if err != nil {
			return nil, err
		}
		backends = append(backends, b)
	}
	return backends, nil
}

func parseEntry(key, value string) (Backend, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		value = key
	}

	addr, weight, hasWeight := strings.Cut(value, ";")
	bs, err := ParseBackends([]string{strings.TrimSpace(addr)})
	if err != nil {
		return Backend{}, err
	}
	b := bs[0]
	if hasWeight {
		w, err := strconv.Atoi(strings.TrimSpace(weight))
		if err != nil || w < 1 {
			return Backend{}, fmt.Errorf("%w %q: bad weight", ErrInvalidBackend, value)
		}
		b.Weight = w
	}
	return b, nil
}
