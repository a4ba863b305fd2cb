// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/absmach/mqttgw/config"
	"github.com/absmach/mqttgw/gateway"
	"github.com/absmach/mqttgw/lb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// balancers holds the load balancer of each leg.
type balancers struct {
	primary   *lb.Balancer
	secondary *lb.Balancer // nil in single mode
	etcd      *clientv3.Client
}

// newBalancers builds the balancers described by cfg. Nothing runs until
// start is called.
func newBalancers(cfg *config.Config, logger *slog.Logger) (*balancers, error) {
	var primary, secondary lb.Discovery
	bs := &balancers{}

	switch cfg.Discovery.Type {
	case config.DiscoveryStatic:
		backends, err := lb.ParseBackends(cfg.Discovery.Backends)
		if err != nil {
			return nil, err
		}
		primary = lb.Static(backends)
		if cfg.DualMode() {
			backends, err := lb.ParseBackends(cfg.Discovery.SecondaryBackends)
			if err != nil {
				return nil, err
			}
			secondary = lb.Static(backends)
		}
	case config.DiscoveryEtcd:
		cli, err := clientv3.New(clientv3.Config{
			Endpoints:   cfg.Discovery.Etcd.Endpoints,
			DialTimeout: cfg.Discovery.Etcd.DialTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create etcd client: %w", err)
		}
		bs.etcd = cli
		primary = lb.NewEtcdDiscovery(cli, cfg.Discovery.Etcd.Prefix)
		if cfg.DualMode() {
			secondary = lb.NewEtcdDiscovery(cli, cfg.Discovery.Etcd.SecondaryPrefix)
		}
	default:
		return nil, fmt.Errorf("unknown discovery type %q", cfg.Discovery.Type)
	}

	check := lb.TCPHealthCheck{Timeout: cfg.Balancer.HealthTimeout}
	bs.primary = lb.New(balancerConfig(cfg, "primary", logger), primary, check)
	if secondary != nil {
		bs.secondary = lb.New(balancerConfig(cfg, "secondary", logger), secondary, check)
	}
	return bs, nil
}

func balancerConfig(cfg *config.Config, name string, logger *slog.Logger) lb.Config {
	return lb.Config{
		Name:              name,
		DiscoveryInterval: cfg.Balancer.DiscoveryInterval,
		HealthInterval:    cfg.Balancer.HealthInterval,
		HealthTimeout:     cfg.Balancer.HealthTimeout,
		Parallel:          cfg.Balancer.Parallel,
		Replicas:          cfg.Balancer.Replicas,
		DiscoveryTimeout:  cfg.Balancer.DiscoveryTimeout,
		Logger:            logger,
	}
}

// start loads the initial backend set and starts the background loops. A
// failed first discovery is logged; the loop keeps retrying.
func (bs *balancers) start(ctx context.Context, logger *slog.Logger) {
	for _, b := range bs.all() {
		if err := b.Refresh(ctx); err != nil {
			logger.Warn("initial backend discovery failed", slog.String("error", err.Error()))
		}
		b.Start()
	}
}

func (bs *balancers) stop() error {
	for _, b := range bs.all() {
		b.Stop()
	}
	if bs.etcd != nil {
		return bs.etcd.Close()
	}
	return nil
}

func (bs *balancers) all() []*lb.Balancer {
	if bs.secondary == nil {
		return []*lb.Balancer{bs.primary}
	}
	return []*lb.Balancer{bs.primary, bs.secondary}
}

// selectors returns the gateway view of the balancers. The secondary is a
// nil interface in single mode.
func (bs *balancers) selectors() (primary, secondary gateway.Selector) {
	if bs.secondary != nil {
		return bs.primary, bs.secondary
	}
	return bs.primary, nil
}
