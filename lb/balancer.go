// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package lb

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultDiscoveryTimeout bounds a Refresh when Config leaves it unset.
const DefaultDiscoveryTimeout = 5 * time.Second

// Config holds the balancer configuration.
type Config struct {
	// Name identifies the balancer in logs, e.g. "primary".
	Name string
	// DiscoveryInterval is the refresh cadence. Zero refreshes only once at start.
	DiscoveryInterval time.Duration
	// DiscoveryTimeout bounds a single Refresh.
	DiscoveryTimeout time.Duration
	// HealthInterval is the health check cadence. Zero checks only once at start.
	HealthInterval time.Duration
	// HealthTimeout bounds a single probe.
	HealthTimeout time.Duration
	// Parallel runs the probes of one round concurrently.
	Parallel bool
	// Replicas is the number of ring points per unit of weight.
	Replicas int
	Logger   *slog.Logger
	// OnHealthChange, if set, is called after a backend flips state.
	OnHealthChange func(b Backend, healthy bool)
}

// BackendStatus is a snapshot of one backend's liveness.
type BackendStatus struct {
	Backend Backend
	Healthy bool
}

// Balancer selects backends by consistent hashing over a health-checked set.
type Balancer struct {
	cfg       Config
	discovery Discovery
	check     HealthCheck

	ring atomic.Pointer[ring]

	mu     sync.RWMutex
	health map[string]bool

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a balancer. No backends are known until the first Refresh.
func New(cfg Config, discovery Discovery, check HealthCheck) *Balancer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = time.Second
	}
	if cfg.DiscoveryTimeout <= 0 {
		cfg.DiscoveryTimeout = DefaultDiscoveryTimeout
	}
	if cfg.Replicas < 1 {
		cfg.Replicas = DefaultReplicas
	}
	cfg.Logger = cfg.Logger.With(slog.String("balancer", cfg.Name))
	if check == nil {
		check = TCPHealthCheck{Timeout: cfg.HealthTimeout}
	}

	b := &Balancer{
		cfg:       cfg,
		discovery: discovery,
		check:     check,
		health:    make(map[string]bool),
	}
	b.ring.Store(newRing(nil, cfg.Replicas))
	return b
}

// Select walks the ring from the position of key and returns the first
// healthy backend among at most attempts distinct candidates.
func (b *Balancer) Select(key []byte, attempts int) (Backend, error) {
	if attempts < 1 {
		attempts = 1
	}

	var (
		picked Backend
		found  bool
		tried  int
	)
	b.ring.Load().walk(key, func(be Backend) bool {
		tried++
		if b.isHealthy(be.Addr) {
			picked, found = be, true
			return false
		}
		return tried < attempts
	})

	if !found {
		return Backend{}, ErrNoBackend
	}
	return picked, nil
}

// Refresh re-reads the backend set and rebuilds the ring. On error the
// previous ring stays in place. Discovery is bounded by DiscoveryTimeout.
func (b *Balancer) Refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.DiscoveryTimeout)
	defer cancel()

	backends, err := b.discovery.Discover(ctx)
	if err != nil {
		b.cfg.Logger.Warn("backend discovery failed", slog.String("error", err.Error()))
		return err
	}

	next := newRing(backends, b.cfg.Replicas)
	prev := b.ring.Swap(next)

	current := make(map[string]struct{}, len(next.backends))
	for _, be := range next.backends {
		current[be.Addr] = struct{}{}
	}

	b.mu.Lock()
	for addr := range b.health {
		if _, ok := current[addr]; !ok {
			delete(b.health, addr)
		}
	}
	b.mu.Unlock()

	if !sameBackends(prev.backends, next.backends) {
		addrs := make([]string, len(next.backends))
		for i, be := range next.backends {
			addrs[i] = be.Addr
		}
		b.cfg.Logger.Info("backend set updated", slog.Any("backends", addrs))
	}
	return nil
}

// RunHealthCheck probes every known backend once and records the outcome.
func (b *Balancer) RunHealthCheck(ctx context.Context) {
	backends := b.ring.Load().backends

	probe := func(be Backend) {
		pctx, cancel := context.WithTimeout(ctx, b.cfg.HealthTimeout)
		defer cancel()
		b.setHealth(be, b.check.Check(pctx, be))
	}

	if !b.cfg.Parallel {
		for _, be := range backends {
			probe(be)
		}
		return
	}

	var g errgroup.Group
	for _, be := range backends {
		g.Go(func() error {
			probe(be)
			return nil
		})
	}
	_ = g.Wait()
}

// Run drives discovery and health checks until ctx is done. Both start
// immediately, then each on its own cadence; the loop sleeps until the
// earlier of the two is due. Each round runs on its own goroutine, so a slow
// discovery never delays a health round and the other way round. A round
// still running when its next one is due is not restarted. Run returns once
// no cadence is left and the last rounds have finished.
func (b *Balancer) Run(ctx context.Context) error {
	var (
		wg                  sync.WaitGroup
		discovering, health atomic.Bool
	)
	defer wg.Wait()

	launch := func(busy *atomic.Bool, fn func()) {
		if !busy.CompareAndSwap(false, true) {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer busy.Store(false)
			fn()
		}()
	}

	var nextDiscovery, nextHealth time.Time
	discoveryDue, healthDue := true, true

	for {
		if discoveryDue {
			launch(&discovering, func() { _ = b.Refresh(ctx) })
			nextDiscovery = after(b.cfg.DiscoveryInterval)
		}
		if healthDue {
			launch(&health, func() { b.RunHealthCheck(ctx) })
			nextHealth = after(b.cfg.HealthInterval)
		}

		next := earliest(nextDiscovery, nextHealth)
		if next.IsZero() {
			return nil
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		now := time.Now()
		discoveryDue = !nextDiscovery.IsZero() && !now.Before(nextDiscovery)
		healthDue = !nextHealth.IsZero() && !now.Before(nextHealth)
	}
}

// Start runs the background loop. Calling Start twice is a no-op.
func (b *Balancer) Start() {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if b.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		_ = b.Run(ctx)
	}(b.done)
}

// Stop terminates the background loop and waits for it to exit.
func (b *Balancer) Stop() {
	b.runMu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel, b.done = nil, nil
	b.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Backends returns the current backend set with liveness.
func (b *Balancer) Backends() []BackendStatus {
	backends := b.ring.Load().backends
	out := make([]BackendStatus, len(backends))
	for i, be := range backends {
		out[i] = BackendStatus{Backend: be, Healthy: b.isHealthy(be.Addr)}
	}
	return out
}

// HealthyCount returns the number of backends currently considered healthy.
func (b *Balancer) HealthyCount() int {
	n := 0
	for _, s := range b.Backends() {
		if s.Healthy {
			n++
		}
	}
	return n
}

// isHealthy reports liveness. Backends not probed yet count as healthy.
func (b *Balancer) isHealthy(addr string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	healthy, ok := b.health[addr]
	return !ok || healthy
}

func (b *Balancer) setHealth(be Backend, err error) {
	healthy := err == nil

	b.mu.Lock()
	prev, known := b.health[be.Addr]
	b.health[be.Addr] = healthy
	b.mu.Unlock()

	if known && prev == healthy {
		return
	}

	attrs := []any{slog.String("backend", be.Addr), slog.Bool("healthy", healthy)}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	if healthy {
		b.cfg.Logger.Info("backend health changed", attrs...)
	} else {
		b.cfg.Logger.Warn("backend health changed", attrs...)
	}

	if b.cfg.OnHealthChange != nil {
		b.cfg.OnHealthChange(be, healthy)
	}
}

func after(d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return time.Now().Add(d)
}

func earliest(ts ...time.Time) time.Time {
	var out time.Time
	for _, t := range ts {
		if t.IsZero() {
			continue
		}
		if out.IsZero() || t.Before(out) {
			out = t
		}
	}
	return out
}

func sameBackends(a, b []Backend) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
