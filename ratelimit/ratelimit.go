// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit throttles connection attempts per remote IP and control
// traffic per client.
package ratelimit

import (
	"net"
	"sync"
	"time"

	"github.com/absmach/mqttgw/config"
	"golang.org/x/time/rate"
)

// keyedLimiter holds one token bucket per key.
type keyedLimiter struct {
	mu      sync.Mutex
	entries map[string]*entry
	rate    rate.Limit
	burst   int
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newKeyedLimiter(r float64, burst int) *keyedLimiter {
	return &keyedLimiter{
		entries: make(map[string]*entry),
		rate:    rate.Limit(r),
		burst:   burst,
	}
}

func (k *keyedLimiter) allow(key string) bool {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(k.rate, k.burst)}
		k.entries[key] = e
	}
	e.lastSeen = time.Now()
	limiter := e.limiter
	k.mu.Unlock()

	return limiter.Allow()
}

func (k *keyedLimiter) forget(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.entries, key)
}

// prune removes entries idle since before threshold.
func (k *keyedLimiter) prune(threshold time.Time) {
	k.mu.Lock()
	defer k.mu.Unlock()

	for key, e := range k.entries {
		if e.lastSeen.Before(threshold) {
			delete(k.entries, key)
		}
	}
}

func (k *keyedLimiter) len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}

// IPRateLimiter limits connection attempts per remote IP. Stale entries are
// removed in the background.
type IPRateLimiter struct {
	keys     *keyedLimiter
	cleanup  time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewIPRateLimiter creates a new IP-based rate limiter.
// rate is connections per second, burst is the burst allowance.
func NewIPRateLimiter(r float64, burst int, cleanupInterval time.Duration) *IPRateLimiter {
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}
	l := &IPRateLimiter{
		keys:    newKeyedLimiter(r, burst),
		cleanup: cleanupInterval,
		stopCh:  make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether a connection from addr may proceed. Addresses
// without an IP are always allowed.
func (l *IPRateLimiter) Allow(addr net.Addr) bool {
	ip := extractIP(addr)
	if ip == "" {
		return true
	}
	return l.keys.allow(ip)
}

func (l *IPRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.keys.prune(time.Now().Add(-2 * l.cleanup))
		case <-l.stopCh:
			return
		}
	}
}

// Stop stops the cleanup goroutine. It is idempotent.
func (l *IPRateLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// ClientRateLimiter limits publishes and subscribes per client ID. A nil
// bucket set means that kind of traffic is not limited.
type ClientRateLimiter struct {
	publish   *keyedLimiter
	subscribe *keyedLimiter
}

// NewClientRateLimiter creates a new client-based rate limiter. A zero rate
// disables the corresponding limit.
func NewClientRateLimiter(publishRate float64, publishBurst int, subRate float64, subBurst int) *ClientRateLimiter {
	l := &ClientRateLimiter{}
	if publishRate > 0 {
		l.publish = newKeyedLimiter(publishRate, max(publishBurst, 1))
	}
	if subRate > 0 {
		l.subscribe = newKeyedLimiter(subRate, max(subBurst, 1))
	}
	return l
}

// AllowPublish reports whether a publish from clientID may proceed.
func (l *ClientRateLimiter) AllowPublish(clientID string) bool {
	if l.publish == nil {
		return true
	}
	return l.publish.allow(clientID)
}

// AllowSubscribe reports whether a subscribe or unsubscribe from clientID
// may proceed.
func (l *ClientRateLimiter) AllowSubscribe(clientID string) bool {
	if l.subscribe == nil {
		return true
	}
	return l.subscribe.allow(clientID)
}

// RemoveClient drops the buckets of a disconnected client.
func (l *ClientRateLimiter) RemoveClient(clientID string) {
	if l.publish != nil {
		l.publish.forget(clientID)
	}
	if l.subscribe != nil {
		l.subscribe.forget(clientID)
	}
}

// extractIP extracts the IP address from a net.Addr.
func extractIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}

	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.String()
	case *net.UDPAddr:
		return a.IP.String()
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String()
		}
		return host
	}
}

// Manager coordinates the connection and client limiters. A nil or disabled
// Manager allows everything.
type Manager struct {
	ip     *IPRateLimiter
	client *ClientRateLimiter
}

// NewManager creates a new rate limit manager.
func NewManager(cfg config.RateLimitConfig) *Manager {
	if !cfg.Enabled {
		return &Manager{}
	}

	m := &Manager{
		client: NewClientRateLimiter(cfg.PublishRate, cfg.PublishBurst, cfg.SubscribeRate, cfg.SubscribeBurst),
	}
	if cfg.ConnectionRate > 0 {
		m.ip = NewIPRateLimiter(cfg.ConnectionRate, cfg.ConnectionBurst, cfg.CleanupInterval)
	}
	return m
}

// AllowConnection checks if a new connection from the given address is allowed.
func (m *Manager) AllowConnection(addr net.Addr) bool {
	if m == nil || m.ip == nil {
		return true
	}
	return m.ip.Allow(addr)
}

// Allow implements the limiter interface used by the listeners.
func (m *Manager) Allow(addr net.Addr) bool {
	return m.AllowConnection(addr)
}

// AllowPublish checks if a publish from the given client is allowed.
func (m *Manager) AllowPublish(clientID string) bool {
	if m == nil || m.client == nil {
		return true
	}
	return m.client.AllowPublish(clientID)
}

// AllowSubscribe checks if a subscription change from the given client is allowed.
func (m *Manager) AllowSubscribe(clientID string) bool {
	if m == nil || m.client == nil {
		return true
	}
	return m.client.AllowSubscribe(clientID)
}

// OnClientDisconnect cleans up rate limiters for a disconnected client.
func (m *Manager) OnClientDisconnect(clientID string) {
	if m == nil || m.client == nil {
		return
	}
	m.client.RemoveClient(clientID)
}

// Stop stops the rate limiter manager and cleans up resources.
func (m *Manager) Stop() {
	if m != nil && m.ip != nil {
		m.ip.Stop()
	}
}
