// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package session holds the per client state shared between the downstream
// and upstream halves of a gateway connection.
package session

import (
	"context"
	"slices"
	"sync"

	"github.com/absmach/mqttgw/upstream"
)

// Source is the downstream side of a session: the client connection as seen
// by the upstream event loop.
type Source interface {
	// Deliver sends msg to the client. QoS 0 returns once written; QoS 1
	// waits for the client PUBACK.
	Deliver(ctx context.Context, msg upstream.Message) error
	Close() error
}

// State is created at handshake time and shared by pointer between the
// downstream loop and the upstream event loops of one client.
type State struct {
	ClientID string
	Source   Source
	Sink     *AnySink

	mu            sync.Mutex
	subscriptions []string
}

// New creates the state of an accepted client.
func New(clientID string, source Source, sink *AnySink) *State {
	return &State{
		ClientID: clientID,
		Source:   source,
		Sink:     sink,
	}
}

// AddSubscriptions appends filters to the bookkeeping list.
func (s *State) AddSubscriptions(filters ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions = append(s.subscriptions, filters...)
}

// RemoveSubscriptions drops every occurrence of filters.
func (s *State) RemoveSubscriptions(filters ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions = slices.DeleteFunc(s.subscriptions, func(f string) bool {
		return slices.Contains(filters, f)
	})
}

// Subscriptions returns a copy of the bookkeeping list.
func (s *State) Subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.subscriptions)
}

// Close closes both legs of the session.
func (s *State) Close() error {
	var err error
	if s.Sink != nil {
		err = s.Sink.Close()
	}
	if s.Source != nil {
		if cerr := s.Source.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
