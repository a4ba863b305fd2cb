// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/absmach/mqttgw/upstream"
)

// ErrAckMismatch is returned when a backend acknowledges a different number
// of filters than requested.
var ErrAckMismatch = errors.New("subscribe acknowledgement count mismatch")

// Mode is the fan out shape of an AnySink.
type Mode int

const (
	// ModeSingle forwards to one upstream sink.
	ModeSingle Mode = iota
	// ModeDual forwards to a primary and a secondary upstream sink.
	ModeDual
)

func (m Mode) String() string {
	if m == ModeDual {
		return "dual"
	}
	return "single"
}

// AnySink is the forwarding target of a session: either a single upstream
// sink or a primary/secondary pair. Operations on a pair run sequentially,
// primary first.
type AnySink struct {
	mode      Mode
	primary   upstream.Sink
	secondary upstream.Sink

	closeOnce sync.Once
	closeErr  error
}

// Single wraps one upstream sink.
func Single(s upstream.Sink) *AnySink {
	return &AnySink{mode: ModeSingle, primary: s}
}

// Dual wraps a primary and a secondary upstream sink.
func Dual(primary, secondary upstream.Sink) *AnySink {
	return &AnySink{mode: ModeDual, primary: primary, secondary: secondary}
}

// Mode returns the fan out shape.
func (a *AnySink) Mode() Mode {
	return a.mode
}

// Primary returns the primary (or only) sink.
func (a *AnySink) Primary() upstream.Sink {
	return a.primary
}

// Secondary returns the secondary sink, nil in single mode.
func (a *AnySink) Secondary() upstream.Sink {
	return a.secondary
}

// Sinks returns the wrapped sinks, primary first.
func (a *AnySink) Sinks() []upstream.Sink {
	if a.mode == ModeDual {
		return []upstream.Sink{a.primary, a.secondary}
	}
	return []upstream.Sink{a.primary}
}

// Publish forwards a client publish. In dual mode the message goes to the
// secondary sink only.
func (a *AnySink) Publish(ctx context.Context, msg upstream.Message) error {
	if a.mode == ModeDual {
		return a.secondary.Publish(ctx, msg)
	}
	return a.primary.Publish(ctx, msg)
}

// HandleSubscribe records the requested filters on st before forwarding and
// returns one result per filter in request order. In dual mode a filter is
// granted only when both legs grant it, at the lower of the two QoS levels.
// A failing primary leg means the secondary is never attempted.
func (a *AnySink) HandleSubscribe(ctx context.Context, st *State, subs []upstream.Subscription) ([]upstream.SubResult, error) {
	if st != nil {
		filters := make([]string, len(subs))
		for i, s := range subs {
			filters[i] = s.Filter
		}
		// Not rolled back when forwarding fails.
		st.AddSubscriptions(filters...)
	}

	results, err := subscribe(ctx, a.primary, subs)
	if err != nil || a.mode == ModeSingle {
		return results, err
	}

	second, err := subscribe(ctx, a.secondary, subs)
	if err != nil {
		return nil, err
	}
	for i, r := range second {
		if !r.Granted {
			results[i] = upstream.SubResult{QoS: r.QoS}
			continue
		}
		if results[i].Granted && r.QoS < results[i].QoS {
			results[i].QoS = r.QoS
		}
	}
	return results, nil
}

// HandleUnsubscribe forwards an unsubscribe, primary first. On success the
// topics are removed from st.
func (a *AnySink) HandleUnsubscribe(ctx context.Context, st *State, topics []string) error {
	for _, s := range a.Sinks() {
		if err := s.Unsubscribe(ctx, topics); err != nil {
			return err
		}
	}
	if st != nil {
		st.RemoveSubscriptions(topics...)
	}
	return nil
}

// Close closes every wrapped sink. It is idempotent.
func (a *AnySink) Close() error {
	a.closeOnce.Do(func() {
		var errs []error
		for _, s := range a.Sinks() {
			errs = append(errs, s.Close())
		}
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}

func subscribe(ctx context.Context, s upstream.Sink, subs []upstream.Subscription) ([]upstream.SubResult, error) {
	req := make([]upstream.Subscription, len(subs))
	copy(req, subs)

	results, err := s.Subscribe(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(results) != len(subs) {
		return nil, fmt.Errorf("%w: requested %d, acknowledged %d", ErrAckMismatch, len(subs), len(results))
	}
	return results, nil
}
