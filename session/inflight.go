// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrInflightFull is returned when every packet identifier is in use.
	ErrInflightFull = errors.New("inflight window full")

	// ErrPacketNotFound is returned when acknowledging an unknown packet ID.
	ErrPacketNotFound = errors.New("packet ID not found")

	// ErrInflightClosed is delivered to waiters when the tracker is cleared.
	ErrInflightClosed = errors.New("inflight tracker closed")
)

// InflightMessage is a QoS 1 delivery to the client awaiting PUBACK.
type InflightMessage struct {
	PacketID uint16
	Topic    string
	SentAt   time.Time

	done chan error
}

// Done is signalled once with nil on PUBACK, or with ErrInflightClosed.
func (m *InflightMessage) Done() <-chan error {
	return m.done
}

// InflightTracker allocates packet identifiers for deliveries to the client
// and tracks the ones awaiting acknowledgement. It also remembers QoS 2
// publishes received from the client until their PUBREL arrives.
type InflightTracker struct {
	mu       sync.Mutex
	messages map[uint16]*InflightMessage
	maxSize  int
	nextID   uint16
	closed   bool

	receivedIDs map[uint16]time.Time
}

// NewInflightTracker creates a tracker allowing up to maxSize outstanding
// deliveries. Non positive sizes allow the whole identifier space.
func NewInflightTracker(maxSize int) *InflightTracker {
	if maxSize <= 0 || maxSize > 65535 {
		maxSize = 65535
	}
	return &InflightTracker{
		messages:    make(map[uint16]*InflightMessage),
		maxSize:     maxSize,
		receivedIDs: make(map[uint16]time.Time),
	}
}

// Add reserves a free packet identifier for a delivery on topic.
func (t *InflightTracker) Add(topic string) (*InflightMessage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrInflightClosed
	}
	if len(t.messages) >= t.maxSize {
		return nil, ErrInflightFull
	}

	// Packet ID 0 is reserved.
	for {
		t.nextID++
		if t.nextID == 0 {
			continue
		}
		if _, used := t.messages[t.nextID]; !used {
			break
		}
	}

	msg := &InflightMessage{
		PacketID: t.nextID,
		Topic:    topic,
		SentAt:   time.Now(),
		done:     make(chan error, 1),
	}
	t.messages[msg.PacketID] = msg
	return msg, nil
}

// Ack resolves and removes the delivery with packetID.
func (t *InflightTracker) Ack(packetID uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	msg, ok := t.messages[packetID]
	if !ok {
		return fmt.Errorf("ack packet ID %d: %w", packetID, ErrPacketNotFound)
	}
	delete(t.messages, packetID)
	msg.done <- nil
	return nil
}

// Remove drops a delivery without resolving it.
func (t *InflightTracker) Remove(packetID uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.messages, packetID)
}

// Count returns the number of outstanding deliveries.
func (t *InflightTracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.messages)
}

// Close fails every outstanding delivery and rejects new ones.
func (t *InflightTracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.closed = true
	for id, msg := range t.messages {
		msg.done <- ErrInflightClosed
		delete(t.messages, id)
	}
	t.receivedIDs = make(map[uint16]time.Time)
}

// --- QoS 2 inbound tracking ---

// MarkReceived records a QoS 2 publish from the client awaiting PUBREL.
func (t *InflightTracker) MarkReceived(packetID uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.receivedIDs[packetID] = time.Now()
}

// WasReceived reports whether packetID is awaiting PUBREL.
func (t *InflightTracker) WasReceived(packetID uint16) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.receivedIDs[packetID]
	return ok
}

// ClearReceived forgets packetID once PUBCOMP is sent.
func (t *InflightTracker) ClearReceived(packetID uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.receivedIDs, packetID)
}
