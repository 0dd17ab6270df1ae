// Package events is the in-process broadcast bus for gateway lifecycle
// events. Delivery is multi-consumer, bounded, and lossy: a subscriber that
// stops draining its channel misses events instead of blocking publishers.
// The contract is at-least-zero delivery to current subscribers.
package events

import (
	"sync"
	"time"
)

// Type identifies a class of gateway event.
type Type string

const (
	TypeApprovalRequest  Type = "approval_request"
	TypeApprovalResponse Type = "approval_response"
	TypeApprovalTimeout  Type = "approval_timeout"
	TypeCommandEnqueued  Type = "command_enqueued"
	TypeCommandCompleted Type = "command_completed"
	TypeDeviceOnline     Type = "device_online"
	TypeDeviceOffline    Type = "device_offline"
)

// Event is one gateway occurrence. Data holds the event-specific payload;
// RequestID carries the correlation id of the operation that produced it.
type Event struct {
	Type      Type           `json:"type"`
	TenantID  string         `json:"tenantId,omitempty"`
	RequestID string         `json:"requestId,omitempty"`
	Time      time.Time      `json:"time"`
	Data      map[string]any `json:"data,omitempty"`
}

const defaultBuffer = 64

// Bus fans events out to subscriber channels.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Type][]chan Event
	all    []chan Event
	buffer int
	closed bool
}

func NewBus() *Bus {
	return &Bus{
		subs:   make(map[Type][]chan Event),
		buffer: defaultBuffer,
	}
}

// Subscribe returns a channel receiving events of the given types, or every
// event when no type is named. The channel is closed by Unsubscribe or Close.
func (b *Bus) Subscribe(types ...Type) chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.buffer)
	if b.closed {
		close(ch)
		return ch
	}
	if len(types) == 0 {
		b.all = append(b.all, ch)
	} else {
		for _, t := range types {
			b.subs[t] = append(b.subs[t], ch)
		}
	}
	return ch
}

// Unsubscribe removes the channel from every subscription list and closes it.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	for t, subs := range b.subs {
		b.subs[t] = without(subs, ch)
	}
	b.all = without(b.all, ch)
	close(ch)
}

// Publish delivers the event to all matching subscribers. Full channels are
// skipped.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, ch := range b.subs[ev.Type] {
		select {
		case ch <- ev:
		default:
		}
	}
	for _, ch := range b.all {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close shuts the bus down and closes every subscriber channel. Publishes
// after Close are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true

	seen := make(map[chan Event]bool)
	for _, subs := range b.subs {
		for _, ch := range subs {
			if !seen[ch] {
				seen[ch] = true
				close(ch)
			}
		}
	}
	for _, ch := range b.all {
		if !seen[ch] {
			seen[ch] = true
			close(ch)
		}
	}
	b.subs = make(map[Type][]chan Event)
	b.all = nil
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := len(b.all)
	for _, subs := range b.subs {
		n += len(subs)
	}
	return n
}

func without(subs []chan Event, ch chan Event) []chan Event {
	out := subs[:0]
	for _, s := range subs {
		if s != ch {
			out = append(out, s)
		}
	}
	return out
}
