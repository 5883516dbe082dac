// Package stream fans order events out to connected admin consoles.
package stream

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

const (
	TypeReady      = "ready"
	TypeTransition = "order.transition"
	TypeSettled    = "order.settled"
)

type Event struct {
	Type    string          `json:"type"`
	OrderID string          `json:"orderId,omitempty"`
	At      string          `json:"at"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func NewEvent(eventType, orderID string, data any) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Event{Type: eventType, OrderID: orderID, At: time.Now().UTC().Format(time.RFC3339Nano), Data: raw}
}

// Hub broadcasts to subscribers without blocking: a subscriber whose buffer
// is full misses the event.
type Hub struct {
	mu      sync.RWMutex
	subs    map[chan Event]struct{}
	dropped atomic.Int64
}

func NewHub() *Hub {
	return &Hub{subs: map[chan Event]struct{}{}}
}

func (h *Hub) Subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	if exists {
		delete(h.subs, ch)
	}
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped counts deliveries skipped because a subscriber was behind.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }
