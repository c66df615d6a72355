package notify

import (
	"context"
	"sync"
)

const subscriberBuffer = 10

// Hub fans events out to in-process subscribers keyed by user id.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string][]chan Event
}

func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[string][]chan Event),
	}
}

// Subscribe returns a channel of the user's events and a function that
// unsubscribes and closes it.
func (h *Hub) Subscribe(userID string) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	h.subscribers[userID] = append(h.subscribers[userID], ch)

	var once sync.Once
	return ch, func() {
		once.Do(func() { h.unsubscribe(userID, ch) })
	}
}

func (h *Hub) unsubscribe(userID string, ch chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subscribers[userID]
	for i, c := range subs {
		if c == ch {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(h.subscribers, userID)
	} else {
		h.subscribers[userID] = subs
	}
	close(ch)
}

func (h *Hub) Publish(_ context.Context, evt Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, userID := range evt.Recipients {
		for _, ch := range h.subscribers[userID] {
			select {
			case ch <- evt:
			default:
				// Channel full, skip (don't block)
			}
		}
	}
	return nil
}
