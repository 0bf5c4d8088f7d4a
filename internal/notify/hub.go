// Package notify carries lightweight "something changed" events between
// views of the same owner context, in process and across processes.
package notify

import (
	"context"
	"sync"
)

type Kind string

const (
	KindAttachment Kind = "attachment"
	KindMessage    Kind = "message"
	KindSession    Kind = "session"
)

// Event tells sibling views that the owner's data changed. It carries no
// state; receivers re-read from the store.
type Event struct {
	OwnerContextID string `json:"owner"`
	Kind           Kind   `json:"kind"`
	SessionID      int64  `json:"sessionId,omitempty"`
	// Origin is the id of the view that caused the change.
	Origin string `json:"origin,omitempty"`
}

// Hub fans events out to subscribers in this process.
type Hub struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string]map[uint64]func(Event)
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[uint64]func(Event))}
}

// Publish delivers ev to local subscribers of its owner context.
func (h *Hub) Publish(_ context.Context, ev Event) error {
	h.Deliver(ev)
	return nil
}

// Deliver invokes every subscriber of ev's owner context.
func (h *Hub) Deliver(ev Event) {
	h.mu.RLock()
	fns := make([]func(Event), 0, len(h.subs[ev.OwnerContextID]))
	for _, fn := range h.subs[ev.OwnerContextID] {
		fns = append(fns, fn)
	}
	h.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Subscribe registers fn for events of owner and returns its cancel func.
func (h *Hub) Subscribe(owner string, fn func(Event)) func() {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	if h.subs[owner] == nil {
		h.subs[owner] = make(map[uint64]func(Event))
	}
	h.subs[owner][id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[owner], id)
			if len(h.subs[owner]) == 0 {
				delete(h.subs, owner)
			}
			h.mu.Unlock()
		})
	}
}

// SubscriberCount returns the number of subscribers for owner.
func (h *Hub) SubscriberCount(owner string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[owner])
}
