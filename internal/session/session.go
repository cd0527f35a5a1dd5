// Package session tracks live agent channels. A connected agent holds
// one or more subscriptions; sends wake every subscription for the
// recipient without blocking the writer.
package session

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/basket/agentrelay/internal/bus"
)

// Notification is the wake-up pushed to a connected agent. The payload
// is a hint only; agents fetch the actual messages with get_messages.
type Notification struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// KindMessage signals that at least one new message awaits the agent.
const KindMessage = "message"

const defaultBufferSize = 16

// Subscription is one live channel for an agent.
type Subscription struct {
	ID    string
	Agent string
	Ch    chan Notification
}

// Hub fans notifications out to connected agents. Safe for concurrent
// use. Agents with no live channel miss nothing durable; the message
// log is the source of truth.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[string]*Subscription // agent name -> sub id -> sub
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[string]*Subscription)}
}

// Subscribe opens a live channel for the named agent.
func (h *Hub) Subscribe(agent string) *Subscription {
	sub := &Subscription{
		ID:    uuid.NewString(),
		Agent: agent,
		Ch:    make(chan Notification, defaultBufferSize),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	byID, ok := h.subs[agent]
	if !ok {
		byID = make(map[string]*Subscription)
		h.subs[agent] = byID
	}
	byID[sub.ID] = sub
	return sub
}

// Unsubscribe closes the subscription's channel and removes it.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	byID, ok := h.subs[sub.Agent]
	if !ok {
		return
	}
	if _, ok := byID[sub.ID]; !ok {
		return
	}
	delete(byID, sub.ID)
	if len(byID) == 0 {
		delete(h.subs, sub.Agent)
	}
	close(sub.Ch)
}

// Notify wakes every live channel for the named agent. Slow consumers
// with a full buffer drop the notification rather than block.
func (h *Hub) Notify(agent string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs[agent] {
		select {
		case sub.Ch <- Notification{Kind: KindMessage, Message: "new message available"}:
		default:
		}
	}
}

// Forward consumes message events from the bus and wakes each
// recipient's live channels. It blocks until ctx is done; run it in a
// goroutine next to the publishers.
func (h *Hub) Forward(ctx context.Context, b *bus.Bus) {
	sub := b.Subscribe(bus.TopicMessageCreated)
	defer b.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if m, ok := ev.Payload.(bus.MessageCreatedEvent); ok {
				h.Notify(m.RecipientName)
			}
		}
	}
}

// Connected reports whether the named agent has at least one live
// channel right now.
func (h *Hub) Connected(agent string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[agent]) > 0
}

// ConnectedCount returns the number of agents with a live channel.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
