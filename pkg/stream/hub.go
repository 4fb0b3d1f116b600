package stream

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types published over the live event stream.
const (
	EventNotificationCreated = "notification.created"
	EventRiskScoreUpdated    = "risk.score_updated"
	EventCheckNoteTransition = "checknote.transition"
	EventDocumentProcessed   = "document.processed"
	EventInvoiceIssued       = "invoice.issued"
	EventTaskAssigned        = "task.assigned"
)

type Event struct {
	Type   string          `json:"type"`
	Tenant string          `json:"tenant,omitempty"`
	At     string          `json:"at"`
	Data   json.RawMessage `json:"data,omitempty"`
}

func NewEvent(eventType, tenant string, data interface{}) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Event{Type: eventType, Tenant: tenant, At: time.Now().UTC().Format(time.RFC3339Nano), Data: raw}
}

type Hub struct {
	mu   sync.RWMutex
	subs map[chan Event]string
}

func NewHub() *Hub {
	return &Hub{subs: map[chan Event]string{}}
}

// Subscribe registers a subscriber scoped to a tenant. An empty tenant
// receives events for all tenants.
func (h *Hub) Subscribe(tenant string, buffer int) chan Event {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[ch] = tenant
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

// Publish delivers the event to matching subscribers without blocking.
// Slow subscribers drop events rather than stalling the publisher.
func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch, tenant := range h.subs {
		if tenant != "" && evt.Tenant != "" && tenant != evt.Tenant {
			continue
		}
		select {
		case ch <- evt:
		default:
		}
	}
}
