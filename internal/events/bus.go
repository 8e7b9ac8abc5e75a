// Package events is an in-memory pub/sub bus for run observability. Ledger
// emission publishes non-blocking events an operator surface can subscribe
// to without coupling the core to any HTTP transport.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// EventType identifies the kind of event.
type EventType string

const (
	EventRoute          EventType = "ROUTE"
	EventEscalation     EventType = "ESCALATION"
	EventPackageDone    EventType = "PACKAGE_DONE"
	EventRunCompleted   EventType = "RUN_COMPLETED"
	EventHealthChange   EventType = "HEALTH_CHANGE"
	EventPortfolioBypass EventType = "PORTFOLIO_BYPASS"
)

// Event is a single run event published on the bus.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	RunSessionID string `json:"run_session_id,omitempty"`
	PackageID    string `json:"package_id,omitempty"`

	// Routing fields.
	ModelID  string `json:"model_id,omitempty"`
	RankedBy string `json:"ranked_by,omitempty"`
	Status   string `json:"status,omitempty"`

	// Escalation fields.
	FromModelID string `json:"from_model_id,omitempty"`
	ToModelID   string `json:"to_model_id,omitempty"`

	// Cost fields.
	CostUSD      float64 `json:"cost_usd,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`

	// Health fields (populated for HEALTH_CHANGE events).
	ProviderID string `json:"provider_id,omitempty"`
	OldState   string `json:"old_state,omitempty"`
	NewState   string `json:"new_state,omitempty"`

	// Portfolio bypass fields.
	BypassReason string `json:"bypass_reason,omitempty"`
}

// JSON returns the event as a JSON byte slice.
func (e *Event) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Subscriber receives events on a channel.
type Subscriber struct {
	C    chan Event
	done chan struct{}
}

// Bus is an in-memory pub/sub event bus.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}
}

func NewBus() *Bus {
	return &Bus{subscribers: make(map[*Subscriber]struct{})}
}

// Subscribe creates a new subscriber with a buffered channel.
func (b *Bus) Subscribe(bufSize int) *Subscriber {
	if bufSize <= 0 {
		bufSize = 64
	}
	s := &Subscriber{
		C:    make(chan Event, bufSize),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	b.subscribers[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes a subscriber and closes its done channel. The event
// channel C is left open.
func (b *Bus) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	delete(b.subscribers, s)
	b.mu.Unlock()
	close(s.done)
}

// Publish sends an event to all subscribers. A slow subscriber drops events
// rather than blocking the publisher: run progress must never stall on an
// observer.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subscribers {
		select {
		case s.C <- e:
		default:
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
