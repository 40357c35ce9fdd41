package pipeline

import (
	"sync"
	"time"
)

// EventType names a live pipeline event.
type EventType string

const (
	// EventDiscovery is published when the scanner buffers a new contact.
	EventDiscovery EventType = "discovery"
	// EventCycle is published after every sender cycle.
	EventCycle EventType = "cycle"
)

// Event is one live notification for operators watching the pipeline.
type Event struct {
	Type       EventType `json:"type"`
	At         time.Time `json:"at"`
	Contact    string    `json:"contact,omitempty"`
	Source     string    `json:"source,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	CycleID    string    `json:"cycle_id,omitempty"`
	Outcome    string    `json:"outcome,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	VariantID  string    `json:"variant_id,omitempty"`
	DelayMs    int64     `json:"delay_ms,omitempty"`
}

// hub fans events out to subscribers. A subscriber that falls behind
// loses events rather than stalling the publisher.
type hub struct {
	mu     sync.Mutex
	subs   map[chan Event]struct{}
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[chan Event]struct{})}
}

func (h *hub) subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = struct{}{}
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[ch]; ok {
				delete(h.subs, ch)
				close(ch)
			}
		})
	}
}

func (h *hub) publish(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}

// Subscribe returns a channel of live events and a function that ends the
// subscription. The channel is closed when the pipeline closes.
func (p *Pipeline) Subscribe(buffer int) (<-chan Event, func()) {
	return p.events.subscribe(buffer)
}
