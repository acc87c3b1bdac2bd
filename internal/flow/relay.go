package flow

import (
	"log/slog"
	"sync"

	"github.com/BTreeMap/MealPipe/internal/models"
)

// Relay carries coarse-grained progress events from the generation pipeline
// to any listener, keyed by conversation id.
type Relay interface {
	Publish(event models.ProgressEvent)
	// Subscribe returns a channel of events for one conversation and a cancel
	// function that releases the subscription.
	Subscribe(conversationID string) (<-chan models.ProgressEvent, func())
}

// subscriberBuffer bounds each subscriber channel. Slow listeners drop
// events rather than block the pipeline.
const subscriberBuffer = 16

// InProcessRelay is a channel-based Relay for single-process deployments.
type InProcessRelay struct {
	mu   sync.RWMutex
	subs map[string][]chan models.ProgressEvent
}

// NewInProcessRelay creates an empty in-process relay.
func NewInProcessRelay() *InProcessRelay {
	return &InProcessRelay{subs: make(map[string][]chan models.ProgressEvent)}
}

func (r *InProcessRelay) Publish(event models.ProgressEvent) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ch := range r.subs[event.ConversationID] {
		select {
		case ch <- event:
		default:
			slog.Debug("InProcessRelay dropping event for slow subscriber",
				"conversationID", event.ConversationID, "step", event.Step)
		}
	}
}

func (r *InProcessRelay) Subscribe(conversationID string) (<-chan models.ProgressEvent, func()) {
	ch := make(chan models.ProgressEvent, subscriberBuffer)

	r.mu.Lock()
	r.subs[conversationID] = append(r.subs[conversationID], ch)
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		subs := r.subs[conversationID]
		for i, c := range subs {
			if c == ch {
				r.subs[conversationID] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
		if len(r.subs[conversationID]) == 0 {
			delete(r.subs, conversationID)
		}
	}
	return ch, cancel
}

var _ Relay = (*InProcessRelay)(nil)
