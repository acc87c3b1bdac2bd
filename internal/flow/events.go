package flow

import (
	"sync"

	"github.com/BTreeMap/MealPipe/internal/models"
)

// StageObserver receives one event per completed stage.
type StageObserver func(models.StageEvent)

// EventBus fans stage-completion events out to registered observers. It is
// the explicit signaling mechanism between the orchestrator and any UI or
// transport layer; observers are invoked synchronously in registration order.
type EventBus struct {
	mu        sync.RWMutex
	observers []StageObserver
}

// NewEventBus creates an empty event bus.
func NewEventBus() *EventBus {
	return &EventBus{}
}

// Subscribe registers an observer for stage-completion events.
func (b *EventBus) Subscribe(obs StageObserver) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, obs)
}

// Publish delivers an event to all observers.
func (b *EventBus) Publish(event models.StageEvent) {
	b.mu.RLock()
	observers := make([]StageObserver, len(b.observers))
	copy(observers, b.observers)
	b.mu.RUnlock()
	for _, obs := range observers {
		obs(event)
	}
}
