package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the engine
type EventType string

const (
	EventOpportunityFound   EventType = "OPPORTUNITY_FOUND"
	EventOpportunityReject  EventType = "OPPORTUNITY_REJECTED"
	EventEntryStarted       EventType = "ENTRY_STARTED"
	EventEntryBatchFilled   EventType = "ENTRY_BATCH_FILLED"
	EventEntryCompleted     EventType = "ENTRY_COMPLETED"
	EventEntryAborted       EventType = "ENTRY_ABORTED"
	EventPositionOpened     EventType = "POSITION_OPENED"
	EventPositionClosed     EventType = "POSITION_CLOSED"
	EventSupervisorRestart  EventType = "SUPERVISOR_RESTART"
	EventOptimizerCompleted EventType = "OPTIMIZER_COMPLETED"
	EventTradingToggled     EventType = "TRADING_TOGGLED"
	EventRegimeChanged      EventType = "REGIME_CHANGED"
	EventEngineStarted      EventType = "ENGINE_STARTED"
	EventEngineStopped      EventType = "ENGINE_STOPPED"
	EventError              EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Account   string                 `json:"account,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// Bus manages event publishing and subscriptions. Subscribers run on their
// own goroutines; publishers never block on a slow consumer.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[EventType][]Subscriber),
	}
}

// Subscribe registers a subscriber for a specific event type
func (b *Bus) Subscribe(eventType EventType, subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (b *Bus) SubscribeAll(subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allSubs = append(b.allSubs, subscriber)
}

// Publish sends an event to all subscribers
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	for _, sub := range b.subscribers[event.Type] {
		go sub(event)
	}
	for _, sub := range b.allSubs {
		go sub(event)
	}
}

// PublishPositionClosed publishes a position closed event
func (b *Bus) PublishPositionClosed(account, positionID, symbol, side, reason string, realizedPnL float64) {
	b.Publish(Event{
		Type:    EventPositionClosed,
		Account: account,
		Data: map[string]interface{}{
			"position_id":  positionID,
			"symbol":       symbol,
			"side":         side,
			"close_reason": reason,
			"realized_pnl": realizedPnL,
		},
	})
}

// PublishEntryCompleted publishes an entry completed event
func (b *Bus) PublishEntryCompleted(account, positionID, symbol, side string, avgEntry float64, batches int) {
	b.Publish(Event{
		Type:    EventEntryCompleted,
		Account: account,
		Data: map[string]interface{}{
			"position_id": positionID,
			"symbol":      symbol,
			"side":        side,
			"avg_entry":   avgEntry,
			"batches":     batches,
		},
	})
}

// PublishError publishes an error event
func (b *Bus) PublishError(account, source string, err error) {
	b.Publish(Event{
		Type:    EventError,
		Account: account,
		Data: map[string]interface{}{
			"source": source,
			"error":  err.Error(),
		},
	})
}
