package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventBatchEnqueued  EventType = "BATCH_ENQUEUED"
	EventBatchExecuted  EventType = "BATCH_EXECUTED"
	EventOrderSubmitted EventType = "ORDER_SUBMITTED"
	EventOrderFilled    EventType = "ORDER_FILLED"
	EventLegFailed      EventType = "LEG_FAILED"
	EventLegTimedOut    EventType = "LEG_TIMED_OUT"
	EventBreakerState   EventType = "BREAKER_STATE_CHANGED"
	EventRiskState      EventType = "RISK_STATE_CHANGED"
	EventEmergencyStop  EventType = "EMERGENCY_STOP"
	EventAccountRefresh EventType = "ACCOUNT_REFRESHED"
	EventAccountError   EventType = "ACCOUNT_ERROR"
	EventRebalance      EventType = "REBALANCE_TRIGGERED"
	EventPositionExit   EventType = "POSITION_EXIT_TRIGGERED"
	EventHealthChange   EventType = "HEALTH_STATUS_CHANGED"
	EventEngineStarted  EventType = "ENGINE_STARTED"
	EventEngineStopped  EventType = "ENGINE_STOPPED"
	EventError          EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber // Subscribers to all events
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	// Set timestamp if not provided
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Notify specific subscribers
	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event) // Run in goroutine to avoid blocking
		}
	}

	// Notify all-event subscribers
	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishBatchExecuted publishes the outcome of one batch execution
func (eb *EventBus) PublishBatchExecuted(batchID, symbol, action string, success bool, completed, total int, timingSpread float64) {
	eb.Publish(Event{
		Type: EventBatchExecuted,
		Data: map[string]interface{}{
			"batch_id":      batchID,
			"symbol":        symbol,
			"action":        action,
			"success":       success,
			"completed":     completed,
			"total":         total,
			"timing_spread": timingSpread,
		},
	})
}

// PublishOrderFilled publishes a confirmed fill on one account
func (eb *EventBus) PublishOrderFilled(account, orderID, symbol, side string, qty, price float64) {
	eb.Publish(Event{
		Type: EventOrderFilled,
		Data: map[string]interface{}{
			"account":  account,
			"order_id": orderID,
			"symbol":   symbol,
			"side":     side,
			"quantity": qty,
			"price":    price,
		},
	})
}

// PublishBreakerState publishes a circuit breaker transition
func (eb *EventBus) PublishBreakerState(domain, from, to, reason string) {
	eb.Publish(Event{
		Type: EventBreakerState,
		Data: map[string]interface{}{
			"domain": domain,
			"from":   from,
			"to":     to,
			"reason": reason,
		},
	})
}

// PublishRiskState publishes a risk state machine transition
func (eb *EventBus) PublishRiskState(from, to, reason string) {
	eb.Publish(Event{
		Type: EventRiskState,
		Data: map[string]interface{}{
			"from":   from,
			"to":     to,
			"reason": reason,
		},
	})
}

// PublishEmergencyStop publishes an emergency stop with its trigger
func (eb *EventBus) PublishEmergencyStop(reason, metric string, value float64) {
	eb.Publish(Event{
		Type: EventEmergencyStop,
		Data: map[string]interface{}{
			"reason": reason,
			"metric": metric,
			"value":  value,
		},
	})
}

// PublishAccountError publishes a failed account refresh
func (eb *EventBus) PublishAccountError(account string, err error) {
	data := map[string]interface{}{
		"account": account,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{
		Type: EventAccountError,
		Data: data,
	})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{
		Type: EventError,
		Data: data,
	})
}
