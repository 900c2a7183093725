// Package events publishes gateway observability events as CloudEvents 1.0
// envelopes over an in-process bus, with optional fan-out to Cloud Pub/Sub
// and live WebSocket subscribers.
package events

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the gateway.
const (
	TypeToolCall     = "mcpgate.tool_call"
	TypeDenial       = "mcpgate.denial"
	TypeShadowDenial = "mcpgate.shadow_denial"
	TypeRefund       = "mcpgate.refund"
	TypeKeyCreated   = "mcpgate.key.created"
	TypeKeyRevoked   = "mcpgate.key.revoked"
	TypeTopup        = "mcpgate.key.topup"
	TypeBackendDown  = "mcpgate.backend.down"
)

// Emitter is the interface the gate and router publish through. Both the
// in-memory EventBus and PubSubEventBus satisfy it.
type Emitter interface {
	Emit(eventType, source, keyID string, data map[string]interface{})
}

// CloudEvent is the CloudEvents 1.0 envelope for all gateway events.
type CloudEvent struct {
	SpecVersion string                 `json:"specversion"`
	Type        string                 `json:"type"`
	Source      string                 `json:"source"`
	ID          string                 `json:"id"`
	Time        time.Time              `json:"time"`
	Subject     string                 `json:"subject,omitempty"`
	KeyID       string                 `json:"keyid,omitempty"`
	Data        map[string]interface{} `json:"data"`
}

// NewCloudEvent creates a CloudEvents 1.0 compliant event. The subject is
// the API key id the event concerns.
func NewCloudEvent(eventType, source, keyID string, data map[string]interface{}) *CloudEvent {
	return &CloudEvent{
		SpecVersion: "1.0",
		Type:        eventType,
		Source:      source,
		ID:          "ce-" + uuid.NewString(),
		Time:        time.Now().UTC(),
		Subject:     keyID,
		KeyID:       keyID,
		Data:        data,
	}
}

// JSON serializes the event.
func (ce *CloudEvent) JSON() ([]byte, error) {
	return json.Marshal(ce)
}

// SSEFormat returns the event as a Server-Sent Events frame.
func (ce *CloudEvent) SSEFormat() ([]byte, error) {
	data, err := json.Marshal(ce)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\nid: %s\n\n", ce.Type, data, ce.ID)), nil
}

// EventBus is an in-process pub/sub bus. Subscribers receive CloudEvents in
// real time; slow subscribers drop events rather than block the hot path.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan *CloudEvent // eventType -> channels
	allSubs     []chan *CloudEvent
	logger      *log.Logger
	bufferSize  int
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[string][]chan *CloudEvent),
		allSubs:     make([]chan *CloudEvent, 0),
		logger:      log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
		bufferSize:  100,
	}
}

// Subscribe creates a channel that receives events of the given types.
// Pass no types to receive everything.
func (eb *EventBus) Subscribe(eventTypes ...string) chan *CloudEvent {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	ch := make(chan *CloudEvent, eb.bufferSize)
	if len(eventTypes) == 0 {
		eb.allSubs = append(eb.allSubs, ch)
	} else {
		for _, et := range eventTypes {
			eb.subscribers[et] = append(eb.subscribers[et], ch)
		}
	}
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (eb *EventBus) Unsubscribe(ch chan *CloudEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for et, subs := range eb.subscribers {
		filtered := subs[:0]
		for _, s := range subs {
			if s != ch {
				filtered = append(filtered, s)
			}
		}
		eb.subscribers[et] = filtered
	}

	filtered := eb.allSubs[:0]
	for _, s := range eb.allSubs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	eb.allSubs = filtered

	close(ch)
}

// Publish sends an event to all matching subscribers.
func (eb *EventBus) Publish(event *CloudEvent) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	for _, ch := range eb.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
			// Channel full, skip
		}
	}
	for _, ch := range eb.allSubs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Emit creates and publishes an event.
func (eb *EventBus) Emit(eventType, source, keyID string, data map[string]interface{}) {
	eb.Publish(NewCloudEvent(eventType, source, keyID, data))
}

// SubscriberCount returns the number of active subscriptions.
func (eb *EventBus) SubscriberCount() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	count := len(eb.allSubs)
	for _, subs := range eb.subscribers {
		count += len(subs)
	}
	return count
}

var _ Emitter = (*EventBus)(nil)

// Nop is an Emitter that drops everything; used where events are disabled.
type Nop struct{}

func (Nop) Emit(string, string, string, map[string]interface{}) {}
