package entitlement

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
)

// EventType names an entitlement lifecycle event.
type EventType string

const (
	EventValidationSuccess         EventType = "validation_success"
	EventValidationFailure         EventType = "validation_failure"
	EventTrialStarted              EventType = "trial_started"
	EventDeviceActivated           EventType = "device_activated"
	EventDeviceDeactivated         EventType = "device_deactivated"
	EventOfflineModeEntered        EventType = "offline_mode_entered"
	EventOfflineGracePeriodStarted EventType = "offline_grace_period_started"
	EventOfflineGracePeriodExpired EventType = "offline_grace_period_expired"
	EventGracePeriodStarted        EventType = "grace_period_started"
	EventSoftLockTriggered         EventType = "soft_lock_triggered"
	EventPlanChanged               EventType = "plan_changed"
	EventSignedOut                 EventType = "signed_out"
)

// Event is delivered to every registered Listener.
type Event struct {
	ID              string            `json:"id"`
	Type            EventType         `json:"type"`
	Timestamp       time.Time         `json:"timestamp"`
	DeviceID        string            `json:"device_id,omitempty"`
	ResultingStatus Status            `json:"resulting_status"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Listener receives entitlement events. Implementations must not block for
// long; dispatch is synchronous.
type Listener interface {
	HandleEntitlementEvent(Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(Event)

func (f ListenerFunc) HandleEntitlementEvent(e Event) { f(e) }

// EventBus registers listeners and dispatches events to them in
// subscription order.
type EventBus struct {
	mu        sync.RWMutex
	listeners map[string]Listener
	order     []string

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{
		listeners: make(map[string]Listener),
		entropy:   ulid.Monotonic(rand.Reader, 0),
	}
}

// Subscribe registers l and returns an id for Unsubscribe.
func (b *EventBus) Subscribe(l Listener) string {
	id := b.newID(time.Now())

	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners[id] = l
	b.order = append(b.order, id)
	return id
}

// Unsubscribe removes the listener registered under id. It reports whether a
// listener was removed.
func (b *EventBus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.listeners[id]; !ok {
		return false
	}
	delete(b.listeners, id)
	for i, existing := range b.order {
		if existing == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	return true
}

// Len returns the number of registered listeners.
func (b *EventBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// Publish delivers evt to every listener. A panicking listener is recovered
// and logged; the remaining listeners still run.
func (b *EventBus) Publish(evt Event) {
	if b == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	if evt.ID == "" {
		evt.ID = b.newID(evt.Timestamp)
	}

	b.mu.RLock()
	targets := make([]Listener, 0, len(b.order))
	for _, id := range b.order {
		targets = append(targets, b.listeners[id])
	}
	b.mu.RUnlock()

	for _, l := range targets {
		b.deliver(l, evt)
	}
}

func (b *EventBus) deliver(l Listener, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn().
				Str("event", string(evt.Type)).
				Str("event_id", evt.ID).
				Str("panic", fmt.Sprint(r)).
				Msg("Entitlement event listener panicked")
		}
	}()
	l.HandleEntitlementEvent(evt)
}

func (b *EventBus) newID(t time.Time) string {
	b.entropyMu.Lock()
	defer b.entropyMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(t), b.entropy)
	if err != nil {
		// Monotonic entropy overflows only within one millisecond.
		return ulid.Make().String()
	}
	return id.String()
}
