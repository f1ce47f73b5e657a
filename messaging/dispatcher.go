package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/stagemq/stagemq-go/contracts"
)

// WildcardType subscribes a callback to every event type.
const WildcardType = "*"

// EventCallback observes an event. Observers cannot influence the dispatch
// decision.
type EventCallback func(event *contracts.Event, contextID string)

// DecisionCallback processes an event and votes on acknowledgment. The event
// is acknowledged when at least one decider returns true.
type DecisionCallback func(event *contracts.Event, contextID string) bool

// FollowCallback receives every event whose CONTEXT link targets the
// followed id.
type FollowCallback func(event *contracts.Event)

// Dispatcher routes decoded lifecycle events to callbacks registered per
// event type and implements Handler, so it plugs straight into a
// Subscriber.
//
// Decision semantics: with no deciders registered for a type the event is
// acknowledged after the observers ran. With deciders, the event is
// acknowledged if any of them returns true, otherwise requeued (and so
// subject to the subscriber's requeue limit). A panicking callback requeues
// the event; an undecodable payload is rejected via the returned error.
type Dispatcher struct {
	mu        sync.RWMutex
	observers map[string][]*observerEntry
	deciders  map[string][]*deciderEntry
	followers map[string][]*followerEntry
	logger    *slog.Logger
}

type observerEntry struct{ fn EventCallback }
type deciderEntry struct{ fn DecisionCallback }
type followerEntry struct{ fn FollowCallback }

// DispatcherOption configures the Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(options ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		observers: make(map[string][]*observerEntry),
		deciders:  make(map[string][]*deciderEntry),
		followers: make(map[string][]*followerEntry),
		logger:    slog.Default(),
	}

	for _, opt := range options {
		opt(d)
	}

	return d
}

// Subscribe registers an observer for an event type (or WildcardType). The
// returned function removes the registration.
func (d *Dispatcher) Subscribe(eventType string, cb EventCallback) func() {
	entry := &observerEntry{fn: cb}
	d.mu.Lock()
	d.observers[eventType] = append(d.observers[eventType], entry)
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.observers[eventType] = removeEntry(d.observers[eventType], entry)
	}
}

// SubscribeDecider registers a callback that votes on acknowledgment for an
// event type (or WildcardType). The returned function removes the
// registration.
func (d *Dispatcher) SubscribeDecider(eventType string, cb DecisionCallback) func() {
	entry := &deciderEntry{fn: cb}
	d.mu.Lock()
	d.deciders[eventType] = append(d.deciders[eventType], entry)
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.deciders[eventType] = removeEntry(d.deciders[eventType], entry)
	}
}

// Follow subscribes to all events linked to the given context id. The
// returned function removes the registration.
func (d *Dispatcher) Follow(contextID string, cb FollowCallback) func() {
	entry := &followerEntry{fn: cb}
	d.mu.Lock()
	d.followers[contextID] = append(d.followers[contextID], entry)
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.followers[contextID] = removeEntry(d.followers[contextID], entry)
	}
}

// Handle implements Handler.
func (d *Dispatcher) Handle(ctx context.Context, body []byte) (DispatchDecision, error) {
	event := &contracts.Event{}
	if err := event.Rebuild(body); err != nil {
		return Reject, fmt.Errorf("messaging: undeliverable event: %w", err)
	}

	contextID := event.Context()
	observers, deciders, followers := d.snapshot(event.Type(), contextID)

	ack, err := d.deliver(event, contextID, observers, deciders, followers)
	if err != nil {
		// A callback blew up; some callbacks may not have run. Requeue
		// and let the redelivery limit cap repeated failures.
		d.logger.Error("event callback panicked, requeueing",
			"eventType", event.Type(),
			"eventId", event.ID(),
			"panic", err,
		)
		return Requeue, nil
	}
	if ack {
		return Acknowledge, nil
	}
	return Requeue, nil
}

func (d *Dispatcher) snapshot(eventType, contextID string) ([]*observerEntry, []*deciderEntry, []*followerEntry) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	observers := append([]*observerEntry{}, d.observers[eventType]...)
	observers = append(observers, d.observers[WildcardType]...)
	deciders := append([]*deciderEntry{}, d.deciders[eventType]...)
	deciders = append(deciders, d.deciders[WildcardType]...)
	var followers []*followerEntry
	if contextID != "" {
		followers = append(followers, d.followers[contextID]...)
	}
	return observers, deciders, followers
}

func (d *Dispatcher) deliver(
	event *contracts.Event,
	contextID string,
	observers []*observerEntry,
	deciders []*deciderEntry,
	followers []*followerEntry,
) (ack bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback panic: %v", r)
		}
	}()

	for _, entry := range observers {
		entry.fn(event, contextID)
	}

	ack = true
	if len(deciders) > 0 {
		ack = false
		for _, entry := range deciders {
			if entry.fn(event, contextID) {
				ack = true
			}
		}
	}

	for _, entry := range followers {
		entry.fn(event)
	}
	return ack, nil
}

func removeEntry[T comparable](entries []T, target T) []T {
	for i, e := range entries {
		if e == target {
			return append(entries[:i], entries[i+1:]...)
		}
	}
	return entries
}
