// Package events publishes workflow and scheme lifecycle notifications.
package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrBusClosed indicates the event bus has been closed.
	ErrBusClosed = errors.New("event bus is closed")
	// ErrChannelFull indicates the event channel is full and cannot accept more events.
	ErrChannelFull = errors.New("event channel is full")
	// ErrNoHandler indicates no handlers are registered for the event type.
	ErrNoHandler = errors.New("no handlers registered for event type")
)

// Type names a lifecycle event.
type Type string

// Lifecycle events.
const (
	WorkflowCreated        Type = "workflow_created"
	WorkflowUpdated        Type = "workflow_updated"
	WorkflowDeleted        Type = "workflow_deleted"
	WorkflowCopied         Type = "workflow_copied"
	WorkflowRenamed        Type = "workflow_renamed"
	DraftWorkflowCreated   Type = "draft_workflow_created"
	DraftWorkflowDeleted   Type = "draft_workflow_deleted"
	DraftWorkflowPublished Type = "draft_workflow_published"
	SchemeCreated          Type = "workflow_scheme_created"
	SchemeUpdated          Type = "workflow_scheme_updated"
	SchemeDeleted          Type = "workflow_scheme_deleted"
	SchemeCopied           Type = "workflow_scheme_copied"
	SchemeAddedToProject   Type = "workflow_scheme_added_to_project"
	SchemeRemovedFromProj  Type = "workflow_scheme_removed_from_project"
	DraftSchemeCreated     Type = "draft_workflow_scheme_created"
	DraftSchemeUpdated     Type = "draft_workflow_scheme_updated"
	DraftSchemeDeleted     Type = "draft_workflow_scheme_deleted"
	IssueTransitioned      Type = "issue_transitioned"

	// AllEvents subscribes a handler to every type.
	AllEvents Type = "*"
)

// Event represents a lifecycle notification.
type Event struct {
	Type    Type                   // e.g. workflow_created
	Subject string                 // workflow name or scheme id
	Actor   string                 // user key, "" for system
	At      time.Time              // publish time
	Data    map[string]interface{} // Additional event data
}

// Notifier is the fire-and-forget publishing side the repositories depend on.
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// NopNotifier drops every event.
type NopNotifier struct{}

// Notify implements Notifier.
func (NopNotifier) Notify(context.Context, Event) {}

// EventHandler defines the interface for handling events.
type EventHandler interface {
	Handle(ctx context.Context, event Event) error
}

// EventHandlerFunc is a function adapter for EventHandler.
type EventHandlerFunc func(ctx context.Context, event Event) error

// Handle implements the EventHandler interface.
func (f EventHandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// EventBus manages event subscriptions and publishing.
type EventBus struct {
	handlers     map[Type][]EventHandler
	mu           sync.RWMutex
	eventCh      chan Event
	errHandler   func(event Event, err error)
	errHandlerMu sync.RWMutex
	logger       *slog.Logger
	wg           sync.WaitGroup
	closed       bool
	closeMu      sync.RWMutex
}

// EventBusOption defines functional options for configuring EventBus.
type EventBusOption func(*EventBus)

// WithBufferSize sets the event channel buffer size.
func WithBufferSize(size int) EventBusOption {
	return func(eb *EventBus) {
		if size > 0 {
			eb.eventCh = make(chan Event, size)
		}
	}
}

// WithErrorHandler sets a custom error handler function.
func WithErrorHandler(handler func(event Event, err error)) EventBusOption {
	return func(eb *EventBus) {
		eb.errHandlerMu.Lock()
		defer eb.errHandlerMu.Unlock()
		eb.errHandler = handler
	}
}

// WithLogger sets the logger used by the default error handler and for dropped events.
func WithLogger(logger *slog.Logger) EventBusOption {
	return func(eb *EventBus) {
		if logger != nil {
			eb.logger = logger
		}
	}
}

// NewEventBus creates a new EventBus instance with async processing.
// The default buffer size is 100; handler errors are logged unless WithErrorHandler is given.
func NewEventBus(options ...EventBusOption) *EventBus {
	eb := &EventBus{
		handlers: make(map[Type][]EventHandler),
		eventCh:  make(chan Event, 100),
		logger:   slog.Default(),
	}

	for _, option := range options {
		option(eb)
	}
	if eb.errHandler == nil {
		eb.errHandler = eb.logHandlerError
	}

	eb.wg.Add(1)
	go eb.processEvents()

	return eb
}

// Subscribe subscribes a handler to an event type.
func (eb *EventBus) Subscribe(eventType Type, handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.handlers[eventType] = append(eb.handlers[eventType], handler)
}

// SubscribeFunc subscribes a function as a handler to an event type.
func (eb *EventBus) SubscribeFunc(eventType Type, handlerFunc func(ctx context.Context, event Event) error) {
	eb.Subscribe(eventType, EventHandlerFunc(handlerFunc))
}

// Unsubscribe removes a specific handler from an event type.
// Returns true if the handler was found and removed, false otherwise.
func (eb *EventBus) Unsubscribe(eventType Type, handler EventHandler) bool {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	handlers, exists := eb.handlers[eventType]
	if !exists {
		return false
	}

	for i, h := range handlers {
		if sameHandler(h, handler) {
			eb.handlers[eventType] = append(handlers[:i:i], handlers[i+1:]...)
			if len(eb.handlers[eventType]) == 0 {
				delete(eb.handlers, eventType)
			}
			return true
		}
	}
	return false
}

// sameHandler compares handlers by identity; func adapters are never equal.
func sameHandler(a, b EventHandler) (same bool) {
	defer func() {
		if recover() != nil {
			same = false
		}
	}()
	return a == b
}

// HasSubscribers checks if there are any subscribers for a given event type.
func (eb *EventBus) HasSubscribers(eventType Type) bool {
	return len(eb.handlersFor(eventType)) > 0
}

func (eb *EventBus) handlersFor(eventType Type) []EventHandler {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	out := make([]EventHandler, 0, len(eb.handlers[eventType])+len(eb.handlers[AllEvents]))
	out = append(out, eb.handlers[eventType]...)
	if eventType != AllEvents {
		out = append(out, eb.handlers[AllEvents]...)
	}
	return out
}

// Publish publishes an event asynchronously to all subscribed handlers.
// Returns an error if the context is canceled, the bus is closed, or the channel is full.
func (eb *EventBus) Publish(ctx context.Context, event Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	eb.closeMu.RLock()
	defer eb.closeMu.RUnlock()
	if eb.closed {
		return ErrBusClosed
	}

	if !eb.HasSubscribers(event.Type) {
		return ErrNoHandler
	}
	if event.At.IsZero() {
		event.At = time.Now()
	}

	select {
	case eb.eventCh <- event:
		return nil
	default:
		return ErrChannelFull
	}
}

// Notify publishes without reporting failures; a full buffer or closed bus drops the event.
func (eb *EventBus) Notify(ctx context.Context, event Event) {
	err := eb.Publish(context.WithoutCancel(ctx), event)
	if err != nil && !errors.Is(err, ErrNoHandler) {
		eb.logger.Warn("dropped lifecycle event", "type", event.Type, "subject", event.Subject, "error", err)
	}
}

// PublishSync publishes an event synchronously and returns all handler errors.
// Execution is subject to a 5-second timeout unless the context specifies otherwise.
func (eb *EventBus) PublishSync(ctx context.Context, event Event) []error {
	eb.closeMu.RLock()
	if eb.closed {
		eb.closeMu.RUnlock()
		return []error{ErrBusClosed}
	}
	eb.closeMu.RUnlock()

	handlers := eb.handlersFor(event.Type)
	if len(handlers) == 0 {
		return []error{ErrNoHandler}
	}
	if event.At.IsZero() {
		event.At = time.Now()
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return eb.executeHandlers(timeoutCtx, handlers, event)
}

// Stop stops the event processing goroutine and waits for queued events to be handled.
func (eb *EventBus) Stop() {
	eb.closeMu.Lock()
	if !eb.closed {
		eb.closed = true
		close(eb.eventCh)
	}
	eb.closeMu.Unlock()

	eb.wg.Wait()
}

// processEvents handles events asynchronously in a separate goroutine.
func (eb *EventBus) processEvents() {
	defer eb.wg.Done()

	for event := range eb.eventCh {
		handlers := eb.handlersFor(event.Type)
		if len(handlers) == 0 {
			continue
		}

		errs := eb.executeHandlers(context.Background(), handlers, event)

		eb.errHandlerMu.RLock()
		handler := eb.errHandler
		eb.errHandlerMu.RUnlock()

		for _, err := range errs {
			handler(event, err)
		}
	}
}

// executeHandlers executes all handlers for an event and collects errors.
// Handlers are run concurrently, and the function waits for all to complete.
func (eb *EventBus) executeHandlers(ctx context.Context, handlers []EventHandler, event Event) []error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(handlers))

	for _, handler := range handlers {
		wg.Add(1)
		go func(h EventHandler) {
			defer wg.Done()
			if err := h.Handle(ctx, event); err != nil {
				errCh <- err
			}
		}(handler)
	}

	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}

	return errs
}

func (eb *EventBus) logHandlerError(event Event, err error) {
	eb.logger.Error("event handler failed", "type", event.Type, "subject", event.Subject, "error", err)
}
