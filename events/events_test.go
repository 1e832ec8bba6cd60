package events

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var lifecycleTypes = []Type{
	WorkflowCreated, WorkflowUpdated, WorkflowDeleted, WorkflowCopied, WorkflowRenamed,
	DraftWorkflowCreated, DraftWorkflowDeleted, DraftWorkflowPublished,
	SchemeCreated, SchemeUpdated, SchemeDeleted, SchemeCopied,
	SchemeAddedToProject, SchemeRemovedFromProj,
	DraftSchemeCreated, DraftSchemeUpdated, DraftSchemeDeleted,
	IssueTransitioned,
}

// recorder collects delivered events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Handle(ctx context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recorder) types() []Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Type, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func TestLifecycleTypesAreDistinct(t *testing.T) {
	seen := make(map[Type]bool)
	for _, typ := range lifecycleTypes {
		assert.NotEmpty(t, typ)
		assert.NotEqual(t, AllEvents, typ)
		assert.False(t, seen[typ], "duplicate type %s", typ)
		seen[typ] = true
	}
}

func TestEventBusRoutesByType(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	workflows, projects, all := &recorder{}, &recorder{}, &recorder{}
	eb.Subscribe(WorkflowCreated, workflows)
	eb.Subscribe(SchemeAddedToProject, projects)
	eb.Subscribe(AllEvents, all)

	ctx := context.Background()
	for _, typ := range lifecycleTypes {
		assert.Empty(t, eb.PublishSync(ctx, Event{Type: typ, Subject: "Bug Flow", Actor: "admin"}))
	}

	assert.Equal(t, []Type{WorkflowCreated}, workflows.types())
	assert.Equal(t, []Type{SchemeAddedToProject}, projects.types())
	assert.ElementsMatch(t, lifecycleTypes, all.types())
	assert.True(t, eb.HasSubscribers(IssueTransitioned))
}

func TestEventBusWithoutSubscribers(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	assert.False(t, eb.HasSubscribers(SchemeDeleted))
	assert.ErrorIs(t, eb.Publish(context.Background(), Event{Type: SchemeDeleted}), ErrNoHandler)
	assert.Equal(t, []error{ErrNoHandler}, eb.PublishSync(context.Background(), Event{Type: SchemeDeleted}))
}

func TestEventBusStampsPublishTime(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()
	rec := &recorder{}
	eb.Subscribe(DraftWorkflowPublished, rec)

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	eb.PublishSync(context.Background(), Event{Type: DraftWorkflowPublished, Subject: "Bug Flow"})
	eb.PublishSync(context.Background(), Event{Type: DraftWorkflowPublished, Subject: "Bug Flow", At: at})

	require.Len(t, rec.events, 2)
	assert.False(t, rec.events[0].At.IsZero())
	assert.Equal(t, at, rec.events[1].At)
}

func TestEventBusUnsubscribe(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	first, second := &recorder{}, &recorder{}
	eb.Subscribe(WorkflowRenamed, first)
	eb.Subscribe(WorkflowRenamed, second)

	assert.True(t, eb.Unsubscribe(WorkflowRenamed, first))
	assert.False(t, eb.Unsubscribe(WorkflowRenamed, first))
	assert.False(t, eb.Unsubscribe(WorkflowCopied, second))

	eb.PublishSync(context.Background(), Event{Type: WorkflowRenamed, Subject: "Old"})
	assert.Empty(t, first.types())
	assert.Equal(t, []Type{WorkflowRenamed}, second.types())

	// func adapters cannot be compared and are never matched
	fn := EventHandlerFunc(func(ctx context.Context, event Event) error { return nil })
	eb.Subscribe(WorkflowDeleted, fn)
	assert.False(t, eb.Unsubscribe(WorkflowDeleted, fn))
	assert.True(t, eb.HasSubscribers(WorkflowDeleted))

	assert.True(t, eb.Unsubscribe(WorkflowRenamed, second))
	assert.False(t, eb.HasSubscribers(WorkflowRenamed))
}

func TestEventBusHandlerErrors(t *testing.T) {
	boom := errors.New("boom")
	failed := make(chan Event, 1)
	eb := NewEventBus(
		WithBufferSize(4),
		WithErrorHandler(func(event Event, err error) {
			assert.ErrorIs(t, err, boom)
			failed <- event
		}),
	)
	defer eb.Stop()
	assert.Equal(t, 4, cap(eb.eventCh))

	eb.SubscribeFunc(SchemeUpdated, func(ctx context.Context, event Event) error { return boom })

	assert.Equal(t, []error{boom}, eb.PublishSync(context.Background(), Event{Type: SchemeUpdated}))

	require.NoError(t, eb.Publish(context.Background(), Event{Type: SchemeUpdated, Subject: "10000"}))
	select {
	case e := <-failed:
		assert.Equal(t, "10000", e.Subject)
	case <-time.After(time.Second):
		t.Fatal("error handler was not called")
	}
}

func TestEventBusLogsHandlerErrors(t *testing.T) {
	var logs bytes.Buffer
	eb := NewEventBus(WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))
	eb.SubscribeFunc(DraftSchemeDeleted, func(ctx context.Context, event Event) error {
		return errors.New("boom")
	})

	require.NoError(t, eb.Publish(context.Background(), Event{Type: DraftSchemeDeleted, Subject: "10001"}))
	eb.Stop()

	assert.Contains(t, logs.String(), "event handler failed")
	assert.Contains(t, logs.String(), "type=draft_workflow_scheme_deleted")
}

func TestPublishHonoursCanceledContext(t *testing.T) {
	eb := NewEventBus()
	rec := &recorder{}
	eb.Subscribe(WorkflowUpdated, rec)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, eb.Publish(ctx, Event{Type: WorkflowUpdated}), context.Canceled)

	// Notify outlives the caller's context
	eb.Notify(ctx, Event{Type: WorkflowUpdated, Subject: "Bug Flow"})
	eb.Stop()
	assert.Equal(t, []Type{WorkflowUpdated}, rec.types())
}

func TestNotifiers(t *testing.T) {
	var logs bytes.Buffer
	eb := NewEventBus(WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))
	rec := &recorder{}
	eb.Subscribe(WorkflowCopied, rec)

	for _, n := range []Notifier{NopNotifier{}, eb} {
		n.Notify(context.Background(), Event{Type: WorkflowCopied, Subject: "Bug Flow"})
		n.Notify(context.Background(), Event{Type: SchemeCopied, Subject: "10000"})
	}
	eb.Stop()
	assert.Equal(t, []Type{WorkflowCopied}, rec.types())
	assert.NotContains(t, logs.String(), "dropped lifecycle event")

	eb.Notify(context.Background(), Event{Type: WorkflowCopied, Subject: "late"})
	assert.Contains(t, logs.String(), "dropped lifecycle event")
	assert.Len(t, rec.types(), 1)
}

func TestStopDeliversQueuedEvents(t *testing.T) {
	eb := NewEventBus()
	rec := &recorder{}
	eb.Subscribe(IssueTransitioned, rec)
	for i := 0; i < 10; i++ {
		require.NoError(t, eb.Publish(context.Background(), Event{Type: IssueTransitioned}))
	}
	eb.Stop()

	assert.Len(t, rec.types(), 10)
	assert.ErrorIs(t, eb.Publish(context.Background(), Event{Type: IssueTransitioned}), ErrBusClosed)
	assert.Equal(t, []error{ErrBusClosed}, eb.PublishSync(context.Background(), Event{Type: IssueTransitioned}))
}
