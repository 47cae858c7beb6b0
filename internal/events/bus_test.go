package events

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

type capturingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (c *capturingLogger) Printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, fmt.Sprintf(format, args...))
}

func (c *capturingLogger) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.lines)
}

func TestPublishDeliversToTypedSubscribers(t *testing.T) {
	t.Parallel()

	bus := New()
	received := make(chan Event, 1)
	bus.Subscribe(EventTypeViewUpdated, func(event Event) {
		received <- event
	})

	bus.Publish(Event{
		Type:      EventTypeViewUpdated,
		SessionID: "thr-1",
		RunID:     "run-1",
		Severity:  SeverityInfo,
	})

	select {
	case event := <-received:
		if event.SessionID != "thr-1" || event.RunID != "run-1" {
			t.Fatalf("unexpected event: %+v", event)
		}
		if event.Timestamp.IsZero() {
			t.Fatal("publish must default a zero timestamp")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for typed delivery")
	}
}

func TestPublishSkipsOtherEventTypes(t *testing.T) {
	t.Parallel()

	bus := New()
	received := make(chan Event, 1)
	bus.Subscribe(EventTypeChannelStatus, func(event Event) {
		received <- event
	})

	bus.Publish(Event{Type: EventTypeViewUpdated})

	select {
	case event := <-received:
		t.Fatalf("unexpected delivery: %+v", event)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscribeAllReceivesEveryType(t *testing.T) {
	t.Parallel()

	bus := New()
	received := make(chan Event, 2)
	bus.SubscribeAll(func(event Event) {
		received <- event
	})

	bus.Publish(Event{Type: EventTypeViewUpdated})
	bus.Publish(Event{Type: EventTypeSessionCleared})

	for range 2 {
		select {
		case <-received:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for wildcard delivery")
		}
	}
}

func TestPublishDropsWhenSubscriberBufferFull(t *testing.T) {
	t.Parallel()

	logger := &capturingLogger{}
	bus := New(WithBufferSize(1), WithLogger(logger))

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	bus.Subscribe(EventTypeNotification, func(Event) {
		started <- struct{}{}
		<-release
	})

	bus.Publish(Event{Type: EventTypeNotification})
	<-started

	// Consumer is blocked; this fills the single-slot buffer.
	bus.Publish(Event{Type: EventTypeNotification})
	// Buffer full; this one must be dropped and logged.
	bus.Publish(Event{Type: EventTypeNotification, SessionID: "thr-1"})

	deadline := time.After(2 * time.Second)
	for logger.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("expected a dropped-event log line")
		case <-time.After(10 * time.Millisecond):
		}
	}
	close(release)
}

func TestSubscribeIgnoresInvalidRegistrations(t *testing.T) {
	t.Parallel()

	bus := New()
	bus.Subscribe("", func(Event) { t.Error("handler for empty type must never run") })
	bus.Subscribe(EventTypeViewUpdated, nil)
	bus.SubscribeAll(nil)

	bus.Publish(Event{Type: EventTypeViewUpdated})
	time.Sleep(50 * time.Millisecond)
}
