package events

import (
	"context"
	"errors"
	"testing"

	"AgentMesh/internal/identity"
)

func TestFanoutDeliversToAllSinks(t *testing.T) {
	var first, second []Type
	bus := NewFanout(
		SinkFunc{SinkName: "first", Fn: func(_ context.Context, event Event) error {
			first = append(first, event.Type)
			return nil
		}},
		nil,
		SinkFunc{SinkName: "second", Fn: func(_ context.Context, event Event) error {
			second = append(second, event.Type)
			return nil
		}},
	)

	bus.Publish(context.Background(), Event{Type: TypeTaskCreated, Actor: identity.Normalize("alice")})
	bus.Publish(context.Background(), Event{Type: TypeTaskCompleted})

	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("expected both sinks to receive 2 events, got %d/%d", len(first), len(second))
	}
	if first[0] != TypeTaskCreated || second[1] != TypeTaskCompleted {
		t.Fatalf("unexpected delivery order: %v %v", first, second)
	}
}

func TestFanoutSinkFailureDoesNotStopOthers(t *testing.T) {
	var delivered int
	bus := NewFanout(
		SinkFunc{SinkName: "broken", Fn: func(context.Context, Event) error {
			return errors.New("sink exploded")
		}},
		SinkFunc{SinkName: "working", Fn: func(context.Context, Event) error {
			delivered++
			return nil
		}},
	)

	bus.Publish(context.Background(), Event{Type: TypeAgentRegistered})
	if delivered != 1 {
		t.Fatalf("expected delivery despite failing sink, got %d", delivered)
	}
}

func TestFanoutStampsOccurredAt(t *testing.T) {
	var got Event
	bus := NewFanout(SinkFunc{SinkName: "capture", Fn: func(_ context.Context, event Event) error {
		got = event
		return nil
	}})

	bus.Publish(context.Background(), Event{Type: TypeConnected})
	if got.OccurredAt.IsZero() {
		t.Fatal("expected occurred_at to be stamped")
	}
}
