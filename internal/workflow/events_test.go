package workflow

import (
	"testing"
)

func publishN(b *EventBus, tenant, run, wf string, types ...EventType) {
	for _, t := range types {
		b.Publish(Event{TenantID: tenant, RunID: run, WorkflowID: wf, Type: t})
	}
}

func TestEventBusSequencePerRun(t *testing.T) {
	bus := NewEventBus(16)
	ch := bus.SubscribeToRun("acme", "run-1", 8)
	defer bus.Unsubscribe(ch)

	publishN(bus, "acme", "run-1", "wf-1", EventRunCreated, EventRunStarted, EventNodeStarted)
	publishN(bus, "acme", "run-2", "wf-1", EventRunCreated)

	for want := uint64(1); want <= 3; want++ {
		evt := <-ch
		if evt.Seq != want {
			t.Fatalf("seq %d, want %d", evt.Seq, want)
		}
		if evt.RunID != "run-1" {
			t.Fatalf("leaked event from %s", evt.RunID)
		}
	}
	select {
	case evt := <-ch:
		t.Fatalf("unexpected event %+v", evt)
	default:
	}
}

func TestEventBusWorkflowSubscriptionSeesAllRuns(t *testing.T) {
	bus := NewEventBus(16)
	ch := bus.SubscribeToWorkflow("acme", "wf-1", 8)
	defer bus.Unsubscribe(ch)

	publishN(bus, "acme", "run-1", "wf-1", EventRunCreated)
	publishN(bus, "acme", "run-2", "wf-1", EventRunCreated)
	publishN(bus, "other", "run-3", "wf-1", EventRunCreated)

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		seen[(<-ch).RunID] = true
	}
	if !seen["run-1"] || !seen["run-2"] {
		t.Errorf("runs seen: %v", seen)
	}
	select {
	case evt := <-ch:
		t.Fatalf("cross-tenant event leaked: %+v", evt)
	default:
	}
}

func TestEventBusReplaySince(t *testing.T) {
	bus := NewEventBus(16)
	publishN(bus, "acme", "run-1", "wf-1",
		EventRunCreated, EventRunStarted, EventNodeStarted, EventNodeCompleted)

	replay := bus.ReplaySince("acme", "run-1", 1)
	if len(replay) != 3 || replay[0].Seq != 2 || replay[2].Seq != 4 {
		t.Fatalf("replay: %+v", replay)
	}
	// since=0 replays everything, first event included.
	full := bus.ReplaySince("acme", "run-1", 0)
	if len(full) != 4 || full[0].Seq != 1 {
		t.Fatalf("full replay: %+v", full)
	}
	if got := bus.ReplaySince("acme", "missing", 0); got != nil {
		t.Errorf("unknown run replay: %v", got)
	}

	bus.DropRun("acme", "run-1")
	if got := bus.ReplaySince("acme", "run-1", 0); got != nil {
		t.Errorf("dropped run replay: %v", got)
	}
}

func TestEventBusRingOverwritesOldest(t *testing.T) {
	bus := NewEventBus(2)
	publishN(bus, "acme", "run-1", "wf-1", EventRunCreated, EventNodeStarted, EventNodeCompleted)
	replay := bus.ReplaySince("acme", "run-1", 0)
	if len(replay) != 2 || replay[0].Seq != 2 || replay[1].Seq != 3 {
		t.Fatalf("ring replay: %+v", replay)
	}
}

func TestEventBusSlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewEventBus(16)
	ch := bus.SubscribeToRun("acme", "run-1", 1)
	defer bus.Unsubscribe(ch)

	publishN(bus, "acme", "run-1", "wf-1", EventRunCreated, EventRunStarted, EventNodeStarted)

	evt := <-ch
	if evt.Seq != 1 {
		t.Fatalf("first buffered event seq %d", evt.Seq)
	}
	// Later events were dropped, but replay still has them.
	if replay := bus.ReplaySince("acme", "run-1", 0); len(replay) != 3 {
		t.Errorf("replay length %d", len(replay))
	}
}

func TestEventBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewEventBus(16)
	ch := bus.SubscribeToRun("acme", "run-1", 1)
	bus.Unsubscribe(ch)
	if _, open := <-ch; open {
		t.Error("channel should be closed")
	}
	bus.Unsubscribe(ch) // double unsubscribe is a no-op
}
