package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/notifyx/platform/internal/notification"
)

type fakeSink struct {
	entries []string
}

func (f *fakeSink) Add(msg *notification.QueueMessage, lastError string) {
	f.entries = append(f.entries, msg.ID+":"+lastError)
}

func msg(id string, p notification.Priority) *notification.QueueMessage {
	return &notification.QueueMessage{
		ID:       id,
		TenantID: "t",
		Priority: p,
		Event:    notification.Event{ID: "e-" + id, TenantID: "t"},
	}
}

func newTestQueue(sink DeadLetterSink) *Queue {
	return New(Config{PollInterval: 5 * time.Millisecond}, sink, zap.NewNop())
}

func TestEnqueueDequeueFIFO(t *testing.T) {
	q := newTestQueue(nil)
	for i := 0; i < 3; i++ {
		if !q.Enqueue(msg(fmt.Sprintf("m%d", i), notification.PriorityNormal)) {
			t.Fatalf("enqueue m%d failed", i)
		}
	}
	for i := 0; i < 3; i++ {
		got := q.DequeueHighest()
		if got == nil || got.ID != fmt.Sprintf("m%d", i) {
			t.Fatalf("expected m%d, got %+v", i, got)
		}
	}
	if q.DequeueHighest() != nil {
		t.Error("queue should be empty")
	}
}

func TestPriorityPreemption(t *testing.T) {
	q := newTestQueue(nil)
	for i := 0; i < 1000; i++ {
		q.Enqueue(msg(fmt.Sprintf("low%d", i), notification.PriorityLow))
	}
	q.Enqueue(msg("crit", notification.PriorityCritical))
	got := q.DequeueHighest()
	if got == nil || got.ID != "crit" {
		t.Fatalf("critical message should preempt low traffic, got %+v", got)
	}
}

func TestInFlightInvariant(t *testing.T) {
	q := newTestQueue(nil)
	q.Enqueue(msg("a", notification.PriorityHigh))
	q.Enqueue(msg("b", notification.PriorityHigh))
	m := q.DequeueHighest()
	if q.TotalPending() != 1 || q.InFlight() != 1 {
		t.Fatalf("pending=%d inflight=%d", q.TotalPending(), q.InFlight())
	}
	s := q.Stats()
	if int(s.Dequeued)-int(s.Acked)-int(s.DeadLettered) != s.InFlight {
		t.Errorf("conservation violated: %+v", s)
	}
	if !q.Ack(m.ID) {
		t.Fatal("ack failed")
	}
	if q.Ack(m.ID) {
		t.Error("double ack should be a no-op")
	}
	if q.InFlight() != 0 {
		t.Errorf("inflight should be 0, got %d", q.InFlight())
	}
}

func TestNackRetryableReenqueues(t *testing.T) {
	q := newTestQueue(nil)
	q.Enqueue(msg("a", notification.PriorityNormal))
	m := q.DequeueHighest()
	if m.Attempt != 1 {
		t.Fatalf("first attempt should be 1, got %d", m.Attempt)
	}
	if !q.Nack(m.ID, true, 0, "transient") {
		t.Fatal("nack failed")
	}
	m2 := q.DequeueHighest()
	if m2 == nil || m2.ID != "a" || m2.Attempt != 2 {
		t.Fatalf("expected attempt 2, got %+v", m2)
	}
}

func TestNackNonRetryableDeadLetters(t *testing.T) {
	sink := &fakeSink{}
	q := newTestQueue(sink)
	q.Enqueue(msg("a", notification.PriorityNormal))
	m := q.DequeueHighest()
	q.Nack(m.ID, false, 0, "permanent")
	if len(sink.entries) != 1 || sink.entries[0] != "a:permanent" {
		t.Fatalf("expected dead-letter entry, got %v", sink.entries)
	}
	if q.TotalPending() != 0 || q.InFlight() != 0 {
		t.Error("message should be gone from queue")
	}
	if q.Stats().DeadLettered != 1 {
		t.Errorf("stats: %+v", q.Stats())
	}
}

func TestScheduledForSkipsUntilDue(t *testing.T) {
	q := newTestQueue(nil)
	future := time.Now().Add(50 * time.Millisecond)
	delayed := msg("later", notification.PriorityCritical)
	delayed.ScheduledFor = &future
	q.Enqueue(delayed)
	q.Enqueue(msg("now", notification.PriorityLow))

	got := q.DequeueHighest()
	if got == nil || got.ID != "now" {
		t.Fatalf("future message should be skipped, got %+v", got)
	}
	if q.DequeueHighest() != nil {
		t.Fatal("scheduled message should not be ready yet")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	m, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if m.ID != "later" {
		t.Errorf("expected delayed message, got %s", m.ID)
	}
}

func TestDequeueBlocksUntilEnqueue(t *testing.T) {
	q := newTestQueue(nil)
	done := make(chan *notification.QueueMessage, 1)
	go func() {
		m, _ := q.Dequeue(context.Background())
		done <- m
	}()
	time.Sleep(10 * time.Millisecond)
	q.Enqueue(msg("a", notification.PriorityNormal))
	select {
	case m := <-done:
		if m == nil || m.ID != "a" {
			t.Fatalf("got %+v", m)
		}
	case <-time.After(time.Second):
		t.Fatal("dequeue did not wake up")
	}
}

func TestDequeueContextCancel(t *testing.T) {
	q := newTestQueue(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := q.Dequeue(ctx); err == nil {
		t.Fatal("expected context error")
	}
}

func TestMaxPending(t *testing.T) {
	q := New(Config{MaxPending: 2}, nil, zap.NewNop())
	q.Enqueue(msg("a", notification.PriorityNormal))
	q.Enqueue(msg("b", notification.PriorityNormal))
	if q.Enqueue(msg("c", notification.PriorityNormal)) {
		t.Error("enqueue beyond MaxPending should fail")
	}
}

func TestPurge(t *testing.T) {
	q := newTestQueue(nil)
	q.Enqueue(msg("a", notification.PriorityNormal))
	q.Enqueue(msg("b", notification.PriorityLow))
	m := q.DequeueHighest()
	if n := q.Purge(); n != 1 {
		t.Errorf("purge should report 1 pending, got %d", n)
	}
	if q.InFlight() != 1 {
		t.Error("purge must not touch in-flight messages")
	}
	q.Ack(m.ID)
}

func TestCloseRejectsNewMessages(t *testing.T) {
	q := newTestQueue(nil)
	q.Enqueue(msg("a", notification.PriorityNormal))
	q.Close()
	if q.Enqueue(msg("b", notification.PriorityNormal)) {
		t.Error("closed queue should reject enqueues")
	}
	if m := q.DequeueHighest(); m == nil || m.ID != "a" {
		t.Error("pending messages should remain dequeueable after close")
	}
}
