package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/notifyx/platform/internal/circuitbreaker"
	"github.com/notifyx/platform/internal/dlq"
	"github.com/notifyx/platform/internal/notification"
	"github.com/notifyx/platform/internal/provider"
	"github.com/notifyx/platform/internal/queue"
	"github.com/notifyx/platform/internal/template"
)

type scriptedProvider struct {
	mu      sync.Mutex
	results []notification.DeliveryResult
	calls   int
}

func (s *scriptedProvider) Name() string                  { return "scripted" }
func (s *scriptedProvider) Channel() notification.Channel { return notification.ChannelEmail }
func (s *scriptedProvider) Validate(notification.Event, notification.Recipient) notification.ValidationResult {
	return notification.ValidationResult{Valid: true}
}
func (s *scriptedProvider) Send(context.Context, *notification.QueueMessage, template.Rendered) notification.DeliveryResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	return s.results[i]
}
func (s *scriptedProvider) Health(context.Context) error           { return nil }
func (s *scriptedProvider) Configure(map[string]interface{}) error { return nil }

func (s *scriptedProvider) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type recordingObserver struct {
	mu       sync.Mutex
	results  []notification.DeliveryResult
	attempts []int
}

func (r *recordingObserver) DeliveryCompleted(msg *notification.QueueMessage, res notification.DeliveryResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
	r.attempts = append(r.attempts, msg.Attempt)
}

func (r *recordingObserver) final() (notification.DeliveryResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.results) == 0 {
		return notification.DeliveryResult{}, false
	}
	return r.results[len(r.results)-1], true
}

func (r *recordingObserver) lastAttempt() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.attempts) == 0 {
		return 0
	}
	return r.attempts[len(r.attempts)-1]
}

type harness struct {
	queue    *queue.Queue
	dead     *dlq.Store
	provider *scriptedProvider
	observer *recordingObserver
	pool     *Pool
}

func newHarness(t *testing.T, results ...notification.DeliveryResult) *harness {
	t.Helper()
	logger := zap.NewNop()
	dead := dlq.NewStore(0, logger)
	q := queue.New(queue.Config{PollInterval: 5 * time.Millisecond}, dead, logger)

	sp := &scriptedProvider{results: results}
	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{FailureThreshold: 100}, logger)
	reg := provider.NewRegistry(breakers, logger)
	reg.Register(sp)

	obs := &recordingObserver{}
	pool := NewPool(Config{
		MaxConcurrent: 2,
		Retry: RetryConfig{
			MaxAttempts:  3,
			InitialDelay: time.Millisecond,
			Multiplier:   2,
			MaxDelay:     10 * time.Millisecond,
		},
	}, q, template.NewService(logger), reg, obs, logger)

	t.Cleanup(func() {
		pool.Stop(time.Second)
		q.Close()
	})
	return &harness{queue: q, dead: dead, provider: sp, observer: obs, pool: pool}
}

func emailMessage(id string) *notification.QueueMessage {
	return &notification.QueueMessage{
		ID:       id,
		TenantID: "t1",
		Event: notification.Event{
			ID: "evt-" + id, TenantID: "t1", EventType: "alert",
			Subject: "s", Content: "b",
		},
		Recipient: notification.Recipient{ID: "r1", Email: "a@example.com"},
		Channel:   notification.ChannelEmail,
		Priority:  notification.PriorityNormal,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestPoolDeliversAndAcks(t *testing.T) {
	h := newHarness(t, notification.DeliveryResult{Success: true, ProviderMessageID: "m1"})
	h.queue.Enqueue(emailMessage("a"))
	h.pool.Start()

	waitFor(t, func() bool {
		res, ok := h.observer.final()
		return ok && res.Success
	})
	waitFor(t, func() bool { return h.queue.InFlight() == 0 && h.queue.TotalPending() == 0 })
	if h.dead.Len() != 0 {
		t.Errorf("dlq should be empty, len=%d", h.dead.Len())
	}
}

func TestPoolRetriesTransientThenSucceeds(t *testing.T) {
	h := newHarness(t,
		notification.DeliveryResult{Success: false, ErrorCode: "http_503", Retryable: true},
		notification.DeliveryResult{Success: false, ErrorCode: "http_503", Retryable: true},
		notification.DeliveryResult{Success: true, ProviderMessageID: "m1"},
	)
	h.queue.Enqueue(emailMessage("a"))
	h.pool.Start()

	waitFor(t, func() bool {
		res, ok := h.observer.final()
		return ok && res.Success
	})
	if got := h.provider.callCount(); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
	if got := h.observer.lastAttempt(); got != 3 {
		t.Errorf("observed attempt %d, want 3", got)
	}
	if h.dead.Len() != 0 {
		t.Errorf("dlq should be empty, len=%d", h.dead.Len())
	}
}

func TestPoolExhaustedRetriesDeadLetter(t *testing.T) {
	h := newHarness(t, notification.DeliveryResult{Success: false, ErrorCode: "http_503", ErrorMessage: "unavailable", Retryable: true})
	h.queue.Enqueue(emailMessage("a"))
	h.pool.Start()

	waitFor(t, func() bool { return h.dead.Len() == 1 })
	if got := h.provider.callCount(); got != 3 {
		t.Errorf("expected MaxAttempts=3 attempts, got %d", got)
	}
	if got := h.observer.lastAttempt(); got != 3 {
		t.Errorf("observed attempt %d, want 3", got)
	}
	entries := h.dead.List("t1")
	if len(entries) != 1 || entries[0].LastError != "unavailable" {
		t.Errorf("dlq entries: %+v", entries)
	}
}

func TestPoolPermanentFailureSkipsRetry(t *testing.T) {
	h := newHarness(t, notification.DeliveryResult{Success: false, ErrorCode: "bad_address", Retryable: false})
	h.queue.Enqueue(emailMessage("a"))
	h.pool.Start()

	waitFor(t, func() bool { return h.dead.Len() == 1 })
	if got := h.provider.callCount(); got != 1 {
		t.Errorf("permanent failure should not retry, attempts=%d", got)
	}
}

func TestPoolMissingTemplateDeadLetters(t *testing.T) {
	h := newHarness(t, notification.DeliveryResult{Success: true})
	msg := emailMessage("a")
	msg.Event.TemplateID = "nope"
	h.queue.Enqueue(msg)
	h.pool.Start()

	waitFor(t, func() bool { return h.dead.Len() == 1 })
	if got := h.provider.callCount(); got != 0 {
		t.Errorf("render failure must not reach the provider, attempts=%d", got)
	}
}

func TestPoolStopIsCooperative(t *testing.T) {
	h := newHarness(t, notification.DeliveryResult{Success: true})
	h.pool.Start()
	if !h.pool.Stop(time.Second) {
		t.Fatal("stop timed out with idle workers")
	}
	// Stop on a never-started pool is a no-op.
	p := NewPool(Config{}, h.queue, template.NewService(zap.NewNop()), nil, nil, zap.NewNop())
	if !p.Stop(time.Millisecond) {
		t.Error("stop on unstarted pool should succeed")
	}
}

func TestBackoffSchedule(t *testing.T) {
	p := NewPool(Config{Retry: RetryConfig{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		Multiplier:   2,
		MaxDelay:     300 * time.Millisecond,
	}}, nil, nil, nil, nil, zap.NewNop())

	for attempt, want := range map[int]time.Duration{
		1: 100 * time.Millisecond,
		2: 200 * time.Millisecond,
		3: 300 * time.Millisecond,
		4: 300 * time.Millisecond,
	} {
		got := p.backoff(attempt)
		if got < want || got > want+want/5 {
			t.Errorf("attempt %d: backoff %v outside [%v, %v]", attempt, got, want, want+want/5)
		}
	}
}
