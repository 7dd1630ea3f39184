package workflow

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/notifyx/platform/internal/metrics"
)

// EventType names one run lifecycle transition.
type EventType string

const (
	EventRunCreated    EventType = "RunCreated"
	EventRunStarted    EventType = "RunStarted"
	EventNodeStarted   EventType = "NodeStarted"
	EventNodeProgress  EventType = "NodeProgress"
	EventNodeCompleted EventType = "NodeCompleted"
	EventNodeFailed    EventType = "NodeFailed"
	EventRunCompleted  EventType = "RunCompleted"
	EventRunFailed     EventType = "RunFailed"
	EventRunCancelled  EventType = "RunCancelled"
)

// Event is one run lifecycle notification. Seq increases per run; a
// subscriber never observes the same run's events out of order.
type Event struct {
	TenantID   string                 `json:"tenantId"`
	RunID      string                 `json:"runId"`
	WorkflowID string                 `json:"workflowId"`
	Type       EventType              `json:"type"`
	NodeID     string                 `json:"nodeId,omitempty"`
	Status     string                 `json:"status,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Output     map[string]interface{} `json:"output,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Seq        uint64                 `json:"seq"`
}

// Marshal returns the JSON wire form of the event.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// EventBus is in-memory pub/sub for run events. Subscriptions key on either
// a run id or a workflow id, always scoped to a tenant. A per-run ring
// buffer supports replay after reconnect.
type EventBus struct {
	mu          sync.RWMutex
	runSubs     map[string]map[chan Event]struct{} // tenant|runID
	wfSubs      map[string]map[chan Event]struct{} // tenant|workflowID
	history     map[string]*eventRing              // tenant|runID
	capacity    int
	subscribers int
}

// NewEventBus creates a bus whose per-run replay buffers hold capacity
// events each.
func NewEventBus(capacity int) *EventBus {
	if capacity <= 0 {
		capacity = 256
	}
	return &EventBus{
		runSubs:  make(map[string]map[chan Event]struct{}),
		wfSubs:   make(map[string]map[chan Event]struct{}),
		history:  make(map[string]*eventRing),
		capacity: capacity,
	}
}

func busKey(tenantID, id string) string { return tenantID + "|" + id }

// SubscribeToRun delivers events of one run. The caller must drain the
// channel and call Unsubscribe when done.
func (b *EventBus) SubscribeToRun(tenantID, runID string, buffer int) chan Event {
	return b.subscribe(b.runSubs, busKey(tenantID, runID), buffer)
}

// SubscribeToWorkflow delivers events of every run of one workflow.
func (b *EventBus) SubscribeToWorkflow(tenantID, workflowID string, buffer int) chan Event {
	return b.subscribe(b.wfSubs, busKey(tenantID, workflowID), buffer)
}

func (b *EventBus) subscribe(table map[string]map[chan Event]struct{}, key string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := table[key]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		table[key] = subs
	}
	subs[ch] = struct{}{}
	b.subscribers++
	metrics.SubscribersActive.Set(float64(b.subscribers))
	return ch
}

// Unsubscribe removes and closes a channel returned by either subscribe
// call. Unknown channels are ignored.
func (b *EventBus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, table := range []map[string]map[chan Event]struct{}{b.runSubs, b.wfSubs} {
		for key, subs := range table {
			if _, ok := subs[ch]; !ok {
				continue
			}
			delete(subs, ch)
			close(ch)
			if len(subs) == 0 {
				delete(table, key)
			}
			b.subscribers--
			metrics.SubscribersActive.Set(float64(b.subscribers))
			return
		}
	}
}

// Publish assigns the event's sequence number, records it for replay, and
// fans it out. Slow subscribers get events dropped rather than blocking the
// engine.
func (b *EventBus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	runKey := busKey(evt.TenantID, evt.RunID)

	b.mu.Lock()
	rg := b.history[runKey]
	if rg == nil {
		rg = newEventRing(b.capacity)
		b.history[runKey] = rg
	}
	evt.Seq = rg.nextSeq
	rg.nextSeq++
	rg.push(evt)

	targets := make([]chan Event, 0, 4)
	for ch := range b.runSubs[runKey] {
		targets = append(targets, ch)
	}
	for ch := range b.wfSubs[busKey(evt.TenantID, evt.WorkflowID)] {
		targets = append(targets, ch)
	}
	b.mu.Unlock()

	metrics.EventsPublished.WithLabelValues(string(evt.Type)).Inc()
	for _, ch := range targets {
		select {
		case ch <- evt:
		default:
		}
	}
}

// ReplaySince returns the buffered events of a run with Seq > since,
// best-effort within the ring capacity. Sequences start at 1, so since=0
// replays from the beginning of the buffer.
func (b *EventBus) ReplaySince(tenantID, runID string, since uint64) []Event {
	b.mu.RLock()
	rg := b.history[busKey(tenantID, runID)]
	b.mu.RUnlock()
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// DropRun releases the replay buffer of a finished run.
func (b *EventBus) DropRun(tenantID, runID string) {
	b.mu.Lock()
	delete(b.history, busKey(tenantID, runID))
	b.mu.Unlock()
}

type eventRing struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newEventRing(capacity int) *eventRing {
	return &eventRing{buf: make([]Event, capacity), nextSeq: 1}
}

func (r *eventRing) push(e Event) {
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *eventRing) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
