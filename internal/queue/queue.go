// Package queue implements the in-memory priority queue: four FIFO
// sub-queues (critical, high, normal, low) plus an in-flight map. A message
// lives in exactly one sub-queue XOR the in-flight map until acked, nacked
// or dead-lettered.
package queue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/notifyx/platform/internal/notification"
)

// DeadLetterSink receives messages that exhausted their retry budget or hit
// a permanent error.
type DeadLetterSink interface {
	Add(msg *notification.QueueMessage, lastError string)
}

// Config holds queue tuning knobs.
type Config struct {
	// MaxPending caps the total number of pending messages; 0 means unbounded.
	MaxPending int
	// PollInterval bounds how long a blocking Dequeue sleeps before
	// rechecking scheduled messages.
	PollInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
}

// Stats is a consistent snapshot of queue counters.
type Stats struct {
	Enqueued     uint64         `json:"enqueued"`
	Dequeued     uint64         `json:"dequeued"`
	Acked        uint64         `json:"acked"`
	Nacked       uint64         `json:"nacked"`
	DeadLettered uint64         `json:"dead_lettered"`
	Pending      int            `json:"pending"`
	InFlight     int            `json:"in_flight"`
	PerPriority  map[string]int `json:"per_priority"`
}

// Queue is the four-priority FIFO queue.
type Queue struct {
	mu       sync.Mutex
	fifos    map[notification.Priority][]*notification.QueueMessage
	inFlight map[string]*notification.QueueMessage
	closed   bool

	enqueued     uint64
	dequeued     uint64
	acked        uint64
	nacked       uint64
	deadLettered uint64

	notify chan struct{}
	config Config
	dlq    DeadLetterSink
	logger *zap.Logger
}

// New creates an empty queue. The sink may be nil; non-retryable nacks are
// then dropped with a log entry.
func New(cfg Config, dlq DeadLetterSink, logger *zap.Logger) *Queue {
	cfg.applyDefaults()
	q := &Queue{
		fifos:    make(map[notification.Priority][]*notification.QueueMessage),
		inFlight: make(map[string]*notification.QueueMessage),
		notify:   make(chan struct{}, 1),
		config:   cfg,
		dlq:      dlq,
		logger:   logger,
	}
	for _, p := range notification.Priorities {
		q.fifos[p] = nil
	}
	return q
}

// Enqueue appends the message to its priority FIFO. Returns false when the
// queue is closed or full.
func (q *Queue) Enqueue(msg *notification.QueueMessage) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if q.config.MaxPending > 0 && q.pendingLocked() >= q.config.MaxPending {
		q.mu.Unlock()
		q.logger.Warn("queue full, rejecting message",
			zap.String("message_id", msg.ID),
			zap.String("tenant_id", msg.TenantID))
		return false
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now()
	}
	if msg.Attempt == 0 {
		msg.Attempt = 1
	}
	q.fifos[msg.Priority] = append(q.fifos[msg.Priority], msg)
	q.enqueued++
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// DequeueHighest returns the first ready message scanning critical → low, or
// nil when none is ready. The message moves to the in-flight map.
func (q *Queue) DequeueHighest() *notification.QueueMessage {
	now := time.Now()
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range notification.Priorities {
		fifo := q.fifos[p]
		for i, msg := range fifo {
			if !msg.Ready(now) {
				continue
			}
			q.fifos[p] = append(fifo[:i:i], fifo[i+1:]...)
			q.inFlight[msg.ID] = msg
			q.dequeued++
			return msg
		}
	}
	return nil
}

// Dequeue blocks until a message is ready, the context is cancelled, or the
// queue is closed while empty.
func (q *Queue) Dequeue(ctx context.Context) (*notification.QueueMessage, error) {
	timer := time.NewTimer(q.config.PollInterval)
	defer timer.Stop()
	for {
		if msg := q.DequeueHighest(); msg != nil {
			return msg, nil
		}
		q.mu.Lock()
		closed := q.closed && q.pendingLocked() == 0
		q.mu.Unlock()
		if closed {
			return nil, context.Canceled
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(q.config.PollInterval)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		case <-timer.C:
			// recheck scheduled messages once per poll
		}
	}
}

// Ack removes a message from the in-flight map. Idempotent.
func (q *Queue) Ack(messageID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inFlight[messageID]; !ok {
		return false
	}
	delete(q.inFlight, messageID)
	q.acked++
	return true
}

// Nack removes a message from the in-flight map. A retryable nack re-enqueues
// at the same priority with attempt+1, becoming ready after delay; otherwise
// the message is forwarded to the dead-letter sink.
func (q *Queue) Nack(messageID string, retryable bool, delay time.Duration, reason string) bool {
	q.mu.Lock()
	msg, ok := q.inFlight[messageID]
	if !ok {
		q.mu.Unlock()
		return false
	}
	delete(q.inFlight, messageID)
	q.nacked++
	if retryable {
		msg.Attempt++
		if delay > 0 {
			at := time.Now().Add(delay)
			msg.ScheduledFor = &at
		} else {
			msg.ScheduledFor = nil
		}
		q.fifos[msg.Priority] = append(q.fifos[msg.Priority], msg)
		q.mu.Unlock()
		select {
		case q.notify <- struct{}{}:
		default:
		}
		return true
	}
	q.deadLettered++
	q.mu.Unlock()
	if q.dlq != nil {
		q.dlq.Add(msg, reason)
	} else {
		q.logger.Warn("no dead-letter sink, dropping message",
			zap.String("message_id", msg.ID),
			zap.String("reason", reason))
	}
	return true
}

// Len returns the pending count for one priority.
func (q *Queue) Len(p notification.Priority) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.fifos[p])
}

// TotalPending returns the number of messages waiting in all sub-queues.
func (q *Queue) TotalPending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pendingLocked()
}

// InFlight returns the number of dequeued-but-unacked messages.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inFlight)
}

// Purge drops all pending messages. In-flight messages are unaffected.
func (q *Queue) Purge() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.pendingLocked()
	for _, p := range notification.Priorities {
		q.fifos[p] = nil
	}
	return n
}

// Close stops accepting new messages. Pending messages remain dequeueable.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Stats returns a consistent snapshot of the queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	per := make(map[string]int, len(q.fifos))
	for p, fifo := range q.fifos {
		per[p.String()] = len(fifo)
	}
	return Stats{
		Enqueued:     q.enqueued,
		Dequeued:     q.dequeued,
		Acked:        q.acked,
		Nacked:       q.nacked,
		DeadLettered: q.deadLettered,
		Pending:      q.pendingLocked(),
		InFlight:     len(q.inFlight),
		PerPriority:  per,
	}
}

func (q *Queue) pendingLocked() int {
	n := 0
	for _, fifo := range q.fifos {
		n += len(fifo)
	}
	return n
}
