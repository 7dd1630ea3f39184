// Package dlq holds messages that exhausted their retry budget or failed
// permanently, keeping them enumerable for operators.
package dlq

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/notifyx/platform/internal/notification"
)

// Entry wraps a dead-lettered message with its failure history.
type Entry struct {
	Message   *notification.QueueMessage `json:"message"`
	LastError string                     `json:"last_error"`
	Attempts  int                        `json:"attempts"`
	FirstSeen time.Time                  `json:"first_seen"`
	LastSeen  time.Time                  `json:"last_seen"`
}

// Store is a bounded in-memory dead-letter store. Re-adding the same message
// id updates the existing entry instead of duplicating it.
type Store struct {
	mu       sync.RWMutex
	entries  map[string]*Entry
	order    []string
	capacity int
	logger   *zap.Logger
}

// NewStore creates a store bounded at capacity entries (0 means 10000).
func NewStore(capacity int, logger *zap.Logger) *Store {
	if capacity <= 0 {
		capacity = 10000
	}
	return &Store{
		entries:  make(map[string]*Entry),
		capacity: capacity,
		logger:   logger,
	}
}

// Add records a dead-lettered message. Implements queue.DeadLetterSink.
func (s *Store) Add(msg *notification.QueueMessage, lastError string) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[msg.ID]; ok {
		e.LastError = lastError
		e.Attempts = msg.Attempt
		e.LastSeen = now
		return
	}
	if len(s.order) >= s.capacity {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.entries, oldest)
		s.logger.Warn("dead-letter store full, evicting oldest entry",
			zap.String("evicted_message_id", oldest))
	}
	s.entries[msg.ID] = &Entry{
		Message:   msg,
		LastError: lastError,
		Attempts:  msg.Attempt,
		FirstSeen: now,
		LastSeen:  now,
	}
	s.order = append(s.order, msg.ID)
	s.logger.Info("message dead-lettered",
		zap.String("message_id", msg.ID),
		zap.String("tenant_id", msg.TenantID),
		zap.String("correlation_id", msg.Event.CorrelationID),
		zap.Int("attempts", msg.Attempt),
		zap.String("error_code", lastError))
}

// Get returns the entry for a message id.
func (s *Store) Get(messageID string) (*Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[messageID]
	return e, ok
}

// List returns entries in insertion order, optionally filtered by tenant.
func (s *Store) List(tenantID string) []*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Entry, 0, len(s.order))
	for _, id := range s.order {
		e := s.entries[id]
		if tenantID != "" && e.Message.TenantID != tenantID {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Remove deletes an entry, typically after an operator re-drive.
func (s *Store) Remove(messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[messageID]; !ok {
		return false
	}
	delete(s.entries, messageID)
	for i, id := range s.order {
		if id == messageID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

// Len returns the number of stored entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
