// Package rules evaluates tenant rules against notification events. Rules
// run in descending priority order (ties broken by id); each rule's
// predicate is a small boolean expression over the event, and its actions
// may transform metadata, escalate, aggregate, suppress or reroute.
package rules

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/notifyx/platform/internal/expr"
	"github.com/notifyx/platform/internal/notification"
)

// ActionType enumerates rule actions.
type ActionType string

const (
	ActionTransform ActionType = "transform"
	ActionEscalate  ActionType = "escalate"
	ActionAggregate ActionType = "aggregate"
	ActionSuppress  ActionType = "suppress"
	ActionReroute   ActionType = "reroute"
)

// Action is one effect applied when a rule matches.
type Action struct {
	Type ActionType `json:"type" yaml:"type"`

	// transform
	Transform map[string]interface{} `json:"transform,omitempty" yaml:"transform"`

	// escalate
	EscalateAfter time.Duration            `json:"escalate_after,omitempty" yaml:"escalate_after"`
	EscalateTo    []notification.Recipient `json:"escalate_to,omitempty" yaml:"escalate_to"`

	// aggregate
	AggregateKey    string        `json:"aggregate_key,omitempty" yaml:"aggregate_key"`
	AggregateWindow time.Duration `json:"aggregate_window,omitempty" yaml:"aggregate_window"`

	// reroute
	RerouteChannel notification.Channel `json:"reroute_channel,omitempty" yaml:"reroute_channel"`
}

// Rule is one tenant rule.
type Rule struct {
	TenantID  string   `json:"tenant_id" yaml:"tenant_id"`
	ID        string   `json:"id" yaml:"id"`
	Priority  int      `json:"priority" yaml:"priority"`
	Predicate string   `json:"predicate" yaml:"predicate"`
	Actions   []Action `json:"actions" yaml:"actions"`
}

// Verdict is the rule engine's decision for an event.
type Verdict string

const (
	VerdictSend     Verdict = "send"
	VerdictSuppress Verdict = "suppress"
	VerdictDefer    Verdict = "defer"
)

// Escalation directs the orchestrator to schedule a follow-up unless the
// original notification gets acknowledged first.
type Escalation struct {
	After time.Duration
	To    []notification.Recipient
}

// Result is the outcome of evaluating all matching rules for one event.
type Result struct {
	MatchedRules []string
	Event        notification.Event
	Verdict      Verdict
	Escalations  []Escalation
}

// FlushFunc receives the synthesized event when an aggregation window closes.
type FlushFunc func(event notification.Event)

// Engine stores rules per tenant and aggregation buckets per (tenant, key).
type Engine struct {
	mu      sync.RWMutex
	rules   map[string][]*Rule // tenant -> rules sorted by priority desc, id asc
	buckets map[string]*bucket // tenant|key -> open window
	flush   FlushFunc
	logger  *zap.Logger
	closed  bool
}

type bucket struct {
	mu       sync.Mutex
	tenantID string
	key      string
	events   []notification.Event
	timer    *time.Timer
	flushed  bool
}

// NewEngine creates an engine. flush may be nil; closed windows are then
// only logged.
func NewEngine(flush FlushFunc, logger *zap.Logger) *Engine {
	return &Engine{
		rules:   make(map[string][]*Rule),
		buckets: make(map[string]*bucket),
		flush:   flush,
		logger:  logger,
	}
}

// Upsert adds or replaces a rule and keeps the tenant's rule order.
func (e *Engine) Upsert(r Rule) error {
	if r.TenantID == "" || r.ID == "" {
		return fmt.Errorf("rule requires tenant_id and id")
	}
	if _, err := expr.ParsePredicate(r.Predicate); err != nil {
		return notification.WrapError(notification.KindValidation, "bad_predicate",
			fmt.Sprintf("rule %q", r.ID), err)
	}
	cp := r
	e.mu.Lock()
	defer e.mu.Unlock()
	list := e.rules[r.TenantID]
	replaced := false
	for i, cur := range list {
		if cur.ID == r.ID {
			list[i] = &cp
			replaced = true
			break
		}
	}
	if !replaced {
		list = append(list, &cp)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Priority != list[j].Priority {
			return list[i].Priority > list[j].Priority
		}
		return list[i].ID < list[j].ID
	})
	e.rules[r.TenantID] = list
	return nil
}

// Delete removes a tenant rule.
func (e *Engine) Delete(tenantID, id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := e.rules[tenantID]
	for i, cur := range list {
		if cur.ID == id {
			e.rules[tenantID] = append(list[:i], list[i+1:]...)
			return true
		}
	}
	return false
}

// List returns a tenant's rules in evaluation order.
func (e *Engine) List(tenantID string) []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Rule, 0, len(e.rules[tenantID]))
	for _, r := range e.rules[tenantID] {
		out = append(out, *r)
	}
	return out
}

// Evaluate applies the tenant's rules in order. Later transforms observe the
// effect of earlier ones. Suppress stops evaluation; aggregate registers the
// event and defers it.
func (e *Engine) Evaluate(event notification.Event) Result {
	e.mu.RLock()
	list := append([]*Rule(nil), e.rules[event.TenantID]...)
	e.mu.RUnlock()

	res := Result{Event: event.Clone(), Verdict: VerdictSend}
	scope := eventScope(res.Event)
	for _, r := range list {
		matched, err := expr.EvaluatePredicate(r.Predicate, scope, res.Event.Metadata)
		if err != nil {
			e.logger.Warn("rule predicate failed, skipping rule",
				zap.String("tenant_id", event.TenantID),
				zap.String("rule_id", r.ID),
				zap.Error(err))
			continue
		}
		if !matched {
			continue
		}
		res.MatchedRules = append(res.MatchedRules, r.ID)
		for _, a := range r.Actions {
			switch a.Type {
			case ActionSuppress:
				res.Verdict = VerdictSuppress
				return res
			case ActionTransform:
				for k, v := range a.Transform {
					res.Event.Metadata[k] = v
				}
				scope = eventScope(res.Event)
			case ActionReroute:
				res.Event.PreferredChannels = []notification.Channel{a.RerouteChannel}
			case ActionEscalate:
				res.Escalations = append(res.Escalations, Escalation{After: a.EscalateAfter, To: a.EscalateTo})
			case ActionAggregate:
				// A flushed bucket's synthesized event must not aggregate
				// again or it would never leave the engine.
				if _, synthesized := res.Event.Metadata["aggregated_count"]; synthesized {
					continue
				}
				e.aggregate(res.Event, a)
				res.Verdict = VerdictDefer
				return res
			}
		}
	}
	return res
}

func eventScope(ev notification.Event) map[string]interface{} {
	return map[string]interface{}{
		"eventType":     ev.EventType,
		"event_type":    ev.EventType,
		"priority":      ev.Priority.String(),
		"subject":       ev.Subject,
		"source":        ev.Source,
		"tenant_id":     ev.TenantID,
		"correlationId": ev.CorrelationID,
	}
}

// aggregate registers the event against the (tenant, key) bucket, opening the
// window on first use.
func (e *Engine) aggregate(event notification.Event, a Action) {
	window := a.AggregateWindow
	if window <= 0 {
		window = time.Minute
	}
	key := event.TenantID + "|" + a.AggregateKey
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	b, ok := e.buckets[key]
	if !ok {
		b = &bucket{tenantID: event.TenantID, key: a.AggregateKey}
		b.timer = time.AfterFunc(window, func() { e.closeBucket(key, b) })
		e.buckets[key] = b
	}
	e.mu.Unlock()

	b.mu.Lock()
	if b.flushed {
		b.mu.Unlock()
		// Window raced shut; re-register into a fresh bucket.
		e.aggregate(event, a)
		return
	}
	b.events = append(b.events, event)
	b.mu.Unlock()
}

// closeBucket flushes one window as a single synthesized event.
func (e *Engine) closeBucket(key string, b *bucket) {
	e.mu.Lock()
	delete(e.buckets, key)
	e.mu.Unlock()

	b.mu.Lock()
	b.flushed = true
	events := b.events
	b.events = nil
	b.mu.Unlock()

	if len(events) == 0 {
		return
	}
	first := events[0]
	ids := make([]string, len(events))
	for i, ev := range events {
		ids[i] = ev.ID
	}
	synthesized := first.Clone()
	synthesized.ID = ""
	synthesized.CreatedAt = time.Time{}
	synthesized.Subject = fmt.Sprintf("%s (%d aggregated)", first.Subject, len(events))
	synthesized.Metadata["aggregated_count"] = len(events)
	synthesized.Metadata["aggregated_event_ids"] = ids
	synthesized.Metadata["aggregate_key"] = b.key

	e.logger.Info("aggregation window closed",
		zap.String("tenant_id", b.tenantID),
		zap.String("aggregate_key", b.key),
		zap.Int("event_count", len(events)))
	if e.flush != nil {
		e.flush(synthesized)
	}
}

// FlushAll closes every open bucket immediately. Used by tests and shutdown.
func (e *Engine) FlushAll() {
	e.mu.Lock()
	buckets := make(map[string]*bucket, len(e.buckets))
	for k, b := range e.buckets {
		buckets[k] = b
		b.timer.Stop()
	}
	e.buckets = make(map[string]*bucket)
	e.mu.Unlock()
	for key, b := range buckets {
		e.mu.Lock()
		e.buckets[key] = b // closeBucket deletes it again
		e.mu.Unlock()
		e.closeBucket(key, b)
	}
}

// Close stops accepting aggregations and flushes open windows.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.FlushAll()
}
