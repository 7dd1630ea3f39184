// Package orchestrator runs the ingest pipeline: rules, rate limiting, and
// fan-out of one queue message per (recipient, channel) target.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/notifyx/platform/internal/metrics"
	"github.com/notifyx/platform/internal/notification"
	"github.com/notifyx/platform/internal/provider"
	"github.com/notifyx/platform/internal/queue"
	"github.com/notifyx/platform/internal/ratelimit"
	"github.com/notifyx/platform/internal/rules"
	"github.com/notifyx/platform/internal/store"
)

// Config holds orchestrator settings.
type Config struct {
	DefaultTenantID string `mapstructure:"default_tenant_id" yaml:"default_tenant_id"`
}

// Orchestrator coordinates ingest, acknowledgement, and escalations.
type Orchestrator struct {
	config        Config
	queue         *queue.Queue
	rules         *rules.Engine
	limiter       *ratelimit.Limiter
	providers     *provider.Registry
	notifications store.NotificationStore
	idempotency   store.IdempotencyStore
	audit         store.AuditLog
	logger        *zap.Logger

	mu          sync.Mutex
	escalations map[string][]*time.Timer // tenant|notificationId -> pending timers
	closed      bool
}

// New creates the orchestrator. The rule engine is attached separately with
// SetRuleEngine because its aggregate flush callback points back here.
func New(cfg Config, q *queue.Queue, limiter *ratelimit.Limiter, providers *provider.Registry,
	notifications store.NotificationStore, idempotency store.IdempotencyStore,
	audit store.AuditLog, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		config:        cfg,
		queue:         q,
		limiter:       limiter,
		providers:     providers,
		notifications: notifications,
		idempotency:   idempotency,
		audit:         audit,
		logger:        logger,
		escalations:   make(map[string][]*time.Timer),
	}
}

// SetRuleEngine attaches the rule engine. Must be called before Send.
func (o *Orchestrator) SetRuleEngine(e *rules.Engine) { o.rules = e }

// Send runs the full ingest pipeline for one event. The returned result's
// Status distinguishes queued, suppressed, deferred, and rate_limited
// outcomes; an error is returned only for validation and internal failures.
func (o *Orchestrator) Send(ctx context.Context, event notification.Event) (*notification.SendResult, error) {
	if event.TenantID == "" {
		event.TenantID = o.config.DefaultTenantID
	}
	if err := validateEvent(event); err != nil {
		return nil, err
	}
	event.EnsureID(time.Now())

	first, err := o.idempotency.FirstSeen(ctx, event.TenantID, event.ID)
	if err != nil {
		return nil, notification.WrapError(notification.KindInternal, "idempotency_check", "dedup store unavailable", err)
	}
	if !first {
		return o.duplicateResult(ctx, event)
	}

	verdict := o.rules.Evaluate(event)
	event = verdict.Event

	switch verdict.Verdict {
	case rules.VerdictSuppress:
		metrics.NotificationsSuppressed.WithLabelValues(event.TenantID).Inc()
		result := notification.SendResult{NotificationID: event.ID, Status: notification.StatusSuppressed}
		if err := o.notifications.SaveResult(ctx, event, result); err != nil {
			return nil, err
		}
		o.logger.Info("notification suppressed",
			zap.String("tenant_id", event.TenantID),
			zap.String("notification_id", event.ID),
			zap.Strings("matched_rules", verdict.MatchedRules))
		return &result, nil
	case rules.VerdictDefer:
		result := notification.SendResult{NotificationID: event.ID, Status: notification.StatusDeferred}
		if err := o.notifications.SaveResult(ctx, event, result); err != nil {
			return nil, err
		}
		return &result, nil
	}

	recipientIDs := make([]string, 0, len(event.Recipients))
	for _, r := range event.Recipients {
		recipientIDs = append(recipientIDs, r.ID)
	}
	if !o.limiter.Allow(event.TenantID, recipientIDs...) {
		metrics.NotificationsRateLimited.WithLabelValues(event.TenantID).Inc()
		result := notification.SendResult{NotificationID: event.ID, Status: notification.StatusRateLimited}
		if err := o.notifications.SaveResult(ctx, event, result); err != nil {
			return nil, err
		}
		return &result, nil
	}

	result := o.enqueueTargets(event)
	if err := o.notifications.SaveResult(ctx, event, result); err != nil {
		return nil, err
	}
	metrics.NotificationsAccepted.WithLabelValues(event.TenantID, event.Priority.String()).Inc()
	o.scheduleEscalations(event, verdict.Escalations)

	o.logger.Info("notification ingested",
		zap.String("tenant_id", event.TenantID),
		zap.String("notification_id", event.ID),
		zap.String("correlation_id", event.CorrelationID),
		zap.String("status", string(result.Status)),
		zap.Int("targets", len(result.Targets)))
	return &result, nil
}

// enqueueTargets creates one queue message per (recipient, channel) pair with
// a registered provider.
func (o *Orchestrator) enqueueTargets(event notification.Event) notification.SendResult {
	result := notification.SendResult{NotificationID: event.ID, Status: notification.StatusFailed}
	queued := 0
	for _, recipient := range event.Recipients {
		for _, ch := range event.PreferredChannels {
			if !o.providers.HasProvider(ch) {
				continue
			}
			msg := &notification.QueueMessage{
				ID:           uuid.New().String(),
				TenantID:     event.TenantID,
				Event:        event,
				Recipient:    recipient,
				Channel:      ch,
				Priority:     event.Priority,
				EnqueuedAt:   time.Now(),
				ScheduledFor: event.ScheduledFor,
			}
			target := notification.TargetResult{
				RecipientID: recipient.ID,
				Channel:     ch,
				MessageID:   msg.ID,
			}
			if o.queue.Enqueue(msg) {
				target.Status = notification.StatusQueued
				queued++
			} else {
				target.Status = notification.StatusFailed
				target.Reason = "queue full"
			}
			result.Targets = append(result.Targets, target)
		}
	}
	if queued > 0 {
		result.Status = notification.StatusQueued
	}
	return result
}

// duplicateResult serves a repeated ingest of the same (tenant, id) from the
// stored record.
func (o *Orchestrator) duplicateResult(ctx context.Context, event notification.Event) (*notification.SendResult, error) {
	rec, err := o.notifications.Get(ctx, event.TenantID, event.ID)
	if errors.Is(err, store.ErrNotFound) {
		// Claimed by a concurrent ingest that has not persisted yet.
		return &notification.SendResult{NotificationID: event.ID, Status: notification.StatusQueued}, nil
	}
	if err != nil {
		return nil, err
	}
	o.logger.Debug("duplicate ingest served from store",
		zap.String("tenant_id", event.TenantID),
		zap.String("notification_id", event.ID))
	return &notification.SendResult{
		NotificationID: event.ID,
		Status:         rec.Status,
		Targets:        rec.Targets,
	}, nil
}

// Ack acknowledges a notification and cancels its pending escalations. It is
// idempotent: acknowledging twice succeeds without effect.
func (o *Orchestrator) Ack(ctx context.Context, tenantID, notificationID, by string) error {
	first, err := o.notifications.Acknowledge(ctx, tenantID, notificationID, by, time.Now())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return notification.NewError(notification.KindValidation, "not_found",
				fmt.Sprintf("notification %q not found", notificationID))
		}
		return err
	}
	o.cancelEscalations(tenantID, notificationID)
	if first {
		o.audit.Record(ctx, store.AuditEntry{
			TenantID: tenantID,
			UserID:   by,
			Action:   "notification.acknowledged",
			EntityID: notificationID,
		})
	}
	return nil
}

// Resubmit re-ingests an engine-synthesized event, such as a flushed
// aggregation bucket. It runs the full pipeline, rate limiter included.
func (o *Orchestrator) Resubmit(event notification.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := o.Send(ctx, event); err != nil {
		o.logger.Warn("resubmit failed",
			zap.String("tenant_id", event.TenantID),
			zap.String("event_type", event.EventType),
			zap.Error(err))
	}
}

// DeliveryCompleted implements worker.DeliveryObserver: it records the final
// attempt and rolls the notification status up, never past acknowledged.
func (o *Orchestrator) DeliveryCompleted(msg *notification.QueueMessage, result notification.DeliveryResult) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec := notification.DeliveryRecord{
		MessageID:   msg.ID,
		RecipientID: msg.Recipient.ID,
		Channel:     msg.Channel,
		Attempt:     msg.Attempt,
		Result:      result,
		At:          time.Now(),
	}
	if err := o.notifications.AppendDelivery(ctx, msg.TenantID, msg.Event.ID, rec); err != nil {
		o.logger.Warn("delivery record write failed",
			zap.String("notification_id", msg.Event.ID),
			zap.Error(err))
		return
	}

	current, err := o.notifications.Get(ctx, msg.TenantID, msg.Event.ID)
	if err != nil || current.Status == notification.StatusAcknowledged {
		return
	}
	status := notification.StatusFailed
	if result.Success {
		status = notification.StatusDelivered
	} else if current.Status == notification.StatusDelivered {
		// One failed target does not undo a delivered one.
		return
	}
	if err := o.notifications.SetStatus(ctx, msg.TenantID, msg.Event.ID, status); err != nil {
		o.logger.Warn("status update failed",
			zap.String("notification_id", msg.Event.ID),
			zap.Error(err))
	}
}

// scheduleEscalations arms one timer per escalation; when it fires and the
// original is still unacknowledged, a follow-up event is ingested through the
// full pipeline.
func (o *Orchestrator) scheduleEscalations(event notification.Event, escalations []rules.Escalation) {
	if len(escalations) == 0 {
		return
	}
	key := event.TenantID + "|" + event.ID
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	for _, esc := range escalations {
		esc := esc
		timer := time.AfterFunc(esc.After, func() { o.fireEscalation(event, esc) })
		o.escalations[key] = append(o.escalations[key], timer)
	}
}

func (o *Orchestrator) fireEscalation(original notification.Event, esc rules.Escalation) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rec, err := o.notifications.Get(ctx, original.TenantID, original.ID)
	if err == nil && rec.Status == notification.StatusAcknowledged {
		return
	}

	followUp := original.Clone()
	followUp.ID = ""
	followUp.CreatedAt = time.Time{}
	followUp.Priority = notification.PriorityCritical
	followUp.CorrelationID = original.ID
	followUp.Recipients = esc.To
	followUp.Metadata["escalated_from"] = original.ID

	if _, err := o.Send(ctx, followUp); err != nil {
		o.logger.Warn("escalation send failed",
			zap.String("tenant_id", original.TenantID),
			zap.String("notification_id", original.ID),
			zap.Error(err))
		return
	}
	o.logger.Info("escalation fired",
		zap.String("tenant_id", original.TenantID),
		zap.String("notification_id", original.ID),
		zap.Int("recipients", len(esc.To)))
}

func (o *Orchestrator) cancelEscalations(tenantID, notificationID string) {
	key := tenantID + "|" + notificationID
	o.mu.Lock()
	timers := o.escalations[key]
	delete(o.escalations, key)
	o.mu.Unlock()
	for _, t := range timers {
		t.Stop()
	}
}

// Close cancels all pending escalation timers.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	all := o.escalations
	o.escalations = make(map[string][]*time.Timer)
	o.mu.Unlock()
	for _, timers := range all {
		for _, t := range timers {
			t.Stop()
		}
	}
}

// Status returns the stored record for one notification.
func (o *Orchestrator) Status(ctx context.Context, tenantID, notificationID string) (*store.NotificationRecord, error) {
	return o.notifications.Get(ctx, tenantID, notificationID)
}

func validateEvent(event notification.Event) error {
	if event.TenantID == "" {
		return notification.NewError(notification.KindValidation, "missing_tenant", "tenant_id is required")
	}
	if event.EventType == "" {
		return notification.NewError(notification.KindValidation, "missing_event_type", "event_type is required")
	}
	if len(event.Recipients) == 0 {
		return notification.NewError(notification.KindValidation, "missing_recipients", "at least one recipient is required")
	}
	if len(event.PreferredChannels) == 0 {
		return notification.NewError(notification.KindValidation, "missing_channels", "at least one preferred channel is required")
	}
	for _, r := range event.Recipients {
		ok := false
		for _, ch := range event.PreferredChannels {
			if _, has := r.AddressFor(ch); has {
				ok = true
				break
			}
		}
		if !ok {
			return notification.NewError(notification.KindValidation, "unaddressable_recipient",
				fmt.Sprintf("recipient %q has no address for any preferred channel", r.ID))
		}
	}
	return nil
}
