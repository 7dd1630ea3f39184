// Package notification defines the shared domain types for the notification
// core: events, recipients, priorities, queue messages and delivery results.
package notification

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Priority determines dequeue order. Critical is always drained first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

// Priorities lists all priorities in dequeue order.
var Priorities = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// ParsePriority maps a string to a Priority, defaulting to Normal.
func ParsePriority(s string) Priority {
	switch s {
	case "critical", "Critical":
		return PriorityCritical
	case "high", "High":
		return PriorityHigh
	case "low", "Low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// MarshalJSON renders the priority by name.
func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON accepts both the named form ("high") and the numeric form.
func (p *Priority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*p = ParsePriority(s)
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("priority must be a name or a number: %s", data)
	}
	if n < int(PriorityCritical) || n > int(PriorityLow) {
		return fmt.Errorf("priority %d out of range", n)
	}
	*p = Priority(n)
	return nil
}

// Channel identifies a delivery channel.
type Channel string

const (
	ChannelEmail   Channel = "email"
	ChannelSMS     Channel = "sms"
	ChannelPush    Channel = "push"
	ChannelSlack   Channel = "slack"
	ChannelWebhook Channel = "webhook"
)

// Recipient is one delivery target. At least one address field must match
// one of the event's preferred channels.
type Recipient struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name,omitempty"`
	Email       string                 `json:"email,omitempty"`
	PhoneNumber string                 `json:"phone_number,omitempty"`
	DeviceID    string                 `json:"device_id,omitempty"`
	WebhookURL  string                 `json:"webhook_url,omitempty"`
	SlackUserID string                 `json:"slack_user_id,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// AddressFor returns the recipient address for a channel and whether one exists.
func (r Recipient) AddressFor(ch Channel) (string, bool) {
	switch ch {
	case ChannelEmail:
		return r.Email, r.Email != ""
	case ChannelSMS:
		return r.PhoneNumber, r.PhoneNumber != ""
	case ChannelPush:
		return r.DeviceID, r.DeviceID != ""
	case ChannelSlack:
		if r.SlackUserID != "" {
			return r.SlackUserID, true
		}
		return r.Email, r.Email != ""
	case ChannelWebhook:
		return r.WebhookURL, r.WebhookURL != ""
	default:
		return "", false
	}
}

// Event is an ingested notification event. Immutable once ingested; rule
// transforms produce copies with augmented metadata.
type Event struct {
	ID                string                 `json:"id"`
	TenantID          string                 `json:"tenant_id"`
	EventType         string                 `json:"event_type"`
	Priority          Priority               `json:"priority"`
	Subject           string                 `json:"subject,omitempty"`
	Content           string                 `json:"content,omitempty"`
	Title             string                 `json:"title,omitempty"`
	IconURL           string                 `json:"icon_url,omitempty"`
	ActionURL         string                 `json:"action_url,omitempty"`
	Recipients        []Recipient            `json:"recipients"`
	PreferredChannels []Channel              `json:"preferred_channels"`
	ScheduledFor      *time.Time             `json:"scheduled_for,omitempty"`
	CorrelationID     string                 `json:"correlation_id,omitempty"`
	Source            string                 `json:"source,omitempty"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
	TemplateID        string                 `json:"template_id,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
}

// Clone returns a deep-enough copy for rule transforms: metadata and slices
// are copied, scalar fields are shared.
func (e Event) Clone() Event {
	out := e
	out.Metadata = make(map[string]interface{}, len(e.Metadata))
	for k, v := range e.Metadata {
		out.Metadata[k] = v
	}
	out.Recipients = append([]Recipient(nil), e.Recipients...)
	out.PreferredChannels = append([]Channel(nil), e.PreferredChannels...)
	return out
}

// EnsureID assigns a fresh id and created-at timestamp when absent.
func (e *Event) EnsureID(now time.Time) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
}

// QueueMessage is the unit held by the priority queue. It lives in exactly
// one priority FIFO until dequeued, then in the in-flight map until acked.
type QueueMessage struct {
	ID           string     `json:"id"`
	TenantID     string     `json:"tenant_id"`
	Event        Event      `json:"event"`
	Recipient    Recipient  `json:"recipient"`
	Channel      Channel    `json:"channel"`
	Priority     Priority   `json:"priority"`
	EnqueuedAt   time.Time  `json:"enqueued_at"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
	Attempt      int        `json:"attempt"`
}

// Ready reports whether the message may be dequeued at the given instant.
func (m *QueueMessage) Ready(now time.Time) bool {
	return m.ScheduledFor == nil || !m.ScheduledFor.After(now)
}

// DeliveryResult is the terminal outcome of one (message, recipient, channel)
// attempt.
type DeliveryResult struct {
	Success           bool   `json:"success"`
	Provider          string `json:"provider,omitempty"`
	ProviderMessageID string `json:"provider_message_id,omitempty"`
	ErrorCode         string `json:"error_code,omitempty"`
	ErrorMessage      string `json:"error_message,omitempty"`
	Retryable         bool   `json:"retryable"`
}

// ValidationResult is returned by provider validation before a send.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// Status values of a notification as observed by callers.
type Status string

const (
	StatusQueued       Status = "queued"
	StatusDelivered    Status = "delivered"
	StatusFailed       Status = "failed"
	StatusSuppressed   Status = "suppressed"
	StatusDeferred     Status = "deferred"
	StatusRateLimited  Status = "rate_limited"
	StatusAcknowledged Status = "acknowledged"
	StatusCancelled    Status = "cancelled"
)

// TargetResult summarises the outcome for one (recipient, channel) target at
// ingest time.
type TargetResult struct {
	RecipientID string  `json:"recipient_id"`
	Channel     Channel `json:"channel"`
	Status      Status  `json:"status"`
	MessageID   string  `json:"message_id,omitempty"`
	Reason      string  `json:"reason,omitempty"`
}

// SendResult aggregates per-target outcomes for one ingested event.
type SendResult struct {
	NotificationID string         `json:"notification_id"`
	Status         Status         `json:"status"`
	Targets        []TargetResult `json:"per_target_results"`
}

// DeliveryRecord is one attempt outcome retained for status queries.
type DeliveryRecord struct {
	MessageID   string         `json:"message_id"`
	RecipientID string         `json:"recipient_id"`
	Channel     Channel        `json:"channel"`
	Attempt     int            `json:"attempt"`
	Result      DeliveryResult `json:"result"`
	At          time.Time      `json:"at"`
}
