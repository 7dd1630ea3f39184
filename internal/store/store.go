// Package store defines the persistence contracts and their in-memory,
// Postgres, and Redis implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/notifyx/platform/internal/notification"
	"github.com/notifyx/platform/internal/workflow"
)

// ErrNotFound is returned when an entity does not exist for the tenant.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned on version or uniqueness conflicts.
var ErrConflict = errors.New("store: conflict")

// NotificationRecord is the queryable state of one ingested notification.
type NotificationRecord struct {
	Event          notification.Event            `json:"event"`
	Status         notification.Status           `json:"status"`
	Targets        []notification.TargetResult   `json:"targets,omitempty"`
	Deliveries     []notification.DeliveryRecord `json:"deliveries,omitempty"`
	AcknowledgedBy string                        `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time                    `json:"acknowledged_at,omitempty"`
	UpdatedAt      time.Time                     `json:"updated_at"`
}

// NotificationStore persists notification status and delivery history.
type NotificationStore interface {
	SaveResult(ctx context.Context, event notification.Event, result notification.SendResult) error
	AppendDelivery(ctx context.Context, tenantID, notificationID string, rec notification.DeliveryRecord) error
	SetStatus(ctx context.Context, tenantID, notificationID string, status notification.Status) error
	// Acknowledge marks the notification acknowledged. It reports false when
	// the notification was already acknowledged.
	Acknowledge(ctx context.Context, tenantID, notificationID, by string, at time.Time) (bool, error)
	Get(ctx context.Context, tenantID, notificationID string) (*NotificationRecord, error)
}

// WorkflowStore persists workflow definitions.
type WorkflowStore interface {
	Save(ctx context.Context, wf *workflow.Workflow) error
	Get(ctx context.Context, tenantID, id string) (*workflow.Workflow, error)
	Delete(ctx context.Context, tenantID, id string) error
	List(ctx context.Context, tenantID string) ([]*workflow.Workflow, error)
}

// RunFilter narrows run listings.
type RunFilter struct {
	WorkflowID string
	Status     workflow.RunStatus
	From       time.Time
	To         time.Time
	Page       int
	PageSize   int
}

// RunStore persists workflow runs and node results.
type RunStore interface {
	CreateRun(ctx context.Context, run *workflow.Run) error
	UpdateRun(ctx context.Context, run *workflow.Run) error
	GetRun(ctx context.Context, tenantID, runID string) (*workflow.Run, error)
	ListRuns(ctx context.Context, tenantID string, filter RunFilter) ([]*workflow.Run, error)
	AppendNodeResult(ctx context.Context, res workflow.NodeResult) error
	NodeResults(ctx context.Context, tenantID, runID string) ([]workflow.NodeResult, error)
}

// CredentialStore persists encrypted credentials. Get returns the decrypted
// secret; callers must not retain it beyond one adapter invocation.
type CredentialStore interface {
	Put(ctx context.Context, cred workflow.Credential) error
	Get(ctx context.Context, tenantID, id string) (*workflow.Credential, error)
	Delete(ctx context.Context, tenantID, id string) error
}

// AuditEntry is one audit log line.
type AuditEntry struct {
	TenantID string                 `json:"tenant_id"`
	UserID   string                 `json:"user_id,omitempty"`
	Action   string                 `json:"action"`
	EntityID string                 `json:"entity_id,omitempty"`
	Detail   map[string]interface{} `json:"detail,omitempty"`
	At       time.Time              `json:"at"`
}

// AuditLog records security and lifecycle events.
type AuditLog interface {
	Record(ctx context.Context, entry AuditEntry)
}

// IdempotencyStore deduplicates ingests on (tenantId, notificationId).
type IdempotencyStore interface {
	// FirstSeen reports true when this key has not been seen within the
	// dedup window, claiming it atomically.
	FirstSeen(ctx context.Context, tenantID, notificationID string) (bool, error)
}
