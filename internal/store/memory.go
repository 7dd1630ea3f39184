package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/notifyx/platform/internal/notification"
	"github.com/notifyx/platform/internal/workflow"
)

// MemoryNotificationStore keeps notification state in process memory.
type MemoryNotificationStore struct {
	mu      sync.RWMutex
	records map[string]*NotificationRecord
}

func NewMemoryNotificationStore() *MemoryNotificationStore {
	return &MemoryNotificationStore{records: make(map[string]*NotificationRecord)}
}

func notifKey(tenantID, id string) string { return tenantID + "|" + id }

func (s *MemoryNotificationStore) SaveResult(_ context.Context, event notification.Event, result notification.SendResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[notifKey(event.TenantID, event.ID)] = &NotificationRecord{
		Event:     event,
		Status:    result.Status,
		Targets:   result.Targets,
		UpdatedAt: time.Now(),
	}
	return nil
}

func (s *MemoryNotificationStore) AppendDelivery(_ context.Context, tenantID, notificationID string, rec notification.DeliveryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[notifKey(tenantID, notificationID)]
	if !ok {
		return ErrNotFound
	}
	r.Deliveries = append(r.Deliveries, rec)
	r.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryNotificationStore) SetStatus(_ context.Context, tenantID, notificationID string, status notification.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[notifKey(tenantID, notificationID)]
	if !ok {
		return ErrNotFound
	}
	r.Status = status
	r.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryNotificationStore) Acknowledge(_ context.Context, tenantID, notificationID, by string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[notifKey(tenantID, notificationID)]
	if !ok {
		return false, ErrNotFound
	}
	if r.Status == notification.StatusAcknowledged {
		return false, nil
	}
	r.Status = notification.StatusAcknowledged
	r.AcknowledgedBy = by
	r.AcknowledgedAt = &at
	r.UpdatedAt = time.Now()
	return true, nil
}

func (s *MemoryNotificationStore) Get(_ context.Context, tenantID, notificationID string) (*NotificationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[notifKey(tenantID, notificationID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	cp.Targets = append([]notification.TargetResult(nil), r.Targets...)
	cp.Deliveries = append([]notification.DeliveryRecord(nil), r.Deliveries...)
	return &cp, nil
}

// MemoryWorkflowStore keeps workflow definitions in process memory.
type MemoryWorkflowStore struct {
	mu        sync.RWMutex
	workflows map[string]*workflow.Workflow
}

func NewMemoryWorkflowStore() *MemoryWorkflowStore {
	return &MemoryWorkflowStore{workflows: make(map[string]*workflow.Workflow)}
}

func (s *MemoryWorkflowStore) Save(_ context.Context, wf *workflow.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *wf
	s.workflows[notifKey(wf.TenantID, wf.ID)] = &cp
	return nil
}

func (s *MemoryWorkflowStore) Get(_ context.Context, tenantID, id string) (*workflow.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[notifKey(tenantID, id)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *wf
	return &cp, nil
}

func (s *MemoryWorkflowStore) Delete(_ context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := notifKey(tenantID, id)
	if _, ok := s.workflows[key]; !ok {
		return ErrNotFound
	}
	delete(s.workflows, key)
	return nil
}

func (s *MemoryWorkflowStore) List(_ context.Context, tenantID string) ([]*workflow.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*workflow.Workflow
	for _, wf := range s.workflows {
		if wf.TenantID == tenantID {
			cp := *wf
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// MemoryRunStore keeps runs and node results in process memory.
type MemoryRunStore struct {
	mu      sync.RWMutex
	runs    map[string]*workflow.Run
	results map[string][]workflow.NodeResult
}

func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{
		runs:    make(map[string]*workflow.Run),
		results: make(map[string][]workflow.NodeResult),
	}
}

func (s *MemoryRunStore) CreateRun(_ context.Context, run *workflow.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := notifKey(run.TenantID, run.ID)
	if _, ok := s.runs[key]; ok {
		return ErrConflict
	}
	cp := *run
	s.runs[key] = &cp
	return nil
}

func (s *MemoryRunStore) UpdateRun(_ context.Context, run *workflow.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := notifKey(run.TenantID, run.ID)
	cur, ok := s.runs[key]
	if !ok {
		return ErrNotFound
	}
	if cur.Status.Terminal() {
		return ErrConflict
	}
	cp := *run
	s.runs[key] = &cp
	return nil
}

func (s *MemoryRunStore) GetRun(_ context.Context, tenantID, runID string) (*workflow.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[notifKey(tenantID, runID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *run
	return &cp, nil
}

func (s *MemoryRunStore) ListRuns(_ context.Context, tenantID string, filter RunFilter) ([]*workflow.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*workflow.Run
	for _, run := range s.runs {
		if run.TenantID != tenantID {
			continue
		}
		if filter.WorkflowID != "" && run.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		if !filter.From.IsZero() && run.StartTime.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && run.StartTime.After(filter.To) {
			continue
		}
		cp := *run
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	return paginateRuns(out, filter), nil
}

func paginateRuns(runs []*workflow.Run, filter RunFilter) []*workflow.Run {
	size := filter.PageSize
	if size <= 0 {
		size = 50
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	start := (page - 1) * size
	if start >= len(runs) {
		return nil
	}
	end := start + size
	if end > len(runs) {
		end = len(runs)
	}
	return runs[start:end]
}

func (s *MemoryRunStore) AppendNodeResult(_ context.Context, res workflow.NodeResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[res.RunID] = append(s.results[res.RunID], res)
	return nil
}

func (s *MemoryRunStore) NodeResults(_ context.Context, tenantID, runID string) ([]workflow.NodeResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.runs[notifKey(tenantID, runID)]; !ok {
		return nil, ErrNotFound
	}
	return append([]workflow.NodeResult(nil), s.results[runID]...), nil
}

// ZapAuditLog writes audit entries as structured log lines.
type ZapAuditLog struct {
	logger *zap.Logger
}

func NewZapAuditLog(logger *zap.Logger) *ZapAuditLog {
	return &ZapAuditLog{logger: logger.Named("audit")}
}

func (a *ZapAuditLog) Record(_ context.Context, entry AuditEntry) {
	if entry.At.IsZero() {
		entry.At = time.Now()
	}
	a.logger.Info(entry.Action,
		zap.String("tenant_id", entry.TenantID),
		zap.String("user_id", entry.UserID),
		zap.String("entity_id", entry.EntityID),
		zap.Any("detail", entry.Detail),
		zap.Time("at", entry.At))
}

// MemoryIdempotencyStore deduplicates without external dependencies. Entries
// expire after the window.
type MemoryIdempotencyStore struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	window time.Duration
}

func NewMemoryIdempotencyStore(window time.Duration) *MemoryIdempotencyStore {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &MemoryIdempotencyStore{seen: make(map[string]time.Time), window: window}
}

func (s *MemoryIdempotencyStore) FirstSeen(_ context.Context, tenantID, notificationID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := notifKey(tenantID, notificationID)
	now := time.Now()
	if at, ok := s.seen[key]; ok && now.Sub(at) < s.window {
		return false, nil
	}
	s.seen[key] = now
	return true, nil
}
