package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/notifyx/platform/internal/notification"
	"github.com/notifyx/platform/internal/workflow"
)

// PostgresConfig holds database connection settings.
type PostgresConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	User            string        `mapstructure:"user" yaml:"user"`
	Password        string        `mapstructure:"password" yaml:"password"`
	Database        string        `mapstructure:"database" yaml:"database"`
	SSLMode         string        `mapstructure:"ssl_mode" yaml:"ssl_mode"`
	MaxConnections  int           `mapstructure:"max_connections" yaml:"max_connections"`
	IdleConnections int           `mapstructure:"idle_connections" yaml:"idle_connections"`
	MaxLifetime     time.Duration `mapstructure:"max_lifetime" yaml:"max_lifetime"`
}

// OpenPostgres connects and configures the pool.
func OpenPostgres(cfg PostgresConfig, logger *zap.Logger) (*sqlx.DB, error) {
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 25
	}
	if cfg.IdleConnections == 0 {
		cfg.IdleConnections = 5
	}
	if cfg.MaxLifetime == 0 {
		cfg.MaxLifetime = 5 * time.Minute
	}
	if cfg.SSLMode == "" {
		cfg.SSLMode = "require"
	}
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode)

	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.IdleConnections)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	logger.Info("database connected",
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Database))
	return db, nil
}

// PostgresNotificationStore persists notification state in Postgres.
type PostgresNotificationStore struct {
	db *sqlx.DB
}

func NewPostgresNotificationStore(db *sqlx.DB) *PostgresNotificationStore {
	return &PostgresNotificationStore{db: db}
}

func (s *PostgresNotificationStore) SaveResult(ctx context.Context, event notification.Event, result notification.SendResult) error {
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	targetsJSON, err := json.Marshal(result.Targets)
	if err != nil {
		return fmt.Errorf("marshal targets: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO notifications (tenant_id, id, event, status, targets, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (tenant_id, id)
		DO UPDATE SET event = $3, status = $4, targets = $5, updated_at = NOW()`,
		event.TenantID, event.ID, eventJSON, string(result.Status), targetsJSON)
	if err != nil {
		return fmt.Errorf("save notification: %w", err)
	}
	return nil
}

func (s *PostgresNotificationStore) AppendDelivery(ctx context.Context, tenantID, notificationID string, rec notification.DeliveryRecord) error {
	recJSON, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal delivery: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications
		SET deliveries = COALESCE(deliveries, '[]'::jsonb) || $3::jsonb, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2`,
		tenantID, notificationID, recJSON)
	if err != nil {
		return fmt.Errorf("append delivery: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresNotificationStore) SetStatus(ctx context.Context, tenantID, notificationID string, status notification.Status) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET status = $3, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2`,
		tenantID, notificationID, string(status))
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresNotificationStore) Acknowledge(ctx context.Context, tenantID, notificationID, by string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications
		SET status = $3, acknowledged_by = $4, acknowledged_at = $5, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2 AND status <> $3`,
		tenantID, notificationID, string(notification.StatusAcknowledged), by, at)
	if err != nil {
		return false, fmt.Errorf("acknowledge: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		// Either missing or already acknowledged.
		var exists bool
		if err := s.db.GetContext(ctx, &exists,
			`SELECT EXISTS(SELECT 1 FROM notifications WHERE tenant_id = $1 AND id = $2)`,
			tenantID, notificationID); err != nil {
			return false, err
		}
		if !exists {
			return false, ErrNotFound
		}
		return false, nil
	}
	return true, nil
}

type notificationRow struct {
	Event          []byte         `db:"event"`
	Status         string         `db:"status"`
	Targets        []byte         `db:"targets"`
	Deliveries     []byte         `db:"deliveries"`
	AcknowledgedBy sql.NullString `db:"acknowledged_by"`
	AcknowledgedAt sql.NullTime   `db:"acknowledged_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

func (s *PostgresNotificationStore) Get(ctx context.Context, tenantID, notificationID string) (*NotificationRecord, error) {
	var row notificationRow
	err := s.db.GetContext(ctx, &row, `
		SELECT event, status, targets, deliveries, acknowledged_by, acknowledged_at, updated_at
		FROM notifications WHERE tenant_id = $1 AND id = $2`,
		tenantID, notificationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get notification: %w", err)
	}
	rec := &NotificationRecord{
		Status:    notification.Status(row.Status),
		UpdatedAt: row.UpdatedAt,
	}
	if err := json.Unmarshal(row.Event, &rec.Event); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if len(row.Targets) > 0 {
		if err := json.Unmarshal(row.Targets, &rec.Targets); err != nil {
			return nil, fmt.Errorf("decode targets: %w", err)
		}
	}
	if len(row.Deliveries) > 0 {
		if err := json.Unmarshal(row.Deliveries, &rec.Deliveries); err != nil {
			return nil, fmt.Errorf("decode deliveries: %w", err)
		}
	}
	if row.AcknowledgedBy.Valid {
		rec.AcknowledgedBy = row.AcknowledgedBy.String
	}
	if row.AcknowledgedAt.Valid {
		t := row.AcknowledgedAt.Time
		rec.AcknowledgedAt = &t
	}
	return rec, nil
}

// PostgresWorkflowStore persists workflow definitions as JSON documents.
type PostgresWorkflowStore struct {
	db *sqlx.DB
}

func NewPostgresWorkflowStore(db *sqlx.DB) *PostgresWorkflowStore {
	return &PostgresWorkflowStore{db: db}
}

func (s *PostgresWorkflowStore) Save(ctx context.Context, wf *workflow.Workflow) error {
	doc, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflows (tenant_id, id, name, is_active, definition, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (tenant_id, id)
		DO UPDATE SET name = $3, is_active = $4, definition = $5, updated_at = NOW()`,
		wf.TenantID, wf.ID, wf.Name, wf.IsActive, doc)
	if err != nil {
		return fmt.Errorf("save workflow: %w", err)
	}
	return nil
}

func (s *PostgresWorkflowStore) Get(ctx context.Context, tenantID, id string) (*workflow.Workflow, error) {
	var doc []byte
	err := s.db.GetContext(ctx, &doc,
		`SELECT definition FROM workflows WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	var wf workflow.Workflow
	if err := json.Unmarshal(doc, &wf); err != nil {
		return nil, fmt.Errorf("decode workflow: %w", err)
	}
	return &wf, nil
}

func (s *PostgresWorkflowStore) Delete(ctx context.Context, tenantID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM workflows WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresWorkflowStore) List(ctx context.Context, tenantID string) ([]*workflow.Workflow, error) {
	var docs [][]byte
	err := s.db.SelectContext(ctx, &docs,
		`SELECT definition FROM workflows WHERE tenant_id = $1 ORDER BY id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	out := make([]*workflow.Workflow, 0, len(docs))
	for _, doc := range docs {
		var wf workflow.Workflow
		if err := json.Unmarshal(doc, &wf); err != nil {
			return nil, fmt.Errorf("decode workflow: %w", err)
		}
		out = append(out, &wf)
	}
	return out, nil
}

// PostgresRunStore persists runs and node results.
type PostgresRunStore struct {
	db *sqlx.DB
}

func NewPostgresRunStore(db *sqlx.DB) *PostgresRunStore {
	return &PostgresRunStore{db: db}
}

func (s *PostgresRunStore) CreateRun(ctx context.Context, run *workflow.Run) error {
	doc, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_runs (tenant_id, id, workflow_id, status, start_time, document)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		run.TenantID, run.ID, run.WorkflowID, string(run.Status), run.StartTime, doc)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

func (s *PostgresRunStore) UpdateRun(ctx context.Context, run *workflow.Run) error {
	doc, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_runs SET status = $3, document = $4
		WHERE tenant_id = $1 AND id = $2
		  AND status NOT IN ('completed', 'failed', 'cancelled', 'timeout')`,
		run.TenantID, run.ID, string(run.Status), doc)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresRunStore) GetRun(ctx context.Context, tenantID, runID string) (*workflow.Run, error) {
	var doc []byte
	err := s.db.GetContext(ctx, &doc,
		`SELECT document FROM workflow_runs WHERE tenant_id = $1 AND id = $2`, tenantID, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	var run workflow.Run
	if err := json.Unmarshal(doc, &run); err != nil {
		return nil, fmt.Errorf("decode run: %w", err)
	}
	return &run, nil
}

func (s *PostgresRunStore) ListRuns(ctx context.Context, tenantID string, filter RunFilter) ([]*workflow.Run, error) {
	query := `SELECT document FROM workflow_runs WHERE tenant_id = $1`
	args := []interface{}{tenantID}
	if filter.WorkflowID != "" {
		args = append(args, filter.WorkflowID)
		query += fmt.Sprintf(" AND workflow_id = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if !filter.From.IsZero() {
		args = append(args, filter.From)
		query += fmt.Sprintf(" AND start_time >= $%d", len(args))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To)
		query += fmt.Sprintf(" AND start_time <= $%d", len(args))
	}
	size := filter.PageSize
	if size <= 0 {
		size = 50
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	args = append(args, size, (page-1)*size)
	query += fmt.Sprintf(" ORDER BY start_time DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	var docs [][]byte
	if err := s.db.SelectContext(ctx, &docs, query, args...); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	out := make([]*workflow.Run, 0, len(docs))
	for _, doc := range docs {
		var run workflow.Run
		if err := json.Unmarshal(doc, &run); err != nil {
			return nil, fmt.Errorf("decode run: %w", err)
		}
		out = append(out, &run)
	}
	return out, nil
}

func (s *PostgresRunStore) AppendNodeResult(ctx context.Context, res workflow.NodeResult) error {
	doc, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal node result: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO node_results (run_id, node_id, attempt, status, document)
		VALUES ($1, $2, $3, $4, $5)`,
		res.RunID, res.NodeID, res.Attempt, string(res.Status), doc)
	if err != nil {
		return fmt.Errorf("append node result: %w", err)
	}
	return nil
}

func (s *PostgresRunStore) NodeResults(ctx context.Context, tenantID, runID string) ([]workflow.NodeResult, error) {
	var docs [][]byte
	err := s.db.SelectContext(ctx, &docs, `
		SELECT nr.document FROM node_results nr
		JOIN workflow_runs r ON r.id = nr.run_id
		WHERE r.tenant_id = $1 AND nr.run_id = $2
		ORDER BY nr.id`, tenantID, runID)
	if err != nil {
		return nil, fmt.Errorf("node results: %w", err)
	}
	out := make([]workflow.NodeResult, 0, len(docs))
	for _, doc := range docs {
		var res workflow.NodeResult
		if err := json.Unmarshal(doc, &res); err != nil {
			return nil, fmt.Errorf("decode node result: %w", err)
		}
		out = append(out, res)
	}
	return out, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
