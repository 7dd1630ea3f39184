// Package httpapi exposes the REST and websocket surface: notification
// ingest and status, workflow CRUD with validation, run control, realtime
// run events, and import/export.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/notifyx/platform/internal/auth"
	"github.com/notifyx/platform/internal/connectors"
	"github.com/notifyx/platform/internal/engine"
	"github.com/notifyx/platform/internal/health"
	"github.com/notifyx/platform/internal/metrics"
	"github.com/notifyx/platform/internal/notification"
	"github.com/notifyx/platform/internal/orchestrator"
	"github.com/notifyx/platform/internal/policy"
	"github.com/notifyx/platform/internal/store"
	"github.com/notifyx/platform/internal/workflow"
)

// Server wires the handlers to their collaborators.
type Server struct {
	logger        *zap.Logger
	orchestrator  *orchestrator.Orchestrator
	engine        *engine.Engine
	validator     *workflow.Validator
	resolver      *connectors.Resolver
	registry      *connectors.Registry
	bus           *workflow.EventBus
	workflows     store.WorkflowStore
	runs          store.RunStore
	notifications store.NotificationStore
	audit         store.AuditLog
	policies      *policy.Engine
	authmw        *auth.Middleware
	health        *health.Manager
}

// Deps collects the server's collaborators.
type Deps struct {
	Logger        *zap.Logger
	Orchestrator  *orchestrator.Orchestrator
	Engine        *engine.Engine
	Validator     *workflow.Validator
	Resolver      *connectors.Resolver
	Registry      *connectors.Registry
	Bus           *workflow.EventBus
	Workflows     store.WorkflowStore
	Runs          store.RunStore
	Notifications store.NotificationStore
	Audit         store.AuditLog
	Policies      *policy.Engine
	AuthMW        *auth.Middleware
	Health        *health.Manager
}

// NewServer builds the HTTP server.
func NewServer(d Deps) *Server {
	return &Server{
		logger:        d.Logger,
		orchestrator:  d.Orchestrator,
		engine:        d.Engine,
		validator:     d.Validator,
		resolver:      d.Resolver,
		registry:      d.Registry,
		bus:           d.Bus,
		workflows:     d.Workflows,
		runs:          d.Runs,
		notifications: d.Notifications,
		audit:         d.Audit,
		policies:      d.Policies,
		authmw:        d.AuthMW,
		health:        d.Health,
	}
}

// Routes builds the full handler chain: health endpoints unauthenticated,
// everything under /api behind the auth middleware.
func (s *Server) Routes() http.Handler {
	api := http.NewServeMux()

	api.HandleFunc("POST /api/notifications",
		auth.RequirePermission(auth.PermNotificationsSend, s.handleSendNotification))
	api.HandleFunc("GET /api/notifications/{id}",
		auth.RequirePermission(auth.PermNotificationsRead, s.handleGetNotification))
	api.HandleFunc("POST /api/notifications/{id}/ack",
		auth.RequirePermission(auth.PermNotificationsAck, s.handleAckNotification))

	api.HandleFunc("POST /api/workflows",
		auth.RequirePermission(auth.PermWorkflowsWrite, s.handleCreateWorkflow))
	api.HandleFunc("GET /api/workflows",
		auth.RequirePermission(auth.PermWorkflowsRead, s.handleListWorkflows))
	api.HandleFunc("GET /api/workflows/{id}",
		auth.RequirePermission(auth.PermWorkflowsRead, s.handleGetWorkflow))
	api.HandleFunc("PUT /api/workflows/{id}",
		auth.RequirePermission(auth.PermWorkflowsWrite, s.handleUpdateWorkflow))
	api.HandleFunc("DELETE /api/workflows/{id}",
		auth.RequirePermission(auth.PermWorkflowsWrite, s.handleDeleteWorkflow))
	api.HandleFunc("GET /api/workflows/{id}/export",
		auth.RequirePermission(auth.PermWorkflowsRead, s.handleExportWorkflow))
	api.HandleFunc("POST /api/workflows/import",
		auth.RequirePermission(auth.PermWorkflowsWrite, s.handleImportWorkflow))

	api.HandleFunc("POST /api/workflows/{id}/runs",
		auth.RequirePermission(auth.PermRunsExecute, s.handleStartRun))
	api.HandleFunc("GET /api/workflows/{id}/runs",
		auth.RequirePermission(auth.PermRunsRead, s.handleListRuns))
	api.HandleFunc("GET /api/runs/{id}",
		auth.RequirePermission(auth.PermRunsRead, s.handleGetRun))
	api.HandleFunc("GET /api/runs/{id}/nodes",
		auth.RequirePermission(auth.PermRunsRead, s.handleRunNodes))
	api.HandleFunc("POST /api/runs/{id}/replay",
		auth.RequirePermission(auth.PermRunsExecute, s.handleReplayRun))
	api.HandleFunc("POST /api/runs/{id}/cancel",
		auth.RequirePermission(auth.PermRunsExecute, s.handleCancelRun))

	api.HandleFunc("GET /api/ws", s.handleWebSocket)
	api.HandleFunc("GET /api/connectors", s.handleListConnectors)

	root := http.NewServeMux()
	if s.health != nil {
		root.HandleFunc("GET /health", s.health.Handler())
		root.HandleFunc("GET /health/ready", s.health.ReadyHandler())
		root.HandleFunc("GET /health/live", s.health.LiveHandler())
	}
	var apiHandler http.Handler = api
	if s.authmw != nil {
		apiHandler = s.authmw.Handler(api)
	}
	root.Handle("/api/", apiHandler)

	return s.instrument(root)
}

// instrument records request metrics and access logs.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := r.URL.Path
		if pattern := r.Pattern; pattern != "" {
			route = pattern
		}
		metrics.RecordHTTPRequest(r.Method, route, strconv.Itoa(sw.status), time.Since(start).Seconds())
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("duration", time.Since(start)))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// policyDenied surfaces as 403 rather than a taxonomy status.
type policyDenied struct{ reason string }

func (e *policyDenied) Error() string { return "denied by policy: " + e.reason }

// writeError maps the error taxonomy onto status codes; unclassified
// errors become 500 with a generic message.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var pd *policyDenied
	if errors.As(err, &pd) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": pd.Error()})
		return
	}
	var ne *notification.Error
	if errors.As(err, &ne) {
		status := ne.Kind.HTTPStatus()
		if ne.Code == "not_found" {
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]string{
			"error": ne.Message,
			"code":  ne.Code,
		})
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	if errors.Is(err, store.ErrConflict) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "conflict"})
		return
	}
	s.logger.Error("request failed", zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

// tenantOf extracts the authenticated tenant. The auth middleware
// guarantees a principal on every /api route.
func tenantOf(r *http.Request) string {
	if p, ok := auth.PrincipalFromContext(r.Context()); ok {
		return p.TenantID
	}
	return ""
}

func userOf(r *http.Request) string {
	if p, ok := auth.PrincipalFromContext(r.Context()); ok {
		return p.UserID
	}
	return ""
}

// checkPolicy consults the policy engine when one is configured. A deny
// surfaces as 403 via a classified error.
func (s *Server) checkPolicy(ctx context.Context, in *policy.Input) error {
	if s.policies == nil || !s.policies.IsEnabled() {
		return nil
	}
	d, err := s.policies.Evaluate(ctx, in)
	if err != nil {
		return err
	}
	if !d.Allow {
		return &policyDenied{reason: d.Reason}
	}
	return nil
}
