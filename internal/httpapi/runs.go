package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/notifyx/platform/internal/store"
	"github.com/notifyx/platform/internal/workflow"
)

const defaultPageSize = 50

// handleListRuns serves GET /api/workflows/{id}/runs with status, from,
// to and page filters. Timestamps are RFC 3339.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := store.RunFilter{
		WorkflowID: r.PathValue("id"),
		PageSize:   defaultPageSize,
	}
	q := r.URL.Query()
	if v := q.Get("status"); v != "" {
		filter.Status = workflow.RunStatus(v)
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid from timestamp"})
			return
		}
		filter.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid to timestamp"})
			return
		}
		filter.To = t
	}
	if v := q.Get("page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Page = n
		}
	}

	runs, err := s.runs.ListRuns(r.Context(), tenantOf(r), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"runs": runs,
		"page": filter.Page,
	})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.GetRun(r.Context(), tenantOf(r), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunNodes(w http.ResponseWriter, r *http.Request) {
	results, err := s.runs.NodeResults(r.Context(), tenantOf(r), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"nodes": results})
}

func (s *Server) handleReplayRun(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantOf(r)
	runID := r.PathValue("id")
	run, err := s.engine.Replay(r.Context(), tenantID, runID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.audit.Record(r.Context(), store.AuditEntry{
		TenantID: tenantID, UserID: userOf(r),
		Action: "run.replay", EntityID: run.ID,
		Detail: map[string]interface{}{"source_run_id": runID},
	})
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"runId":  run.ID,
		"status": run.Status,
	})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantOf(r)
	runID := r.PathValue("id")
	if err := s.engine.Cancel(r.Context(), tenantID, runID); err != nil {
		s.writeError(w, err)
		return
	}
	s.audit.Record(r.Context(), store.AuditEntry{
		TenantID: tenantID, UserID: userOf(r),
		Action: "run.cancel", EntityID: runID,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}
