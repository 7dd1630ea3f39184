package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/notifyx/platform/internal/connectors"
	"github.com/notifyx/platform/internal/policy"
	"github.com/notifyx/platform/internal/store"
	"github.com/notifyx/platform/internal/workflow"
)

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var wf workflow.Workflow
	if err := json.NewDecoder(r.Body).Decode(&wf); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	wf.TenantID = tenantOf(r)
	if wf.ID == "" {
		wf.ID = uuid.New().String()
	}
	wf.Version = 1
	wf.CreatedAt = time.Now().UTC()
	wf.UpdatedAt = wf.CreatedAt

	if diags := s.validator.Validate(r.Context(), &wf); len(diags) > 0 {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":       "workflow validation failed",
			"diagnostics": diags,
		})
		return
	}
	if err := s.workflows.Save(r.Context(), &wf); err != nil {
		s.writeError(w, err)
		return
	}
	s.audit.Record(r.Context(), store.AuditEntry{
		TenantID: wf.TenantID, UserID: userOf(r),
		Action: "workflow.create", EntityID: wf.ID,
	})
	writeJSON(w, http.StatusCreated, wf)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	list, err := s.workflows.List(r.Context(), tenantOf(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"workflows": list})
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.workflows.Get(r.Context(), tenantOf(r), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleUpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantOf(r)
	id := r.PathValue("id")
	existing, err := s.workflows.Get(r.Context(), tenantID, id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var wf workflow.Workflow
	if err := json.NewDecoder(r.Body).Decode(&wf); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	wf.ID = id
	wf.TenantID = tenantID
	wf.Version = existing.Version + 1
	wf.CreatedAt = existing.CreatedAt
	wf.UpdatedAt = time.Now().UTC()

	if diags := s.validator.Validate(r.Context(), &wf); len(diags) > 0 {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":       "workflow validation failed",
			"diagnostics": diags,
		})
		return
	}
	if err := s.workflows.Save(r.Context(), &wf); err != nil {
		s.writeError(w, err)
		return
	}
	s.audit.Record(r.Context(), store.AuditEntry{
		TenantID: tenantID, UserID: userOf(r),
		Action: "workflow.update", EntityID: id,
	})
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantOf(r)
	id := r.PathValue("id")
	if err := s.workflows.Delete(r.Context(), tenantID, id); err != nil {
		s.writeError(w, err)
		return
	}
	s.audit.Record(r.Context(), store.AuditEntry{
		TenantID: tenantID, UserID: userOf(r),
		Action: "workflow.delete", EntityID: id,
	})
	w.WriteHeader(http.StatusNoContent)
}

// exportDocument is the import/export file format.
type exportDocument struct {
	Workflow   *workflow.Workflow `json:"workflow"`
	Connectors []connectorPin     `json:"connectors"`
	Lockfile   map[string]string  `json:"lockfile"`
}

type connectorPin struct {
	ID      string `json:"id"`
	Version string `json:"version"`
}

// handleExportWorkflow snapshots the workflow together with the resolved
// connector versions it needs right now.
func (s *Server) handleExportWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.workflows.Get(r.Context(), tenantOf(r), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	res := s.resolver.Resolve(workflowRequirements(wf), nil)
	if !res.Success {
		s.writeError(w, connectors.ResolutionError(res))
		return
	}

	doc := exportDocument{Workflow: wf, Lockfile: res.Versions}
	for id, version := range res.Versions {
		doc.Connectors = append(doc.Connectors, connectorPin{ID: id, Version: version})
	}
	writeJSON(w, http.StatusOK, doc)
}

// handleImportWorkflow validates the embedded workflow and resolves its
// connectors under the document's lockfile before saving.
func (s *Server) handleImportWorkflow(w http.ResponseWriter, r *http.Request) {
	var doc exportDocument
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil || doc.Workflow == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid import document"})
		return
	}
	wf := doc.Workflow
	wf.TenantID = tenantOf(r)
	if wf.ID == "" {
		wf.ID = uuid.New().String()
	}
	wf.Version = 1
	wf.CreatedAt = time.Now().UTC()
	wf.UpdatedAt = wf.CreatedAt

	if diags := s.validator.Validate(r.Context(), wf); len(diags) > 0 {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":       "workflow validation failed",
			"diagnostics": diags,
		})
		return
	}
	res := s.resolver.Resolve(workflowRequirements(wf), doc.Lockfile)
	if !res.Success {
		s.writeError(w, connectors.ResolutionError(res))
		return
	}
	if err := s.workflows.Save(r.Context(), wf); err != nil {
		s.writeError(w, err)
		return
	}
	s.audit.Record(r.Context(), store.AuditEntry{
		TenantID: wf.TenantID, UserID: userOf(r),
		Action: "workflow.import", EntityID: wf.ID,
		Detail: map[string]interface{}{"resolved": res.Versions},
	})
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"workflow": wf,
		"lockfile": res.Versions,
	})
}

// workflowRequirements derives the connector requirements from the node
// types: versioned refs pin exactly, plain refs accept any version.
func workflowRequirements(wf *workflow.Workflow) []connectors.Requirement {
	seen := map[string]string{}
	for _, n := range wf.Nodes {
		id, version := workflow.SplitTypeRef(n.Type)
		rng := "*"
		if version != "" {
			rng = version
		}
		if prev, ok := seen[id]; !ok || prev == "*" {
			seen[id] = rng
		}
	}
	reqs := make([]connectors.Requirement, 0, len(seen))
	for id, rng := range seen {
		reqs = append(reqs, connectors.Requirement{ID: id, Range: rng})
	}
	return reqs
}

func (s *Server) handleListConnectors(w http.ResponseWriter, r *http.Request) {
	ids := s.registry.IDs()
	out := make(map[string][]*connectors.Manifest, len(ids))
	for _, id := range ids {
		out[id] = s.registry.Versions(id)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"connectors": out})
}

// handleStartRun triggers a workflow run.
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantOf(r)
	workflowID := r.PathValue("id")

	var body struct {
		Input map[string]interface{} `json:"input"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	if err := s.checkPolicy(r.Context(), &policy.Input{
		TenantID:   tenantID,
		UserID:     userOf(r),
		Action:     "workflow.run",
		WorkflowID: workflowID,
	}); err != nil {
		s.writeError(w, err)
		return
	}

	run, err := s.engine.StartRun(r.Context(), tenantID, workflowID, body.Input, "api:"+userOf(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.audit.Record(r.Context(), store.AuditEntry{
		TenantID: tenantID, UserID: userOf(r),
		Action: "run.start", EntityID: run.ID,
		Detail: map[string]interface{}{"workflow_id": workflowID},
	})
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"runId":  run.ID,
		"status": run.Status,
	})
}
