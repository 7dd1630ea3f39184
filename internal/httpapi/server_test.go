package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/notifyx/platform/internal/auth"
	"github.com/notifyx/platform/internal/circuitbreaker"
	"github.com/notifyx/platform/internal/connectors"
	"github.com/notifyx/platform/internal/dlq"
	"github.com/notifyx/platform/internal/engine"
	"github.com/notifyx/platform/internal/notification"
	"github.com/notifyx/platform/internal/orchestrator"
	"github.com/notifyx/platform/internal/provider"
	"github.com/notifyx/platform/internal/queue"
	"github.com/notifyx/platform/internal/ratelimit"
	"github.com/notifyx/platform/internal/rules"
	"github.com/notifyx/platform/internal/store"
	"github.com/notifyx/platform/internal/template"
	"github.com/notifyx/platform/internal/workflow"
)

type stubEmailProvider struct{}

func (stubEmailProvider) Name() string                  { return "stub-email" }
func (stubEmailProvider) Channel() notification.Channel { return notification.ChannelEmail }
func (stubEmailProvider) Validate(notification.Event, notification.Recipient) notification.ValidationResult {
	return notification.ValidationResult{Valid: true}
}
func (stubEmailProvider) Send(context.Context, *notification.QueueMessage, template.Rendered) notification.DeliveryResult {
	return notification.DeliveryResult{Success: true}
}
func (stubEmailProvider) Health(context.Context) error           { return nil }
func (stubEmailProvider) Configure(map[string]interface{}) error { return nil }

type apiEnv struct {
	handler   http.Handler
	token     string
	viewer    string
	runs      store.RunStore
	workflows store.WorkflowStore
	bus       *workflow.EventBus
	engine    *engine.Engine
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	logger := zap.NewNop()

	notifStore := store.NewMemoryNotificationStore()
	wfStore := store.NewMemoryWorkflowStore()
	runStore := store.NewMemoryRunStore()
	idem := store.NewMemoryIdempotencyStore(time.Minute)
	audit := store.NewZapAuditLog(logger)

	dlqStore := dlq.NewStore(100, logger)
	q := queue.New(queue.Config{MaxPending: 1000}, dlqStore, logger)
	limiter := ratelimit.New(ratelimit.Config{Enabled: false}, logger)
	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{}, logger)
	providers := provider.NewRegistry(breakers, logger)
	providers.Register(stubEmailProvider{})

	orch := orchestrator.New(orchestrator.Config{DefaultTenantID: "acme"},
		q, limiter, providers, notifStore, idem, audit, logger)
	orch.SetRuleEngine(rules.NewEngine(orch.Resubmit, logger))
	t.Cleanup(orch.Close)

	registry := connectors.NewRegistry(logger)
	if err := registry.Replace([]connectors.Manifest{
		{ID: "webhook.trigger", Version: "1.0.0", Type: connectors.TypeTrigger},
		{ID: "setData", Version: "1.0.0", Type: connectors.TypeTransform},
		{ID: "setData", Version: "2.0.0", Type: connectors.TypeTransform},
	}); err != nil {
		t.Fatal(err)
	}
	validator := workflow.NewValidator(registry, nil, logger)
	resolver := connectors.NewResolver(registry, connectors.HighestCompatible)

	adapters := workflow.NewAdapterRegistry()
	adapters.Register(workflow.TriggerAdapter{})
	adapters.Register(workflow.SetDataAdapter{})

	bus := workflow.NewEventBus(64)
	creds, err := store.NewEncryptedCredentialStore(bytes.Repeat([]byte("k"), 32))
	if err != nil {
		t.Fatal(err)
	}
	eng := engine.New(engine.Config{RunTimeout: 5 * time.Second, NodeTimeout: time.Second},
		wfStore, runStore, creds, adapters, bus, logger)

	jwtMgr, err := auth.NewJWTManager(auth.JWTConfig{SecretKey: "httpapi-test-secret"})
	if err != nil {
		t.Fatal(err)
	}
	keys := auth.NewAPIKeyStore()
	authmw := auth.NewMiddleware(jwtMgr, keys, logger)

	srv := NewServer(Deps{
		Logger:        logger,
		Orchestrator:  orch,
		Engine:        eng,
		Validator:     validator,
		Resolver:      resolver,
		Registry:      registry,
		Bus:           bus,
		Workflows:     wfStore,
		Runs:          runStore,
		Notifications: notifStore,
		Audit:         audit,
		AuthMW:        authmw,
	})

	token, err := jwtMgr.Generate("acme", "user-1", []string{auth.RoleAdmin})
	if err != nil {
		t.Fatal(err)
	}
	viewer, err := jwtMgr.Generate("acme", "viewer-1", []string{auth.RoleViewer})
	if err != nil {
		t.Fatal(err)
	}

	return &apiEnv{
		handler:   srv.Routes(),
		token:     token,
		viewer:    viewer,
		runs:      runStore,
		workflows: wfStore,
		bus:       bus,
		engine:    eng,
	}
}

func (e *apiEnv) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func sampleEvent() map[string]interface{} {
	return map[string]interface{}{
		"event_type": "welcome",
		"subject":    "Hi",
		"content":    "Hello {{name}}",
		"recipients": []map[string]interface{}{
			{"id": "r1", "email": "a@example.com", "metadata": map[string]interface{}{"name": "A"}},
		},
		"preferred_channels": []string{"email"},
	}
}

func sampleWorkflow() map[string]interface{} {
	return map[string]interface{}{
		"name":     "pipeline",
		"isActive": true,
		"nodes": []map[string]interface{}{
			{"id": "start", "type": "webhook.trigger", "isEnabled": true},
			{"id": "set", "type": "setData", "isEnabled": true,
				"config": map[string]interface{}{"values": map[string]interface{}{"k": "v"}}},
		},
		"edges":    []map[string]interface{}{{"from": "start", "to": "set"}},
		"triggers": []string{"start"},
	}
}

func TestSendNotificationEndpoint(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodPost, "/api/notifications", env.token, sampleEvent())
	if rec.Code != http.StatusCreated {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	id, _ := body["notificationId"].(string)
	if id == "" {
		t.Fatalf("missing notificationId: %v", body)
	}
	if body["status"] != "queued" {
		t.Errorf("status = %v", body["status"])
	}
	targets, _ := body["perTargetResults"].([]interface{})
	if len(targets) != 1 {
		t.Errorf("targets = %v", targets)
	}

	rec = env.do(t, http.MethodGet, "/api/notifications/"+id, env.token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/notifications/"+id+"/ack", env.token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ack status %d: %s", rec.Code, rec.Body.String())
	}
	// Acks are idempotent.
	rec = env.do(t, http.MethodPost, "/api/notifications/"+id+"/ack", env.token, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("second ack status %d", rec.Code)
	}
}

func TestSendNotificationValidation(t *testing.T) {
	env := newAPIEnv(t)
	event := sampleEvent()
	delete(event, "recipients")
	rec := env.do(t, http.MethodPost, "/api/notifications", env.token, event)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
}

func TestGetNotificationNotFound(t *testing.T) {
	env := newAPIEnv(t)
	rec := env.do(t, http.MethodGet, "/api/notifications/nope", env.token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	env := newAPIEnv(t)
	rec := env.do(t, http.MethodPost, "/api/notifications", "", sampleEvent())
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestViewerCannotSend(t *testing.T) {
	env := newAPIEnv(t)
	rec := env.do(t, http.MethodPost, "/api/notifications", env.viewer, sampleEvent())
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	// Viewers can still read.
	rec = env.do(t, http.MethodGet, "/api/workflows", env.viewer, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("viewer read status %d", rec.Code)
	}
}

func TestWorkflowCRUD(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodPost, "/api/workflows", env.token, sampleWorkflow())
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status %d: %s", rec.Code, rec.Body.String())
	}
	created := decodeBody(t, rec)
	id, _ := created["id"].(string)
	if id == "" {
		t.Fatal("missing workflow id")
	}
	if created["version"] != float64(1) {
		t.Errorf("version = %v", created["version"])
	}

	rec = env.do(t, http.MethodGet, "/api/workflows/"+id, env.token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status %d", rec.Code)
	}

	update := sampleWorkflow()
	update["name"] = "pipeline v2"
	rec = env.do(t, http.MethodPut, "/api/workflows/"+id, env.token, update)
	if rec.Code != http.StatusOK {
		t.Fatalf("update status %d: %s", rec.Code, rec.Body.String())
	}
	updated := decodeBody(t, rec)
	if updated["version"] != float64(2) {
		t.Errorf("version after update = %v", updated["version"])
	}

	rec = env.do(t, http.MethodDelete, "/api/workflows/"+id, env.token, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/api/workflows/"+id, env.token, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete status %d", rec.Code)
	}
}

func TestWorkflowValidationRejected(t *testing.T) {
	env := newAPIEnv(t)
	wf := sampleWorkflow()
	wf["triggers"] = []string{}
	rec := env.do(t, http.MethodPost, "/api/workflows", env.token, wf)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["diagnostics"] == nil {
		t.Errorf("missing diagnostics: %v", body)
	}
}

func TestRunLifecycleEndpoints(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodPost, "/api/workflows", env.token, sampleWorkflow())
	if rec.Code != http.StatusCreated {
		t.Fatalf("create workflow: %d", rec.Code)
	}
	wfID := decodeBody(t, rec)["id"].(string)

	rec = env.do(t, http.MethodPost, "/api/workflows/"+wfID+"/runs", env.token,
		map[string]interface{}{"input": map[string]interface{}{"x": 1}})
	if rec.Code != http.StatusCreated {
		t.Fatalf("start run: %d: %s", rec.Code, rec.Body.String())
	}
	runID := decodeBody(t, rec)["runId"].(string)

	waitRunTerminal(t, env, runID)

	rec = env.do(t, http.MethodGet, "/api/runs/"+runID, env.token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get run: %d", rec.Code)
	}
	run := decodeBody(t, rec)
	if run["status"] != string(workflow.RunCompleted) {
		t.Errorf("run status = %v", run["status"])
	}

	rec = env.do(t, http.MethodGet, "/api/runs/"+runID+"/nodes", env.token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("nodes: %d", rec.Code)
	}
	nodes, _ := decodeBody(t, rec)["nodes"].([]interface{})
	if len(nodes) != 2 {
		t.Errorf("node results = %d", len(nodes))
	}

	rec = env.do(t, http.MethodGet, "/api/workflows/"+wfID+"/runs?status=completed", env.token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list runs: %d", rec.Code)
	}
	listed, _ := decodeBody(t, rec)["runs"].([]interface{})
	if len(listed) != 1 {
		t.Errorf("listed runs = %d", len(listed))
	}

	rec = env.do(t, http.MethodPost, "/api/runs/"+runID+"/replay", env.token, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("replay: %d: %s", rec.Code, rec.Body.String())
	}
	replayID := decodeBody(t, rec)["runId"].(string)
	if replayID == runID {
		t.Error("replay must mint a fresh run id")
	}
	waitRunTerminal(t, env, replayID)
}

func TestCancelFinishedRunConflicts(t *testing.T) {
	env := newAPIEnv(t)
	rec := env.do(t, http.MethodPost, "/api/workflows", env.token, sampleWorkflow())
	wfID := decodeBody(t, rec)["id"].(string)
	rec = env.do(t, http.MethodPost, "/api/workflows/"+wfID+"/runs", env.token, nil)
	runID := decodeBody(t, rec)["runId"].(string)
	waitRunTerminal(t, env, runID)

	rec = env.do(t, http.MethodPost, "/api/runs/"+runID+"/cancel", env.token, nil)
	if rec.Code == http.StatusOK {
		t.Errorf("cancelling a finished run should fail, got %d", rec.Code)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	env := newAPIEnv(t)
	rec := env.do(t, http.MethodPost, "/api/workflows", env.token, sampleWorkflow())
	wfID := decodeBody(t, rec)["id"].(string)

	rec = env.do(t, http.MethodGet, "/api/workflows/"+wfID+"/export", env.token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("export: %d: %s", rec.Code, rec.Body.String())
	}
	var doc exportDocument
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatal(err)
	}
	if doc.Workflow == nil || len(doc.Lockfile) == 0 {
		t.Fatalf("incomplete export: %+v", doc)
	}
	// Unversioned setData resolves to the highest available version.
	if doc.Lockfile["setData"] != "2.0.0" {
		t.Errorf("lockfile = %v", doc.Lockfile)
	}

	doc.Workflow.ID = ""
	rec = env.do(t, http.MethodPost, "/api/workflows/import", env.token, doc)
	if rec.Code != http.StatusCreated {
		t.Fatalf("import: %d: %s", rec.Code, rec.Body.String())
	}
}

func TestImportWithUnsatisfiableLockfile(t *testing.T) {
	env := newAPIEnv(t)
	rec := env.do(t, http.MethodPost, "/api/workflows", env.token, sampleWorkflow())
	wfID := decodeBody(t, rec)["id"].(string)
	rec = env.do(t, http.MethodGet, "/api/workflows/"+wfID+"/export", env.token, nil)
	var doc exportDocument
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatal(err)
	}
	doc.Workflow.ID = ""
	doc.Lockfile["setData"] = "9.9.9"
	rec = env.do(t, http.MethodPost, "/api/workflows/import", env.token, doc)
	if rec.Code != http.StatusConflict {
		t.Fatalf("import with bad lockfile: %d: %s", rec.Code, rec.Body.String())
	}
}

func TestWebSocketRunEvents(t *testing.T) {
	env := newAPIEnv(t)
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	rec := env.do(t, http.MethodPost, "/api/workflows", env.token, sampleWorkflow())
	wfID := decodeBody(t, rec)["id"].(string)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
	header := http.Header{"Authorization": {"Bearer " + env.token}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial: %v (resp %v)", err, resp)
	}
	defer conn.Close()

	if err := conn.WriteJSON(wsRequest{Action: "subscribeWorkflow", ID: wfID}); err != nil {
		t.Fatal(err)
	}
	var ack wsResponse
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&ack); err != nil || ack.Status != "ok" {
		t.Fatalf("subscribe ack: %+v %v", ack, err)
	}

	rec = env.do(t, http.MethodPost, "/api/workflows/"+wfID+"/runs", env.token, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("start run: %d", rec.Code)
	}
	runID := decodeBody(t, rec)["runId"].(string)

	var lastSeq uint64
	sawTerminal := false
	for !sawTerminal {
		var evt workflow.Event
		_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		if err := conn.ReadJSON(&evt); err != nil {
			t.Fatalf("read event: %v", err)
		}
		if evt.RunID != runID {
			continue
		}
		if evt.Seq < lastSeq {
			t.Fatalf("seq went backwards: %d after %d", evt.Seq, lastSeq)
		}
		lastSeq = evt.Seq
		if evt.Type == workflow.EventRunCompleted || evt.Type == workflow.EventRunFailed {
			sawTerminal = true
			if evt.Type != workflow.EventRunCompleted {
				t.Errorf("terminal event %s", evt.Type)
			}
		}
	}
}

func TestWebSocketRejectsForeignSubscriptions(t *testing.T) {
	env := newAPIEnv(t)
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	foreign := &workflow.Workflow{ID: "wf-globex", TenantID: "globex", Name: "theirs"}
	if err := env.workflows.Save(context.Background(), foreign); err != nil {
		t.Fatal(err)
	}

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
	header := http.Header{"Authorization": {"Bearer " + env.token}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(wsRequest{Action: "subscribeWorkflow", ID: foreign.ID}); err != nil {
		t.Fatal(err)
	}
	var resp wsResponse
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "error" || resp.Error != "workflow not found" {
		t.Fatalf("foreign workflow subscription: %+v", resp)
	}

	if err := conn.WriteJSON(wsRequest{Action: "subscribeRun", ID: "run-nope"}); err != nil {
		t.Fatal(err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "error" || resp.Error != "run not found" {
		t.Fatalf("unknown run subscription: %+v", resp)
	}
}

func TestWebSocketReplaysBufferedEvents(t *testing.T) {
	env := newAPIEnv(t)
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	rec := env.do(t, http.MethodPost, "/api/workflows", env.token, sampleWorkflow())
	wfID := decodeBody(t, rec)["id"].(string)
	rec = env.do(t, http.MethodPost, "/api/workflows/"+wfID+"/runs", env.token, nil)
	runID := decodeBody(t, rec)["runId"].(string)
	waitRunTerminal(t, env, runID)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
	header := http.Header{"Authorization": {"Bearer " + env.token}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	since := uint64(0)
	if err := conn.WriteJSON(wsRequest{Action: "subscribeRun", ID: runID, Since: &since}); err != nil {
		t.Fatal(err)
	}
	var ack wsResponse
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&ack); err != nil || ack.Status != "ok" {
		t.Fatalf("subscribe ack: %+v %v", ack, err)
	}

	// The whole run already happened, so the first replayed event must be
	// the very first one recorded for the run.
	var evt workflow.Event
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&evt); err != nil {
		t.Fatalf("read replayed event: %v", err)
	}
	if evt.Seq != 1 || evt.RunID != runID {
		t.Fatalf("first replayed event: %+v", evt)
	}
}

func TestUnknownPathNotFound(t *testing.T) {
	env := newAPIEnv(t)
	rec := env.do(t, http.MethodGet, "/nope", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status %d", rec.Code)
	}
}

func waitRunTerminal(t *testing.T, env *apiEnv, runID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := env.runs.GetRun(context.Background(), "acme", runID)
		if err == nil && run.Status.Terminal() {
			if run.Status != workflow.RunCompleted {
				t.Fatalf("run finished %s: %s", run.Status, run.Error)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s never finished", runID)
}
