package workflow

import (
	"context"
	"encoding/json"
	"testing"

	"go.uber.org/zap"

	"github.com/notifyx/platform/internal/connectors"
)

func validatorRegistry(t *testing.T) *connectors.Registry {
	t.Helper()
	r := connectors.NewRegistry(zap.NewNop())
	err := r.Replace([]connectors.Manifest{
		{ID: "webhook.trigger", Version: "1.0.0", Type: connectors.TypeTrigger},
		{ID: "http", Version: "1.0.0", Type: connectors.TypeAction,
			InputSchema: json.RawMessage(`{
				"type": "object",
				"required": ["url"],
				"properties": {
					"url": {"type": "string"},
					"timeoutMs": {"type": "number"}
				}
			}`)},
		{ID: "http", Version: "2.0.0", Type: connectors.TypeAction},
		{ID: "setData", Version: "1.0.0", Type: connectors.TypeTransform},
	})
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func baseWorkflow() *Workflow {
	return &Workflow{
		ID:       "wf-1",
		TenantID: "acme",
		Name:     "deploy hook",
		Nodes: []Node{
			{ID: "start", Type: "webhook.trigger", IsEnabled: true},
			{ID: "call", Type: "http@1.0.0", IsEnabled: true,
				Config: map[string]interface{}{"url": "https://example.com", "timeoutMs": 500}},
		},
		Edges:    []Edge{{From: "start", To: "call"}},
		Triggers: []string{"start"},
	}
}

func validate(t *testing.T, wf *Workflow, creds CredentialLookup) []Diagnostic {
	t.Helper()
	v := NewValidator(validatorRegistry(t), creds, zap.NewNop())
	return v.Validate(context.Background(), wf)
}

func codes(diags []Diagnostic) []string {
	out := make([]string, len(diags))
	for i, d := range diags {
		out[i] = d.Code
	}
	return out
}

func TestValidateAcceptsWellFormedWorkflow(t *testing.T) {
	if diags := validate(t, baseWorkflow(), nil); len(diags) != 0 {
		t.Fatalf("unexpected diagnostics: %v", diags)
	}
}

func TestValidateRequiresExactlyOneTrigger(t *testing.T) {
	wf := baseWorkflow()
	wf.Triggers = nil
	diags := validate(t, wf, nil)
	if len(diags) == 0 || diags[0].Code != "missing_trigger" {
		t.Errorf("no trigger: %v", diags)
	}

	wf = baseWorkflow()
	wf.Triggers = []string{"start", "call"}
	diags = validate(t, wf, nil)
	if len(diags) == 0 || diags[0].Code != "multiple_triggers" {
		t.Errorf("two triggers: %v", diags)
	}
}

func TestValidateTriggerMustBeTriggerConnector(t *testing.T) {
	wf := baseWorkflow()
	wf.Triggers = []string{"call"}
	diags := validate(t, wf, nil)
	if len(diags) == 0 || diags[0].Code != "missing_trigger" || diags[0].NodeID != "call" {
		t.Errorf("action as trigger: %v", diags)
	}
}

func TestValidateUnknownConnector(t *testing.T) {
	wf := baseWorkflow()
	wf.Nodes = append(wf.Nodes, Node{ID: "mystery", Type: "teleport", IsEnabled: true})
	diags := validate(t, wf, nil)
	if len(diags) != 1 || diags[0].Code != "unknown_connector" || diags[0].NodeID != "mystery" {
		t.Errorf("unknown connector: %v", diags)
	}

	wf = baseWorkflow()
	wf.Nodes[1].Type = "http@9.9.9"
	diags = validate(t, wf, nil)
	if len(diags) != 1 || diags[0].Code != "unknown_connector" {
		t.Errorf("unknown version: %v", diags)
	}
}

func TestValidateConfigAgainstInputSchema(t *testing.T) {
	wf := baseWorkflow()
	wf.Nodes[1].Config = map[string]interface{}{"timeoutMs": 500} // url missing
	diags := validate(t, wf, nil)
	if len(diags) != 1 || diags[0].Code != "invalid_config" || diags[0].NodeID != "call" {
		t.Errorf("missing required field: %v", diags)
	}

	// http@2.0.0 carries no schema, any config passes.
	wf = baseWorkflow()
	wf.Nodes[1].Type = "http@2.0.0"
	wf.Nodes[1].Config = map[string]interface{}{"whatever": true}
	if diags := validate(t, wf, nil); len(diags) != 0 {
		t.Errorf("schemaless connector: %v", diags)
	}
}

func TestValidateDanglingEdges(t *testing.T) {
	wf := baseWorkflow()
	wf.Edges = append(wf.Edges, Edge{From: "call", To: "ghost"})
	diags := validate(t, wf, nil)
	if len(diags) != 1 || diags[0].Code != "dangling_edge" {
		t.Errorf("dangling edge: %v", diags)
	}
}

func TestValidateRejectsUndeclaredCycle(t *testing.T) {
	wf := baseWorkflow()
	wf.Nodes = append(wf.Nodes, Node{ID: "transform", Type: "setData", IsEnabled: true})
	wf.Edges = []Edge{
		{From: "start", To: "call"},
		{From: "call", To: "transform"},
		{From: "transform", To: "call"},
	}
	diags := validate(t, wf, nil)
	if len(diags) != 1 || diags[0].Code != "cycle" {
		t.Errorf("cycle: %v", diags)
	}
}

func TestValidateAllowsDeclaredLoopBackEdge(t *testing.T) {
	wf := baseWorkflow()
	wf.Nodes[1].ExecutionMode = ModeLoop
	wf.Nodes[1].LoopConfig = &LoopConfig{Kind: LoopForEach, ItemsPath: "{{input.items}}", BackEdgeFrom: "transform"}
	wf.Nodes = append(wf.Nodes, Node{ID: "transform", Type: "setData", IsEnabled: true})
	wf.Edges = []Edge{
		{From: "start", To: "call"},
		{From: "call", To: "transform"},
		{From: "transform", To: "call"},
	}
	if diags := validate(t, wf, nil); len(diags) != 0 {
		t.Errorf("declared back-edge: %v", diags)
	}
}

func TestValidateCredentialResolution(t *testing.T) {
	known := func(_ context.Context, tenantID, id string) bool {
		return tenantID == "acme" && id == "cred-slack"
	}

	wf := baseWorkflow()
	wf.Nodes[1].CredentialID = "cred-slack"
	if diags := validate(t, wf, known); len(diags) != 0 {
		t.Errorf("resolvable credential: %v", diags)
	}

	wf.Nodes[1].CredentialID = "cred-unknown"
	diags := validate(t, wf, known)
	if len(diags) != 1 || diags[0].Code != "missing_credential" || diags[0].NodeID != "call" {
		t.Errorf("unresolvable credential: %v", diags)
	}
}
