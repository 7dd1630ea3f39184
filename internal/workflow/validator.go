package workflow

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/notifyx/platform/internal/connectors"
)

// Diagnostic is one validator finding. Diagnostics come back in check order.
type Diagnostic struct {
	Code    string `json:"code"`
	NodeID  string `json:"nodeId,omitempty"`
	Message string `json:"message"`
}

func (d Diagnostic) String() string {
	if d.NodeID != "" {
		return fmt.Sprintf("%s [%s]: %s", d.Code, d.NodeID, d.Message)
	}
	return fmt.Sprintf("%s: %s", d.Code, d.Message)
}

// CredentialLookup reports whether a credential id resolves for the tenant.
type CredentialLookup func(ctx context.Context, tenantID, credentialID string) bool

// Validator checks workflow definitions against the connector registry.
type Validator struct {
	registry    *connectors.Registry
	credentials CredentialLookup
	logger      *zap.Logger
}

// NewValidator creates a validator. credentials may be nil to skip
// credential resolution.
func NewValidator(registry *connectors.Registry, credentials CredentialLookup, logger *zap.Logger) *Validator {
	return &Validator{registry: registry, credentials: credentials, logger: logger}
}

// Validate runs all checks in order and returns every finding. An empty
// result means the workflow is accepted.
func (v *Validator) Validate(ctx context.Context, wf *Workflow) []Diagnostic {
	var diags []Diagnostic
	diags = append(diags, v.checkTrigger(wf)...)
	diags = append(diags, v.checkNodeTypes(wf)...)
	diags = append(diags, v.checkConfigs(wf)...)
	diags = append(diags, v.checkEdges(wf)...)
	diags = append(diags, v.checkAcyclic(wf)...)
	diags = append(diags, v.checkCredentials(ctx, wf)...)
	if len(diags) > 0 {
		v.logger.Debug("workflow rejected",
			zap.String("tenant_id", wf.TenantID),
			zap.String("workflow_id", wf.ID),
			zap.Int("diagnostics", len(diags)))
	}
	return diags
}

// checkTrigger requires exactly one trigger node.
func (v *Validator) checkTrigger(wf *Workflow) []Diagnostic {
	if len(wf.Triggers) == 0 {
		return []Diagnostic{{Code: "missing_trigger", Message: "workflow has no trigger node"}}
	}
	if len(wf.Triggers) > 1 {
		return []Diagnostic{{Code: "multiple_triggers",
			Message: fmt.Sprintf("workflow declares %d triggers, exactly one is allowed", len(wf.Triggers))}}
	}
	id := wf.Triggers[0]
	node, ok := wf.NodeByID(id)
	if !ok {
		return []Diagnostic{{Code: "missing_trigger", NodeID: id,
			Message: fmt.Sprintf("trigger %q is not a node", id)}}
	}
	connID, version := SplitTypeRef(node.Type)
	if m := v.lookupManifest(connID, version); m != nil && m.Type != connectors.TypeTrigger {
		return []Diagnostic{{Code: "missing_trigger", NodeID: id,
			Message: fmt.Sprintf("node %q uses %s connector %q, not a trigger", id, m.Type, connID)}}
	}
	return nil
}

// checkNodeTypes requires every node type to be a registered connector
// version.
func (v *Validator) checkNodeTypes(wf *Workflow) []Diagnostic {
	var diags []Diagnostic
	for i := range wf.Nodes {
		node := &wf.Nodes[i]
		connID, version := SplitTypeRef(node.Type)
		if connID == "" {
			diags = append(diags, Diagnostic{Code: "unknown_connector", NodeID: node.ID,
				Message: "node has no type"})
			continue
		}
		if !v.registry.Has(connID) {
			diags = append(diags, Diagnostic{Code: "unknown_connector", NodeID: node.ID,
				Message: fmt.Sprintf("connector %q is not registered", connID)})
			continue
		}
		if version != "" {
			if _, ok := v.registry.Get(connID, version); !ok {
				diags = append(diags, Diagnostic{Code: "unknown_connector", NodeID: node.ID,
					Message: fmt.Sprintf("connector %s has no version %s", connID, version)})
			}
		}
	}
	return diags
}

// checkConfigs validates node config against the connector's input schema.
func (v *Validator) checkConfigs(wf *Workflow) []Diagnostic {
	var diags []Diagnostic
	for i := range wf.Nodes {
		node := &wf.Nodes[i]
		connID, version := SplitTypeRef(node.Type)
		m := v.lookupManifest(connID, version)
		if m == nil {
			continue // already reported by checkNodeTypes
		}
		schema, err := v.registry.InputSchema(m.ID, m.Version)
		if err != nil {
			diags = append(diags, Diagnostic{Code: "invalid_config", NodeID: node.ID, Message: err.Error()})
			continue
		}
		if schema == nil {
			continue
		}
		config := node.Config
		if config == nil {
			config = map[string]interface{}{}
		}
		if err := schema.Validate(normalizeForSchema(config)); err != nil {
			diags = append(diags, Diagnostic{Code: "invalid_config", NodeID: node.ID,
				Message: fmt.Sprintf("config does not match %s@%s input schema: %v", m.ID, m.Version, err)})
		}
	}
	return diags
}

// checkEdges requires every edge endpoint to resolve to a node.
func (v *Validator) checkEdges(wf *Workflow) []Diagnostic {
	var diags []Diagnostic
	for _, e := range wf.Edges {
		if _, ok := wf.NodeByID(e.From); !ok {
			diags = append(diags, Diagnostic{Code: "dangling_edge",
				Message: fmt.Sprintf("edge source %q is not a node", e.From)})
		}
		if _, ok := wf.NodeByID(e.To); !ok {
			diags = append(diags, Diagnostic{Code: "dangling_edge",
				Message: fmt.Sprintf("edge target %q is not a node", e.To)})
		}
	}
	return diags
}

// checkAcyclic runs Kahn's algorithm over the graph with declared loop
// back-edges removed; any remaining cycle is an error.
func (v *Validator) checkAcyclic(wf *Workflow) []Diagnostic {
	legalBackEdges := make(map[string]bool) // "from->to"
	for i := range wf.Nodes {
		node := &wf.Nodes[i]
		if node.LoopConfig != nil && node.LoopConfig.BackEdgeFrom != "" {
			legalBackEdges[node.LoopConfig.BackEdgeFrom+"->"+node.ID] = true
		}
	}

	inDegree := make(map[string]int, len(wf.Nodes))
	succ := make(map[string][]string, len(wf.Nodes))
	for i := range wf.Nodes {
		inDegree[wf.Nodes[i].ID] = 0
	}
	for _, e := range wf.Edges {
		if legalBackEdges[e.From+"->"+e.To] {
			continue
		}
		if _, ok := inDegree[e.From]; !ok {
			continue // dangling, reported elsewhere
		}
		if _, ok := inDegree[e.To]; !ok {
			continue
		}
		succ[e.From] = append(succ[e.From], e.To)
		inDegree[e.To]++
	}

	var queue []string
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	processed := 0
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		processed++
		for _, next := range succ[cur] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if processed == len(inDegree) {
		return nil
	}
	var cycleNodes []string
	for id, deg := range inDegree {
		if deg > 0 {
			cycleNodes = append(cycleNodes, id)
		}
	}
	return []Diagnostic{{Code: "cycle",
		Message: fmt.Sprintf("workflow graph has a cycle involving: %s", strings.Join(cycleNodes, ", "))}}
}

// checkCredentials requires every credential reference to resolve for the
// workflow's tenant.
func (v *Validator) checkCredentials(ctx context.Context, wf *Workflow) []Diagnostic {
	if v.credentials == nil {
		return nil
	}
	var diags []Diagnostic
	for i := range wf.Nodes {
		node := &wf.Nodes[i]
		if node.CredentialID == "" {
			continue
		}
		if !v.credentials(ctx, wf.TenantID, node.CredentialID) {
			diags = append(diags, Diagnostic{Code: "missing_credential", NodeID: node.ID,
				Message: fmt.Sprintf("credential %q does not resolve for this tenant", node.CredentialID)})
		}
	}
	return diags
}

func (v *Validator) lookupManifest(connID, version string) *connectors.Manifest {
	if version != "" {
		m, _ := v.registry.Get(connID, version)
		return m
	}
	if vs := v.registry.Versions(connID); len(vs) > 0 {
		return vs[0]
	}
	return nil
}

// SplitTypeRef splits a node type of the form "id" or "id@version".
func SplitTypeRef(t string) (id, version string) {
	if at := strings.Index(t, "@"); at > 0 {
		return t[:at], t[at+1:]
	}
	return t, ""
}

// normalizeForSchema converts config values into the shapes the schema
// validator expects (json.Unmarshal-like types).
func normalizeForSchema(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, item := range v {
			out[k] = normalizeForSchema(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = normalizeForSchema(item)
		}
		return out
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case float32:
		return float64(v)
	default:
		return v
	}
}
