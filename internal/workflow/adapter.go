package workflow

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/notifyx/platform/internal/expr"
)

// Execution is the invocation context handed to an adapter for one node
// attempt. Scope layers run input, prior node outputs and workflow globals;
// Credential carries decrypted secret material for the duration of the call
// only.
type Execution struct {
	TenantID   string
	RunID      string
	Node       *Node
	Config     map[string]interface{}
	Scope      map[string]interface{}
	Credential *Credential
	Logger     *zap.Logger
}

// substitute renders {{path}} tokens in s against the execution scope.
func (ex *Execution) substitute(s string) string {
	out, warnings := expr.Substitute(s, ex.Scope)
	for _, w := range warnings {
		ex.Logger.Debug("substitution warning",
			zap.String("run_id", ex.RunID),
			zap.String("node_id", ex.Node.ID),
			zap.String("warning", w))
	}
	return out
}

// configString reads a config key as a token-substituted string.
func (ex *Execution) configString(key string) string {
	v, ok := ex.Config[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return expr.Stringify(v)
	}
	return ex.substitute(s)
}

// Adapter executes one connector type. Implementations must honor ctx
// cancellation; the engine wraps calls with the node timeout.
type Adapter interface {
	Type() string
	Execute(ctx context.Context, ex *Execution) (map[string]interface{}, error)
}

// AdapterRegistry maps connector ids to adapters.
type AdapterRegistry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewAdapterRegistry creates an empty adapter registry.
func NewAdapterRegistry() *AdapterRegistry {
	return &AdapterRegistry{adapters: make(map[string]Adapter)}
}

// Register installs an adapter, replacing any previous one for the type.
func (r *AdapterRegistry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Type()] = a
}

// Lookup finds the adapter for a node type. Versioned types ("http@1.2.0")
// resolve by connector id.
func (r *AdapterRegistry) Lookup(nodeType string) (Adapter, bool) {
	id, _ := SplitTypeRef(nodeType)
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[id]
	return a, ok
}

// Types lists registered adapter types.
func (r *AdapterRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for t := range r.adapters {
		out = append(out, t)
	}
	return out
}

// TriggerAdapter starts a run: it passes the trigger payload through as the
// node output so downstream nodes can reference it.
type TriggerAdapter struct{}

func (TriggerAdapter) Type() string { return "webhook.trigger" }

func (TriggerAdapter) Execute(_ context.Context, ex *Execution) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(ex.Scope)+1)
	if input, ok := ex.Scope["input"].(map[string]interface{}); ok {
		for k, v := range input {
			out[k] = v
		}
	}
	out["triggeredAt"] = ex.Scope["triggeredAt"]
	return out, nil
}

// SetDataAdapter writes computed values into the run scope. String values go
// through token substitution; a value that is exactly one {{path}} token
// keeps the looked-up value's type instead of flattening to a string.
type SetDataAdapter struct{}

func (SetDataAdapter) Type() string { return "setData" }

func (SetDataAdapter) Execute(_ context.Context, ex *Execution) (map[string]interface{}, error) {
	values, _ := ex.Config["values"].(map[string]interface{})
	if values == nil {
		return nil, fmt.Errorf("setData: missing values")
	}
	coerce, _ := ex.Config["coerce"].(bool)
	out := make(map[string]interface{}, len(values))
	for key, raw := range values {
		s, isString := raw.(string)
		if !isString {
			out[key] = raw
			continue
		}
		if path, ok := singleToken(s); ok {
			if v, found := expr.Lookup(path, ex.Scope); found {
				out[key] = v
				continue
			}
			out[key] = nil
			continue
		}
		rendered := ex.substitute(s)
		if coerce {
			out[key] = coerceScalar(rendered)
		} else {
			out[key] = rendered
		}
	}
	return out, nil
}

// singleToken reports whether s is exactly one {{path}} token.
func singleToken(s string) (string, bool) {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "{{") || !strings.HasSuffix(t, "}}") {
		return "", false
	}
	inner := strings.TrimSpace(t[2 : len(t)-2])
	if inner == "" || strings.Contains(inner, "{{") || strings.Contains(inner, "}}") {
		return "", false
	}
	return inner, true
}

func coerceScalar(s string) interface{} {
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return n
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}

// IfAdapter evaluates the node's condition expression and reports which
// branch downstream edges should follow.
type IfAdapter struct{}

func (IfAdapter) Type() string { return "if" }

func (IfAdapter) Execute(_ context.Context, ex *Execution) (map[string]interface{}, error) {
	expression := ""
	if ex.Node.ConditionConfig != nil {
		expression = ex.Node.ConditionConfig.Expression
	}
	if expression == "" {
		if s, ok := ex.Config["expression"].(string); ok {
			expression = s
		}
	}
	if expression == "" {
		return nil, fmt.Errorf("if: missing condition expression")
	}
	result, err := expr.EvaluatePredicate(expression, ex.Scope)
	if err != nil {
		return nil, fmt.Errorf("if: %w", err)
	}
	branch := "false"
	if result {
		branch = "true"
	}
	return map[string]interface{}{"result": result, "branch": branch}, nil
}
