// Package workflow holds the workflow graph model shared by the validator,
// engine, and stores.
package workflow

import (
	"time"
)

// RunStatus is the lifecycle state of a workflow run. Terminal states are
// immutable.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
	RunTimeout   RunStatus = "timeout"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled, RunTimeout:
		return true
	}
	return false
}

// NodeStatus is the state of one node execution attempt.
type NodeStatus string

const (
	NodePending NodeStatus = "pending"
	NodeRunning NodeStatus = "running"
	NodeSuccess NodeStatus = "success"
	NodeFailed  NodeStatus = "failed"
	NodeSkipped NodeStatus = "skipped"
	NodeTimeout NodeStatus = "timeout"
)

// ExecutionMode selects how a node's successors are scheduled.
type ExecutionMode string

const (
	ModeSequential  ExecutionMode = "sequential"
	ModeParallel    ExecutionMode = "parallel"
	ModeConditional ExecutionMode = "conditional"
	ModeLoop        ExecutionMode = "loop"
	ModeSubWorkflow ExecutionMode = "subworkflow"
)

// ErrorPolicy selects what the engine does when a node fails.
type ErrorPolicy string

const (
	ErrorStop     ErrorPolicy = "stop"
	ErrorRetry    ErrorPolicy = "retry"
	ErrorSkip     ErrorPolicy = "skip"
	ErrorFallback ErrorPolicy = "fallback"
	ErrorContinue ErrorPolicy = "continue"
)

// LoopKind selects the iteration style of a loop node.
type LoopKind string

const (
	LoopForEach LoopKind = "forEach"
	LoopFor     LoopKind = "for"
	LoopWhile   LoopKind = "while"
	LoopDoWhile LoopKind = "doWhile"
)

// RetryConfig shapes per-node retries.
type RetryConfig struct {
	MaxAttempts  int           `json:"maxAttempts"`
	InitialDelay time.Duration `json:"initialDelay"`
	Multiplier   float64       `json:"multiplier"`
}

// LoopConfig configures a loop node. ItemsPath feeds forEach, Count feeds
// for, Condition feeds while/doWhile. BackEdgeFrom declares the node whose
// edge back into the loop body is legal.
type LoopConfig struct {
	Kind           LoopKind `json:"kind"`
	ItemsPath      string   `json:"itemsPath,omitempty"`
	Count          int      `json:"count,omitempty"`
	Condition      string   `json:"condition,omitempty"`
	MaxIterations  int      `json:"maxIterations,omitempty"`
	BreakCondition string   `json:"breakCondition,omitempty"`
	BackEdgeFrom   string   `json:"backEdgeFrom,omitempty"`
	IterationVar   string   `json:"iterationVar,omitempty"`
}

// ConditionConfig configures an if node.
type ConditionConfig struct {
	Expression string `json:"expression"`
}

// SubWorkflowConfig configures a sub-workflow node. Outputs are namespaced
// under the node id unless MergeMode is "overwrite".
type SubWorkflowConfig struct {
	WorkflowID        string                 `json:"workflowId"`
	Input             map[string]interface{} `json:"input,omitempty"`
	WaitForCompletion bool                   `json:"waitForCompletion"`
	MergeMode         string                 `json:"mergeMode,omitempty"`
}

// Position is the canvas coordinate of a node. Kept only for round-tripping
// import/export documents.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Node is one vertex in the workflow graph.
type Node struct {
	ID                string                 `json:"id"`
	Type              string                 `json:"type"`
	Label             string                 `json:"label,omitempty"`
	Position          Position               `json:"position"`
	Config            map[string]interface{} `json:"config,omitempty"`
	CredentialID      string                 `json:"credentialId,omitempty"`
	Retry             *RetryConfig           `json:"retryConfig,omitempty"`
	TimeoutMs         int                    `json:"timeoutMs,omitempty"`
	IsEnabled         bool                   `json:"isEnabled"`
	ExecutionMode     ExecutionMode          `json:"executionMode,omitempty"`
	LoopConfig        *LoopConfig            `json:"loopConfig,omitempty"`
	ConditionConfig   *ConditionConfig       `json:"conditionConfig,omitempty"`
	SubWorkflowConfig *SubWorkflowConfig     `json:"subWorkflowConfig,omitempty"`
	ErrorHandling     ErrorPolicy            `json:"errorHandling,omitempty"`
	FallbackNodeID    string                 `json:"fallbackNodeId,omitempty"`
}

// Edge connects two nodes. Branch carries the condition outcome ("true",
// "false") for edges leaving a conditional node.
type Edge struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Branch string `json:"branch,omitempty"`
}

// Workflow is the stored graph definition.
type Workflow struct {
	ID        string                 `json:"id"`
	TenantID  string                 `json:"tenantId"`
	Name      string                 `json:"name"`
	Version   int                    `json:"version"`
	Nodes     []Node                 `json:"nodes"`
	Edges     []Edge                 `json:"edges"`
	Triggers  []string               `json:"triggers"`
	Globals   map[string]interface{} `json:"globals,omitempty"`
	IsActive  bool                   `json:"isActive"`
	CreatedAt time.Time              `json:"createdAt"`
	UpdatedAt time.Time              `json:"updatedAt"`
}

// NodeByID returns the node with the given id.
func (w *Workflow) NodeByID(id string) (*Node, bool) {
	for i := range w.Nodes {
		if w.Nodes[i].ID == id {
			return &w.Nodes[i], true
		}
	}
	return nil, false
}

// OutgoingEdges returns the edges leaving a node, in declaration order.
func (w *Workflow) OutgoingEdges(nodeID string) []Edge {
	var out []Edge
	for _, e := range w.Edges {
		if e.From == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// IncomingEdges returns the edges entering a node, in declaration order.
func (w *Workflow) IncomingEdges(nodeID string) []Edge {
	var out []Edge
	for _, e := range w.Edges {
		if e.To == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// Run is one execution of a workflow.
type Run struct {
	ID          string                 `json:"id"`
	WorkflowID  string                 `json:"workflowId"`
	TenantID    string                 `json:"tenantId"`
	Status      RunStatus              `json:"status"`
	Mode        string                 `json:"mode,omitempty"`
	Input       map[string]interface{} `json:"input,omitempty"`
	Output      map[string]interface{} `json:"output,omitempty"`
	Error       string                 `json:"error,omitempty"`
	StartTime   time.Time              `json:"startTime"`
	EndTime     *time.Time             `json:"endTime,omitempty"`
	DurationMs  int64                  `json:"durationMs,omitempty"`
	TriggeredBy string                 `json:"triggeredBy,omitempty"`
}

// NodeResult is the outcome of one (run, node, attempt).
type NodeResult struct {
	RunID     string                 `json:"runId"`
	NodeID    string                 `json:"nodeId"`
	Status    NodeStatus             `json:"status"`
	Input     map[string]interface{} `json:"input,omitempty"`
	Output    map[string]interface{} `json:"output,omitempty"`
	Error     string                 `json:"errorMessage,omitempty"`
	StartTime time.Time              `json:"startTime"`
	EndTime   *time.Time             `json:"endTime,omitempty"`
	Attempt   int                    `json:"attempt"`
	Iteration int                    `json:"iteration,omitempty"`
}

// Credential references tenant secret material for connector auth. Secret
// bytes stay encrypted at rest; only the adapter invocation sees cleartext.
type Credential struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenantId"`
	ConnectorType string    `json:"connectorType"`
	Secret        []byte    `json:"-"`
	Scopes        []string  `json:"scopes,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}
