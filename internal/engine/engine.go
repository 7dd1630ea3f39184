// Package engine executes workflow graphs: topological scheduling, loops,
// conditional branches, sub-workflows, and per-node error policies.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/notifyx/platform/internal/expr"
	"github.com/notifyx/platform/internal/metrics"
	"github.com/notifyx/platform/internal/notification"
	"github.com/notifyx/platform/internal/store"
	"github.com/notifyx/platform/internal/tracing"
	"github.com/notifyx/platform/internal/workflow"
)

// Config shapes engine execution limits.
type Config struct {
	RunTimeout          time.Duration `mapstructure:"run_timeout" yaml:"run_timeout"`
	NodeTimeout         time.Duration `mapstructure:"node_timeout" yaml:"node_timeout"`
	MaxLoopIterations   int           `mapstructure:"max_loop_iterations" yaml:"max_loop_iterations"`
	MaxSubWorkflowDepth int           `mapstructure:"max_subworkflow_depth" yaml:"max_subworkflow_depth"`
}

func (c *Config) applyDefaults() {
	if c.RunTimeout <= 0 {
		c.RunTimeout = 30 * time.Minute
	}
	if c.NodeTimeout <= 0 {
		c.NodeTimeout = 30 * time.Second
	}
	if c.MaxLoopIterations <= 0 {
		c.MaxLoopIterations = 1000
	}
	if c.MaxSubWorkflowDepth <= 0 {
		c.MaxSubWorkflowDepth = 5
	}
}

// Engine schedules and executes workflow runs.
type Engine struct {
	cfg         Config
	workflows   store.WorkflowStore
	runs        store.RunStore
	credentials store.CredentialStore
	adapters    *workflow.AdapterRegistry
	bus         *workflow.EventBus
	logger      *zap.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc // tenant|runID
	wg     sync.WaitGroup
}

// New creates the engine.
func New(cfg Config, workflows store.WorkflowStore, runs store.RunStore,
	credentials store.CredentialStore, adapters *workflow.AdapterRegistry,
	bus *workflow.EventBus, logger *zap.Logger) *Engine {
	cfg.applyDefaults()
	return &Engine{
		cfg:         cfg,
		workflows:   workflows,
		runs:        runs,
		credentials: credentials,
		adapters:    adapters,
		bus:         bus,
		logger:      logger,
		active:      make(map[string]context.CancelFunc),
	}
}

// StartRun creates a run for the workflow and executes it asynchronously.
func (e *Engine) StartRun(ctx context.Context, tenantID, workflowID string,
	input map[string]interface{}, triggeredBy string) (*workflow.Run, error) {
	wf, err := e.workflows.Get(ctx, tenantID, workflowID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notification.NewError(notification.KindValidation, "not_found",
				fmt.Sprintf("workflow %s not found", workflowID))
		}
		return nil, err
	}
	if !wf.IsActive {
		return nil, notification.NewError(notification.KindValidation, "workflow_inactive",
			fmt.Sprintf("workflow %s is not active", workflowID))
	}

	run := &workflow.Run{
		ID:          uuid.New().String(),
		WorkflowID:  workflowID,
		TenantID:    tenantID,
		Status:      workflow.RunPending,
		Input:       input,
		StartTime:   time.Now().UTC(),
		TriggeredBy: triggeredBy,
	}
	if err := e.runs.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	e.publish(run, workflow.EventRunCreated, "", string(run.Status), "", nil)
	metrics.RunsStarted.WithLabelValues(tenantID).Inc()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.execute(wf, run, 0)
	}()
	out := *run
	return &out, nil
}

// Cancel stops a running run. Terminal runs are left untouched.
func (e *Engine) Cancel(ctx context.Context, tenantID, runID string) error {
	run, err := e.runs.GetRun(ctx, tenantID, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return notification.NewError(notification.KindValidation, "not_found",
				fmt.Sprintf("run %s not found", runID))
		}
		return err
	}
	if run.Status.Terminal() {
		return notification.NewError(notification.KindValidation, "run_finished",
			fmt.Sprintf("run %s already %s", runID, run.Status))
	}
	e.mu.Lock()
	cancel, ok := e.active[tenantID+"|"+runID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

// Replay starts a fresh run of the same workflow with the original input.
// The source run is left untouched.
func (e *Engine) Replay(ctx context.Context, tenantID, runID string) (*workflow.Run, error) {
	src, err := e.runs.GetRun(ctx, tenantID, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notification.NewError(notification.KindValidation, "not_found",
				fmt.Sprintf("run %s not found", runID))
		}
		return nil, err
	}
	return e.StartRun(ctx, tenantID, src.WorkflowID, src.Input, "replay:"+runID)
}

// Drain waits for in-flight runs to finish.
func (e *Engine) Drain() { e.wg.Wait() }

func (e *Engine) publish(run *workflow.Run, typ workflow.EventType, nodeID, status, errMsg string, output map[string]interface{}) {
	e.bus.Publish(workflow.Event{
		TenantID:   run.TenantID,
		RunID:      run.ID,
		WorkflowID: run.WorkflowID,
		Type:       typ,
		NodeID:     nodeID,
		Status:     status,
		Error:      errMsg,
		Output:     output,
	})
}

// execute runs the graph to completion and records the terminal status.
func (e *Engine) execute(wf *workflow.Workflow, run *workflow.Run, depth int) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RunTimeout)
	defer cancel()
	key := run.TenantID + "|" + run.ID
	e.mu.Lock()
	e.active[key] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.active, key)
		e.mu.Unlock()
	}()

	run.Status = workflow.RunRunning
	if err := e.runs.UpdateRun(ctx, run); err != nil {
		e.logger.Error("run update failed", zap.String("run_id", run.ID), zap.Error(err))
	}
	e.publish(run, workflow.EventRunStarted, "", string(run.Status), "", nil)

	exec := newGraphExec(e, wf, run, depth)
	runErr := exec.schedule(ctx)

	end := time.Now().UTC()
	run.EndTime = &end
	run.DurationMs = end.Sub(run.StartTime).Milliseconds()
	run.Output = exec.outputs()

	eventType := workflow.EventRunCompleted
	switch {
	case runErr == nil:
		run.Status = workflow.RunCompleted
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		run.Status = workflow.RunTimeout
		run.Error = "run timeout exceeded"
		eventType = workflow.EventRunFailed
	case errors.Is(ctx.Err(), context.Canceled):
		run.Status = workflow.RunCancelled
		run.Error = "cancelled"
		eventType = workflow.EventRunCancelled
	default:
		run.Status = workflow.RunFailed
		run.Error = runErr.Error()
		eventType = workflow.EventRunFailed
	}

	if err := e.runs.UpdateRun(context.Background(), run); err != nil {
		e.logger.Error("run finalize failed", zap.String("run_id", run.ID), zap.Error(err))
	}
	e.publish(run, eventType, "", string(run.Status), run.Error, nil)
	metrics.RunsCompleted.WithLabelValues(run.TenantID, string(run.Status)).Inc()
	metrics.RunDuration.WithLabelValues(run.TenantID).Observe(end.Sub(run.StartTime).Seconds())
	e.logger.Info("run finished",
		zap.String("tenant_id", run.TenantID),
		zap.String("run_id", run.ID),
		zap.String("workflow_id", run.WorkflowID),
		zap.String("status", string(run.Status)),
		zap.Int64("duration_ms", run.DurationMs))
}

// nodeOutcome is the decided state of one node within a run.
type nodeOutcome struct {
	status workflow.NodeStatus
	output map[string]interface{}
	// branch taken by a conditional node, "" otherwise
	branch string
	// failed node whose error policy lets the run continue
	proceedOnFail bool
}

// graphExec executes one workflow graph instance.
type graphExec struct {
	engine *Engine
	wf     *workflow.Workflow
	run    *workflow.Run
	depth  int

	mu       sync.Mutex
	scope    map[string]interface{}
	outcomes map[string]*nodeOutcome

	// loopBody maps body node id -> owning loop node id; body nodes are
	// executed by the loop, not by the top-level scheduler.
	loopBody  map[string]string
	backEdges map[string]bool // "from->to"
	// fallbackOnly nodes run only when their owner fails.
	fallbackOnly map[string]bool
}

func newGraphExec(e *Engine, wf *workflow.Workflow, run *workflow.Run, depth int) *graphExec {
	g := &graphExec{
		engine:       e,
		wf:           wf,
		run:          run,
		depth:        depth,
		scope:        map[string]interface{}{},
		outcomes:     make(map[string]*nodeOutcome),
		loopBody:     make(map[string]string),
		backEdges:    make(map[string]bool),
		fallbackOnly: make(map[string]bool),
	}
	g.scope["input"] = run.Input
	g.scope["globals"] = wf.Globals
	g.scope["runId"] = run.ID
	g.scope["triggeredAt"] = run.StartTime.Format(time.RFC3339)

	for i := range wf.Nodes {
		node := &wf.Nodes[i]
		if node.ErrorHandling == workflow.ErrorFallback && node.FallbackNodeID != "" {
			g.fallbackOnly[node.FallbackNodeID] = true
		}
		if node.LoopConfig == nil || node.LoopConfig.BackEdgeFrom == "" {
			continue
		}
		g.backEdges[node.LoopConfig.BackEdgeFrom+"->"+node.ID] = true
		for _, id := range g.bodyNodes(node) {
			g.loopBody[id] = node.ID
		}
	}
	return g
}

// bodyNodes finds the loop body: nodes on forward paths from the loop node
// to the declared back-edge source.
func (g *graphExec) bodyNodes(loop *workflow.Node) []string {
	reach := g.reachableFrom(loop.ID)
	coreach := g.coReachableTo(loop.LoopConfig.BackEdgeFrom)
	var out []string
	for id := range reach {
		if id != loop.ID && coreach[id] {
			out = append(out, id)
		}
	}
	return out
}

func (g *graphExec) reachableFrom(start string) map[string]bool {
	seen := map[string]bool{}
	stack := []string{start}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, edge := range g.wf.OutgoingEdges(cur) {
			if g.backEdges[edge.From+"->"+edge.To] || seen[edge.To] {
				continue
			}
			seen[edge.To] = true
			stack = append(stack, edge.To)
		}
	}
	return seen
}

func (g *graphExec) coReachableTo(end string) map[string]bool {
	seen := map[string]bool{end: true}
	stack := []string{end}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, edge := range g.wf.IncomingEdges(cur) {
			if g.backEdges[edge.From+"->"+edge.To] || seen[edge.From] {
				continue
			}
			seen[edge.From] = true
			stack = append(stack, edge.From)
		}
	}
	return seen
}

// schedule runs nodes wave by wave until the graph is decided or a node
// failure stops the run.
func (g *graphExec) schedule(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ready := g.readyNodes()
		if len(ready) == 0 {
			return nil
		}

		errCh := make(chan error, len(ready))
		var wg sync.WaitGroup
		for _, node := range ready {
			wg.Add(1)
			go func(n *workflow.Node) {
				defer wg.Done()
				errCh <- g.runNode(ctx, n)
			}(node)
		}
		wg.Wait()
		close(errCh)
		for err := range errCh {
			if err != nil {
				return err
			}
		}
	}
}

// readyNodes returns undecided top-level nodes whose forward predecessors
// are all decided.
func (g *graphExec) readyNodes() []*workflow.Node {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*workflow.Node
	for i := range g.wf.Nodes {
		node := &g.wf.Nodes[i]
		if _, decided := g.outcomes[node.ID]; decided {
			continue
		}
		if _, inLoop := g.loopBody[node.ID]; inLoop {
			continue
		}
		if g.fallbackOnly[node.ID] {
			continue
		}
		if g.predecessorsDecidedLocked(node.ID) {
			out = append(out, node)
		}
	}
	return out
}

func (g *graphExec) predecessorsDecidedLocked(nodeID string) bool {
	for _, edge := range g.wf.IncomingEdges(nodeID) {
		if g.backEdges[edge.From+"->"+edge.To] {
			continue
		}
		src := edge.From
		if owner, inLoop := g.loopBody[src]; inLoop {
			src = owner
		}
		if _, decided := g.outcomes[src]; !decided {
			return false
		}
	}
	return true
}

// activeIncoming reports whether at least one incoming forward edge carries
// execution into the node.
func (g *graphExec) activeIncoming(node *workflow.Node) bool {
	edges := g.wf.IncomingEdges(node.ID)
	forward := 0
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, edge := range edges {
		if g.backEdges[edge.From+"->"+edge.To] {
			continue
		}
		forward++
		src := edge.From
		if owner, inLoop := g.loopBody[src]; inLoop {
			src = owner
		}
		outcome := g.outcomes[src]
		if outcome == nil {
			continue
		}
		if outcome.status != workflow.NodeSuccess && !outcome.proceedOnFail {
			continue
		}
		if edge.Branch != "" && edge.Branch != outcome.branch {
			continue
		}
		return true
	}
	return forward == 0
}

func (g *graphExec) decide(nodeID string, outcome *nodeOutcome) {
	g.mu.Lock()
	g.outcomes[nodeID] = outcome
	if outcome.output != nil {
		g.scope[nodeID] = outcome.output
	}
	g.mu.Unlock()
}

// outputs snapshots the node output scope for the run record.
func (g *graphExec) outputs() map[string]interface{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]interface{}, len(g.outcomes))
	for id, outcome := range g.outcomes {
		if outcome.output != nil {
			out[id] = outcome.output
		}
	}
	return out
}

func (g *graphExec) scopeSnapshot() map[string]interface{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]interface{}, len(g.scope))
	for k, v := range g.scope {
		out[k] = v
	}
	return out
}

// runNode decides one top-level node: skip, loop, sub-workflow, or plain
// adapter execution with the node's error policy.
func (g *graphExec) runNode(ctx context.Context, node *workflow.Node) error {
	if !node.IsEnabled || !g.activeIncoming(node) {
		g.decide(node.ID, &nodeOutcome{status: workflow.NodeSkipped})
		g.record(node, workflow.NodeResult{
			RunID: g.run.ID, NodeID: node.ID, Status: workflow.NodeSkipped,
			StartTime: time.Now().UTC(),
		})
		return nil
	}

	switch {
	case node.LoopConfig != nil:
		return g.runLoop(ctx, node)
	case node.SubWorkflowConfig != nil:
		return g.runSubWorkflow(ctx, node)
	default:
		outcome, err := g.executeWithPolicy(ctx, node, g.scopeSnapshot(), 0)
		g.decide(node.ID, outcome)
		return err
	}
}

// executeWithPolicy runs the node's adapter, applying retry, skip, fallback,
// and continue policies. iteration tags loop body attempts.
func (g *graphExec) executeWithPolicy(ctx context.Context, node *workflow.Node,
	scope map[string]interface{}, iteration int) (*nodeOutcome, error) {
	attempts := 1
	initialDelay := time.Second
	multiplier := 2.0
	if node.ErrorHandling == workflow.ErrorRetry && node.Retry != nil {
		if node.Retry.MaxAttempts > 0 {
			attempts = node.Retry.MaxAttempts
		}
		if node.Retry.InitialDelay > 0 {
			initialDelay = node.Retry.InitialDelay
		}
		if node.Retry.Multiplier > 1 {
			multiplier = node.Retry.Multiplier
		}
	}

	var lastErr error
	delay := initialDelay
	for attempt := 1; attempt <= attempts; attempt++ {
		output, err := g.invoke(ctx, node, scope, iteration, attempt)
		if err == nil {
			outcome := &nodeOutcome{status: workflow.NodeSuccess, output: output}
			if branch, ok := output["branch"].(string); ok {
				outcome.branch = branch
			}
			return outcome, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return &nodeOutcome{status: workflow.NodeTimeout}, ctx.Err()
		}
		if attempt < attempts {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return &nodeOutcome{status: workflow.NodeTimeout}, ctx.Err()
			}
			delay = time.Duration(float64(delay) * multiplier)
		}
	}

	switch node.ErrorHandling {
	case workflow.ErrorSkip:
		return &nodeOutcome{status: workflow.NodeSkipped}, nil
	case workflow.ErrorContinue:
		return &nodeOutcome{status: workflow.NodeFailed, proceedOnFail: true}, nil
	case workflow.ErrorFallback:
		return g.runFallback(ctx, node, scope, iteration, lastErr)
	default: // stop, and retry once exhausted
		return &nodeOutcome{status: workflow.NodeFailed},
			fmt.Errorf("node %s failed: %w", node.ID, lastErr)
	}
}

func (g *graphExec) runFallback(ctx context.Context, node *workflow.Node,
	scope map[string]interface{}, iteration int, cause error) (*nodeOutcome, error) {
	fallback, ok := g.wf.NodeByID(node.FallbackNodeID)
	if !ok {
		return &nodeOutcome{status: workflow.NodeFailed},
			fmt.Errorf("node %s failed and fallback %q does not exist: %w",
				node.ID, node.FallbackNodeID, cause)
	}
	output, err := g.invoke(ctx, fallback, scope, iteration, 1)
	if err != nil {
		return &nodeOutcome{status: workflow.NodeFailed},
			fmt.Errorf("node %s and fallback %s both failed: %w", node.ID, fallback.ID, err)
	}
	g.decide(fallback.ID, &nodeOutcome{status: workflow.NodeSuccess, output: output})
	return &nodeOutcome{status: workflow.NodeSuccess, output: output}, nil
}

// invoke runs one adapter call with events, node result persistence, timeout
// and credential resolution. attempt is 1-based within the iteration.
func (g *graphExec) invoke(ctx context.Context, node *workflow.Node,
	scope map[string]interface{}, iteration, attempt int) (map[string]interface{}, error) {
	adapter, ok := g.engine.adapters.Lookup(node.Type)
	if !ok {
		return nil, fmt.Errorf("no adapter for node type %q", node.Type)
	}

	timeout := g.engine.cfg.NodeTimeout
	if node.TimeoutMs > 0 {
		timeout = time.Duration(node.TimeoutMs) * time.Millisecond
	}
	nodeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var cred *workflow.Credential
	if node.CredentialID != "" {
		var err error
		cred, err = g.engine.credentials.Get(nodeCtx, g.run.TenantID, node.CredentialID)
		if err != nil {
			return nil, fmt.Errorf("credential %s: %w", node.CredentialID, err)
		}
	}

	start := time.Now().UTC()
	g.engine.publish(g.run, workflow.EventNodeStarted, node.ID, string(workflow.NodeRunning), "", nil)

	nodeCtx, span := tracing.StartSpan(nodeCtx, "workflow.node "+node.Type)
	defer span.End()

	output, err := adapter.Execute(nodeCtx, &workflow.Execution{
		TenantID:   g.run.TenantID,
		RunID:      g.run.ID,
		Node:       node,
		Config:     node.Config,
		Scope:      scope,
		Credential: cred,
		Logger:     g.engine.logger,
	})
	end := time.Now().UTC()
	durationMs := float64(end.Sub(start).Milliseconds())

	result := workflow.NodeResult{
		RunID:     g.run.ID,
		NodeID:    node.ID,
		Input:     node.Config,
		Output:    output,
		StartTime: start,
		EndTime:   &end,
		Attempt:   attempt,
		Iteration: iteration,
	}
	if err != nil {
		result.Status = workflow.NodeFailed
		if nodeCtx.Err() != nil && ctx.Err() == nil {
			result.Status = workflow.NodeTimeout
		}
		result.Error = err.Error()
		g.record(node, result)
		metrics.RecordNodeExecution(node.Type, string(result.Status), durationMs)
		g.engine.publish(g.run, workflow.EventNodeFailed, node.ID, string(result.Status), err.Error(), nil)
		return output, err
	}
	result.Status = workflow.NodeSuccess
	g.record(node, result)
	metrics.RecordNodeExecution(node.Type, string(workflow.NodeSuccess), durationMs)
	g.engine.publish(g.run, workflow.EventNodeCompleted, node.ID, string(workflow.NodeSuccess), "", output)
	return output, nil
}

func (g *graphExec) record(node *workflow.Node, result workflow.NodeResult) {
	if err := g.engine.runs.AppendNodeResult(context.Background(), result); err != nil {
		g.engine.logger.Error("node result append failed",
			zap.String("run_id", g.run.ID),
			zap.String("node_id", node.ID),
			zap.Error(err))
	}
}

// runLoop drives the loop node's iterations, executing the body subgraph
// once per iteration.
func (g *graphExec) runLoop(ctx context.Context, node *workflow.Node) error {
	cfg := node.LoopConfig
	maxIter := g.engine.cfg.MaxLoopIterations
	if cfg.MaxIterations > 0 && cfg.MaxIterations < maxIter {
		maxIter = cfg.MaxIterations
	}

	var items []interface{}
	switch cfg.Kind {
	case workflow.LoopForEach:
		v, ok := expr.Lookup(stripTokens(cfg.ItemsPath), g.scopeSnapshot())
		if !ok {
			err := fmt.Errorf("loop %s: items path %q unresolved", node.ID, cfg.ItemsPath)
			g.decide(node.ID, &nodeOutcome{status: workflow.NodeFailed})
			return err
		}
		items, ok = v.([]interface{})
		if !ok {
			err := fmt.Errorf("loop %s: items path %q is not a list", node.ID, cfg.ItemsPath)
			g.decide(node.ID, &nodeOutcome{status: workflow.NodeFailed})
			return err
		}
	case workflow.LoopFor:
		items = make([]interface{}, cfg.Count)
		for i := range items {
			items[i] = float64(i)
		}
	}

	iterations := 0
	for {
		if err := ctx.Err(); err != nil {
			g.decide(node.ID, &nodeOutcome{status: workflow.NodeTimeout})
			return err
		}
		if iterations >= maxIter {
			break
		}
		if (cfg.Kind == workflow.LoopForEach || cfg.Kind == workflow.LoopFor) && iterations >= len(items) {
			break
		}
		if cfg.Kind == workflow.LoopWhile {
			proceed, err := expr.EvaluatePredicate(cfg.Condition, g.loopScope(node, nil, iterations))
			if err != nil {
				g.decide(node.ID, &nodeOutcome{status: workflow.NodeFailed})
				return fmt.Errorf("loop %s condition: %w", node.ID, err)
			}
			if !proceed {
				break
			}
		}

		var item interface{}
		if iterations < len(items) {
			item = items[iterations]
		}
		if err := g.runLoopBody(ctx, node, item, iterations); err != nil {
			g.decide(node.ID, &nodeOutcome{status: workflow.NodeFailed})
			return err
		}
		iterations++
		g.engine.publish(g.run, workflow.EventNodeProgress, node.ID, string(workflow.NodeRunning), "",
			map[string]interface{}{"iteration": float64(iterations)})

		if cfg.BreakCondition != "" {
			brk, err := expr.EvaluatePredicate(cfg.BreakCondition, g.loopScope(node, item, iterations-1))
			if err != nil {
				g.decide(node.ID, &nodeOutcome{status: workflow.NodeFailed})
				return fmt.Errorf("loop %s break condition: %w", node.ID, err)
			}
			if brk {
				break
			}
		}
		if cfg.Kind == workflow.LoopDoWhile {
			proceed, err := expr.EvaluatePredicate(cfg.Condition, g.loopScope(node, item, iterations-1))
			if err != nil {
				g.decide(node.ID, &nodeOutcome{status: workflow.NodeFailed})
				return fmt.Errorf("loop %s condition: %w", node.ID, err)
			}
			if !proceed {
				break
			}
		}
	}

	g.decide(node.ID, &nodeOutcome{
		status: workflow.NodeSuccess,
		output: map[string]interface{}{"iterations": float64(iterations)},
	})
	return nil
}

// loopScope overlays the iteration variables on the shared scope.
func (g *graphExec) loopScope(node *workflow.Node, item interface{}, index int) map[string]interface{} {
	scope := g.scopeSnapshot()
	varName := node.LoopConfig.IterationVar
	if varName == "" {
		varName = "item"
	}
	scope[varName] = item
	scope["index"] = float64(index)
	return scope
}

// runLoopBody executes the body subgraph once, sequential within the
// iteration.
func (g *graphExec) runLoopBody(ctx context.Context, loop *workflow.Node, item interface{}, index int) error {
	body := map[string]bool{}
	for id, owner := range g.loopBody {
		if owner == loop.ID {
			body[id] = true
		}
	}
	if len(body) == 0 {
		return nil
	}

	done := map[string]bool{loop.ID: true}
	scope := g.loopScope(loop, item, index)
	for len(done)-1 < len(body) {
		progressed := false
		for i := range g.wf.Nodes {
			node := &g.wf.Nodes[i]
			if !body[node.ID] || done[node.ID] {
				continue
			}
			ready := true
			for _, edge := range g.wf.IncomingEdges(node.ID) {
				if g.backEdges[edge.From+"->"+edge.To] {
					continue
				}
				if (body[edge.From] || edge.From == loop.ID) && !done[edge.From] {
					ready = false
					break
				}
			}
			if !ready {
				continue
			}
			if !node.IsEnabled {
				done[node.ID] = true
				progressed = true
				continue
			}
			outcome, err := g.executeWithPolicy(ctx, node, scope, index)
			if err != nil {
				return fmt.Errorf("loop %s iteration %d: %w", loop.ID, index, err)
			}
			if outcome.output != nil {
				scope[node.ID] = outcome.output
				g.mu.Lock()
				g.scope[node.ID] = outcome.output
				g.mu.Unlock()
			}
			done[node.ID] = true
			progressed = true
		}
		if !progressed {
			return fmt.Errorf("loop %s: body subgraph stalled", loop.ID)
		}
	}
	return nil
}

// runSubWorkflow executes a child workflow. Outputs land under the node id
// unless mergeMode is "overwrite", which also spreads them into the parent
// scope.
func (g *graphExec) runSubWorkflow(ctx context.Context, node *workflow.Node) error {
	cfg := node.SubWorkflowConfig
	if g.depth+1 >= g.engine.cfg.MaxSubWorkflowDepth {
		g.decide(node.ID, &nodeOutcome{status: workflow.NodeFailed})
		return fmt.Errorf("node %s: sub-workflow depth limit %d exceeded",
			node.ID, g.engine.cfg.MaxSubWorkflowDepth)
	}

	child, err := g.engine.workflows.Get(ctx, g.run.TenantID, cfg.WorkflowID)
	if err != nil {
		g.decide(node.ID, &nodeOutcome{status: workflow.NodeFailed})
		return fmt.Errorf("node %s: sub-workflow %s: %w", node.ID, cfg.WorkflowID, err)
	}

	input := map[string]interface{}{}
	for k, v := range cfg.Input {
		if s, ok := v.(string); ok {
			rendered, _ := expr.Substitute(s, g.scopeSnapshot())
			input[k] = rendered
			continue
		}
		input[k] = v
	}

	childRun := &workflow.Run{
		ID:          uuid.New().String(),
		WorkflowID:  child.ID,
		TenantID:    g.run.TenantID,
		Status:      workflow.RunPending,
		Input:       input,
		StartTime:   time.Now().UTC(),
		TriggeredBy: "subworkflow:" + g.run.ID,
	}
	if err := g.engine.runs.CreateRun(ctx, childRun); err != nil {
		g.decide(node.ID, &nodeOutcome{status: workflow.NodeFailed})
		return fmt.Errorf("node %s: create sub-run: %w", node.ID, err)
	}
	g.engine.publish(childRun, workflow.EventRunCreated, "", string(childRun.Status), "", nil)
	metrics.RunsStarted.WithLabelValues(childRun.TenantID).Inc()

	if !cfg.WaitForCompletion {
		g.engine.wg.Add(1)
		go func() {
			defer g.engine.wg.Done()
			g.engine.execute(child, childRun, g.depth+1)
		}()
		g.decide(node.ID, &nodeOutcome{
			status: workflow.NodeSuccess,
			output: map[string]interface{}{"runId": childRun.ID, "waited": false},
		})
		return nil
	}

	g.engine.execute(child, childRun, g.depth+1)
	finished, err := g.engine.runs.GetRun(ctx, g.run.TenantID, childRun.ID)
	if err != nil {
		g.decide(node.ID, &nodeOutcome{status: workflow.NodeFailed})
		return fmt.Errorf("node %s: sub-run state: %w", node.ID, err)
	}
	if finished.Status != workflow.RunCompleted {
		g.decide(node.ID, &nodeOutcome{status: workflow.NodeFailed})
		return fmt.Errorf("node %s: sub-workflow run %s %s: %s",
			node.ID, childRun.ID, finished.Status, finished.Error)
	}

	output := map[string]interface{}{"runId": childRun.ID, "waited": true}
	for k, v := range finished.Output {
		output[k] = v
	}
	if strings.EqualFold(cfg.MergeMode, "overwrite") {
		g.mu.Lock()
		for k, v := range finished.Output {
			g.scope[k] = v
		}
		g.mu.Unlock()
	}
	g.decide(node.ID, &nodeOutcome{status: workflow.NodeSuccess, output: output})
	return nil
}

// stripTokens unwraps a {{path}} form so loop items paths accept both bare
// and templated spellings.
func stripTokens(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "{{")
	s = strings.TrimSuffix(s, "}}")
	return strings.TrimSpace(s)
}
