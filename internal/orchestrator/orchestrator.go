package orchestrator

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/emberlight/convoy/internal/agent"
	"github.com/emberlight/convoy/internal/executor"
	"github.com/emberlight/convoy/internal/fault"
)

// Store persists workflows. Gets return (nil, nil) when absent.
type Store interface {
	CreateWorkflow(ctx context.Context, w *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	ListWorkflows(ctx context.Context, userID string) ([]*Workflow, error)
	UpdateWorkflowStatus(ctx context.Context, id, status string) error
	DeleteWorkflow(ctx context.Context, id string) error
}

// TaskRunner is the executor surface a workflow step needs.
type TaskRunner interface {
	Create(ctx context.Context, agentID, description string, input map[string]any) (*executor.Task, error)
	Execute(ctx context.Context, taskID string) (*executor.Task, error)
}

// PoolEntry tracks one agent loaded for the duration of a run.
type PoolEntry struct {
	Agent  *agent.Agent
	Status string
}

// DefaultMaxParallel bounds parallel fan-out when no limit is configured.
const DefaultMaxParallel = 10

// Orchestrator coordinates agents through workflows. The agent pool,
// mailbox, and run map are owned by this instance alone.
type Orchestrator struct {
	store       Store
	agents      executor.AgentSource
	tasks       TaskRunner
	maxParallel int
	logger      *zap.Logger

	Mailbox Mailbox
	Events  Emitter

	poolMu sync.RWMutex
	pool   map[string]*PoolEntry

	runMu sync.RWMutex
	runs  map[string]*Run
}

// New creates an Orchestrator.
func New(store Store, agents executor.AgentSource, tasks TaskRunner, maxParallel int, logger *zap.Logger) *Orchestrator {
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallel
	}
	return &Orchestrator{
		store:       store,
		agents:      agents,
		tasks:       tasks,
		maxParallel: maxParallel,
		logger:      logger,
		pool:        make(map[string]*PoolEntry),
		runs:        make(map[string]*Run),
	}
}

// CreateWorkflow validates and persists a workflow in pending status.
func (o *Orchestrator) CreateWorkflow(ctx context.Context, userID string, w *Workflow) (*Workflow, error) {
	if strings.TrimSpace(w.Name) == "" {
		return nil, fault.Validation("name", "is required")
	}
	for i, s := range w.Steps {
		switch s.Type {
		case StepSequence, StepParallel, StepRouter:
		default:
			return nil, fault.Validation("steps", fmt.Sprintf("step %d has unknown type %q", i, s.Type))
		}
	}

	now := time.Now()
	w.ID = uuid.New().String()
	w.UserID = userID
	w.Status = WorkflowPending
	w.CreatedAt = now
	w.UpdatedAt = now
	if err := o.store.CreateWorkflow(ctx, w); err != nil {
		return nil, err
	}
	o.logger.Info("workflow created",
		zap.String("workflow", w.ID), zap.String("name", w.Name))
	return w, nil
}

// GetWorkflow returns a workflow or a NotFoundError.
func (o *Orchestrator) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	w, err := o.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, fault.NotFound("workflow", id)
	}
	return w, nil
}

// ListWorkflows returns the caller's workflows.
func (o *Orchestrator) ListWorkflows(ctx context.Context, userID string) ([]*Workflow, error) {
	return o.store.ListWorkflows(ctx, userID)
}

// DeleteWorkflow removes a workflow the caller owns. Absent or foreign
// workflows both surface as NotFoundError.
func (o *Orchestrator) DeleteWorkflow(ctx context.Context, userID, id string) error {
	w, err := o.store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	if w == nil || w.UserID != userID {
		return fault.NotFound("workflow", id)
	}
	return o.store.DeleteWorkflow(ctx, id)
}

// InitAgents loads the given agents into the pool. Agents already present
// are left untouched. Check-and-insert happens under one write lock so a
// concurrent call cannot overwrite an entry that is already loaded.
func (o *Orchestrator) InitAgents(ctx context.Context, agentIDs []string) error {
	o.poolMu.Lock()
	defer o.poolMu.Unlock()
	for _, id := range agentIDs {
		if _, present := o.pool[id]; present {
			continue
		}
		ag, err := o.agents.GetAgent(ctx, id)
		if err != nil {
			return err
		}
		if ag == nil {
			return fault.NotFound("agent", id)
		}
		o.pool[id] = &PoolEntry{Agent: ag, Status: "ready"}
	}
	return nil
}

// PoolSnapshot returns a copy of the agent pool.
func (o *Orchestrator) PoolSnapshot() map[string]*PoolEntry {
	o.poolMu.RLock()
	defer o.poolMu.RUnlock()
	out := make(map[string]*PoolEntry, len(o.pool))
	for k, v := range o.pool {
		out[k] = v
	}
	return out
}

// ActiveRuns returns a snapshot of the currently tracked runs.
func (o *Orchestrator) ActiveRuns() []*Run {
	o.runMu.RLock()
	defer o.runMu.RUnlock()
	out := make([]*Run, 0, len(o.runs))
	for _, r := range o.runs {
		out = append(out, r)
	}
	return out
}

// ExecuteWorkflow drives one run of a workflow to a terminal state. A step
// whose task fails stops the run and marks it failed; the error return only
// covers lookup and persistence failures.
func (o *Orchestrator) ExecuteWorkflow(ctx context.Context, workflowID string, input map[string]any) (*Run, error) {
	w, err := o.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if len(w.Steps) == 0 {
		return nil, fault.Validation("steps", "workflow has no steps")
	}
	if err := o.InitAgents(ctx, w.AgentIDs); err != nil {
		return nil, err
	}
	if d := runTimeout(w.Settings); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	run := &Run{
		ID:         uuid.New().String(),
		WorkflowID: w.ID,
		Status:     WorkflowRunning,
		Context: map[string]any{
			"input": input,
			"steps": map[string]any{},
		},
		Outputs:   make(map[string]any),
		StartedAt: time.Now(),
	}
	o.runMu.Lock()
	o.runs[run.ID] = run
	o.runMu.Unlock()
	defer func() {
		o.runMu.Lock()
		delete(o.runs, run.ID)
		o.runMu.Unlock()
	}()

	if err := o.store.UpdateWorkflowStatus(ctx, w.ID, WorkflowRunning); err != nil {
		return nil, err
	}
	o.Events.Emit(EventWorkflowStarted, run)
	o.logger.Info("workflow run started",
		zap.String("workflow", w.ID), zap.String("run", run.ID))

	for i := 0; i < len(w.Steps); {
		if w.Steps[i].Type == StepParallel {
			// Consecutive parallel steps fan out as one group.
			j := i
			for j < len(w.Steps) && w.Steps[j].Type == StepParallel {
				j++
			}
			if err := o.runParallel(ctx, run, w.Steps[i:j], i); err != nil {
				return o.failRun(ctx, w, run, err)
			}
			run.Position = j
			i = j
			continue
		}
		if err := o.runStep(ctx, run, w.Steps[i], i); err != nil {
			return o.failRun(ctx, w, run, err)
		}
		run.Position = i + 1
		i++
	}

	now := time.Now()
	run.Status = WorkflowCompleted
	run.FinishedAt = &now
	if err := o.store.UpdateWorkflowStatus(ctx, w.ID, WorkflowCompleted); err != nil {
		return nil, err
	}
	o.Events.Emit(EventWorkflowCompleted, run)
	o.logger.Info("workflow run completed",
		zap.String("workflow", w.ID), zap.String("run", run.ID))
	return run, nil
}

// runTimeout reads the run deadline from workflow settings. Accepts a
// duration string ("90s") or a number of seconds; zero means no deadline.
func runTimeout(settings map[string]any) time.Duration {
	switch v := settings["timeout"].(type) {
	case string:
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	case float64:
		if v > 0 {
			return time.Duration(v * float64(time.Second))
		}
	case int:
		if v > 0 {
			return time.Duration(v) * time.Second
		}
	}
	return 0
}

func (o *Orchestrator) failRun(ctx context.Context, w *Workflow, run *Run, cause error) (*Run, error) {
	now := time.Now()
	run.Status = WorkflowFailed
	run.Error = cause.Error()
	run.FinishedAt = &now
	if err := o.store.UpdateWorkflowStatus(ctx, w.ID, WorkflowFailed); err != nil {
		o.logger.Error("failed to persist workflow status", zap.Error(err))
	}
	o.Events.Emit(EventWorkflowFailed, run)
	o.logger.Warn("workflow run failed",
		zap.String("workflow", w.ID), zap.String("run", run.ID), zap.Error(cause))
	return run, nil
}

// runStep executes one sequence or router step and records its output into
// the run context.
func (o *Orchestrator) runStep(ctx context.Context, run *Run, step WorkflowStep, index int) error {
	agentID := step.AgentID
	if step.Type == StepRouter {
		agentID = o.route(run, step)
	}

	result, err := o.invoke(ctx, run, step, agentID)
	if err != nil {
		return err
	}
	o.recordOutput(run, index, agentID, result)
	return nil
}

// runParallel fans a group of parallel steps out over a bounded goroutine
// pool, collecting outputs before the run proceeds.
func (o *Orchestrator) runParallel(ctx context.Context, run *Run, group []WorkflowStep, offset int) error {
	type stepResult struct {
		index   int
		agentID string
		result  map[string]any
		err     error
	}

	sem := make(chan struct{}, o.maxParallel)
	results := make(chan stepResult, len(group))
	var wg sync.WaitGroup

	for i, step := range group {
		wg.Add(1)
		go func(i int, step WorkflowStep) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			result, err := o.invoke(ctx, run, step, step.AgentID)
			results <- stepResult{index: offset + i, agentID: step.AgentID, result: result, err: err}
		}(i, step)
	}
	wg.Wait()
	close(results)

	var firstErr error
	for r := range results {
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		o.recordOutput(run, r.index, r.agentID, r.result)
	}
	return firstErr
}

// invoke creates and executes one task for a step.
func (o *Orchestrator) invoke(ctx context.Context, run *Run, step WorkflowStep, agentID string) (map[string]any, error) {
	desc := fmt.Sprint(Substitute(step.Task, run.Context))
	input := PrepareStepInput(step.Input, run.Context)

	t, err := o.tasks.Create(ctx, agentID, desc, input)
	if err != nil {
		return nil, err
	}
	t, err = o.tasks.Execute(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	if t.Status != executor.StatusCompleted {
		return nil, fmt.Errorf("step task %s ended %s: %s", t.ID, t.Status, t.Error)
	}
	return t.Result, nil
}

func (o *Orchestrator) recordOutput(run *Run, index int, agentID string, result map[string]any) {
	entry := map[string]any{
		"agent_id": agentID,
		"result":   result,
	}
	if out, ok := result["output"]; ok {
		entry["output"] = out
	}
	run.Outputs[fmt.Sprintf("step_%d", index)] = result
	if steps, ok := run.Context["steps"].(map[string]any); ok {
		steps[strconv.Itoa(index)] = entry
	}
	run.Context["previous"] = result
	o.Events.Emit(EventStepCompleted, map[string]any{
		"run_id": run.ID,
		"index":  index,
		"agent":  agentID,
		"result": result,
	})
}

// route picks the agent for a router step from the run context. An
// unresolved or unmapped route falls back to the step's own agent.
func (o *Orchestrator) route(run *Run, step WorkflowStep) string {
	if step.RouteField == "" {
		return step.AgentID
	}
	v, ok := Lookup(run.Context, step.RouteField)
	if !ok {
		return step.AgentID
	}
	if target, ok := step.Routes[fmt.Sprint(v)]; ok {
		return target
	}
	return step.AgentID
}
