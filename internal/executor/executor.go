package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/emberlight/convoy/internal/agent"
	"github.com/emberlight/convoy/internal/analytics"
	"github.com/emberlight/convoy/internal/fault"
	"github.com/emberlight/convoy/internal/memory"
)

// Store persists tasks and steps. Gets return (nil, nil) when absent.
type Store interface {
	CreateTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	UpdateTask(ctx context.Context, t *Task) error
	AppendStep(ctx context.Context, s *Step) error
	ListSteps(ctx context.Context, taskID string) ([]*Step, error)
}

// AgentSource resolves agents by ID. Returns (nil, nil) when absent.
type AgentSource interface {
	GetAgent(ctx context.Context, id string) (*agent.Agent, error)
}

// StepRunner performs one reasoning/tool-invocation step.
type StepRunner interface {
	RunStep(ctx context.Context, ag *agent.Agent, t *Task, history []*Step, memCtx *memory.Context) (*StepOutcome, error)
}

// Metrics receives execution metrics. Satisfied by *analytics.Service.
type Metrics interface {
	TrackTaskExecution(agentID string, rec analytics.TaskExecution)
}

// DefaultMaxSteps bounds the step loop when no limit is configured.
const DefaultMaxSteps = 25

// Executor runs tasks through the state machine
// pending → running → {completed | failed | cancelled}, with
// failed → pending as the only backward transition (retry).
type Executor struct {
	store    Store
	agents   AgentSource
	runner   StepRunner
	memories *memory.Service // optional
	metrics  Metrics         // optional
	maxSteps int
	logger   *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-task-id serialization
}

// New creates an Executor.
func New(store Store, agents AgentSource, runner StepRunner, maxSteps int, logger *zap.Logger) *Executor {
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	return &Executor{
		store:    store,
		agents:   agents,
		runner:   runner,
		maxSteps: maxSteps,
		logger:   logger,
		locks:    make(map[string]*sync.Mutex),
	}
}

// SetMemories wires the memory service used for step context and episodes.
func (e *Executor) SetMemories(m *memory.Service) { e.memories = m }

// SetMetrics wires the analytics recorder.
func (e *Executor) SetMetrics(m Metrics) { e.metrics = m }

// taskLock returns the mutex serializing Execute/Retry for one task id.
func (e *Executor) taskLock(taskID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[taskID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[taskID] = l
	}
	return l
}

// Create persists a new task in pending status.
func (e *Executor) Create(ctx context.Context, agentID, description string, input map[string]any) (*Task, error) {
	if strings.TrimSpace(description) == "" {
		return nil, fault.Validation("description", "is required")
	}
	ag, err := e.agents.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if ag == nil || !ag.Active {
		return nil, fault.NotFound("agent", agentID)
	}

	t := &Task{
		ID:          uuid.New().String(),
		AgentID:     agentID,
		Description: description,
		Input:       input,
		Status:      StatusPending,
		CreatedAt:   time.Now(),
	}
	if err := e.store.CreateTask(ctx, t); err != nil {
		return nil, err
	}
	e.logger.Info("task created",
		zap.String("task", t.ID), zap.String("agent", agentID))
	return t, nil
}

// Get returns a task or a NotFoundError.
func (e *Executor) Get(ctx context.Context, taskID string) (*Task, error) {
	t, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fault.NotFound("task", taskID)
	}
	return t, nil
}

// Steps returns the task's recorded step history.
func (e *Executor) Steps(ctx context.Context, taskID string) ([]*Step, error) {
	return e.store.ListSteps(ctx, taskID)
}

// Execute drives a pending task to a terminal state. A step failure is
// captured into the task's error field, not returned: the error return only
// covers invalid transitions and persistence failures around the loop.
func (e *Executor) Execute(ctx context.Context, taskID string) (*Task, error) {
	lock := e.taskLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	t, err := e.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != StatusPending {
		return nil, fault.Validation("status", fmt.Sprintf("task is %s, only pending tasks can execute", t.Status))
	}

	ag, err := e.agents.GetAgent(ctx, t.AgentID)
	if err != nil {
		return nil, err
	}
	if ag == nil {
		return nil, fault.NotFound("agent", t.AgentID)
	}

	now := time.Now()
	t.Status = StatusRunning
	t.StartedAt = &now
	if err := e.store.UpdateTask(ctx, t); err != nil {
		return nil, err
	}

	history, err := e.store.ListSteps(ctx, taskID)
	if err != nil {
		return nil, err
	}
	nextNumber := 1
	if n := len(history); n > 0 {
		nextNumber = history[n-1].Number + 1
	}

	var mgr *memory.Manager
	if e.memories != nil {
		mgr = e.memories.ForAgent(t.AgentID)
	}

	start := time.Now()
	tokens := 0
	stepsTaken := 0

	for {
		// Cooperative cancellation: re-read status before each step. An
		// in-flight step is never preempted.
		cur, err := e.store.GetTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if cur != nil && cur.Status == StatusCancelled {
			e.logger.Info("task cancelled mid-run", zap.String("task", taskID))
			// Cancel already persisted the terminal state; hand back the
			// stored row so callers see its finish timestamp.
			t = cur
			e.record(t, start, stepsTaken, tokens)
			return t, nil
		}

		if stepsTaken >= e.maxSteps {
			e.finish(ctx, t, StatusFailed, nil, "step limit exceeded")
			e.record(t, start, stepsTaken, tokens)
			return t, nil
		}

		var memCtx *memory.Context
		if mgr != nil {
			memCtx, err = mgr.GetContext(ctx, t.Description)
			if err != nil {
				e.logger.Warn("memory context failed",
					zap.String("task", taskID), zap.Error(err))
			}
		}

		outcome, runErr := e.runner.RunStep(ctx, ag, t, history, memCtx)
		stepsTaken++

		if runErr != nil {
			execErr := fault.Execution(taskID, nextNumber, runErr)
			step := &Step{
				ID:          uuid.New().String(),
				TaskID:      taskID,
				Number:      nextNumber,
				Action:      "error",
				Observation: runErr.Error(),
				CreatedAt:   time.Now(),
			}
			if err := e.store.AppendStep(ctx, step); err != nil {
				e.logger.Warn("failed to persist error step", zap.Error(err))
			}
			e.finish(ctx, t, StatusFailed, nil, execErr.Error())
			e.record(t, start, stepsTaken, tokens)
			return t, nil
		}

		tokens += outcome.TokensUsed
		step := &Step{
			ID:          uuid.New().String(),
			TaskID:      taskID,
			Number:      nextNumber,
			Action:      outcome.Action,
			Observation: outcome.Observation,
			CreatedAt:   time.Now(),
		}
		// Each step persists as it completes so partial progress survives
		// a mid-task crash.
		if err := e.store.AppendStep(ctx, step); err != nil {
			return nil, err
		}
		history = append(history, step)
		nextNumber++

		if outcome.Done {
			e.finish(ctx, t, StatusCompleted, outcome.Result, "")
			e.persistEpisode(ctx, mgr, t, stepsTaken)
			e.record(t, start, stepsTaken, tokens)
			return t, nil
		}
	}
}

// Retry resets a failed task to pending. Step history is preserved as an
// audit trail; the next attempt appends to it.
func (e *Executor) Retry(ctx context.Context, taskID string) (*Task, error) {
	lock := e.taskLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	t, err := e.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != StatusFailed {
		return nil, fault.Validation("status", fmt.Sprintf("task is %s, only failed tasks can be retried", t.Status))
	}
	t.Status = StatusPending
	t.Error = ""
	t.Result = nil
	t.StartedAt = nil
	t.FinishedAt = nil
	if err := e.store.UpdateTask(ctx, t); err != nil {
		return nil, err
	}
	e.logger.Info("task reset for retry", zap.String("task", taskID))
	return t, nil
}

// Cancel marks a pending or running task cancelled. Recorded steps are
// never deleted. A running task's in-flight step is not interrupted; the
// loop observes the status before its next step.
func (e *Executor) Cancel(ctx context.Context, taskID string) (*Task, error) {
	t, err := e.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != StatusPending && t.Status != StatusRunning {
		return nil, fault.Validation("status", fmt.Sprintf("task is %s, only pending or running tasks can be cancelled", t.Status))
	}
	now := time.Now()
	t.Status = StatusCancelled
	t.FinishedAt = &now
	if err := e.store.UpdateTask(ctx, t); err != nil {
		return nil, err
	}
	e.logger.Info("task cancelled", zap.String("task", taskID))
	return t, nil
}

func (e *Executor) finish(ctx context.Context, t *Task, status Status, result map[string]any, errDetail string) {
	now := time.Now()
	t.Status = status
	t.Result = result
	t.Error = errDetail
	t.FinishedAt = &now
	if err := e.store.UpdateTask(ctx, t); err != nil {
		e.logger.Error("failed to persist terminal task state",
			zap.String("task", t.ID), zap.Error(err))
	}
}

// persistEpisode writes a summary memory after completion.
func (e *Executor) persistEpisode(ctx context.Context, mgr *memory.Manager, t *Task, steps int) {
	if mgr == nil {
		return
	}
	summary := t.Description
	if out, ok := t.Result["output"].(string); ok && out != "" {
		summary = fmt.Sprintf("%s → %s", t.Description, truncate(out, 200))
	}
	if _, err := mgr.CreateEpisode(ctx, t.ID, memory.Episode{
		Summary: summary,
		Steps:   steps,
		Outcome: string(t.Status),
	}); err != nil {
		e.logger.Warn("episode memory failed",
			zap.String("task", t.ID), zap.Error(err))
	}
}

func (e *Executor) record(t *Task, start time.Time, steps, tokens int) {
	if e.metrics == nil {
		return
	}
	e.metrics.TrackTaskExecution(t.AgentID, analytics.TaskExecution{
		TaskID:     t.ID,
		Status:     string(t.Status),
		Duration:   time.Since(start),
		StepCount:  steps,
		TokensUsed: tokens,
		Error:      t.Error,
	})
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
