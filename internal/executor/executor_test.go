package executor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/emberlight/convoy/internal/agent"
	"github.com/emberlight/convoy/internal/analytics"
	"github.com/emberlight/convoy/internal/fault"
	"github.com/emberlight/convoy/internal/memory"
)

// taskStore is an in-memory Store implementation.
type taskStore struct {
	mu    sync.Mutex
	tasks map[string]*Task
	steps map[string][]*Step
}

func newTaskStore() *taskStore {
	return &taskStore{tasks: make(map[string]*Task), steps: make(map[string][]*Step)}
}

func (s *taskStore) CreateTask(ctx context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tasks[t.ID] = &cp
	return nil
}

func (s *taskStore) GetTask(ctx context.Context, id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (s *taskStore) UpdateTask(ctx context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tasks[t.ID] = &cp
	return nil
}

func (s *taskStore) AppendStep(ctx context.Context, st *Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps[st.TaskID] = append(s.steps[st.TaskID], st)
	return nil
}

func (s *taskStore) ListSteps(ctx context.Context, taskID string) ([]*Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Step(nil), s.steps[taskID]...), nil
}

// agentSource serves fixed agents by ID.
type agentSource struct {
	agents map[string]*agent.Agent
}

func (a *agentSource) GetAgent(ctx context.Context, id string) (*agent.Agent, error) {
	return a.agents[id], nil
}

// fakeRunner delegates each step to a function.
type fakeRunner struct {
	fn func(t *Task, history []*Step) (*StepOutcome, error)
}

func (f *fakeRunner) RunStep(ctx context.Context, ag *agent.Agent, t *Task, history []*Step, memCtx *memory.Context) (*StepOutcome, error) {
	return f.fn(t, history)
}

// recorder captures emitted metrics.
type recorder struct {
	mu   sync.Mutex
	recs []analytics.TaskExecution
}

func (r *recorder) TrackTaskExecution(agentID string, rec analytics.TaskExecution) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
}

func testAgent() *agent.Agent {
	return &agent.Agent{ID: "agent-1", UserID: "u1", Name: "worker", Active: true}
}

func newTestExecutor(maxSteps int, fn func(t *Task, history []*Step) (*StepOutcome, error)) (*Executor, *taskStore) {
	store := newTaskStore()
	agents := &agentSource{agents: map[string]*agent.Agent{"agent-1": testAgent()}}
	e := New(store, agents, &fakeRunner{fn: fn}, maxSteps, zap.NewNop())
	return e, store
}

func doneAfter(n int) func(t *Task, history []*Step) (*StepOutcome, error) {
	return func(t *Task, history []*Step) (*StepOutcome, error) {
		if len(history)+1 >= n {
			return &StepOutcome{
				Action:      "respond",
				Observation: "finished",
				Done:        true,
				Result:      map[string]any{"output": "done"},
				TokensUsed:  10,
			}, nil
		}
		return &StepOutcome{Action: "tool:search", Observation: "looking", TokensUsed: 5}, nil
	}
}

func TestCreateTaskPending(t *testing.T) {
	e, _ := newTestExecutor(5, doneAfter(1))
	task, err := e.Create(context.Background(), "agent-1", "summarize the report", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.Status != StatusPending {
		t.Errorf("status = %s, want pending", task.Status)
	}
	if task.ID == "" {
		t.Error("task has no ID")
	}
}

func TestCreateRejectsEmptyDescription(t *testing.T) {
	e, _ := newTestExecutor(5, doneAfter(1))
	_, err := e.Create(context.Background(), "agent-1", "   ", nil)
	if !fault.IsValidation(err) {
		t.Errorf("err = %v, want ValidationError", err)
	}
}

func TestCreateRejectsUnknownAgent(t *testing.T) {
	e, _ := newTestExecutor(5, doneAfter(1))
	_, err := e.Create(context.Background(), "ghost", "do something", nil)
	if !fault.IsNotFound(err) {
		t.Errorf("err = %v, want NotFoundError", err)
	}
}

func TestExecuteCompletes(t *testing.T) {
	e, store := newTestExecutor(10, doneAfter(3))
	ctx := context.Background()

	task, err := e.Create(ctx, "agent-1", "multi step job", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := e.Execute(ctx, task.ID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.Result["output"] != "done" {
		t.Errorf("result = %v", got.Result)
	}
	if got.StartedAt == nil || got.FinishedAt == nil {
		t.Error("timestamps not set")
	}

	steps, _ := store.ListSteps(ctx, task.ID)
	if len(steps) != 3 {
		t.Fatalf("persisted %d steps, want 3", len(steps))
	}
	for i, st := range steps {
		if st.Number != i+1 {
			t.Errorf("step %d has number %d", i, st.Number)
		}
	}
}

func TestExecuteRejectsNonPending(t *testing.T) {
	e, _ := newTestExecutor(10, doneAfter(1))
	ctx := context.Background()

	task, _ := e.Create(ctx, "agent-1", "one shot", nil)
	if _, err := e.Execute(ctx, task.ID); err != nil {
		t.Fatalf("first execute: %v", err)
	}
	_, err := e.Execute(ctx, task.ID)
	if !fault.IsValidation(err) {
		t.Errorf("second execute err = %v, want ValidationError", err)
	}
}

func TestExecuteStepLimit(t *testing.T) {
	never := func(t *Task, history []*Step) (*StepOutcome, error) {
		return &StepOutcome{Action: "spin", Observation: "still going"}, nil
	}
	e, _ := newTestExecutor(4, never)
	ctx := context.Background()

	task, _ := e.Create(ctx, "agent-1", "endless", nil)
	got, err := e.Execute(ctx, task.ID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if !strings.Contains(got.Error, "step limit exceeded") {
		t.Errorf("error = %q, want step limit message", got.Error)
	}
}

func TestExecuteStepErrorFailsTask(t *testing.T) {
	boom := func(t *Task, history []*Step) (*StepOutcome, error) {
		return nil, errors.New("model unavailable")
	}
	e, store := newTestExecutor(5, boom)
	ctx := context.Background()

	task, _ := e.Create(ctx, "agent-1", "doomed", nil)
	got, err := e.Execute(ctx, task.ID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if !strings.Contains(got.Error, "model unavailable") {
		t.Errorf("error = %q, want cause captured", got.Error)
	}

	steps, _ := store.ListSteps(ctx, task.ID)
	if len(steps) != 1 || steps[0].Action != "error" {
		t.Errorf("error step not persisted: %+v", steps)
	}
}

func TestRetryResetsFailedTask(t *testing.T) {
	boom := func(t *Task, history []*Step) (*StepOutcome, error) {
		return nil, errors.New("flaky")
	}
	e, store := newTestExecutor(5, boom)
	ctx := context.Background()

	task, _ := e.Create(ctx, "agent-1", "flaky job", nil)
	if _, err := e.Execute(ctx, task.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}

	got, err := e.Retry(ctx, task.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
	if got.Error != "" || got.StartedAt != nil || got.FinishedAt != nil {
		t.Error("retry did not clear run state")
	}

	// History survives as an audit trail.
	steps, _ := store.ListSteps(ctx, task.ID)
	if len(steps) != 1 {
		t.Errorf("retry dropped step history: %d steps", len(steps))
	}
}

func TestRetryStepNumbersContinue(t *testing.T) {
	attempts := 0
	flakyOnce := func(t *Task, history []*Step) (*StepOutcome, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("first attempt fails")
		}
		return &StepOutcome{Action: "respond", Observation: "ok", Done: true, Result: map[string]any{"output": "ok"}}, nil
	}
	e, store := newTestExecutor(5, flakyOnce)
	ctx := context.Background()

	task, _ := e.Create(ctx, "agent-1", "eventually works", nil)
	e.Execute(ctx, task.ID)
	if _, err := e.Retry(ctx, task.ID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	got, err := e.Execute(ctx, task.ID)
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}

	steps, _ := store.ListSteps(ctx, task.ID)
	if len(steps) != 2 {
		t.Fatalf("got %d steps, want 2", len(steps))
	}
	if steps[0].Number != 1 || steps[1].Number != 2 {
		t.Errorf("step numbers = %d, %d; want strictly increasing across attempts",
			steps[0].Number, steps[1].Number)
	}
}

func TestRetryRejectsNonFailed(t *testing.T) {
	e, _ := newTestExecutor(5, doneAfter(1))
	ctx := context.Background()

	task, _ := e.Create(ctx, "agent-1", "fine job", nil)
	_, err := e.Retry(ctx, task.ID)
	if !fault.IsValidation(err) {
		t.Errorf("retry pending err = %v, want ValidationError", err)
	}
}

func TestCancelPendingTask(t *testing.T) {
	e, _ := newTestExecutor(5, doneAfter(1))
	ctx := context.Background()

	task, _ := e.Create(ctx, "agent-1", "never mind", nil)
	got, err := e.Cancel(ctx, task.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
	if got.FinishedAt == nil {
		t.Error("finished timestamp not set")
	}
}

func TestCancelRejectsTerminal(t *testing.T) {
	e, _ := newTestExecutor(5, doneAfter(1))
	ctx := context.Background()

	task, _ := e.Create(ctx, "agent-1", "quick", nil)
	e.Execute(ctx, task.ID)
	_, err := e.Cancel(ctx, task.ID)
	if !fault.IsValidation(err) {
		t.Errorf("cancel completed err = %v, want ValidationError", err)
	}
}

func TestExecuteObservesCancellation(t *testing.T) {
	e, store := newTestExecutor(10, nil)
	ctx := context.Background()

	task, _ := e.Create(ctx, "agent-1", "cancel me mid-run", nil)

	// The runner cancels the task after its first step, simulating a
	// concurrent cancel request. The loop must notice before step two.
	steps := 0
	e.runner = &fakeRunner{fn: func(t *Task, history []*Step) (*StepOutcome, error) {
		steps++
		if steps == 1 {
			cur, _ := store.GetTask(ctx, t.ID)
			cur.Status = StatusCancelled
			store.UpdateTask(ctx, cur)
		}
		return &StepOutcome{Action: "work", Observation: "chunk"}, nil
	}}

	got, err := e.Execute(ctx, task.ID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
	if steps != 1 {
		t.Errorf("runner ran %d steps after cancellation, want 1", steps)
	}
}

func TestCancelMidRunReturnsPersistedFinish(t *testing.T) {
	e, store := newTestExecutor(10, nil)
	ctx := context.Background()

	task, _ := e.Create(ctx, "agent-1", "cancel me properly", nil)

	// The runner issues a real Cancel after its first step, so the stored
	// row carries a finish timestamp when the loop notices.
	steps := 0
	e.runner = &fakeRunner{fn: func(tk *Task, history []*Step) (*StepOutcome, error) {
		steps++
		if steps == 1 {
			if _, err := e.Cancel(ctx, tk.ID); err != nil {
				t.Fatalf("cancel: %v", err)
			}
		}
		return &StepOutcome{Action: "work", Observation: "chunk"}, nil
	}}

	got, err := e.Execute(ctx, task.ID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	if got.FinishedAt == nil {
		t.Fatal("returned task missing the persisted finish timestamp")
	}
	stored, _ := store.GetTask(ctx, task.ID)
	if !got.FinishedAt.Equal(*stored.FinishedAt) {
		t.Errorf("returned finish %v != stored %v", got.FinishedAt, stored.FinishedAt)
	}
}

func TestExecuteRecordsMetrics(t *testing.T) {
	e, _ := newTestExecutor(10, doneAfter(2))
	rec := &recorder{}
	e.SetMetrics(rec)
	ctx := context.Background()

	task, _ := e.Create(ctx, "agent-1", "measured job", nil)
	if _, err := e.Execute(ctx, task.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if len(rec.recs) != 1 {
		t.Fatalf("recorded %d executions, want 1", len(rec.recs))
	}
	got := rec.recs[0]
	if got.TaskID != task.ID || got.Status != string(StatusCompleted) {
		t.Errorf("metric = %+v", got)
	}
	if got.StepCount != 2 || got.TokensUsed != 15 {
		t.Errorf("steps=%d tokens=%d, want 2 and 15", got.StepCount, got.TokensUsed)
	}
}

func TestTerminalStatuses(t *testing.T) {
	if !StatusCompleted.Terminal() || !StatusCancelled.Terminal() {
		t.Error("completed and cancelled must be terminal")
	}
	if StatusFailed.Terminal() {
		t.Error("failed must not be terminal; retry moves it back to pending")
	}
	if StatusPending.Terminal() || StatusRunning.Terminal() {
		t.Error("pending and running are not terminal")
	}
}
