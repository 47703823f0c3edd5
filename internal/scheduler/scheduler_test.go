package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/emberlight/convoy/internal/agent"
	"github.com/emberlight/convoy/internal/executor"
	"github.com/emberlight/convoy/internal/fault"
)

// scheduleStore is an in-memory Store implementation.
type scheduleStore struct {
	mu        sync.Mutex
	schedules map[string]*Schedule
}

func newScheduleStore() *scheduleStore {
	return &scheduleStore{schedules: make(map[string]*Schedule)}
}

func (s *scheduleStore) CreateSchedule(ctx context.Context, sc *Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sc
	s.schedules[sc.ID] = &cp
	return nil
}

func (s *scheduleStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schedules[id]
	if !ok {
		return nil, nil
	}
	cp := *sc
	return &cp, nil
}

func (s *scheduleStore) UpdateSchedule(ctx context.Context, sc *Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sc
	s.schedules[sc.ID] = &cp
	return nil
}

func (s *scheduleStore) ListDueSchedules(ctx context.Context, now time.Time) ([]*Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Schedule
	for _, sc := range s.schedules {
		if sc.Active && sc.NextRun != nil && !sc.NextRun.After(now) {
			cp := *sc
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *scheduleStore) ListUpcomingSchedules(ctx context.Context, limit int) ([]*Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Schedule
	for _, sc := range s.schedules {
		if sc.Active && sc.NextRun != nil {
			cp := *sc
			out = append(out, &cp)
		}
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].NextRun.Before(*out[i].NextRun) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ownedAgents serves agents owned by a fixed user.
type ownedAgents struct{ owner string }

func (o *ownedAgents) GetAgent(ctx context.Context, id string) (*agent.Agent, error) {
	if id == "missing" {
		return nil, nil
	}
	return &agent.Agent{ID: id, UserID: o.owner, Name: id, Active: true}, nil
}

// stubRunner records fired tasks and optionally fails.
type stubRunner struct {
	mu    sync.Mutex
	fired []string
	fail  bool
}

func (r *stubRunner) Create(ctx context.Context, agentID, description string, input map[string]any) (*executor.Task, error) {
	return &executor.Task{ID: uuid.New().String(), AgentID: agentID, Description: description, Status: executor.StatusPending}, nil
}

func (r *stubRunner) Execute(ctx context.Context, taskID string) (*executor.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fired = append(r.fired, taskID)
	if r.fail {
		return nil, errors.New("execution blew up")
	}
	return &executor.Task{ID: taskID, Status: executor.StatusCompleted}, nil
}

func newTestScheduler() (*Scheduler, *scheduleStore, *stubRunner) {
	store := newScheduleStore()
	runner := &stubRunner{}
	s := New(store, &ownedAgents{owner: "u1"}, runner, time.Second, zap.NewNop())
	return s, store, runner
}

func TestNextRunInterval(t *testing.T) {
	from := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	next, err := NextRun(TypeInterval, Config{Every: "5m"}, from)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	if want := from.Add(5 * time.Minute); !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestNextRunCron(t *testing.T) {
	from := time.Date(2026, 8, 25, 12, 30, 0, 0, time.UTC)
	// Daily at 09:00: next firing is tomorrow morning.
	next, err := NextRun(TypeCron, Config{Expression: "0 9 * * *"}, from)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	want := time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestNextRunOnce(t *testing.T) {
	at := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)
	next, err := NextRun(TypeOnce, Config{At: &at}, time.Now())
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	if !next.Equal(at) {
		t.Errorf("next = %v, want %v", next, at)
	}
}

func TestNextRunInvalidSpecs(t *testing.T) {
	if _, err := NextRun(TypeCron, Config{Expression: "not a cron"}, time.Now()); err == nil {
		t.Error("bad cron accepted")
	}
	if _, err := NextRun(TypeInterval, Config{Every: "-1s"}, time.Now()); err == nil {
		t.Error("negative interval accepted")
	}
	if _, err := NextRun(TypeOnce, Config{}, time.Now()); err == nil {
		t.Error("one-shot without a time accepted")
	}
	if _, err := NextRun("hourly", Config{}, time.Now()); err == nil {
		t.Error("unknown type accepted")
	}
}

func TestCreateSchedule(t *testing.T) {
	s, _, _ := newTestScheduler()
	sc, err := s.Create(context.Background(), "u1", "agent-1", "daily digest", TypeInterval, Config{Every: "1h"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !sc.Active {
		t.Error("new schedule not active")
	}
	if sc.NextRun == nil || !sc.NextRun.After(time.Now()) {
		t.Errorf("next run = %v", sc.NextRun)
	}
}

func TestCreateValidatesOwnershipAndSpec(t *testing.T) {
	s, _, _ := newTestScheduler()
	ctx := context.Background()

	if _, err := s.Create(ctx, "intruder", "agent-1", "steal", TypeInterval, Config{Every: "1h"}); !fault.IsNotFound(err) {
		t.Errorf("foreign agent err = %v, want NotFoundError", err)
	}
	if _, err := s.Create(ctx, "u1", "missing", "ghost", TypeInterval, Config{Every: "1h"}); !fault.IsNotFound(err) {
		t.Errorf("missing agent err = %v, want NotFoundError", err)
	}
	if _, err := s.Create(ctx, "u1", "agent-1", "", TypeInterval, Config{Every: "1h"}); !fault.IsValidation(err) {
		t.Errorf("empty description err = %v, want ValidationError", err)
	}
	if _, err := s.Create(ctx, "u1", "agent-1", "bad spec", TypeCron, Config{Expression: "nope"}); !fault.IsValidation(err) {
		t.Errorf("bad cron err = %v, want ValidationError", err)
	}
}

func TestTriggerKeepsCadence(t *testing.T) {
	s, store, runner := newTestScheduler()
	ctx := context.Background()

	sc, err := s.Create(ctx, "u1", "agent-1", "report", TypeInterval, Config{Every: "1h"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	before := *sc.NextRun

	if _, err := s.Trigger(ctx, sc.ID, map[string]any{"reason": "manual"}); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if len(runner.fired) != 1 {
		t.Fatalf("fired %d tasks, want 1", len(runner.fired))
	}

	after, _ := store.GetSchedule(ctx, sc.ID)
	if !after.NextRun.Equal(before) {
		t.Errorf("trigger moved next run: %v -> %v", before, after.NextRun)
	}
	if after.LastResult != string(executor.StatusCompleted) {
		t.Errorf("last result = %q", after.LastResult)
	}
}

func TestPauseResume(t *testing.T) {
	s, _, _ := newTestScheduler()
	ctx := context.Background()

	sc, _ := s.Create(ctx, "u1", "agent-1", "digest", TypeInterval, Config{Every: "1h"})

	paused, err := s.Pause(ctx, sc.ID)
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if paused.Active {
		t.Error("still active after pause")
	}

	upcoming, _ := s.Upcoming(ctx, 10)
	if len(upcoming) != 0 {
		t.Errorf("paused schedule still upcoming: %d", len(upcoming))
	}

	resumed, err := s.Resume(ctx, sc.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !resumed.Active || resumed.NextRun == nil {
		t.Error("resume did not reactivate with a next run")
	}
}

func TestFireDueAdvancesCadence(t *testing.T) {
	s, store, runner := newTestScheduler()
	ctx := context.Background()

	sc, _ := s.Create(ctx, "u1", "agent-1", "tick", TypeInterval, Config{Every: "1h"})
	past := time.Now().Add(-time.Minute)
	fromStore, _ := store.GetSchedule(ctx, sc.ID)
	fromStore.NextRun = &past
	store.UpdateSchedule(ctx, fromStore)

	now := time.Now()
	s.fireDue(ctx, now)

	if len(runner.fired) != 1 {
		t.Fatalf("fired %d tasks, want 1", len(runner.fired))
	}
	after, _ := store.GetSchedule(ctx, sc.ID)
	if !after.NextRun.After(now) {
		t.Errorf("next run not advanced: %v", after.NextRun)
	}
	if !after.Active {
		t.Error("recurring schedule deactivated")
	}
}

func TestFireDueDeactivatesOneShot(t *testing.T) {
	s, store, runner := newTestScheduler()
	ctx := context.Background()

	at := time.Now().Add(-time.Minute)
	sc, err := s.Create(ctx, "u1", "agent-1", "one and done", TypeOnce, Config{At: &at})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	s.fireDue(ctx, time.Now())

	if len(runner.fired) != 1 {
		t.Fatalf("fired %d tasks, want 1", len(runner.fired))
	}
	after, _ := store.GetSchedule(ctx, sc.ID)
	if after.Active || after.NextRun != nil {
		t.Errorf("one-shot still scheduled: active=%v next=%v", after.Active, after.NextRun)
	}
}

func TestFailedRunRecordedAndScheduleContinues(t *testing.T) {
	s, store, runner := newTestScheduler()
	runner.fail = true
	ctx := context.Background()

	sc, _ := s.Create(ctx, "u1", "agent-1", "flaky", TypeInterval, Config{Every: "1h"})
	past := time.Now().Add(-time.Minute)
	fromStore, _ := store.GetSchedule(ctx, sc.ID)
	fromStore.NextRun = &past
	store.UpdateSchedule(ctx, fromStore)

	s.fireDue(ctx, time.Now())

	after, _ := store.GetSchedule(ctx, sc.ID)
	if !after.Active {
		t.Error("failed run deactivated the schedule")
	}
	if !strings.HasPrefix(after.LastResult, "error:") {
		t.Errorf("last result = %q, want error recorded", after.LastResult)
	}
	if after.NextRun == nil || !after.NextRun.After(time.Now().Add(59*time.Minute)) {
		t.Errorf("cadence not advanced after failure: %v", after.NextRun)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	s, _, _ := newTestScheduler()
	s.Start()
	s.Start()
	s.Stop()
	s.Stop()
}
