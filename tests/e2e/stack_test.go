package e2e

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/emberlight/convoy/internal/analytics"
	"github.com/emberlight/convoy/internal/executor"
	"github.com/emberlight/convoy/internal/memory"
	"github.com/emberlight/convoy/internal/notify"
	"github.com/emberlight/convoy/internal/orchestrator"
	"github.com/emberlight/convoy/internal/scheduler"
	pgstore "github.com/emberlight/convoy/internal/store"
)

// Package-level shared state, set by TestMain and used by all subtests.
var (
	testLogger   *zap.Logger
	testStore    *pgstore.Store
	testRedisURL string
	testFacts    *memory.FactGraph
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	testLogger, _ = zap.NewDevelopment()

	pgDSN, pgCleanup, err := startPostgres(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "postgres: %v\n", err)
		os.Exit(1)
	}
	defer pgCleanup()

	testStore, err = pgstore.New(pgDSN, testLogger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pg store: %v\n", err)
		os.Exit(1)
	}
	defer testStore.Close()

	if err := testStore.Migrate(ctx, "../../migrations"); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}

	redisURL, redisCleanup, err := startRedis(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "redis: %v\n", err)
		os.Exit(1)
	}
	defer redisCleanup()
	testRedisURL = redisURL

	neo4jURI, neo4jCleanup, err := startNeo4j(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "neo4j: %v\n", err)
		os.Exit(1)
	}
	defer neo4jCleanup()

	testFacts, err = memory.NewFactGraph(neo4jURI, "", "", testLogger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fact graph: %v\n", err)
		os.Exit(1)
	}
	defer testFacts.Close(ctx)

	os.Exit(m.Run())
}

func TestAgentStorePersistence(t *testing.T) {
	ctx := context.Background()

	a, err := seedAgent(ctx, "u-agents")
	if err != nil {
		t.Fatalf("seed agent: %v", err)
	}

	got, err := testStore.GetAgent(ctx, a.ID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if got == nil || got.Name != a.Name || got.Model.Model != "gpt-4o-mini" {
		t.Fatalf("round trip lost data: %+v", got)
	}
	if len(got.Capabilities) != 2 || got.Capabilities[0] != "search" {
		t.Errorf("capabilities = %v", got.Capabilities)
	}

	got.Role = "analysis"
	if err := testStore.UpdateAgent(ctx, got); err != nil {
		t.Fatalf("update agent: %v", err)
	}
	updated, _ := testStore.GetAgent(ctx, a.ID)
	if updated.Role != "analysis" {
		t.Errorf("role = %q after update", updated.Role)
	}

	if err := testStore.DeleteAgent(ctx, a.ID); err != nil {
		t.Fatalf("delete agent: %v", err)
	}
	listed, err := testStore.ListAgents(ctx, "u-agents")
	if err != nil {
		t.Fatalf("list agents: %v", err)
	}
	if len(listed) != 0 {
		t.Errorf("soft-deleted agent still listed: %d", len(listed))
	}
	// Direct lookup still resolves the row.
	gone, err := testStore.GetAgent(ctx, a.ID)
	if err != nil || gone == nil || gone.Active {
		t.Errorf("soft delete: got %+v, %v", gone, err)
	}

	if missing, err := testStore.GetAgent(ctx, uuid.New().String()); err != nil || missing != nil {
		t.Errorf("absent agent = %+v, %v; want nil, nil", missing, err)
	}
}

func TestTaskPersistence(t *testing.T) {
	ctx := context.Background()

	a, err := seedAgent(ctx, "u-tasks")
	if err != nil {
		t.Fatalf("seed agent: %v", err)
	}

	task := &executor.Task{
		ID:          uuid.New().String(),
		AgentID:     a.ID,
		Description: "summarize the quarterly report",
		Input:       map[string]any{"quarter": "Q3"},
		Status:      executor.StatusPending,
		CreatedAt:   time.Now(),
	}
	if err := testStore.CreateTask(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}

	for n := 1; n <= 2; n++ {
		step := &executor.Step{
			ID:          uuid.New().String(),
			TaskID:      task.ID,
			Number:      n,
			Action:      "respond",
			Observation: fmt.Sprintf("observation %d", n),
			CreatedAt:   time.Now(),
		}
		if err := testStore.AppendStep(ctx, step); err != nil {
			t.Fatalf("append step %d: %v", n, err)
		}
	}

	now := time.Now()
	task.Status = executor.StatusCompleted
	task.Result = map[string]any{"output": "done"}
	task.StartedAt = &now
	task.FinishedAt = &now
	if err := testStore.UpdateTask(ctx, task); err != nil {
		t.Fatalf("update task: %v", err)
	}

	got, err := testStore.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != executor.StatusCompleted || got.Result["output"] != "done" {
		t.Errorf("task round trip: %+v", got)
	}
	if got.Input["quarter"] != "Q3" {
		t.Errorf("input lost: %v", got.Input)
	}

	steps, err := testStore.ListSteps(ctx, task.ID)
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	if len(steps) != 2 || steps[0].Number != 1 || steps[1].Number != 2 {
		t.Errorf("steps = %+v", steps)
	}

	tasks, err := testStore.ListTasks(ctx, a.ID, 10)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Errorf("listed %d tasks, want 1", len(tasks))
	}
}

func TestWorkflowPersistence(t *testing.T) {
	ctx := context.Background()

	w := &orchestrator.Workflow{
		ID:     uuid.New().String(),
		UserID: "u-workflows",
		Name:   "pipeline",
		Steps: []orchestrator.WorkflowStep{
			{AgentID: uuid.New().String(), Type: orchestrator.StepSequence, Task: "draft"},
			{AgentID: uuid.New().String(), Type: orchestrator.StepRouter, Task: "route",
				RouteField: "input.kind", Routes: map[string]string{"a": "agent-a"}},
		},
		AgentIDs:  []string{"one", "two"},
		Settings:  map[string]any{"retries": float64(2)},
		Status:    orchestrator.WorkflowPending,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := testStore.CreateWorkflow(ctx, w); err != nil {
		t.Fatalf("create workflow: %v", err)
	}

	got, err := testStore.GetWorkflow(ctx, w.ID)
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if len(got.Steps) != 2 || got.Steps[1].Routes["a"] != "agent-a" {
		t.Errorf("steps round trip: %+v", got.Steps)
	}
	if len(got.AgentIDs) != 2 || got.Settings["retries"] != float64(2) {
		t.Errorf("agent_ids/settings round trip: %v %v", got.AgentIDs, got.Settings)
	}

	if err := testStore.UpdateWorkflowStatus(ctx, w.ID, orchestrator.WorkflowCompleted); err != nil {
		t.Fatalf("update status: %v", err)
	}
	got, _ = testStore.GetWorkflow(ctx, w.ID)
	if got.Status != orchestrator.WorkflowCompleted {
		t.Errorf("status = %s", got.Status)
	}

	if err := testStore.DeleteWorkflow(ctx, w.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if gone, err := testStore.GetWorkflow(ctx, w.ID); err != nil || gone != nil {
		t.Errorf("deleted workflow = %+v, %v", gone, err)
	}
}

func TestSchedulePersistence(t *testing.T) {
	ctx := context.Background()

	a, err := seedAgent(ctx, "u-schedules")
	if err != nil {
		t.Fatalf("seed agent: %v", err)
	}

	past := time.Now().Add(-time.Minute)
	due := &scheduler.Schedule{
		ID:          uuid.New().String(),
		AgentID:     a.ID,
		UserID:      "u-schedules",
		Description: "overdue digest",
		Type:        scheduler.TypeInterval,
		Config:      scheduler.Config{Every: "1h"},
		NextRun:     &past,
		Active:      true,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	future := time.Now().Add(time.Hour)
	upcoming := &scheduler.Schedule{
		ID:          uuid.New().String(),
		AgentID:     a.ID,
		UserID:      "u-schedules",
		Description: "later digest",
		Type:        scheduler.TypeInterval,
		Config:      scheduler.Config{Every: "1h"},
		NextRun:     &future,
		Active:      true,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	for _, sc := range []*scheduler.Schedule{due, upcoming} {
		if err := testStore.CreateSchedule(ctx, sc); err != nil {
			t.Fatalf("create schedule: %v", err)
		}
	}

	dueNow, err := testStore.ListDueSchedules(ctx, time.Now())
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	foundDue := false
	for _, sc := range dueNow {
		if sc.ID == upcoming.ID {
			t.Error("future schedule reported due")
		}
		if sc.ID == due.ID {
			foundDue = true
			if sc.Config.Every != "1h" {
				t.Errorf("config round trip: %+v", sc.Config)
			}
		}
	}
	if !foundDue {
		t.Error("overdue schedule not reported due")
	}

	due.Active = false
	due.LastResult = "completed"
	if err := testStore.UpdateSchedule(ctx, due); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ := testStore.GetSchedule(ctx, due.ID)
	if got.Active || got.LastResult != "completed" {
		t.Errorf("schedule update: %+v", got)
	}
}

func TestMemoryPersistence(t *testing.T) {
	ctx := context.Background()

	a, err := seedAgent(ctx, "u-memories")
	if err != nil {
		t.Fatalf("seed agent: %v", err)
	}

	old := &memory.Record{
		ID:         uuid.New().String(),
		AgentID:    a.ID,
		Content:    map[string]any{"text": "the kraken project was shelved"},
		Type:       memory.ShortTerm,
		Importance: memory.Low,
		CreatedAt:  time.Now().Add(-90 * 24 * time.Hour),
	}
	fresh := &memory.Record{
		ID:         uuid.New().String(),
		AgentID:    a.ID,
		Content:    map[string]any{"text": "the kraken launch moved to friday"},
		Type:       memory.LongTerm,
		Importance: memory.High,
		Tags:       []string{"launch"},
		CreatedAt:  time.Now(),
	}
	for _, r := range []*memory.Record{old, fresh} {
		if err := testStore.InsertMemory(ctx, r); err != nil {
			t.Fatalf("insert memory: %v", err)
		}
	}

	found, err := testStore.SearchMemories(ctx, a.ID, "kraken", "", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(found) != 2 {
		t.Fatalf("found %d records, want 2", len(found))
	}
	// Higher importance sorts first.
	if found[0].ID != fresh.ID {
		t.Errorf("ordering: first = %s", found[0].ID)
	}

	typed, err := testStore.SearchMemories(ctx, a.ID, "", memory.LongTerm, 10)
	if err != nil {
		t.Fatalf("typed search: %v", err)
	}
	if len(typed) != 1 || typed[0].ID != fresh.ID {
		t.Errorf("typed search = %+v", typed)
	}

	if err := testStore.BumpMemoryAccess(ctx, []string{fresh.ID}); err != nil {
		t.Fatalf("bump: %v", err)
	}
	byID, err := testStore.GetMemoriesByID(ctx, []string{fresh.ID})
	if err != nil || len(byID) != 1 {
		t.Fatalf("by id: %v %v", byID, err)
	}
	if byID[0].AccessCount != 1 {
		t.Errorf("access count = %d, want 1", byID[0].AccessCount)
	}

	if err := testStore.PromoteMemories(ctx, []string{old.ID}, memory.LongTerm); err != nil {
		t.Fatalf("promote: %v", err)
	}
	promoted, _ := testStore.GetMemoriesByID(ctx, []string{old.ID})
	if promoted[0].Type != memory.LongTerm {
		t.Errorf("promoted type = %s", promoted[0].Type)
	}

	n, err := testStore.DeleteMemoriesBefore(ctx, a.ID, time.Now().Add(-30*24*time.Hour), memory.High)
	if err != nil {
		t.Fatalf("delete before: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d records, want 1", n)
	}
}

func TestMetricsAggregates(t *testing.T) {
	ctx := context.Background()
	agentID := uuid.New().String()

	events := []*analytics.Event{
		{ID: uuid.New().String(), AgentID: agentID, Type: analytics.EventTaskExecution, Value: 1200,
			Metadata: map[string]any{"task_id": "t1", "status": "completed"}, CreatedAt: time.Now()},
		{ID: uuid.New().String(), AgentID: agentID, Type: analytics.EventTaskExecution, Value: 800,
			Metadata: map[string]any{"task_id": "t2", "status": "failed"}, CreatedAt: time.Now()},
		{ID: uuid.New().String(), AgentID: agentID, Type: analytics.EventError, Value: 1,
			Metadata: map[string]any{"message": "timeout"}, CreatedAt: time.Now()},
		{ID: uuid.New().String(), AgentID: agentID, Type: analytics.EventError, Value: 1,
			Metadata: map[string]any{"message": "timeout"}, CreatedAt: time.Now()},
		{ID: uuid.New().String(), AgentID: agentID, Type: analytics.EventTokenConsumption, Value: 500,
			Metadata: map[string]any{"task_id": "t1"}, CreatedAt: time.Now()},
	}
	if err := testStore.InsertMetrics(ctx, events); err != nil {
		t.Fatalf("insert metrics: %v", err)
	}

	since := time.Now().Add(-time.Hour)
	perf, err := testStore.QueryAgentPerformance(ctx, agentID, since)
	if err != nil {
		t.Fatalf("performance: %v", err)
	}
	if perf.TotalTasks != "2" || perf.SuccessfulTasks != "1" || perf.FailedTasks != "1" {
		t.Errorf("performance row = %+v", perf)
	}

	errs, err := testStore.QueryErrorCounts(ctx, agentID, since)
	if err != nil {
		t.Fatalf("errors: %v", err)
	}
	if len(errs) != 1 || errs[0].Message != "timeout" || errs[0].Count != "2" {
		t.Errorf("error rows = %+v", errs)
	}

	tokens, err := testStore.QueryTokenUsage(ctx, agentID, since)
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}
	if tokens.TotalTokens != "500" || tokens.TaskCount != "1" {
		t.Errorf("token row = %+v", tokens)
	}
}

func TestNotifyPublishSubscribe(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	sink, err := notify.NewSink(testRedisURL, testLogger)
	if err != nil {
		t.Fatalf("sink: %v", err)
	}
	defer sink.Close()

	events := sink.Subscribe(ctx)
	// Give the subscriber a moment to issue its first blocking read.
	time.Sleep(200 * time.Millisecond)

	sink.Publish(ctx, "workflow.started", map[string]any{"run_id": "r1"})

	select {
	case e := <-events:
		if e == nil || e.Type != "workflow.started" {
			t.Fatalf("event = %+v", e)
		}
	case <-ctx.Done():
		t.Fatal("no event received before timeout")
	}
}

func TestFactGraphRoundTrip(t *testing.T) {
	ctx := context.Background()
	agentID := uuid.New().String()

	facts := []memory.Fact{
		{Subject: "convoy", Predicate: "written_in", Object: "go"},
		{Subject: "convoy", Predicate: "stores_data_in", Object: "postgres"},
		{Subject: "other", Predicate: "unrelated_to", Object: "everything"},
	}
	for _, f := range facts {
		if err := testFacts.AddFact(ctx, agentID, f); err != nil {
			t.Fatalf("add fact: %v", err)
		}
	}

	related, err := testFacts.RelatedFacts(ctx, agentID, "convoy", 10)
	if err != nil {
		t.Fatalf("related: %v", err)
	}
	if len(related) != 2 {
		t.Fatalf("got %d related facts, want 2", len(related))
	}
	for _, f := range related {
		if f.Subject != "convoy" {
			t.Errorf("unexpected fact %+v", f)
		}
	}

	// Facts are scoped per agent.
	other, err := testFacts.RelatedFacts(ctx, uuid.New().String(), "convoy", 10)
	if err != nil {
		t.Fatalf("related other agent: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("cross-agent leak: %d facts", len(other))
	}
}
