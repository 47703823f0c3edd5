package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/emberlight/convoy/internal/executor"
	"github.com/emberlight/convoy/internal/fault"
)

// CreateTask inserts a new task row.
func (s *Store) CreateTask(ctx context.Context, t *executor.Task) error {
	input, err := json.Marshal(t.Input)
	if err != nil {
		return fault.Persistence("encode task input", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO tasks (id, agent_id, description, input, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID, t.AgentID, t.Description, input, string(t.Status), t.CreatedAt,
	)
	if err != nil {
		return fault.Persistence("create task", err)
	}
	return nil
}

// GetTask retrieves one task by ID. Returns (nil, nil) when absent.
func (s *Store) GetTask(ctx context.Context, id string) (*executor.Task, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, agent_id, description, input, status, result, COALESCE(error, ''),
		       created_at, started_at, finished_at
		FROM tasks WHERE id = $1`, id)

	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fault.Persistence("get task", err)
	}
	return t, nil
}

// ListTasks returns an agent's tasks, newest first.
func (s *Store) ListTasks(ctx context.Context, agentID string, limit int) ([]*executor.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, agent_id, description, input, status, result, COALESCE(error, ''),
		       created_at, started_at, finished_at
		FROM tasks WHERE agent_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, agentID, limit)
	if err != nil {
		return nil, fault.Persistence("list tasks", err)
	}
	defer rows.Close()

	var tasks []*executor.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fault.Persistence("scan task", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// UpdateTask persists the task's mutable state.
func (s *Store) UpdateTask(ctx context.Context, t *executor.Task) error {
	result, err := json.Marshal(t.Result)
	if err != nil {
		return fault.Persistence("encode task result", err)
	}
	_, err = s.db.Exec(ctx, `
		UPDATE tasks SET status = $2, result = $3, error = $4,
		       started_at = $5, finished_at = $6
		WHERE id = $1`,
		t.ID, string(t.Status), result, t.Error, t.StartedAt, t.FinishedAt,
	)
	if err != nil {
		return fault.Persistence("update task", err)
	}
	return nil
}

// AppendStep inserts one step row. Steps are append-only.
func (s *Store) AppendStep(ctx context.Context, st *executor.Step) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO task_steps (id, task_id, step_number, action, observation, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		st.ID, st.TaskID, st.Number, st.Action, st.Observation, st.CreatedAt,
	)
	if err != nil {
		return fault.Persistence("append step", err)
	}
	return nil
}

// ListSteps returns a task's steps in step-number order.
func (s *Store) ListSteps(ctx context.Context, taskID string) ([]*executor.Step, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, task_id, step_number, action, observation, created_at
		FROM task_steps WHERE task_id = $1
		ORDER BY step_number`, taskID)
	if err != nil {
		return nil, fault.Persistence("list steps", err)
	}
	defer rows.Close()

	var steps []*executor.Step
	for rows.Next() {
		var st executor.Step
		if err := rows.Scan(&st.ID, &st.TaskID, &st.Number, &st.Action, &st.Observation, &st.CreatedAt); err != nil {
			return nil, fault.Persistence("scan step", err)
		}
		steps = append(steps, &st)
	}
	return steps, rows.Err()
}

func scanTask(row pgx.Row) (*executor.Task, error) {
	var t executor.Task
	var status string
	var input, result []byte
	if err := row.Scan(
		&t.ID, &t.AgentID, &t.Description, &input, &status, &result, &t.Error,
		&t.CreatedAt, &t.StartedAt, &t.FinishedAt,
	); err != nil {
		return nil, err
	}
	t.Status = executor.Status(status)
	if len(input) > 0 {
		if err := json.Unmarshal(input, &t.Input); err != nil {
			return nil, err
		}
	}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &t.Result); err != nil {
			return nil, err
		}
	}
	return &t, nil
}
