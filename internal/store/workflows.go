package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/emberlight/convoy/internal/fault"
	"github.com/emberlight/convoy/internal/orchestrator"
)

// CreateWorkflow inserts a new workflow with its JSON fields serialized.
func (s *Store) CreateWorkflow(ctx context.Context, w *orchestrator.Workflow) error {
	steps, err := json.Marshal(w.Steps)
	if err != nil {
		return fault.Persistence("encode workflow steps", err)
	}
	agents, err := json.Marshal(w.AgentIDs)
	if err != nil {
		return fault.Persistence("encode workflow agents", err)
	}
	settings, err := json.Marshal(w.Settings)
	if err != nil {
		return fault.Persistence("encode workflow settings", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO workflows (id, user_id, name, description, steps, agent_ids, settings, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		w.ID, w.UserID, w.Name, w.Description, steps, agents, settings, w.Status, w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		return fault.Persistence("create workflow", err)
	}
	return nil
}

// GetWorkflow retrieves one workflow. Returns (nil, nil) when absent.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*orchestrator.Workflow, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, user_id, name, COALESCE(description, ''), steps, agent_ids, settings, status, created_at, updated_at
		FROM workflows WHERE id = $1`, id)

	w, err := scanWorkflow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fault.Persistence("get workflow", err)
	}
	return w, nil
}

// ListWorkflows returns a user's workflows, newest first.
func (s *Store) ListWorkflows(ctx context.Context, userID string) ([]*orchestrator.Workflow, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, user_id, name, COALESCE(description, ''), steps, agent_ids, settings, status, created_at, updated_at
		FROM workflows WHERE user_id = $1
		ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fault.Persistence("list workflows", err)
	}
	defer rows.Close()

	var workflows []*orchestrator.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, fault.Persistence("scan workflow", err)
		}
		workflows = append(workflows, w)
	}
	return workflows, rows.Err()
}

// UpdateWorkflowStatus moves a workflow between lifecycle states.
func (s *Store) UpdateWorkflowStatus(ctx context.Context, id, status string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE workflows SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return fault.Persistence("update workflow status", err)
	}
	return nil
}

// DeleteWorkflow removes a workflow row.
func (s *Store) DeleteWorkflow(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM workflows WHERE id = $1`, id)
	if err != nil {
		return fault.Persistence("delete workflow", err)
	}
	return nil
}

func scanWorkflow(row pgx.Row) (*orchestrator.Workflow, error) {
	var w orchestrator.Workflow
	var steps, agents, settings []byte
	if err := row.Scan(
		&w.ID, &w.UserID, &w.Name, &w.Description, &steps, &agents, &settings,
		&w.Status, &w.CreatedAt, &w.UpdatedAt,
	); err != nil {
		return nil, err
	}

	var err error
	if w.Steps, err = orchestrator.ParseSteps(steps); err != nil {
		return nil, err
	}
	if w.AgentIDs, err = orchestrator.ParseStrings(agents); err != nil {
		return nil, err
	}
	if w.Settings, err = orchestrator.ParseObject(settings); err != nil {
		return nil, err
	}
	return &w, nil
}
