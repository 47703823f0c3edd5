package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/emberlight/convoy/internal/agent"
	"github.com/emberlight/convoy/internal/fault"
)

// CreateAgent inserts a new agent.
func (s *Store) CreateAgent(ctx context.Context, a *agent.Agent) error {
	model, err := json.Marshal(a.Model)
	if err != nil {
		return fault.Persistence("encode agent model", err)
	}
	caps, err := json.Marshal(a.Capabilities)
	if err != nil {
		return fault.Persistence("encode agent capabilities", err)
	}
	tools, err := json.Marshal(a.Tools)
	if err != nil {
		return fault.Persistence("encode agent tools", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO agents (id, user_id, name, role, model, capabilities, tools, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.UserID, a.Name, a.Role, model, caps, tools, a.Active, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fault.Persistence("create agent", err)
	}
	return nil
}

// GetAgent retrieves a single agent by ID. Returns (nil, nil) when absent.
func (s *Store) GetAgent(ctx context.Context, id string) (*agent.Agent, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, user_id, name, role, model, capabilities, tools, active, created_at, updated_at
		FROM agents WHERE id = $1`, id)

	a, err := scanAgent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fault.Persistence("get agent", err)
	}
	return a, nil
}

// ListAgents returns a user's active agents, oldest first.
func (s *Store) ListAgents(ctx context.Context, userID string) ([]*agent.Agent, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, user_id, name, role, model, capabilities, tools, active, created_at, updated_at
		FROM agents WHERE user_id = $1 AND active
		ORDER BY created_at`, userID)
	if err != nil {
		return nil, fault.Persistence("list agents", err)
	}
	defer rows.Close()

	var agents []*agent.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fault.Persistence("scan agent", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// UpdateAgent persists mutable agent configuration.
func (s *Store) UpdateAgent(ctx context.Context, a *agent.Agent) error {
	model, err := json.Marshal(a.Model)
	if err != nil {
		return fault.Persistence("encode agent model", err)
	}
	caps, err := json.Marshal(a.Capabilities)
	if err != nil {
		return fault.Persistence("encode agent capabilities", err)
	}
	tools, err := json.Marshal(a.Tools)
	if err != nil {
		return fault.Persistence("encode agent tools", err)
	}

	_, err = s.db.Exec(ctx, `
		UPDATE agents SET name = $2, role = $3, model = $4, capabilities = $5,
		       tools = $6, active = $7, updated_at = NOW()
		WHERE id = $1`,
		a.ID, a.Name, a.Role, model, caps, tools, a.Active,
	)
	if err != nil {
		return fault.Persistence("update agent", err)
	}
	return nil
}

// DeleteAgent soft-deletes an agent by clearing its active flag.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE agents SET active = false, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fault.Persistence("delete agent", err)
	}
	return nil
}

func scanAgent(row pgx.Row) (*agent.Agent, error) {
	var a agent.Agent
	var model, caps, tools []byte
	if err := row.Scan(
		&a.ID, &a.UserID, &a.Name, &a.Role, &model, &caps, &tools,
		&a.Active, &a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(model, &a.Model); err != nil {
		return nil, err
	}
	if len(caps) > 0 {
		if err := json.Unmarshal(caps, &a.Capabilities); err != nil {
			return nil, err
		}
	}
	if len(tools) > 0 {
		if err := json.Unmarshal(tools, &a.Tools); err != nil {
			return nil, err
		}
	}
	return &a, nil
}
