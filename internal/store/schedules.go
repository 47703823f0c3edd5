package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/emberlight/convoy/internal/fault"
	"github.com/emberlight/convoy/internal/scheduler"
)

// CreateSchedule inserts a new schedule.
func (s *Store) CreateSchedule(ctx context.Context, sc *scheduler.Schedule) error {
	cfg, err := json.Marshal(sc.Config)
	if err != nil {
		return fault.Persistence("encode schedule config", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO schedules (id, agent_id, user_id, description, schedule_type, config, next_run, active, last_result, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		sc.ID, sc.AgentID, sc.UserID, sc.Description, sc.Type, cfg,
		sc.NextRun, sc.Active, sc.LastResult, sc.CreatedAt, sc.UpdatedAt,
	)
	if err != nil {
		return fault.Persistence("create schedule", err)
	}
	return nil
}

// GetSchedule retrieves one schedule. Returns (nil, nil) when absent.
func (s *Store) GetSchedule(ctx context.Context, id string) (*scheduler.Schedule, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, agent_id, user_id, description, schedule_type, config, next_run, active, COALESCE(last_result, ''), created_at, updated_at
		FROM schedules WHERE id = $1`, id)

	sc, err := scanSchedule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fault.Persistence("get schedule", err)
	}
	return sc, nil
}

// UpdateSchedule persists the schedule's mutable state.
func (s *Store) UpdateSchedule(ctx context.Context, sc *scheduler.Schedule) error {
	cfg, err := json.Marshal(sc.Config)
	if err != nil {
		return fault.Persistence("encode schedule config", err)
	}
	_, err = s.db.Exec(ctx, `
		UPDATE schedules SET description = $2, schedule_type = $3, config = $4,
		       next_run = $5, active = $6, last_result = $7, updated_at = $8
		WHERE id = $1`,
		sc.ID, sc.Description, sc.Type, cfg, sc.NextRun, sc.Active, sc.LastResult, sc.UpdatedAt,
	)
	if err != nil {
		return fault.Persistence("update schedule", err)
	}
	return nil
}

// ListDueSchedules returns active schedules whose next run is at or before
// now.
func (s *Store) ListDueSchedules(ctx context.Context, now time.Time) ([]*scheduler.Schedule, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, agent_id, user_id, description, schedule_type, config, next_run, active, COALESCE(last_result, ''), created_at, updated_at
		FROM schedules
		WHERE active AND next_run IS NOT NULL AND next_run <= $1
		ORDER BY next_run`, now)
	if err != nil {
		return nil, fault.Persistence("list due schedules", err)
	}
	return collectSchedules(rows)
}

// ListUpcomingSchedules returns active schedules sorted by next run
// ascending.
func (s *Store) ListUpcomingSchedules(ctx context.Context, limit int) ([]*scheduler.Schedule, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, agent_id, user_id, description, schedule_type, config, next_run, active, COALESCE(last_result, ''), created_at, updated_at
		FROM schedules
		WHERE active AND next_run IS NOT NULL
		ORDER BY next_run
		LIMIT $1`, limit)
	if err != nil {
		return nil, fault.Persistence("list upcoming schedules", err)
	}
	return collectSchedules(rows)
}

func collectSchedules(rows pgx.Rows) ([]*scheduler.Schedule, error) {
	defer rows.Close()
	var schedules []*scheduler.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, fault.Persistence("scan schedule", err)
		}
		schedules = append(schedules, sc)
	}
	return schedules, rows.Err()
}

func scanSchedule(row pgx.Row) (*scheduler.Schedule, error) {
	var sc scheduler.Schedule
	var cfg []byte
	if err := row.Scan(
		&sc.ID, &sc.AgentID, &sc.UserID, &sc.Description, &sc.Type, &cfg,
		&sc.NextRun, &sc.Active, &sc.LastResult, &sc.CreatedAt, &sc.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &sc.Config); err != nil {
			return nil, err
		}
	}
	return &sc, nil
}
