package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/emberlight/convoy/internal/analytics"
	"github.com/emberlight/convoy/internal/fault"
)

// InsertMetrics batch-inserts a flush of metric events.
func (s *Store) InsertMetrics(ctx context.Context, events []*analytics.Event) error {
	if len(events) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range events {
		meta, err := json.Marshal(e.Metadata)
		if err != nil {
			return fault.Persistence("encode metric metadata", err)
		}
		batch.Queue(`
			INSERT INTO metrics (id, agent_id, metric_type, value, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			e.ID, e.AgentID, e.Type, e.Value, meta, e.CreatedAt)
	}
	br := s.db.SendBatch(ctx, batch)
	defer br.Close()
	for range events {
		if _, err := br.Exec(); err != nil {
			return fault.Persistence("insert metrics", err)
		}
	}
	return nil
}

// QueryAgentPerformance aggregates task executions since the given time.
// Numeric aggregates are returned as text, matching how the report layer
// normalizes them.
func (s *Store) QueryAgentPerformance(ctx context.Context, agentID string, since time.Time) (*analytics.PerformanceRow, error) {
	row := s.db.QueryRow(ctx, `
		SELECT COUNT(*)::text,
		       COUNT(*) FILTER (WHERE metadata->>'status' = 'completed')::text,
		       COUNT(*) FILTER (WHERE metadata->>'status' = 'failed')::text,
		       COALESCE(AVG(value), 0)::text
		FROM metrics
		WHERE agent_id = $1 AND metric_type = 'task_execution' AND created_at >= $2`,
		agentID, since)

	var r analytics.PerformanceRow
	err := row.Scan(&r.TotalTasks, &r.SuccessfulTasks, &r.FailedTasks, &r.AvgDurationMs)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fault.Persistence("query agent performance", err)
	}
	return &r, nil
}

// QueryExecutionTrends aggregates task executions per day.
func (s *Store) QueryExecutionTrends(ctx context.Context, agentID string, since time.Time) ([]*analytics.TrendRow, error) {
	rows, err := s.db.Query(ctx, `
		SELECT date_trunc('day', created_at),
		       COUNT(*)::text,
		       COALESCE(AVG(value), 0)::text
		FROM metrics
		WHERE agent_id = $1 AND metric_type = 'task_execution' AND created_at >= $2
		GROUP BY 1
		ORDER BY 1`, agentID, since)
	if err != nil {
		return nil, fault.Persistence("query execution trends", err)
	}
	defer rows.Close()

	var trends []*analytics.TrendRow
	for rows.Next() {
		var r analytics.TrendRow
		if err := rows.Scan(&r.Day, &r.TaskCount, &r.AvgMs); err != nil {
			return nil, fault.Persistence("scan trend row", err)
		}
		trends = append(trends, &r)
	}
	return trends, rows.Err()
}

// QueryToolStats aggregates tool usage per tool name.
func (s *Store) QueryToolStats(ctx context.Context, agentID string, since time.Time) ([]*analytics.ToolStatRow, error) {
	rows, err := s.db.Query(ctx, `
		SELECT COALESCE(metadata->>'tool', ''),
		       COUNT(*)::text,
		       COALESCE(AVG(value), 0)::text,
		       COUNT(*) FILTER (WHERE (metadata->>'success')::boolean)::text
		FROM metrics
		WHERE agent_id = $1 AND metric_type = 'tool_usage' AND created_at >= $2
		GROUP BY 1
		ORDER BY 2 DESC`, agentID, since)
	if err != nil {
		return nil, fault.Persistence("query tool stats", err)
	}
	defer rows.Close()

	var stats []*analytics.ToolStatRow
	for rows.Next() {
		var r analytics.ToolStatRow
		if err := rows.Scan(&r.Tool, &r.CallCount, &r.AvgMs, &r.Successes); err != nil {
			return nil, fault.Persistence("scan tool stat row", err)
		}
		stats = append(stats, &r)
	}
	return stats, rows.Err()
}

// QueryErrorCounts aggregates recorded errors by message, most frequent
// first.
func (s *Store) QueryErrorCounts(ctx context.Context, agentID string, since time.Time) ([]*analytics.ErrorRow, error) {
	rows, err := s.db.Query(ctx, `
		SELECT COALESCE(metadata->>'message', ''),
		       COUNT(*)::text
		FROM metrics
		WHERE agent_id = $1 AND metric_type = 'error' AND created_at >= $2
		GROUP BY 1
		ORDER BY COUNT(*) DESC`, agentID, since)
	if err != nil {
		return nil, fault.Persistence("query error counts", err)
	}
	defer rows.Close()

	var errs []*analytics.ErrorRow
	for rows.Next() {
		var r analytics.ErrorRow
		if err := rows.Scan(&r.Message, &r.Count); err != nil {
			return nil, fault.Persistence("scan error row", err)
		}
		errs = append(errs, &r)
	}
	return errs, rows.Err()
}

// QueryTokenUsage aggregates token consumption since the given time.
func (s *Store) QueryTokenUsage(ctx context.Context, agentID string, since time.Time) (*analytics.TokenRow, error) {
	row := s.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(value), 0)::bigint::text,
		       COUNT(*)::text
		FROM metrics
		WHERE agent_id = $1 AND metric_type = 'token_consumption' AND created_at >= $2`,
		agentID, since)

	var r analytics.TokenRow
	err := row.Scan(&r.TotalTokens, &r.TaskCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fault.Persistence("query token usage", err)
	}
	return &r, nil
}

// DeleteMetricsBefore removes metrics older than the cutoff, returning the
// count removed.
func (s *Store) DeleteMetricsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM metrics WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fault.Persistence("delete metrics", err)
	}
	return int(tag.RowsAffected()), nil
}
