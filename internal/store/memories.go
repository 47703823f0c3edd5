package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/emberlight/convoy/internal/fault"
	"github.com/emberlight/convoy/internal/memory"
)

// InsertMemory persists one memory record.
func (s *Store) InsertMemory(ctx context.Context, r *memory.Record) error {
	content, err := json.Marshal(r.Content)
	if err != nil {
		return fault.Persistence("encode memory content", err)
	}
	tags, err := json.Marshal(r.Tags)
	if err != nil {
		return fault.Persistence("encode memory tags", err)
	}
	meta, err := json.Marshal(r.Metadata)
	if err != nil {
		return fault.Persistence("encode memory metadata", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO memories (id, agent_id, content, memory_type, importance, tags, metadata, access_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, r.AgentID, content, string(r.Type), int(r.Importance), tags, meta, r.AccessCount, r.CreatedAt,
	)
	if err != nil {
		return fault.Persistence("insert memory", err)
	}
	return nil
}

// SearchMemories returns records matching a textual query, ranked by
// importance then recency. An empty query matches everything.
func (s *Store) SearchMemories(ctx context.Context, agentID, query string, typ memory.Type, limit int) ([]*memory.Record, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, agent_id, content, memory_type, importance, tags, metadata, access_count, created_at
		FROM memories
		WHERE agent_id = $1
		  AND ($2 = '' OR memory_type = $2)
		  AND ($3 = '' OR content::text ILIKE '%' || $3 || '%')
		ORDER BY importance DESC, created_at DESC
		LIMIT $4`,
		agentID, string(typ), query, limit)
	if err != nil {
		return nil, fault.Persistence("search memories", err)
	}
	return collectMemories(rows)
}

// GetMemoriesByID fetches records preserving the order of the given IDs.
func (s *Store) GetMemoriesByID(ctx context.Context, ids []string) ([]*memory.Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, agent_id, content, memory_type, importance, tags, metadata, access_count, created_at
		FROM memories WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fault.Persistence("get memories", err)
	}
	records, err := collectMemories(rows)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*memory.Record, len(records))
	for _, r := range records {
		byID[r.ID] = r
	}
	ordered := make([]*memory.Record, 0, len(records))
	for _, id := range ids {
		if r, ok := byID[id]; ok {
			ordered = append(ordered, r)
		}
	}
	return ordered, nil
}

// BumpMemoryAccess increments access counts for the given records.
func (s *Store) BumpMemoryAccess(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.Exec(ctx,
		`UPDATE memories SET access_count = access_count + 1 WHERE id = ANY($1)`, ids)
	if err != nil {
		return fault.Persistence("bump memory access", err)
	}
	return nil
}

// PromoteMemories rewrites the memory type of the given records.
func (s *Store) PromoteMemories(ctx context.Context, ids []string, to memory.Type) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.Exec(ctx,
		`UPDATE memories SET memory_type = $2 WHERE id = ANY($1)`, ids, string(to))
	if err != nil {
		return fault.Persistence("promote memories", err)
	}
	return nil
}

// DeleteMemoriesBefore removes an agent's records older than the cutoff
// whose importance is below the floor, returning the count removed.
func (s *Store) DeleteMemoriesBefore(ctx context.Context, agentID string, olderThan time.Time, importanceBelow memory.Importance) (int, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM memories
		WHERE agent_id = $1 AND created_at < $2 AND importance < $3`,
		agentID, olderThan, int(importanceBelow))
	if err != nil {
		return 0, fault.Persistence("delete memories", err)
	}
	return int(tag.RowsAffected()), nil
}

func collectMemories(rows pgx.Rows) ([]*memory.Record, error) {
	defer rows.Close()
	var records []*memory.Record
	for rows.Next() {
		var r memory.Record
		var typ string
		var importance int
		var content, tags, meta []byte
		if err := rows.Scan(
			&r.ID, &r.AgentID, &content, &typ, &importance, &tags, &meta,
			&r.AccessCount, &r.CreatedAt,
		); err != nil {
			return nil, fault.Persistence("scan memory", err)
		}
		r.Type = memory.Type(typ)
		r.Importance = memory.Importance(importance)
		r.Content = memory.ParseContent(content)
		if len(tags) > 0 {
			if err := json.Unmarshal(tags, &r.Tags); err != nil {
				return nil, fault.Persistence("decode memory tags", err)
			}
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &r.Metadata); err != nil {
				return nil, fault.Persistence("decode memory metadata", err)
			}
		}
		records = append(records, &r)
	}
	return records, rows.Err()
}
