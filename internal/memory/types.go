// Package memory implements tiered per-agent memory: a bounded in-process
// short-term buffer, persisted long-term/episodic/procedural/semantic
// records, and a transient working-memory scratchpad.
package memory

import (
	"encoding/json"
	"time"
)

// Type classifies a memory record's retention and retrieval strategy.
type Type string

const (
	ShortTerm  Type = "short_term"
	LongTerm   Type = "long_term"
	Episodic   Type = "episodic"
	Procedural Type = "procedural"
	Semantic   Type = "semantic"
)

// Importance weights a record for eviction and consolidation.
type Importance int

const (
	Low      Importance = 1
	Medium   Importance = 2
	High     Importance = 3
	Critical Importance = 4
)

// Record is one persisted memory. The short-term buffer caches records of
// type ShortTerm for fast access; the persisted store stays authoritative.
type Record struct {
	ID          string            `json:"id"`
	AgentID     string            `json:"agent_id"`
	Content     map[string]any    `json:"content"`
	Type        Type              `json:"type"`
	Importance  Importance        `json:"importance"`
	Tags        []string          `json:"tags"`
	Metadata    map[string]string `json:"metadata"`
	AccessCount int               `json:"access_count"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Options qualifies a Store call.
type Options struct {
	Type       Type
	Importance Importance
	Tags       []string
	Metadata   map[string]string
}

// Query qualifies a Retrieve call.
type Query struct {
	Type  Type
	Limit int
}

// Episode summarizes a finished task for episodic storage.
type Episode struct {
	Summary string `json:"summary"`
	Steps   int    `json:"steps"`
	Outcome string `json:"outcome"`
}

// Context is the per-turn bundle handed to a reasoning step.
type Context struct {
	Recent   []*Record      `json:"recent"`
	Working  map[string]any `json:"working"`
	Relevant []*Record      `json:"relevant"`
}

// ParseContent normalizes a stored content value. Storage backends may hand
// back a JSON-encoded string or an already-structured map; both decode to the
// same structure, so the parse is idempotent.
func ParseContent(raw any) map[string]any {
	switch v := raw.(type) {
	case nil:
		return nil
	case map[string]any:
		return v
	case []byte:
		var m map[string]any
		if json.Unmarshal(v, &m) == nil {
			return m
		}
	case string:
		var m map[string]any
		if json.Unmarshal([]byte(v), &m) == nil {
			return m
		}
	}
	return nil
}
