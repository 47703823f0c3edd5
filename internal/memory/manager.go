package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Promotion thresholds for Consolidate.
const (
	promoteImportance = High
	promoteAccesses   = 5
)

// Persistence is the durable record store behind a Manager. Implementations
// return empty results for "no match" and only error on real failures.
type Persistence interface {
	InsertMemory(ctx context.Context, r *Record) error
	SearchMemories(ctx context.Context, agentID, query string, typ Type, limit int) ([]*Record, error)
	GetMemoriesByID(ctx context.Context, ids []string) ([]*Record, error)
	BumpMemoryAccess(ctx context.Context, ids []string) error
	PromoteMemories(ctx context.Context, ids []string, to Type) error
	DeleteMemoriesBefore(ctx context.Context, agentID string, olderThan time.Time, importanceBelow Importance) (int, error)
}

// Indexer is an optional vector index over memory contents.
type Indexer interface {
	Index(ctx context.Context, r *Record, text string) error
	Search(ctx context.Context, agentID, query string, limit int) ([]string, error)
}

// Fact is one semantic triple.
type Fact struct {
	Subject   string `json:"subject"`
	Predicate string `json:"predicate"`
	Object    string `json:"object"`
}

// FactStore is an optional graph mirror for semantic facts.
type FactStore interface {
	AddFact(ctx context.Context, agentID string, f Fact) error
	RelatedFacts(ctx context.Context, agentID, subject string, limit int) ([]Fact, error)
}

// Manager owns one agent's memories: the short-term buffer, the working
// scratchpad, and access to the persisted tiers.
type Manager struct {
	agentID string
	store   Persistence
	index   Indexer
	facts   FactStore
	buf     *buffer
	workMu  sync.RWMutex
	working map[string]any
	logger  *zap.Logger
}

// Store persists a memory record. Short-term records are also pushed into
// the in-process buffer, which enforces its capacity immediately.
func (m *Manager) Store(ctx context.Context, content map[string]any, opts Options) (*Record, error) {
	if len(content) == 0 {
		return nil, fmt.Errorf("empty memory content")
	}
	if opts.Type == "" {
		opts.Type = LongTerm
	}
	if opts.Importance == 0 {
		opts.Importance = Medium
	}

	r := &Record{
		ID:         uuid.New().String(),
		AgentID:    m.agentID,
		Content:    content,
		Type:       opts.Type,
		Importance: opts.Importance,
		Tags:       opts.Tags,
		Metadata:   opts.Metadata,
		CreatedAt:  time.Now(),
	}
	if err := m.store.InsertMemory(ctx, r); err != nil {
		return nil, fmt.Errorf("insert memory: %w", err)
	}

	if opts.Type == ShortTerm {
		m.buf.add(r)
	} else if m.index != nil {
		if err := m.index.Index(ctx, r, contentText(r)); err != nil {
			m.logger.Warn("memory index failed", zap.String("memory", r.ID), zap.Error(err))
		}
	}
	return r, nil
}

// Retrieve returns matching records ordered by relevance, up to q.Limit.
// Access counts are bumped fire-and-forget; a bump failure never fails the
// retrieval.
func (m *Manager) Retrieve(ctx context.Context, query string, q Query) ([]*Record, error) {
	if q.Limit <= 0 {
		q.Limit = 10
	}
	records, err := m.store.SearchMemories(ctx, m.agentID, query, q.Type, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}
	if len(records) > 0 {
		ids := make([]string, len(records))
		for i, r := range records {
			ids[i] = r.ID
			r.AccessCount++
		}
		go func() {
			bctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := m.store.BumpMemoryAccess(bctx, ids); err != nil {
				m.logger.Warn("access count update failed", zap.Error(err))
			}
		}()
	}
	return records, nil
}

// EnforceCapacity trims the short-term buffer to its capacity, evicting the
// lowest-importance, least-accessed entries first. No I/O.
func (m *Manager) EnforceCapacity() {
	m.buf.enforce()
}

// BufferLen reports the current short-term buffer size.
func (m *Manager) BufferLen() int { return m.buf.len() }

// BufferSnapshot returns a copy of the short-term buffer contents.
func (m *Manager) BufferSnapshot() []*Record { return m.buf.snapshot() }

// Consolidate promotes short-term entries that meet the promotion rule
// (importance >= High or access_count >= threshold) to long-term, returning
// the number promoted.
func (m *Manager) Consolidate(ctx context.Context) (int, error) {
	var ids []string
	promote := make(map[string]bool)
	for _, r := range m.buf.snapshot() {
		if r.Importance >= promoteImportance || r.AccessCount >= promoteAccesses {
			ids = append(ids, r.ID)
			promote[r.ID] = true
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := m.store.PromoteMemories(ctx, ids, LongTerm); err != nil {
		return 0, fmt.Errorf("promote memories: %w", err)
	}
	m.buf.remove(promote)
	m.logger.Debug("consolidated short-term memories",
		zap.String("agent", m.agentID), zap.Int("promoted", len(ids)))
	return len(ids), nil
}

// CreateEpisode stores a structured episodic memory for a finished task,
// tagged "episode" plus the outcome.
func (m *Manager) CreateEpisode(ctx context.Context, taskID string, ep Episode) (*Record, error) {
	return m.Store(ctx, map[string]any{
		"task_id": taskID,
		"summary": ep.Summary,
		"steps":   ep.Steps,
		"outcome": ep.Outcome,
	}, Options{
		Type:       Episodic,
		Importance: Medium,
		Tags:       []string{"episode", ep.Outcome},
		Metadata:   map[string]string{"task_id": taskID},
	})
}

// StoreProcedure stores a named step sequence as procedural memory.
func (m *Manager) StoreProcedure(ctx context.Context, name string, steps []string) (*Record, error) {
	return m.Store(ctx, map[string]any{
		"name":  name,
		"steps": steps,
	}, Options{
		Type:       Procedural,
		Importance: High,
		Tags:       []string{"procedure", name},
	})
}

// StoreFact stores a semantic triple, mirroring it into the fact graph when
// one is wired. A graph failure is logged, not propagated: the persisted
// record remains authoritative.
func (m *Manager) StoreFact(ctx context.Context, subject, predicate, object string) (*Record, error) {
	r, err := m.Store(ctx, map[string]any{
		"subject":   subject,
		"predicate": predicate,
		"object":    object,
	}, Options{
		Type:       Semantic,
		Importance: Medium,
		Tags:       []string{"fact", subject},
	})
	if err != nil {
		return nil, err
	}
	if m.facts != nil {
		f := Fact{Subject: subject, Predicate: predicate, Object: object}
		if err := m.facts.AddFact(ctx, m.agentID, f); err != nil {
			m.logger.Warn("fact graph mirror failed",
				zap.String("subject", subject), zap.Error(err))
		}
	}
	return r, nil
}

// Forget deletes persisted memories older than the threshold whose
// importance is below the floor, returning the count removed.
func (m *Manager) Forget(ctx context.Context, olderThan time.Duration, floor Importance) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	n, err := m.store.DeleteMemoriesBefore(ctx, m.agentID, cutoff, floor)
	if err != nil {
		return 0, fmt.Errorf("forget memories: %w", err)
	}
	if n > 0 {
		m.logger.Info("forgot memories",
			zap.String("agent", m.agentID), zap.Int("removed", n))
	}
	return n, nil
}

// GetContext assembles the per-turn context bundle: recent short-term
// entries, the working-memory snapshot, and a relevance-ranked retrieval.
func (m *Manager) GetContext(ctx context.Context, query string) (*Context, error) {
	bundle := &Context{
		Recent:  m.buf.recent(10),
		Working: m.workingSnapshot(),
	}

	if m.index != nil && query != "" {
		ids, err := m.index.Search(ctx, m.agentID, query, 5)
		if err != nil {
			m.logger.Warn("vector recall failed", zap.Error(err))
		} else if len(ids) > 0 {
			records, err := m.store.GetMemoriesByID(ctx, ids)
			if err != nil {
				return nil, fmt.Errorf("fetch recalled memories: %w", err)
			}
			bundle.Relevant = records
			return bundle, nil
		}
	}

	relevant, err := m.Retrieve(ctx, query, Query{Limit: 5})
	if err != nil {
		return nil, err
	}
	bundle.Relevant = relevant
	return bundle, nil
}

// SetWorking stores a transient key-value pair in working memory.
// Never persisted; lost with the Manager.
func (m *Manager) SetWorking(key string, value any) {
	m.workMu.Lock()
	defer m.workMu.Unlock()
	if m.working == nil {
		m.working = make(map[string]any)
	}
	m.working[key] = value
}

// GetWorking reads a working-memory value.
func (m *Manager) GetWorking(key string) (any, bool) {
	m.workMu.RLock()
	defer m.workMu.RUnlock()
	v, ok := m.working[key]
	return v, ok
}

// ClearWorking empties the scratchpad.
func (m *Manager) ClearWorking() {
	m.workMu.Lock()
	defer m.workMu.Unlock()
	m.working = nil
}

func (m *Manager) workingSnapshot() map[string]any {
	m.workMu.RLock()
	defer m.workMu.RUnlock()
	if len(m.working) == 0 {
		return nil
	}
	out := make(map[string]any, len(m.working))
	for k, v := range m.working {
		out[k] = v
	}
	return out
}

// contentText flattens record content into an indexable string.
func contentText(r *Record) string {
	var text string
	for _, v := range r.Content {
		if s, ok := v.(string); ok {
			if text != "" {
				text += " "
			}
			text += s
		}
	}
	return text
}
