package memory

import (
	"sync"

	"go.uber.org/zap"
)

// Service hands out per-agent Managers over a shared persistence layer.
// Buffers and working memory are per-Manager, never shared across agents.
type Service struct {
	store    Persistence
	index    Indexer
	facts    FactStore
	capacity int
	mu       sync.Mutex
	managers map[string]*Manager
	logger   *zap.Logger
}

// Option configures optional Service collaborators.
type Option func(*Service)

// WithIndexer wires a vector index for similarity retrieval.
func WithIndexer(idx Indexer) Option {
	return func(s *Service) { s.index = idx }
}

// WithFactStore wires a graph mirror for semantic facts.
func WithFactStore(fs FactStore) Option {
	return func(s *Service) { s.facts = fs }
}

// NewService creates a memory service. capacity bounds each agent's
// short-term buffer; zero means DefaultCapacity.
func NewService(store Persistence, capacity int, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		store:    store,
		capacity: capacity,
		managers: make(map[string]*Manager),
		logger:   logger,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ForAgent returns the agent's Manager, creating it on first use.
func (s *Service) ForAgent(agentID string) *Manager {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.managers[agentID]; ok {
		return m
	}
	m := &Manager{
		agentID: agentID,
		store:   s.store,
		index:   s.index,
		facts:   s.facts,
		buf:     newBuffer(s.capacity),
		logger:  s.logger,
	}
	s.managers[agentID] = m
	return m
}
