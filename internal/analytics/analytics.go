// Package analytics captures execution metrics in an in-memory buffer and
// flushes them to persistent storage in batches.
package analytics

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event types recorded by the service.
const (
	EventTaskExecution    = "task_execution"
	EventTokenConsumption = "token_consumption"
	EventError            = "error"
	EventToolUsage        = "tool_usage"
)

// Event is one buffered metric sample.
type Event struct {
	ID        string         `json:"id"`
	AgentID   string         `json:"agent_id"`
	Type      string         `json:"type"`
	Value     float64        `json:"value"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// TaskExecution summarizes one finished task run.
type TaskExecution struct {
	TaskID     string
	Status     string
	Duration   time.Duration
	StepCount  int
	TokensUsed int
	Error      string
}

// ToolUsage summarizes one tool invocation.
type ToolUsage struct {
	ToolName string
	Duration time.Duration
	Success  bool
	Input    string
	Output   string
}

// Sink is the persistent store behind the buffer.
type Sink interface {
	InsertMetrics(ctx context.Context, events []*Event) error
	QueryAgentPerformance(ctx context.Context, agentID string, since time.Time) (*PerformanceRow, error)
	QueryExecutionTrends(ctx context.Context, agentID string, since time.Time) ([]*TrendRow, error)
	QueryToolStats(ctx context.Context, agentID string, since time.Time) ([]*ToolStatRow, error)
	QueryErrorCounts(ctx context.Context, agentID string, since time.Time) ([]*ErrorRow, error)
	QueryTokenUsage(ctx context.Context, agentID string, since time.Time) (*TokenRow, error)
	DeleteMetricsBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// DefaultBufferSize is the flush threshold when none is configured.
const DefaultBufferSize = 100

// Service buffers metric events and flushes them on size or a timer.
type Service struct {
	sink          Sink
	bufferSize    int
	flushInterval time.Duration
	retention     time.Duration
	logger        *zap.Logger

	mu     sync.Mutex
	buffer []*Event

	timerMu sync.Mutex
	ticker  *time.Ticker
	done    chan struct{}
}

// New creates the analytics service. Zero values fall back to defaults.
func New(sink Sink, bufferSize int, flushInterval, retention time.Duration, logger *zap.Logger) *Service {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if flushInterval <= 0 {
		flushInterval = 30 * time.Second
	}
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	return &Service{
		sink:          sink,
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
		retention:     retention,
		logger:        logger,
	}
}

// Track appends one event. Reaching the buffer size triggers a flush.
func (s *Service) Track(agentID, eventType string, value float64, metadata map[string]any) {
	e := &Event{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		Type:      eventType,
		Value:     value,
		Metadata:  metadata,
		CreatedAt: time.Now(),
	}

	s.mu.Lock()
	s.buffer = append(s.buffer, e)
	full := len(s.buffer) >= s.bufferSize
	s.mu.Unlock()

	if full {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.Flush(ctx); err != nil {
			s.logger.Warn("metric flush failed", zap.Error(err))
		}
	}
}

// TrackTaskExecution records a task_execution event, plus token_consumption
// and error events when those fields are set.
func (s *Service) TrackTaskExecution(agentID string, rec TaskExecution) {
	s.Track(agentID, EventTaskExecution, float64(rec.Duration.Milliseconds()), map[string]any{
		"task_id":    rec.TaskID,
		"status":     rec.Status,
		"step_count": rec.StepCount,
	})
	if rec.TokensUsed > 0 {
		s.Track(agentID, EventTokenConsumption, float64(rec.TokensUsed), map[string]any{
			"task_id": rec.TaskID,
		})
	}
	if rec.Error != "" {
		s.Track(agentID, EventError, 1, map[string]any{
			"task_id": rec.TaskID,
			"message": rec.Error,
		})
	}
}

// TrackToolUsage records one tool_usage event.
func (s *Service) TrackToolUsage(agentID string, rec ToolUsage) {
	s.Track(agentID, EventToolUsage, float64(rec.Duration.Milliseconds()), map[string]any{
		"tool":    rec.ToolName,
		"success": rec.Success,
	})
}

// Flush batch-inserts the buffered events. On failure the events are pushed
// back so a later flush retries them; an empty buffer is a no-op.
func (s *Service) Flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.buffer) == 0 {
		s.mu.Unlock()
		return nil
	}
	pending := s.buffer
	s.buffer = nil
	s.mu.Unlock()

	if err := s.sink.InsertMetrics(ctx, pending); err != nil {
		s.mu.Lock()
		s.buffer = append(s.buffer, pending...)
		s.mu.Unlock()
		return err
	}
	s.logger.Debug("flushed metrics", zap.Int("events", len(pending)))
	return nil
}

// BufferLen reports the number of unflushed events.
func (s *Service) BufferLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

// Start launches the periodic flush timer. Calling Start on a running
// service is a no-op.
func (s *Service) Start() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.ticker != nil {
		return
	}
	s.ticker = time.NewTicker(s.flushInterval)
	s.done = make(chan struct{})
	go func(tick *time.Ticker, done chan struct{}) {
		for {
			select {
			case <-tick.C:
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				if err := s.Flush(ctx); err != nil {
					s.logger.Warn("scheduled flush failed", zap.Error(err))
				}
				cancel()
			case <-done:
				return
			}
		}
	}(s.ticker, s.done)
	s.logger.Info("analytics flush timer started",
		zap.Duration("interval", s.flushInterval))
}

// Stop cancels the flush timer and performs a final flush. Safe to call
// repeatedly.
func (s *Service) Stop() {
	s.timerMu.Lock()
	if s.ticker == nil {
		s.timerMu.Unlock()
		return
	}
	s.ticker.Stop()
	close(s.done)
	s.ticker = nil
	s.done = nil
	s.timerMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Flush(ctx); err != nil {
		s.logger.Warn("final flush failed", zap.Error(err))
	}
}

// Cleanup deletes persisted metrics older than the retention window and
// returns the count removed.
func (s *Service) Cleanup(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.retention)
	n, err := s.sink.DeleteMetricsBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("cleaned up metrics", zap.Int("deleted", n))
	}
	return n, nil
}
