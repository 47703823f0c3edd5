// Package scheduler fires agent tasks on cron, interval, or one-shot
// schedules.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/emberlight/convoy/internal/executor"
	"github.com/emberlight/convoy/internal/fault"
)

// Schedule trigger types.
const (
	TypeCron     = "cron"
	TypeInterval = "interval"
	TypeOnce     = "once"
)

// Config is the trigger spec. Exactly one field is used depending on the
// schedule type.
type Config struct {
	Expression string     `json:"expression,omitempty"` // cron
	Every      string     `json:"every,omitempty"`      // interval, e.g. "5m"
	At         *time.Time `json:"at,omitempty"`         // once
}

// Schedule is one persisted trigger for an agent task.
type Schedule struct {
	ID          string     `json:"id"`
	AgentID     string     `json:"agent_id"`
	UserID      string     `json:"user_id"`
	Description string     `json:"description"`
	Type        string     `json:"type"`
	Config      Config     `json:"config"`
	NextRun     *time.Time `json:"next_run,omitempty"`
	Active      bool       `json:"active"`
	LastResult  string     `json:"last_result,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Store persists schedules. Gets return (nil, nil) when absent.
type Store interface {
	CreateSchedule(ctx context.Context, s *Schedule) error
	GetSchedule(ctx context.Context, id string) (*Schedule, error)
	UpdateSchedule(ctx context.Context, s *Schedule) error
	ListDueSchedules(ctx context.Context, now time.Time) ([]*Schedule, error)
	ListUpcomingSchedules(ctx context.Context, limit int) ([]*Schedule, error)
}

// TaskRunner is the executor surface a fired schedule needs.
type TaskRunner interface {
	Create(ctx context.Context, agentID, description string, input map[string]any) (*executor.Task, error)
	Execute(ctx context.Context, taskID string) (*executor.Task, error)
}

// DefaultPollInterval is the due-schedule poll cadence when none is
// configured.
const DefaultPollInterval = 15 * time.Second

// Scheduler owns the poll loop and the schedule lifecycle.
type Scheduler struct {
	store        Store
	agents       executor.AgentSource
	tasks        TaskRunner
	pollInterval time.Duration
	logger       *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New creates a Scheduler.
func New(store Store, agents executor.AgentSource, tasks TaskRunner, pollInterval time.Duration, logger *zap.Logger) *Scheduler {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Scheduler{
		store:        store,
		agents:       agents,
		tasks:        tasks,
		pollInterval: pollInterval,
		logger:       logger,
	}
}

// Create validates ownership and the trigger spec, computes the initial
// next-run, and persists the schedule active.
func (s *Scheduler) Create(ctx context.Context, userID, agentID, description, scheduleType string, cfg Config) (*Schedule, error) {
	if strings.TrimSpace(description) == "" {
		return nil, fault.Validation("description", "is required")
	}
	ag, err := s.agents.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if ag == nil || ag.UserID != userID {
		return nil, fault.NotFound("agent", agentID)
	}

	next, err := NextRun(scheduleType, cfg, time.Now())
	if err != nil {
		return nil, fault.Validation("schedule_config", err.Error())
	}

	now := time.Now()
	sched := &Schedule{
		ID:          uuid.New().String(),
		AgentID:     agentID,
		UserID:      userID,
		Description: description,
		Type:        scheduleType,
		Config:      cfg,
		NextRun:     &next,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateSchedule(ctx, sched); err != nil {
		return nil, err
	}
	s.logger.Info("schedule created",
		zap.String("schedule", sched.ID), zap.String("agent", agentID),
		zap.String("type", scheduleType), zap.Time("next_run", next))
	return sched, nil
}

// Get returns a schedule or a NotFoundError.
func (s *Scheduler) Get(ctx context.Context, id string) (*Schedule, error) {
	sched, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	if sched == nil {
		return nil, fault.NotFound("schedule", id)
	}
	return sched, nil
}

// Trigger forces an immediate run. The recurring cadence is untouched:
// next_run keeps its value.
func (s *Scheduler) Trigger(ctx context.Context, id string, extra map[string]any) (*executor.Task, error) {
	sched, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	t, runErr := s.runOnce(ctx, sched, extra)
	s.recordResult(ctx, sched, t, runErr)
	if runErr != nil {
		return nil, runErr
	}
	return t, nil
}

// Pause deactivates a schedule. Background polling skips paused schedules
// and never advances their next-run.
func (s *Scheduler) Pause(ctx context.Context, id string) (*Schedule, error) {
	return s.setActive(ctx, id, false)
}

// Resume reactivates a paused schedule.
func (s *Scheduler) Resume(ctx context.Context, id string) (*Schedule, error) {
	return s.setActive(ctx, id, true)
}

func (s *Scheduler) setActive(ctx context.Context, id string, active bool) (*Schedule, error) {
	sched, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sched.Active == active {
		return sched, nil
	}
	sched.Active = active
	sched.UpdatedAt = time.Now()
	if active && sched.Type != TypeOnce {
		// A resumed schedule picks up from now, not from missed slots.
		next, err := NextRun(sched.Type, sched.Config, time.Now())
		if err == nil {
			sched.NextRun = &next
		}
	}
	if err := s.store.UpdateSchedule(ctx, sched); err != nil {
		return nil, err
	}
	return sched, nil
}

// Upcoming returns active schedules sorted by next-run ascending.
func (s *Scheduler) Upcoming(ctx context.Context, limit int) ([]*Schedule, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.store.ListUpcomingSchedules(ctx, limit)
}

// Start launches the background poll loop. Calling Start on a running
// scheduler is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.poll(ctx)
	s.logger.Info("scheduler started", zap.Duration("poll", s.pollInterval))
}

// Stop halts the poll loop. Safe to call repeatedly.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.cancel = nil
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) poll(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.fireDue(ctx, now)
		}
	}
}

// fireDue runs every due schedule once. A failed run is recorded in
// last_result; the schedule stays active and keeps its cadence.
func (s *Scheduler) fireDue(ctx context.Context, now time.Time) {
	due, err := s.store.ListDueSchedules(ctx, now)
	if err != nil {
		s.logger.Warn("due schedule query failed", zap.Error(err))
		return
	}
	for _, sched := range due {
		t, runErr := s.runOnce(ctx, sched, nil)

		if sched.Type == TypeOnce {
			sched.Active = false
			sched.NextRun = nil
		} else if next, err := NextRun(sched.Type, sched.Config, now); err == nil {
			sched.NextRun = &next
		}
		s.recordResult(ctx, sched, t, runErr)
	}
}

func (s *Scheduler) runOnce(ctx context.Context, sched *Schedule, extra map[string]any) (*executor.Task, error) {
	t, err := s.tasks.Create(ctx, sched.AgentID, sched.Description, extra)
	if err != nil {
		return nil, err
	}
	return s.tasks.Execute(ctx, t.ID)
}

func (s *Scheduler) recordResult(ctx context.Context, sched *Schedule, t *executor.Task, runErr error) {
	switch {
	case runErr != nil:
		sched.LastResult = fmt.Sprintf("error: %s", runErr)
		s.logger.Warn("scheduled run failed",
			zap.String("schedule", sched.ID), zap.Error(runErr))
	case t != nil && t.Error != "":
		sched.LastResult = fmt.Sprintf("%s: %s", t.Status, t.Error)
	case t != nil:
		sched.LastResult = string(t.Status)
	}
	sched.UpdatedAt = time.Now()
	if err := s.store.UpdateSchedule(ctx, sched); err != nil {
		s.logger.Warn("schedule update failed",
			zap.String("schedule", sched.ID), zap.Error(err))
	}
}

// NextRun computes the next firing time after from for the given trigger
// spec.
func NextRun(scheduleType string, cfg Config, from time.Time) (time.Time, error) {
	switch scheduleType {
	case TypeCron:
		spec, err := cron.ParseStandard(cfg.Expression)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", cfg.Expression, err)
		}
		return spec.Next(from), nil
	case TypeInterval:
		d, err := time.ParseDuration(cfg.Every)
		if err != nil || d <= 0 {
			return time.Time{}, fmt.Errorf("invalid interval %q", cfg.Every)
		}
		return from.Add(d), nil
	case TypeOnce:
		if cfg.At == nil {
			return time.Time{}, fmt.Errorf("one-shot schedule needs a time")
		}
		return *cfg.At, nil
	default:
		return time.Time{}, fmt.Errorf("unknown schedule type %q", scheduleType)
	}
}
