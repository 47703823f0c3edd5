package analytics

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// Raw aggregate rows as the database returns them. Postgres aggregates over
// numeric columns come back as strings; the report layer normalizes them.
type (
	PerformanceRow struct {
		TotalTasks      string
		SuccessfulTasks string
		FailedTasks     string
		AvgDurationMs   string
	}
	TrendRow struct {
		Day       time.Time
		TaskCount string
		AvgMs     string
	}
	ToolStatRow struct {
		Tool      string
		CallCount string
		AvgMs     string
		Successes string
	}
	ErrorRow struct {
		Message string
		Count   string
	}
	TokenRow struct {
		TotalTokens string
		TaskCount   string
	}
)

// AgentPerformance is the normalized performance report.
type AgentPerformance struct {
	AgentID         string  `json:"agent_id"`
	TotalTasks      int     `json:"total_tasks"`
	SuccessfulTasks int     `json:"successful_tasks"`
	FailedTasks     int     `json:"failed_tasks"`
	AvgDurationMs   float64 `json:"avg_duration_ms"`
	SuccessRate     string  `json:"success_rate"`
}

// ExecutionTrend is one day's aggregate.
type ExecutionTrend struct {
	Day       time.Time `json:"day"`
	TaskCount int       `json:"task_count"`
	AvgMs     float64   `json:"avg_ms"`
}

// ToolStat is a per-tool usage aggregate.
type ToolStat struct {
	Tool        string  `json:"tool"`
	CallCount   int     `json:"call_count"`
	AvgMs       float64 `json:"avg_ms"`
	SuccessRate string  `json:"success_rate"`
}

// ErrorReport is one recurring error with its occurrence count.
type ErrorReport struct {
	Message string `json:"message"`
	Count   int    `json:"count"`
}

// TokenReport is the normalized token-consumption aggregate.
type TokenReport struct {
	TotalTokens int     `json:"total_tokens"`
	TaskCount   int     `json:"task_count"`
	AvgPerTask  float64 `json:"avg_per_task"`
}

// Alert is a threshold breach derived from recent metrics.
type Alert struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Suggestion is a heuristic recommendation derived from recent metrics.
type Suggestion struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Static alert thresholds and report windows.
const (
	reportWindow       = 7 * 24 * time.Hour
	alertWindow        = 24 * time.Hour
	errorRateThreshold = 0.2
	latencyThresholdMs = 30_000
	recurringErrorMin  = 3
)

// GetAgentPerformance aggregates the last week of task executions.
func (s *Service) GetAgentPerformance(ctx context.Context, agentID string) (*AgentPerformance, error) {
	row, err := s.sink.QueryAgentPerformance(ctx, agentID, time.Now().Add(-reportWindow))
	if err != nil {
		return nil, err
	}
	perf := &AgentPerformance{AgentID: agentID, SuccessRate: "0.00"}
	if row == nil {
		return perf, nil
	}
	perf.TotalTasks = parseInt(row.TotalTasks)
	perf.SuccessfulTasks = parseInt(row.SuccessfulTasks)
	perf.FailedTasks = parseInt(row.FailedTasks)
	perf.AvgDurationMs = parseFloat(row.AvgDurationMs)
	if perf.TotalTasks > 0 {
		perf.SuccessRate = fmt.Sprintf("%.2f", 100*float64(perf.SuccessfulTasks)/float64(perf.TotalTasks))
	}
	return perf, nil
}

// GetExecutionTrends returns per-day task counts over the last week.
func (s *Service) GetExecutionTrends(ctx context.Context, agentID string) ([]*ExecutionTrend, error) {
	rows, err := s.sink.QueryExecutionTrends(ctx, agentID, time.Now().Add(-reportWindow))
	if err != nil {
		return nil, err
	}
	trends := make([]*ExecutionTrend, 0, len(rows))
	for _, r := range rows {
		trends = append(trends, &ExecutionTrend{
			Day:       r.Day,
			TaskCount: parseInt(r.TaskCount),
			AvgMs:     parseFloat(r.AvgMs),
		})
	}
	return trends, nil
}

// GetToolStats returns per-tool usage aggregates over the last week.
func (s *Service) GetToolStats(ctx context.Context, agentID string) ([]*ToolStat, error) {
	rows, err := s.sink.QueryToolStats(ctx, agentID, time.Now().Add(-reportWindow))
	if err != nil {
		return nil, err
	}
	stats := make([]*ToolStat, 0, len(rows))
	for _, r := range rows {
		st := &ToolStat{
			Tool:        r.Tool,
			CallCount:   parseInt(r.CallCount),
			AvgMs:       parseFloat(r.AvgMs),
			SuccessRate: "0.00",
		}
		if st.CallCount > 0 {
			st.SuccessRate = fmt.Sprintf("%.2f", 100*float64(parseInt(r.Successes))/float64(st.CallCount))
		}
		stats = append(stats, st)
	}
	return stats, nil
}

// GetErrorAnalysis returns recurring errors over the last week, most
// frequent first.
func (s *Service) GetErrorAnalysis(ctx context.Context, agentID string) ([]*ErrorReport, error) {
	rows, err := s.sink.QueryErrorCounts(ctx, agentID, time.Now().Add(-reportWindow))
	if err != nil {
		return nil, err
	}
	reports := make([]*ErrorReport, 0, len(rows))
	for _, r := range rows {
		reports = append(reports, &ErrorReport{Message: r.Message, Count: parseInt(r.Count)})
	}
	return reports, nil
}

// GetTokenAnalysis aggregates token consumption over the last week.
func (s *Service) GetTokenAnalysis(ctx context.Context, agentID string) (*TokenReport, error) {
	row, err := s.sink.QueryTokenUsage(ctx, agentID, time.Now().Add(-reportWindow))
	if err != nil {
		return nil, err
	}
	rep := &TokenReport{}
	if row == nil {
		return rep, nil
	}
	rep.TotalTokens = parseInt(row.TotalTokens)
	rep.TaskCount = parseInt(row.TaskCount)
	if rep.TaskCount > 0 {
		rep.AvgPerTask = float64(rep.TotalTokens) / float64(rep.TaskCount)
	}
	return rep, nil
}

// GetAlerts derives static-threshold alerts from the last day of metrics.
func (s *Service) GetAlerts(ctx context.Context, agentID string) ([]*Alert, error) {
	row, err := s.sink.QueryAgentPerformance(ctx, agentID, time.Now().Add(-alertWindow))
	if err != nil {
		return nil, err
	}
	var alerts []*Alert
	if row == nil {
		return alerts, nil
	}
	total := parseInt(row.TotalTasks)
	failed := parseInt(row.FailedTasks)
	avgMs := parseFloat(row.AvgDurationMs)
	if total > 0 && float64(failed)/float64(total) > errorRateThreshold {
		alerts = append(alerts, &Alert{
			Type:    "high_error_rate",
			Message: fmt.Sprintf("%d of %d recent tasks failed", failed, total),
		})
	}
	if avgMs > latencyThresholdMs {
		alerts = append(alerts, &Alert{
			Type:    "high_latency",
			Message: fmt.Sprintf("average task duration %.0fms exceeds %dms", avgMs, latencyThresholdMs),
		})
	}
	return alerts, nil
}

// GetSuggestions derives heuristic recommendations from recent errors.
func (s *Service) GetSuggestions(ctx context.Context, agentID string) ([]*Suggestion, error) {
	rows, err := s.sink.QueryErrorCounts(ctx, agentID, time.Now().Add(-reportWindow))
	if err != nil {
		return nil, err
	}
	var suggestions []*Suggestion
	for _, r := range rows {
		if parseInt(r.Count) >= recurringErrorMin {
			suggestions = append(suggestions, &Suggestion{
				Type:    "recurring_error",
				Message: fmt.Sprintf("error %q occurred %s times; review the agent's tools or prompt", r.Message, r.Count),
			})
		}
	}
	return suggestions, nil
}

func parseInt(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
