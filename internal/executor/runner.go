package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/emberlight/convoy/internal/agent"
	"github.com/emberlight/convoy/internal/analytics"
	"github.com/emberlight/convoy/internal/memory"
	"github.com/emberlight/convoy/internal/provider"
)

// ToolMetrics receives per-invocation tool metrics. Satisfied by
// *analytics.Service.
type ToolMetrics interface {
	TrackToolUsage(agentID string, rec analytics.ToolUsage)
}

// LLMRunner is the production StepRunner: one step is one model call, plus
// tool execution when the model asks for it.
type LLMRunner struct {
	router  *provider.Router
	tools   *agent.ToolRegistry
	metrics ToolMetrics // optional
	logger  *zap.Logger
}

// NewLLMRunner creates the production step runner.
func NewLLMRunner(router *provider.Router, tools *agent.ToolRegistry, logger *zap.Logger) *LLMRunner {
	return &LLMRunner{router: router, tools: tools, logger: logger}
}

// SetMetrics wires the per-tool usage recorder.
func (r *LLMRunner) SetMetrics(m ToolMetrics) { r.metrics = m }

// RunStep sends the task state to the agent's model. A tool-call response
// executes the tools and yields a non-final step; a plain response finishes
// the task.
func (r *LLMRunner) RunStep(ctx context.Context, ag *agent.Agent, t *Task, history []*Step, memCtx *memory.Context) (*StepOutcome, error) {
	req := &provider.ChatRequest{
		Model:       ag.Model.Model,
		Messages:    r.buildMessages(ag, t, history, memCtx),
		Temperature: ag.Model.Temperature,
		MaxTokens:   ag.Model.MaxTokens,
	}
	if defs := r.tools.DefinitionsFor(ag); len(defs) > 0 {
		req.Tools = defs
		req.ToolChoice = "auto"
	}

	resp, err := r.router.Route(ctx, ag.ID, req)
	if err != nil {
		return nil, err
	}

	if len(resp.ToolCalls) > 0 && resp.FinishReason == "tool_calls" {
		var names, observations []string
		for _, tc := range resp.ToolCalls {
			start := time.Now()
			result, toolErr := r.tools.Execute(ctx, tc.Function.Name, tc.Function.Arguments)
			if toolErr != nil {
				result = fmt.Sprintf(`{"error":%q}`, toolErr.Error())
			}
			if r.metrics != nil {
				r.metrics.TrackToolUsage(ag.ID, analytics.ToolUsage{
					ToolName: tc.Function.Name,
					Duration: time.Since(start),
					Success:  toolErr == nil,
					Input:    tc.Function.Arguments,
					Output:   result,
				})
			}
			names = append(names, tc.Function.Name)
			observations = append(observations, fmt.Sprintf("%s → %s", tc.Function.Name, result))
		}
		return &StepOutcome{
			Action:      "tool:" + strings.Join(names, ","),
			Observation: strings.Join(observations, "\n"),
			TokensUsed:  resp.Usage.TotalTokens,
		}, nil
	}

	return &StepOutcome{
		Action:      "respond",
		Observation: resp.Content,
		Done:        true,
		Result:      map[string]any{"output": resp.Content},
		TokensUsed:  resp.Usage.TotalTokens,
	}, nil
}

func (r *LLMRunner) buildMessages(ag *agent.Agent, t *Task, history []*Step, memCtx *memory.Context) []provider.Message {
	msgs := []provider.Message{
		{Role: "system", Content: fmt.Sprintf("You are %s, acting as %s. Work the task step by step; call tools when needed and answer when done.", ag.Name, ag.Role)},
	}
	if mc := memory.FormatContext(memCtx); mc != "" {
		msgs = append(msgs, provider.Message{Role: "system", Content: mc})
	}

	task := t.Description
	if len(t.Input) > 0 {
		if data, err := json.Marshal(t.Input); err == nil {
			task = fmt.Sprintf("%s\n\nInput:\n%s", task, data)
		}
	}
	msgs = append(msgs, provider.Message{Role: "user", Content: task})

	for _, s := range history {
		msgs = append(msgs, provider.Message{
			Role:    "assistant",
			Content: fmt.Sprintf("[step %d] %s: %s", s.Number, s.Action, s.Observation),
		})
	}
	return msgs
}
