// Package orchestrator composes multiple agents into declared workflows and
// drives their runs through the task executor.
package orchestrator

import (
	"encoding/json"
	"fmt"
	"time"
)

// Step types.
const (
	StepSequence = "sequence"
	StepParallel = "parallel"
	StepRouter   = "router"
)

// Workflow statuses.
const (
	WorkflowPending   = "pending"
	WorkflowRunning   = "running"
	WorkflowCompleted = "completed"
	WorkflowFailed    = "failed"
)

// WorkflowStep is one declared step. Sequence steps run one at a time;
// consecutive parallel steps fan out together; a router step reads
// RouteField from the run context and picks the agent from Routes,
// falling back to AgentID when no route matches.
type WorkflowStep struct {
	AgentID    string            `json:"agent_id"`
	Type       string            `json:"type"`
	Task       string            `json:"task"`
	Input      map[string]any    `json:"input,omitempty"`
	RouteField string            `json:"route_field,omitempty"`
	Routes     map[string]string `json:"routes,omitempty"`
}

// Workflow is a declared multi-agent composition. Steps are immutable after
// creation.
type Workflow struct {
	ID          string         `json:"id"`
	UserID      string         `json:"user_id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Steps       []WorkflowStep `json:"steps"`
	AgentIDs    []string       `json:"agent_ids"`
	Settings    map[string]any `json:"settings,omitempty"`
	Status      string         `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Run is one live execution of a workflow. Process-local: a restart loses
// in-flight runs.
type Run struct {
	ID         string         `json:"id"`
	WorkflowID string         `json:"workflow_id"`
	Status     string         `json:"status"`
	Context    map[string]any `json:"context"`
	Outputs    map[string]any `json:"outputs"`
	Position   int            `json:"position"`
	Error      string         `json:"error,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

// Message is one inter-agent mailbox entry.
type Message struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// ParseSteps decodes a stored steps field. Accepts already-structured
// values, JSON bytes, and JSON strings; idempotent over its own output.
func ParseSteps(raw any) ([]WorkflowStep, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case []WorkflowStep:
		return v, nil
	case []byte:
		return unmarshalSteps(v)
	case string:
		if v == "" {
			return nil, nil
		}
		return unmarshalSteps([]byte(v))
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode steps: %w", err)
		}
		return unmarshalSteps(data)
	}
}

func unmarshalSteps(data []byte) ([]WorkflowStep, error) {
	var steps []WorkflowStep
	if err := json.Unmarshal(data, &steps); err != nil {
		return nil, fmt.Errorf("decode steps: %w", err)
	}
	return steps, nil
}

// ParseStrings decodes a stored string-list field with the same tolerance
// as ParseSteps.
func ParseStrings(raw any) ([]string, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case []string:
		return v, nil
	case []byte:
		return unmarshalStrings(v)
	case string:
		if v == "" {
			return nil, nil
		}
		return unmarshalStrings([]byte(v))
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("non-string list element %v", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported list value %T", raw)
	}
}

func unmarshalStrings(data []byte) ([]string, error) {
	var out []string
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode string list: %w", err)
	}
	return out, nil
}

// ParseObject decodes a stored JSON object field with the same tolerance
// as ParseSteps.
func ParseObject(raw any) (map[string]any, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return v, nil
	case []byte:
		return unmarshalObject(v)
	case string:
		if v == "" {
			return nil, nil
		}
		return unmarshalObject([]byte(v))
	default:
		return nil, fmt.Errorf("unsupported object value %T", raw)
	}
}

func unmarshalObject(data []byte) (map[string]any, error) {
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode object: %w", err)
	}
	return out, nil
}
