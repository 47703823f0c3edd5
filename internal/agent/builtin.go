package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/emberlight/convoy/internal/memory"
	"github.com/emberlight/convoy/internal/provider"
)

// RegisterBuiltinTools adds the default tool set to a registry. The memory
// service is optional; without it the search tool is not registered.
func RegisterBuiltinTools(reg *ToolRegistry, memories *memory.Service) {
	reg.Register(provider.Tool{
		Type: "function",
		Function: provider.ToolFunction{
			Name:        "get_current_time",
			Description: "Get the current date and time",
			Parameters: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			},
		},
	}, func(ctx context.Context, args string) (string, error) {
		return fmt.Sprintf(`{"time":"%s"}`, time.Now().Format(time.RFC3339)), nil
	})

	reg.Register(provider.Tool{
		Type: "function",
		Function: provider.ToolFunction{
			Name:        "calculate",
			Description: "Perform basic arithmetic on two numbers",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"operation": map[string]string{"type": "string", "description": "One of: add, subtract, multiply, divide"},
					"a":         map[string]string{"type": "number", "description": "First operand"},
					"b":         map[string]string{"type": "number", "description": "Second operand"},
				},
				"required": []string{"operation", "a", "b"},
			},
		},
	}, func(ctx context.Context, args string) (string, error) {
		var p struct {
			Operation string  `json:"operation"`
			A         float64 `json:"a"`
			B         float64 `json:"b"`
		}
		if err := json.Unmarshal([]byte(args), &p); err != nil {
			return "", fmt.Errorf("parse args: %w", err)
		}
		var result float64
		switch p.Operation {
		case "add":
			result = p.A + p.B
		case "subtract":
			result = p.A - p.B
		case "multiply":
			result = p.A * p.B
		case "divide":
			if p.B == 0 {
				return `{"error":"division by zero"}`, nil
			}
			result = p.A / p.B
		default:
			return fmt.Sprintf(`{"error":%q}`, "unknown operation "+p.Operation), nil
		}
		return fmt.Sprintf(`{"result":%g}`, result), nil
	})

	if memories == nil {
		return
	}
	reg.Register(provider.Tool{
		Type: "function",
		Function: provider.ToolFunction{
			Name:        "search_memories",
			Description: "Search an agent's stored memories by text",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"agent_id": map[string]string{"type": "string", "description": "Agent whose memories to search"},
					"query":    map[string]string{"type": "string", "description": "Search text"},
					"limit":    map[string]string{"type": "number", "description": "Max results (default 5)"},
				},
				"required": []string{"agent_id", "query"},
			},
		},
	}, func(ctx context.Context, args string) (string, error) {
		var p struct {
			AgentID string  `json:"agent_id"`
			Query   string  `json:"query"`
			Limit   float64 `json:"limit"`
		}
		if err := json.Unmarshal([]byte(args), &p); err != nil {
			return "", fmt.Errorf("parse args: %w", err)
		}
		limit := int(p.Limit)
		if limit <= 0 {
			limit = 5
		}
		records, err := memories.ForAgent(p.AgentID).Retrieve(ctx, p.Query, memory.Query{Limit: limit})
		if err != nil {
			return fmt.Sprintf(`{"error":%q}`, err.Error()), nil
		}
		type brief struct {
			Content    map[string]any `json:"content"`
			Type       string         `json:"type"`
			Importance int            `json:"importance"`
		}
		list := make([]brief, len(records))
		for i, r := range records {
			list[i] = brief{
				Content:    r.Content,
				Type:       string(r.Type),
				Importance: int(r.Importance),
			}
		}
		b, _ := json.Marshal(list)
		return string(b), nil
	})
}
