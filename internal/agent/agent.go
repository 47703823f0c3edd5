// Package agent defines the configured reasoning entities that execute tasks.
package agent

import (
	"time"
)

// ModelConfig pins an agent to a provider and model with sampling settings.
type ModelConfig struct {
	Provider    string  `json:"provider"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

// Agent is a configured reasoning entity. Identity fields (ID, UserID) are
// immutable after creation; configuration is mutable.
type Agent struct {
	ID           string      `json:"id"`
	UserID       string      `json:"user_id"`
	Name         string      `json:"name"`
	Role         string      `json:"role"`
	Model        ModelConfig `json:"model"`
	Capabilities []string    `json:"capabilities"`
	Tools        []string    `json:"tools"`
	Active       bool        `json:"active"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// HasCapability reports whether the agent declares the given capability.
func (a *Agent) HasCapability(name string) bool {
	for _, c := range a.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}

// HasTool reports whether the agent may use the named tool.
func (a *Agent) HasTool(name string) bool {
	for _, t := range a.Tools {
		if t == name {
			return true
		}
	}
	return false
}
