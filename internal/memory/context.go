package memory

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FormatContext renders a context bundle as prompt text. Empty bundles
// render as "".
func FormatContext(c *Context) string {
	if c == nil {
		return ""
	}
	var b strings.Builder

	if len(c.Relevant) > 0 {
		b.WriteString("Relevant memories:\n")
		for _, r := range c.Relevant {
			b.WriteString("- " + recordLine(r) + "\n")
		}
	}
	if len(c.Recent) > 0 {
		b.WriteString("Recent observations:\n")
		for _, r := range c.Recent {
			b.WriteString("- " + recordLine(r) + "\n")
		}
	}
	if len(c.Working) > 0 {
		b.WriteString("Working state:\n")
		if data, err := json.Marshal(c.Working); err == nil {
			b.Write(data)
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func recordLine(r *Record) string {
	if s, ok := r.Content["summary"].(string); ok && s != "" {
		return s
	}
	if s, ok := r.Content["text"].(string); ok && s != "" {
		return s
	}
	if r.Type == Semantic {
		return fmt.Sprintf("%v %v %v",
			r.Content["subject"], r.Content["predicate"], r.Content["object"])
	}
	data, err := json.Marshal(r.Content)
	if err != nil {
		return ""
	}
	return string(data)
}
