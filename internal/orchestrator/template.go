package orchestrator

import (
	"fmt"
	"regexp"
	"strings"
)

var templateRe = regexp.MustCompile(`\{\{\s*([\w.]+)\s*\}\}`)

// Lookup walks a dotted path through nested maps. The second return
// distinguishes "found nil" from "not found".
func Lookup(ctx map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = ctx
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Substitute resolves {{path.to.value}} templates in s against ctx. A value
// that is exactly one template resolves to the looked-up value with its type
// intact; mixed text renders resolved values inline. An unresolved path
// leaves the literal template in place so typos stay visible in the output.
func Substitute(s string, ctx map[string]any) any {
	if m := templateRe.FindStringSubmatch(s); m != nil && m[0] == s {
		if v, ok := Lookup(ctx, m[1]); ok {
			return v
		}
		return s
	}
	return templateRe.ReplaceAllStringFunc(s, func(match string) string {
		path := templateRe.FindStringSubmatch(match)[1]
		if v, ok := Lookup(ctx, path); ok {
			return fmt.Sprint(v)
		}
		return match
	})
}

// PrepareStepInput resolves every string value in the step input against the
// run context. Non-string values pass through untouched.
func PrepareStepInput(input map[string]any, ctx map[string]any) map[string]any {
	if len(input) == 0 {
		return nil
	}
	out := make(map[string]any, len(input))
	for k, v := range input {
		out[k] = resolveValue(v, ctx)
	}
	return out
}

func resolveValue(v any, ctx map[string]any) any {
	switch t := v.(type) {
	case string:
		return Substitute(t, ctx)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[k] = resolveValue(inner, ctx)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = resolveValue(inner, ctx)
		}
		return out
	default:
		return v
	}
}
