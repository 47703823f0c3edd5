package orchestrator

import (
	"reflect"
	"testing"
)

func TestSubstituteResolvesDottedPath(t *testing.T) {
	ctx := map[string]any{
		"input": map[string]any{"city": "Lisbon"},
		"steps": map[string]any{
			"0": map[string]any{"output": "sunny"},
		},
	}

	if got := Substitute("{{input.city}}", ctx); got != "Lisbon" {
		t.Errorf("got %v, want Lisbon", got)
	}
	if got := Substitute("Weather in {{input.city}}: {{steps.0.output}}", ctx); got != "Weather in Lisbon: sunny" {
		t.Errorf("got %v", got)
	}
}

func TestSubstitutePreservesUnresolvedLiteral(t *testing.T) {
	ctx := map[string]any{"input": map[string]any{}}

	// A typo'd path stays visible in the output instead of vanishing.
	if got := Substitute("{{input.ctiy}}", ctx); got != "{{input.ctiy}}" {
		t.Errorf("got %v, want literal preserved", got)
	}
	if got := Substitute("city: {{input.ctiy}}", ctx); got != "city: {{input.ctiy}}" {
		t.Errorf("got %v, want literal preserved inline", got)
	}
}

func TestSubstituteKeepsValueType(t *testing.T) {
	ctx := map[string]any{"previous": map[string]any{"count": 42}}

	got := Substitute("{{previous.count}}", ctx)
	if got != 42 {
		t.Errorf("full-string template returned %v (%T), want int 42", got, got)
	}
}

func TestSubstitutePlainStringPassesThrough(t *testing.T) {
	if got := Substitute("no templates here", map[string]any{}); got != "no templates here" {
		t.Errorf("got %v", got)
	}
}

func TestPrepareStepInput(t *testing.T) {
	ctx := map[string]any{
		"input":    map[string]any{"topic": "go"},
		"previous": map[string]any{"output": "draft text"},
	}
	input := map[string]any{
		"subject": "{{input.topic}}",
		"body":    "{{previous.output}}",
		"missing": "{{previous.score}}",
		"count":   3,
		"nested":  map[string]any{"inner": "{{input.topic}}"},
	}

	got := PrepareStepInput(input, ctx)
	want := map[string]any{
		"subject": "go",
		"body":    "draft text",
		"missing": "{{previous.score}}",
		"count":   3,
		"nested":  map[string]any{"inner": "go"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("PrepareStepInput = %v, want %v", got, want)
	}
}

func TestLookupDistinguishesMissing(t *testing.T) {
	ctx := map[string]any{"a": map[string]any{"b": nil}}

	if v, ok := Lookup(ctx, "a.b"); !ok || v != nil {
		t.Errorf("Lookup(a.b) = %v, %v; want nil, true", v, ok)
	}
	if _, ok := Lookup(ctx, "a.c"); ok {
		t.Error("Lookup(a.c) found a missing path")
	}
	if _, ok := Lookup(ctx, "a.b.c"); ok {
		t.Error("Lookup through a non-map should not resolve")
	}
}
