package condition

import (
	"testing"

	lifecycle "github.com/goliatone/go-lifecycle"
)

func mustCompile(t *testing.T, node Node) *Compiled {
	t.Helper()
	compiled, err := Compile(node)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return compiled
}

func TestEmptyTreeMatchesEverything(t *testing.T) {
	compiled := mustCompile(t, Node{})
	if !compiled.Evaluate(map[string]any{"record.amount": 10}) {
		t.Fatal("empty tree should match any view")
	}
	if !compiled.Evaluate(nil) {
		t.Fatal("empty tree should match a nil view")
	}
}

func TestLeafOperators(t *testing.T) {
	view := map[string]any{
		"record.amount":   1500.0,
		"record.status":   "draft",
		"record.country":  "DE",
		"record.owner":    "",
		"actor.roles":     []string{"editor", "reviewer"},
		"record.sku":      "INV-2024-0042",
		"record.due_date": "2026-04-01T00:00:00Z",
	}

	cases := []struct {
		name string
		node Node
		want bool
	}{
		{"eq string", Node{Field: "record.status", Op: OpEq, Value: "draft"}, true},
		{"eq cross-numeric", Node{Field: "record.amount", Op: OpEq, Value: 1500}, true},
		{"neq", Node{Field: "record.status", Op: OpNeq, Value: "posted"}, true},
		{"gt", Node{Field: "record.amount", Op: OpGt, Value: 1000}, true},
		{"lte miss", Node{Field: "record.amount", Op: OpLte, Value: 1000}, false},
		{"in", Node{Field: "record.country", Op: OpIn, Value: []any{"DE", "AT", "CH"}}, true},
		{"not_in", Node{Field: "record.country", Op: OpNotIn, Value: []any{"US"}}, true},
		{"in against collection actual", Node{Field: "actor.roles", Op: OpIn, Value: "reviewer"}, true},
		{"contains", Node{Field: "record.sku", Op: OpContains, Value: "2024"}, true},
		{"starts_with", Node{Field: "record.sku", Op: OpStartsWith, Value: "INV-"}, true},
		{"ends_with miss", Node{Field: "record.sku", Op: OpEndsWith, Value: "0001"}, false},
		{"matches", Node{Field: "record.sku", Op: OpMatches, Value: `^INV-\d{4}-\d+$`}, true},
		{"exists", Node{Field: "record.amount", Op: OpExists}, true},
		{"not_exists", Node{Field: "record.missing", Op: OpNotExists}, true},
		{"empty", Node{Field: "record.owner", Op: OpEmpty}, true},
		{"not_empty miss", Node{Field: "record.owner", Op: OpNotEmpty}, false},
		{"between", Node{Field: "record.amount", Op: OpBetween, Value: []any{1000, 2000}}, true},
		{"before", Node{Field: "record.due_date", Op: OpBefore, Value: "2027-01-01T00:00:00Z"}, true},
		{"after miss", Node{Field: "record.due_date", Op: OpAfter, Value: "2027-01-01T00:00:00Z"}, false},
		{"missing field fails comparators", Node{Field: "record.missing", Op: OpEq, Value: 1}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := mustCompile(t, tc.node).Evaluate(view); got != tc.want {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestBranchNesting(t *testing.T) {
	node := Node{
		All: []Node{
			{Field: "record.status", Op: OpEq, Value: "draft"},
			{Any: []Node{
				{Field: "record.amount", Op: OpGt, Value: 1000},
				{Field: "actor.roles", Op: OpIn, Value: "admin"},
			}},
		},
	}
	compiled := mustCompile(t, node)

	if !compiled.Evaluate(map[string]any{"record.status": "draft", "record.amount": 5000}) {
		t.Fatal("draft + high amount should match")
	}
	if !compiled.Evaluate(map[string]any{"record.status": "draft", "record.amount": 10, "actor.roles": []string{"admin"}}) {
		t.Fatal("draft + admin should match via the any branch")
	}
	if compiled.Evaluate(map[string]any{"record.status": "posted", "record.amount": 5000}) {
		t.Fatal("non-draft should fail the all branch")
	}
}

func TestCompileRejectsMalformedTrees(t *testing.T) {
	cases := []struct {
		name string
		node Node
	}{
		{"unknown operator", Node{Field: "x", Op: "fuzzy"}},
		{"missing field", Node{Op: OpEq, Value: 1}},
		{"bad regex", Node{Field: "x", Op: OpMatches, Value: "["}},
		{"bad between range", Node{Field: "x", Op: OpBetween, Value: []any{1}}},
		{"mixed branch and leaf", Node{All: []Node{{Field: "x", Op: OpEq, Value: 1}}, Field: "y", Op: OpEq}},
		{"nested failure surfaces", Node{Any: []Node{{Field: "x", Op: "nope"}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Compile(tc.node); err == nil {
				t.Fatal("expected a compile error")
			}
		})
	}
}

func TestFlattenViewAndLookup(t *testing.T) {
	execCtx := lifecycle.ExecutionContext{
		ActorID: "user-1",
		Roles:   []string{"editor"},
		Groups:  []string{"finance"},
		Tenant:  "acme",
		Attributes: map[string]any{
			"channel": "api",
		},
	}
	record := map[string]any{
		"amount": 42,
		"vendor": map[string]any{"country": "DE"},
	}

	view := FlattenView(execCtx, record)

	checks := map[string]any{
		"tenant":          "acme",
		"actor.id":        "user-1",
		"context.channel": "api",
		"record.amount":   42,
	}
	for path, want := range checks {
		got, ok := Lookup(view, path)
		if !ok {
			t.Fatalf("lookup %q: not found", path)
		}
		if !looseEqual(got, want) {
			t.Fatalf("lookup %q: got %v, want %v", path, got, want)
		}
	}

	// dotted descent into nested record maps
	if got, ok := Lookup(view, "record.vendor.country"); !ok || got != "DE" {
		t.Fatalf("nested lookup got %v (found=%v)", got, ok)
	}
	if _, ok := Lookup(view, "record.vendor.missing"); ok {
		t.Fatal("missing nested key should not resolve")
	}
}
