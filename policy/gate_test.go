package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	lifecycle "github.com/goliatone/go-lifecycle"
	"github.com/goliatone/go-lifecycle/condition"
)

func editorCtx() lifecycle.ExecutionContext {
	return lifecycle.ExecutionContext{
		ActorID: "user-1",
		Roles:   []string{"editor"},
		Tenant:  "acme",
	}
}

func invoiceRules() []Rule {
	return []Rule{
		{
			ID:       "editors-submit",
			Resource: "invoice",
			Actions:  []string{"submit"},
			Effect:   EffectAllow,
			Priority: 0,
			Condition: condition.Node{
				Field: "actor.roles", Op: condition.OpIn, Value: "editor",
			},
		},
		{
			ID:       "block-locked",
			Resource: "invoice",
			Actions:  []string{"*"},
			Effect:   EffectDeny,
			Priority: 100,
			Reason:   "record is locked",
			Condition: condition.Node{
				Field: "record.locked", Op: condition.OpEq, Value: true,
			},
		},
		{
			ID:       "admin-anything",
			Resource: "invoice",
			Actions:  []string{"*"},
			Effect:   EffectAllow,
			Priority: 50,
			Condition: condition.Node{
				Field: "actor.roles", Op: condition.OpIn, Value: "admin",
			},
		},
	}
}

func TestAuthorizeAllowWithExplanation(t *testing.T) {
	g := NewGate()
	g.SetPolicies("invoice", invoiceRules())

	decision := g.Authorize(context.Background(), "submit", "invoice", editorCtx(), map[string]any{"locked": false})
	require.True(t, decision.Allowed, "editor should submit, got %+v", decision)
	assert.Equal(t, "editors-submit", decision.MatchedRule)
	assert.NotEmpty(t, decision.Reason, "decision must carry a reason")
}

func TestAuthorizeHighPriorityDenyWins(t *testing.T) {
	g := NewGate()
	g.SetPolicies("invoice", invoiceRules())

	decision := g.Authorize(context.Background(), "submit", "invoice", editorCtx(), map[string]any{"locked": true})
	require.False(t, decision.Allowed, "locked record should deny even for an allowed role")
	assert.Equal(t, "block-locked", decision.MatchedRule)
	assert.Equal(t, "record is locked", decision.Reason)
}

func TestAuthorizeFailsClosed(t *testing.T) {
	g := NewGate()
	ctx := context.Background()

	// no policy set for the resource at all
	decision := g.Authorize(ctx, "submit", "invoice", editorCtx(), nil)
	assert.False(t, decision.Allowed, "unknown resource must deny")

	// rule set exists but nothing matches the action
	g.SetPolicies("invoice", []Rule{{
		ID: "only-read", Resource: "invoice", Actions: []string{"read"}, Effect: EffectAllow,
	}})
	decision = g.Authorize(ctx, "delete", "invoice", editorCtx(), nil)
	assert.False(t, decision.Allowed, "unmatched action must deny")
}

func TestMalformedRulePoisonsEvaluation(t *testing.T) {
	g := NewGate()
	g.SetPolicies("invoice", []Rule{
		{
			ID: "broken", Resource: "invoice", Actions: []string{"submit"}, Effect: EffectAllow, Priority: 10,
			Condition: condition.Node{Field: "record.sku", Op: "fuzzy"},
		},
		{
			ID: "open", Resource: "invoice", Actions: []string{"submit"}, Effect: EffectAllow, Priority: 0,
		},
	})

	decision := g.Authorize(context.Background(), "submit", "invoice", editorCtx(), nil)
	require.False(t, decision.Allowed, "a malformed higher-priority rule must fail closed, not be skipped")
	assert.Equal(t, "broken", decision.MatchedRule, "the malformed rule should surface")
}

func TestSpecificityBreaksPriorityTies(t *testing.T) {
	g := NewGate()
	g.SetPolicies("invoice", []Rule{
		{
			ID: "broad", Resource: "invoice", Actions: []string{"submit"}, Effect: EffectDeny, Priority: 5,
		},
		{
			ID: "narrow", Resource: "invoice", Actions: []string{"submit"}, Effect: EffectAllow, Priority: 5,
			Condition: condition.Node{All: twoLeafCondition()},
		},
	})

	decision := g.Authorize(context.Background(), "submit", "invoice", editorCtx(), map[string]any{"amount": 50, "locked": false})
	require.True(t, decision.Allowed, "more specific rule should win the tie, got %+v", decision)
	assert.Equal(t, "narrow", decision.MatchedRule)
}

func twoLeafCondition() []condition.Node {
	return []condition.Node{
		{Field: "actor.roles", Op: condition.OpIn, Value: "editor"},
		{Field: "record.locked", Op: condition.OpEq, Value: false},
	}
}

func TestDecisionCacheInvalidation(t *testing.T) {
	g := NewGate()
	ctx := context.Background()
	g.SetPolicies("invoice", []Rule{{
		ID: "allow-all", Resource: "invoice", Actions: []string{"submit"}, Effect: EffectAllow,
	}})

	require.True(t, g.Authorize(ctx, "submit", "invoice", editorCtx(), nil).Allowed)

	// replacing the set bumps the version; the old cached allow must not leak
	g.SetPolicies("invoice", []Rule{{
		ID: "deny-all", Resource: "invoice", Actions: []string{"submit"}, Effect: EffectDeny,
	}})
	assert.False(t, g.Authorize(ctx, "submit", "invoice", editorCtx(), nil).Allowed,
		"stale cached decision survived SetPolicies")
}

func TestInvalidatePolicyCache(t *testing.T) {
	g := NewGate()
	ctx := context.Background()
	g.SetPolicies("invoice", invoiceRules())

	before := g.Authorize(ctx, "submit", "invoice", editorCtx(), nil)
	g.InvalidatePolicyCache("invoice")
	after := g.Authorize(ctx, "submit", "invoice", editorCtx(), nil)

	assert.Equal(t, before.Allowed, after.Allowed, "same rules should produce the same decision")
}

func TestDeterministicDecisions(t *testing.T) {
	g := NewGate()
	g.SetPolicies("invoice", invoiceRules())
	ctx := context.Background()
	record := map[string]any{"locked": false}

	first := g.Authorize(ctx, "submit", "invoice", editorCtx(), record)
	for i := 0; i < 50; i++ {
		got := g.Authorize(ctx, "submit", "invoice", editorCtx(), record)
		require.Equal(t, first.Allowed, got.Allowed, "iteration %d diverged", i)
		require.Equal(t, first.MatchedRule, got.MatchedRule, "iteration %d diverged", i)
	}
}

func TestAuthorizeMany(t *testing.T) {
	g := NewGate()
	g.SetPolicies("invoice", invoiceRules())
	g.SetPolicies("payment", []Rule{{
		ID: "payments-admin", Resource: "payment", Actions: []string{"release"}, Effect: EffectAllow,
		Condition: condition.Node{Field: "actor.roles", Op: condition.OpIn, Value: "admin"},
	}})

	checks := []Check{
		{Action: "submit", Resource: "invoice"},
		{Action: "release", Resource: "payment"},
		{Action: "void", Resource: "ledger"},
	}
	results := g.AuthorizeMany(context.Background(), checks, editorCtx(), map[string]any{"locked": false})

	require.Len(t, results, 3)
	assert.True(t, results["submit:invoice"].Allowed, "editor submit should allow")
	assert.False(t, results["release:payment"].Allowed, "editor should not release payments")
	assert.False(t, results["void:ledger"].Allowed, "unknown resource must deny in batch mode too")
}

func TestCanAndGetAllowedFields(t *testing.T) {
	g := NewGate()
	ctx := context.Background()
	g.SetPolicies("invoice", []Rule{
		{
			ID: "restricted-edit", Resource: "invoice", Actions: []string{"edit"}, Effect: EffectAllow,
			Fields: []string{"notes", "due_date"},
		},
		{
			ID: "open-read", Resource: "invoice", Actions: []string{"read"}, Effect: EffectAllow,
		},
	})

	assert.True(t, g.Can(ctx, "read", "invoice", editorCtx()))
	assert.False(t, g.Can(ctx, "delete", "invoice", editorCtx()))

	fields := g.GetAllowedFields(ctx, "edit", "invoice", editorCtx(), nil)
	assert.ElementsMatch(t, []string{"notes", "due_date"}, fields)
	assert.Nil(t, g.GetAllowedFields(ctx, "read", "invoice", editorCtx(), nil),
		"unrestricted access should be nil")
	got := g.GetAllowedFields(ctx, "delete", "invoice", editorCtx(), nil)
	require.NotNil(t, got, "denied access should be an empty non-nil list")
	assert.Len(t, got, 0)
}

func TestParseConfigAndApply(t *testing.T) {
	data := []byte(`
policies:
  - resource: invoice
    rules:
      - id: editors-submit
        resource: invoice
        actions: [submit]
        effect: allow
        condition:
          field: actor.roles
          op: in
          value: editor
`)
	cfg, err := ParseConfig(data)
	require.NoError(t, err)

	g := NewGate()
	cfg.Apply(g)
	assert.True(t, g.Authorize(context.Background(), "submit", "invoice", editorCtx(), nil).Allowed,
		"yaml-loaded rule should allow editor submit")
}

func TestParseConfigRejectsDuplicateRuleIDs(t *testing.T) {
	data := []byte(`
policies:
  - resource: invoice
    rules:
      - id: dup
        resource: invoice
        actions: [submit]
        effect: allow
      - id: dup
        resource: invoice
        actions: [read]
        effect: allow
`)
	_, err := ParseConfig(data)
	require.Error(t, err)
	assert.True(t, lifecycle.IsCode(err, lifecycle.ErrCodeDuplicateCode), "expected DUPLICATE_CODE, got %v", err)
}
