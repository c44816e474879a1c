package policy

import (
	"context"
	"sort"
	"sync"
	"time"

	lifecycle "github.com/goliatone/go-lifecycle"
	"github.com/goliatone/go-lifecycle/condition"
)

type compiledRule struct {
	rule        Rule
	compiled    *condition.Compiled
	specificity int
	invalid     bool
	invalidErr  error
}

type resourceIndex struct {
	version uint64
	// byAction holds candidates sorted by priority desc, specificity desc.
	byAction map[string][]compiledRule
}

// Gate evaluates authorization checks against compiled policy sets.
type Gate struct {
	mu        sync.RWMutex
	resources map[string]*resourceIndex
	cache     *decisionCache
	logger    lifecycle.Logger
}

// Option customizes gate construction.
type Option func(*Gate)

// WithLogger sets the gate logger.
func WithLogger(logger lifecycle.Logger) Option {
	return func(g *Gate) {
		g.logger = lifecycle.NormalizeLogger(logger)
	}
}

// WithDecisionTTL enables time-based cache expiry. Without it entries live
// until InvalidateCache.
func WithDecisionTTL(ttl time.Duration) Option {
	return func(g *Gate) {
		g.cache.ttl = ttl
	}
}

// NewGate constructs an empty gate.
func NewGate(opts ...Option) *Gate {
	g := &Gate{
		resources: make(map[string]*resourceIndex),
		cache:     newDecisionCache(),
		logger:    lifecycle.NewFmtLogger(nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// SetPolicies replaces the rule set for a resource and bumps the policy-set
// version, dropping cached decisions for it. Malformed rules are kept as
// poisoned candidates so evaluation fails closed instead of silently skipping
// them.
func (g *Gate) SetPolicies(resource string, rules []Rule) {
	resource = normalizeResource(resource)
	if resource == "" {
		return
	}

	byAction := make(map[string][]compiledRule)
	for _, rule := range rules {
		cr := compiledRule{rule: rule, specificity: countLeaves(rule.Condition)}
		compiled, err := condition.Compile(rule.Condition)
		if err != nil {
			cr.invalid = true
			cr.invalidErr = err
			g.logger.Error("policy rule %q for resource %q is malformed: %v", rule.ID, resource, err)
		} else {
			cr.compiled = compiled
		}
		for _, action := range rule.Actions {
			action = normalizeAction(action)
			if action == "" {
				continue
			}
			byAction[action] = append(byAction[action], cr)
		}
	}
	for action := range byAction {
		candidates := byAction[action]
		sort.SliceStable(candidates, func(i, j int) bool {
			if candidates[i].rule.Priority != candidates[j].rule.Priority {
				return candidates[i].rule.Priority > candidates[j].rule.Priority
			}
			return candidates[i].specificity > candidates[j].specificity
		})
		byAction[action] = candidates
	}

	g.mu.Lock()
	prev := g.resources[resource]
	version := uint64(1)
	if prev != nil {
		version = prev.version + 1
	}
	g.resources[resource] = &resourceIndex{version: version, byAction: byAction}
	g.mu.Unlock()

	g.cache.dropResource(resource)
}

// InvalidatePolicyCache drops cached decisions and bumps the policy-set
// version for a resource. The editing collaborator must call this whenever
// rules change out of band.
func (g *Gate) InvalidatePolicyCache(resource string) {
	resource = normalizeResource(resource)
	g.mu.Lock()
	if idx := g.resources[resource]; idx != nil {
		idx.version++
	}
	g.mu.Unlock()
	g.cache.dropResource(resource)
}

// Authorize evaluates one (action, resource) check and returns an explainable
// decision. It never returns an error: malformed policies and missing rule
// sets fail closed.
func (g *Gate) Authorize(ctx context.Context, action, resource string, execCtx lifecycle.ExecutionContext, record map[string]any) Decision {
	action = normalizeAction(action)
	resource = normalizeResource(resource)

	g.mu.RLock()
	idx := g.resources[resource]
	g.mu.RUnlock()

	if idx == nil {
		return Decision{Effect: EffectDeny, Reason: "no policy set registered for resource " + resource}
	}

	fingerprint := contextFingerprint(execCtx, record)
	key := cacheKey(execCtx.Tenant, resource, action, fingerprint, idx.version)
	if cached, ok := g.cache.get(key); ok {
		return cached
	}

	decision := g.evaluate(ctx, idx, action, resource, execCtx, record)
	g.cache.put(key, decision)
	return decision.clone()
}

func (g *Gate) evaluate(_ context.Context, idx *resourceIndex, action, resource string, execCtx lifecycle.ExecutionContext, record map[string]any) Decision {
	candidates := idx.byAction[action]
	if wildcard := idx.byAction["*"]; len(wildcard) > 0 {
		merged := make([]compiledRule, 0, len(candidates)+len(wildcard))
		merged = append(merged, candidates...)
		merged = append(merged, wildcard...)
		sort.SliceStable(merged, func(i, j int) bool {
			if merged[i].rule.Priority != merged[j].rule.Priority {
				return merged[i].rule.Priority > merged[j].rule.Priority
			}
			return merged[i].specificity > merged[j].specificity
		})
		candidates = merged
	}
	if len(candidates) == 0 {
		return Decision{Effect: EffectDeny, Reason: "no rule grants action " + action + " on " + resource}
	}

	view := condition.FlattenView(execCtx, record)
	for _, cr := range candidates {
		if cr.invalid {
			g.logger.Warn("denying %s on %s: rule %q is malformed", action, resource, cr.rule.ID)
			return Decision{
				Effect:      EffectDeny,
				MatchedRule: cr.rule.ID,
				Reason:      "policy rule " + cr.rule.ID + " is malformed",
			}
		}
		if !cr.compiled.Evaluate(view) {
			continue
		}
		decision := Decision{
			Effect:            cr.rule.Effect,
			Allowed:           cr.rule.Effect == EffectAllow,
			MatchedRule:       cr.rule.ID,
			Reason:            cr.rule.Reason,
			FieldRestrictions: append([]string(nil), cr.rule.Fields...),
		}
		if decision.Reason == "" {
			if decision.Allowed {
				decision.Reason = "allowed by rule " + cr.rule.ID
			} else {
				decision.Reason = "denied by rule " + cr.rule.ID
			}
		}
		return decision
	}
	return Decision{Effect: EffectDeny, Reason: "no rule matched action " + action + " on " + resource}
}

// AuthorizeMany evaluates a batch of checks, grouping by resource so each
// resource's compiled set and context fingerprint are computed once. Results
// are keyed "action:resource".
func (g *Gate) AuthorizeMany(ctx context.Context, checks []Check, execCtx lifecycle.ExecutionContext, record map[string]any) map[string]Decision {
	results := make(map[string]Decision, len(checks))
	byResource := make(map[string][]Check)
	for _, check := range checks {
		byResource[normalizeResource(check.Resource)] = append(byResource[normalizeResource(check.Resource)], check)
	}
	fingerprint := contextFingerprint(execCtx, record)
	for resource, group := range byResource {
		g.mu.RLock()
		idx := g.resources[resource]
		g.mu.RUnlock()
		for _, check := range group {
			action := normalizeAction(check.Action)
			if idx == nil {
				results[check.Key()] = Decision{Effect: EffectDeny, Reason: "no policy set registered for resource " + resource}
				continue
			}
			key := cacheKey(execCtx.Tenant, resource, action, fingerprint, idx.version)
			if cached, ok := g.cache.get(key); ok {
				results[check.Key()] = cached
				continue
			}
			decision := g.evaluate(ctx, idx, action, resource, execCtx, record)
			g.cache.put(key, decision)
			results[check.Key()] = decision.clone()
		}
	}
	return results
}

// Can is the boolean convenience over Authorize. It never raises: any failure
// mode is a plain false.
func (g *Gate) Can(ctx context.Context, action, resource string, execCtx lifecycle.ExecutionContext) bool {
	return g.Authorize(ctx, action, resource, execCtx, nil).Allowed
}

// GetAllowedFields returns the field allow-list the matched rule imposes, or
// nil when access is unrestricted. A denied check returns an empty, non-nil
// list.
func (g *Gate) GetAllowedFields(ctx context.Context, action, resource string, execCtx lifecycle.ExecutionContext, record map[string]any) []string {
	decision := g.Authorize(ctx, action, resource, execCtx, record)
	if !decision.Allowed {
		return []string{}
	}
	if len(decision.FieldRestrictions) == 0 {
		return nil
	}
	return decision.FieldRestrictions
}

func countLeaves(node condition.Node) int {
	if node.IsZero() {
		return 0
	}
	if len(node.All) == 0 && len(node.Any) == 0 {
		return 1
	}
	total := 0
	for _, child := range node.All {
		total += countLeaves(child)
	}
	for _, child := range node.Any {
		total += countLeaves(child)
	}
	return total
}
