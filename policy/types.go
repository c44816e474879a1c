// Package policy implements the authorization gate consulted before every
// lifecycle transition. Decisions are explainable values carrying the matched
// rule and reason; the default effect is deny.
package policy

import (
	"strings"

	"github.com/goliatone/go-lifecycle/condition"
)

// Effect is the outcome a rule declares.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Rule is one authorization rule scoped to a resource.
type Rule struct {
	ID        string         `json:"id" yaml:"id"`
	Resource  string         `json:"resource" yaml:"resource"`
	Actions   []string       `json:"actions" yaml:"actions"`
	Effect    Effect         `json:"effect" yaml:"effect"`
	Priority  int            `json:"priority" yaml:"priority"`
	Condition condition.Node `json:"condition,omitempty" yaml:"condition,omitempty"`
	// Fields restricts the field set visible to callers matched by this rule.
	// Empty means unrestricted.
	Fields []string `json:"fields,omitempty" yaml:"fields,omitempty"`
	Reason string   `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// Decision is the explainable authorization outcome. It is a value type:
// FieldRestrictions may be masked per caller, so decisions are never shared
// by reference.
type Decision struct {
	Allowed           bool
	Effect            Effect
	MatchedRule       string
	Reason            string
	FieldRestrictions []string
}

func (d Decision) clone() Decision {
	if len(d.FieldRestrictions) > 0 {
		d.FieldRestrictions = append([]string(nil), d.FieldRestrictions...)
	}
	return d
}

// Check is one (action, resource) pair for batch authorization.
type Check struct {
	Action   string
	Resource string
}

// Key is the map key AuthorizeMany results are returned under.
func (c Check) Key() string {
	return c.Action + ":" + c.Resource
}

func normalizeAction(action string) string {
	return strings.ToLower(strings.TrimSpace(action))
}

func normalizeResource(resource string) string {
	return strings.ToLower(strings.TrimSpace(resource))
}
