// Package engine owns lifecycle instances: creation, the transition state
// machine, terminal-state enforcement and gate validation. It consults the
// route resolver and policy gate, delegates approvals to the approval
// service, and finalizes suspended transitions when approvals complete.
package engine

import (
	"strings"

	lifecycle "github.com/goliatone/go-lifecycle"
)

// State is one named lifecycle state.
type State struct {
	ID       string `json:"id" yaml:"id"`
	Name     string `json:"name,omitempty" yaml:"name,omitempty"`
	Initial  bool   `json:"initial,omitempty" yaml:"initial,omitempty"`
	Terminal bool   `json:"terminal,omitempty" yaml:"terminal,omitempty"`
}

// Transition is one (from, operation) → to edge with optional gates.
type Transition struct {
	From      string `json:"from" yaml:"from"`
	Operation string `json:"operation" yaml:"operation"`
	To        string `json:"to" yaml:"to"`
	// RequiredPolicyAction gates the edge on the policy gate when set.
	RequiredPolicyAction string `json:"required_policy_action,omitempty" yaml:"required_policy_action,omitempty"`
	// ApprovalTemplateID suspends the edge behind a multi-stage approval when set.
	ApprovalTemplateID string `json:"approval_template_id,omitempty" yaml:"approval_template_id,omitempty"`
}

// Definition is a tenant-scoped lifecycle: states plus transition edges.
type Definition struct {
	ID          string       `json:"id" yaml:"id"`
	Name        string       `json:"name,omitempty" yaml:"name,omitempty"`
	States      []State      `json:"states" yaml:"states"`
	Transitions []Transition `json:"transitions" yaml:"transitions"`
}

// Validate checks structural invariants: exactly one initial state, unique
// state IDs, unique (from, operation) edges, edges referencing known states.
func (d Definition) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return lifecycle.NewError(lifecycle.ErrValidation, "lifecycle definition requires an id", nil)
	}
	if len(d.States) == 0 {
		return lifecycle.NewError(lifecycle.ErrValidation, "lifecycle definition requires states", map[string]any{"lifecycle": d.ID})
	}

	states := make(map[string]State, len(d.States))
	initial := 0
	for _, st := range d.States {
		id := strings.TrimSpace(st.ID)
		if id == "" {
			return lifecycle.NewError(lifecycle.ErrValidation, "state requires an id", map[string]any{"lifecycle": d.ID})
		}
		if _, dup := states[id]; dup {
			return lifecycle.NewError(lifecycle.ErrDuplicateCode, "duplicate state id", map[string]any{
				"lifecycle": d.ID,
				"state":     id,
			})
		}
		states[id] = st
		if st.Initial {
			initial++
		}
	}
	if initial != 1 {
		return lifecycle.NewError(lifecycle.ErrValidation, "lifecycle definition requires exactly one initial state", map[string]any{
			"lifecycle": d.ID,
			"initial":   initial,
		})
	}

	edges := make(map[string]bool, len(d.Transitions))
	for _, tr := range d.Transitions {
		if strings.TrimSpace(tr.Operation) == "" {
			return lifecycle.NewError(lifecycle.ErrValidation, "transition requires an operation code", map[string]any{"lifecycle": d.ID})
		}
		from, fromOK := states[tr.From]
		if !fromOK {
			return lifecycle.NewError(lifecycle.ErrInvalidState, "transition references unknown from state", map[string]any{
				"lifecycle": d.ID,
				"state":     tr.From,
			})
		}
		if _, toOK := states[tr.To]; !toOK {
			return lifecycle.NewError(lifecycle.ErrInvalidState, "transition references unknown to state", map[string]any{
				"lifecycle": d.ID,
				"state":     tr.To,
			})
		}
		if from.Terminal {
			return lifecycle.NewError(lifecycle.ErrInvalidState, "transition cannot leave a terminal state", map[string]any{
				"lifecycle": d.ID,
				"state":     tr.From,
			})
		}
		key := edgeKey(tr.From, tr.Operation)
		if edges[key] {
			return lifecycle.NewError(lifecycle.ErrDuplicateCode, "duplicate transition edge", map[string]any{
				"lifecycle": d.ID,
				"from":      tr.From,
				"operation": tr.Operation,
			})
		}
		edges[key] = true
	}
	return nil
}

// compiledDefinition is the indexed runtime form of a Definition.
type compiledDefinition struct {
	def     Definition
	states  map[string]State
	edges   map[string]Transition
	initial string
}

func compileDefinition(def Definition) (*compiledDefinition, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	cd := &compiledDefinition{
		def:    def,
		states: make(map[string]State, len(def.States)),
		edges:  make(map[string]Transition, len(def.Transitions)),
	}
	for _, st := range def.States {
		cd.states[st.ID] = st
		if st.Initial {
			cd.initial = st.ID
		}
	}
	for _, tr := range def.Transitions {
		cd.edges[edgeKey(tr.From, tr.Operation)] = tr
	}
	return cd, nil
}

func (cd *compiledDefinition) edge(from, operation string) (Transition, bool) {
	tr, ok := cd.edges[edgeKey(from, operation)]
	return tr, ok
}

// edgesFrom returns every transition leaving the state, definition order.
func (cd *compiledDefinition) edgesFrom(from string) []Transition {
	var out []Transition
	for _, tr := range cd.def.Transitions {
		if strings.EqualFold(tr.From, from) {
			out = append(out, tr)
		}
	}
	return out
}

func edgeKey(from, operation string) string {
	return strings.ToLower(strings.TrimSpace(from)) + "::" + strings.ToLower(strings.TrimSpace(operation))
}
