// Package condition implements the AND/OR condition tree shared by route
// resolution and policy rules. Trees are compiled once (operator validation,
// regex compilation) and evaluated against a flattened context+record view.
package condition

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/goliatone/go-errors"
)

// Operator identifies a leaf comparator.
type Operator string

const (
	OpEq         Operator = "eq"
	OpNeq        Operator = "neq"
	OpGt         Operator = "gt"
	OpGte        Operator = "gte"
	OpLt         Operator = "lt"
	OpLte        Operator = "lte"
	OpIn         Operator = "in"
	OpNotIn      Operator = "not_in"
	OpContains   Operator = "contains"
	OpStartsWith Operator = "starts_with"
	OpEndsWith   Operator = "ends_with"
	OpMatches    Operator = "matches"
	OpExists     Operator = "exists"
	OpNotExists  Operator = "not_exists"
	OpEmpty      Operator = "empty"
	OpNotEmpty   Operator = "not_empty"
	OpBetween    Operator = "between"
	OpBefore     Operator = "before"
	OpAfter      Operator = "after"
)

// Node is one tree node: either a branch (All/Any) or a comparator leaf.
type Node struct {
	All []Node `json:"all,omitempty" yaml:"all,omitempty"`
	Any []Node `json:"any,omitempty" yaml:"any,omitempty"`

	Field string   `json:"field,omitempty" yaml:"field,omitempty"`
	Op    Operator `json:"op,omitempty" yaml:"op,omitempty"`
	Value any      `json:"value,omitempty" yaml:"value,omitempty"`
}

// IsZero reports whether the node carries no condition at all.
func (n Node) IsZero() bool {
	return len(n.All) == 0 && len(n.Any) == 0 && n.Field == "" && n.Op == ""
}

// Compiled is a validated tree with precompiled regex leaves.
type Compiled struct {
	node    Node
	regexes map[string]*regexp.Regexp
}

// Compile validates operators and precompiles regex leaves.
func Compile(node Node) (*Compiled, error) {
	c := &Compiled{node: node, regexes: make(map[string]*regexp.Regexp)}
	if err := c.compile(node, "$"); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Compiled) compile(node Node, path string) error {
	if len(node.All) > 0 || len(node.Any) > 0 {
		if node.Field != "" || node.Op != "" {
			return errors.New("condition node mixes branch and leaf", errors.CategoryValidation).
				WithTextCode("CONDITION_MIXED_NODE").
				WithMetadata(map[string]any{"path": path})
		}
		for i, child := range node.All {
			if err := c.compile(child, fmt.Sprintf("%s.all[%d]", path, i)); err != nil {
				return err
			}
		}
		for i, child := range node.Any {
			if err := c.compile(child, fmt.Sprintf("%s.any[%d]", path, i)); err != nil {
				return err
			}
		}
		return nil
	}
	if node.IsZero() {
		return nil
	}
	if strings.TrimSpace(node.Field) == "" {
		return errors.New("condition leaf requires a field path", errors.CategoryValidation).
			WithTextCode("CONDITION_FIELD_REQUIRED").
			WithMetadata(map[string]any{"path": path})
	}
	switch node.Op {
	case OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte, OpIn, OpNotIn,
		OpContains, OpStartsWith, OpEndsWith, OpExists, OpNotExists,
		OpEmpty, OpNotEmpty, OpBefore, OpAfter:
	case OpBetween:
		if vals := anySlice(node.Value); len(vals) != 2 {
			return errors.New("between requires a two-element range", errors.CategoryValidation).
				WithTextCode("CONDITION_BAD_RANGE").
				WithMetadata(map[string]any{"path": path, "field": node.Field})
		}
	case OpMatches:
		pattern := fmt.Sprint(node.Value)
		re, err := regexp.Compile(pattern)
		if err != nil {
			return errors.Wrap(err, errors.CategoryValidation, "invalid condition regex").
				WithTextCode("CONDITION_BAD_REGEX").
				WithMetadata(map[string]any{"path": path, "pattern": pattern})
		}
		c.regexes[node.Field+"::"+pattern] = re
	default:
		return errors.New("unknown condition operator", errors.CategoryValidation).
			WithTextCode("CONDITION_UNKNOWN_OPERATOR").
			WithMetadata(map[string]any{"path": path, "op": string(node.Op)})
	}
	return nil
}

// Evaluate walks the tree against the flattened view. An empty tree matches.
func (c *Compiled) Evaluate(view map[string]any) bool {
	if c == nil {
		return true
	}
	return c.eval(c.node, view)
}

func (c *Compiled) eval(node Node, view map[string]any) bool {
	switch {
	case len(node.All) > 0:
		for _, child := range node.All {
			if !c.eval(child, view) {
				return false
			}
		}
		return true
	case len(node.Any) > 0:
		for _, child := range node.Any {
			if c.eval(child, view) {
				return true
			}
		}
		return false
	case node.IsZero():
		return true
	}
	return c.evalLeaf(node, view)
}

func (c *Compiled) evalLeaf(node Node, view map[string]any) bool {
	actual, found := Lookup(view, node.Field)

	switch node.Op {
	case OpExists:
		return found
	case OpNotExists:
		return !found
	case OpEmpty:
		return !found || isEmpty(actual)
	case OpNotEmpty:
		return found && !isEmpty(actual)
	}

	if !found {
		return false
	}

	switch node.Op {
	case OpEq:
		return looseEqual(actual, node.Value)
	case OpNeq:
		return !looseEqual(actual, node.Value)
	case OpGt, OpGte, OpLt, OpLte:
		return compareOrdered(node.Op, actual, node.Value)
	case OpIn:
		return memberOf(actual, node.Value)
	case OpNotIn:
		return !memberOf(actual, node.Value)
	case OpContains:
		return stringPredicate(actual, node.Value, strings.Contains)
	case OpStartsWith:
		return stringPredicate(actual, node.Value, strings.HasPrefix)
	case OpEndsWith:
		return stringPredicate(actual, node.Value, strings.HasSuffix)
	case OpMatches:
		re, ok := c.regexes[node.Field+"::"+fmt.Sprint(node.Value)]
		if !ok {
			return false
		}
		return re.MatchString(fmt.Sprint(actual))
	case OpBetween:
		vals := anySlice(node.Value)
		if len(vals) != 2 {
			return false
		}
		return compareOrdered(OpGte, actual, vals[0]) && compareOrdered(OpLte, actual, vals[1])
	case OpBefore:
		return compareDates(actual, node.Value, func(a, b time.Time) bool { return a.Before(b) })
	case OpAfter:
		return compareDates(actual, node.Value, func(a, b time.Time) bool { return a.After(b) })
	}
	return false
}
