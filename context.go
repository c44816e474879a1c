package lifecycle

import "strings"

// ExecutionContext carries caller identity and tenancy information through
// every authorization, routing and transition call.
type ExecutionContext struct {
	ActorID string
	Roles   []string
	Groups  []string
	Tenant  string
	// Attributes holds request-scoped evaluation data (record type, amounts,
	// flags) consulted by condition trees alongside the record itself.
	Attributes map[string]any
}

// HasRole reports whether the caller carries the named role.
func (c ExecutionContext) HasRole(role string) bool {
	role = strings.TrimSpace(role)
	for _, r := range c.Roles {
		if strings.EqualFold(strings.TrimSpace(r), role) {
			return true
		}
	}
	return false
}

// HasGroup reports whether the caller belongs to the named group.
func (c ExecutionContext) HasGroup(group string) bool {
	group = strings.TrimSpace(group)
	for _, g := range c.Groups {
		if strings.EqualFold(strings.TrimSpace(g), group) {
			return true
		}
	}
	return false
}
