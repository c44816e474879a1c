// Package route selects which lifecycle definition governs a record. Rules
// are priority-ordered condition matches compiled once per record-type/tenant
// pair and cached until explicit invalidation.
package route

import (
	"context"
	"sort"
	"strings"
	"sync"

	lifecycle "github.com/goliatone/go-lifecycle"
	"github.com/goliatone/go-lifecycle/condition"
)

// Route maps a record type plus evaluation conditions to a lifecycle.
type Route struct {
	ID          string         `json:"id" yaml:"id"`
	RecordType  string         `json:"record_type" yaml:"record_type"`
	Tenant      string         `json:"tenant,omitempty" yaml:"tenant,omitempty"`
	Priority    int            `json:"priority" yaml:"priority"`
	Condition   condition.Node `json:"condition,omitempty" yaml:"condition,omitempty"`
	LifecycleID string         `json:"lifecycle_id" yaml:"lifecycle_id"`
}

type compiledRoute struct {
	route    Route
	compiled *condition.Compiled
}

type routingTable struct {
	routes []compiledRoute
}

// Resolver compiles and caches routing tables.
type Resolver struct {
	mu     sync.RWMutex
	source []Route
	tables map[string]*routingTable
	logger lifecycle.Logger
}

// Option customizes resolver construction.
type Option func(*Resolver)

// WithLogger sets the resolver logger.
func WithLogger(logger lifecycle.Logger) Option {
	return func(r *Resolver) {
		r.logger = lifecycle.NormalizeLogger(logger)
	}
}

// NewResolver constructs an empty resolver.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		tables: make(map[string]*routingTable),
		logger: lifecycle.NewFmtLogger(nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// SetRoutes replaces the rule source and drops every compiled table. Routes
// with malformed conditions are rejected up front so a bad edit cannot poison
// resolution.
func (r *Resolver) SetRoutes(routes []Route) error {
	for _, rt := range routes {
		if strings.TrimSpace(rt.RecordType) == "" {
			return lifecycle.NewError(lifecycle.ErrValidation, "route requires a record type", map[string]any{"route": rt.ID})
		}
		if strings.TrimSpace(rt.LifecycleID) == "" {
			return lifecycle.NewError(lifecycle.ErrValidation, "route requires a lifecycle id", map[string]any{"route": rt.ID})
		}
		if _, err := condition.Compile(rt.Condition); err != nil {
			return lifecycle.WrapError(lifecycle.ErrValidation, err, "route "+rt.ID+" has a malformed condition")
		}
	}
	r.mu.Lock()
	r.source = append([]Route(nil), routes...)
	r.tables = make(map[string]*routingTable)
	r.mu.Unlock()
	return nil
}

// ResolveLifecycle returns the lifecycle governing the record, or "" when no
// route matches (the record has no governed lifecycle).
func (r *Resolver) ResolveLifecycle(ctx context.Context, recordType string, execCtx lifecycle.ExecutionContext, record map[string]any) string {
	table := r.table(recordType, execCtx.Tenant)
	if table == nil || len(table.routes) == 0 {
		return ""
	}
	view := condition.FlattenView(execCtx, record)
	for _, cr := range table.routes {
		if cr.compiled.Evaluate(view) {
			return cr.route.LifecycleID
		}
	}
	return ""
}

// Invalidate drops the compiled table for one record-type/tenant pair.
func (r *Resolver) Invalidate(recordType, tenant string) {
	r.mu.Lock()
	delete(r.tables, tableKey(recordType, tenant))
	r.mu.Unlock()
}

// PrecompileAll eagerly compiles a table for every record-type/tenant pair in
// the source rules.
func (r *Resolver) PrecompileAll() {
	r.mu.RLock()
	pairs := make(map[[2]string]bool)
	for _, rt := range r.source {
		pairs[[2]string{rt.RecordType, rt.Tenant}] = true
	}
	r.mu.RUnlock()
	for pair := range pairs {
		r.table(pair[0], pair[1])
	}
}

func (r *Resolver) table(recordType, tenant string) *routingTable {
	key := tableKey(recordType, tenant)
	r.mu.RLock()
	table, ok := r.tables[key]
	r.mu.RUnlock()
	if ok {
		return table
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if table, ok = r.tables[key]; ok {
		return table
	}
	table = r.compileLocked(recordType, tenant)
	r.tables[key] = table
	return table
}

// compileLocked builds the table for one pair: tenant-specific routes plus
// tenant-agnostic fallbacks, priority order.
func (r *Resolver) compileLocked(recordType, tenant string) *routingTable {
	var selected []Route
	for _, rt := range r.source {
		if !strings.EqualFold(strings.TrimSpace(rt.RecordType), strings.TrimSpace(recordType)) {
			continue
		}
		if rt.Tenant != "" && !strings.EqualFold(rt.Tenant, tenant) {
			continue
		}
		selected = append(selected, rt)
	}
	sort.SliceStable(selected, func(i, j int) bool {
		return selected[i].Priority > selected[j].Priority
	})

	table := &routingTable{routes: make([]compiledRoute, 0, len(selected))}
	for _, rt := range selected {
		compiled, err := condition.Compile(rt.Condition)
		if err != nil {
			// SetRoutes validated these; a failure here means concurrent
			// source mutation, skip rather than break resolution.
			r.logger.Error("route %q failed to compile: %v", rt.ID, err)
			continue
		}
		table.routes = append(table.routes, compiledRoute{route: rt, compiled: compiled})
	}
	return table
}

func tableKey(recordType, tenant string) string {
	return strings.ToLower(strings.TrimSpace(recordType)) + "::" + strings.ToLower(strings.TrimSpace(tenant))
}
