// lifecyclectl validates lifecycle configuration bundles and dry-runs
// transitions against them without touching persistent state.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	lifecycle "github.com/goliatone/go-lifecycle"
	"github.com/goliatone/go-lifecycle/approval"
	"github.com/goliatone/go-lifecycle/engine"
	"github.com/goliatone/go-lifecycle/policy"
	"github.com/goliatone/go-lifecycle/route"
	"github.com/goliatone/go-logger/glog"
)

var cli struct {
	Level string `help:"Log level." default:"warn" enum:"trace,debug,info,warn,error"`

	Validate validateCmd `cmd:"" help:"Validate lifecycle, route, policy and approval template bundles."`
	Simulate simulateCmd `cmd:"" help:"Dry-run a transition against a configuration bundle in memory."`
}

type bundleFlags struct {
	Lifecycles string `help:"Lifecycle definitions YAML." type:"existingfile"`
	Routes     string `help:"Routing rules YAML." type:"existingfile"`
	Policies   string `help:"Policy rules YAML." type:"existingfile"`
	Templates  string `help:"Approval templates YAML." type:"existingfile"`
}

type validateCmd struct {
	bundleFlags
}

type simulateCmd struct {
	bundleFlags

	RecordType string   `help:"Record type of the simulated record." required:""`
	RecordID   string   `help:"Record ID." default:"sim-1"`
	Tenant     string   `help:"Tenant ID." required:""`
	Actor      string   `help:"Acting user ID." required:""`
	Roles      []string `help:"Actor roles."`
	Groups     []string `help:"Actor groups."`
	Operation  string   `help:"Operation to attempt; omitted lists available transitions."`
	Record     string   `help:"Record fields as JSON." default:"{}"`
}

func main() {
	ktx := kong.Parse(&cli,
		kong.Name("lifecyclectl"),
		kong.Description("Lifecycle configuration validator and transition simulator."),
		kong.UsageOnError(),
	)
	ktx.FatalIfErrorf(ktx.Run())
}

// bundle is the parsed, validated configuration set.
type bundle struct {
	lifecycles *engine.Config
	routes     *route.Config
	policies   *policy.Config
	templates  *approval.Config
}

func (f bundleFlags) load() (*bundle, error) {
	b := &bundle{}
	if f.Lifecycles != "" {
		cfg, err := parseFile(f.Lifecycles, engine.ParseConfig)
		if err != nil {
			return nil, err
		}
		b.lifecycles = &cfg
	}
	if f.Routes != "" {
		cfg, err := parseFile(f.Routes, route.ParseConfig)
		if err != nil {
			return nil, err
		}
		b.routes = &cfg
	}
	if f.Policies != "" {
		cfg, err := parseFile(f.Policies, policy.ParseConfig)
		if err != nil {
			return nil, err
		}
		b.policies = &cfg
	}
	if f.Templates != "" {
		cfg, err := parseFile(f.Templates, approval.ParseConfig)
		if err != nil {
			return nil, err
		}
		b.templates = &cfg
	}
	return b, nil
}

func parseFile[T any](path string, parse func([]byte) (T, error)) (T, error) {
	var zero T
	data, err := os.ReadFile(path)
	if err != nil {
		return zero, err
	}
	cfg, err := parse(data)
	if err != nil {
		return zero, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c *validateCmd) Run() error {
	if c.Lifecycles == "" && c.Routes == "" && c.Policies == "" && c.Templates == "" {
		return fmt.Errorf("nothing to validate: pass at least one of --lifecycles, --routes, --policies, --templates")
	}
	b, err := c.load()
	if err != nil {
		return err
	}

	if b.lifecycles != nil {
		fmt.Printf("lifecycles: %d definitions OK\n", len(b.lifecycles.Lifecycles))
	}
	if b.routes != nil {
		// SetRoutes compiles every condition, catching what Validate cannot
		if err := b.routes.Apply(route.NewResolver()); err != nil {
			return err
		}
		fmt.Printf("routes: %d rules OK\n", len(b.routes.Routes))
	}
	if b.policies != nil {
		fmt.Printf("policies: %d resources OK\n", len(b.policies.Policies))
	}
	if b.templates != nil {
		fmt.Printf("templates: %d templates OK\n", len(b.templates.Templates))
	}
	return nil
}

func (c *simulateCmd) Run() error {
	if c.Lifecycles == "" || c.Routes == "" {
		return fmt.Errorf("simulate requires --lifecycles and --routes")
	}
	b, err := c.load()
	if err != nil {
		return err
	}

	record := map[string]any{}
	if strings.TrimSpace(c.Record) != "" {
		if err := json.Unmarshal([]byte(c.Record), &record); err != nil {
			return fmt.Errorf("parse --record: %w", err)
		}
	}

	logger := lifecycle.NewGlogLogger(glog.NewLogger(glog.WithLevel(cli.Level)))
	resolver := route.NewResolver(route.WithLogger(logger))
	if err := b.routes.Apply(resolver); err != nil {
		return err
	}
	gate := policy.NewGate(policy.WithLogger(logger))
	if b.policies != nil {
		b.policies.Apply(gate)
	}
	manager := engine.NewManager(resolver, gate, engine.WithLogger(logger))
	if err := b.lifecycles.Apply(manager); err != nil {
		return err
	}

	ctx := context.Background()
	execCtx := lifecycle.ExecutionContext{
		ActorID: c.Actor,
		Roles:   c.Roles,
		Groups:  c.Groups,
		Tenant:  c.Tenant,
	}

	inst, err := manager.CreateInstance(ctx, c.RecordType, c.RecordID, execCtx, record)
	if err != nil {
		return err
	}
	if inst == nil {
		fmt.Printf("record type %q is not governed for tenant %q\n", c.RecordType, c.Tenant)
		return nil
	}
	fmt.Printf("lifecycle %s, initial state %s\n", inst.LifecycleID, inst.CurrentStateID)

	if c.Operation == "" {
		options, err := manager.AvailableTransitions(ctx, c.RecordType, c.RecordID, execCtx, record)
		if err != nil {
			return err
		}
		if len(options) == 0 {
			fmt.Println("no transitions available")
			return nil
		}
		for _, opt := range options {
			status := "allowed"
			switch {
			case !opt.Allowed:
				status = "denied: " + opt.Reason
			case opt.ApprovalPending:
				status = "approval pending"
			case opt.RequiresApproval:
				status = "requires approval"
			}
			fmt.Printf("  %s -> %s (%s)\n", opt.Operation, opt.ToStateID, status)
		}
		return nil
	}

	result, err := manager.CanTransition(ctx, engine.TransitionRequest{
		RecordType: c.RecordType,
		RecordID:   c.RecordID,
		Operation:  c.Operation,
		ExecCtx:    execCtx,
		Record:     record,
	})
	if err != nil {
		return err
	}
	switch result.Status {
	case engine.StatusApplied:
		fmt.Printf("%s: would transition %s -> %s\n", c.Operation, result.FromStateID, result.ToStateID)
	case engine.StatusPending:
		fmt.Printf("%s: would suspend %s -> %s behind approval\n", c.Operation, result.FromStateID, result.ToStateID)
	default:
		fmt.Printf("%s: denied (%s)\n", c.Operation, result.Reason)
	}
	return nil
}
