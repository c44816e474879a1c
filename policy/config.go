package policy

import (
	"strings"

	lifecycle "github.com/goliatone/go-lifecycle"
	"gopkg.in/yaml.v3"
)

// Set is a named rule bundle for one resource.
type Set struct {
	Resource string `json:"resource" yaml:"resource"`
	Rules    []Rule `json:"rules" yaml:"rules"`
}

// Config is the loadable policy document.
type Config struct {
	Policies []Set `json:"policies" yaml:"policies"`
}

// ParseConfig parses JSON or YAML into a validated Config.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		// yaml can handle JSON too, so a single attempt is fine
		return cfg, lifecycle.WrapError(lifecycle.ErrValidation, err, "parse policy config")
	}
	return cfg, cfg.Validate()
}

// Validate checks resource names, effects and rule ID uniqueness.
func (c Config) Validate() error {
	seen := make(map[string]bool)
	for _, set := range c.Policies {
		if strings.TrimSpace(set.Resource) == "" {
			return lifecycle.NewError(lifecycle.ErrValidation, "policy set requires a resource", nil)
		}
		for _, rule := range set.Rules {
			if strings.TrimSpace(rule.ID) == "" {
				return lifecycle.NewError(lifecycle.ErrValidation, "policy rule requires an id", map[string]any{
					"resource": set.Resource,
				})
			}
			if seen[rule.ID] {
				return lifecycle.NewError(lifecycle.ErrDuplicateCode, "duplicate policy rule id", map[string]any{
					"rule": rule.ID,
				})
			}
			seen[rule.ID] = true
			switch rule.Effect {
			case EffectAllow, EffectDeny:
			default:
				return lifecycle.NewError(lifecycle.ErrValidation, "policy rule effect must be allow or deny", map[string]any{
					"rule":   rule.ID,
					"effect": string(rule.Effect),
				})
			}
			if len(rule.Actions) == 0 {
				return lifecycle.NewError(lifecycle.ErrValidation, "policy rule requires at least one action", map[string]any{
					"rule": rule.ID,
				})
			}
		}
	}
	return nil
}

// Apply registers every policy set on the gate.
func (c Config) Apply(gate *Gate) {
	for _, set := range c.Policies {
		gate.SetPolicies(set.Resource, set.Rules)
	}
}
