package engine

import (
	lifecycle "github.com/goliatone/go-lifecycle"
	"gopkg.in/yaml.v3"
)

// Config is the loadable lifecycle-definition document.
type Config struct {
	Lifecycles []Definition `json:"lifecycles" yaml:"lifecycles"`
}

// ParseConfig parses JSON or YAML into a validated Config.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		// yaml can handle JSON too, so a single attempt is fine
		return cfg, lifecycle.WrapError(lifecycle.ErrValidation, err, "parse lifecycle config")
	}
	return cfg, cfg.Validate()
}

// Validate checks every definition plus cross-definition ID uniqueness.
func (c Config) Validate() error {
	seen := make(map[string]bool, len(c.Lifecycles))
	for _, def := range c.Lifecycles {
		if err := def.Validate(); err != nil {
			return err
		}
		if seen[def.ID] {
			return lifecycle.NewError(lifecycle.ErrDuplicateCode, "duplicate lifecycle id", map[string]any{
				"lifecycle": def.ID,
			})
		}
		seen[def.ID] = true
	}
	return nil
}

// Apply registers every definition on the manager.
func (c Config) Apply(m *Manager) error {
	for _, def := range c.Lifecycles {
		if err := m.RegisterDefinition(def); err != nil {
			return err
		}
	}
	return nil
}
