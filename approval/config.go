package approval

import (
	lifecycle "github.com/goliatone/go-lifecycle"
	"gopkg.in/yaml.v3"
)

// Config is the YAML approval-template bundle.
type Config struct {
	Templates []Template `yaml:"templates"`
}

// ParseConfig decodes and validates a YAML template bundle.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, lifecycle.WrapError(lifecycle.ErrValidation, err, "parse approval template config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every template and rejects duplicate template IDs.
func (c Config) Validate() error {
	seen := make(map[string]bool, len(c.Templates))
	for _, tmpl := range c.Templates {
		if err := tmpl.Validate(); err != nil {
			return err
		}
		if seen[tmpl.ID] {
			return lifecycle.NewError(lifecycle.ErrDuplicateCode, "duplicate approval template id", map[string]any{
				"template": tmpl.ID,
			})
		}
		seen[tmpl.ID] = true
	}
	return nil
}

// Apply registers every template on the service.
func (c Config) Apply(s *Service) error {
	for _, tmpl := range c.Templates {
		if err := s.RegisterTemplate(tmpl); err != nil {
			return err
		}
	}
	return nil
}
