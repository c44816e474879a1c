package route

import (
	lifecycle "github.com/goliatone/go-lifecycle"
	"gopkg.in/yaml.v3"
)

// Config is the YAML routing bundle.
type Config struct {
	Routes []Route `yaml:"routes"`
}

// ParseConfig decodes and validates a YAML routing bundle.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, lifecycle.WrapError(lifecycle.ErrValidation, err, "parse route config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects duplicate route IDs; per-route shape checks happen in
// SetRoutes.
func (c Config) Validate() error {
	seen := make(map[string]bool, len(c.Routes))
	for _, rt := range c.Routes {
		if rt.ID == "" {
			continue
		}
		if seen[rt.ID] {
			return lifecycle.NewError(lifecycle.ErrDuplicateCode, "duplicate route id", map[string]any{"route": rt.ID})
		}
		seen[rt.ID] = true
	}
	return nil
}

// Apply installs the routes on the resolver.
func (c Config) Apply(r *Resolver) error {
	return r.SetRoutes(c.Routes)
}
