package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"shiftplan/internal/domain"
)

// Config models shiftplan.yml: the sector the workspace operates on, the
// generation defaults, the seeded activity catalog and optional webhooks.
type Config struct {
	Sector struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"sector"`
	Generation struct {
		DefaultPriority int `yaml:"default_priority"`
	} `yaml:"generation"`
	Catalog struct {
		Activities map[string]ActivitySpec `yaml:"activities"`
	} `yaml:"catalog"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

// ActivitySpec describes one catalog activity, keyed by its code.
type ActivitySpec struct {
	Name            string `yaml:"name"`
	StandardMinutes int    `yaml:"standard_minutes"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with sp config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Sector.ID == "" {
		return fmt.Errorf("config.sector.id is required")
	}
	p := c.Generation.DefaultPriority
	if p != 0 && (p < domain.PriorityMin || p > domain.PriorityMax) {
		return fmt.Errorf("config.generation.default_priority must be in [%d,%d]", domain.PriorityMin, domain.PriorityMax)
	}
	for code, act := range c.Catalog.Activities {
		if code == "" {
			return fmt.Errorf("config.catalog.activities contains an empty code")
		}
		if act.StandardMinutes < 0 {
			return fmt.Errorf("activity %s has negative standard_minutes", code)
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// DefaultPriority returns the generation default priority, falling back to
// the domain default when unset.
func (c *Config) DefaultPriority() int {
	if c.Generation.DefaultPriority == 0 {
		return domain.PriorityDefault
	}
	return c.Generation.DefaultPriority
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "shiftplan.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(sectorID string) string {
	return fmt.Sprintf(defaultTemplate, sectorID, sectorID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a sector.
func Default(sectorID string) *Config {
	var cfg Config
	cfg.Sector.ID = sectorID
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(sectorID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `sector:
  id: %s
  name: %s

generation:
  default_priority: 3

catalog:
  activities:
    turndown:
      name: "Turndown service"
      standard_minutes: 30
    checkout_clean:
      name: "Checkout clean"
      standard_minutes: 45
    stayover_clean:
      name: "Stayover clean"
      standard_minutes: 20
    deep_clean:
      name: "Deep clean"
      standard_minutes: 90
    inspection:
      name: "Room inspection"
      standard_minutes: 10
`
