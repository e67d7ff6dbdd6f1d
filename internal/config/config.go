package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models fleetline.yml.
type Config struct {
	Fleet struct {
		ID string `yaml:"id"`
	} `yaml:"fleet"`
	Limits struct {
		// FullQuery caps the all-jobs live query for Full-tier actors.
		FullQuery int `yaml:"full_query"`
		// DriverQuery caps the per-driver and unallocated live queries.
		DriverQuery int `yaml:"driver_query"`
	} `yaml:"limits"`
	RBAC struct {
		Roles map[string]Role `yaml:"roles"`
	} `yaml:"rbac"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

type Role struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

// WebhookConfig describes an outbound event delivery target.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with fl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default("default-fleet"), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Fleet.ID == "" {
		return fmt.Errorf("config.fleet.id is required")
	}
	if c.Limits.FullQuery <= 0 {
		return fmt.Errorf("config.limits.full_query must be positive")
	}
	if c.Limits.DriverQuery <= 0 {
		return fmt.Errorf("config.limits.driver_query must be positive")
	}
	for roleID, role := range c.RBAC.Roles {
		if roleID == "" {
			return fmt.Errorf("config.rbac.roles contains empty role id")
		}
		for _, perm := range role.Permissions {
			if perm == "" {
				return fmt.Errorf("role %s has empty permission id", roleID)
			}
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// RolePermissions flattens the permission lists for the given role names.
func (c *Config) RolePermissions(roles []string) []string {
	seen := map[string]bool{}
	var perms []string
	for _, role := range roles {
		def, ok := c.RBAC.Roles[role]
		if !ok {
			continue
		}
		for _, p := range def.Permissions {
			if !seen[p] {
				seen[p] = true
				perms = append(perms, p)
			}
		}
	}
	return perms
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "fleetline.yml")
}

// Default returns the default Config struct for a fleet.
func Default(fleetID string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(fmt.Sprintf(defaultTemplate, fleetID)), &cfg)
	cfg.Fleet.ID = fleetID
	return &cfg
}

// GenerateDefault returns the default config YAML.
func GenerateDefault(fleetID string) string {
	return fmt.Sprintf(defaultTemplate, fleetID)
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

const defaultTemplate = `fleet:
  id: %s

limits:
  full_query: 100
  driver_query: 50

rbac:
  roles:
    admin:
      description: "Back-office administrator"
      permissions: [admin]
    dispatcher:
      description: "Allocates and edits jobs"
      permissions: [jobs.view.all, jobs.allocate, jobs.create, jobs.edit]
    driver:
      description: "Sees and progresses own jobs"
      permissions: []
    driver-pool:
      description: "Driver who may also pick from the unallocated pool"
      permissions: [jobs.view.unallocated]
`
