package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"pactline/internal/domain"
)

// Config models pactline.yml: per-organisation policy data layered on
// top of the built-in permission matrix and signing sides.
type Config struct {
	Organisation struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"organisation"`
	Defaults struct {
		Currency string `yaml:"currency"`
	} `yaml:"defaults"`
	Access struct {
		// Overrides replace the allowed-role set for (entity, action)
		// cells of the permission matrix. Keys must name known
		// entities, actions, and roles.
		Overrides map[string]map[string][]string `yaml:"overrides"`
	} `yaml:"access"`
	Signing struct {
		// Sides replaces the signing role groups for an entity kind.
		Sides map[string]SideConfig `yaml:"sides"`
	} `yaml:"signing"`
	Notifications struct {
		Sinks []SinkConfig `yaml:"sinks"`
	} `yaml:"notifications"`
}

type SideConfig struct {
	Supplier []string `yaml:"supplier"`
	Customer []string `yaml:"customer"`
}

type SinkConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

var knownRoles = map[string]bool{
	domain.RoleAdmin:           true,
	domain.RoleSupplierPM:      true,
	domain.RoleSupplierFinance: true,
	domain.RoleCustomerPM:      true,
	domain.RoleCustomerFinance: true,
	domain.RoleContributor:     true,
	domain.RoleViewer:          true,
}

// Validate checks structural requirements. Entity and action names in
// access overrides are validated where the matrix is built, so the
// action vocabulary has a single owner.
func (c *Config) Validate() error {
	if c.Organisation.ID == "" {
		return fmt.Errorf("config.organisation.id is required")
	}
	for entity, actions := range c.Access.Overrides {
		if entity == "" {
			return fmt.Errorf("config.access.overrides contains empty entity kind")
		}
		for action, roles := range actions {
			if action == "" {
				return fmt.Errorf("config.access.overrides.%s contains empty action", entity)
			}
			for _, role := range roles {
				if !knownRoles[role] {
					return fmt.Errorf("config.access.overrides.%s.%s references unknown role %s", entity, action, role)
				}
			}
		}
	}
	for kind, side := range c.Signing.Sides {
		if kind == "" {
			return fmt.Errorf("config.signing.sides contains empty entity kind")
		}
		if len(side.Supplier) == 0 || len(side.Customer) == 0 {
			return fmt.Errorf("config.signing.sides.%s must name both supplier and customer role groups", kind)
		}
		for _, role := range append(append([]string{}, side.Supplier...), side.Customer...) {
			if !knownRoles[role] {
				return fmt.Errorf("config.signing.sides.%s references unknown role %s", kind, role)
			}
		}
	}
	for i, sink := range c.Notifications.Sinks {
		if sink.URL == "" {
			return fmt.Errorf("config.notifications.sinks[%d] missing url", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "pactline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(orgID string) string {
	return fmt.Sprintf(defaultTemplate, orgID)
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

// Default returns the default Config for an organisation.
func Default(orgID string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(fmt.Sprintf(defaultTemplate, orgID)), &cfg)
	cfg.Organisation.ID = orgID
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

// ToYAML serializes the config for storage.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `organisation:
  id: %s
  name: ""

defaults:
  currency: GBP

# access.overrides replaces permission matrix cells per entity/action.
# Example:
#   access:
#     overrides:
#       milestone:
#         edit: [admin, supplier_pm, contributor]

# signing.sides replaces the signer role groups per entity kind.
# Example:
#   signing:
#     sides:
#       variation:
#         supplier: [supplier_pm, supplier_finance]
#         customer: [customer_pm, customer_finance]

# notifications.sinks receive committed audit events over HTTP.
# Example:
#   notifications:
#     sinks:
#       - url: https://example.com/hooks/pactline
#         events: [variation.applied, milestone.locked]
#         secret: change-me
#         timeout_seconds: 5
`
