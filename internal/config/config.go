package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models planline.yml.
type Config struct {
	Server struct {
		BasePath string `yaml:"base_path"`
		Listen   string `yaml:"listen"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret             string `yaml:"jwt_secret"`
		AllowLegacyUserHeader bool   `yaml:"allow_legacy_user_header"`
	} `yaml:"auth"`
	Plan struct {
		Template []TemplateTask `yaml:"template"`
	} `yaml:"plan"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// TemplateTask is one entry of the default action plan template. OffsetDays
// is added to the opportunity's subscription start to derive the due date.
type TemplateTask struct {
	Name       string `yaml:"name"`
	OffsetDays int    `yaml:"offset_days"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found", path)
		}
		return nil, err
	}
	return FromYAML(data)
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

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Plan.Template) == 0 {
		return fmt.Errorf("config.plan.template is required")
	}
	seen := map[string]bool{}
	for i, task := range c.Plan.Template {
		if task.Name == "" {
			return fmt.Errorf("plan template entry %d has empty name", i)
		}
		if task.OffsetDays < 0 {
			return fmt.Errorf("plan template %q has negative offset_days", task.Name)
		}
		if seen[task.Name] {
			return fmt.Errorf("plan template %q appears twice", task.Name)
		}
		seen[task.Name] = true
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("webhook %s has negative timeout_seconds", hook.URL)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "planline.yml")
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
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

const defaultTemplate = `server:
  base_path: /v0
  listen: 127.0.0.1:8484

auth:
  jwt_secret: ""
  allow_legacy_user_header: true

plan:
  template:
    - name: "Schedule services kickoff call"
      offset_days: 0
    - name: "Confirm scope and success criteria"
      offset_days: 7
    - name: "Draft services proposal"
      offset_days: 14
    - name: "Review proposal with account team"
      offset_days: 21
    - name: "Present proposal to customer"
      offset_days: 28

webhooks: []
`
