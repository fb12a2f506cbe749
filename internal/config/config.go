package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models warkah.yml.
type Config struct {
	Service struct {
		Name   string `yaml:"name"`
		Listen string `yaml:"listen"`
		Debug  bool   `yaml:"debug"`
	} `yaml:"service"`
	Batch struct {
		// Template composes the human-readable batch identifier from
		// the yearly sequence number and the year, in that order.
		Template string `yaml:"template"`
	} `yaml:"batch"`
	Auth struct {
		JWTSecret              string `yaml:"jwt_secret"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
	} `yaml:"auth"`
}

// Load reads and validates config from the workspace, falling back to
// defaults when the file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Service.Name == "" {
		return fmt.Errorf("config.service.name is required")
	}
	if c.Service.Listen == "" {
		return fmt.Errorf("config.service.listen is required")
	}
	tmpl := c.Batch.Template
	if tmpl == "" {
		return fmt.Errorf("config.batch.template is required")
	}
	if strings.Count(tmpl, "%") != 2 {
		return fmt.Errorf("config.batch.template must reference sequence and year exactly once")
	}
	return nil
}

// BatchID composes the batch identifier for a sequence/year pair.
func (c *Config) BatchID(seq, year int) string {
	return fmt.Sprintf(c.Batch.Template, seq, year)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "warkah.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	cfg.Service.Name = "warkah"
	cfg.Service.Listen = "127.0.0.1:8316"
	cfg.Batch.Template = "BA-%03d/ARSIP/%d"
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return `service:
  name: warkah
  listen: 127.0.0.1:8316
  debug: false

batch:
  template: "BA-%03d/ARSIP/%d"

auth:
  jwt_secret: ""
  allow_legacy_actor_header: true
`
}
