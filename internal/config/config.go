package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// DefaultProofWindow is the proof freshness window applied when the
// config does not set one.
const DefaultProofWindow = 5 * time.Minute

// Config models passbook.yml.
type Config struct {
	Event struct {
		ID          string `yaml:"id"`
		Name        string `yaml:"name"`
		Description string `yaml:"description"`
	} `yaml:"event"`
	Proof struct {
		WindowSeconds int `yaml:"window_seconds"`
	} `yaml:"proof"`
	Defaults struct {
		DurationHours int    `yaml:"duration_hours"`
		Verifier      string `yaml:"verifier"`
	} `yaml:"defaults"`
	Webhooks []Webhook `yaml:"webhooks"`
}

// Webhook is one outgoing notification subscription.
type Webhook struct {
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Types  []string `yaml:"types"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with pp config init", path)
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
	if c.Proof.WindowSeconds < 0 {
		return fmt.Errorf("config.proof.window_seconds must not be negative")
	}
	if c.Defaults.DurationHours < 0 {
		return fmt.Errorf("config.defaults.duration_hours must not be negative")
	}
	if c.Defaults.Verifier != "" && !common.IsHexAddress(c.Defaults.Verifier) {
		return fmt.Errorf("config.defaults.verifier is not a hex address")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// ProofWindow returns the configured freshness window or the default.
func (c *Config) ProofWindow() time.Duration {
	if c != nil && c.Proof.WindowSeconds > 0 {
		return time.Duration(c.Proof.WindowSeconds) * time.Second
	}
	return DefaultProofWindow
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "passbook.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(eventName string) string {
	return fmt.Sprintf(defaultTemplate, eventName)
}

// Default returns the default Config struct for an event.
func Default(eventName string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(fmt.Sprintf(defaultTemplate, eventName)), &cfg)
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

const defaultTemplate = `event:
  name: %s

proof:
  window_seconds: 300

defaults:
  duration_hours: 720
`
