package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models opsgate.yml.
type Config struct {
	Service struct {
		Name string `yaml:"name"`
	} `yaml:"service"`
	Confirm struct {
		TokenTTLMinutes int `yaml:"token_ttl_minutes"`
	} `yaml:"confirm"`
	Commission struct {
		MinBps int `yaml:"min_bps"`
		MaxBps int `yaml:"max_bps"`
	} `yaml:"commission"`
	Broadcast struct {
		Segments []string `yaml:"segments"`
	} `yaml:"broadcast"`
	Audit struct {
		Sinks []AuditSink `yaml:"sinks"`
	} `yaml:"audit"`
}

// AuditSink is a best-effort webhook target for audit entries.
type AuditSink struct {
	URL            string `yaml:"url"`
	Secret         string `yaml:"secret,omitempty"`
	TimeoutSeconds int    `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool  `yaml:"enabled,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run og init or provide opsgate.yml", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Service.Name == "" {
		return fmt.Errorf("config.service.name is required")
	}
	if c.Confirm.TokenTTLMinutes <= 0 {
		return fmt.Errorf("config.confirm.token_ttl_minutes must be positive")
	}
	if c.Commission.MinBps < 0 {
		return fmt.Errorf("config.commission.min_bps must not be negative")
	}
	if c.Commission.MaxBps <= c.Commission.MinBps {
		return fmt.Errorf("config.commission.max_bps must exceed min_bps")
	}
	if len(c.Broadcast.Segments) == 0 {
		return fmt.Errorf("config.broadcast.segments is required")
	}
	for _, s := range c.Broadcast.Segments {
		if s == "" {
			return fmt.Errorf("config.broadcast.segments contains empty segment")
		}
	}
	for i, sink := range c.Audit.Sinks {
		if sink.URL == "" {
			return fmt.Errorf("audit sink %d has empty url", i)
		}
	}
	return nil
}

// SigningSecret resolves the confirm-token secret: the dedicated secret wins,
// the shared application secret is the fallback. Construction of the token
// service must fail when both are empty; this function reports that condition.
func SigningSecret(confirmSecret, appSecret string) (string, error) {
	if confirmSecret != "" {
		return confirmSecret, nil
	}
	if appSecret != "" {
		return appSecret, nil
	}
	return "", errors.New("no signing secret configured: set OPSGATE_CONFIRM_SECRET or OPSGATE_APP_SECRET")
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "opsgate.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
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

const defaultTemplate = `service:
  name: opsgate

confirm:
  # Fixed by policy; callers cannot request an extension.
  token_ttl_minutes: 30

commission:
  min_bps: 0
  max_bps: 3000

broadcast:
  segments: [customer, provider, admin]

audit:
  sinks: []
`
