package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"milestoneline/internal/domain"
)

// Config models milestoneline.yml.
type Config struct {
	// Timezone decides which calendar day "today" is. Empty or "Local" uses the process zone.
	Timezone string `yaml:"timezone"`
	Log      struct {
		Mode string `yaml:"mode"`
	} `yaml:"log"`
	Capture struct {
		Interval string `yaml:"interval"`
		OnStart  bool   `yaml:"on_start"`
	} `yaml:"capture"`
	Initiatives struct {
		Types []string `yaml:"types"`
	} `yaml:"initiatives"`
	Milestones struct {
		Catalog []string `yaml:"catalog"`
	} `yaml:"milestones"`
	Events struct {
		NATSURL string `yaml:"nats_url"`
	} `yaml:"events"`
	Export ExportConfig `yaml:"export"`
}

type ExportConfig struct {
	Interval string   `yaml:"interval"`
	File     string   `yaml:"file"`
	S3       S3Config `yaml:"s3"`
}

type S3Config struct {
	Bucket   string `yaml:"bucket"`
	Key      string `yaml:"key"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.Capture.Interval == "" {
		return fmt.Errorf("config.capture.interval is required")
	}
	interval, err := time.ParseDuration(c.Capture.Interval)
	if err != nil {
		return fmt.Errorf("config.capture.interval: %w", err)
	}
	if interval < time.Minute {
		return fmt.Errorf("config.capture.interval must be at least 1m")
	}
	if len(c.Initiatives.Types) == 0 {
		return fmt.Errorf("config.initiatives.types is required")
	}
	for _, t := range c.Initiatives.Types {
		if !domain.InitiativeType(t).Valid() {
			return fmt.Errorf("config.initiatives.types contains unknown type %s", t)
		}
	}
	seen := map[string]bool{}
	for _, m := range c.Milestones.Catalog {
		name := strings.TrimSpace(m)
		if name == "" {
			return fmt.Errorf("config.milestones.catalog contains an empty milestone")
		}
		if seen[name] {
			return fmt.Errorf("config.milestones.catalog lists %s twice", name)
		}
		seen[name] = true
	}
	if c.Export.Interval != "" {
		if _, err := time.ParseDuration(c.Export.Interval); err != nil {
			return fmt.Errorf("config.export.interval: %w", err)
		}
	}
	if c.Export.S3.Bucket != "" && c.Export.S3.Key == "" {
		return fmt.Errorf("config.export.s3.key is required when a bucket is set")
	}
	return nil
}

// Location resolves Timezone.
func (c *Config) Location() (*time.Location, error) {
	switch c.Timezone {
	case "", "Local":
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("config.timezone: %w", err)
	}
	return loc, nil
}

// CaptureInterval returns the parsed capture interval; call Validate first.
func (c *Config) CaptureInterval() time.Duration {
	d, err := time.ParseDuration(c.Capture.Interval)
	if err != nil {
		return 24 * time.Hour
	}
	return d
}

// ExportInterval returns the periodic export interval, zero when disabled.
func (c *Config) ExportInterval() time.Duration {
	if c.Export.Interval == "" {
		return 0
	}
	d, _ := time.ParseDuration(c.Export.Interval)
	return d
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "milestoneline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with ml config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault returns the workspace config, or the default one when the
// file does not exist.
func LoadOrDefault(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
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

const defaultTemplate = `timezone: Local

log:
  mode: development

capture:
  # One snapshot of every initiative per calendar day.
  interval: 24h
  on_start: true

initiatives:
  types: [Project, CR]

milestones:
  catalog:
    - Planning
    - Design
    - Development
    - Testing
    - UAT
    - Live
    - Closed

events:
  nats_url: ""

export:
  interval: ""
  file: ""
  s3:
    bucket: ""
    key: milestoneline/snapshots.jsonl
    region: us-east-1
    endpoint: ""
`
