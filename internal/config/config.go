package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models leadline.yml.
type Config struct {
	Firm struct {
		Name    string   `yaml:"name" json:"name"`
		City    string   `yaml:"city" json:"city"`
		Signers []string `yaml:"signers" json:"signers"`
	} `yaml:"firm" json:"firm"`
	Search struct {
		DefaultCity        string `yaml:"default_city" json:"default_city"`
		AllowedCounts      []int  `yaml:"allowed_counts" json:"allowed_counts"`
		Model              string `yaml:"model" json:"model"`
		GoogleSearch       bool   `yaml:"google_search" json:"google_search"`
		Prompt             string `yaml:"prompt" json:"prompt"`
		ImproveInstruction string `yaml:"improve_instruction" json:"improve_instruction"`
	} `yaml:"search" json:"search"`
	Template string `yaml:"template" json:"template"`
	Export   struct {
		Strictness     string `yaml:"strictness" json:"strictness"`
		ChunkSize      int    `yaml:"chunk_size" json:"chunk_size"`
		FilenamePrefix string `yaml:"filename_prefix" json:"filename_prefix"`
	} `yaml:"export" json:"export"`
	Campaign struct {
		Subject string   `yaml:"subject" json:"subject"`
		Delay   Duration `yaml:"delay" json:"delay"`
	} `yaml:"campaign" json:"campaign"`
	Storage struct {
		Backend   string `yaml:"backend" json:"backend"`
		RedisAddr string `yaml:"redis_addr" json:"redis_addr"`
		RedisDB   int    `yaml:"redis_db" json:"redis_db"`
		KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`
	} `yaml:"storage" json:"storage"`
}

// Duration reads Go duration strings ("1s", "250ms") from YAML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

const (
	StrictnessStrict  = "strict"
	StrictnessLenient = "lenient"

	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with ll init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional falls back to the default config when the file does not exist.
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
	if strings.TrimSpace(c.Search.DefaultCity) == "" {
		return fmt.Errorf("config.search.default_city is required")
	}
	if len(c.Search.AllowedCounts) == 0 {
		return fmt.Errorf("config.search.allowed_counts is required")
	}
	for _, n := range c.Search.AllowedCounts {
		if n <= 0 {
			return fmt.Errorf("config.search.allowed_counts has non-positive value %d", n)
		}
	}
	if c.Search.Model == "" {
		return fmt.Errorf("config.search.model is required")
	}
	if !strings.Contains(c.Search.Prompt, "{{.City}}") || !strings.Contains(c.Search.Prompt, "{{.Count}}") {
		return fmt.Errorf("config.search.prompt must reference {{.City}} and {{.Count}}")
	}
	switch c.Export.Strictness {
	case StrictnessStrict, StrictnessLenient:
	default:
		return fmt.Errorf("config.export.strictness must be 'strict' or 'lenient'")
	}
	if c.Export.ChunkSize < 0 {
		return fmt.Errorf("config.export.chunk_size must be >= 0")
	}
	if c.Campaign.Delay.Duration < 0 {
		return fmt.Errorf("config.campaign.delay must be >= 0")
	}
	switch c.Storage.Backend {
	case BackendSQLite:
	case BackendRedis:
		if c.Storage.RedisAddr == "" {
			return fmt.Errorf("config.storage.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("config.storage.backend must be 'sqlite' or 'redis'")
	}
	return nil
}

// AllowsCount reports whether n is one of the configured result counts.
func (c *Config) AllowsCount(n int) bool {
	for _, allowed := range c.Search.AllowedCounts {
		if allowed == n {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "leadline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultYAML
}

// Default returns the default Config struct.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultYAML))
	if err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return cfg
}

// FromYAML parses and validates config from raw YAML bytes.
// Missing sections inherit the defaults.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultYAML), &cfg); err != nil {
		return nil, fmt.Errorf("default config yaml: %w", err)
	}
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

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.Duration.String() + `"`), nil
}
