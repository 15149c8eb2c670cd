package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents runtime configuration for the rampindex service.
type Config struct {
	ListenAddress  string        `yaml:"listenAddress"`
	DatabaseURL    string        `yaml:"databaseURL"`
	NodeURL        string        `yaml:"nodeURL"`
	PollInterval   time.Duration `yaml:"pollInterval"`
	BatchSize      int           `yaml:"batchSize"`
	CheckpointPath string        `yaml:"checkpointPath"`
	ExportDir      string        `yaml:"exportDir"`
	JWTSecret      string        `yaml:"jwtSecret"`
	RateLimitRPS   float64       `yaml:"rateLimitRPS"`
	RateLimitBurst int           `yaml:"rateLimitBurst"`
	Environment    string        `yaml:"environment"`
}

// Load reads the YAML configuration at path and applies defaults. A missing
// file yields the defaults alone.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("rampindex config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("rampindex config: parse %s: %w", path, err)
		}
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = ":8680"
	}
	if strings.TrimSpace(c.NodeURL) == "" {
		c.NodeURL = "http://localhost:8672"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 200
	}
	if strings.TrimSpace(c.CheckpointPath) == "" {
		c.CheckpointPath = "./rampindex-checkpoint.db"
	}
	if strings.TrimSpace(c.ExportDir) == "" {
		c.ExportDir = "./exports"
	}
	if c.RateLimitRPS <= 0 {
		c.RateLimitRPS = 20
	}
	if c.RateLimitBurst <= 0 {
		c.RateLimitBurst = 40
	}
	if secret := strings.TrimSpace(os.Getenv("RAMPINDEX_JWT_SECRET")); secret != "" {
		c.JWTSecret = secret
	}
	if strings.TrimSpace(c.Environment) == "" {
		c.Environment = "local"
	}
}

func (c *Config) validate() error {
	if c.BatchSize > 1000 {
		return fmt.Errorf("rampindex config: batchSize %d exceeds maximum 1000", c.BatchSize)
	}
	return nil
}
