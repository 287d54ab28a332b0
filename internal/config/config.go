// Package config loads the daemon configuration from a YAML file, with
// environment overrides for secrets.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the full daemon configuration.
type Config struct {
	LogLevel string       `yaml:"log_level"`
	Store    StoreConfig  `yaml:"store"`
	Render   RenderConfig `yaml:"render"`
	Redis    RedisConfig  `yaml:"redis"`

	// NotifyWebhookURL receives admin failure notifications. Empty disables
	// them.
	NotifyWebhookURL string `yaml:"notify_webhook_url"`
}

// StoreConfig selects the job-state backend.
type StoreConfig struct {
	// Backend is one of memory, sqlite, mysql, postgres.
	Backend string `yaml:"backend"`

	// DSN is the connection string (or file path for sqlite). The
	// PIPELINE_DB_DSN environment variable overrides it.
	DSN string `yaml:"dsn"`
}

// RenderConfig selects and parameterizes the render dispatch mode.
type RenderConfig struct {
	// Mode is one of sync, async, pool, single_job, cloud.
	Mode string `yaml:"mode"`

	Workers []WorkerConfig `yaml:"workers"`

	ConcatURL    string `yaml:"concat_url"`
	SignEndpoint string `yaml:"sign_endpoint"`
	WebhookURL   string `yaml:"webhook_url"`
	CloudFuncURL string `yaml:"cloud_func_url"`

	// CDNHost is the blob-store hostname whose signed URLs get renewed
	// before dispatch.
	CDNHost string `yaml:"cdn_host"`

	StructuredUploads bool `yaml:"structured_uploads"`
	RotationOffset    int  `yaml:"rotation_offset"`
}

// WorkerConfig names one render worker.
type WorkerConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// RedisConfig enables progress fan-out over Redis pub/sub when Addr is set.
type RedisConfig struct {
	Addr          string `yaml:"addr"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

// Load reads and validates the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if dsn := os.Getenv("PIPELINE_DB_DSN"); dsn != "" {
		cfg.Store.DSN = dsn
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "memory"
	}
	if c.Render.Mode == "" {
		c.Render.Mode = "sync"
	}
	if c.Redis.ChannelPrefix == "" {
		c.Redis.ChannelPrefix = "pipeline:progress"
	}
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case "memory":
	case "sqlite", "mysql", "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store backend %q requires a dsn", c.Store.Backend)
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	switch c.Render.Mode {
	case "sync", "async", "single_job":
		// Workers may be empty for inspection-only deployments; dispatch
		// reports the missing pool at runtime.
	case "pool":
		if len(c.Render.Workers) == 0 {
			return fmt.Errorf("render mode pool requires workers")
		}
		if c.Render.ConcatURL == "" {
			return fmt.Errorf("render mode pool requires concat_url")
		}
	case "cloud":
		if c.Render.CloudFuncURL == "" {
			return fmt.Errorf("render mode cloud requires cloud_func_url")
		}
	default:
		return fmt.Errorf("unknown render mode %q", c.Render.Mode)
	}
	return nil
}
