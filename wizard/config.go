package wizard

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/sitefinder/artifact"
	"github.com/hazyhaar/sitefinder/jobrun"
	"github.com/hazyhaar/sitefinder/shield"
)

// Config is the service configuration, loaded from YAML.
type Config struct {
	Listen       string `yaml:"listen"`
	DBPath       string `yaml:"db_path"`
	ArtifactRoot string `yaml:"artifact_root"` // pipeline outputs must stay under it; empty disables the check
	LogLevel     string `yaml:"log_level"`

	Stages map[string]jobrun.Stage `yaml:"stages"`
	Wait   WaitConfig              `yaml:"wait"`
	Views  ViewConfig              `yaml:"views"`
	Limits LimitsConfig            `yaml:"limits"`
	MCP    MCPConfig               `yaml:"mcp"`
}

// WaitConfig bounds the artifact wait. Attempts are Timeout / Interval.
type WaitConfig struct {
	Timeout  time.Duration `yaml:"timeout"`
	Interval time.Duration `yaml:"interval"`
	Watch    bool          `yaml:"watch"` // wake on fsnotify events
}

// ViewConfig controls result view lifetime.
type ViewConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	MaxDocument   int64         `yaml:"max_document"`
}

// LimitsConfig holds per-endpoint request limits, seeded into rate_limits.
type LimitsConfig struct {
	MaxFormBody int64       `yaml:"max_form_body"`
	Rate        []RateLimit `yaml:"rate"`

	// TrustedProxies are the addresses or CIDRs whose X-Forwarded-For names
	// the client. Empty keys every limit on the peer address.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// RateLimit is one rate_limits row.
type RateLimit struct {
	Endpoint      string `yaml:"endpoint"`
	MaxRequests   int    `yaml:"max_requests"`
	WindowSeconds int    `yaml:"window_seconds"`
}

// MCPConfig toggles the MCP endpoint.
type MCPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Policy returns the artifact wait policy.
func (w WaitConfig) Policy() artifact.Policy {
	return artifact.PolicyFor(w.Timeout, w.Interval)
}

// LoadConfigFile reads path and applies defaults.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("wizard: read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML and applies defaults. Stage entries override the
// defaults one by one.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("wizard: parse config: %w", err)
	}
	cfg.defaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfig returns the configuration used without a file.
func DefaultConfig() *Config {
	var cfg Config
	cfg.defaults()
	return &cfg
}

func (c *Config) defaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.DBPath == "" {
		c.DBPath = "data/sitefinder.db"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	stages := jobrun.DefaultStages()
	for name, st := range c.Stages {
		stages[name] = st
	}
	c.Stages = stages

	if c.Wait.Interval <= 0 {
		c.Wait.Interval = 100 * time.Millisecond
	}
	if c.Wait.Timeout <= 0 {
		c.Wait.Timeout = 10 * time.Second
	}
	if c.Views.TTL <= 0 {
		c.Views.TTL = time.Hour
	}
	if c.Views.SweepInterval <= 0 {
		c.Views.SweepInterval = 5 * time.Minute
	}
	if c.Views.MaxDocument <= 0 {
		c.Views.MaxDocument = 16 << 20
	}
	if c.Limits.MaxFormBody <= 0 {
		c.Limits.MaxFormBody = 64 * 1024
	}
	if c.Limits.Rate == nil {
		c.Limits.Rate = []RateLimit{
			{Endpoint: "POST /transcripts", MaxRequests: 30, WindowSeconds: 60},
			{Endpoint: "POST /results", MaxRequests: 10, WindowSeconds: 60},
		}
	}
	if c.MCP.Path == "" {
		c.MCP.Path = "/mcp"
	}
}

func (c *Config) validate() error {
	for _, name := range []string{jobrun.StageTranscripts, jobrun.StageSites} {
		if c.Stages[name].Command == "" {
			return fmt.Errorf("wizard: stage %q has no command", name)
		}
	}
	if c.Wait.Timeout < c.Wait.Interval {
		return fmt.Errorf("wizard: wait.timeout %s is shorter than wait.interval %s", c.Wait.Timeout, c.Wait.Interval)
	}
	if _, err := shield.ParseTrustedProxies(c.Limits.TrustedProxies); err != nil {
		return fmt.Errorf("wizard: limits.trusted_proxies: %w", err)
	}
	return nil
}
