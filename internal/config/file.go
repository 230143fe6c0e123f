// CLAUDE:SUMMARY Defines chatwatch config structs and parses YAML configuration files with defaults.
// Package config handles chatwatch configuration from YAML files.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/chatwatch/internal/extract"
	"github.com/hazyhaar/chatwatch/internal/pool"
	"github.com/hazyhaar/chatwatch/internal/presence"
)

// Config is the top-level chatwatch configuration.
type Config struct {
	Browser  BrowserConfig   `yaml:"browser"`
	Page     PageConfig      `yaml:"page"`
	Engine   EngineConfig    `yaml:"engine"`
	Pool     PoolConfig      `yaml:"pool"`
	Breaker  BreakerConfig   `yaml:"breaker"`
	Extract  ExtractConfig   `yaml:"extract"`
	Presence presence.Config `yaml:"presence"`
	Sinks    []SinkConfig    `yaml:"sinks"`
	DB       DBConfig        `yaml:"db"`
	HTTP     HTTPConfig      `yaml:"http"`
}

// BrowserConfig controls Chrome lifecycle.
type BrowserConfig struct {
	Remote           string        `yaml:"remote"`
	MemoryLimit      int64         `yaml:"memory_limit"`
	RecycleInterval  time.Duration `yaml:"recycle_interval"`
	ResourceBlocking []string      `yaml:"resource_blocking"`
	Stealth          string        `yaml:"stealth"` // headless | headful
	XvfbDisplay      string        `yaml:"xvfb_display"`
	UserDataDir      string        `yaml:"user_data_dir"`
}

// PageConfig defines the monitored page.
type PageConfig struct {
	URL          string        `yaml:"url"`
	ResyncPeriod time.Duration `yaml:"resync_period"` // layout refresh of the mirror
	LoadTimeout  time.Duration `yaml:"load_timeout"`
}

// EngineConfig holds the engine's own timers.
type EngineConfig struct {
	MetricsInterval     time.Duration `yaml:"metrics_interval"`
	DiagnosticsInterval time.Duration `yaml:"diagnostics_interval"` // minimum spacing, never below 60s
	RediscoverDelay     time.Duration `yaml:"rediscover_delay"`
	RetryDelay          time.Duration `yaml:"retry_delay"` // selector retry pause
	ProfileID           string        `yaml:"profile_id"`  // force one strategy profile
}

// PoolConfig mirrors pool.Config.
type PoolConfig struct {
	Capacity      int           `yaml:"capacity"`
	BatchDelay    time.Duration `yaml:"batch_delay"`
	ChunkSize     int           `yaml:"chunk_size"`
	Stagger       time.Duration `yaml:"stagger"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	NoIdle        bool          `yaml:"no_idle"`
}

// BreakerConfig tunes the discovery circuit breaker.
type BreakerConfig struct {
	Threshold    int           `yaml:"threshold"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// ExtractConfig mirrors extract.Config.
type ExtractConfig struct {
	CacheSize int  `yaml:"cache_size"`
	MinRunes  int  `yaml:"min_runes"`
	Markdown  bool `yaml:"markdown"`
}

// SinkConfig defines an output backend.
type SinkConfig struct {
	Type    string            `yaml:"type"` // stdout | webhook
	URL     string            `yaml:"url"`  // for webhook
	Retries int               `yaml:"retries"`
	Headers map[string]string `yaml:"headers"`
}

// HTTPConfig controls the control API of the chatwatch command. An empty
// Addr disables it.
type HTTPConfig struct {
	Addr      string  `yaml:"addr"`
	RateLimit float64 `yaml:"rate_limit"` // requests per second per client
	Burst     int     `yaml:"burst"`
	MCP       bool    `yaml:"mcp"` // serve MCP tools under /mcp
}

// DBConfig locates the SQLite database. An empty path disables
// persistence: weights live in memory and metrics are not stored.
type DBConfig struct {
	Path             string        `yaml:"path"`
	MetricsRetention time.Duration `yaml:"metrics_retention"`
	HistoryRetention time.Duration `yaml:"history_retention"`
	WatchInterval    time.Duration `yaml:"watch_interval"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	cfg.Presence = presence.DefaultConfig()
	cfg.applyDefaults()
	return &cfg
}

// LoadFile reads a YAML configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML configuration and applies defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Config{Presence: presence.DefaultConfig()}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports settings no default can repair.
func (c *Config) Validate() error {
	switch c.Browser.Stealth {
	case "headless", "headful":
	default:
		return fmt.Errorf("config: browser.stealth %q: want headless or headful", c.Browser.Stealth)
	}
	for i, s := range c.Sinks {
		switch s.Type {
		case "stdout":
		case "webhook":
			if s.URL == "" {
				return fmt.Errorf("config: sinks[%d]: webhook without url", i)
			}
		default:
			return fmt.Errorf("config: sinks[%d]: unknown type %q", i, s.Type)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Browser.MemoryLimit <= 0 {
		c.Browser.MemoryLimit = 1 << 30
	}
	if c.Browser.RecycleInterval <= 0 {
		c.Browser.RecycleInterval = 4 * time.Hour
	}
	if c.Browser.XvfbDisplay == "" {
		c.Browser.XvfbDisplay = ":99"
	}
	if c.Browser.Stealth == "" {
		c.Browser.Stealth = "headless"
	}
	if c.Page.ResyncPeriod <= 0 {
		c.Page.ResyncPeriod = 2 * time.Second
	}
	if c.Page.LoadTimeout <= 0 {
		c.Page.LoadTimeout = 30 * time.Second
	}
	if c.Engine.MetricsInterval <= 0 {
		c.Engine.MetricsInterval = 30 * time.Second
	}
	if c.Engine.DiagnosticsInterval < time.Minute {
		c.Engine.DiagnosticsInterval = time.Minute
	}
	if c.Engine.RediscoverDelay <= 0 {
		c.Engine.RediscoverDelay = 5 * time.Second
	}
	if c.Engine.RetryDelay <= 0 {
		c.Engine.RetryDelay = 1500 * time.Millisecond
	}
	if c.Breaker.Threshold <= 0 {
		c.Breaker.Threshold = 3
	}
	if c.Breaker.ResetTimeout <= 0 {
		c.Breaker.ResetTimeout = 30 * time.Second
	}
	if c.Breaker.HalfOpenMax <= 0 {
		c.Breaker.HalfOpenMax = 1
	}
	if c.Extract.CacheSize <= 0 {
		c.Extract.CacheSize = 1000
	}
	if c.Extract.MinRunes <= 0 {
		c.Extract.MinRunes = 2
	}
	if len(c.Sinks) == 0 {
		c.Sinks = []SinkConfig{{Type: "stdout"}}
	}
	for i := range c.Sinks {
		if c.Sinks[i].Type == "webhook" && c.Sinks[i].Retries <= 0 {
			c.Sinks[i].Retries = 3
		}
	}
	if c.DB.MetricsRetention <= 0 {
		c.DB.MetricsRetention = 7 * 24 * time.Hour
	}
	if c.DB.HistoryRetention <= 0 {
		c.DB.HistoryRetention = 30 * 24 * time.Hour
	}
	if c.DB.WatchInterval <= 0 {
		c.DB.WatchInterval = 2 * time.Second
	}
	if c.HTTP.RateLimit <= 0 {
		c.HTTP.RateLimit = 10
	}
	if c.HTTP.Burst <= 0 {
		c.HTTP.Burst = 20
	}
	c.Presence.ApplyDefaults()
}

// PoolOptions converts the section for pool.New. Zero values keep the
// pool's own defaults.
func (p PoolConfig) PoolOptions() pool.Config {
	return pool.Config{
		Capacity:      p.Capacity,
		BatchDelay:    p.BatchDelay,
		ChunkSize:     p.ChunkSize,
		Stagger:       p.Stagger,
		SweepInterval: p.SweepInterval,
		NoIdle:        p.NoIdle,
	}
}

// PipelineOptions converts the section for extract.New.
func (e ExtractConfig) PipelineOptions() extract.Config {
	return extract.Config{
		CacheSize: e.CacheSize,
		MinRunes:  e.MinRunes,
		Markdown:  e.Markdown,
	}
}
