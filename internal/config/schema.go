package config

import "time"

// Config holds spider configuration.
// Stored at: {home}/config.yaml
type Config struct {
	Spider  SpiderCfg  `mapstructure:"spider" yaml:"spider"`
	HTTP    HTTPCfg    `mapstructure:"http" yaml:"http"`
	Logging LoggingCfg `mapstructure:"logging" yaml:"logging"`
	Server  ServerCfg  `mapstructure:"server" yaml:"server"`
}

// SpiderCfg configures the per-gallery download engine.
type SpiderCfg struct {
	Workers          int           `mapstructure:"workers" yaml:"workers"`                     // Concurrent page workers (1..10)
	Preload          int           `mapstructure:"preload" yaml:"preload"`                     // Pages read ahead after a request (0..100)
	DecodeCacheSize  int           `mapstructure:"decode_cache_size" yaml:"decode_cache_size"` // Decoded images kept in memory
	DecodeCacheTTL   time.Duration `mapstructure:"decode_cache_ttl" yaml:"decode_cache_ttl"`
	DownloadOriginal bool          `mapstructure:"download_original" yaml:"download_original"` // Prefer the original-size image
}

// HTTPCfg configures the gallery host client.
type HTTPCfg struct {
	BaseURL           string        `mapstructure:"base_url" yaml:"base_url"`
	UserAgent         string        `mapstructure:"user_agent" yaml:"user_agent"`
	Timeout           time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	Burst             int           `mapstructure:"burst" yaml:"burst"`
	BreakerFailures   uint32        `mapstructure:"breaker_failures" yaml:"breaker_failures"` // Consecutive failures that open the breaker
}

// LoggingCfg configures slog output.
type LoggingCfg struct {
	Level string `mapstructure:"level" yaml:"level"` // debug, info, warn, error
	File  string `mapstructure:"file" yaml:"file"`   // JSON log file; empty logs text to stderr
}

// ServerCfg configures the HTTP API server.
type ServerCfg struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port string `mapstructure:"port" yaml:"port"`
}

// Worker and preload bounds.
const (
	MinWorkers = 1
	MaxWorkers = 10
	MaxPreload = 100
)

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Spider: SpiderCfg{
			Workers:         3,
			Preload:         5,
			DecodeCacheSize: 16,
			DecodeCacheTTL:  10 * time.Minute,
		},
		HTTP: HTTPCfg{
			BaseURL:           "https://e-hentai.org",
			UserAgent:         "spider/dev",
			Timeout:           30 * time.Second,
			RequestsPerSecond: 4,
			Burst:             4,
			BreakerFailures:   5,
		},
		Logging: LoggingCfg{
			Level: "info",
		},
		Server: ServerCfg{
			Host: "127.0.0.1",
			Port: "8080",
		},
	}
}

// Normalize clamps values to their supported ranges.
func (c *Config) Normalize() {
	c.Spider.Workers = clamp(c.Spider.Workers, MinWorkers, MaxWorkers)
	c.Spider.Preload = clamp(c.Spider.Preload, 0, MaxPreload)
	if c.Spider.DecodeCacheSize <= 0 {
		c.Spider.DecodeCacheSize = 1
	}
	if c.HTTP.Burst <= 0 {
		c.HTTP.Burst = 1
	}
}

// ServerAddr returns host:port for the API server.
func (c *Config) ServerAddr() string {
	return c.Server.Host + ":" + c.Server.Port
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
