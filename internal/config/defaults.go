package config

import (
	"errors"
	"fmt"
	"unicode"
)

// ErrNoDefault is returned when no default value exists for a config key.
var ErrNoDefault = errors.New("no default exists")

// ErrInvalidKey is returned when a config key contains invalid characters.
var ErrInvalidKey = errors.New("invalid config key")

// Entry describes a single configuration key and its default.
type Entry struct {
	Key         string `json:"key" yaml:"key"`
	Value       any    `json:"value" yaml:"value"`
	Description string `json:"description" yaml:"description"`
}

// DefaultEntries returns every known configuration key with its default value.
// These are registered as viper defaults.
func DefaultEntries() []Entry {
	d := DefaultConfig()
	return []Entry{
		// ===================
		// Spider
		// ===================
		{
			Key:         "spider.workers",
			Value:       d.Spider.Workers,
			Description: "Concurrent page workers per gallery (1-10)",
		},
		{
			Key:         "spider.preload",
			Value:       d.Spider.Preload,
			Description: "Pages to read ahead after an on-demand request (0-100)",
		},
		{
			Key:         "spider.decode_cache_size",
			Value:       d.Spider.DecodeCacheSize,
			Description: "Decoded images kept in memory per gallery",
		},
		{
			Key:         "spider.decode_cache_ttl",
			Value:       d.Spider.DecodeCacheTTL.String(),
			Description: "How long a decoded image stays cached",
		},
		{
			Key:         "spider.download_original",
			Value:       d.Spider.DownloadOriginal,
			Description: "Download the original image when the page offers one",
		},

		// ===================
		// HTTP
		// ===================
		{
			Key:         "http.base_url",
			Value:       d.HTTP.BaseURL,
			Description: "Gallery host base URL",
		},
		{
			Key:         "http.user_agent",
			Value:       d.HTTP.UserAgent,
			Description: "User-Agent header sent to the gallery host",
		},
		{
			Key:         "http.timeout",
			Value:       d.HTTP.Timeout.String(),
			Description: "Per-request transport timeout",
		},
		{
			Key:         "http.requests_per_second",
			Value:       d.HTTP.RequestsPerSecond,
			Description: "Rate limit in requests per second to the gallery host",
		},
		{
			Key:         "http.burst",
			Value:       d.HTTP.Burst,
			Description: "Rate limiter burst size",
		},
		{
			Key:         "http.breaker_failures",
			Value:       d.HTTP.BreakerFailures,
			Description: "Consecutive failures before the circuit breaker opens",
		},

		// ===================
		// Logging / Server
		// ===================
		{
			Key:         "logging.level",
			Value:       d.Logging.Level,
			Description: "Log level (debug, info, warn, error)",
		},
		{
			Key:         "logging.file",
			Value:       d.Logging.File,
			Description: "JSON log file path; empty logs text to stderr",
		},
		{
			Key:         "server.host",
			Value:       d.Server.Host,
			Description: "API server bind host",
		},
		{
			Key:         "server.port",
			Value:       d.Server.Port,
			Description: "API server bind port",
		},
	}
}

// GetDefault returns the default entry for a config key.
// Returns nil if no default exists for the key.
func GetDefault(key string) *Entry {
	for _, entry := range DefaultEntries() {
		if entry.Key == key {
			return &entry
		}
	}
	return nil
}

// LookupDefault is GetDefault with key validation and an error for unknown keys.
func LookupDefault(key string) (*Entry, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	def := GetDefault(key)
	if def == nil {
		return nil, fmt.Errorf("%w for key %q", ErrNoDefault, key)
	}
	return def, nil
}

// ValidateKey checks if a config key contains only allowed characters.
// Valid keys contain: letters, digits, dots, underscores, and hyphens.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: key cannot be empty", ErrInvalidKey)
	}
	for i, r := range key {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '.' && r != '_' && r != '-' {
			return fmt.Errorf("%w: invalid character %q at position %d", ErrInvalidKey, r, i)
		}
	}
	// Don't allow keys starting or ending with dots
	if key[0] == '.' || key[len(key)-1] == '.' {
		return fmt.Errorf("%w: key cannot start or end with a dot", ErrInvalidKey)
	}
	return nil
}
