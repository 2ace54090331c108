// Package config provides configuration file support for the procsi daemon.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Defaults for every configuration key.
const (
	DefaultMaxStoredRequests = 10_000
	DefaultMaxBodySize       = 10 * 1024 * 1024
	DefaultMaxLogSize        = 10 * 1024 * 1024
	DefaultPollIntervalMS    = 2_000
	DefaultMatchTimeoutMS    = 250
	DefaultHandlerTimeoutMS  = 30_000
	DefaultLeafCertCache     = 512
	DefaultEventLogCapacity  = 5_000
)

// Auth modes for proxied requests.
const (
	AuthRequired = "required"
	AuthOptional = "optional"
)

// Config represents the daemon configuration file.
type Config struct {
	// MaxStoredRequests is the retention bound for non-saved rows.
	MaxStoredRequests int `json:"max_stored_requests"`
	// MaxBodySize is the per-direction body cap in bytes.
	MaxBodySize int64 `json:"max_body_size"`
	// MaxLogSize is the log rotation threshold in bytes.
	MaxLogSize int64 `json:"max_log_size"`
	// PollIntervalMS is an external poller hint, not enforced by the daemon.
	PollIntervalMS int `json:"poll_interval"`
	// MatchTimeoutMS is the interceptor match predicate deadline.
	MatchTimeoutMS int `json:"match_timeout_ms"`
	// HandlerTimeoutMS is the interceptor handler deadline.
	HandlerTimeoutMS int `json:"handler_timeout_ms"`
	// LeafCertCache is the maximum number of cached leaf certificates.
	LeafCertCache int `json:"leaf_cert_cache"`
	// EventLogCapacity bounds the interceptor event ring log.
	EventLogCapacity int `json:"event_log_capacity"`
	// AuthMode is "required" or "optional" session authentication.
	AuthMode string `json:"auth_mode"`
	// MetricsAddr is an optional loopback address for the Prometheus
	// endpoint. Empty disables it.
	MetricsAddr string `json:"metrics_addr"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		MaxStoredRequests: DefaultMaxStoredRequests,
		MaxBodySize:       DefaultMaxBodySize,
		MaxLogSize:        DefaultMaxLogSize,
		PollIntervalMS:    DefaultPollIntervalMS,
		MatchTimeoutMS:    DefaultMatchTimeoutMS,
		HandlerTimeoutMS:  DefaultHandlerTimeoutMS,
		LeafCertCache:     DefaultLeafCertCache,
		EventLogCapacity:  DefaultEventLogCapacity,
		AuthMode:          AuthRequired,
	}
}

// Load reads configuration from a JSON file. Unrecognized fields are
// ignored and invalid values fall back to their defaults per field.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Decode into a loose map first so a single malformed field does not
	// reject the whole file.
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg := Default()
	intField(raw, "max_stored_requests", &cfg.MaxStoredRequests)
	int64Field(raw, "max_body_size", &cfg.MaxBodySize)
	int64Field(raw, "max_log_size", &cfg.MaxLogSize)
	intField(raw, "poll_interval", &cfg.PollIntervalMS)
	intField(raw, "match_timeout_ms", &cfg.MatchTimeoutMS)
	intField(raw, "handler_timeout_ms", &cfg.HandlerTimeoutMS)
	intField(raw, "leaf_cert_cache", &cfg.LeafCertCache)
	intField(raw, "event_log_capacity", &cfg.EventLogCapacity)

	var mode string
	stringField(raw, "auth_mode", &mode)
	if mode == AuthRequired || mode == AuthOptional {
		cfg.AuthMode = mode
	}
	stringField(raw, "metrics_addr", &cfg.MetricsAddr)

	return cfg, nil
}

// LoadOrDefault loads configuration from a file, or returns defaults when
// the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(path)
}

func intField(raw map[string]json.RawMessage, key string, dst *int) {
	msg, ok := raw[key]
	if !ok {
		return
	}
	var v int
	if err := json.Unmarshal(msg, &v); err != nil || v <= 0 {
		return
	}
	*dst = v
}

func int64Field(raw map[string]json.RawMessage, key string, dst *int64) {
	msg, ok := raw[key]
	if !ok {
		return
	}
	var v int64
	if err := json.Unmarshal(msg, &v); err != nil || v <= 0 {
		return
	}
	*dst = v
}

func stringField(raw map[string]json.RawMessage, key string, dst *string) {
	msg, ok := raw[key]
	if !ok {
		return
	}
	var v string
	if err := json.Unmarshal(msg, &v); err != nil {
		return
	}
	*dst = v
}
