// Package config loads the relay.json deployment configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	// ConfigFileName is the name of the configuration file.
	ConfigFileName = "relay.json"

	// DefaultAddr is the default listen address.
	DefaultAddr = ":8080"
)

// Duration is a time.Duration that unmarshals from JSON strings like "30s".
type Duration time.Duration

// UnmarshalJSON accepts either a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var asString string
	if err := json.Unmarshal(data, &asString); err == nil {
		parsed, err := time.ParseDuration(asString)
		if err != nil {
			return fmt.Errorf("config: parse duration %q: %w", asString, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var asNumber int64
	if err := json.Unmarshal(data, &asNumber); err != nil {
		return fmt.Errorf("config: duration must be a string or number: %s", data)
	}
	*d = Duration(asNumber)
	return nil
}

// MarshalJSON renders the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the standard library representation.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config represents the complete relay.json configuration.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string `json:"addr,omitempty"`

	// Identity configures handshake identity resolution.
	Identity IdentityConfig `json:"identity,omitempty"`

	// Store configures the session store backend.
	Store StoreConfig `json:"store,omitempty"`

	// Session contains session lifetime settings.
	Session SessionConfig `json:"session,omitempty"`

	// RateLimit configures the per-route rate limiter.
	RateLimit RateLimitConfig `json:"rateLimit,omitempty"`

	// Grace contains the disconnect grace windows by reason class.
	Grace GraceConfig `json:"grace,omitempty"`

	// Locale is the default locale for error messages.
	Locale string `json:"locale,omitempty"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `json:"logLevel,omitempty"`

	configPath string
}

// IdentityConfig selects where the identity token comes from.
type IdentityConfig struct {
	// Source is "cookie", "credential", or "none".
	Source string `json:"source,omitempty"`

	// CookieName holds the token when Source is "cookie".
	CookieName string `json:"cookieName,omitempty"`

	// CredentialParam is the query parameter when Source is "credential".
	CredentialParam string `json:"credentialParam,omitempty"`
}

// StoreConfig selects and configures the session store backend.
type StoreConfig struct {
	// Backend is "memory" or "redis".
	Backend string `json:"backend,omitempty"`

	// RedisAddr is the Redis host:port when Backend is "redis".
	RedisAddr string `json:"redisAddr,omitempty"`

	// RedisPassword authenticates against Redis; empty disables auth.
	RedisPassword string `json:"redisPassword,omitempty"`

	// RedisDB selects the Redis logical database.
	RedisDB int `json:"redisDb,omitempty"`

	// CleanupInterval is the memory store's janitor cadence.
	CleanupInterval Duration `json:"cleanupInterval,omitempty"`
}

// SessionConfig contains session lifetime settings.
type SessionConfig struct {
	// TTL is the session lifetime, refreshed on every write.
	TTL Duration `json:"ttl,omitempty"`
}

// RateLimitConfig configures the per-route rate limiter.
type RateLimitConfig struct {
	// Enabled turns the rate-limit stage on.
	Enabled bool `json:"enabled,omitempty"`

	// Limit is the default number of calls per window.
	Limit int `json:"limit,omitempty"`

	// Window is the default window size.
	Window Duration `json:"window,omitempty"`
}

// GraceConfig contains disconnect grace windows.
type GraceConfig struct {
	// Intentional applies to the deliberate tab-switch signal.
	Intentional Duration `json:"intentional,omitempty"`

	// Transient applies to recognized transient network reasons.
	Transient Duration `json:"transient,omitempty"`

	// Default applies to every other reason.
	Default Duration `json:"default,omitempty"`
}

// New creates a Config with default values.
func New() *Config {
	return &Config{
		Addr: DefaultAddr,
		Identity: IdentityConfig{
			Source:          "cookie",
			CookieName:      "relay_token",
			CredentialParam: "token",
		},
		Store: StoreConfig{
			Backend:         "memory",
			CleanupInterval: Duration(time.Minute),
		},
		Session: SessionConfig{
			TTL: Duration(24 * time.Hour),
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			Limit:   60,
			Window:  Duration(time.Minute),
		},
		Grace: GraceConfig{
			Intentional: Duration(15 * time.Minute),
			Transient:   Duration(2 * time.Minute),
			Default:     Duration(30 * time.Second),
		},
		Locale:   "en",
		LogLevel: "info",
	}
}

// Load reads configuration from relay.json in dir. A missing file yields the
// defaults.
func Load(dir string) (*Config, error) {
	return LoadFile(filepath.Join(dir, ConfigFileName))
}

// LoadFile reads configuration from path. Values present in the file
// override the defaults; everything else keeps its default.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := New()
			cfg.configPath = path
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := New()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.configPath = path
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills fields the file left empty.
func (c *Config) applyDefaults() {
	d := New()
	if c.Addr == "" {
		c.Addr = d.Addr
	}
	if c.Identity.Source == "" {
		c.Identity.Source = d.Identity.Source
	}
	if c.Identity.CookieName == "" {
		c.Identity.CookieName = d.Identity.CookieName
	}
	if c.Identity.CredentialParam == "" {
		c.Identity.CredentialParam = d.Identity.CredentialParam
	}
	if c.Store.Backend == "" {
		c.Store.Backend = d.Store.Backend
	}
	if c.Store.CleanupInterval == 0 {
		c.Store.CleanupInterval = d.Store.CleanupInterval
	}
	if c.Session.TTL == 0 {
		c.Session.TTL = d.Session.TTL
	}
	if c.RateLimit.Limit == 0 {
		c.RateLimit.Limit = d.RateLimit.Limit
	}
	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = d.RateLimit.Window
	}
	if c.Grace.Intentional == 0 {
		c.Grace.Intentional = d.Grace.Intentional
	}
	if c.Grace.Transient == 0 {
		c.Grace.Transient = d.Grace.Transient
	}
	if c.Grace.Default == 0 {
		c.Grace.Default = d.Grace.Default
	}
	if c.Locale == "" {
		c.Locale = d.Locale
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
}

// Validate rejects configurations that cannot be acted on.
func (c *Config) Validate() error {
	switch c.Identity.Source {
	case "cookie", "credential", "none":
	default:
		return fmt.Errorf("config: unknown identity source %q", c.Identity.Source)
	}
	switch c.Store.Backend {
	case "memory":
	case "redis":
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("config: redis backend needs redisAddr")
		}
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.LogLevel)
	}
	return nil
}

// SaveTo writes the configuration to the specified path.
func (c *Config) SaveTo(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
