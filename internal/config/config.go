// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/streamcore/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete streamcore configuration.
type Config struct {
	Version string `toml:"version" json:"version"`

	// Request stream (ask) settings
	Stream StreamConfig `toml:"stream" json:"stream"`

	// Notification channel (watch) settings
	Events EventsConfig `toml:"events" json:"events"`

	Log     LogConfig     `toml:"log" json:"log"`
	Metrics MetricsConfig `toml:"metrics" json:"metrics"`

	// Mock feed server (serve) settings
	Server ServerConfig `toml:"server" json:"server"`
}

// StreamConfig configures the per-request reasoning stream.
type StreamConfig struct {
	// URL is the endpoint that accepts the streaming POST
	URL string `toml:"url" json:"url"`
	// Mode is "text" or "ndjson"
	Mode string `toml:"mode" json:"mode"`
	// AuthToken is sent as a Bearer token when set
	AuthToken string `toml:"auth_token" json:"auth_token"`
	// ChunkSize is the read size for the response body in bytes
	ChunkSize int `toml:"chunk_size" json:"chunk_size"`
}

// EventsConfig configures the persistent notification channel.
type EventsConfig struct {
	URL       string `toml:"url" json:"url"`
	AuthToken string `toml:"auth_token" json:"auth_token"`
	// TokenParam is the query parameter the token travels in
	TokenParam string `toml:"token_param" json:"token_param"`
	// ResubscribesPerMinute caps how often watch may reconnect
	ResubscribesPerMinute int `toml:"resubscribes_per_minute" json:"resubscribes_per_minute"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is a zerolog level name: trace, debug, info, warn, error
	Level string `toml:"level" json:"level"`
	// Format is "auto", "console" or "json"
	Format string `toml:"format" json:"format"`
}

// MetricsConfig configures the Prometheus endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `toml:"addr" json:"addr"`
}

// ServerConfig configures the mock feed server.
type ServerConfig struct {
	Addr string `toml:"addr" json:"addr"`
	// HeartbeatIntervalSecs is how often each notification client gets a
	// heartbeat event (0 disables heartbeats)
	HeartbeatIntervalSecs int `toml:"heartbeat_interval_secs" json:"heartbeat_interval_secs"`
	// AuthToken, when set, must be presented by notification clients
	AuthToken string `toml:"auth_token" json:"auth_token"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns a new Config with default values.
func Default() *Config {
	return &Config{
		Version: "1",
		Stream: StreamConfig{
			URL:       "http://127.0.0.1:8787/v1/reason",
			Mode:      "ndjson",
			ChunkSize: 32 * 1024,
		},
		Events: EventsConfig{
			URL:                   "http://127.0.0.1:8787/v1/notifications",
			TokenParam:            "token",
			ResubscribesPerMinute: 12,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
		Server: ServerConfig{
			Addr:                  "127.0.0.1:8787",
			HeartbeatIntervalSecs: 15,
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the streamcore configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".streamcore"), nil
}

// ConfigPathTOML returns the path to the TOML config file.
func ConfigPathTOML() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// ConfigPathJSON returns the path to the JSON config file.
func ConfigPathJSON() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// ensureSecurePermissions tightens a config file to 0600; it holds tokens.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode&0077 != 0 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads configuration from the default location.
// Tries TOML first, then JSON, and falls back to defaults.
// Environment overrides are applied last.
func Load() (*Config, error) {
	for _, pathFn := range []func() (string, error){ConfigPathTOML, ConfigPathJSON} {
		path, err := pathFn()
		if err != nil {
			continue
		}
		if _, statErr := os.Stat(path); statErr == nil {
			return LoadFromPath(path)
		}
	}
	return finish(Default())
}

// LoadFromPath loads configuration from a specific file. Files ending in
// .json are read as JSON, everything else as TOML. Missing keys keep their
// defaults. Environment overrides are applied before validation.
func LoadFromPath(path string) (*Config, error) {
	cfg, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	return finish(cfg)
}

// ReadFile decodes path over the defaults without applying environment
// overrides or validating.
func ReadFile(path string) (*Config, error) {
	if err := ensureSecurePermissions(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := Default()
	if strings.HasSuffix(path, ".json") {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode JSON config %s: %w", path, err)
		}
		return cfg, nil
	}

	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to decode TOML config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}
	return cfg, nil
}

func finish(cfg *Config) (*Config, error) {
	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save saves the configuration to the default TOML file.
func Save(cfg *Config) error {
	path, err := ConfigPathTOML()
	if err != nil {
		return err
	}
	return SaveToPath(cfg, path)
}

// SaveToPath writes cfg atomically with 0600 permissions, as JSON when the
// path ends in .json and TOML otherwise.
func SaveToPath(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var buf bytes.Buffer
	if strings.HasSuffix(path, ".json") {
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode config: %w", err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	} else {
		buf.WriteString("# streamcore configuration file\n")
		buf.WriteString("# Generated by streamcore - edit with care\n\n")
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return fmt.Errorf("failed to encode config: %w", err)
		}
	}

	if err := util.AtomicWriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validate validates the configuration and returns any errors as
// ValidateErrors.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// ==========================================================================
	// Stream
	// ==========================================================================

	if c.Stream.URL != "" && !isHTTPURL(c.Stream.URL) {
		add("stream.url", "invalid URL '%s', must be an absolute http(s) URL", c.Stream.URL)
	}
	switch strings.ToLower(c.Stream.Mode) {
	case "text", "ndjson":
	default:
		add("stream.mode", "invalid mode '%s', must be one of: text, ndjson", c.Stream.Mode)
	}
	if c.Stream.ChunkSize < 1 || c.Stream.ChunkSize > 16*1024*1024 {
		add("stream.chunk_size", "must be between 1 and 16777216, got %d", c.Stream.ChunkSize)
	}

	// ==========================================================================
	// Events
	// ==========================================================================

	if c.Events.URL != "" && !isHTTPURL(c.Events.URL) {
		add("events.url", "invalid URL '%s', must be an absolute http(s) URL", c.Events.URL)
	}
	if c.Events.TokenParam == "" || url.QueryEscape(c.Events.TokenParam) != c.Events.TokenParam {
		add("events.token_param", "invalid query parameter name '%s'", c.Events.TokenParam)
	}
	if c.Events.ResubscribesPerMinute < 1 {
		add("events.resubscribes_per_minute", "must be at least 1, got %d", c.Events.ResubscribesPerMinute)
	}

	// ==========================================================================
	// Log
	// ==========================================================================

	switch strings.ToLower(c.Log.Level) {
	case "trace", "debug", "info", "warn", "error", "fatal", "panic", "disabled":
	default:
		add("log.level", "invalid level '%s'", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "auto", "console", "json":
	default:
		add("log.format", "invalid format '%s', must be one of: auto, console, json", c.Log.Format)
	}

	// ==========================================================================
	// Listen addresses
	// ==========================================================================

	if c.Metrics.Addr != "" {
		if _, _, err := net.SplitHostPort(c.Metrics.Addr); err != nil {
			add("metrics.addr", "invalid listen address '%s': %v", c.Metrics.Addr, err)
		}
	}
	if _, _, err := net.SplitHostPort(c.Server.Addr); err != nil {
		add("server.addr", "invalid listen address '%s': %v", c.Server.Addr, err)
	}
	if c.Server.HeartbeatIntervalSecs < 0 {
		add("server.heartbeat_interval_secs", "must not be negative, got %d", c.Server.HeartbeatIntervalSecs)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// SetDefaults fills zero values that have a sensible default.
func (c *Config) SetDefaults() {
	d := Default()
	if c.Version == "" {
		c.Version = d.Version
	}
	if c.Stream.Mode == "" {
		c.Stream.Mode = d.Stream.Mode
	}
	if c.Stream.ChunkSize == 0 {
		c.Stream.ChunkSize = d.Stream.ChunkSize
	}
	if c.Events.TokenParam == "" {
		c.Events.TokenParam = d.Events.TokenParam
	}
	if c.Events.ResubscribesPerMinute == 0 {
		c.Events.ResubscribesPerMinute = d.Events.ResubscribesPerMinute
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
	if c.Server.Addr == "" {
		c.Server.Addr = d.Server.Addr
	}
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
//
// Supported environment variables:
//   - STREAMCORE_STREAM_URL: overrides stream.url
//   - STREAMCORE_STREAM_MODE: overrides stream.mode
//   - STREAMCORE_EVENTS_URL: overrides events.url
//   - STREAMCORE_TOKEN: overrides both stream.auth_token and events.auth_token
//   - STREAMCORE_LOG_LEVEL: overrides log.level
//   - STREAMCORE_LOG_FORMAT: overrides log.format
//   - STREAMCORE_METRICS_ADDR: overrides metrics.addr
//   - STREAMCORE_SERVER_ADDR: overrides server.addr
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("STREAMCORE_STREAM_URL"); v != "" {
		c.Stream.URL = v
	}
	if v := os.Getenv("STREAMCORE_STREAM_MODE"); v != "" {
		c.Stream.Mode = v
	}
	if v := os.Getenv("STREAMCORE_EVENTS_URL"); v != "" {
		c.Events.URL = v
	}
	if v := os.Getenv("STREAMCORE_TOKEN"); v != "" {
		c.Stream.AuthToken = v
		c.Events.AuthToken = v
	}
	if v := os.Getenv("STREAMCORE_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("STREAMCORE_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	if v := os.Getenv("STREAMCORE_METRICS_ADDR"); v != "" {
		c.Metrics.Addr = v
	}
	if v := os.Getenv("STREAMCORE_SERVER_ADDR"); v != "" {
		c.Server.Addr = v
	}
}

// =============================================================================
// GET/SET HELPERS (DOT NOTATION)
// =============================================================================

// Get retrieves a configuration value by its TOML key path
// (e.g., "stream.mode").
func (c *Config) Get(key string) (any, error) {
	field, err := c.lookup(key)
	if err != nil {
		return nil, err
	}
	return field.Interface(), nil
}

// Set sets a configuration value by its TOML key path. String values are
// converted to the field's type.
func (c *Config) Set(key string, value any) error {
	field, err := c.lookup(key)
	if err != nil {
		return err
	}
	if field.Kind() == reflect.Struct {
		return fmt.Errorf("cannot set section %q", key)
	}
	return setFieldValue(field, value)
}

func (c *Config) lookup(key string) (reflect.Value, error) {
	if key == "" {
		return reflect.Value{}, errors.New("empty key")
	}
	parts := strings.Split(key, ".")
	v := reflect.ValueOf(c).Elem()
	for i, part := range parts {
		if v.Kind() != reflect.Struct {
			return reflect.Value{}, fmt.Errorf("field '%s' is not a section", strings.Join(parts[:i], "."))
		}
		field, ok := fieldByTag(v, part)
		if !ok {
			return reflect.Value{}, fmt.Errorf("unknown field: %s", strings.Join(parts[:i+1], "."))
		}
		v = field
	}
	return v, nil
}

func fieldByTag(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag, _, _ := strings.Cut(t.Field(i).Tag.Get("toml"), ",")
		if tag == name {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// setFieldValue sets a reflect.Value from an arbitrary value with type conversion.
func setFieldValue(field reflect.Value, value any) error {
	if strVal, ok := value.(string); ok {
		switch field.Kind() {
		case reflect.String:
			field.SetString(strVal)
			return nil
		case reflect.Int, reflect.Int64:
			intVal, err := strconv.ParseInt(strVal, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer value: %w", err)
			}
			field.SetInt(intVal)
			return nil
		case reflect.Bool:
			boolVal, err := strconv.ParseBool(strVal)
			if err != nil {
				return fmt.Errorf("invalid boolean value: %w", err)
			}
			field.SetBool(boolVal)
			return nil
		}
	}

	val := reflect.ValueOf(value)
	if !val.IsValid() {
		return fmt.Errorf("cannot assign nil to %s", field.Type())
	}
	if val.Type().AssignableTo(field.Type()) {
		field.Set(val)
		return nil
	}
	if val.Type().ConvertibleTo(field.Type()) && val.Kind() != reflect.String {
		field.Set(val.Convert(field.Type()))
		return nil
	}
	return fmt.Errorf("cannot assign %T to %s", value, field.Type())
}

// Keys returns every settable key in dot notation.
func Keys() []string {
	var keys []string
	var walk func(t reflect.Type, prefix string)
	walk = func(t reflect.Type, prefix string) {
		for i := 0; i < t.NumField(); i++ {
			tag, _, _ := strings.Cut(t.Field(i).Tag.Get("toml"), ",")
			if tag == "" || tag == "-" {
				continue
			}
			if t.Field(i).Type.Kind() == reflect.Struct {
				walk(t.Field(i).Type, prefix+tag+".")
				continue
			}
			keys = append(keys, prefix+tag)
		}
	}
	walk(reflect.TypeOf(Config{}), "")
	return keys
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// Clone creates a copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// String returns the config as indented JSON with tokens redacted.
func (c *Config) String() string {
	safe := c.Clone()
	for _, tok := range []*string{&safe.Stream.AuthToken, &safe.Events.AuthToken, &safe.Server.AuthToken} {
		if *tok != "" {
			*tok = "[REDACTED]"
		}
	}
	data, _ := json.MarshalIndent(safe, "", "  ")
	return string(data)
}
