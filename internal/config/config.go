// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/linkproxy/config.toml",
	"configs/config.toml",
}

// ReservedPaths are routes served by the proxy itself rather than forwarded.
var ReservedPaths = []string{"/healthz", "/proxy/status"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config    string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host      string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port      int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	Username  string `kong:"help='Expected Basic auth username (overrides config).',env='PROXY_USERNAME'"`
	Password  string `kong:"help='Expected Basic auth password (overrides config).',env='PROXY_PASSWORD'"`
	PublicURL string `kong:"name='public-url',help='Externally reachable base URL of this proxy (overrides config).',env='PROXY_SERVER_URL'"`
	LogLevel  string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Redis    RedisConfig    `toml:"redis"`
	Auth     AuthConfig     `toml:"auth"`
	Proxy    ProxyConfig    `toml:"proxy"`
	Upstream UpstreamConfig `toml:"upstream"`
	Rewrite  RewriteConfig  `toml:"rewrite"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8080); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	Burst             int     `toml:"burst"`
	// Store is "memory" (per instance) or "redis" (shared between instances).
	Store string `toml:"store"`
}

// RedisConfig holds the connection settings for the shared rate limiter store.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// AuthConfig holds the Basic credentials every inbound request must present.
type AuthConfig struct {
	Username string `toml:"username"`
	Password string `toml:"password"`
}

// ProxyConfig describes how this proxy is reached from the outside.
type ProxyConfig struct {
	PublicBaseURL string `toml:"public_base_url"`
}

// UpstreamConfig holds origin connection settings.
type UpstreamConfig struct {
	// TimeoutSeconds is how long the origin may stay silent, before the
	// headers or between body reads. Bodies that keep flowing are not cut off.
	TimeoutSeconds               int   `toml:"timeout_seconds"`
	ConnectTimeoutSeconds        int   `toml:"connect_timeout_seconds"`
	ResponseHeaderTimeoutSeconds int   `toml:"response_header_timeout_seconds"`
	IdleTimeoutSeconds           int   `toml:"idle_timeout_seconds"`
	IdleConnections              int   `toml:"idle_connections"`
	MaxBodyBytes                 int64 `toml:"max_body_bytes"`
}

// RewriteConfig tunes how origin responses are rewritten.
type RewriteConfig struct {
	// PassthroughUntyped forwards responses without Content-Type unmodified
	// instead of failing them with 500.
	PassthroughUntyped bool `toml:"passthrough_untyped"`
	// ResolveLocation rewrites Location to the resolved redirect target instead
	// of the inbound request URI.
	ResolveLocation bool   `toml:"resolve_location"`
	MarkerAttribute string `toml:"marker_attribute"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/linkproxy/config.toml then configs/config.toml. If none exists the
// configuration is built from CLI flags and environment alone.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.Username != "" {
		c.Auth.Username = cli.Username
	}
	if cli.Password != "" {
		c.Auth.Password = cli.Password
	}
	if cli.PublicURL != "" {
		c.Proxy.PublicBaseURL = cli.PublicURL
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	// Credentials and public URL: required.
	if c.Auth.Username == "" {
		return fmt.Errorf("auth.username is required (or set PROXY_USERNAME)")
	}
	if c.Auth.Password == "" {
		return fmt.Errorf("auth.password is required (or set PROXY_PASSWORD)")
	}
	if c.Proxy.PublicBaseURL == "" {
		return fmt.Errorf("proxy.public_base_url is required (or set PROXY_SERVER_URL)")
	}
	u, err := url.Parse(c.Proxy.PublicBaseURL)
	if err != nil {
		return fmt.Errorf("proxy.public_base_url is not a valid URL: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("proxy.public_base_url must be an absolute http(s) URL; got %q", c.Proxy.PublicBaseURL)
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	for name, v := range map[string]int{
		"upstream.timeout_seconds":                 c.Upstream.TimeoutSeconds,
		"upstream.connect_timeout_seconds":         c.Upstream.ConnectTimeoutSeconds,
		"upstream.response_header_timeout_seconds": c.Upstream.ResponseHeaderTimeoutSeconds,
		"upstream.idle_timeout_seconds":            c.Upstream.IdleTimeoutSeconds,
		"upstream.idle_connections":                c.Upstream.IdleConnections,
	} {
		if v < 0 {
			return fmt.Errorf("%s must be non-negative; got %d", name, v)
		}
	}
	if c.Upstream.MaxBodyBytes < 0 {
		return fmt.Errorf("upstream.max_body_bytes must be non-negative; got %d", c.Upstream.MaxBodyBytes)
	}

	// Rate limiting.
	rl := c.Server.RateLimit
	if rl.Enabled && rl.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", rl.RequestsPerSecond)
	}
	if rl.Burst < 0 {
		return fmt.Errorf("server.rate_limit.burst must be non-negative; got %d", rl.Burst)
	}
	switch strings.ToLower(rl.Store) {
	case "", "memory":
	case "redis":
		if rl.Enabled && c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required when server.rate_limit.store is \"redis\"")
		}
	default:
		return fmt.Errorf("server.rate_limit.store must be one of: memory, redis; got %q", rl.Store)
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	if strings.ContainsAny(c.Rewrite.MarkerAttribute, " \t\n\"'=<>/") {
		return fmt.Errorf("rewrite.marker_attribute is not a valid attribute name; got %q", c.Rewrite.MarkerAttribute)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		if p == "/" {
			return fmt.Errorf("metrics.path %q would shadow the proxy endpoint", p)
		}
		for _, reserved := range ReservedPaths {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Server.RateLimit.Store == "" {
		c.Server.RateLimit.Store = "memory"
	}
	c.Server.RateLimit.Store = strings.ToLower(c.Server.RateLimit.Store)
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 120
	}
	if c.Upstream.ConnectTimeoutSeconds == 0 {
		c.Upstream.ConnectTimeoutSeconds = 10
	}
	if c.Upstream.ResponseHeaderTimeoutSeconds == 0 {
		c.Upstream.ResponseHeaderTimeoutSeconds = 30
	}
	if c.Upstream.IdleTimeoutSeconds == 0 {
		c.Upstream.IdleTimeoutSeconds = 90
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.MaxBodyBytes == 0 {
		c.Upstream.MaxBodyBytes = 5 * 1024 * 1024 // 5 MB
	}
	if c.Rewrite.MarkerAttribute == "" {
		c.Rewrite.MarkerAttribute = "data-proxied"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WarnPermissions logs a warning if the config file is readable by group or others.
// The file carries the proxy password.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
