// Package config loads the gateway configuration from the environment, an
// optional .env file and command-line flags.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	str2duration "github.com/xhit/go-str2duration/v2"

	loggerv2 "unifimcp/logger/v2"
	"unifimcp/unifi"
)

// Keys double as environment variable names.
const (
	KeyHost               = "MCP_HOST"
	KeyPort               = "MCP_PORT"
	KeyPath               = "MCP_PATH"
	KeyBaseURL            = "UNIFI_BASE_URL"
	KeyAPIVersion         = "UNIFI_API_VERSION"
	KeyNamespaces         = "UNIFI_NAMESPACES"
	KeyAPIKey             = "UNIFI_API_KEY"
	KeyTimeout            = "UNIFI_TIMEOUT"
	KeySessionIdleTimeout = "SESSION_IDLE_TIMEOUT"
	KeyHeartbeatInterval  = "HEARTBEAT_INTERVAL"
	KeyMetricsPath        = "METRICS_PATH"
	KeyCORSOrigins        = "CORS_ALLOWED_ORIGINS"
	KeyShutdownTimeout    = "SHUTDOWN_TIMEOUT"
	KeyLogLevel           = "LOG_LEVEL"
	KeyLogFormat          = "LOG_FORMAT"
	KeyLogOutput          = "LOG_OUTPUT"
)

// Config is the full process configuration.
type Config struct {
	Host string
	Port int
	Path string

	BaseURL    string
	APIVersion string
	Namespaces []string
	APIKey     string
	Timeout    time.Duration

	SessionIdleTimeout time.Duration
	HeartbeatInterval  time.Duration
	MetricsPath        string
	CORSAllowedOrigins []string
	ShutdownTimeout    time.Duration

	Log loggerv2.Config
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyHost, "0.0.0.0")
	v.SetDefault(KeyPort, 3000)
	v.SetDefault(KeyPath, "/mcp")
	v.SetDefault(KeyBaseURL, unifi.DefaultBaseURL)
	v.SetDefault(KeyAPIVersion, unifi.DefaultAPIVersion)
	v.SetDefault(KeyNamespaces, strings.Join(unifi.DefaultNamespaces, ","))
	v.SetDefault(KeyTimeout, "30")
	v.SetDefault(KeySessionIdleTimeout, "0")
	v.SetDefault(KeyHeartbeatInterval, "30s")
	v.SetDefault(KeyMetricsPath, "/metrics")
	v.SetDefault(KeyCORSOrigins, "*")
	v.SetDefault(KeyShutdownTimeout, "30s")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "text")
	v.SetDefault(KeyLogOutput, "stderr")
}

// LoadDotEnv loads the given env files (".env" when none are given) without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads the configuration from v. Environment variables are consulted
// through viper.AutomaticEnv; flags bound with BindPFlag take precedence.
// Load does not validate; call Validate before serving.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)
	v.AutomaticEnv()

	cfg := &Config{
		Host:       strings.TrimSpace(v.GetString(KeyHost)),
		Path:       strings.TrimSpace(v.GetString(KeyPath)),
		BaseURL:    strings.TrimRight(strings.TrimSpace(v.GetString(KeyBaseURL)), "/"),
		APIVersion: strings.Trim(strings.TrimSpace(v.GetString(KeyAPIVersion)), "/"),
		Namespaces: splitList(v.GetString(KeyNamespaces)),
		APIKey:     strings.TrimSpace(v.GetString(KeyAPIKey)),
		Log: loggerv2.Config{
			Level:  v.GetString(KeyLogLevel),
			Format: v.GetString(KeyLogFormat),
			Output: v.GetString(KeyLogOutput),
		},
	}
	cfg.MetricsPath = strings.TrimSpace(v.GetString(KeyMetricsPath))
	cfg.CORSAllowedOrigins = splitList(v.GetString(KeyCORSOrigins))

	port, err := strconv.Atoi(strings.TrimSpace(v.GetString(KeyPort)))
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q: %w", KeyPort, v.GetString(KeyPort), err)
	}
	cfg.Port = port

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{KeyTimeout, &cfg.Timeout},
		{KeySessionIdleTimeout, &cfg.SessionIdleTimeout},
		{KeyHeartbeatInterval, &cfg.HeartbeatInterval},
		{KeyShutdownTimeout, &cfg.ShutdownTimeout},
	}
	for _, d := range durations {
		parsed, err := ParseDuration(v.GetString(d.key))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	return cfg, nil
}

// ParseDuration accepts a bare number of seconds ("30", "1.5") or a duration
// such as "1m30s" or "1d". Empty means zero.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("negative duration %q", s)
		}
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := str2duration.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

// Validate checks the settings the server cannot start without.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("%w: create an API key in the UniFi Site Manager (Settings > API) and export it", unifi.ErrMissingAPIKey)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%s must be between 1 and 65535, got %d", KeyPort, c.Port)
	}
	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("%s must start with /, got %q", KeyPath, c.Path)
	}
	if c.MetricsPath != "" {
		if !strings.HasPrefix(c.MetricsPath, "/") {
			return fmt.Errorf("%s must start with /, got %q", KeyMetricsPath, c.MetricsPath)
		}
		if c.MetricsPath == c.Path {
			return fmt.Errorf("%s and %s must differ", KeyMetricsPath, KeyPath)
		}
	}
	if c.Path == "/healthz" {
		return fmt.Errorf("%s cannot be /healthz", KeyPath)
	}
	if c.APIVersion == "" {
		return fmt.Errorf("%s is required", KeyAPIVersion)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("%s must be positive", KeyTimeout)
	}
	if _, err := unifi.BuildURL(c.BaseURL, c.APIVersion, c.Namespaces, "/", nil); err != nil {
		return fmt.Errorf("invalid %s: %w", KeyBaseURL, err)
	}
	return nil
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// UniFi returns the downstream client settings.
func (c *Config) UniFi() unifi.Config {
	return unifi.Config{
		BaseURL:    c.BaseURL,
		APIKey:     c.APIKey,
		APIVersion: c.APIVersion,
		Namespaces: c.Namespaces,
		Timeout:    c.Timeout,
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
