// Package config loads and validates this proxy's configuration, following
// the same default-then-unmarshal-then-validate shape as its predecessor's
// loader did.
package config

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// LogLevel is the set of log verbosities this proxy accepts.
type LogLevel string

const (
	LogLevelOff   LogLevel = "off"
	LogLevelError LogLevel = "error"
	LogLevelWarn  LogLevel = "warn"
	LogLevelInfo  LogLevel = "info"
	LogLevelDebug LogLevel = "debug"
	LogLevelTrace LogLevel = "trace"
)

var validLogLevels = map[LogLevel]bool{
	LogLevelOff: true, LogLevelError: true, LogLevelWarn: true,
	LogLevelInfo: true, LogLevelDebug: true, LogLevelTrace: true,
}

// Config is this proxy's full configuration, the Go-native equivalent of
// spec.md §6.3's CLI/env surface.
type Config struct {
	Listen      string `yaml:"listen"`
	LMStudioURL string `yaml:"lmstudio_url"`
	LogLevel    string `yaml:"log_level"`

	LoadTimeoutSeconds             int  `yaml:"load_timeout_seconds"`
	MaxBufferSize                  int  `yaml:"max_buffer_size"`
	EnableChunkRecovery            bool `yaml:"enable_chunk_recovery"`
	ModelResolutionCacheTTLSeconds int  `yaml:"model_resolution_cache_ttl_seconds"`
	StreamIdleTimeoutSeconds       int  `yaml:"stream_idle_timeout_seconds"`

	StateDir string `yaml:"state_dir"`

	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`

	WatchConfig bool `yaml:"watch_config"`

	// OTLPEndpoint, when non-empty, turns on OTLP/HTTP trace export; empty
	// disables tracing export entirely (spans are still created, just not
	// exported anywhere).
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// Default returns the configuration that applies before the config file
// and environment overlay are read.
func Default() Config {
	return Config{
		Listen:                         "0.0.0.0:11434",
		LMStudioURL:                    "http://localhost:1234",
		LogLevel:                       string(LogLevelInfo),
		LoadTimeoutSeconds:             15,
		MaxBufferSize:                  64 * 1024,
		EnableChunkRecovery:            true,
		ModelResolutionCacheTTLSeconds: 300,
		StreamIdleTimeoutSeconds:       60,
	}
}

// LoadConfig reads path (if it exists), overlays OLLAMA_LMSTUDIO_PROXY_*
// environment variables, then validates the result. A missing path is not
// an error: defaults plus environment overlay are still valid.
func LoadConfig(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, err
			}
		} else {
			defer file.Close()
			if cfg, err = loadFromReader(file, cfg); err != nil {
				return Config{}, err
			}
		}
	}

	cfg = applyEnvOverlay(cfg)

	if err := validate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFromReader(r io.Reader, base Config) (Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Config{}, err
	}
	if err := yaml.Unmarshal(data, &base); err != nil {
		return Config{}, err
	}
	return base, nil
}

// applyEnvOverlay lets every field be overridden by an
// OLLAMA_LMSTUDIO_PROXY_<FIELD> environment variable, the "env" half of the
// CLI/env configuration surface.
func applyEnvOverlay(cfg Config) Config {
	v := viper.New()
	v.SetEnvPrefix("OLLAMA_LMSTUDIO_PROXY")
	v.AutomaticEnv()

	fields := []string{
		"listen", "lmstudio_url", "log_level", "load_timeout_seconds",
		"max_buffer_size", "enable_chunk_recovery",
		"model_resolution_cache_ttl_seconds", "stream_idle_timeout_seconds",
		"state_dir", "tls_cert_file", "tls_key_file", "watch_config",
		"otlp_endpoint",
	}
	for _, f := range fields {
		_ = v.BindEnv(f)
	}

	if s := v.GetString("listen"); s != "" {
		cfg.Listen = s
	}
	if s := v.GetString("lmstudio_url"); s != "" {
		cfg.LMStudioURL = s
	}
	if s := v.GetString("log_level"); s != "" {
		cfg.LogLevel = s
	}
	if v.IsSet("load_timeout_seconds") {
		cfg.LoadTimeoutSeconds = v.GetInt("load_timeout_seconds")
	}
	if v.IsSet("max_buffer_size") {
		cfg.MaxBufferSize = v.GetInt("max_buffer_size")
	}
	if v.IsSet("enable_chunk_recovery") {
		cfg.EnableChunkRecovery = v.GetBool("enable_chunk_recovery")
	}
	if v.IsSet("model_resolution_cache_ttl_seconds") {
		cfg.ModelResolutionCacheTTLSeconds = v.GetInt("model_resolution_cache_ttl_seconds")
	}
	if v.IsSet("stream_idle_timeout_seconds") {
		cfg.StreamIdleTimeoutSeconds = v.GetInt("stream_idle_timeout_seconds")
	}
	if s := v.GetString("state_dir"); s != "" {
		cfg.StateDir = s
	}
	if s := v.GetString("tls_cert_file"); s != "" {
		cfg.TLSCertFile = s
	}
	if s := v.GetString("tls_key_file"); s != "" {
		cfg.TLSKeyFile = s
	}
	if v.IsSet("watch_config") {
		cfg.WatchConfig = v.GetBool("watch_config")
	}
	if s := v.GetString("otlp_endpoint"); s != "" {
		cfg.OTLPEndpoint = s
	}

	return cfg
}

func validate(c *Config) error {
	if c.Listen == "" {
		return fmt.Errorf("listen must not be empty")
	}
	if c.LMStudioURL == "" {
		return fmt.Errorf("lmstudio_url must not be empty")
	}
	if !strings.HasPrefix(c.LMStudioURL, "http://") && !strings.HasPrefix(c.LMStudioURL, "https://") {
		return fmt.Errorf("lmstudio_url must start with http:// or https://")
	}
	if !validLogLevels[LogLevel(c.LogLevel)] {
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	if c.LoadTimeoutSeconds < 1 {
		return fmt.Errorf("load_timeout_seconds must be greater than 0")
	}
	if c.ModelResolutionCacheTTLSeconds < 0 {
		return fmt.Errorf("model_resolution_cache_ttl_seconds must not be negative")
	}
	if c.MaxBufferSize < 1 {
		return fmt.Errorf("max_buffer_size must be greater than 0")
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("tls_cert_file and tls_key_file must both be set or both be empty")
	}
	return nil
}

// UseTLS reports whether both TLS files were configured.
func (c Config) UseTLS() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}
