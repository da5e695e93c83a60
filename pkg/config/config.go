// Package config centralizes the gateway's process configuration: CLI
// flags layered with a YAML file and environment variables via viper,
// the way the teacher CLI configures itself.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config is the fully resolved process configuration for gatewayd.
type Config struct {
	// BasePath is the root directory for persisted conversations, the
	// token store's SQLite file and its JSON backup.
	BasePath string

	// HostCallerID identifies the process that is allowed to revoke
	// tokens through the Dispatcher (spec.md §4.5 "Revocation
	// authority"). The approve/deny/revoke admin subcommands do not check
	// it.
	HostCallerID string

	// DefaultTTL is loaded from default_ttl_ms and validated, but nothing
	// reads it: the conversation registry replaces ttl_ms <= 0 with the
	// constant conversation.DefaultTTL (30 minutes).
	DefaultTTL time.Duration

	// CleanupInterval is the sweeper's pass interval (spec.md §4.2).
	CleanupInterval time.Duration

	// TokenSyncInterval is how often the token store polls its backing
	// SQLite file for approvals, denials and revocations made by another
	// process (the approve/deny/revoke admin subcommands run against a
	// live serve daemon).
	TokenSyncInterval time.Duration

	// ModelPath and Backend select the native engine at startup.
	ModelPath string
	Backend   string

	// ModelLoadTimeout bounds Engine.Load (spec.md §5 "Timeouts").
	ModelLoadTimeout time.Duration

	LogLevel  string
	LogFormat string

	HTTP HTTPConfig
	WS   WSConfig

	Tracing TracingConfig
}

// HTTPConfig configures the optional HTTP compatibility shim (A5).
type HTTPConfig struct {
	Enabled bool
	Addr    string
}

// WSConfig configures the optional local WebSocket transport (A6).
type WSConfig struct {
	Enabled bool
	Addr    string
}

// TracingConfig configures OpenTelemetry export (A4).
type TracingConfig struct {
	Enabled     bool
	ServiceName string
	SamplerType string
	SamplerRate float64
}

// Init installs viper defaults, environment variable bindings and config
// file search paths. Call once at process startup before Load.
func Init() {
	viper.SetDefault("base_path", "")
	viper.SetDefault("host_caller_id", "host")
	viper.SetDefault("default_ttl_ms", 30*60*1000)
	viper.SetDefault("cleanup_interval_s", 60)
	viper.SetDefault("token_sync_interval_ms", 500)
	viper.SetDefault("model_path", "")
	viper.SetDefault("backend", "cpu")
	viper.SetDefault("model_load_timeout_s", 300)
	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_format", "fmt")
	viper.SetDefault("http.enabled", false)
	viper.SetDefault("http.addr", ":8088")
	viper.SetDefault("ws.enabled", false)
	viper.SetDefault("ws.addr", ":8089")
	viper.SetDefault("tracing.enabled", false)
	viper.SetDefault("tracing.service_name", "edge-ai-gateway")
	viper.SetDefault("tracing.sampler", "always")
	viper.SetDefault("tracing.ratio", 1.0)

	viper.SetEnvPrefix("GATEWAY")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("$HOME/.edge-ai-gateway")
	viper.AddConfigPath(".")

	_ = viper.ReadInConfig() // absence of a config file is not an error
}

// Load resolves a Config from viper's current state, applying defaults
// for any base path left unset.
func Load() (*Config, error) {
	basePath := viper.GetString("base_path")
	if basePath == "" {
		var err error
		basePath, err = defaultBasePath()
		if err != nil {
			return nil, errors.Wrap(err, "failed to resolve default base path")
		}
	}

	cfg := &Config{
		BasePath:          basePath,
		HostCallerID:      viper.GetString("host_caller_id"),
		DefaultTTL:        time.Duration(viper.GetInt64("default_ttl_ms")) * time.Millisecond,
		CleanupInterval:   time.Duration(viper.GetInt("cleanup_interval_s")) * time.Second,
		TokenSyncInterval: time.Duration(viper.GetInt("token_sync_interval_ms")) * time.Millisecond,
		ModelPath:         viper.GetString("model_path"),
		Backend:           viper.GetString("backend"),
		ModelLoadTimeout:  time.Duration(viper.GetInt("model_load_timeout_s")) * time.Second,
		LogLevel:          viper.GetString("log_level"),
		LogFormat:         viper.GetString("log_format"),
		HTTP: HTTPConfig{
			Enabled: viper.GetBool("http.enabled"),
			Addr:    viper.GetString("http.addr"),
		},
		WS: WSConfig{
			Enabled: viper.GetBool("ws.enabled"),
			Addr:    viper.GetString("ws.addr"),
		},
		Tracing: TracingConfig{
			Enabled:     viper.GetBool("tracing.enabled"),
			ServiceName: viper.GetString("tracing.service_name"),
			SamplerType: viper.GetString("tracing.sampler"),
			SamplerRate: viper.GetFloat64("tracing.ratio"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants that Load cannot enforce via viper defaults
// alone (e.g. cross-field and range checks).
func (c *Config) Validate() error {
	if c.HostCallerID == "" {
		return errors.New("host_caller_id cannot be empty")
	}
	switch c.Backend {
	case "cpu", "gpu", "npu":
	default:
		return errors.Errorf("invalid backend %q, expected cpu, gpu or npu", c.Backend)
	}
	if c.DefaultTTL <= 0 {
		return errors.New("default_ttl_ms must be positive")
	}
	if c.CleanupInterval <= 0 {
		return errors.New("cleanup_interval_s must be positive")
	}
	if c.TokenSyncInterval <= 0 {
		return errors.New("token_sync_interval_ms must be positive")
	}
	return nil
}

func defaultBasePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "failed to get home directory")
	}
	return filepath.Join(home, ".edge-ai-gateway"), nil
}
