// Package config loads draftsmith settings through viper. Values come from
// the config file, DRAFTSMITH_* environment variables and flags, layered
// over the defaults registered by SetDefaults.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Iron-Ham/draftsmith/internal/iteration/policy"
	"github.com/Iron-Ham/draftsmith/internal/iteration/types"
)

// AppName names the config and data directories.
const AppName = "draftsmith"

// EnvPrefix is the prefix of environment overrides, e.g.
// DRAFTSMITH_PROVIDER_MODEL for provider.model.
const EnvPrefix = "DRAFTSMITH"

// Config is the complete draftsmith configuration.
type Config struct {
	Limits   LimitsConfig   `mapstructure:"limits" yaml:"limits"`
	Provider ProviderConfig `mapstructure:"provider" yaml:"provider"`
	Storage  StorageConfig  `mapstructure:"storage" yaml:"storage"`
	Audit    AuditConfig    `mapstructure:"audit" yaml:"audit"`
	Catalog  CatalogConfig  `mapstructure:"catalog" yaml:"catalog"`
	Batch    BatchConfig    `mapstructure:"batch" yaml:"batch"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
}

// LimitsConfig feeds the violation policy.
type LimitsConfig struct {
	// MaxStepsOutline caps executed attempts in outline sessions (0 = unlimited).
	MaxStepsOutline int `mapstructure:"max_steps_outline" yaml:"max_steps_outline"`
	// MaxStepsDraft caps executed attempts in draft sessions (0 = unlimited).
	MaxStepsDraft int `mapstructure:"max_steps_draft" yaml:"max_steps_draft"`
	// MaxTotalDurationMs caps the summed executor time of a session (0 = unlimited).
	MaxTotalDurationMs int64 `mapstructure:"max_total_duration_ms" yaml:"max_total_duration_ms"`
	// MaxContentChars is the advisory markdown length limit (0 = unlimited).
	MaxContentChars int `mapstructure:"max_content_chars" yaml:"max_content_chars"`
	// ProviderFailureBlocking halts a session on its first provider failure.
	ProviderFailureBlocking bool `mapstructure:"provider_failure_blocking" yaml:"provider_failure_blocking"`
	// MaxConsecutiveProviderFailures escalates repeated failures to blocking (0 = never).
	MaxConsecutiveProviderFailures int `mapstructure:"max_consecutive_provider_failures" yaml:"max_consecutive_provider_failures"`
}

// PolicyLimits converts the section into policy limits.
func (l LimitsConfig) PolicyLimits() policy.Limits {
	steps := map[types.Mode]int{}
	if l.MaxStepsOutline > 0 {
		steps[types.ModeOutline] = l.MaxStepsOutline
	}
	if l.MaxStepsDraft > 0 {
		steps[types.ModeDraft] = l.MaxStepsDraft
	}
	return policy.Limits{
		MaxSteps:                       steps,
		MaxTotalDuration:               time.Duration(l.MaxTotalDurationMs) * time.Millisecond,
		ProviderFailureBlocking:        l.ProviderFailureBlocking,
		MaxConsecutiveProviderFailures: l.MaxConsecutiveProviderFailures,
		MaxContentChars:                l.MaxContentChars,
	}
}

// ProviderConfig selects the model channel.
type ProviderConfig struct {
	// Name is one of ValidProviders.
	Name string `mapstructure:"name" yaml:"name"`
	// Model overrides the channel's default model.
	Model string `mapstructure:"model" yaml:"model"`
	// BaseURL points the channel at an OpenAI-compatible endpoint.
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
	// APIKeyEnv names the environment variable holding the key.
	APIKeyEnv string `mapstructure:"api_key_env" yaml:"api_key_env"`
	// MaxRetries is passed to the HTTP client.
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries"`
	// TimeoutSeconds bounds one model call (0 = no limit).
	TimeoutSeconds int `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
}

// Timeout returns the per-call timeout.
func (p ProviderConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// StorageConfig controls where snapshots live.
type StorageConfig struct {
	// Backend is "file" or "sqlite".
	Backend string `mapstructure:"backend" yaml:"backend"`
	// DataDir holds sessions, audit logs, logs and the database. Empty
	// means DefaultDataDir; ~ is expanded.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
	// SQLitePath overrides {data_dir}/draftsmith.db.
	SQLitePath string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
}

// ResolveDataDir returns the data directory with defaults and ~ applied.
func (s StorageConfig) ResolveDataDir() string {
	if s.DataDir == "" {
		return DefaultDataDir()
	}
	return expandHome(s.DataDir)
}

// ResolveSQLitePath returns the database path.
func (s StorageConfig) ResolveSQLitePath() string {
	if s.SQLitePath == "" {
		return filepath.Join(s.ResolveDataDir(), AppName+".db")
	}
	return expandHome(s.SQLitePath)
}

// AuditConfig selects the audit recorder.
type AuditConfig struct {
	// Backend is "jsonl", "sqlite" or "none".
	Backend string `mapstructure:"backend" yaml:"backend"`
}

// CatalogConfig locates persona and template descriptors.
type CatalogConfig struct {
	// Dir holds personas/ and templates/. Empty means {config dir}/catalog.
	Dir string `mapstructure:"dir" yaml:"dir"`
	// Watch reloads descriptors while long-running commands execute.
	Watch bool `mapstructure:"watch" yaml:"watch"`
}

// ResolveDir returns the catalog directory.
func (c CatalogConfig) ResolveDir() string {
	if c.Dir == "" {
		return filepath.Join(ConfigDir(), "catalog")
	}
	return expandHome(c.Dir)
}

// BatchConfig controls `draftsmith batch`.
type BatchConfig struct {
	// MaxParallel is the number of sessions run at once.
	MaxParallel int `mapstructure:"max_parallel" yaml:"max_parallel"`
}

// LoggingConfig controls debug logging.
type LoggingConfig struct {
	// Enabled writes {data_dir}/logs/debug.log.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Level is one of ValidLogLevels.
	Level string `mapstructure:"level" yaml:"level"`
	// MaxSizeMB is the size at which debug.log rotates.
	MaxSizeMB int `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	// MaxBackups is the number of rotated files kept.
	MaxBackups int `mapstructure:"max_backups" yaml:"max_backups"`
	// Compress gzips rotated files.
	Compress bool `mapstructure:"compress" yaml:"compress"`
	// Console mirrors log records to stderr.
	Console bool `mapstructure:"console" yaml:"console"`
}

// LogDir returns the log directory under dataDir.
func (l LoggingConfig) LogDir(dataDir string) string {
	return filepath.Join(dataDir, "logs")
}

// Default returns a Config with the default values.
func Default() *Config {
	return &Config{
		Limits: LimitsConfig{
			MaxStepsOutline:                policy.DefaultMaxSteps,
			MaxStepsDraft:                  policy.DefaultMaxSteps,
			MaxTotalDurationMs:             0,
			MaxContentChars:                0,
			ProviderFailureBlocking:        false,
			MaxConsecutiveProviderFailures: 3,
		},
		Provider: ProviderConfig{
			Name:           "openai",
			MaxRetries:     2,
			TimeoutSeconds: 120,
		},
		Storage: StorageConfig{
			Backend: "file",
		},
		Audit: AuditConfig{
			Backend: "jsonl",
		},
		Catalog: CatalogConfig{
			Watch: false,
		},
		Batch: BatchConfig{
			MaxParallel: 3,
		},
		Logging: LoggingConfig{
			Enabled:    true,
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// SetDefaults registers default values and environment binding with v.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("limits.max_steps_outline", d.Limits.MaxStepsOutline)
	v.SetDefault("limits.max_steps_draft", d.Limits.MaxStepsDraft)
	v.SetDefault("limits.max_total_duration_ms", d.Limits.MaxTotalDurationMs)
	v.SetDefault("limits.max_content_chars", d.Limits.MaxContentChars)
	v.SetDefault("limits.provider_failure_blocking", d.Limits.ProviderFailureBlocking)
	v.SetDefault("limits.max_consecutive_provider_failures", d.Limits.MaxConsecutiveProviderFailures)

	v.SetDefault("provider.name", d.Provider.Name)
	v.SetDefault("provider.model", d.Provider.Model)
	v.SetDefault("provider.base_url", d.Provider.BaseURL)
	v.SetDefault("provider.api_key_env", d.Provider.APIKeyEnv)
	v.SetDefault("provider.max_retries", d.Provider.MaxRetries)
	v.SetDefault("provider.timeout_seconds", d.Provider.TimeoutSeconds)

	v.SetDefault("storage.backend", d.Storage.Backend)
	v.SetDefault("storage.data_dir", d.Storage.DataDir)
	v.SetDefault("storage.sqlite_path", d.Storage.SQLitePath)

	v.SetDefault("audit.backend", d.Audit.Backend)

	v.SetDefault("catalog.dir", d.Catalog.Dir)
	v.SetDefault("catalog.watch", d.Catalog.Watch)

	v.SetDefault("batch.max_parallel", d.Batch.MaxParallel)

	v.SetDefault("logging.enabled", d.Logging.Enabled)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.compress", d.Logging.Compress)
	v.SetDefault("logging.console", d.Logging.Console)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load unmarshals v into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return &cfg, nil
}

// ReadFile points v at path, or at ConfigFile when path is empty, and reads
// it. A missing default file is not an error.
func ReadFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
		return v.ReadInConfig()
	}
	v.SetConfigFile(ConfigFile())
	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(ConfigFile()); os.IsNotExist(statErr) {
			return nil
		}
		return err
	}
	return nil
}

// ConfigDir returns $XDG_CONFIG_HOME/draftsmith or ~/.config/draftsmith.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, AppName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "." + AppName
	}
	return filepath.Join(home, ".config", AppName)
}

// ConfigFile returns the default config file path.
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// DefaultDataDir returns $XDG_DATA_HOME/draftsmith or
// ~/.local/share/draftsmith.
func DefaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, AppName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "." + AppName
	}
	return filepath.Join(home, ".local", "share", AppName)
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
