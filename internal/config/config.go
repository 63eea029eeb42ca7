// Package config loads worldline settings from defaults, an optional config
// file (YAML or TOML) and WORLDLINE_* environment variables, in that order
// of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/viper"

	"github.com/roach88/worldline/internal/workflow"
)

// EnvPrefix is prepended to every environment override, with dots mapped to
// underscores: journal.path is WORLDLINE_JOURNAL_PATH.
const EnvPrefix = "WORLDLINE"

// Config holds the settings shared by every command.
type Config struct {
	Journal struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"journal"`
	Snapshot struct {
		Every int64 `mapstructure:"every"`
	} `mapstructure:"snapshot"`
	Limits struct {
		MaxEffects      int `mapstructure:"max_effects"`
		MaxDomainEvents int `mapstructure:"max_domain_events"`
		MaxOutputBytes  int `mapstructure:"max_output_bytes"`
	} `mapstructure:"limits"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
	Restore struct {
		RedispatchPending bool `mapstructure:"redispatch_pending"`
	} `mapstructure:"restore"`
}

// New returns a viper instance with defaults and environment binding set up.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault("journal.path", "worldline.db")
	v.SetDefault("snapshot.every", 0)
	v.SetDefault("limits.max_effects", workflow.DefaultLimits.MaxEffects)
	v.SetDefault("limits.max_domain_events", workflow.DefaultLimits.MaxDomainEvents)
	v.SetDefault("limits.max_output_bytes", workflow.DefaultLimits.MaxOutputBytes)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("restore.redispatch_pending", false)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads file (if non-empty) over the defaults and environment, and
// validates the result.
func Load(file string) (*Config, error) {
	return LoadWith(New(), file)
}

// LoadWith is Load over a caller-prepared viper, typically one with CLI
// flags bound to it.
func LoadWith(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error
	if c.Journal.Path == "" {
		errs = append(errs, errors.New("journal.path must not be empty"))
	}
	if c.Snapshot.Every < 0 {
		errs = append(errs, fmt.Errorf("snapshot.every must be >= 0, got %d", c.Snapshot.Every))
	}
	for name, n := range map[string]int{
		"limits.max_effects":       c.Limits.MaxEffects,
		"limits.max_domain_events": c.Limits.MaxDomainEvents,
		"limits.max_output_bytes":  c.Limits.MaxOutputBytes,
	} {
		if n <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, n))
		}
	}
	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// LogLevel parses log.level.
func (c *Config) LogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("log.level: unknown level %q", c.Log.Level)
	}
	return l, nil
}

// WorkflowLimits converts the limits section.
func (c *Config) WorkflowLimits() workflow.Limits {
	return workflow.Limits{
		MaxEffects:      c.Limits.MaxEffects,
		MaxDomainEvents: c.Limits.MaxDomainEvents,
		MaxOutputBytes:  c.Limits.MaxOutputBytes,
	}
}
