// Package config loads engine settings from an optional YAML file and
// TASKTREE_-prefixed environment variables, with defaults for everything.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"

	"tasktree/internal/task"
)

// Config carries every tunable the engines accept.
type Config struct {
	StorePath       string        `mapstructure:"storePath"`
	WarnAfter       time.Duration `mapstructure:"warnAfter"`
	StaleAfter      time.Duration `mapstructure:"staleAfter"`
	VelocityEpsilon float64       `mapstructure:"velocityEpsilon"` // percentage points per day
	HealthBonus     float64       `mapstructure:"healthBonus"`
}

// Default returns the built-in configuration: warn at 3 idle days, stale at
// 7, epsilon 0.5 %/day, health bonus 10.
func Default() Config {
	return Config{
		StorePath:       "tasktree.db",
		WarnAfter:       72 * time.Hour,
		StaleAfter:      168 * time.Hour,
		VelocityEpsilon: 0.5,
		HealthBonus:     10,
	}
}

// Load reads configuration from path (optional; "" skips the file), layered
// under environment overrides like TASKTREE_STORE_PATH. A missing file is
// fine; a malformed one is an error.
func Load(path string) (Config, error) {
	v := viper.New()

	def := Default()
	v.SetDefault("store.path", def.StorePath)
	v.SetDefault("activity.warnAfter", def.WarnAfter)
	v.SetDefault("activity.staleAfter", def.StaleAfter)
	v.SetDefault("activity.velocityEpsilon", def.VelocityEpsilon)
	v.SetDefault("activity.healthBonus", def.HealthBonus)

	v.SetEnvPrefix("TASKTREE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := Config{
		StorePath:       v.GetString("store.path"),
		WarnAfter:       v.GetDuration("activity.warnAfter"),
		StaleAfter:      v.GetDuration("activity.staleAfter"),
		VelocityEpsilon: v.GetFloat64("activity.velocityEpsilon"),
		HealthBonus:     v.GetFloat64("activity.healthBonus"),
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.WarnAfter <= 0 || c.StaleAfter <= 0 {
		return task.ValidationFailure("staleness thresholds must be positive", map[string]interface{}{
			"warnAfter": c.WarnAfter.String(), "staleAfter": c.StaleAfter.String(),
		})
	}
	if c.WarnAfter >= c.StaleAfter {
		return task.ValidationFailure("warn threshold must come before the stale threshold", map[string]interface{}{
			"warnAfter": c.WarnAfter.String(), "staleAfter": c.StaleAfter.String(),
		})
	}
	if c.VelocityEpsilon <= 0 {
		return task.ValidationFailure("velocity epsilon must be positive", map[string]interface{}{
			"velocityEpsilon": c.VelocityEpsilon,
		})
	}
	return nil
}
