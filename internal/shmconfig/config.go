// Package shmconfig resolves the engine's tunables — segment directory and
// size, reaper interval, and the debug toggles spec.md §6 names —
// from environment variables and an optional config file, the way the
// teacher's cmd/vcs root command layers viper over cobra flags.
package shmconfig

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix every environment variable is read under, so
// SHMSTM_DEBUG (spec.md §6) becomes the Debug field below and
// SHMSTM_SEGMENT_SIZE becomes SegmentSize, etc.
const EnvPrefix = "SHMSTM"

// Config holds the engine's tunables. Fields mirror spec.md §6's named
// knobs plus the §5/§7 ambient additions (reaper interval). Load only
// resolves the values; no package in this module applies a Config to a
// segment, coordinator or engine.
type Config struct {
	// SegmentDir is the directory named segments are created/attached in.
	SegmentDir string `mapstructure:"segment_dir"`

	// SegmentSize is the default size of a newly created segment, in bytes.
	SegmentSize uint64 `mapstructure:"segment_size"`

	// ReaperIntervalMS is a grace period between liveness sweeps, in
	// milliseconds. The coordinator's reaper does not read it; it runs on
	// the fixed internal/coordinator.ReaperInterval.
	ReaperIntervalMS int `mapstructure:"reaper_interval_ms"`

	// Debug enables verbose structured logging and is the single
	// SHMSTM_DEBUG variable spec.md §6 names.
	Debug bool `mapstructure:"debug"`

	// RandomFlinch arms the commit-path random backoff debug knob
	// (set_random_flinch, spec §6) at startup instead of requiring a
	// runtime call.
	RandomFlinch bool `mapstructure:"random_flinch"`

	// DebugSynchronousReclaim arms set_debug_reclaimer (SPEC_FULL §7) at
	// startup.
	DebugSynchronousReclaim bool `mapstructure:"debug_synchronous_reclaim"`
}

// Defaults returns the engine's built-in defaults, used before any
// environment variable or config file is applied.
func Defaults() Config {
	return Config{
		SegmentDir:       ".",
		SegmentSize:      256 * 1024 * 1024,
		ReaperIntervalMS: 2000,
	}
}

// Load resolves a Config from (in increasing priority) built-in defaults,
// an optional YAML file at configPath, and SHMSTM_-prefixed environment
// variables. configPath may be empty, in which case only defaults and the
// environment apply — viper.ReadInConfig is skipped rather than treated
// as an error, since a config file is always optional here.
func Load(configPath string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := Defaults()
	v.SetDefault("segment_dir", def.SegmentDir)
	v.SetDefault("segment_size", def.SegmentSize)
	v.SetDefault("reaper_interval_ms", def.ReaperIntervalMS)
	v.SetDefault("debug", def.Debug)
	v.SetDefault("random_flinch", def.RandomFlinch)
	v.SetDefault("debug_synchronous_reclaim", def.DebugSynchronousReclaim)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("shmconfig: read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("shmconfig: unmarshal: %w", err)
	}
	return cfg, nil
}
