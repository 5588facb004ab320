// Package config loads kvsd's runtime configuration: viper for file/env
// binding, pflag for CLI flags layered on top, covering the job-runtime
// limits (MAX_THREADS, MAX_BACKUPS, MAX_SESSIONS, MAX_SUBS) loaded by the kvs
// and server CLI entry points; the client entry point does not load it.
package config

import (
	"fmt"
	"runtime"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"kvsd/internal/logging"
)

// Limits carries the bounded-resource constants for the job and session
// subsystems.
type Limits struct {
	MaxWriteSize  int `mapstructure:"max_write_size"`
	MaxStringSize int `mapstructure:"max_string_size"`
	MaxPath       int `mapstructure:"max_path"`
	MaxSessions   int `mapstructure:"max_sessions"`
	MaxSubs       int `mapstructure:"max_subs"`
}

// RuntimeConfig controls the job runtime and backup budget shared by the
// job-only and server CLI modes.
type RuntimeConfig struct {
	JobsDir    string `mapstructure:"jobs_dir"`
	MaxThreads int    `mapstructure:"max_threads"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// SessionConfig controls the registration endpoint and session subsystem,
// used only by server mode.
type SessionConfig struct {
	RegisterPipePath string `mapstructure:"register_pipe_path"`
	// RegisterRateLimitPerSec bounds how fast CONNECT frames are accepted
	// off the register pipe.
	RegisterRateLimitPerSec float64 `mapstructure:"register_rate_limit_per_sec"`
	RegisterBurst           int     `mapstructure:"register_burst"`
}

// AdminConfig controls the additive admin/observability HTTP surface.
type AdminConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
	JWTSecret  string `mapstructure:"jwt_secret"`
}

// Config is the top-level configuration object.
type Config struct {
	Runtime RuntimeConfig    `mapstructure:"runtime"`
	Session SessionConfig    `mapstructure:"session"`
	Limits  Limits           `mapstructure:"limits"`
	Admin   AdminConfig      `mapstructure:"admin"`
	Logging logging.Config   `mapstructure:"logging"`
}

// Load reads configuration from an optional .env file, environment
// variables (prefixed KVSD_) and an optional kvsd.{yaml,json,...} config
// file, the same layering go-server-3/internal/config.Load uses.
func Load(flags *pflag.FlagSet) (Config, error) {
	_ = godotenv.Load() // optional; absence is not an error

	v := viper.New()

	v.SetDefault("limits.max_write_size", 256)
	v.SetDefault("limits.max_string_size", 40)
	v.SetDefault("limits.max_path", 4096)
	v.SetDefault("limits.max_sessions", 32)
	v.SetDefault("limits.max_subs", 16)

	v.SetDefault("runtime.max_threads", 0) // 0 => derived from NumCPU below
	v.SetDefault("runtime.max_backups", 1)

	v.SetDefault("session.register_rate_limit_per_sec", 50.0)
	v.SetDefault("session.register_burst", 10)

	v.SetDefault("admin.enabled", true)
	v.SetDefault("admin.listen_addr", ":9095")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetConfigName("kvsd")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("KVSD")
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	_ = v.ReadInConfig() // optional config file

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config unmarshal: %w", err)
	}

	if cfg.Runtime.MaxThreads <= 0 {
		cfg.Runtime.MaxThreads = runtime.NumCPU()
	}
	return cfg, nil
}
