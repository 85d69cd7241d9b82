// Package config loads the core's runtime configuration by merging
// defaults, an optional config file, and environment variable
// overrides via viper — the same layering teacher repos in this
// project's lineage use for their own settings.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable named in spec.md, with the defaults the
// spec documents.
type Config struct {
	// CDP client (spec.md §4.1)
	RemoteDebugPort    int           `mapstructure:"remote_debug_port"`
	ConnectReuseWindow time.Duration `mapstructure:"connect_reuse_window"`
	ProbeTimeout       time.Duration `mapstructure:"probe_timeout"`
	ConnectTimeout     time.Duration `mapstructure:"connect_timeout"`
	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval"`
	MaxReconnectAttempts int         `mapstructure:"max_reconnect_attempts"`
	CommandTimeout     time.Duration `mapstructure:"command_timeout"`

	// Chrome launcher (spec.md §4.2)
	ChromeBinaryPath string        `mapstructure:"chrome_binary_path"`
	AutoLaunch       bool          `mapstructure:"auto_launch"`
	LaunchTimeout    time.Duration `mapstructure:"launch_timeout"`
	LaunchRetryWindow time.Duration `mapstructure:"launch_retry_window"`
	Headless         bool          `mapstructure:"headless"`

	// Page pool (spec.md §4.4)
	MinPoolSize     int           `mapstructure:"min_pool_size"`
	MaxPoolSize     int           `mapstructure:"max_pool_size"`
	PageIdleTimeout time.Duration `mapstructure:"page_idle_timeout"`
	PreWarm         bool          `mapstructure:"pre_warm"`
	BatchConcurrency int          `mapstructure:"batch_concurrency"`
	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval"`

	// Screenshot scheduler (spec.md §4.5)
	ScreenshotConcurrency int `mapstructure:"screenshot_concurrency"`

	// Session manager (spec.md §4.6)
	MaxSessions       int           `mapstructure:"max_sessions"`
	SessionTTL        time.Duration `mapstructure:"session_ttl"`
	CleanupInterval   time.Duration `mapstructure:"cleanup_interval"`

	// Workflow engine (spec.md §4.7)
	DefaultWorkerTimeout  time.Duration `mapstructure:"default_worker_timeout"`
	DefaultGlobalTimeout  time.Duration `mapstructure:"default_global_timeout"`
	MaxStaleIterations    int           `mapstructure:"max_stale_iterations"`

	// Cookie bridge (spec.md §4.9)
	CookieCacheTTL time.Duration `mapstructure:"cookie_cache_ttl"`

	// Ambient
	AuditLogPath string `mapstructure:"audit_log_path"`
}

// Default returns a Config populated with every default value spec.md
// names explicitly.
func Default() Config {
	return Config{
		RemoteDebugPort:      9222,
		ConnectReuseWindow:   10 * time.Second,
		ProbeTimeout:         5 * time.Second,
		ConnectTimeout:       15 * time.Second,
		HeartbeatInterval:    5 * time.Second,
		MaxReconnectAttempts: 5,
		CommandTimeout:       30 * time.Second,

		AutoLaunch:        true,
		LaunchTimeout:     30 * time.Second,
		LaunchRetryWindow: 5 * time.Second,
		Headless:          false,

		MinPoolSize:         5,
		MaxPoolSize:         0, // recycling disabled by default; see SPEC_FULL.md §9
		PageIdleTimeout:     5 * time.Minute,
		PreWarm:             true,
		BatchConcurrency:    10,
		MaintenanceInterval: 30 * time.Second,

		ScreenshotConcurrency: 5,

		MaxSessions:     50,
		SessionTTL:      30 * time.Minute,
		CleanupInterval: 5 * time.Minute,

		DefaultWorkerTimeout: 60 * time.Second,
		DefaultGlobalTimeout: 5 * time.Minute,
		MaxStaleIterations:   5,

		CookieCacheTTL: 5 * time.Minute,
	}
}

// Load merges Default() with an optional config file (searched as
// "browserparallel-config" in $HOME and the working directory, same
// lookup shape as the teacher lineage's own CLI config) and
// BROWSERPARALLEL_-prefixed environment variables, which take highest
// precedence.
func Load() (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigName("browserparallel-config")
	v.SetConfigType("json")
	v.AddConfigPath("$HOME")
	v.AddConfigPath(".")

	v.SetEnvPrefix("browserparallel")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindDefaults(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return cfg, fmt.Errorf("config: failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("config: failed to unmarshal: %w", err)
	}

	// A handful of settings map to the environment variables spec.md
	// §6 names explicitly, independent of the BROWSERPARALLEL_ prefix.
	_ = v.BindEnv("remote_debug_port_override", "REMOTE_DEBUG_PORT")
	if p := v.GetString("remote_debug_port_override"); p != "" {
		if n, err := parsePort(p); err == nil {
			cfg.RemoteDebugPort = n
		}
	}

	return cfg, nil
}

func bindDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("remote_debug_port", cfg.RemoteDebugPort)
	v.SetDefault("connect_reuse_window", cfg.ConnectReuseWindow)
	v.SetDefault("probe_timeout", cfg.ProbeTimeout)
	v.SetDefault("connect_timeout", cfg.ConnectTimeout)
	v.SetDefault("heartbeat_interval", cfg.HeartbeatInterval)
	v.SetDefault("max_reconnect_attempts", cfg.MaxReconnectAttempts)
	v.SetDefault("command_timeout", cfg.CommandTimeout)
	v.SetDefault("chrome_binary_path", cfg.ChromeBinaryPath)
	v.SetDefault("auto_launch", cfg.AutoLaunch)
	v.SetDefault("launch_timeout", cfg.LaunchTimeout)
	v.SetDefault("launch_retry_window", cfg.LaunchRetryWindow)
	v.SetDefault("headless", cfg.Headless)
	v.SetDefault("min_pool_size", cfg.MinPoolSize)
	v.SetDefault("max_pool_size", cfg.MaxPoolSize)
	v.SetDefault("page_idle_timeout", cfg.PageIdleTimeout)
	v.SetDefault("pre_warm", cfg.PreWarm)
	v.SetDefault("batch_concurrency", cfg.BatchConcurrency)
	v.SetDefault("maintenance_interval", cfg.MaintenanceInterval)
	v.SetDefault("screenshot_concurrency", cfg.ScreenshotConcurrency)
	v.SetDefault("max_sessions", cfg.MaxSessions)
	v.SetDefault("session_ttl", cfg.SessionTTL)
	v.SetDefault("cleanup_interval", cfg.CleanupInterval)
	v.SetDefault("default_worker_timeout", cfg.DefaultWorkerTimeout)
	v.SetDefault("default_global_timeout", cfg.DefaultGlobalTimeout)
	v.SetDefault("max_stale_iterations", cfg.MaxStaleIterations)
	v.SetDefault("cookie_cache_ttl", cfg.CookieCacheTTL)
	v.SetDefault("audit_log_path", cfg.AuditLogPath)
}

func parsePort(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}
