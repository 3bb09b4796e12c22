package config

import "github.com/spf13/viper"

// Default server port. Above the privileged range, easy to remember.
const DefaultServerPort = 8743

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"https://localhost",
		"http://127.0.0.1",
		"https://127.0.0.1",
	})

	// Storage defaults. data_dir has no default: it is required and
	// validated at startup.
	v.SetDefault("storage.archive_path", "")

	// Job manager defaults
	v.SetDefault("jobs.max_concurrent", 2)
	v.SetDefault("jobs.retention_hours", 168) // 7 days
	v.SetDefault("jobs.cancel_grace_seconds", 10)
	v.SetDefault("jobs.progress_events_per_second", 4.0)
	v.SetDefault("jobs.log_lines", 2000)

	// Engine defaults
	v.SetDefault("engine.binary_path", "yt-dlp")
	v.SetDefault("engine.format", "bv*+ba/b")
	v.SetDefault("engine.concurrent_fragments", 4)
	v.SetDefault("engine.rate_limit_mbps", 0.0)
}

// BindSensitiveEnvVars explicitly binds deployment-level configuration to
// environment variables. These are the environment inputs the core consumes.
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("storage.data_dir", "FETCHD_DATA_DIR")
	v.BindEnv("jobs.max_concurrent", "FETCHD_MAX_CONCURRENT")
	v.BindEnv("jobs.retention_hours", "FETCHD_RETENTION_HOURS")
	v.BindEnv("engine.binary_path", "FETCHD_ENGINE_BINARY")
}
