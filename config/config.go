// Package config owns the fetchd configuration: a single Config object is
// constructed at startup and passed by reference into the job manager, worker
// pool, and server. No component reads configuration globals at runtime.
package config

import "fmt"

// Config represents the core fetchd configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	Jobs    JobsConfig    `mapstructure:"jobs"`
	Engine  EngineConfig  `mapstructure:"engine"`
}

// ServerConfig configures the fetchd HTTP/WebSocket server
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// StorageConfig configures where fetchd keeps its state
type StorageConfig struct {
	// DataDir is the data root directory (required). Job snapshots and
	// per-job substructure blobs live under it.
	DataDir string `mapstructure:"data_dir"`

	// ArchivePath is the SQLite database holding jobs removed by the
	// retention sweep. Defaults to <data_dir>/archive.db when empty.
	ArchivePath string `mapstructure:"archive_path"`
}

// JobsConfig configures the job manager and worker pool
type JobsConfig struct {
	// MaxConcurrent is the worker pool width: the number of jobs that may
	// execute engine invocations at the same time (default: 2)
	MaxConcurrent int `mapstructure:"max_concurrent"`

	// RetentionHours is how long terminal jobs are kept before the sweep
	// archives them (default: 168 = 7 days)
	RetentionHours int `mapstructure:"retention_hours"`

	// CancelGraceSeconds is how long a cancel waits for the engine to
	// acknowledge before the process is force-terminated (default: 10)
	CancelGraceSeconds int `mapstructure:"cancel_grace_seconds"`

	// ProgressEventsPerSecond rate-limits progress event emission per job
	// so a chatty engine cannot flood subscribers (default: 4)
	ProgressEventsPerSecond float64 `mapstructure:"progress_events_per_second"`

	// LogLines is the per-job engine log ring limit (default: 2000)
	LogLines int `mapstructure:"log_lines"`
}

// EngineConfig configures the external extraction/download engine
type EngineConfig struct {
	// BinaryPath is the engine executable (default: "yt-dlp" on PATH)
	BinaryPath string `mapstructure:"binary_path"`

	// OutputDir is where downloaded files land. Defaults to
	// <data_dir>/downloads when empty.
	OutputDir string `mapstructure:"output_dir"`

	// Format is the default engine format selector (default: "bv*+ba/b")
	Format string `mapstructure:"format"`

	// ConcurrentFragments is passed to the engine as -N (default: 4)
	ConcurrentFragments int `mapstructure:"concurrent_fragments"`

	// RateLimitMBps throttles the engine's download rate; 0 = unlimited
	RateLimitMBps float64 `mapstructure:"rate_limit_mbps"`

	// ExtraArgs is a shell-quoted string of additional engine arguments
	// appended to every invocation (e.g. `--cookies /path --proxy http://...`)
	ExtraArgs string `mapstructure:"extra_args"`
}

// GetArchivePath returns the archive database path with the default applied
func (c *Config) GetArchivePath() string {
	if c.Storage.ArchivePath != "" {
		return c.Storage.ArchivePath
	}
	return c.Storage.DataDir + "/archive.db"
}

// GetEngineOutputDir returns the download output directory with the default applied
func (c *Config) GetEngineOutputDir() string {
	if c.Engine.OutputDir != "" {
		return c.Engine.OutputDir
	}
	return c.Storage.DataDir + "/downloads"
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{DataDir: %s, Server: {Port: %d}, Jobs: {MaxConcurrent: %d}}",
		c.Storage.DataDir, c.Server.Port, c.Jobs.MaxConcurrent)
}
