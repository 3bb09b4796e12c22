package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/fetchkit/fetchd/errors"
	"github.com/fetchkit/fetchd/logger"
)

// ConfigFileName is the canonical config file name searched for at load time
const ConfigFileName = "fetchd.toml"

// Load reads configuration with the following precedence (highest wins):
//
//  1. Environment variables (FETCHD_ prefix)
//  2. Explicit config file path, when given
//  3. fetchd.toml discovered from the working directory upward
//  4. fetchd.toml in the user config directory (~/.config/fetchd/)
//  5. Built-in defaults
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")

	SetDefaults(v)

	// Environment variable support: FETCHD_SERVER_PORT -> server.port
	v.SetEnvPrefix("FETCHD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	BindSensitiveEnvVars(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
		}
	} else if err := mergeConfigFiles(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if used := v.ConfigFileUsed(); used != "" {
		logger.Debugw("Loaded configuration", "file", used)
	}

	return &cfg, nil
}

// mergeConfigFiles discovers and merges fetchd.toml files. The user config
// directory is merged first, then files from the filesystem root down to the
// working directory, so the nearest file wins per key.
func mergeConfigFiles(v *viper.Viper) error {
	var paths []string

	if userDir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(userDir, "fetchd", ConfigFileName))
	}

	if wd, err := os.Getwd(); err == nil {
		// Collect ancestor directories, root first
		var chain []string
		for dir := wd; ; dir = filepath.Dir(dir) {
			chain = append([]string{filepath.Join(dir, ConfigFileName)}, chain...)
			if dir == filepath.Dir(dir) {
				break
			}
		}
		paths = append(paths, chain...)
	}

	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		v.SetConfigFile(p)
		if err := v.MergeInConfig(); err != nil {
			return errors.Wrapf(err, "failed to merge config file %s", p)
		}
	}

	return nil
}

// Validate checks the configuration for values the daemon cannot run with
func (c *Config) Validate() error {
	if c.Storage.DataDir == "" {
		return errors.New("storage.data_dir is required (set FETCHD_DATA_DIR or storage.data_dir in fetchd.toml)")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.Newf("server.port %d out of range", c.Server.Port)
	}
	if c.Jobs.MaxConcurrent < 1 {
		return errors.Newf("jobs.max_concurrent must be at least 1, got %d", c.Jobs.MaxConcurrent)
	}
	if c.Jobs.RetentionHours < 0 {
		return errors.Newf("jobs.retention_hours cannot be negative, got %d", c.Jobs.RetentionHours)
	}
	if c.Jobs.CancelGraceSeconds < 0 {
		return errors.Newf("jobs.cancel_grace_seconds cannot be negative, got %d", c.Jobs.CancelGraceSeconds)
	}
	if c.Engine.BinaryPath == "" {
		return errors.New("engine.binary_path cannot be empty")
	}
	return nil
}
