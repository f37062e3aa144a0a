// Package config loads and persists the tool's YAML configuration.
package config

import (
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"github.com/rs/zerolog/log"
	yaml "gopkg.in/yaml.v3"

	"github.com/gdrive-zipbackup/lib/parallel"
)

// Config holds every recognized configuration key.
type Config struct {
	RemoteBackupRootID      string   `yaml:"remote_backup_root_id"`
	ArchiveOutputDir        string   `yaml:"archive_output_dir"`
	TempWorkDir             string   `yaml:"temp_work_dir"`
	RemoteRestoreParentID   string   `yaml:"remote_restore_parent_id"`
	BackupCycleHours        int      `yaml:"backup_cycle_hours"`
	MaxParallelTasks        int      `yaml:"max_parallel_tasks"`
	ExcludedRelativePaths   []string `yaml:"excluded_relative_paths"`
	LastSuccessfulBackupUTC string   `yaml:"last_successful_backup_utc"`
	LogLevel                string   `yaml:"log"`
	Auth                    Auth     `yaml:"auth"`
}

// Auth configures how the Drive client authenticates.
type Auth struct {
	ConfigDir          string `yaml:"config_dir"`
	ServiceAccountFile string `yaml:"service_account_file"`
	Impersonate        string `yaml:"impersonate"`
	EnvAuth            bool   `yaml:"env_auth"`
}

// DefaultPath returns the default config location for the tool.
func DefaultPath() string {
	confDir, err := os.UserConfigDir()
	if err != nil {
		log.Error().Err(err).Msg("Could not determine configuration directory.")
	}
	return filepath.Join(confDir, "gdrive-zipbackup/config.yml")
}

// defaults returns the built-in configuration.
func defaults() Config {
	cacheDir, _ := os.UserCacheDir()
	return Config{
		ArchiveOutputDir: filepath.Join(cacheDir, "gdrive-zipbackup", "archives"),
		TempWorkDir:      filepath.Join(cacheDir, "gdrive-zipbackup", "work"),
		BackupCycleHours: 24,
		MaxParallelTasks: 1,
		LogLevel:         "info",
	}
}

// Load is the primary way of loading the tool's config. A missing or broken
// file is reported and the defaults are used; values from the file are
// merged over the defaults.
func Load(path string) *Config {
	def := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).
			Msg("Configuration file not found, using defaults.")
		return &def
	}

	config := &Config{}
	if err = yaml.Unmarshal(data, config); err != nil {
		log.Error().Err(err).Str("path", path).
			Msg("Could not parse configuration file, using defaults.")
	}
	if err = mergo.Merge(config, def); err != nil {
		log.Error().Err(err).Str("path", path).
			Msg("Could not merge configuration file with defaults, using defaults only.")
		return &def
	}

	config.MaxParallelTasks = parallel.ClampLimit(config.MaxParallelTasks)
	return config
}

// Write persists the config, used to record the last successful backup.
func (c *Config) Write(path string) error {
	out, err := yaml.Marshal(c)
	if err != nil {
		log.Error().Err(err).Msg("Could not marshal config.")
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		log.Error().Err(err).Msg("Could not write config to disk.")
		return err
	}
	return nil
}

// BackupDue reports whether the configured backup cycle has elapsed since
// the last recorded successful backup. The engines never consult this; the
// CLI wrapper does.
func (c *Config) BackupDue(now time.Time) bool {
	if c.LastSuccessfulBackupUTC == "" {
		return true
	}
	last, err := time.Parse(time.RFC3339, c.LastSuccessfulBackupUTC)
	if err != nil {
		log.Warn().Str("value", c.LastSuccessfulBackupUTC).
			Msg("Unparseable last_successful_backup_utc, assuming a backup is due.")
		return true
	}
	return now.Sub(last) >= time.Duration(c.BackupCycleHours)*time.Hour
}
