// Package config loads runtime configuration for the canonflow daemon
// and CLI from config files, environment variables, and .env files.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Defaults applied when neither flags, env, nor config file set a value.
const (
	DefaultDatabasePath        = "canonflow.db"
	DefaultResolutionInterval  = 30 * time.Second
	DefaultResolutionBatchSize = 50
	DefaultAttemptCeiling      = 5
	DefaultWorkers             = 4
)

// Config holds the daemon configuration loaded from all sources.
type Config struct {
	// Global flags
	Verbose bool
	Quiet   bool
	Output  string

	// Config file
	ConfigFile string

	// Storage
	DatabasePath string

	// Background resolution
	ResolutionInterval  time.Duration
	ResolutionBatchSize int
	AttemptCeiling      int
	ResolveOnStart      bool
	InitialDelay        time.Duration

	// Ingestion
	Workers int

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads configuration in order of precedence:
// 1. Command-line flags (handled by cobra)
// 2. Environment variables (CANONFLOW_ prefix)
// 3. .env files
// 4. Config file (~/.canonflow.yaml)
// 5. Defaults
func Load() (*Config, error) {
	loadEnvFiles()

	viper.SetEnvPrefix("CANONFLOW")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	configFile := viper.GetString("config")
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
			viper.AddConfigPath(".")
			viper.SetConfigType("yaml")
			viper.SetConfigName(".canonflow")
		}
	}

	// Missing config file is fine; env and defaults still apply.
	_ = viper.ReadInConfig()

	cfg := &Config{
		Verbose: viper.GetBool("verbose"),
		Quiet:   viper.GetBool("quiet"),
		Output:  viper.GetString("output"),

		ConfigFile: viper.ConfigFileUsed(),

		DatabasePath: viper.GetString("database_path"),

		ResolutionInterval:  viper.GetDuration("resolution_interval"),
		ResolutionBatchSize: viper.GetInt("resolution_batch_size"),
		AttemptCeiling:      viper.GetInt("attempt_ceiling"),
		ResolveOnStart:      viper.GetBool("resolve_on_start"),
		InitialDelay:        viper.GetDuration("initial_delay"),

		Workers: viper.GetInt("workers"),

		LogLevel:  getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "auto"),
	}

	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults fills zero values with their defaults.
func (c *Config) applyDefaults() {
	if c.DatabasePath == "" {
		c.DatabasePath = DefaultDatabasePath
	}
	if c.ResolutionInterval <= 0 {
		c.ResolutionInterval = DefaultResolutionInterval
	}
	if c.ResolutionBatchSize <= 0 {
		c.ResolutionBatchSize = DefaultResolutionBatchSize
	}
	if c.AttemptCeiling <= 0 {
		c.AttemptCeiling = DefaultAttemptCeiling
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
}

// loadEnvFiles loads environment variables from .env files.
// .env.local overrides .env.
func loadEnvFiles() {
	for _, envFile := range []string{".env", ".env.local"} {
		_ = godotenv.Load(envFile)
	}
}

// getEnvOrDefault returns the environment variable value or the default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
