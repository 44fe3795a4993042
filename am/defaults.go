package am

import (
	"fmt"

	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "calsync.db")

	v.SetDefault("pulse.workers", 2)
	v.SetDefault("pulse.ticker_interval_seconds", 60)
	v.SetDefault("pulse.poll_interval_seconds", 5)
	v.SetDefault("pulse.cancel_poll_interval_seconds", 2)
	v.SetDefault("pulse.orphan_after_minutes", 60)
	v.SetDefault("pulse.max_spawns_per_minute", 0)

	v.SetDefault("sync.command", "calendar-sync")
	v.SetDefault("sync.scratch_root", "")
	v.SetDefault("sync.keep_scratch", false)
	v.SetDefault("sync.kill_grace_seconds", 10)
	v.SetDefault("sync.stderr_tail_lines", 20)

	v.SetDefault("secrets.at_rest_key", "")
	v.SetDefault("secrets.bundle_passphrase", "")
	v.SetDefault("secrets.encryptor_command", DefaultEncryptorCommand)

	v.SetDefault("logs.root", "run-logs")
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("database.path", "CALSYNC_DATABASE_PATH")
	v.BindEnv("secrets.at_rest_key", "CALSYNC_SECRETS_AT_REST_KEY")
	v.BindEnv("secrets.bundle_passphrase", "CALSYNC_SECRETS_BUNDLE_PASSPHRASE")
}

// GetServerPort returns the configured server port or DefaultServerPort
func (c *Config) GetServerPort() int {
	if c.Server.Port == nil {
		return DefaultServerPort
	}
	return *c.Server.Port
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "calsync.db"
	}
	return c.Database.Path
}

// Redacted returns a copy with secret values masked, for display.
func (c *Config) Redacted() Config {
	out := *c
	if out.Secrets.AtRestKey != "" {
		out.Secrets.AtRestKey = "********"
	}
	if out.Secrets.BundlePassphrase != "" {
		out.Secrets.BundlePassphrase = "********"
	}
	return out
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Pulse: {Workers: %d, Ticker: %ds}, Sync: {Command: %s}, Logs: %s}",
		c.Database.Path, c.Pulse.Workers, c.Pulse.TickerIntervalSeconds, c.Sync.Command, c.Logs.Root)
}
