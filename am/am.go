package am

import "time"

// Config represents the calsync configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Pulse    PulseConfig    `mapstructure:"pulse"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Secrets  SecretsConfig  `mapstructure:"secrets"`
	Logs     LogsConfig     `mapstructure:"logs"`
	Server   ServerConfig   `mapstructure:"server"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// PulseConfig configures the scheduler ticker and the run executor pool
type PulseConfig struct {
	Workers                   int `mapstructure:"workers"`                      // Concurrent run executors (0 = scheduler only)
	TickerIntervalSeconds     int `mapstructure:"ticker_interval_seconds"`      // How often due jobs are enqueued (0 = no ticker)
	PollIntervalSeconds       int `mapstructure:"poll_interval_seconds"`        // How often idle workers look for pending runs
	CancelPollIntervalSeconds int `mapstructure:"cancel_poll_interval_seconds"` // How often a running run checks for a cancel request
	OrphanAfterMinutes        int `mapstructure:"orphan_after_minutes"`         // Running runs older than this are failed on start (0 = disabled)
	MaxSpawnsPerMinute        int `mapstructure:"max_spawns_per_minute"`        // Sync tool spawn limit (0 = unlimited)
}

// SyncConfig configures the external sync tool invocation
type SyncConfig struct {
	Command          string `mapstructure:"command"`            // Executable plus optional extra args, shell-quoted
	ScratchRoot      string `mapstructure:"scratch_root"`       // Parent of per-run scratch dirs (empty = OS temp dir)
	KeepScratch      bool   `mapstructure:"keep_scratch"`       // Retain scratch dirs for debugging
	KillGraceSeconds int    `mapstructure:"kill_grace_seconds"` // SIGTERM to SIGKILL delay on cancel
	StderrTailLines  int    `mapstructure:"stderr_tail_lines"`  // Stderr lines copied into a failed run's message
}

// SecretsConfig configures token encryption
type SecretsConfig struct {
	AtRestKey        string `mapstructure:"at_rest_key"`       // base64, 32 bytes
	BundlePassphrase string `mapstructure:"bundle_passphrase"` // passphrase for the tool's envelope
	EncryptorCommand string `mapstructure:"encryptor_command"` // passphrase utility, read passphrase from fd 0
}

// LogsConfig configures the run log store
type LogsConfig struct {
	Root string `mapstructure:"root"`
}

// ServerConfig configures the read-only HTTP API
type ServerConfig struct {
	Port *int `mapstructure:"port"` // nil = DefaultServerPort, 0 is invalid (omit for default)
}

// DefaultServerPort is used when server.port is not configured
const DefaultServerPort = 8787

// DefaultEncryptorCommand encrypts stdin symmetrically, reading the passphrase
// from the first line of stdin.
const DefaultEncryptorCommand = "gpg --batch --yes --quiet --pinentry-mode loopback --passphrase-fd 0 --symmetric --armor --cipher-algo AES256"

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)

// TickerInterval returns the ticker period
func (p PulseConfig) TickerInterval() time.Duration {
	return time.Duration(p.TickerIntervalSeconds) * time.Second
}

// PollInterval returns the idle worker poll period
func (p PulseConfig) PollInterval() time.Duration {
	return time.Duration(p.PollIntervalSeconds) * time.Second
}

// CancelPollInterval returns how often running runs check for cancel requests
func (p PulseConfig) CancelPollInterval() time.Duration {
	return time.Duration(p.CancelPollIntervalSeconds) * time.Second
}

// OrphanAfter returns the age after which a running run is considered orphaned
func (p PulseConfig) OrphanAfter() time.Duration {
	return time.Duration(p.OrphanAfterMinutes) * time.Minute
}

// KillGrace returns the delay between SIGTERM and SIGKILL
func (s SyncConfig) KillGrace() time.Duration {
	return time.Duration(s.KillGraceSeconds) * time.Second
}
