package am

import (
	"encoding/base64"

	"github.com/kballard/go-shellquote"

	"github.com/teranos/calsync/errors"
)

// AtRestKeySize is the decoded length of secrets.at_rest_key
const AtRestKeySize = 32

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port != nil && *c.Server.Port == 0 {
		return errors.Newf("server.port cannot be 0 (omit for default port %d)", DefaultServerPort)
	}
	if c.Server.Port != nil && *c.Server.Port < 0 {
		return errors.Newf("server.port must be positive, got %d", *c.Server.Port)
	}

	// 0 = disabled, negative = invalid
	if c.Pulse.Workers < 0 {
		return errors.Newf("pulse.workers must be >= 0, got %d", c.Pulse.Workers)
	}
	if c.Pulse.TickerIntervalSeconds < 0 {
		return errors.Newf("pulse.ticker_interval_seconds must be >= 0, got %d", c.Pulse.TickerIntervalSeconds)
	}
	if c.Pulse.OrphanAfterMinutes < 0 {
		return errors.Newf("pulse.orphan_after_minutes must be >= 0, got %d", c.Pulse.OrphanAfterMinutes)
	}
	if c.Pulse.MaxSpawnsPerMinute < 0 {
		return errors.Newf("pulse.max_spawns_per_minute must be >= 0, got %d", c.Pulse.MaxSpawnsPerMinute)
	}

	if c.Pulse.Workers > 0 {
		if c.Pulse.PollIntervalSeconds <= 0 {
			return errors.Newf("pulse.poll_interval_seconds must be > 0 when workers are enabled, got %d", c.Pulse.PollIntervalSeconds)
		}
		if c.Pulse.CancelPollIntervalSeconds <= 0 {
			return errors.Newf("pulse.cancel_poll_interval_seconds must be > 0 when workers are enabled, got %d", c.Pulse.CancelPollIntervalSeconds)
		}
	}

	if err := validateCommand("sync.command", c.Sync.Command); err != nil {
		return err
	}
	if c.Sync.KillGraceSeconds < 0 {
		return errors.Newf("sync.kill_grace_seconds must be >= 0, got %d", c.Sync.KillGraceSeconds)
	}
	if c.Sync.StderrTailLines < 0 {
		return errors.Newf("sync.stderr_tail_lines must be >= 0, got %d", c.Sync.StderrTailLines)
	}

	if c.Secrets.AtRestKey != "" {
		key, err := base64.StdEncoding.DecodeString(c.Secrets.AtRestKey)
		if err != nil {
			return errors.WithHint(
				errors.Wrap(err, "secrets.at_rest_key is not valid base64"),
				"generate one with: head -c 32 /dev/urandom | base64",
			)
		}
		if len(key) != AtRestKeySize {
			return errors.Newf("secrets.at_rest_key must decode to %d bytes, got %d", AtRestKeySize, len(key))
		}
	}
	if err := validateCommand("secrets.encryptor_command", c.Secrets.EncryptorCommand); err != nil {
		return err
	}

	if c.Logs.Root == "" {
		return errors.New("logs.root cannot be empty")
	}

	return nil
}

func validateCommand(key, command string) error {
	args, err := shellquote.Split(command)
	if err != nil {
		return errors.Wrapf(err, "%s cannot be parsed", key)
	}
	if len(args) == 0 {
		return errors.Newf("%s cannot be empty", key)
	}
	return nil
}
