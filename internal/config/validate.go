package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	logx "autobc/pkg/logx"
	"autobc/pkg/timespec"
)

const (
	MinBroadcastInterval = time.Hour
	MaxBroadcastInterval = 72 * time.Hour
	MaxBroadcastDelay    = 60 * time.Second
)

// Validate checks values that do not depend on the process mode. Mode
// specific requirements (token, owners, sender credentials) are checked by
// the app when it wires components.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) time.Duration {
		d, err := ParseDurationField(path, raw)
		add(err)
		return d
	}

	dur("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	dur("telegram.command_timeout", cfg.Telegram.CommandTimeout)

	switch strings.ToLower(strings.TrimSpace(cfg.Sender.Driver)) {
	case "", "mtproto", "bot":
	default:
		add(fmt.Errorf("sender.driver: unknown driver %q (want mtproto or bot)", cfg.Sender.Driver))
	}
	if cfg.Sender.RatePerSec < 0 || cfg.Sender.Burst < 0 {
		add(errors.New("sender.rate_per_sec and sender.burst must be >= 0"))
	}
	dur("sender.connect_timeout", cfg.Sender.ConnectTimeout)

	b := cfg.Broadcast
	dur("broadcast.poll_interval", b.PollInterval)
	dur("broadcast.slowmode_wait", b.SlowmodeWait)
	dur("broadcast.flood_wait", b.FloodWait)
	if b.MaxAttempts < 0 {
		add(errors.New("broadcast.max_attempts must be >= 0"))
	}
	if d := dur("broadcast.default_interval", b.DefaultInterval); d != 0 && (d < MinBroadcastInterval || d > MaxBroadcastInterval) {
		add(fmt.Errorf("broadcast.default_interval: %s outside %s..%s", d, MinBroadcastInterval, MaxBroadcastInterval))
	}
	if d := dur("broadcast.default_delay", b.DefaultDelay); d > MaxBroadcastDelay {
		add(fmt.Errorf("broadcast.default_delay: %s above %s", d, MaxBroadcastDelay))
	}

	if !logx.ValidLevel(cfg.Logging.Level) {
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if cfg.Logging.Telegram.MinLevel != "" && !logx.ValidLevel(cfg.Logging.Telegram.MinLevel) {
		add(fmt.Errorf("logging.telegram.min_level: unknown level %q", cfg.Logging.Telegram.MinLevel))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite", "sqlite3", "memory", "mem":
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	hk := cfg.Housekeeping
	dur("housekeeping.audit_retention", hk.AuditRetention)
	dur("housekeeping.timeout", hk.Timeout)
	if hk.Enabled && strings.TrimSpace(hk.Schedule) != "" {
		if _, err := timespec.ParseSchedule(hk.Schedule); err != nil {
			add(fmt.Errorf("housekeeping.schedule: %w", err))
		}
	}

	return errors.Join(errs...)
}
