package app

import (
	"time"

	"autobc/internal/broadcast"
	"autobc/internal/config"
	"autobc/internal/housekeeping"
	"autobc/internal/panel"
	"autobc/internal/storage"
	"autobc/internal/transport/mtproto"
	logx "autobc/pkg/logx"
)

const defaultDelay = 5 * time.Second

func mapLoggingConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled:    l.File.Enabled,
			Path:       l.File.Path,
			MaxSizeMB:  l.File.MaxSizeMB,
			MaxBackups: l.File.MaxBackups,
			MaxAgeDays: l.File.MaxAgeDays,
			Compress:   l.File.Compress,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled && cfg.Telegram.GroupLog != 0,
			ChatID:     cfg.Telegram.GroupLog,
			ThreadID:   l.Telegram.ThreadID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

// mapBroadcastConfig returns the engine options and the scheduler poll
// interval. Zero values fall back to the broadcast package defaults.
func mapBroadcastConfig(cfg *config.Config) (broadcast.Options, time.Duration, error) {
	b := cfg.Broadcast
	poll, err := config.ParseDurationOrDefault("broadcast.poll_interval", b.PollInterval, broadcast.DefaultPollInterval)
	if err != nil {
		return broadcast.Options{}, 0, err
	}
	slow, err := config.ParseDurationField("broadcast.slowmode_wait", b.SlowmodeWait)
	if err != nil {
		return broadcast.Options{}, 0, err
	}
	flood, err := config.ParseDurationField("broadcast.flood_wait", b.FloodWait)
	if err != nil {
		return broadcast.Options{}, 0, err
	}
	return broadcast.Options{MaxAttempts: b.MaxAttempts, SlowModeWait: slow, FloodWait: flood}, poll, nil
}

func mapDefaults(cfg *config.Config) (storage.Defaults, error) {
	interval, err := config.ParseDurationOrDefault("broadcast.default_interval", cfg.Broadcast.DefaultInterval, broadcast.DefaultInterval)
	if err != nil {
		return storage.Defaults{}, err
	}
	// An explicit "0s" delay is valid, so an empty string is the only
	// spelling of "use the default".
	delay := defaultDelay
	if cfg.Broadcast.DefaultDelay != "" {
		if delay, err = config.ParseDurationField("broadcast.default_delay", cfg.Broadcast.DefaultDelay); err != nil {
			return storage.Defaults{}, err
		}
	}
	return storage.Defaults{Interval: interval, Delay: delay}, nil
}

func mapPanelConfig(cfg *config.Config) (panel.Config, error) {
	def, err := mapDefaults(cfg)
	if err != nil {
		return panel.Config{}, err
	}
	timeout, err := config.ParseDurationField("telegram.command_timeout", cfg.Telegram.CommandTimeout)
	if err != nil {
		return panel.Config{}, err
	}
	return panel.Config{
		Owners:         append([]int64(nil), cfg.Telegram.OwnerUserIDs...),
		Defaults:       def,
		CommandTimeout: timeout,
	}, nil
}

func mapMTProtoConfig(cfg *config.Config) (mtproto.Config, error) {
	s := cfg.Sender
	timeout, err := config.ParseDurationField("sender.connect_timeout", s.ConnectTimeout)
	if err != nil {
		return mtproto.Config{}, err
	}
	return mtproto.Config{
		APIID:          s.APIID,
		APIHash:        s.APIHash,
		Phone:          s.Phone,
		Password:       s.Password,
		SessionFile:    s.SessionFile,
		RatePerSec:     s.RatePerSec,
		Burst:          s.Burst,
		ConnectTimeout: timeout,
	}, nil
}

// mapHousekeepingConfig reports whether housekeeping is enabled.
func mapHousekeepingConfig(cfg *config.Config) (housekeeping.Config, bool, error) {
	h := cfg.Housekeeping
	if !h.Enabled {
		return housekeeping.Config{}, false, nil
	}
	retention, err := config.ParseDurationField("housekeeping.audit_retention", h.AuditRetention)
	if err != nil {
		return housekeeping.Config{}, false, err
	}
	timeout, err := config.ParseDurationField("housekeeping.timeout", h.Timeout)
	if err != nil {
		return housekeeping.Config{}, false, err
	}
	return housekeeping.Config{Schedule: h.Schedule, Retention: retention, Timeout: timeout}, true, nil
}

// senderIdentity is the owner whose settings drive the scheduler loop: the
// first configured owner.
func senderIdentity(cfg *config.Config) broadcast.Identity {
	if len(cfg.Telegram.OwnerUserIDs) == 0 {
		return 0
	}
	return broadcast.Identity(cfg.Telegram.OwnerUserIDs[0])
}
