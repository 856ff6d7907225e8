package config

import (
	"reflect"
	"sort"
	"strings"

	logx "autobc/pkg/logx"
)

// SummarizeConfigChange returns the changed sections and safe structured
// attrs for logging. Tokens, API hashes and passwords never appear; only
// whether they are set or changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 24)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token ||
		!reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) ||
		ot.GroupLog != nt.GroupLog ||
		strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		strings.TrimSpace(ot.CommandTimeout) != strings.TrimSpace(nt.CommandTimeout) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", nt.GroupLog != 0),
			logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
		)
	}

	osn, ns := oldCfg.Sender, newCfg.Sender
	if !reflect.DeepEqual(osn, ns) {
		changed = append(changed, "sender")
		attrs = append(attrs,
			logx.String("sender.driver", strings.TrimSpace(ns.Driver)),
			logx.Int("sender.api_id", ns.APIID),
			logx.Bool("sender.api_hash_set", ns.APIHash != ""),
			logx.Bool("sender.phone_set", ns.Phone != ""),
			logx.Bool("sender.credentials_changed", osn.APIHash != ns.APIHash || osn.Password != ns.Password || osn.Phone != ns.Phone),
			logx.Float64("sender.rate_per_sec", ns.RatePerSec),
		)
	}

	if !reflect.DeepEqual(oldCfg.Broadcast, newCfg.Broadcast) {
		b := newCfg.Broadcast
		changed = append(changed, "broadcast")
		attrs = append(attrs,
			logx.String("broadcast.poll_interval", b.PollInterval),
			logx.Int("broadcast.max_attempts", b.MaxAttempts),
			logx.String("broadcast.slowmode_wait", b.SlowmodeWait),
			logx.String("broadcast.flood_wait", b.FloodWait),
			logx.String("broadcast.default_interval", b.DefaultInterval),
			logx.String("broadcast.default_delay", b.DefaultDelay),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		l := newCfg.Logging
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", l.Level),
			logx.Bool("logging.console", l.Console),
			logx.Bool("logging.file_enabled", l.File.Enabled),
			logx.Bool("logging.telegram_enabled", l.Telegram.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		s := newCfg.Storage
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(s.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(s.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(s.BusyTimeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Housekeeping, newCfg.Housekeeping) {
		h := newCfg.Housekeeping
		changed = append(changed, "housekeeping")
		attrs = append(attrs,
			logx.Bool("housekeeping.enabled", h.Enabled),
			logx.String("housekeeping.schedule", h.Schedule),
			logx.String("housekeeping.audit_retention", h.AuditRetention),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired lists changed sections that only take effect after a
// restart.
func RestartRequired(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var out []string
	if oldCfg.Telegram.Token != newCfg.Telegram.Token || oldCfg.Telegram.PollTimeout != newCfg.Telegram.PollTimeout {
		out = append(out, "telegram.token/poll_timeout")
	}
	if !reflect.DeepEqual(oldCfg.Sender, newCfg.Sender) {
		out = append(out, "sender")
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		out = append(out, "storage")
	}
	if oldCfg.Housekeeping.Enabled != newCfg.Housekeeping.Enabled {
		out = append(out, "housekeeping.enabled")
	}
	return out
}
