package config

// Config is the on-disk configuration (JSON or YAML). Every section may be
// omitted; defaults apply and environment variables can fill secrets.
//
// Durations are Go duration strings ("10s", "12h"). Secrets (token, API
// hash, password) are never logged.
type Config struct {
	Telegram     TelegramConfig     `json:"telegram"`
	Sender       SenderConfig       `json:"sender"`
	Broadcast    BroadcastConfig    `json:"broadcast"`
	Logging      LoggingConfig      `json:"logging"`
	Storage      StorageConfig      `json:"storage"`
	Housekeeping HousekeepingConfig `json:"housekeeping"`
}

// TelegramConfig configures the panel bot.
type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// GroupLog is the chat receiving warning logs (0 disables).
	GroupLog int64 `json:"group_log,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout    string `json:"poll_timeout,omitempty"`
	CommandTimeout string `json:"command_timeout,omitempty"`
}

// SenderConfig selects the account broadcasts are sent from.
//
// Driver values:
//   - "mtproto" (default): a user account through MTProto
//   - "bot": the panel bot itself through the Bot API
type SenderConfig struct {
	Driver string `json:"driver,omitempty"`

	APIID       int    `json:"api_id,omitempty"`
	APIHash     string `json:"api_hash,omitempty"`
	Phone       string `json:"phone,omitempty"`
	Password    string `json:"password,omitempty"`
	SessionFile string `json:"session_file,omitempty"`

	RatePerSec     float64 `json:"rate_per_sec,omitempty"`
	Burst          int     `json:"burst,omitempty"`
	ConnectTimeout string  `json:"connect_timeout,omitempty"`
}

// BroadcastConfig tunes the scheduler and the delivery engine.
//
// Defaults (when fields are omitted/zero):
//   - poll_interval: "10s"
//   - max_attempts: 3
//   - slowmode_wait: "10s"
//   - flood_wait: "30s"
//   - default_interval: "12h" (new identities only)
//   - default_delay: "5s" (new identities only)
type BroadcastConfig struct {
	PollInterval    string `json:"poll_interval,omitempty"`
	MaxAttempts     int    `json:"max_attempts,omitempty"`
	SlowmodeWait    string `json:"slowmode_wait,omitempty"`
	FloodWait       string `json:"flood_wait,omitempty"`
	DefaultInterval string `json:"default_interval,omitempty"`
	DefaultDelay    string `json:"default_delay,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/autobc.db" }
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// HousekeepingConfig schedules audit pruning and database maintenance.
// Schedule accepts cron ("0 4 * * *", "@daily"), HH:MM or a duration.
type HousekeepingConfig struct {
	Enabled        bool   `json:"enabled"`
	Schedule       string `json:"schedule,omitempty"`
	AuditRetention string `json:"audit_retention,omitempty"`
	Timeout        string `json:"timeout,omitempty"`
}
