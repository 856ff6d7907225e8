package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"autobc/internal/broadcast"
	logx "autobc/pkg/logx"
)

// Store is the full persistence API. It embeds the narrow surface the
// broadcast engine depends on and adds what the panel needs.
type Store interface {
	broadcast.Store

	// EnsureSettings creates the settings row with defaults if missing.
	// It reports whether a row was created.
	EnsureSettings(ctx context.Context, id broadcast.Identity, def Defaults) (bool, error)
	SetPayload(ctx context.Context, id broadcast.Identity, p broadcast.Payload) error
	// SetInterval stores d and, when the identity is enabled, reschedules
	// NextRunAt to now+d in the same statement.
	SetInterval(ctx context.Context, id broadcast.Identity, d time.Duration, now time.Time) error
	SetDelay(ctx context.Context, id broadcast.Identity, d time.Duration) error
	Enable(ctx context.Context, id broadcast.Identity, nextRunAt int64) error
	// Disable clears Enabled and NextRunAt together.
	Disable(ctx context.Context, id broadcast.Identity) error

	// AddDestination inserts dest at the end of the whitelist. An existing
	// (chat, thread) pair keeps its position and gets the new title; added
	// is false in that case.
	AddDestination(ctx context.Context, id broadcast.Identity, dest broadcast.Destination) (added bool, err error)
	RemoveDestination(ctx context.Context, id broadcast.Identity, chatID int64, key broadcast.ThreadKey) (int64, error)

	AddExclusion(ctx context.Context, id broadcast.Identity, ex Exclusion) (added bool, err error)
	RemoveExclusion(ctx context.Context, id broadcast.Identity, chatID int64) (int64, error)
	Exclusions(ctx context.Context, id broadcast.Identity) ([]Exclusion, error)

	Stats(ctx context.Context, id broadcast.Identity) (Stats, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	PruneAudit(ctx context.Context, before time.Time) (int64, error)
	Optimize(ctx context.Context) error
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory", "mem":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
