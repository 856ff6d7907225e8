package storage

import (
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "sqlite" (default): SQLite database file at Path
//   - "memory": in-process maps, nothing survives a restart
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means 5s
}

// Defaults seed a freshly created settings row.
type Defaults struct {
	Interval time.Duration
	Delay    time.Duration
}

// Exclusion is one blacklist entry. Title is informational only.
type Exclusion struct {
	ChatID  int64
	Title   string
	AddedAt time.Time
}

// Stats summarizes one identity's lists.
type Stats struct {
	Destinations int
	Exclusions   int
	AuditRows    int
}

// AuditEntry records an operator action or a broadcast report.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At            time.Time
	ActorID       int64
	ActorUsername string
	ChatID        int64
	ThreadID      int
	Action        string
	Target        string
	OK            int
	Fail          int
	Error         string
	TookMS        int64
	MetaJSON      string
}
