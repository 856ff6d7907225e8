package broadcast

import (
	"context"
	"strconv"
	"time"

	kit "autobc/internal/transport"
)

// Identity is the account whose settings and destination lists are used.
type Identity int64

// ThreadKey is the normalized topic identifier of a destination.
// NoThread stands for "top-level chat" so that absent and zero thread ids
// collapse into a single key.
type ThreadKey int64

const NoThread ThreadKey = -1

// KeyFromThreadID normalizes a raw thread id. Anything <= 0 means no thread.
func KeyFromThreadID(threadID int) ThreadKey {
	if threadID <= 0 {
		return NoThread
	}
	return ThreadKey(threadID)
}

// ThreadID translates the key back to the raw id the send channel expects.
// 0 means "no thread".
func (k ThreadKey) ThreadID() int {
	if k <= 0 {
		return 0
	}
	return int(k)
}

func (k ThreadKey) String() string {
	if k == NoThread {
		return "-"
	}
	return strconv.FormatInt(int64(k), 10)
}

// Destination is one whitelist entry. (ChatID, Thread) is unique per identity.
type Destination struct {
	ChatID int64
	Thread ThreadKey
	Title  string
}

func (d Destination) Target() kit.ChatTarget {
	return kit.ChatTarget{ChatID: d.ChatID, ThreadID: d.Thread.ThreadID()}
}

// Exclusions is the blacklist: chat ids excluded regardless of thread.
type Exclusions map[int64]struct{}

func NewExclusions(chatIDs ...int64) Exclusions {
	ex := make(Exclusions, len(chatIDs))
	for _, id := range chatIDs {
		ex[id] = struct{}{}
	}
	return ex
}

func (e Exclusions) Has(chatID int64) bool {
	_, ok := e[chatID]
	return ok
}

// Payload is the stored message body. It is opaque to the engine.
type Payload struct {
	Text     string       `json:"text"`
	Entities []kit.Entity `json:"entities,omitempty"`
}

// Settings is the per-identity broadcast configuration.
//
// NextRunAt is unix seconds; 0 means unset. A disabled identity always has
// NextRunAt == 0.
type Settings struct {
	Interval  time.Duration
	Delay     time.Duration
	Enabled   bool
	Payload   *Payload
	NextRunAt int64
}

// Due reports whether a scheduled cycle should start at now.
// The whitelist check is done by the caller.
func (s Settings) Due(now time.Time) bool {
	if !s.Enabled || s.Payload == nil || s.NextRunAt == 0 {
		return false
	}
	return now.Unix() >= s.NextRunAt
}

// Store is the persistence surface the engine needs.
type Store interface {
	// Settings returns ErrNoSettings when the identity was never initialized.
	Settings(ctx context.Context, id Identity) (Settings, error)
	// Whitelist returns destinations in insertion order.
	Whitelist(ctx context.Context, id Identity) ([]Destination, error)
	Blacklist(ctx context.Context, id Identity) (Exclusions, error)
	// EvictDestination removes one destination and returns how many rows went
	// away (0 or 1). Removing an absent destination is not an error.
	EvictDestination(ctx context.Context, id Identity, chatID int64, key ThreadKey) (int64, error)
	SetNextRunAt(ctx context.Context, id Identity, unix int64) error
}

// Sender delivers a payload to one chat target.
//
// Errors are classified by type: *RateLimitError, *PermanentError, or
// anything else (unknown).
type Sender interface {
	SendMessage(ctx context.Context, to kit.ChatTarget, p Payload) error
}

// Conn is a live send-channel session.
type Conn interface {
	Sender
	Close(ctx context.Context) error
}

// Connector opens send-channel sessions.
type Connector interface {
	Connect(ctx context.Context) (Conn, error)
}
