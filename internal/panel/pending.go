package panel

import (
	"sync"

	"autobc/internal/broadcast"
)

// inputMode is what the next plain (non-command) message from an owner means.
type inputMode int

const (
	modeNone inputMode = iota
	modeSetMsg
	modeWhitelist
	modeUnwhitelist
	modeBlacklist
	modeUnblacklist
)

func (m inputMode) String() string {
	switch m {
	case modeSetMsg:
		return "setmsg"
	case modeWhitelist:
		return "whitelist"
	case modeUnwhitelist:
		return "unwhitelist"
	case modeBlacklist:
		return "blacklist"
	case modeUnblacklist:
		return "unblacklist"
	default:
		return "none"
	}
}

// forwardMode reports whether the mode waits for a forwarded message.
func (m inputMode) forwardMode() bool {
	return m >= modeWhitelist && m <= modeUnblacklist
}

type pendingModes struct {
	mu sync.Mutex
	m  map[broadcast.Identity]inputMode
}

func newPendingModes() *pendingModes {
	return &pendingModes{m: map[broadcast.Identity]inputMode{}}
}

func (p *pendingModes) get(id broadcast.Identity) inputMode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.m[id]
}

func (p *pendingModes) set(id broadcast.Identity, m inputMode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m == modeNone {
		delete(p.m, id)
		return
	}
	p.m[id] = m
}

// take returns the current mode and clears it.
func (p *pendingModes) take(id broadcast.Identity) inputMode {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.m[id]
	delete(p.m, id)
	return m
}
