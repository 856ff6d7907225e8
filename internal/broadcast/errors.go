package broadcast

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNoSettings     = errors.New("broadcast settings not initialized")
	ErrNoPayload      = errors.New("broadcast message is not set")
	ErrEmptyWhitelist = errors.New("whitelist is empty")
	ErrExcluded       = errors.New("chat is blacklisted")
	ErrConnect        = errors.New("send channel connect failed")
)

// WaitClass separates slow-mode waits from flood waits; they only differ in
// the fallback used when no hint is given.
type WaitClass int

const (
	WaitSlowMode WaitClass = iota
	WaitFlood
)

func (c WaitClass) String() string {
	switch c {
	case WaitSlowMode:
		return "slowmode"
	case WaitFlood:
		return "flood"
	default:
		return "unknown"
	}
}

// RateLimitError is a transient "wait and retry" signal.
// Wait is the hint from the send channel; 0 means none was given.
type RateLimitError struct {
	Class WaitClass
	Wait  time.Duration
	Err   error
}

func (e *RateLimitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rate limited (%s, wait %s): %v", e.Class, e.Wait, e.Err)
	}
	return fmt.Sprintf("rate limited (%s, wait %s)", e.Class, e.Wait)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// PermanentError marks a destination as unreachable for good
// (kicked, deleted, forbidden, invalid peer, ...).
type PermanentError struct {
	Kind string
	Err  error
}

func (e *PermanentError) Error() string {
	if e.Err != nil {
		return "permanent send error " + e.Kind + ": " + e.Err.Error()
	}
	return "permanent send error " + e.Kind
}

func (e *PermanentError) Unwrap() error { return e.Err }
