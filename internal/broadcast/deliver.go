package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"

	logx "autobc/pkg/logx"
)

const (
	DefaultMaxAttempts  = 3
	DefaultSlowModeWait = 10 * time.Second
	DefaultFloodWait    = 30 * time.Second
)

// Options tunes the delivery engine. Zero fields fall back to defaults.
type Options struct {
	// MaxAttempts bounds rate-limit retries. Slow-mode and flood waits share
	// the same counter.
	MaxAttempts  int
	SlowModeWait time.Duration
	FloodWait    time.Duration
}

func (o Options) normalized() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.SlowModeWait <= 0 {
		o.SlowModeWait = DefaultSlowModeWait
	}
	if o.FloodWait <= 0 {
		o.FloodWait = DefaultFloodWait
	}
	return o
}

func (o Options) fallbackWait(c WaitClass) time.Duration {
	if c == WaitSlowMode {
		return o.SlowModeWait
	}
	return o.FloodWait
}

type Outcome int

const (
	Delivered Outcome = iota
	Skipped
)

func (o Outcome) String() string {
	if o == Delivered {
		return "delivered"
	}
	return "skipped"
}

type SkipReason string

const (
	SkipNone      SkipReason = ""
	SkipExhausted SkipReason = "exhausted"
	SkipEvicted   SkipReason = "evicted"
	SkipFailed    SkipReason = "failed"
	SkipCanceled  SkipReason = "canceled"
)

// Result is the outcome of delivering to one destination.
type Result struct {
	Outcome  Outcome
	Reason   SkipReason
	Attempts int   // sends performed
	Err      error // last send error, nil when delivered
}

// Evictor removes destinations that failed permanently.
type Evictor interface {
	EvictDestination(ctx context.Context, id Identity, chatID int64, key ThreadKey) (int64, error)
}

// Engine delivers a payload to single destinations.
type Engine struct {
	evictor Evictor
	clock   Clock
	log     logx.Logger

	mu   sync.RWMutex
	opts Options
}

func NewEngine(evictor Evictor, clock Clock, opts Options, log logx.Logger) *Engine {
	if clock == nil {
		clock = SystemClock()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{evictor: evictor, clock: clock, log: log, opts: opts.normalized()}
}

// Apply swaps retry knobs at runtime.
func (e *Engine) Apply(opts Options) {
	e.mu.Lock()
	e.opts = opts.normalized()
	e.mu.Unlock()
}

func (e *Engine) Options() Options {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.opts
}

// Deliver sends p to dest through s.
//
// Rate limits are retried after the hinted wait until the shared attempt
// counter exceeds MaxAttempts. A permanent error evicts the destination.
// Any other error skips it for this pass only.
func (e *Engine) Deliver(ctx context.Context, s Sender, id Identity, dest Destination, p Payload) Result {
	opts := e.Options()
	log := e.log.With(
		logx.Int64("chat_id", dest.ChatID),
		logx.String("thread", dest.Thread.String()),
	)

	var res Result
	retries := 0
	for {
		err := s.SendMessage(ctx, dest.Target(), p)
		res.Attempts++
		if err == nil {
			res.Outcome = Delivered
			res.Err = nil
			return res
		}
		res.Err = err

		var rl *RateLimitError
		var perm *PermanentError
		switch {
		case errors.As(err, &rl):
			retries++
			if retries > opts.MaxAttempts {
				log.Warn("rate limit retries exhausted", logx.Int("attempts", res.Attempts), logx.Err(err))
				return skipped(res, SkipExhausted)
			}
			wait := rl.Wait
			if wait <= 0 {
				wait = opts.fallbackWait(rl.Class)
			}
			log.Info("rate limited; waiting",
				logx.String("class", rl.Class.String()),
				logx.Duration("wait", wait),
				logx.Int("retry", retries),
			)
			if err := e.clock.Sleep(ctx, wait); err != nil {
				return skipped(res, SkipCanceled)
			}

		case errors.As(err, &perm):
			n, evErr := e.evict(ctx, id, dest)
			if evErr != nil {
				log.Error("evict destination failed", logx.String("kind", perm.Kind), logx.Any("err", evErr))
			} else {
				log.Warn("destination evicted", logx.String("kind", perm.Kind), logx.Int64("removed", n), logx.String("title", dest.Title))
			}
			return skipped(res, SkipEvicted)

		case ctx.Err() != nil:
			return skipped(res, SkipCanceled)

		default:
			log.Warn("send failed", logx.Err(err))
			return skipped(res, SkipFailed)
		}
	}
}

func (e *Engine) evict(ctx context.Context, id Identity, dest Destination) (int64, error) {
	if e.evictor == nil {
		return 0, nil
	}
	return e.evictor.EvictDestination(ctx, id, dest.ChatID, dest.Thread)
}

func skipped(res Result, reason SkipReason) Result {
	res.Outcome = Skipped
	res.Reason = reason
	return res
}

// PassReport aggregates one sequential pass over a destination list.
type PassReport struct {
	Total    int
	Sent     int
	Skipped  int
	Excluded int // blacklisted entries, included in Skipped
	Evicted  int
	Canceled bool
}

// Pass delivers to targets in order and sleeps delay after every
// destination, the last one included. It stops early only when ctx is done.
func (e *Engine) Pass(ctx context.Context, s Sender, id Identity, targets []Destination, p Payload, delay time.Duration) PassReport {
	var rep PassReport
	rep.Total = len(targets)
	for _, d := range targets {
		if ctx.Err() != nil {
			rep.Canceled = true
			return rep
		}
		res := e.Deliver(ctx, s, id, d, p)
		switch {
		case res.Outcome == Delivered:
			rep.Sent++
		case res.Reason == SkipCanceled:
			rep.Canceled = true
			return rep
		default:
			rep.Skipped++
			if res.Reason == SkipEvicted {
				rep.Evicted++
			}
		}
		if delay > 0 {
			if err := e.clock.Sleep(ctx, delay); err != nil {
				rep.Canceled = true
				return rep
			}
		}
	}
	return rep
}
