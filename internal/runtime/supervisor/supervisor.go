package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	logx "autobc/pkg/logx"
)

// Supervisor owns the scheduler loop, the panel poller and every on-demand
// dispatch goroutine. All of them share one cancelable context, so process
// shutdown stops sleeps and sends promptly.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	cancelOnErr bool

	errMu    sync.Mutex
	firstErr error

	wg       sync.WaitGroup
	waitOnce sync.Once
	done     chan struct{}

	mu    sync.Mutex
	tasks map[string]*taskStats
}

type SupervisorOption func(*Supervisor)

func WithLogger(log logx.Logger) SupervisorOption {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the shared context on the first goroutine
// error or panic.
func WithCancelOnError(enabled bool) SupervisorOption {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func NewSupervisor(parent context.Context, opts ...SupervisorOption) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		log:    logx.Nop(),
		done:   make(chan struct{}),
		tasks:  map[string]*taskStats{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the shared context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err is the first error recorded by any goroutine, or nil.
func (s *Supervisor) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.firstErr
}

func (s *Supervisor) fail(err error) {
	if err == nil {
		return
	}
	s.errMu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.errMu.Unlock()
	if s.cancelOnErr {
		s.cancel()
	}
}

// ---- stats ----

type taskStats struct {
	active      int64
	started     uint64
	panics      uint64
	restarts    uint64
	lastStartAt time.Time
	lastErr     string
	lastPanic   string
}

// GoroutineStats aggregates goroutines by name. Concurrent dispatches share
// one entry ("dispatch.full", "dispatch.targeted").
type GoroutineStats struct {
	Name        string    `json:"name"`
	Active      int64     `json:"active"`
	Started     uint64    `json:"started"`
	Panics      uint64    `json:"panics"`
	Restarts    uint64    `json:"restarts"`
	LastStartAt time.Time `json:"last_start_at"`
	LastErr     string    `json:"last_err,omitempty"`
	LastPanic   string    `json:"last_panic,omitempty"`
}

// SupervisorSnapshot is rendered by the panel's /status command. Active and
// Started are totals over Goroutines.
type SupervisorSnapshot struct {
	Active     int64            `json:"active"`
	Started    uint64           `json:"started"`
	FirstError string           `json:"first_error,omitempty"`
	Goroutines []GoroutineStats `json:"goroutines"`
}

func (s *Supervisor) Snapshot() SupervisorSnapshot {
	if s == nil {
		return SupervisorSnapshot{}
	}
	var snap SupervisorSnapshot
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}

	s.mu.Lock()
	for name, t := range s.tasks {
		snap.Active += t.active
		snap.Started += t.started
		snap.Goroutines = append(snap.Goroutines, GoroutineStats{
			Name:        name,
			Active:      t.active,
			Started:     t.started,
			Panics:      t.panics,
			Restarts:    t.restarts,
			LastStartAt: t.lastStartAt,
			LastErr:     t.lastErr,
			LastPanic:   t.lastPanic,
		})
	}
	s.mu.Unlock()

	// Running first, then newest.
	sort.Slice(snap.Goroutines, func(i, j int) bool {
		a, b := snap.Goroutines[i], snap.Goroutines[j]
		if a.Active != b.Active {
			return a.Active > b.Active
		}
		if !a.LastStartAt.Equal(b.LastStartAt) {
			return a.LastStartAt.After(b.LastStartAt)
		}
		return a.Name < b.Name
	})
	return snap
}

// track updates the stats entry for name under s.mu.
func (s *Supervisor) track(name string, fn func(t *taskStats)) {
	s.mu.Lock()
	t := s.tasks[name]
	if t == nil {
		t = &taskStats{}
		s.tasks[name] = t
	}
	fn(t)
	s.mu.Unlock()
}

func (s *Supervisor) begin(name string, restart bool) time.Time {
	now := time.Now()
	s.track(name, func(t *taskStats) {
		t.active++
		t.started++
		if restart {
			t.restarts++
		}
		t.lastStartAt = now
	})
	return now
}

func (s *Supervisor) end(name string, err error, panicked any) {
	s.track(name, func(t *taskStats) {
		if t.active > 0 {
			t.active--
		}
		if err != nil {
			t.lastErr = err.Error()
		}
		if panicked != nil {
			t.panics++
			t.lastPanic = fmt.Sprint(panicked)
		}
	})
}

// call runs fn and converts a panic into an error.
func call(ctx context.Context, fn func(ctx context.Context) error) (err error, panicked any) {
	defer func() {
		if r := recover(); r != nil {
			panicked = r
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx), nil
}

// ---- goroutines ----

// Go runs fn once. A returned error (other than cancellation) or a panic
// is recorded as the supervisor error.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.begin(name, false)
		s.log.Debug("goroutine started", logx.String("name", name))

		err, panicked := call(s.ctx, fn)
		if panicked != nil {
			s.log.Error("goroutine panicked",
				logx.String("name", name),
				logx.Any("panic", panicked),
				logx.Stack(string(debug.Stack())),
			)
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			err = fmt.Errorf("%s: %w", name, err)
		} else {
			err = nil
		}
		s.end(name, err, panicked)
		s.fail(err)
		s.log.Debug("goroutine stopped", logx.String("name", name))
	}()
}

func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// RestartOption configures GoRestart.
type RestartOption func(*restartPolicy)

type restartPolicy struct {
	minBackoff time.Duration
	maxBackoff time.Duration
	// healthyAfter is how long a run must last before its failure counts
	// as a fresh one (backoff and failure count reset).
	healthyAfter time.Duration
	// maxFailures bounds consecutive failures; <= 0 means unlimited.
	maxFailures  int
	fatalOnLimit bool
	publishFirst bool
	restartClean bool
}

// WithRestartBackoff sets the exponential backoff window between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if min > 0 {
			p.minBackoff = min
		}
		if max > 0 {
			p.maxBackoff = max
		}
	}
}

// WithMaxRestarts gives up after n consecutive failed runs. A run that
// lasted past the healthy window resets the count.
func WithMaxRestarts(n int) RestartOption { return func(p *restartPolicy) { p.maxFailures = n } }

// WithFatalOnFinalError records the last error as the supervisor error when
// GoRestart gives up, which cancels the supervisor under WithCancelOnError.
func WithFatalOnFinalError(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.fatalOnLimit = enabled }
}

// WithPublishFirstError records the first failure as the supervisor error
// while still restarting.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.publishFirst = enabled }
}

// WithStopOnCleanExit controls whether a nil return ends the loop (default)
// or counts as a failure and restarts.
func WithStopOnCleanExit(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.restartClean = !enabled }
}

func withHealthyAfter(d time.Duration) RestartOption {
	return func(p *restartPolicy) { p.healthyAfter = d }
}

// GoRestart runs fn and restarts it after errors or panics with jittered
// exponential backoff until the context ends or the failure cap is hit.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := restartPolicy{
		minBackoff:   250 * time.Millisecond,
		maxBackoff:   30 * time.Second,
		healthyAfter: 30 * time.Second,
	}
	for _, o := range opts {
		o(&p)
	}
	if p.maxBackoff < p.minBackoff {
		p.maxBackoff = p.minBackoff
	}

	// The loop runs under its own name so the task's stats count runs only.
	s.Go0(name+".restart", func(ctx context.Context) {
		s.restartLoop(ctx, name, fn, p)
	})
}

func (s *Supervisor) restartLoop(ctx context.Context, name string, fn func(ctx context.Context) error, p restartPolicy) {
	backoff := p.minBackoff
	failures := 0
	for runs := 0; ctx.Err() == nil; runs++ {
		startedAt := s.begin(name, runs > 0)
		err, panicked := call(ctx, fn)
		if panicked != nil {
			s.log.Error("goroutine panicked (restart)",
				logx.String("name", name),
				logx.Any("panic", panicked),
				logx.Stack(string(debug.Stack())),
			)
		}

		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			s.end(name, nil, panicked)
			return
		}
		if err == nil {
			if !p.restartClean {
				s.end(name, nil, nil)
				return
			}
			err = errors.New("exited")
		}
		err = fmt.Errorf("%s: %w", name, err)
		s.end(name, err, panicked)
		if p.publishFirst {
			s.fail(err)
		}

		if time.Since(startedAt) >= p.healthyAfter {
			backoff, failures = p.minBackoff, 0
		}
		failures++
		if p.maxFailures > 0 && failures > p.maxFailures {
			s.log.Error("goroutine gave up",
				logx.String("name", name),
				logx.Int("failures", failures),
				logx.Err(err),
			)
			if p.fatalOnLimit {
				s.fail(err)
			}
			return
		}

		wait := min(max(backoff, p.minBackoff), p.maxBackoff)
		if j := int64(wait) / 5; j > 0 {
			wait += time.Duration(rand.Int64N(j + 1))
		}
		s.log.Warn("goroutine restarting",
			logx.String("name", name),
			logx.Duration("backoff", wait),
			logx.Err(err),
		)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		backoff = min(backoff*2, p.maxBackoff)
	}
}

// Stop cancels and waits.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine returned or ctx ends, then reports Err.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.waitOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return s.Err()
	}
}
