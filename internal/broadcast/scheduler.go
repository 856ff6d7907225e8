package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"autobc/internal/eventbus"
	logx "autobc/pkg/logx"
)

const (
	DefaultPollInterval = 10 * time.Second
	DefaultInterval     = 12 * time.Hour
)

type State int32

const (
	StateIdle State = iota
	StateDue
	StateDispatching
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDue:
		return "due"
	case StateDispatching:
		return "dispatching"
	default:
		return "unknown"
	}
}

type SchedulerOption func(*Scheduler)

func WithClock(c Clock) SchedulerOption {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithBus(b eventbus.Bus) SchedulerOption { return func(s *Scheduler) { s.bus = b } }

func WithLogger(log logx.Logger) SchedulerOption { return func(s *Scheduler) { s.log = log } }

func WithPollInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.poll = d }
}

// Scheduler is the polling loop that fires cycles for one identity.
//
// It keeps one send-channel connection for its whole lifetime, opened lazily
// on the first due cycle and reopened if it reports itself dead.
type Scheduler struct {
	id        Identity
	store     Store
	engine    *Engine
	connector Connector
	clock     Clock
	bus       eventbus.Bus
	log       logx.Logger

	mu   sync.Mutex
	poll time.Duration

	state atomic.Int32
	last  atomic.Pointer[CycleEvent]

	// owned by the Run goroutine
	conn Conn
}

func NewScheduler(id Identity, store Store, engine *Engine, connector Connector, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		id:        id,
		store:     store,
		engine:    engine,
		connector: connector,
		clock:     SystemClock(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.poll <= 0 {
		s.poll = DefaultPollInterval
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Scheduler) Identity() Identity { return s.id }

func (s *Scheduler) State() State { return State(s.state.Load()) }

// LastCycle returns the most recent completed cycle, if any.
func (s *Scheduler) LastCycle() (CycleEvent, bool) {
	ev := s.last.Load()
	if ev == nil {
		return CycleEvent{}, false
	}
	return *ev, true
}

// SetPollInterval changes the idle poll interval at runtime.
func (s *Scheduler) SetPollInterval(d time.Duration) {
	if d <= 0 {
		d = DefaultPollInterval
	}
	s.mu.Lock()
	s.poll = d
	s.mu.Unlock()
}

func (s *Scheduler) PollInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.poll
}

// Run polls until ctx is done. A completed cycle is followed by an immediate
// re-check; anything else waits one poll interval.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.closeConn()
	s.log.Info("scheduler started",
		logx.Int64("identity", int64(s.id)),
		logx.Duration("poll", s.PollInterval()),
	)
	for {
		ev, err := s.Tick(ctx)
		if ctx.Err() != nil {
			s.log.Info("scheduler stopped")
			return nil
		}
		if err != nil {
			s.log.Warn("scheduler tick failed", logx.Err(err))
		}
		if ev != nil && err == nil {
			continue
		}
		if err := s.clock.Sleep(ctx, s.PollInterval()); err != nil {
			s.log.Info("scheduler stopped")
			return nil
		}
	}
}

// Tick evaluates the schedule once and runs a cycle when due.
// It returns nil, nil when nothing was due.
func (s *Scheduler) Tick(ctx context.Context) (*CycleEvent, error) {
	s.setState(StateIdle)

	st, err := s.store.Settings(ctx, s.id)
	if errors.Is(err, ErrNoSettings) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	if !st.Due(s.clock.Now()) {
		return nil, nil
	}
	whitelist, err := s.store.Whitelist(ctx, s.id)
	if err != nil {
		return nil, fmt.Errorf("read whitelist: %w", err)
	}
	if len(whitelist) == 0 {
		return nil, nil
	}

	s.setState(StateDue)
	defer s.setState(StateIdle)

	blacklist, err := s.store.Blacklist(ctx, s.id)
	if err != nil {
		return nil, fmt.Errorf("read blacklist: %w", err)
	}
	targets := Resolve(whitelist, blacklist)

	s.setState(StateDispatching)
	start := s.clock.Now()

	var rep PassReport
	if len(targets) > 0 {
		conn, err := s.ensureConn(ctx)
		if err != nil {
			return nil, err
		}
		rep = s.engine.Pass(ctx, conn, s.id, targets, *st.Payload, st.Delay)
	}
	rep.Total = len(whitelist)
	rep.Excluded = len(whitelist) - len(targets)
	rep.Skipped += rep.Excluded
	if rep.Canceled {
		return nil, ctx.Err()
	}

	interval := st.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	end := s.clock.Now()
	next := end.Add(interval).Unix()
	ev := &CycleEvent{Identity: s.id, Report: rep, NextRunAt: next, Took: end.Sub(start)}
	if err := s.store.SetNextRunAt(ctx, s.id, next); err != nil {
		return ev, fmt.Errorf("persist next run: %w", err)
	}

	s.last.Store(ev)
	s.log.Info("broadcast cycle done",
		logx.Int("total", rep.Total),
		logx.Int("sent", rep.Sent),
		logx.Int("skipped", rep.Skipped),
		logx.Int("evicted", rep.Evicted),
		logx.Time("next_run", time.Unix(next, 0)),
	)
	publish(s.bus, EventCycle, *ev)
	return ev, nil
}

func (s *Scheduler) setState(st State) { s.state.Store(int32(st)) }

// aliveChecker is implemented by connections that can tell when their
// underlying session is gone.
type aliveChecker interface {
	Alive() bool
}

func (s *Scheduler) ensureConn(ctx context.Context) (Conn, error) {
	if s.conn != nil {
		if ac, ok := s.conn.(aliveChecker); !ok || ac.Alive() {
			return s.conn, nil
		}
		s.log.Warn("send connection lost; reconnecting")
		s.closeConn()
	}
	if s.connector == nil {
		return nil, fmt.Errorf("%w: no connector", ErrConnect)
	}
	conn, err := s.connector.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnect, err)
	}
	s.conn = conn
	return conn, nil
}

func (s *Scheduler) closeConn() {
	if s.conn == nil {
		return
	}
	cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.conn.Close(cctx); err != nil {
		s.log.Debug("send connection close failed", logx.Err(err))
	}
	s.conn = nil
}
