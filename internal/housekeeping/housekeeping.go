// Package housekeeping runs periodic store maintenance: pruning old audit
// rows and letting SQLite refresh its query planner statistics.
package housekeeping

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	logx "autobc/pkg/logx"
	"autobc/pkg/timespec"

	"github.com/robfig/cron/v3"
)

const (
	DefaultSchedule  = "@daily"
	DefaultRetention = 30 * 24 * time.Hour
	DefaultTimeout   = time.Minute
)

// Store is the maintenance surface of the storage layer.
type Store interface {
	PruneAudit(ctx context.Context, before time.Time) (int64, error)
	Optimize(ctx context.Context) error
}

type Config struct {
	// Schedule is a cron expression, a duration or HH:MM interval
	// (see timespec.ParseSchedule).
	Schedule  string
	Retention time.Duration
	Timeout   time.Duration
}

// Result describes one maintenance run.
type Result struct {
	Started time.Time
	Took    time.Duration
	Pruned  int64
	Err     error
}

type Service struct {
	store Store
	log   logx.Logger
	now   func() time.Time

	mu   sync.Mutex
	cfg  Config
	spec string
	c    *cron.Cron
	ctx  context.Context
	last Result
	runs int
}

type Option func(*Service)

// WithNow overrides the clock used for the retention cutoff.
func WithNow(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// New validates cfg. The job does not run until Start.
func New(cfg Config, store Store, log logx.Logger, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("housekeeping: nil store")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{store: store, log: log, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	cfg, spec, err := normalize(cfg)
	if err != nil {
		return nil, err
	}
	s.cfg, s.spec = cfg, spec
	return s, nil
}

func normalize(cfg Config) (Config, string, error) {
	if strings.TrimSpace(cfg.Schedule) == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	sp, err := timespec.ParseSchedule(cfg.Schedule)
	if err != nil {
		return cfg, "", fmt.Errorf("housekeeping: %w", err)
	}
	spec := sp.Cron
	if sp.Kind == timespec.KindInterval {
		if sp.Every <= 0 {
			return cfg, "", fmt.Errorf("housekeeping: interval must be positive")
		}
		spec = "@every " + sp.Every.String()
	}
	return cfg, spec, nil
}

// Start registers the job with a fresh cron runner. Runs never overlap.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.ctx = ctx
	return s.startLocked()
}

func (s *Service) startLocked() error {
	cl := cronLogger{log: s.log}
	c := cron.New(
		cron.WithParser(cron.NewParser(cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		cron.WithLogger(cl),
	)
	if _, err := c.AddFunc(s.spec, func() { _, _ = s.RunOnce(s.ctx) }); err != nil {
		return fmt.Errorf("housekeeping: %w", err)
	}
	c.Start()
	s.c = c
	s.log.Info("housekeeping started",
		logx.String("schedule", s.spec),
		logx.Duration("retention", s.cfg.Retention),
	)
	return nil
}

// Stop halts the runner and waits for a running job up to ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("housekeeping stopped")
}

// Apply swaps the configuration. A running runner is restarted when the
// schedule changed.
func (s *Service) Apply(cfg Config) error {
	cfg, spec, err := normalize(cfg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	if spec == s.spec {
		return nil
	}
	s.spec = spec
	if s.c == nil {
		return nil
	}
	<-s.c.Stop().Done()
	s.c = nil
	return s.startLocked()
}

// RunOnce prunes audit rows older than the retention window and optimizes
// the store. An optimize failure does not hide the prune count.
func (s *Service) RunOnce(ctx context.Context) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	res := Result{Started: s.now()}
	rctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	n, perr := s.store.PruneAudit(rctx, res.Started.Add(-cfg.Retention))
	res.Pruned = n
	oerr := s.store.Optimize(rctx)
	res.Err = errors.Join(perr, oerr)
	res.Took = time.Since(res.Started)

	s.mu.Lock()
	s.last = res
	s.runs++
	s.mu.Unlock()

	if res.Err != nil {
		s.log.Warn("housekeeping failed", logx.Int64("pruned", n), logx.Err(res.Err))
	} else {
		s.log.Info("housekeeping done", logx.Int64("pruned", n), logx.Duration("took", res.Took))
	}
	return res, res.Err
}

// Last returns the most recent run and how many runs happened.
func (s *Service) Last() (Result, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.runs
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
