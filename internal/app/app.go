package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"autobc/internal/broadcast"
	"autobc/internal/config"
	"autobc/internal/eventbus"
	"autobc/internal/housekeeping"
	"autobc/internal/panel"
	rtsup "autobc/internal/runtime/supervisor"
	"autobc/internal/storage"
	kit "autobc/internal/transport"
	"autobc/internal/transport/botapi"
	"autobc/internal/transport/mtproto"
	telegram "autobc/internal/transport/telegram/adapter"
	logx "autobc/pkg/logx"
)

const schedulerMaxRestarts = 5

type App struct {
	mode Mode
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	// adapter is nil when nothing in this mode talks to the Bot API.
	adapter *telegram.Adapter

	engine     *broadcast.Engine
	dispatcher *broadcast.Dispatcher
	sched      *broadcast.Scheduler
	login      broadcast.Connector
	panel      *panel.Panel
	hk         *housekeeping.Service
	sd         *sdNotifier

	updates chan kit.Update
}

type options struct {
	prompter mtproto.Prompter
	store    storage.Store
}

type Option func(*options)

// WithPrompter supplies the login code prompt for the first MTProto
// sign-in of the scheduler's sender.
func WithPrompter(p mtproto.Prompter) Option { return func(o *options) { o.prompter = p } }

// WithStore uses st instead of opening the configured store.
func WithStore(st storage.Store) Option { return func(o *options) { o.store = st } }

// New loads the config and wires every component the mode needs. Nothing
// runs until Start.
func New(cfgm *config.ConfigManager, mode Mode, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateForMode(cfg, mode); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg), nil)
	log = log.With(logx.String("comp", "app"))

	a := &App{
		mode:    mode,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     eventbus.New(),
		sd:      newSDNotifier(log.With(logx.String("comp", "systemd"))),
		updates: make(chan kit.Update, 256),
	}
	fail := func(err error) (*App, error) {
		if a.store != nil && o.store == nil {
			_ = a.store.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}

	if needsBot(cfg, mode) {
		pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return fail(err)
		}
		ad, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout},
			log.With(logx.String("comp", "telegram")))
		if err != nil {
			return fail(fmt.Errorf("telegram: %w", err))
		}
		a.adapter = ad
		logSvc.SetSink(ad)
	}

	if o.store != nil {
		a.store = o.store
	} else {
		sc, err := mapStorageConfig(cfg)
		if err != nil {
			return fail(err)
		}
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return fail(fmt.Errorf("storage: %w", err))
		}
		a.store = st
		log.Info("storage opened", logx.String("driver", sc.Driver))
	}

	engOpts, poll, err := mapBroadcastConfig(cfg)
	if err != nil {
		return fail(err)
	}
	clock := broadcast.SystemClock()
	a.engine = broadcast.NewEngine(a.store, clock, engOpts, log.With(logx.String("comp", "engine")))

	// The scheduler's connector may prompt on the console for a login code;
	// on-demand dispatch never does.
	schedConn, dispatchConn, err := a.connectors(cfg, o.prompter)
	if err != nil {
		return fail(err)
	}
	a.login = schedConn
	a.dispatcher = broadcast.NewDispatcher(a.store, a.engine, dispatchConn, clock, a.bus,
		log.With(logx.String("comp", "dispatch")))

	if mode.runsSender() {
		a.sched = broadcast.NewScheduler(senderIdentity(cfg), a.store, a.engine, schedConn,
			broadcast.WithClock(clock),
			broadcast.WithBus(a.bus),
			broadcast.WithLogger(log.With(logx.String("comp", "scheduler"))),
			broadcast.WithPollInterval(poll),
		)
	}

	if mode.runsPanel() {
		pcfg, err := mapPanelConfig(cfg)
		if err != nil {
			return fail(err)
		}
		var popts []panel.Option
		if a.sched != nil {
			popts = append(popts, panel.WithCycleSource(a.sched))
		}
		a.panel = panel.New(pcfg, a.adapter, a.store, a.dispatcher, log.With(logx.String("comp", "panel")), popts...)
	}

	hcfg, enabled, err := mapHousekeepingConfig(cfg)
	if err != nil {
		return fail(err)
	}
	if enabled {
		hk, err := housekeeping.New(hcfg, a.store, log.With(logx.String("comp", "housekeeping")))
		if err != nil {
			return fail(err)
		}
		a.hk = hk
	}

	log.Info("app configured",
		logx.String("mode", string(mode)),
		logx.String("sender", senderDriver(cfg)),
		logx.Int64("sender_identity", int64(senderIdentity(cfg))),
	)
	return a, nil
}

func (a *App) connectors(cfg *config.Config, prompt mtproto.Prompter) (sched, dispatch broadcast.Connector, err error) {
	if senderDriver(cfg) == "bot" {
		c := botapi.NewConnector(a.adapter)
		return c, c, nil
	}
	mcfg, err := mapMTProtoConfig(cfg)
	if err != nil {
		return nil, nil, err
	}
	mlog := a.log.With(logx.String("comp", "sender"))
	s, err := mtproto.NewConnector(mcfg, prompt, mlog)
	if err != nil {
		return nil, nil, fmt.Errorf("sender: %w", err)
	}
	d, err := mtproto.NewConnector(mcfg, nil, mlog)
	if err != nil {
		return nil, nil, fmt.Errorf("sender: %w", err)
	}
	return s, d, nil
}

// Store exposes the opened store.
func (a *App) Store() storage.Store { return a.store }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Login opens one sender session and closes it. With the console prompter
// this performs the interactive first sign-in.
func (a *App) Login(ctx context.Context) error {
	conn, err := a.login.Connect(ctx)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	return conn.Close(cctx)
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return a.validateReload(cfg)
	})

	events, unsub := a.bus.Subscribe(128, broadcast.EventCycle, broadcast.EventDispatch)
	aud := &auditor{store: a.store, log: a.log.With(logx.String("comp", "audit"))}
	a.sup.Go0("broadcast.audit", func(c context.Context) {
		defer unsub()
		aud.run(c, events)
	})

	if a.panel != nil {
		if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
			return err
		}
		a.sup.Go("panel", func(c context.Context) error {
			return a.panel.Run(c, a.updates)
		})
	}

	if a.sched != nil {
		// A loop that keeps panicking right after start ends the process so
		// the service manager restarts it with fresh connections.
		a.sup.GoRestart("broadcast.scheduler", a.sched.Run,
			rtsup.WithRestartBackoff(time.Second, 30*time.Second),
			rtsup.WithMaxRestarts(schedulerMaxRestarts),
			rtsup.WithFatalOnFinalError(true),
		)
	}

	if a.hk != nil {
		if err := a.hk.Start(a.sup.Context()); err != nil {
			return err
		}
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if every := watchdogInterval(); every > 0 {
		a.sup.Go0("systemd.watchdog", func(c context.Context) { a.sd.runWatchdog(c, every) })
	}
	a.sd.Ready()
	a.sd.Status("running (" + string(a.mode) + ")")

	a.log.Info("app started", logx.String("mode", string(a.mode)))
	return nil
}

// validateReload rejects configs this process could not apply.
func (a *App) validateReload(cfg *config.Config) error {
	var errs []error
	errs = append(errs, validateForMode(cfg, a.mode))
	if _, _, err := mapBroadcastConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapPanelConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, _, err := mapHousekeepingConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	a.sup.Cancel()

	// step bounds one shutdown phase so a stuck component cannot stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			if took := time.Since(start); took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("housekeeping", 2*time.Second, func(c context.Context) error {
		if a.hk != nil {
			a.hk.Stop(c)
		}
		return nil
	})
	step("adapter", 2*time.Second, func(c context.Context) error {
		if a.adapter != nil {
			return a.adapter.Stop(c)
		}
		return nil
	})
	// Waits for the panel's in-flight dispatches and the scheduler's
	// connection release.
	step("supervisor", 10*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", 2*time.Second, func(c context.Context) error { return a.store.Close() })

	if n := a.bus.Dropped(); n > 0 {
		a.log.Warn("events dropped during run", logx.Uint64("dropped", n))
	}
	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// reloadLoop applies hot-reloadable sections of every published config.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.apply(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) apply(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(oldCfg, newCfg); len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLoggingConfig(newCfg))

	if opts, poll, err := mapBroadcastConfig(newCfg); err != nil {
		a.log.Warn("invalid broadcast config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(opts)
		if a.sched != nil {
			a.sched.SetPollInterval(poll)
		}
	}

	if a.panel != nil {
		if pcfg, err := mapPanelConfig(newCfg); err != nil {
			a.log.Warn("invalid panel config; keeping previous", logx.Err(err))
		} else {
			a.panel.Apply(pcfg)
		}
	}

	if a.hk != nil {
		if hcfg, enabled, err := mapHousekeepingConfig(newCfg); err != nil {
			a.log.Warn("invalid housekeeping config; keeping previous", logx.Err(err))
		} else if enabled {
			if err := a.hk.Apply(hcfg); err != nil {
				a.log.Warn("housekeeping reload failed", logx.Err(err))
			}
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
