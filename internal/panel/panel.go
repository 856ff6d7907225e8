package panel

import (
	"context"
	"strings"
	"sync"
	"time"

	"autobc/internal/broadcast"
	rtsup "autobc/internal/runtime/supervisor"
	"autobc/internal/storage"
	kit "autobc/internal/transport"
	logx "autobc/pkg/logx"
)

const (
	DefaultCommandTimeout = 15 * time.Second

	MinInterval = time.Hour
	MaxInterval = 72 * time.Hour
	MaxDelay    = 60 * time.Second

	listDestLimit  = 80
	listBlackLimit = 150
	statusSample   = 5
)

// Replier is the part of the bot adapter the panel talks through.
type Replier interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

// Dispatcher runs on-demand passes.
type Dispatcher interface {
	Full(ctx context.Context, id broadcast.Identity) (broadcast.PassReport, error)
	Targeted(ctx context.Context, id broadcast.Identity, dest broadcast.Destination) (broadcast.PassReport, error)
}

// CycleSource exposes the in-process scheduler for /status. It is nil when
// the scheduler runs in another process.
type CycleSource interface {
	State() broadcast.State
	LastCycle() (broadcast.CycleEvent, bool)
}

type Config struct {
	Owners         []int64
	Defaults       storage.Defaults
	CommandTimeout time.Duration
}

type Request struct {
	Msg      *kit.Message
	Chat     kit.ChatTarget
	Identity broadcast.Identity
	Command  string
	Args     []string
	ReqID    string
	Logger   logx.Logger
}

type Command struct {
	Name        string
	Description string
	Usage       string
	// NeedsSettings makes sure the settings row exists before Handle runs.
	NeedsSettings bool
	Handle        HandlerFunc
}

// Panel routes owner commands. Updates are handled one at a time in arrival
// order, so a pending input mode set by one command always applies to the
// next message. Dispatches are the only work moved off the loop.
type Panel struct {
	out        Replier
	store      storage.Store
	dispatcher Dispatcher
	cycles     CycleSource
	log        logx.Logger
	now        func() time.Time

	mu       sync.RWMutex
	owners   map[int64]struct{}
	defaults storage.Defaults
	timeout  time.Duration

	cmds map[string]Command
	menu []kit.BotCommand

	pending *pendingModes

	inflightMu sync.Mutex
	inflight   map[broadcast.Identity]struct{}

	supMu sync.Mutex
	sup   *rtsup.Supervisor
}

type Option func(*Panel)

// WithCycleSource lets /status report the in-process scheduler.
func WithCycleSource(c CycleSource) Option { return func(p *Panel) { p.cycles = c } }

// WithNow overrides the wall clock.
func WithNow(now func() time.Time) Option {
	return func(p *Panel) {
		if now != nil {
			p.now = now
		}
	}
}

func New(cfg Config, out Replier, store storage.Store, dispatcher Dispatcher, log logx.Logger, opts ...Option) *Panel {
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Panel{
		out:        out,
		store:      store,
		dispatcher: dispatcher,
		log:        log,
		now:        time.Now,
		pending:    newPendingModes(),
		inflight:   map[broadcast.Identity]struct{}{},
	}
	for _, o := range opts {
		o(p)
	}
	p.Apply(cfg)
	p.cmds, p.menu = p.registry()
	return p
}

// Apply swaps owners, defaults and the command timeout (hot reload).
func (p *Panel) Apply(cfg Config) {
	owners := make(map[int64]struct{}, len(cfg.Owners))
	for _, id := range cfg.Owners {
		if id != 0 {
			owners[id] = struct{}{}
		}
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	if cfg.Defaults.Interval <= 0 {
		cfg.Defaults.Interval = broadcast.DefaultInterval
	}
	p.mu.Lock()
	p.owners = owners
	p.defaults = cfg.Defaults
	p.timeout = cfg.CommandTimeout
	p.mu.Unlock()
}

func (p *Panel) isOwner(id int64) bool {
	p.mu.RLock()
	_, ok := p.owners[id]
	p.mu.RUnlock()
	return ok
}

func (p *Panel) settingsDefaults() storage.Defaults {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.defaults
}

func (p *Panel) commandTimeout() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.timeout
}

// Menu returns the bot command list for the client-side menu.
func (p *Panel) Menu() []kit.BotCommand {
	return append([]kit.BotCommand(nil), p.menu...)
}

// Supervisor returns the dispatch supervisor (nil when not running).
func (p *Panel) Supervisor() *rtsup.Supervisor {
	p.supMu.Lock()
	defer p.supMu.Unlock()
	return p.sup
}

// Run consumes updates until ctx is done or the channel closes. In-flight
// dispatches are canceled and awaited on return.
func (p *Panel) Run(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(p.log.With(logx.String("comp", "panel.dispatch"))),
		rtsup.WithCancelOnError(false),
	)
	p.supMu.Lock()
	p.sup = sup
	p.supMu.Unlock()

	if up, ok := p.out.(kit.CommandMenuUpdater); ok {
		sup.Go0("panel.menu.update", func(c context.Context) {
			mctx, cancel := context.WithTimeout(c, 10*time.Second)
			defer cancel()
			if err := up.UpdateMenuCommands(mctx, p.Menu()); err != nil {
				p.log.Debug("menu update failed", logx.Err(err))
			}
		})
	}

	p.log.Info("panel started", logx.Int("owners", len(p.ownerIDs())))
	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		p.supMu.Lock()
		p.sup = nil
		p.supMu.Unlock()
		p.log.Info("panel stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			p.HandleUpdate(sup.Context(), up)
		}
	}
}

func (p *Panel) ownerIDs() []int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]int64, 0, len(p.owners))
	for id := range p.owners {
		out = append(out, id)
	}
	return out
}

// HandleUpdate routes one update synchronously.
func (p *Panel) HandleUpdate(ctx context.Context, up kit.Update) {
	if up.Kind != kit.UpdateMessage || up.Message == nil {
		return
	}
	msg := up.Message
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	name, args, isCmd := splitCommand(msg.Text)
	if !p.isOwner(msg.FromID) {
		// Stay quiet in groups; strangers only get an answer in private.
		if isCmd && msg.ChatKind == kit.ChatPrivate {
			_, _ = p.out.SendText(ctx, chat, "unauthorized", nil)
		}
		return
	}

	rid := newReqID()
	req := &Request{
		Msg:      msg,
		Chat:     chat,
		Identity: broadcast.Identity(msg.FromID),
		Args:     args,
		ReqID:    rid,
	}

	var h HandlerFunc
	if isCmd {
		cmd, ok := p.cmds[name]
		if !ok {
			if msg.ChatKind == kit.ChatPrivate {
				_, _ = p.out.SendText(ctx, chat, "unknown command, try /start", nil)
			}
			return
		}
		req.Command = cmd.Name
		h = cmd.Handle
		if cmd.NeedsSettings {
			h = p.withSettings(h)
		}
	} else {
		mode := p.pending.get(req.Identity)
		if mode == modeNone {
			return
		}
		req.Command = "input:" + mode.String()
		h = p.handleInput
	}

	req.Logger = p.log.With(
		logx.String("rid", rid),
		logx.Int64("chat_id", msg.ChatID),
		logx.Int("thread_id", msg.ThreadID),
		logx.Int64("from_id", msg.FromID),
		logx.String("cmd", req.Command),
	)

	final := Chain(
		h,
		MWPanicRecover(p.log),
		MWRequestLog(p.log),
		MWReplyError(p),
		MWTimeout(p.commandTimeout()),
	)
	_ = final(ctx, req)
}

// withSettings creates the identity's settings row on first use.
func (p *Panel) withSettings(next HandlerFunc) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		created, err := p.store.EnsureSettings(ctx, req.Identity, p.settingsDefaults())
		if err != nil {
			return err
		}
		if created {
			req.Logger.Info("settings initialized")
		}
		return next(ctx, req)
	}
}

func (p *Panel) reply(ctx context.Context, req *Request, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if _, err := p.out.SendText(ctx, req.Chat, text, &kit.SendOptions{DisablePreview: true}); err != nil {
		req.Logger.Warn("reply failed", logx.Err(err))
	}
}

func (p *Panel) audit(ctx context.Context, req *Request, action, target string, err error) {
	e := storage.AuditEntry{
		At:            p.now(),
		ActorID:       int64(req.Identity),
		ActorUsername: req.Msg.FromUsername,
		ChatID:        req.Chat.ChatID,
		ThreadID:      req.Chat.ThreadID,
		Action:        action,
		Target:        target,
	}
	if err != nil {
		e.Fail = 1
		e.Error = err.Error()
	} else {
		e.OK = 1
	}
	if aerr := p.store.AppendAudit(context.WithoutCancel(ctx), e); aerr != nil {
		req.Logger.Warn("audit append failed", logx.Err(aerr))
	}
}
