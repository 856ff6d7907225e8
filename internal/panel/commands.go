package panel

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"autobc/internal/broadcast"
	"autobc/internal/storage"
	kit "autobc/internal/transport"
	logx "autobc/pkg/logx"
	"autobc/pkg/timespec"
)

func (p *Panel) commandList() []Command {
	return []Command{
		{Name: "start", Description: "show help and initialize settings", NeedsSettings: true, Handle: p.cmdStart},
		{Name: "cancel", Description: "cancel pending input", Handle: p.cmdCancel},
		{Name: "setmsg", Description: "set the broadcast message", NeedsSettings: true, Handle: p.cmdSetMsg},
		{Name: "adddest", Description: "whitelist this chat/topic", NeedsSettings: true, Handle: p.cmdAddDest},
		{Name: "unwhitelist", Description: "remove this chat/topic from the whitelist", NeedsSettings: true, Handle: p.cmdUnwhitelist},
		{Name: "blacklist", Description: "exclude this chat", NeedsSettings: true, Handle: p.cmdBlacklist},
		{Name: "unblacklist", Description: "stop excluding this chat", NeedsSettings: true, Handle: p.cmdUnblacklist},
		{Name: "setinterval", Description: "set the cycle interval", Usage: "/setinterval 12", NeedsSettings: true, Handle: p.cmdSetInterval},
		{Name: "setdelay", Description: "set the delay between chats", Usage: "/setdelay 5", NeedsSettings: true, Handle: p.cmdSetDelay},
		{Name: "enable", Description: "start scheduled broadcasts", NeedsSettings: true, Handle: p.cmdEnable},
		{Name: "disable", Description: "stop scheduled broadcasts", NeedsSettings: true, Handle: p.cmdDisable},
		{Name: "status", Description: "show settings and schedule", NeedsSettings: true, Handle: p.cmdStatus},
		{Name: "listdest", Description: "list whitelisted chats", NeedsSettings: true, Handle: p.cmdListDest},
		{Name: "listblack", Description: "list blacklisted chats", NeedsSettings: true, Handle: p.cmdListBlack},
		{Name: "force", Description: "broadcast once to the whole whitelist", NeedsSettings: true, Handle: p.cmdForce},
		{Name: "forcehere", Description: "broadcast once to this chat/topic", NeedsSettings: true, Handle: p.cmdForceHere},
	}
}

func (p *Panel) registry() (map[string]Command, []kit.BotCommand) {
	list := p.commandList()
	cmds := make(map[string]Command, len(list))
	menu := make([]kit.BotCommand, 0, len(list))
	for _, c := range list {
		cmds[c.Name] = c
		if name := sanitizeTelegramCommand(c.Name); name != "" {
			menu = append(menu, kit.BotCommand{Command: name, Description: c.Description})
		}
	}
	return cmds, menu
}

func (p *Panel) helpText() string {
	var b strings.Builder
	b.WriteString("✅ Broadcast panel ready.\n\n")
	b.WriteString("Quick start (forums and topics supported):\n")
	b.WriteString("1) /setmsg, then send the broadcast message\n")
	b.WriteString("2) in each target group or topic type /adddest\n")
	b.WriteString("3) /enable for the schedule, or /force to send once now\n\n")
	b.WriteString("Commands:\n")
	for _, c := range p.commandList() {
		usage := c.Usage
		if usage == "" {
			usage = "/" + c.Name
		}
		b.WriteString(usage)
		b.WriteString(" - ")
		b.WriteString(c.Description)
		b.WriteString("\n")
	}
	b.WriteString("\nIn forums run /adddest and /unwhitelist inside the topic itself.")
	return b.String()
}

func (p *Panel) cmdStart(ctx context.Context, req *Request) error {
	p.reply(ctx, req, p.helpText())
	return nil
}

func (p *Panel) cmdCancel(ctx context.Context, req *Request) error {
	p.pending.set(req.Identity, modeNone)
	p.reply(ctx, req, "✅ Canceled.")
	return nil
}

func (p *Panel) cmdSetMsg(ctx context.Context, req *Request) error {
	p.pending.set(req.Identity, modeSetMsg)
	p.reply(ctx, req, "✍️ Send the broadcast message now.\n"+
		"• one message only\n"+
		"• text with formatting and custom emoji is kept\n"+
		"• /cancel to abort")
	return nil
}

// listCommand acts on the current chat when typed in a group, and otherwise
// waits for a forwarded message from the target chat.
func (p *Panel) listCommand(mode inputMode, prompt string) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		if req.Msg.ChatKind.IsGroup() {
			title := req.Msg.ChatTitle
			return p.applyListOp(ctx, req, mode, req.Msg.ChatID, broadcast.KeyFromThreadID(req.Msg.ThreadID), title)
		}
		p.pending.set(req.Identity, mode)
		p.reply(ctx, req, prompt)
		return nil
	}
}

func (p *Panel) cmdAddDest(ctx context.Context, req *Request) error {
	return p.listCommand(modeWhitelist,
		"Forward one message from the target group or topic to WHITELIST it.\n"+
			"(For forum topics, typing /adddest inside the topic is more accurate.)")(ctx, req)
}

func (p *Panel) cmdUnwhitelist(ctx context.Context, req *Request) error {
	return p.listCommand(modeUnwhitelist,
		"Forward one message from the group or topic to remove from the WHITELIST.\n"+
			"(For forum topics, typing /unwhitelist inside the topic is more accurate.)")(ctx, req)
}

func (p *Panel) cmdBlacklist(ctx context.Context, req *Request) error {
	return p.listCommand(modeBlacklist, "Forward one message from the group to BLACKLIST.")(ctx, req)
}

func (p *Panel) cmdUnblacklist(ctx context.Context, req *Request) error {
	return p.listCommand(modeUnblacklist, "Forward one message from the group to remove from the BLACKLIST.")(ctx, req)
}

func (p *Panel) applyListOp(ctx context.Context, req *Request, mode inputMode, chatID int64, key broadcast.ThreadKey, title string) error {
	if strings.TrimSpace(title) == "" {
		title = strconv.FormatInt(chatID, 10)
	}
	id := req.Identity

	switch mode {
	case modeWhitelist:
		dest := broadcast.Destination{ChatID: chatID, Thread: key, Title: title}
		added, err := p.store.AddDestination(ctx, id, dest)
		p.audit(ctx, req, "whitelist.add", destLabel(chatID, key), err)
		if err != nil {
			return err
		}
		head := "✅ Whitelisted"
		if !added {
			head = "✅ Already whitelisted (title updated)"
		}
		p.reply(ctx, req, fmt.Sprintf("%s: %s\nchat_id=%d\nthread=%s", head, title, chatID, key))
	case modeUnwhitelist:
		n, err := p.store.RemoveDestination(ctx, id, chatID, key)
		p.audit(ctx, req, "whitelist.remove", destLabel(chatID, key), err)
		if err != nil {
			return err
		}
		p.reply(ctx, req, fmt.Sprintf("🗑️ Removed from whitelist: %s\nchat_id=%d\nthread=%s\nremoved: %d", title, chatID, key, n))
	case modeBlacklist:
		_, err := p.store.AddExclusion(ctx, id, storage.Exclusion{ChatID: chatID, Title: title, AddedAt: p.now()})
		p.audit(ctx, req, "blacklist.add", strconv.FormatInt(chatID, 10), err)
		if err != nil {
			return err
		}
		p.reply(ctx, req, fmt.Sprintf("⛔ Blacklisted: %s\nchat_id=%d", title, chatID))
	case modeUnblacklist:
		n, err := p.store.RemoveExclusion(ctx, id, chatID)
		p.audit(ctx, req, "blacklist.remove", strconv.FormatInt(chatID, 10), err)
		if err != nil {
			return err
		}
		p.reply(ctx, req, fmt.Sprintf("✅ Removed from blacklist: %s\nchat_id=%d\nremoved: %d", title, chatID, n))
	}
	return nil
}

// handleInput consumes the message an earlier command asked for.
func (p *Panel) handleInput(ctx context.Context, req *Request) error {
	mode := p.pending.take(req.Identity)
	msg := req.Msg

	if mode.forwardMode() {
		if msg.ForwardedFrom == nil {
			p.reply(ctx, req, "❌ Could not read the origin chat of that forward. Forward again from the group or topic.")
			return nil
		}
		src := msg.ForwardedFrom
		return p.applyListOp(ctx, req, mode, src.ChatID, broadcast.NoThread, src.Title)
	}

	if mode != modeSetMsg {
		return nil
	}
	if strings.TrimSpace(msg.Text) == "" {
		p.reply(ctx, req, "❌ The message must contain text.")
		return nil
	}
	payload := broadcast.Payload{Text: msg.Text, Entities: append([]kit.Entity(nil), msg.Entities...)}
	err := p.store.SetPayload(ctx, req.Identity, payload)
	p.audit(ctx, req, "payload.set", fmt.Sprintf("len=%d entities=%d", len(msg.Text), len(msg.Entities)), err)
	if err != nil {
		return err
	}
	p.reply(ctx, req, fmt.Sprintf("✅ Broadcast message saved (%d formatting entities kept).", len(payload.Entities)))
	return nil
}

func (p *Panel) cmdSetInterval(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		p.reply(ctx, req, "Usage: /setinterval 12 (hours, or 90m, or 1:30)")
		return nil
	}
	d, err := timespec.ParseInterval(req.Args[0])
	if err != nil {
		p.reply(ctx, req, "❌ "+err.Error())
		return nil
	}
	if d < MinInterval || d > MaxInterval {
		p.reply(ctx, req, "To stay safe the interval must be between 1 and 72 hours.")
		return nil
	}
	err = p.store.SetInterval(ctx, req.Identity, d, p.now())
	p.audit(ctx, req, "interval.set", d.String(), err)
	if err != nil {
		return err
	}
	p.reply(ctx, req, "✅ Interval set: "+timespec.FormatHours(d))
	return nil
}

// parseDelay accepts fractional seconds ("2.5") as well as durations.
func parseDelay(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		if f < 0 {
			return 0, errors.New("must be >= 0")
		}
		return time.Duration(f * float64(time.Second)), nil
	}
	return timespec.ParseSeconds(s)
}

func (p *Panel) cmdSetDelay(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		p.reply(ctx, req, "Usage: /setdelay 5")
		return nil
	}
	d, err := parseDelay(req.Args[0])
	if err != nil {
		p.reply(ctx, req, "Must be a number of seconds, e.g. /setdelay 5")
		return nil
	}
	if d < 0 || d > MaxDelay {
		p.reply(ctx, req, "Delay must be between 0 and 60 seconds.")
		return nil
	}
	err = p.store.SetDelay(ctx, req.Identity, d)
	p.audit(ctx, req, "delay.set", d.String(), err)
	if err != nil {
		return err
	}
	p.reply(ctx, req, "✅ Delay between chats set: "+d.String())
	return nil
}

func (p *Panel) cmdEnable(ctx context.Context, req *Request) error {
	st, err := p.store.Settings(ctx, req.Identity)
	if err != nil {
		return err
	}
	if st.Payload == nil {
		return broadcast.ErrNoPayload
	}
	wl, err := p.store.Whitelist(ctx, req.Identity)
	if err != nil {
		return err
	}
	if len(wl) == 0 {
		return broadcast.ErrEmptyWhitelist
	}
	next := p.now().Add(st.Interval).Unix()
	err = p.store.Enable(ctx, req.Identity, next)
	p.audit(ctx, req, "schedule.enable", strconv.FormatInt(next, 10), err)
	if err != nil {
		return err
	}
	p.reply(ctx, req, "✅ Enabled. Next run: "+formatUnix(next))
	return nil
}

func (p *Panel) cmdDisable(ctx context.Context, req *Request) error {
	err := p.store.Disable(ctx, req.Identity)
	p.audit(ctx, req, "schedule.disable", "", err)
	if err != nil {
		return err
	}
	p.reply(ctx, req, "⛔ Disabled.")
	return nil
}

func (p *Panel) cmdStatus(ctx context.Context, req *Request) error {
	st, err := p.store.Settings(ctx, req.Identity)
	if err != nil {
		return err
	}
	wl, err := p.store.Whitelist(ctx, req.Identity)
	if err != nil {
		return err
	}
	stats, err := p.store.Stats(ctx, req.Identity)
	if err != nil {
		return err
	}
	var cycle *broadcast.CycleEvent
	var state string
	if p.cycles != nil {
		state = p.cycles.State().String()
		if ev, ok := p.cycles.LastCycle(); ok {
			cycle = &ev
		}
	}
	p.reply(ctx, req, renderStatus(st, wl, stats, state, cycle, p.runningDispatches()))
	return nil
}

// runningDispatches counts force dispatches still in flight.
func (p *Panel) runningDispatches() int64 {
	sup := p.Supervisor()
	if sup == nil {
		return 0
	}
	var n int64
	for _, g := range sup.Snapshot().Goroutines {
		if strings.HasPrefix(g.Name, "dispatch.") {
			n += g.Active
		}
	}
	return n
}

func (p *Panel) cmdListDest(ctx context.Context, req *Request) error {
	wl, err := p.store.Whitelist(ctx, req.Identity)
	if err != nil {
		return err
	}
	if len(wl) == 0 {
		p.reply(ctx, req, "Whitelist is empty. Use /adddest first.")
		return nil
	}
	bl, err := p.store.Blacklist(ctx, req.Identity)
	if err != nil {
		return err
	}
	p.reply(ctx, req, renderWhitelist(wl, bl, listDestLimit))
	return nil
}

func (p *Panel) cmdListBlack(ctx context.Context, req *Request) error {
	ex, err := p.store.Exclusions(ctx, req.Identity)
	if err != nil {
		return err
	}
	if len(ex) == 0 {
		p.reply(ctx, req, "Blacklist is empty.")
		return nil
	}
	p.reply(ctx, req, renderBlacklist(ex, listBlackLimit))
	return nil
}

func (p *Panel) cmdForce(ctx context.Context, req *Request) error {
	id := req.Identity
	st, err := p.store.Settings(ctx, id)
	if err != nil {
		return err
	}
	if st.Payload == nil {
		return broadcast.ErrNoPayload
	}
	wl, err := p.store.Whitelist(ctx, id)
	if err != nil {
		return err
	}
	if len(wl) == 0 {
		return broadcast.ErrEmptyWhitelist
	}
	if !p.acquire(id) {
		p.reply(ctx, req, "⏳ A full broadcast is already running.")
		return nil
	}

	p.reply(ctx, req, "🚀 Force broadcast started...")
	p.spawn("dispatch.full", func(c context.Context) {
		defer p.release(id)
		rep, err := p.dispatcher.Full(c, id)
		if err != nil {
			req.Logger.Warn("force failed", logx.Err(err))
			p.reply(c, req, "❌ Force failed: "+explain(err))
			return
		}
		p.reply(c, req, fmt.Sprintf("✅ Force done.\nSent: %d\nSkipped/failed/blacklisted: %d", rep.Sent, rep.Skipped))
	})
	return nil
}

func (p *Panel) cmdForceHere(ctx context.Context, req *Request) error {
	id := req.Identity
	st, err := p.store.Settings(ctx, id)
	if err != nil {
		return err
	}
	if st.Payload == nil {
		return broadcast.ErrNoPayload
	}
	bl, err := p.store.Blacklist(ctx, id)
	if err != nil {
		return err
	}
	if bl.Has(req.Chat.ChatID) {
		p.reply(ctx, req, "⛔ This chat is blacklisted.")
		return nil
	}
	dest := broadcast.Destination{
		ChatID: req.Chat.ChatID,
		Thread: broadcast.KeyFromThreadID(req.Chat.ThreadID),
		Title:  req.Msg.ChatTitle,
	}

	p.reply(ctx, req, "🚀 Forcehere started...")
	p.spawn("dispatch.targeted", func(c context.Context) {
		rep, err := p.dispatcher.Targeted(c, id, dest)
		switch {
		case err != nil:
			req.Logger.Warn("forcehere failed", logx.Err(err))
			p.reply(c, req, "❌ Forcehere failed: "+explain(err))
		case rep.Sent == 1:
			p.reply(c, req, "✅ Forcehere delivered.")
		default:
			p.reply(c, req, "⚠️ Forcehere failed or was skipped.")
		}
	})
	return nil
}

// spawn runs fn under the dispatch supervisor. Without a running supervisor
// fn runs inline.
func (p *Panel) spawn(name string, fn func(ctx context.Context)) {
	if sup := p.Supervisor(); sup != nil {
		sup.Go0(name, fn)
		return
	}
	fn(context.Background())
}

func (p *Panel) acquire(id broadcast.Identity) bool {
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()
	if _, busy := p.inflight[id]; busy {
		return false
	}
	p.inflight[id] = struct{}{}
	return true
}

func (p *Panel) release(id broadcast.Identity) {
	p.inflightMu.Lock()
	delete(p.inflight, id)
	p.inflightMu.Unlock()
}

// explain renders engine and storage errors for the owner.
func explain(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, broadcast.ErrNoPayload):
		return "Message not set. Use /setmsg first."
	case errors.Is(err, broadcast.ErrEmptyWhitelist):
		return "Whitelist is empty. Use /adddest in the target group or topic."
	case errors.Is(err, broadcast.ErrExcluded):
		return "This chat is blacklisted."
	case errors.Is(err, broadcast.ErrNoSettings):
		return "Settings not found. Send /start."
	case errors.Is(err, broadcast.ErrConnect):
		return "Could not start the sender: " + err.Error()
	case errors.Is(err, context.Canceled):
		return "Canceled."
	case errors.Is(err, context.DeadlineExceeded):
		return "Timed out."
	default:
		return err.Error()
	}
}
