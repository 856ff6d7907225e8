package panel

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"autobc/internal/broadcast"
	"autobc/internal/storage"
	kit "autobc/internal/transport"
	logx "autobc/pkg/logx"
)

const owner = 42

func testLogger() logx.Logger { return logx.Nop() }

type sent struct {
	to   kit.ChatTarget
	text string
}

type fakeReplier struct {
	mu   sync.Mutex
	msgs []sent
}

func (f *fakeReplier) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, sent{to: to, text: text})
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: len(f.msgs)}, nil
}

func (f *fakeReplier) last(t *testing.T) sent {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.msgs) == 0 {
		t.Fatalf("no replies")
	}
	return f.msgs[len(f.msgs)-1]
}

func (f *fakeReplier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

type fakeDispatcher struct {
	mu       sync.Mutex
	full     int
	targeted []broadcast.Destination
	rep      broadcast.PassReport
	err      error
}

func (f *fakeDispatcher) Full(_ context.Context, _ broadcast.Identity) (broadcast.PassReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.full++
	return f.rep, f.err
}

func (f *fakeDispatcher) Targeted(_ context.Context, _ broadcast.Identity, dest broadcast.Destination) (broadcast.PassReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targeted = append(f.targeted, dest)
	return f.rep, f.err
}

type fixture struct {
	p     *Panel
	out   *fakeReplier
	store storage.Store
	disp  *fakeDispatcher
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		out:   &fakeReplier{},
		store: storage.NewMemory(),
		disp:  &fakeDispatcher{},
		now:   time.Unix(1_700_000_000, 0),
	}
	f.p = New(Config{
		Owners:   []int64{owner},
		Defaults: storage.Defaults{Interval: 12 * time.Hour, Delay: 5 * time.Second},
	}, f.out, f.store, f.disp, testLogger(), WithNow(func() time.Time { return f.now }))
	return f
}

func (f *fixture) private(text string) *kit.Message {
	return &kit.Message{ChatID: owner, ChatKind: kit.ChatPrivate, FromID: owner, Text: text}
}

func (f *fixture) group(chatID int64, thread int, title, text string) *kit.Message {
	return &kit.Message{ChatID: chatID, ChatKind: kit.ChatSupergroup, ChatTitle: title, ThreadID: thread, FromID: owner, Text: text}
}

func (f *fixture) send(m *kit.Message) {
	f.p.HandleUpdate(context.Background(), kit.Update{Kind: kit.UpdateMessage, Message: m})
}

func TestNonOwnersAreRejected(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.send(&kit.Message{ChatID: -100, ChatKind: kit.ChatSupergroup, FromID: 7, Text: "/adddest"})
	if f.out.count() != 0 {
		t.Fatalf("group stranger got a reply")
	}
	f.send(&kit.Message{ChatID: 7, ChatKind: kit.ChatPrivate, FromID: 7, Text: "/status"})
	if got := f.out.last(t).text; got != "unauthorized" {
		t.Fatalf("reply=%q", got)
	}
	if _, err := f.store.Settings(context.Background(), 7); err == nil {
		t.Fatalf("stranger must not get a settings row")
	}
}

func TestStartInitializesSettings(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.send(f.private("/start"))
	st, err := f.store.Settings(context.Background(), owner)
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	if st.Interval != 12*time.Hour || st.Delay != 5*time.Second || st.Enabled {
		t.Fatalf("settings=%+v", st)
	}
	if !strings.Contains(f.out.last(t).text, "/forcehere") {
		t.Fatalf("help misses commands: %q", f.out.last(t).text)
	}
}

func TestSetMsgStoresNextTextWithEntities(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.send(f.private("/setmsg"))
	m := f.private("Promo ⭐ today")
	m.Entities = []kit.Entity{{Kind: "custom_emoji", Offset: 6, Length: 1, CustomEmojiID: "5368324170671202286"}}
	f.send(m)

	st, err := f.store.Settings(ctx, owner)
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	if st.Payload == nil || st.Payload.Text != "Promo ⭐ today" || len(st.Payload.Entities) != 1 {
		t.Fatalf("payload=%+v", st.Payload)
	}
	if st.Payload.Entities[0].CustomEmojiID != "5368324170671202286" {
		t.Fatalf("entity=%+v", st.Payload.Entities[0])
	}

	// The mode is consumed: the next plain text is ignored.
	before := f.out.count()
	f.send(f.private("just chatting"))
	if f.out.count() != before {
		t.Fatalf("plain text after setmsg should be ignored")
	}
	stats, _ := f.store.Stats(ctx, owner)
	if stats.AuditRows != 1 {
		t.Fatalf("audit rows=%d want 1", stats.AuditRows)
	}
}

func TestCancelClearsPendingInput(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.send(f.private("/setmsg"))
	f.send(f.private("/cancel"))
	f.send(f.private("not a payload"))

	st, _ := f.store.Settings(context.Background(), owner)
	if st.Payload != nil {
		t.Fatalf("payload stored after cancel: %+v", st.Payload)
	}
}

func TestAddDestInTopicAndUnwhitelist(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.send(f.group(-1001, 77, "Forum", "/adddest"))
	f.send(f.group(-1001, 0, "Forum", "/adddest@autobc_bot"))
	f.send(f.group(-1001, 77, "Forum renamed", "/adddest"))

	wl, _ := f.store.Whitelist(ctx, owner)
	if len(wl) != 2 {
		t.Fatalf("whitelist=%+v", wl)
	}
	if wl[0].Thread != 77 || wl[0].Title != "Forum renamed" || wl[1].Thread != broadcast.NoThread {
		t.Fatalf("whitelist=%+v", wl)
	}
	if got := f.out.last(t); got.to.ThreadID != 77 || !strings.Contains(got.text, "Already whitelisted") {
		t.Fatalf("reply=%+v", got)
	}

	f.send(f.group(-1001, 77, "Forum", "/unwhitelist"))
	wl, _ = f.store.Whitelist(ctx, owner)
	if len(wl) != 1 || wl[0].Thread != broadcast.NoThread {
		t.Fatalf("after unwhitelist=%+v", wl)
	}
	if !strings.Contains(f.out.last(t).text, "removed: 1") {
		t.Fatalf("reply=%q", f.out.last(t).text)
	}
}

func TestForwardFallbackInPrivate(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.send(f.private("/adddest"))
	if !strings.Contains(f.out.last(t).text, "Forward one message") {
		t.Fatalf("prompt=%q", f.out.last(t).text)
	}
	fw := f.private("hello")
	fw.ForwardedFrom = &kit.ChatRef{ChatID: -1002, Title: "News"}
	f.send(fw)

	wl, _ := f.store.Whitelist(ctx, owner)
	if len(wl) != 1 || wl[0].ChatID != -1002 || wl[0].Thread != broadcast.NoThread || wl[0].Title != "News" {
		t.Fatalf("whitelist=%+v", wl)
	}

	f.send(f.private("/blacklist"))
	f.send(f.private("not forwarded"))
	if !strings.Contains(f.out.last(t).text, "Could not read the origin") {
		t.Fatalf("reply=%q", f.out.last(t).text)
	}
	bl, _ := f.store.Blacklist(ctx, owner)
	if len(bl) != 0 {
		t.Fatalf("blacklist=%v", bl)
	}

	f.send(f.private("/blacklist"))
	f.send(fw)
	bl, _ = f.store.Blacklist(ctx, owner)
	if !bl.Has(-1002) {
		t.Fatalf("blacklist=%v", bl)
	}
	f.send(f.private("/unblacklist"))
	f.send(fw)
	bl, _ = f.store.Blacklist(ctx, owner)
	if bl.Has(-1002) {
		t.Fatalf("blacklist after remove=%v", bl)
	}
}

func TestSetIntervalBoundsAndReschedule(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	for _, in := range []string{"/setinterval", "/setinterval 0", "/setinterval 73", "/setinterval 30m", "/setinterval abc"} {
		f.send(f.private(in))
	}
	st, _ := f.store.Settings(ctx, owner)
	if st.Interval != 12*time.Hour {
		t.Fatalf("interval changed by invalid input: %v", st.Interval)
	}

	f.send(f.private("/setinterval 6"))
	st, _ = f.store.Settings(ctx, owner)
	if st.Interval != 6*time.Hour || st.NextRunAt != 0 {
		t.Fatalf("disabled settings=%+v", st)
	}

	if err := f.store.SetPayload(ctx, owner, broadcast.Payload{Text: "hi"}); err != nil {
		t.Fatalf("payload: %v", err)
	}
	f.send(f.group(-1001, 0, "G", "/adddest"))
	f.send(f.private("/enable"))
	f.now = f.now.Add(time.Hour)
	f.send(f.private("/setinterval 2:30"))

	st, _ = f.store.Settings(ctx, owner)
	want := f.now.Add(150 * time.Minute).Unix()
	if !st.Enabled || st.NextRunAt != want {
		t.Fatalf("next=%d want %d (%+v)", st.NextRunAt, want, st)
	}
}

func TestSetDelay(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.send(f.private("/setdelay 2.5"))
	st, _ := f.store.Settings(context.Background(), owner)
	if st.Delay != 2500*time.Millisecond {
		t.Fatalf("delay=%v", st.Delay)
	}
	f.send(f.private("/setdelay 61"))
	f.send(f.private("/setdelay -1"))
	st, _ = f.store.Settings(context.Background(), owner)
	if st.Delay != 2500*time.Millisecond {
		t.Fatalf("delay changed by invalid input: %v", st.Delay)
	}
}

func TestEnablePreconditionsAndDisable(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.send(f.private("/enable"))
	if !strings.Contains(f.out.last(t).text, "/setmsg") {
		t.Fatalf("reply=%q", f.out.last(t).text)
	}
	_ = f.store.SetPayload(ctx, owner, broadcast.Payload{Text: "hi"})
	f.send(f.private("/enable"))
	if !strings.Contains(f.out.last(t).text, "/adddest") {
		t.Fatalf("reply=%q", f.out.last(t).text)
	}

	f.send(f.group(-1001, 0, "G", "/adddest"))
	f.send(f.private("/enable"))
	st, _ := f.store.Settings(ctx, owner)
	if !st.Enabled || st.NextRunAt != f.now.Add(12*time.Hour).Unix() {
		t.Fatalf("enabled settings=%+v", st)
	}

	f.send(f.private("/disable"))
	st, _ = f.store.Settings(ctx, owner)
	if st.Enabled || st.NextRunAt != 0 {
		t.Fatalf("disabled settings=%+v", st)
	}
}

func TestListDestMarksBlacklisted(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.send(f.private("/listdest"))
	if !strings.Contains(f.out.last(t).text, "empty") {
		t.Fatalf("reply=%q", f.out.last(t).text)
	}

	f.send(f.group(-3, 0, "zeta", "/adddest"))
	f.send(f.group(-1, 0, "Alpha", "/adddest"))
	f.send(f.group(-2, 0, "beta", "/adddest"))
	f.send(f.group(-2, 0, "beta", "/blacklist"))

	f.send(f.private("/listdest"))
	lines := strings.Split(f.out.last(t).text, "\n")
	if len(lines) != 4 {
		t.Fatalf("lines=%q", lines)
	}
	if !strings.HasPrefix(lines[1], "• Alpha") || !strings.HasPrefix(lines[2], "⛔ beta") || !strings.HasPrefix(lines[3], "• zeta") {
		t.Fatalf("lines=%q", lines)
	}

	f.send(f.private("/listblack"))
	if got := f.out.last(t).text; !strings.Contains(got, "beta | chat_id=-2") {
		t.Fatalf("listblack=%q", got)
	}
}

func TestForceRunsFullDispatch(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.send(f.private("/force"))
	if f.disp.full != 0 || !strings.Contains(f.out.last(t).text, "/setmsg") {
		t.Fatalf("force without payload: full=%d reply=%q", f.disp.full, f.out.last(t).text)
	}

	_ = f.store.SetPayload(ctx, owner, broadcast.Payload{Text: "hi"})
	f.send(f.group(-1001, 0, "G", "/adddest"))
	f.disp.rep = broadcast.PassReport{Sent: 3, Skipped: 2}
	f.send(f.private("/force"))

	if f.disp.full != 1 {
		t.Fatalf("full=%d want 1", f.disp.full)
	}
	if got := f.out.last(t).text; !strings.Contains(got, "Sent: 3") || !strings.Contains(got, "blacklisted: 2") {
		t.Fatalf("report=%q", got)
	}
	st, _ := f.store.Settings(ctx, owner)
	if st.NextRunAt != 0 {
		t.Fatalf("force touched next run: %d", st.NextRunAt)
	}
}

func TestForceHereTargetsCurrentTopic(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_, _ = f.store.EnsureSettings(ctx, owner, storage.Defaults{Interval: time.Hour})
	_ = f.store.SetPayload(ctx, owner, broadcast.Payload{Text: "hi"})
	f.disp.rep = broadcast.PassReport{Total: 1, Sent: 1}
	f.send(f.group(-1001, 9, "Forum", "/forcehere"))

	if len(f.disp.targeted) != 1 {
		t.Fatalf("targeted=%+v", f.disp.targeted)
	}
	if d := f.disp.targeted[0]; d.ChatID != -1001 || d.Thread != 9 {
		t.Fatalf("dest=%+v", d)
	}
	if got := f.out.last(t); got.to.ThreadID != 9 || !strings.Contains(got.text, "delivered") {
		t.Fatalf("reply=%+v", got)
	}

	f.send(f.group(-1001, 9, "Forum", "/blacklist"))
	f.send(f.group(-1001, 9, "Forum", "/forcehere"))
	if len(f.disp.targeted) != 1 || !strings.Contains(f.out.last(t).text, "blacklisted") {
		t.Fatalf("blacklisted forcehere dispatched: %+v", f.disp.targeted)
	}
}

func TestRunDispatchesUnderSupervisor(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, _ = f.store.EnsureSettings(ctx, owner, storage.Defaults{Interval: time.Hour})
	_ = f.store.SetPayload(ctx, owner, broadcast.Payload{Text: "hi"})
	f.disp.rep = broadcast.PassReport{Sent: 1}

	updates := make(chan kit.Update, 2)
	done := make(chan error, 1)
	go func() { done <- f.p.Run(ctx, updates) }()

	updates <- kit.Update{Kind: kit.UpdateMessage, Message: f.group(-5, 0, "G", "/forcehere")}
	deadline := time.After(2 * time.Second)
	for {
		if f.out.count() >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("no completion reply, replies=%d", f.out.count())
		case <-time.After(10 * time.Millisecond):
		}
	}
	close(updates)
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestSplitCommand(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		name string
		args []string
		ok   bool
	}{
		{"/setinterval 12", "setinterval", []string{"12"}, true},
		{"/ForceHere@autobc_bot", "forcehere", nil, true},
		{`/setdelay "2.5"`, "setdelay", []string{"2.5"}, true},
		{"hello", "", nil, false},
		{"/", "", nil, false},
		{"", "", nil, false},
	}
	for _, tc := range cases {
		name, args, ok := splitCommand(tc.in)
		if ok != tc.ok || name != tc.name || len(args) != len(tc.args) {
			t.Fatalf("splitCommand(%q)=%q %q %v", tc.in, name, args, ok)
		}
		for i := range args {
			if args[i] != tc.args[i] {
				t.Fatalf("splitCommand(%q) args=%q", tc.in, args)
			}
		}
	}
}

func TestSanitizeTelegramCommand(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"forcehere":   "forcehere",
		"Set-Delay":   "set_delay",
		"  list dest": "list_dest",
		"9lives":      "cmd_9lives",
		"__":          "",
	}
	for in, want := range cases {
		if got := sanitizeTelegramCommand(in); got != want {
			t.Fatalf("sanitizeTelegramCommand(%q)=%q want %q", in, got, want)
		}
	}
}

func TestMenuCoversCommands(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	menu := f.p.Menu()
	if len(menu) != len(f.p.commandList()) {
		t.Fatalf("menu=%d commands=%d", len(menu), len(f.p.commandList()))
	}
	for _, c := range menu {
		if c.Description == "" {
			t.Fatalf("empty description for %q", c.Command)
		}
	}
}

func TestRenderStatus(t *testing.T) {
	t.Parallel()

	st := broadcast.Settings{Enabled: true, Interval: 6 * time.Hour, Delay: 5 * time.Second, NextRunAt: 1700000000}
	wl := make([]broadcast.Destination, 0, 7)
	for i := 1; i <= 7; i++ {
		wl = append(wl, broadcast.Destination{ChatID: int64(-i), Thread: broadcast.NoThread, Title: fmt.Sprintf("chat %d", i)})
	}
	last := &broadcast.CycleEvent{Report: broadcast.PassReport{Sent: 6, Skipped: 1}, Took: 31 * time.Second}

	out := renderStatus(st, wl, storage.Stats{Exclusions: 1}, "idle", last, 2)
	for _, want := range []string{
		"Enabled: yes",
		"Whitelist: 7",
		"Blacklist: 1",
		"Message set: no",
		"(epoch=1700000000)",
		"Scheduler: idle",
		"Force dispatches running: 2",
		"Last cycle: sent=6 skipped=1 evicted=0 took=31s",
		"chat 7",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
	if strings.Contains(out, "chat 2 ") || strings.Contains(out, "chat 1 ") {
		t.Fatalf("status lists more than the latest entries:\n%s", out)
	}
	if strings.Contains(renderStatus(st, nil, storage.Stats{}, "", nil, 0), "Force dispatches") {
		t.Fatalf("idle status mentions dispatches")
	}
}
