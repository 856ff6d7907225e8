package broadcast

import (
	"context"
	"sync"
	"time"

	kit "autobc/internal/transport"
	logx "autobc/pkg/logx"
)

func testLogger() logx.Logger { return logx.Nop() }

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock(unix int64) *fakeClock { return &fakeClock{now: time.Unix(unix, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

type sendCall struct {
	To      kit.ChatTarget
	Payload Payload
}

// fakeSender replays scripted errors per chat id; an exhausted script means success.
type fakeSender struct {
	mu     sync.Mutex
	script map[int64][]error
	always map[int64]error
	calls  []sendCall
	panics bool
}

func newFakeSender() *fakeSender {
	return &fakeSender{script: map[int64][]error{}, always: map[int64]error{}}
}

func (s *fakeSender) SendMessage(ctx context.Context, to kit.ChatTarget, p Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panics {
		panic("sender exploded")
	}
	s.calls = append(s.calls, sendCall{To: to, Payload: p})
	if err, ok := s.always[to.ChatID]; ok {
		return err
	}
	if q := s.script[to.ChatID]; len(q) > 0 {
		s.script[to.ChatID] = q[1:]
		return q[0]
	}
	return nil
}

func (s *fakeSender) Calls() []sendCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sendCall(nil), s.calls...)
}

type fakeConn struct {
	*fakeSender
	closed *int
}

func (c fakeConn) Close(ctx context.Context) error {
	*c.closed++
	return nil
}

type fakeConnector struct {
	sender   *fakeSender
	err      error
	connects int
	closes   int
}

func (f *fakeConnector) Connect(ctx context.Context) (Conn, error) {
	f.connects++
	if f.err != nil {
		return nil, f.err
	}
	return fakeConn{fakeSender: f.sender, closed: &f.closes}, nil
}

type memStore struct {
	mu        sync.Mutex
	settings  map[Identity]Settings
	whitelist map[Identity][]Destination
	blacklist map[Identity]Exclusions
	evictions int
	nextRuns  []int64
}

func newMemStore() *memStore {
	return &memStore{
		settings:  map[Identity]Settings{},
		whitelist: map[Identity][]Destination{},
		blacklist: map[Identity]Exclusions{},
	}
}

func (m *memStore) Settings(ctx context.Context, id Identity) (Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.settings[id]
	if !ok {
		return Settings{}, ErrNoSettings
	}
	return st, nil
}

func (m *memStore) Whitelist(ctx context.Context, id Identity) ([]Destination, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Destination(nil), m.whitelist[id]...), nil
}

func (m *memStore) Blacklist(ctx context.Context, id Identity) (Exclusions, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := Exclusions{}
	for k := range m.blacklist[id] {
		out[k] = struct{}{}
	}
	return out, nil
}

func (m *memStore) EvictDestination(ctx context.Context, id Identity, chatID int64, key ThreadKey) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictions++
	wl := m.whitelist[id]
	for i, d := range wl {
		if d.ChatID == chatID && d.Thread == key {
			m.whitelist[id] = append(wl[:i:i], wl[i+1:]...)
			return 1, nil
		}
	}
	return 0, nil
}

func (m *memStore) SetNextRunAt(ctx context.Context, id Identity, unix int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.settings[id]
	st.NextRunAt = unix
	m.settings[id] = st
	m.nextRuns = append(m.nextRuns, unix)
	return nil
}

func (m *memStore) NextRuns() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.nextRuns...)
}

func (m *memStore) Len(id Identity) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.whitelist[id])
}
