package broadcast

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestDispatcher(store *memStore, clock *fakeClock, conn *fakeConnector) *Dispatcher {
	eng := NewEngine(store, clock, Options{}, testLogger())
	return NewDispatcher(store, eng, conn, clock, nil, testLogger())
}

func TestFullAllBlacklistedReportsSkipped(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	store.settings[testID] = Settings{Interval: time.Hour, Delay: time.Second, Payload: &Payload{Text: "x"}}
	store.whitelist[testID] = []Destination{
		{ChatID: 1, Thread: NoThread},
		{ChatID: 1, Thread: 4},
		{ChatID: 2, Thread: NoThread},
	}
	store.blacklist[testID] = NewExclusions(1, 2)
	sender := newFakeSender()
	conn := &fakeConnector{sender: sender}

	rep, err := newTestDispatcher(store, newFakeClock(0), conn).Full(context.Background(), testID)
	if err != nil {
		t.Fatalf("Full: %v", err)
	}
	if rep.Sent != 0 || rep.Skipped != 3 {
		t.Fatalf("report=%+v want sent=0 skipped=3", rep)
	}
	if len(sender.Calls()) != 0 {
		t.Fatalf("sends=%d want 0", len(sender.Calls()))
	}
}

func TestFullIgnoresScheduleAndKeepsNextRun(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	store.settings[testID] = Settings{Interval: time.Hour, Delay: 2 * time.Second, Enabled: false, Payload: &Payload{Text: "x"}}
	store.whitelist[testID] = []Destination{{ChatID: 1, Thread: NoThread}, {ChatID: 2, Thread: 3}}
	clock := newFakeClock(0)
	sender := newFakeSender()
	sender.always[2] = errors.New("unknown")
	conn := &fakeConnector{sender: sender}

	rep, err := newTestDispatcher(store, clock, conn).Full(context.Background(), testID)
	if err != nil {
		t.Fatalf("Full: %v", err)
	}
	if rep.Sent != 1 || rep.Skipped != 1 {
		t.Fatalf("report=%+v", rep)
	}
	if len(store.NextRuns()) != 0 {
		t.Fatalf("on-demand dispatch must not touch nextRunAt")
	}
	if len(clock.Sleeps()) != 2 {
		t.Fatalf("sleeps=%v want pacing after each destination", clock.Sleeps())
	}
	if conn.connects != 1 || conn.closes != 1 {
		t.Fatalf("connects=%d closes=%d want 1/1", conn.connects, conn.closes)
	}
}

func TestFullPreconditions(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		setup func(*memStore)
		want  error
	}{
		{"no settings", func(m *memStore) {}, ErrNoSettings},
		{"no payload", func(m *memStore) {
			m.settings[testID] = Settings{Interval: time.Hour}
			m.whitelist[testID] = []Destination{{ChatID: 1, Thread: NoThread}}
		}, ErrNoPayload},
		{"empty whitelist", func(m *memStore) {
			m.settings[testID] = Settings{Interval: time.Hour, Payload: &Payload{Text: "x"}}
		}, ErrEmptyWhitelist},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			store := newMemStore()
			tc.setup(store)
			conn := &fakeConnector{sender: newFakeSender()}
			_, err := newTestDispatcher(store, newFakeClock(0), conn).Full(context.Background(), testID)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err=%v want %v", err, tc.want)
			}
			if conn.connects != 0 {
				t.Fatalf("refused dispatch must not connect")
			}
		})
	}
}

func TestFullConnectFailure(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	store.settings[testID] = Settings{Interval: time.Hour, Payload: &Payload{Text: "x"}}
	store.whitelist[testID] = []Destination{{ChatID: 1, Thread: NoThread}}
	conn := &fakeConnector{err: errors.New("auth key unregistered")}

	_, err := newTestDispatcher(store, newFakeClock(0), conn).Full(context.Background(), testID)
	if !errors.Is(err, ErrConnect) {
		t.Fatalf("err=%v want ErrConnect", err)
	}
	if conn.closes != 0 {
		t.Fatalf("closes=%d want 0 for a failed connect", conn.closes)
	}
}

func TestConnectionReleasedOnPanic(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	store.settings[testID] = Settings{Interval: time.Hour, Payload: &Payload{Text: "x"}}
	store.whitelist[testID] = []Destination{{ChatID: 1, Thread: NoThread}}
	sender := newFakeSender()
	sender.panics = true
	conn := &fakeConnector{sender: sender}

	func() {
		defer func() { _ = recover() }()
		_, _ = newTestDispatcher(store, newFakeClock(0), conn).Full(context.Background(), testID)
	}()
	if conn.closes != 1 {
		t.Fatalf("closes=%d want 1 after panic", conn.closes)
	}
}

func TestTargetedBlacklistedRefused(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	store.settings[testID] = Settings{Interval: time.Hour, Payload: &Payload{Text: "x"}}
	store.blacklist[testID] = NewExclusions(55)
	conn := &fakeConnector{sender: newFakeSender()}

	rep, err := newTestDispatcher(store, newFakeClock(0), conn).Targeted(context.Background(), testID, Destination{ChatID: 55, Thread: 3})
	if !errors.Is(err, ErrExcluded) {
		t.Fatalf("err=%v want ErrExcluded", err)
	}
	if rep.Skipped != 1 || conn.connects != 0 {
		t.Fatalf("report=%+v connects=%d", rep, conn.connects)
	}
}

func TestTargetedSingleSendNoPacing(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	store.settings[testID] = Settings{Interval: time.Hour, Delay: 5 * time.Second, Payload: &Payload{Text: "x"}}
	clock := newFakeClock(0)
	sender := newFakeSender()
	conn := &fakeConnector{sender: sender}

	rep, err := newTestDispatcher(store, clock, conn).Targeted(context.Background(), testID, Destination{ChatID: 9, Thread: 12})
	if err != nil {
		t.Fatalf("Targeted: %v", err)
	}
	if rep.Sent != 1 {
		t.Fatalf("report=%+v want sent=1", rep)
	}
	calls := sender.Calls()
	if len(calls) != 1 || calls[0].To.ThreadID != 12 {
		t.Fatalf("calls=%+v", calls)
	}
	if len(clock.Sleeps()) != 0 {
		t.Fatalf("targeted dispatch must not pace, sleeps=%v", clock.Sleeps())
	}
	if conn.closes != 1 {
		t.Fatalf("closes=%d want 1", conn.closes)
	}
}

func TestTargetedNoPayload(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	store.settings[testID] = Settings{Interval: time.Hour}
	conn := &fakeConnector{sender: newFakeSender()}
	_, err := newTestDispatcher(store, newFakeClock(0), conn).Targeted(context.Background(), testID, Destination{ChatID: 9, Thread: NoThread})
	if !errors.Is(err, ErrNoPayload) {
		t.Fatalf("err=%v want ErrNoPayload", err)
	}
}
