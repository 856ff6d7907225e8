package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoRecoversPanic(t *testing.T) {
	t.Parallel()

	s := NewSupervisor(context.Background())
	s.Go0("dispatch.full", func(ctx context.Context) { panic("boom") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	if err == nil {
		t.Fatalf("panic must surface as supervisor error")
	}

	snap := s.Snapshot()
	if len(snap.Goroutines) != 1 || snap.Goroutines[0].Panics != 1 || snap.Goroutines[0].Active != 0 {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestCancelOnError(t *testing.T) {
	t.Parallel()

	s := NewSupervisor(context.Background(), WithCancelOnError(true))
	s.Go("scheduler", func(ctx context.Context) error { return errors.New("fatal") })
	s.Go0("panel", func(ctx context.Context) { <-ctx.Done() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err == nil || errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v want scheduler error", err)
	}
}

func TestGoRestartRestartsUntilCanceled(t *testing.T) {
	t.Parallel()

	s := NewSupervisor(context.Background())
	var runs atomic.Int32
	s.GoRestart("scheduler", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			panic("transient")
		}
		<-ctx.Done()
		return ctx.Err()
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond))

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if runs.Load() < 3 {
		t.Fatalf("runs=%d want >= 3", runs.Load())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	for _, g := range s.Snapshot().Goroutines {
		if g.Name == "scheduler" && g.Restarts < 2 {
			t.Fatalf("restarts=%d want >= 2", g.Restarts)
		}
	}
}

func TestGoRestartStopsOnCleanExit(t *testing.T) {
	t.Parallel()

	s := NewSupervisor(context.Background())
	var runs atomic.Int32
	s.GoRestart("once", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if runs.Load() != 1 {
		t.Fatalf("runs=%d want 1", runs.Load())
	}
}

func TestGoRestartGivesUpAfterMaxRestarts(t *testing.T) {
	t.Parallel()

	s := NewSupervisor(context.Background(), WithCancelOnError(true))
	var runs atomic.Int32
	s.GoRestart("scheduler", func(ctx context.Context) error {
		runs.Add(1)
		panic("broken store")
	},
		WithRestartBackoff(time.Millisecond, 2*time.Millisecond),
		WithMaxRestarts(2),
		WithFatalOnFinalError(true),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	if err == nil || errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v want final scheduler error", err)
	}
	if runs.Load() != 3 {
		t.Fatalf("runs=%d want 3 (first run + 2 restarts)", runs.Load())
	}
	if s.Context().Err() == nil {
		t.Fatalf("supervisor context not canceled")
	}
}

func TestGoRestartHealthyRunResetsFailures(t *testing.T) {
	t.Parallel()

	s := NewSupervisor(context.Background())
	var runs atomic.Int32
	s.GoRestart("scheduler", func(ctx context.Context) error {
		n := runs.Add(1)
		if n >= 6 {
			<-ctx.Done()
			return ctx.Err()
		}
		// Every run outlives the healthy window, so the cap of 1 never trips.
		time.Sleep(5 * time.Millisecond)
		return errors.New("tick failed")
	},
		WithRestartBackoff(time.Millisecond, time.Millisecond),
		WithMaxRestarts(1),
		WithFatalOnFinalError(true),
		withHealthyAfter(time.Millisecond),
	)

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 6 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if runs.Load() < 6 {
		t.Fatalf("runs=%d want 6", runs.Load())
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestSnapshotTotals(t *testing.T) {
	t.Parallel()

	s := NewSupervisor(context.Background())
	release := make(chan struct{})
	for i := 0; i < 2; i++ {
		s.Go0("dispatch.targeted", func(ctx context.Context) { <-release })
	}
	s.Go0("panel", func(ctx context.Context) { <-release })

	deadline := time.Now().Add(2 * time.Second)
	for s.Snapshot().Active < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	snap := s.Snapshot()
	if snap.Active != 3 || snap.Started != 3 {
		t.Fatalf("active=%d started=%d", snap.Active, snap.Started)
	}
	if snap.Goroutines[0].Name != "dispatch.targeted" || snap.Goroutines[0].Active != 2 {
		t.Fatalf("first=%+v", snap.Goroutines[0])
	}

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := s.Snapshot().Active; got != 0 {
		t.Fatalf("active after wait=%d", got)
	}
}
