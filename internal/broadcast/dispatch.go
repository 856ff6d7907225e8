package broadcast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"autobc/internal/eventbus"
	logx "autobc/pkg/logx"
)

// Dispatcher runs manually triggered passes. They ignore Enabled and
// NextRunAt, never touch NextRunAt, and each call opens and releases its own
// send-channel connection.
type Dispatcher struct {
	store     Store
	engine    *Engine
	connector Connector
	clock     Clock
	bus       eventbus.Bus
	log       logx.Logger
}

func NewDispatcher(store Store, engine *Engine, connector Connector, clock Clock, bus eventbus.Bus, log logx.Logger) *Dispatcher {
	if clock == nil {
		clock = SystemClock()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{store: store, engine: engine, connector: connector, clock: clock, bus: bus, log: log}
}

// Full delivers to the whole effective whitelist with pacing.
// Report.Skipped counts blacklisted entries as well as failed ones.
func (d *Dispatcher) Full(ctx context.Context, id Identity) (rep PassReport, err error) {
	start := d.clock.Now()
	defer func() {
		publish(d.bus, EventDispatch, DispatchEvent{Identity: id, Mode: "full", Report: rep, Err: err, Took: d.clock.Now().Sub(start)})
	}()

	st, err := d.store.Settings(ctx, id)
	if err != nil {
		return rep, err
	}
	if st.Payload == nil {
		return rep, ErrNoPayload
	}
	whitelist, err := d.store.Whitelist(ctx, id)
	if err != nil {
		return rep, fmt.Errorf("read whitelist: %w", err)
	}
	if len(whitelist) == 0 {
		return rep, ErrEmptyWhitelist
	}
	blacklist, err := d.store.Blacklist(ctx, id)
	if err != nil {
		return rep, fmt.Errorf("read blacklist: %w", err)
	}
	targets := Resolve(whitelist, blacklist)

	if len(targets) > 0 {
		err = d.withConn(ctx, func(conn Conn) error {
			rep = d.engine.Pass(ctx, conn, id, targets, *st.Payload, st.Delay)
			if rep.Canceled {
				return ctx.Err()
			}
			return nil
		})
	}
	rep.Total = len(whitelist)
	rep.Excluded = len(whitelist) - len(targets)
	rep.Skipped += rep.Excluded
	if err != nil {
		return rep, err
	}

	d.log.Info("full dispatch done",
		logx.Int64("identity", int64(id)),
		logx.Int("sent", rep.Sent),
		logx.Int("skipped", rep.Skipped),
	)
	return rep, nil
}

// Targeted delivers once to dest, without pacing. A blacklisted chat is
// refused with ErrExcluded before any connection is made.
func (d *Dispatcher) Targeted(ctx context.Context, id Identity, dest Destination) (rep PassReport, err error) {
	start := d.clock.Now()
	defer func() {
		target := dest
		publish(d.bus, EventDispatch, DispatchEvent{Identity: id, Mode: "targeted", Target: &target, Report: rep, Err: err, Took: d.clock.Now().Sub(start)})
	}()

	rep.Total = 1
	st, err := d.store.Settings(ctx, id)
	if err != nil {
		return rep, err
	}
	if st.Payload == nil {
		return rep, ErrNoPayload
	}
	blacklist, err := d.store.Blacklist(ctx, id)
	if err != nil {
		return rep, fmt.Errorf("read blacklist: %w", err)
	}
	if blacklist.Has(dest.ChatID) {
		rep.Skipped, rep.Excluded = 1, 1
		return rep, ErrExcluded
	}

	var res Result
	err = d.withConn(ctx, func(conn Conn) error {
		res = d.engine.Deliver(ctx, conn, id, dest, *st.Payload)
		if res.Reason == SkipCanceled {
			return ctx.Err()
		}
		return nil
	})
	if err != nil {
		rep.Canceled = errors.Is(err, context.Canceled)
		return rep, err
	}
	if res.Outcome == Delivered {
		rep.Sent = 1
	} else {
		rep.Skipped = 1
		if res.Reason == SkipEvicted {
			rep.Evicted = 1
		}
	}
	return rep, nil
}

// withConn scopes one connection to fn. The connection is released on every
// path, including panics in fn.
func (d *Dispatcher) withConn(ctx context.Context, fn func(Conn) error) error {
	if d.connector == nil {
		return fmt.Errorf("%w: no connector", ErrConnect)
	}
	conn, err := d.connector.Connect(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnect, err)
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := conn.Close(cctx); err != nil {
			d.log.Debug("dispatch connection close failed", logx.Err(err))
		}
	}()
	return fn(conn)
}
