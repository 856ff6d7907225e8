package broadcast

import (
	"time"

	"autobc/internal/eventbus"
)

const (
	EventCycle    = "broadcast.cycle"
	EventDispatch = "broadcast.dispatch"
)

// CycleEvent is published after every scheduled pass.
type CycleEvent struct {
	Identity  Identity
	Report    PassReport
	NextRunAt int64
	Took      time.Duration
}

// DispatchEvent is published after every on-demand dispatch.
type DispatchEvent struct {
	Identity Identity
	Mode     string // "full" or "targeted"
	Target   *Destination
	Report   PassReport
	Err      error
	Took     time.Duration
}

func publish(bus eventbus.Bus, typ string, data any) {
	if bus == nil {
		return
	}
	bus.Publish(eventbus.Event{Type: typ, Data: data})
}
