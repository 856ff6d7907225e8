package app

import (
	"context"
	"time"

	logx "autobc/pkg/logx"

	"github.com/coreos/go-systemd/v22/daemon"
)

// sdNotifier reports lifecycle state to systemd (Type=notify units). Every
// call is a no-op when NOTIFY_SOCKET is unset.
type sdNotifier struct {
	log    logx.Logger
	notify func(state string) (bool, error)
}

func newSDNotifier(log logx.Logger) *sdNotifier {
	return &sdNotifier{
		log:    log,
		notify: func(state string) (bool, error) { return daemon.SdNotify(false, state) },
	}
}

func (n *sdNotifier) send(state string) {
	sent, err := n.notify(state)
	if err != nil {
		n.log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		n.log.Debug("sd_notify", logx.String("state", state))
	}
}

func (n *sdNotifier) Ready()            { n.send(daemon.SdNotifyReady) }
func (n *sdNotifier) Stopping()         { n.send(daemon.SdNotifyStopping) }
func (n *sdNotifier) Status(msg string) { n.send("STATUS=" + msg) }

// watchdogInterval returns how often to ping, or 0 when the unit has no
// WatchdogSec.
func watchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil || d <= 0 {
		return 0
	}
	return d / 2
}

// runWatchdog pings systemd every interval until ctx is done.
func (n *sdNotifier) runWatchdog(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}
