package mtproto

import (
	"time"

	"github.com/gotd/td/tgerr"

	"autobc/internal/broadcast"
)

// classify maps an RPC failure onto the broadcast error taxonomy.
//
//   - FLOOD_WAIT / FLOOD_PREMIUM_WAIT / any 420: flood wait
//   - SLOWMODE_WAIT: slow-mode wait
//   - 400, 403, 406: the destination is unusable, evict it
//   - anything else (401 session errors, 5xx, network): unknown
func classify(err error) error {
	if err == nil {
		return nil
	}
	rpcErr, ok := tgerr.As(err)
	if !ok {
		return err
	}
	wait := time.Duration(rpcErr.Argument) * time.Second

	switch {
	case rpcErr.Type == "SLOWMODE_WAIT":
		return &broadcast.RateLimitError{Class: broadcast.WaitSlowMode, Wait: wait, Err: err}
	case rpcErr.IsOneOf("FLOOD_WAIT", "FLOOD_PREMIUM_WAIT"), rpcErr.Code == 420:
		return &broadcast.RateLimitError{Class: broadcast.WaitFlood, Wait: wait, Err: err}
	case rpcErr.Code == 400, rpcErr.Code == 403, rpcErr.Code == 406:
		return &broadcast.PermanentError{Kind: rpcErr.Type, Err: err}
	default:
		return err
	}
}
