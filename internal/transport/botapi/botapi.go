// Package botapi sends broadcasts through the panel bot itself, using the
// Bot API. It is the alternative to the user-account sender for setups where
// the bot is a member of every destination.
package botapi

import (
	"context"
	"errors"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"autobc/internal/broadcast"
	kit "autobc/internal/transport"
)

// TextSender is implemented by the telegram adapter.
type TextSender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

// Connector hands out connections that share the bot's HTTP client.
// Connect never dials anything; Close is a no-op.
type Connector struct {
	bot TextSender
}

func NewConnector(bot TextSender) *Connector { return &Connector{bot: bot} }

func (c *Connector) Connect(ctx context.Context) (broadcast.Conn, error) {
	if c.bot == nil {
		return nil, errors.New("bot transport not started")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return conn{bot: c.bot}, nil
}

type conn struct {
	bot TextSender
}

func (c conn) SendMessage(ctx context.Context, to kit.ChatTarget, p broadcast.Payload) error {
	// One payload is one message, so a retry never repeats delivered parts.
	_, err := c.bot.SendText(ctx, to, p.Text, &kit.SendOptions{Entities: p.Entities, Single: true})
	return classify(err)
}

func (conn) Close(context.Context) error { return nil }

// classify maps telebot errors onto the broadcast taxonomy.
//
//   - 429 / FloodError: flood wait with retry_after
//   - "SLOWMODE_WAIT" descriptions: slow-mode wait
//   - payload rejections (too long, bad entities): unknown, since every
//     destination would fail the same way
//   - 400 / 403 and chat migrations: the destination is unusable
//   - anything else: unknown
func classify(err error) error {
	if err == nil {
		return nil
	}
	// telebot returns some errors by value and some by pointer; walk the
	// chain and match both forms.
	for e := err; e != nil; e = errors.Unwrap(e) {
		switch v := any(e).(type) {
		case tele.FloodError:
			return floodWait(v.RetryAfter, err)
		case *tele.FloodError:
			return floodWait(v.RetryAfter, err)
		case tele.GroupError, *tele.GroupError:
			return &broadcast.PermanentError{Kind: "CHAT_MIGRATED", Err: err}
		case *tele.Error:
			return classifyAPI(v, err)
		}
	}
	return err
}

func floodWait(retryAfter int, err error) error {
	return &broadcast.RateLimitError{Class: broadcast.WaitFlood, Wait: time.Duration(retryAfter) * time.Second, Err: err}
}

func classifyAPI(apiErr *tele.Error, err error) error {
	desc := apiErr.Description
	switch {
	case strings.Contains(desc, "SLOWMODE_WAIT"):
		return &broadcast.RateLimitError{Class: broadcast.WaitSlowMode, Err: err}
	case apiErr.Code == 429:
		return &broadcast.RateLimitError{Class: broadcast.WaitFlood, Err: err}
	case payloadRejected(desc):
		return err
	case apiErr.Code == 400, apiErr.Code == 403:
		return &broadcast.PermanentError{Kind: kindFromDescription(desc), Err: err}
	}
	return err
}

var payloadErrors = []string{
	"message is too long",
	"text is too long",
	"message text is empty",
	"can't parse entities",
	"MESSAGE_TOO_LONG",
	"ENTITY_BOUNDS_INVALID",
}

func payloadRejected(desc string) bool {
	for _, p := range payloadErrors {
		if strings.Contains(desc, p) {
			return true
		}
	}
	return false
}

// kindFromDescription shortens "Forbidden: bot was kicked from the group chat"
// to "bot was kicked from the group chat".
func kindFromDescription(desc string) string {
	if i := strings.Index(desc, ": "); i >= 0 {
		desc = desc[i+2:]
	}
	if desc == "" {
		return "BAD_REQUEST"
	}
	return desc
}
