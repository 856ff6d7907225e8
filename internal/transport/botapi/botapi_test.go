package botapi

import (
	"context"
	"errors"
	"strings"
	"testing"

	tele "gopkg.in/telebot.v4"

	"autobc/internal/broadcast"
	kit "autobc/internal/transport"
)

type fakeBot struct {
	err   error
	calls []kit.ChatTarget
	opts  []*kit.SendOptions
}

func (f *fakeBot) SendText(_ context.Context, to kit.ChatTarget, _ string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.calls = append(f.calls, to)
	f.opts = append(f.opts, opt)
	return kit.MessageRef{ChatID: to.ChatID}, f.err
}

func TestClassify(t *testing.T) {
	t.Parallel()

	var rl *broadcast.RateLimitError
	var pe *broadcast.PermanentError

	if err := classify(nil); err != nil {
		t.Fatalf("nil => %v", err)
	}

	err := classify(&tele.Error{Code: 403, Description: "Forbidden: bot was kicked from the supergroup chat"})
	if !errors.As(err, &pe) || pe.Kind != "bot was kicked from the supergroup chat" {
		t.Fatalf("403 => %#v", err)
	}
	err = classify(&tele.Error{Code: 400, Description: "Bad Request: chat not found"})
	if !errors.As(err, &pe) {
		t.Fatalf("400 => %#v", err)
	}
	err = classify(&tele.Error{Code: 400, Description: "Bad Request: SLOWMODE_WAIT_30"})
	if !errors.As(err, &rl) || rl.Class != broadcast.WaitSlowMode || rl.Wait != 0 {
		t.Fatalf("slowmode => %#v", err)
	}
	err = classify(&tele.Error{Code: 429, Description: "Too Many Requests"})
	if !errors.As(err, &rl) || rl.Class != broadcast.WaitFlood {
		t.Fatalf("429 => %#v", err)
	}
	err = classify(&tele.Error{Code: 502, Description: "Bad Gateway"})
	if errors.As(err, &rl) || errors.As(err, &pe) {
		t.Fatalf("502 => %#v want unknown", err)
	}
	err = classify(errors.New("dial tcp: timeout"))
	if errors.As(err, &rl) || errors.As(err, &pe) {
		t.Fatalf("network => %#v want unknown", err)
	}
}

func TestConnSendsEntitiesToThread(t *testing.T) {
	t.Parallel()

	bot := &fakeBot{}
	c, err := NewConnector(bot).Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close(context.Background())

	p := broadcast.Payload{Text: "hi", Entities: []kit.Entity{{Kind: "bold", Offset: 0, Length: 2}}}
	if err := c.SendMessage(context.Background(), kit.ChatTarget{ChatID: -100, ThreadID: 9}, p); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if len(bot.calls) != 1 || bot.calls[0].ThreadID != 9 || len(bot.opts[0].Entities) != 1 {
		t.Fatalf("calls=%+v opts=%+v", bot.calls, bot.opts)
	}
}

func TestConnClassifiesSendError(t *testing.T) {
	t.Parallel()

	bot := &fakeBot{err: &tele.Error{Code: 403, Description: "Forbidden: bot is not a member of the channel chat"}}
	c, _ := NewConnector(bot).Connect(context.Background())
	err := c.SendMessage(context.Background(), kit.ChatTarget{ChatID: -1}, broadcast.Payload{Text: "x"})
	var pe *broadcast.PermanentError
	if !errors.As(err, &pe) {
		t.Fatalf("err=%v want permanent", err)
	}
}

func TestConnectWithoutBot(t *testing.T) {
	t.Parallel()

	if _, err := NewConnector(nil).Connect(context.Background()); err == nil {
		t.Fatalf("nil bot must fail")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewConnector(&fakeBot{}).Connect(ctx); err == nil {
		t.Fatalf("canceled ctx must fail")
	}
}

func TestOversizePayloadIsOneSendAndNotEvicted(t *testing.T) {
	t.Parallel()

	bot := &fakeBot{err: &tele.Error{Code: 400, Description: "Bad Request: message is too long"}}
	c, _ := NewConnector(bot).Connect(context.Background())
	err := c.SendMessage(context.Background(), kit.ChatTarget{ChatID: -1}, broadcast.Payload{Text: strings.Repeat("x", 5000)})

	if len(bot.opts) != 1 || !bot.opts[0].Single {
		t.Fatalf("opts=%+v want one single-message send", bot.opts)
	}
	var rl *broadcast.RateLimitError
	var pe *broadcast.PermanentError
	if err == nil || errors.As(err, &rl) || errors.As(err, &pe) {
		t.Fatalf("err=%#v want unknown (skip without eviction)", err)
	}
}
