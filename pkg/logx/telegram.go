package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Sink delivers one formatted log line to a chat.
type Sink interface {
	SendLog(ctx context.Context, chatID int64, threadID int, text string) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, chatID int64, threadID int, text string) error

func (f SinkFunc) SendLog(ctx context.Context, chatID int64, threadID int, text string) error {
	return f(ctx, chatID, threadID, text)
}

const (
	telegramQueueSize = 256
	telegramSendLimit = 3500
	telegramSendTO    = 10 * time.Second
)

// telegramSink is a zerolog LevelWriter that forwards records at or above
// a minimum level to a chat. Writes never block: records are dropped when
// the rate limiter or the queue is full.
type telegramSink struct {
	mu       sync.Mutex
	sink     Sink
	chatID   int64
	threadID int
	minLevel zerolog.Level
	limiter  *rate.Limiter

	queue    chan string
	startOne sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

func newTelegramSink(sink Sink) *telegramSink {
	return &telegramSink{
		sink:     sink,
		minLevel: zerolog.WarnLevel,
		queue:    make(chan string, telegramQueueSize),
		done:     make(chan struct{}),
	}
}

func (t *telegramSink) setSink(sink Sink) {
	t.mu.Lock()
	t.sink = sink
	t.mu.Unlock()
}

func (t *telegramSink) apply(cfg TelegramConfig) {
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	t.mu.Lock()
	t.chatID = cfg.ChatID
	t.threadID = cfg.ThreadID
	t.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	t.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	t.mu.Unlock()

	if cfg.Enabled {
		t.startOne.Do(t.start)
	}
}

func (t *telegramSink) start() {
	ctx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()
	go func() {
		defer close(t.done)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-t.queue:
				t.deliver(ctx, msg)
			}
		}
	}()
}

func (t *telegramSink) deliver(ctx context.Context, msg string) {
	t.mu.Lock()
	sink, chatID, threadID := t.sink, t.chatID, t.threadID
	t.mu.Unlock()
	if sink == nil || chatID == 0 {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, telegramSendTO)
	defer cancel()
	_ = sink.SendLog(sctx, chatID, threadID, msg)
}

func (t *telegramSink) stop() {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
		<-t.done
	}
}

func (t *telegramSink) Write(p []byte) (int, error) {
	return t.WriteLevel(zerolog.InfoLevel, p)
}

func (t *telegramSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	t.mu.Lock()
	lim, min, chatID := t.limiter, t.minLevel, t.chatID
	t.mu.Unlock()

	if chatID == 0 || lim == nil || level < min || !lim.Allow() {
		return len(p), nil
	}
	msg := formatTelegramJSON(p)
	if msg == "" {
		return len(p), nil
	}
	select {
	case t.queue <- msg:
	default:
	}
	return len(p), nil
}

// formatTelegramJSON renders one zerolog JSON line as a short readable block.
// Non-JSON input is passed through trimmed.
func formatTelegramJSON(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(p))), &m); err != nil {
		return truncate(strings.TrimSpace(string(p)), telegramSendLimit)
	}

	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)

	var b strings.Builder
	if lvl != "" {
		b.WriteString("[")
		b.WriteString(strings.ToUpper(lvl))
		b.WriteString("] ")
	}
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := fmt.Sprint(m[k])
		if k == "stack" {
			b.WriteString("\n- stack=\n")
			b.WriteString(truncate(v, 900))
			continue
		}
		b.WriteString("\n- ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(truncate(v, 600))
	}
	return truncate(b.String(), telegramSendLimit)
}
