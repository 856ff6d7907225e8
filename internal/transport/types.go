package transport

import "context"

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
}

// ChatKind mirrors Telegram chat types ("private", "group", "supergroup", "channel").
type ChatKind string

const (
	ChatPrivate    ChatKind = "private"
	ChatGroup      ChatKind = "group"
	ChatSupergroup ChatKind = "supergroup"
	ChatChannel    ChatKind = "channel"
)

// IsGroup reports whether the chat is a (super)group, where topic-aware
// commands act on the chat they were typed in.
func (k ChatKind) IsGroup() bool { return k == ChatGroup || k == ChatSupergroup }

type Message struct {
	ID           int
	ChatID       int64
	ChatKind     ChatKind
	ChatTitle    string
	ThreadID     int // telegram forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	Text         string
	Entities     []Entity

	// ForwardedFrom is set when the message was forwarded from a group or channel.
	ForwardedFrom *ChatRef
}

// ChatRef identifies a chat seen through a forwarded message.
type ChatRef struct {
	ChatID int64
	Title  string
}

// Entity is a rich-formatting annotation over message text.
//
// Kind uses Bot API names ("bold", "text_link", "custom_emoji", ...).
// Offset and Length count UTF-16 code units, as Telegram does.
type Entity struct {
	Kind          string `json:"type"`
	Offset        int    `json:"offset"`
	Length        int    `json:"length"`
	URL           string `json:"url,omitempty"`
	Language      string `json:"language,omitempty"`
	CustomEmojiID string `json:"custom_emoji_id,omitempty"`
	UserID        int64  `json:"user_id,omitempty"`
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int // 0 means top-level
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	Entities       []Entity
	// Single sends text as exactly one message; an oversize text fails
	// instead of being split.
	Single bool
}

// Adapter is the bot-side transport used by the panel and the log sink.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface that adapters can implement
// to update platform-specific bot command menus (e.g. Telegram /menu list).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
