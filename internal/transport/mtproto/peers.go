package mtproto

import (
	"context"
	"fmt"
	"sync"

	"github.com/gotd/td/tg"
)

// channelShift is the Bot API offset for channel and supergroup ids:
// bot id = -(channelShift + channel id).
const channelShift int64 = 1_000_000_000_000

const (
	dialogsPageSize = 100
	dialogsMaxPages = 50
)

// rpc is the slice of the raw API the sender uses. *tg.Client implements it.
type rpc interface {
	MessagesSendMessage(ctx context.Context, request *tg.MessagesSendMessageRequest) (tg.UpdatesClass, error)
	MessagesGetDialogs(ctx context.Context, request *tg.MessagesGetDialogsRequest) (tg.MessagesDialogsClass, error)
}

// peerCache maps Bot API chat ids to input peers. Basic groups need no
// access hash and are built directly; users and channels are learned from
// the dialog list.
type peerCache struct {
	mu    sync.Mutex
	peers map[int64]tg.InputPeerClass
	ready bool
}

func newPeerCache() *peerCache {
	return &peerCache{peers: map[int64]tg.InputPeerClass{}}
}

func (c *peerCache) lookup(chatID int64) (tg.InputPeerClass, bool) {
	if chatID < 0 && chatID > -channelShift {
		return &tg.InputPeerChat{ChatID: -chatID}, true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.peers[chatID]
	return p, ok
}

func (c *peerCache) loaded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// refresh reloads the dialog list page by page.
func (c *peerCache) refresh(ctx context.Context, api rpc) error {
	found := map[int64]tg.InputPeerClass{}
	req := &tg.MessagesGetDialogsRequest{OffsetPeer: &tg.InputPeerEmpty{}, Limit: dialogsPageSize}

	for page := 0; page < dialogsMaxPages; page++ {
		res, err := api.MessagesGetDialogs(ctx, req)
		if err != nil {
			return fmt.Errorf("get dialogs: %w", err)
		}

		var (
			dialogs []tg.DialogClass
			msgs    []tg.MessageClass
			last    bool
		)
		switch d := res.(type) {
		case *tg.MessagesDialogs:
			collectPeers(found, d.Chats, d.Users)
			last = true
		case *tg.MessagesDialogsSlice:
			collectPeers(found, d.Chats, d.Users)
			dialogs, msgs = d.Dialogs, d.Messages
			last = len(d.Dialogs) < dialogsPageSize
		default:
			last = true
		}
		if last {
			break
		}
		date, id, peer, ok := nextOffset(dialogs, msgs, found)
		if !ok {
			break
		}
		req = &tg.MessagesGetDialogsRequest{OffsetDate: date, OffsetID: id, OffsetPeer: peer, Limit: dialogsPageSize}
	}

	c.mu.Lock()
	c.peers = found
	c.ready = true
	c.mu.Unlock()
	return nil
}

func collectPeers(dst map[int64]tg.InputPeerClass, chats []tg.ChatClass, users []tg.UserClass) {
	for _, ch := range chats {
		switch v := ch.(type) {
		case *tg.Chat:
			dst[-v.ID] = &tg.InputPeerChat{ChatID: v.ID}
		case *tg.Channel:
			dst[-(channelShift + v.ID)] = &tg.InputPeerChannel{ChannelID: v.ID, AccessHash: v.AccessHash}
		}
	}
	for _, u := range users {
		if v, ok := u.(*tg.User); ok {
			dst[v.ID] = &tg.InputPeerUser{UserID: v.ID, AccessHash: v.AccessHash}
		}
	}
}

// botID converts an MTProto peer to its Bot API chat id.
func botID(p tg.PeerClass) (int64, bool) {
	switch v := p.(type) {
	case *tg.PeerUser:
		return v.UserID, true
	case *tg.PeerChat:
		return -v.ChatID, true
	case *tg.PeerChannel:
		return -(channelShift + v.ChannelID), true
	}
	return 0, false
}

// nextOffset derives the pagination cursor from the last dialog of a page.
func nextOffset(dialogs []tg.DialogClass, msgs []tg.MessageClass, known map[int64]tg.InputPeerClass) (date, id int, peer tg.InputPeerClass, ok bool) {
	if len(dialogs) == 0 {
		return 0, 0, nil, false
	}
	d, isDialog := dialogs[len(dialogs)-1].(*tg.Dialog)
	if !isDialog {
		return 0, 0, nil, false
	}
	key, ok := botID(d.Peer)
	if !ok {
		return 0, 0, nil, false
	}
	peer, ok = known[key]
	if !ok {
		return 0, 0, nil, false
	}
	for _, m := range msgs {
		switch v := m.(type) {
		case *tg.Message:
			if v.ID == d.TopMessage {
				date = v.Date
			}
		case *tg.MessageService:
			if v.ID == d.TopMessage {
				date = v.Date
			}
		}
	}
	return date, d.TopMessage, peer, true
}
