package mtproto

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/gotd/td/tg"
	"golang.org/x/time/rate"

	"autobc/internal/broadcast"
	kit "autobc/internal/transport"
	logx "autobc/pkg/logx"
)

// sender implements broadcast.Sender on top of the raw API.
type sender struct {
	api     rpc
	peers   *peerCache
	limiter *rate.Limiter
	log     logx.Logger
}

func (s *sender) SendMessage(ctx context.Context, to kit.ChatTarget, p broadcast.Payload) error {
	peer, err := s.resolve(ctx, to.ChatID)
	if err != nil {
		return err
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	req := &tg.MessagesSendMessageRequest{
		Peer:     peer,
		Message:  p.Text,
		RandomID: randomID(),
		Entities: toEntities(p.Entities),
	}
	if to.ThreadID > 0 {
		req.ReplyTo = &tg.InputReplyToMessage{ReplyToMsgID: to.ThreadID}
	}
	_, err = s.api.MessagesSendMessage(ctx, req)
	return classify(err)
}

// resolve finds the input peer for chatID, reloading dialogs once on a miss.
// A chat the account cannot see is reported as a permanent error.
func (s *sender) resolve(ctx context.Context, chatID int64) (tg.InputPeerClass, error) {
	if p, ok := s.peers.lookup(chatID); ok {
		return p, nil
	}
	if err := s.peers.refresh(ctx, s.api); err != nil {
		return nil, err
	}
	if p, ok := s.peers.lookup(chatID); ok {
		return p, nil
	}
	s.log.Debug("peer not in dialogs", logx.Int64("chat", chatID))
	return nil, &broadcast.PermanentError{
		Kind: "PEER_ID_INVALID",
		Err:  fmt.Errorf("chat %d not found in account dialogs", chatID),
	}
}

func randomID() int64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return int64(binary.LittleEndian.Uint64(b[:]))
}
