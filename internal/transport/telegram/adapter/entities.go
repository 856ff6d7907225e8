package adapter

import (
	tele "gopkg.in/telebot.v4"

	kit "autobc/internal/transport"
)

func fromEntities(in tele.Entities) []kit.Entity {
	if len(in) == 0 {
		return nil
	}
	out := make([]kit.Entity, 0, len(in))
	for _, e := range in {
		ke := kit.Entity{
			Kind:          string(e.Type),
			Offset:        e.Offset,
			Length:        e.Length,
			URL:           e.URL,
			Language:      e.Language,
			CustomEmojiID: e.CustomEmojiID,
		}
		if e.User != nil {
			ke.UserID = e.User.ID
		}
		out = append(out, ke)
	}
	return out
}

func toEntities(in []kit.Entity) tele.Entities {
	if len(in) == 0 {
		return nil
	}
	out := make(tele.Entities, 0, len(in))
	for _, e := range in {
		te := tele.MessageEntity{
			Type:          tele.EntityType(e.Kind),
			Offset:        e.Offset,
			Length:        e.Length,
			URL:           e.URL,
			Language:      e.Language,
			CustomEmojiID: e.CustomEmojiID,
		}
		if e.UserID != 0 {
			te.User = &tele.User{ID: e.UserID}
		}
		out = append(out, te)
	}
	return out
}
