package mtproto

import (
	"strconv"

	"github.com/gotd/td/tg"

	kit "autobc/internal/transport"
)

// toEntities converts stored Bot API style entities to MTProto entities.
// Offsets are UTF-16 units on both sides and pass through unchanged.
// Kinds without an MTProto counterpart are dropped; the text still goes out.
//
// Two kinds are downgraded:
//   - text_mention is dropped. InputMessageEntityMentionName needs the
//     user's access hash, which a Bot API entity does not carry, and a bad
//     input user fails the whole send.
//   - expandable_blockquote becomes a plain blockquote. The collapsed flag
//     needs a newer API layer than this client speaks.
func toEntities(in []kit.Entity) []tg.MessageEntityClass {
	if len(in) == 0 {
		return nil
	}
	out := make([]tg.MessageEntityClass, 0, len(in))
	for _, e := range in {
		off, n := e.Offset, e.Length
		var ent tg.MessageEntityClass
		switch e.Kind {
		case "bold":
			ent = &tg.MessageEntityBold{Offset: off, Length: n}
		case "italic":
			ent = &tg.MessageEntityItalic{Offset: off, Length: n}
		case "underline":
			ent = &tg.MessageEntityUnderline{Offset: off, Length: n}
		case "strikethrough":
			ent = &tg.MessageEntityStrike{Offset: off, Length: n}
		case "spoiler":
			ent = &tg.MessageEntitySpoiler{Offset: off, Length: n}
		case "code":
			ent = &tg.MessageEntityCode{Offset: off, Length: n}
		case "pre":
			ent = &tg.MessageEntityPre{Offset: off, Length: n, Language: e.Language}
		case "text_link":
			ent = &tg.MessageEntityTextURL{Offset: off, Length: n, URL: e.URL}
		case "url":
			ent = &tg.MessageEntityURL{Offset: off, Length: n}
		case "mention":
			ent = &tg.MessageEntityMention{Offset: off, Length: n}
		case "hashtag":
			ent = &tg.MessageEntityHashtag{Offset: off, Length: n}
		case "cashtag":
			ent = &tg.MessageEntityCashtag{Offset: off, Length: n}
		case "bot_command":
			ent = &tg.MessageEntityBotCommand{Offset: off, Length: n}
		case "email":
			ent = &tg.MessageEntityEmail{Offset: off, Length: n}
		case "phone_number":
			ent = &tg.MessageEntityPhone{Offset: off, Length: n}
		case "blockquote", "expandable_blockquote":
			ent = &tg.MessageEntityBlockquote{Offset: off, Length: n}
		case "text_mention":
			continue
		case "custom_emoji":
			id, err := strconv.ParseInt(e.CustomEmojiID, 10, 64)
			if err != nil {
				continue
			}
			ent = &tg.MessageEntityCustomEmoji{Offset: off, Length: n, DocumentID: id}
		default:
			continue
		}
		out = append(out, ent)
	}
	return out
}
