package wa

import (
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types/events"
)

// ParseMessage decodes a whatsmeow message event into the tagged
// Inbound union. Returns nil for messages carrying no recognizable
// content; those are skipped, never persisted.
func ParseMessage(evt *events.Message) *Inbound {
	msg := evt.Message
	if msg == nil {
		return nil
	}

	in := &Inbound{
		MsgID:      evt.Info.ID,
		ChatJID:    evt.Info.Chat.String(),
		SenderJID:  evt.Info.Sender.String(),
		SenderName: evt.Info.PushName,
		FromMe:     evt.Info.IsFromMe,
		IsGroup:    evt.Info.IsGroup,
		Timestamp:  evt.Info.Timestamp.UnixMilli(),
	}
	if evt.Info.IsGroup && !evt.Info.IsFromMe {
		in.ParticipantJID = evt.Info.Sender.String()
	}

	// Precedence: reaction > sticker > image > video > audio >
	// document > location > contact > text.
	switch {
	case msg.GetReactionMessage() != nil:
		r := msg.GetReactionMessage()
		in.Kind = KindReaction
		in.Reaction = &ReactionPayload{
			TargetMsgID: r.GetKey().GetID(),
			ReactorJID:  evt.Info.Sender.String(),
			Emoji:       r.GetText(),
		}
	case msg.GetStickerMessage() != nil:
		s := msg.GetStickerMessage()
		in.Kind = KindSticker
		in.Media = &MediaPayload{Mimetype: s.GetMimetype(), FileExt: extFromMime(s.GetMimetype()), Raw: s}
		applyContext(in, s.GetContextInfo())
	case msg.GetImageMessage() != nil:
		m := msg.GetImageMessage()
		in.Kind = KindImage
		in.Body = m.GetCaption()
		in.Media = &MediaPayload{Mimetype: m.GetMimetype(), FileExt: extFromMime(m.GetMimetype()), Raw: m}
		applyContext(in, m.GetContextInfo())
	case msg.GetVideoMessage() != nil:
		m := msg.GetVideoMessage()
		in.Kind = KindVideo
		in.Body = m.GetCaption()
		in.Media = &MediaPayload{Mimetype: m.GetMimetype(), FileExt: extFromMime(m.GetMimetype()), Raw: m}
		applyContext(in, m.GetContextInfo())
	case msg.GetAudioMessage() != nil:
		m := msg.GetAudioMessage()
		in.Kind = KindAudio
		in.Media = &MediaPayload{Mimetype: m.GetMimetype(), FileExt: extFromMime(m.GetMimetype()), Raw: m}
		applyContext(in, m.GetContextInfo())
	case msg.GetDocumentMessage() != nil:
		m := msg.GetDocumentMessage()
		in.Kind = KindDocument
		in.Body = m.GetCaption()
		in.Media = &MediaPayload{Mimetype: m.GetMimetype(), FileExt: extFromMime(m.GetMimetype()), Raw: m}
		applyContext(in, m.GetContextInfo())
	case msg.GetLocationMessage() != nil:
		m := msg.GetLocationMessage()
		in.Kind = KindLocation
		in.Body = fmt.Sprintf("%.6f,%.6f", m.GetDegreesLatitude(), m.GetDegreesLongitude())
		applyContext(in, m.GetContextInfo())
	case msg.GetContactMessage() != nil:
		m := msg.GetContactMessage()
		in.Kind = KindContact
		in.Body = m.GetDisplayName()
		applyContext(in, m.GetContextInfo())
	case msg.GetConversation() != "":
		in.Kind = KindText
		in.Body = msg.GetConversation()
	case msg.GetExtendedTextMessage() != nil:
		m := msg.GetExtendedTextMessage()
		in.Kind = KindText
		in.Body = m.GetText()
		applyContext(in, m.GetContextInfo())
	default:
		return nil
	}
	return in
}

func applyContext(in *Inbound, ctx *waE2E.ContextInfo) {
	if ctx == nil {
		return
	}
	in.QuotedMsgID = ctx.GetStanzaID()
	if quoted := ctx.GetQuotedMessage(); quoted != nil {
		in.QuotedText = extractTextBody(quoted)
	}
}

func extractTextBody(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if c := msg.GetConversation(); c != "" {
		return c
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	if img := msg.GetImageMessage(); img != nil {
		return img.GetCaption()
	}
	if vid := msg.GetVideoMessage(); vid != nil {
		return vid.GetCaption()
	}
	return ""
}

var mimeExt = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/webp":      ".webp",
	"image/gif":       ".gif",
	"video/mp4":       ".mp4",
	"audio/ogg":       ".ogg",
	"audio/mpeg":      ".mp3",
	"audio/mp4":       ".m4a",
	"application/pdf": ".pdf",
}

func extFromMime(mimetype string) string {
	base := strings.TrimSpace(strings.Split(mimetype, ";")[0])
	return mimeExt[base]
}
