package ingest

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/vfmunhoz/wagate/internal/bus"
	"github.com/vfmunhoz/wagate/internal/media"
	"github.com/vfmunhoz/wagate/internal/store"
	"github.com/vfmunhoz/wagate/internal/wa"
)

// Downloader fetches the bytes of a media-bearing inbound message.
// Implemented by the session's transport.
type Downloader interface {
	Download(ctx context.Context, in *wa.Inbound) ([]byte, error)
}

// ContentStore is the content-addressed blob boundary.
type ContentStore interface {
	Exists(sessionID, hash, ext string) bool
	Write(sessionID, hash, ext string, data []byte) (media.Ref, error)
}

// Pipeline normalizes inbound transport batches into persisted rows,
// deduplicates media by content hash, updates chat summaries, and fans
// out real-time notifications. One pipeline serves all sessions; every
// batch commits as a single transaction.
type Pipeline struct {
	db     *store.DB
	blobs  ContentStore
	bus    *bus.Bus
	logger *zap.Logger
}

// New creates the ingestion pipeline.
func New(db *store.DB, blobs ContentStore, b *bus.Bus, logger *zap.Logger) *Pipeline {
	return &Pipeline{db: db, blobs: blobs, bus: b, logger: logger}
}

// reactionRef pairs a reaction change with the chat it happened in, so
// the post-commit notification can carry the chat id.
type reactionRef struct {
	payload *wa.ReactionPayload
	chatJID string
}

// IngestBatch persists one inbound batch. Messages with no content or
// an unrecognized kind are skipped. Reaction-kind events are never
// stored as messages; they mutate the reactions table. Historical
// batches increment no unread counters, overwrite no chat names, and
// emit no notifications. All row writes apply atomically: a failed
// batch leaves no partial state and is not retried, since transport
// batches are not replayable.
func (p *Pipeline) IngestBatch(ctx context.Context, sessionID string, dl Downloader, msgs []*wa.Inbound, historical bool) error {
	var records []*store.Message
	var inbounds []*wa.Inbound
	var reactions []reactionRef

	for _, in := range msgs {
		if in == nil || in.Kind == wa.KindUnknown || in.Kind == "" {
			continue
		}
		if in.Kind == wa.KindReaction {
			if in.Reaction != nil && in.Reaction.TargetMsgID != "" {
				reactions = append(reactions, reactionRef{payload: in.Reaction, chatJID: in.ChatJID})
			}
			continue
		}
		rec := toRecord(sessionID, in)
		if in.Kind.IsMedia() {
			p.attachMedia(ctx, sessionID, dl, in, rec)
		}
		records = append(records, rec)
		inbounds = append(inbounds, in)
	}

	if len(records) == 0 && len(reactions) == 0 {
		return nil
	}

	inserted := make([]bool, len(records))
	err := p.db.RunBatch(func(b *store.Batch) error {
		for i, rec := range records {
			ok, err := b.InsertMessage(rec)
			if err != nil {
				return fmt.Errorf("insert message %s: %w", rec.MsgID, err)
			}
			inserted[i] = ok

			increment := 0
			if ok && !rec.FromMe && !historical {
				increment = 1
			}
			chat := &store.Chat{
				SessionID:          sessionID,
				JID:                rec.ChatJID,
				Name:               chatName(inbounds[i]),
				IsGroup:            inbounds[i].IsGroup,
				UnreadCount:        increment,
				LastMessageAt:      rec.Timestamp,
				LastMessagePreview: preview(rec),
			}
			if err := b.UpsertChat(chat, !historical); err != nil {
				return fmt.Errorf("upsert chat %s: %w", rec.ChatJID, err)
			}
		}
		for _, r := range reactions {
			if r.payload.Emoji == "" {
				if err := b.DeleteReaction(sessionID, r.payload.TargetMsgID, r.payload.ReactorJID); err != nil {
					return fmt.Errorf("delete reaction: %w", err)
				}
			} else {
				err := b.UpsertReaction(&store.Reaction{
					SessionID:  sessionID,
					MsgID:      r.payload.TargetMsgID,
					ReactorJID: r.payload.ReactorJID,
					Emoji:      r.payload.Emoji,
				})
				if err != nil {
					return fmt.Errorf("upsert reaction: %w", err)
				}
			}
		}
		return nil
	})
	if err != nil {
		p.logger.Error("batch ingest failed",
			zap.String("session", sessionID),
			zap.Int("messages", len(records)),
			zap.Bool("historical", historical),
			zap.Error(err))
		return err
	}

	if historical {
		return nil
	}
	p.notifyReactions(sessionID, reactions)
	for i, rec := range records {
		if inserted[i] {
			p.bus.Emit(bus.SessionTopic(sessionID, "message"), toNotification(rec))
		}
	}
	return nil
}

// ApplyReceipt upgrades message delivery statuses and publishes one
// status notification per changed row. Downgrades are silently
// ignored; receipts arrive out of order on reconnect.
func (p *Pipeline) ApplyReceipt(sessionID string, r *wa.Receipt) {
	for _, msgID := range r.MsgIDs {
		changed, err := p.db.UpdateMessageStatus(sessionID, msgID, r.Status)
		if err != nil {
			p.logger.Error("receipt update failed",
				zap.String("session", sessionID),
				zap.String("msg_id", msgID),
				zap.Error(err))
			continue
		}
		if changed {
			p.bus.Emit(bus.SessionTopic(sessionID, "status"), bus.StatusNotification{
				MsgID:  msgID,
				Status: r.Status,
			})
		}
	}
}

// attachMedia downloads, hashes, and dedups the message's media. A
// failure leaves the message without a media reference; it never fails
// the batch.
func (p *Pipeline) attachMedia(ctx context.Context, sessionID string, dl Downloader, in *wa.Inbound, rec *store.Message) {
	if dl == nil || in.Media == nil && len(in.MediaBytes) == 0 {
		return
	}
	data, err := dl.Download(ctx, in)
	if err != nil {
		p.logger.Warn("media download failed",
			zap.String("session", sessionID),
			zap.String("msg_id", in.MsgID),
			zap.Error(err))
		return
	}

	hash := media.Hash(data)
	ext := ""
	mimetype := ""
	if in.Media != nil {
		ext = in.Media.FileExt
		mimetype = in.Media.Mimetype
	}

	if p.blobs.Exists(sessionID, hash, ext) {
		// Same bytes already stored for this session (cross-chat
		// duplicate or re-sync): reuse the recorded reference.
		if prev, err := p.db.GetMediaRefByHash(sessionID, hash); err == nil && prev != nil {
			rec.MediaURL = prev.MediaURL
			rec.MediaMimetype = prev.MediaMimetype
			rec.MediaHash = hash
			return
		}
	}

	ref, err := p.blobs.Write(sessionID, hash, ext, data)
	if err != nil {
		p.logger.Warn("blob write failed",
			zap.String("session", sessionID),
			zap.String("msg_id", in.MsgID),
			zap.Error(err))
		return
	}
	rec.MediaURL = ref.Path
	rec.MediaMimetype = mimetype
	rec.MediaHash = hash
}

func (p *Pipeline) notifyReactions(sessionID string, reactions []reactionRef) {
	// One aggregate re-read and one notification per distinct message,
	// regardless of how many reaction events the batch carried.
	seen := make(map[string]bool)
	for _, r := range reactions {
		msgID := r.payload.TargetMsgID
		if seen[msgID] {
			continue
		}
		seen[msgID] = true

		agg, err := p.db.GetAggregatedReactions(sessionID, msgID)
		if err != nil {
			p.logger.Error("reaction aggregate read failed",
				zap.String("session", sessionID),
				zap.String("msg_id", msgID),
				zap.Error(err))
			continue
		}
		p.bus.Emit(bus.SessionTopic(sessionID, "reaction"), bus.ReactionNotification{
			MsgID:     msgID,
			ChatJID:   r.chatJID,
			Reactions: agg,
		})
	}
}

func toRecord(sessionID string, in *wa.Inbound) *store.Message {
	status := store.StatusReceived
	if in.FromMe {
		status = store.StatusSent
	}
	return &store.Message{
		SessionID:      sessionID,
		ChatJID:        in.ChatJID,
		MsgID:          in.MsgID,
		SenderJID:      in.SenderJID,
		SenderName:     in.SenderName,
		ParticipantJID: in.ParticipantJID,
		Body:           in.Body,
		MessageType:    string(in.Kind),
		FromMe:         in.FromMe,
		Status:         status,
		Timestamp:      in.Timestamp,
		QuotedMsgID:    in.QuotedMsgID,
		QuotedText:     in.QuotedText,
	}
}

func toNotification(rec *store.Message) bus.MessageNotification {
	return bus.MessageNotification{
		MsgID:         rec.MsgID,
		ChatJID:       rec.ChatJID,
		Body:          rec.Body,
		MessageType:   rec.MessageType,
		FromMe:        rec.FromMe,
		Status:        rec.Status,
		Timestamp:     rec.Timestamp,
		SenderName:    rec.SenderName,
		MediaURL:      rec.MediaURL,
		MediaMimetype: rec.MediaMimetype,
		MediaHash:     rec.MediaHash,
		QuotedMsgID:   rec.QuotedMsgID,
		QuotedText:    rec.QuotedText,
	}
}

// chatName picks the display name a message can teach us. Incoming
// direct messages carry the sender's push name; group and outgoing
// messages teach nothing.
func chatName(in *wa.Inbound) string {
	if in.FromMe || in.IsGroup {
		return ""
	}
	return in.SenderName
}

func preview(rec *store.Message) string {
	if rec.Body != "" {
		return truncate(rec.Body, 100)
	}
	if rec.MessageType != string(wa.KindText) {
		return "[" + rec.MessageType + "]"
	}
	return ""
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
