package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Batch groups all row writes of one inbound batch into a single
// transaction: either the whole batch is durably applied or none of
// it is. Conflicting writes across goroutines serialize here, at the
// storage layer.
type Batch struct {
	tx *sql.Tx
}

// RunBatch executes fn inside one transaction, rolling back on error.
func (db *DB) RunBatch(fn func(*Batch) error) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&Batch{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// InsertMessage inserts a message if no row with the same
// (session_id, msg_id) exists. Reports whether a row was inserted,
// so callers can count only first deliveries.
func (b *Batch) InsertMessage(m *Message) (bool, error) {
	res, err := b.tx.Exec(`
		INSERT INTO messages (session_id, chat_jid, msg_id, sender_jid, sender_name, participant_jid,
			body, message_type, from_me, status, timestamp,
			media_url, media_mimetype, media_hash, quoted_msg_id, quoted_text, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, msg_id) DO NOTHING`,
		m.SessionID, m.ChatJID, m.MsgID, m.SenderJID, m.SenderName, m.ParticipantJID,
		m.Body, m.MessageType, m.FromMe, m.Status, m.Timestamp,
		m.MediaURL, m.MediaMimetype, m.MediaHash, m.QuotedMsgID, m.QuotedText,
		time.Now().UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpsertChat applies the chat summary policy:
//   - name is overwritten only when overwriteName is set and a
//     non-empty name is supplied, so backfill never blanks or replaces
//     a learned name;
//   - last-message fields move only forward in time (>=), tolerating
//     out-of-order batches;
//   - unread_count grows by c.UnreadCount (zero for outgoing or
//     historical messages) and is otherwise left alone.
func (b *Batch) UpsertChat(c *Chat, overwriteName bool) error {
	now := time.Now().UnixMilli()
	_, err := b.tx.Exec(`
		INSERT INTO chats (session_id, jid, name, is_group, unread_count, last_message_at, last_message_preview, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, jid) DO UPDATE SET
			name = CASE WHEN ? AND excluded.name != '' THEN excluded.name ELSE chats.name END,
			is_group = excluded.is_group,
			unread_count = chats.unread_count + excluded.unread_count,
			last_message_preview = CASE WHEN excluded.last_message_at >= chats.last_message_at THEN excluded.last_message_preview ELSE chats.last_message_preview END,
			last_message_at = MAX(chats.last_message_at, excluded.last_message_at),
			updated_at = excluded.updated_at`,
		c.SessionID, c.JID, c.Name, c.IsGroup, c.UnreadCount, c.LastMessageAt, c.LastMessagePreview, now,
		overwriteName)
	return err
}

// UpsertReaction records or replaces one reactor's reaction on a message.
func (b *Batch) UpsertReaction(r *Reaction) error {
	now := time.Now().UnixMilli()
	_, err := b.tx.Exec(`
		INSERT INTO reactions (session_id, msg_id, reactor_jid, emoji, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id, msg_id, reactor_jid) DO UPDATE SET
			emoji = excluded.emoji,
			updated_at = excluded.updated_at`,
		r.SessionID, r.MsgID, r.ReactorJID, r.Emoji, now)
	return err
}

// DeleteReaction removes one reactor's reaction. Deleting an absent
// row is a no-op.
func (b *Batch) DeleteReaction(sessionID, msgID, reactorJID string) error {
	_, err := b.tx.Exec(`
		DELETE FROM reactions WHERE session_id = ? AND msg_id = ? AND reactor_jid = ?`,
		sessionID, msgID, reactorJID)
	return err
}

// UpdateMessageStatus upgrades a message's delivery status. Receipts
// arrive out of order on reconnect, so a status never downgrades.
// Reports whether the row changed.
func (b *Batch) UpdateMessageStatus(sessionID, msgID, status string) (bool, error) {
	return execStatusUpdate(b.tx, sessionID, msgID, status)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func execStatusUpdate(e execer, sessionID, msgID, status string) (bool, error) {
	res, err := e.Exec(`
		UPDATE messages SET status = ?
		WHERE session_id = ? AND msg_id = ?
		AND (CASE status WHEN 'read' THEN 3 WHEN 'delivered' THEN 2 WHEN 'sent' THEN 1 ELSE 0 END)
		  < (CASE ?      WHEN 'read' THEN 3 WHEN 'delivered' THEN 2 WHEN 'sent' THEN 1 ELSE 0 END)`,
		status, sessionID, msgID, status)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpdateMessageStatus is the single-row variant outside a batch.
func (db *DB) UpdateMessageStatus(sessionID, msgID, status string) (bool, error) {
	return execStatusUpdate(db.DB, sessionID, msgID, status)
}
