package store

import (
	"database/sql"
	"time"
)

const messageColumns = `id, session_id, chat_jid, msg_id, sender_jid, sender_name, participant_jid,
	body, message_type, from_me, status, timestamp,
	media_url, media_mimetype, media_hash, quoted_msg_id, quoted_text`

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.SessionID, &m.ChatJID, &m.MsgID, &m.SenderJID, &m.SenderName, &m.ParticipantJID,
		&m.Body, &m.MessageType, &m.FromMe, &m.Status, &m.Timestamp,
		&m.MediaURL, &m.MediaMimetype, &m.MediaHash, &m.QuotedMsgID, &m.QuotedText)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMessage returns a message by provider id, or nil if absent.
func (db *DB) GetMessage(sessionID, msgID string) (*Message, error) {
	m, err := scanMessage(db.QueryRow(`
		SELECT `+messageColumns+` FROM messages
		WHERE session_id = ? AND msg_id = ?`, sessionID, msgID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// ListMessages returns messages for a chat using keyset pagination by timestamp.
func (db *DB) ListMessages(sessionID, chatJID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT `+messageColumns+` FROM messages
		WHERE session_id = ? AND chat_jid = ? AND timestamp < ?
		ORDER BY timestamp DESC
		LIMIT ?`, sessionID, chatJID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// GetOldestMessageCursor returns the backfill cursor for a chat: the
// oldest stored message by timestamp. Returns nil when the chat has no
// messages, in which case there is nothing to anchor a page on.
func (db *DB) GetOldestMessageCursor(sessionID, chatJID string) (*Cursor, error) {
	var c Cursor
	err := db.QueryRow(`
		SELECT msg_id, from_me, participant_jid, timestamp FROM messages
		WHERE session_id = ? AND chat_jid = ?
		ORDER BY timestamp ASC, id ASC
		LIMIT 1`, sessionID, chatJID).
		Scan(&c.MsgID, &c.FromMe, &c.Participant, &c.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetMediaRefByHash returns a previously stored media reference for
// the given content hash within a session, or nil. This is what lets
// re-synced or cross-chat duplicate media reuse one blob.
func (db *DB) GetMediaRefByHash(sessionID, hash string) (*Message, error) {
	m, err := scanMessage(db.QueryRow(`
		SELECT `+messageColumns+` FROM messages
		WHERE session_id = ? AND media_hash = ?
		LIMIT 1`, sessionID, hash))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}
