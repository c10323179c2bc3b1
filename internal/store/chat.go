package store

import "database/sql"

// GetChat returns a single chat by JID, or nil if absent.
func (db *DB) GetChat(sessionID, jid string) (*Chat, error) {
	var c Chat
	err := db.QueryRow(`
		SELECT session_id, jid, name, is_group, unread_count, last_message_at, last_message_preview
		FROM chats WHERE session_id = ? AND jid = ?`, sessionID, jid).
		Scan(&c.SessionID, &c.JID, &c.Name, &c.IsGroup, &c.UnreadCount, &c.LastMessageAt, &c.LastMessagePreview)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListChats returns a session's chats sorted by last message timestamp descending.
func (db *DB) ListChats(sessionID string, limit, offset int) ([]Chat, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT session_id, jid, name, is_group, unread_count, last_message_at, last_message_preview
		FROM chats WHERE session_id = ?
		ORDER BY last_message_at DESC
		LIMIT ? OFFSET ?`, sessionID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.SessionID, &c.JID, &c.Name, &c.IsGroup, &c.UnreadCount, &c.LastMessageAt, &c.LastMessagePreview); err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// ListChatJIDs returns every chat JID known for a session. The
// backfill controller drives one pagination loop per returned JID.
func (db *DB) ListChatJIDs(sessionID string) ([]string, error) {
	rows, err := db.Query(`SELECT jid FROM chats WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var jids []string
	for rows.Next() {
		var jid string
		if err := rows.Scan(&jid); err != nil {
			return nil, err
		}
		jids = append(jids, jid)
	}
	return jids, rows.Err()
}

// MarkChatRead resets a chat's unread counter to zero.
func (db *DB) MarkChatRead(sessionID, jid string) error {
	_, err := db.Exec(`
		UPDATE chats SET unread_count = 0 WHERE session_id = ? AND jid = ?`,
		sessionID, jid)
	return err
}
