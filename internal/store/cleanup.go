package store

import "fmt"

// DeleteSessionData removes every row belonging to a session in one
// transaction. Part of session teardown; rerunning it on an already
// emptied session is a no-op.
func (db *DB) DeleteSessionData(sessionID string) error {
	return db.RunBatch(func(b *Batch) error {
		for _, table := range []string{"reactions", "messages", "chats"} {
			if _, err := b.tx.Exec(`DELETE FROM `+table+` WHERE session_id = ?`, sessionID); err != nil {
				return fmt.Errorf("delete %s: %w", table, err)
			}
		}
		return nil
	})
}

// DeleteOlderThan removes messages with a timestamp before cutoff and
// any reaction rows left orphaned by that deletion, in one
// transaction. Returns the number of deleted messages.
func (db *DB) DeleteOlderThan(cutoff int64) (int64, error) {
	var deleted int64
	err := db.RunBatch(func(b *Batch) error {
		res, err := b.tx.Exec(`DELETE FROM messages WHERE timestamp < ?`, cutoff)
		if err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		deleted, _ = res.RowsAffected()

		if _, err := b.tx.Exec(`
			DELETE FROM reactions WHERE NOT EXISTS (
				SELECT 1 FROM messages m
				WHERE m.session_id = reactions.session_id AND m.msg_id = reactions.msg_id
			)`); err != nil {
			return fmt.Errorf("delete orphaned reactions: %w", err)
		}
		return nil
	})
	return deleted, err
}

// SessionIDs returns the distinct session ids present anywhere in the
// store. All three tables are scanned: a partially deleted session may
// have rows left in only one of them.
func (db *DB) SessionIDs() ([]string, error) {
	rows, err := db.Query(`
		SELECT session_id FROM chats
		UNION SELECT session_id FROM messages
		UNION SELECT session_id FROM reactions
		ORDER BY session_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
