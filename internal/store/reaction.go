package store

// GetAggregatedReactions returns a message's reaction state as emoji
// counts grouped across reactors.
func (db *DB) GetAggregatedReactions(sessionID, msgID string) (map[string]int, error) {
	rows, err := db.Query(`
		SELECT emoji, COUNT(*) FROM reactions
		WHERE session_id = ? AND msg_id = ?
		GROUP BY emoji`, sessionID, msgID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	agg := make(map[string]int)
	for rows.Next() {
		var emoji string
		var count int
		if err := rows.Scan(&emoji, &count); err != nil {
			return nil, err
		}
		agg[emoji] = count
	}
	return agg, rows.Err()
}

// CountReactions returns the total number of reaction rows for a message.
func (db *DB) CountReactions(sessionID, msgID string) (int, error) {
	var n int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM reactions WHERE session_id = ? AND msg_id = ?`,
		sessionID, msgID).Scan(&n)
	return n, err
}
