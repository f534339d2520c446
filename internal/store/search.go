package store

// SearchMessages performs a full-text search over message text.
func (db *DB) SearchMessages(query string, conversationID string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}

	q := `
		SELECT m.seq, m.conversation_id, m.msg_id, m.sender_id, m.text,
		       m.correlation_token, m.status, m.server_ts, m.local_ts,
		       snippet(messages_fts, 0, '<<', '>>', '...', 32)
		FROM messages_fts f
		JOIN messages m ON m.seq = f.rowid
		WHERE messages_fts MATCH ?`

	args := []any{query}
	if conversationID != "" {
		q += " AND m.conversation_id = ?"
		args = append(args, conversationID)
	}
	q += " ORDER BY rank LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(
			&r.Message.Seq, &r.Message.ConversationID, &r.Message.MsgID,
			&r.Message.SenderID, &r.Message.Text, &r.Message.CorrelationToken,
			&r.Message.Status, &r.Message.ServerTS, &r.Message.LocalTS,
			&r.Snippet,
		); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
