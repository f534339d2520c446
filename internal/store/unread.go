package store

import (
	"database/sql"
	"time"
)

// BumpUnread increments a user's unread count for a conversation by one
// and returns the new value. The increment is relative in SQL, never
// computed from a stale client-side read.
func (db *DB) BumpUnread(conversationID, userID string) (int, error) {
	now := time.Now().UnixMilli()
	if _, err := db.Exec(`
		INSERT INTO unread_counts (conversation_id, user_id, count, updated_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(conversation_id, user_id) DO UPDATE SET
			count = unread_counts.count + 1,
			updated_at = excluded.updated_at`,
		conversationID, userID, now); err != nil {
		return 0, err
	}
	return db.GetUnread(conversationID, userID)
}

// SetUnread mirrors an absolute unread value from the authoritative
// store. Negative snapshots clamp to zero; the invariant is count >= 0.
func (db *DB) SetUnread(conversationID, userID string, count int) error {
	if count < 0 {
		count = 0
	}
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO unread_counts (conversation_id, user_id, count, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(conversation_id, user_id) DO UPDATE SET
			count = excluded.count,
			updated_at = excluded.updated_at`,
		conversationID, userID, count, now)
	return err
}

// GetUnread returns a user's unread count for a conversation, 0 if the
// pair has never been seen.
func (db *DB) GetUnread(conversationID, userID string) (int, error) {
	var count int
	err := db.QueryRow(`
		SELECT count FROM unread_counts WHERE conversation_id = ? AND user_id = ?`,
		conversationID, userID).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return count, nil
}

// UnreadByConversation returns a user's unread counts keyed by
// conversation id, for badge rendering in the conversation list.
func (db *DB) UnreadByConversation(userID string) (map[string]int, error) {
	rows, err := db.Query(`
		SELECT conversation_id, count FROM unread_counts WHERE user_id = ?`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)
	for rows.Next() {
		var convID string
		var count int
		if err := rows.Scan(&convID, &count); err != nil {
			return nil, err
		}
		counts[convID] = count
	}
	return counts, rows.Err()
}
