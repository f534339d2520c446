package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// MergeConversations replaces the live conversation index with a
// transport snapshot in a single transaction. Concurrent merges are
// last-write-wins with no partial interleaving of list items.
func (db *DB) MergeConversations(convs []*Conversation) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM conversations`); err != nil {
		return fmt.Errorf("clear index: %w", err)
	}

	now := time.Now().UnixMilli()
	for _, c := range convs {
		members, err := json.Marshal(c.Members)
		if err != nil {
			return fmt.Errorf("marshal members: %w", err)
		}
		if _, err := tx.Exec(`
			INSERT INTO conversations (id, title, members_json, last_message_preview, last_message_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			c.ID, c.Title, string(members), c.LastMessagePreview, c.LastMessageAt, now); err != nil {
			return fmt.Errorf("insert conversation %s: %w", c.ID, err)
		}
	}

	return tx.Commit()
}

// TouchConversation bumps a conversation's last-message snapshot, used
// both for incoming messages and optimistic local sends. The timestamp
// only moves forward, so a late echo never regresses the sort position.
func (db *DB) TouchConversation(conversationID, preview string, ts int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (id, last_message_preview, last_message_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_message_at = MAX(conversations.last_message_at, excluded.last_message_at),
			last_message_preview = CASE WHEN excluded.last_message_at >= conversations.last_message_at
				THEN excluded.last_message_preview ELSE conversations.last_message_preview END,
			updated_at = excluded.updated_at`,
		conversationID, truncate(preview, 100), ts, now)
	return err
}

// ListConversations returns the index ordered by most-recent activity.
// Conversations without a last message sort after all that have one;
// ties are broken by conversation id for determinism.
func (db *DB) ListConversations() ([]Conversation, error) {
	rows, err := db.Query(`
		SELECT id, title, members_json, last_message_preview, last_message_at
		FROM conversations
		ORDER BY CASE WHEN last_message_at > 0 THEN 0 ELSE 1 END,
			last_message_at DESC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		c, err := scanConversation(rows.Scan)
		if err != nil {
			return nil, err
		}
		convs = append(convs, *c)
	}
	return convs, rows.Err()
}

// GetConversation returns a single conversation by id, or nil if absent.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	row := db.QueryRow(`
		SELECT id, title, members_json, last_message_preview, last_message_at
		FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func scanConversation(scan func(...any) error) (*Conversation, error) {
	var c Conversation
	var members string
	if err := scan(&c.ID, &c.Title, &members, &c.LastMessagePreview, &c.LastMessageAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(members), &c.Members); err != nil {
		return nil, fmt.Errorf("unmarshal members for %s: %w", c.ID, err)
	}
	return &c, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
