package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/chatsync/internal/syncerr"
)

// AppendMessage inserts a message into its conversation's log, idempotent
// on (conversation_id, msg_id). An incoming acknowledged message whose
// correlation token matches a local pending placeholder replaces that
// placeholder in the same transaction, so the log never holds both.
func (db *DB) AppendMessage(m *Message) error {
	if err := validateMessage(m); err != nil {
		return err
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := upsertMessageTx(tx, m); err != nil {
		return err
	}

	return tx.Commit()
}

// ReplaceAllMessages reconciles a conversation's log with a freshly
// fetched authoritative set, e.g. after a reconnect. Non-pending rows are
// replaced wholesale; pending local messages survive unless the fetched
// set carries their correlation token.
func (db *DB) ReplaceAllMessages(conversationID string, msgs []*Message) error {
	if conversationID == "" {
		return syncerr.New(syncerr.CodeInvalidInput, "empty conversation id")
	}
	for _, m := range msgs {
		if err := validateMessage(m); err != nil {
			return err
		}
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(
		`DELETE FROM messages WHERE conversation_id = ? AND status != ?`,
		conversationID, StatusPending); err != nil {
		return fmt.Errorf("clear log: %w", err)
	}

	for _, m := range msgs {
		if err := upsertMessageTx(tx, m); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ListMessages returns the conversation's full ordered log. Ordering key
// is the server timestamp when present, else the local timestamp, with
// ties broken by insertion sequence.
func (db *DB) ListMessages(conversationID string) ([]Message, error) {
	rows, err := db.Query(`
		SELECT seq, conversation_id, msg_id, sender_id, text, correlation_token, status, server_ts, local_ts
		FROM messages
		WHERE conversation_id = ?
		ORDER BY CASE WHEN server_ts > 0 THEN server_ts ELSE local_ts END ASC, seq ASC`,
		conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.Seq, &m.ConversationID, &m.MsgID, &m.SenderID, &m.Text,
			&m.CorrelationToken, &m.Status, &m.ServerTS, &m.LocalTS); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// GetMessageByToken returns the message carrying the given correlation
// token, or nil if none exists.
func (db *DB) GetMessageByToken(token string) (*Message, error) {
	var m Message
	err := db.QueryRow(`
		SELECT seq, conversation_id, msg_id, sender_id, text, correlation_token, status, server_ts, local_ts
		FROM messages WHERE correlation_token = ?`, token).
		Scan(&m.Seq, &m.ConversationID, &m.MsgID, &m.SenderID, &m.Text,
			&m.CorrelationToken, &m.Status, &m.ServerTS, &m.LocalTS)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// MarkMessageFailed flips a pending message to failed after its
// authoritative write was rejected. The row stays in the log for resend.
func (db *DB) MarkMessageFailed(token string) error {
	_, err := db.Exec(
		`UPDATE messages SET status = ? WHERE correlation_token = ? AND status = ?`,
		StatusFailed, token, StatusPending)
	return err
}

// MarkMessagePending flips a failed message back to pending for a
// user-initiated resend.
func (db *DB) MarkMessagePending(token string) error {
	_, err := db.Exec(
		`UPDATE messages SET status = ? WHERE correlation_token = ? AND status = ?`,
		StatusPending, token, StatusFailed)
	return err
}

func validateMessage(m *Message) error {
	if m == nil {
		return syncerr.New(syncerr.CodeInvalidInput, "nil message")
	}
	if m.ConversationID == "" {
		return syncerr.New(syncerr.CodeInvalidInput, "missing conversation id")
	}
	if m.MsgID == "" {
		return syncerr.New(syncerr.CodeInvalidInput, "missing message id")
	}
	if strings.TrimSpace(m.Text) == "" {
		return syncerr.Newf(syncerr.CodeInvalidInput, "empty text for message %s", m.MsgID)
	}
	return nil
}

func upsertMessageTx(tx *sql.Tx, m *Message) error {
	// Replace a pending placeholder once the server echo arrives with the
	// same correlation token under its authoritative id.
	if m.CorrelationToken != "" && m.Status != StatusPending {
		if _, err := tx.Exec(`
			DELETE FROM messages
			WHERE conversation_id = ? AND correlation_token = ? AND status = ? AND msg_id != ?`,
			m.ConversationID, m.CorrelationToken, StatusPending, m.MsgID); err != nil {
			return fmt.Errorf("reconcile pending: %w", err)
		}
	}

	status := m.Status
	if status == "" {
		status = StatusSent
	}

	if _, err := tx.Exec(`
		INSERT INTO messages (conversation_id, msg_id, sender_id, text, correlation_token, status, server_ts, local_ts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
			sender_id = excluded.sender_id,
			text = excluded.text,
			correlation_token = excluded.correlation_token,
			status = excluded.status,
			server_ts = excluded.server_ts,
			local_ts = CASE WHEN excluded.local_ts > 0 THEN excluded.local_ts ELSE messages.local_ts END`,
		m.ConversationID, m.MsgID, m.SenderID, m.Text, m.CorrelationToken,
		status, m.ServerTS, m.LocalTS, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	return nil
}
