package store

import "time"

// QueueOutbox adds an outgoing message to the send outbox, keyed by its
// correlation token.
func (db *DB) QueueOutbox(token, conversationID, text string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbox (correlation_token, conversation_id, text, status, created_at, updated_at)
		VALUES (?, ?, ?, 'queued', ?, ?)`,
		token, conversationID, text, now, now)
	return err
}

// RequeueOutbox puts a failed entry back in the queue for a
// user-initiated resend, resetting its attempt counter.
func (db *DB) RequeueOutbox(token string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET status = 'queued', attempts = 0, next_attempt_at = 0, error_message = '', updated_at = ?
		WHERE correlation_token = ? AND status = 'failed'`, now, token)
	return err
}

// MarkOutboxSending updates an outbox entry to 'sending' status.
func (db *DB) MarkOutboxSending(token string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sending', updated_at = ? WHERE correlation_token = ?`, now, token)
	return err
}

// MarkOutboxSent updates an outbox entry to 'sent'.
func (db *DB) MarkOutboxSent(token string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sent', updated_at = ? WHERE correlation_token = ?`, now, token)
	return err
}

// MarkOutboxRetry schedules another attempt after a transient write
// failure: bumps the attempt counter and sets the next eligible time.
func (db *DB) MarkOutboxRetry(token string, attempts int, nextAttemptAt int64, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET status = 'queued', attempts = ?, next_attempt_at = ?, error_message = ?, updated_at = ?
		WHERE correlation_token = ?`, attempts, nextAttemptAt, errMsg, now, token)
	return err
}

// MarkOutboxFailed updates an outbox entry to 'failed' with an error message.
func (db *DB) MarkOutboxFailed(token, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE correlation_token = ?`, errMsg, now, token)
	return err
}

// PendingOutbox returns queued entries whose next attempt time has come.
func (db *DB) PendingOutbox(now int64) ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, correlation_token, conversation_id, text, status, attempts, next_attempt_at, error_message
		FROM outbox WHERE status = 'queued' AND next_attempt_at <= ? ORDER BY created_at ASC`, now)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.CorrelationToken, &e.ConversationID, &e.Text,
			&e.Status, &e.Attempts, &e.NextAttemptAt, &e.ErrorMessage); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
