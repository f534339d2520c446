package bus

import "time"

// Event kinds published by the engine. Subscribers filter by namespace
// prefix, so "message." matches every message-level event.
const (
	KindMessageUpserted   = "message.upserted"
	KindMessagesReplaced  = "message.replaced_all"
	KindMessageSendAck    = "message.send_ack"
	KindMessageSendFailed = "message.send_failed"

	KindConversationsMerged = "conversations.merged"
	KindUnreadChanged       = "unread.changed"
	KindUnreadAckFailed     = "unread.ack_failed"

	KindSubscriptionState   = "subscription.state_changed"
	KindSubscriptionTimeout = "subscription.timeout"

	KindTransportConnected    = "transport.connected"
	KindTransportDisconnected = "transport.disconnected"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// MessageUpserted is the payload for message.upserted.
type MessageUpserted struct {
	ConversationID string
	MsgID          string
}

// MessagesReplaced is the payload for message.replaced_all: a full log
// snapshot was merged for the conversation.
type MessagesReplaced struct {
	ConversationID string
	Count          int
}

// SendAck is the payload for message.send_ack.
type SendAck struct {
	CorrelationToken string
	ConversationID   string
}

// SendFailed is the payload for message.send_failed. Reason is the
// classified error string; the message stays in the log with FAILED
// status so the user can retry.
type SendFailed struct {
	CorrelationToken string
	ConversationID   string
	Reason           string
}

// ConversationsMerged is the payload for conversations.merged.
type ConversationsMerged struct {
	Count int
}

// UnreadChanged is the payload for unread.changed.
type UnreadChanged struct {
	ConversationID string
	UserID         string
	Count          int
}

// AckFailed is the payload for unread.ack_failed: the authoritative
// read-acknowledgment write did not land and may be retried.
type AckFailed struct {
	ConversationID string
	UserID         string
	Reason         string
}

// SubscriptionState is the payload for subscription.state_changed.
type SubscriptionState struct {
	Topic string
	From  string
	To    string
}

// SubscriptionTimeout is the payload for subscription.timeout: the
// initial snapshot never arrived within the configured bound.
type SubscriptionTimeout struct {
	Topic string
}
