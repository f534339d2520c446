package transport

import (
	"encoding/json"
	"strings"

	"github.com/chatsync/internal/store"
	"github.com/chatsync/internal/syncerr"
)

// MessageRecord is the wire shape of a message in the authoritative
// store. ID is empty on writes (the server assigns it); the correlation
// token links the eventual echo back to the local pending placeholder.
type MessageRecord struct {
	ID               string `json:"id,omitempty"`
	ConversationID   string `json:"conversationId"`
	SenderID         string `json:"senderId"`
	Text             string `json:"text"`
	CorrelationToken string `json:"correlationToken,omitempty"`
	ServerTimestamp  int64  `json:"serverTimestamp,omitempty"`
	LocalTimestamp   int64  `json:"localTimestamp,omitempty"`
}

// MemberRecord is the wire shape of a lightweight member profile.
type MemberRecord struct {
	Name  string `json:"name"`
	Photo string `json:"photo,omitempty"`
}

// LastMessageRecord is the conversation's last-message snapshot.
type LastMessageRecord struct {
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// ConversationRecord is the wire shape of one conversation under
// chat/groups.
type ConversationRecord struct {
	ID          string                  `json:"id"`
	Title       string                  `json:"title"`
	Members     map[string]MemberRecord `json:"members,omitempty"`
	LastMessage *LastMessageRecord      `json:"lastMessage,omitempty"`
	UnreadCount map[string]int          `json:"unreadCount,omitempty"`
}

// DecodeMessage parses a single message record. Records missing required
// fields are rejected with UNRECOGNIZED_RECORD so the subscription
// stream can skip them instead of aborting.
func DecodeMessage(raw json.RawMessage) (*store.Message, error) {
	var rec MessageRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, syncerr.Wrap(syncerr.CodeUnrecognizedRecord, "malformed message record", err)
	}
	if rec.ID == "" || rec.ConversationID == "" || strings.TrimSpace(rec.Text) == "" {
		return nil, syncerr.Newf(syncerr.CodeUnrecognizedRecord,
			"message record missing required fields (id=%q, conversation=%q)", rec.ID, rec.ConversationID)
	}
	return &store.Message{
		ConversationID:   rec.ConversationID,
		MsgID:            rec.ID,
		SenderID:         rec.SenderID,
		Text:             rec.Text,
		CorrelationToken: rec.CorrelationToken,
		Status:           store.StatusSent,
		ServerTS:         rec.ServerTimestamp,
		LocalTS:          rec.LocalTimestamp,
	}, nil
}

// DecodeMessageLog parses a full log snapshot, a JSON object keyed by
// message id. Malformed entries are counted and skipped.
func DecodeMessageLog(raw json.RawMessage) ([]*store.Message, int, error) {
	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, 0, syncerr.Wrap(syncerr.CodeUnrecognizedRecord, "malformed message log snapshot", err)
	}
	var msgs []*store.Message
	skipped := 0
	for id, entry := range entries {
		m, err := DecodeMessage(entry)
		if err != nil {
			skipped++
			continue
		}
		if m.MsgID != id {
			// Key wins over an inconsistent embedded id.
			m.MsgID = id
		}
		msgs = append(msgs, m)
	}
	return msgs, skipped, nil
}

// DecodeConversation parses one conversation record, returning the
// conversation and its per-user unread snapshot.
func DecodeConversation(raw json.RawMessage) (*store.Conversation, map[string]int, error) {
	var rec ConversationRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, nil, syncerr.Wrap(syncerr.CodeUnrecognizedRecord, "malformed conversation record", err)
	}
	if rec.ID == "" {
		return nil, nil, syncerr.New(syncerr.CodeUnrecognizedRecord, "conversation record missing id")
	}
	c := &store.Conversation{
		ID:    rec.ID,
		Title: rec.Title,
	}
	if len(rec.Members) > 0 {
		c.Members = make(map[string]store.Member, len(rec.Members))
		for id, m := range rec.Members {
			c.Members[id] = store.Member{Name: m.Name, Photo: m.Photo}
		}
	}
	if rec.LastMessage != nil {
		c.LastMessagePreview = rec.LastMessage.Text
		c.LastMessageAt = rec.LastMessage.Timestamp
	}
	return c, rec.UnreadCount, nil
}

// DecodeConversationList parses a chat/groups snapshot, a JSON object
// keyed by conversation id. Malformed entries are counted and skipped.
func DecodeConversationList(raw json.RawMessage) ([]*store.Conversation, map[string]map[string]int, int, error) {
	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, nil, 0, syncerr.Wrap(syncerr.CodeUnrecognizedRecord, "malformed conversation list snapshot", err)
	}
	var convs []*store.Conversation
	unread := make(map[string]map[string]int)
	skipped := 0
	for id, entry := range entries {
		c, counts, err := DecodeConversation(entry)
		if err != nil {
			skipped++
			continue
		}
		if c.ID != id {
			c.ID = id
		}
		convs = append(convs, c)
		if len(counts) > 0 {
			unread[c.ID] = counts
		}
	}
	return convs, unread, skipped, nil
}

// DecodeUnread parses an unread counter value.
func DecodeUnread(raw json.RawMessage) (int, error) {
	var count int
	if err := json.Unmarshal(raw, &count); err != nil {
		return 0, syncerr.Wrap(syncerr.CodeUnrecognizedRecord, "malformed unread value", err)
	}
	return count, nil
}

// EncodeMessage converts a local pending message to its wire shape for
// the authoritative write. The server assigns the id and timestamp.
func EncodeMessage(m *store.Message) *MessageRecord {
	return &MessageRecord{
		ConversationID:   m.ConversationID,
		SenderID:         m.SenderID,
		Text:             m.Text,
		CorrelationToken: m.CorrelationToken,
		LocalTimestamp:   m.LocalTS,
	}
}
