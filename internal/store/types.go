package store

// Message status values. A message is pending until the authoritative
// store's echo (matched by correlation token) replaces it, sent once
// acknowledged, failed when the write was rejected.
const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// Message is one entry in a conversation's ordered, deduplicated log.
// Seq is the per-log insertion sequence and final ordering tie-break.
// ServerTS is 0 until the authoritative store assigns a timestamp;
// LocalTS is always set at creation and used as the ordering fallback.
type Message struct {
	Seq              int64
	ConversationID   string
	MsgID            string
	SenderID         string
	Text             string
	CorrelationToken string
	Status           string
	ServerTS         int64
	LocalTS          int64
}

// OrderKey returns the timestamp used for display ordering.
func (m *Message) OrderKey() int64 {
	if m.ServerTS > 0 {
		return m.ServerTS
	}
	return m.LocalTS
}

// Member is a lightweight profile of a conversation participant.
type Member struct {
	Name  string `json:"name"`
	Photo string `json:"photo,omitempty"`
}

// Conversation is one entry of the conversation index.
// LastMessageAt == 0 means the conversation has no last message yet and
// sorts after every conversation that has one.
type Conversation struct {
	ID                 string
	Title              string
	Members            map[string]Member
	LastMessagePreview string
	LastMessageAt      int64
}

// OutboxEntry represents a pending outgoing message awaiting its
// authoritative write.
type OutboxEntry struct {
	ID               int64
	CorrelationToken string
	ConversationID   string
	Text             string
	Status           string // queued, sending, sent, failed
	Attempts         int
	NextAttemptAt    int64
	ErrorMessage     string
}

// SearchResult holds a message with a search snippet.
type SearchResult struct {
	Message Message
	Snippet string
}
