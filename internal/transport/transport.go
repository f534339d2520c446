package transport

import (
	"context"
	"encoding/json"
)

// Snapshot kinds delivered to subscription handlers.
const (
	KindSnapshot = "snapshot" // full value of the subscribed path
	KindEvent    = "event"    // incremental child event under the path
)

// Snapshot is one delivery on a live subscription.
type Snapshot struct {
	Path  string
	Kind  string
	Value json.RawMessage
}

// Store is the authoritative realtime database the engine mirrors. It is
// the source of truth for messages, conversation metadata and unread
// counts; the engine never computes authoritative values locally.
type Store interface {
	// Write sets an absolute value at path.
	Write(ctx context.Context, path string, value any) error
	// Update merges a partial value into the object at path.
	Update(ctx context.Context, path string, value map[string]any) error
	// Read fetches the current value at path.
	Read(ctx context.Context, path string) (json.RawMessage, error)
	// Subscribe registers a live listener for path. Handlers run in
	// transport delivery order. The returned function releases the
	// channel and is safe to call more than once.
	Subscribe(path string, onSnapshot func(Snapshot), onError func(error)) (func(), error)
}

// GroupsPath is the conversation list for the session user.
func GroupsPath() string { return "chat/groups" }

// MessagesPath is a conversation's message log.
func MessagesPath(conversationID string) string {
	return "chat/messages/" + conversationID
}

// UnreadPath is a user's unread counter within a conversation.
func UnreadPath(conversationID, userID string) string {
	return "chat/groups/" + conversationID + "/unreadCount/" + userID
}
