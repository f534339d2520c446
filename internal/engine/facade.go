// Package engine exposes the chat synchronization engine as a single
// facade: conversation selection, optimistic sends with outbox-backed
// delivery, unread badges and the event stream the UI renders from.
package engine

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chatsync/internal/bus"
	"github.com/chatsync/internal/outbox"
	"github.com/chatsync/internal/store"
	"github.com/chatsync/internal/syncerr"
	chatsync "github.com/chatsync/internal/sync"
)

// ConversationView is a conversation index row with the session user's
// unread badge attached.
type ConversationView struct {
	store.Conversation
	Unread int
}

// Facade is the single entry point the UI talks to. All reads come from
// the local mirror and never block on the network; sends are optimistic
// and delivered by the outbox sender.
type Facade struct {
	db     *store.DB
	mgr    *chatsync.Manager
	sender *outbox.Sender
	bus    *bus.Bus
	logger *zap.Logger
	userID string

	mu       sync.Mutex
	selected string
}

// NewFacade creates the facade. Start subscribes the conversation list.
func NewFacade(db *store.DB, mgr *chatsync.Manager, sender *outbox.Sender, b *bus.Bus, logger *zap.Logger, userID string) *Facade {
	return &Facade{
		db:     db,
		mgr:    mgr,
		sender: sender,
		bus:    b,
		logger: logger,
		userID: userID,
	}
}

// Start opens the conversation-list subscription. Message streams are
// opened lazily per selection.
func (f *Facade) Start() error {
	return f.mgr.Subscribe(chatsync.Topic{Kind: chatsync.TopicConversationList, UserID: f.userID})
}

// SelectConversation switches the live message stream to the given
// conversation. The previous conversation's channels are released
// before the new ones open, so at most one stream is live at a time.
// Selection implies the viewer lands at the bottom of the log, which
// acknowledges the conversation as read once its snapshot arrives.
func (f *Facade) SelectConversation(ctx context.Context, conversationID string) error {
	if strings.TrimSpace(conversationID) == "" {
		return syncerr.New(syncerr.CodeInvalidInput, "empty conversation id")
	}

	f.mu.Lock()
	prev := f.selected
	f.selected = conversationID
	f.mu.Unlock()

	if prev != "" && prev != conversationID {
		f.mgr.Unsubscribe(chatsync.Topic{Kind: chatsync.TopicMessageStream, ConversationID: prev})
		f.mgr.Unsubscribe(chatsync.Topic{Kind: chatsync.TopicUnreadWatch, ConversationID: prev, UserID: f.userID})
	}

	f.mgr.SetViewport(conversationID, true)

	if err := f.mgr.Subscribe(chatsync.Topic{Kind: chatsync.TopicMessageStream, ConversationID: conversationID}); err != nil {
		return err
	}
	return f.mgr.Subscribe(chatsync.Topic{Kind: chatsync.TopicUnreadWatch, ConversationID: conversationID, UserID: f.userID})
}

// SendMessage appends a pending placeholder locally and queues the
// authoritative write. Returns the correlation token identifying the
// placeholder until the server echo replaces it.
func (f *Facade) SendMessage(ctx context.Context, conversationID, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", syncerr.New(syncerr.CodeInvalidInput, "empty message text")
	}
	if strings.TrimSpace(conversationID) == "" {
		return "", syncerr.New(syncerr.CodeInvalidInput, "empty conversation id")
	}

	token := uuid.NewString()
	now := time.Now().UnixMilli()
	msg := &store.Message{
		ConversationID:   conversationID,
		MsgID:            token,
		SenderID:         f.userID,
		Text:             text,
		CorrelationToken: token,
		Status:           store.StatusPending,
		LocalTS:          now,
	}
	if err := f.db.AppendMessage(msg); err != nil {
		return "", err
	}
	if err := f.db.TouchConversation(conversationID, text, now); err != nil {
		f.logger.Warn("touch conversation on send", zap.Error(err))
	}
	if err := f.db.QueueOutbox(token, conversationID, text); err != nil {
		return "", err
	}

	f.bus.Publish(bus.Event{
		Kind:      bus.KindMessageUpserted,
		Timestamp: time.Now(),
		Payload:   bus.MessageUpserted{ConversationID: conversationID, MsgID: token},
	})
	f.sender.Kick()
	return token, nil
}

// RetryMessage requeues a failed message for another delivery attempt.
func (f *Facade) RetryMessage(ctx context.Context, token string) error {
	msg, err := f.db.GetMessageByToken(token)
	if err != nil {
		return err
	}
	if msg == nil {
		return syncerr.Newf(syncerr.CodeInvalidInput, "unknown correlation token %q", token)
	}
	if msg.Status != store.StatusFailed {
		return syncerr.Newf(syncerr.CodeInvalidInput, "message %q is %s, only failed messages can be retried", token, msg.Status)
	}
	if err := f.db.MarkMessagePending(token); err != nil {
		return err
	}
	if err := f.db.RequeueOutbox(token); err != nil {
		return err
	}
	f.sender.Kick()
	return nil
}

// MarkScrolledToBottom records that the user reached the latest message
// of the selected conversation and acknowledges it as read.
func (f *Facade) MarkScrolledToBottom(ctx context.Context, conversationID string) error {
	f.mgr.SetViewport(conversationID, true)
	return f.mgr.AcknowledgeRead(ctx, conversationID)
}

// MarkScrolledUp records that the user left the bottom of the log;
// subsequent arrivals count as unread again.
func (f *Facade) MarkScrolledUp(conversationID string) {
	f.mgr.SetViewport(conversationID, false)
}

// Conversations returns the index in display order with unread badges.
func (f *Facade) Conversations() ([]ConversationView, error) {
	convs, err := f.db.ListConversations()
	if err != nil {
		return nil, err
	}
	unread, err := f.db.UnreadByConversation(f.userID)
	if err != nil {
		return nil, err
	}
	views := make([]ConversationView, 0, len(convs))
	for _, c := range convs {
		views = append(views, ConversationView{Conversation: c, Unread: unread[c.ID]})
	}
	return views, nil
}

// Messages returns a conversation's log in display order.
func (f *Facade) Messages(conversationID string) ([]store.Message, error) {
	return f.db.ListMessages(conversationID)
}

// Search runs a full-text query over the local message mirror.
func (f *Facade) Search(query, conversationID string, limit int) ([]store.SearchResult, error) {
	return f.db.SearchMessages(query, conversationID, limit)
}

// Events exposes the engine's event stream, filtered by namespace
// prefix. The caller must invoke the returned function when done.
func (f *Facade) Events(namespace string, buf int) (<-chan bus.Event, func()) {
	return f.bus.Subscribe(namespace, buf)
}

// Selected returns the currently selected conversation id, empty if none.
func (f *Facade) Selected() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.selected
}
