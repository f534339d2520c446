package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/chatsync/internal/bus"
	"github.com/chatsync/internal/config"
	"github.com/chatsync/internal/outbox"
	"github.com/chatsync/internal/store"
	"github.com/chatsync/internal/syncerr"
	chatsync "github.com/chatsync/internal/sync"
	"github.com/chatsync/internal/transport"
)

// fakeGateway is an in-memory authoritative store recording the order of
// channel operations, so tests can assert strict unsubscribe-before-
// subscribe on conversation switch.
type fakeGateway struct {
	mu       sync.Mutex
	values   map[string]json.RawMessage
	handlers map[string]func(transport.Snapshot)
	ops      []string
	writes   []string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		values:   make(map[string]json.RawMessage),
		handlers: make(map[string]func(transport.Snapshot)),
	}
}

func (g *fakeGateway) Write(ctx context.Context, path string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.values[path] = raw
	g.writes = append(g.writes, path)
	g.mu.Unlock()
	return nil
}

func (g *fakeGateway) Update(ctx context.Context, path string, value map[string]any) error {
	return g.Write(ctx, path, value)
}

func (g *fakeGateway) Read(ctx context.Context, path string) (json.RawMessage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	v := g.values[path]
	if v == nil {
		v = json.RawMessage(`{}`)
	}
	return v, nil
}

func (g *fakeGateway) Subscribe(path string, onSnapshot func(transport.Snapshot), onError func(error)) (func(), error) {
	g.mu.Lock()
	g.handlers[path] = onSnapshot
	g.ops = append(g.ops, "subscribe:"+path)
	v := g.values[path]
	g.mu.Unlock()

	if v == nil {
		v = json.RawMessage(`{}`)
	}
	onSnapshot(transport.Snapshot{Path: path, Kind: transport.KindSnapshot, Value: v})

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.handlers, path)
			g.ops = append(g.ops, "unsubscribe:"+path)
			g.mu.Unlock()
		})
	}, nil
}

func (g *fakeGateway) push(path, kind, value string) {
	g.mu.Lock()
	h := g.handlers[path]
	g.mu.Unlock()
	if h != nil {
		h(transport.Snapshot{Path: path, Kind: kind, Value: json.RawMessage(value)})
	}
}

func (g *fakeGateway) opLog() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.ops))
	copy(out, g.ops)
	return out
}

func (g *fakeGateway) wrotePath(path string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, p := range g.writes {
		if p == path {
			return true
		}
	}
	return false
}

func testFacade(t *testing.T) (*Facade, *fakeGateway, *store.DB, *bus.Bus) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}

	g := newFakeGateway()
	b := bus.New()
	logger, _ := zap.NewDevelopment()
	rc := config.Reconnect{InitialDelayMS: 1, MaxDelayMS: 10, MaxAttempts: 3}

	mgr := chatsync.NewManager(db, g, b, logger, "u1", time.Second)
	if err := mgr.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mgr.Stop)

	sender := outbox.NewSender(db, g, b, logger, rc)
	if err := sender.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(sender.Stop)

	return NewFacade(db, mgr, sender, b, logger, "u1"), g, db, b
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", desc)
}

func TestSendMessageOptimisticThenEchoed(t *testing.T) {
	f, g, db, _ := testFacade(t)
	ctx := context.Background()
	if err := f.SelectConversation(ctx, "c1"); err != nil {
		t.Fatal(err)
	}

	token, err := f.SendMessage(ctx, "c1", "  hello  ")
	if err != nil {
		t.Fatal(err)
	}

	// The placeholder is visible immediately, trimmed and pending.
	msgs, err := f.Messages("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Status != store.StatusPending || msgs[0].Text != "hello" {
		t.Fatalf("messages = %+v", msgs)
	}
	conv, err := db.GetConversation("c1")
	if err != nil {
		t.Fatal(err)
	}
	if conv == nil || conv.LastMessagePreview != "hello" {
		t.Errorf("conversation not touched optimistically: %+v", conv)
	}

	// The sender delivers the queued write.
	waitFor(t, "outbox write", func() bool { return g.wrotePath(transport.MessagesPath("c1")) })

	// The server echo, matched by correlation token, replaces the
	// placeholder with the authoritative record.
	g.push(transport.MessagesPath("c1"), transport.KindEvent, fmt.Sprintf(
		`{"id": "srv-1", "conversationId": "c1", "senderId": "u1", "text": "hello", "correlationToken": %q, "serverTimestamp": 5000}`,
		token))

	msgs, err = f.Messages("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("echo duplicated the message: %+v", msgs)
	}
	if msgs[0].MsgID != "srv-1" || msgs[0].Status != store.StatusSent || msgs[0].ServerTS != 5000 {
		t.Errorf("echoed message = %+v", msgs[0])
	}
}

func TestSendMessageRejectsBlankInput(t *testing.T) {
	f, _, db, _ := testFacade(t)
	ctx := context.Background()

	if _, err := f.SendMessage(ctx, "c1", "   "); syncerr.CodeOf(err) != syncerr.CodeInvalidInput {
		t.Errorf("err = %v, want INVALID_INPUT", err)
	}
	if _, err := f.SendMessage(ctx, "", "hi"); syncerr.CodeOf(err) != syncerr.CodeInvalidInput {
		t.Errorf("err = %v, want INVALID_INPUT", err)
	}
	msgs, err := db.ListMessages("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("rejected send left rows behind: %+v", msgs)
	}
}

func TestSelectConversationReleasesBeforeOpening(t *testing.T) {
	f, g, _, _ := testFacade(t)
	ctx := context.Background()

	if err := f.SelectConversation(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if err := f.SelectConversation(ctx, "c2"); err != nil {
		t.Fatal(err)
	}

	want := []string{
		"subscribe:" + transport.MessagesPath("c1"),
		"subscribe:" + transport.UnreadPath("c1", "u1"),
		"unsubscribe:" + transport.MessagesPath("c1"),
		"unsubscribe:" + transport.UnreadPath("c1", "u1"),
		"subscribe:" + transport.MessagesPath("c2"),
		"subscribe:" + transport.UnreadPath("c2", "u1"),
	}
	got := g.opLog()
	if len(got) != len(want) {
		t.Fatalf("ops = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("op[%d] = %s, want %s (full log %v)", i, got[i], want[i], got)
		}
	}
	if f.Selected() != "c2" {
		t.Errorf("selected = %s", f.Selected())
	}
}

func TestSelectSameConversationKeepsChannels(t *testing.T) {
	f, g, _, _ := testFacade(t)
	ctx := context.Background()
	if err := f.SelectConversation(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if err := f.SelectConversation(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	for _, op := range g.opLog() {
		if op == "unsubscribe:"+transport.MessagesPath("c1") {
			t.Fatal("reselecting the same conversation must not drop its stream")
		}
	}
}

func TestRetryMessage(t *testing.T) {
	f, _, db, _ := testFacade(t)
	ctx := context.Background()

	if err := f.RetryMessage(ctx, "nope"); syncerr.CodeOf(err) != syncerr.CodeInvalidInput {
		t.Errorf("unknown token err = %v, want INVALID_INPUT", err)
	}

	// A failed send sits in the log awaiting an explicit retry.
	err := db.AppendMessage(&store.Message{
		ConversationID:   "c1",
		MsgID:            "tok-1",
		SenderID:         "u1",
		Text:             "hi",
		CorrelationToken: "tok-1",
		Status:           store.StatusFailed,
		LocalTS:          1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.QueueOutbox("tok-1", "c1", "hi"); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkOutboxFailed("tok-1", "gateway gone"); err != nil {
		t.Fatal(err)
	}

	if err := f.RetryMessage(ctx, "tok-1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "retried message delivered", func() bool {
		msg, err := db.GetMessageByToken("tok-1")
		if err != nil {
			t.Fatal(err)
		}
		return msg.Status != store.StatusFailed
	})
}

func TestRetryRejectsNonFailedMessage(t *testing.T) {
	f, _, db, _ := testFacade(t)
	err := db.AppendMessage(&store.Message{
		ConversationID:   "c1",
		MsgID:            "m1",
		SenderID:         "u1",
		Text:             "hi",
		CorrelationToken: "tok-1",
		Status:           store.StatusSent,
		ServerTS:         1000,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.RetryMessage(context.Background(), "tok-1"); syncerr.CodeOf(err) != syncerr.CodeInvalidInput {
		t.Errorf("err = %v, want INVALID_INPUT", err)
	}
}

func TestConversationsCarryUnreadBadges(t *testing.T) {
	f, _, db, _ := testFacade(t)
	err := db.MergeConversations([]*store.Conversation{
		{ID: "c1", Title: "Alice", LastMessagePreview: "hey", LastMessageAt: 2000},
		{ID: "c2", Title: "Bob", LastMessagePreview: "yo", LastMessageAt: 1000},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.SetUnread("c1", "u1", 4); err != nil {
		t.Fatal(err)
	}

	views, err := f.Conversations()
	if err != nil {
		t.Fatal(err)
	}
	if len(views) != 2 {
		t.Fatalf("views = %+v", views)
	}
	if views[0].ID != "c1" || views[0].Unread != 4 {
		t.Errorf("views[0] = %+v", views[0])
	}
	if views[1].Unread != 0 {
		t.Errorf("views[1] = %+v", views[1])
	}
}

func TestMarkScrolledToBottomAcknowledges(t *testing.T) {
	f, g, db, _ := testFacade(t)
	if err := db.SetUnread("c1", "u1", 2); err != nil {
		t.Fatal(err)
	}

	if err := f.MarkScrolledToBottom(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	if !g.wrotePath(transport.UnreadPath("c1", "u1")) {
		t.Error("no acknowledgment write reached the store")
	}
	n, err := db.GetUnread("c1", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("unread = %d, want 0", n)
	}
}
