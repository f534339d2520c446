package store

import (
	"testing"

	"github.com/chatsync/internal/syncerr"
)

func TestAppendMessageIdempotent(t *testing.T) {
	db := testDB(t)

	m := &Message{ConversationID: "c1", MsgID: "m1", SenderID: "u2", Text: "hi", ServerTS: 1000}
	if err := db.AppendMessage(m); err != nil {
		t.Fatal(err)
	}
	// Appending the exact same message again is a no-op on log length.
	if err := db.AppendMessage(m); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (idempotent append)", len(msgs))
	}
	if msgs[0].Text != "hi" {
		t.Errorf("text = %q, want hi", msgs[0].Text)
	}
}

func TestAppendMessageUpdatesContent(t *testing.T) {
	db := testDB(t)

	if err := db.AppendMessage(&Message{ConversationID: "c1", MsgID: "m1", Text: "v1", ServerTS: 1000}); err != nil {
		t.Fatal(err)
	}
	if err := db.AppendMessage(&Message{ConversationID: "c1", MsgID: "m1", Text: "v2", ServerTS: 1000}); err != nil {
		t.Fatal(err)
	}

	msgs, _ := db.ListMessages("c1")
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].Text != "v2" {
		t.Errorf("text = %q, want v2 (latest applied content)", msgs[0].Text)
	}
}

func TestAppendMessageRejectsMalformed(t *testing.T) {
	db := testDB(t)

	cases := []struct {
		desc string
		msg  *Message
	}{
		{"missing id", &Message{ConversationID: "c1", Text: "hi"}},
		{"empty text", &Message{ConversationID: "c1", MsgID: "m1", Text: "   "}},
		{"missing conversation", &Message{MsgID: "m1", Text: "hi"}},
	}
	for _, c := range cases {
		t.Run(c.desc, func(t *testing.T) {
			err := db.AppendMessage(c.msg)
			if syncerr.CodeOf(err) != syncerr.CodeInvalidInput {
				t.Errorf("err = %v, want INVALID_INPUT", err)
			}
		})
	}

	// The log must stay untouched.
	msgs, err := db.ListMessages("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("got %d messages, want 0", len(msgs))
	}
}

// The server echo of an optimistic send carries the client's correlation
// token under the authoritative id; the pending placeholder must vanish.
func TestAppendMessageReconcilesPending(t *testing.T) {
	db := testDB(t)

	pending := &Message{
		ConversationID: "c1", MsgID: "tok-c1", SenderID: "me",
		Text: "hello", CorrelationToken: "tok-c1", Status: StatusPending, LocalTS: 900,
	}
	if err := db.AppendMessage(pending); err != nil {
		t.Fatal(err)
	}

	echo := &Message{
		ConversationID: "c1", MsgID: "srv-1", SenderID: "me",
		Text: "hello", CorrelationToken: "tok-c1", Status: StatusSent, ServerTS: 1000,
	}
	if err := db.AppendMessage(echo); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (no leftover pending entry)", len(msgs))
	}
	if msgs[0].MsgID != "srv-1" || msgs[0].Status != StatusSent {
		t.Errorf("got %s/%s, want srv-1/sent", msgs[0].MsgID, msgs[0].Status)
	}
}

func TestListMessagesOrdering(t *testing.T) {
	db := testDB(t)

	// A pending message with only a local timestamp interleaves with
	// acknowledged messages by its local time.
	appendAll(t, db, []*Message{
		{ConversationID: "c1", MsgID: "m2", Text: "second", ServerTS: 2000},
		{ConversationID: "c1", MsgID: "m1", Text: "first", ServerTS: 1000},
		{ConversationID: "c1", MsgID: "p1", Text: "mine", CorrelationToken: "p1", Status: StatusPending, LocalTS: 1500},
	})

	msgs, err := db.ListMessages("c1")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"m1", "p1", "m2"}
	if len(msgs) != len(want) {
		t.Fatalf("got %d messages, want %d", len(msgs), len(want))
	}
	for i, id := range want {
		if msgs[i].MsgID != id {
			t.Errorf("msgs[%d] = %s, want %s", i, msgs[i].MsgID, id)
		}
	}
}

func TestListMessagesTieBrokenByInsertionOrder(t *testing.T) {
	db := testDB(t)

	appendAll(t, db, []*Message{
		{ConversationID: "c1", MsgID: "a", Text: "one", ServerTS: 1000},
		{ConversationID: "c1", MsgID: "b", Text: "two", ServerTS: 1000},
	})

	msgs, _ := db.ListMessages("c1")
	if len(msgs) != 2 || msgs[0].MsgID != "a" || msgs[1].MsgID != "b" {
		t.Errorf("tie-break by insertion sequence violated: %+v", msgs)
	}
}

// A re-sync that omits a still-pending local message must preserve it.
func TestReplaceAllPreservesPending(t *testing.T) {
	db := testDB(t)

	appendAll(t, db, []*Message{
		{ConversationID: "c1", MsgID: "m1", Text: "old", ServerTS: 1000},
		{ConversationID: "c1", MsgID: "tok-p", Text: "unsent", CorrelationToken: "tok-p", Status: StatusPending, LocalTS: 1500},
	})

	fetched := []*Message{
		{ConversationID: "c1", MsgID: "m1", Text: "old", ServerTS: 1000},
		{ConversationID: "c1", MsgID: "m2", Text: "new", ServerTS: 2000},
	}
	if err := db.ReplaceAllMessages("c1", fetched); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3 (pending preserved)", len(msgs))
	}
	byID := map[string]Message{}
	for _, m := range msgs {
		byID[m.MsgID] = m
	}
	if _, ok := byID["tok-p"]; !ok {
		t.Error("pending message dropped by re-sync")
	}
	if byID["tok-p"].Status != StatusPending {
		t.Errorf("pending status = %q", byID["tok-p"].Status)
	}
}

// A fetched set that includes the echo of a pending message reconciles
// it instead of duplicating it.
func TestReplaceAllReconcilesEchoedPending(t *testing.T) {
	db := testDB(t)

	appendAll(t, db, []*Message{
		{ConversationID: "c1", MsgID: "tok-p", Text: "hello", CorrelationToken: "tok-p", Status: StatusPending, LocalTS: 1500},
	})

	fetched := []*Message{
		{ConversationID: "c1", MsgID: "srv-9", Text: "hello", CorrelationToken: "tok-p", Status: StatusSent, ServerTS: 1600},
	}
	if err := db.ReplaceAllMessages("c1", fetched); err != nil {
		t.Fatal(err)
	}

	msgs, _ := db.ListMessages("c1")
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].MsgID != "srv-9" || msgs[0].Status != StatusSent {
		t.Errorf("got %s/%s, want srv-9/sent", msgs[0].MsgID, msgs[0].Status)
	}
}

func TestReplaceAllScopedToConversation(t *testing.T) {
	db := testDB(t)

	appendAll(t, db, []*Message{
		{ConversationID: "c1", MsgID: "m1", Text: "one", ServerTS: 1000},
		{ConversationID: "c2", MsgID: "m2", Text: "two", ServerTS: 1000},
	})

	if err := db.ReplaceAllMessages("c1", nil); err != nil {
		t.Fatal(err)
	}

	msgs, _ := db.ListMessages("c2")
	if len(msgs) != 1 {
		t.Errorf("c2 log touched by c1 replaceAll: %d messages", len(msgs))
	}
}

func TestMarkMessageFailedAndPending(t *testing.T) {
	db := testDB(t)

	appendAll(t, db, []*Message{
		{ConversationID: "c1", MsgID: "tok-p", Text: "hi", CorrelationToken: "tok-p", Status: StatusPending, LocalTS: 100},
	})

	if err := db.MarkMessageFailed("tok-p"); err != nil {
		t.Fatal(err)
	}
	m, err := db.GetMessageByToken("tok-p")
	if err != nil {
		t.Fatal(err)
	}
	if m == nil || m.Status != StatusFailed {
		t.Fatalf("status = %v, want failed", m)
	}

	if err := db.MarkMessagePending("tok-p"); err != nil {
		t.Fatal(err)
	}
	m, _ = db.GetMessageByToken("tok-p")
	if m.Status != StatusPending {
		t.Errorf("status = %q, want pending after resend", m.Status)
	}
}

func appendAll(t *testing.T, db *DB, msgs []*Message) {
	t.Helper()
	for _, m := range msgs {
		if err := db.AppendMessage(m); err != nil {
			t.Fatal(err)
		}
	}
}
