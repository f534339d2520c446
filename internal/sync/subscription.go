package sync

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/chatsync/internal/bus"
	"github.com/chatsync/internal/transport"
)

// State is a live subscription's lifecycle state.
type State string

const (
	StateUnsubscribed State = "UNSUBSCRIBED"
	StateSubscribing  State = "SUBSCRIBING"
	StateActive       State = "ACTIVE"
	StateReconnecting State = "RECONNECTING"
)

// validTransitions defines allowed state transitions. Unsubscribed is
// reachable from everywhere: teardown always wins.
var validTransitions = map[State][]State{
	StateUnsubscribed: {StateSubscribing},
	StateSubscribing:  {StateActive, StateUnsubscribed},
	StateActive:       {StateReconnecting, StateUnsubscribed},
	StateReconnecting: {StateActive, StateUnsubscribed},
}

// TopicKind distinguishes the three live topics the engine watches.
type TopicKind string

const (
	TopicConversationList TopicKind = "conversation-list"
	TopicMessageStream    TopicKind = "message-stream"
	TopicUnreadWatch      TopicKind = "unread-watch"
)

// Topic identifies one live subscription target.
type Topic struct {
	Kind           TopicKind
	ConversationID string
	UserID         string
}

// Path maps the topic to its authoritative-store path.
func (t Topic) Path() string {
	switch t.Kind {
	case TopicConversationList:
		return transport.GroupsPath()
	case TopicMessageStream:
		return transport.MessagesPath(t.ConversationID)
	case TopicUnreadWatch:
		return transport.UnreadPath(t.ConversationID, t.UserID)
	}
	return ""
}

func (t Topic) String() string {
	switch t.Kind {
	case TopicConversationList:
		return fmt.Sprintf("%s:%s", t.Kind, t.UserID)
	case TopicMessageStream:
		return fmt.Sprintf("%s:%s", t.Kind, t.ConversationID)
	case TopicUnreadWatch:
		return fmt.Sprintf("%s:%s:%s", t.Kind, t.ConversationID, t.UserID)
	}
	return string(t.Kind)
}

// subscription owns exactly one transport channel. Its context covers
// every fetch tied to the topic; cancelling it abandons in-flight work,
// whose results are then discarded on arrival.
type subscription struct {
	topic Topic

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	release  func()
	timer    *time.Timer
	gotFirst bool
}

// transition attempts a state change, publishing it on success.
func (s *subscription) transition(b *bus.Bus, to State) error {
	s.mu.Lock()
	allowed := validTransitions[s.state]
	if !slices.Contains(allowed, to) {
		from := s.state
		s.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	from := s.state
	s.state = to
	s.mu.Unlock()

	if b != nil {
		b.Publish(bus.Event{
			Kind:      bus.KindSubscriptionState,
			Timestamp: time.Now(),
			Payload: bus.SubscriptionState{
				Topic: s.topic.String(),
				From:  string(from),
				To:    string(to),
			},
		})
	}
	return nil
}

func (s *subscription) current() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// markFirst records the first snapshot arrival. Returns true exactly
// once, stopping the timeout timer.
func (s *subscription) markFirst() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gotFirst {
		return false
	}
	s.gotFirst = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	return true
}

func (s *subscription) firstArrived() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gotFirst
}

func (s *subscription) setRelease(release func()) {
	s.mu.Lock()
	s.release = release
	s.mu.Unlock()
}

// teardown releases the transport channel unconditionally and abandons
// in-flight fetches.
func (s *subscription) teardown() {
	s.mu.Lock()
	release := s.release
	s.release = nil
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	s.cancel()
	if release != nil {
		release()
	}
}
