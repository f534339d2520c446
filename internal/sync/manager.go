// Package sync keeps the local mirror aligned with the authoritative
// store: it owns the live subscriptions, applies incoming snapshots and
// events, mirrors unread counts, and reconciles after connection gaps.
package sync

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chatsync/internal/bus"
	"github.com/chatsync/internal/store"
	"github.com/chatsync/internal/syncerr"
	"github.com/chatsync/internal/transport"
)

// Manager owns at most one live subscription per topic. Every datum it
// persists comes from the authoritative store; unread counts in
// particular are mirrored, never computed locally.
type Manager struct {
	db              *store.DB
	ts              transport.Store
	bus             *bus.Bus
	logger          *zap.Logger
	userID          string
	snapshotTimeout time.Duration

	mu       sync.Mutex
	subs     map[string]*subscription
	selected string
	atBottom bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a manager for the given user. Call Start before
// subscribing to any topic.
func NewManager(db *store.DB, ts transport.Store, b *bus.Bus, logger *zap.Logger, userID string, snapshotTimeout time.Duration) *Manager {
	return &Manager{
		db:              db,
		ts:              ts,
		bus:             b,
		logger:          logger,
		userID:          userID,
		snapshotTimeout: snapshotTimeout,
		subs:            make(map[string]*subscription),
	}
}

// Start begins watching transport connectivity. A disconnect moves every
// active subscription to RECONNECTING; a reconnect triggers a full
// reconciliation fetch per topic, because events during the gap are lost.
func (m *Manager) Start() error {
	m.ctx, m.cancel = context.WithCancel(context.Background())

	ch, unsub := m.bus.Subscribe("transport.", 64)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer unsub()
		for {
			select {
			case evt := <-ch:
				m.handleTransport(evt)
			case <-m.ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Stop releases every subscription and waits for in-flight work.
func (m *Manager) Stop() {
	m.mu.Lock()
	subs := make([]*subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.subs = make(map[string]*subscription)
	m.mu.Unlock()

	for _, sub := range subs {
		sub.teardown()
		if sub.current() != StateUnsubscribed {
			_ = sub.transition(m.bus, StateUnsubscribed)
		}
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Subscribe opens a live channel for the topic. Subscribing an already
// subscribed topic is a no-op. If the initial snapshot does not arrive
// within the configured bound, the subscription is torn down and a
// timeout event is published so the caller can retry.
func (m *Manager) Subscribe(topic Topic) error {
	key := topic.String()

	m.mu.Lock()
	if _, ok := m.subs[key]; ok {
		m.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(m.ctx)
	sub := &subscription{topic: topic, state: StateUnsubscribed, ctx: ctx, cancel: cancel}
	m.subs[key] = sub
	m.mu.Unlock()

	_ = sub.transition(m.bus, StateSubscribing)

	release, err := m.ts.Subscribe(topic.Path(),
		func(s transport.Snapshot) { m.handleSnapshot(sub, s) },
		func(err error) { m.handleChannelFailure(sub, err) })
	if err != nil {
		m.mu.Lock()
		delete(m.subs, key)
		m.mu.Unlock()
		_ = sub.transition(m.bus, StateUnsubscribed)
		cancel()
		return syncerr.Wrap(syncerr.CodeTransportDisconnected, "subscribe "+key, err)
	}
	sub.setRelease(release)

	sub.mu.Lock()
	if !sub.gotFirst {
		sub.timer = time.AfterFunc(m.snapshotTimeout, func() { m.onSnapshotTimeout(sub) })
	}
	sub.mu.Unlock()
	return nil
}

// Unsubscribe releases the topic's channel and abandons any in-flight
// fetch for it. Unsubscribing an unknown topic is a no-op.
func (m *Manager) Unsubscribe(topic Topic) {
	m.mu.Lock()
	sub := m.subs[topic.String()]
	delete(m.subs, topic.String())
	m.mu.Unlock()
	if sub == nil {
		return
	}
	sub.teardown()
	if sub.current() != StateUnsubscribed {
		_ = sub.transition(m.bus, StateUnsubscribed)
	}
}

// StateOf reports the topic's current state, UNSUBSCRIBED if unknown.
func (m *Manager) StateOf(topic Topic) State {
	m.mu.Lock()
	sub := m.subs[topic.String()]
	m.mu.Unlock()
	if sub == nil {
		return StateUnsubscribed
	}
	return sub.current()
}

// SetViewport records which conversation the user is looking at and
// whether the view is scrolled to the latest message. This drives the
// unread policy: arrivals in a conversation being viewed at the bottom
// are acknowledged immediately instead of counted.
func (m *Manager) SetViewport(conversationID string, atBottom bool) {
	m.mu.Lock()
	m.selected = conversationID
	m.atBottom = atBottom
	m.mu.Unlock()
}

func (m *Manager) viewing(conversationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selected == conversationID && m.atBottom
}

// AcknowledgeRead writes an absolute zero to the authoritative unread
// path and zeroes the mirror only after that write succeeds. On failure
// the mirror keeps the stale count so a later watch event or retry can
// converge it.
func (m *Manager) AcknowledgeRead(ctx context.Context, conversationID string) error {
	path := transport.UnreadPath(conversationID, m.userID)
	if err := m.ts.Write(ctx, path, 0); err != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindUnreadAckFailed,
			Timestamp: time.Now(),
			Payload: bus.AckFailed{
				ConversationID: conversationID,
				UserID:         m.userID,
				Reason:         err.Error(),
			},
		})
		return syncerr.Wrap(syncerr.CodeWriteFailed, "acknowledge read", err)
	}
	if err := m.db.SetUnread(conversationID, m.userID, 0); err != nil {
		return err
	}
	m.publishUnread(conversationID, 0)
	return nil
}

func (m *Manager) owns(sub *subscription) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subs[sub.topic.String()] == sub
}

// handleSnapshot runs on the transport read goroutine; deliveries for a
// topic therefore keep transport order. Anything that needs a transport
// round-trip is spawned off to avoid blocking the read loop.
func (m *Manager) handleSnapshot(sub *subscription, snap transport.Snapshot) {
	if !m.owns(sub) {
		return
	}
	if sub.markFirst() {
		if err := sub.transition(m.bus, StateActive); err != nil {
			m.logger.Warn("subscription activation", zap.String("topic", sub.topic.String()), zap.Error(err))
		}
	}

	switch sub.topic.Kind {
	case TopicConversationList:
		m.applyConversationList(snap.Value)
	case TopicMessageStream:
		if snap.Kind == transport.KindSnapshot {
			m.applyMessageLog(sub.topic.ConversationID, snap.Value)
			m.acknowledgeIfViewing(sub.topic.ConversationID)
		} else {
			m.applyIncomingMessage(snap.Value)
		}
	case TopicUnreadWatch:
		m.applyUnread(sub.topic.ConversationID, snap.Value)
	}
}

func (m *Manager) handleChannelFailure(sub *subscription, err error) {
	if !m.owns(sub) {
		return
	}
	m.logger.Error("subscription channel failed", zap.String("topic", sub.topic.String()), zap.Error(err))
	m.Unsubscribe(sub.topic)
}

func (m *Manager) onSnapshotTimeout(sub *subscription) {
	if sub.firstArrived() || !m.owns(sub) {
		return
	}
	m.logger.Warn("initial snapshot timed out",
		zap.String("topic", sub.topic.String()),
		zap.Duration("timeout", m.snapshotTimeout))
	m.bus.Publish(bus.Event{
		Kind:      bus.KindSubscriptionTimeout,
		Timestamp: time.Now(),
		Payload:   bus.SubscriptionTimeout{Topic: sub.topic.String()},
	})
	m.Unsubscribe(sub.topic)
}

func (m *Manager) handleTransport(evt bus.Event) {
	m.mu.Lock()
	subs := make([]*subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.mu.Unlock()

	switch evt.Kind {
	case bus.KindTransportDisconnected:
		for _, sub := range subs {
			if sub.current() == StateActive {
				_ = sub.transition(m.bus, StateReconnecting)
			}
		}
	case bus.KindTransportConnected:
		for _, sub := range subs {
			if sub.current() != StateReconnecting {
				continue
			}
			m.wg.Add(1)
			go func(sub *subscription) {
				defer m.wg.Done()
				m.resync(sub)
			}(sub)
		}
	}
}

// resync refetches the topic's full state after a connectivity gap and
// replaces the mirror with it. A fetch that outlives its subscription is
// discarded. On fetch failure the topic stays in RECONNECTING and the
// next connected event retries it.
func (m *Manager) resync(sub *subscription) {
	raw, err := m.ts.Read(sub.ctx, sub.topic.Path())
	if err != nil {
		m.logger.Warn("reconciliation fetch failed", zap.String("topic", sub.topic.String()), zap.Error(err))
		return
	}
	if sub.ctx.Err() != nil || !m.owns(sub) {
		return
	}

	switch sub.topic.Kind {
	case TopicConversationList:
		m.applyConversationList(raw)
	case TopicMessageStream:
		m.applyMessageLog(sub.topic.ConversationID, raw)
	case TopicUnreadWatch:
		m.applyUnread(sub.topic.ConversationID, raw)
	}

	if err := sub.transition(m.bus, StateActive); err != nil {
		return
	}
	m.checkpoint(sub.topic)
	m.logger.Info("reconciliation complete", zap.String("topic", sub.topic.String()))
}

func (m *Manager) checkpoint(topic Topic) {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	if err := m.db.SetCheckpoint("resync."+topic.String(), ts); err != nil {
		m.logger.Warn("checkpoint write failed", zap.Error(err))
	}
}

func (m *Manager) applyConversationList(raw json.RawMessage) {
	convs, unread, skipped, err := transport.DecodeConversationList(raw)
	if err != nil {
		m.logger.Warn("conversation list unreadable", zap.Error(err))
		return
	}
	if skipped > 0 {
		m.logger.Warn("skipped unrecognized conversation records", zap.Int("count", skipped))
	}
	if err := m.db.MergeConversations(convs); err != nil {
		m.logger.Error("merge conversations", zap.Error(err))
		return
	}
	for convID, byUser := range unread {
		n, ok := byUser[m.userID]
		if !ok {
			continue
		}
		if err := m.db.SetUnread(convID, m.userID, n); err != nil {
			m.logger.Error("mirror unread count", zap.String("conversation", convID), zap.Error(err))
			continue
		}
		m.publishUnread(convID, n)
	}
	m.bus.Publish(bus.Event{
		Kind:      bus.KindConversationsMerged,
		Timestamp: time.Now(),
		Payload:   bus.ConversationsMerged{Count: len(convs)},
	})
}

func (m *Manager) applyMessageLog(conversationID string, raw json.RawMessage) {
	msgs, skipped, err := transport.DecodeMessageLog(raw)
	if err != nil {
		m.logger.Warn("message log unreadable", zap.String("conversation", conversationID), zap.Error(err))
		return
	}
	if skipped > 0 {
		m.logger.Warn("skipped unrecognized message records",
			zap.String("conversation", conversationID), zap.Int("count", skipped))
	}
	if err := m.db.ReplaceAllMessages(conversationID, msgs); err != nil {
		m.logger.Error("replace message log", zap.String("conversation", conversationID), zap.Error(err))
		return
	}
	m.bus.Publish(bus.Event{
		Kind:      bus.KindMessagesReplaced,
		Timestamp: time.Now(),
		Payload:   bus.MessagesReplaced{ConversationID: conversationID, Count: len(msgs)},
	})
}

func (m *Manager) applyIncomingMessage(raw json.RawMessage) {
	msg, err := transport.DecodeMessage(raw)
	if err != nil {
		m.logger.Warn("skipped unrecognized message event", zap.Error(err))
		return
	}
	if err := m.db.AppendMessage(msg); err != nil {
		m.logger.Error("append message", zap.String("msg", msg.MsgID), zap.Error(err))
		return
	}
	if err := m.db.TouchConversation(msg.ConversationID, msg.Text, msg.OrderKey()); err != nil {
		m.logger.Error("touch conversation", zap.String("conversation", msg.ConversationID), zap.Error(err))
	}
	m.bus.Publish(bus.Event{
		Kind:      bus.KindMessageUpserted,
		Timestamp: time.Now(),
		Payload:   bus.MessageUpserted{ConversationID: msg.ConversationID, MsgID: msg.MsgID},
	})

	if msg.SenderID == m.userID {
		return
	}
	if m.viewing(msg.ConversationID) {
		m.acknowledgeAsync(msg.ConversationID)
		return
	}
	n, err := m.db.BumpUnread(msg.ConversationID, m.userID)
	if err != nil {
		m.logger.Error("bump unread", zap.String("conversation", msg.ConversationID), zap.Error(err))
		return
	}
	m.publishUnread(msg.ConversationID, n)
}

func (m *Manager) applyUnread(conversationID string, raw json.RawMessage) {
	n, err := transport.DecodeUnread(raw)
	if err != nil {
		m.logger.Warn("unread value unreadable", zap.String("conversation", conversationID), zap.Error(err))
		return
	}
	if err := m.db.SetUnread(conversationID, m.userID, n); err != nil {
		m.logger.Error("mirror unread count", zap.String("conversation", conversationID), zap.Error(err))
		return
	}
	m.publishUnread(conversationID, n)
}

func (m *Manager) acknowledgeIfViewing(conversationID string) {
	if m.viewing(conversationID) {
		m.acknowledgeAsync(conversationID)
	}
}

// acknowledgeAsync runs the acknowledgment off the read goroutine; a
// synchronous transport write from a snapshot handler would deadlock
// against the reply dispatch.
func (m *Manager) acknowledgeAsync(conversationID string) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.AcknowledgeRead(m.ctx, conversationID); err != nil {
			m.logger.Warn("read acknowledgment failed", zap.String("conversation", conversationID), zap.Error(err))
		}
	}()
}

func (m *Manager) publishUnread(conversationID string, count int) {
	m.bus.Publish(bus.Event{
		Kind:      bus.KindUnreadChanged,
		Timestamp: time.Now(),
		Payload: bus.UnreadChanged{
			ConversationID: conversationID,
			UserID:         m.userID,
			Count:          count,
		},
	})
}
