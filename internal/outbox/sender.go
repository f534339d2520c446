// Package outbox drains queued outgoing messages to the authoritative
// store. Entries survive restarts in sqlite; transient write failures
// are retried with capped exponential backoff, permanent ones flip the
// local placeholder to failed so the user can retry explicitly.
package outbox

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chatsync/internal/bus"
	"github.com/chatsync/internal/config"
	"github.com/chatsync/internal/store"
	"github.com/chatsync/internal/syncerr"
	"github.com/chatsync/internal/transport"
)

const (
	drainInterval = 500 * time.Millisecond
	writeTimeout  = 10 * time.Second
)

// Writer is the slice of the transport the sender needs.
type Writer interface {
	Write(ctx context.Context, path string, value any) error
}

// Sender owns the outbox drain loop. One entry is in flight at a time;
// ordering within the queue is creation order.
type Sender struct {
	db     *store.DB
	w      Writer
	bus    *bus.Bus
	logger *zap.Logger
	rc     config.Reconnect

	kick   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSender creates a sender. Start begins the drain loop.
func NewSender(db *store.DB, w Writer, b *bus.Bus, logger *zap.Logger, rc config.Reconnect) *Sender {
	ctx, cancel := context.WithCancel(context.Background())
	return &Sender{
		db:     db,
		w:      w,
		bus:    b,
		logger: logger,
		rc:     rc,
		kick:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the drain loop. Entries left over from a previous run
// are picked up on the first tick.
func (s *Sender) Start() error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(drainInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.drain()
			case <-s.kick:
				s.drain()
			case <-s.ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Stop halts the drain loop. The current attempt, if any, is allowed to
// fail fast via context cancellation.
func (s *Sender) Stop() {
	s.cancel()
	s.wg.Wait()
}

// Kick requests an immediate drain, coalescing with any pending request.
func (s *Sender) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Sender) drain() {
	entries, err := s.db.PendingOutbox(time.Now().UnixMilli())
	if err != nil {
		s.logger.Error("list pending outbox", zap.Error(err))
		return
	}
	for _, e := range entries {
		if s.ctx.Err() != nil {
			return
		}
		s.send(e)
	}
}

func (s *Sender) send(e store.OutboxEntry) {
	if err := s.db.MarkOutboxSending(e.CorrelationToken); err != nil {
		s.logger.Error("mark outbox sending", zap.Error(err))
		return
	}

	msg, err := s.db.GetMessageByToken(e.CorrelationToken)
	if err != nil {
		s.logger.Error("load placeholder", zap.String("token", e.CorrelationToken), zap.Error(err))
		return
	}
	if msg == nil {
		// Placeholder gone, nothing to reconcile against.
		_ = s.db.MarkOutboxFailed(e.CorrelationToken, "placeholder missing")
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
	err = s.w.Write(ctx, transport.MessagesPath(e.ConversationID), transport.EncodeMessage(msg))
	cancel()

	if err == nil {
		if err := s.db.MarkOutboxSent(e.CorrelationToken); err != nil {
			s.logger.Error("mark outbox sent", zap.Error(err))
		}
		s.bus.Publish(bus.Event{
			Kind:      bus.KindMessageSendAck,
			Timestamp: time.Now(),
			Payload: bus.SendAck{
				CorrelationToken: e.CorrelationToken,
				ConversationID:   e.ConversationID,
			},
		})
		return
	}

	attempts := e.Attempts + 1
	if syncerr.IsRetryable(err) && attempts < s.rc.MaxAttempts {
		next := time.Now().Add(s.rc.DelayFor(e.Attempts)).UnixMilli()
		if err := s.db.MarkOutboxRetry(e.CorrelationToken, attempts, next, err.Error()); err != nil {
			s.logger.Error("schedule outbox retry", zap.Error(err))
		}
		s.logger.Warn("send attempt failed, retry scheduled",
			zap.String("token", e.CorrelationToken),
			zap.Int("attempts", attempts),
			zap.Error(err))
		return
	}

	if err := s.db.MarkOutboxFailed(e.CorrelationToken, err.Error()); err != nil {
		s.logger.Error("mark outbox failed", zap.Error(err))
	}
	if err := s.db.MarkMessageFailed(e.CorrelationToken); err != nil {
		s.logger.Error("mark message failed", zap.Error(err))
	}
	s.logger.Warn("send abandoned",
		zap.String("token", e.CorrelationToken),
		zap.Int("attempts", attempts),
		zap.Error(err))
	s.bus.Publish(bus.Event{
		Kind:      bus.KindMessageSendFailed,
		Timestamp: time.Now(),
		Payload: bus.SendFailed{
			CorrelationToken: e.CorrelationToken,
			ConversationID:   e.ConversationID,
			Reason:           err.Error(),
		},
	})
}
