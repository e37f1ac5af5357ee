// Package crosstab propagates received events and local state changes to
// peer contexts of the same user, so unread counts and read-state converge
// everywhere. Delivery is best-effort and unordered; correctness rests on
// every message being idempotently applicable, not on ordering.
package crosstab

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sapliy/notifysync/internal/metrics"
	"github.com/sapliy/notifysync/internal/notify"
)

type MessageKind string

const (
	KindNotificationReceived MessageKind = "notificationReceived"
	KindStateChanged         MessageKind = "stateChanged"
	KindQueueFlushed         MessageKind = "queueFlushed"
)

// Message is the envelope exchanged between contexts.
type Message struct {
	Kind   MessageKind `json:"kind"`
	Origin string      `json:"origin"`
	UserID string      `json:"user_id"`
	// Event carries the change being propagated for notificationReceived
	// and stateChanged messages.
	Event  *notify.ChangeEvent `json:"event,omitempty"`
	SentAt time.Time           `json:"sent_at"`
}

// Broadcaster is the transport between same-user contexts. Loopback works
// in-process; the redis implementation spans processes.
type Broadcaster interface {
	Publish(ctx context.Context, data []byte) error
	// Subscribe returns a receive channel of raw messages including this
	// context's own publishes; the synchronizer filters those by origin.
	Subscribe(ctx context.Context) (<-chan []byte, func(), error)
}

// Handler receives peer messages already filtered by origin.
type Handler func(Message)

// Synchronizer ties one context to the broadcast fabric under a unique
// origin id so it never re-applies its own messages.
type Synchronizer struct {
	origin      string
	broadcaster Broadcaster
	handler     Handler
	logger      *slog.Logger
}

func NewSynchronizer(b Broadcaster, handler Handler, logger *slog.Logger) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{
		origin:      uuid.New().String(),
		broadcaster: b,
		handler:     handler,
		logger:      logger.With("component", "crosstab"),
	}
}

// Origin returns this context's id, stamped on every outgoing message.
func (s *Synchronizer) Origin() string { return s.origin }

// Broadcast sends a message to every peer context. Failures are logged,
// not surfaced: broadcasting is best-effort by contract.
func (s *Synchronizer) Broadcast(ctx context.Context, msg Message) {
	if s.broadcaster == nil {
		return
	}
	msg.Origin = s.origin
	msg.SentAt = time.Now().UTC()
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("failed to encode broadcast", "kind", msg.Kind, "error", err)
		return
	}
	if err := s.broadcaster.Publish(ctx, data); err != nil {
		s.logger.Warn("broadcast failed", "kind", msg.Kind, "error", err)
		return
	}
	metrics.BroadcastsSent.Inc()
}

// Run receives peer messages until ctx is canceled. Malformed messages
// are skipped; a single bad message never stops the loop.
func (s *Synchronizer) Run(ctx context.Context) error {
	if s.broadcaster == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	msgs, cancel, err := s.broadcaster.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribing to broadcast fabric: %w", err)
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-msgs:
			if !ok {
				return nil
			}
			var msg Message
			if err := json.Unmarshal(data, &msg); err != nil {
				s.logger.Warn("skipping malformed peer message", "error", err)
				continue
			}
			if msg.Origin == s.origin {
				continue
			}
			if s.handler != nil {
				s.handler(msg)
			}
		}
	}
}
