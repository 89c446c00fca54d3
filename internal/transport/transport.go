// ABOUTME: Transport abstraction for moving envelopes between agent processes.
// ABOUTME: Shared subscriber fan-out with counters and handler isolation.

package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/hivewire/hivewire/internal/message"
)

// ErrNotConnected is returned by Send when the transport is not connected.
var ErrNotConnected = errors.New("transport not connected")

// Handler receives an inbound envelope. A handler's error (or panic)
// is logged by the transport and never propagated to other handlers.
type Handler func(ctx context.Context, env *message.Envelope) error

// Info holds diagnostic counters for a transport.
type Info struct {
	Connected        bool   `json:"connected"`
	MessagesSent     uint64 `json:"messages_sent"`
	MessagesReceived uint64 `json:"messages_received"`
	Handlers         int    `json:"handlers"`
}

// Transport is a pluggable point-to-point message channel. Every
// successful Send increments the sent counter; every delivered inbound
// envelope increments the received counter and invokes all current
// handlers synchronously in registration order.
type Transport interface {
	Connect(ctx context.Context) error

	// Disconnect is idempotent and clears all subscriptions.
	Disconnect() error

	Send(ctx context.Context, env *message.Envelope) error

	// Subscribe registers a handler and returns its subscription id.
	Subscribe(h Handler) string
	Unsubscribe(id string)

	Healthy() bool
	Info() Info
}

// subscription pairs a handler with its id, preserving registration order.
type subscription struct {
	id      string
	handler Handler
}

// subscribers implements the shared Subscribe/Unsubscribe/dispatch
// machinery for transport implementations. The zero value is not
// usable; create with newSubscribers.
type subscribers struct {
	mu     sync.RWMutex
	subs   []subscription
	logger *slog.Logger

	sent     uint64
	received uint64
}

func newSubscribers(logger *slog.Logger) *subscribers {
	return &subscribers{logger: logger}
}

func (s *subscribers) subscribe(h Handler) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New().String()
	s.subs = append(s.subs, subscription{id: id, handler: h})
	return id
}

func (s *subscribers) unsubscribe(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, sub := range s.subs {
		if sub.id == id {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			return
		}
	}
}

func (s *subscribers) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = nil
}

func (s *subscribers) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

func (s *subscribers) markSent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent++
}

func (s *subscribers) counters() (sent, received uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sent, s.received
}

// dispatch delivers an inbound envelope to all current handlers in
// registration order. Handler errors and panics are logged and
// isolated so one handler cannot block delivery to the rest.
func (s *subscribers) dispatch(ctx context.Context, env *message.Envelope) {
	s.mu.Lock()
	s.received++
	subs := make([]subscription, len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()

	for _, sub := range subs {
		s.invoke(ctx, sub, env)
	}
}

func (s *subscribers) invoke(ctx context.Context, sub subscription, env *message.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("message handler panicked",
				"message_id", env.ID,
				"panic", r,
			)
		}
	}()

	if err := sub.handler(ctx, env); err != nil {
		s.logger.Warn("message handler failed",
			"message_id", env.ID,
			"to", env.To,
			"error", err,
		)
	}
}
