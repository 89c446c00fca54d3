// ABOUTME: In-process transport pair for same-process channels and tests.
// ABOUTME: Sending on one side delivers synchronously to the peer's handlers.

package transport

import (
	"context"
	"log/slog"
	"sync"

	"github.com/hivewire/hivewire/internal/message"
)

// InProc is a loopback transport. Two InProc instances created by Pair
// are wired so that Send on one delivers to the other's subscribers
// synchronously. It is the canonical strategy double for broker tests
// and also serves same-process agent wiring.
type InProc struct {
	name string
	subs *subscribers

	mu        sync.Mutex
	connected bool
	peer      *InProc
}

// Pair returns two connected InProc transports.
func Pair(nameA, nameB string, logger *slog.Logger) (*InProc, *InProc) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &InProc{name: nameA, subs: newSubscribers(logger.With("transport", nameA))}
	b := &InProc{name: nameB, subs: newSubscribers(logger.With("transport", nameB))}
	a.peer = b
	b.peer = a
	return a, b
}

// NewLoopback returns a single transport whose sends are delivered to
// its own subscribers. Useful when the broker talks to itself.
func NewLoopback(name string, logger *slog.Logger) *InProc {
	if logger == nil {
		logger = slog.Default()
	}
	t := &InProc{name: name, subs: newSubscribers(logger.With("transport", name))}
	t.peer = t
	return t
}

func (t *InProc) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = true
	return nil
}

func (t *InProc) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = false
	t.subs.clear()
	return nil
}

func (t *InProc) Send(ctx context.Context, env *message.Envelope) error {
	t.mu.Lock()
	connected := t.connected
	peer := t.peer
	t.mu.Unlock()

	if !connected {
		return ErrNotConnected
	}

	t.subs.markSent()
	peer.deliver(ctx, env)
	return nil
}

// deliver hands an envelope to this side's subscribers.
func (t *InProc) deliver(ctx context.Context, env *message.Envelope) {
	t.subs.dispatch(ctx, env)
}

func (t *InProc) Subscribe(h Handler) string {
	return t.subs.subscribe(h)
}

func (t *InProc) Unsubscribe(id string) {
	t.subs.unsubscribe(id)
}

func (t *InProc) Healthy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *InProc) Info() Info {
	sent, received := t.subs.counters()
	return Info{
		Connected:        t.Healthy(),
		MessagesSent:     sent,
		MessagesReceived: received,
		Handlers:         t.subs.count(),
	}
}
