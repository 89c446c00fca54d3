// ABOUTME: WebSocket transport carrying JSON envelope frames between agents.
// ABOUTME: Dial-side transport plus an accept-side Listener for serving peers.

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hivewire/hivewire/internal/message"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 25 * time.Second
)

// WebSocket moves envelopes over a websocket connection as JSON text
// frames. A dial-side instance (NewWebSocket) connects out to a peer's
// listener; accept-side instances are produced by Listener.
type WebSocket struct {
	name string
	url  string
	subs *subscribers

	logger *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	done      chan struct{}
}

// NewWebSocket creates a dial-side websocket transport targeting url
// (ws:// or wss://). Connect must be called before Send.
func NewWebSocket(name, url string, logger *slog.Logger) *WebSocket {
	if logger == nil {
		logger = slog.Default()
	}
	l := logger.With("transport", name)
	return &WebSocket{
		name:   name,
		url:    url,
		subs:   newSubscribers(l),
		logger: l,
	}
}

// newAccepted wraps an already-upgraded server-side connection.
func newAccepted(name string, conn *websocket.Conn, logger *slog.Logger) *WebSocket {
	l := logger.With("transport", name)
	t := &WebSocket{
		name:      name,
		subs:      newSubscribers(l),
		logger:    l,
		conn:      conn,
		connected: true,
		done:      make(chan struct{}),
	}
	go t.readPump(conn, t.done)
	go t.pingLoop(conn, t.done)
	return t
}

// Connect dials the peer and starts the read pump. Calling Connect on
// an already-connected transport is a no-op.
func (t *WebSocket) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return nil
	}
	if t.url == "" {
		return fmt.Errorf("transport %s: no dial url (accept-side transports are connected at creation)", t.name)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", t.url, err)
	}

	t.conn = conn
	t.connected = true
	t.done = make(chan struct{})
	go t.readPump(conn, t.done)
	go t.pingLoop(conn, t.done)

	t.logger.Info("websocket connected", "url", t.url)
	return nil
}

// Disconnect closes the connection and clears all subscriptions. It is
// safe to call multiple times.
func (t *WebSocket) Disconnect() error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil
	}
	conn := t.conn
	done := t.done
	t.conn = nil
	t.connected = false
	t.mu.Unlock()

	close(done)
	err := conn.Close()
	t.subs.clear()
	return err
}

// Send writes the envelope as a JSON frame. Writes are serialized by
// the transport mutex; gorilla connections allow one concurrent writer.
func (t *WebSocket) Send(ctx context.Context, env *message.Envelope) error {
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected || t.conn == nil {
		return ErrNotConnected
	}
	conn := t.conn
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("setting write deadline: %w", err)
	}
	if err := conn.WriteJSON(env); err != nil {
		return fmt.Errorf("writing envelope: %w", err)
	}
	t.subs.markSent()
	return nil
}

func (t *WebSocket) Subscribe(h Handler) string {
	return t.subs.subscribe(h)
}

func (t *WebSocket) Unsubscribe(id string) {
	t.subs.unsubscribe(id)
}

func (t *WebSocket) Healthy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *WebSocket) Info() Info {
	sent, received := t.subs.counters()
	return Info{
		Connected:        t.Healthy(),
		MessagesSent:     sent,
		MessagesReceived: received,
		Handlers:         t.subs.count(),
	}
}

// readPump reads envelopes until the connection closes or Disconnect
// fires, dispatching each to the current subscribers.
func (t *WebSocket) readPump(conn *websocket.Conn, done chan struct{}) {
	_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		var env message.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			select {
			case <-done:
				// Disconnect already ran; quiet shutdown.
			default:
				t.logger.Warn("websocket read failed, closing", "error", err)
				_ = t.Disconnect()
			}
			return
		}
		t.subs.dispatch(context.Background(), &env)
	}
}

// pingLoop keeps the connection alive so Healthy reflects liveness.
func (t *WebSocket) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			t.mu.Lock()
			if t.conn != nil {
				_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			}
			t.mu.Unlock()
		}
	}
}

// Listener accepts inbound websocket peers and hands each one to
// OnConnect as a ready transport. It implements http.Handler so the
// caller mounts it on whatever mux serves the agent's address.
type Listener struct {
	// OnConnect receives each accepted transport. Required.
	OnConnect func(t *WebSocket)

	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewListener creates a websocket accept handler.
func NewListener(onConnect func(t *WebSocket), logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		OnConnect: onConnect,
		logger:    logger.With("component", "ws-listener"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	name := "ws-peer-" + r.RemoteAddr
	l.logger.Info("websocket peer connected", "remote", r.RemoteAddr)
	l.OnConnect(newAccepted(name, conn, l.logger))
}
