// ABOUTME: WebSocket transport round-trip tests against a live listener.

package transport

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivewire/hivewire/internal/message"
)

// wsFixture wires a dial-side transport to an accept-side Listener over
// a real HTTP test server.
type wsFixture struct {
	client   *WebSocket
	accepted chan *WebSocket
	server   *httptest.Server
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()

	accepted := make(chan *WebSocket, 1)
	listener := NewListener(func(ws *WebSocket) { accepted <- ws }, discardLogger())
	server := httptest.NewServer(listener)
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	client := NewWebSocket("client", url, discardLogger())
	require.NoError(t, client.Connect(t.Context()))
	t.Cleanup(func() { _ = client.Disconnect() })

	return &wsFixture{client: client, accepted: accepted, server: server}
}

func (f *wsFixture) serverSide(t *testing.T) *WebSocket {
	t.Helper()
	select {
	case ws := <-f.accepted:
		t.Cleanup(func() { _ = ws.Disconnect() })
		return ws
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not accept the connection")
		return nil
	}
}

func TestWebSocket_RoundTrip(t *testing.T) {
	f := newWSFixture(t)
	server := f.serverSide(t)

	fromClient := make(chan *message.Envelope, 1)
	server.Subscribe(func(ctx context.Context, e *message.Envelope) error {
		fromClient <- e
		return nil
	})

	sent := &message.Envelope{
		ID:            "ws-1",
		From:          "client-agent",
		To:            "server-agent",
		Type:          message.TypeRequest,
		Content:       map[string]any{"task": "summarize", "count": float64(3)},
		Timestamp:     time.Now().UTC().Truncate(time.Second),
		CorrelationID: "corr-1",
		Metadata:      map[string]string{"trace": "t1"},
	}
	require.NoError(t, f.client.Send(t.Context(), sent))

	select {
	case got := <-fromClient:
		assert.Equal(t, sent.ID, got.ID)
		assert.Equal(t, sent.From, got.From)
		assert.Equal(t, sent.To, got.To)
		assert.Equal(t, sent.Type, got.Type)
		assert.Equal(t, sent.Content, got.Content)
		assert.Equal(t, sent.CorrelationID, got.CorrelationID)
		assert.Equal(t, sent.Metadata, got.Metadata)
		assert.True(t, sent.Timestamp.Equal(got.Timestamp))
	case <-time.After(2 * time.Second):
		t.Fatal("envelope did not arrive at the server side")
	}

	// And back: the accepted transport can send to the dialing client.
	fromServer := make(chan *message.Envelope, 1)
	f.client.Subscribe(func(ctx context.Context, e *message.Envelope) error {
		fromServer <- e
		return nil
	})
	require.NoError(t, server.Send(t.Context(), &message.Envelope{
		ID: "ws-2", From: "server-agent", To: "client-agent",
		Type: message.TypeResponse, Content: "done", CorrelationID: "corr-1",
	}))

	select {
	case got := <-fromServer:
		assert.Equal(t, "ws-2", got.ID)
		assert.Equal(t, "done", got.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("envelope did not arrive at the client side")
	}
}

func TestWebSocket_SendBeforeConnect(t *testing.T) {
	client := NewWebSocket("client", "ws://127.0.0.1:1/ws", discardLogger())
	err := client.Send(t.Context(), &message.Envelope{ID: "x"})
	require.ErrorIs(t, err, ErrNotConnected)
	assert.False(t, client.Healthy())
}

func TestWebSocket_ConnectFailure(t *testing.T) {
	client := NewWebSocket("client", "ws://127.0.0.1:1/ws", discardLogger())
	ctx, cancel := context.WithTimeout(t.Context(), time.Second)
	defer cancel()
	require.Error(t, client.Connect(ctx))
	assert.False(t, client.Healthy())
}

func TestWebSocket_DisconnectClearsState(t *testing.T) {
	f := newWSFixture(t)
	_ = f.serverSide(t)

	f.client.Subscribe(func(ctx context.Context, e *message.Envelope) error { return nil })
	require.Equal(t, 1, f.client.Info().Handlers)
	require.True(t, f.client.Healthy())

	require.NoError(t, f.client.Disconnect())
	require.NoError(t, f.client.Disconnect(), "disconnect is idempotent")

	assert.False(t, f.client.Healthy())
	assert.Equal(t, 0, f.client.Info().Handlers)
	require.ErrorIs(t, f.client.Send(t.Context(), &message.Envelope{ID: "x"}), ErrNotConnected)
}

func TestWebSocket_PeerCloseMarksUnhealthy(t *testing.T) {
	f := newWSFixture(t)
	server := f.serverSide(t)

	require.NoError(t, server.Disconnect())

	require.Eventually(t, func() bool {
		return !f.client.Healthy()
	}, 2*time.Second, 10*time.Millisecond, "client must notice the peer closing")
}

func TestAcceptedTransport_ConnectIsNoOpNoURL(t *testing.T) {
	f := newWSFixture(t)
	server := f.serverSide(t)

	// Already connected; Connect must not attempt a dial.
	require.NoError(t, server.Connect(t.Context()))
	assert.True(t, server.Healthy())
}
