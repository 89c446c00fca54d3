// ABOUTME: Tests for the in-process transport pair and the shared
// ABOUTME: subscriber fan-out machinery.

package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivewire/hivewire/internal/message"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func env(id string) *message.Envelope {
	return &message.Envelope{ID: id, From: "a", To: "b", Type: message.TypeNotification, Content: "x"}
}

func TestPair_DeliversToPeer(t *testing.T) {
	a, b := Pair("a", "b", discardLogger())
	require.NoError(t, a.Connect(t.Context()))
	require.NoError(t, b.Connect(t.Context()))

	var (
		mu  sync.Mutex
		got []*message.Envelope
	)
	b.Subscribe(func(ctx context.Context, e *message.Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e)
		return nil
	})

	require.NoError(t, a.Send(t.Context(), env("m1")))
	require.NoError(t, a.Send(t.Context(), env("m2")))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, "m1", got[0].ID)
	assert.Equal(t, "m2", got[1].ID)
}

func TestPair_Counters(t *testing.T) {
	a, b := Pair("a", "b", discardLogger())
	require.NoError(t, a.Connect(t.Context()))
	require.NoError(t, b.Connect(t.Context()))
	b.Subscribe(func(ctx context.Context, e *message.Envelope) error { return nil })

	require.NoError(t, a.Send(t.Context(), env("m1")))
	require.NoError(t, a.Send(t.Context(), env("m2")))
	require.NoError(t, b.Send(t.Context(), env("m3")))

	aInfo := a.Info()
	assert.Equal(t, uint64(2), aInfo.MessagesSent)
	assert.Equal(t, uint64(1), aInfo.MessagesReceived)
	assert.True(t, aInfo.Connected)

	bInfo := b.Info()
	assert.Equal(t, uint64(1), bInfo.MessagesSent)
	assert.Equal(t, uint64(2), bInfo.MessagesReceived)
	assert.Equal(t, 1, bInfo.Handlers)
}

func TestSend_NotConnected(t *testing.T) {
	a, _ := Pair("a", "b", discardLogger())
	err := a.Send(t.Context(), env("m1"))
	require.ErrorIs(t, err, ErrNotConnected)
	assert.False(t, a.Healthy())
}

func TestDisconnect_ClearsSubscriptions(t *testing.T) {
	a, b := Pair("a", "b", discardLogger())
	require.NoError(t, a.Connect(t.Context()))
	require.NoError(t, b.Connect(t.Context()))

	called := false
	b.Subscribe(func(ctx context.Context, e *message.Envelope) error {
		called = true
		return nil
	})
	require.Equal(t, 1, b.Info().Handlers)

	require.NoError(t, b.Disconnect())
	require.NoError(t, b.Disconnect(), "disconnect is idempotent")
	assert.Equal(t, 0, b.Info().Handlers)
	assert.False(t, b.Healthy())

	// Reconnecting does not resurrect old subscriptions.
	require.NoError(t, b.Connect(t.Context()))
	require.NoError(t, a.Send(t.Context(), env("m1")))
	assert.False(t, called)
}

func TestUnsubscribe(t *testing.T) {
	a, b := Pair("a", "b", discardLogger())
	require.NoError(t, a.Connect(t.Context()))
	require.NoError(t, b.Connect(t.Context()))

	var (
		mu            sync.Mutex
		first, second int
	)
	id := b.Subscribe(func(ctx context.Context, e *message.Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		first++
		return nil
	})
	b.Subscribe(func(ctx context.Context, e *message.Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		second++
		return nil
	})

	require.NoError(t, a.Send(t.Context(), env("m1")))
	b.Unsubscribe(id)
	require.NoError(t, a.Send(t.Context(), env("m2")))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, first)
	assert.Equal(t, 2, second)
}

func TestDispatch_HandlerOrderAndIsolation(t *testing.T) {
	a, b := Pair("a", "b", discardLogger())
	require.NoError(t, a.Connect(t.Context()))
	require.NoError(t, b.Connect(t.Context()))

	var (
		mu    sync.Mutex
		order []string
	)
	b.Subscribe(func(ctx context.Context, e *message.Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, "panics")
		panic("handler bug")
	})
	b.Subscribe(func(ctx context.Context, e *message.Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, "errors")
		return errors.New("handler failure")
	})
	b.Subscribe(func(ctx context.Context, e *message.Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, "succeeds")
		return nil
	})

	require.NoError(t, a.Send(t.Context(), env("m1")))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"panics", "errors", "succeeds"}, order,
		"handlers run in registration order and failures are isolated")
}

func TestLoopback_DeliversToSelf(t *testing.T) {
	l := NewLoopback("loop", discardLogger())
	require.NoError(t, l.Connect(t.Context()))

	got := make(chan *message.Envelope, 1)
	l.Subscribe(func(ctx context.Context, e *message.Envelope) error {
		got <- e
		return nil
	})

	require.NoError(t, l.Send(t.Context(), env("m1")))
	select {
	case e := <-got:
		assert.Equal(t, "m1", e.ID)
	default:
		t.Fatal("loopback did not deliver synchronously")
	}

	info := l.Info()
	assert.Equal(t, uint64(1), info.MessagesSent)
	assert.Equal(t, uint64(1), info.MessagesReceived)
}
