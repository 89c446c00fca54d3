// ABOUTME: Message broker: persists outbound messages, dispatches across
// ABOUTME: transports, correlates request/response, routes inbound to handlers.

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hivewire/hivewire/internal/breaker"
	"github.com/hivewire/hivewire/internal/clock"
	"github.com/hivewire/hivewire/internal/dedupe"
	"github.com/hivewire/hivewire/internal/message"
	"github.com/hivewire/hivewire/internal/retry"
	"github.com/hivewire/hivewire/internal/store"
	"github.com/hivewire/hivewire/internal/transport"
)

var (
	// ErrNoTransport means no registered transport was available to
	// attempt delivery.
	ErrNoTransport = errors.New("no transport available")

	// ErrRequestTimeout means no correlated response arrived within
	// the request window.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrEmptyPattern is returned by RegisterHandler for an empty pattern.
	ErrEmptyPattern = errors.New("handler pattern is empty")
)

// Wildcard is the handler pattern that matches every inbound message.
const Wildcard = "*"

const (
	dedupeTTL     = 5 * time.Minute
	dedupeMaxSize = 16384
)

// Handler receives an inbound envelope routed by the broker.
type Handler func(ctx context.Context, env *message.Envelope) error

// Config holds broker settings. Zero values get sensible defaults.
type Config struct {
	// ID is the broker's own agent identity, used as the default From.
	ID string

	// DefaultMaxRetries is the retry budget stamped on new messages
	// when the caller does not override it. Default 3.
	DefaultMaxRetries int

	// RequestTimeout bounds RequestResponse when the caller does not
	// override it. Default 5s.
	RequestTimeout time.Duration

	// CleanupInterval is how often the retention sweep runs. Default 1m.
	CleanupInterval time.Duration

	// RetentionWindow is how long message records are kept. Default 24h.
	RetentionWindow time.Duration
}

func (c *Config) applyDefaults() {
	if c.ID == "" {
		c.ID = "broker-" + uuid.New().String()[:8]
	}
	if c.DefaultMaxRetries == 0 {
		c.DefaultMaxRetries = 3
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Second
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Minute
	}
	if c.RetentionWindow <= 0 {
		c.RetentionWindow = 24 * time.Hour
	}
}

// registeredTransport pairs a transport with its dispatch guards.
type registeredTransport struct {
	name    string
	t       transport.Transport
	breaker *breaker.Breaker
	health  func() bool // external health source, may be nil
	subID   string
}

// available reports whether this transport should be attempted.
// Unavailable transports are skipped without invoking Send, so their
// counters see no false attempts.
func (rt *registeredTransport) available() bool {
	if !rt.t.Healthy() {
		return false
	}
	if rt.health != nil && !rt.health() {
		return false
	}
	if rt.breaker != nil && !rt.breaker.CanExecute() {
		return false
	}
	return true
}

func (rt *registeredTransport) send(ctx context.Context, env *message.Envelope) error {
	if rt.breaker == nil {
		return rt.t.Send(ctx, env)
	}
	return rt.breaker.Execute(ctx, func(ctx context.Context) error {
		return rt.t.Send(ctx, env)
	})
}

// patternHandler pairs a registration pattern with its handler.
// Matching is a plain ordered list with an explicit match function.
type patternHandler struct {
	pattern string
	handler Handler
}

func (p patternHandler) matches(to string) bool {
	return p.pattern == Wildcard || p.pattern == to
}

// Broker coordinates message persistence, transport dispatch,
// request/response correlation and handler routing for one agent
// process. All registries are scoped to the instance.
type Broker struct {
	cfg    Config
	store  store.MessageStore
	clk    clock.Clock
	logger *slog.Logger
	seen   *dedupe.Cache

	mu         sync.Mutex
	running    bool
	transports []*registeredTransport
	handlers   []patternHandler
	pending    map[string]chan any
	done       chan struct{}

	wg sync.WaitGroup
}

// Option customizes a Broker.
type Option func(*Broker)

// WithClock injects a timer source; tests use a fake.
func WithClock(c clock.Clock) Option {
	return func(b *Broker) { b.clk = c }
}

// WithLogger sets the broker's logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.logger = l.With("component", "broker") }
}

// New creates a broker backed by the given message store.
func New(cfg Config, st store.MessageStore, opts ...Option) *Broker {
	cfg.applyDefaults()

	b := &Broker{
		cfg:     cfg,
		store:   st,
		clk:     clock.New(),
		logger:  slog.Default().With("component", "broker"),
		pending: make(map[string]chan any),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.seen = dedupe.New(dedupeTTL, dedupeMaxSize, b.clk)
	return b
}

// ID returns the broker's own agent identity.
func (b *Broker) ID() string {
	return b.cfg.ID
}

// Start launches the retention sweep. Calling Start twice is a no-op
// on the second call.
func (b *Broker) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return nil
	}
	b.running = true
	b.done = make(chan struct{})

	b.wg.Add(1)
	go b.sweepLoop(b.done)

	b.logger.Info("broker started", "broker_id", b.cfg.ID)
	return nil
}

// Stop cancels the sweep and waits for it to exit. After Stop returns
// no broker timer fires. Calling Stop twice is a no-op.
func (b *Broker) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	close(b.done)
	b.mu.Unlock()

	b.wg.Wait()
	b.logger.Info("broker stopped", "broker_id", b.cfg.ID)
}

// TransportOption customizes a transport registration.
type TransportOption func(*registeredTransport)

// WithBreaker guards the transport with a circuit breaker. One breaker
// guards one transport; an open breaker skips the transport without
// invoking it.
func WithBreaker(cb *breaker.Breaker) TransportOption {
	return func(rt *registeredTransport) { rt.breaker = cb }
}

// WithHealthSource adds an external availability check, typically
// backed by the connection manager's view of the transport's endpoint.
func WithHealthSource(healthy func() bool) TransportOption {
	return func(rt *registeredTransport) { rt.health = healthy }
}

// RegisterTransport appends a named transport to the ordered dispatch
// list and subscribes the broker to its inbound messages.
func (b *Broker) RegisterTransport(name string, t transport.Transport, opts ...TransportOption) {
	rt := &registeredTransport{name: name, t: t}
	for _, opt := range opts {
		opt(rt)
	}
	rt.subID = t.Subscribe(b.dispatchInbound)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.transports = append(b.transports, rt)
	b.logger.Info("transport registered", "transport", name, "order", len(b.transports))
}

// RegisterHandler registers a handler for inbound messages. Pattern is
// an exact agent id, or Wildcard to receive every message.
func (b *Broker) RegisterHandler(pattern string, h Handler) error {
	if pattern == "" {
		return ErrEmptyPattern
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, patternHandler{pattern: pattern, handler: h})
	return nil
}

// SendOption customizes an outbound message.
type SendOption func(*message.Message)

// WithCorrelationID sets the correlation id linking request to response.
func WithCorrelationID(id string) SendOption {
	return func(m *message.Message) { m.CorrelationID = id }
}

// WithPriority overrides the default normal priority.
func WithPriority(p message.Priority) SendOption {
	return func(m *message.Message) { m.Priority = p }
}

// WithMaxRetries overrides the configured default retry budget.
func WithMaxRetries(n int) SendOption {
	return func(m *message.Message) { m.MaxRetries = n }
}

// WithMetadata attaches key/value metadata to the message.
func WithMetadata(md map[string]string) SendOption {
	return func(m *message.Message) { m.Metadata = md }
}

// WithFrom overrides the broker identity as the sender.
func WithFrom(from string) SendOption {
	return func(m *message.Message) { m.From = from }
}

// SendMessage builds, persists and dispatches a message. The record is
// durable before any delivery attempt; a persistence failure aborts
// the call. Delivery tries registered transports in order, skipping
// unavailable ones; the first success wins. If every transport fails
// the last error is returned as a retryable CommError and the record
// stays pending for external replay.
func (b *Broker) SendMessage(ctx context.Context, to string, typ message.Type, content any, opts ...SendOption) error {
	msg := b.newMessage(to, typ, content, opts)
	if err := msg.Validate(); err != nil {
		return err
	}

	if err := b.store.SaveMessage(ctx, msg); err != nil {
		return fmt.Errorf("persisting message %s: %w", msg.ID, err)
	}

	return b.dispatch(ctx, msg)
}

// RequestResponse sends a request and waits for a response envelope
// carrying the same correlation id. It rejects with ErrRequestTimeout
// after the window elapses, removing the pending entry exactly once;
// a response arriving later is dropped unmatched.
func (b *Broker) RequestResponse(ctx context.Context, to string, content any, opts ...RequestOption) (any, error) {
	ro := requestOptions{timeout: b.cfg.RequestTimeout}
	for _, opt := range opts {
		opt(&ro)
	}
	if ro.correlationID == "" {
		ro.correlationID = uuid.New().String()
	}

	ch := make(chan any, 1)
	b.mu.Lock()
	if _, exists := b.pending[ro.correlationID]; exists {
		b.mu.Unlock()
		return nil, fmt.Errorf("correlation id %q already pending", ro.correlationID)
	}
	b.pending[ro.correlationID] = ch
	b.mu.Unlock()

	sendOpts := append(ro.sendOpts, WithCorrelationID(ro.correlationID))
	if err := b.SendMessage(ctx, to, message.TypeRequest, content, sendOpts...); err != nil {
		b.removePending(ro.correlationID)
		return nil, err
	}

	select {
	case v := <-ch:
		return v, nil
	case <-b.clk.After(ro.timeout):
		if b.removePending(ro.correlationID) {
			return nil, fmt.Errorf("%w after %v (correlation %s)", ErrRequestTimeout, ro.timeout, ro.correlationID)
		}
		// Lost the race: a response resolved concurrently and is
		// already buffered.
		return <-ch, nil
	case <-ctx.Done():
		b.removePending(ro.correlationID)
		return nil, ctx.Err()
	}
}

// RequestOption customizes a RequestResponse call.
type RequestOption func(*requestOptions)

type requestOptions struct {
	correlationID string
	timeout       time.Duration
	sendOpts      []SendOption
}

// WithRequestTimeout overrides the configured request window.
func WithRequestTimeout(d time.Duration) RequestOption {
	return func(o *requestOptions) { o.timeout = d }
}

// WithRequestCorrelationID supplies the correlation id instead of
// generating one.
func WithRequestCorrelationID(id string) RequestOption {
	return func(o *requestOptions) { o.correlationID = id }
}

// WithSendOptions forwards send options to the underlying request.
func WithSendOptions(opts ...SendOption) RequestOption {
	return func(o *requestOptions) { o.sendOpts = append(o.sendOpts, opts...) }
}

// ReplayPending re-dispatches up to limit pending records, oldest
// first. Records whose retry budget is exhausted are marked failed.
// This is the external retry action the broker itself never performs
// inside SendMessage.
func (b *Broker) ReplayPending(ctx context.Context, limit int) (replayed, failed int, err error) {
	msgs, err := b.store.ListByStatus(ctx, message.StatusPending, limit)
	if err != nil {
		return 0, 0, fmt.Errorf("listing pending messages: %w", err)
	}

	for _, msg := range msgs {
		if msg.RetryCount >= msg.MaxRetries {
			msg.Status = message.StatusFailed
			if uerr := b.store.UpdateMessage(ctx, msg); uerr != nil {
				b.logger.Warn("marking message failed", "message_id", msg.ID, "error", uerr)
			}
			failed++
			continue
		}
		if derr := b.dispatch(ctx, msg); derr != nil {
			b.logger.Debug("replay attempt failed", "message_id", msg.ID, "error", derr)
			continue
		}
		replayed++
	}
	return replayed, failed, nil
}

// TransportInfo reports each registered transport's diagnostic counters.
func (b *Broker) TransportInfo() map[string]transport.Info {
	b.mu.Lock()
	transports := make([]*registeredTransport, len(b.transports))
	copy(transports, b.transports)
	b.mu.Unlock()

	info := make(map[string]transport.Info, len(transports))
	for _, rt := range transports {
		info[rt.name] = rt.t.Info()
	}
	return info
}

// newMessage builds a fresh record with defaults applied.
func (b *Broker) newMessage(to string, typ message.Type, content any, opts []SendOption) *message.Message {
	msg := &message.Message{
		ID:         uuid.New().String(),
		From:       b.cfg.ID,
		To:         to,
		Type:       typ,
		Content:    content,
		Timestamp:  b.clk.Now(),
		Priority:   message.PriorityNormal,
		MaxRetries: b.cfg.DefaultMaxRetries,
		Status:     message.StatusPending,
	}
	for _, opt := range opts {
		opt(msg)
	}
	return msg
}

// dispatch attempts delivery through transports in registration order.
func (b *Broker) dispatch(ctx context.Context, msg *message.Message) error {
	b.mu.Lock()
	transports := make([]*registeredTransport, len(b.transports))
	copy(transports, b.transports)
	b.mu.Unlock()

	env := msg.Envelope()
	var lastErr error
	attempted := false

	for _, rt := range transports {
		if !rt.available() {
			b.logger.Debug("skipping unavailable transport",
				"transport", rt.name, "message_id", msg.ID)
			continue
		}

		attempted = true
		err := rt.send(ctx, env)
		if err == nil {
			msg.Status = message.StatusDelivered
			if uerr := b.store.UpdateMessage(ctx, msg); uerr != nil {
				b.logger.Warn("recording delivery", "message_id", msg.ID, "error", uerr)
			}
			b.logger.Debug("message delivered",
				"message_id", msg.ID, "transport", rt.name, "to", msg.To)
			return nil
		}

		lastErr = err
		if msg.RetryCount < msg.MaxRetries {
			msg.RetryCount++
			if uerr := b.store.UpdateMessage(ctx, msg); uerr != nil {
				b.logger.Warn("recording attempt", "message_id", msg.ID, "error", uerr)
			}
		}
		b.logger.Warn("transport send failed",
			"transport", rt.name, "message_id", msg.ID, "error", err)
	}

	if !attempted && lastErr == nil {
		lastErr = ErrNoTransport
	}
	return &retry.CommError{
		Op:        "send " + msg.ID,
		Retryable: true,
		Err:       lastErr,
	}
}

// dispatchInbound is subscribed to every registered transport. It
// drops duplicates, resolves request/response correlation, then routes
// to matching handlers with isolation.
func (b *Broker) dispatchInbound(ctx context.Context, env *message.Envelope) error {
	if b.seen.CheckAndMark(env.ID) {
		b.logger.Debug("dropping duplicate inbound message", "message_id", env.ID)
		return nil
	}

	if env.Type == message.TypeResponse && env.CorrelationID != "" {
		b.resolve(env)
	}

	b.mu.Lock()
	handlers := make([]patternHandler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.Unlock()

	for _, ph := range handlers {
		if !ph.matches(env.To) {
			continue
		}
		b.invokeHandler(ctx, ph, env)
	}
	return nil
}

// resolve completes a pending request. Late responses find no entry
// and are dropped.
func (b *Broker) resolve(env *message.Envelope) {
	b.mu.Lock()
	ch, ok := b.pending[env.CorrelationID]
	if ok {
		delete(b.pending, env.CorrelationID)
	}
	b.mu.Unlock()

	if !ok {
		b.logger.Warn("dropping unmatched response",
			"message_id", env.ID, "correlation_id", env.CorrelationID)
		return
	}
	ch <- env.Content
}

// removePending deletes a correlation entry, reporting whether it was
// still present. The delete happens exactly once between resolve and
// the timeout path.
func (b *Broker) removePending(correlationID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.pending[correlationID]; !ok {
		return false
	}
	delete(b.pending, correlationID)
	return true
}

// invokeHandler runs one handler with panic and error isolation.
func (b *Broker) invokeHandler(ctx context.Context, ph patternHandler, env *message.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("handler panicked",
				"pattern", ph.pattern, "message_id", env.ID, "panic", r)
		}
	}()

	if err := ph.handler(ctx, env); err != nil {
		b.logger.Warn("handler failed",
			"pattern", ph.pattern, "message_id", env.ID, "error", err)
	}
}

// sweepLoop deletes records older than the retention window.
func (b *Broker) sweepLoop(done <-chan struct{}) {
	defer b.wg.Done()

	ticker := b.clk.NewTicker(b.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case now := <-ticker.C():
			cutoff := now.Add(-b.cfg.RetentionWindow)
			n, err := b.store.DeleteBefore(context.Background(), cutoff)
			if err != nil {
				b.logger.Warn("retention sweep failed", "error", err)
				continue
			}
			if n > 0 {
				b.logger.Info("retention sweep", "deleted", n, "cutoff", cutoff)
			}
		}
	}
}
