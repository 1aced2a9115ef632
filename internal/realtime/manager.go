// ABOUTME: Push connection manager: one authenticated websocket multiplexing four topics.
// ABOUTME: Handles handshake, resubscription, fixed-delay reconnects, and credential refresh.

package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skillswap/chat-client/internal/auth"
	"github.com/skillswap/chat-client/internal/dedupe"
	"github.com/skillswap/chat-client/internal/wire"
)

const (
	// Fixed retry delay between reconnect attempts. No backoff, no retry cap:
	// the backend expects clients to come back on this cadence.
	defaultReconnectDelay = 5 * time.Second

	// Cadence for re-deriving the handshake credential while connected. The
	// refreshed token is used on the next reconnect; it never drops an
	// active connection.
	defaultRefreshInterval = 15 * time.Second

	// Time allowed for dial plus handshake ack.
	handshakeTimeout = 10 * time.Second

	// Time allowed to write a single outbound frame.
	writeWait = 10 * time.Second

	// Replayed pushes older than this are no longer suppressed.
	replayTTL = 5 * time.Minute
	replayMax = 4096
)

// ErrHandshakeRejected indicates the server refused the handshake credential.
// It is surfaced once to the Connect caller; the reconnect loop keeps running.
var ErrHandshakeRejected = errors.New("handshake rejected")

// topicConnection is the registry topic carrying connectivity booleans.
// It never appears on the wire.
const topicConnection wire.Topic = "__connection"

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Manager owns the single logical push connection for the whole process.
// Every open conversation view shares it; only session teardown may call
// Disconnect.
type Manager struct {
	url      string
	logger   *slog.Logger
	registry *Registry
	replays  *dedupe.Cache
	dialer   *websocket.Dialer

	reconnectDelay  time.Duration
	refreshInterval time.Duration

	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	tokens     auth.TokenSource
	credential string // snapshot attached to the last/next handshake
	cancel     context.CancelFunc
	runDone    chan struct{}

	writeMu sync.Mutex

	drops chan struct{}
}

// NewManager creates a manager for the given websocket URL. Pass nil logger
// for default. The manager starts Disconnected; call Connect to bring it up.
func NewManager(wsURL string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		url:             wsURL,
		logger:          logger.With("component", "realtime"),
		registry:        NewRegistry(logger),
		replays:         dedupe.New(replayTTL, replayMax),
		dialer:          websocket.DefaultDialer,
		reconnectDelay:  defaultReconnectDelay,
		refreshInterval: defaultRefreshInterval,
		state:           StateDisconnected,
		drops:           make(chan struct{}, 1),
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connected reports whether the push connection is currently established.
func (m *Manager) Connected() bool {
	return m.State() == StateConnected
}

// Connect brings up the push connection using credentials from tokens.
// It is idempotent while the manager is already connected or connecting.
//
// The first handshake is attempted inline: an authorization rejection is
// returned to this caller exactly once. Any other failure is not an error:
// the background retry loop keeps attempting on a fixed delay, and callers
// observe progress through OnConnectionChange.
func (m *Manager) Connect(ctx context.Context, tokens auth.TokenSource) error {
	m.mu.Lock()
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	m.state = StateConnecting
	m.tokens = tokens

	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.runDone = make(chan struct{})
	runDone := m.runDone
	m.mu.Unlock()

	// Drop any stale reconnect signal left over from a previous session.
	select {
	case <-m.drops:
	default:
	}

	err := m.attempt(ctx)

	go m.run(runCtx, runDone)

	if err != nil {
		// The retry loop keeps attempting either way; a rejection is
		// additionally surfaced to this caller, exactly once.
		m.kick()
		if errors.Is(err, ErrHandshakeRejected) {
			return err
		}
		m.logger.Warn("initial connect failed, retrying in background", "error", err)
	}
	return nil
}

// Disconnect tears the connection down and stops the retry loop. Safe to
// call multiple times. This is the only path to the Disconnected state.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.cancel == nil {
		m.state = StateDisconnected
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.cancel = nil
	conn := m.conn
	m.conn = nil
	wasConnected := m.state == StateConnected
	m.state = StateDisconnected
	runDone := m.runDone
	m.runDone = nil
	m.mu.Unlock()

	cancel()
	if conn != nil {
		conn.Close()
	}
	if runDone != nil {
		<-runDone
	}
	if wasConnected {
		m.registry.Dispatch(topicConnection, false)
	}
	m.logger.Info("push connection closed")
}

// PublishTyping sends a typing signal on the outbound destination.
// Fire-and-forget: while not connected the signal is silently dropped; a
// stale typing indicator is harmless and not worth queuing.
func (m *Manager) PublishTyping(conversationID string, isTyping bool) {
	m.mu.Lock()
	conn := m.conn
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !connected || conn == nil {
		m.logger.Debug("typing signal dropped while disconnected", "conversation_id", conversationID)
		return
	}

	if err := m.writeFrame(conn, wire.TopicTyping, wire.TypingSignal{
		ConversationID: conversationID,
		IsTyping:       isTyping,
	}); err != nil {
		m.logger.Debug("typing publish failed", "error", err)
	}
}

// OnConnectionChange registers a connectivity listener. Returns a handle
// whose invocation unregisters it (idempotent).
func (m *Manager) OnConnectionChange(fn func(connected bool)) func() {
	return m.registry.Register(topicConnection, func(v any) {
		if connected, ok := v.(bool); ok {
			fn(connected)
		}
	})
}

// OnMessage registers a listener for inbound chat messages.
func (m *Manager) OnMessage(fn func(*wire.Message)) func() {
	return m.registry.Register(wire.TopicMessages, func(v any) {
		if msg, ok := v.(*wire.Message); ok {
			fn(msg)
		}
	})
}

// OnConversationUpdate registers a listener for unread-count pushes.
func (m *Manager) OnConversationUpdate(fn func(*wire.ConversationUpdate)) func() {
	return m.registry.Register(wire.TopicConversationUpdates, func(v any) {
		if u, ok := v.(*wire.ConversationUpdate); ok {
			fn(u)
		}
	})
}

// OnReadReceipt registers a listener for read receipts.
func (m *Manager) OnReadReceipt(fn func(*wire.ReadReceipt)) func() {
	return m.registry.Register(wire.TopicReadReceipts, func(v any) {
		if r, ok := v.(*wire.ReadReceipt); ok {
			fn(r)
		}
	})
}

// OnTyping registers a listener for typing signals.
func (m *Manager) OnTyping(fn func(*wire.TypingSignal)) func() {
	return m.registry.Register(wire.TopicTyping, func(v any) {
		if s, ok := v.(*wire.TypingSignal); ok {
			fn(s)
		}
	})
}

// run is the supervisor loop: it services credential refresh ticks and
// reconnects (with the fixed delay) whenever the connection drops.
func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	refresh := time.NewTicker(m.refreshInterval)
	defer refresh.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-refresh.C:
			m.refreshCredential(ctx)
		case <-m.drops:
			m.reconnectLoop(ctx)
		}
	}
}

// reconnectLoop retries the handshake on the fixed delay until it succeeds
// or the manager is torn down. Handshake rejections here are only logged;
// they were surfaced to the Connect caller already.
func (m *Manager) reconnectLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.reconnectDelay):
		}

		err := m.attempt(ctx)
		if err == nil {
			return
		}
		m.logger.Warn("reconnect attempt failed", "error", err)
	}
}

// attempt resolves a credential, dials the push endpoint, and performs the
// handshake. On success the connection is installed, all four channel
// subscriptions are re-established in a single frame, and connectivity
// listeners are notified.
func (m *Manager) attempt(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateDisconnected {
		m.mu.Unlock()
		return errors.New("manager is shut down")
	}
	m.state = StateConnecting
	m.mu.Unlock()

	token := m.resolveCredential(ctx)

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	dialCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	conn, resp, err := m.dialer.DialContext(dialCtx, m.url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return fmt.Errorf("%w: server returned %s", ErrHandshakeRejected, resp.Status)
		}
		return fmt.Errorf("dialing push endpoint: %w", err)
	}

	if err := m.handshake(conn); err != nil {
		conn.Close()
		return err
	}

	m.mu.Lock()
	if m.state == StateDisconnected {
		// Torn down while we were dialing.
		m.mu.Unlock()
		conn.Close()
		return errors.New("manager is shut down")
	}
	m.conn = conn
	m.state = StateConnected
	m.mu.Unlock()

	go m.readLoop(conn)

	m.registry.Dispatch(topicConnection, true)
	m.logger.Info("push connection established")
	return nil
}

// handshake waits for the server's ack frame and re-establishes all four
// channel subscriptions atomically (one subscribe frame covers them all).
func (m *Manager) handshake(conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))

	var f wire.Frame
	if err := conn.ReadJSON(&f); err != nil {
		return fmt.Errorf("reading handshake ack: %w", err)
	}

	switch f.Topic {
	case wire.TopicConnected:
	case wire.TopicError:
		var he wire.HandshakeError
		_ = json.Unmarshal(f.Payload, &he)
		if he.Message == "" {
			he.Message = "unauthorized"
		}
		return fmt.Errorf("%w: %s", ErrHandshakeRejected, he.Message)
	default:
		return fmt.Errorf("unexpected handshake frame %q", f.Topic)
	}

	_ = conn.SetReadDeadline(time.Time{})

	return m.writeFrame(conn, wire.TopicSubscribe, wire.SubscribeRequest{
		Topics: wire.PushTopics(),
	})
}

// readLoop pumps inbound frames from one connection until it fails, then
// reports the drop so the supervisor reconnects.
func (m *Manager) readLoop(conn *websocket.Conn) {
	defer m.handleDrop(conn)

	for {
		var f wire.Frame
		if err := conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				m.logger.Warn("push connection lost", "error", err)
			}
			return
		}
		m.dispatchFrame(&f)
	}
}

// dispatchFrame decodes, validates, replay-filters, and fan-outs one frame.
// Undecodable frames are dropped at this boundary, never dispatched.
func (m *Manager) dispatchFrame(f *wire.Frame) {
	event, err := wire.DecodeEvent(f)
	if err != nil {
		m.logger.Warn("dropping undecodable frame", "topic", f.Topic, "error", err)
		return
	}

	// Only messages need replay suppression: the other kinds are idempotent
	// field replacements or ephemeral signals.
	if msg, ok := event.(*wire.Message); ok {
		if m.replays.Seen("msg:" + msg.ID) {
			m.logger.Debug("dropping replayed message", "message_id", msg.ID)
			return
		}
	}

	m.registry.Dispatch(f.Topic, event)
}

// handleDrop transitions Connected -> Reconnecting when the active
// connection's reader exits. Stale readers (already replaced or torn down)
// are ignored.
func (m *Manager) handleDrop(conn *websocket.Conn) {
	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		conn.Close()
		return
	}
	m.conn = nil
	wasConnected := m.state == StateConnected
	if wasConnected {
		m.state = StateReconnecting
	}
	m.mu.Unlock()

	conn.Close()

	if wasConnected {
		m.registry.Dispatch(topicConnection, false)
		m.kick()
	}
}

// kick signals the supervisor that a (re)connect is needed. Non-blocking:
// a pending signal already covers it.
func (m *Manager) kick() {
	select {
	case m.drops <- struct{}{}:
	default:
	}
}

// resolveCredential asks the token source for a fresh credential, falling
// back to the last snapshot if the source fails or comes back empty.
func (m *Manager) resolveCredential(ctx context.Context) string {
	m.mu.Lock()
	tokens := m.tokens
	snapshot := m.credential
	m.mu.Unlock()

	if tokens == nil {
		return snapshot
	}

	token, err := tokens.Token(ctx)
	if err != nil || token == "" {
		if err != nil {
			m.logger.Debug("token source failed, using last credential", "error", err)
		}
		return snapshot
	}

	m.mu.Lock()
	m.credential = token
	m.mu.Unlock()
	return token
}

// refreshCredential re-derives the handshake credential on the refresh
// cadence. The active connection is left alone; the new credential rides on
// the next reconnect.
func (m *Manager) refreshCredential(ctx context.Context) {
	m.resolveCredential(ctx)
}

// writeFrame marshals and writes one frame. Serialized with writeMu: the
// websocket allows a single concurrent writer.
func (m *Manager) writeFrame(conn *websocket.Conn, topic wire.Topic, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding %s payload: %w", topic, err)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(&wire.Frame{Topic: topic, Payload: raw}); err != nil {
		return fmt.Errorf("writing %s frame: %w", topic, err)
	}
	return nil
}
