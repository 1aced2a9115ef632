// ABOUTME: Tests for the push connection manager against a fake websocket backend.
// ABOUTME: Covers handshake, rejection, reconnection, resubscription, replay, and publish.

package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillswap/chat-client/internal/auth"
	"github.com/skillswap/chat-client/internal/wire"
)

// fakeBackend is a minimal push server: it acks the handshake, records
// inbound frames, and lets tests push frames to the connected client.
type fakeBackend struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu           sync.Mutex
	rejectStatus int  // respond with this HTTP status instead of upgrading
	rejectFrame  bool // upgrade, then send an error frame instead of the ack
	lastAuth     string

	conns chan *backendConn
}

type backendConn struct {
	conn   *websocket.Conn
	frames chan wire.Frame
}

func newFakeBackend(t *testing.T) *fakeBackend {
	b := &fakeBackend{
		t:     t,
		conns: make(chan *backendConn, 4),
	}
	b.srv = httptest.NewServer(http.HandlerFunc(b.handle))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBackend) handle(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.lastAuth = r.Header.Get("Authorization")
	rejectStatus := b.rejectStatus
	rejectFrame := b.rejectFrame
	b.mu.Unlock()

	if rejectStatus > 0 {
		http.Error(w, "nope", rejectStatus)
		return
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	if rejectFrame {
		payload, _ := json.Marshal(wire.HandshakeError{Message: "bad credential"})
		_ = conn.WriteJSON(&wire.Frame{Topic: wire.TopicError, Payload: payload})
		conn.Close()
		return
	}

	_ = conn.WriteJSON(&wire.Frame{Topic: wire.TopicConnected})

	bc := &backendConn{conn: conn, frames: make(chan wire.Frame, 16)}
	go func() {
		defer close(bc.frames)
		for {
			var f wire.Frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			bc.frames <- f
		}
	}()

	b.conns <- bc
}

func (b *fakeBackend) wsURL() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http")
}

// accept waits for the next client connection.
func (b *fakeBackend) accept(t *testing.T) *backendConn {
	t.Helper()
	select {
	case bc := <-b.conns:
		return bc
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for client connection")
		return nil
	}
}

// expectFrame waits for the next inbound frame from the client.
func (bc *backendConn) expectFrame(t *testing.T) wire.Frame {
	t.Helper()
	select {
	case f, ok := <-bc.frames:
		if !ok {
			t.Fatal("client connection closed while waiting for frame")
		}
		return f
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for frame from client")
		return wire.Frame{}
	}
}

// push sends a frame to the client.
func (bc *backendConn) push(t *testing.T, topic wire.Topic, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, bc.conn.WriteJSON(&wire.Frame{Topic: topic, Payload: raw}))
}

func newTestManager(t *testing.T, b *fakeBackend) *Manager {
	m := NewManager(b.wsURL(), nil)
	m.reconnectDelay = 20 * time.Millisecond
	t.Cleanup(m.Disconnect)
	return m
}

func testMessage(id, conv string, at time.Time) wire.Message {
	return wire.Message{
		ID:             id,
		ConversationID: conv,
		SenderID:       "peer",
		Body:           "hello",
		CreatedAt:      at,
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestManager_ConnectPerformsHandshakeAndSubscribes(t *testing.T) {
	b := newFakeBackend(t)
	m := newTestManager(t, b)

	var mu sync.Mutex
	var transitions []bool
	m.OnConnectionChange(func(connected bool) {
		mu.Lock()
		transitions = append(transitions, connected)
		mu.Unlock()
	})

	require.NoError(t, m.Connect(context.Background(), auth.Static("tok-1")))

	bc := b.accept(t)
	sub := bc.expectFrame(t)
	assert.Equal(t, wire.TopicSubscribe, sub.Topic)

	var req wire.SubscribeRequest
	require.NoError(t, json.Unmarshal(sub.Payload, &req))
	assert.Equal(t, wire.PushTopics(), req.Topics)

	assert.True(t, m.Connected())
	assert.Equal(t, StateConnected, m.State())

	b.mu.Lock()
	assert.Equal(t, "Bearer tok-1", b.lastAuth)
	b.mu.Unlock()

	mu.Lock()
	assert.Equal(t, []bool{true}, transitions)
	mu.Unlock()
}

func TestManager_ConnectIsIdempotentWhileConnected(t *testing.T) {
	b := newFakeBackend(t)
	m := newTestManager(t, b)

	require.NoError(t, m.Connect(context.Background(), auth.Static("tok")))
	b.accept(t)
	waitFor(t, m.Connected, "never connected")

	require.NoError(t, m.Connect(context.Background(), auth.Static("tok")))

	// No second connection was opened.
	select {
	case <-b.conns:
		t.Fatal("idempotent Connect opened a second connection")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestManager_HandshakeRejectionSurfacedOnce(t *testing.T) {
	b := newFakeBackend(t)
	b.rejectStatus = http.StatusUnauthorized
	m := newTestManager(t, b)

	err := m.Connect(context.Background(), auth.Static("bad"))
	assert.ErrorIs(t, err, ErrHandshakeRejected)
	assert.False(t, m.Connected())
}

func TestManager_ErrorFrameHandshakeRejection(t *testing.T) {
	b := newFakeBackend(t)
	b.rejectFrame = true
	m := newTestManager(t, b)

	err := m.Connect(context.Background(), auth.Static("bad"))
	assert.ErrorIs(t, err, ErrHandshakeRejected)
	assert.ErrorContains(t, err, "bad credential")
}

func TestManager_RetryLoopContinuesAfterRejection(t *testing.T) {
	b := newFakeBackend(t)
	b.mu.Lock()
	b.rejectStatus = http.StatusUnauthorized
	b.mu.Unlock()
	m := newTestManager(t, b)

	err := m.Connect(context.Background(), auth.Static("tok"))
	require.ErrorIs(t, err, ErrHandshakeRejected)

	// Server starts accepting; the background loop should get through
	// without a second Connect call.
	b.mu.Lock()
	b.rejectStatus = 0
	b.mu.Unlock()

	b.accept(t)
	waitFor(t, m.Connected, "retry loop never reconnected after rejection")
}

func TestManager_DeliversPushedEvents(t *testing.T) {
	b := newFakeBackend(t)
	m := newTestManager(t, b)

	var mu sync.Mutex
	var got []*wire.Message
	m.OnMessage(func(msg *wire.Message) {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
	})

	typings := 0
	m.OnTyping(func(*wire.TypingSignal) {
		mu.Lock()
		typings++
		mu.Unlock()
	})

	require.NoError(t, m.Connect(context.Background(), auth.Static("tok")))
	bc := b.accept(t)
	bc.expectFrame(t) // subscribe

	bc.push(t, wire.TopicMessages, testMessage("m1", "c1", time.Now()))
	bc.push(t, wire.TopicTyping, wire.TypingSignal{ConversationID: "c1", UserID: "peer", IsTyping: true})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && typings == 1
	}, "pushed events never delivered")

	mu.Lock()
	assert.Equal(t, "m1", got[0].ID)
	mu.Unlock()
}

func TestManager_ReplayedMessageDroppedAcrossReconnect(t *testing.T) {
	b := newFakeBackend(t)
	m := newTestManager(t, b)

	var mu sync.Mutex
	delivered := 0
	m.OnMessage(func(*wire.Message) {
		mu.Lock()
		delivered++
		mu.Unlock()
	})

	require.NoError(t, m.Connect(context.Background(), auth.Static("tok")))
	bc := b.accept(t)
	bc.expectFrame(t)

	msg := testMessage("m1", "c1", time.Now())
	bc.push(t, wire.TopicMessages, msg)
	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return delivered == 1 }, "first delivery missing")

	// Drop and let the client reconnect; the backend replays the message.
	bc.conn.Close()
	bc2 := b.accept(t)
	bc2.expectFrame(t)
	bc2.push(t, wire.TopicMessages, msg)
	bc2.push(t, wire.TopicMessages, testMessage("m2", "c1", time.Now()))

	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return delivered == 2 }, "fresh message after replay missing")

	mu.Lock()
	assert.Equal(t, 2, delivered, "replayed message must not be dispatched twice")
	mu.Unlock()
}

func TestManager_ReconnectResubscribesAndDelivers(t *testing.T) {
	b := newFakeBackend(t)
	m := newTestManager(t, b)

	var mu sync.Mutex
	var transitions []bool
	m.OnConnectionChange(func(connected bool) {
		mu.Lock()
		transitions = append(transitions, connected)
		mu.Unlock()
	})

	var got []*wire.Message
	m.OnMessage(func(msg *wire.Message) {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
	})

	require.NoError(t, m.Connect(context.Background(), auth.Static("tok")))
	bc := b.accept(t)
	bc.expectFrame(t)

	// Transport failure.
	bc.conn.Close()
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(transitions) >= 2 && !transitions[1]
	}, "connectivity listeners never saw the drop")

	// The client comes back on its own and re-subscribes all four channels.
	bc2 := b.accept(t)
	sub := bc2.expectFrame(t)
	assert.Equal(t, wire.TopicSubscribe, sub.Topic)

	var req wire.SubscribeRequest
	require.NoError(t, json.Unmarshal(sub.Payload, &req))
	assert.Len(t, req.Topics, 4)

	// A message pushed immediately after re-handshake reaches listeners.
	bc2.push(t, wire.TopicMessages, testMessage("after-reconnect", "c1", time.Now()))
	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return len(got) == 1 }, "post-reconnect message missing")

	mu.Lock()
	assert.Equal(t, "after-reconnect", got[0].ID)
	assert.True(t, transitions[len(transitions)-1])
	mu.Unlock()
}

func TestManager_PublishTyping(t *testing.T) {
	b := newFakeBackend(t)
	m := newTestManager(t, b)

	// Not connected: silently dropped, no error, no panic.
	m.PublishTyping("c1", true)

	require.NoError(t, m.Connect(context.Background(), auth.Static("tok")))
	bc := b.accept(t)
	bc.expectFrame(t)

	m.PublishTyping("c1", true)

	f := bc.expectFrame(t)
	assert.Equal(t, wire.TopicTyping, f.Topic)

	var sig wire.TypingSignal
	require.NoError(t, json.Unmarshal(f.Payload, &sig))
	assert.Equal(t, "c1", sig.ConversationID)
	assert.True(t, sig.IsTyping)
}

func TestManager_DisconnectIsSafeToRepeat(t *testing.T) {
	b := newFakeBackend(t)
	m := newTestManager(t, b)

	require.NoError(t, m.Connect(context.Background(), auth.Static("tok")))
	b.accept(t)
	waitFor(t, m.Connected, "never connected")

	m.Disconnect()
	assert.Equal(t, StateDisconnected, m.State())
	m.Disconnect()
	assert.Equal(t, StateDisconnected, m.State())
}
