// ABOUTME: Per-conversation feed controller: merges paginated history with live push
// ABOUTME: events into one ordered, deduplicated sequence plus read/typing state.

package feed

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/skillswap/chat-client/internal/clock"
	"github.com/skillswap/chat-client/internal/httpapi"
	"github.com/skillswap/chat-client/internal/store"
	"github.com/skillswap/chat-client/internal/wire"
)

const (
	// Fixed history page size.
	pageSize = 50

	// Peer-typing display clears after this much silence.
	typingDisplayTimeout = 3 * time.Second

	// At most one outbound typing-start per rolling window.
	typingThrottleWindow = 2 * time.Second
)

// API is the pull-side surface the controller consumes.
type API interface {
	GetMessages(ctx context.Context, conversationID string, before time.Time, size int) (*httpapi.MessagePage, error)
	SendMessage(ctx context.Context, req httpapi.SendMessageRequest) (*wire.Message, error)
	MarkRead(ctx context.Context, conversationID string) error
}

// Realtime is the push-side surface the controller consumes. The process-wide
// connection manager satisfies it; the controller never owns the connection.
type Realtime interface {
	PublishTyping(conversationID string, isTyping bool)
	OnMessage(fn func(*wire.Message)) func()
	OnReadReceipt(fn func(*wire.ReadReceipt)) func()
	OnTyping(fn func(*wire.TypingSignal)) func()
}

// Config carries the dependencies for one open conversation.
type Config struct {
	ConversationID string
	PeerID         string // the other participant, recipient of sends
	SelfID         string // the local user
	API            API
	Realtime       Realtime
	Cache          *store.Cache // optional local history cache
	Logger         *slog.Logger
	Clock          clock.Clock // defaults to the system clock
}

// Controller reconciles the pull-fetched history and the push stream for one
// open conversation. The message sequence it exposes is ascending by
// createdAt, unique by id, no matter how often an id arrives via push vs pull.
type Controller struct {
	conversationID string
	peerID         string
	selfID         string
	api            API
	rt             Realtime
	cache          *store.Cache
	logger         *slog.Logger
	clk            clock.Clock
	throttle       *rate.Limiter

	mu           sync.Mutex
	messages     []wire.Message
	ids          map[string]struct{}
	hasMore      bool
	loading      bool
	loadingOlder bool
	sending      bool
	draft        string
	peerTyping   bool
	typingTimer  clock.Timer
	closed       bool
	unsubs       []func()
	onUpdate     func()
}

// New creates a controller and registers its push listeners. Call Close when
// the conversation view goes away.
func New(cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.System()
	}

	c := &Controller{
		conversationID: cfg.ConversationID,
		peerID:         cfg.PeerID,
		selfID:         cfg.SelfID,
		api:            cfg.API,
		rt:             cfg.Realtime,
		cache:          cfg.Cache,
		logger:         logger.With("component", "feed", "conversation_id", cfg.ConversationID),
		clk:            clk,
		throttle:       rate.NewLimiter(rate.Every(typingThrottleWindow), 1),
		ids:            make(map[string]struct{}),
		hasMore:        true,
	}

	c.unsubs = []func(){
		cfg.Realtime.OnMessage(c.handleMessage),
		cfg.Realtime.OnReadReceipt(c.handleReadReceipt),
		cfg.Realtime.OnTyping(c.handleTyping),
	}

	return c
}

// SetOnUpdate registers a callback invoked after any state change. Intended
// for the rendering layer; invoked without the controller lock held.
func (c *Controller) SetOnUpdate(fn func()) {
	c.mu.Lock()
	c.onUpdate = fn
	c.mu.Unlock()
}

// Close unregisters the push listeners synchronously and marks the
// controller dead: in-flight fetches that complete afterwards are discarded.
// Safe to call multiple times.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	unsubs := c.unsubs
	c.unsubs = nil
	if c.typingTimer != nil {
		c.typingTimer.Stop()
	}
	c.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}

// LoadInitial fetches the newest history page, seeds the feed in ascending
// order, and marks the conversation read as a side effect. When a local
// cache is present the feed warm-starts from it before the network returns.
func (c *Controller) LoadInitial(ctx context.Context) error {
	c.mu.Lock()
	if c.closed || c.loading {
		c.mu.Unlock()
		return nil
	}
	c.loading = true
	c.mu.Unlock()
	c.notify()

	c.warmStart(ctx)

	page, err := c.api.GetMessages(ctx, c.conversationID, time.Time{}, pageSize)

	c.mu.Lock()
	c.loading = false
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	if err != nil {
		c.mu.Unlock()
		c.notify()
		return fmt.Errorf("loading messages: %w", err)
	}

	// Page arrives newest first; merge lands it in ascending order and
	// drops anything the warm start already holds.
	c.mergeLocked(page.Items)
	c.hasMore = page.HasMore
	c.mu.Unlock()

	c.notify()
	c.writeThrough(ctx, page.Items)
	c.markRead(ctx)
	return nil
}

// LoadOlder fetches the page preceding the oldest held message and prepends
// it. No-op while a load is already in flight or when no more history
// exists; a failure leaves the feed untouched and re-enables retry.
func (c *Controller) LoadOlder(ctx context.Context) error {
	c.mu.Lock()
	if c.closed || !c.hasMore || c.loadingOlder || len(c.messages) == 0 {
		c.mu.Unlock()
		return nil
	}
	c.loadingOlder = true
	cursor := c.messages[0].CreatedAt
	c.mu.Unlock()

	page, err := c.api.GetMessages(ctx, c.conversationID, cursor, pageSize)

	c.mu.Lock()
	c.loadingOlder = false
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("loading older messages: %w", err)
	}

	c.mergeLocked(page.Items)
	c.hasMore = page.HasMore
	c.mu.Unlock()

	c.notify()
	c.writeThrough(ctx, page.Items)
	return nil
}

// Send posts the current draft. The draft clears optimistically and is
// restored on failure; on success the server's authoritative copy (not a
// local optimistic one) is appended, and a typing-stop always goes out
// first regardless of throttle state.
func (c *Controller) Send(ctx context.Context) error {
	c.mu.Lock()
	body := strings.TrimSpace(c.draft)
	if c.closed || c.sending || body == "" {
		c.mu.Unlock()
		return nil
	}
	c.draft = ""
	c.sending = true
	c.mu.Unlock()
	c.notify()

	c.rt.PublishTyping(c.conversationID, false)

	msg, err := c.api.SendMessage(ctx, httpapi.SendMessageRequest{
		RecipientID: c.peerID,
		Body:        body,
		SendKey:     uuid.New().String(),
	})

	c.mu.Lock()
	c.sending = false
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	if err != nil {
		c.draft = body
		c.mu.Unlock()
		c.notify()
		return fmt.Errorf("sending message: %w", err)
	}

	// The push echo may have landed first; the id dedup covers both orders.
	c.appendLocked(*msg)
	c.mu.Unlock()

	c.notify()
	c.writeThrough(ctx, []wire.Message{*msg})
	return nil
}

// NotifyTyping emits an outbound typing-start, throttled to at most one per
// rolling window however many keystrokes occur.
func (c *Controller) NotifyTyping() {
	c.mu.Lock()
	closed := c.closed
	now := c.clk.Now()
	c.mu.Unlock()

	if closed {
		return
	}
	if c.throttle.AllowN(now, 1) {
		c.rt.PublishTyping(c.conversationID, true)
	}
}

// SetDraft replaces the draft text.
func (c *Controller) SetDraft(text string) {
	c.mu.Lock()
	c.draft = text
	c.mu.Unlock()
}

// Draft returns the current draft text.
func (c *Controller) Draft() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft
}

// Messages returns a copy of the current sequence, ascending by createdAt.
func (c *Controller) Messages() []wire.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]wire.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// HasMore reports whether older history remains.
func (c *Controller) HasMore() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasMore
}

// Loading reports whether the initial load is in flight.
func (c *Controller) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loading
}

// Sending reports whether a send is in flight.
func (c *Controller) Sending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sending
}

// PeerTyping reports whether the peer-typing indicator is showing.
func (c *Controller) PeerTyping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerTyping
}

// handleMessage appends a pushed message to the tail. Push delivery is
// causally ordered per conversation, so arrival order is trusted without a
// re-sort. Receiving a message while the conversation is open also marks it
// read.
func (c *Controller) handleMessage(msg *wire.Message) {
	if msg.ConversationID != c.conversationID {
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	added := c.appendLocked(*msg)
	c.mu.Unlock()

	if !added {
		return
	}
	c.notify()

	// Dispatch must not block on I/O.
	go func() {
		c.writeThrough(context.Background(), []wire.Message{*msg})
		c.markRead(context.Background())
	}()
}

// handleReadReceipt bulk-marks the local user's own un-read outgoing
// messages. Monotonic: a set readAt is never cleared or moved.
func (c *Controller) handleReadReceipt(r *wire.ReadReceipt) {
	if r.ConversationID != c.conversationID {
		return
	}

	readAt := r.ReadAt
	if readAt.IsZero() {
		readAt = c.clk.Now()
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	changed := false
	for i := range c.messages {
		m := &c.messages[i]
		if m.SenderID == c.selfID && m.ReadAt == nil {
			at := readAt
			m.ReadAt = &at
			changed = true
		}
	}
	c.mu.Unlock()

	if !changed {
		return
	}
	c.notify()

	if c.cache != nil {
		go func() {
			if err := c.cache.MarkConversationRead(context.Background(), c.conversationID, c.selfID, readAt); err != nil {
				c.logger.Debug("cache read update failed", "error", err)
			}
		}()
	}
}

// handleTyping flips the transient peer-typing flag. The flag auto-clears
// after the display timeout unless a fresh signal arrives first. Signals
// from the local user are ignored.
func (c *Controller) handleTyping(sig *wire.TypingSignal) {
	if sig.ConversationID != c.conversationID || sig.UserID == c.selfID {
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.peerTyping = sig.IsTyping
	if sig.IsTyping {
		if c.typingTimer != nil {
			c.typingTimer.Reset(typingDisplayTimeout)
		} else {
			c.typingTimer = c.clk.AfterFunc(typingDisplayTimeout, c.expireTyping)
		}
	} else if c.typingTimer != nil {
		c.typingTimer.Stop()
	}
	c.mu.Unlock()

	c.notify()
}

// expireTyping clears the peer-typing flag when no refresh arrived in time.
func (c *Controller) expireTyping() {
	c.mu.Lock()
	if c.closed || !c.peerTyping {
		c.mu.Unlock()
		return
	}
	c.peerTyping = false
	c.mu.Unlock()
	c.notify()
}

// appendLocked adds one message at the tail if its id is unseen.
// Returns whether the message was added. Must be called with mu held.
func (c *Controller) appendLocked(m wire.Message) bool {
	if _, dup := c.ids[m.ID]; dup {
		return false
	}
	c.ids[m.ID] = struct{}{}
	c.messages = append(c.messages, m)
	return true
}

// mergeLocked folds a newest-first page into the sequence, keeping it
// ascending by createdAt (ties by id) and unique by id. Must be called with
// mu held.
func (c *Controller) mergeLocked(page []wire.Message) {
	for _, m := range page {
		if _, dup := c.ids[m.ID]; dup {
			continue
		}
		c.ids[m.ID] = struct{}{}

		pos := len(c.messages)
		for pos > 0 {
			prev := c.messages[pos-1]
			if prev.CreatedAt.Before(m.CreatedAt) ||
				(prev.CreatedAt.Equal(m.CreatedAt) && prev.ID < m.ID) {
				break
			}
			pos--
		}
		c.messages = append(c.messages, wire.Message{})
		copy(c.messages[pos+1:], c.messages[pos:])
		c.messages[pos] = m
	}
}

// markRead tells the backend the conversation is read. Best-effort: failures
// are logged and swallowed, never retried.
func (c *Controller) markRead(ctx context.Context) {
	if err := c.api.MarkRead(ctx, c.conversationID); err != nil {
		c.logger.Warn("mark-read failed", "error", err)
	}
}

// writeThrough mirrors fetched or sent messages into the local cache.
func (c *Controller) writeThrough(ctx context.Context, msgs []wire.Message) {
	if c.cache == nil {
		return
	}
	for i := range msgs {
		if err := c.cache.SaveMessage(ctx, &msgs[i]); err != nil {
			c.logger.Debug("cache write failed", "message_id", msgs[i].ID, "error", err)
			return
		}
	}
}

// warmStart seeds the feed from the local cache while the first network
// fetch is still in flight.
func (c *Controller) warmStart(ctx context.Context) {
	if c.cache == nil {
		return
	}

	cached, err := c.cache.RecentMessages(ctx, c.conversationID, pageSize)
	if err != nil {
		c.logger.Debug("cache warm start failed", "error", err)
		return
	}
	if len(cached) == 0 {
		return
	}

	c.mu.Lock()
	if c.closed || len(c.messages) > 0 {
		c.mu.Unlock()
		return
	}
	for _, m := range cached {
		c.appendLocked(m)
	}
	c.mu.Unlock()
	c.notify()
}

// notify invokes the update callback, if any, without holding the lock.
func (c *Controller) notify() {
	c.mu.Lock()
	fn := c.onUpdate
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}
