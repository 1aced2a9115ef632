// ABOUTME: Conversation list controller: keeps the inbox ordered by recency
// ABOUTME: and reconciles unread counts from push updates.

// Package convlist maintains the conversation inbox: one summary per
// conversation, ordered newest activity first, with unread counts driven
// entirely by server push rather than local arithmetic.
package convlist

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/skillswap/chat-client/internal/store"
	"github.com/skillswap/chat-client/internal/wire"
)

// A preview line never exceeds this many runes.
const previewLimit = 80

// API is the pull-side surface the controller consumes.
type API interface {
	GetConversations(ctx context.Context) ([]wire.ConversationSummary, error)
	MarkRead(ctx context.Context, conversationID string) error
}

// Realtime is the push-side surface the controller consumes.
type Realtime interface {
	OnMessage(fn func(*wire.Message)) func()
	OnConversationUpdate(fn func(*wire.ConversationUpdate)) func()
}

// Config carries the controller's dependencies.
type Config struct {
	SelfID   string
	API      API
	Realtime Realtime
	Cache    *store.Cache // optional
	Logger   *slog.Logger
}

// Controller holds the inbox state. Unread counts come exclusively from
// conversation-update pushes, which carry absolute values; the controller
// never increments or decrements a count on its own.
type Controller struct {
	selfID string
	api    API
	rt     Realtime
	cache  *store.Cache
	logger *slog.Logger

	mu       sync.Mutex
	items    []wire.ConversationSummary
	active   string
	loading  bool
	closed   bool
	unsubs   []func()
	onUpdate func()
}

// New creates a controller and registers its push listeners. Call Close
// when the inbox view goes away.
func New(cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Controller{
		selfID: cfg.SelfID,
		api:    cfg.API,
		rt:     cfg.Realtime,
		cache:  cfg.Cache,
		logger: logger.With("component", "convlist"),
	}

	c.unsubs = []func(){
		cfg.Realtime.OnMessage(c.handleMessage),
		cfg.Realtime.OnConversationUpdate(c.handleUpdate),
	}

	return c
}

// SetOnUpdate registers a callback invoked after any state change, without
// the controller lock held.
func (c *Controller) SetOnUpdate(fn func()) {
	c.mu.Lock()
	c.onUpdate = fn
	c.mu.Unlock()
}

// Close unregisters the push listeners. Safe to call multiple times.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}

// Load replaces the inbox with the server's conversation list. When a local
// cache is present the list warm-starts from it first.
func (c *Controller) Load(ctx context.Context) error {
	c.mu.Lock()
	if c.closed || c.loading {
		c.mu.Unlock()
		return nil
	}
	c.loading = true
	c.mu.Unlock()
	c.notify()

	c.warmStart(ctx)

	items, err := c.api.GetConversations(ctx)

	c.mu.Lock()
	c.loading = false
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	if err != nil {
		c.mu.Unlock()
		c.notify()
		return fmt.Errorf("loading conversations: %w", err)
	}
	c.items = items
	c.sortLocked()
	c.mu.Unlock()

	c.notify()
	c.writeThrough(ctx, items)
	return nil
}

// Select marks a conversation active. Its unread count zeroes immediately
// and a best-effort mark-read goes to the backend; updates for the active
// conversation keep it at zero until Deselect.
func (c *Controller) Select(ctx context.Context, conversationID string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.active = conversationID
	for i := range c.items {
		if c.items[i].ID == conversationID {
			c.items[i].UnreadCount = 0
			break
		}
	}
	c.mu.Unlock()
	c.notify()

	go func() {
		if err := c.api.MarkRead(context.WithoutCancel(ctx), conversationID); err != nil {
			c.logger.Warn("mark-read failed", "conversation_id", conversationID, "error", err)
		}
	}()
}

// Deselect clears the active conversation.
func (c *Controller) Deselect() {
	c.mu.Lock()
	c.active = ""
	c.mu.Unlock()
}

// Conversations returns a copy of the inbox, newest activity first.
func (c *Controller) Conversations() []wire.ConversationSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]wire.ConversationSummary, len(c.items))
	copy(out, c.items)
	return out
}

// Loading reports whether a load is in flight.
func (c *Controller) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loading
}

// handleMessage bumps the matching conversation's recency and preview and
// re-sorts. A message for an unknown conversation inserts a minimal summary
// so new conversations appear without a reload. Unread counts are left
// alone; the server pushes those separately.
func (c *Controller) handleMessage(msg *wire.Message) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	found := false
	for i := range c.items {
		if c.items[i].ID != msg.ConversationID {
			continue
		}
		found = true
		if msg.CreatedAt.After(c.items[i].LastMessageAt) {
			c.items[i].LastMessageAt = msg.CreatedAt
			c.items[i].LastMessagePreview = truncatePreview(msg.Body)
		}
		break
	}
	if !found {
		summary := wire.ConversationSummary{
			ID:                 msg.ConversationID,
			LastMessageAt:      msg.CreatedAt,
			LastMessagePreview: truncatePreview(msg.Body),
		}
		if msg.SenderID != c.selfID {
			summary.OtherParticipant = wire.Participant{ID: msg.SenderID}
		}
		c.items = append(c.items, summary)
	}
	c.sortLocked()

	var updated *wire.ConversationSummary
	for i := range c.items {
		if c.items[i].ID == msg.ConversationID {
			s := c.items[i]
			updated = &s
			break
		}
	}
	c.mu.Unlock()
	c.notify()

	if c.cache != nil && updated != nil {
		go func() {
			if err := c.cache.UpsertConversation(context.Background(), updated); err != nil {
				c.logger.Debug("cache write failed", "conversation_id", updated.ID, "error", err)
			}
		}()
	}
}

// handleUpdate replaces a conversation's unread count with the pushed
// absolute value. The active conversation stays at zero; the user is
// already looking at it.
func (c *Controller) handleUpdate(u *wire.ConversationUpdate) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	changed := false
	for i := range c.items {
		if c.items[i].ID != u.ConversationID {
			continue
		}
		count := u.UnreadCount
		if u.ConversationID == c.active {
			count = 0
		}
		if c.items[i].UnreadCount != count {
			c.items[i].UnreadCount = count
			changed = true
		}
		break
	}
	c.mu.Unlock()

	if changed {
		c.notify()
	}
}

// sortLocked orders the inbox by last activity, newest first. Ties keep
// their existing relative order. Must be called with mu held.
func (c *Controller) sortLocked() {
	sort.SliceStable(c.items, func(i, j int) bool {
		return c.items[i].LastMessageAt.After(c.items[j].LastMessageAt)
	})
}

// warmStart seeds the inbox from the local cache while the network load is
// in flight.
func (c *Controller) warmStart(ctx context.Context) {
	if c.cache == nil {
		return
	}

	cached, err := c.cache.Conversations(ctx)
	if err != nil {
		c.logger.Debug("cache warm start failed", "error", err)
		return
	}
	if len(cached) == 0 {
		return
	}

	c.mu.Lock()
	if c.closed || len(c.items) > 0 {
		c.mu.Unlock()
		return
	}
	c.items = cached
	c.sortLocked()
	c.mu.Unlock()
	c.notify()
}

// writeThrough mirrors summaries into the local cache.
func (c *Controller) writeThrough(ctx context.Context, items []wire.ConversationSummary) {
	if c.cache == nil {
		return
	}
	for i := range items {
		if err := c.cache.UpsertConversation(ctx, &items[i]); err != nil {
			c.logger.Debug("cache write failed", "conversation_id", items[i].ID, "error", err)
			return
		}
	}
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

// truncatePreview caps a message body at the preview limit, counting runes
// so multi-byte text never splits mid-character.
func truncatePreview(body string) string {
	runes := []rune(body)
	if len(runes) <= previewLimit {
		return body
	}
	return string(runes[:previewLimit-1]) + "…"
}
