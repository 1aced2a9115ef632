// ABOUTME: Process-wide wiring: one realtime manager, one REST client, one
// ABOUTME: optional local cache, shared by every controller the app opens.

// Package session owns the chat client's long-lived dependencies. Exactly
// one realtime connection exists per process; feed and list controllers
// borrow it through Session rather than owning it.
package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/skillswap/chat-client/internal/auth"
	"github.com/skillswap/chat-client/internal/config"
	"github.com/skillswap/chat-client/internal/convlist"
	"github.com/skillswap/chat-client/internal/feed"
	"github.com/skillswap/chat-client/internal/httpapi"
	"github.com/skillswap/chat-client/internal/realtime"
	"github.com/skillswap/chat-client/internal/store"
)

// Session bundles the shared chat dependencies and their lifecycle.
type Session struct {
	logger  *slog.Logger
	tokens  auth.TokenSource
	manager *realtime.Manager
	api     *httpapi.Client
	cache   *store.Cache
	list    *convlist.Controller
	selfID  string
}

// New builds a session from configuration. No network traffic happens until
// Start.
func New(cfg *config.Config, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var tokens auth.TokenSource
	if cfg.Auth.TokenFile != "" {
		tokens = &auth.FileSource{Path: cfg.Auth.TokenFile}
	} else {
		tokens = auth.DefaultSource()
	}
	tokens = auth.NotExpired(tokens)

	var cache *store.Cache
	if cfg.Cache.Path != "" {
		var err error
		cache, err = store.Open(cfg.Cache.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("opening cache: %w", err)
		}
	}

	s := &Session{
		logger:  logger,
		tokens:  tokens,
		manager: realtime.NewManager(cfg.Server.WebsocketURL, logger),
		api:     httpapi.NewClient(cfg.Server.BaseURL, tokens, logger),
		cache:   cache,
	}

	s.list = convlist.New(convlist.Config{
		API:      s.api,
		Realtime: s.manager,
		Cache:    cache,
		Logger:   logger,
	})

	return s, nil
}

// Start resolves the local identity from the credential and brings the
// realtime connection up. A rejected credential fails Start; transport
// errors do not, since the manager keeps retrying in the background.
func (s *Session) Start(ctx context.Context) error {
	token, err := s.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("resolving credential: %w", err)
	}
	selfID, err := auth.Subject(token)
	if err != nil {
		return fmt.Errorf("resolving identity: %w", err)
	}
	s.selfID = selfID
	s.logger.Info("session starting", "component", "session", "user_id", selfID)

	return s.manager.Connect(ctx, s.tokens)
}

// Close tears everything down: realtime connection, list controller, cache.
func (s *Session) Close() error {
	s.list.Close()
	s.manager.Disconnect()
	if s.cache != nil {
		return s.cache.Close()
	}
	return nil
}

// SelfID returns the local user's id. Valid after Start.
func (s *Session) SelfID() string {
	return s.selfID
}

// List returns the shared conversation list controller.
func (s *Session) List() *convlist.Controller {
	return s.list
}

// Manager returns the shared realtime connection manager.
func (s *Session) Manager() *realtime.Manager {
	return s.manager
}

// API returns the shared REST client.
func (s *Session) API() *httpapi.Client {
	return s.api
}

// OpenConversation builds a feed controller for one conversation on the
// shared connection. The caller owns the returned controller and must Close
// it when the view goes away.
func (s *Session) OpenConversation(conversationID, peerID string) *feed.Controller {
	return feed.New(feed.Config{
		ConversationID: conversationID,
		PeerID:         peerID,
		SelfID:         s.selfID,
		API:            s.api,
		Realtime:       s.manager,
		Cache:          s.cache,
		Logger:         s.logger,
	})
}
