// ABOUTME: Pull-side REST client for the chat backend: history pages, send, mark-read.
// ABOUTME: Attaches the current bearer credential per request; never caches it.

package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/skillswap/chat-client/internal/auth"
	"github.com/skillswap/chat-client/internal/wire"
)

// DefaultPageSize is the fixed history page size.
const DefaultPageSize = 50

const requestTimeout = 15 * time.Second

// APIError is a non-2xx response from the backend.
type APIError struct {
	Status  int
	Message string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("api error %d", e.Status)
}

// MessagePage is one page of history, newest first as served by the backend.
type MessagePage struct {
	Items   []wire.Message `json:"items"`
	HasMore bool           `json:"hasMore"`
}

// SendMessageRequest is the outbound send payload. SendKey is a
// client-generated idempotency key the backend may use to dedup retries.
type SendMessageRequest struct {
	RecipientID string `json:"recipientId"`
	Body        string `json:"body"`
	SendKey     string `json:"sendKey,omitempty"`
}

// Client issues the few REST calls the chat core needs.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  auth.TokenSource
	logger  *slog.Logger
}

// NewClient creates an API client for the given base URL.
// Pass nil logger for default.
func NewClient(baseURL string, tokens auth.TokenSource, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: requestTimeout},
		tokens:  tokens,
		logger:  logger.With("component", "httpapi"),
	}
}

// GetMessages fetches one page of a conversation's history. A zero before
// means the newest page; otherwise messages strictly older than before are
// returned. Pages arrive newest-first.
func (c *Client) GetMessages(ctx context.Context, conversationID string, before time.Time, size int) (*MessagePage, error) {
	if size <= 0 {
		size = DefaultPageSize
	}

	params := url.Values{}
	params.Set("size", strconv.Itoa(size))
	if !before.IsZero() {
		params.Set("before", before.UTC().Format(time.RFC3339Nano))
	}

	path := fmt.Sprintf("/api/conversations/%s/messages?%s", url.PathEscape(conversationID), params.Encode())

	var page MessagePage
	if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// SendMessage posts a new message and returns the server's authoritative
// copy, carrying the server-assigned id and timestamp.
func (c *Client) SendMessage(ctx context.Context, req SendMessageRequest) (*wire.Message, error) {
	var msg wire.Message
	if err := c.do(ctx, http.MethodPost, "/api/messages", req, &msg); err != nil {
		return nil, err
	}
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("server returned invalid message: %w", err)
	}
	return &msg, nil
}

// MarkRead tells the backend the conversation has been read.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	path := fmt.Sprintf("/api/conversations/%s/read", url.PathEscape(conversationID))
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// GetConversations fetches the conversation summaries for the current user.
func (c *Client) GetConversations(ctx context.Context) ([]wire.ConversationSummary, error) {
	var summaries []wire.ConversationSummary
	if err := c.do(ctx, http.MethodGet, "/api/conversations", nil, &summaries); err != nil {
		return nil, err
	}
	return summaries, nil
}

// do executes one request with auth attached, decoding a JSON response into
// out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("resolving credential: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.apiError(resp)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s response: %w", method, path, err)
	}
	return nil
}

// apiError extracts a human-readable message from an error response body.
func (c *Client) apiError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil || len(raw) == 0 {
		return apiErr
	}

	var parsed struct {
		Message string `json:"message"`
		Error   string `json:"error"`
		Title   string `json:"title"`
	}
	if err := json.Unmarshal(raw, &parsed); err == nil {
		switch {
		case parsed.Message != "":
			apiErr.Message = parsed.Message
		case parsed.Error != "":
			apiErr.Message = parsed.Error
		case parsed.Title != "":
			apiErr.Message = parsed.Title
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	return apiErr
}
