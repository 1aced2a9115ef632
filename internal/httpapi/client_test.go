// ABOUTME: Tests for the REST client against an httptest backend.
// ABOUTME: Covers auth headers, pagination params, error extraction, and decoding.

package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillswap/chat-client/internal/auth"
	"github.com/skillswap/chat-client/internal/wire"
)

func TestGetMessages(t *testing.T) {
	var gotPath, gotAuth, gotBefore, gotSize string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotBefore = r.URL.Query().Get("before")
		gotSize = r.URL.Query().Get("size")

		json.NewEncoder(w).Encode(MessagePage{
			Items: []wire.Message{
				{ID: "m2", ConversationID: "c1", SenderID: "u2", Body: "newer", CreatedAt: time.Now()},
				{ID: "m1", ConversationID: "c1", SenderID: "u1", Body: "older", CreatedAt: time.Now().Add(-time.Minute)},
			},
			HasMore: true,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, auth.Static("tok"), nil)

	cursor := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	page, err := c.GetMessages(context.Background(), "c1", cursor, 25)
	require.NoError(t, err)

	assert.Equal(t, "/api/conversations/c1/messages", gotPath)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "2025-06-01T12:00:00Z", gotBefore)
	assert.Equal(t, "25", gotSize)
	assert.Len(t, page.Items, 2)
	assert.True(t, page.HasMore)
}

func TestGetMessages_NoCursorOmitsBefore(t *testing.T) {
	var hasBefore bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hasBefore = r.URL.Query().Has("before")
		json.NewEncoder(w).Encode(MessagePage{})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, auth.Static("tok"), nil)
	_, err := c.GetMessages(context.Background(), "c1", time.Time{}, 0)
	require.NoError(t, err)
	assert.False(t, hasBefore)
}

func TestSendMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/messages", r.URL.Path)

		var req SendMessageRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "u2", req.RecipientID)
		assert.NotEmpty(t, req.SendKey)

		json.NewEncoder(w).Encode(wire.Message{
			ID:             "server-id",
			ConversationID: "c1",
			SenderID:       "u1",
			Body:           req.Body,
			CreatedAt:      time.Now(),
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, auth.Static("tok"), nil)
	msg, err := c.SendMessage(context.Background(), SendMessageRequest{
		RecipientID: "u2",
		Body:        "hi there",
		SendKey:     "key-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "server-id", msg.ID)
	assert.Equal(t, "hi there", msg.Body)
}

func TestSendMessage_InvalidServerEcho(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(wire.Message{Body: "no id"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, auth.Static("tok"), nil)
	_, err := c.SendMessage(context.Background(), SendMessageRequest{RecipientID: "u2", Body: "x"})
	assert.ErrorContains(t, err, "invalid message")
}

func TestMarkRead(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, auth.Static("tok"), nil)
	require.NoError(t, c.MarkRead(context.Background(), "c1"))
	assert.Equal(t, "/api/conversations/c1/read", gotPath)
}

func TestAPIError_MessageExtraction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{"message": "duplicate send"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, auth.Static("tok"), nil)
	err := c.MarkRead(context.Background(), "c1")

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, "duplicate send", apiErr.Message)
}

func TestGetConversations(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/conversations", r.URL.Path)
		json.NewEncoder(w).Encode([]wire.ConversationSummary{
			{ID: "c1", OtherParticipant: wire.Participant{ID: "u2", DisplayName: "Maya"}, UnreadCount: 2},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, auth.Static("tok"), nil)
	summaries, err := c.GetConversations(context.Background())
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "Maya", summaries[0].OtherParticipant.DisplayName)
}
