// ABOUTME: Wire-format payload types for the four push topics and the REST surface.
// ABOUTME: Frames are decoded and validated here before anything is dispatched.

package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrUnknownTopic is returned when a frame names a topic the client does not handle.
var ErrUnknownTopic = errors.New("unknown topic")

// Topic identifies one of the logical channels multiplexed over the push connection.
type Topic string

const (
	TopicMessages            Topic = "messages"
	TopicConversationUpdates Topic = "conversation-updates"
	TopicReadReceipts        Topic = "read-receipts"
	TopicTyping              Topic = "typing"

	// Control topics used during the handshake exchange.
	TopicConnected Topic = "connected"
	TopicError     Topic = "error"
	TopicSubscribe Topic = "subscribe"
)

// Frame is the JSON envelope carried on the push connection in both directions.
type Frame struct {
	Topic   Topic           `json:"topic"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Participant is the minimal user shape embedded in conversation summaries.
type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// Message is a chat message. Immutable once received except ReadAt, which
// transitions once from nil to a timestamp and never reverts.
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversationId"`
	SenderID       string     `json:"senderId"`
	Body           string     `json:"body"`
	CreatedAt      time.Time  `json:"createdAt"`
	ReadAt         *time.Time `json:"readAt,omitempty"`
}

// Validate checks the fields a message must carry to be dispatchable.
func (m *Message) Validate() error {
	if m.ID == "" {
		return errors.New("message missing id")
	}
	if m.ConversationID == "" {
		return errors.New("message missing conversationId")
	}
	if m.SenderID == "" {
		return errors.New("message missing senderId")
	}
	if m.CreatedAt.IsZero() {
		return errors.New("message missing createdAt")
	}
	return nil
}

// ConversationSummary is one entry in the conversation list.
type ConversationSummary struct {
	ID                 string      `json:"id"`
	OtherParticipant   Participant `json:"otherParticipant"`
	LastMessageAt      time.Time   `json:"lastMessageAt"`
	LastMessagePreview string      `json:"lastMessagePreview"`
	UnreadCount        int         `json:"unreadCount"`
}

// ConversationUpdate is the unread-count push. It replaces the unreadCount
// field for the matching conversation; it is not a delta.
type ConversationUpdate struct {
	ConversationID string `json:"conversationId"`
	UnreadCount    int    `json:"unreadCount"`
}

// Validate checks required fields on a conversation update.
func (u *ConversationUpdate) Validate() error {
	if u.ConversationID == "" {
		return errors.New("conversation update missing conversationId")
	}
	if u.UnreadCount < 0 {
		return fmt.Errorf("conversation update has negative unreadCount %d", u.UnreadCount)
	}
	return nil
}

// ReadReceipt signals that the peer has read the conversation up to ReadAt.
type ReadReceipt struct {
	ConversationID string    `json:"conversationId"`
	ReaderID       string    `json:"readerId"`
	ReadAt         time.Time `json:"readAt"`
}

// Validate checks required fields on a read receipt.
func (r *ReadReceipt) Validate() error {
	if r.ConversationID == "" {
		return errors.New("read receipt missing conversationId")
	}
	return nil
}

// TypingSignal is the ephemeral typing indicator. It is never persisted and
// expires client-side when no refresh arrives.
type TypingSignal struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

// Validate checks required fields on a typing signal.
func (s *TypingSignal) Validate() error {
	if s.ConversationID == "" {
		return errors.New("typing signal missing conversationId")
	}
	if s.UserID == "" {
		return errors.New("typing signal missing userId")
	}
	return nil
}

// SubscribeRequest is the outbound control payload that (re)establishes all
// channel subscriptions in one frame after a successful handshake.
type SubscribeRequest struct {
	Topics []Topic `json:"topics"`
}

// HandshakeError is the payload of an "error" control frame sent when the
// server rejects the handshake credential.
type HandshakeError struct {
	Message string `json:"message"`
}

// DecodeEvent parses and validates a frame payload for one of the four push
// topics. The returned value is the matching pointer type: *Message,
// *ConversationUpdate, *ReadReceipt, or *TypingSignal.
func DecodeEvent(f *Frame) (any, error) {
	switch f.Topic {
	case TopicMessages:
		var m Message
		if err := json.Unmarshal(f.Payload, &m); err != nil {
			return nil, fmt.Errorf("decoding message payload: %w", err)
		}
		if err := m.Validate(); err != nil {
			return nil, err
		}
		return &m, nil
	case TopicConversationUpdates:
		var u ConversationUpdate
		if err := json.Unmarshal(f.Payload, &u); err != nil {
			return nil, fmt.Errorf("decoding conversation update payload: %w", err)
		}
		if err := u.Validate(); err != nil {
			return nil, err
		}
		return &u, nil
	case TopicReadReceipts:
		var r ReadReceipt
		if err := json.Unmarshal(f.Payload, &r); err != nil {
			return nil, fmt.Errorf("decoding read receipt payload: %w", err)
		}
		if err := r.Validate(); err != nil {
			return nil, err
		}
		return &r, nil
	case TopicTyping:
		var s TypingSignal
		if err := json.Unmarshal(f.Payload, &s); err != nil {
			return nil, fmt.Errorf("decoding typing payload: %w", err)
		}
		if err := s.Validate(); err != nil {
			return nil, err
		}
		return &s, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTopic, f.Topic)
	}
}

// PushTopics lists the four inbound topics in subscription order.
func PushTopics() []Topic {
	return []Topic{TopicMessages, TopicConversationUpdates, TopicReadReceipts, TopicTyping}
}
