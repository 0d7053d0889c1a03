package atelier

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic Atelier API response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  map[string]any  `json:"meta,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Messaging Types
// ============================================================================

// MessageStatus tracks the send lifecycle of a client-authored message.
// Transitions are forward-only: pending → sent, pending → failed,
// failed → sent (after a manual retry is acknowledged). A sent message
// never returns to pending or failed.
type MessageStatus string

const (
	StatusPending MessageStatus = "pending"
	StatusSent    MessageStatus = "sent"
	StatusFailed  MessageStatus = "failed"
)

// ReactionEntry is one user's emoji reaction on a message. A user has at
// most one active reaction per message.
type ReactionEntry struct {
	UserID    string    `json:"user_id"`
	Type      string    `json:"reaction_type"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is one entry in a conversation's ordered list.
//
// ID is empty until the server acknowledges the message; TempID is the
// client-generated identifier and stays stable across reconciliation.
// DeliveredTo and IsRead are facts layered on top of a sent message; they
// advance independently of Status and never regress.
type Message struct {
	ID             string                   `json:"id,omitempty"`
	TempID         string                   `json:"temp_id,omitempty"`
	ConversationID string                   `json:"conversation_id"`
	SenderID       string                   `json:"sender_id"`
	Content        string                   `json:"content"`
	ReplyToID      string                   `json:"reply_to_id,omitempty"`
	CreatedAt      time.Time                `json:"created_at"`
	Status         MessageStatus            `json:"status,omitempty"`
	Reactions      map[string]ReactionEntry `json:"reactions,omitempty"`
	DeliveredTo    []string                 `json:"delivered_to,omitempty"`
	IsRead         bool                     `json:"is_read,omitempty"`
}

// Key returns the identity used for sort tie-breaking: the server id when
// known, the temp id otherwise.
func (m *Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.TempID
}

func (m *Message) deliveredTo(userID string) bool {
	for _, u := range m.DeliveredTo {
		if u == userID {
			return true
		}
	}
	return false
}

// addDelivered union-adds recipients into DeliveredTo.
func (m *Message) addDelivered(userIDs []string) {
	for _, u := range userIDs {
		if u != "" && !m.deliveredTo(u) {
			m.DeliveredTo = append(m.DeliveredTo, u)
		}
	}
}

// Clone returns a deep copy so store snapshots cannot be mutated by callers.
func (m *Message) Clone() *Message {
	cp := *m
	if m.Reactions != nil {
		cp.Reactions = make(map[string]ReactionEntry, len(m.Reactions))
		for k, v := range m.Reactions {
			cp.Reactions[k] = v
		}
	}
	if m.DeliveredTo != nil {
		cp.DeliveredTo = append([]string(nil), m.DeliveredTo...)
	}
	return &cp
}

// Participant identifies one member of a conversation.
type Participant struct {
	UserID      string `json:"user_id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
}

// MessageSummary is the latest-message preview shown in the directory.
type MessageSummary struct {
	Content  string    `json:"content"`
	SenderID string    `json:"sender_id"`
	SentAt   time.Time `json:"sent_at"`
}

// Conversation is a directory entry. Conversations are never deleted
// client-side; the backend owns their lifecycle.
type Conversation struct {
	ID           string          `json:"id"`
	Participants []Participant   `json:"participants"`
	LastMessage  *MessageSummary `json:"last_message,omitempty"`
	UnreadCount  int             `json:"unread_count"`
	UpdatedAt    time.Time       `json:"updated_at,omitempty"`
}

// Peer returns the counterpart of a direct conversation, skipping selfID.
func (c *Conversation) Peer(selfID string) *Participant {
	for i := range c.Participants {
		if c.Participants[i].UserID != selfID {
			return &c.Participants[i]
		}
	}
	return nil
}

// UserStatus is a presence update for one user.
type UserStatus struct {
	UserID   string    `json:"user_id"`
	Status   string    `json:"status"`
	LastSeen time.Time `json:"last_seen,omitempty"`
}

// FollowNotification rides the same socket as chat traffic but belongs to
// the follow domain; the engine only fans it out.
type FollowNotification struct {
	Follower  string    `json:"follower"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// ============================================================================
// REST Options
// ============================================================================

// HistoryOptions paginates message history fetches.
type HistoryOptions struct {
	Limit  int
	Before time.Time
}

// HistoryPage is one page of message history.
type HistoryPage struct {
	Messages []*Message `json:"messages"`
	HasMore  bool       `json:"has_more"`
}
