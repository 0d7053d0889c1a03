package atelier

import (
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// Frame Kinds
// ============================================================================

// FrameKind tags one discrete unit exchanged over the socket.
type FrameKind string

const (
	// Inbound.
	FrameConnectionEstablished FrameKind = "connection_established"
	FrameNewMessage            FrameKind = "new_message"
	FrameMessageSent           FrameKind = "message_sent"
	FrameMessageDelivered      FrameKind = "message_delivered"
	FrameMessageRead           FrameKind = "message_read"
	FrameReaction              FrameKind = "reaction"
	FrameReactionAdded         FrameKind = "reaction_added"
	FrameReactionRemoved       FrameKind = "reaction_removed"
	FrameReactionUpdate        FrameKind = "reaction_update"
	FrameUserStatus            FrameKind = "user_status"
	FrameFollowNotification    FrameKind = "follow_notification"
	FrameError                 FrameKind = "error"

	// Outbound.
	FrameMessage        FrameKind = "message"
	FrameAddReaction    FrameKind = "add_reaction"
	FrameRemoveReaction FrameKind = "remove_reaction"
	FrameMarkRead       FrameKind = "mark_read"

	// Forward-compatibility: types this SDK does not recognize decode into
	// FrameUnknown and are ignorable by every consumer.
	FrameUnknown FrameKind = "unknown"
)

// DecodeError reports a frame that carried a known type but was missing a
// required field. It is non-fatal: the connection manager logs and drops it.
type DecodeError struct {
	Kind  FrameKind
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode %s frame: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("decode %s frame: missing required field %q", e.Kind, e.Field)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ============================================================================
// Frame
// ============================================================================

// Frame is the decoded form of one wire frame. Kind selects which fields are
// populated; consumers switch on Kind exhaustively.
type Frame struct {
	Kind FrameKind

	// connection_established
	Username string
	UserID   string // also reaction actor / user_status subject

	// new_message / message_sent
	Message *Message
	TempID  string // server-echoed temp id on message_sent

	// message_delivered / reaction*
	MessageID   string
	DeliveredTo []string
	DeliveredAt time.Time

	// message_read
	MessageIDs []string
	ReaderID   string

	// reaction / reaction_added / reaction_removed: single-entry legacy
	// shape; reaction_update: full authoritative snapshot.
	ReactionType string
	Reactions    []ReactionEntry

	// user_status
	Status   string
	LastSeen time.Time

	// follow_notification
	Follower  string
	Timestamp time.Time

	// error / follow_notification text
	Text string

	// Raw is kept for unknown frames so bridges can forward them untouched.
	Raw json.RawMessage
}

// wireFrame is the superset of fields any frame may carry on the wire.
type wireFrame struct {
	Type string `json:"type"`

	Username string `json:"username,omitempty"`
	UserID   string `json:"user_id,omitempty"`

	// "message" carries a full message object on message frames but a plain
	// string on error and follow_notification frames, so it stays raw here.
	Message json.RawMessage `json:"message,omitempty"`
	TempID  string          `json:"temp_id,omitempty"`

	MessageID   string    `json:"message_id,omitempty"`
	DeliveredTo []string  `json:"delivered_to,omitempty"`
	DeliveredAt time.Time `json:"delivered_at,omitempty"`

	MessageIDs []string `json:"message_ids,omitempty"`
	ReaderID   string   `json:"reader_id,omitempty"`

	ReactionType string          `json:"reaction_type,omitempty"`
	Reactions    []ReactionEntry `json:"reactions,omitempty"`

	Status   string    `json:"status,omitempty"`
	LastSeen time.Time `json:"last_seen,omitempty"`

	Follower  string    `json:"follower,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// messageObject decodes the raw "message" field as a full message object.
func (w *wireFrame) messageObject() *Message {
	if len(w.Message) == 0 {
		return nil
	}
	var m Message
	if json.Unmarshal(w.Message, &m) != nil {
		return nil
	}
	return &m
}

// messageText decodes the raw "message" field as a plain string.
func (w *wireFrame) messageText() string {
	if len(w.Message) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(w.Message, &s) == nil {
		return s
	}
	return ""
}

// DecodeFrame parses a raw wire frame. Unknown types succeed as FrameUnknown;
// known types with missing required fields return a *DecodeError.
func DecodeFrame(raw []byte) (*Frame, error) {
	var w wireFrame
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, &DecodeError{Kind: FrameUnknown, Err: err}
	}
	if w.Type == "" {
		return nil, &DecodeError{Kind: FrameUnknown, Field: "type"}
	}

	kind := FrameKind(w.Type)
	f := &Frame{Kind: kind}

	switch kind {
	case FrameConnectionEstablished:
		if w.Username == "" {
			return nil, &DecodeError{Kind: kind, Field: "username"}
		}
		f.Username = w.Username
		f.UserID = w.UserID

	case FrameNewMessage, FrameMessage:
		// Some backend versions broadcast live messages as "message"
		// rather than "new_message"; both carry a full message object.
		msg := w.messageObject()
		if msg == nil {
			return nil, &DecodeError{Kind: kind, Field: "message"}
		}
		f.Kind = FrameNewMessage
		f.Message = msg

	case FrameMessageSent:
		msg := w.messageObject()
		if msg == nil {
			return nil, &DecodeError{Kind: kind, Field: "message"}
		}
		f.Message = msg
		f.TempID = w.TempID
		if f.TempID == "" {
			f.TempID = msg.TempID
		}

	case FrameMessageDelivered:
		if w.MessageID == "" {
			return nil, &DecodeError{Kind: kind, Field: "message_id"}
		}
		if len(w.DeliveredTo) == 0 {
			return nil, &DecodeError{Kind: kind, Field: "delivered_to"}
		}
		f.MessageID = w.MessageID
		f.DeliveredTo = w.DeliveredTo
		f.DeliveredAt = w.DeliveredAt

	case FrameMessageRead:
		if len(w.MessageIDs) == 0 {
			return nil, &DecodeError{Kind: kind, Field: "message_ids"}
		}
		f.MessageIDs = w.MessageIDs
		f.ReaderID = w.ReaderID

	case FrameReaction, FrameReactionAdded, FrameReactionRemoved, FrameReactionUpdate:
		return decodeReactionFrame(kind, &w)

	case FrameUserStatus:
		if w.UserID == "" {
			return nil, &DecodeError{Kind: kind, Field: "user_id"}
		}
		f.UserID = w.UserID
		f.Status = w.Status
		f.LastSeen = w.LastSeen

	case FrameFollowNotification:
		if w.Follower == "" {
			return nil, &DecodeError{Kind: kind, Field: "follower"}
		}
		f.Follower = w.Follower
		f.Timestamp = w.Timestamp
		f.Text = w.messageText()

	case FrameError:
		f.Text = w.messageText()

	default:
		f.Kind = FrameUnknown
		f.Raw = append(json.RawMessage(nil), raw...)
	}

	return f, nil
}

// decodeReactionFrame handles the two coexisting reaction shapes: the legacy
// single (user_id, reaction_type) pair and the full reactions[] snapshot.
// Both normalize onto the same Frame so the aggregator applies them with one
// idempotent function.
func decodeReactionFrame(kind FrameKind, w *wireFrame) (*Frame, error) {
	if w.MessageID == "" {
		return nil, &DecodeError{Kind: kind, Field: "message_id"}
	}
	f := &Frame{Kind: kind, MessageID: w.MessageID}

	if len(w.Reactions) > 0 {
		// Snapshot shape: authoritative, replaces the per-message map.
		f.Kind = FrameReactionUpdate
		f.Reactions = w.Reactions
		return f, nil
	}

	if w.UserID == "" {
		return nil, &DecodeError{Kind: kind, Field: "user_id"}
	}
	f.UserID = w.UserID
	f.ReactionType = w.ReactionType
	if kind == FrameReactionRemoved {
		f.ReactionType = ""
	} else if f.ReactionType == "" {
		return nil, &DecodeError{Kind: kind, Field: "reaction_type"}
	}
	return f, nil
}

// ============================================================================
// Outbound frames
// ============================================================================

// OutboundFrame is a client-to-server frame ready for transmission.
type OutboundFrame struct {
	Type           FrameKind `json:"type"`
	TempID         string    `json:"temp_id,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	RecipientID    string    `json:"recipient_id,omitempty"`
	Content        string    `json:"content,omitempty"`
	ReplyToID      string    `json:"reply_to_id,omitempty"`
	MessageID      string    `json:"message_id,omitempty"`
	ReactionType   string    `json:"reaction_type,omitempty"`
}

// EncodeFrame serializes an outbound frame.
func EncodeFrame(f *OutboundFrame) ([]byte, error) {
	if f.Type == "" {
		return nil, fmt.Errorf("encode frame: empty type")
	}
	return json.Marshal(f)
}

// NewMessageFrame builds the outbound frame for a chat message.
func NewMessageFrame(tempID, conversationID, content, replyToID string) *OutboundFrame {
	return &OutboundFrame{
		Type:           FrameMessage,
		TempID:         tempID,
		ConversationID: conversationID,
		Content:        content,
		ReplyToID:      replyToID,
	}
}

// NewReactionFrame builds an add_reaction or remove_reaction frame.
// An empty reactionType means removal.
func NewReactionFrame(tempID, messageID, reactionType string) *OutboundFrame {
	kind := FrameAddReaction
	if reactionType == "" {
		kind = FrameRemoveReaction
	}
	return &OutboundFrame{
		Type:         kind,
		TempID:       tempID,
		MessageID:    messageID,
		ReactionType: reactionType,
	}
}

// NewMarkReadFrame builds the read-marker frame for a conversation.
func NewMarkReadFrame(tempID, conversationID string) *OutboundFrame {
	return &OutboundFrame{
		Type:           FrameMarkRead,
		TempID:         tempID,
		ConversationID: conversationID,
	}
}
