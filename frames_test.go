package atelier

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

// ============================================================================
// DecodeFrame
// ============================================================================

func TestDecodeFrame(t *testing.T) {
	t.Run("connection established", func(t *testing.T) {
		f, err := DecodeFrame([]byte(`{"type":"connection_established","username":"mira","user_id":"u1"}`))
		require.NoError(t, err)
		require.Equal(t, FrameConnectionEstablished, f.Kind)
		require.Equal(t, "mira", f.Username)
		require.Equal(t, "u1", f.UserID)
	})

	t.Run("connection established requires username", func(t *testing.T) {
		_, err := DecodeFrame([]byte(`{"type":"connection_established"}`))
		var de *DecodeError
		require.ErrorAs(t, err, &de)
		require.Equal(t, "username", de.Field)
	})

	t.Run("new message", func(t *testing.T) {
		f, err := DecodeFrame([]byte(`{"type":"new_message","message":{"id":"m1","conversation_id":"c1","sender_id":"u2","content":"hey"}}`))
		require.NoError(t, err)
		require.Equal(t, FrameNewMessage, f.Kind)
		require.Equal(t, "m1", f.Message.ID)
		require.Equal(t, "hey", f.Message.Content)
	})

	t.Run("legacy message type normalizes to new_message", func(t *testing.T) {
		f, err := DecodeFrame([]byte(`{"type":"message","message":{"id":"m1","conversation_id":"c1","sender_id":"u2","content":"hey"}}`))
		require.NoError(t, err)
		require.Equal(t, FrameNewMessage, f.Kind)
	})

	t.Run("new message requires message object", func(t *testing.T) {
		_, err := DecodeFrame([]byte(`{"type":"new_message"}`))
		var de *DecodeError
		require.ErrorAs(t, err, &de)
		require.Equal(t, "message", de.Field)
	})

	t.Run("message sent echoes temp id", func(t *testing.T) {
		f, err := DecodeFrame([]byte(`{"type":"message_sent","temp_id":"t1","message":{"id":"m1","conversation_id":"c1","sender_id":"u1","content":"x"}}`))
		require.NoError(t, err)
		require.Equal(t, FrameMessageSent, f.Kind)
		require.Equal(t, "t1", f.TempID)
	})

	t.Run("message sent falls back to embedded temp id", func(t *testing.T) {
		f, err := DecodeFrame([]byte(`{"type":"message_sent","message":{"id":"m1","temp_id":"t2","conversation_id":"c1","sender_id":"u1","content":"x"}}`))
		require.NoError(t, err)
		require.Equal(t, "t2", f.TempID)
	})

	t.Run("message delivered", func(t *testing.T) {
		f, err := DecodeFrame([]byte(`{"type":"message_delivered","message_id":"m1","delivered_to":["u2","u3"]}`))
		require.NoError(t, err)
		require.Equal(t, FrameMessageDelivered, f.Kind)
		require.Equal(t, []string{"u2", "u3"}, f.DeliveredTo)
	})

	t.Run("message read", func(t *testing.T) {
		f, err := DecodeFrame([]byte(`{"type":"message_read","message_ids":["m1","m2"],"reader_id":"u2"}`))
		require.NoError(t, err)
		require.Equal(t, FrameMessageRead, f.Kind)
		require.Len(t, f.MessageIDs, 2)
		require.Equal(t, "u2", f.ReaderID)
	})

	t.Run("error frame carries message text", func(t *testing.T) {
		f, err := DecodeFrame([]byte(`{"type":"error","message":"rate limited"}`))
		require.NoError(t, err)
		require.Equal(t, FrameError, f.Kind)
		require.Equal(t, "rate limited", f.Text)
	})

	t.Run("follow notification", func(t *testing.T) {
		f, err := DecodeFrame([]byte(`{"type":"follow_notification","follower":"sol","message":"sol started following you"}`))
		require.NoError(t, err)
		require.Equal(t, FrameFollowNotification, f.Kind)
		require.Equal(t, "sol", f.Follower)
		require.Equal(t, "sol started following you", f.Text)
	})

	t.Run("user status", func(t *testing.T) {
		f, err := DecodeFrame([]byte(`{"type":"user_status","user_id":"u2","status":"online"}`))
		require.NoError(t, err)
		require.Equal(t, FrameUserStatus, f.Kind)
		require.Equal(t, "online", f.Status)
	})

	t.Run("unknown type is not an error", func(t *testing.T) {
		raw := []byte(`{"type":"typing_indicator","user_id":"u2"}`)
		f, err := DecodeFrame(raw)
		require.NoError(t, err)
		require.Equal(t, FrameUnknown, f.Kind)
		require.JSONEq(t, string(raw), string(f.Raw))
	})

	t.Run("missing type is an error", func(t *testing.T) {
		_, err := DecodeFrame([]byte(`{"user_id":"u2"}`))
		require.Error(t, err)
	})

	t.Run("invalid json is an error", func(t *testing.T) {
		_, err := DecodeFrame([]byte(`{nope`))
		require.Error(t, err)
	})
}

// ============================================================================
// Reaction frame shapes
// ============================================================================

func TestDecodeReactionFrames(t *testing.T) {
	t.Run("legacy single pair", func(t *testing.T) {
		f, err := DecodeFrame([]byte(`{"type":"reaction_added","message_id":"m1","user_id":"u2","reaction_type":"fire"}`))
		require.NoError(t, err)
		require.Equal(t, FrameReactionAdded, f.Kind)
		require.Equal(t, "fire", f.ReactionType)
	})

	t.Run("removal clears the type", func(t *testing.T) {
		f, err := DecodeFrame([]byte(`{"type":"reaction_removed","message_id":"m1","user_id":"u2","reaction_type":"fire"}`))
		require.NoError(t, err)
		require.Equal(t, "", f.ReactionType)
	})

	t.Run("snapshot shape wins regardless of declared type", func(t *testing.T) {
		f, err := DecodeFrame([]byte(`{"type":"reaction","message_id":"m1","reactions":[{"user_id":"u2","reaction_type":"fire"},{"user_id":"u3","reaction_type":"clap"}]}`))
		require.NoError(t, err)
		require.Equal(t, FrameReactionUpdate, f.Kind)
		require.Len(t, f.Reactions, 2)
	})

	t.Run("requires message id", func(t *testing.T) {
		_, err := DecodeFrame([]byte(`{"type":"reaction_added","user_id":"u2","reaction_type":"fire"}`))
		var de *DecodeError
		require.ErrorAs(t, err, &de)
		require.Equal(t, "message_id", de.Field)
	})

	t.Run("single shape requires user id", func(t *testing.T) {
		_, err := DecodeFrame([]byte(`{"type":"reaction_added","message_id":"m1","reaction_type":"fire"}`))
		require.Error(t, err)
	})

	t.Run("add requires reaction type", func(t *testing.T) {
		_, err := DecodeFrame([]byte(`{"type":"reaction_added","message_id":"m1","user_id":"u2"}`))
		require.Error(t, err)
	})
}

// ============================================================================
// Outbound frames
// ============================================================================

func TestEncodeFrame(t *testing.T) {
	t.Run("message frame", func(t *testing.T) {
		data, err := EncodeFrame(NewMessageFrame("t1", "c1", "hello", ""))
		require.NoError(t, err)

		var got map[string]any
		require.NoError(t, json.Unmarshal(data, &got))
		require.Equal(t, "message", got["type"])
		require.Equal(t, "t1", got["temp_id"])
		require.Equal(t, "c1", got["conversation_id"])
		require.Equal(t, "hello", got["content"])
		require.NotContains(t, got, "reply_to_id")
	})

	t.Run("reaction frame picks kind from type", func(t *testing.T) {
		add := NewReactionFrame("t1", "m1", "fire")
		require.Equal(t, FrameAddReaction, add.Type)

		remove := NewReactionFrame("t2", "m1", "")
		require.Equal(t, FrameRemoveReaction, remove.Type)
	})

	t.Run("mark read frame", func(t *testing.T) {
		f := NewMarkReadFrame("t1", "c1")
		require.Equal(t, FrameMarkRead, f.Type)
		require.Equal(t, "c1", f.ConversationID)
	})

	t.Run("empty type rejected", func(t *testing.T) {
		_, err := EncodeFrame(&OutboundFrame{})
		require.Error(t, err)
	})
}
