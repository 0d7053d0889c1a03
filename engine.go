package atelier

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ============================================================================
// Engine
// ============================================================================

// defaultFlushInterval paces outbox retries while entries wait for acks.
const defaultFlushInterval = 3 * time.Second

// Engine is the real-time messaging client engine: it owns the socket via
// Conn, fans inbound frames out through the Dispatcher, and keeps the
// MessageStore, ReactionAggregator, and Directory consistent under
// concurrent optimistic and confirmed updates.
//
// Engines are constructed values with an explicit lifecycle; nothing here
// is process-global, so tests and multi-account tooling can run several
// side by side.
type Engine struct {
	client     *Client
	log        *zap.Logger
	dispatcher *Dispatcher
	conn       *Conn
	store      *MessageStore
	reactions  *ReactionAggregator
	outbox     *Outbox
	directory  *Directory

	mu       sync.Mutex
	selfID   string
	flushing bool
	stopCh   chan struct{}
	stopped  bool
	subs     []*Subscription

	flushInterval time.Duration
}

// NewEngine wires an engine onto a REST client. cfg.Token authenticates the
// socket; Connect establishes it.
func NewEngine(client *Client, cfg *RealtimeConfig) *Engine {
	c := *cfg
	c.defaults()

	e := &Engine{
		client:        client,
		log:           c.Logger,
		dispatcher:    NewDispatcher(),
		stopCh:        make(chan struct{}),
		flushInterval: defaultFlushInterval,
	}
	e.conn = NewConn(client.BaseURL(), &c, e.dispatcher)
	e.store = NewMessageStore("")
	e.reactions = NewReactionAggregator(e.store)
	e.outbox = NewOutbox(0, e.onActionFailed)
	e.directory = NewDirectory(client.Conversations)

	e.subscribe()
	go e.flushLoop()
	return e
}

// subscribe registers the engine's own frame handlers. They run on the
// read-loop goroutine, in arrival order.
func (e *Engine) subscribe() {
	sub := func(s *Subscription) { e.subs = append(e.subs, s) }

	sub(e.dispatcher.On(FrameConnectionEstablished, func(f *Frame) {
		self := f.UserID
		if self == "" {
			self = f.Username
		}
		e.mu.Lock()
		e.selfID = self
		e.mu.Unlock()
		e.store.SetSelf(self)
		e.directory.SetSelf(self)
		// FIFO replay of everything queued across the disconnect.
		go e.Flush(context.Background())
	}))

	sub(e.dispatcher.On(FrameNewMessage, func(f *Frame) {
		e.store.Reconcile(f.Message, f.Message.TempID)
		e.directory.ApplyMessage(f.Message)
	}))

	sub(e.dispatcher.On(FrameMessageSent, func(f *Frame) {
		e.store.Reconcile(f.Message, f.TempID)
		if f.TempID != "" {
			e.outbox.Acknowledge(f.TempID)
		}
		e.directory.ApplyMessage(f.Message)
	}))

	sub(e.dispatcher.On(FrameMessageDelivered, func(f *Frame) {
		e.store.ApplyDelivered(f.MessageID, f.DeliveredTo)
	}))

	sub(e.dispatcher.On(FrameMessageRead, func(f *Frame) {
		e.store.ApplyRead(f.MessageIDs)
	}))

	reactionSet := func(f *Frame) {
		e.reactions.Set(f.MessageID, f.UserID, f.ReactionType)
	}
	sub(e.dispatcher.On(FrameReaction, reactionSet))
	sub(e.dispatcher.On(FrameReactionAdded, reactionSet))
	sub(e.dispatcher.On(FrameReactionRemoved, reactionSet))
	sub(e.dispatcher.On(FrameReactionUpdate, func(f *Frame) {
		e.reactions.ApplySnapshot(f.MessageID, f.Reactions)
	}))

	sub(e.dispatcher.On(FrameError, func(f *Frame) {
		e.log.Warn("server error frame", zap.String("message", f.Text))
	}))
}

// ============================================================================
// Lifecycle
// ============================================================================

// Connect establishes the socket and performs the handshake.
func (e *Engine) Connect(ctx context.Context) error {
	return e.conn.Connect(ctx)
}

// Disconnect closes the socket intentionally (logout). Queued outbox
// entries stay in memory until Close.
func (e *Engine) Disconnect(reason string) {
	e.conn.Disconnect(reason)
}

// Close disconnects and stops background work. The engine cannot be reused.
func (e *Engine) Close() {
	e.mu.Lock()
	if !e.stopped {
		e.stopped = true
		close(e.stopCh)
	}
	e.mu.Unlock()
	for _, s := range e.subs {
		s.Cancel()
	}
	e.conn.Disconnect("client close")
}

// NotifyVisible forwards the visibility trigger: reconnect immediately when
// the app surfaces while disconnected.
func (e *Engine) NotifyVisible() {
	e.conn.NotifyVisible()
}

// State returns the connection state.
func (e *Engine) State() ConnState {
	return e.conn.State()
}

// SelfID returns the authenticated user id, empty before the handshake.
func (e *Engine) SelfID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.selfID
}

// Dispatcher exposes the event bus so external collaborators (presence UI,
// notification bridges) can subscribe without touching the socket.
func (e *Engine) Dispatcher() *Dispatcher {
	return e.dispatcher
}

// OnUserStatus subscribes to presence updates.
func (e *Engine) OnUserStatus(h func(UserStatus)) *Subscription {
	return e.dispatcher.On(FrameUserStatus, func(f *Frame) {
		h(UserStatus{UserID: f.UserID, Status: f.Status, LastSeen: f.LastSeen})
	})
}

// OnFollowNotification subscribes to follow events; they share the socket
// but belong to another domain, so the engine only forwards them.
func (e *Engine) OnFollowNotification(h func(FollowNotification)) *Subscription {
	return e.dispatcher.On(FrameFollowNotification, func(f *Frame) {
		h(FollowNotification{Follower: f.Follower, Message: f.Text, Timestamp: f.Timestamp})
	})
}

// OnStateChange subscribes to connection state transitions.
func (e *Engine) OnStateChange(h StateHandler) *Subscription {
	return e.dispatcher.OnStateChange(h)
}

// ============================================================================
// User actions
// ============================================================================

// SendMessage applies a message optimistically and queues it for
// transmission. The returned snapshot carries the temp id the caller can
// use to track status; the entry flips to sent when the ack reconciles.
func (e *Engine) SendMessage(ctx context.Context, conversationID, content, replyToID string) *Message {
	msg := &Message{
		TempID:         uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       e.SelfID(),
		Content:        content,
		ReplyToID:      replyToID,
		CreatedAt:      time.Now().UTC(),
	}
	e.store.AppendOptimistic(msg)
	e.directory.ApplyMessage(msg)

	e.outbox.Enqueue(NewMessageFrame(msg.TempID, conversationID, content, replyToID))
	go e.Flush(ctx)
	return msg.Clone()
}

// RetryMessage gives a failed message another round of send attempts.
func (e *Engine) RetryMessage(ctx context.Context, tempID string) bool {
	msg := e.store.GetByTemp(tempID)
	if msg == nil || msg.Status != StatusFailed {
		return false
	}
	e.store.RetryPending(tempID)
	e.outbox.Retry(tempID, NewMessageFrame(tempID, msg.ConversationID, msg.Content, msg.ReplyToID))
	go e.Flush(ctx)
	return true
}

// ToggleReaction toggles the caller's reaction on a message: same type
// removes it, a different type replaces it. The change applies
// optimistically and rolls back if the backend rejects it. Returns the
// resulting reaction type, "" when removed.
func (e *Engine) ToggleReaction(ctx context.Context, messageID, reactionType string) (string, error) {
	self := e.SelfID()
	if self == "" {
		return "", &APIError{Code: "NOT_AUTHENTICATED", Message: "no session user yet"}
	}

	tempID := uuid.NewString()
	e.reactions.CapturePrior(tempID, messageID, self)
	next, known := e.reactions.Apply(messageID, self, reactionType)
	if !known {
		e.reactions.Confirm(tempID)
		return "", &APIError{Code: "UNKNOWN_MESSAGE", Message: "message not in store: " + messageID}
	}

	e.outbox.Enqueue(NewReactionFrame(tempID, messageID, next))
	go e.Flush(ctx)
	return next, nil
}

// MarkRead zeroes a conversation's unread counter and reports the read
// watermark to the backend. The REST call is the system of record; the
// live frame other participants see is only an echo.
func (e *Engine) MarkRead(ctx context.Context, conversationID string) {
	e.directory.MarkRead(conversationID)
	e.outbox.Enqueue(NewMarkReadFrame(uuid.NewString(), conversationID))
	go e.Flush(ctx)
}

// GetOrCreateConversation returns the direct thread with a user, creating
// it idempotently.
func (e *Engine) GetOrCreateConversation(ctx context.Context, userID string) (*Conversation, error) {
	return e.directory.GetOrCreateDirect(ctx, userID)
}

// LoadHistory fetches one history page and merges it into the store, then
// returns the conversation's full ordered snapshot.
func (e *Engine) LoadHistory(ctx context.Context, conversationID string, opts *HistoryOptions) ([]*Message, error) {
	page, err := e.client.Messages.History(ctx, conversationID, opts)
	if err != nil {
		return nil, err
	}
	e.store.MergeHistory(conversationID, page.Messages)
	return e.store.Messages(conversationID), nil
}

// Messages returns the ordered snapshot of a conversation.
func (e *Engine) Messages(conversationID string) []*Message {
	return e.store.Messages(conversationID)
}

// Conversations returns the cached directory listing.
func (e *Engine) Conversations() []*Conversation {
	return e.directory.List()
}

// RefreshConversations reloads the directory from the backend.
func (e *Engine) RefreshConversations(ctx context.Context) error {
	return e.directory.Refresh(ctx)
}

// ============================================================================
// Outbox dispatch
// ============================================================================

func (e *Engine) flushLoop() {
	ticker := time.NewTicker(e.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.Flush(context.Background())
		}
	}
}

// Flush pushes pending outbox entries toward the backend in FIFO order.
// Messages and read markers travel over the socket; reactions go through
// the REST system of record with the socket frame acting as the echo.
// While the session is not authenticated, everything stays queued with its
// attempt budget untouched; the connection_established handler flushes
// again once the handshake completes.
func (e *Engine) Flush(ctx context.Context) {
	if e.conn.State() != StateAuthenticated {
		return
	}

	e.mu.Lock()
	if e.flushing {
		e.mu.Unlock()
		return
	}
	e.flushing = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.flushing = false
		e.mu.Unlock()
	}()

	for _, entry := range e.outbox.TakePending() {
		e.dispatchAction(ctx, entry)
	}
}

func (e *Engine) dispatchAction(ctx context.Context, entry *OutboxEntry) {
	switch entry.Frame.Type {
	case FrameMessage:
		// Ack arrives as a message_sent frame echoing the temp id.
		if !e.conn.Send(entry.Frame) {
			// Socket dropped between the take and the write: nothing left
			// the client, so the attempt does not count.
			e.outbox.Defer(entry.TempID)
		}

	case FrameAddReaction, FrameRemoveReaction:
		var err error
		if entry.Frame.Type == FrameAddReaction {
			err = e.client.Reactions.Add(ctx, entry.Frame.MessageID, entry.Frame.ReactionType)
		} else {
			err = e.client.Reactions.Remove(ctx, entry.Frame.MessageID)
		}
		if err == nil {
			e.outbox.Acknowledge(entry.TempID)
			e.reactions.Confirm(entry.TempID)
			return
		}
		if _, ok := err.(*APIError); ok {
			// Application rejection: roll back now instead of retrying.
			e.outbox.Fail(entry.TempID)
			return
		}
		e.log.Warn("reaction send failed, will retry", zap.Error(err))

	case FrameMarkRead:
		err := e.client.Conversations.MarkRead(ctx, entry.Frame.ConversationID)
		if err == nil {
			e.outbox.Acknowledge(entry.TempID)
			return
		}
		if _, ok := err.(*APIError); ok {
			e.outbox.Fail(entry.TempID)
			return
		}
		e.log.Warn("mark read failed, will retry", zap.Error(err))
	}
}

// onActionFailed fires when an entry exhausts its attempts. Failed messages
// surface through their store status for manual retry; failed reactions
// roll back to the captured prior value.
func (e *Engine) onActionFailed(entry *OutboxEntry) {
	switch entry.Frame.Type {
	case FrameMessage:
		e.store.MarkFailed(entry.TempID)
		e.log.Warn("message send failed", zap.String("temp_id", entry.TempID))
	case FrameAddReaction, FrameRemoveReaction:
		e.reactions.Rollback(entry.TempID)
		e.log.Warn("reaction failed, rolled back", zap.String("message_id", entry.Frame.MessageID))
	case FrameMarkRead:
		e.log.Warn("mark read dropped", zap.String("conversation_id", entry.Frame.ConversationID))
	}
}
