package atelier

import (
	"sort"
	"sync"
	"time"
)

// ============================================================================
// Message Store
// ============================================================================

const (
	// defaultMatchWindow bounds the heuristic optimistic match: a server
	// message only pairs with a local pending entry created within this
	// window of it. Used when the backend omits the echoed temp id.
	defaultMatchWindow = 30 * time.Second

	// defaultReceiptTTL bounds how long delivery/read receipts for not yet
	// known messages stay buffered before being discarded.
	defaultReceiptTTL = 2 * time.Minute
)

// pendingReceipt is a delivery or read fact that arrived before the message
// it belongs to. The transport does not guarantee ordering across the ack
// and broadcast paths, so receipts wait here until the owner shows up.
type pendingReceipt struct {
	messageID   string
	deliveredTo []string
	read        bool
	addedAt     time.Time
}

// MessageStore holds the per-conversation ordered, deduplicated message
// lists and owns status transitions. All methods are safe for concurrent
// use; snapshots returned to callers are deep copies.
type MessageStore struct {
	mu          sync.Mutex
	selfID      string
	matchWindow time.Duration
	receiptTTL  time.Duration

	byConv  map[string][]*Message
	byID    map[string]*Message
	byTemp  map[string]*Message
	pending []pendingReceipt

	now func() time.Time
}

// NewMessageStore creates an empty store. selfID identifies the local user
// for the heuristic optimistic match; it may be set later via SetSelf once
// the handshake reveals it.
func NewMessageStore(selfID string) *MessageStore {
	return &MessageStore{
		selfID:      selfID,
		matchWindow: defaultMatchWindow,
		receiptTTL:  defaultReceiptTTL,
		byConv:      make(map[string][]*Message),
		byID:        make(map[string]*Message),
		byTemp:      make(map[string]*Message),
		now:         time.Now,
	}
}

// SetSelf records the authenticated local user id.
func (s *MessageStore) SetSelf(userID string) {
	s.mu.Lock()
	s.selfID = userID
	s.mu.Unlock()
}

// AppendOptimistic inserts a locally authored message in pending status and
// returns its temp id. Exactly one entry per temp id ever exists.
func (s *MessageStore) AppendOptimistic(m *Message) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing := s.byTemp[m.TempID]; existing != nil {
		return existing.TempID
	}
	m.Status = StatusPending
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	s.insertSorted(m)
	s.byTemp[m.TempID] = m
	return m.TempID
}

// Reconcile applies a server-confirmed message, whether it arrived as a
// send-ack or a live broadcast. echoedTempID is the server-echoed temp id
// when the backend provides one; pass "" to fall back to the heuristic
// match. The result never contains a duplicate id or temp id.
func (s *MessageStore) Reconcile(server *Message, echoedTempID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Duplicate suppression: same server id applies idempotently.
	if server.ID != "" {
		if existing := s.byID[server.ID]; existing != nil {
			s.mergeInPlace(existing, server)
			return
		}
	}

	// Explicit temp id echo wins over any heuristic.
	if echoedTempID != "" {
		if local := s.byTemp[echoedTempID]; local != nil && local.ConversationID == server.ConversationID {
			s.confirmInPlace(local, server)
			return
		}
	}

	// Heuristic: own pending entry, equal content, created within the
	// match window. Approximate, but absorbs acks lost to a disconnect.
	if server.SenderID == s.selfID && s.selfID != "" {
		for _, local := range s.byConv[server.ConversationID] {
			if local.Status != StatusPending && local.Status != StatusFailed {
				continue
			}
			if local.Content != server.Content {
				continue
			}
			delta := server.CreatedAt.Sub(local.CreatedAt)
			if delta < 0 {
				delta = -delta
			}
			if delta < s.matchWindow {
				s.confirmInPlace(local, server)
				return
			}
		}
	}

	// A message the client did not author: sorted insert.
	ins := server.Clone()
	ins.Status = StatusSent
	s.insertSorted(ins)
	if ins.ID != "" {
		s.byID[ins.ID] = ins
		s.applyBufferedReceipts(ins)
	}
	if ins.TempID != "" && s.byTemp[ins.TempID] == nil {
		s.byTemp[ins.TempID] = ins
	}
}

// confirmInPlace replaces an optimistic entry with its server counterpart at
// the same list position, so the UI sees no reorder or flicker. Locally
// known reactions and delivery facts are carried over.
func (s *MessageStore) confirmInPlace(local *Message, server *Message) {
	local.ID = server.ID
	local.SenderID = server.SenderID
	local.Content = server.Content
	if !server.CreatedAt.IsZero() {
		local.CreatedAt = server.CreatedAt
	}
	if server.ReplyToID != "" {
		local.ReplyToID = server.ReplyToID
	}
	local.Status = StatusSent
	for userID, entry := range server.Reactions {
		if local.Reactions == nil {
			local.Reactions = make(map[string]ReactionEntry)
		}
		local.Reactions[userID] = entry
	}
	local.addDelivered(server.DeliveredTo)
	if server.IsRead {
		local.IsRead = true
	}

	if local.ID != "" {
		s.byID[local.ID] = local
		s.applyBufferedReceipts(local)
	}
}

// mergeInPlace applies an idempotent last-write-wins update onto an entry
// already known by server id. Delivery and read facts only advance.
func (s *MessageStore) mergeInPlace(existing *Message, update *Message) {
	if update.Content != "" {
		existing.Content = update.Content
	}
	if existing.Status != StatusSent {
		existing.Status = StatusSent
	}
	for userID, entry := range update.Reactions {
		if existing.Reactions == nil {
			existing.Reactions = make(map[string]ReactionEntry)
		}
		existing.Reactions[userID] = entry
	}
	existing.addDelivered(update.DeliveredTo)
	if update.IsRead {
		existing.IsRead = true
	}
}

// MarkFailed transitions a pending entry to failed (retryable). Sent
// messages are untouched: the lattice is forward-only.
func (s *MessageStore) MarkFailed(tempID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.byTemp[tempID]; m != nil && m.Status == StatusPending {
		m.Status = StatusFailed
	}
}

// ApplyDelivered union-adds recipients into a message's delivery set. An
// unknown id is buffered until the owning message arrives.
func (s *MessageStore) ApplyDelivered(messageID string, deliveredTo []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.byID[messageID]; m != nil {
		m.addDelivered(deliveredTo)
		return
	}
	s.buffer(pendingReceipt{messageID: messageID, deliveredTo: deliveredTo, addedAt: s.now()})
}

// ApplyRead marks messages read. Read never regresses; unknown ids are
// buffered like delivery receipts.
func (s *MessageStore) ApplyRead(messageIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range messageIDs {
		if m := s.byID[id]; m != nil {
			m.IsRead = true
			continue
		}
		s.buffer(pendingReceipt{messageID: id, read: true, addedAt: s.now()})
	}
}

// MergeHistory folds a fetched history page into a conversation through the
// same reconcile path, so re-fetching pages stays idempotent.
func (s *MessageStore) MergeHistory(conversationID string, msgs []*Message) {
	for _, m := range msgs {
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		s.Reconcile(m, "")
	}
}

// Messages returns a deep-copied snapshot of a conversation's ordered list.
func (s *MessageStore) Messages(conversationID string) []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.byConv[conversationID]
	out := make([]*Message, len(list))
	for i, m := range list {
		out[i] = m.Clone()
	}
	return out
}

// GetByTemp returns a copy of one message by temp id, or nil.
func (s *MessageStore) GetByTemp(tempID string) *Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.byTemp[tempID]; m != nil {
		return m.Clone()
	}
	return nil
}

// RetryPending moves a failed entry back to pending for another send round.
func (s *MessageStore) RetryPending(tempID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.byTemp[tempID]; m != nil && m.Status == StatusFailed {
		m.Status = StatusPending
	}
}

// Get returns a copy of one message by server id, or nil.
func (s *MessageStore) Get(messageID string) *Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.byID[messageID]; m != nil {
		return m.Clone()
	}
	return nil
}

// updateReactions mutates one message's reaction map under the store lock.
// Used by the reaction aggregator; returns false for unknown ids.
func (s *MessageStore) updateReactions(messageID string, fn func(map[string]ReactionEntry) map[string]ReactionEntry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.byID[messageID]
	if m == nil {
		m = s.byTemp[messageID]
	}
	if m == nil {
		return false
	}
	m.Reactions = fn(m.Reactions)
	return true
}

// insertSorted places a message at its position in the (createdAt, key)
// ascending order. Callers hold the lock.
func (s *MessageStore) insertSorted(m *Message) {
	list := s.byConv[m.ConversationID]
	i := sort.Search(len(list), func(i int) bool {
		if !list[i].CreatedAt.Equal(m.CreatedAt) {
			return list[i].CreatedAt.After(m.CreatedAt)
		}
		return list[i].Key() >= m.Key()
	})
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = m
	s.byConv[m.ConversationID] = list
}

// buffer stores a receipt for a message that has not arrived yet, pruning
// entries past the TTL so the buffer cannot grow without bound.
func (s *MessageStore) buffer(r pendingReceipt) {
	cutoff := s.now().Add(-s.receiptTTL)
	kept := s.pending[:0]
	for _, p := range s.pending {
		if p.addedAt.After(cutoff) {
			kept = append(kept, p)
		}
	}
	s.pending = append(kept, r)
}

// applyBufferedReceipts drains receipts owned by a newly known message.
// Callers hold the lock.
func (s *MessageStore) applyBufferedReceipts(m *Message) {
	if m.ID == "" || len(s.pending) == 0 {
		return
	}
	kept := s.pending[:0]
	for _, p := range s.pending {
		if p.messageID != m.ID {
			kept = append(kept, p)
			continue
		}
		m.addDelivered(p.deliveredTo)
		if p.read {
			m.IsRead = true
		}
	}
	s.pending = kept
}
