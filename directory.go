package atelier

import (
	"context"
	"sort"
	"sync"
)

// ============================================================================
// Conversation Directory
// ============================================================================

// Directory caches the conversation list with latest-message summaries and
// unread counters. Get-or-create is idempotent even under concurrent calls
// for the same counterpart: in-flight requests are coalesced so the backend
// sees one find-or-create per peer.
type Directory struct {
	rest   *ConversationsClient
	selfID string

	mu       sync.Mutex
	byID     map[string]*Conversation
	byPeer   map[string]string // peer user id → conversation id
	inflight map[string]*inflightCreate
}

type inflightCreate struct {
	done chan struct{}
	conv *Conversation
	err  error
}

// NewDirectory creates an empty directory backed by the REST client.
func NewDirectory(rest *ConversationsClient) *Directory {
	return &Directory{
		rest:     rest,
		byID:     make(map[string]*Conversation),
		byPeer:   make(map[string]string),
		inflight: make(map[string]*inflightCreate),
	}
}

// SetSelf records the authenticated user so peers can be derived from
// participant lists.
func (d *Directory) SetSelf(userID string) {
	d.mu.Lock()
	d.selfID = userID
	d.mu.Unlock()
}

// Refresh replaces the cache from the backend listing.
func (d *Directory) Refresh(ctx context.Context) error {
	convs, err := d.rest.List(ctx)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, conv := range convs {
		d.cacheLocked(conv)
	}
	return nil
}

// GetOrCreateDirect returns the direct conversation with userID, creating
// it at most once: the cache is consulted first, then concurrent callers
// share one backend find-or-create round trip. The result is a copy, like
// the other accessors.
func (d *Directory) GetOrCreateDirect(ctx context.Context, userID string) (*Conversation, error) {
	d.mu.Lock()
	if id, ok := d.byPeer[userID]; ok {
		cp := *d.byID[id]
		d.mu.Unlock()
		return &cp, nil
	}
	if call, ok := d.inflight[userID]; ok {
		d.mu.Unlock()
		select {
		case <-call.done:
			if call.err != nil {
				return nil, call.err
			}
			cp := *call.conv
			return &cp, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	call := &inflightCreate{done: make(chan struct{})}
	d.inflight[userID] = call
	d.mu.Unlock()

	conv, err := d.rest.CreateDirect(ctx, userID)

	d.mu.Lock()
	delete(d.inflight, userID)
	if err == nil {
		d.cacheLocked(conv)
		// Joiners read call.conv after done closes; hand them a snapshot
		// detached from the cache so later cache updates cannot race.
		snap := *conv
		call.conv = &snap
	}
	call.err = err
	d.mu.Unlock()
	close(call.done)

	if err != nil {
		return nil, err
	}
	cp := *call.conv
	return &cp, nil
}

// Get returns a cached conversation copy, or nil.
func (d *Directory) Get(conversationID string) *Conversation {
	d.mu.Lock()
	defer d.mu.Unlock()
	if conv, ok := d.byID[conversationID]; ok {
		cp := *conv
		return &cp
	}
	return nil
}

// List returns the cached conversations, most recently updated first.
func (d *Directory) List() []*Conversation {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Conversation, 0, len(d.byID))
	for _, conv := range d.byID {
		cp := *conv
		out = append(out, &cp)
	}
	sortConversations(out)
	return out
}

// ApplyMessage updates a conversation's summary from a message. Inbound
// messages from other users increment the unread counter; the counter only
// returns to zero through an explicit MarkRead.
func (d *Directory) ApplyMessage(m *Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	conv, ok := d.byID[m.ConversationID]
	if !ok {
		conv = &Conversation{ID: m.ConversationID}
		d.byID[conv.ID] = conv
	}
	if m.CreatedAt.After(conv.UpdatedAt) {
		conv.UpdatedAt = m.CreatedAt
		conv.LastMessage = &MessageSummary{
			Content:  m.Content,
			SenderID: m.SenderID,
			SentAt:   m.CreatedAt,
		}
	}
	if m.SenderID != d.selfID {
		conv.UnreadCount++
	}
}

// MarkRead zeroes a conversation's unread counter.
func (d *Directory) MarkRead(conversationID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if conv, ok := d.byID[conversationID]; ok {
		conv.UnreadCount = 0
	}
}

// cacheLocked stores a conversation and indexes its direct peer.
func (d *Directory) cacheLocked(conv *Conversation) {
	if existing, ok := d.byID[conv.ID]; ok {
		// Keep a locally advanced unread counter when the listing is stale.
		if conv.UpdatedAt.Before(existing.UpdatedAt) {
			conv.UnreadCount = existing.UnreadCount
			conv.LastMessage = existing.LastMessage
			conv.UpdatedAt = existing.UpdatedAt
		}
	}
	d.byID[conv.ID] = conv
	if peer := conv.Peer(d.selfID); peer != nil {
		d.byPeer[peer.UserID] = conv.ID
	}
}

func sortConversations(convs []*Conversation) {
	sort.Slice(convs, func(i, j int) bool {
		if !convs[i].UpdatedAt.Equal(convs[j].UpdatedAt) {
			return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
		}
		return convs[i].ID < convs[j].ID
	})
}
