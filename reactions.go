package atelier

import (
	"sync"
	"time"
)

// ============================================================================
// Reaction Aggregator
// ============================================================================

// toggleReaction is the single pure function behind every reaction change,
// optimistic or broadcast: requesting the current type removes it, a
// different type replaces it, and none adds it. Replays are idempotent:
// the function only depends on (current, requested).
func toggleReaction(current, requested string) string {
	if requested == "" || current == requested {
		return ""
	}
	return requested
}

// ReactionAggregator maintains the per-message user → reaction maps inside
// the message store and remembers pre-optimistic values so a backend
// rejection can roll back.
type ReactionAggregator struct {
	store *MessageStore

	mu    sync.Mutex
	prior map[string]priorReaction // tempID → captured value
	now   func() time.Time
}

type priorReaction struct {
	messageID string
	userID    string
	value     string // "" means no reaction existed
}

// NewReactionAggregator binds an aggregator to a store.
func NewReactionAggregator(store *MessageStore) *ReactionAggregator {
	return &ReactionAggregator{
		store: store,
		prior: make(map[string]priorReaction),
		now:   time.Now,
	}
}

// Apply toggles a user's reaction on a message and returns the resulting
// type ("" when removed) and whether the message was known. The same code
// path serves optimistic local taps and inbound broadcasts.
func (a *ReactionAggregator) Apply(messageID, userID, requested string) (string, bool) {
	var next string
	known := a.store.updateReactions(messageID, func(m map[string]ReactionEntry) map[string]ReactionEntry {
		current := ""
		if entry, ok := m[userID]; ok {
			current = entry.Type
		}
		next = toggleReaction(current, requested)
		if next == "" {
			delete(m, userID)
			return m
		}
		if m == nil {
			m = make(map[string]ReactionEntry)
		}
		m[userID] = ReactionEntry{UserID: userID, Type: next, CreatedAt: a.now()}
		return m
	})
	return next, known
}

// Set writes a user's reaction to an exact value, bypassing toggle
// semantics. Used for broadcasts that state the end result and for
// rollback.
func (a *ReactionAggregator) Set(messageID, userID, value string) bool {
	return a.store.updateReactions(messageID, func(m map[string]ReactionEntry) map[string]ReactionEntry {
		if value == "" {
			delete(m, userID)
			return m
		}
		if m == nil {
			m = make(map[string]ReactionEntry)
		}
		m[userID] = ReactionEntry{UserID: userID, Type: value, CreatedAt: a.now()}
		return m
	})
}

// ApplySnapshot replaces a message's whole reaction map with the
// authoritative reactions[] shape some backend versions broadcast.
func (a *ReactionAggregator) ApplySnapshot(messageID string, entries []ReactionEntry) bool {
	return a.store.updateReactions(messageID, func(map[string]ReactionEntry) map[string]ReactionEntry {
		m := make(map[string]ReactionEntry, len(entries))
		for _, e := range entries {
			m[e.UserID] = e
		}
		return m
	})
}

// CapturePrior records the pre-optimistic value under an outbox temp id so
// Rollback can restore it if the backend rejects the action.
func (a *ReactionAggregator) CapturePrior(tempID, messageID, userID string) {
	value := ""
	if m := a.store.Get(messageID); m != nil {
		if entry, ok := m.Reactions[userID]; ok {
			value = entry.Type
		}
	}
	a.mu.Lock()
	a.prior[tempID] = priorReaction{messageID: messageID, userID: userID, value: value}
	a.mu.Unlock()
}

// Confirm drops the captured prior value once the backend acknowledged.
func (a *ReactionAggregator) Confirm(tempID string) {
	a.mu.Lock()
	delete(a.prior, tempID)
	a.mu.Unlock()
}

// Rollback restores the value captured at optimistic-apply time.
func (a *ReactionAggregator) Rollback(tempID string) {
	a.mu.Lock()
	p, ok := a.prior[tempID]
	delete(a.prior, tempID)
	a.mu.Unlock()
	if ok {
		a.Set(p.messageID, p.userID, p.value)
	}
}
