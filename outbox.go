package atelier

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Outbox
// ============================================================================

// OutboxStatus is the queue state of one entry.
type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxFailed  OutboxStatus = "failed"
)

// OutboxEntry is one not-yet-acknowledged user action. TempID doubles as
// the reconciliation key: the server echoes it on the ack frame.
type OutboxEntry struct {
	TempID     string
	Frame      *OutboundFrame
	EnqueuedAt time.Time
	Attempts   int
	Status     OutboxStatus
}

// Outbox queues client-authored actions until their acks arrive and replays
// them in FIFO order on reconnect, so no action is silently dropped across
// a disconnect. Duplicate delivery after an in-flight ack is absorbed by
// store reconciliation.
type Outbox struct {
	mu          sync.Mutex
	entries     []*OutboxEntry // enqueue order
	index       map[string]*OutboxEntry
	maxAttempts int
	onFailed    func(*OutboxEntry)
	now         func() time.Time
}

// defaultMaxAttempts bounds transmission attempts per entry.
const defaultMaxAttempts = 5

// NewOutbox creates an outbox. onFailed fires when an entry exhausts its
// attempts; it may be nil.
func NewOutbox(maxAttempts int, onFailed func(*OutboxEntry)) *Outbox {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &Outbox{
		index:       make(map[string]*OutboxEntry),
		maxAttempts: maxAttempts,
		onFailed:    onFailed,
		now:         time.Now,
	}
}

// Enqueue queues an outbound frame, assigning a temp id if the frame does
// not carry one yet, and returns that id.
func (o *Outbox) Enqueue(f *OutboundFrame) string {
	if f.TempID == "" {
		f.TempID = uuid.NewString()
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.index[f.TempID]; ok {
		return f.TempID
	}
	e := &OutboxEntry{
		TempID:     f.TempID,
		Frame:      f,
		EnqueuedAt: o.now(),
		Status:     OutboxPending,
	}
	o.entries = append(o.entries, e)
	o.index[f.TempID] = e
	return f.TempID
}

// Acknowledge removes an entry once its ack frame arrived. Unknown ids are
// no-ops: the ack may refer to an entry already acknowledged before a
// reconnect replay duplicated it.
func (o *Outbox) Acknowledge(tempID string) *OutboxEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.index[tempID]
	if !ok {
		return nil
	}
	delete(o.index, tempID)
	o.remove(e)
	return e
}

// Fail force-fails an entry (e.g. the REST fallback rejected it).
func (o *Outbox) Fail(tempID string) *OutboxEntry {
	o.mu.Lock()
	e, ok := o.index[tempID]
	if ok {
		delete(o.index, tempID)
		o.remove(e)
		e.Status = OutboxFailed
	}
	o.mu.Unlock()
	if ok && o.onFailed != nil {
		o.onFailed(e)
	}
	if !ok {
		return nil
	}
	return e
}

// TakePending returns the pending entries in original enqueue order,
// counting one transmission attempt on each. Entries past the attempt cap
// transition to failed, leave the queue, and are surfaced via onFailed, so
// a stuck entry never blocks the rest of the outbox.
func (o *Outbox) TakePending() []*OutboxEntry {
	o.mu.Lock()
	var ready []*OutboxEntry
	var failed []*OutboxEntry
	for _, e := range o.entries {
		if e.Status != OutboxPending {
			continue
		}
		if e.Attempts >= o.maxAttempts {
			e.Status = OutboxFailed
			delete(o.index, e.TempID)
			failed = append(failed, e)
			continue
		}
		e.Attempts++
		ready = append(ready, e)
	}
	for _, e := range failed {
		o.remove(e)
	}
	o.mu.Unlock()

	if o.onFailed != nil {
		for _, e := range failed {
			o.onFailed(e)
		}
	}
	return ready
}

// Defer undoes the attempt counted by TakePending for an entry whose
// transmission never happened, so an attempt always corresponds to a real
// write leaving the client.
func (o *Outbox) Defer(tempID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if e, ok := o.index[tempID]; ok && e.Status == OutboxPending && e.Attempts > 0 {
		e.Attempts--
	}
}

// Len returns the number of queued entries.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}

// Retry requeues a failed entry for another round of attempts (manual user
// retry after the cap was hit).
func (o *Outbox) Retry(tempID string, f *OutboundFrame) string {
	o.mu.Lock()
	if e, ok := o.index[tempID]; ok {
		// Still queued: just reset its budget.
		e.Attempts = 0
		e.Status = OutboxPending
		o.mu.Unlock()
		return tempID
	}
	o.mu.Unlock()
	f.TempID = tempID
	return o.Enqueue(f)
}

// remove deletes an entry from the FIFO slice. Callers hold the lock.
func (o *Outbox) remove(e *OutboxEntry) {
	for i, cur := range o.entries {
		if cur == e {
			o.entries = append(o.entries[:i], o.entries[i+1:]...)
			return
		}
	}
}
