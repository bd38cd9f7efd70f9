package chatsync

import "sync"

// ReadStateTracker decides which fetched messages still need a mark-read
// call and deduplicates in-flight and completed calls across overlapping
// polls. The backend's read endpoint is idempotent, so the occasional
// duplicate after a transient failure is harmless.
type ReadStateTracker struct {
	mu      sync.Mutex
	pending map[string]struct{}
	known   map[string]struct{}
}

func NewReadStateTracker() *ReadStateTracker {
	return &ReadStateTracker{
		pending: map[string]struct{}{},
		known:   map[string]struct{}{},
	}
}

// Process returns the ids that qualify for a mark-read call: sent by someone
// else, not already in flight, not already known read. Returned ids are
// moved into the pending set so overlapping polls never double-dispatch.
func (t *ReadStateTracker) Process(delta []Message, localUserID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var toMark []string
	for _, msg := range delta {
		if msg.ID == "" || msg.SenderID == localUserID {
			continue
		}
		if msg.ReadByLocalUser {
			continue
		}
		if _, inFlight := t.pending[msg.ID]; inFlight {
			continue
		}
		if _, done := t.known[msg.ID]; done {
			continue
		}
		t.pending[msg.ID] = struct{}{}
		toMark = append(toMark, msg.ID)
	}
	return toMark
}

// Complete records the outcome of a dispatched mark-read call. Success makes
// the id known-read; failure drops it from the pending set so a later poll
// cycle retries instead of the receipt being suppressed forever.
func (t *ReadStateTracker) Complete(messageID string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, messageID)
	if err == nil {
		t.known[messageID] = struct{}{}
	}
}

// MarkKnown seeds an id as already read, e.g. for the local user's own
// messages loaded at session start.
func (t *ReadStateTracker) MarkKnown(messageID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.known[messageID] = struct{}{}
}

// IsKnown reports whether a successful mark-read completed for the id.
func (t *ReadStateTracker) IsKnown(messageID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.known[messageID]
	return ok
}
