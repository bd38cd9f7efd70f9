package chatsync

import (
	"context"
	"sync"
)

// ReplyFetcher is the slice of RemoteClient the thread cache needs.
type ReplyFetcher interface {
	ListReplies(ctx context.Context, messageID string) ([]Reply, error)
}

// ThreadState is the per-message expansion cache: whether the thread is open
// in the UI, the replies loaded so far (possibly stale), and the reply count
// the cache was last reconciled against.
type ThreadState struct {
	Expanded            bool
	Replies             []Reply
	LastKnownReplyCount int
}

// ThreadCache tracks expanded reply threads. Entries are created lazily the
// first time a thread is expanded and kept until the engine is torn down.
type ThreadCache struct {
	mu      sync.Mutex
	fetcher ReplyFetcher
	threads map[string]*ThreadState
}

func NewThreadCache(fetcher ReplyFetcher) *ThreadCache {
	return &ThreadCache{
		fetcher: fetcher,
		threads: map[string]*ThreadState{},
	}
}

// Reconcile inspects a delta batch and returns the ids of expanded threads
// whose server-side reply count grew past what the cache has seen. Those
// threads need an authoritative refetch.
func (c *ThreadCache) Reconcile(delta []Message) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var stale []string
	for _, msg := range delta {
		state, ok := c.threads[msg.ID]
		if !ok || !state.Expanded {
			continue
		}
		if msg.ReplyCount > state.LastKnownReplyCount {
			stale = append(stale, msg.ID)
		}
	}
	return stale
}

// Expand opens a thread. The first expansion never trusts a stale cache: a
// fresh fetch is always performed and becomes the cached thread content.
func (c *ThreadCache) Expand(ctx context.Context, messageID string) ([]Reply, error) {
	replies, err := c.fetcher.ListReplies(ctx, messageID)
	if err != nil {
		return nil, err
	}
	sortReplies(replies)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.threads[messageID] = &ThreadState{
		Expanded:            true,
		Replies:             replies,
		LastKnownReplyCount: len(replies),
	}
	return append([]Reply(nil), replies...), nil
}

// Collapse closes a thread but keeps its cached replies, so re-expanding is
// instant until the next reconciliation invalidates them.
func (c *ThreadCache) Collapse(messageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if state, ok := c.threads[messageID]; ok {
		state.Expanded = false
	}
}

// Refresh replaces the cached thread with the authoritative server copy.
func (c *ThreadCache) Refresh(ctx context.Context, messageID string) ([]Reply, error) {
	replies, err := c.fetcher.ListReplies(ctx, messageID)
	if err != nil {
		return nil, err
	}
	sortReplies(replies)
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.threads[messageID]
	if !ok {
		state = &ThreadState{}
		c.threads[messageID] = state
	}
	state.Replies = replies
	state.LastKnownReplyCount = len(replies)
	return append([]Reply(nil), replies...), nil
}

// AppendReply optimistically adds a locally authored reply ahead of the
// server round trip. The next authoritative refetch supersedes it.
func (c *ThreadCache) AppendReply(messageID string, reply Reply) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.threads[messageID]
	if !ok {
		state = &ThreadState{}
		c.threads[messageID] = state
	}
	state.Replies = append(state.Replies, reply)
}

// RemoveReply drops an optimistic reply after the server rejected it,
// matched by client tag.
func (c *ThreadCache) RemoveReply(messageID, clientTag string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.threads[messageID]
	if !ok {
		return
	}
	kept := state.Replies[:0]
	for _, r := range state.Replies {
		if r.ClientTag != clientTag || clientTag == "" {
			kept = append(kept, r)
		}
	}
	state.Replies = kept
}

// Replies returns the cached replies for a thread, if any are cached.
func (c *ThreadCache) Replies(messageID string) ([]Reply, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.threads[messageID]
	if !ok {
		return nil, false
	}
	return append([]Reply(nil), state.Replies...), true
}

// State returns a copy of the thread state for a message.
func (c *ThreadCache) State(messageID string) (ThreadState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.threads[messageID]
	if !ok {
		return ThreadState{}, false
	}
	return ThreadState{
		Expanded:            state.Expanded,
		Replies:             append([]Reply(nil), state.Replies...),
		LastKnownReplyCount: state.LastKnownReplyCount,
	}, true
}
