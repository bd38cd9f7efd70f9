package chatsync

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultPollInterval = 5 * time.Second

type Logger interface {
	Printf(format string, args ...any)
}

// Observer receives the merged, ordered message snapshot after every
// successful poll and after every local optimistic mutation. Observers must
// treat the slice as read-only.
type Observer interface {
	MessagesUpdated(messages []Message)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(messages []Message)

func (f ObserverFunc) MessagesUpdated(messages []Message) {
	f(messages)
}

type EngineOptions struct {
	Client           RemoteClient
	LocalUserID      string
	Scopes           ScopeSet
	Interval         time.Duration
	InitialLoadLimit int
	Notifier         Notifier
	Logger           Logger
}

// Engine is the single synchronization session for one authenticated user.
// It owns the local message collection and every derived cache; screens only
// read published snapshots and issue intents through the public operations.
type Engine struct {
	client           RemoteClient
	fetcher          *DeltaFetcher
	watermark        *WatermarkStore
	threads          *ThreadCache
	reads            *ReadStateTracker
	decider          *NotificationDecider
	notifier         Notifier
	logger           Logger
	localUserID      string
	interval         time.Duration
	initialLoadLimit int

	mu        sync.Mutex
	messages  []Message
	observers []Observer
	scopes    ScopeSet
	polling   bool
	stopped   bool
	started   bool

	ctx      context.Context
	cancel   context.CancelFunc
	kick     chan struct{}
	loopDone chan struct{}
	pollWG   sync.WaitGroup
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("client is required")
	}
	if strings.TrimSpace(opts.LocalUserID) == "" {
		return nil, fmt.Errorf("local user id is required")
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	loadLimit := opts.InitialLoadLimit
	if loadLimit <= 0 {
		loadLimit = 50
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		client:           opts.Client,
		fetcher:          NewDeltaFetcher(opts.Client),
		watermark:        NewWatermarkStore(time.Now().UTC()),
		threads:          NewThreadCache(opts.Client),
		reads:            NewReadStateTracker(),
		decider:          NewNotificationDecider(),
		notifier:         opts.Notifier,
		logger:           opts.Logger,
		localUserID:      opts.LocalUserID,
		interval:         interval,
		initialLoadLimit: loadLimit,
		scopes:           opts.Scopes.Clone(),
		ctx:              ctx,
		cancel:           cancel,
		kick:             make(chan struct{}, 1),
		loopDone:         make(chan struct{}),
	}, nil
}

// Start launches the poll loop: an initial load per scope, one immediate
// poll, then the repeating timer. Start is idempotent.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.started || e.stopped {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.mu.Unlock()
	go e.run()
}

// Stop tears the session down: the timer is canceled and any in-flight poll
// may complete but its result is discarded. Safe to call more than once and
// safe to call while a poll is in flight.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	started := e.started
	e.mu.Unlock()
	e.cancel()
	if started {
		<-e.loopDone
	}
	e.pollWG.Wait()
}

// Subscribe registers an observer and immediately delivers the current
// snapshot so a late-mounting screen does not render empty.
func (e *Engine) Subscribe(observer Observer) {
	if observer == nil {
		return
	}
	e.mu.Lock()
	e.observers = append(e.observers, observer)
	snapshot := append([]Message(nil), e.messages...)
	e.mu.Unlock()
	observer.MessagesUpdated(snapshot)
}

// Snapshot returns a copy of the merged, ordered message collection.
func (e *Engine) Snapshot() []Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Message(nil), e.messages...)
}

// SetScopes replaces the polled scope set. A change triggers an immediate
// out-of-band poll using the existing watermark; it never waits for the next
// timer tick and never resets sync position.
func (e *Engine) SetScopes(teamIDs, orgIDs []string) {
	next := ScopeSet{
		TeamIDs: append([]string(nil), teamIDs...),
		OrgIDs:  append([]string(nil), orgIDs...),
	}
	e.mu.Lock()
	changed := next.Key() != e.scopes.Key()
	e.scopes = next
	e.mu.Unlock()
	if !changed {
		return
	}
	e.SyncNow()
}

// SyncNow requests an out-of-band poll without waiting for the timer.
func (e *Engine) SyncNow() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

func (e *Engine) run() {
	defer close(e.loopDone)
	e.loadInitial(e.ctx)
	e.tick()
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-e.kick:
			e.tick()
		case <-ticker.C:
			e.tick()
		}
	}
}

// tick starts one poll unless a poll is already in flight, in which case the
// tick is dropped. Overlapping polls are forbidden: they could apply two
// deltas out of watermark order.
func (e *Engine) tick() {
	e.mu.Lock()
	if e.polling || e.stopped {
		e.mu.Unlock()
		return
	}
	e.polling = true
	scopes := e.scopes.Clone()
	e.mu.Unlock()

	e.pollWG.Add(1)
	go func() {
		defer e.pollWG.Done()
		e.pollOnce(e.ctx, scopes)
		e.mu.Lock()
		e.polling = false
		e.mu.Unlock()
	}()
}

// pollOnce runs one fetch-and-apply cycle. A failed fetch is logged and
// otherwise invisible: the watermark stays put and the next tick retries.
func (e *Engine) pollOnce(ctx context.Context, scopes ScopeSet) {
	since := e.watermark.Get()
	batch, err := e.fetcher.Fetch(ctx, since, scopes)
	if err != nil {
		e.logf("poll failed: %v", err)
		return
	}
	e.apply(ctx, batch)
}

// apply runs the delta pipeline in fixed order: merge, thread reconcile,
// read marks, notifications, watermark advance, publish. Each stage's
// failure is logged and isolated; a failed read mark must not block
// reconciliation, and a stuck scheduler is worse than a degraded one.
func (e *Engine) apply(ctx context.Context, batch DeltaBatch) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	result := Merge(e.messages, batch.Messages)
	e.messages = result.Messages
	e.mu.Unlock()

	for _, messageID := range e.threads.Reconcile(batch.Messages) {
		replies, err := e.threads.Refresh(ctx, messageID)
		if err != nil {
			e.logf("thread refresh for %s failed: %v", messageID, err)
			continue
		}
		e.raiseReplyCount(messageID, len(replies))
	}

	for _, messageID := range e.reads.Process(batch.Messages, e.localUserID) {
		err := e.client.MarkRead(ctx, messageID)
		e.reads.Complete(messageID, err)
		if err != nil {
			e.logf("mark read for %s failed: %v", messageID, err)
			continue
		}
		e.setReadByLocalUser(messageID)
	}

	if e.notifier != nil {
		for _, msg := range e.decider.Evaluate(result.Appended, e.localUserID) {
			if err := e.notifier.Notify(msg); err != nil {
				e.logf("notification for %s failed: %v", msg.ID, err)
			}
		}
	} else {
		e.decider.Evaluate(result.Appended, e.localUserID)
	}

	if !batch.PolledAt.IsZero() {
		if err := e.watermark.Set(batch.PolledAt); err != nil {
			e.logf("keeping current watermark: %v", err)
		}
	}

	e.publish()
}

// loadInitial seeds the collection from the per-scope initial-load endpoint.
// Failures are per scope: one unreachable scope does not block the rest.
func (e *Engine) loadInitial(ctx context.Context) {
	e.mu.Lock()
	scopes := e.scopes.Clone()
	e.mu.Unlock()

	var loaded []Message
	load := func(scope Scope) {
		messages, err := e.client.ListMessages(ctx, scope, e.initialLoadLimit, 0)
		if err != nil {
			e.logf("initial load for %s/%s failed: %v", scope.Type, scope.ID, err)
			return
		}
		loaded = append(loaded, messages...)
	}
	for _, id := range scopes.TeamIDs {
		load(Scope{Type: ScopeTeam, ID: id})
	}
	for _, id := range scopes.OrgIDs {
		load(Scope{Type: ScopeOrganization, ID: id})
	}
	if len(loaded) == 0 {
		return
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	result := Merge(e.messages, loaded)
	e.messages = result.Messages
	e.mu.Unlock()
	e.publish()
}

// ExpandThread opens a reply thread, always fetching fresh on the first
// expansion. The parent's reply badge is raised to the fetched count.
func (e *Engine) ExpandThread(ctx context.Context, messageID string) ([]Reply, error) {
	replies, err := e.threads.Expand(ctx, messageID)
	if err != nil {
		return nil, err
	}
	e.raiseReplyCount(messageID, len(replies))
	e.publish()
	return replies, nil
}

// CollapseThread closes a thread; the cached replies are retained.
func (e *Engine) CollapseThread(messageID string) {
	e.threads.Collapse(messageID)
}

// ThreadReplies returns the cached replies for a thread, if the thread has
// been expanded this session.
func (e *Engine) ThreadReplies(messageID string) ([]Reply, bool) {
	return e.threads.Replies(messageID)
}

// SendMessage posts a message to a scope. The message appears in the local
// collection immediately as a pending entry and is replaced by the server
// copy on confirmation; on failure the optimistic entry is rolled back and
// the error propagates so the UI can offer a retry.
func (e *Engine) SendMessage(ctx context.Context, scope Scope, content string) (Message, error) {
	if strings.TrimSpace(content) == "" {
		return Message{}, fmt.Errorf("content is required")
	}
	tag := uuid.NewString()
	placeholder := Message{
		ID:              "local-" + tag,
		ScopeType:       scope.Type,
		ScopeID:         scope.ID,
		SenderID:        e.localUserID,
		Content:         content,
		CreatedAt:       time.Now().UTC(),
		ReadByLocalUser: true,
		Delivery:        DeliveryPending,
		ClientTag:       tag,
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return Message{}, fmt.Errorf("engine is stopped")
	}
	e.messages = append(e.messages, placeholder)
	sortMessages(e.messages)
	e.mu.Unlock()
	e.publish()

	created, err := e.client.PostMessage(ctx, scope, content)
	if err != nil {
		e.removeByClientTag(tag)
		e.publish()
		placeholder.Delivery = DeliveryRejected
		return placeholder, err
	}
	created.Delivery = DeliveryConfirmed
	created.ReadByLocalUser = true
	created.ClientTag = tag
	e.confirmPlaceholder(tag, created)
	e.reads.MarkKnown(created.ID)
	e.publish()
	return created, nil
}

// SendReply posts a reply into a thread, optimistically appended to the
// thread cache and superseded by an authoritative refetch on confirmation.
func (e *Engine) SendReply(ctx context.Context, messageID, content string) (Reply, error) {
	if strings.TrimSpace(content) == "" {
		return Reply{}, fmt.Errorf("content is required")
	}
	tag := uuid.NewString()
	e.threads.AppendReply(messageID, Reply{
		ID:        "local-" + tag,
		MessageID: messageID,
		SenderID:  e.localUserID,
		Content:   content,
		CreatedAt: time.Now().UTC(),
		Delivery:  DeliveryPending,
		ClientTag: tag,
	})
	e.publish()

	created, err := e.client.PostReply(ctx, messageID, content)
	if err != nil {
		e.threads.RemoveReply(messageID, tag)
		e.publish()
		return Reply{}, err
	}
	replies, refreshErr := e.threads.Refresh(ctx, messageID)
	if refreshErr != nil {
		e.logf("reply refresh for %s failed: %v", messageID, refreshErr)
	} else {
		e.raiseReplyCount(messageID, len(replies))
	}
	e.publish()
	created.Delivery = DeliveryConfirmed
	return created, nil
}

// EditMessage edits a message the local user authored. The change is applied
// optimistically and rolled back if the server rejects it.
func (e *Engine) EditMessage(ctx context.Context, messageID, content string) (Message, error) {
	if strings.TrimSpace(content) == "" {
		return Message{}, fmt.Errorf("content is required")
	}
	previous, found := e.setContent(messageID, content)
	if found {
		e.publish()
	}
	updated, err := e.client.EditMessage(ctx, messageID, content)
	if err != nil {
		if found {
			e.setContent(messageID, previous)
			e.publish()
		}
		return Message{}, err
	}
	return updated, nil
}

func (e *Engine) setContent(messageID, content string) (previous string, found bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.messages {
		if e.messages[i].ID == messageID {
			previous = e.messages[i].Content
			e.messages[i].Content = content
			return previous, true
		}
	}
	return "", false
}

func (e *Engine) setReadByLocalUser(messageID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.messages {
		if e.messages[i].ID == messageID {
			e.messages[i].ReadByLocalUser = true
			return
		}
	}
}

// raiseReplyCount lifts a message's reply badge to at least count. The badge
// never decreases within a session.
func (e *Engine) raiseReplyCount(messageID string, count int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.messages {
		if e.messages[i].ID == messageID {
			if count > e.messages[i].ReplyCount {
				e.messages[i].ReplyCount = count
			}
			return
		}
	}
}

func (e *Engine) removeByClientTag(tag string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	kept := e.messages[:0]
	for _, msg := range e.messages {
		if msg.ClientTag != tag {
			kept = append(kept, msg)
		}
	}
	e.messages = kept
}

// confirmPlaceholder swaps a pending entry for its confirmed server copy.
// If a poll already delivered the server copy (the delta raced the POST
// response), the placeholder is simply dropped.
func (e *Engine) confirmPlaceholder(tag string, created Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	kept := e.messages[:0]
	alreadyMerged := false
	for _, msg := range e.messages {
		if msg.ID == created.ID {
			alreadyMerged = true
			msg.ReadByLocalUser = true
			kept = append(kept, msg)
			continue
		}
		if msg.ClientTag == tag {
			continue
		}
		kept = append(kept, msg)
	}
	e.messages = kept
	if !alreadyMerged {
		e.messages = append(e.messages, created)
		sortMessages(e.messages)
	}
}

func (e *Engine) publish() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	snapshot := append([]Message(nil), e.messages...)
	observers := append([]Observer(nil), e.observers...)
	e.mu.Unlock()
	for _, observer := range observers {
		observer.MessagesUpdated(snapshot)
	}
}

func (e *Engine) logf(format string, args ...any) {
	if e.logger == nil {
		return
	}
	e.logger.Printf(format, args...)
}
