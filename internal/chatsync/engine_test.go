package chatsync

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"
)

var engineBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeRemoteClient scripts poll batches and records every call the engine
// makes, with an optional gate to hold a poll in flight.
type fakeRemoteClient struct {
	mu             sync.Mutex
	batches        []DeltaBatch
	pollErr        error
	pollGate       chan struct{}
	pollCalls      int
	pollSinces     []time.Time
	initial        map[string][]Message
	replies        map[string][]Reply
	repliesCalls   int
	marked         []string
	markErr        map[string]error
	postMessage    Message
	postMessageErr error
	postReply      Reply
	postReplyErr   error
	edited         Message
	editErr        error
}

func (f *fakeRemoteClient) Poll(_ context.Context, since time.Time, _ ScopeSet) (DeltaBatch, error) {
	f.mu.Lock()
	f.pollCalls++
	f.pollSinces = append(f.pollSinces, since)
	gate := f.pollGate
	err := f.pollErr
	var batch DeltaBatch
	if len(f.batches) > 0 {
		batch = f.batches[0]
		f.batches = f.batches[1:]
	} else {
		batch = DeltaBatch{PolledAt: since}
	}
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return DeltaBatch{}, err
	}
	return batch, nil
}

func (f *fakeRemoteClient) ListMessages(_ context.Context, scope Scope, _, _ int) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.initial[scope.ID]...), nil
}

func (f *fakeRemoteClient) ListReplies(_ context.Context, messageID string) ([]Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.repliesCalls++
	return append([]Reply(nil), f.replies[messageID]...), nil
}

func (f *fakeRemoteClient) PostReply(_ context.Context, _, _ string) (Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.postReplyErr != nil {
		return Reply{}, f.postReplyErr
	}
	return f.postReply, nil
}

func (f *fakeRemoteClient) PostMessage(_ context.Context, _ Scope, _ string) (Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.postMessageErr != nil {
		return Message{}, f.postMessageErr
	}
	return f.postMessage, nil
}

func (f *fakeRemoteClient) EditMessage(_ context.Context, _, _ string) (Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.editErr != nil {
		return Message{}, f.editErr
	}
	return f.edited, nil
}

func (f *fakeRemoteClient) MarkRead(_ context.Context, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, messageID)
	if f.markErr != nil {
		return f.markErr[messageID]
	}
	return nil
}

func (f *fakeRemoteClient) polls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pollCalls
}

func (f *fakeRemoteClient) markedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.marked...)
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []Message
}

func (n *recordingNotifier) Notify(msg Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, msg)
	return nil
}

func (n *recordingNotifier) notified() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return idsOf(n.messages)
}

func newTestEngine(t *testing.T, fake *fakeRemoteClient, notifier Notifier) *Engine {
	t.Helper()
	engine, err := NewEngine(EngineOptions{
		Client:      fake,
		LocalUserID: "alice",
		Scopes:      ScopeSet{TeamIDs: []string{"t1"}},
		Interval:    time.Hour,
		Notifier:    notifier,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	engine.watermark.Reset(engineBase)
	t.Cleanup(engine.Stop)
	return engine
}

// pollSync runs exactly one poll cycle and waits for it to finish.
func pollSync(e *Engine) {
	e.tick()
	e.pollWG.Wait()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEnginePollPipeline(t *testing.T) {
	edited := mkMessage("m1", engineBase.Add(-time.Minute))
	edited.Content = "edited content"
	fresh := mkMessage("m2", engineBase.Add(time.Second))
	polledAt := engineBase.Add(5 * time.Second)

	fake := &fakeRemoteClient{batches: []DeltaBatch{{Messages: []Message{edited, fresh}, PolledAt: polledAt}}}
	notifier := &recordingNotifier{}
	engine := newTestEngine(t, fake, notifier)

	existing := mkMessage("m1", engineBase.Add(-time.Minute))
	existing.ReadByLocalUser = true
	engine.messages = []Message{existing}
	engine.reads.MarkKnown("m1")

	pollSync(engine)

	snapshot := engine.Snapshot()
	if len(snapshot) != 2 {
		t.Fatalf("snapshot = %v", idsOf(snapshot))
	}
	if snapshot[0].ID != "m1" || snapshot[0].Content != "edited content" {
		t.Fatalf("m1 not updated: %+v", snapshot[0])
	}
	if !snapshot[0].ReadByLocalUser {
		t.Fatal("local read flag lost during merge")
	}
	if got := fake.markedIDs(); len(got) != 1 || got[0] != "m2" {
		t.Fatalf("marked = %v, want [m2]", got)
	}
	if !snapshot[1].ReadByLocalUser {
		t.Fatal("m2 not flagged read after successful mark")
	}
	if got := notifier.notified(); len(got) != 1 || got[0] != "m2" {
		t.Fatalf("notified = %v, want [m2]", got)
	}
	if got := engine.watermark.Get(); !got.Equal(polledAt) {
		t.Fatalf("watermark = %s, want %s", got, polledAt)
	}
}

func TestEngineDropsOverlappingTicks(t *testing.T) {
	gate := make(chan struct{})
	fake := &fakeRemoteClient{pollGate: gate}
	engine := newTestEngine(t, fake, nil)

	engine.tick()
	waitFor(t, "first poll to start", func() bool { return fake.polls() == 1 })
	engine.tick()
	engine.tick()
	close(gate)
	engine.pollWG.Wait()

	if got := fake.polls(); got != 1 {
		t.Fatalf("poll calls = %d, want 1", got)
	}
}

func TestEngineStopDiscardsInFlightResult(t *testing.T) {
	gate := make(chan struct{})
	fake := &fakeRemoteClient{
		pollGate: gate,
		batches:  []DeltaBatch{{Messages: []Message{mkMessage("m1", engineBase)}, PolledAt: engineBase.Add(time.Second)}},
	}
	engine := newTestEngine(t, fake, nil)

	engine.tick()
	waitFor(t, "poll to start", func() bool { return fake.polls() == 1 })

	stopDone := make(chan struct{})
	go func() {
		engine.Stop()
		close(stopDone)
	}()
	waitFor(t, "stop to be recorded", func() bool {
		engine.mu.Lock()
		defer engine.mu.Unlock()
		return engine.stopped
	})
	close(gate)
	<-stopDone

	if got := engine.Snapshot(); len(got) != 0 {
		t.Fatalf("in-flight result applied after stop: %v", idsOf(got))
	}
	if got := engine.watermark.Get(); !got.Equal(engineBase) {
		t.Fatalf("watermark advanced after stop: %s", got)
	}
}

func TestEngineKeepsWatermarkOnRegression(t *testing.T) {
	stale := engineBase.Add(-10 * time.Second)
	fake := &fakeRemoteClient{
		batches: []DeltaBatch{{Messages: []Message{mkMessage("m1", engineBase)}, PolledAt: stale}},
	}
	engine := newTestEngine(t, fake, nil)

	pollSync(engine)

	if got := engine.Snapshot(); len(got) != 1 || got[0].ID != "m1" {
		t.Fatalf("merge skipped on regression: %v", idsOf(got))
	}
	if got := engine.watermark.Get(); !got.Equal(engineBase) {
		t.Fatalf("watermark rewound to %s", got)
	}
}

func TestEnginePollFailureLeavesStateUntouched(t *testing.T) {
	fake := &fakeRemoteClient{pollErr: &TransportError{Err: errors.New("connection refused")}}
	engine := newTestEngine(t, fake, nil)

	pollSync(engine)

	if got := engine.Snapshot(); len(got) != 0 {
		t.Fatalf("snapshot = %v", idsOf(got))
	}
	if got := engine.watermark.Get(); !got.Equal(engineBase) {
		t.Fatalf("watermark moved on failed poll: %s", got)
	}

	// The scheduler is not stuck: the next cycle polls again.
	pollSync(engine)
	if got := fake.polls(); got != 2 {
		t.Fatalf("poll calls = %d, want 2", got)
	}
}

func TestEngineEmptyScopesSkipNetwork(t *testing.T) {
	fake := &fakeRemoteClient{}
	engine := newTestEngine(t, fake, nil)
	engine.SetScopes(nil, nil)

	pollSync(engine)

	if got := fake.polls(); got != 0 {
		t.Fatalf("poll calls = %d, want 0", got)
	}
	if got := engine.watermark.Get(); !got.Equal(engineBase) {
		t.Fatalf("watermark moved without a poll: %s", got)
	}
}

func TestEngineSetScopesTriggersImmediatePoll(t *testing.T) {
	first := DeltaBatch{PolledAt: engineBase.Add(time.Second)}
	fake := &fakeRemoteClient{batches: []DeltaBatch{first}}
	engine := newTestEngine(t, fake, nil)
	engine.Start()

	waitFor(t, "startup poll", func() bool {
		fake.mu.Lock()
		defer fake.mu.Unlock()
		if fake.pollCalls < 1 {
			return false
		}
		engine.mu.Lock()
		defer engine.mu.Unlock()
		return !engine.polling
	})

	engine.SetScopes([]string{"t1", "t2"}, nil)
	waitFor(t, "out-of-band poll", func() bool { return fake.polls() >= 2 })

	fake.mu.Lock()
	secondSince := fake.pollSinces[1]
	fake.mu.Unlock()
	if !secondSince.Equal(first.PolledAt) {
		t.Fatalf("scope change reset the watermark: since = %s, want %s", secondSince, first.PolledAt)
	}
}

func TestEngineRefreshesGrownExpandedThread(t *testing.T) {
	parent := mkMessage("m1", engineBase.Add(-time.Minute))
	parent.ReplyCount = 1
	fake := &fakeRemoteClient{
		replies: map[string][]Reply{"m1": {mkReply("r1", "m1", engineBase)}},
	}
	engine := newTestEngine(t, fake, nil)
	engine.messages = []Message{parent}
	engine.reads.MarkKnown("m1")

	if _, err := engine.ExpandThread(context.Background(), "m1"); err != nil {
		t.Fatalf("expand: %v", err)
	}

	fake.mu.Lock()
	fake.replies["m1"] = []Reply{mkReply("r1", "m1", engineBase), mkReply("r2", "m1", engineBase.Add(time.Second))}
	grown := parent
	grown.ReplyCount = 2
	fake.batches = []DeltaBatch{{Messages: []Message{grown}, PolledAt: engineBase.Add(5 * time.Second)}}
	fake.mu.Unlock()

	pollSync(engine)

	replies, ok := engine.ThreadReplies("m1")
	if !ok || len(replies) != 2 {
		t.Fatalf("thread not refreshed: %+v", replies)
	}
	if got := engine.Snapshot()[0].ReplyCount; got != 2 {
		t.Fatalf("reply badge = %d, want 2", got)
	}
}

func TestEngineReadMarkFailureRetriesNextCycle(t *testing.T) {
	incoming := mkMessage("m1", engineBase.Add(time.Second))
	fake := &fakeRemoteClient{
		batches: []DeltaBatch{
			{Messages: []Message{incoming}, PolledAt: engineBase.Add(2 * time.Second)},
			{Messages: []Message{incoming}, PolledAt: engineBase.Add(4 * time.Second)},
		},
		markErr: map[string]error{"m1": &TransportError{Err: errors.New("timeout")}},
	}
	engine := newTestEngine(t, fake, nil)

	pollSync(engine)
	if engine.Snapshot()[0].ReadByLocalUser {
		t.Fatal("read flag set although the mark call failed")
	}

	fake.mu.Lock()
	fake.markErr = nil
	fake.mu.Unlock()

	pollSync(engine)
	if got := fake.markedIDs(); len(got) != 2 {
		t.Fatalf("marked = %v, want two attempts for m1", got)
	}
	if !engine.Snapshot()[0].ReadByLocalUser {
		t.Fatal("read flag not set after successful retry")
	}
}

func TestEngineSendMessageConfirms(t *testing.T) {
	confirmed := mkMessage("srv-1", engineBase.Add(time.Second))
	confirmed.SenderID = "alice"
	confirmed.Content = "hello"
	fake := &fakeRemoteClient{postMessage: confirmed}
	engine := newTestEngine(t, fake, nil)

	var snapshots [][]Message
	var snapMu sync.Mutex
	engine.Subscribe(ObserverFunc(func(messages []Message) {
		snapMu.Lock()
		defer snapMu.Unlock()
		snapshots = append(snapshots, messages)
	}))

	sent, err := engine.SendMessage(context.Background(), Scope{Type: ScopeTeam, ID: "t1"}, "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if sent.ID != "srv-1" || sent.Delivery != DeliveryConfirmed {
		t.Fatalf("sent = %+v", sent)
	}

	snapshot := engine.Snapshot()
	if len(snapshot) != 1 || snapshot[0].ID != "srv-1" {
		t.Fatalf("snapshot = %v", idsOf(snapshot))
	}
	if !snapshot[0].ReadByLocalUser {
		t.Fatal("own message not flagged read")
	}

	snapMu.Lock()
	defer snapMu.Unlock()
	// Initial snapshot on subscribe, then the pending entry, then the
	// confirmed replacement.
	if len(snapshots) != 3 {
		t.Fatalf("got %d snapshots, want 3", len(snapshots))
	}
	if pending := snapshots[1]; len(pending) != 1 || pending[0].Delivery != DeliveryPending {
		t.Fatalf("intermediate snapshot = %+v", pending)
	}
}

func TestEngineSendMessageRejectedRollsBack(t *testing.T) {
	fake := &fakeRemoteClient{postMessageErr: &RejectedMutation{StatusCode: http.StatusForbidden, Code: "forbidden"}}
	engine := newTestEngine(t, fake, nil)

	_, err := engine.SendMessage(context.Background(), Scope{Type: ScopeTeam, ID: "t1"}, "hello")
	if err == nil {
		t.Fatal("expected rejection")
	}
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("errors.Is(err, ErrRejected) = false for %v", err)
	}
	if got := engine.Snapshot(); len(got) != 0 {
		t.Fatalf("optimistic message survived rejection: %v", idsOf(got))
	}
}

func TestEngineSendReplyRejectedRollsBack(t *testing.T) {
	fake := &fakeRemoteClient{
		replies:      map[string][]Reply{"m1": {mkReply("r1", "m1", engineBase)}},
		postReplyErr: &RejectedMutation{StatusCode: http.StatusForbidden, Code: "forbidden"},
	}
	engine := newTestEngine(t, fake, nil)
	if _, err := engine.ExpandThread(context.Background(), "m1"); err != nil {
		t.Fatalf("expand: %v", err)
	}

	_, err := engine.SendReply(context.Background(), "m1", "my reply")
	if err == nil {
		t.Fatal("expected rejection")
	}
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("errors.Is(err, ErrRejected) = false for %v", err)
	}
	replies, _ := engine.ThreadReplies("m1")
	if len(replies) != 1 || replies[0].ID != "r1" {
		t.Fatalf("optimistic reply survived rejection: %+v", replies)
	}
}

func TestEngineSendReplyConfirmedRefetches(t *testing.T) {
	parent := mkMessage("m1", engineBase.Add(-time.Minute))
	confirmed := mkReply("r2", "m1", engineBase.Add(time.Second))
	confirmed.SenderID = "alice"
	fake := &fakeRemoteClient{
		replies:   map[string][]Reply{"m1": {mkReply("r1", "m1", engineBase)}},
		postReply: confirmed,
	}
	engine := newTestEngine(t, fake, nil)
	engine.messages = []Message{parent}
	if _, err := engine.ExpandThread(context.Background(), "m1"); err != nil {
		t.Fatalf("expand: %v", err)
	}

	fake.mu.Lock()
	fake.replies["m1"] = []Reply{mkReply("r1", "m1", engineBase), confirmed}
	fake.mu.Unlock()

	sent, err := engine.SendReply(context.Background(), "m1", "my reply")
	if err != nil {
		t.Fatalf("send reply: %v", err)
	}
	if sent.ID != "r2" || sent.Delivery != DeliveryConfirmed {
		t.Fatalf("sent = %+v", sent)
	}
	replies, _ := engine.ThreadReplies("m1")
	if len(replies) != 2 {
		t.Fatalf("thread = %+v", replies)
	}
	for _, r := range replies {
		if r.ClientTag != "" {
			t.Fatalf("optimistic entry not superseded: %+v", r)
		}
	}
	if got := engine.Snapshot()[0].ReplyCount; got != 2 {
		t.Fatalf("reply badge = %d, want 2", got)
	}
}

func TestEngineEditMessageRollsBackOnRejection(t *testing.T) {
	existing := mkMessage("m1", engineBase)
	existing.SenderID = "alice"
	existing.Content = "original"
	fake := &fakeRemoteClient{editErr: &RejectedMutation{StatusCode: http.StatusForbidden, Code: "forbidden"}}
	engine := newTestEngine(t, fake, nil)
	engine.messages = []Message{existing}

	_, err := engine.EditMessage(context.Background(), "m1", "changed")
	if err == nil {
		t.Fatal("expected rejection")
	}
	if got := engine.Snapshot()[0].Content; got != "original" {
		t.Fatalf("content = %q after rollback, want original", got)
	}
}

func TestEngineValidation(t *testing.T) {
	if _, err := NewEngine(EngineOptions{LocalUserID: "alice"}); err == nil {
		t.Fatal("missing client accepted")
	}
	if _, err := NewEngine(EngineOptions{Client: &fakeRemoteClient{}}); err == nil {
		t.Fatal("missing user id accepted")
	}
	engine := newTestEngine(t, &fakeRemoteClient{}, nil)
	if _, err := engine.SendMessage(context.Background(), Scope{Type: ScopeTeam, ID: "t1"}, "   "); err == nil {
		t.Fatal("blank content accepted")
	}
}
