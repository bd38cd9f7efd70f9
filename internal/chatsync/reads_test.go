package chatsync

import (
	"errors"
	"testing"
	"time"
)

func TestReadTrackerFiltersAndDeduplicates(t *testing.T) {
	tracker := NewReadStateTracker()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	own := mkMessage("own", base)
	own.SenderID = "alice"
	alreadyRead := mkMessage("read", base)
	alreadyRead.ReadByLocalUser = true
	fresh := mkMessage("fresh", base)

	toMark := tracker.Process([]Message{own, alreadyRead, fresh}, "alice")
	if len(toMark) != 1 || toMark[0] != "fresh" {
		t.Fatalf("toMark = %v, want [fresh]", toMark)
	}

	// Same delta again while the first call is still in flight.
	if again := tracker.Process([]Message{fresh}, "alice"); len(again) != 0 {
		t.Fatalf("in-flight id re-dispatched: %v", again)
	}
}

func TestReadTrackerRetriesAfterFailure(t *testing.T) {
	tracker := NewReadStateTracker()
	msg := mkMessage("m1", time.Now())

	first := tracker.Process([]Message{msg}, "alice")
	if len(first) != 1 {
		t.Fatalf("first pass = %v, want one id", first)
	}
	tracker.Complete("m1", errors.New("network down"))

	retry := tracker.Process([]Message{msg}, "alice")
	if len(retry) != 1 || retry[0] != "m1" {
		t.Fatalf("failed id not retried: %v", retry)
	}
	tracker.Complete("m1", nil)

	if done := tracker.Process([]Message{msg}, "alice"); len(done) != 0 {
		t.Fatalf("known id re-dispatched: %v", done)
	}
	if !tracker.IsKnown("m1") {
		t.Fatal("m1 not known after successful completion")
	}
}

func TestReadTrackerMarkKnown(t *testing.T) {
	tracker := NewReadStateTracker()
	tracker.MarkKnown("m1")
	if got := tracker.Process([]Message{mkMessage("m1", time.Now())}, "alice"); len(got) != 0 {
		t.Fatalf("seeded id dispatched: %v", got)
	}
}
