package chatsync

import (
	"testing"
	"time"
)

func mkMessage(id string, createdAt time.Time) Message {
	return Message{
		ID:        id,
		ScopeType: ScopeTeam,
		ScopeID:   "team-1",
		SenderID:  "bob",
		Content:   "content of " + id,
		CreatedAt: createdAt,
		Delivery:  DeliveryConfirmed,
	}
}

func TestMergeUpdatesInPlaceAndPreservesLocalFlags(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	local := mkMessage("m1", base)
	local.ReadByLocalUser = true
	local.ClientTag = "tag-1"
	local.ReplyCount = 3

	incoming := mkMessage("m1", base.Add(time.Hour)) // delta carries a bogus timestamp
	incoming.Content = "edited"
	incoming.ReadCount = 4
	incoming.TotalRecipients = 9
	incoming.ReplyCount = 2 // stale, lower than local

	result := Merge([]Message{local}, []Message{incoming})
	if len(result.Messages) != 1 {
		t.Fatalf("got %d messages, want 1", len(result.Messages))
	}
	if len(result.Appended) != 0 {
		t.Fatalf("got %d appended, want 0", len(result.Appended))
	}
	got := result.Messages[0]
	if got.Content != "edited" {
		t.Errorf("content = %q, want %q", got.Content, "edited")
	}
	if got.ReadCount != 4 || got.TotalRecipients != 9 {
		t.Errorf("counters = %d/%d, want 4/9", got.ReadCount, got.TotalRecipients)
	}
	if !got.ReadByLocalUser {
		t.Error("ReadByLocalUser was clobbered by the delta")
	}
	if got.ClientTag != "tag-1" {
		t.Errorf("ClientTag = %q, want %q", got.ClientTag, "tag-1")
	}
	if !got.CreatedAt.Equal(base) {
		t.Errorf("CreatedAt changed to %s", got.CreatedAt)
	}
	if got.ReplyCount != 3 {
		t.Errorf("ReplyCount = %d, want max(local, delta) = 3", got.ReplyCount)
	}
}

func TestMergeAppendsUnknownInOrder(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	local := []Message{mkMessage("m2", base.Add(2 * time.Second))}
	delta := []Message{
		mkMessage("m3", base.Add(3*time.Second)),
		mkMessage("m1", base.Add(1*time.Second)),
	}

	result := Merge(local, delta)
	if len(result.Messages) != 3 {
		t.Fatalf("got %d messages, want 3", len(result.Messages))
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if result.Messages[i].ID != want {
			t.Fatalf("position %d = %s, want %s", i, result.Messages[i].ID, want)
		}
	}
	if len(result.Appended) != 2 {
		t.Fatalf("got %d appended, want 2", len(result.Appended))
	}
	for _, msg := range result.Appended {
		if msg.Delivery != DeliveryConfirmed {
			t.Errorf("appended %s delivery = %s, want confirmed", msg.ID, msg.Delivery)
		}
	}
}

func TestMergeTimestampTiebreakIsStable(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	first := Merge(nil, []Message{mkMessage("b", ts), mkMessage("a", ts)})
	second := Merge(first.Messages, []Message{mkMessage("a", ts), mkMessage("b", ts)})
	for i, want := range []string{"a", "b"} {
		if second.Messages[i].ID != want {
			t.Fatalf("position %d = %s, want %s", i, second.Messages[i].ID, want)
		}
	}
}

func TestMergeNeverRemoves(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	local := []Message{mkMessage("m1", base), mkMessage("m2", base.Add(time.Second))}

	result := Merge(local, nil)
	if len(result.Messages) != 2 {
		t.Fatalf("empty delta removed messages: got %d, want 2", len(result.Messages))
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	delta := []Message{mkMessage("m1", base), mkMessage("m2", base.Add(time.Second))}

	once := Merge(nil, delta)
	twice := Merge(once.Messages, delta)
	if len(twice.Messages) != len(once.Messages) {
		t.Fatalf("reapplied delta changed length: %d vs %d", len(twice.Messages), len(once.Messages))
	}
	if len(twice.Appended) != 0 {
		t.Fatalf("reapplied delta appended %d messages", len(twice.Appended))
	}
	for i := range once.Messages {
		if twice.Messages[i] != once.Messages[i] {
			t.Fatalf("message %d changed on reapply: %+v vs %+v", i, twice.Messages[i], once.Messages[i])
		}
	}
}

func TestMergeSkipsEmptyIDs(t *testing.T) {
	result := Merge(nil, []Message{{Content: "no id"}})
	if len(result.Messages) != 0 {
		t.Fatalf("got %d messages, want 0", len(result.Messages))
	}
}
