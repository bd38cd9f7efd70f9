package httpapi

import (
	"encoding/json"
	"testing"

	"github.com/crewchat/crewchat/internal/chatstore"
)

func TestBroadcastDeliversToSubscriber(t *testing.T) {
	hub := NewEventHub(nil)
	sub := hub.register()
	defer hub.unregister(sub)

	hub.Broadcast(chatstore.Event{ID: "ev_1", Type: chatstore.EventMessageCreated, MessageID: "m1"})

	select {
	case payload := <-sub.send:
		var event chatstore.Event
		if err := json.Unmarshal(payload, &event); err != nil {
			t.Fatalf("unmarshal frame: %v", err)
		}
		if event.ID != "ev_1" || event.MessageID != "m1" {
			t.Fatalf("unexpected event: %+v", event)
		}
	default:
		t.Fatal("expected a buffered frame")
	}
}

func TestBroadcastWithNoSubscribers(t *testing.T) {
	hub := NewEventHub(nil)
	hub.Broadcast(chatstore.Event{ID: "ev_1"})
	if got := hub.SubscriberCount(); got != 0 {
		t.Fatalf("expected 0 subscribers, got %d", got)
	}
}

func TestBroadcastDropsSlowSubscriber(t *testing.T) {
	hub := NewEventHub(nil)
	sub := &eventSubscriber{send: make(chan []byte)}
	hub.mu.Lock()
	hub.subscribers[sub] = struct{}{}
	hub.mu.Unlock()

	hub.Broadcast(chatstore.Event{ID: "ev_1"})

	if got := hub.SubscriberCount(); got != 0 {
		t.Fatalf("expected slow subscriber to be dropped, got %d", got)
	}
	if _, ok := <-sub.send; ok {
		t.Fatal("expected send channel to be closed")
	}
}

func TestUnregisterIsIdempotent(t *testing.T) {
	hub := NewEventHub(nil)
	sub := hub.register()
	hub.unregister(sub)
	hub.unregister(sub)
	if got := hub.SubscriberCount(); got != 0 {
		t.Fatalf("expected 0 subscribers, got %d", got)
	}
}

func TestStoreEventsReachTheHub(t *testing.T) {
	store := chatstore.NewStore()
	server := NewServer(store)
	sub := server.Hub().register()
	defer server.Hub().unregister(sub)

	if err := store.AddMember(chatstore.Scope{Type: chatstore.ScopeTeam, ID: "t1"}, "alice"); err != nil {
		t.Fatalf("add member: %v", err)
	}
	if _, err := store.CreateMessage(chatstore.Scope{Type: chatstore.ScopeTeam, ID: "t1"}, "alice", "wired", false); err != nil {
		t.Fatalf("create message: %v", err)
	}

	select {
	case payload := <-sub.send:
		var event chatstore.Event
		if err := json.Unmarshal(payload, &event); err != nil {
			t.Fatalf("unmarshal frame: %v", err)
		}
		if event.Type != chatstore.EventMessageCreated || event.ActorID != "alice" {
			t.Fatalf("unexpected event: %+v", event)
		}
	default:
		t.Fatal("expected a broadcast frame from the store sink")
	}
}
