package httpapi

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/crewchat/crewchat/internal/chatstore"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPingInterval = 30 * time.Second
	wsSendBufSize  = 64
)

// EventHub fans store events out to websocket subscribers. A subscriber that
// cannot keep up is dropped rather than allowed to stall the rest.
type EventHub struct {
	mu          sync.Mutex
	subscribers map[*eventSubscriber]struct{}
	logger      Logger
}

type eventSubscriber struct {
	send chan []byte
}

func NewEventHub(logger Logger) *EventHub {
	return &EventHub{
		subscribers: map[*eventSubscriber]struct{}{},
		logger:      logger,
	}
}

// Broadcast delivers one event to every connected subscriber.
func (h *EventHub) Broadcast(event chatstore.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subscribers {
		select {
		case sub.send <- payload:
		default:
			delete(h.subscribers, sub)
			close(sub.send)
			h.logf("event feed: dropped slow subscriber")
		}
	}
}

// SubscriberCount reports the number of connected feed clients.
func (h *EventHub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

func (h *EventHub) register() *eventSubscriber {
	sub := &eventSubscriber{send: make(chan []byte, wsSendBufSize)}
	h.mu.Lock()
	h.subscribers[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *EventHub) unregister(sub *eventSubscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[sub]; ok {
		delete(h.subscribers, sub)
		close(sub.send)
	}
}

// serve upgrades the connection and pumps events until the client goes
// away. The read side is discarded: the feed is broadcast only.
func (h *EventHub) serve(conn *websocket.Conn) {
	sub := h.register()
	defer h.unregister(sub)

	readCtx := conn.CloseRead(context.Background())
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		select {
		case <-readCtx.Done():
			return
		case payload, ok := <-sub.send:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), wsWriteWait)
			err := conn.Write(ctx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				return
			}
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), wsWriteWait)
			err := conn.Ping(ctx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (h *EventHub) logf(format string, args ...any) {
	if h.logger == nil {
		return
	}
	h.logger.Printf(format, args...)
}
