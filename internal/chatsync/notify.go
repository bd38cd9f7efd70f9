package chatsync

import (
	"strings"
	"sync"
)

// Notifier raises a local notification for one incoming message. The engine
// only depends on this interface; desktop integration lives in the binaries.
type Notifier interface {
	Notify(msg Message) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(msg Message) error

func (f NotifierFunc) Notify(msg Message) error {
	return f(msg)
}

// NotificationDecider picks which newly merged messages deserve a local
// notification. The notified set is append-only for the lifetime of the sync
// session, so a duplicate delta never double-notifies.
type NotificationDecider struct {
	mu       sync.Mutex
	notified map[string]struct{}
}

func NewNotificationDecider() *NotificationDecider {
	return &NotificationDecider{notified: map[string]struct{}{}}
}

// Evaluate filters the appended messages of one merge down to those worth
// notifying: authored by someone else and never notified before. Qualifying
// ids enter the notified set before the caller raises anything, so a failed
// or slow notification cannot be retried into a duplicate.
func (d *NotificationDecider) Evaluate(appended []Message, localUserID string) []Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Message
	for _, msg := range appended {
		if msg.ID == "" || msg.SenderID == localUserID {
			continue
		}
		if _, seen := d.notified[msg.ID]; seen {
			continue
		}
		d.notified[msg.ID] = struct{}{}
		out = append(out, msg)
	}
	return out
}

// NotificationTitle renders a short title for a message notification.
func NotificationTitle(msg Message) string {
	name := strings.TrimSpace(msg.SenderDisplayName)
	if name == "" {
		name = msg.SenderID
	}
	if msg.IsAnnouncement {
		return "📢 " + name
	}
	return name
}

// TruncateNotification collapses whitespace and bounds the body length for
// notification popups.
func TruncateNotification(s string, maxLen int) string {
	s = strings.Join(strings.Fields(s), " ")
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	return s[:maxLen-1] + "…"
}
