package chatsync

import "sort"

// MergeResult carries the reconciled collection plus the subset of delta
// messages that were appended rather than updated in place. Downstream
// stages (notifications in particular) only care about genuinely new
// messages.
type MergeResult struct {
	Messages []Message
	Appended []Message
}

// Merge folds a delta batch into the local ordered collection.
//
// The server is authoritative for content and counters; the client is
// authoritative for locally derived flags. For a message already present the
// mutable fields are replaced in place while ReadByLocalUser, ClientTag and
// the original CreatedAt survive. Unknown messages are appended. Nothing is
// ever removed: deletion is not a side effect of polling.
//
// ReplyCount takes max(local, delta) because a lower count is more likely a
// stale response than a true retraction.
func Merge(local []Message, delta []Message) MergeResult {
	merged := make([]Message, len(local))
	copy(merged, local)

	index := make(map[string]int, len(merged))
	for i := range merged {
		index[merged[i].ID] = i
	}

	var appended []Message
	for _, incoming := range delta {
		if incoming.ID == "" {
			continue
		}
		pos, exists := index[incoming.ID]
		if !exists {
			incoming.Delivery = DeliveryConfirmed
			merged = append(merged, incoming)
			index[incoming.ID] = len(merged) - 1
			appended = append(appended, incoming)
			continue
		}
		current := merged[pos]
		current.Content = incoming.Content
		current.SenderDisplayName = incoming.SenderDisplayName
		current.IsAnnouncement = incoming.IsAnnouncement
		current.ReadCount = incoming.ReadCount
		current.TotalRecipients = incoming.TotalRecipients
		if incoming.ReplyCount > current.ReplyCount {
			current.ReplyCount = incoming.ReplyCount
		}
		current.Delivery = DeliveryConfirmed
		merged[pos] = current
	}

	sortMessages(merged)
	return MergeResult{Messages: merged, Appended: appended}
}

// sortMessages orders by CreatedAt ascending with the id as a deterministic
// tiebreak, so two messages sharing a timestamp never jitter between polls.
func sortMessages(messages []Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		if messages[i].CreatedAt.Equal(messages[j].CreatedAt) {
			return messages[i].ID < messages[j].ID
		}
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})
}

// sortReplies orders a thread by CreatedAt ascending, id tiebreak.
func sortReplies(replies []Reply) {
	sort.SliceStable(replies, func(i, j int) bool {
		if replies[i].CreatedAt.Equal(replies[j].CreatedAt) {
			return replies[i].ID < replies[j].ID
		}
		return replies[i].CreatedAt.Before(replies[j].CreatedAt)
	})
}
