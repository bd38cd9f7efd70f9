package chatsync

import (
	"sort"
	"strings"
	"time"
)

type ScopeType string

const (
	ScopeTeam         ScopeType = "team"
	ScopeOrganization ScopeType = "organization"
	ScopeDirect       ScopeType = "direct"
)

// Scope identifies one messaging context: a team, an organization, or a
// direct conversation.
type Scope struct {
	Type ScopeType `json:"type"`
	ID   string    `json:"id"`
}

// ScopeSet is the set of scopes one sync session polls.
type ScopeSet struct {
	TeamIDs []string `json:"teamIds"`
	OrgIDs  []string `json:"orgIds"`
}

func (s ScopeSet) Empty() bool {
	return len(s.TeamIDs) == 0 && len(s.OrgIDs) == 0
}

func (s ScopeSet) Clone() ScopeSet {
	return ScopeSet{
		TeamIDs: append([]string(nil), s.TeamIDs...),
		OrgIDs:  append([]string(nil), s.OrgIDs...),
	}
}

// Key returns a canonical representation used to detect scope changes.
func (s ScopeSet) Key() string {
	teams := append([]string(nil), s.TeamIDs...)
	orgs := append([]string(nil), s.OrgIDs...)
	sort.Strings(teams)
	sort.Strings(orgs)
	return "t:" + strings.Join(teams, ",") + "|o:" + strings.Join(orgs, ",")
}

// DeliveryState tags a locally authored message or reply while it travels
// through the optimistic-send lifecycle. Entries fetched from the server are
// always confirmed.
type DeliveryState string

const (
	DeliveryConfirmed DeliveryState = "confirmed"
	DeliveryPending   DeliveryState = "pending"
	DeliveryRejected  DeliveryState = "rejected"
)

// Message is one chat message in a scope. The server is authoritative for
// content and counters; ReadByLocalUser, Delivery and ClientTag are
// client-owned and never cross the wire.
type Message struct {
	ID                string    `json:"id"`
	ScopeType         ScopeType `json:"scopeType"`
	ScopeID           string    `json:"scopeId"`
	SenderID          string    `json:"senderId"`
	SenderDisplayName string    `json:"senderDisplayName"`
	Content           string    `json:"content"`
	CreatedAt         time.Time `json:"createdAt"`
	IsAnnouncement    bool      `json:"isAnnouncement"`
	ReadCount         int       `json:"readCount"`
	TotalRecipients   int       `json:"totalRecipients"`
	ReplyCount        int       `json:"replyCount"`

	ReadByLocalUser bool          `json:"-"`
	Delivery        DeliveryState `json:"-"`
	ClientTag       string        `json:"-"`
}

// Reply is a message-like entity scoped to a parent message id, ordered by
// CreatedAt ascending within its thread.
type Reply struct {
	ID                string    `json:"id"`
	MessageID         string    `json:"messageId"`
	SenderID          string    `json:"senderId"`
	SenderDisplayName string    `json:"senderDisplayName"`
	Content           string    `json:"content"`
	CreatedAt         time.Time `json:"createdAt"`

	Delivery  DeliveryState `json:"-"`
	ClientTag string        `json:"-"`
}

// DeltaBatch is one poll response: every message created or changed since
// the watermark, plus the server-issued timestamp the poll was answered at.
type DeltaBatch struct {
	Messages []Message `json:"messages"`
	PolledAt time.Time `json:"polledAt"`
}
