package chatstore

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrForbidden      = errors.New("forbidden")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

const (
	ScopeTeam         = "team"
	ScopeOrganization = "organization"
	ScopeDirect       = "direct"

	maxStoredEvents  = 1000
	maxContentLength = 4000
	defaultListLimit = 50
	maxListLimit     = 200
)

// Scope identifies one messaging context on the server side.
type Scope struct {
	Type string
	ID   string
}

func (s Scope) key() string {
	return s.Type + "/" + s.ID
}

func (s Scope) valid() bool {
	switch s.Type {
	case ScopeTeam, ScopeOrganization, ScopeDirect:
		return strings.TrimSpace(s.ID) != ""
	}
	return false
}

// MessageView is the wire rendering of one message. Read state is aggregate
// only; per-user read flags never leave the server.
type MessageView struct {
	ID                string    `json:"id"`
	ScopeType         string    `json:"scopeType"`
	ScopeID           string    `json:"scopeId"`
	SenderID          string    `json:"senderId"`
	SenderDisplayName string    `json:"senderDisplayName"`
	Content           string    `json:"content"`
	CreatedAt         time.Time `json:"createdAt"`
	IsAnnouncement    bool      `json:"isAnnouncement"`
	ReadCount         int       `json:"readCount"`
	TotalRecipients   int       `json:"totalRecipients"`
	ReplyCount        int       `json:"replyCount"`
}

// ReplyView is the wire rendering of one thread reply.
type ReplyView struct {
	ID                string    `json:"id"`
	MessageID         string    `json:"messageId"`
	SenderID          string    `json:"senderId"`
	SenderDisplayName string    `json:"senderDisplayName"`
	Content           string    `json:"content"`
	CreatedAt         time.Time `json:"createdAt"`
}

// DeltaView is one poll response: every visible message created or changed
// since the given timestamp, plus the server clock the poll was answered at.
type DeltaView struct {
	Messages []MessageView `json:"messages"`
	PolledAt time.Time     `json:"polledAt"`
}

// Event is one entry in the mutation log, consumed by the dashboard and the
// websocket event feed.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	ScopeType string    `json:"scopeType"`
	ScopeID   string    `json:"scopeId"`
	MessageID string    `json:"messageId"`
	ActorID   string    `json:"actorId"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	EventMessageCreated = "message.created"
	EventMessageEdited  = "message.edited"
	EventMessageRead    = "message.read"
	EventReplyCreated   = "reply.created"
)

// Stats summarizes the store for the dashboard.
type Stats struct {
	Users    int `json:"users"`
	Scopes   int `json:"scopes"`
	Messages int `json:"messages"`
	Replies  int `json:"replies"`
	Events   int `json:"events"`
}

type messageRecord struct {
	ID                string
	ScopeType         string
	ScopeID           string
	SenderID          string
	SenderDisplayName string
	Content           string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	IsAnnouncement    bool
	ReadBy            map[string]struct{}
}

type replyRecord struct {
	ID                string
	MessageID         string
	SenderID          string
	SenderDisplayName string
	Content           string
	CreatedAt         time.Time
}

type StoreOptions struct {
	StateBackend StateBackend
}

// Store is the authoritative message store for every scope of one
// deployment. All state lives in memory; the configured backend persists a
// snapshot after each mutation and seeds a restart.
type Store struct {
	mu           sync.RWMutex
	users        map[string]string
	members      map[string]map[string]struct{}
	messages     map[string]*messageRecord
	replies      map[string][]replyRecord
	events       []Event
	eventSink    func(Event)
	stateBackend StateBackend
	now          func() time.Time
}

func NewStore() *Store {
	return NewStoreWithOptions(StoreOptions{})
}

func NewStoreWithOptions(opts StoreOptions) *Store {
	s := &Store{
		users:        map[string]string{},
		members:      map[string]map[string]struct{}{},
		messages:     map[string]*messageRecord{},
		replies:      map[string][]replyRecord{},
		stateBackend: opts.StateBackend,
		now:          func() time.Time { return time.Now().UTC() },
	}
	_ = s.loadFromBackend()
	return s
}

func (s *Store) Close() {
	if closer, ok := s.stateBackend.(stateBackendCloser); ok && closer != nil {
		_ = closer.Close()
	}
}

// UpsertUser records or refreshes a user's display name.
func (s *Store) UpsertUser(userID, displayName string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if displayName = strings.TrimSpace(displayName); displayName != "" {
		s.users[userID] = displayName
	} else if _, ok := s.users[userID]; !ok {
		s.users[userID] = userID
	}
	_ = s.saveLocked()
	return nil
}

// AddMember joins a user to a scope. Idempotent.
func (s *Store) AddMember(scope Scope, userID string) error {
	userID = strings.TrimSpace(userID)
	if !scope.valid() || userID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := scope.key()
	if s.members[key] == nil {
		s.members[key] = map[string]struct{}{}
	}
	s.members[key][userID] = struct{}{}
	if _, ok := s.users[userID]; !ok {
		s.users[userID] = userID
	}
	_ = s.saveLocked()
	return nil
}

// RemoveMember drops a user from a scope. The scope's messages stay.
func (s *Store) RemoveMember(scope Scope, userID string) error {
	if !scope.valid() || strings.TrimSpace(userID) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.members[scope.key()]; ok {
		delete(set, userID)
	}
	_ = s.saveLocked()
	return nil
}

// IsMember reports whether a user belongs to a scope.
func (s *Store) IsMember(scope Scope, userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isMemberLocked(scope, userID)
}

// Members returns the sorted member ids of a scope.
func (s *Store) Members(scope Scope) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.members[scope.key()]
	out := make([]string, 0, len(set))
	for userID := range set {
		out = append(out, userID)
	}
	sort.Strings(out)
	return out
}

func (s *Store) isMemberLocked(scope Scope, userID string) bool {
	set, ok := s.members[scope.key()]
	if !ok {
		return false
	}
	_, ok = set[userID]
	return ok
}

// CreateMessage posts a new message to a scope the sender belongs to. The
// sender has implicitly read their own message.
func (s *Store) CreateMessage(scope Scope, senderID, content string, announcement bool) (MessageView, error) {
	senderID = strings.TrimSpace(senderID)
	content = strings.TrimSpace(content)
	if !scope.valid() || senderID == "" {
		return MessageView{}, ErrInvalidInput
	}
	if content == "" || len(content) > maxContentLength {
		return MessageView{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isMemberLocked(scope, senderID) {
		return MessageView{}, ErrForbidden
	}
	now := s.now()
	record := &messageRecord{
		ID:                uuid.NewString(),
		ScopeType:         scope.Type,
		ScopeID:           scope.ID,
		SenderID:          senderID,
		SenderDisplayName: s.users[senderID],
		Content:           content,
		CreatedAt:         now,
		UpdatedAt:         now,
		IsAnnouncement:    announcement,
		ReadBy:            map[string]struct{}{senderID: {}},
	}
	s.messages[record.ID] = record
	s.appendEventLocked(EventMessageCreated, record, senderID)
	_ = s.saveLocked()
	return s.renderLocked(record), nil
}

// EditMessage replaces a message's content. Only the original sender may
// edit; the update surfaces in every member's next delta.
func (s *Store) EditMessage(messageID, editorID, content string) (MessageView, error) {
	content = strings.TrimSpace(content)
	if strings.TrimSpace(messageID) == "" || strings.TrimSpace(editorID) == "" {
		return MessageView{}, ErrInvalidInput
	}
	if content == "" || len(content) > maxContentLength {
		return MessageView{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.messages[messageID]
	if !ok {
		return MessageView{}, ErrNotFound
	}
	if record.SenderID != editorID {
		return MessageView{}, ErrForbidden
	}
	record.Content = content
	record.UpdatedAt = s.now()
	s.appendEventLocked(EventMessageEdited, record, editorID)
	_ = s.saveLocked()
	return s.renderLocked(record), nil
}

// MarkRead records a read receipt. Idempotent: marking twice is not an
// error and does not bump the message again.
func (s *Store) MarkRead(messageID, userID string) error {
	if strings.TrimSpace(messageID) == "" || strings.TrimSpace(userID) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.messages[messageID]
	if !ok {
		return ErrNotFound
	}
	scope := Scope{Type: record.ScopeType, ID: record.ScopeID}
	if !s.isMemberLocked(scope, userID) {
		return ErrForbidden
	}
	if _, already := record.ReadBy[userID]; already {
		return nil
	}
	record.ReadBy[userID] = struct{}{}
	record.UpdatedAt = s.now()
	s.appendEventLocked(EventMessageRead, record, userID)
	_ = s.saveLocked()
	return nil
}

// AddReply appends a reply to a message's thread and bumps the parent so
// the new count reaches every member's next delta.
func (s *Store) AddReply(messageID, senderID, content string) (ReplyView, error) {
	senderID = strings.TrimSpace(senderID)
	content = strings.TrimSpace(content)
	if strings.TrimSpace(messageID) == "" || senderID == "" {
		return ReplyView{}, ErrInvalidInput
	}
	if content == "" || len(content) > maxContentLength {
		return ReplyView{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	parent, ok := s.messages[messageID]
	if !ok {
		return ReplyView{}, ErrNotFound
	}
	scope := Scope{Type: parent.ScopeType, ID: parent.ScopeID}
	if !s.isMemberLocked(scope, senderID) {
		return ReplyView{}, ErrForbidden
	}
	now := s.now()
	record := replyRecord{
		ID:                uuid.NewString(),
		MessageID:         messageID,
		SenderID:          senderID,
		SenderDisplayName: s.users[senderID],
		Content:           content,
		CreatedAt:         now,
	}
	s.replies[messageID] = append(s.replies[messageID], record)
	parent.UpdatedAt = now
	s.appendEventLocked(EventReplyCreated, parent, senderID)
	_ = s.saveLocked()
	return renderReply(record), nil
}

// ListReplies returns a message's thread in creation order.
func (s *Store) ListReplies(messageID, viewerID string) ([]ReplyView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	parent, ok := s.messages[messageID]
	if !ok {
		return nil, ErrNotFound
	}
	scope := Scope{Type: parent.ScopeType, ID: parent.ScopeID}
	if !s.isMemberLocked(scope, viewerID) {
		return nil, ErrForbidden
	}
	records := s.replies[messageID]
	out := make([]ReplyView, 0, len(records))
	for _, record := range records {
		out = append(out, renderReply(record))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// GetMessage returns one message if the viewer may see it.
func (s *Store) GetMessage(messageID, viewerID string) (MessageView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.messages[messageID]
	if !ok {
		return MessageView{}, ErrNotFound
	}
	scope := Scope{Type: record.ScopeType, ID: record.ScopeID}
	if !s.isMemberLocked(scope, viewerID) {
		return MessageView{}, ErrForbidden
	}
	return s.renderLocked(record), nil
}

// ListMessages returns the most recent messages of one scope in ascending
// creation order. Offset counts back from the newest message.
func (s *Store) ListMessages(scope Scope, viewerID string, limit, offset int) ([]MessageView, error) {
	if !scope.valid() {
		return nil, ErrInvalidInput
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.isMemberLocked(scope, viewerID) {
		return nil, ErrForbidden
	}
	views := make([]MessageView, 0)
	for _, record := range s.messages {
		if record.ScopeType == scope.Type && record.ScopeID == scope.ID {
			views = append(views, s.renderLocked(record))
		}
	}
	sortViews(views)
	end := len(views) - offset
	if end < 0 {
		end = 0
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	return views[start:end], nil
}

// Poll returns every message in the requested scopes that was created or
// changed after since, limited to scopes the viewer belongs to. Scopes the
// viewer is not a member of are silently skipped rather than rejected, so a
// stale client scope list degrades instead of failing the whole poll.
func (s *Store) Poll(viewerID string, since time.Time, teamIDs, orgIDs []string) (DeltaView, error) {
	if strings.TrimSpace(viewerID) == "" {
		return DeltaView{}, ErrInvalidInput
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := map[string]struct{}{}
	for _, id := range teamIDs {
		scope := Scope{Type: ScopeTeam, ID: strings.TrimSpace(id)}
		if scope.ID != "" && s.isMemberLocked(scope, viewerID) {
			wanted[scope.key()] = struct{}{}
		}
	}
	for _, id := range orgIDs {
		scope := Scope{Type: ScopeOrganization, ID: strings.TrimSpace(id)}
		if scope.ID != "" && s.isMemberLocked(scope, viewerID) {
			wanted[scope.key()] = struct{}{}
		}
	}

	views := make([]MessageView, 0)
	for _, record := range s.messages {
		key := Scope{Type: record.ScopeType, ID: record.ScopeID}.key()
		if _, ok := wanted[key]; !ok {
			continue
		}
		if record.UpdatedAt.After(since) {
			views = append(views, s.renderLocked(record))
		}
	}
	sortViews(views)
	return DeltaView{Messages: views, PolledAt: s.now()}, nil
}

// RecentEvents returns the newest events, newest first.
func (s *Store) RecentEvents(limit int) []Event {
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	start := len(s.events) - limit
	if start < 0 {
		start = 0
	}
	chunk := append([]Event(nil), s.events[start:]...)
	for i, j := 0, len(chunk)-1; i < j; i, j = i+1, j-1 {
		chunk[i], chunk[j] = chunk[j], chunk[i]
	}
	return chunk
}

// GetStats summarizes the store for the dashboard.
func (s *Store) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	replies := 0
	for _, thread := range s.replies {
		replies += len(thread)
	}
	return Stats{
		Users:    len(s.users),
		Scopes:   len(s.members),
		Messages: len(s.messages),
		Replies:  replies,
		Events:   len(s.events),
	}
}

func (s *Store) renderLocked(record *messageRecord) MessageView {
	scope := Scope{Type: record.ScopeType, ID: record.ScopeID}
	return MessageView{
		ID:                record.ID,
		ScopeType:         record.ScopeType,
		ScopeID:           record.ScopeID,
		SenderID:          record.SenderID,
		SenderDisplayName: record.SenderDisplayName,
		Content:           record.Content,
		CreatedAt:         record.CreatedAt,
		IsAnnouncement:    record.IsAnnouncement,
		ReadCount:         len(record.ReadBy),
		TotalRecipients:   len(s.members[scope.key()]),
		ReplyCount:        len(s.replies[record.ID]),
	}
}

func renderReply(record replyRecord) ReplyView {
	return ReplyView{
		ID:                record.ID,
		MessageID:         record.MessageID,
		SenderID:          record.SenderID,
		SenderDisplayName: record.SenderDisplayName,
		Content:           record.Content,
		CreatedAt:         record.CreatedAt,
	}
}

func sortViews(views []MessageView) {
	sort.SliceStable(views, func(i, j int) bool {
		if views[i].CreatedAt.Equal(views[j].CreatedAt) {
			return views[i].ID < views[j].ID
		}
		return views[i].CreatedAt.Before(views[j].CreatedAt)
	})
}

// SetEventSink installs a callback invoked for every recorded event. The
// sink runs with the store lock held and must not block.
func (s *Store) SetEventSink(sink func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventSink = sink
}

func (s *Store) appendEventLocked(eventType string, record *messageRecord, actorID string) {
	event := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		ScopeType: record.ScopeType,
		ScopeID:   record.ScopeID,
		MessageID: record.ID,
		ActorID:   actorID,
		Timestamp: s.now(),
	}
	s.events = append(s.events, event)
	if len(s.events) > maxStoredEvents {
		s.events = append([]Event(nil), s.events[len(s.events)-maxStoredEvents:]...)
	}
	if s.eventSink != nil {
		s.eventSink(event)
	}
}
