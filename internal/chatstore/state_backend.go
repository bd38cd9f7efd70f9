package chatstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

type persistedMessage struct {
	ID                string    `json:"id"`
	ScopeType         string    `json:"scopeType"`
	ScopeID           string    `json:"scopeId"`
	SenderID          string    `json:"senderId"`
	SenderDisplayName string    `json:"senderDisplayName"`
	Content           string    `json:"content"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
	IsAnnouncement    bool      `json:"isAnnouncement"`
	ReadBy            []string  `json:"readBy"`
}

type persistedReply struct {
	ID                string    `json:"id"`
	MessageID         string    `json:"messageId"`
	SenderID          string    `json:"senderId"`
	SenderDisplayName string    `json:"senderDisplayName"`
	Content           string    `json:"content"`
	CreatedAt         time.Time `json:"createdAt"`
}

type persistedState struct {
	Users    map[string]string           `json:"users"`
	Members  map[string][]string         `json:"members"`
	Messages []persistedMessage          `json:"messages"`
	Replies  map[string][]persistedReply `json:"replies"`
	Events   []Event                     `json:"events"`
}

// StateBackend persists the full store snapshot. Implementations must be
// safe for concurrent Save calls from separate stores only; the store
// serializes its own calls.
type StateBackend interface {
	Load() (*persistedState, error)
	Save(state *persistedState) error
}

type stateBackendCloser interface {
	Close() error
}

func (s *Store) loadFromBackend() error {
	if s.stateBackend == nil {
		return nil
	}
	snapshot, err := s.stateBackend.Load()
	if err != nil || snapshot == nil {
		return err
	}
	for userID, name := range snapshot.Users {
		s.users[userID] = name
	}
	for key, ids := range snapshot.Members {
		set := map[string]struct{}{}
		for _, id := range ids {
			set[id] = struct{}{}
		}
		s.members[key] = set
	}
	for _, msg := range snapshot.Messages {
		readBy := map[string]struct{}{}
		for _, id := range msg.ReadBy {
			readBy[id] = struct{}{}
		}
		s.messages[msg.ID] = &messageRecord{
			ID:                msg.ID,
			ScopeType:         msg.ScopeType,
			ScopeID:           msg.ScopeID,
			SenderID:          msg.SenderID,
			SenderDisplayName: msg.SenderDisplayName,
			Content:           msg.Content,
			CreatedAt:         msg.CreatedAt,
			UpdatedAt:         msg.UpdatedAt,
			IsAnnouncement:    msg.IsAnnouncement,
			ReadBy:            readBy,
		}
	}
	for messageID, thread := range snapshot.Replies {
		records := make([]replyRecord, 0, len(thread))
		for _, reply := range thread {
			records = append(records, replyRecord(reply))
		}
		s.replies[messageID] = records
	}
	s.events = append(s.events, snapshot.Events...)
	return nil
}

func (s *Store) saveLocked() error {
	if s.stateBackend == nil {
		return nil
	}
	snapshot := &persistedState{
		Users:   map[string]string{},
		Members: map[string][]string{},
		Replies: map[string][]persistedReply{},
		Events:  append([]Event(nil), s.events...),
	}
	for userID, name := range s.users {
		snapshot.Users[userID] = name
	}
	for key, set := range s.members {
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		snapshot.Members[key] = ids
	}
	for _, record := range s.messages {
		readBy := make([]string, 0, len(record.ReadBy))
		for id := range record.ReadBy {
			readBy = append(readBy, id)
		}
		sort.Strings(readBy)
		snapshot.Messages = append(snapshot.Messages, persistedMessage{
			ID:                record.ID,
			ScopeType:         record.ScopeType,
			ScopeID:           record.ScopeID,
			SenderID:          record.SenderID,
			SenderDisplayName: record.SenderDisplayName,
			Content:           record.Content,
			CreatedAt:         record.CreatedAt,
			UpdatedAt:         record.UpdatedAt,
			IsAnnouncement:    record.IsAnnouncement,
			ReadBy:            readBy,
		})
	}
	sort.Slice(snapshot.Messages, func(i, j int) bool { return snapshot.Messages[i].ID < snapshot.Messages[j].ID })
	for messageID, thread := range s.replies {
		items := make([]persistedReply, 0, len(thread))
		for _, record := range thread {
			items = append(items, persistedReply(record))
		}
		snapshot.Replies[messageID] = items
	}
	return s.stateBackend.Save(snapshot)
}

// InMemoryStateBackend keeps the snapshot in memory. Used by tests and as
// the default when no persistence is configured.
type InMemoryStateBackend struct {
	mu       sync.Mutex
	snapshot *persistedState
}

func NewInMemoryStateBackend() *InMemoryStateBackend {
	return &InMemoryStateBackend{}
}

func (b *InMemoryStateBackend) Load() (*persistedState, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snapshot == nil {
		return nil, nil
	}
	return cloneState(b.snapshot)
}

func (b *InMemoryStateBackend) Save(state *persistedState) error {
	if b == nil || state == nil {
		return nil
	}
	clone, err := cloneState(state)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshot = clone
	return nil
}

func cloneState(state *persistedState) (*persistedState, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	var clone persistedState
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, err
	}
	return &clone, nil
}

// JSONFileStateBackend writes the snapshot to a single JSON file via a
// temporary file and rename, so a crash mid-save never truncates state.
type JSONFileStateBackend struct {
	Path string
}

func NewJSONFileStateBackend(path string) *JSONFileStateBackend {
	return &JSONFileStateBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileStateBackend) Load() (*persistedState, error) {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var snapshot persistedState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *JSONFileStateBackend) Save(state *persistedState) error {
	if b == nil || strings.TrimSpace(b.Path) == "" || state == nil {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}

type StateBackendFactory func(dsn string) (StateBackend, error)

var (
	stateBackendFactoriesMu sync.RWMutex
	stateBackendFactories   = map[string]StateBackendFactory{}
)

// RegisterStateBackendFactory installs a factory for a DSN scheme, replacing
// any built-in handling of that scheme.
func RegisterStateBackendFactory(scheme string, factory StateBackendFactory) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme == "" || factory == nil {
		return
	}
	stateBackendFactoriesMu.Lock()
	defer stateBackendFactoriesMu.Unlock()
	stateBackendFactories[scheme] = factory
}

func lookupStateBackendFactory(scheme string) (StateBackendFactory, bool) {
	stateBackendFactoriesMu.RLock()
	defer stateBackendFactoriesMu.RUnlock()
	factory, ok := stateBackendFactories[scheme]
	return factory, ok
}

// BuildStateBackendFromDSN maps a DSN to a backend: bare paths and file://
// to the JSON file backend, memory:// to the in-memory backend, postgres://
// to the Postgres backend. An empty DSN disables persistence.
func BuildStateBackendFromDSN(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupStateBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewJSONFileStateBackend(path), nil
	case "memory", "mem", "inmem":
		return NewInMemoryStateBackend(), nil
	case "postgres", "postgresql":
		return NewPostgresStateBackend(dsn)
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: state backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported state backend scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed.Scheme == "" {
		return raw, nil
	}
	path := parsed.Path
	if parsed.Host != "" {
		path = parsed.Host + path
	}
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%w: empty file path in dsn", ErrInvalidInput)
	}
	return path, nil
}
