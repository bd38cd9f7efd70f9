package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/crewchat/crewchat/internal/chatstore"
)

type Logger interface {
	Printf(format string, args ...any)
}

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	Logger          Logger
}

// Server exposes the chat store over REST plus a websocket event feed. All
// routes under /v1 require a bearer token; message visibility is enforced
// by the store's membership checks.
type Server struct {
	store       *chatstore.Store
	hub         *EventHub
	cfg         ServerConfig
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(store *chatstore.Store) *Server {
	return NewServerWithConfig(store, ServerConfig{})
}

func NewServerWithConfig(store *chatstore.Store, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	hub := NewEventHub(cfg.Logger)
	store.SetEventSink(hub.Broadcast)
	return &Server{
		store:       store,
		hub:         hub,
		cfg:         cfg,
		rateLimiter: limiter,
	}
}

// Hub returns the websocket event hub, mainly for tests and diagnostics.
func (s *Server) Hub() *EventHub {
	return s.hub
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/dashboard" && r.Method == http.MethodGet {
		s.handleDashboard(w, r)
		return
	}
	if r.URL.Path == "/v1/events/ws" && r.Method == http.MethodGet {
		s.handleEventsWS(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	var route string
	switch {
	case len(parts) == 3 && parts[1] == "messages" && parts[2] == "poll" && r.Method == http.MethodGet:
		route = "poll"
	case len(parts) == 3 && parts[1] == "messages" && r.Method == http.MethodGet:
		route = "get_message"
	case len(parts) == 3 && parts[1] == "messages" && r.Method == http.MethodPut:
		route = "edit_message"
	case len(parts) == 4 && parts[1] == "messages" && parts[3] == "read" && r.Method == http.MethodPost:
		route = "mark_read"
	case len(parts) == 4 && parts[1] == "messages" && parts[3] == "replies" && r.Method == http.MethodGet:
		route = "list_replies"
	case len(parts) == 4 && parts[1] == "messages" && parts[3] == "replies" && r.Method == http.MethodPost:
		route = "post_reply"
	case len(parts) == 5 && parts[1] == "scopes" && parts[4] == "messages" && r.Method == http.MethodGet:
		route = "list_messages"
	case len(parts) == 5 && parts[1] == "scopes" && parts[4] == "messages" && r.Method == http.MethodPost:
		route = "post_message"
	case len(parts) == 5 && parts[1] == "scopes" && parts[4] == "members" && r.Method == http.MethodGet:
		route = "list_members"
	case len(parts) == 5 && parts[1] == "scopes" && parts[4] == "members" && r.Method == http.MethodPost:
		route = "join_scope"
	case len(parts) == 6 && parts[1] == "scopes" && parts[4] == "members" && r.Method == http.MethodDelete:
		route = "leave_scope"
	case len(parts) == 2 && parts[1] == "events" && r.Method == http.MethodGet:
		route = "events"
	case len(parts) == 2 && parts[1] == "stats" && r.Method == http.MethodGet:
		route = "stats"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	_ = s.store.UpsertUser(claims.UserID, claims.DisplayName)

	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(claims.UserID, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "poll":
		s.handlePoll(w, r, claims, correlationID)
	case "get_message":
		s.handleGetMessage(w, claims, parts[2], correlationID)
	case "edit_message":
		s.handleEditMessage(w, r, claims, parts[2], correlationID)
	case "mark_read":
		s.handleMarkRead(w, claims, parts[2], correlationID)
	case "list_replies":
		s.handleListReplies(w, claims, parts[2], correlationID)
	case "post_reply":
		s.handlePostReply(w, r, claims, parts[2], correlationID)
	case "list_messages":
		s.handleListMessages(w, r, claims, scopeFromParts(parts), correlationID)
	case "post_message":
		s.handlePostMessage(w, r, claims, scopeFromParts(parts), correlationID)
	case "list_members":
		s.handleListMembers(w, scopeFromParts(parts), correlationID)
	case "join_scope":
		s.handleJoinScope(w, r, claims, scopeFromParts(parts), correlationID)
	case "leave_scope":
		s.handleLeaveScope(w, claims, scopeFromParts(parts), parts[5], correlationID)
	case "events":
		s.handleListEvents(w, r, claims, correlationID)
	case "stats":
		s.handleStats(w)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func scopeFromParts(parts []string) chatstore.Scope {
	return chatstore.Scope{Type: parts[2], ID: parts[3]}
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
	sinceRaw := strings.TrimSpace(r.URL.Query().Get("since"))
	if sinceRaw == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing since query", correlationID)
		return
	}
	since, err := time.Parse(time.RFC3339Nano, sinceRaw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid since timestamp", correlationID)
		return
	}
	teamIDs := splitCSV(r.URL.Query().Get("teamIds"))
	orgIDs := splitCSV(r.URL.Query().Get("orgIds"))

	delta, err := s.store.Poll(claims.UserID, since, teamIDs, orgIDs)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, delta)
}

func (s *Server) handleGetMessage(w http.ResponseWriter, claims tokenClaims, messageID, correlationID string) {
	msg, err := s.store.GetMessage(messageID, claims.UserID)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleEditMessage(w http.ResponseWriter, r *http.Request, claims tokenClaims, messageID, correlationID string) {
	var req struct {
		Content string `json:"content"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	msg, err := s.store.EditMessage(messageID, claims.UserID, req.Content)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, claims tokenClaims, messageID, correlationID string) {
	if err := s.store.MarkRead(messageID, claims.UserID); err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListReplies(w http.ResponseWriter, claims tokenClaims, messageID, correlationID string) {
	replies, err := s.store.ListReplies(messageID, claims.UserID)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	if replies == nil {
		replies = []chatstore.ReplyView{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"replies": replies})
}

func (s *Server) handlePostReply(w http.ResponseWriter, r *http.Request, claims tokenClaims, messageID, correlationID string) {
	var req struct {
		Content string `json:"content"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	reply, err := s.store.AddReply(messageID, claims.UserID, req.Content)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, reply)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request, claims tokenClaims, scope chatstore.Scope, correlationID string) {
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 50, 1, 200)
	offset := parseBoundedInt(r.URL.Query().Get("offset"), 0, 0, 1_000_000)
	messages, err := s.store.ListMessages(scope, claims.UserID, limit, offset)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	if messages == nil {
		messages = []chatstore.MessageView{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request, claims tokenClaims, scope chatstore.Scope, correlationID string) {
	var req struct {
		Content        string `json:"content"`
		IsAnnouncement bool   `json:"isAnnouncement"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	msg, err := s.store.CreateMessage(scope, claims.UserID, req.Content, req.IsAnnouncement)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleListMembers(w http.ResponseWriter, scope chatstore.Scope, correlationID string) {
	writeJSON(w, http.StatusOK, map[string]any{"members": s.store.Members(scope)})
}

// handleJoinScope adds a member. Users may join themselves; adding someone
// else requires the admin claim.
func (s *Server) handleJoinScope(w http.ResponseWriter, r *http.Request, claims tokenClaims, scope chatstore.Scope, correlationID string) {
	var req struct {
		UserID string `json:"userId"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	target := strings.TrimSpace(req.UserID)
	if target == "" {
		target = claims.UserID
	}
	if target != claims.UserID && !claims.Admin {
		writeError(w, http.StatusForbidden, "forbidden", "admin claim required to add other users", correlationID)
		return
	}
	if err := s.store.AddMember(scope, target); err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLeaveScope(w http.ResponseWriter, claims tokenClaims, scope chatstore.Scope, target, correlationID string) {
	if target != claims.UserID && !claims.Admin {
		writeError(w, http.StatusForbidden, "forbidden", "admin claim required to remove other users", correlationID)
		return
	}
	if err := s.store.RemoveMember(scope, target); err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request, _ tokenClaims, correlationID string) {
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	writeJSON(w, http.StatusOK, map[string]any{"events": s.store.RecentEvents(limit)})
}

func (s *Server) handleStats(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":           s.store.GetStats(),
		"feedSubscribers": s.hub.SubscriberCount(),
	})
}

// handleEventsWS authenticates via the token query parameter because
// browser websocket clients cannot set headers.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing token query parameter", getCorrelationID(r))
		return
	}
	if _, authErr := authorizeBearer("Bearer "+token, s.cfg.JWTSecret, time.Now().UTC()); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logf("event feed: accept failed: %v", err)
		return
	}
	go s.hub.serve(conn)
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, chatstore.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, chatstore.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", err.Error(), correlationID)
	case errors.Is(err, chatstore.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func (s *Server) logf(format string, args ...any) {
	if s.cfg.Logger == nil {
		return
	}
	s.cfg.Logger.Printf(format, args...)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	fields := strings.Split(raw, ",")
	out := make([]string, 0, len(fields))
	for _, field := range fields {
		if field = strings.TrimSpace(field); field != "" {
			out = append(out, field)
		}
	}
	return out
}

func parseBoundedInt(raw string, def, min, max int) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

func (l *rateLimiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if !ok || now.After(entry.resetAt) {
		l.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(l.window),
		}
		return true
	}
	if entry.count >= l.max {
		return false
	}
	entry.count++
	l.entries[key] = entry
	return true
}
