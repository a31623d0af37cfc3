// Package httpapi is the daemon's loopback control surface: the UI shell
// reads connection status and unread notifications, performs dismiss/read/
// clear actions, manages preferences, and subscribes to a websocket event
// stream. It is a consumer of the sync subsystem, never a transport for it.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hubdesk/ticketsync/internal/feed"
	"github.com/hubdesk/ticketsync/internal/pollsync"
)

// NotificationService is what the server needs from the notification engine;
// *notify.Engine implements it.
type NotificationService interface {
	Unread() []feed.Notification
	Dismiss(id string) error
	MarkRead(ctx context.Context, ids []string) error
	ClearAll(ctx context.Context) error
	Preferences() feed.Preferences
	UpdatePreferences(ctx context.Context, patch feed.PreferencesPatch) (feed.Preferences, error)
}

// FeedStatus is one feed's health as shown in the UI.
type FeedStatus struct {
	Feed                string          `json:"feed"`
	Status              pollsync.Status `json:"status"`
	ConsecutiveFailures int             `json:"consecutiveFailures"`
	Cursor              int64           `json:"cursor"`
	Items               int             `json:"items"`
}

// StatusFunc snapshots every feed the daemon polls.
type StatusFunc func() []FeedStatus

type ServerConfig struct {
	Token           string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	Logger          pollsync.Logger
}

type Server struct {
	notifications NotificationService
	statuses      StatusFunc
	cfg           ServerConfig
	rateLimiter   *rateLimiter
	hub           *streamHub
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

func NewServer(notifications NotificationService, statuses StatusFunc) *Server {
	return NewServerWithConfig(notifications, statuses, ServerConfig{})
}

func NewServerWithConfig(notifications NotificationService, statuses StatusFunc, cfg ServerConfig) *Server {
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	s := &Server{
		notifications: notifications,
		statuses:      statuses,
		cfg:           cfg,
		hub:           newStreamHub(),
	}
	if cfg.RateLimitMax > 0 {
		s.rateLimiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return s
}

// PublishStatus forwards a feed's status transition to stream subscribers.
func (s *Server) PublishStatus(feedName string, status pollsync.Status) {
	s.hub.publish(StreamEvent{
		Type:      eventTypeStatus,
		Feed:      feedName,
		Status:    status,
		Timestamp: time.Now().Unix(),
	})
}

// PublishNotifications forwards freshly-arrived notifications to stream
// subscribers.
func (s *Server) PublishNotifications(fresh []feed.Notification) {
	if len(fresh) == 0 {
		return
	}
	s.hub.publish(StreamEvent{
		Type:          eventTypeNotifications,
		Notifications: fresh,
		Timestamp:     time.Now().Unix(),
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	if authErr := authorizeRequest(r, s.cfg.Token); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(remoteKey(r), time.Now().UTC()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
		return
	}
	if r.Body != nil {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	}

	switch {
	case r.URL.Path == "/v1/status" && r.Method == http.MethodGet:
		s.handleStatus(w)
	case r.URL.Path == "/v1/notifications" && r.Method == http.MethodGet:
		s.handleNotifications(w)
	case r.URL.Path == "/v1/notifications/dismiss" && r.Method == http.MethodPost:
		s.handleDismiss(w, r)
	case r.URL.Path == "/v1/notifications/read" && r.Method == http.MethodPost:
		s.handleMarkRead(w, r)
	case r.URL.Path == "/v1/notifications/clear" && r.Method == http.MethodPost:
		s.handleClearAll(w, r)
	case r.URL.Path == "/v1/preferences" && r.Method == http.MethodGet:
		s.handleGetPreferences(w)
	case r.URL.Path == "/v1/preferences" && r.Method == http.MethodPatch:
		s.handleUpdatePreferences(w, r)
	case r.URL.Path == "/v1/stream" && r.Method == http.MethodGet:
		s.handleStream(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) handleStatus(w http.ResponseWriter) {
	statuses := []FeedStatus{}
	if s.statuses != nil {
		statuses = s.statuses()
	}
	writeJSON(w, http.StatusOK, struct {
		Feeds []FeedStatus `json:"feeds"`
	}{Feeds: statuses})
}

func (s *Server) handleNotifications(w http.ResponseWriter) {
	items := s.notifications.Unread()
	if items == nil {
		items = []feed.Notification{}
	}
	writeJSON(w, http.StatusOK, struct {
		Items []feed.Notification `json:"items"`
	}{Items: items})
}

func (s *Server) handleDismiss(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ID string `json:"id"`
	}
	if err := decodeBody(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if strings.TrimSpace(payload.ID) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "id is required")
		return
	}
	if err := s.notifications.Dismiss(strings.TrimSpace(payload.ID)); err != nil {
		writeError(w, http.StatusInternalServerError, "dismiss_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		IDs []string `json:"ids"`
	}
	if err := decodeBody(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if len(payload.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "ids are required")
		return
	}
	if err := s.notifications.MarkRead(r.Context(), payload.IDs); err != nil {
		writeUpstreamError(w, "mark_read_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleClearAll(w http.ResponseWriter, r *http.Request) {
	if err := s.notifications.ClearAll(r.Context()); err != nil {
		writeUpstreamError(w, "clear_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleGetPreferences(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, s.notifications.Preferences())
}

func (s *Server) handleUpdatePreferences(w http.ResponseWriter, r *http.Request) {
	var patch feed.PreferencesPatch
	if err := decodeBody(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	merged, err := s.notifications.UpdatePreferences(r.Context(), patch)
	if err != nil {
		writeUpstreamError(w, "preferences_update_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, merged)
}

func decodeBody(r *http.Request, out any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

// writeUpstreamError maps ticketing-API failures onto the control surface:
// upstream auth failures surface as 502 so the shell can tell "my token is
// bad" from "the session is dead and needs teardown".
func writeUpstreamError(w http.ResponseWriter, code string, err error) {
	status := http.StatusInternalServerError
	var httpErr *feed.HTTPError
	if errors.As(err, &httpErr) {
		status = http.StatusBadGateway
	}
	writeError(w, status, code, err.Error())
}

func remoteKey(r *http.Request) string {
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
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
