package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hubdesk/ticketsync/internal/feed"
	"github.com/hubdesk/ticketsync/internal/pollsync"
)

type fakeNotificationService struct {
	unread     []feed.Notification
	dismissed  []string
	readIDs    []string
	cleared    bool
	prefs      feed.Preferences
	updateEcho feed.Preferences
	updateErr  error
}

func (f *fakeNotificationService) Unread() []feed.Notification { return f.unread }

func (f *fakeNotificationService) Dismiss(id string) error {
	f.dismissed = append(f.dismissed, id)
	return nil
}

func (f *fakeNotificationService) MarkRead(ctx context.Context, ids []string) error {
	f.readIDs = append(f.readIDs, ids...)
	return nil
}

func (f *fakeNotificationService) ClearAll(ctx context.Context) error {
	f.cleared = true
	return nil
}

func (f *fakeNotificationService) Preferences() feed.Preferences { return f.prefs }

func (f *fakeNotificationService) UpdatePreferences(ctx context.Context, patch feed.PreferencesPatch) (feed.Preferences, error) {
	if f.updateErr != nil {
		return feed.Preferences{}, f.updateErr
	}
	return f.updateEcho, nil
}

func authedRequest(method, target, token string, body string) *http.Request {
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, target, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func TestHealthSkipsAuth(t *testing.T) {
	server := NewServerWithConfig(&fakeNotificationService{}, nil, ServerConfig{Token: "secret"})
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for unauthenticated health check, got %d", rec.Code)
	}
}

func TestMissingOrWrongTokenIsRejected(t *testing.T) {
	server := NewServerWithConfig(&fakeNotificationService{}, nil, ServerConfig{Token: "secret"})

	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/status", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	server.ServeHTTP(rec, authedRequest(http.MethodGet, "/v1/status", "wrong", ""))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", rec.Code)
	}
}

func TestQueryTokenAccepted(t *testing.T) {
	server := NewServerWithConfig(&fakeNotificationService{}, nil, ServerConfig{Token: "secret"})
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/status?token=secret", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with query token, got %d", rec.Code)
	}
}

func TestStatusReportsEveryFeed(t *testing.T) {
	statuses := func() []FeedStatus {
		return []FeedStatus{
			{Feed: "tickets:active", Status: pollsync.StatusConnected, Cursor: 42, Items: 3},
			{Feed: "notifications", Status: pollsync.StatusDegraded, ConsecutiveFailures: 2},
		}
	}
	server := NewServer(&fakeNotificationService{}, statuses)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload struct {
		Feeds []FeedStatus `json:"feeds"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode status failed: %v", err)
	}
	if len(payload.Feeds) != 2 || payload.Feeds[0].Feed != "tickets:active" {
		t.Fatalf("unexpected status payload %+v", payload)
	}
	if payload.Feeds[1].Status != pollsync.StatusDegraded {
		t.Fatalf("expected degraded second feed, got %+v", payload.Feeds[1])
	}
}

func TestNotificationsListsUnread(t *testing.T) {
	service := &fakeNotificationService{
		unread: []feed.Notification{{ID: "n1", Type: "system", Title: "hello", CreatedAt: 10}},
	}
	server := NewServer(service, nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/notifications", nil))
	var payload struct {
		Items []feed.Notification `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(payload.Items) != 1 || payload.Items[0].ID != "n1" {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestDismissValidatesAndDelegates(t *testing.T) {
	service := &fakeNotificationService{}
	server := NewServer(service, nil)

	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, authedRequest(http.MethodPost, "/v1/notifications/dismiss", "", `{"id":" n1 "}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(service.dismissed) != 1 || service.dismissed[0] != "n1" {
		t.Fatalf("expected trimmed id delegated, got %v", service.dismissed)
	}

	rec = httptest.NewRecorder()
	server.ServeHTTP(rec, authedRequest(http.MethodPost, "/v1/notifications/dismiss", "", `{"id":""}`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty id, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	server.ServeHTTP(rec, authedRequest(http.MethodPost, "/v1/notifications/dismiss", "", `{"id":"n1","extra":true}`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown fields, got %d", rec.Code)
	}
}

func TestMarkReadAndClear(t *testing.T) {
	service := &fakeNotificationService{}
	server := NewServer(service, nil)

	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, authedRequest(http.MethodPost, "/v1/notifications/read", "", `{"ids":["n1","n2"]}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(service.readIDs) != 2 {
		t.Fatalf("expected two ids delegated, got %v", service.readIDs)
	}

	rec = httptest.NewRecorder()
	server.ServeHTTP(rec, authedRequest(http.MethodPost, "/v1/notifications/read", "", `{"ids":[]}`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty ids, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	server.ServeHTTP(rec, authedRequest(http.MethodPost, "/v1/notifications/clear", "", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !service.cleared {
		t.Fatalf("expected clear delegated")
	}
}

func TestPreferencesRoundTrip(t *testing.T) {
	service := &fakeNotificationService{
		prefs:      feed.Preferences{SoundEnabled: true, SoundVolume: 70},
		updateEcho: feed.Preferences{SoundEnabled: false, SoundVolume: 70},
	}
	server := NewServer(service, nil)

	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/preferences", nil))
	var prefs feed.Preferences
	if err := json.Unmarshal(rec.Body.Bytes(), &prefs); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !prefs.SoundEnabled || prefs.SoundVolume != 70 {
		t.Fatalf("unexpected preferences %+v", prefs)
	}

	rec = httptest.NewRecorder()
	server.ServeHTTP(rec, authedRequest(http.MethodPatch, "/v1/preferences", "", `{"soundEnabled":false}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &prefs); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if prefs.SoundEnabled {
		t.Fatalf("expected echoed merged preferences, got %+v", prefs)
	}
}

func TestUpstreamAuthFailureMapsToBadGateway(t *testing.T) {
	service := &fakeNotificationService{
		updateErr: &feed.HTTPError{StatusCode: http.StatusUnauthorized, Message: "expired"},
	}
	server := NewServer(service, nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, authedRequest(http.MethodPatch, "/v1/preferences", "", `{}`))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 for upstream failure, got %d", rec.Code)
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	server := NewServer(&fakeNotificationService{}, nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestRateLimitBlocksAndSetsRetryAfter(t *testing.T) {
	server := NewServerWithConfig(&fakeNotificationService{}, nil, ServerConfig{
		RateLimitMax:    2,
		RateLimitWindow: time.Minute,
	})
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/notifications", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d unexpectedly limited: %d", i, rec.Code)
		}
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/notifications", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "60" {
		t.Fatalf("expected Retry-After 60, got %q", rec.Header().Get("Retry-After"))
	}
}

func TestRateLimiterResetsAfterWindow(t *testing.T) {
	limiter := &rateLimiter{
		window:  time.Minute,
		max:     1,
		entries: map[string]rateEntry{},
	}
	now := time.Now()
	if !limiter.allow("host", now) {
		t.Fatalf("first request must pass")
	}
	if limiter.allow("host", now.Add(time.Second)) {
		t.Fatalf("second request in window must be blocked")
	}
	if !limiter.allow("host", now.Add(2*time.Minute)) {
		t.Fatalf("request after window must pass")
	}
	if !limiter.allow("other", now) {
		t.Fatalf("distinct hosts must have distinct windows")
	}
}

func TestStreamHubDropsWhenSubscriberIsSlow(t *testing.T) {
	hub := newStreamHub()
	events, cancel := hub.subscribe()
	defer cancel()

	for i := 0; i < streamBufferSize+5; i++ {
		hub.publish(StreamEvent{Type: eventTypeStatus, Timestamp: int64(i)})
	}
	received := 0
	for {
		select {
		case <-events:
			received++
		default:
			if received != streamBufferSize {
				t.Fatalf("expected %d buffered events, got %d", streamBufferSize, received)
			}
			return
		}
	}
}

func TestPublishNotificationsSkipsEmptyBatches(t *testing.T) {
	server := NewServer(&fakeNotificationService{}, nil)
	events, cancel := server.hub.subscribe()
	defer cancel()

	server.PublishNotifications(nil)
	server.PublishNotifications([]feed.Notification{{ID: "n1"}})
	select {
	case event := <-events:
		if event.Type != eventTypeNotifications || len(event.Notifications) != 1 {
			t.Fatalf("unexpected event %+v", event)
		}
	default:
		t.Fatalf("expected one published event")
	}
	select {
	case event := <-events:
		t.Fatalf("empty batch must not publish, got %+v", event)
	default:
	}
}
