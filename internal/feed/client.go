package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrUnauthorized marks 401-class responses. Pollers stop themselves on it so
// a dead session cannot spin in a tight failure loop; tearing the session
// down is the owner's job.
var ErrUnauthorized = errors.New("unauthorized")

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrUnauthorized && e.StatusCode == http.StatusUnauthorized
}

// HTTPClient talks to the ticketing REST API. Transient failures (network,
// 429, 5xx) are retried a bounded number of times inside one call with
// exponential delay and Retry-After support; indefinite retry across calls
// belongs to the scheduler, not here.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

// ListTickets fetches tickets for a view changed since the cursor. A zero
// cursor requests the full list.
func (c *HTTPClient) ListTickets(ctx context.Context, view string, since int64, limit int) (Page[Ticket], error) {
	q := url.Values{}
	q.Set("view", strings.TrimSpace(view))
	addFeedParams(q, since, limit)
	var out Page[Ticket]
	err := c.doJSON(ctx, http.MethodGet, "/v1/tickets?"+q.Encode(), nil, &out)
	return out, err
}

// ListMessages fetches chat messages for one ticket created since the cursor.
func (c *HTTPClient) ListMessages(ctx context.Context, ticketID string, since int64, limit int) (Page[ChatMessage], error) {
	ticketID = strings.TrimSpace(ticketID)
	if ticketID == "" {
		return Page[ChatMessage]{}, fmt.Errorf("ticket id is required")
	}
	q := url.Values{}
	addFeedParams(q, since, limit)
	requestPath := fmt.Sprintf("/v1/tickets/%s/messages?%s", url.PathEscape(ticketID), q.Encode())
	var out Page[ChatMessage]
	err := c.doJSON(ctx, http.MethodGet, requestPath, nil, &out)
	return out, err
}

// ListNotifications fetches notifications created since the cursor.
func (c *HTTPClient) ListNotifications(ctx context.Context, since int64, limit int) (Page[Notification], error) {
	q := url.Values{}
	addFeedParams(q, since, limit)
	requestPath := "/v1/notifications"
	if encoded := q.Encode(); encoded != "" {
		requestPath += "?" + encoded
	}
	var out Page[Notification]
	err := c.doJSON(ctx, http.MethodGet, requestPath, nil, &out)
	return out, err
}

func (c *HTTPClient) GetPreferences(ctx context.Context) (Preferences, error) {
	var out Preferences
	err := c.doJSON(ctx, http.MethodGet, "/v1/preferences", nil, &out)
	return out, err
}

// UpdatePreferences applies a partial update; the server echoes the merged
// result, which becomes the caller's new local copy.
func (c *HTTPClient) UpdatePreferences(ctx context.Context, patch PreferencesPatch) (Preferences, error) {
	var out Preferences
	err := c.doJSON(ctx, http.MethodPatch, "/v1/preferences", patch, &out)
	return out, err
}

func (c *HTTPClient) MarkRead(ctx context.Context, ids []string) error {
	body := map[string]any{"ids": ids}
	var out struct {
		OK bool `json:"ok"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/notifications/read", body, &out); err != nil {
		return err
	}
	if !out.OK {
		return fmt.Errorf("mark read rejected")
	}
	return nil
}

func (c *HTTPClient) ClearAll(ctx context.Context) error {
	var out struct {
		OK bool `json:"ok"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/notifications/clear", nil, &out); err != nil {
		return err
	}
	if !out.OK {
		return fmt.Errorf("clear all rejected")
	}
	return nil
}

func addFeedParams(q url.Values, since int64, limit int) {
	if since > 0 {
		q.Set("since", strconv.FormatInt(since, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
