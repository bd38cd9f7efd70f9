package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// RemoteClient is the backend surface the engine consumes. The backend owns
// the authoritative message copy; every call here is pure request/response.
type RemoteClient interface {
	Poll(ctx context.Context, since time.Time, scopes ScopeSet) (DeltaBatch, error)
	ListMessages(ctx context.Context, scope Scope, limit, offset int) ([]Message, error)
	ListReplies(ctx context.Context, messageID string) ([]Reply, error)
	PostReply(ctx context.Context, messageID, content string) (Reply, error)
	PostMessage(ctx context.Context, scope Scope, content string) (Message, error)
	EditMessage(ctx context.Context, messageID, content string) (Message, error)
	MarkRead(ctx context.Context, messageID string) error
}

// HTTPClient talks to a crewchat server. Transient failures (network errors,
// 429, 5xx) are retried here with capped exponential backoff; everything the
// server actively refused surfaces as a RejectedMutation.
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

func (c *HTTPClient) Poll(ctx context.Context, since time.Time, scopes ScopeSet) (DeltaBatch, error) {
	q := url.Values{}
	q.Set("since", since.UTC().Format(time.RFC3339Nano))
	if len(scopes.TeamIDs) > 0 {
		q.Set("teamIds", strings.Join(scopes.TeamIDs, ","))
	}
	if len(scopes.OrgIDs) > 0 {
		q.Set("orgIds", strings.Join(scopes.OrgIDs, ","))
	}
	var out DeltaBatch
	err := c.doJSON(ctx, http.MethodGet, "/v1/messages/poll?"+q.Encode(), nil, &out)
	return out, err
}

func (c *HTTPClient) ListMessages(ctx context.Context, scope Scope, limit, offset int) ([]Message, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	var out struct {
		Messages []Message `json:"messages"`
	}
	path := fmt.Sprintf("/v1/scopes/%s/%s/messages?%s", url.PathEscape(string(scope.Type)), url.PathEscape(scope.ID), q.Encode())
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (c *HTTPClient) ListReplies(ctx context.Context, messageID string) ([]Reply, error) {
	var out struct {
		Replies []Reply `json:"replies"`
	}
	path := fmt.Sprintf("/v1/messages/%s/replies", url.PathEscape(messageID))
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Replies, nil
}

func (c *HTTPClient) PostReply(ctx context.Context, messageID, content string) (Reply, error) {
	var out Reply
	path := fmt.Sprintf("/v1/messages/%s/replies", url.PathEscape(messageID))
	err := c.doJSON(ctx, http.MethodPost, path, map[string]any{"content": content}, &out)
	return out, err
}

func (c *HTTPClient) PostMessage(ctx context.Context, scope Scope, content string) (Message, error) {
	var out Message
	path := fmt.Sprintf("/v1/scopes/%s/%s/messages", url.PathEscape(string(scope.Type)), url.PathEscape(scope.ID))
	err := c.doJSON(ctx, http.MethodPost, path, map[string]any{"content": content}, &out)
	return out, err
}

func (c *HTTPClient) EditMessage(ctx context.Context, messageID, content string) (Message, error) {
	var out Message
	path := fmt.Sprintf("/v1/messages/%s", url.PathEscape(messageID))
	err := c.doJSON(ctx, http.MethodPut, path, map[string]any{"content": content}, &out)
	return out, err
}

func (c *HTTPClient) MarkRead(ctx context.Context, messageID string) error {
	path := fmt.Sprintf("/v1/messages/%s/read", url.PathEscape(messageID))
	return c.doJSON(ctx, http.MethodPost, path, nil, nil)
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
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
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return &TransportError{Err: err}
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return &TransportError{Err: readErr}
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		transient := resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)
		if transient && attempt < c.maxRetries {
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
		if transient {
			return &TransportError{
				StatusCode: resp.StatusCode,
				Code:       errPayload.Code,
				Message:    errPayload.Message,
			}
		}
		return &RejectedMutation{
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

// DeltaFetcher issues one poll request per cycle. An empty scope set is a
// no-op: no network call is made and the returned batch carries a zero
// PolledAt so the watermark stays put.
type DeltaFetcher struct {
	client RemoteClient
}

func NewDeltaFetcher(client RemoteClient) *DeltaFetcher {
	return &DeltaFetcher{client: client}
}

func (f *DeltaFetcher) Fetch(ctx context.Context, since time.Time, scopes ScopeSet) (DeltaBatch, error) {
	if scopes.Empty() {
		return DeltaBatch{}, nil
	}
	return f.client.Poll(ctx, since, scopes)
}
