package editorialsdk

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"editorial/internal/domain"
)

// Client is a minimal editorial HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  30 * time.Second,
	}
}

type SessionView struct {
	Session domain.Session `json:"session"`
	Tasks   []domain.Task  `json:"tasks"`
}

type EventResult struct {
	EventID     string         `json:"event_id"`
	PostID      string         `json:"post_id"`
	Action      string         `json:"action"`
	Result      domain.Outcome `json:"result"`
	Note        string         `json:"note,omitempty"`
	Invalidated []string       `json:"invalidated,omitempty"`
	CacheError  string         `json:"cache_error,omitempty"`
}

type ProcessReport struct {
	Processed int           `json:"processed"`
	Results   []EventResult `json:"results"`
}

// Event represents an activity log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

type ScheduleRequest struct {
	PostID    string `json:"post_id"`
	RunAt     string `json:"run_at"`
	Action    string `json:"action,omitempty"`
	Overwrite bool   `json:"overwrite,omitempty"`
}

type CreatePostRequest struct {
	ID     string `json:"id,omitempty"`
	Slug   string `json:"slug,omitempty"`
	Title  string `json:"title"`
	Status string `json:"status,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "health", nil, nil)
}

// StartSession starts a pipeline. Empty phases select the server defaults.
func (c *Client) StartSession(ctx context.Context, topic string, phases []string, actorRef string) (SessionView, error) {
	body := map[string]any{"topic": topic}
	if len(phases) > 0 {
		body["phases"] = phases
	}
	if actorRef != "" {
		body["actor_ref"] = actorRef
	}
	var resp SessionView
	err := c.do(ctx, http.MethodPost, "sessions", body, &resp)
	return resp, err
}

func (c *Client) GetSession(ctx context.Context, id string) (SessionView, error) {
	var resp SessionView
	err := c.do(ctx, http.MethodGet, "sessions/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) ListSessions(ctx context.Context, limit int) ([]domain.Session, error) {
	endpoint := "sessions"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Sessions []domain.Session `json:"sessions"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Sessions, err
}

func (c *Client) RetryPhase(ctx context.Context, sessionID, phase string) (domain.Task, error) {
	var resp struct {
		Task domain.Task `json:"task"`
	}
	endpoint := fmt.Sprintf("sessions/%s/tasks/%s/retry", url.PathEscape(sessionID), url.PathEscape(phase))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp.Task, err
}

func (c *Client) ListAttempts(ctx context.Context, sessionID, phase string) ([]domain.TaskAttempt, error) {
	var resp struct {
		Attempts []domain.TaskAttempt `json:"attempts"`
	}
	endpoint := fmt.Sprintf("sessions/%s/tasks/%s/attempts", url.PathEscape(sessionID), url.PathEscape(phase))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Attempts, err
}

// StreamSession calls fn for every session update until the stream ends,
// fn returns an error or ctx is done.
func (c *Client) StreamSession(ctx context.Context, id string, fn func(SessionView) error) error {
	req, err := c.newRequest(ctx, http.MethodGet, "sessions/"+url.PathEscape(id)+"/stream", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	// Streams outlive the request timeout of regular calls.
	client := &http.Client{Transport: c.httpClient().Transport}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var event string
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				if err := dispatchEvent(event, data.String(), fn); err != nil {
					return err
				}
			}
			event = ""
			data.Reset()
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return ctx.Err()
}

func dispatchEvent(event, data string, fn func(SessionView) error) error {
	switch event {
	case "error":
		var body struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal([]byte(data), &body)
		status := http.StatusInternalServerError
		if body.Code == "not_found" {
			status = http.StatusNotFound
		}
		return &APIError{StatusCode: status, Code: body.Code, Message: body.Message, Body: data}
	case "session", "":
		var view SessionView
		if err := json.Unmarshal([]byte(data), &view); err != nil {
			return fmt.Errorf("decode session event: %w", err)
		}
		return fn(view)
	default:
		return nil
	}
}

func (c *Client) ScheduleEvent(ctx context.Context, in ScheduleRequest) (domain.ScheduleEvent, error) {
	var resp struct {
		OK    bool                 `json:"ok"`
		Event domain.ScheduleEvent `json:"event"`
	}
	err := c.do(ctx, http.MethodPost, "schedule", in, &resp)
	return resp.Event, err
}

func (c *Client) ListPendingEvents(ctx context.Context, postID string) ([]domain.ScheduleEvent, error) {
	endpoint := "schedule/pending"
	if postID != "" {
		endpoint += "?post_id=" + url.QueryEscape(postID)
	}
	var resp struct {
		Events []domain.ScheduleEvent `json:"events"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Events, err
}

func (c *Client) ProcessDueEvents(ctx context.Context, limit int) (ProcessReport, error) {
	var resp ProcessReport
	err := c.do(ctx, http.MethodPost, "schedule/process", map[string]int{"limit": limit}, &resp)
	return resp, err
}

func (c *Client) CreatePost(ctx context.Context, in CreatePostRequest) (domain.Post, error) {
	var resp domain.Post
	err := c.do(ctx, http.MethodPost, "posts", in, &resp)
	return resp, err
}

func (c *Client) GetPost(ctx context.Context, id string) (domain.Post, error) {
	var resp domain.Post
	err := c.do(ctx, http.MethodGet, "posts/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) ListPosts(ctx context.Context, status string) ([]domain.Post, error) {
	endpoint := "posts"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp struct {
		Posts []domain.Post `json:"posts"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Posts, err
}

func (c *Client) DeletePost(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "posts/"+url.PathEscape(id), nil, nil)
}

// ActivityPage returns a page of the activity log after cursor.
func (c *Client) ActivityPage(ctx context.Context, limit int, entityID, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if entityID != "" {
		q.Set("entity_id", entityID)
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "activity"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	req, err := c.newRequest(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body any) (*http.Request, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(endpoint), &buf)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	return req, nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	return c.HTTPClient
}

func decodeError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(b, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
	}
	return apiErr
}

func (c *Client) endpoint(p string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	prefix := strings.Trim(c.BasePath, "/")
	if prefix != "" {
		base += "/" + prefix
	}
	return base + "/" + strings.TrimLeft(p, "/")
}
