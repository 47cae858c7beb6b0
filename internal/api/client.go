package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const defaultTimeout = 15 * time.Second

// ErrNotFound indicates the collaborator does not know the requested session.
var ErrNotFound = errors.New("session not found")

// Doer executes one HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Option configures Client construction.
type Option func(*Client)

// WithDoer overrides the HTTP transport used for requests.
func WithDoer(doer Doer) Option {
	return func(client *Client) {
		if doer != nil {
			client.doer = doer
		}
	}
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(client *Client) {
		if timeout > 0 {
			client.timeout = timeout
		}
	}
}

// Client talks to the collaborator's request/response interface and
// returns typed results.
type Client struct {
	baseURL      string
	doer         Doer
	timeout      time.Duration
	newRequestID func() string
	tracer       trace.Tracer
}

// NewClient creates a collaborator client rooted at baseURL.
func NewClient(baseURL string, options ...Option) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, errors.New("base url must not be empty")
	}
	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("parse base url %q: must be an absolute http(s) url", baseURL)
	}

	client := &Client{
		baseURL:      trimmed,
		doer:         &http.Client{},
		timeout:      defaultTimeout,
		newRequestID: uuid.NewString,
		tracer:       otel.Tracer("dw/api"),
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(client)
	}
	return client, nil
}

// CreateSession creates a new session and returns its thread identifier.
func (c *Client) CreateSession(ctx context.Context, mode SessionMode) (string, error) {
	if !mode.Valid() {
		return "", fmt.Errorf("unsupported session mode %q", mode)
	}

	var response struct {
		ThreadID string `json:"thread_id"`
	}
	body := map[string]string{"mode": string(mode)}
	if err := c.do(ctx, http.MethodPost, "/sessions", body, &response); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	if strings.TrimSpace(response.ThreadID) == "" {
		return "", errors.New("create session: response missing thread_id")
	}
	return response.ThreadID, nil
}

// ListSessions returns up to limit recent sessions, newest first.
func (c *Client) ListSessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	path := "/sessions/history"
	if limit > 0 {
		path = fmt.Sprintf("%s?limit=%d", path, limit)
	}

	var sessions []SessionSummary
	if err := c.do(ctx, http.MethodGet, path, nil, &sessions); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// LaunchRun asks the collaborator to start one run on the session.
// The response is an acknowledgment only; authoritative state arrives
// via push notifications and snapshot fetches.
func (c *Client) LaunchRun(ctx context.Context, sessionID string, request RunRequest) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return errors.New("session id must not be empty")
	}
	if strings.TrimSpace(request.InputText) == "" {
		return errors.New("input text must not be empty")
	}

	path := fmt.Sprintf("/sessions/%s/run", url.PathEscape(sessionID))
	if err := c.do(ctx, http.MethodPost, path, request, &map[string]any{}); err != nil {
		return fmt.Errorf("launch run on %s: %w", sessionID, err)
	}
	return nil
}

// FetchPending returns the run awaiting human approval, or nil.
func (c *Client) FetchPending(ctx context.Context, sessionID string) (*RunRecord, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("session id must not be empty")
	}

	var response struct {
		ThreadID string     `json:"thread_id"`
		Pending  *RunRecord `json:"pending"`
	}
	path := fmt.Sprintf("/sessions/%s/pending-approval", url.PathEscape(sessionID))
	if err := c.do(ctx, http.MethodGet, path, nil, &response); err != nil {
		return nil, fmt.Errorf("fetch pending approval for %s: %w", sessionID, err)
	}
	return response.Pending, nil
}

// FetchLatest returns the most recently resolved run, or nil.
func (c *Client) FetchLatest(ctx context.Context, sessionID string) (*RunRecord, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("session id must not be empty")
	}

	var response struct {
		ThreadID string     `json:"thread_id"`
		Latest   *RunRecord `json:"latest"`
	}
	path := fmt.Sprintf("/sessions/%s/latest-run", url.PathEscape(sessionID))
	if err := c.do(ctx, http.MethodGet, path, nil, &response); err != nil {
		return nil, fmt.Errorf("fetch latest run for %s: %w", sessionID, err)
	}
	return response.Latest, nil
}

// FetchSnapshot issues the pending and latest fetches together and
// returns both slots. A single error is returned when either fetch
// fails so the caller surfaces one message and leaves its view intact.
func (c *Client) FetchSnapshot(ctx context.Context, sessionID string) (Snapshot, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return Snapshot{}, errors.New("session id must not be empty")
	}

	var (
		wg         sync.WaitGroup
		pending    *RunRecord
		latest     *RunRecord
		pendingErr error
		latestErr  error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		pending, pendingErr = c.FetchPending(ctx, sessionID)
	}()
	go func() {
		defer wg.Done()
		latest, latestErr = c.FetchLatest(ctx, sessionID)
	}()
	wg.Wait()

	if pendingErr != nil {
		return Snapshot{}, pendingErr
	}
	if latestErr != nil {
		return Snapshot{}, latestErr
	}
	return Snapshot{Pending: pending, Latest: latest}, nil
}

// SubmitDecision submits an approve/reject decision for the halted run.
func (c *Client) SubmitDecision(ctx context.Context, sessionID string, decision Decision) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return errors.New("session id must not be empty")
	}
	if !decision.Approved && strings.TrimSpace(decision.Feedback) == "" {
		decision.Feedback = "Please revise."
	}

	path := fmt.Sprintf("/sessions/%s/approve", url.PathEscape(sessionID))
	if err := c.do(ctx, http.MethodPost, path, decision, &map[string]any{}); err != nil {
		return fmt.Errorf("submit decision for %s: %w", sessionID, err)
	}
	return nil
}

// Health probes the collaborator's health endpoint.
func (c *Client) Health(ctx context.Context) error {
	if err := c.do(ctx, http.MethodGet, "/health", nil, &map[string]any{}); err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ctx, span := c.tracer.Start(ctx, "api.request", trace.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.path", path),
	))
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request %s %s: %w", method, path, err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("X-Request-ID", c.newRequestID())

	response, err := c.doer.Do(request)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer func() {
		_ = response.Body.Close()
	}()

	payload, err := io.ReadAll(io.LimitReader(response.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response for %s %s: %w", method, path, err)
	}
	span.SetAttributes(attribute.Int("http.status_code", response.StatusCode))

	if response.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s %s: %w", method, path, ErrNotFound)
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		detail := strings.TrimSpace(string(payload))
		if detail != "" {
			return fmt.Errorf("%s %s: status %d: %s", method, path, response.StatusCode, detail)
		}
		return fmt.Errorf("%s %s: status %d", method, path, response.StatusCode)
	}

	if out == nil || len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode response for %s %s: %w", method, path, err)
	}
	return nil
}
