package tui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/fentz26/lexgate/internal/lifecycle"
	"github.com/fentz26/lexgate/internal/models"
	"github.com/fentz26/lexgate/internal/snapshot"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// APIError is a non-2xx response from the daemon.
type APIError struct {
	Status       int
	Message      string
	Precondition string
}

func (e *APIError) Error() string {
	if e.Precondition != "" {
		return fmt.Sprintf("%d: %s (%s)", e.Status, e.Message, e.Precondition)
	}
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}

// Client wraps HTTP calls to the lexgate API.
type Client struct {
	baseURL    string
	actor      string
	httpClient *http.Client
}

// NewClient creates a new API client. Decisions made through it are
// attributed to actor, or to operator@<hostname> when actor is empty.
func NewClient(baseURL, actor string) *Client {
	if actor == "" {
		hostname, _ := os.Hostname()
		actor = fmt.Sprintf("operator@%s", hostname)
	}
	return &Client{
		baseURL: baseURL,
		actor:   actor,
		httpClient: &http.Client{
			Timeout: DefaultClientTimeout,
		},
	}
}

// Actor returns the identity recorded on decisions.
func (c *Client) Actor() string {
	return c.actor
}

// Health reports whether the daemon answers and is healthy.
func (c *Client) Health(ctx context.Context) (bool, error) {
	var h struct {
		OK bool `json:"ok"`
	}
	err := c.get(ctx, "/health", &h)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusServiceUnavailable {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return h.OK, nil
}

// Snapshot fetches the last compiled snapshot.
func (c *Client) Snapshot(ctx context.Context) (*snapshot.Snapshot, error) {
	var s snapshot.Snapshot
	if err := c.get(ctx, "/snapshot", &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Agents lists every agent with its display status.
func (c *Client) Agents(ctx context.Context) ([]lifecycle.View, error) {
	var agents []lifecycle.View
	if err := c.get(ctx, "/agents", &agents); err != nil {
		return nil, err
	}
	return agents, nil
}

// PendingReviews lists open review items across every gate.
func (c *Client) PendingReviews(ctx context.Context) ([]models.ReviewItem, error) {
	var items []models.ReviewItem
	if err := c.get(ctx, "/reviews?pending=true", &items); err != nil {
		return nil, err
	}
	return items, nil
}

// Executions lists execution requests with the given approval state.
func (c *Client) Executions(ctx context.Context, approval models.Decision) ([]models.ExecutionRequest, error) {
	path := "/executions"
	if approval != "" {
		path += "?approval=" + url.QueryEscape(string(approval))
	}
	var reqs []models.ExecutionRequest
	if err := c.get(ctx, path, &reqs); err != nil {
		return nil, err
	}
	return reqs, nil
}

// Decide records a review decision.
func (c *Client) Decide(ctx context.Context, gate, id string, decision models.Decision, rationale string) error {
	return c.post(ctx, "/reviews/"+url.PathEscape(id)+"/decide", map[string]any{
		"gate":      gate,
		"decision":  decision,
		"actor":     c.actor,
		"rationale": rationale,
	}, nil)
}

// Advance moves the workflow to target.
func (c *Client) Advance(ctx context.Context, target models.Stage, confirmed bool) (*models.StageEntry, error) {
	body := map[string]any{"target": target, "actor": c.actor}
	if confirmed {
		body["confirmation"] = true
	}
	var entry models.StageEntry
	if err := c.post(ctx, "/stage/advance", body, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// DecideExecution approves or rejects an execution request.
func (c *Client) DecideExecution(ctx context.Context, id string, decision models.Decision, rationale string) error {
	action := "approve"
	if decision == models.DecisionRejected {
		action = "reject"
	}
	return c.post(ctx, "/executions/"+url.PathEscape(id)+"/"+action, map[string]any{
		"actor":     c.actor,
		"rationale": rationale,
	}, nil)
}

// Execute runs an approved request and returns its final result.
func (c *Client) Execute(ctx context.Context, id string) (models.ExecutionResult, error) {
	var out struct {
		Request models.ExecutionRequest `json:"request"`
	}
	if err := c.post(ctx, "/executions/"+url.PathEscape(id)+"/execute", map[string]any{"actor": c.actor}, &out); err != nil {
		return "", err
	}
	return out.Request.Result, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, data any, out any) error {
	body, err := json.Marshal(data)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{Status: resp.StatusCode, Message: string(bytes.TrimSpace(body))}
		var parsed struct {
			Error      string `json:"error"`
			Transition *struct {
				Precondition string `json:"precondition"`
			} `json:"transition"`
		}
		if json.Unmarshal(body, &parsed) == nil && parsed.Error != "" {
			apiErr.Message = parsed.Error
			if parsed.Transition != nil {
				apiErr.Precondition = parsed.Transition.Precondition
			}
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
