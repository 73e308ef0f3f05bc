package pulselinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Pulseline HTTP API client.
type Client struct {
	BaseURL     string
	StartupID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, startupID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		StartupID: startupID,
		Timeout:   10 * time.Second,
	}
}

// Message represents an agent-to-agent message.
type Message struct {
	ID               string         `json:"id"`
	StartupID        string         `json:"startup_id"`
	FromAgent        string         `json:"from_agent"`
	ToAgent          string         `json:"to_agent"`
	Topic            string         `json:"topic"`
	Type             string         `json:"type"`
	Priority         string         `json:"priority"`
	Payload          map[string]any `json:"payload,omitempty"`
	ThreadID         string         `json:"thread_id"`
	ParentID         *string        `json:"parent_id,omitempty"`
	RequiresResponse bool           `json:"requires_response"`
	Status           string         `json:"status"`
	CreatedAt        string         `json:"created_at"`
}

// Action represents an agent action awaiting or past approval.
type Action struct {
	ID         string  `json:"id"`
	StartupID  string  `json:"startup_id"`
	Category   string  `json:"category"`
	Title      string  `json:"title"`
	Status     string  `json:"status"`
	ApprovedBy *string `json:"approved_by,omitempty"`
	ExpiresAt  *string `json:"expires_at,omitempty"`
	CreatedAt  string  `json:"created_at"`
}

// Heartbeat represents one rule evaluation result.
type Heartbeat struct {
	ID             string  `json:"id"`
	RuleID         string  `json:"rule_id"`
	ResultType     string  `json:"result_type"`
	TriggeredCheck *string `json:"triggered_check,omitempty"`
	Summary        string  `json:"summary"`
	TS             string  `json:"ts"`
}

// LedgerEntry represents a ledger record.
type LedgerEntry struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	StartupID  string         `json:"startup_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// Pulse is the startup snapshot an agent polls for situational awareness.
type Pulse struct {
	Startup struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		Status string `json:"status"`
	} `json:"startup"`
	Autonomy struct {
		Level    string `json:"level"`
		IsPaused bool   `json:"is_paused"`
	} `json:"autonomy"`
	Heartbeats      []Heartbeat `json:"heartbeats"`
	PendingApproval []Action    `json:"pending_approval"`
}

// Run represents a workflow run.
type Run struct {
	ID            string         `json:"id"`
	WorkflowID    string         `json:"workflow_id"`
	Status        string         `json:"status"`
	CurrentNodeID *string        `json:"current_node_id,omitempty"`
	Context       map[string]any `json:"context,omitempty"`
	ErrorMessage  *string        `json:"error_message,omitempty"`
	CreatedAt     string         `json:"created_at"`
	FinishedAt    *string        `json:"finished_at,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Publish sends a message to a topic. ToAgent may be empty for a
// broadcast; the server resolves recipients from subscriptions.
func (c *Client) Publish(ctx context.Context, fromAgent, toAgent, topic, msgType string, payload any) ([]Message, error) {
	body := map[string]any{
		"startup_id": c.StartupID,
		"from_agent": fromAgent,
		"topic":      topic,
		"payload":    payload,
	}
	if toAgent != "" {
		body["to_agent"] = toAgent
	}
	if msgType != "" {
		body["message_type"] = msgType
	}
	var resp []Message
	err := c.do(ctx, http.MethodPost, "v0/a2a/messages", body, &resp)
	return resp, err
}

// Inbox returns the newest messages addressed to an agent.
func (c *Client) Inbox(ctx context.Context, agentID string, limit int) ([]Message, error) {
	endpoint := fmt.Sprintf("v0/a2a/messages/inbox/%s?startup_id=%s", url.PathEscape(agentID), url.QueryEscape(c.StartupID))
	if limit > 0 {
		endpoint = fmt.Sprintf("%s&limit=%d", endpoint, limit)
	}
	var resp []Message
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Thread returns a conversation oldest first.
func (c *Client) Thread(ctx context.Context, threadID string) ([]Message, error) {
	endpoint := fmt.Sprintf("v0/a2a/messages/thread/%s?startup_id=%s", url.PathEscape(threadID), url.QueryEscape(c.StartupID))
	var resp []Message
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Respond replies to a message on its thread.
func (c *Client) Respond(ctx context.Context, messageID, fromAgent string, payload any) (Message, error) {
	body := map[string]any{
		"startup_id": c.StartupID,
		"from_agent": fromAgent,
		"payload":    payload,
	}
	var resp Message
	endpoint := fmt.Sprintf("v0/a2a/messages/%s/respond", url.PathEscape(messageID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// MarkProcessed acknowledges a message.
func (c *Client) MarkProcessed(ctx context.Context, messageID string) (Message, error) {
	body := map[string]any{"startup_id": c.StartupID}
	var resp Message
	endpoint := fmt.Sprintf("v0/a2a/messages/%s/processed", url.PathEscape(messageID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Pulse fetches the startup snapshot.
func (c *Client) Pulse(ctx context.Context) (Pulse, error) {
	var resp Pulse
	endpoint := fmt.Sprintf("v0/a2a/pulse/%s", url.PathEscape(c.StartupID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Timeline returns recent ledger entries, newest first.
func (c *Client) Timeline(ctx context.Context, limit int) ([]LedgerEntry, error) {
	endpoint := fmt.Sprintf("v0/a2a/timeline/%s", url.PathEscape(c.StartupID))
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []LedgerEntry
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Actions lists actions, optionally filtered by status.
func (c *Client) Actions(ctx context.Context, status string) ([]Action, error) {
	endpoint := c.startupPath("autonomy/actions")
	if status != "" {
		endpoint = fmt.Sprintf("%s?status=%s", endpoint, url.QueryEscape(status))
	}
	var resp []Action
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ApproveAction approves a pending action.
func (c *Client) ApproveAction(ctx context.Context, actionID string) (Action, error) {
	var resp Action
	endpoint := c.startupPath(fmt.Sprintf("autonomy/actions/%s/approve", url.PathEscape(actionID)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// RejectAction rejects a pending action.
func (c *Client) RejectAction(ctx context.Context, actionID string) (Action, error) {
	var resp Action
	endpoint := c.startupPath(fmt.Sprintf("autonomy/actions/%s/reject", url.PathEscape(actionID)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// RunWorkflow starts a run and waits for the synchronous result.
func (c *Client) RunWorkflow(ctx context.Context, workflowID string, input map[string]any) (Run, error) {
	body := map[string]any{"input": input}
	var resp Run
	endpoint := fmt.Sprintf("v0/forge/workflows/%s/run?startup_id=%s", url.PathEscape(workflowID), url.QueryEscape(c.StartupID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// GetRun fetches a run by id.
func (c *Client) GetRun(ctx context.Context, runID string) (Run, error) {
	var resp Run
	endpoint := fmt.Sprintf("v0/forge/runs/%s?startup_id=%s", url.PathEscape(runID), url.QueryEscape(c.StartupID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// DecideApproval resolves a waiting human gate and returns the resumed run.
func (c *Client) DecideApproval(ctx context.Context, approvalID string, approve bool) (Run, error) {
	body := map[string]any{
		"startup_id": c.StartupID,
		"approve":    approve,
	}
	var resp Run
	endpoint := fmt.Sprintf("v0/forge/approvals/%s/decision", url.PathEscape(approvalID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) startupPath(p string) string {
	startup := url.PathEscape(c.StartupID)
	return fmt.Sprintf("v0/startups/%s/%s", startup, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
