package agentflowsdk

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

// Client is a minimal Agentflow HTTP API client.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Agent represents the API agent model.
type Agent struct {
	ID           string            `json:"id"`
	Code         string            `json:"code"`
	ProjectID    string            `json:"project_id"`
	Name         string            `json:"name,omitempty"`
	Status       string            `json:"status"`
	TrustScore   float64           `json:"trust_score"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Settings     map[string]string `json:"settings,omitempty"`
}

// Task represents the API task model (partial).
type Task struct {
	ID              string  `json:"id"`
	ProjectID       string  `json:"project_id"`
	Title           string  `json:"title"`
	Status          string  `json:"status"`
	Priority        string  `json:"priority"`
	AssignedAgentID *string `json:"assigned_agent_id,omitempty"`
	Deadline        *string `json:"deadline,omitempty"`
}

// Session represents the API session model.
type Session struct {
	ID              string   `json:"id"`
	AgentID         string   `json:"agent_id"`
	ProjectID       string   `json:"project_id"`
	Status          string   `json:"status"`
	StartedAt       string   `json:"started_at"`
	StoppedAt       *string  `json:"stopped_at,omitempty"`
	DurationSeconds *int64   `json:"duration_seconds,omitempty"`
	TasksWorkedOn   []string `json:"tasks_worked_on,omitempty"`
	Summary         string   `json:"summary,omitempty"`
}

// Message is an event delivered to an agent at session start.
type Message struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// RoleDeltas lists capability and setting changes since the last session.
type RoleDeltas struct {
	AddedCapabilities   []string `json:"added_capabilities,omitempty"`
	RemovedCapabilities []string `json:"removed_capabilities,omitempty"`
	ChangedSettings     []string `json:"changed_settings,omitempty"`
}

// PulledUpdates is everything delivered at session start.
type PulledUpdates struct {
	Tasks      []Task     `json:"tasks"`
	Messages   []Message  `json:"messages"`
	RoleDeltas RoleDeltas `json:"role_deltas"`
	Warning    string     `json:"warning,omitempty"`
}

// StartedSession pairs the new session with its pulled updates.
type StartedSession struct {
	Session Session       `json:"session"`
	Pulled  PulledUpdates `json:"pulled"`
}

// PerformanceRecord is a computed indicator snapshot (partial).
type PerformanceRecord struct {
	ID                  string  `json:"id"`
	AgentID             string  `json:"agent_id"`
	RecordedAt          string  `json:"recorded_at"`
	TasksCompleted      int     `json:"tasks_completed"`
	CodeQualityScore    float64 `json:"code_quality_score"`
	FeatureCompletionRate float64 `json:"feature_completion_rate"`
	BugsIntroduced      int     `json:"bugs_introduced"`
	OverallTrend        string  `json:"overall_trend"`
}

// TrustResult describes a trust recalculation outcome.
type TrustResult struct {
	AgentID        string  `json:"agent_id"`
	PreviousScore  float64 `json:"previous_score"`
	Score          float64 `json:"score"`
	PreviousStatus string  `json:"previous_status"`
	Status         string  `json:"status"`
	Reason         string  `json:"reason"`
}

// StoppedSession pairs the closed session with pipeline results, when run.
type StoppedSession struct {
	Session Session            `json:"session"`
	Record  *PerformanceRecord `json:"record,omitempty"`
	Trust   *TrustResult       `json:"trust,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID        int64          `json:"id"`
	TS        string         `json:"ts"`
	Type      string         `json:"type"`
	ProjectID string         `json:"project_id,omitempty"`
	AgentID   string         `json:"agent_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// RegisterAgent registers a new agent.
func (c *Client) RegisterAgent(ctx context.Context, code, name string, capabilities []string, settings map[string]string) (Agent, error) {
	body := map[string]any{
		"code":         code,
		"name":         name,
		"capabilities": capabilities,
		"settings":     settings,
	}
	var resp Agent
	err := c.do(ctx, http.MethodPost, "v0/agents", body, &resp)
	return resp, err
}

// GetAgent fetches an agent by id or code.
func (c *Client) GetAgent(ctx context.Context, idOrCode string) (Agent, error) {
	var resp Agent
	err := c.do(ctx, http.MethodGet, "v0/agents/"+url.PathEscape(idOrCode), nil, &resp)
	return resp, err
}

// SetAgentStatus changes an agent's administrative status.
func (c *Client) SetAgentStatus(ctx context.Context, agentID, status string) (Agent, error) {
	var resp Agent
	endpoint := fmt.Sprintf("v0/agents/%s/status", url.PathEscape(agentID))
	err := c.do(ctx, http.MethodPut, endpoint, map[string]any{"status": status}, &resp)
	return resp, err
}

// CreateTask creates a task.
func (c *Client) CreateTask(ctx context.Context, title, priority string) (Task, error) {
	body := map[string]any{"title": title}
	if priority != "" {
		body["priority"] = priority
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "v0/tasks", body, &resp)
	return resp, err
}

// AssignTask assigns a task to an agent.
func (c *Client) AssignTask(ctx context.Context, taskID, agentID string) (Task, error) {
	var resp Task
	endpoint := fmt.Sprintf("v0/tasks/%s/assign", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"agent_id": agentID}, &resp)
	return resp, err
}

// SetTaskStatus moves a task through its lifecycle.
func (c *Client) SetTaskStatus(ctx context.Context, taskID, status string) (Task, error) {
	var resp Task
	endpoint := fmt.Sprintf("v0/tasks/%s/status", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPut, endpoint, map[string]any{"status": status}, &resp)
	return resp, err
}

// StartSession starts a session and returns the pulled updates. projectID
// is optional; when set it must match the agent's project.
func (c *Client) StartSession(ctx context.Context, agentID, projectID string, force bool) (StartedSession, error) {
	body := map[string]any{"agent_id": agentID, "force": force}
	if projectID != "" {
		body["project_id"] = projectID
	}
	var resp StartedSession
	err := c.do(ctx, http.MethodPost, "v0/sessions/start", body, &resp)
	return resp, err
}

// LoggedEntry pairs the session with the appended log event.
type LoggedEntry struct {
	Session Session `json:"session"`
	Event   Event   `json:"event"`
}

// LogSession appends a log entry to a running session and returns the
// stored event, so the entry can be referenced later.
func (c *Client) LogSession(ctx context.Context, sessionID, agentID, message string, logCtx map[string]any) (LoggedEntry, error) {
	body := map[string]any{"agent_id": agentID, "message": message}
	if len(logCtx) > 0 {
		body["context"] = logCtx
	}
	var resp LoggedEntry
	endpoint := fmt.Sprintf("v0/sessions/%s/log", url.PathEscape(sessionID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// StopSession stops a session; the pipeline results come back when it ran.
func (c *Client) StopSession(ctx context.Context, sessionID, agentID string, tasksWorkedOn []string, summary string) (StoppedSession, error) {
	body := map[string]any{
		"agent_id":        agentID,
		"tasks_worked_on": tasksWorkedOn,
		"summary":         summary,
	}
	var resp StoppedSession
	endpoint := fmt.Sprintf("v0/sessions/%s/stop", url.PathEscape(sessionID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// RecordReview records a review outcome for an agent.
func (c *Client) RecordReview(ctx context.Context, agentID, taskID, outcome string, changeRounds int, lintFailed bool) error {
	body := map[string]any{
		"agent_id":      agentID,
		"task_id":       taskID,
		"outcome":       outcome,
		"change_rounds": changeRounds,
		"lint_failed":   lintFailed,
	}
	return c.do(ctx, http.MethodPost, "v0/reviews", body, nil)
}

// RecordDefect attributes a defect to an agent.
func (c *Client) RecordDefect(ctx context.Context, agentID, taskID, description string) error {
	body := map[string]any{"agent_id": agentID, "task_id": taskID, "description": description}
	return c.do(ctx, http.MethodPost, "v0/defects", body, nil)
}

// RecordDeployment records a deployment result.
func (c *Client) RecordDeployment(ctx context.Context, agentID string, succeeded bool) error {
	body := map[string]any{"agent_id": agentID, "succeeded": succeeded}
	return c.do(ctx, http.MethodPost, "v0/deployments", body, nil)
}

// RecordCommit records commit churn.
func (c *Client) RecordCommit(ctx context.Context, agentID string, linesAdded, linesRemoved int) error {
	body := map[string]any{"agent_id": agentID, "lines_added": linesAdded, "lines_removed": linesRemoved}
	return c.do(ctx, http.MethodPost, "v0/commits", body, nil)
}

// ComputeIndicators requests a fresh performance snapshot.
func (c *Client) ComputeIndicators(ctx context.Context, agentID string) (PerformanceRecord, error) {
	var resp PerformanceRecord
	endpoint := fmt.Sprintf("v0/agents/%s/kpi/compute", url.PathEscape(agentID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// RecalculateTrust recomputes and persists the agent's trust score.
func (c *Client) RecalculateTrust(ctx context.Context, agentID string) (TrustResult, error) {
	var resp TrustResult
	endpoint := fmt.Sprintf("v0/agents/%s/trust/recalculate", url.PathEscape(agentID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
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

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
