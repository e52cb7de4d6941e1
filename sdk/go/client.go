package fleetlinesdk

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

	"github.com/gorilla/websocket"
)

// Client is a minimal Fleetline HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Task represents the API task model (partial).
type Task struct {
	ID                   string   `json:"id"`
	ProjectID            string   `json:"project_id"`
	ParentTaskID         string   `json:"parent_task_id,omitempty"`
	Title                string   `json:"title"`
	Type                 string   `json:"type"`
	Priority             string   `json:"priority"`
	Status               string   `json:"status"`
	RequiredCapabilities []string `json:"required_capabilities"`
	AssignedAgentID      string   `json:"assigned_agent_id,omitempty"`
	DependencyCount      int      `json:"dependency_count"`
	BlockingCount        int      `json:"blocking_count"`
	CreatedAt            string   `json:"created_at"`
}

// Agent represents the API agent model (partial).
type Agent struct {
	ID               string   `json:"id"`
	UserID           string   `json:"user_id"`
	Name             string   `json:"name"`
	Capabilities     []string `json:"capabilities"`
	Status           string   `json:"status"`
	CurrentTaskID    string   `json:"current_task_id,omitempty"`
	PerformanceTrend string   `json:"performance_trend"`
	Stats            struct {
		TasksCompleted int     `json:"tasks_completed"`
		SuccessRate    float64 `json:"success_rate"`
	} `json:"stats"`
}

// Session is an execution session of one agent on one task.
type Session struct {
	ID             string `json:"id"`
	TaskID         string `json:"task_id"`
	AgentID        string `json:"agent_id"`
	GitBranch      string `json:"git_branch,omitempty"`
	Status         string `json:"status"`
	TimeoutMinutes int    `json:"timeout_minutes"`
	StartedAt      string `json:"started_at,omitempty"`
	CompletedAt    string `json:"completed_at,omitempty"`
}

// Conflict represents a detected coordination problem.
type Conflict struct {
	ID                 string   `json:"id"`
	ProjectID          string   `json:"project_id"`
	Type               string   `json:"type"`
	Severity           string   `json:"severity"`
	Title              string   `json:"title"`
	Status             string   `json:"status"`
	Escalated          bool     `json:"escalated"`
	AffectedTaskIDs    []string `json:"affected_task_ids,omitempty"`
	AffectedAgentIDs   []string `json:"affected_agent_ids,omitempty"`
	ResolutionStrategy string   `json:"resolution_strategy,omitempty"`
	DetectedAt         string   `json:"detected_at"`
}

// Event represents a log entry.
type Event struct {
	Seq           int64  `json:"seq"`
	ID            string `json:"id"`
	AggregateType string `json:"aggregate_type"`
	AggregateID   string `json:"aggregate_id"`
	EventType     string `json:"event_type"`
	Payload       string `json:"payload_json"`
	Version       int    `json:"version"`
	OccurredAt    string `json:"occurred_at"`
}

// Notification is one message of the live notification stream.
type Notification struct {
	Kind       string   `json:"kind"`
	ProjectID  string   `json:"project_id,omitempty"`
	TaskIDs    []string `json:"task_ids,omitempty"`
	AgentIDs   []string `json:"agent_ids,omitempty"`
	SessionID  string   `json:"session_id,omitempty"`
	ConflictID string   `json:"conflict_id,omitempty"`
	Summary    string   `json:"summary"`
	At         string   `json:"at"`
}

type Assignment struct {
	Task  Task  `json:"task"`
	Agent Agent `json:"agent"`
}

type StartReport struct {
	Session Session `json:"session"`
	Task    Task    `json:"task"`
}

type CompletionReport struct {
	Task         Task     `json:"task"`
	Session      Session  `json:"session"`
	Agent        Agent    `json:"agent"`
	ReadyTaskIDs []string `json:"ready_task_ids"`
	Evaluation   struct {
		Score  float64 `json:"score"`
		Passed bool    `json:"passed"`
	} `json:"evaluation"`
}

// TaskInput carries the optional fields of a new task.
type TaskInput struct {
	Title                string   `json:"title"`
	Description          string   `json:"description,omitempty"`
	Type                 string   `json:"type,omitempty"`
	Priority             string   `json:"priority,omitempty"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
	ParentTaskID         string   `json:"parent_task_id,omitempty"`
}

// Outcome is the report of a finished session.
type Outcome struct {
	Success      bool           `json:"success"`
	FinalCommit  string         `json:"final_commit,omitempty"`
	Result       map[string]any `json:"result,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Technologies []string       `json:"technologies,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateTask creates a task in the client's project.
func (c *Client) CreateTask(ctx context.Context, in TaskInput) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.projectPath("tasks"), in, &resp)
	return resp, err
}

func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "v0/tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ReadyTasks lists tasks that can be assigned now, critical first.
func (c *Client) ReadyTasks(ctx context.Context) ([]Task, error) {
	var resp []Task
	err := c.do(ctx, http.MethodGet, c.projectPath("tasks/ready"), nil, &resp)
	return resp, err
}

// AddDependency makes childID wait for parentID.
func (c *Client) AddDependency(ctx context.Context, parentID, childID, depType string) error {
	body := map[string]any{"parent_task_id": parentID}
	if depType != "" {
		body["type"] = depType
	}
	return c.do(ctx, http.MethodPost, "v0/tasks/"+url.PathEscape(childID)+"/dependencies", body, nil)
}

func (c *Client) RegisterAgent(ctx context.Context, userID, name string, capabilities []string) (Agent, error) {
	body := map[string]any{
		"user_id":      userID,
		"name":         name,
		"capabilities": capabilities,
	}
	var resp Agent
	err := c.do(ctx, http.MethodPost, "v0/agents", body, &resp)
	return resp, err
}

// Assign assigns taskID to agentID, or to the best idle agent when agentID
// is empty.
func (c *Client) Assign(ctx context.Context, taskID, agentID string) (Assignment, error) {
	var body any
	if agentID != "" {
		body = map[string]any{"agent_id": agentID}
	}
	var resp Assignment
	err := c.do(ctx, http.MethodPost, "v0/tasks/"+url.PathEscape(taskID)+"/assign", body, &resp)
	return resp, err
}

// Start opens a running session for an assigned task.
func (c *Client) Start(ctx context.Context, taskID, gitBranch string) (StartReport, error) {
	var body any
	if gitBranch != "" {
		body = map[string]any{"git_branch": gitBranch}
	}
	var resp StartReport
	err := c.do(ctx, http.MethodPost, "v0/tasks/"+url.PathEscape(taskID)+"/start", body, &resp)
	return resp, err
}

// Complete reports the outcome of a running session.
func (c *Client) Complete(ctx context.Context, sessionID string, out Outcome) (CompletionReport, error) {
	var resp CompletionReport
	err := c.do(ctx, http.MethodPost, "v0/sessions/"+url.PathEscape(sessionID)+"/complete", out, &resp)
	return resp, err
}

// RaiseConflict records a conflict in the client's project.
func (c *Client) RaiseConflict(ctx context.Context, conflictType, severity, title string, taskIDs []string) (Conflict, error) {
	body := map[string]any{
		"type":              conflictType,
		"severity":          severity,
		"title":             title,
		"affected_task_ids": taskIDs,
	}
	var resp Conflict
	err := c.do(ctx, http.MethodPost, c.projectPath("conflicts"), body, &resp)
	return resp, err
}

// EscalatedConflicts returns the human escalation queue.
func (c *Client) EscalatedConflicts(ctx context.Context) ([]Conflict, error) {
	var resp []Conflict
	err := c.do(ctx, http.MethodGet, c.projectPath("conflicts/escalated"), nil, &resp)
	return resp, err
}

func (c *Client) ResolveConflict(ctx context.Context, id, strategy, note string) (Conflict, error) {
	body := map[string]any{"strategy": strategy, "note": note}
	var resp Conflict
	err := c.do(ctx, http.MethodPost, "v0/conflicts/"+url.PathEscape(id)+"/resolve", body, &resp)
	return resp, err
}

// Events returns recent events, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.projectPath("events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Subscribe opens the notification stream for the client's project. The
// channel closes when ctx is done or the connection drops.
func (c *Client) Subscribe(ctx context.Context) (<-chan Notification, error) {
	u, err := url.Parse(c.base() + "/v0/ws")
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	q := u.Query()
	q.Set("project", c.ProjectID)
	u.RawQuery = q.Encode()
	header := http.Header{}
	if c.BearerToken != "" {
		header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, &APIError{StatusCode: resp.StatusCode, Message: err.Error()}
		}
		return nil, err
	}
	out := make(chan Notification)
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	go func() {
		defer close(out)
		for {
			var n Notification
			if err := conn.ReadJSON(&n); err != nil {
				return
			}
			select {
			case out <- n:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var reader io.Reader = http.NoBody
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
		reader = &buf
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
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
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
