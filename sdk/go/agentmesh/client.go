// Package agentmesh provides a Go client for the AgentMesh REST API.
package agentmesh

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the AgentMesh REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// RegisterAgentRequest is the payload required to register an agent.
type RegisterAgentRequest struct {
	Name            string   `json:"name"`
	Description     string   `json:"description,omitempty"`
	Capabilities    []string `json:"capabilities"`
	AutonomyLevel   int      `json:"autonomy_level"`
	RewardThreshold uint64   `json:"reward_threshold,omitempty"`
	MetadataURI     string   `json:"metadata_uri,omitempty"`
}

// Agent mirrors the directory's agent record.
type Agent struct {
	ID              uint64   `json:"id"`
	Owner           string   `json:"owner"`
	Name            string   `json:"name"`
	Description     string   `json:"description"`
	Capabilities    []string `json:"capabilities"`
	AutonomyLevel   int      `json:"autonomy_level"`
	RewardThreshold uint64   `json:"reward_threshold"`
	TotalRewards    uint64   `json:"total_rewards"`
	DeploymentTime  int64    `json:"deployment_time"`
	Status          string   `json:"status"`
	MetadataURI     string   `json:"metadata_uri"`
}

// CreateTaskRequest is the payload required to create a task.
type CreateTaskRequest struct {
	Description          string   `json:"description"`
	RequiredCapabilities []string `json:"required_capabilities"`
	Reward               uint64   `json:"reward"`
	Deadline             int64    `json:"deadline"`
}

// Task mirrors the market's task record.
type Task struct {
	ID                   uint64   `json:"id"`
	Creator              string   `json:"creator"`
	Description          string   `json:"description"`
	RequiredCapabilities []string `json:"required_capabilities"`
	Reward               uint64   `json:"reward"`
	Deadline             int64    `json:"deadline"`
	AssignedAgent        uint64   `json:"assigned_agent,omitempty"`
	Status               string   `json:"status"`
	Result               string   `json:"result,omitempty"`
	CreationTime         int64    `json:"creation_time"`
	CompletionTime       int64    `json:"completion_time,omitempty"`
}

// Stats aggregates directory and market counters.
type Stats struct {
	Agents struct {
		TotalAgents  uint64 `json:"total_agents"`
		ActiveAgents uint64 `json:"active_agents"`
	} `json:"agents"`
	Tasks struct {
		Total          uint64 `json:"total"`
		Open           uint64 `json:"open"`
		Assigned       uint64 `json:"assigned"`
		InProgress     uint64 `json:"in_progress"`
		Completed      uint64 `json:"completed"`
		Failed         uint64 `json:"failed"`
		Cancelled      uint64 `json:"cancelled"`
		CompletedTasks uint64 `json:"completed_tasks"`
	} `json:"tasks"`
}

// SendMessageRequest is the payload for a cross-partition send.
type SendMessageRequest struct {
	SourceAgent     uint64 `json:"source_agent"`
	TargetPartition string `json:"target_partition"`
	TargetAgent     uint64 `json:"target_agent"`
	Payload         []byte `json:"payload"`
	Fee             uint64 `json:"fee,omitempty"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("agentmesh api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("agentmesh api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the AgentMesh API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken overrides the stored access token.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// RegisterAgent registers a new agent and returns its identifier.
func (c *Client) RegisterAgent(ctx context.Context, req RegisterAgentRequest) (uint64, error) {
	var out struct {
		ID uint64 `json:"id"`
	}
	if err := c.post(ctx, "/api/v1/agents", req, &out); err != nil {
		return 0, err
	}
	return out.ID, nil
}

// GetAgent fetches an agent record by identifier.
func (c *Client) GetAgent(ctx context.Context, id uint64) (Agent, error) {
	var agent Agent
	if err := c.get(ctx, fmt.Sprintf("/api/v1/agents/%d", id), &agent); err != nil {
		return Agent{}, err
	}
	return agent, nil
}

// CreateTask creates a task and returns its identifier.
func (c *Client) CreateTask(ctx context.Context, req CreateTaskRequest) (uint64, error) {
	var out struct {
		ID uint64 `json:"id"`
	}
	if err := c.post(ctx, "/api/v1/tasks", req, &out); err != nil {
		return 0, err
	}
	return out.ID, nil
}

// GetTask fetches a task by identifier.
func (c *Client) GetTask(ctx context.Context, id uint64) (Task, error) {
	var task Task
	if err := c.get(ctx, fmt.Sprintf("/api/v1/tasks/%d", id), &task); err != nil {
		return Task{}, err
	}
	return task, nil
}

// AssignTask assigns an open task to the given agent.
func (c *Client) AssignTask(ctx context.Context, taskID, agentID uint64) error {
	payload := struct {
		AgentID uint64 `json:"agent_id"`
	}{AgentID: agentID}
	return c.post(ctx, fmt.Sprintf("/api/v1/tasks/%d/assign", taskID), payload, nil)
}

// StartTask moves an assigned task into execution.
func (c *Client) StartTask(ctx context.Context, taskID uint64) error {
	return c.post(ctx, fmt.Sprintf("/api/v1/tasks/%d/start", taskID), struct{}{}, nil)
}

// CompleteTask finishes a task and settles the escrowed reward.
func (c *Client) CompleteTask(ctx context.Context, taskID uint64, result string) error {
	payload := struct {
		Result string `json:"result"`
	}{Result: result}
	return c.post(ctx, fmt.Sprintf("/api/v1/tasks/%d/complete", taskID), payload, nil)
}

// SendMessage relays a payload to an agent on another partition.
func (c *Client) SendMessage(ctx context.Context, req SendMessageRequest) (string, error) {
	var out struct {
		MessageID string `json:"message_id"`
	}
	if err := c.post(ctx, "/api/v1/relay/messages", req, &out); err != nil {
		return "", err
	}
	return out.MessageID, nil
}

// GetStats fetches the aggregated directory and market counters.
func (c *Client) GetStats(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := c.get(ctx, "/api/v1/stats", &stats); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	token := c.AccessToken()
	if token == "" {
		return nil, errors.New("agentmesh: access token is not set")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
