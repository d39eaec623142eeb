// Package client provides a Go SDK for the sybil admin API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/ankittk/sybil/pkg/models"
)

// Client calls the admin API. It is safe for concurrent use.
type Client struct {
	BaseURL    string       // e.g. "http://localhost:3548"
	APIKey     string       // optional; set for X-API-Key / api_key
	HTTPClient *http.Client // optional; nil uses http.DefaultClient
}

// New returns a client for the given base URL (e.g. "http://localhost:3548").
// APIKey is optional; when set, requests use X-API-Key header and optionally api_key query.
func New(baseURL, apiKey string) *Client {
	return &Client{BaseURL: baseURL, APIKey: apiKey}
}

func (c *Client) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(b)
	}
	u := c.BaseURL + path
	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("X-API-Key", c.APIKey)
	}
	return c.client().Do(req)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errBody struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		if errBody.Error != "" {
			return fmt.Errorf("api %s %s: %s", method, path, errBody.Error)
		}
		return fmt.Errorf("api %s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Health returns the /health response (ok: true).
func (c *Client) Health(ctx context.Context) (ok bool, err error) {
	var out struct {
		OK bool `json:"ok"`
	}
	err = c.doJSON(ctx, http.MethodGet, "/health", nil, &out)
	return out.OK, err
}

// SchedulerStatus returns the primary scheduler's state.
func (c *Client) SchedulerStatus(ctx context.Context) (*models.SchedulerState, error) {
	var out models.SchedulerState
	err := c.doJSON(ctx, http.MethodGet, "/scheduler", nil, &out)
	return &out, err
}

// SchedulerControl runs start, stop, pause or resume and returns the resulting state.
func (c *Client) SchedulerControl(ctx context.Context, op string) (*models.SchedulerState, error) {
	var out models.SchedulerState
	err := c.doJSON(ctx, http.MethodPost, "/scheduler/"+url.PathEscape(op), nil, &out)
	return &out, err
}

// ListAgents returns every primary agent.
func (c *Client) ListAgents(ctx context.Context) ([]models.Agent, error) {
	var out []models.Agent
	err := c.doJSON(ctx, http.MethodGet, "/agents", nil, &out)
	return out, err
}

// CreateAgent registers a primary agent and returns it.
func (c *Client) CreateAgent(ctx context.Context, req models.CreateAgentRequest) (*models.Agent, error) {
	var out models.Agent
	err := c.doJSON(ctx, http.MethodPost, "/agents", req, &out)
	return &out, err
}

// GetAgent returns one agent by id.
func (c *Client) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	var out models.Agent
	err := c.doJSON(ctx, http.MethodGet, "/agents/"+url.PathEscape(id), nil, &out)
	return &out, err
}

// SetAgentActive enables or disables scheduling for an agent.
func (c *Client) SetAgentActive(ctx context.Context, id string, active bool) error {
	return c.doJSON(ctx, http.MethodPut, "/agents/"+url.PathEscape(id)+"/active", map[string]bool{"active": active}, nil)
}

// AgentConfig returns the agent's config, or the defaults when none is stored.
func (c *Client) AgentConfig(ctx context.Context, id string) (*models.AgentConfig, error) {
	var out models.AgentConfig
	err := c.doJSON(ctx, http.MethodGet, "/agents/"+url.PathEscape(id)+"/config", nil, &out)
	return &out, err
}

// UpdateAgentConfig replaces the agent's config.
func (c *Client) UpdateAgentConfig(ctx context.Context, cfg models.AgentConfig) (*models.AgentConfig, error) {
	var out models.AgentConfig
	err := c.doJSON(ctx, http.MethodPut, "/agents/"+url.PathEscape(cfg.AgentID)+"/config", cfg, &out)
	return &out, err
}

// Trigger plans and runs one action for the agent now. An empty action lets the planner choose.
func (c *Client) Trigger(ctx context.Context, id string, action models.Action) (*models.TriggerResponse, error) {
	var out models.TriggerResponse
	err := c.doJSON(ctx, http.MethodPost, "/agents/"+url.PathEscape(id)+"/trigger", models.TriggerRequest{Action: action}, &out)
	return &out, err
}

// ListJobs returns the agent's most recent jobs (limit 0 = default).
func (c *Client) ListJobs(ctx context.Context, id string, limit int) ([]models.Job, error) {
	path := "/agents/" + url.PathEscape(id) + "/jobs"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []models.Job
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// FleetState returns the fleet orchestrator's counters.
func (c *Client) FleetState(ctx context.Context) (*models.FleetState, error) {
	var out models.FleetState
	err := c.doJSON(ctx, http.MethodGet, "/fleet", nil, &out)
	return &out, err
}

// ListServers returns fleet servers, optionally filtered by status.
func (c *Client) ListServers(ctx context.Context, status string) ([]models.FleetServer, error) {
	path := "/fleet/servers"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	var out []models.FleetServer
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// CreateServer registers an active fleet server for ownerID.
func (c *Client) CreateServer(ctx context.Context, ownerID, name string, maxAgents int) (*models.FleetServer, error) {
	var out models.FleetServer
	err := c.doJSON(ctx, http.MethodPost, "/fleet/servers", models.FleetServer{OwnerID: ownerID, Name: name, MaxAgents: maxAgents}, &out)
	return &out, err
}

// SuspendServer suspends a server and returns how many pending jobs were cancelled.
func (c *Client) SuspendServer(ctx context.Context, id string) (int, error) {
	var out models.SuspendResult
	err := c.doJSON(ctx, http.MethodPost, "/fleet/servers/"+url.PathEscape(id)+"/suspend", nil, &out)
	return out.CancelledJobs, err
}

// ListFleetAgents returns the fleet agents of one server.
func (c *Client) ListFleetAgents(ctx context.Context, serverID string) ([]models.FleetAgent, error) {
	var out []models.FleetAgent
	err := c.doJSON(ctx, http.MethodGet, "/fleet/servers/"+url.PathEscape(serverID)+"/agents", nil, &out)
	return out, err
}

// FleetTick runs one fleet tick now.
func (c *Client) FleetTick(ctx context.Context) (*models.TickResult, error) {
	var out models.TickResult
	err := c.doJSON(ctx, http.MethodPost, "/fleet/tick", nil, &out)
	return &out, err
}
