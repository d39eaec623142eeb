// Package actuation is the HTTP client for the external game service that performs
// agent actions. Without an API key the client runs in dry-run mode: every call is
// logged and answered with a canned success payload, and no network I/O happens.
package actuation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Options configures a Client.
type Options struct {
	BaseURL    string
	APIKey     string  // empty = dry run
	RatePerSec float64 // outbound calls per second; <= 0 means 2
	Timeout    time.Duration
	HTTPClient *http.Client // optional; tests inject httptest clients
}

// Client talks to the actuation API. Safe for concurrent use.
type Client struct {
	base    string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
}

// New returns a Client. It never fails; a missing key just selects dry-run mode.
func New(opts Options) *Client {
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 2
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	return &Client{
		base:    strings.TrimSuffix(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		http:    hc,
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSec), 1),
	}
}

// DryRun reports whether the client fabricates responses.
func (c *Client) DryRun() bool {
	return c.apiKey == "" || c.base == ""
}

// APIError is a non-2xx response from the actuation API.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 200 {
		body = body[:200]
	}
	return fmt.Sprintf("actuation api: status %d: %s", e.Status, body)
}

// IsTransient reports whether err is worth retrying: rate limiting, server errors,
// timeouts and transport failures. Client errors (4xx) are permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusTooManyRequests || apiErr.Status == http.StatusRequestTimeout || apiErr.Status >= 500
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

func (c *Client) agentPath(agentID, suffix string) string {
	return "/api/agents/" + url.PathEscape(agentID) + suffix
}

// doJSON sends body (if non-nil) as JSON and decodes a 2xx response into out (if non-nil).
func (c *Client) doJSON(ctx context.Context, method, path, agentID string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(ctx, req, agentID, out)
}

func (c *Client) send(ctx context.Context, req *http.Request, agentID string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if agentID != "" {
		req.Header.Set("X-Agent-ID", agentID)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Status: resp.StatusCode, Body: string(data)}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", req.Method, req.URL.Path, err)
	}
	return nil
}

func (c *Client) dryRun(verb, agentID string, params map[string]any) Result {
	slog.Info("dry-run actuation call", "verb", verb, "agent", agentID, "params", params)
	return Result{"success": true, "dry_run": true, "action": verb}
}

// State fetches the agent's live observed state.
func (c *Client) State(ctx context.Context, agentID string) (*AgentState, error) {
	if c.DryRun() {
		return dryRunState(agentID), nil
	}
	var st AgentState
	if err := c.doJSON(ctx, http.MethodGet, c.agentPath(agentID, "/state"), agentID, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Conversation fetches the full history of a private conversation.
func (c *Client) Conversation(ctx context.Context, agentID, conversationID string) (*Conversation, error) {
	if c.DryRun() {
		return &Conversation{ID: conversationID}, nil
	}
	var conv Conversation
	if err := c.doJSON(ctx, http.MethodGet, c.agentPath(agentID, "/conversations/"+url.PathEscape(conversationID)), agentID, nil, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// RecentPosts returns an account's most recent posts, newest first.
func (c *Client) RecentPosts(ctx context.Context, accountID string, limit int) ([]Post, error) {
	if c.DryRun() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5
	}
	var posts []Post
	path := c.agentPath(accountID, fmt.Sprintf("/posts?limit=%d", limit))
	if err := c.doJSON(ctx, http.MethodGet, path, accountID, nil, &posts); err != nil {
		return nil, err
	}
	return posts, nil
}

// Status is the lightweight liveness probe.
func (c *Client) Status(ctx context.Context, agentID string) (*AgentStatus, error) {
	if c.DryRun() {
		return &AgentStatus{ID: agentID, HP: 100}, nil
	}
	var st AgentStatus
	if err := c.doJSON(ctx, http.MethodGet, c.agentPath(agentID, "/status"), agentID, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// CreateAccount registers a new external account and returns its id.
func (c *Client) CreateAccount(ctx context.Context, name, handle string) (*Account, error) {
	if c.DryRun() {
		c.dryRun("create_account", "", map[string]any{"name": name, "handle": handle})
		return &Account{ID: uuid.NewString(), Handle: handle}, nil
	}
	var acc Account
	if err := c.doJSON(ctx, http.MethodPost, "/api/accounts", "", map[string]any{"name": name, "handle": handle}, &acc); err != nil {
		return nil, err
	}
	if acc.ID == "" {
		return nil, errors.New("create account: response missing id")
	}
	return &acc, nil
}

// UploadAvatar uploads an image file as the account's avatar.
func (c *Client) UploadAvatar(ctx context.Context, agentID, filePath string) error {
	return c.upload(ctx, agentID, "/avatar", filePath)
}

// UploadBanner uploads an image file as the account's banner.
func (c *Client) UploadBanner(ctx context.Context, agentID, filePath string) error {
	return c.upload(ctx, agentID, "/banner", filePath)
}

func (c *Client) upload(ctx context.Context, agentID, suffix, filePath string) error {
	if c.DryRun() {
		c.dryRun("upload"+strings.ReplaceAll(suffix, "/", "_"), agentID, map[string]any{"file": filePath})
		return nil
	}
	f, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filepath.Base(filePath))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+c.agentPath(agentID, suffix), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.send(ctx, req, agentID, nil)
}

// UpdateProfile pushes display name / bio changes.
func (c *Client) UpdateProfile(ctx context.Context, agentID string, p Profile) error {
	if c.DryRun() {
		c.dryRun("update_profile", agentID, map[string]any{"display_name": p.DisplayName})
		return nil
	}
	return c.doJSON(ctx, http.MethodPatch, c.agentPath(agentID, "/profile"), agentID, p, nil)
}

// act posts one action verb with its params and returns the raw result.
func (c *Client) act(ctx context.Context, agentID, verb string, params map[string]any) (Result, error) {
	if c.DryRun() {
		return c.dryRun(verb, agentID, params), nil
	}
	if params == nil {
		params = map[string]any{}
	}
	var res Result
	if err := c.doJSON(ctx, http.MethodPost, c.agentPath(agentID, "/actions/"+verb), agentID, params, &res); err != nil {
		return nil, fmt.Errorf("%s: %w", verb, err)
	}
	if res == nil {
		res = Result{"success": true}
	}
	return res, nil
}

func dryRunState(agentID string) *AgentState {
	return &AgentState{
		ID:           agentID,
		HP:           5000,
		MaxHP:        5000,
		Credits:      1000,
		ExchangeRate: 10,
		Inventory:    map[string]int{},
		Bank:         Bank{Rate: 0.02},
		Market:       Market{Price: 50},
		Feed: []Post{
			{ID: uuid.NewString(), AuthorID: uuid.NewString(), AuthorHandle: "dryrun_a", Content: "hello from the dry run"},
			{ID: uuid.NewString(), AuthorID: uuid.NewString(), AuthorHandle: "dryrun_b", Content: "markets look calm today"},
		},
		Targets: []Target{
			{ID: uuid.NewString(), Handle: "dryrun_a", HP: 3000},
			{ID: uuid.NewString(), Handle: "dryrun_b", HP: 800},
		},
	}
}
