// Package policy is the client for the generative policy service: an
// OpenAI-compatible chat-completions endpoint used for free-form content and
// for open-ended action decisions.
package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Service is what the planner and fleet depend on.
type Service interface {
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error)
	Decide(ctx context.Context, prompt string, out any) error
}

// GenerateOptions tunes one completion.
type GenerateOptions struct {
	System      string
	Temperature float64 // 0 = client default
	MaxTokens   int
	JSONMode    bool
}

// Options configures a Client (OpenAI-compatible API).
type Options struct {
	BaseURL     string // e.g. https://api.openai.com
	APIKey      string // empty = dry run
	Model       string // e.g. gpt-4o-mini
	Temperature float64
	Timeout     time.Duration
	HTTPClient  *http.Client
}

// Client implements Service against /v1/chat/completions.
type Client struct {
	opts Options
	http *http.Client
}

// DryRunDecision is returned by Decide when no key is configured.
const DryRunDecision = `{"action":"post","params":{},"reasoning":"dry run"}`

var dryRunLines = []string{
	"Another day, another chance to make some noise.",
	"Keeping my head down and my wallet full.",
	"Who else is watching the market today?",
	"Some days you win, some days you learn.",
}

// New returns a Client with defaults applied.
func New(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.openai.com"
	}
	if opts.Model == "" {
		opts.Model = "gpt-4o-mini"
	}
	if opts.Temperature == 0 {
		opts.Temperature = 0.9
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 45 * time.Second
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	return &Client{opts: opts, http: hc}
}

// DryRun reports whether the client answers with canned output.
func (c *Client) DryRun() bool { return c.opts.APIKey == "" }

// Model returns the configured model name.
func (c *Client) Model() string { return c.opts.Model }

// Generate returns the model's text for prompt.
func (c *Client) Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	if c.DryRun() {
		if opts.JSONMode {
			return DryRunDecision, nil
		}
		return dryRunLines[len(prompt)%len(dryRunLines)], nil
	}
	temp := opts.Temperature
	if temp == 0 {
		temp = c.opts.Temperature
	}
	var messages []map[string]any
	if opts.System != "" {
		messages = append(messages, map[string]any{"role": "system", "content": opts.System})
	}
	messages = append(messages, map[string]any{"role": "user", "content": prompt})
	reqBody := map[string]any{
		"model":       c.opts.Model,
		"messages":    messages,
		"temperature": temp,
	}
	if opts.MaxTokens > 0 {
		reqBody["max_tokens"] = opts.MaxTokens
	}
	if opts.JSONMode {
		reqBody["response_format"] = map[string]any{"type": "json_object"}
	}
	var apiResp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := c.call(ctx, http.MethodPost, "/v1/chat/completions", reqBody, &apiResp); err != nil {
		return "", err
	}
	if len(apiResp.Choices) == 0 {
		return "", errors.New("policy: empty choices")
	}
	return strings.TrimSpace(apiResp.Choices[0].Message.Content), nil
}

// Decide asks for a JSON object and decodes it into out.
func (c *Client) Decide(ctx context.Context, prompt string, out any) error {
	text, err := c.Generate(ctx, prompt, GenerateOptions{
		System:      "You decide the next action for a game agent. Reply with a single JSON object only.",
		Temperature: 0.7,
		MaxTokens:   400,
		JSONMode:    true,
	})
	if err != nil {
		return err
	}
	return DecodeJSON(text, out)
}

// Ping checks connectivity by listing models.
func (c *Client) Ping(ctx context.Context) error {
	if c.DryRun() {
		return nil
	}
	_, err := c.Models(ctx)
	return err
}

// Models lists model ids the endpoint serves.
func (c *Client) Models(ctx context.Context) ([]string, error) {
	if c.DryRun() {
		return []string{c.opts.Model}, nil
	}
	var resp struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := c.call(ctx, http.MethodGet, "/v1/models", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(resp.Data))
	for _, m := range resp.Data {
		out = append(out, m.ID)
	}
	return out, nil
}

func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	url := strings.TrimSuffix(c.opts.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	resp, err := c.http.Do(req)
	if err != nil {
		slog.Warn("policy request failed", "path", path, "err", err)
		return fmt.Errorf("policy request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		slog.Warn("policy API returned non-200", "status", resp.StatusCode)
		return fmt.Errorf("policy api: status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// DecodeJSON decodes the first JSON object in text, tolerating markdown code fences
// and chatter around the object.
func DecodeJSON(text string, out any) error {
	s := strings.TrimSpace(text)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return fmt.Errorf("policy: no JSON object in response %q", truncate(text, 80))
	}
	dec := json.NewDecoder(strings.NewReader(s[start : end+1]))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("policy: decode decision: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
