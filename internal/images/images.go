// Package images is the client for the local image-generation service that
// renders fleet agent avatars and banners.
package images

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Image is one generated file on the image service's disk.
type Image struct {
	Path     string `json:"file_path"`
	Filename string `json:"filename"`
	Size     string `json:"size"`
}

// Health is the service's /health payload.
type Health struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
	Device      string `json:"device"`
}

// Stats is the service's /stats payload.
type Stats struct {
	TotalGenerated   int64   `json:"total_generated"`
	AvatarsGenerated int64   `json:"avatars_generated"`
	BannersGenerated int64   `json:"banners_generated"`
	OutputDirSizeMB  float64 `json:"output_dir_size_mb"`
	ModelLoaded      bool    `json:"model_loaded"`
	Device           string  `json:"device"`
	UptimeSeconds    int64   `json:"uptime_seconds"`
}

// Generator is what the fleet deploy and repair phases depend on.
type Generator interface {
	GenerateAvatar(ctx context.Context, name string) (*Image, error)
	GenerateBanner(ctx context.Context, name string) (*Image, error)
	Unload(ctx context.Context) error
}

// Client talks to the image service over HTTP.
type Client struct {
	base string
	http *http.Client
}

// New returns a Client. Generation is slow on CPU, hence the long default timeout.
func New(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 3 * time.Minute}
	}
	return &Client{base: strings.TrimSuffix(baseURL, "/"), http: hc}
}

// Enabled reports whether a base URL is configured.
func (c *Client) Enabled() bool { return c != nil && c.base != "" }

func (c *Client) GenerateAvatar(ctx context.Context, name string) (*Image, error) {
	return c.generate(ctx, "/generate-avatar", name)
}

func (c *Client) GenerateBanner(ctx context.Context, name string) (*Image, error) {
	return c.generate(ctx, "/generate-banner", name)
}

func (c *Client) generate(ctx context.Context, path, name string) (*Image, error) {
	if !c.Enabled() {
		return nil, errors.New("image service not configured")
	}
	var resp struct {
		Success bool `json:"success"`
		Image
		LegacyPath string `json:"path"`
	}
	if err := c.call(ctx, http.MethodPost, path, map[string]string{"name": name}, &resp); err != nil {
		return nil, err
	}
	if resp.Path == "" {
		resp.Path = resp.LegacyPath
	}
	if !resp.Success || resp.Path == "" {
		return nil, fmt.Errorf("image service %s: no file returned", path)
	}
	img := resp.Image
	return &img, nil
}

// Unload asks the service to free the model's memory.
func (c *Client) Unload(ctx context.Context) error {
	if !c.Enabled() {
		return nil
	}
	return c.call(ctx, http.MethodPost, "/unload", nil, nil)
}

func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.call(ctx, http.MethodGet, "/health", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var s Stats
	if err := c.call(ctx, http.MethodGet, "/stats", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	if !c.Enabled() {
		return errors.New("image service not configured")
	}
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
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("image service: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("image service %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
