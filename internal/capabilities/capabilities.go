package capabilities

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ankittk/sybil/internal/events"
	"github.com/ankittk/sybil/pkg/models"
)

// Capability is an outbound integration that can notify an operator.
type Capability interface {
	Name() string
	// Notify sends a message to the default target (e.g. a Slack channel).
	Notify(ctx context.Context, message string) error
}

// Registry holds loaded capabilities by name.
type Registry struct {
	mu   sync.RWMutex
	caps map[string]Capability
}

func NewRegistry() *Registry {
	return &Registry{caps: make(map[string]Capability)}
}

func (r *Registry) Register(name string, c Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caps[name] = c
}

func (r *Registry) Get(name string) Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.caps[name]
}

// Len reports how many capabilities are registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.caps)
}

func (r *Registry) Notify(ctx context.Context, name, message string) error {
	c := r.Get(name)
	if c == nil {
		return fmt.Errorf("capability %q not found", name)
	}
	return c.Notify(ctx, message)
}

// Broadcast sends message to every registered capability and returns the first error.
func (r *Registry) Broadcast(ctx context.Context, message string) error {
	r.mu.RLock()
	caps := make([]Capability, 0, len(r.caps))
	for _, c := range r.caps {
		caps = append(caps, c)
	}
	r.mu.RUnlock()
	var first error
	for _, c := range caps {
		if err := c.Notify(ctx, message); err != nil {
			slog.Warn("capability notify failed", "capability", c.Name(), "err", err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// SlackWebhook sends messages to a Slack channel via incoming webhook URL.
type SlackWebhook struct {
	WebhookURL string
	Channel    string // optional override
	Username   string // optional
	Client     *http.Client
}

func (s SlackWebhook) Name() string { return "slack" }

func (s SlackWebhook) Notify(ctx context.Context, message string) error {
	if s.WebhookURL == "" {
		return fmt.Errorf("slack webhook URL not set")
	}
	payload := map[string]any{"text": message}
	if s.Channel != "" {
		payload["channel"] = s.Channel
	}
	if s.Username != "" {
		payload["username"] = s.Username
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.WebhookURL, strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	hc := s.Client
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook returned %d", resp.StatusCode)
	}
	return nil
}

// Forward subscribes to bus and relays operator-relevant events to every
// capability in reg until ctx is cancelled. It returns immediately when the
// registry is empty.
func Forward(ctx context.Context, bus *events.Bus, reg *Registry) error {
	if reg == nil || reg.Len() == 0 {
		return nil
	}
	sub, err := bus.Subscribe()
	if err != nil {
		return fmt.Errorf("subscribe for notifications: %w", err)
	}
	go func() {
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.C:
				if !ok {
					return
				}
				msg, ok := Format(ev)
				if !ok {
					continue
				}
				_ = reg.Broadcast(ctx, msg)
			}
		}
	}()
	slog.Info("operator notifications enabled", "capabilities", reg.Len())
	return nil
}

// Format renders the events operators care about; ok is false for the rest.
func Format(ev models.Event) (string, bool) {
	p := ev.Payload
	switch ev.Type {
	case events.FleetDeployed:
		return fmt.Sprintf("fleet agent @%v deployed on server %v", p["handle"], p["server_id"]), true
	case events.FleetHealthCheck:
		dead, _ := p["dead"].([]string)
		if len(dead) == 0 {
			return "", false
		}
		return fmt.Sprintf("fleet agents died: @%s", strings.Join(dead, ", @")), true
	case events.JobFailed:
		return fmt.Sprintf("job %v (%v) for agent %v failed: %v", p["job_id"], p["action"], p["agent_id"], p["error"]), true
	}
	return "", false
}
