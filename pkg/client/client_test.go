package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ankittk/sybil/pkg/models"
)

func TestNew(t *testing.T) {
	c := New("http://localhost:3548", "")
	if c.BaseURL != "http://localhost:3548" || c.APIKey != "" {
		t.Errorf("New: %+v", c)
	}
	c2 := New("http://localhost:3548", "secret")
	if c2.APIKey != "secret" {
		t.Errorf("New with key: %+v", c2)
	}
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	ctx := context.Background()
	ok, err := c.Health(ctx)
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if !ok {
		t.Fatal("Health: expected ok true")
	}
}

func TestHealth_error(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":"down"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	ctx := context.Background()
	_, err := c.Health(ctx)
	if err == nil {
		t.Fatal("expected error from 503")
	}
}

func TestClient_setsAPIKeyHeader(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-Key")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "mykey")
	ctx := context.Background()
	_, _ = c.Health(ctx)
	if gotKey != "mykey" {
		t.Errorf("X-API-Key: got %q", gotKey)
	}
}

func TestTrigger_sendsActionAndDecodesJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/agents/a1/trigger" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		var body models.TriggerRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Action != models.ActionLike {
			t.Errorf("action = %q", body.Action)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"planned":{"action":"like"},"job":{"id":9,"source":"manual","status":"completed"}}`))
	}))
	defer srv.Close()

	resp, err := New(srv.URL, "").Trigger(context.Background(), "a1", models.ActionLike)
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if resp.Job == nil || resp.Job.ID != 9 || resp.Job.Source != models.SourceManual {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestClient_surfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":"fleet disabled"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "").FleetTick(context.Background())
	if err == nil || !strings.Contains(err.Error(), "fleet disabled") {
		t.Fatalf("err = %v", err)
	}
}

func TestListServers_statusFilter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("status") != "active" {
			t.Errorf("query = %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":"s1","owner_id":"o","status":"active","max_agents":3}]`))
	}))
	defer srv.Close()

	servers, err := New(srv.URL, "").ListServers(context.Background(), models.ServerActive)
	if err != nil {
		t.Fatal(err)
	}
	if len(servers) != 1 || servers[0].MaxAgents != 3 {
		t.Fatalf("servers = %+v", servers)
	}
}

func TestSuspendServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fleet/servers/s1/suspend" {
			t.Errorf("path: %s", r.URL.Path)
		}
		w.Write([]byte(`{"ok":true,"cancelled_jobs":4}`))
	}))
	defer srv.Close()

	n, err := New(srv.URL, "").SuspendServer(context.Background(), "s1")
	if err != nil || n != 4 {
		t.Fatalf("SuspendServer = %d, %v", n, err)
	}
}
