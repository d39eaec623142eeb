package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ankittk/sybil/internal/events"
	"github.com/ankittk/sybil/internal/store"
	"github.com/ankittk/sybil/pkg/models"
)

type fakeScheduler struct {
	mu      sync.Mutex
	state   models.SchedulerState
	started context.Context
	trigger func(agentID string, a models.Action) (models.TriggerResponse, error)
}

func (f *fakeScheduler) Start(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = ctx
	f.state.Running = true
}

func (f *fakeScheduler) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.Running = false
}

func (f *fakeScheduler) Pause() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.Paused = true
}

func (f *fakeScheduler) Resume() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.Paused = false
}

func (f *fakeScheduler) Status() models.SchedulerState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeScheduler) Trigger(_ context.Context, agentID string, a models.Action) (models.TriggerResponse, error) {
	return f.trigger(agentID, a)
}

type fakeFleet struct {
	st        store.Store
	ticks     int
	suspended []string
}

func (f *fakeFleet) State() models.FleetState { return models.FleetState{Running: true} }

func (f *fakeFleet) CreateServer(ctx context.Context, srv models.FleetServer) (models.FleetServer, error) {
	srv.Status = models.ServerActive
	return f.st.CreateFleetServer(ctx, srv)
}

func (f *fakeFleet) SuspendServer(_ context.Context, id string) (int, error) {
	f.suspended = append(f.suspended, id)
	return 2, nil
}

func (f *fakeFleet) Tick(context.Context) bool {
	f.ticks++
	return true
}

type fixture struct {
	ts    *httptest.Server
	st    store.Store
	sched *fakeScheduler
	fleet *fakeFleet
	bus   *events.Bus
}

func newFixture(t *testing.T, withFleet bool, apiKey string) *fixture {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	f := &fixture{st: st, sched: &fakeScheduler{}, bus: events.New(4, 8)}
	f.sched.trigger = func(string, models.Action) (models.TriggerResponse, error) {
		return models.TriggerResponse{}, nil
	}
	opts := ServerOptions{Addr: "127.0.0.1:0", APIKey: apiKey, Store: st, Bus: f.bus, Scheduler: f.sched}
	if withFleet {
		f.fleet = &fakeFleet{st: st}
		opts.Fleet = f.fleet
	}
	app, err := NewApp(opts)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	f.ts = httptest.NewServer(app.Server.Handler)
	t.Cleanup(f.ts.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.ts.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode %s: %v", resp.Request.URL.Path, err)
	}
}

func TestServerSmoke(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true, "")

	resp := f.do(t, http.MethodGet, "/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/health status=%d", resp.StatusCode)
	}
	var health map[string]any
	decode(t, resp, &health)
	if health["ok"] != true || health["fleet"] == nil || health["scheduler"] == nil {
		t.Fatalf("health = %v", health)
	}

	// SSE should produce initial connected event quickly.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, f.ts.URL+"/stream", nil)
	sresp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /stream: %v", err)
	}
	defer func() { _ = sresp.Body.Close() }()
	if ct := sresp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("stream content-type=%q", ct)
	}
	br := bufio.NewReader(sresp.Body)
	line, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if !strings.Contains(line, "connected") {
		t.Fatalf("first stream line = %q", line)
	}
}

func TestSchedulerControl(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false, "")

	for _, tc := range []struct {
		op              string
		running, paused bool
	}{
		{"start", true, false},
		{"pause", true, true},
		{"resume", true, false},
		{"stop", false, false},
	} {
		resp := f.do(t, http.MethodPost, "/scheduler/"+tc.op, "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("POST /scheduler/%s status=%d", tc.op, resp.StatusCode)
		}
		var st models.SchedulerState
		decode(t, resp, &st)
		if st.Running != tc.running || st.Paused != tc.paused {
			t.Fatalf("after %s: %+v", tc.op, st)
		}
	}
	if f.sched.started == nil || f.sched.started.Err() != nil {
		t.Fatal("scheduler must start under a context that outlives the request")
	}
	if resp := f.do(t, http.MethodPost, "/scheduler/explode", ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown op status=%d", resp.StatusCode)
	}
}

func TestAgentsCRUD(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false, "")

	resp := f.do(t, http.MethodPost, "/agents", `{"external_id":"ext-1","handle":"mei","frequency":12}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST /agents status=%d", resp.StatusCode)
	}
	var a models.Agent
	decode(t, resp, &a)
	if a.ID == "" || !a.Active || a.Frequency != 12 {
		t.Fatalf("created agent = %+v", a)
	}

	if resp := f.do(t, http.MethodPost, "/agents", `{"handle":"x"`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad json status=%d", resp.StatusCode)
	}

	resp = f.do(t, http.MethodGet, "/agents", "")
	var agents []models.Agent
	decode(t, resp, &agents)
	if len(agents) != 1 || agents[0].Handle != "mei" {
		t.Fatalf("agents = %+v", agents)
	}

	resp = f.do(t, http.MethodGet, "/agents/"+a.ID+"/config", "")
	var cfg models.AgentConfig
	decode(t, resp, &cfg)
	if cfg.AgentID != a.ID || len(cfg.EnabledActions) == 0 {
		t.Fatalf("default config = %+v", cfg)
	}

	resp = f.do(t, http.MethodPut, "/agents/"+a.ID+"/config", `{"enabled_actions":["post","like"],"combat_strategy":"passive"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT config status=%d", resp.StatusCode)
	}
	stored, err := f.st.GetAgentConfig(context.Background(), a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored.EnabledActions) != 2 || stored.CombatStrategy != models.CombatPassive {
		t.Fatalf("stored config = %+v", stored)
	}

	resp = f.do(t, http.MethodPut, "/agents/"+a.ID+"/config", `{"enabled_actions":["fly"]}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown action status=%d", resp.StatusCode)
	}
	var errBody map[string]string
	decode(t, resp, &errBody)
	if !strings.Contains(errBody["error"], "fly") {
		t.Fatalf("error body = %v", errBody)
	}

	if resp := f.do(t, http.MethodPut, "/agents/nope/config", `{}`); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing agent status=%d", resp.StatusCode)
	}

	resp = f.do(t, http.MethodPut, "/agents/"+a.ID+"/active", `{"active":false}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT active status=%d", resp.StatusCode)
	}
	got, _ := f.st.GetAgent(context.Background(), a.ID)
	if got.Active {
		t.Fatal("agent should be inactive")
	}
}

func TestTriggerAndJobs(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false, "")
	ctx := context.Background()
	a, err := f.st.CreateAgent(ctx, models.Agent{ExternalID: "e", Handle: "h", Frequency: 5, Active: true})
	if err != nil {
		t.Fatal(err)
	}
	var gotAction models.Action
	f.sched.trigger = func(id string, act models.Action) (models.TriggerResponse, error) {
		gotAction = act
		switch {
		case id != a.ID:
			return models.TriggerResponse{}, fmt.Errorf("agent %s: %w", id, store.ErrNotFound)
		case act == "":
			return models.TriggerResponse{Planned: models.SkipAction("nothing to do")}, nil
		case act == models.ActionAttack:
			return models.TriggerResponse{Planned: models.PlannedAction{Action: act}}, errors.New("target unavailable")
		}
		job, err := f.st.CreateJob(ctx, models.Job{AgentID: id, Action: act, Source: models.SourceManual, ScheduledFor: time.Now()})
		return models.TriggerResponse{Planned: models.PlannedAction{Action: act}, Job: &job}, err
	}

	resp := f.do(t, http.MethodPost, "/agents/"+a.ID+"/trigger", `{"action":"like"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("trigger status=%d", resp.StatusCode)
	}
	var tr models.TriggerResponse
	decode(t, resp, &tr)
	if gotAction != models.ActionLike || tr.Job == nil || tr.Job.Source != models.SourceManual {
		t.Fatalf("trigger response = %+v", tr)
	}

	// No body means the planner picks.
	if resp := f.do(t, http.MethodPost, "/agents/"+a.ID+"/trigger", ""); resp.StatusCode != http.StatusOK || gotAction != "" {
		t.Fatalf("empty trigger status=%d action=%q", resp.StatusCode, gotAction)
	}
	if resp := f.do(t, http.MethodPost, "/agents/"+a.ID+"/trigger", `{"action":"attack"}`); resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("failed trigger status=%d", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodPost, "/agents/ghost/trigger", `{}`); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing agent trigger status=%d", resp.StatusCode)
	}

	resp = f.do(t, http.MethodGet, "/agents/"+a.ID+"/jobs?limit=10", "")
	var jobs []models.Job
	decode(t, resp, &jobs)
	if len(jobs) != 1 || jobs[0].Action != models.ActionLike {
		t.Fatalf("jobs = %+v", jobs)
	}
}

func TestFleetRoutes(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true, "")

	resp := f.do(t, http.MethodPost, "/fleet/servers", `{"owner_id":"owner-1","name":"alpha","max_agents":3}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST /fleet/servers status=%d", resp.StatusCode)
	}
	var srv models.FleetServer
	decode(t, resp, &srv)
	if srv.ID == "" || srv.Status != models.ServerActive {
		t.Fatalf("server = %+v", srv)
	}

	resp = f.do(t, http.MethodGet, "/fleet/servers?status=active", "")
	var servers []models.FleetServer
	decode(t, resp, &servers)
	if len(servers) != 1 {
		t.Fatalf("servers = %+v", servers)
	}

	resp = f.do(t, http.MethodGet, "/fleet/servers/"+srv.ID+"/agents", "")
	var agents []models.FleetAgent
	decode(t, resp, &agents)
	if agents == nil || len(agents) != 0 {
		t.Fatalf("agents = %v", agents)
	}

	resp = f.do(t, http.MethodPost, "/fleet/servers/"+srv.ID+"/suspend", "")
	var out map[string]any
	decode(t, resp, &out)
	if out["cancelled_jobs"] != float64(2) || len(f.fleet.suspended) != 1 {
		t.Fatalf("suspend = %v", out)
	}
	if resp := f.do(t, http.MethodPost, "/fleet/servers/missing/suspend", ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing server status=%d", resp.StatusCode)
	}

	resp = f.do(t, http.MethodPost, "/fleet/tick", "")
	decode(t, resp, &out)
	if out["ran"] != true || f.fleet.ticks != 1 {
		t.Fatalf("tick = %v", out)
	}
}

func TestFleetDisabled(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false, "")
	for _, path := range []string{"/fleet/servers", "/fleet/tick"} {
		if resp := f.do(t, http.MethodPost, path, `{}`); resp.StatusCode != http.StatusServiceUnavailable {
			t.Fatalf("POST %s status=%d", path, resp.StatusCode)
		}
	}
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false, "secret")

	if resp := f.do(t, http.MethodGet, "/health", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("/health should skip auth, status=%d", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodGet, "/agents", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no key status=%d", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodGet, "/agents?api_key=secret", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("query key status=%d", resp.StatusCode)
	}
	req, _ := http.NewRequest(http.MethodGet, f.ts.URL+"/scheduler", nil)
	req.Header.Set("X-API-Key", "secret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("header key status=%d", resp.StatusCode)
	}
}

func TestNewAppRequiresDependencies(t *testing.T) {
	if _, err := NewApp(ServerOptions{}); err == nil {
		t.Fatal("expected error without store")
	}
}
