package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ankittk/sybil/internal/events"
	"github.com/ankittk/sybil/internal/store"
	"github.com/ankittk/sybil/pkg/models"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// defaultMaxRequestBodyBytes is the default limit for request body size (1 MiB) to prevent OOM.
const defaultMaxRequestBodyBytes = 1 << 20

// bodyLimitMiddleware limits request body size for POST, PUT, PATCH to prevent OOM.
func bodyLimitMiddleware(maxBytes int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware sets CORS headers for dev mode (dashboard served from another origin).
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SchedulerControl is the primary pipeline as seen by the admin API.
type SchedulerControl interface {
	Start(ctx context.Context)
	Stop()
	Pause()
	Resume()
	Status() models.SchedulerState
	Trigger(ctx context.Context, agentID string, action models.Action) (models.TriggerResponse, error)
}

// FleetControl is the fleet orchestrator as seen by the admin API.
type FleetControl interface {
	State() models.FleetState
	CreateServer(ctx context.Context, srv models.FleetServer) (models.FleetServer, error)
	SuspendServer(ctx context.Context, id string) (int, error)
	Tick(ctx context.Context) bool
}

// ServerOptions configures the HTTP server.
type ServerOptions struct {
	Addr           string
	Dev            bool
	APIKey         string       // if set, require X-API-Key header or query api_key
	MetricsHandler http.Handler // if set, used for /metrics (OTel Prometheus handler)
	UseOtelHTTP    bool         // if true, wrap handler with otelhttp for request metrics

	Store     store.Store
	Bus       *events.Bus
	Scheduler SchedulerControl
	Fleet     FleetControl // nil when the fleet is disabled

	// BaseContext outlives requests; the scheduler loop started over HTTP runs under it.
	BaseContext context.Context
}

// App holds the HTTP server and the services its routes reach.
type App struct {
	Server *http.Server
	Bus    *events.Bus
	Store  store.Store
}

// NewApp registers every route and returns the app. The caller owns the store.
func NewApp(opts ServerOptions) (*App, error) {
	if opts.Store == nil {
		return nil, errors.New("httpapi: store required")
	}
	if opts.Scheduler == nil {
		return nil, errors.New("httpapi: scheduler required")
	}
	if opts.Bus == nil {
		opts.Bus = events.New(0, 0)
	}
	if opts.BaseContext == nil {
		opts.BaseContext = context.Background()
	}
	h := &handlers{opts: opts, st: opts.Store}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.health)
	if opts.MetricsHandler != nil {
		mux.Handle("GET /metrics", opts.MetricsHandler)
	}
	mux.HandleFunc("GET /stream", opts.Bus.Handler())

	mux.HandleFunc("GET /scheduler", h.schedulerStatus)
	mux.HandleFunc("POST /scheduler/{op}", h.schedulerControl)

	mux.HandleFunc("GET /agents", h.listAgents)
	mux.HandleFunc("POST /agents", h.createAgent)
	mux.HandleFunc("GET /agents/{id}", h.getAgent)
	mux.HandleFunc("PUT /agents/{id}/active", h.setAgentActive)
	mux.HandleFunc("GET /agents/{id}/config", h.getAgentConfig)
	mux.HandleFunc("PUT /agents/{id}/config", h.putAgentConfig)
	mux.HandleFunc("POST /agents/{id}/trigger", h.trigger)
	mux.HandleFunc("GET /agents/{id}/jobs", h.listJobs)

	mux.HandleFunc("GET /fleet", h.fleetState)
	mux.HandleFunc("GET /fleet/servers", h.listServers)
	mux.HandleFunc("POST /fleet/servers", h.createServer)
	mux.HandleFunc("POST /fleet/servers/{id}/suspend", h.suspendServer)
	mux.HandleFunc("GET /fleet/servers/{id}/agents", h.listFleetAgents)
	mux.HandleFunc("POST /fleet/tick", h.fleetTick)

	var handler http.Handler = mux
	handler = bodyLimitMiddleware(defaultMaxRequestBodyBytes, handler)
	if opts.Dev {
		handler = corsMiddleware(handler)
	}
	if opts.APIKey != "" {
		handler = apiKeyMiddleware(opts.APIKey, handler)
	}
	handler = requestLogMiddleware(handler)
	if opts.UseOtelHTTP {
		handler = otelhttp.NewHandler(handler, "sybil")
	}
	srv := &http.Server{
		Addr:              opts.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      0, // /stream is long-lived
		IdleTimeout:       60 * time.Second,
	}
	return &App{Server: srv, Bus: opts.Bus, Store: opts.Store}, nil
}

type handlers struct {
	opts ServerOptions
	st   store.Store
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"ok": true, "scheduler": h.opts.Scheduler.Status()}
	if h.opts.Fleet != nil {
		body["fleet"] = h.opts.Fleet.State()
	}
	if counts, err := h.st.CountJobsByStatus(r.Context()); err == nil {
		body["jobs"] = counts
	}
	writeJSON(w, body)
}

func (h *handlers) schedulerStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, h.opts.Scheduler.Status())
}

func (h *handlers) schedulerControl(w http.ResponseWriter, r *http.Request) {
	s := h.opts.Scheduler
	switch r.PathValue("op") {
	case "start":
		s.Start(h.opts.BaseContext)
	case "stop":
		s.Stop()
	case "pause":
		s.Pause()
	case "resume":
		s.Resume()
	default:
		writeJSONError(w, http.StatusNotFound, "unknown scheduler operation")
		return
	}
	writeJSON(w, s.Status())
}

func (h *handlers) listAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.st.ListAgents(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, nonNil(agents))
}

func (h *handlers) createAgent(w http.ResponseWriter, r *http.Request) {
	var body models.CreateAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if body.Frequency < 0 {
		writeJSONError(w, http.StatusBadRequest, "frequency must be positive")
		return
	}
	active := true
	if body.Active != nil {
		active = *body.Active
	}
	a, err := h.st.CreateAgent(r.Context(), models.Agent{
		ExternalID:  strings.TrimSpace(body.ExternalID),
		Handle:      body.Handle,
		Personality: body.Personality,
		Frequency:   body.Frequency,
		OwnerID:     body.OwnerID,
		Active:      active,
	})
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSONStatus(w, http.StatusCreated, a)
}

func (h *handlers) getAgent(w http.ResponseWriter, r *http.Request) {
	a, err := h.st.GetAgent(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, a)
}

func (h *handlers) setAgentActive(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Active bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	id := r.PathValue("id")
	if _, err := h.st.GetAgent(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	if err := h.st.SetAgentActive(r.Context(), id, body.Active); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{"ok": true, "active": body.Active})
}

func (h *handlers) getAgentConfig(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	cfg, err := h.st.GetAgentConfig(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		if _, err := h.st.GetAgent(r.Context(), id); err != nil {
			writeStoreError(w, err)
			return
		}
		cfg = models.DefaultAgentConfig(id)
	} else if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, cfg)
}

func (h *handlers) putAgentConfig(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.st.GetAgent(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	cfg := models.DefaultAgentConfig(id)
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	cfg.AgentID = id
	for _, a := range cfg.EnabledActions {
		if !a.Valid() {
			writeJSONError(w, http.StatusBadRequest, "unknown action "+strconv.Quote(string(a)))
			return
		}
	}
	if err := h.st.UpsertAgentConfig(r.Context(), cfg); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, cfg)
}

func (h *handlers) trigger(w http.ResponseWriter, r *http.Request) {
	var body models.TriggerRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
	}
	resp, err := h.opts.Scheduler.Trigger(r.Context(), r.PathValue("id"), body.Action)
	if errors.Is(err, store.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": err.Error(), "planned": resp.Planned, "job": resp.Job})
		return
	}
	writeJSON(w, resp)
}

func (h *handlers) listJobs(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	jobs, err := h.st.ListJobs(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, nonNil(jobs))
}

func (h *handlers) fleet(w http.ResponseWriter) (FleetControl, bool) {
	if h.opts.Fleet == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "fleet disabled")
		return nil, false
	}
	return h.opts.Fleet, true
}

func (h *handlers) fleetState(w http.ResponseWriter, _ *http.Request) {
	f, ok := h.fleet(w)
	if !ok {
		return
	}
	writeJSON(w, f.State())
}

func (h *handlers) listServers(w http.ResponseWriter, r *http.Request) {
	servers, err := h.st.ListFleetServers(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, nonNil(servers))
}

func (h *handlers) createServer(w http.ResponseWriter, r *http.Request) {
	f, ok := h.fleet(w)
	if !ok {
		return
	}
	var body models.FleetServer
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	srv, err := f.CreateServer(r.Context(), models.FleetServer{OwnerID: body.OwnerID, Name: body.Name, MaxAgents: body.MaxAgents})
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSONStatus(w, http.StatusCreated, srv)
}

func (h *handlers) suspendServer(w http.ResponseWriter, r *http.Request) {
	f, ok := h.fleet(w)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if _, err := h.st.GetFleetServer(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	n, err := f.SuspendServer(r.Context(), id)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, models.SuspendResult{OK: true, CancelledJobs: n})
}

func (h *handlers) listFleetAgents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.st.GetFleetServer(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	agents, err := h.st.ListFleetAgents(r.Context(), id)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, nonNil(agents))
}

func (h *handlers) fleetTick(w http.ResponseWriter, r *http.Request) {
	f, ok := h.fleet(w)
	if !ok {
		return
	}
	ran := f.Tick(r.Context())
	writeJSON(w, models.TickResult{Ran: ran, State: f.State()})
}

// responseRecorder captures status code for logging and forwards Flusher if supported.
type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func apiKeyMiddleware(apiKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if path == "/health" || path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = r.URL.Query().Get("api_key")
		}
		if key != apiKey {
			writeJSONError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req)
		slog.Info("request",
			"method", req.Method,
			"path", req.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

// nonNil keeps empty lists encoding as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

// writeJSONError sends a JSON body {"error": "message"} with the given status code.
func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": message})
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSONError(w, http.StatusInternalServerError, err.Error())
}
