// Package fleet runs the disposable agent population. Each tick walks the same
// phases in order: cleanup, replenish, deploy one, repair assets, react to new
// owner posts, drain fleet jobs, health check and housekeeping. Claims go through
// conditional store updates so two orchestrators never deploy the same agent.
package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ankittk/sybil/internal/actuation"
	"github.com/ankittk/sybil/internal/content"
	"github.com/ankittk/sybil/internal/events"
	"github.com/ankittk/sybil/internal/images"
	"github.com/ankittk/sybil/internal/otel"
	"github.com/ankittk/sybil/internal/policy"
	"github.com/ankittk/sybil/internal/store"
	"github.com/ankittk/sybil/pkg/models"
)

// Actuator is the slice of the actuation client the fleet uses.
type Actuator interface {
	CreateAccount(ctx context.Context, name, handle string) (*actuation.Account, error)
	UploadAvatar(ctx context.Context, agentID, filePath string) error
	UploadBanner(ctx context.Context, agentID, filePath string) error
	UpdateProfile(ctx context.Context, agentID string, p actuation.Profile) error
	RecentPosts(ctx context.Context, accountID string, limit int) ([]actuation.Post, error)
	Status(ctx context.Context, agentID string) (*actuation.AgentStatus, error)
	Do(ctx context.Context, agentID string, action models.Action, params map[string]any) (actuation.Result, error)
}

// Options tunes the orchestrator. Zero values take the defaults below.
type Options struct {
	Interval         time.Duration
	DrainPerTick     int
	InterJobDelay    time.Duration
	HealthBatch      int
	ReplenishWindow  time.Duration
	NamePoolLowWater int
	ReactionLowWater int
	MaxRetries       int
	Backoff          []time.Duration

	Bus   events.Emitter
	Rand  content.Rand
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) // tests pass a no-op
}

// DefaultBackoff is the retry delay per attempt.
var DefaultBackoff = []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second}

const (
	staggerStep   = 20 * time.Second
	staggerJitter = 15 * time.Second
	replyOffset   = 5 * time.Second
	respitOffset  = 10 * time.Second
	replyChance   = 0.5
	respitChance  = 0.3
	namePoolBatch = 20
)

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = 30 * time.Second
	}
	if o.DrainPerTick <= 0 {
		o.DrainPerTick = 10
	}
	if o.InterJobDelay < 0 {
		o.InterJobDelay = 0
	}
	if o.HealthBatch <= 0 {
		o.HealthBatch = 10
	}
	if o.ReplenishWindow <= 0 {
		o.ReplenishWindow = 5 * time.Minute
	}
	if o.NamePoolLowWater <= 0 {
		o.NamePoolLowWater = 20
	}
	if o.ReactionLowWater <= 0 {
		o.ReactionLowWater = 5
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if len(o.Backoff) == 0 {
		o.Backoff = DefaultBackoff
	}
	if o.Bus == nil {
		o.Bus = events.Discard{}
	}
	if o.Rand == nil {
		o.Rand = content.NewRand(time.Now().UnixNano())
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Sleep == nil {
		o.Sleep = sleepCtx
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Orchestrator owns the fleet tick loop.
type Orchestrator struct {
	store  store.Store
	act    Actuator
	images images.Generator // nil disables avatars and banners
	policy policy.Service
	writer *content.Writer
	opts   Options

	mu       sync.Mutex
	running  bool
	lastTick *time.Time
	cancel   context.CancelFunc
	done     chan struct{}

	ticking  atomic.Bool
	deployed atomic.Int64
	reacted  atomic.Int64
	errs     atomic.Int64
}

// New returns a stopped Orchestrator. gen may be nil.
func New(st store.Store, act Actuator, gen images.Generator, svc policy.Service, opts Options) *Orchestrator {
	opts.defaults()
	if e, ok := gen.(interface{ Enabled() bool }); ok && !e.Enabled() {
		gen = nil
	}
	return &Orchestrator{
		store:  st,
		act:    act,
		images: gen,
		policy: svc,
		writer: content.NewWriter(svc, nil, opts.Rand),
		opts:   opts,
	}
}

// Start launches the tick loop.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	o.running, o.cancel, o.done = true, cancel, make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(o.opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.Tick(ctx)
			}
		}
	}(o.done)
	slog.Info("fleet orchestrator started", "interval", o.opts.Interval)
}

// Stop cancels the loop and waits for the in-flight tick.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	cancel, done := o.cancel, o.done
	o.mu.Unlock()
	cancel()
	<-done
	slog.Info("fleet orchestrator stopped")
}

// State returns a snapshot of the orchestrator counters.
func (o *Orchestrator) State() models.FleetState {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := models.FleetState{
		Running:  o.running,
		Deployed: o.deployed.Load(),
		Reacted:  o.reacted.Load(),
		Errors:   o.errs.Load(),
	}
	if o.lastTick != nil {
		t := *o.lastTick
		st.LastTick = &t
	}
	return st
}

// CreateServer registers an owner-scoped server and activates it.
func (o *Orchestrator) CreateServer(ctx context.Context, srv models.FleetServer) (models.FleetServer, error) {
	srv.Status = models.ServerActive
	return o.store.CreateFleetServer(ctx, srv)
}

// SuspendServer moves a server to suspended and cancels its agents' pending jobs.
func (o *Orchestrator) SuspendServer(ctx context.Context, id string) (int, error) {
	if err := o.store.SetFleetServerStatus(ctx, id, models.ServerSuspended); err != nil {
		return 0, fmt.Errorf("suspend server: %w", err)
	}
	n, err := o.store.CancelPendingFleetJobsForServer(ctx, id, "server suspended", o.opts.Now())
	if err != nil {
		return 0, fmt.Errorf("cancel server jobs: %w", err)
	}
	slog.Info("fleet server suspended", "server_id", id, "cancelled_jobs", n)
	return n, nil
}

// tickStats collects what one tick did, for the sybil:tick event.
type tickStats struct {
	cleaned, created, deployed, repaired int
	reactions, completed, failed         int
	requeued, checked, deaths            int
	imagesUsed                           bool
}

// Tick runs one pass over every phase. It returns false when a previous tick
// is still running.
func (o *Orchestrator) Tick(ctx context.Context) bool {
	if !o.ticking.CompareAndSwap(false, true) {
		slog.Debug("fleet tick skipped, previous tick still running")
		return false
	}
	defer o.ticking.Store(false)

	start := time.Now()
	var ts tickStats
	o.phase(ctx, "cleanup", func(ctx context.Context) error { return o.cleanup(ctx, &ts) })
	o.phase(ctx, "replenish", func(ctx context.Context) error { return o.replenish(ctx, &ts) })
	o.phase(ctx, "deploy", func(ctx context.Context) error { return o.deployOne(ctx, &ts) })
	o.phase(ctx, "repair", func(ctx context.Context) error { return o.repairAssets(ctx, &ts) })
	o.phase(ctx, "react", func(ctx context.Context) error { return o.react(ctx, &ts) })
	o.phase(ctx, "drain", func(ctx context.Context) error { return o.drain(ctx, &ts) })
	o.phase(ctx, "health", func(ctx context.Context) error { return o.healthCheck(ctx, &ts) })
	o.phase(ctx, "housekeeping", func(ctx context.Context) error { return o.housekeeping(ctx, &ts) })

	if ts.imagesUsed && o.images != nil {
		if err := o.images.Unload(ctx); err != nil {
			slog.Warn("image model unload failed", "err", err)
		}
	}

	now := o.opts.Now()
	o.mu.Lock()
	o.lastTick = &now
	o.mu.Unlock()
	took := time.Since(start)
	otel.RecordTick(ctx, otel.PipelineFleet, took)
	o.opts.Bus.Emit(events.FleetTick, map[string]any{
		"duration_ms": took.Milliseconds(),
		"cleaned":     ts.cleaned,
		"created":     ts.created,
		"deployed":    ts.deployed,
		"repaired":    ts.repaired,
		"reactions":   ts.reactions,
		"completed":   ts.completed,
		"failed":      ts.failed,
		"requeued":    ts.requeued,
		"checked":     ts.checked,
		"deaths":      ts.deaths,
	})
	return true
}

// phase isolates one tick phase: errors and panics are logged and counted, and the
// tick moves on.
func (o *Orchestrator) phase(ctx context.Context, name string, fn func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("fleet phase panicked", "phase", name, "panic", r)
			o.countError(ctx)
		}
	}()
	if ctx.Err() != nil {
		return
	}
	if err := fn(ctx); err != nil {
		slog.Error("fleet phase failed", "phase", name, "err", err)
		o.countError(ctx)
	}
}

func (o *Orchestrator) countError(ctx context.Context) {
	o.errs.Add(1)
	otel.RecordTickError(ctx, otel.PipelineFleet)
}

func (o *Orchestrator) cleanup(ctx context.Context, ts *tickStats) error {
	n, err := o.store.DeleteDeadFleetAgents(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("removed dead fleet agents", "count", n)
	}
	ts.cleaned = n
	return nil
}
