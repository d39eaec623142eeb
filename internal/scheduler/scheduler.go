// Package scheduler paces primary agents across the day. Each tick drains due jobs
// through the executor, then plans at most one new job per agent that is behind
// an even 24-hour spread of its daily quota.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ankittk/sybil/internal/actuation"
	"github.com/ankittk/sybil/internal/content"
	"github.com/ankittk/sybil/internal/events"
	"github.com/ankittk/sybil/internal/executor"
	"github.com/ankittk/sybil/internal/otel"
	"github.com/ankittk/sybil/internal/planner"
	"github.com/ankittk/sybil/internal/store"
	"github.com/ankittk/sybil/pkg/models"
)

// Defaults.
const (
	DefaultInterval   = 60 * time.Second
	DefaultMaxDrain   = 25
	drainBatch        = 10
	maxJitterSeconds  = 60
	constrainedChance = 0.8
)

// Store is the persistence the scheduler reads and writes.
type Store interface {
	ListDueJobs(ctx context.Context, now time.Time, limit int) ([]models.Job, error)
	GetAgent(ctx context.Context, id string) (models.Agent, error)
	ListActiveAgents(ctx context.Context) ([]models.Agent, error)
	GetAgentConfig(ctx context.Context, agentID string) (models.AgentConfig, error)
	GetDailyActions(ctx context.Context, agentID, date string) (int, error)
	CountPendingJobs(ctx context.Context, agentID string) (int, error)
	CountScheduledJobsSince(ctx context.Context, agentID string, since time.Time) (int, error)
	CreateJob(ctx context.Context, j models.Job) (models.Job, error)
}

// Observer reads an agent's live state.
type Observer interface {
	State(ctx context.Context, agentID string) (*actuation.AgentState, error)
}

// Planner decides actions.
type Planner interface {
	Plan(ctx context.Context, in planner.Input) (models.PlannedAction, error)
	PlanSpecific(ctx context.Context, in planner.Input, action models.Action) (models.PlannedAction, error)
}

// Runner executes jobs: queued ones from the drain, manual ones from Trigger.
type Runner interface {
	Execute(ctx context.Context, job models.Job) (models.Job, error)
	CreateAndExecute(ctx context.Context, agent models.Agent, pa models.PlannedAction) (models.Job, error)
}

// Options configures a Scheduler.
type Options struct {
	Interval time.Duration
	MaxDrain int // due jobs processed per tick
	Bus      events.Emitter
	Rand     content.Rand
	Now      func() time.Time
}

// Scheduler owns its timer and counters. Start/Stop/Pause/Resume are idempotent.
type Scheduler struct {
	store   Store
	obs     Observer
	planner Planner
	runner  Runner
	bus     events.Emitter
	rand    content.Rand
	now     func() time.Time

	interval time.Duration
	maxDrain int

	mu       sync.Mutex
	running  bool
	paused   bool
	lastTick *time.Time
	cancel   context.CancelFunc
	done     chan struct{}

	ticking   atomic.Bool
	active    atomic.Int64
	processed atomic.Int64
	errs      atomic.Int64
}

// New returns a stopped Scheduler.
func New(st Store, obs Observer, pl Planner, run Runner, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.MaxDrain <= 0 {
		opts.MaxDrain = DefaultMaxDrain
	}
	if opts.Bus == nil {
		opts.Bus = events.Discard{}
	}
	if opts.Rand == nil {
		opts.Rand = content.NewRand(time.Now().UnixNano())
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{
		store: st, obs: obs, planner: pl, runner: run,
		bus: opts.Bus, rand: opts.Rand, now: opts.Now,
		interval: opts.Interval, maxDrain: opts.MaxDrain,
	}
}

// Start launches the tick loop. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.running, s.cancel, s.done = true, cancel, make(chan struct{})
	go s.loop(ctx, s.done)
	slog.Info("scheduler started", "interval", s.interval, "max_drain", s.maxDrain)
	s.bus.Emit(events.SchedulerStart, map[string]any{"interval_sec": s.interval.Seconds()})
}

// Stop cancels the loop and waits for an in-flight tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	cancel()
	<-done
	slog.Info("scheduler stopped")
	s.bus.Emit(events.SchedulerStop, nil)
}

// Pause suppresses the work of subsequent ticks; an in-flight tick completes.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
}

// Status returns a snapshot of the scheduler state.
func (s *Scheduler) Status() models.SchedulerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := models.SchedulerState{
		Running:        s.running,
		Paused:         s.paused,
		ActiveJobs:     int(s.active.Load()),
		TotalProcessed: s.processed.Load(),
		Errors:         s.errs.Load(),
	}
	if s.lastTick != nil {
		t := *s.lastTick
		st.LastTick = &t
	}
	return st
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one drain-then-schedule pass. Overlapping calls are skipped.
func (s *Scheduler) Tick(ctx context.Context) {
	s.mu.Lock()
	paused := s.paused
	s.mu.Unlock()
	if paused {
		return
	}
	if !s.ticking.CompareAndSwap(false, true) {
		slog.Debug("scheduler tick skipped, previous tick still running")
		return
	}
	defer s.ticking.Store(false)

	start := s.now()
	processed := s.phase(ctx, "drain", s.drainPending)
	scheduled := s.phase(ctx, "schedule", s.scheduleNew)
	took := time.Since(start)

	now := s.now()
	s.mu.Lock()
	s.lastTick = &now
	s.mu.Unlock()
	otel.RecordTick(ctx, otel.PipelineScheduler, took)
	s.bus.Emit(events.SchedulerTick, map[string]any{
		"processed": processed, "scheduled": scheduled, "errors": s.errs.Load(),
	})
}

// phase runs fn and turns a panic into a logged, counted error.
func (s *Scheduler) phase(ctx context.Context, name string, fn func(context.Context) int) (n int) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("scheduler phase panicked", "phase", name, "panic", r)
			s.countError(ctx)
		}
	}()
	return fn(ctx)
}

func (s *Scheduler) countError(ctx context.Context) {
	s.errs.Add(1)
	otel.RecordTickError(ctx, otel.PipelineScheduler)
}

// drainPending executes due jobs in scheduled order, up to maxDrain per tick.
func (s *Scheduler) drainPending(ctx context.Context) int {
	done := 0
	for done < s.maxDrain {
		if ctx.Err() != nil {
			return done
		}
		jobs, err := s.store.ListDueJobs(ctx, s.now(), min(drainBatch, s.maxDrain-done))
		if err != nil {
			slog.Error("scheduler list due jobs failed", "err", err)
			s.countError(ctx)
			return done
		}
		if len(jobs) == 0 {
			return done
		}
		claimed := 0
		for _, job := range jobs {
			s.active.Add(1)
			_, err := s.runner.Execute(ctx, job)
			s.active.Add(-1)
			if errors.Is(err, executor.ErrClaimLost) {
				continue
			}
			claimed++
			done++
			s.processed.Add(1)
			if err != nil {
				// the executor already recorded the failure on the job
				slog.Debug("scheduled job failed", "job_id", job.ID, "err", err)
			}
		}
		if claimed == 0 {
			return done
		}
	}
	return done
}

// scheduleNew plans at most one job per active agent.
func (s *Scheduler) scheduleNew(ctx context.Context) int {
	agents, err := s.store.ListActiveAgents(ctx)
	if err != nil {
		slog.Error("scheduler list agents failed", "err", err)
		s.countError(ctx)
		return 0
	}
	created := 0
	for _, a := range agents {
		if ctx.Err() != nil {
			break
		}
		ok, err := s.scheduleAgent(ctx, a)
		if err != nil {
			slog.Warn("scheduling agent failed", "agent_id", a.ID, "handle", a.Handle, "err", err)
			s.countError(ctx)
			continue
		}
		if ok {
			created++
		}
	}
	return created
}

// expectedByNow is floor(frequency * minutesSinceMidnight / 1440).
func expectedByNow(frequency int, now time.Time) int {
	minutes := int(now.Sub(store.StartOfDay(now)) / time.Minute)
	return frequency * minutes / 1440
}

func (s *Scheduler) scheduleAgent(ctx context.Context, a models.Agent) (created bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	now := s.now()
	used, err := s.store.GetDailyActions(ctx, a.ID, store.DateKey(now))
	if err != nil {
		return false, fmt.Errorf("daily actions: %w", err)
	}
	attempts, err := s.store.CountScheduledJobsSince(ctx, a.ID, store.StartOfDay(now))
	if err != nil {
		return false, fmt.Errorf("scheduled attempts: %w", err)
	}
	used = max(used, attempts)
	if used >= a.Frequency {
		return false, nil
	}
	pending, err := s.store.CountPendingJobs(ctx, a.ID)
	if err != nil {
		return false, fmt.Errorf("pending jobs: %w", err)
	}
	if used+pending >= expectedByNow(a.Frequency, now) {
		return false, nil
	}

	in, err := s.input(ctx, a)
	if err != nil {
		return false, err
	}

	var pa models.PlannedAction
	if action, ok := s.pickAction(in.Config); ok {
		pa, err = s.planner.PlanSpecific(ctx, in, action)
	} else {
		pa, err = s.planner.Plan(ctx, in)
	}
	if errors.Is(err, planner.ErrNoCandidates) {
		slog.Debug("nothing to act on", "agent", a.Handle, "err", err)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if pa.Skip || pa.Action == models.ActionNone {
		slog.Debug("planner skipped agent", "agent", a.Handle, "reason", pa.Reasoning)
		return false, nil
	}

	jitter := time.Duration(s.rand.Intn(maxJitterSeconds+1)) * time.Second
	job, err := s.store.CreateJob(ctx, models.Job{
		AgentID:      a.ID,
		Action:       pa.Action,
		Payload:      pa.ParamsJSON(),
		Source:       models.SourceScheduler,
		ScheduledFor: now.Add(jitter),
	})
	if err != nil {
		return false, fmt.Errorf("create job: %w", err)
	}
	s.bus.Emit(events.JobCreated, map[string]any{
		"job_id": job.ID, "agent_id": a.ID, "handle": a.Handle, "action": string(job.Action),
		"scheduled_for": job.ScheduledFor.UTC().Format(time.RFC3339), "reasoning": pa.Reasoning,
	})
	return true, nil
}

func (s *Scheduler) input(ctx context.Context, a models.Agent) (planner.Input, error) {
	cfg, err := s.store.GetAgentConfig(ctx, a.ID)
	if errors.Is(err, store.ErrNotFound) {
		cfg = models.DefaultAgentConfig(a.ID)
	} else if err != nil {
		return planner.Input{}, fmt.Errorf("agent config: %w", err)
	}
	state, err := s.obs.State(ctx, a.ExternalID)
	if err != nil {
		return planner.Input{}, fmt.Errorf("observe state: %w", err)
	}
	return planner.Input{Agent: a, Config: cfg, State: state}, nil
}

// pickAction returns a weighted action constrained to the agent's enabled set,
// or false for the unconstrained path.
func (s *Scheduler) pickAction(cfg models.AgentConfig) (models.Action, bool) {
	if s.rand.Float64() >= constrainedChance {
		return "", false
	}
	return WeightedPick(cfg, s.rand.Float64())
}
