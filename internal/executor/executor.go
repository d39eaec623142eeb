// Package executor runs one primary-agent Job against the actuation API and
// records its terminal state.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ankittk/sybil/internal/actuation"
	"github.com/ankittk/sybil/internal/content"
	"github.com/ankittk/sybil/internal/events"
	"github.com/ankittk/sybil/internal/otel"
	"github.com/ankittk/sybil/internal/store"
	"github.com/ankittk/sybil/pkg/models"
)

// ErrClaimLost is returned when another worker already moved the job out of pending.
var ErrClaimLost = errors.New("job already claimed")

// Store is the persistence the executor needs.
type Store interface {
	GetAgent(ctx context.Context, id string) (models.Agent, error)
	CreateJob(ctx context.Context, j models.Job) (models.Job, error)
	GetJob(ctx context.Context, id int64) (models.Job, error)
	ClaimJob(ctx context.Context, id int64, now time.Time) (bool, error)
	CompleteJob(ctx context.Context, id int64, result string, now time.Time) error
	FailJob(ctx context.Context, id int64, errMsg string, now time.Time) error
	IncrementDailyActions(ctx context.Context, agentID, date string) error
}

// Actuator dispatches one action verb. *actuation.Client implements it.
type Actuator interface {
	Do(ctx context.Context, agentID string, action models.Action, params map[string]any) (actuation.Result, error)
}

// Executor is safe for concurrent use.
type Executor struct {
	store Store
	act   Actuator
	bus   events.Emitter
	now   func() time.Time
}

// New returns an Executor. bus may be nil.
func New(st Store, act Actuator, bus events.Emitter) *Executor {
	if bus == nil {
		bus = events.Discard{}
	}
	return &Executor{store: st, act: act, bus: bus, now: time.Now}
}

// CreateAndExecute inserts a job for a planned action and runs it synchronously.
// It is the administrative trigger path: the job is tagged source=manual and does
// not count toward the scheduler's daily attempts.
func (e *Executor) CreateAndExecute(ctx context.Context, agent models.Agent, pa models.PlannedAction) (models.Job, error) {
	if pa.Skip || pa.Action == models.ActionNone {
		return models.Job{}, fmt.Errorf("nothing to execute: %s", pa.Reasoning)
	}
	job, err := e.store.CreateJob(ctx, models.Job{
		AgentID:      agent.ID,
		Action:       pa.Action,
		Payload:      pa.ParamsJSON(),
		Source:       models.SourceManual,
		ScheduledFor: e.now(),
	})
	if err != nil {
		return models.Job{}, fmt.Errorf("create job: %w", err)
	}
	e.bus.Emit(events.JobCreated, map[string]any{
		"job_id": job.ID, "agent_id": agent.ID, "handle": agent.Handle, "action": string(job.Action), "source": job.Source,
	})
	return e.Execute(ctx, job)
}

// Execute claims job, dispatches it and records the outcome. The returned job is the
// stored terminal record. A failed action is returned as an error alongside the
// failed job; ErrClaimLost means another worker owns it.
func (e *Executor) Execute(ctx context.Context, job models.Job) (models.Job, error) {
	ok, err := e.store.ClaimJob(ctx, job.ID, e.now())
	if err != nil {
		return job, fmt.Errorf("claim job %d: %w", job.ID, err)
	}
	if !ok {
		slog.Debug("job claim lost", "job_id", job.ID)
		return job, ErrClaimLost
	}
	e.bus.Emit(events.JobStarted, map[string]any{"job_id": job.ID, "agent_id": job.AgentID, "action": string(job.Action)})

	agent, err := e.store.GetAgent(ctx, job.AgentID)
	var result actuation.Result
	if err == nil {
		result, err = e.dispatch(ctx, agent, job)
	} else {
		err = fmt.Errorf("load agent: %w", err)
	}
	if err != nil {
		return e.fail(ctx, job, err)
	}

	now := e.now()
	if cerr := e.store.CompleteJob(ctx, job.ID, result.JSON(), now); cerr != nil {
		return e.fail(ctx, job, fmt.Errorf("record completion: %w", cerr))
	}
	if cerr := e.store.IncrementDailyActions(ctx, job.AgentID, store.DateKey(now)); cerr != nil {
		slog.Warn("increment daily actions failed", "agent_id", job.AgentID, "err", cerr)
	}
	otel.RecordJob(ctx, otel.PipelineScheduler, string(job.Action), models.StatusCompleted)
	e.bus.Emit(events.JobCompleted, map[string]any{
		"job_id": job.ID, "agent_id": job.AgentID, "handle": agent.Handle, "action": string(job.Action),
	})
	if job.Action == models.ActionConsolidate {
		e.notifyOwner(ctx, agent, job)
	}
	return e.reload(ctx, job), nil
}

// fail records the failure and always emits job:failed, even when the store
// write itself fails.
func (e *Executor) fail(ctx context.Context, job models.Job, cause error) (models.Job, error) {
	slog.Warn("job failed", "job_id", job.ID, "agent_id", job.AgentID, "action", job.Action, "err", cause)
	ferr := e.store.FailJob(ctx, job.ID, cause.Error(), e.now())
	otel.RecordJob(ctx, otel.PipelineScheduler, string(job.Action), models.StatusFailed)
	e.bus.Emit(events.JobFailed, map[string]any{
		"job_id": job.ID, "agent_id": job.AgentID, "action": string(job.Action), "error": cause.Error(),
	})
	if ferr != nil {
		return job, fmt.Errorf("fail job %d: %w (after %v)", job.ID, ferr, cause)
	}
	return e.reload(ctx, job), cause
}

func (e *Executor) reload(ctx context.Context, job models.Job) models.Job {
	fresh, err := e.store.GetJob(ctx, job.ID)
	if err != nil {
		return job
	}
	return fresh
}

// DecodeParams decodes a job payload, keeping numbers as json.Number.
func DecodeParams(payload string) (map[string]any, error) {
	params := map[string]any{}
	if strings.TrimSpace(payload) == "" {
		return params, nil
	}
	dec := json.NewDecoder(strings.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&params); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return params, nil
}

func (e *Executor) dispatch(ctx context.Context, agent models.Agent, job models.Job) (actuation.Result, error) {
	if !job.Action.Valid() {
		return nil, fmt.Errorf("unknown action %q", job.Action)
	}
	params, err := DecodeParams(job.Payload)
	if err != nil {
		return nil, err
	}
	if job.Action.NeedsContent() {
		text := content.ClampFor(job.Action, models.ParamString(params, "content"))
		if text == "" {
			return nil, errors.New("empty content")
		}
		params["content"] = text
	}

	res, err := e.act.Do(ctx, agent.ExternalID, job.Action, params)
	if err != nil {
		return nil, err
	}
	if job.Action != models.ActionBuyLottery {
		return res, nil
	}

	// A purchased ticket is scratched right away; both results are kept.
	bundle := actuation.Result{"purchase": res}
	ticket := res.String("ticket_id")
	if ticket == "" {
		return bundle, nil
	}
	scratch, err := e.act.Do(ctx, agent.ExternalID, models.ActionScratchTicket, map[string]any{"ticket_id": ticket})
	if err != nil {
		slog.Warn("scratch after lottery purchase failed", "agent", agent.Handle, "ticket", ticket, "err", err)
		bundle["scratch_error"] = err.Error()
		return bundle, nil
	}
	bundle["scratch"] = scratch
	return bundle, nil
}

// notifyOwner tells the owner what was sent. Failures are logged only.
func (e *Executor) notifyOwner(ctx context.Context, agent models.Agent, job models.Job) {
	params, err := DecodeParams(job.Payload)
	if err != nil {
		return
	}
	owner := models.ParamString(params, "recipient_id")
	if owner == "" {
		owner = agent.OwnerID
	}
	amount, _ := models.ParamInt(params, "amount")
	msg := fmt.Sprintf("Daily consolidation from @%s: sent you %d credits.", agent.Handle, amount)
	if _, err := e.act.Do(ctx, agent.ExternalID, models.ActionSendMessage, map[string]any{"recipient_id": owner, "content": msg}); err != nil {
		slog.Warn("consolidation notice failed", "agent", agent.Handle, "owner", owner, "err", err)
	}
}
