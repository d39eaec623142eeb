package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ankittk/sybil/internal/actuation"
	"github.com/ankittk/sybil/internal/content"
	"github.com/ankittk/sybil/internal/events"
	"github.com/ankittk/sybil/internal/executor"
	"github.com/ankittk/sybil/internal/otel"
	"github.com/ankittk/sybil/internal/store"
	"github.com/ankittk/sybil/pkg/models"
)

// drain runs due fleet jobs one at a time, pausing InterJobDelay between them.
func (o *Orchestrator) drain(ctx context.Context, ts *tickStats) error {
	jobs, err := o.store.ListDueFleetJobs(ctx, o.opts.Now(), o.opts.DrainPerTick)
	if err != nil {
		return fmt.Errorf("list due fleet jobs: %w", err)
	}
	for i, j := range jobs {
		if ctx.Err() != nil {
			return nil
		}
		if i > 0 {
			o.opts.Sleep(ctx, o.opts.InterJobDelay)
		}
		switch o.runJob(ctx, j) {
		case outcomeCompleted:
			ts.completed++
		case outcomeRequeued:
			ts.requeued++
		case outcomeFailed:
			ts.failed++
		}
	}
	return nil
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeCompleted
	outcomeRequeued
	outcomeFailed
)

func (o *Orchestrator) runJob(ctx context.Context, j models.FleetJob) outcome {
	won, err := o.store.ClaimFleetJob(ctx, j.ID, o.opts.Now())
	if err != nil {
		slog.Error("claim fleet job failed", "job_id", j.ID, "err", err)
		return outcomeSkipped
	}
	if !won {
		return outcomeSkipped
	}

	agent, err := o.store.GetFleetAgent(ctx, j.AgentID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return o.fail(ctx, j, "fleet agent no longer exists")
	case err != nil:
		return o.fail(ctx, j, err.Error())
	case !agent.IsAlive || !agent.IsDeployed || agent.ExternalID == "":
		return o.fail(ctx, j, "fleet agent not deployed or dead")
	}

	params, err := executor.DecodeParams(j.Payload)
	if err != nil {
		return o.fail(ctx, j, err.Error())
	}
	if j.Action.NeedsContent() {
		text := content.ClampFor(j.Action, models.ParamString(params, "content"))
		if text == "" {
			return o.fail(ctx, j, "empty content")
		}
		params["content"] = text
	}

	res, err := o.act.Do(ctx, agent.ExternalID, j.Action, params)
	if err != nil {
		return o.retryOrFail(ctx, j, err)
	}
	if err := o.store.CompleteFleetJob(ctx, j.ID, res.JSON(), o.opts.Now()); err != nil {
		slog.Error("complete fleet job failed", "job_id", j.ID, "err", err)
		return outcomeSkipped
	}
	otel.RecordJob(ctx, otel.PipelineFleet, string(j.Action), models.StatusCompleted)
	o.opts.Bus.Emit(events.FleetJobCompleted, map[string]any{
		"job_id":    j.ID,
		"agent_id":  j.AgentID,
		"server_id": j.ServerID,
		"action":    string(j.Action),
	})
	return outcomeCompleted
}

// retryOrFail requeues transient failures with backoff until MaxRetries requeues
// have been spent. Anything else fails the job for good.
func (o *Orchestrator) retryOrFail(ctx context.Context, j models.FleetJob, cause error) outcome {
	if !actuation.IsTransient(cause) {
		return o.fail(ctx, j, cause.Error())
	}
	if j.RetryCount >= o.opts.MaxRetries {
		return o.fail(ctx, j, "max retries exhausted: "+cause.Error())
	}
	delay := o.backoff(j.RetryCount)
	runAt := o.opts.Now().Add(delay)
	if err := o.store.RequeueFleetJob(ctx, j.ID, runAt, cause.Error()); err != nil {
		slog.Error("requeue fleet job failed", "job_id", j.ID, "err", err)
		return outcomeSkipped
	}
	slog.Warn("fleet job requeued", "job_id", j.ID, "action", j.Action, "attempt", j.RetryCount+1, "delay", delay, "err", cause)
	return outcomeRequeued
}

func (o *Orchestrator) backoff(attempt int) time.Duration {
	if attempt >= len(o.opts.Backoff) {
		return o.opts.Backoff[len(o.opts.Backoff)-1]
	}
	return o.opts.Backoff[attempt]
}

func (o *Orchestrator) fail(ctx context.Context, j models.FleetJob, msg string) outcome {
	if err := o.store.FailFleetJob(ctx, j.ID, msg, o.opts.Now()); err != nil {
		slog.Error("fail fleet job failed", "job_id", j.ID, "err", err)
	}
	otel.RecordJob(ctx, otel.PipelineFleet, string(j.Action), models.StatusFailed)
	o.opts.Bus.Emit(events.FleetJobFailed, map[string]any{
		"job_id":    j.ID,
		"agent_id":  j.AgentID,
		"server_id": j.ServerID,
		"action":    string(j.Action),
		"error":     msg,
	})
	slog.Warn("fleet job failed", "job_id", j.ID, "action", j.Action, "err", msg)
	return outcomeFailed
}
