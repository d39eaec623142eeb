package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ankittk/sybil/pkg/models"
)

// Trigger plans and runs one action for an agent right now, bypassing pacing and
// the pause flag. An empty action takes the unconstrained planning path. The
// resulting job is tagged manual and never counts against the daily quota.
// A skip decision returns the planned action with no job.
func (s *Scheduler) Trigger(ctx context.Context, agentID string, action models.Action) (models.TriggerResponse, error) {
	var resp models.TriggerResponse
	a, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return resp, err
	}
	in, err := s.input(ctx, a)
	if err != nil {
		return resp, err
	}
	if action == "" {
		resp.Planned, err = s.planner.Plan(ctx, in)
	} else {
		if !action.Valid() {
			return resp, fmt.Errorf("unknown action %q", action)
		}
		resp.Planned, err = s.planner.PlanSpecific(ctx, in, action)
	}
	if err != nil {
		return resp, fmt.Errorf("plan: %w", err)
	}
	if resp.Planned.Skip || resp.Planned.Action == models.ActionNone {
		slog.Info("manual trigger skipped", "agent", a.Handle, "reason", resp.Planned.Reasoning)
		return resp, nil
	}
	job, err := s.runner.CreateAndExecute(ctx, a, resp.Planned)
	if job.ID != 0 {
		resp.Job = &job
	}
	if err != nil {
		return resp, err
	}
	slog.Info("manual trigger executed", "agent", a.Handle, "action", job.Action, "job_id", job.ID)
	return resp, nil
}
