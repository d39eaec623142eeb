package fleet

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ankittk/sybil/internal/events"
)

// healthCheck probes a random batch of deployed agents. Dead ones get their pending
// jobs cancelled and are flagged for the next cleanup; live ones refresh their HP.
func (o *Orchestrator) healthCheck(ctx context.Context, ts *tickStats) error {
	agents, err := o.store.SampleDeployedFleetAgents(ctx, o.opts.HealthBatch)
	if err != nil {
		return fmt.Errorf("sample agents: %w", err)
	}
	if len(agents) == 0 {
		return nil
	}
	var dead []string
	for _, a := range agents {
		st, err := o.act.Status(ctx, a.ExternalID)
		if err != nil {
			slog.Warn("fleet status probe failed", "agent_id", a.ID, "err", err)
			continue
		}
		ts.checked++
		if !st.Dead() {
			if st.HP != a.HP {
				if err := o.store.UpdateFleetAgentHP(ctx, a.ID, st.HP); err != nil {
					slog.Error("update fleet agent hp failed", "agent_id", a.ID, "err", err)
				}
			}
			continue
		}
		now := o.opts.Now()
		n, err := o.store.CancelPendingFleetJobsForAgent(ctx, a.ID, "agent died", now)
		if err != nil {
			slog.Error("cancel jobs for dead agent failed", "agent_id", a.ID, "err", err)
		}
		if err := o.store.MarkFleetAgentDead(ctx, a.ID, now); err != nil {
			return fmt.Errorf("mark %s dead: %w", a.ID, err)
		}
		dead = append(dead, a.Handle)
		slog.Info("fleet agent died", "agent_id", a.ID, "handle", a.Handle, "cancelled_jobs", n)
	}
	ts.deaths = len(dead)
	o.opts.Bus.Emit(events.FleetHealthCheck, map[string]any{
		"checked": ts.checked,
		"deaths":  len(dead),
		"dead":    dead,
	})
	return nil
}
