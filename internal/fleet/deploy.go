package fleet

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ankittk/sybil/internal/actuation"
	"github.com/ankittk/sybil/internal/events"
	"github.com/ankittk/sybil/internal/otel"
	"github.com/ankittk/sybil/pkg/models"
)

// replenish adds at most one created agent per active server that is under capacity
// and has not produced an agent within the replenish window.
func (o *Orchestrator) replenish(ctx context.Context, ts *tickStats) error {
	servers, err := o.store.ListFleetServers(ctx, models.ServerActive)
	if err != nil {
		return fmt.Errorf("list servers: %w", err)
	}
	now := o.opts.Now()
	for _, srv := range servers {
		if srv.LastAgentCreatedAt != nil && now.Sub(*srv.LastAgentCreatedAt) < o.opts.ReplenishWindow {
			continue
		}
		alive, err := o.store.CountAliveFleetAgents(ctx, srv.ID)
		if err != nil {
			return fmt.Errorf("count agents for %s: %w", srv.ID, err)
		}
		if alive >= srv.MaxAgents {
			continue
		}
		name, err := o.nextName(ctx)
		if err != nil {
			slog.Warn("no name available for fleet agent", "server_id", srv.ID, "err", err)
			continue
		}
		a, err := o.store.CreateFleetAgent(ctx, models.FleetAgent{ServerID: srv.ID, Name: name.Name, Handle: name.Handle})
		if err != nil {
			return fmt.Errorf("create fleet agent: %w", err)
		}
		if err := o.store.TouchServerAgentCreated(ctx, srv.ID, now); err != nil {
			return err
		}
		ts.created++
		slog.Info("fleet agent created", "server_id", srv.ID, "agent_id", a.ID, "handle", a.Handle)
	}
	return nil
}

// deployOne claims the oldest created agent and brings it online. A lost claim
// ends the phase quietly; any failure releases the claim so a later tick retries.
// The external account id is stored as soon as it exists, and a retry reuses it.
func (o *Orchestrator) deployOne(ctx context.Context, ts *tickStats) error {
	a, err := o.store.NextUndeployedFleetAgent(ctx)
	if err != nil {
		return fmt.Errorf("next undeployed agent: %w", err)
	}
	if a == nil {
		return nil
	}
	won, err := o.store.ClaimFleetAgentDeploy(ctx, a.ID, o.opts.Now())
	if err != nil {
		return fmt.Errorf("claim deploy: %w", err)
	}
	if !won {
		otel.RecordFleetDeploy(ctx, "race_lost")
		slog.Debug("fleet deploy claim lost", "agent_id", a.ID)
		return nil
	}

	externalID, err := o.account(ctx, *a)
	if err != nil {
		return o.deployFailed(ctx, a.ID, fmt.Errorf("deploy %s: %w", a.Handle, err))
	}

	avatar := o.uploadAvatar(ctx, *a, externalID, ts)
	banner := o.uploadBanner(ctx, *a, externalID, ts)
	if err := o.act.UpdateProfile(ctx, externalID, actuation.Profile{DisplayName: a.Name, Bio: o.bio(ctx, *a)}); err != nil {
		return o.deployFailed(ctx, a.ID, fmt.Errorf("update profile %s: %w", a.Handle, err))
	}

	if err := o.store.MarkFleetAgentDeployed(ctx, a.ID, externalID, avatar, banner, o.opts.Now()); err != nil {
		return o.deployFailed(ctx, a.ID, fmt.Errorf("mark deployed: %w", err))
	}
	ts.deployed++
	o.deployed.Add(1)
	otel.RecordFleetDeploy(ctx, "deployed")
	o.opts.Bus.Emit(events.FleetDeployed, map[string]any{
		"agent_id":    a.ID,
		"server_id":   a.ServerID,
		"handle":      a.Handle,
		"external_id": externalID,
		"avatar":      avatar,
		"banner":      banner,
	})
	slog.Info("fleet agent deployed", "agent_id", a.ID, "handle", a.Handle, "external_id", externalID)
	return nil
}

// account returns the agent's external account, creating and recording it on
// the first attempt.
func (o *Orchestrator) account(ctx context.Context, a models.FleetAgent) (string, error) {
	if a.ExternalID != "" {
		return a.ExternalID, nil
	}
	acc, err := o.act.CreateAccount(ctx, a.Name, a.Handle)
	if err != nil {
		return "", err
	}
	if acc == nil || acc.ID == "" {
		return "", fmt.Errorf("create account: empty account id")
	}
	if err := o.store.SetFleetAgentAccount(ctx, a.ID, acc.ID); err != nil {
		slog.Error("fleet account created but not recorded, it is orphaned", "agent_id", a.ID, "external_id", acc.ID, "err", err)
		return "", fmt.Errorf("record account: %w", err)
	}
	return acc.ID, nil
}

func (o *Orchestrator) deployFailed(ctx context.Context, id string, err error) error {
	o.release(ctx, id)
	otel.RecordFleetDeploy(ctx, "failed")
	return err
}

func (o *Orchestrator) release(ctx context.Context, id string) {
	if err := o.store.ReleaseFleetAgentClaim(ctx, id); err != nil {
		slog.Error("release deploy claim failed", "agent_id", id, "err", err)
	}
}

// repairAssets retries the missing avatar or banner of one deployed agent.
func (o *Orchestrator) repairAssets(ctx context.Context, ts *tickStats) error {
	if o.images == nil {
		return nil
	}
	a, err := o.store.NextFleetAgentMissingAssets(ctx)
	if err != nil {
		return fmt.Errorf("next agent missing assets: %w", err)
	}
	if a == nil {
		return nil
	}
	avatar, banner := a.AvatarSet, a.BannerSet
	if !avatar {
		avatar = o.uploadAvatar(ctx, *a, a.ExternalID, ts)
	}
	if !banner {
		banner = o.uploadBanner(ctx, *a, a.ExternalID, ts)
	}
	if avatar == a.AvatarSet && banner == a.BannerSet {
		return nil
	}
	if err := o.store.SetFleetAgentAssets(ctx, a.ID, avatar, banner); err != nil {
		return fmt.Errorf("set assets: %w", err)
	}
	ts.repaired++
	slog.Info("fleet agent assets repaired", "agent_id", a.ID, "avatar", avatar, "banner", banner)
	return nil
}

func (o *Orchestrator) uploadAvatar(ctx context.Context, a models.FleetAgent, externalID string, ts *tickStats) bool {
	if o.images == nil {
		return false
	}
	ts.imagesUsed = true
	img, err := o.images.GenerateAvatar(ctx, a.Name)
	if err != nil {
		slog.Warn("avatar generation failed", "agent_id", a.ID, "err", err)
		return false
	}
	if err := o.act.UploadAvatar(ctx, externalID, img.Path); err != nil {
		slog.Warn("avatar upload failed", "agent_id", a.ID, "err", err)
		return false
	}
	return true
}

func (o *Orchestrator) uploadBanner(ctx context.Context, a models.FleetAgent, externalID string, ts *tickStats) bool {
	if o.images == nil {
		return false
	}
	ts.imagesUsed = true
	img, err := o.images.GenerateBanner(ctx, a.Name)
	if err != nil {
		slog.Warn("banner generation failed", "agent_id", a.ID, "err", err)
		return false
	}
	if err := o.act.UploadBanner(ctx, externalID, img.Path); err != nil {
		slog.Warn("banner upload failed", "agent_id", a.ID, "err", err)
		return false
	}
	return true
}

// bio asks the policy service for a one-line profile bio. Empty on failure.
func (o *Orchestrator) bio(ctx context.Context, a models.FleetAgent) string {
	if o.writer == nil || o.policy == nil {
		return ""
	}
	text, err := o.writer.Bio(ctx, a.Name, a.Handle)
	if err != nil {
		slog.Debug("bio generation failed", "agent_id", a.ID, "err", err)
		return ""
	}
	return text
}
