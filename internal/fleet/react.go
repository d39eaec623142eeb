package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ankittk/sybil/internal/actuation"
	"github.com/ankittk/sybil/internal/events"
	"github.com/ankittk/sybil/pkg/models"
)

// genericReactions stand in when the reaction cache is empty and cannot be refilled.
var genericReactions = []string{
	"this is so real",
	"couldn't agree more",
	"love this",
	"say it louder",
	"facts",
	"needed to hear this today",
	"honestly yes",
	"big if true",
}

const ownerPostsLimit = 5

// react fans reaction jobs out to every deployed agent of a server when its owner
// has posted since the last tick.
func (o *Orchestrator) react(ctx context.Context, ts *tickStats) error {
	servers, err := o.store.ListFleetServers(ctx, models.ServerActive)
	if err != nil {
		return fmt.Errorf("list servers: %w", err)
	}
	for _, srv := range servers {
		if srv.OwnerID == "" {
			continue
		}
		n, err := o.reactServer(ctx, srv)
		if err != nil {
			slog.Error("fleet react failed", "server_id", srv.ID, "err", err)
			o.countError(ctx)
			continue
		}
		ts.reactions += n
	}
	return nil
}

func (o *Orchestrator) reactServer(ctx context.Context, srv models.FleetServer) (int, error) {
	posts, err := o.act.RecentPosts(ctx, srv.OwnerID, ownerPostsLimit)
	if err != nil {
		return 0, fmt.Errorf("owner posts: %w", err)
	}
	if len(posts) == 0 {
		return 0, nil
	}
	newest := posts[0]
	if newest.ID == srv.LastSeenPostID {
		return 0, nil
	}
	if srv.LastSeenPostID == "" {
		slog.Info("fleet owner baseline recorded", "server_id", srv.ID, "post_id", newest.ID)
		return 0, o.store.SetLastSeenPost(ctx, srv.ID, newest.ID)
	}

	agents, err := o.store.ListDeployedAliveFleetAgents(ctx, srv.ID)
	if err != nil {
		return 0, fmt.Errorf("list deployed agents: %w", err)
	}
	o.refillReactions(ctx, srv.ID, newest, len(agents))

	now := o.opts.Now()
	created := 0
	for i, a := range agents {
		base := now.Add(time.Duration(i)*staggerStep + time.Duration(o.opts.Rand.Intn(int(staggerJitter/time.Millisecond)))*time.Millisecond)
		if err := o.enqueue(ctx, a, models.ActionLike, map[string]any{"spit_id": newest.ID}, base); err != nil {
			return created, err
		}
		created++
		if o.opts.Rand.Float64() < replyChance {
			text := o.reaction(ctx, srv.ID, newest, len(agents))
			if err := o.enqueue(ctx, a, models.ActionReply, map[string]any{"spit_id": newest.ID, "content": text}, base.Add(replyOffset)); err != nil {
				return created, err
			}
			created++
		}
		if o.opts.Rand.Float64() < respitChance {
			if err := o.enqueue(ctx, a, models.ActionRespit, map[string]any{"spit_id": newest.ID}, base.Add(respitOffset)); err != nil {
				return created, err
			}
			created++
		}
	}
	if err := o.store.SetLastSeenPost(ctx, srv.ID, newest.ID); err != nil {
		return created, fmt.Errorf("advance last seen post: %w", err)
	}
	o.reacted.Add(int64(created))
	o.opts.Bus.Emit(events.FleetReaction, map[string]any{
		"server_id": srv.ID,
		"post_id":   newest.ID,
		"agents":    len(agents),
		"jobs":      created,
	})
	slog.Info("fleet reacting to owner post", "server_id", srv.ID, "post_id", newest.ID, "agents", len(agents), "jobs", created)
	return created, nil
}

func (o *Orchestrator) enqueue(ctx context.Context, a models.FleetAgent, action models.Action, params map[string]any, at time.Time) error {
	b, err := json.Marshal(params)
	if err != nil {
		return err
	}
	_, err = o.store.CreateFleetJob(ctx, models.FleetJob{
		ServerID:     a.ServerID,
		AgentID:      a.ID,
		Action:       action,
		Payload:      string(b),
		ScheduledFor: at,
	})
	if err != nil {
		return fmt.Errorf("create %s job for %s: %w", action, a.Handle, err)
	}
	return nil
}

// reaction takes one cached reply for the post, refilling the cache when it runs
// low and falling back to a generic line when it stays empty.
func (o *Orchestrator) reaction(ctx context.Context, serverID string, post actuation.Post, audience int) string {
	text, ok, err := o.store.TakeReaction(ctx, serverID, post.ID)
	if err != nil {
		slog.Warn("take reaction failed", "server_id", serverID, "err", err)
	}
	if !ok {
		o.refillReactions(ctx, serverID, post, audience)
		text, ok, _ = o.store.TakeReaction(ctx, serverID, post.ID)
	}
	if !ok || text == "" {
		return genericReactions[o.opts.Rand.Intn(len(genericReactions))]
	}
	return text
}

func (o *Orchestrator) refillReactions(ctx context.Context, serverID string, post actuation.Post, audience int) {
	if o.writer == nil || o.policy == nil {
		return
	}
	have, err := o.store.CountUnusedReactions(ctx, serverID, post.ID)
	if err != nil || have >= o.opts.ReactionLowWater {
		return
	}
	want := audience
	if want < o.opts.ReactionLowWater {
		want = o.opts.ReactionLowWater
	}
	texts, err := o.writer.Reactions(ctx, post, want)
	if err != nil {
		slog.Warn("reaction generation failed", "server_id", serverID, "err", err)
		return
	}
	if err := o.store.InsertReactions(ctx, serverID, post.ID, texts); err != nil {
		slog.Warn("reaction cache insert failed", "server_id", serverID, "err", err)
	}
}
