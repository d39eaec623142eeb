// Package planner decides the next action for a primary agent. Decisions run a
// strict priority chain of deterministic guards, then a financial-advisor
// translation, then a generative fallback whose output is repaired against the
// agent's observed state before it is returned.
package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ankittk/sybil/internal/actuation"
	"github.com/ankittk/sybil/internal/content"
	"github.com/ankittk/sybil/internal/policy"
	"github.com/ankittk/sybil/internal/store"
	"github.com/ankittk/sybil/pkg/models"
)

// ErrNoCandidates is returned when an action needs a post or account to act on
// and the observed state offers none.
var ErrNoCandidates = errors.New("planner: no candidates")

// healItems is ordered best to worst.
var healItems = []string{"full_restore", "large_potion", "medium_potion", "small_potion"}

// JobHistory is the store surface the planner reads.
type JobHistory interface {
	HasJobSince(ctx context.Context, agentID string, action models.Action, since time.Time) (bool, error)
}

// ConversationReader fetches full private-conversation history.
type ConversationReader interface {
	Conversation(ctx context.Context, agentID, conversationID string) (*actuation.Conversation, error)
}

// Input is everything one decision is made from.
type Input struct {
	Agent  models.Agent
	Config models.AgentConfig
	State  *actuation.AgentState
}

func (in Input) healThreshold() int {
	if in.Config.AutoHealThreshold > 0 {
		return in.Config.AutoHealThreshold
	}
	return models.DefaultAutoHealThreshold
}

// Options configures a Planner.
type Options struct {
	Jobs          JobHistory
	Policy        policy.Service
	Writer        *content.Writer
	Conversations ConversationReader // optional
	Rand          content.Rand
	Now           func() time.Time
}

// Planner is safe for concurrent use when its Rand is.
type Planner struct {
	jobs   JobHistory
	policy policy.Service
	writer *content.Writer
	convs  ConversationReader
	rand   content.Rand
	now    func() time.Time
}

// New returns a Planner. A nil Writer is built from Policy and Rand.
func New(opts Options) *Planner {
	if opts.Rand == nil {
		opts.Rand = content.NewRand(time.Now().UnixNano())
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Writer == nil {
		opts.Writer = content.NewWriter(opts.Policy, nil, opts.Rand)
	}
	return &Planner{
		jobs:   opts.Jobs,
		policy: opts.Policy,
		writer: opts.Writer,
		convs:  opts.Conversations,
		rand:   opts.Rand,
		now:    opts.Now,
	}
}

// Plan runs the full priority chain and returns one decision. Policy service
// errors propagate; nothing is committed.
func (p *Planner) Plan(ctx context.Context, in Input) (models.PlannedAction, error) {
	if in.State == nil {
		return models.PlannedAction{}, errors.New("planner: no observed state")
	}
	if pa, ok := p.destroyedGuard(in); ok {
		return pa, nil
	}
	if pa, ok := p.freeLootGuard(in); ok {
		return pa, nil
	}
	if pa, ok, err := p.consolidation(ctx, in); err != nil {
		return models.PlannedAction{}, err
	} else if ok {
		return pa, nil
	}
	if pa, ok := p.autoHeal(in); ok {
		return pa, nil
	}
	if pa, ok, err := p.unreadReply(ctx, in); err != nil {
		return models.PlannedAction{}, err
	} else if ok {
		return pa, nil
	}
	if pa, ok := p.posture(in); ok {
		return pa, nil
	}
	if pa, ok := p.advise(in); ok {
		return pa, nil
	}
	return p.generative(ctx, in)
}

// PlanSpecific returns a decision for a pre-selected action. The destroyed,
// free-loot, auto-heal and unread-reply guards still take precedence.
func (p *Planner) PlanSpecific(ctx context.Context, in Input, action models.Action) (models.PlannedAction, error) {
	if in.State == nil {
		return models.PlannedAction{}, errors.New("planner: no observed state")
	}
	if !action.Valid() {
		return models.PlannedAction{}, fmt.Errorf("planner: invalid action %q", action)
	}
	if pa, ok := p.destroyedGuard(in); ok {
		return pa, nil
	}
	if pa, ok := p.freeLootGuard(in); ok {
		return pa, nil
	}
	if pa, ok := p.autoHeal(in); ok {
		return pa, nil
	}
	if pa, ok, err := p.unreadReply(ctx, in); err != nil {
		return models.PlannedAction{}, err
	} else if ok {
		return pa, nil
	}

	pa := models.PlannedAction{Action: action, Params: map[string]any{}, Reasoning: "scheduled " + string(action)}
	if !isSocial(action) && !action.NeedsContent() {
		d, err := p.decide(ctx, in, fmt.Sprintf("You must perform the action %q now. Choose its params.", action))
		if err != nil {
			return models.PlannedAction{}, err
		}
		if d.Params != nil {
			pa.Params = d.Params
		}
		if d.Reasoning != "" {
			pa.Reasoning = d.Reasoning
		}
	}
	return p.finish(ctx, in, pa)
}

// finish repairs ids and amounts, then fills and clamps free text.
func (p *Planner) finish(ctx context.Context, in Input, pa models.PlannedAction) (models.PlannedAction, error) {
	pa, err := p.repair(in, pa)
	if err != nil || pa.Skip {
		return pa, err
	}
	if pa.Action.NeedsContent() {
		if err := p.fillContent(ctx, in, &pa); err != nil {
			return models.PlannedAction{}, err
		}
	}
	return pa, nil
}

func (p *Planner) destroyedGuard(in Input) (models.PlannedAction, bool) {
	if in.State.IsDestroyed() {
		return models.SkipAction("agent is destroyed"), true
	}
	return models.PlannedAction{}, false
}

func (p *Planner) freeLootGuard(in Input) (models.PlannedAction, bool) {
	if in.State.DailyAvailable {
		return models.PlannedAction{Action: models.ActionClaimDaily, Params: map[string]any{}, Reasoning: "daily bonus available"}, true
	}
	return models.PlannedAction{}, false
}

// consolidation sends a slice of surplus credits to the owner at most once per day.
// The daily check reads the job table, so a queued or completed consolidation
// blocks another one, across restarts too.
func (p *Planner) consolidation(ctx context.Context, in Input) (models.PlannedAction, bool, error) {
	if !in.Agent.HasDistinctOwner() || p.jobs == nil {
		return models.PlannedAction{}, false, nil
	}
	amount := consolidationAmount(in.State.Credits, profileFor(in.Config.BankingStrategy).MinReserve)
	if amount < 1 {
		return models.PlannedAction{}, false, nil
	}
	done, err := p.jobs.HasJobSince(ctx, in.Agent.ID, models.ActionConsolidate, store.StartOfDay(p.now()))
	if err != nil {
		return models.PlannedAction{}, false, fmt.Errorf("consolidation check: %w", err)
	}
	if done {
		return models.PlannedAction{}, false, nil
	}
	return models.PlannedAction{
		Action:    models.ActionConsolidate,
		Params:    map[string]any{"recipient_id": in.Agent.OwnerID, "amount": amount},
		Reasoning: "daily consolidation to owner",
	}, true, nil
}

// consolidationAmount is 10% of the credits above reserve, rounded down.
func consolidationAmount(credits, reserve int64) int64 {
	surplus := credits - reserve
	if surplus <= 0 {
		return 0
	}
	return surplus / 10
}

func (p *Planner) autoHeal(in Input) (models.PlannedAction, bool) {
	st := in.State
	if st.HP >= in.healThreshold() {
		return models.PlannedAction{}, false
	}
	for _, item := range healItems {
		if st.Has(item) > 0 {
			return models.PlannedAction{
				Action:    models.ActionUseItem,
				Params:    map[string]any{"item_type": item},
				Reasoning: fmt.Sprintf("hp %d below %d, using %s", st.HP, in.healThreshold(), item),
			}, true
		}
	}
	for _, item := range healItems {
		if si, ok := shopItem(st, item); ok && si.Price <= st.Credits {
			return models.PlannedAction{
				Action:    models.ActionBuyItem,
				Params:    map[string]any{"item_type": item, "quantity": int64(1)},
				Reasoning: fmt.Sprintf("hp %d below %d, buying %s", st.HP, in.healThreshold(), item),
			}, true
		}
	}
	return models.PlannedAction{}, false
}

func (p *Planner) unreadReply(ctx context.Context, in Input) (models.PlannedAction, bool, error) {
	if len(in.State.Unread) == 0 {
		return models.PlannedAction{}, false, nil
	}
	conv := in.State.Unread[0]
	var history []actuation.Message
	if p.convs != nil && conv.ID != "" {
		full, err := p.convs.Conversation(ctx, in.Agent.ExternalID, conv.ID)
		if err != nil {
			slog.Warn("conversation history unavailable, using summary", "agent", in.Agent.Handle, "conversation", conv.ID, "err", err)
		} else if full != nil {
			history = full.Messages
		}
	}
	text, err := p.writer.MessageReply(ctx, in.Agent, conv.PeerHandle, history, conv.LastMessage)
	if err != nil {
		return models.PlannedAction{}, false, err
	}
	return models.PlannedAction{
		Action: models.ActionSendMessage,
		Params: map[string]any{
			"recipient_id":    conv.PeerID,
			"conversation_id": conv.ID,
			"content":         content.ClampFor(models.ActionSendMessage, text),
		},
		Reasoning: "replying to unread message from @" + conv.PeerHandle,
	}, true, nil
}

// posture applies combat-strategy upkeep: defensive agents stay defended,
// aggressive agents keep a damage buff while armed.
func (p *Planner) posture(in Input) (models.PlannedAction, bool) {
	st := in.State
	var category, why string
	switch in.Config.CombatStrategy {
	case models.CombatDefensive:
		if st.DefenseActive {
			return models.PlannedAction{}, false
		}
		category, why = actuation.CategoryDefense, "defensive posture"
	case models.CombatAggressive:
		if !st.Armed || st.DamageBuffActive {
			return models.PlannedAction{}, false
		}
		category, why = actuation.CategoryBuff, "aggressive posture"
	default:
		return models.PlannedAction{}, false
	}
	cheapest, ok := cheapestIn(st, category)
	if !ok {
		return models.PlannedAction{}, false
	}
	if st.Has(cheapest.ItemType) > 0 && in.Config.Enabled(models.ActionUseItem) {
		return models.PlannedAction{Action: models.ActionUseItem, Params: map[string]any{"item_type": cheapest.ItemType}, Reasoning: why}, true
	}
	if cheapest.Price <= st.Credits && in.Config.Enabled(models.ActionBuyItem) {
		return models.PlannedAction{Action: models.ActionBuyItem, Params: map[string]any{"item_type": cheapest.ItemType, "quantity": int64(1)}, Reasoning: why}, true
	}
	return models.PlannedAction{}, false
}

func shopItem(st *actuation.AgentState, itemType string) (actuation.ShopItem, bool) {
	for _, si := range st.Shop {
		if si.ItemType == itemType {
			return si, true
		}
	}
	return actuation.ShopItem{}, false
}

func cheapestIn(st *actuation.AgentState, category string) (actuation.ShopItem, bool) {
	var best actuation.ShopItem
	found := false
	for _, si := range st.Shop {
		if si.Category != category {
			continue
		}
		if !found || si.Price < best.Price {
			best, found = si, true
		}
	}
	return best, found
}

// bestAffordableIn returns the most expensive item of category the agent can pay for.
func bestAffordableIn(st *actuation.AgentState, category string, budget int64) (actuation.ShopItem, bool) {
	var best actuation.ShopItem
	found := false
	for _, si := range st.Shop {
		if si.Category != category || si.Price > budget || si.Price <= 0 {
			continue
		}
		if !found || si.Price > best.Price {
			best, found = si, true
		}
	}
	return best, found
}

func isSocial(a models.Action) bool {
	switch a {
	case models.ActionLike, models.ActionRespit, models.ActionReply, models.ActionFollow, models.ActionAttack:
		return true
	}
	return false
}
