package planner

import (
	"context"
	"fmt"
	"strings"

	"github.com/ankittk/sybil/internal/actuation"
	"github.com/ankittk/sybil/internal/content"
	"github.com/ankittk/sybil/pkg/models"
)

// decision is the JSON object the policy service answers with.
type decision struct {
	Action    string         `json:"action"`
	Params    map[string]any `json:"params"`
	Reasoning string         `json:"reasoning"`
}

func (p *Planner) decide(ctx context.Context, in Input, ask string) (decision, error) {
	var d decision
	if err := p.policy.Decide(ctx, buildPrompt(in, ask), &d); err != nil {
		return decision{}, fmt.Errorf("policy decision: %w", err)
	}
	return d, nil
}

// generative asks the policy service for an open-ended decision and repairs it.
func (p *Planner) generative(ctx context.Context, in Input) (models.PlannedAction, error) {
	d, err := p.decide(ctx, in, "Choose the single best next action.")
	if err != nil {
		return models.PlannedAction{}, err
	}
	action, perr := models.ParseAction(d.Action)
	if perr != nil || action == models.ActionNone || !in.Config.Enabled(action) {
		if !in.Config.Enabled(models.ActionPost) {
			return models.SkipAction(fmt.Sprintf("policy chose unusable action %q", d.Action)), nil
		}
		action, d.Params = models.ActionPost, nil
	}
	if d.Params == nil {
		d.Params = map[string]any{}
	}
	pa := models.PlannedAction{Action: action, Params: d.Params, Reasoning: d.Reasoning}
	return p.finish(ctx, in, pa)
}

func (p *Planner) fillContent(ctx context.Context, in Input, pa *models.PlannedAction) error {
	text := strings.TrimSpace(pa.String("content"))
	if text == "" {
		var err error
		switch pa.Action {
		case models.ActionPost:
			text, err = p.writer.Post(ctx, in.Agent, in.Config.PolicyHint, in.State.Feed)
		case models.ActionReply:
			text, err = p.writer.ReplyTo(ctx, in.Agent, findPost(in.State, pa.String("spit_id")))
		case models.ActionSendMessage:
			text, err = p.writer.MessageReply(ctx, in.Agent, handleOf(in.State, pa.String("recipient_id")), nil, "")
		}
		if err != nil {
			return err
		}
	}
	pa.Params["content"] = content.ClampFor(pa.Action, text)
	return nil
}

func findPost(st *actuation.AgentState, id string) actuation.Post {
	for _, post := range st.Feed {
		if post.ID == id {
			return post
		}
	}
	return actuation.Post{ID: id}
}

func handleOf(st *actuation.AgentState, id string) string {
	for _, t := range st.Targets {
		if t.ID == id {
			return t.Handle
		}
	}
	for _, c := range st.Unread {
		if c.PeerID == id {
			return c.PeerHandle
		}
	}
	return "someone"
}

func buildPrompt(in Input, ask string) string {
	st := in.State
	var b strings.Builder
	fmt.Fprintf(&b, "You control @%s (personality: %s).\n", in.Agent.Handle, orDefault(in.Agent.Personality, "none"))
	if in.Config.PolicyHint != "" {
		fmt.Fprintf(&b, "Operator guidance: %s\n", in.Config.PolicyHint)
	}
	fmt.Fprintf(&b, "Strategy: combat=%s banking=%s targets=%s; %s.\n",
		in.Config.CombatStrategy, in.Config.BankingStrategy, in.Config.TargetMode, describeProfile(in.Config.BankingStrategy))
	fmt.Fprintf(&b, "State: hp %d/%d, credits %d, gold %d, bank %d, stock %d shares, market price %.2f (%+.1f%%).\n",
		st.HP, st.MaxHP, st.Credits, st.Gold, st.Bank.Balance, st.Stock.Shares, st.Market.Price, st.Market.Change)
	if len(st.Inventory) > 0 {
		var items []string
		for k, v := range st.Inventory {
			if v > 0 {
				items = append(items, fmt.Sprintf("%s x%d", k, v))
			}
		}
		fmt.Fprintf(&b, "Inventory: %s\n", strings.Join(items, ", "))
	}
	if len(st.Shop) > 0 {
		b.WriteString("Shop:\n")
		for _, si := range st.Shop {
			fmt.Fprintf(&b, "- %s (%s) %d credits\n", si.ItemType, si.Category, si.Price)
		}
	}
	if len(st.Feed) > 0 {
		b.WriteString("Feed:\n")
		for i, post := range st.Feed {
			if i == 10 {
				break
			}
			fmt.Fprintf(&b, "- [%s] @%s: %s\n", post.ID, post.AuthorHandle, content.Clamp(post.Content, 120))
		}
	}
	if len(st.Targets) > 0 {
		b.WriteString("Accounts:\n")
		for i, t := range st.Targets {
			if i == 10 {
				break
			}
			fmt.Fprintf(&b, "- [%s] @%s hp %d\n", t.ID, t.Handle, t.HP)
		}
	}
	var allowed []string
	for _, a := range models.AllActions {
		if in.Config.Enabled(a) {
			allowed = append(allowed, string(a))
		}
	}
	fmt.Fprintf(&b, "Allowed actions: %s.\n", strings.Join(allowed, ", "))
	b.WriteString(ask)
	b.WriteString(` Reply as JSON: {"action": "...", "params": {...}, "reasoning": "..."}. ` +
		`Use spit_id for posts, target_id or recipient_id for accounts, item_type, amount, shares, cd_id as needed.`)
	return b.String()
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
