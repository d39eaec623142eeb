package planner

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/ankittk/sybil/internal/actuation"
	"github.com/ankittk/sybil/pkg/models"
)

// repair makes a decision executable against the observed state: references are
// resolved to real ids, amounts are clamped to balances, and unaffordable
// purchases are downgraded. It never fails on bad values; it degrades instead.
func (p *Planner) repair(in Input, pa models.PlannedAction) (models.PlannedAction, error) {
	if pa.Params == nil {
		pa.Params = map[string]any{}
	}
	st := in.State
	switch pa.Action {
	case models.ActionPost:

	case models.ActionClaimDaily:
		if !st.DailyAvailable {
			return models.SkipAction("daily bonus already claimed"), nil
		}

	case models.ActionLike, models.ActionRespit, models.ActionReply:
		id, ok := p.resolvePost(in, pa.String("spit_id"))
		if !ok {
			return models.PlannedAction{}, fmt.Errorf("%s: %w", pa.Action, ErrNoCandidates)
		}
		pa.Params["spit_id"] = id

	case models.ActionFollow, models.ActionAttack:
		id, ok := p.resolveTarget(in, pa.Action, pa.String("target_id"))
		if !ok {
			return models.PlannedAction{}, fmt.Errorf("%s: %w", pa.Action, ErrNoCandidates)
		}
		pa.Params["target_id"] = id

	case models.ActionSendMessage:
		id, ok := p.resolveTarget(in, pa.Action, pa.String("recipient_id"))
		if !ok {
			return models.PlannedAction{}, fmt.Errorf("%s: %w", pa.Action, ErrNoCandidates)
		}
		pa.Params["recipient_id"] = id

	case models.ActionBuyItem:
		return p.repairPurchase(in, pa), nil

	case models.ActionUseItem:
		item := pa.String("item_type")
		if st.Has(item) > 0 {
			break
		}
		if _, ok := shopItem(st, item); ok && in.Config.Enabled(models.ActionBuyItem) {
			return p.repairPurchase(in, models.PlannedAction{
				Action:    models.ActionBuyItem,
				Params:    map[string]any{"item_type": item, "quantity": int64(1)},
				Reasoning: "does not own " + item,
			}), nil
		}
		return models.SkipAction("does not own " + item), nil

	case models.ActionBankDeposit, models.ActionBuyCD:
		amt := amountOr(in, pa)
		if amt > st.Credits {
			amt = st.Credits
		}
		if amt < 1 {
			return models.SkipAction("no credits to " + string(pa.Action)), nil
		}
		pa.Params["amount"] = amt

	case models.ActionBankWithdraw:
		amt := amountOr(in, pa)
		if amt > st.Bank.Balance {
			amt = st.Bank.Balance
		}
		if amt < 1 {
			return models.SkipAction("bank balance is empty"), nil
		}
		pa.Params["amount"] = amt

	case models.ActionRedeemCD:
		id := pa.String("cd_id")
		var pick string
		for _, cd := range st.CDs {
			if cd.ID == id {
				pick = id
				break
			}
			if pick == "" && cd.Matured {
				pick = cd.ID
			}
		}
		if pick == "" {
			return models.SkipAction("no certificate to redeem"), nil
		}
		pa.Params["cd_id"] = pick

	case models.ActionBuyStock:
		if st.Market.Price <= 0 {
			return models.SkipAction("no market price"), nil
		}
		maxShares := int64(float64(st.Credits) / st.Market.Price)
		shares, _ := models.ParamInt(pa.Params, "shares")
		if shares < 1 {
			prof := profileFor(in.Config.BankingStrategy)
			shares = max(int64(float64(pct(st.Credits-prof.MinReserve, prof.DepositPct))/st.Market.Price), 1)
		}
		shares = min(shares, maxShares)
		if shares < 1 {
			return models.SkipAction("cannot afford a share"), nil
		}
		pa.Params["shares"] = shares

	case models.ActionSellStock:
		shares, _ := models.ParamInt(pa.Params, "shares")
		if shares < 1 || shares > st.Stock.Shares {
			shares = st.Stock.Shares
		}
		if shares < 1 {
			return models.SkipAction("no shares to sell"), nil
		}
		pa.Params["shares"] = shares

	case models.ActionConsolidate:
		if !in.Agent.HasDistinctOwner() {
			return models.SkipAction("no owner to consolidate to"), nil
		}
		amt := amountOr(in, pa)
		if limit := consolidationAmount(st.Credits, profileFor(in.Config.BankingStrategy).MinReserve); amt > limit {
			amt = limit
		}
		if amt < 1 {
			return models.SkipAction("no surplus to consolidate"), nil
		}
		pa.Params["recipient_id"] = in.Agent.OwnerID
		pa.Params["amount"] = amt

	case models.ActionConvertCurrency:
		amt := amountOr(in, pa)
		if amt > st.Gold {
			amt = st.Gold
		}
		if amt < 1 {
			return models.SkipAction("no gold to convert"), nil
		}
		pa.Params["amount"] = amt

	case models.ActionBuyLottery:
		if st.LotteryPrice > st.Credits {
			return models.SkipAction("cannot afford a lottery ticket"), nil
		}
		if pa.String("ticket_type") == "" {
			pa.Params["ticket_type"] = "standard"
		}

	case models.ActionScratchTicket:
		if _, err := uuid.Parse(pa.String("ticket_id")); err != nil {
			return models.SkipAction("no ticket to scratch"), nil
		}

	default:
		return models.PlannedAction{}, fmt.Errorf("planner: cannot repair action %q", pa.Action)
	}
	return pa, nil
}

func amountOr(in Input, pa models.PlannedAction) int64 {
	if n, ok := models.ParamInt(pa.Params, "amount"); ok && n > 0 {
		return n
	}
	return defaultAmount(in, pa.Action)
}

// repairPurchase guarantees a buy_item never names an item the agent cannot pay
// for: it clamps quantity, downgrades within the category, converts gold, or skips.
func (p *Planner) repairPurchase(in Input, pa models.PlannedAction) models.PlannedAction {
	st := in.State
	item, ok := shopItem(st, pa.String("item_type"))
	if !ok || item.Price <= 0 {
		return models.SkipAction(fmt.Sprintf("item %q is not for sale", pa.String("item_type")))
	}
	qty, _ := models.ParamInt(pa.Params, "quantity")
	qty = max(qty, 1)
	if item.Price*qty > st.Credits {
		qty = max(st.Credits/item.Price, 1)
	}
	if item.Price*qty <= st.Credits {
		pa.Params["item_type"] = item.ItemType
		pa.Params["quantity"] = qty
		return pa
	}
	if alt, ok := bestAffordableIn(st, item.Category, st.Credits); ok {
		return models.PlannedAction{
			Action:    models.ActionBuyItem,
			Params:    map[string]any{"item_type": alt.ItemType, "quantity": int64(1)},
			Reasoning: fmt.Sprintf("downgraded %s to affordable %s", item.ItemType, alt.ItemType),
		}
	}
	if st.Gold > 0 && st.ExchangeRate > 0 && in.Config.Enabled(models.ActionConvertCurrency) {
		short := item.Price - st.Credits
		need := int64(float64(short)/st.ExchangeRate + 0.999999)
		if need <= st.Gold {
			return models.PlannedAction{
				Action:    models.ActionConvertCurrency,
				Params:    map[string]any{"amount": max(need, 1)},
				Reasoning: fmt.Sprintf("converting gold to afford %s", item.ItemType),
			}
		}
	}
	return models.SkipAction("cannot afford " + item.ItemType)
}

// resolvePost returns a feed post id for ref: the id itself when it is a UUID,
// else the newest post by a handle matching ref, else a random candidate.
func (p *Planner) resolvePost(in Input, ref string) (string, bool) {
	var candidates []actuation.Post
	for _, post := range in.State.Feed {
		if post.ID == "" || (in.Agent.ExternalID != "" && post.AuthorID == in.Agent.ExternalID) {
			continue
		}
		candidates = append(candidates, post)
	}
	ref = strings.TrimSpace(ref)
	if _, err := uuid.Parse(ref); err == nil {
		return ref, true
	}
	if h := strings.TrimPrefix(ref, "@"); h != "" {
		for _, post := range candidates {
			if strings.EqualFold(post.AuthorHandle, h) {
				return post.ID, true
			}
		}
	}
	if len(candidates) == 0 {
		return "", false
	}
	return candidates[p.rand.Intn(len(candidates))].ID, true
}

// resolveTarget returns an account id for ref with the same UUID / handle / fallback
// order. Attack fallbacks honor the configured target mode and skip dead accounts.
func (p *Planner) resolveTarget(in Input, action models.Action, ref string) (string, bool) {
	var candidates []actuation.Target
	for _, t := range in.State.Targets {
		if t.ID == "" || t.ID == in.Agent.ExternalID || t.ID == in.State.ID {
			continue
		}
		if action == models.ActionAttack && (t.Destroyed || t.HP <= 0) {
			continue
		}
		candidates = append(candidates, t)
	}
	if action == models.ActionSendMessage {
		for _, c := range in.State.Unread {
			candidates = append(candidates, actuation.Target{ID: c.PeerID, Handle: c.PeerHandle})
		}
	}
	ref = strings.TrimSpace(ref)
	if _, err := uuid.Parse(ref); err == nil {
		return ref, true
	}
	if h := strings.TrimPrefix(ref, "@"); h != "" {
		for _, t := range candidates {
			if strings.EqualFold(t.Handle, h) {
				return t.ID, true
			}
		}
	}
	if len(candidates) == 0 {
		return "", false
	}
	if action == models.ActionAttack {
		switch in.Config.TargetMode {
		case models.TargetWeakest:
			sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].HP < candidates[j].HP })
			return candidates[0].ID, true
		case models.TargetStrongest:
			sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].HP > candidates[j].HP })
			return candidates[0].ID, true
		}
	}
	return candidates[p.rand.Intn(len(candidates))].ID, true
}
