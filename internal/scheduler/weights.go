package scheduler

import "github.com/ankittk/sybil/pkg/models"

type weighted struct {
	action models.Action
	weight float64
}

// Weights is the static selection table. Guard-driven actions (claim_daily,
// consolidate) and follow-ups (scratch_ticket) are never picked directly.
var Weights = []weighted{
	{models.ActionPost, 25},
	{models.ActionReply, 20},
	{models.ActionLike, 15},
	{models.ActionRespit, 10},
	{models.ActionFollow, 10},
	{models.ActionAttack, 8},
	{models.ActionBuyItem, 4},
	{models.ActionBankDeposit, 3},
	{models.ActionSendMessage, 2},
	{models.ActionBankWithdraw, 2},
	{models.ActionBuyStock, 2},
	{models.ActionSellStock, 2},
	{models.ActionBuyCD, 2},
	{models.ActionBuyLottery, 2},
	{models.ActionUseItem, 1},
	{models.ActionRedeemCD, 1},
	{models.ActionConvertCurrency, 1},
}

// WeightedPick maps r in [0,1) onto the enabled rows of Weights: r is scaled to
// [0,total) and weights are subtracted in table order until it drops to zero.
func WeightedPick(cfg models.AgentConfig, r float64) (models.Action, bool) {
	var total float64
	for _, w := range Weights {
		if cfg.Enabled(w.action) {
			total += w.weight
		}
	}
	if total == 0 {
		return "", false
	}
	x := r * total
	var last models.Action
	for _, w := range Weights {
		if !cfg.Enabled(w.action) {
			continue
		}
		last = w.action
		x -= w.weight
		if x < 0 {
			return w.action, true
		}
	}
	return last, true
}
