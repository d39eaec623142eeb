package planner

import (
	"fmt"
	"strings"

	"github.com/ankittk/sybil/pkg/models"
)

// profile holds the numeric knobs of a banking strategy.
type profile struct {
	DepositPct  int64 // share of spendable credits to deposit
	WithdrawPct int64 // share of the bank balance to withdraw when short
	MinReserve  int64 // credits kept in the wallet
	BuyBelow    float64
	SellAbove   float64
	CDPct       int64 // share of spendable credits locked in a CD
}

var profiles = map[string]profile{
	models.BankingConservative: {DepositPct: 50, WithdrawPct: 20, MinReserve: 500, BuyBelow: 40, SellAbove: 60, CDPct: 30},
	models.BankingBalanced:     {DepositPct: 30, WithdrawPct: 30, MinReserve: 250, BuyBelow: 50, SellAbove: 75, CDPct: 20},
	models.BankingAggressive:   {DepositPct: 15, WithdrawPct: 50, MinReserve: 100, BuyBelow: 65, SellAbove: 100, CDPct: 10},
}

func profileFor(strategy string) profile {
	if p, ok := profiles[strategy]; ok {
		return p
	}
	return profiles[models.BankingBalanced]
}

func pct(v, p int64) int64 { return v * p / 100 }

// advise walks the server's prioritized hints and returns the first one that is
// actionable right now.
func (p *Planner) advise(in Input) (models.PlannedAction, bool) {
	for _, hint := range in.State.Advice {
		if pa, ok := p.translate(in, normalizeHint(hint)); ok && in.Config.Enabled(pa.Action) {
			pa.Reasoning = "advisor: " + hint
			return pa, true
		}
	}
	return models.PlannedAction{}, false
}

func normalizeHint(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	h = strings.ReplaceAll(h, " ", "_")
	h = strings.ReplaceAll(h, "-", "_")
	return h
}

func (p *Planner) translate(in Input, hint string) (models.PlannedAction, bool) {
	st := in.State
	prof := profileFor(in.Config.BankingStrategy)
	spendable := st.Credits - prof.MinReserve
	act := func(a models.Action, params map[string]any) (models.PlannedAction, bool) {
		return models.PlannedAction{Action: a, Params: params}, true
	}

	switch hint {
	case "redeem_cd", "redeem_matured_cd":
		for _, cd := range st.CDs {
			if cd.Matured {
				return act(models.ActionRedeemCD, map[string]any{"cd_id": cd.ID})
			}
		}
	case "buy_stock", "buy_the_dip":
		price := st.Market.Price
		if price <= 0 || price > prof.BuyBelow || spendable <= 0 {
			break
		}
		if shares := int64(float64(pct(spendable, prof.DepositPct)) / price); shares >= 1 {
			return act(models.ActionBuyStock, map[string]any{"shares": shares})
		}
	case "sell_stock", "take_profit":
		if st.Stock.Shares > 0 && st.Market.Price >= prof.SellAbove {
			return act(models.ActionSellStock, map[string]any{"shares": st.Stock.Shares})
		}
	case "deposit_at_peak_rate", "bank_deposit", "deposit":
		if hint == "deposit_at_peak_rate" && !st.Bank.AtPeak {
			break
		}
		if amt := pct(spendable, prof.DepositPct); amt >= 1 {
			return act(models.ActionBankDeposit, map[string]any{"amount": amt})
		}
	case "bank_withdraw", "withdraw":
		if st.Credits < prof.MinReserve && st.Bank.Balance > 0 {
			if amt := max(pct(st.Bank.Balance, prof.WithdrawPct), 1); amt <= st.Bank.Balance {
				return act(models.ActionBankWithdraw, map[string]any{"amount": amt})
			}
		}
	case "buy_cd", "lock_in_cd":
		if amt := pct(spendable, prof.CDPct); amt >= 1 {
			return act(models.ActionBuyCD, map[string]any{"amount": amt, "term_days": int64(7)})
		}
	case "convert_currency", "convert_gold":
		if st.Gold > 0 {
			return act(models.ActionConvertCurrency, map[string]any{"amount": st.Gold})
		}
	case "buy_lottery", "lottery":
		if st.LotteryPrice > 0 && st.LotteryPrice <= spendable {
			return act(models.ActionBuyLottery, map[string]any{"ticket_type": "standard"})
		}
	}
	return models.PlannedAction{}, false
}

// defaultAmount fills a missing amount the way the advisor would size it.
func defaultAmount(in Input, a models.Action) int64 {
	st := in.State
	prof := profileFor(in.Config.BankingStrategy)
	spendable := st.Credits - prof.MinReserve
	switch a {
	case models.ActionBankDeposit:
		return max(pct(spendable, prof.DepositPct), 1)
	case models.ActionBankWithdraw:
		return max(pct(st.Bank.Balance, prof.WithdrawPct), 1)
	case models.ActionBuyCD:
		return max(pct(spendable, prof.CDPct), 1)
	case models.ActionConsolidate:
		return consolidationAmount(st.Credits, prof.MinReserve)
	case models.ActionConvertCurrency:
		return st.Gold
	}
	return 0
}

func describeProfile(strategy string) string {
	p := profileFor(strategy)
	return fmt.Sprintf("keep at least %d credits in wallet; buy stock below %.0f, sell above %.0f", p.MinReserve, p.BuyBelow, p.SellAbove)
}
