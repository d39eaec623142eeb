package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Action is one verb the actuation API understands. The set is closed: every
// value is listed in AllActions and every dispatch site is checked against it.
type Action string

const (
	ActionNone            Action = "none"
	ActionPost            Action = "post"
	ActionReply           Action = "reply"
	ActionLike            Action = "like"
	ActionRespit          Action = "respit"
	ActionFollow          Action = "follow"
	ActionAttack          Action = "attack"
	ActionBuyItem         Action = "buy_item"
	ActionUseItem         Action = "use_item"
	ActionBankDeposit     Action = "bank_deposit"
	ActionBankWithdraw    Action = "bank_withdraw"
	ActionBuyCD           Action = "buy_cd"
	ActionRedeemCD        Action = "redeem_cd"
	ActionBuyStock        Action = "buy_stock"
	ActionSellStock       Action = "sell_stock"
	ActionClaimDaily      Action = "claim_daily"
	ActionConsolidate     Action = "consolidate"
	ActionSendMessage     Action = "send_message"
	ActionBuyLottery      Action = "buy_lottery"
	ActionScratchTicket   Action = "scratch_ticket"
	ActionConvertCurrency Action = "convert_currency"
)

// AllActions lists every executable action (ActionNone excluded).
var AllActions = []Action{
	ActionPost, ActionReply, ActionLike, ActionRespit, ActionFollow, ActionAttack,
	ActionBuyItem, ActionUseItem, ActionBankDeposit, ActionBankWithdraw,
	ActionBuyCD, ActionRedeemCD, ActionBuyStock, ActionSellStock,
	ActionClaimDaily, ActionConsolidate, ActionSendMessage,
	ActionBuyLottery, ActionScratchTicket, ActionConvertCurrency,
}

// FleetActions is the subset a fleet agent may perform.
var FleetActions = []Action{ActionLike, ActionReply, ActionRespit}

// ParseAction normalizes s and returns the matching action.
func ParseAction(s string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	if a == ActionNone {
		return ActionNone, nil
	}
	for _, known := range AllActions {
		if a == known {
			return a, nil
		}
	}
	return "", fmt.Errorf("unknown action %q", s)
}

// Valid reports whether a is a member of AllActions.
func (a Action) Valid() bool {
	_, err := ParseAction(string(a))
	return err == nil && a != ActionNone
}

// NeedsContent reports whether the action carries free text.
func (a Action) NeedsContent() bool {
	switch a {
	case ActionPost, ActionReply, ActionSendMessage:
		return true
	}
	return false
}

// IsFleetAction reports whether a is allowed for fleet jobs.
func (a Action) IsFleetAction() bool {
	for _, f := range FleetActions {
		if a == f {
			return true
		}
	}
	return false
}

// ContentLimit returns the character limit for the action's free text.
func (a Action) ContentLimit() int {
	if a == ActionSendMessage {
		return MessageCharLimit
	}
	return PostCharLimit
}

// PlannedAction is the planner's output. Skip marks the no-op sentinel.
type PlannedAction struct {
	Action    Action         `json:"action"`
	Params    map[string]any `json:"params,omitempty"`
	Reasoning string         `json:"reasoning,omitempty"`
	Skip      bool           `json:"skip,omitempty"`
}

// SkipAction returns the no-op sentinel with a reason.
func SkipAction(reason string) PlannedAction {
	return PlannedAction{Action: ActionNone, Skip: true, Reasoning: reason}
}

// ParamsJSON encodes the params map for storage.
func (p PlannedAction) ParamsJSON() string {
	if len(p.Params) == 0 {
		return "{}"
	}
	b, err := json.Marshal(p.Params)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// String returns a string param or "".
func (p PlannedAction) String(key string) string {
	return ParamString(p.Params, key)
}

// ParamString reads a string-ish value from a params map.
func ParamString(params map[string]any, key string) string {
	v, ok := params[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return fmt.Sprintf("%.0f", t)
	case int:
		return fmt.Sprintf("%d", t)
	case int64:
		return fmt.Sprintf("%d", t)
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

// ParamInt reads a numeric value from a params map (JSON numbers decode as float64).
func ParamInt(params map[string]any, key string) (int64, bool) {
	v, ok := params[key]
	if !ok || v == nil {
		return 0, false
	}
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case int:
		return int64(t), true
	case int64:
		return t, true
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			f, ferr := t.Float64()
			if ferr != nil {
				return 0, false
			}
			return int64(f), true
		}
		return n, true
	case string:
		var n int64
		if _, err := fmt.Sscan(t, &n); err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}
