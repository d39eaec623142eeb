package actuation

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ankittk/sybil/pkg/models"
)

// One method per action verb. Each takes the acting agent's external id.

func (c *Client) Post(ctx context.Context, agentID, content string) (Result, error) {
	return c.act(ctx, agentID, "post", map[string]any{"content": content})
}

func (c *Client) Reply(ctx context.Context, agentID, spitID, content string) (Result, error) {
	return c.act(ctx, agentID, "reply", map[string]any{"spit_id": spitID, "content": content})
}

func (c *Client) Like(ctx context.Context, agentID, spitID string) (Result, error) {
	return c.act(ctx, agentID, "like", map[string]any{"spit_id": spitID})
}

func (c *Client) Respit(ctx context.Context, agentID, spitID string) (Result, error) {
	return c.act(ctx, agentID, "respit", map[string]any{"spit_id": spitID})
}

func (c *Client) Follow(ctx context.Context, agentID, targetID string) (Result, error) {
	return c.act(ctx, agentID, "follow", map[string]any{"target_id": targetID})
}

func (c *Client) Attack(ctx context.Context, agentID, targetID string) (Result, error) {
	return c.act(ctx, agentID, "attack", map[string]any{"target_id": targetID})
}

func (c *Client) BuyItem(ctx context.Context, agentID, itemType string, quantity int64) (Result, error) {
	if quantity <= 0 {
		quantity = 1
	}
	return c.act(ctx, agentID, "buy_item", map[string]any{"item_type": itemType, "quantity": quantity})
}

// UseItem applies an owned item; targetID is optional (self when empty).
func (c *Client) UseItem(ctx context.Context, agentID, itemType, targetID string) (Result, error) {
	p := map[string]any{"item_type": itemType}
	if targetID != "" {
		p["target_id"] = targetID
	}
	return c.act(ctx, agentID, "use_item", p)
}

func (c *Client) BankDeposit(ctx context.Context, agentID string, amount int64) (Result, error) {
	return c.act(ctx, agentID, "bank_deposit", map[string]any{"amount": amount})
}

func (c *Client) BankWithdraw(ctx context.Context, agentID string, amount int64) (Result, error) {
	return c.act(ctx, agentID, "bank_withdraw", map[string]any{"amount": amount})
}

func (c *Client) BuyCD(ctx context.Context, agentID string, amount int64, termDays int64) (Result, error) {
	if termDays <= 0 {
		termDays = 7
	}
	return c.act(ctx, agentID, "buy_cd", map[string]any{"amount": amount, "term_days": termDays})
}

func (c *Client) RedeemCD(ctx context.Context, agentID, cdID string) (Result, error) {
	return c.act(ctx, agentID, "redeem_cd", map[string]any{"cd_id": cdID})
}

func (c *Client) BuyStock(ctx context.Context, agentID string, shares int64) (Result, error) {
	return c.act(ctx, agentID, "buy_stock", map[string]any{"shares": shares})
}

func (c *Client) SellStock(ctx context.Context, agentID string, shares int64) (Result, error) {
	return c.act(ctx, agentID, "sell_stock", map[string]any{"shares": shares})
}

func (c *Client) ClaimDaily(ctx context.Context, agentID string) (Result, error) {
	return c.act(ctx, agentID, "claim_daily", nil)
}

// Transfer sends credits to another account; used by consolidation.
func (c *Client) Transfer(ctx context.Context, agentID, recipientID string, amount int64) (Result, error) {
	return c.act(ctx, agentID, "transfer", map[string]any{"recipient_id": recipientID, "amount": amount})
}

func (c *Client) SendMessage(ctx context.Context, agentID, recipientID, content string) (Result, error) {
	return c.act(ctx, agentID, "send_message", map[string]any{"recipient_id": recipientID, "content": content})
}

// BuyLottery buys one ticket; the result carries "ticket_id".
func (c *Client) BuyLottery(ctx context.Context, agentID, ticketType string) (Result, error) {
	if ticketType == "" {
		ticketType = "standard"
	}
	res, err := c.act(ctx, agentID, "buy_lottery", map[string]any{"ticket_type": ticketType})
	if err == nil && c.DryRun() {
		res["ticket_id"] = uuid.NewString()
	}
	return res, err
}

func (c *Client) ScratchTicket(ctx context.Context, agentID, ticketID string) (Result, error) {
	return c.act(ctx, agentID, "scratch_ticket", map[string]any{"ticket_id": ticketID})
}

// ConvertCurrency exchanges gold for credits.
func (c *Client) ConvertCurrency(ctx context.Context, agentID string, goldAmount int64) (Result, error) {
	return c.act(ctx, agentID, "convert_currency", map[string]any{"amount": goldAmount, "from": "gold", "to": "credits"})
}

// Do dispatches a planned action to its verb. Params use the planner's keys.
// Adding an Action without a case here fails TestDoCoversEveryAction.
func (c *Client) Do(ctx context.Context, agentID string, action models.Action, params map[string]any) (Result, error) {
	str := func(k string) string { return models.ParamString(params, k) }
	num := func(k string) int64 {
		n, _ := models.ParamInt(params, k)
		return n
	}
	switch action {
	case models.ActionPost:
		return c.Post(ctx, agentID, str("content"))
	case models.ActionReply:
		return c.Reply(ctx, agentID, str("spit_id"), str("content"))
	case models.ActionLike:
		return c.Like(ctx, agentID, str("spit_id"))
	case models.ActionRespit:
		return c.Respit(ctx, agentID, str("spit_id"))
	case models.ActionFollow:
		return c.Follow(ctx, agentID, str("target_id"))
	case models.ActionAttack:
		return c.Attack(ctx, agentID, str("target_id"))
	case models.ActionBuyItem:
		return c.BuyItem(ctx, agentID, str("item_type"), num("quantity"))
	case models.ActionUseItem:
		return c.UseItem(ctx, agentID, str("item_type"), str("target_id"))
	case models.ActionBankDeposit:
		return c.BankDeposit(ctx, agentID, num("amount"))
	case models.ActionBankWithdraw:
		return c.BankWithdraw(ctx, agentID, num("amount"))
	case models.ActionBuyCD:
		return c.BuyCD(ctx, agentID, num("amount"), num("term_days"))
	case models.ActionRedeemCD:
		return c.RedeemCD(ctx, agentID, str("cd_id"))
	case models.ActionBuyStock:
		return c.BuyStock(ctx, agentID, num("shares"))
	case models.ActionSellStock:
		return c.SellStock(ctx, agentID, num("shares"))
	case models.ActionClaimDaily:
		return c.ClaimDaily(ctx, agentID)
	case models.ActionConsolidate:
		return c.Transfer(ctx, agentID, str("recipient_id"), num("amount"))
	case models.ActionSendMessage:
		return c.SendMessage(ctx, agentID, str("recipient_id"), str("content"))
	case models.ActionBuyLottery:
		return c.BuyLottery(ctx, agentID, str("ticket_type"))
	case models.ActionScratchTicket:
		return c.ScratchTicket(ctx, agentID, str("ticket_id"))
	case models.ActionConvertCurrency:
		return c.ConvertCurrency(ctx, agentID, num("amount"))
	}
	return nil, fmt.Errorf("actuation: unsupported action %q", action)
}
