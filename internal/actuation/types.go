package actuation

import (
	"encoding/json"
	"time"
)

// AgentState is the live observation returned by GET /api/agents/{id}/state.
type AgentState struct {
	ID        string `json:"id"`
	Handle    string `json:"handle"`
	HP        int    `json:"hp"`
	MaxHP     int    `json:"max_hp"`
	Destroyed bool   `json:"destroyed"`

	Credits      int64   `json:"credits"`
	Gold         int64   `json:"gold"`
	ExchangeRate float64 `json:"exchange_rate"` // credits per gold

	Inventory        map[string]int `json:"inventory"`
	DefenseActive    bool           `json:"defense_active"`
	Armed            bool           `json:"armed"`
	DamageBuffActive bool           `json:"damage_buff_active"`
	Shop             []ShopItem     `json:"shop"`

	Bank   Bank          `json:"bank"`
	CDs    []CD          `json:"cds"`
	Stock  StockPosition `json:"stock"`
	Market Market        `json:"market"`

	DailyAvailable bool     `json:"daily_available"`
	LotteryPrice   int64    `json:"lottery_price"`
	Advice         []string `json:"financial_advice"`

	Feed    []Post                `json:"feed"`
	Targets []Target              `json:"targets"`
	Unread  []ConversationSummary `json:"unread"`
}

// IsDestroyed reports whether the agent can no longer act.
func (s *AgentState) IsDestroyed() bool {
	return s == nil || s.Destroyed || s.HP <= 0
}

// Has returns the owned quantity of an item.
func (s *AgentState) Has(itemType string) int {
	if s == nil || s.Inventory == nil {
		return 0
	}
	return s.Inventory[itemType]
}

// ShopItem is one purchasable item.
type ShopItem struct {
	ItemType string `json:"item_type"`
	Name     string `json:"name"`
	Category string `json:"category"` // heal, defense, buff, weapon
	Price    int64  `json:"price"`
}

// Shop item categories.
const (
	CategoryHeal    = "heal"
	CategoryDefense = "defense"
	CategoryBuff    = "buff"
	CategoryWeapon  = "weapon"
)

// Bank is the agent's savings account.
type Bank struct {
	Balance int64   `json:"balance"`
	Rate    float64 `json:"rate"`
	AtPeak  bool    `json:"at_peak"`
}

// CD is a certificate of deposit.
type CD struct {
	ID      string  `json:"id"`
	Amount  int64   `json:"amount"`
	Rate    float64 `json:"rate"`
	Matured bool    `json:"matured"`
}

// StockPosition is the agent's holding in the single traded stock.
type StockPosition struct {
	Shares  int64   `json:"shares"`
	AvgCost float64 `json:"avg_cost"`
}

// Market is the current stock market signal.
type Market struct {
	Price  float64 `json:"price"`
	Change float64 `json:"change"` // percent change over the last period
}

// Post is one public post ("spit").
type Post struct {
	ID           string    `json:"id"`
	AuthorID     string    `json:"author_id"`
	AuthorHandle string    `json:"author_handle"`
	Content      string    `json:"content"`
	CreatedAt    time.Time `json:"created_at"`
}

// Target is a candidate account for follow/attack.
type Target struct {
	ID        string `json:"id"`
	Handle    string `json:"handle"`
	HP        int    `json:"hp"`
	Destroyed bool   `json:"destroyed"`
}

// ConversationSummary is an unread private conversation.
type ConversationSummary struct {
	ID          string `json:"id"`
	PeerID      string `json:"peer_id"`
	PeerHandle  string `json:"peer_handle"`
	LastMessage string `json:"last_message"`
	UnreadCount int    `json:"unread_count"`
}

// Conversation is the full history of one private conversation.
type Conversation struct {
	ID         string    `json:"id"`
	PeerID     string    `json:"peer_id"`
	PeerHandle string    `json:"peer_handle"`
	Messages   []Message `json:"messages"`
}

// Message is one private message.
type Message struct {
	SenderID     string `json:"sender_id"`
	SenderHandle string `json:"sender_handle"`
	Content      string `json:"content"`
}

// AgentStatus is the lightweight liveness probe used by fleet health checks.
type AgentStatus struct {
	ID        string `json:"id"`
	HP        int    `json:"hp"`
	Destroyed bool   `json:"destroyed"`
}

// Dead reports whether the account is gone for good.
func (s AgentStatus) Dead() bool {
	return s.Destroyed || s.HP <= 0
}

// Account is a newly created external account.
type Account struct {
	ID     string `json:"id"`
	Handle string `json:"handle"`
}

// Profile is the mutable part of an account's public profile.
type Profile struct {
	DisplayName string `json:"display_name,omitempty"`
	Bio         string `json:"bio,omitempty"`
}

// Result is the opaque JSON object returned by an action call.
type Result map[string]any

// JSON encodes the result for storage on the job row.
func (r Result) JSON() string {
	if r == nil {
		return "{}"
	}
	b, err := json.Marshal(r)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// String returns a string field or "".
func (r Result) String(key string) string {
	v, _ := r[key].(string)
	return v
}
