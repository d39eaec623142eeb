package planner

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/ankittk/sybil/internal/actuation"
	"github.com/ankittk/sybil/internal/policy"
	"github.com/ankittk/sybil/pkg/models"
)

type fakePolicy struct {
	decision string
	text     string
	err      error
	decides  int
}

func (f *fakePolicy) Generate(context.Context, string, policy.GenerateOptions) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if f.text == "" {
		return "Just a regular day out here.", nil
	}
	return f.text, nil
}

func (f *fakePolicy) Decide(_ context.Context, _ string, out any) error {
	f.decides++
	if f.err != nil {
		return f.err
	}
	d := f.decision
	if d == "" {
		d = policy.DryRunDecision
	}
	return policy.DecodeJSON(d, out)
}

type fakeJobs struct {
	done  bool
	err   error
	since time.Time
}

func (f *fakeJobs) HasJobSince(_ context.Context, _ string, _ models.Action, since time.Time) (bool, error) {
	f.since = since
	return f.done, f.err
}

type fakeConvs struct {
	conv *actuation.Conversation
	err  error
}

func (f *fakeConvs) Conversation(context.Context, string, string) (*actuation.Conversation, error) {
	return f.conv, f.err
}

type fixedRand struct {
	f float64
	n int
}

func (r fixedRand) Float64() float64 { return r.f }
func (r fixedRand) Intn(n int) int   { return min(r.n, n-1) }

var (
	bobID   = uuid.NewString()
	aliceID = uuid.NewString()
	postID  = uuid.NewString()
)

func baseInput() Input {
	return Input{
		Agent:  models.Agent{ID: "a1", ExternalID: uuid.NewString(), Handle: "neo", Personality: "tech nerd", Frequency: 3, Active: true},
		Config: models.DefaultAgentConfig("a1"),
		State: &actuation.AgentState{
			HP: 3000, MaxHP: 5000, Credits: 300, ExchangeRate: 10,
			Inventory: map[string]int{},
			Market:    actuation.Market{Price: 55},
			Shop: []actuation.ShopItem{
				{ItemType: "small_potion", Category: actuation.CategoryHeal, Price: 50},
				{ItemType: "medium_potion", Category: actuation.CategoryHeal, Price: 120},
				{ItemType: "large_potion", Category: actuation.CategoryHeal, Price: 400},
				{ItemType: "shield", Category: actuation.CategoryDefense, Price: 80},
				{ItemType: "fortress", Category: actuation.CategoryDefense, Price: 900},
				{ItemType: "rage", Category: actuation.CategoryBuff, Price: 60},
			},
			Feed: []actuation.Post{
				{ID: postID, AuthorID: bobID, AuthorHandle: "Bob", Content: "Chips are getting cheaper"},
			},
			Targets: []actuation.Target{
				{ID: bobID, Handle: "Bob", HP: 2500},
				{ID: aliceID, Handle: "alice", HP: 900},
			},
		},
	}
}

func newPlanner(fp *fakePolicy, jobs *fakeJobs) *Planner {
	if jobs == nil {
		jobs = &fakeJobs{}
	}
	return New(Options{Jobs: jobs, Policy: fp, Rand: fixedRand{f: 0.9}, Now: func() time.Time {
		return time.Date(2026, 3, 4, 15, 30, 0, 0, time.UTC)
	}})
}

func TestPlanSpecificPostScenario(t *testing.T) {
	p := newPlanner(&fakePolicy{}, nil)
	pa, err := p.PlanSpecific(context.Background(), baseInput(), models.ActionPost)
	if err != nil {
		t.Fatalf("PlanSpecific: %v", err)
	}
	if pa.Action != models.ActionPost || pa.Skip {
		t.Fatalf("got %+v", pa)
	}
	c := pa.String("content")
	if c == "" || utf8.RuneCountInString(c) > models.PostCharLimit {
		t.Fatalf("content %q", c)
	}
}

func TestAutoHealUsesOwnedPotionFirst(t *testing.T) {
	in := baseInput()
	in.State.HP = 400
	in.State.Inventory["small_potion"] = 1
	in.State.Advice = []string{"buy_stock"}
	fp := &fakePolicy{}
	pa, err := newPlanner(fp, nil).Plan(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if pa.Action != models.ActionUseItem || pa.String("item_type") != "small_potion" {
		t.Fatalf("got %+v", pa)
	}
	if fp.decides != 0 {
		t.Fatal("policy should not be consulted")
	}
}

func TestAutoHealBuysBestAffordable(t *testing.T) {
	in := baseInput()
	in.State.HP = 400
	in.State.Credits = 200
	pa, err := newPlanner(&fakePolicy{}, nil).Plan(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if pa.Action != models.ActionBuyItem || pa.String("item_type") != "medium_potion" {
		t.Fatalf("got %+v", pa)
	}
}

func TestGuardOrder(t *testing.T) {
	in := baseInput()
	in.State.HP = 0
	in.State.DailyAvailable = true
	pa, _ := newPlanner(&fakePolicy{}, nil).Plan(context.Background(), in)
	if !pa.Skip || pa.Action != models.ActionNone {
		t.Fatalf("destroyed agent should skip, got %+v", pa)
	}

	in = baseInput()
	in.State.DailyAvailable = true
	in.State.HP = 10
	pa, _ = newPlanner(&fakePolicy{}, nil).Plan(context.Background(), in)
	if pa.Action != models.ActionClaimDaily {
		t.Fatalf("free loot comes before healing, got %+v", pa)
	}
	// the pre-selected path honors the same guard
	pa, _ = newPlanner(&fakePolicy{}, nil).PlanSpecific(context.Background(), in, models.ActionLike)
	if pa.Action != models.ActionClaimDaily {
		t.Fatalf("PlanSpecific should claim first, got %+v", pa)
	}
}

func TestConsolidationOncePerDay(t *testing.T) {
	in := baseInput()
	in.Agent.OwnerID = uuid.NewString()
	in.State.Credits = 1250 // balanced reserve 250 -> surplus 1000 -> 100
	jobs := &fakeJobs{}
	p := newPlanner(&fakePolicy{}, jobs)
	pa, err := p.Plan(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if pa.Action != models.ActionConsolidate || pa.String("recipient_id") != in.Agent.OwnerID {
		t.Fatalf("got %+v", pa)
	}
	if n, _ := models.ParamInt(pa.Params, "amount"); n != 100 {
		t.Fatalf("amount = %d, want 100", n)
	}
	if want := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC); !jobs.since.Equal(want) {
		t.Fatalf("checked since %v, want midnight", jobs.since)
	}

	jobs.done = true
	pa, _ = p.Plan(context.Background(), in)
	if pa.Action == models.ActionConsolidate {
		t.Fatal("consolidated twice in one day")
	}

	jobs.done, jobs.err = false, errors.New("db down")
	if _, err := p.Plan(context.Background(), in); err == nil {
		t.Fatal("store error should propagate")
	}
}

func TestUnreadReplyPrefersHistory(t *testing.T) {
	in := baseInput()
	in.State.Unread = []actuation.ConversationSummary{{ID: "c1", PeerID: aliceID, PeerHandle: "alice", LastMessage: "yo"}}
	p := newPlanner(&fakePolicy{text: "hey alice"}, nil)
	p.convs = &fakeConvs{err: errors.New("404")}
	pa, err := p.Plan(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if pa.Action != models.ActionSendMessage || pa.String("recipient_id") != aliceID || pa.String("content") != "hey alice" {
		t.Fatalf("got %+v", pa)
	}
}

func TestPosture(t *testing.T) {
	in := baseInput()
	in.Config.CombatStrategy = models.CombatDefensive
	pa, _ := newPlanner(&fakePolicy{}, nil).Plan(context.Background(), in)
	if pa.Action != models.ActionBuyItem || pa.String("item_type") != "shield" {
		t.Fatalf("defensive: got %+v", pa)
	}

	in = baseInput()
	in.Config.CombatStrategy = models.CombatAggressive
	in.State.Armed = true
	in.State.Inventory["rage"] = 2
	pa, _ = newPlanner(&fakePolicy{}, nil).Plan(context.Background(), in)
	if pa.Action != models.ActionUseItem || pa.String("item_type") != "rage" {
		t.Fatalf("aggressive: got %+v", pa)
	}
}

func TestAdvisorTakesFirstActionableHint(t *testing.T) {
	in := baseInput()
	in.Config.BankingStrategy = models.BankingConservative
	in.State.Credits = 1500
	in.State.Market.Price = 55 // above conservative buy-below of 40
	in.State.CDs = []actuation.CD{{ID: "cd1", Matured: false}}
	in.State.Advice = []string{"redeem_cd", "buy_stock", "Deposit at peak rate", "buy_cd"}
	in.State.Bank.AtPeak = true
	pa, err := newPlanner(&fakePolicy{}, nil).Plan(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	// (1500-500) * 50%
	if pa.Action != models.ActionBankDeposit {
		t.Fatalf("got %+v", pa)
	}
	if n, _ := models.ParamInt(pa.Params, "amount"); n != 500 {
		t.Fatalf("deposit amount = %d", n)
	}
}

func TestGenerativeRepairsReferences(t *testing.T) {
	in := baseInput()
	fp := &fakePolicy{decision: `{"action":"attack","params":{"target_id":"@BOB"}}`}
	pa, err := newPlanner(fp, nil).Plan(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if pa.Action != models.ActionAttack || pa.String("target_id") != bobID {
		t.Fatalf("handle lookup: got %+v", pa)
	}

	fp.decision = `{"action":"like","params":{"spit_id":"the-first-one"}}`
	pa, _ = newPlanner(fp, nil).Plan(context.Background(), in)
	if pa.String("spit_id") != postID {
		t.Fatalf("random fallback: got %+v", pa)
	}

	fp.decision = `{"action":"attack","params":{"target_id":"nobody"}}`
	in.Config.TargetMode = models.TargetWeakest
	pa, _ = newPlanner(fp, nil).Plan(context.Background(), in)
	if pa.String("target_id") != aliceID {
		t.Fatalf("weakest target: got %+v", pa)
	}

	fp.decision = `{"action":"bank_withdraw","params":{"amount":99999}}`
	in.State.Bank.Balance = 70
	pa, _ = newPlanner(fp, nil).Plan(context.Background(), in)
	if n, _ := models.ParamInt(pa.Params, "amount"); pa.Action != models.ActionBankWithdraw || n != 70 {
		t.Fatalf("withdraw clamp: got %+v", pa)
	}
}

func TestGenerativeUnknownActionBecomesPost(t *testing.T) {
	fp := &fakePolicy{decision: `{"action":"dance","params":{}}`}
	pa, err := newPlanner(fp, nil).Plan(context.Background(), baseInput())
	if err != nil {
		t.Fatal(err)
	}
	if pa.Action != models.ActionPost || pa.String("content") == "" {
		t.Fatalf("got %+v", pa)
	}
}

func TestPolicyErrorPropagates(t *testing.T) {
	fp := &fakePolicy{err: errors.New("timeout")}
	if _, err := newPlanner(fp, nil).Plan(context.Background(), baseInput()); err == nil {
		t.Fatal("expected error")
	}
}

func TestBuyItemNeverUnaffordable(t *testing.T) {
	tests := []struct {
		name    string
		credits int64
		gold    int64
		item    string
		want    models.Action
		wantArg string
	}{
		{"affordable as asked", 500, 0, "large_potion", models.ActionBuyItem, "large_potion"},
		{"downgrade within category", 150, 0, "large_potion", models.ActionBuyItem, "medium_potion"},
		{"convert gold", 10, 50, "shield", models.ActionConvertCurrency, ""},
		{"harmless default", 10, 0, "fortress", models.ActionNone, ""},
		{"unknown item", 1000, 0, "moon", models.ActionNone, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := baseInput()
			in.State.Credits = tt.credits
			in.State.Gold = tt.gold
			p := newPlanner(&fakePolicy{}, nil)
			pa, err := p.repair(in, models.PlannedAction{Action: models.ActionBuyItem, Params: map[string]any{"item_type": tt.item, "quantity": 3}})
			if err != nil {
				t.Fatal(err)
			}
			if pa.Action != tt.want {
				t.Fatalf("got %+v", pa)
			}
			if pa.Action == models.ActionBuyItem {
				si, ok := shopItem(in.State, pa.String("item_type"))
				qty, _ := models.ParamInt(pa.Params, "quantity")
				if !ok || si.Price*qty > in.State.Credits || pa.String("item_type") != tt.wantArg {
					t.Fatalf("unaffordable purchase %+v", pa)
				}
			}
			if pa.Action == models.ActionConvertCurrency {
				// shield costs 80, short 70 credits at 10 per gold
				if n, _ := models.ParamInt(pa.Params, "amount"); n != 7 {
					t.Fatalf("convert amount %d", n)
				}
			}
			if pa.Action == models.ActionNone && !pa.Skip {
				t.Fatal("none without skip flag")
			}
		})
	}
}

func TestPlanSpecificNoCandidates(t *testing.T) {
	in := baseInput()
	in.State.Feed = nil
	_, err := newPlanner(&fakePolicy{}, nil).PlanSpecific(context.Background(), in, models.ActionLike)
	if !errors.Is(err, ErrNoCandidates) {
		t.Fatalf("expected ErrNoCandidates, got %v", err)
	}
}

func TestPlanSpecificEconomyUsesPolicyParams(t *testing.T) {
	in := baseInput()
	in.State.Credits = 1000
	fp := &fakePolicy{decision: `{"action":"post","params":{"amount":40},"reasoning":"small deposit"}`}
	pa, err := newPlanner(fp, nil).PlanSpecific(context.Background(), in, models.ActionBankDeposit)
	if err != nil {
		t.Fatal(err)
	}
	if n, _ := models.ParamInt(pa.Params, "amount"); pa.Action != models.ActionBankDeposit || n != 40 || !strings.Contains(pa.Reasoning, "small") {
		t.Fatalf("got %+v", pa)
	}
	if fp.decides != 1 {
		t.Fatalf("decides = %d", fp.decides)
	}
}
