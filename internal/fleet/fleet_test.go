package fleet

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ankittk/sybil/internal/actuation"
	"github.com/ankittk/sybil/internal/images"
	"github.com/ankittk/sybil/internal/policy"
	"github.com/ankittk/sybil/internal/store"
	"github.com/ankittk/sybil/pkg/models"
)

type fakeActuator struct {
	mu        sync.Mutex
	createErr  error
	profileErr error
	accounts   int
	avatars   int
	banners   int
	posts     []actuation.Post
	dead      map[string]bool
	doErr     error
	done      []models.Action
}

func (f *fakeActuator) CreateAccount(_ context.Context, name, handle string) (*actuation.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.accounts++
	return &actuation.Account{ID: "ext-" + handle, Handle: handle}, nil
}

func (f *fakeActuator) UploadAvatar(context.Context, string, string) error {
	f.mu.Lock()
	f.avatars++
	f.mu.Unlock()
	return nil
}

func (f *fakeActuator) UploadBanner(context.Context, string, string) error {
	f.mu.Lock()
	f.banners++
	f.mu.Unlock()
	return nil
}

func (f *fakeActuator) UpdateProfile(context.Context, string, actuation.Profile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.profileErr
}

func (f *fakeActuator) RecentPosts(context.Context, string, int) ([]actuation.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.posts, nil
}

func (f *fakeActuator) Status(_ context.Context, id string) (*actuation.AgentStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dead[id] {
		return &actuation.AgentStatus{ID: id, HP: 0}, nil
	}
	return &actuation.AgentStatus{ID: id, HP: 80}, nil
}

func (f *fakeActuator) Do(_ context.Context, _ string, a models.Action, _ map[string]any) (actuation.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.done = append(f.done, a)
	if f.doErr != nil {
		return nil, f.doErr
	}
	return actuation.Result{"success": true}, nil
}

type fakeImages struct {
	mu        sync.Mutex
	avatarErr error
	unloads   int
}

func (f *fakeImages) GenerateAvatar(_ context.Context, name string) (*images.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.avatarErr != nil {
		return nil, f.avatarErr
	}
	return &images.Image{Path: "/tmp/" + name + "-avatar.png"}, nil
}

func (f *fakeImages) GenerateBanner(_ context.Context, name string) (*images.Image, error) {
	return &images.Image{Path: "/tmp/" + name + "-banner.png"}, nil
}

func (f *fakeImages) Unload(context.Context) error {
	f.mu.Lock()
	f.unloads++
	f.mu.Unlock()
	return nil
}

type fakePolicy struct{ text string }

func (f fakePolicy) Generate(context.Context, string, policy.GenerateOptions) (string, error) {
	return f.text, nil
}

func (f fakePolicy) Decide(context.Context, string, any) error { return errors.New("not used") }

type fixedRand struct{ f float64 }

func (r fixedRand) Float64() float64 { return r.f }
func (r fixedRand) Intn(n int) int   { return n - 1 }

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) Emit(t string, _ map[string]any) {
	r.mu.Lock()
	r.events = append(r.events, t)
	r.mu.Unlock()
}

func (r *recorder) has(t string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e == t {
			return true
		}
	}
	return false
}

func openStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newServer(t *testing.T, o *Orchestrator, max int) models.FleetServer {
	t.Helper()
	srv, err := o.CreateServer(context.Background(), models.FleetServer{OwnerID: "owner-ext", Name: "main", MaxAgents: max})
	if err != nil {
		t.Fatal(err)
	}
	return srv
}

func deployedAgent(t *testing.T, st store.Store, serverID, handle string) models.FleetAgent {
	t.Helper()
	ctx := context.Background()
	a, err := st.CreateFleetAgent(ctx, models.FleetAgent{ServerID: serverID, Name: handle, Handle: handle})
	if err != nil {
		t.Fatal(err)
	}
	if err := st.MarkFleetAgentDeployed(ctx, a.ID, "ext-"+handle, true, true, time.Now()); err != nil {
		t.Fatal(err)
	}
	a, _ = st.GetFleetAgent(ctx, a.ID)
	return a
}

func noSleep(context.Context, time.Duration) {}

func TestDeployFailureReleasesClaim(t *testing.T) {
	st := openStore(t)
	act := &fakeActuator{createErr: &actuation.APIError{Status: 500, Body: "down"}}
	o := New(st, act, nil, nil, Options{Rand: fixedRand{f: 0.9}, Sleep: noSleep})
	srv := newServer(t, o, 3)
	ctx := context.Background()
	a, err := st.CreateFleetAgent(ctx, models.FleetAgent{ServerID: srv.ID, Name: "Ada Obi", Handle: "ada_obi"})
	if err != nil {
		t.Fatal(err)
	}

	var ts tickStats
	if err := o.deployOne(ctx, &ts); err == nil {
		t.Fatal("expected deploy error")
	}
	got, _ := st.GetFleetAgent(ctx, a.ID)
	if got.State() != "created" || got.DeployClaimedAt != nil {
		t.Fatalf("agent after failed deploy = %s claimed=%v", got.State(), got.DeployClaimedAt)
	}

	act.mu.Lock()
	act.createErr = nil
	act.mu.Unlock()
	if err := o.deployOne(ctx, &ts); err != nil {
		t.Fatalf("retry deploy: %v", err)
	}
	got, _ = st.GetFleetAgent(ctx, a.ID)
	if got.State() != "deployed" || got.ExternalID != "ext-ada_obi" {
		t.Fatalf("agent = %+v", got)
	}
	if got.AvatarSet || got.BannerSet {
		t.Fatal("no image generator, assets must stay unset")
	}
	if o.State().Deployed != 1 {
		t.Fatalf("state = %+v", o.State())
	}
}

func TestProfileFailureReleasesClaimAndKeepsAccount(t *testing.T) {
	st := openStore(t)
	act := &fakeActuator{profileErr: &actuation.APIError{Status: 502, Body: "bad gateway"}}
	o := New(st, act, nil, nil, Options{Rand: fixedRand{f: 0.9}, Sleep: noSleep})
	srv := newServer(t, o, 3)
	ctx := context.Background()
	a, err := st.CreateFleetAgent(ctx, models.FleetAgent{ServerID: srv.ID, Name: "Lea Roy", Handle: "lea_roy"})
	if err != nil {
		t.Fatal(err)
	}

	var ts tickStats
	if err := o.deployOne(ctx, &ts); err == nil || !strings.Contains(err.Error(), "update profile") {
		t.Fatalf("deployOne err = %v", err)
	}
	got, _ := st.GetFleetAgent(ctx, a.ID)
	if got.State() != "created" || got.DeployClaimedAt != nil || got.ExternalID != "ext-lea_roy" {
		t.Fatalf("agent after profile failure = %s claimed=%v external=%q", got.State(), got.DeployClaimedAt, got.ExternalID)
	}

	act.mu.Lock()
	act.profileErr = nil
	act.mu.Unlock()
	if err := o.deployOne(ctx, &ts); err != nil {
		t.Fatalf("retry deploy: %v", err)
	}
	got, _ = st.GetFleetAgent(ctx, a.ID)
	if got.State() != "deployed" || got.ExternalID != "ext-lea_roy" {
		t.Fatalf("agent = %+v", got)
	}
	if act.accounts != 1 {
		t.Fatalf("retry created another account: %d", act.accounts)
	}
}

func TestConcurrentDeployCreatesOneAccount(t *testing.T) {
	st := openStore(t)
	act := &fakeActuator{}
	a1 := New(st, act, nil, nil, Options{Rand: fixedRand{f: 0.9}})
	a2 := New(st, act, nil, nil, Options{Rand: fixedRand{f: 0.9}})
	srv := newServer(t, a1, 3)
	if _, err := st.CreateFleetAgent(context.Background(), models.FleetAgent{ServerID: srv.ID, Name: "Kenji Sato", Handle: "kenji"}); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for _, o := range []*Orchestrator{a1, a2} {
		wg.Add(1)
		go func(o *Orchestrator) {
			defer wg.Done()
			var ts tickStats
			_ = o.deployOne(context.Background(), &ts)
		}(o)
	}
	wg.Wait()
	if act.accounts != 1 {
		t.Fatalf("accounts created = %d, want 1", act.accounts)
	}
}

func TestAssetsAreBestEffortAndRepaired(t *testing.T) {
	st := openStore(t)
	act := &fakeActuator{}
	imgs := &fakeImages{avatarErr: errors.New("gpu busy")}
	o := New(st, act, imgs, nil, Options{Rand: fixedRand{f: 0.9}, Sleep: noSleep})
	srv := newServer(t, o, 1)
	ctx := context.Background()
	a, _ := st.CreateFleetAgent(ctx, models.FleetAgent{ServerID: srv.ID, Name: "Mei Chen", Handle: "mei"})

	o.Tick(ctx)
	got, _ := st.GetFleetAgent(ctx, a.ID)
	if got.State() != "deployed" || got.AvatarSet || !got.BannerSet {
		t.Fatalf("agent = %+v", got)
	}
	if imgs.unloads != 1 {
		t.Fatalf("unloads = %d", imgs.unloads)
	}

	imgs.mu.Lock()
	imgs.avatarErr = nil
	imgs.mu.Unlock()
	o.Tick(ctx)
	got, _ = st.GetFleetAgent(ctx, a.ID)
	if !got.AvatarSet || !got.BannerSet {
		t.Fatalf("assets not repaired: %+v", got)
	}
	if act.banners != 1 {
		t.Fatalf("banner uploaded %d times, repair should only retry the missing piece", act.banners)
	}
}

func TestReactBaselineThenStaggeredLikes(t *testing.T) {
	st := openStore(t)
	act := &fakeActuator{posts: []actuation.Post{{ID: "p1", Content: "first"}}}
	rec := &recorder{}
	now := time.Now()
	o := New(st, act, nil, nil, Options{Rand: fixedRand{f: 0.9}, Bus: rec, Now: func() time.Time { return now }})
	srv := newServer(t, o, 4)
	var agents []models.FleetAgent
	for _, h := range []string{"a1", "a2", "a3", "a4"} {
		agents = append(agents, deployedAgent(t, st, srv.ID, h))
	}
	ctx := context.Background()
	var ts tickStats

	if err := o.react(ctx, &ts); err != nil {
		t.Fatal(err)
	}
	if ts.reactions != 0 {
		t.Fatalf("baseline observation fanned out %d jobs", ts.reactions)
	}
	if s, _ := st.GetFleetServer(ctx, srv.ID); s.LastSeenPostID != "p1" {
		t.Fatalf("baseline = %q", s.LastSeenPostID)
	}

	act.mu.Lock()
	act.posts = []actuation.Post{{ID: "p2", Content: "second"}, {ID: "p1"}}
	act.mu.Unlock()
	if err := o.react(ctx, &ts); err != nil {
		t.Fatal(err)
	}
	// fan-out order follows the store, not creation order; compare the sorted times
	var likes []time.Time
	for i, a := range agents {
		jobs, _ := st.ListFleetJobs(ctx, a.ID, 10)
		if len(jobs) != 1 || jobs[0].Action != models.ActionLike {
			t.Fatalf("agent %d jobs = %+v", i, jobs)
		}
		likes = append(likes, jobs[0].ScheduledFor)
	}
	sort.Slice(likes, func(i, j int) bool { return likes[i].Before(likes[j]) })
	for i := 1; i < len(likes); i++ {
		if gap := likes[i].Sub(likes[i-1]); gap < 5*time.Second {
			t.Fatalf("likes %d and %d only %v apart: %v", i-1, i, gap, likes)
		}
	}
	if !rec.has("sybil:reaction") {
		t.Fatal("no reaction event")
	}

	// same newest post: nothing new
	if err := o.react(ctx, &ts); err != nil {
		t.Fatal(err)
	}
	if jobs, _ := st.ListFleetJobs(ctx, agents[0].ID, 10); len(jobs) != 1 {
		t.Fatalf("duplicate fan-out: %d jobs", len(jobs))
	}
}

func TestReactRepliesUseCacheThenFallback(t *testing.T) {
	st := openStore(t)
	act := &fakeActuator{posts: []actuation.Post{{ID: "p1"}}}
	o := New(st, act, nil, fakePolicy{text: "so true\nwow"}, Options{Rand: fixedRand{f: 0.1}, ReactionLowWater: 2})
	srv := newServer(t, o, 4)
	a := deployedAgent(t, st, srv.ID, "a1")
	b := deployedAgent(t, st, srv.ID, "a2")
	c := deployedAgent(t, st, srv.ID, "a3")
	ctx := context.Background()
	var ts tickStats
	_ = o.react(ctx, &ts)

	act.mu.Lock()
	act.posts = []actuation.Post{{ID: "p2", Content: "big news"}}
	act.mu.Unlock()
	if err := o.react(ctx, &ts); err != nil {
		t.Fatal(err)
	}
	var replies []string
	for _, ag := range []models.FleetAgent{a, b, c} {
		jobs, _ := st.ListFleetJobs(ctx, ag.ID, 10)
		if len(jobs) != 3 {
			t.Fatalf("want like, reply and respit, got %+v", jobs)
		}
		for _, j := range jobs {
			if j.Action == models.ActionReply {
				replies = append(replies, j.Payload)
			}
		}
	}
	joined := strings.Join(replies, "|")
	if !strings.Contains(joined, "so true") || !strings.Contains(joined, "wow") {
		t.Fatalf("cached reactions not used: %s", joined)
	}
	for _, r := range replies {
		if strings.Contains(r, `"content":""`) {
			t.Fatalf("empty reply payload: %s", r)
		}
	}
}

func TestDrainRetriesWithIncreasingBackoffThenFails(t *testing.T) {
	st := openStore(t)
	act := &fakeActuator{doErr: &actuation.APIError{Status: 503, Body: "busy"}}
	now := time.Now()
	rec := &recorder{}
	o := New(st, act, nil, nil, Options{Rand: fixedRand{f: 0.9}, Bus: rec, Sleep: noSleep, Now: func() time.Time { return now }})
	srv := newServer(t, o, 1)
	a := deployedAgent(t, st, srv.ID, "a1")
	ctx := context.Background()
	job, err := st.CreateFleetJob(ctx, models.FleetJob{ServerID: srv.ID, AgentID: a.ID, Action: models.ActionLike, Payload: `{"spit_id":"p1"}`, ScheduledFor: now})
	if err != nil {
		t.Fatal(err)
	}

	var delays []time.Duration
	for attempt := 0; attempt < 3; attempt++ {
		var ts tickStats
		if err := o.drain(ctx, &ts); err != nil {
			t.Fatal(err)
		}
		if ts.requeued != 1 {
			t.Fatalf("attempt %d: requeued = %d", attempt, ts.requeued)
		}
		j, _ := st.GetFleetJob(ctx, job.ID)
		if j.Status != models.StatusPending || j.RetryCount != attempt+1 {
			t.Fatalf("attempt %d: job = %+v", attempt, j)
		}
		delays = append(delays, j.ScheduledFor.Sub(now.Truncate(time.Second)))
		now = j.ScheduledFor
	}
	for i := 1; i < len(delays); i++ {
		if delays[i] <= delays[i-1] {
			t.Fatalf("delays not strictly increasing: %v", delays)
		}
	}

	var ts tickStats
	_ = o.drain(ctx, &ts)
	j, _ := st.GetFleetJob(ctx, job.ID)
	if j.Status != models.StatusFailed || !strings.HasPrefix(j.Error, "max retries exhausted: ") {
		t.Fatalf("job = %+v", j)
	}
	if len(act.done) != 4 {
		t.Fatalf("attempts = %d, want 4", len(act.done))
	}
	if !rec.has("sybil:job_failed") {
		t.Fatal("no job_failed event")
	}
}

func TestDrainPermanentErrorsAndUndeployedAgents(t *testing.T) {
	st := openStore(t)
	act := &fakeActuator{doErr: &actuation.APIError{Status: 400, Body: "bad spit"}}
	o := New(st, act, nil, nil, Options{Rand: fixedRand{f: 0.9}, Sleep: noSleep})
	srv := newServer(t, o, 2)
	ctx := context.Background()
	live := deployedAgent(t, st, srv.ID, "a1")
	pending, _ := st.CreateFleetAgent(ctx, models.FleetAgent{ServerID: srv.ID, Name: "b", Handle: "b1"})

	j1, _ := st.CreateFleetJob(ctx, models.FleetJob{ServerID: srv.ID, AgentID: live.ID, Action: models.ActionLike})
	j2, _ := st.CreateFleetJob(ctx, models.FleetJob{ServerID: srv.ID, AgentID: pending.ID, Action: models.ActionLike})
	var ts tickStats
	if err := o.drain(ctx, &ts); err != nil {
		t.Fatal(err)
	}
	if ts.failed != 2 || ts.requeued != 0 {
		t.Fatalf("stats = %+v", ts)
	}
	if got, _ := st.GetFleetJob(ctx, j1.ID); got.RetryCount != 0 || !strings.Contains(got.Error, "bad spit") {
		t.Fatalf("permanent error job = %+v", got)
	}
	if got, _ := st.GetFleetJob(ctx, j2.ID); !strings.Contains(got.Error, "not deployed") {
		t.Fatalf("undeployed agent job = %+v", got)
	}
	if len(act.done) != 1 {
		t.Fatalf("undeployed agent reached the API: %v", act.done)
	}
}

func TestHealthCheckMarksDeathAndCancelsJobs(t *testing.T) {
	st := openStore(t)
	act := &fakeActuator{dead: map[string]bool{"ext-gone": true}}
	rec := &recorder{}
	o := New(st, act, nil, nil, Options{Rand: fixedRand{f: 0.9}, Bus: rec})
	srv := newServer(t, o, 2)
	ctx := context.Background()
	gone := deployedAgent(t, st, srv.ID, "gone")
	fine := deployedAgent(t, st, srv.ID, "fine")
	job, _ := st.CreateFleetJob(ctx, models.FleetJob{ServerID: srv.ID, AgentID: gone.ID, Action: models.ActionLike, ScheduledFor: time.Now().Add(time.Hour)})

	var ts tickStats
	if err := o.healthCheck(ctx, &ts); err != nil {
		t.Fatal(err)
	}
	if ts.deaths != 1 || ts.checked != 2 {
		t.Fatalf("stats = %+v", ts)
	}
	if got, _ := st.GetFleetAgent(ctx, gone.ID); got.IsAlive || got.DiedAt == nil {
		t.Fatalf("dead agent = %+v", got)
	}
	if got, _ := st.GetFleetJob(ctx, job.ID); got.Status != models.StatusFailed {
		t.Fatalf("pending job of dead agent = %+v", got)
	}
	if got, _ := st.GetFleetAgent(ctx, fine.ID); got.HP != 80 {
		t.Fatalf("hp not refreshed: %d", got.HP)
	}
	if !rec.has("sybil:health_check") {
		t.Fatal("no health_check event")
	}

	if err := o.cleanup(ctx, &ts); err != nil {
		t.Fatal(err)
	}
	if _, err := st.GetFleetAgent(ctx, gone.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("dead agent not cleaned up: %v", err)
	}
}

func TestSuspendServerCancelsPendingJobs(t *testing.T) {
	st := openStore(t)
	o := New(st, &fakeActuator{}, nil, nil, Options{Rand: fixedRand{f: 0.9}})
	srv := newServer(t, o, 2)
	ctx := context.Background()
	a := deployedAgent(t, st, srv.ID, "a1")
	for i := 0; i < 3; i++ {
		if _, err := st.CreateFleetJob(ctx, models.FleetJob{ServerID: srv.ID, AgentID: a.ID, Action: models.ActionLike}); err != nil {
			t.Fatal(err)
		}
	}
	n, err := o.SuspendServer(ctx, srv.ID)
	if err != nil || n != 3 {
		t.Fatalf("SuspendServer = %d, %v", n, err)
	}
	if s, _ := st.GetFleetServer(ctx, srv.ID); s.Status != models.ServerSuspended {
		t.Fatalf("status = %s", s.Status)
	}
	if due, _ := st.ListDueFleetJobs(ctx, time.Now().Add(time.Hour), 10); len(due) != 0 {
		t.Fatalf("pending jobs remain: %d", len(due))
	}
}

func TestReplenishRespectsCapacityAndWindow(t *testing.T) {
	st := openStore(t)
	now := time.Now()
	o := New(st, &fakeActuator{}, nil, nil, Options{Rand: fixedRand{f: 0.9}, Now: func() time.Time { return now }})
	srv := newServer(t, o, 2)
	ctx := context.Background()
	if _, err := st.InsertPoolNames(ctx, []models.PoolName{{Name: "Sofia Rossi", Handle: "sofia_r"}}); err != nil {
		t.Fatal(err)
	}

	var ts tickStats
	if err := o.replenish(ctx, &ts); err != nil {
		t.Fatal(err)
	}
	agents, _ := st.ListFleetAgents(ctx, srv.ID)
	if len(agents) != 1 || agents[0].Handle != "sofia_r" {
		t.Fatalf("pool name not used: %+v", agents)
	}

	// inside the window: nothing
	_ = o.replenish(ctx, &ts)
	if agents, _ = st.ListFleetAgents(ctx, srv.ID); len(agents) != 1 {
		t.Fatalf("agents = %d inside window", len(agents))
	}

	// pool empty: generated name
	now = now.Add(10 * time.Minute)
	_ = o.replenish(ctx, &ts)
	if agents, _ = st.ListFleetAgents(ctx, srv.ID); len(agents) != 2 || agents[1].Handle == "" {
		t.Fatalf("agents = %+v", agents)
	}

	// at capacity
	now = now.Add(10 * time.Minute)
	_ = o.replenish(ctx, &ts)
	if agents, _ = st.ListFleetAgents(ctx, srv.ID); len(agents) != 2 {
		t.Fatalf("over capacity: %d", len(agents))
	}
}

func TestHousekeepingRefillsNamePoolWithoutCollisions(t *testing.T) {
	st := openStore(t)
	o := New(st, &fakeActuator{}, nil, fakePolicy{text: `{"names":[{"name":"Ada Obi","handle":"@Ada.Obi"},{"name":"Taken","handle":"taken"}]}`},
		Options{Rand: fixedRand{f: 0.9}, NamePoolLowWater: 5})
	srv := newServer(t, o, 5)
	ctx := context.Background()
	if _, err := st.CreateFleetAgent(ctx, models.FleetAgent{ServerID: srv.ID, Name: "Taken", Handle: "taken"}); err != nil {
		t.Fatal(err)
	}
	var ts tickStats
	if err := o.housekeeping(ctx, &ts); err != nil {
		t.Fatal(err)
	}
	n, _ := st.CountPoolNames(ctx)
	if n == 0 {
		t.Fatal("pool not refilled")
	}
	seen := map[string]bool{}
	for i := 0; i < n; i++ {
		p, err := st.TakePoolName(ctx)
		if err != nil || p == nil {
			t.Fatalf("TakePoolName: %v %v", p, err)
		}
		if p.Handle == "taken" || seen[p.Handle] {
			t.Fatalf("collision on %q", p.Handle)
		}
		seen[p.Handle] = true
	}
	if !seen["adaobi"] {
		t.Fatalf("policy names not sanitized into the pool: %v", seen)
	}
}

func TestSanitizeHandle(t *testing.T) {
	tests := map[string]string{
		"@Ada_Obi":                "ada_obi",
		"  josé.m ":               "josm",
		"averyveryverylonghandle": "averyveryverylo",
		"!!!":                     "",
	}
	for in, want := range tests {
		if got := SanitizeHandle(in); got != want {
			t.Errorf("SanitizeHandle(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestTickIsSingleFlight(t *testing.T) {
	st := openStore(t)
	o := New(st, &fakeActuator{}, nil, nil, Options{Rand: fixedRand{f: 0.9}, Sleep: noSleep})
	o.ticking.Store(true)
	if o.Tick(context.Background()) {
		t.Fatal("overlapping tick ran")
	}
	o.ticking.Store(false)
	if !o.Tick(context.Background()) {
		t.Fatal("tick did not run")
	}
	if o.State().LastTick == nil {
		t.Fatal("last tick not recorded")
	}
}
