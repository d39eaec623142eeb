package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ankittk/sybil/internal/actuation"
	"github.com/ankittk/sybil/internal/capabilities"
	"github.com/ankittk/sybil/internal/config"
	"github.com/ankittk/sybil/internal/content"
	"github.com/ankittk/sybil/internal/events"
	"github.com/ankittk/sybil/internal/executor"
	"github.com/ankittk/sybil/internal/fleet"
	"github.com/ankittk/sybil/internal/images"
	"github.com/ankittk/sybil/internal/planner"
	"github.com/ankittk/sybil/internal/policy"
	"github.com/ankittk/sybil/internal/scheduler"
	"github.com/ankittk/sybil/internal/store"
	"github.com/ankittk/sybil/internal/store/postgres"
)

// Services is everything the daemon runs, built once from config.
type Services struct {
	Config    config.Config
	Store     store.Store
	Bus       *events.Bus
	Actuation *actuation.Client
	Policy    *policy.Client
	Images    *images.Client
	Scheduler *scheduler.Scheduler
	Fleet     *fleet.Orchestrator // nil when fleet.enabled is false
	Notify    *capabilities.Registry
}

// OpenStore opens the configured store: Postgres when db.driver is postgres,
// otherwise SQLite under home (or at db.url when set).
func OpenStore(cfg config.Config, home string) (store.Store, error) {
	switch cfg.DB.Driver {
	case "postgres":
		return postgres.Open(cfg.DB.URL)
	default:
		if cfg.DB.URL != "" {
			return store.OpenWithOptions(store.OpenOptions{Driver: "sqlite", DSN: cfg.DB.URL})
		}
		return store.Open(home)
	}
}

// Build wires the store, clients, pipelines and notifiers. The caller owns Close.
func Build(cfg config.Config, home string) (*Services, error) {
	st, err := OpenStore(cfg, home)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	bus := events.New(0, 0)
	rnd := content.NewRand(time.Now().UnixNano())

	act := actuation.New(actuation.Options{
		BaseURL:    cfg.Actuation.BaseURL,
		APIKey:     cfg.Actuation.APIKey,
		RatePerSec: cfg.Actuation.RatePerSec,
		Timeout:    config.Seconds(cfg.Actuation.TimeoutSec),
	})
	pol := policy.New(policy.Options{
		BaseURL:     cfg.Policy.BaseURL,
		APIKey:      cfg.Policy.APIKey,
		Model:       cfg.Policy.Model,
		Temperature: cfg.Policy.Temperature,
	})
	img := images.New(cfg.Images.BaseURL, nil)

	pl := planner.New(planner.Options{
		Jobs:          st,
		Policy:        pol,
		Conversations: act,
		Rand:          rnd,
		Writer:        content.NewWriter(pol, newsSource(cfg.News), rnd),
	})
	sched := scheduler.New(st, act, pl, executor.New(st, act, bus), scheduler.Options{
		Interval: config.Seconds(cfg.Scheduler.IntervalSec),
		MaxDrain: cfg.Scheduler.MaxDrainPerTick,
		Bus:      bus,
		Rand:     rnd,
	})

	svc := &Services{
		Config:    cfg,
		Store:     st,
		Bus:       bus,
		Actuation: act,
		Policy:    pol,
		Images:    img,
		Scheduler: sched,
		Notify:    capabilities.NewRegistry(),
	}
	if cfg.Fleet.Enabled {
		fc := cfg.Fleet
		svc.Fleet = fleet.New(st, act, img, pol, fleet.Options{
			Interval:         config.Seconds(fc.IntervalSec),
			DrainPerTick:     fc.DrainPerTick,
			InterJobDelay:    time.Duration(fc.InterJobDelayMS) * time.Millisecond,
			HealthBatch:      fc.HealthBatch,
			ReplenishWindow:  config.Seconds(fc.ReplenishWindowSec),
			NamePoolLowWater: fc.NamePoolLowWater,
			ReactionLowWater: fc.ReactionLowWater,
			MaxRetries:       fc.MaxRetries,
			Bus:              bus,
			Rand:             rnd,
		})
	}
	if url := cfg.Notify.SlackWebhookURL; url != "" {
		svc.Notify.Register("slack", capabilities.SlackWebhook{WebhookURL: url, Username: "sybil"})
	}
	if act.DryRun() {
		slog.Warn("actuation api key not set, running in dry-run mode")
	}
	if pol.DryRun() {
		slog.Warn("policy api key not set, using canned content")
	}
	return svc, nil
}

// Run starts the loops under ctx: the scheduler when autostart is on, the fleet
// when enabled, and notification forwarding. It does not block.
func (s *Services) Run(ctx context.Context) error {
	if err := capabilities.Forward(ctx, s.Bus, s.Notify); err != nil {
		return err
	}
	if s.Config.Scheduler.Autostart {
		s.Scheduler.Start(ctx)
	}
	if s.Fleet != nil {
		s.Fleet.Start(ctx)
	}
	return nil
}

// Close stops the loops and closes the store.
func (s *Services) Close() error {
	s.Scheduler.Stop()
	if s.Fleet != nil {
		s.Fleet.Stop()
	}
	return s.Store.Close()
}

// newsSource returns nil when no topics are configured so posts carry no links.
func newsSource(nc config.NewsConfig) content.NewsSource {
	if len(nc.Topics) == 0 {
		return nil
	}
	topics := make(map[string][]content.Headline, len(nc.Topics))
	for topic, items := range nc.Topics {
		for _, it := range items {
			if it.URL == "" {
				continue
			}
			topics[topic] = append(topics[topic], content.Headline{Title: it.Title, URL: it.URL})
		}
	}
	return content.NewStaticNews(topics)
}
