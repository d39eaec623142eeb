package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the config file inside the home directory.
const FileName = "config.yaml"

// Config is the daemon configuration: <home>/config.yaml, then environment overrides.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	DB        DBConfig        `yaml:"db"`
	Actuation ActuationConfig `yaml:"actuation"`
	Policy    PolicyConfig    `yaml:"policy"`
	Images    ImagesConfig    `yaml:"images"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Fleet     FleetConfig     `yaml:"fleet"`
	Notify    NotifyConfig    `yaml:"notify"`
	News      NewsConfig      `yaml:"news"`
}

type DBConfig struct {
	Driver string `yaml:"driver"` // sqlite | postgres
	URL    string `yaml:"url"`
}

type ActuationConfig struct {
	BaseURL    string  `yaml:"base_url"`
	APIKey     string  `yaml:"api_key"`
	RatePerSec float64 `yaml:"rate_per_sec"`
	TimeoutSec int     `yaml:"timeout_sec"`
}

type PolicyConfig struct {
	BaseURL     string  `yaml:"base_url"`
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
}

type ImagesConfig struct {
	BaseURL string `yaml:"base_url"`
}

type SchedulerConfig struct {
	IntervalSec     int  `yaml:"interval_sec"`
	MaxDrainPerTick int  `yaml:"max_drain_per_tick"`
	Autostart       bool `yaml:"autostart"`
}

type FleetConfig struct {
	Enabled            bool `yaml:"enabled"`
	IntervalSec        int  `yaml:"interval_sec"`
	DrainPerTick       int  `yaml:"drain_per_tick"`
	InterJobDelayMS    int  `yaml:"inter_job_delay_ms"`
	HealthBatch        int  `yaml:"health_batch"`
	ReplenishWindowSec int  `yaml:"replenish_window_sec"`
	NamePoolLowWater   int  `yaml:"name_pool_low_water"`
	ReactionLowWater   int  `yaml:"reaction_low_water"`
	MaxRetries         int  `yaml:"max_retries"`
}

type NotifyConfig struct {
	SlackWebhookURL string `yaml:"slack_webhook_url"`
}

// NewsConfig lists linkable headlines per topic (technology, business, sports,
// politics, world). Empty disables news links in posts.
type NewsConfig struct {
	Topics map[string][]NewsItem `yaml:"topics"`
}

type NewsItem struct {
	Title string `yaml:"title"`
	URL   string `yaml:"url"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		LogLevel:  "info",
		DB:        DBConfig{Driver: "sqlite"},
		Actuation: ActuationConfig{RatePerSec: 2, TimeoutSec: 20},
		Policy:    PolicyConfig{BaseURL: "https://api.openai.com", Model: "gpt-4o-mini", Temperature: 0.9},
		Images:    ImagesConfig{BaseURL: "http://localhost:8100"},
		Scheduler: SchedulerConfig{IntervalSec: 60, MaxDrainPerTick: 25, Autostart: true},
		Fleet: FleetConfig{
			Enabled:            true,
			IntervalSec:        30,
			DrainPerTick:       10,
			InterJobDelayMS:    1500,
			HealthBatch:        10,
			ReplenishWindowSec: 300,
			NamePoolLowWater:   20,
			ReactionLowWater:   5,
			MaxRetries:         3,
		},
	}
}

// Path returns the config file path for home.
func Path(home string) string {
	return filepath.Join(home, FileName)
}

// Load reads <home>/config.yaml over the defaults and applies environment
// overrides. A missing file is not an error.
func Load(home string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(Path(home))
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return cfg, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", Path(home), err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Save writes cfg to <home>/config.yaml.
func Save(home string, cfg Config) error {
	if err := os.MkdirAll(home, 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(Path(home), data, 0o600)
}

func (c *Config) applyEnv() {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&c.DB.URL, "DATABASE_URL")
	set(&c.Actuation.BaseURL, "SYBIL_API_URL")
	set(&c.Actuation.APIKey, "SYBIL_API_KEY")
	set(&c.Policy.BaseURL, "SYBIL_LLM_URL")
	set(&c.Policy.APIKey, "OPENAI_API_KEY")
	set(&c.Policy.Model, "SYBIL_LLM_MODEL")
	set(&c.Images.BaseURL, "SYBIL_IMAGES_URL")
	set(&c.Notify.SlackWebhookURL, "SLACK_WEBHOOK_URL")
	set(&c.LogLevel, "SYBIL_LOG_LEVEL")
	if c.DB.URL != "" && (strings.HasPrefix(c.DB.URL, "postgres://") || strings.HasPrefix(c.DB.URL, "postgresql://")) {
		c.DB.Driver = "postgres"
	}
}

// Validate rejects values the daemon cannot run with.
func (c Config) Validate() error {
	switch c.DB.Driver {
	case "sqlite", "":
	case "postgres":
		if c.DB.URL == "" {
			return fmt.Errorf("db.driver postgres requires db.url or DATABASE_URL")
		}
	default:
		return fmt.Errorf("unknown db.driver %q", c.DB.Driver)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// DryRun reports whether the actuation client will run without network I/O.
func (c Config) DryRun() bool { return c.Actuation.APIKey == "" }

func Seconds(n int) time.Duration { return time.Duration(n) * time.Second }
