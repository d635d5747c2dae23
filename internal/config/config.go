package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"touchline/internal/domain"
	"touchline/internal/ranking"
	"touchline/internal/schedule"
)

// Config models touchline.yml, the per-user ranking and scheduling settings.
type Config struct {
	User struct {
		ID       string `yaml:"id"`
		Timezone string `yaml:"timezone"`
	} `yaml:"user"`
	Scoring struct {
		Weights Weights `yaml:"weights"`
	} `yaml:"scoring"`
	Lanes struct {
		InMotionWindowDays int            `yaml:"in_motion_window_days"`
		OpenLoopGraceDays  int            `yaml:"open_loop_grace_days"`
		CadenceDays        map[string]int `yaml:"cadence_days"`
	} `yaml:"lanes"`
	Scheduling struct {
		MaxActionsPerDay int                           `yaml:"max_actions_per_day"`
		HorizonDays      int                           `yaml:"horizon_days"`
		TierOverrides    map[string]SchedulingOverride `yaml:"tier_overrides"`
	} `yaml:"scheduling"`
	Nurture struct {
		Enabled  bool   `yaml:"enabled"`
		Interval string `yaml:"interval"`
		LeadDays int    `yaml:"lead_days"`
	} `yaml:"nurture"`
}

type Weights struct {
	Urgency    float64 `yaml:"urgency"`
	StallRisk  float64 `yaml:"stall_risk"`
	Value      float64 `yaml:"value"`
	EffortBias float64 `yaml:"effort_bias"`
}

type SchedulingOverride struct {
	MaxActionsPerDay int `yaml:"max_actions_per_day"`
	HorizonDays      int `yaml:"horizon_days"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.User.ID == "" {
		return fmt.Errorf("config.user.id is required")
	}
	if _, err := time.LoadLocation(c.timezone()); err != nil {
		return fmt.Errorf("config.user.timezone invalid: %w", err)
	}
	w := c.Scoring.Weights
	for name, v := range map[string]float64{
		"urgency":     w.Urgency,
		"stall_risk":  w.StallRisk,
		"value":       w.Value,
		"effort_bias": w.EffortBias,
	} {
		if v < 0 {
			return fmt.Errorf("config.scoring.weights.%s must not be negative", name)
		}
	}
	if w.Urgency+w.StallRisk+w.Value+w.EffortBias <= 0 {
		return fmt.Errorf("config.scoring.weights must have a positive sum")
	}
	if c.Lanes.InMotionWindowDays < 0 || c.Lanes.OpenLoopGraceDays < 0 {
		return fmt.Errorf("config.lanes thresholds must not be negative")
	}
	for tier, days := range c.Lanes.CadenceDays {
		if !domain.Tier(tier).Valid() {
			return fmt.Errorf("config.lanes.cadence_days has unknown tier %s", tier)
		}
		if days <= 0 {
			return fmt.Errorf("cadence for tier %s must be positive", tier)
		}
	}
	if c.Scheduling.MaxActionsPerDay < 0 || c.Scheduling.HorizonDays < 0 {
		return fmt.Errorf("config.scheduling values must not be negative")
	}
	for tier, o := range c.Scheduling.TierOverrides {
		if !domain.Tier(tier).Valid() {
			return fmt.Errorf("config.scheduling.tier_overrides has unknown tier %s", tier)
		}
		if o.MaxActionsPerDay < 0 || o.HorizonDays < 0 {
			return fmt.Errorf("scheduling override for tier %s must not be negative", tier)
		}
	}
	if c.Nurture.Interval != "" {
		if _, err := time.ParseDuration(c.Nurture.Interval); err != nil {
			return fmt.Errorf("config.nurture.interval invalid: %w", err)
		}
	}
	if c.Nurture.LeadDays < 0 {
		return fmt.Errorf("config.nurture.lead_days must not be negative")
	}
	return nil
}

func (c *Config) timezone() string {
	if c.User.Timezone == "" {
		return "UTC"
	}
	return c.User.Timezone
}

// Location returns the user's time zone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.timezone())
	if err != nil {
		return time.UTC
	}
	return loc
}

// Ranking converts the scoring and lane sections for the ranking package.
func (c *Config) Ranking() ranking.Config {
	return ranking.Config{
		Weights: ranking.Weights{
			Urgency:    c.Scoring.Weights.Urgency,
			StallRisk:  c.Scoring.Weights.StallRisk,
			Value:      c.Scoring.Weights.Value,
			EffortBias: c.Scoring.Weights.EffortBias,
		},
		InMotionWindowDays: c.Lanes.InMotionWindowDays,
		OpenLoopGraceDays:  c.Lanes.OpenLoopGraceDays,
	}
}

// Cadence returns cadence days keyed by tier.
func (c *Config) Cadence() map[domain.Tier]int {
	out := make(map[domain.Tier]int, len(c.Lanes.CadenceDays))
	for tier, days := range c.Lanes.CadenceDays {
		out[domain.Tier(tier)] = days
	}
	return out
}

// SchedulingFor resolves scheduler options for a relationship tier.
// Per-call overrides are applied by the caller on top of the result.
func (c *Config) SchedulingFor(tier domain.Tier) schedule.Options {
	opts := schedule.Options{
		MaxPerDay:   c.Scheduling.MaxActionsPerDay,
		HorizonDays: c.Scheduling.HorizonDays,
	}
	if o, ok := c.Scheduling.TierOverrides[string(tier)]; ok {
		if o.MaxActionsPerDay > 0 {
			opts.MaxPerDay = o.MaxActionsPerDay
		}
		if o.HorizonDays > 0 {
			opts.HorizonDays = o.HorizonDays
		}
	}
	return opts.WithDefaults()
}

// NurtureInterval returns the background nurture period, zero when unset.
func (c *Config) NurtureInterval() time.Duration {
	d, _ := time.ParseDuration(c.Nurture.Interval)
	return d
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "touchline.yml")
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML.
func GenerateDefault(userID string) string {
	return fmt.Sprintf(defaultTemplate, userID)
}

// Default returns the default Config struct for a user.
func Default(userID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(userID))).Decode(&cfg)
	cfg.User.ID = userID
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `user:
  id: %s
  timezone: UTC

scoring:
  weights:
    urgency: 0.35
    stall_risk: 0.25
    value: 0.25
    effort_bias: 0.15

lanes:
  in_motion_window_days: 14
  open_loop_grace_days: 3
  cadence_days:
    inner: 7
    active: 14
    warm: 30
    background: 90

scheduling:
  max_actions_per_day: 2
  horizon_days: 30

nurture:
  enabled: false
  interval: 1h
  lead_days: 1
`
