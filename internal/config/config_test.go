package config

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"touchline/internal/domain"
	"touchline/internal/schedule"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := Default("user-1")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Location() != time.UTC {
		t.Fatalf("default location = %v", cfg.Location())
	}
	if got := cfg.Cadence()[domain.TierWarm]; got != 30 {
		t.Fatalf("warm cadence = %d", got)
	}
	if got := cfg.NurtureInterval(); got != time.Hour {
		t.Fatalf("nurture interval = %v", got)
	}
}

func TestValidateRejectsBadWeights(t *testing.T) {
	cfg := Default("user-1")
	cfg.Scoring.Weights.Value = -1
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "value") {
		t.Fatalf("expected negative weight error, got %v", err)
	}
	cfg = Default("user-1")
	cfg.Scoring.Weights = Weights{}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected zero-sum weight error")
	}
}

func TestValidateRejectsUnknownTier(t *testing.T) {
	_, err := FromYAML([]byte(strings.Replace(GenerateDefault("u"), "warm: 30", "acquaintance: 30", 1)))
	if err == nil {
		t.Fatalf("expected unknown tier error")
	}
}

func TestSchedulingForAppliesTierOverride(t *testing.T) {
	cfg := Default("user-1")
	cfg.Scheduling.MaxActionsPerDay = 0
	cfg.Scheduling.TierOverrides = map[string]SchedulingOverride{
		"inner": {MaxActionsPerDay: 3},
	}
	if got := cfg.SchedulingFor(domain.TierInner); got != (schedule.Options{MaxPerDay: 3, HorizonDays: 30}) {
		t.Fatalf("inner options = %+v", got)
	}
	if got := cfg.SchedulingFor(domain.TierWarm); got != schedule.DefaultOptions() {
		t.Fatalf("warm options = %+v", got)
	}
}

func TestLoggerFansOut(t *testing.T) {
	var text, js bytes.Buffer
	logger := SetupLoggerWithWriters(&text, &js, ParseLevel("debug"))
	logger.Debug("slot taken", "relationship_id", "r1")
	if !strings.Contains(text.String(), "slot taken") {
		t.Fatalf("text handler missed record: %q", text.String())
	}
	if !strings.Contains(js.String(), `"relationship_id":"r1"`) {
		t.Fatalf("json handler missed record: %q", js.String())
	}
	if ParseLevel("nonsense") != slog.LevelInfo {
		t.Fatalf("unknown level should default to info")
	}
}
