package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"touchline/internal/engine"
)

const defaultNurtureTick = time.Minute

// nurtureRunner periodically runs the nurture pass for every user whose
// config enables it, honouring each user's own interval.
type nurtureRunner struct {
	engine engine.Engine
	logger *slog.Logger
	tick   time.Duration
	mu     sync.Mutex
	last   map[string]time.Time
}

// StartNurtureLoop runs until ctx is done. The returned channel closes on exit.
func StartNurtureLoop(ctx context.Context, e engine.Engine, logger *slog.Logger, tick time.Duration) <-chan struct{} {
	if logger == nil {
		logger = slog.Default()
	}
	if tick <= 0 {
		tick = defaultNurtureTick
	}
	r := &nurtureRunner{engine: e, logger: logger, tick: tick, last: map[string]time.Time{}}
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.run(ctx)
	}()
	return done
}

func (r *nurtureRunner) run(ctx context.Context) {
	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()
	for {
		r.runDue(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *nurtureRunner) runDue(ctx context.Context) {
	users, err := r.engine.Repo.ListUserIDs(ctx)
	if err != nil {
		r.logger.Error("nurture: list users failed", "error", err)
		return
	}
	now := r.engine.Now
	if now == nil {
		now = time.Now
	}
	for _, userID := range users {
		cfg, err := r.engine.ConfigFor(ctx, userID)
		if err != nil {
			r.logger.Error("nurture: load config failed", "user_id", userID, "error", err)
			continue
		}
		if !cfg.Nurture.Enabled {
			continue
		}
		if !r.due(userID, cfg.NurtureInterval(), now()) {
			continue
		}
		created, err := r.engine.Nurture(ctx, userID)
		if err != nil {
			r.logger.Error("nurture: pass failed", "user_id", userID, "error", err)
			continue
		}
		r.logger.Info("nurture: pass done", "user_id", userID, "proposed", len(created))
	}
}

// due records the run when it reports true.
func (r *nurtureRunner) due(userID string, interval time.Duration, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if last, ok := r.last[userID]; ok && interval > 0 && now.Sub(last) < interval {
		return false
	}
	r.last[userID] = now
	return true
}
