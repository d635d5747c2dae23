package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/civil"

	"touchline/internal/config"
	"touchline/internal/domain"
	"touchline/internal/events"
	"touchline/internal/repo"
	"touchline/internal/retry"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	// Config is used for users without a stored config.
	Config *config.Config
	Logger *slog.Logger
	Now    func() time.Time
	Retry  retry.Config

	locks *keyedMutex
}

func New(db *sql.DB, cfg *config.Config) Engine {
	e := Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Config: cfg,
		Now:    time.Now,
		Retry:  retry.DefaultConfig(),
		locks:  newKeyedMutex(),
	}
	e.Events = events.Writer{Now: e.now}
	return e
}

// ErrNoEligibleAction is returned when no open action passes the filters.
var ErrNoEligibleAction = errors.New("no eligible action")

// InvalidInputError reports a rejected option.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e InvalidInputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return InvalidInputError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return domain.FormatTime(e.now())
}

func (e Engine) log() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) lockRelationship(id string) func() {
	if e.locks == nil {
		return sharedLocks.lock(id)
	}
	return e.locks.lock(id)
}

// Today is the current calendar date in the user's time zone.
func (e Engine) Today(cfg *config.Config) civil.Date {
	loc := time.UTC
	if cfg != nil {
		loc = cfg.Location()
	}
	return civil.DateOf(e.now().In(loc))
}

// ConfigFor returns the stored config of a user, falling back to the engine
// config and then to defaults.
func (e Engine) ConfigFor(ctx context.Context, userID string) (*config.Config, error) {
	if userID == "" {
		return nil, invalid("user_id", "required")
	}
	cfg, err := retry.Value(ctx, e.Retry, func() (*config.Config, error) {
		return e.Repo.GetUserConfig(ctx, userID)
	})
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, fmt.Errorf("load config for %s: %w", userID, err)
	}
	if e.Config != nil {
		return e.Config, nil
	}
	return config.Default(userID), nil
}

// relationshipFor loads a relationship and hides those owned by other users.
func (e Engine) relationshipFor(ctx context.Context, userID, id string) (domain.Relationship, error) {
	if id == "" {
		return domain.Relationship{}, invalid("relationship_id", "required")
	}
	rel, err := retry.Value(ctx, e.Retry, func() (domain.Relationship, error) {
		return e.Repo.GetRelationship(ctx, id)
	})
	if err != nil {
		return rel, fmt.Errorf("relationship %s: %w", id, err)
	}
	if rel.UserID != userID {
		return domain.Relationship{}, fmt.Errorf("relationship %s: %w", id, repo.ErrNotFound)
	}
	return rel, nil
}
