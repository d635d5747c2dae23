package app

import (
	"context"
	"errors"
	"fmt"

	"touchline/internal/config"
	"touchline/internal/repo"
)

// ResolveUserAndConfig picks the active user and makes sure a config exists
// in the DB, seeding it from <workspace>/touchline.yml or defaults when
// missing. Without an override the single stored user is used.
func ResolveUserAndConfig(ctx context.Context, workspace, userOverride string, r repo.Repo) (string, *config.Config, error) {
	userID := userOverride
	if userID == "" {
		ids, err := r.ListUserIDs(ctx)
		if err != nil {
			return "", nil, err
		}
		switch len(ids) {
		case 1:
			userID = ids[0]
		case 0:
			return "", nil, fmt.Errorf("user not specified; use --user-id or TOUCHLINE_DEFAULT_USER")
		default:
			return "", nil, fmt.Errorf("%d users in workspace; use --user-id", len(ids))
		}
	}
	cfg, err := r.GetUserConfig(ctx, userID)
	if err == nil {
		return userID, cfg, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return "", nil, err
	}
	seed, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, fmt.Errorf("read %s: %w", config.Path(workspace), err)
	}
	if seed == nil {
		seed = config.Default(userID)
	}
	if err := r.UpsertUserConfig(ctx, userID, seed); err != nil {
		return "", nil, fmt.Errorf("seed user config: %w", err)
	}
	return userID, seed, nil
}
