package app

import (
	"context"
	"errors"

	"planline/internal/config"
	"planline/internal/repo"
)

// ResolveConfig returns the active configuration for a workspace. A
// planline.yml in the workspace wins; otherwise the copy stored in the DB
// settings table is used, seeding the default on first run so every later
// caller sees the same configuration.
func ResolveConfig(ctx context.Context, workspace string, r repo.Repo) (*config.Config, error) {
	if cfg, err := config.LoadOptional(workspace); err != nil {
		return nil, err
	} else if cfg != nil {
		if err := r.UpsertSettings(ctx, cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	cfg, err := r.GetSettings(ctx)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
		cfg = config.Default()
		if err := r.UpsertSettings(ctx, cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
