package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"passbook/internal/config"
	"passbook/internal/repo"
)

// ResolveEvent picks the event a command operates on. It prefers the
// override, then the workspace config, then a single-event store.
func ResolveEvent(ctx context.Context, workspace, eventOverride string, r repo.Repo) (string, error) {
	if eventOverride != "" {
		if _, err := r.GetEvent(ctx, eventOverride); err != nil {
			return "", err
		}
		return eventOverride, nil
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", err
	}
	if cfg != nil && cfg.Event.ID != "" {
		if _, err := r.GetEvent(ctx, cfg.Event.ID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return "", fmt.Errorf("configured event %s not found", cfg.Event.ID)
			}
			return "", err
		}
		return cfg.Event.ID, nil
	}
	ev, err := r.SingleEvent(ctx)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", fmt.Errorf("event not specified; use --event")
		}
		return "", err
	}
	return ev.ID, nil
}

// ResolveConfig loads the workspace config, seeding the default file
// when none exists yet.
func ResolveConfig(workspace, eventName string) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg != nil {
		return cfg, nil
	}
	cfg = config.Default(eventName)
	if err := os.WriteFile(config.Path(workspace), []byte(config.GenerateDefault(eventName)), 0o644); err != nil {
		return nil, fmt.Errorf("seed config: %w", err)
	}
	return cfg, nil
}
