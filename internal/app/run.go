package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"git.home.luguber.info/inful/eventpipe/internal/config"
)

// Role is one long-running part of the pipeline.
type Role string

const (
	RoleAPI       Role = "api"
	RoleProcessor Role = "process"
	RoleConfirmer Role = "confirm"
	RoleObjects   Role = "objects"
	RoleWatcher   Role = "watch"
	RoleScheduler Role = "scheduler"
)

// DefaultRoles is what `serve` runs: everything the configured backends support.
func DefaultRoles(cfg *config.Config) []Role {
	roles := []Role{RoleAPI, RoleProcessor, RoleConfirmer, RoleObjects, RoleScheduler}
	if cfg.Blob.Driver == config.BlobFS {
		roles = append(roles, RoleWatcher)
	}
	return roles
}

func (a *App) runner(r Role) (func(context.Context) error, error) {
	switch r {
	case RoleAPI:
		return a.RunAPI, nil
	case RoleProcessor:
		return a.RunProcessor, nil
	case RoleConfirmer:
		return a.RunConfirmer, nil
	case RoleObjects:
		return a.RunObjects, nil
	case RoleWatcher:
		return a.RunWatcher, nil
	case RoleScheduler:
		return a.RunScheduler, nil
	default:
		return nil, fmt.Errorf("unknown role %q", r)
	}
}

// Run starts every role and blocks until ctx is done or one of them fails, in which case the
// others are cancelled.
func (a *App) Run(ctx context.Context, roles ...Role) error {
	g, gctx := errgroup.WithContext(ctx)
	names := make([]string, 0, len(roles))
	for _, r := range roles {
		run, err := a.runner(r)
		if err != nil {
			return err
		}
		names = append(names, string(r))
		g.Go(func() error {
			if err := run(gctx); err != nil {
				return fmt.Errorf("%s: %w", r, err)
			}
			return nil
		})
	}
	slog.Info("eventpipe running", slog.String("roles", strings.Join(names, ",")))
	return g.Wait()
}
