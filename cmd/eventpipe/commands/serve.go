package commands

import (
	"fmt"
	"log/slog"

	"git.home.luguber.info/inful/eventpipe/internal/app"
	"git.home.luguber.info/inful/eventpipe/internal/foundation/errors"
)

// ServeCmd implements the 'serve' command.
type ServeCmd struct {
	Roles []string `help:"Roles to run (api, process, confirm, objects, watch, scheduler); all supported roles when empty" sep:","`
}

func (s *ServeCmd) Run(_ *Global, root *CLI) error {
	roles, err := parseRoles(s.Roles)
	if err != nil {
		return err
	}
	return runRoles(root, roles...)
}

// APICmd implements the 'api' command.
type APICmd struct{}

func (*APICmd) Run(_ *Global, root *CLI) error { return runRoles(root, app.RoleAPI) }

// ProcessCmd implements the 'process' command.
type ProcessCmd struct{}

func (*ProcessCmd) Run(_ *Global, root *CLI) error { return runRoles(root, app.RoleProcessor) }

// ConfirmCmd implements the 'confirm' command.
type ConfirmCmd struct{}

func (*ConfirmCmd) Run(_ *Global, root *CLI) error { return runRoles(root, app.RoleConfirmer) }

// ObjectsCmd implements the 'objects' command.
type ObjectsCmd struct{}

func (*ObjectsCmd) Run(_ *Global, root *CLI) error { return runRoles(root, app.RoleObjects) }

// WatchCmd implements the 'watch' command.
type WatchCmd struct{}

func (*WatchCmd) Run(_ *Global, root *CLI) error { return runRoles(root, app.RoleWatcher) }

var knownRoles = []app.Role{
	app.RoleAPI, app.RoleProcessor, app.RoleConfirmer,
	app.RoleObjects, app.RoleWatcher, app.RoleScheduler,
}

func parseRoles(raw []string) ([]app.Role, error) {
	roles := make([]app.Role, 0, len(raw))
	for _, r := range raw {
		role, ok := lookupRole(r)
		if !ok {
			return nil, errors.ValidationError(fmt.Sprintf("unknown role %q", r)).
				WithContext("known", knownRoles).Build()
		}
		roles = append(roles, role)
	}
	return roles, nil
}

func lookupRole(raw string) (app.Role, bool) {
	for _, r := range knownRoles {
		if string(r) == raw {
			return r, true
		}
	}
	return "", false
}

// runRoles runs roles until SIGINT/SIGTERM. No roles means app.DefaultRoles.
func runRoles(root *CLI, roles ...app.Role) error {
	cfg, err := root.load()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			slog.Warn("Failed to close backends", "error", cerr)
		}
	}()

	if len(roles) == 0 {
		roles = app.DefaultRoles(cfg)
	}
	if err := a.Run(ctx, roles...); err != nil {
		return err
	}
	slog.Info("eventpipe stopped")
	return nil
}
