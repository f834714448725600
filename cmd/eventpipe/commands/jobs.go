package commands

import (
	"context"
	"fmt"

	"git.home.luguber.info/inful/eventpipe/internal/app"
	"git.home.luguber.info/inful/eventpipe/internal/config"
)

// withApp loads configuration, builds the backends, and runs fn once.
func withApp(root *CLI, tweak func(*config.Config), fn func(context.Context, *app.App) error) error {
	cfg, err := root.load()
	if err != nil {
		return err
	}
	if tweak != nil {
		tweak(cfg)
	}
	ctx, cancel := signalContext()
	defer cancel()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()
	return fn(ctx, a)
}

// RelayCmd implements the 'relay' command.
type RelayCmd struct{}

func (*RelayCmd) Run(g *Global, root *CLI) error {
	// Relaying only makes sense against an outbox, whatever the service default says.
	return withApp(root, func(c *config.Config) { c.Ingest.Outbox = true }, func(ctx context.Context, a *app.App) error {
		n, err := a.Reconciler().Relay(ctx)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(g.out(), "relayed %d outbox entries\n", n)
		return nil
	})
}

// SweepCmd implements the 'sweep' command.
type SweepCmd struct {
	Republish bool `help:"Republish stale events instead of only reporting them"`
}

func (s *SweepCmd) Run(g *Global, root *CLI) error {
	tweak := func(c *config.Config) {
		if s.Republish {
			c.Reconcile.Republish = true
		}
	}
	return withApp(root, tweak, func(ctx context.Context, a *app.App) error {
		res, err := a.Reconciler().Sweep(ctx)
		if err != nil {
			return err
		}
		out := g.out()
		for _, rec := range res.Stale {
			_, _ = fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", rec.EventID, rec.Timestamp, rec.EventType, rec.Status)
		}
		_, _ = fmt.Fprintf(out, "stale: %d, republished: %d\n", len(res.Stale), res.Republished)
		return nil
	})
}

// PurgeCmd implements the 'purge' command.
type PurgeCmd struct{}

func (*PurgeCmd) Run(g *Global, root *CLI) error {
	return withApp(root, nil, func(ctx context.Context, a *app.App) error {
		res, err := a.Reconciler().Purge(ctx)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(g.out(), "purged %d records, %d outbox entries\n", res.Records, res.Outbox)
		return nil
	})
}
