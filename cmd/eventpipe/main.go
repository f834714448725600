package main

import (
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	"git.home.luguber.info/inful/eventpipe/cmd/eventpipe/commands"
	"git.home.luguber.info/inful/eventpipe/internal/foundation/errors"
	"git.home.luguber.info/inful/eventpipe/internal/version"
)

func main() {
	cli := &commands.CLI{}
	parser := kong.Parse(cli,
		kong.Name("eventpipe"),
		kong.Description("Event ingestion pipeline: API, queue workers and maintenance jobs."),
		kong.UsageOnError(),
		kong.Vars{"version": version.String()},
	)

	err := parser.Run(&commands.Global{Logger: slog.Default(), Out: os.Stdout}, cli)
	errors.NewCLIErrorAdapter(cli.Verbose, slog.Default()).HandleError(err)
}
