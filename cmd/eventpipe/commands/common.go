package commands

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"git.home.luguber.info/inful/eventpipe/internal/config"
)

// Global carries state shared by every subcommand.
type Global struct {
	Logger *slog.Logger
	Out    io.Writer
}

func (g *Global) out() io.Writer {
	if g == nil || g.Out == nil {
		return os.Stdout
	}
	return g.Out
}

// CLI definition & global flags.
type CLI struct {
	Config    string           `short:"c" help:"Configuration file path (defaults only when empty)" env:"EVENTPIPE_CONFIG"`
	Verbose   bool             `short:"v" help:"Enable verbose logging"`
	LogFormat string           `name:"log-format" help:"Log output format (text, json); overrides the configuration"`
	Version   kong.VersionFlag `name:"version" help:"Show version and exit"`

	Serve   ServeCmd   `cmd:"" help:"Run the pipeline roles in one process"`
	API     APICmd     `cmd:"" name:"api" help:"Run only the ingestion API"`
	Process ProcessCmd `cmd:"" help:"Run only the processing worker"`
	Confirm ConfirmCmd `cmd:"" help:"Run only the confirmation worker"`
	Objects ObjectsCmd `cmd:"" help:"Run only the object notification consumer"`
	Watch   WatchCmd   `cmd:"" help:"Watch the filesystem blob store for new objects"`
	Relay   RelayCmd   `cmd:"" help:"Publish pending outbox entries once"`
	Sweep   SweepCmd   `cmd:"" help:"Report (and optionally republish) stale events once"`
	Purge   PurgeCmd   `cmd:"" help:"Remove expired records and outbox history once"`
	DLQ     DLQCmd     `cmd:"" name:"dlq" help:"Inspect and redrive the dead-letter queue"`
	Trigger TriggerCmd `cmd:"" help:"Submit a sample event through the API"`
	Upload  UploadCmd  `cmd:"" help:"Upload a file through the API"`
	Init    InitCmd    `cmd:"" help:"Initialize a new configuration file"`
}

// AfterApply runs after flag parsing; setup logging once.
// nolint:unparam // AfterApply currently never returns an error.
func (c *CLI) AfterApply() error {
	slog.SetDefault(newLogger(c.Verbose, config.LogLevelInfo, config.NormalizeLogFormat(c.LogFormat)))
	return nil
}

// load reads the configuration and re-applies logging from its monitoring section. Flags win.
func (c *CLI) load() (*config.Config, error) {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return nil, err
	}
	format := cfg.Monitoring.Logging.Format
	if c.LogFormat != "" {
		format = config.NormalizeLogFormat(c.LogFormat)
	}
	slog.SetDefault(newLogger(c.Verbose, cfg.Monitoring.Logging.Level, format))
	return cfg, nil
}

func newLogger(verbose bool, level config.LogLevel, format config.LogFormat) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slogLevel(level)}
	if verbose {
		opts.Level = slog.LevelDebug
	}
	if format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func slogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogLevelDebug:
		return slog.LevelDebug
	case config.LogLevelWarn:
		return slog.LevelWarn
	case config.LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
