package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/NodePath81/fbspeed/internal/util"
	"github.com/NodePath81/fbspeed/internal/version"
)

const AppName = "fbspeed"

type App struct {
	logger zerolog.Logger
	cli    *cli.App
}

func New() *App {
	app := &App{
		logger: util.NewLogger("info", os.Stderr),
	}
	app.cli = &cli.App{
		Name:    AppName,
		Usage:   "Measure latency, download and upload throughput over HTTP",
		Version: version.Version,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Enable verbose (debug) logging",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level (debug, info, warn, error); overrides log.level from the config",
			},
		},
		Before: func(ctx *cli.Context) error {
			app.logger = util.NewLogger(app.logLevel(ctx, ""), ctx.App.ErrWriter)
			return nil
		},
		// Errors are reported by the caller of Run.
		ExitErrHandler: func(*cli.Context, error) {},
		Commands: []*cli.Command{
			runCommand(app),
			serveCommand(app),
			{
				Name:   "check",
				Usage:  "Validate a configuration file",
				Action: app.check,
				Flags: []cli.Flag{
					configFlag(true),
					&cli.BoolFlag{
						Name:  "control",
						Usage: "Also validate the settings required by serve",
					},
				},
			},
			{
				Name:  "version",
				Usage: "Print the version",
				Action: func(ctx *cli.Context) error {
					fmt.Fprintln(ctx.App.Writer, version.Version)
					return nil
				},
			},
		},
	}
	return app
}

func (a *App) Run(args []string) error {
	return a.cli.Run(args)
}

// SetOutput redirects command output and logs.
func (a *App) SetOutput(out, errOut io.Writer) {
	a.cli.Writer = out
	a.cli.ErrWriter = errOut
}

func configFlag(required bool) cli.Flag {
	return &cli.StringFlag{
		Name:     "config",
		Aliases:  []string{"c"},
		Usage:    "Path to the YAML config file",
		Required: required,
	}
}

// logLevel resolves the effective level: --verbose, then --log-level, then
// the config file's level.
func (a *App) logLevel(ctx *cli.Context, configured string) string {
	if ctx.Bool("verbose") {
		return "debug"
	}
	if lvl := strings.TrimSpace(ctx.String("log-level")); lvl != "" {
		return lvl
	}
	if configured != "" {
		return configured
	}
	return "info"
}

func (a *App) applyLogLevel(ctx *cli.Context, configured string) {
	a.logger = util.NewLogger(a.logLevel(ctx, configured), ctx.App.ErrWriter)
}
