package cli

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"github.com/NodePath81/fbspeed/internal/app"
	"github.com/NodePath81/fbspeed/internal/config"
	"github.com/NodePath81/fbspeed/internal/report"
	"github.com/NodePath81/fbspeed/internal/speedtest"
)

func runCommand(a *App) *cli.Command {
	return &cli.Command{
		Name:   "run",
		Usage:  "Run one speed test in the terminal",
		Action: a.run,
		Flags: []cli.Flag{
			configFlag(false),
			&cli.StringFlag{Name: "ping-url", Usage: "URL probed with HEAD for latency"},
			&cli.StringFlag{Name: "download-url", Usage: "URL fetched for download throughput"},
			&cli.StringFlag{Name: "download-size", Usage: "Expected download body size for the nominal basis (e.g. 100KB)"},
			&cli.StringFlag{Name: "download-file", Usage: "Named test file to download (small, medium, large)"},
			&cli.StringFlag{Name: "upload-url", Usage: "URL receiving the upload payload"},
			&cli.StringFlag{Name: "payload-size", Usage: "Upload payload size (e.g. 1MB, 500kb)"},
			&cli.StringFlag{Name: "upload-mode", Usage: "Upload body framing (multipart, raw)"},
			&cli.DurationFlag{Name: "timeout", Usage: "Per-probe timeout (0 disables)"},
			&cli.StringFlag{Name: "basis", Usage: "Throughput basis (measured, nominal)"},
			&cli.BoolFlag{Name: "no-progress", Usage: "Print status lines instead of a progress bar"},
			&cli.BoolFlag{Name: "no-color", Usage: "Disable colored output"},
			&cli.BoolFlag{Name: "json", Usage: "Print the final run state as JSON"},
		},
	}
}

func (a *App) loadRunConfig(ctx *cli.Context) (config.Config, error) {
	var cfg config.Config
	if path := ctx.String("config"); path != "" {
		loaded, err := config.LoadConfig(path)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}

	if ctx.IsSet("ping-url") {
		cfg.Endpoint.PingURL = ctx.String("ping-url")
	}
	if ctx.IsSet("download-file") {
		cfg.Endpoint.DownloadFile = ctx.String("download-file")
		cfg.Endpoint.DownloadURL = ""
	}
	if ctx.IsSet("download-url") {
		cfg.Endpoint.DownloadURL = ctx.String("download-url")
	}
	if ctx.IsSet("download-file") || ctx.IsSet("download-url") {
		// A size from the file described the previous download.
		cfg.Endpoint.DownloadSize = ""
	}
	if ctx.IsSet("download-size") {
		cfg.Endpoint.DownloadSize = ctx.String("download-size")
	}
	if ctx.IsSet("upload-url") {
		cfg.Endpoint.UploadURL = ctx.String("upload-url")
	}
	if ctx.IsSet("payload-size") {
		cfg.Endpoint.PayloadSize = ctx.String("payload-size")
	}
	if ctx.IsSet("upload-mode") {
		cfg.Probe.UploadMode = ctx.String("upload-mode")
	}
	if ctx.IsSet("timeout") {
		cfg.Probe.Timeout = config.DurationPtr(ctx.Duration("timeout"))
	}
	if ctx.IsSet("basis") {
		cfg.Probe.ThroughputBasis = ctx.String("basis")
	}
	if err := cfg.Finalize(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func (a *App) run(ctx *cli.Context) error {
	cfg, err := a.loadRunConfig(ctx)
	if err != nil {
		return err
	}
	a.applyLogLevel(ctx, cfg.Log.Level)

	runCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reporters := speedtest.Reporters{report.NewLog(a.logger.With().Str("component", "reporter").Logger())}
	asJSON := ctx.Bool("json")
	if !asJSON {
		interactive := !color.NoColor
		reporters = append(reporters, report.NewTerminal(ctx.App.Writer, report.TerminalOptions{
			Progress: interactive && !ctx.Bool("no-progress"),
			Color:    interactive && !ctx.Bool("no-color"),
		}))
	}

	a.logger.Debug().
		Str("ping_url", cfg.Endpoint.PingURL).
		Str("download_url", cfg.Endpoint.DownloadURL).
		Str("upload_url", cfg.Endpoint.UploadURL).
		Int64("payload_bytes", cfg.Endpoint.PayloadSizeBytes).
		Msg("starting run")

	state, runErr := app.RunOnce(runCtx, cfg, reporters, a.logger.With().Str("component", "engine").Logger())
	if asJSON {
		enc := json.NewEncoder(ctx.App.Writer)
		enc.SetIndent("", "  ")
		if err := enc.Encode(state); err != nil {
			return err
		}
	}
	return runErr
}
