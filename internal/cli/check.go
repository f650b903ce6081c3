package cli

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/NodePath81/fbspeed/internal/config"
	"github.com/NodePath81/fbspeed/internal/util"
)

func (a *App) check(ctx *cli.Context) error {
	cfg, err := config.LoadConfig(ctx.String("config"))
	if err != nil {
		return fmt.Errorf("config invalid: %w", err)
	}
	if ctx.Bool("control") {
		if err := cfg.ValidateControl(); err != nil {
			return fmt.Errorf("config invalid: %w", err)
		}
	}
	w := ctx.App.Writer
	fmt.Fprintln(w, "config valid")
	fmt.Fprintf(w, "  ping:     %s\n", cfg.Endpoint.PingURL)
	fmt.Fprintf(w, "  download: %s\n", cfg.Endpoint.DownloadURL)
	fmt.Fprintf(w, "  upload:   %s (%s, %s)\n", cfg.Endpoint.UploadURL,
		util.FormatBytes(float64(cfg.Endpoint.PayloadSizeBytes)), cfg.Probe.UploadMode)
	fmt.Fprintf(w, "  basis:    %s\n", cfg.Probe.ThroughputBasis)
	if cfg.Schedule.Enabled {
		fmt.Fprintf(w, "  schedule: every %s-%s\n", cfg.Schedule.Interval.Min.Duration(), cfg.Schedule.Interval.Max.Duration())
	}
	return nil
}
