package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/NodePath81/fbspeed/internal/app"
	"github.com/NodePath81/fbspeed/internal/config"
)

func serveCommand(a *App) *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "Run the control server; SIGHUP reloads the config",
		Action: a.serve,
		Flags:  []cli.Flag{configFlag(true)},
	}
}

func (a *App) serve(ctx *cli.Context) error {
	path := ctx.String("config")
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return err
	}
	a.applyLogLevel(ctx, cfg.Log.Level)

	supervisor := app.NewSupervisor(path, a.logger)
	if err := supervisor.Start(); err != nil {
		a.logger.Error().Err(err).Msg("startup failed")
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)
	for {
		select {
		case <-ctx.Context.Done():
			supervisor.Stop()
			return nil
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				if err := supervisor.Restart(); err != nil {
					if supervisor.Runtime() != nil {
						continue
					}
					a.logger.Error().Err(err).Msg("reload failed")
					return err
				}
				continue
			}
			a.logger.Info().Msg("shutdown requested")
			supervisor.Stop()
			return nil
		}
	}
}
