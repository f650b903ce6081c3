package app

import (
	"context"

	"github.com/NodePath81/fbspeed/internal/config"
	"github.com/NodePath81/fbspeed/internal/speedtest"
	"github.com/NodePath81/fbspeed/internal/util"
)

// RunOnce performs a single run against cfg and returns its final state.
func RunOnce(ctx context.Context, cfg config.Config, reporter speedtest.Reporter, logger util.Logger) (speedtest.RunState, error) {
	probe, err := speedtest.NewHTTPProbe(cfg.SpeedtestProbe())
	if err != nil {
		return speedtest.RunState{}, err
	}
	defer probe.CloseIdleConnections()

	engine, err := speedtest.NewEngine(speedtest.Options{
		Endpoint: cfg.SpeedtestEndpoint(),
		Basis:    cfg.Basis(),
		Prober:   probe,
		Reporter: reporter,
		Logger:   logger,
	})
	if err != nil {
		return speedtest.RunState{}, err
	}
	defer engine.Close()
	return engine.RunTest(ctx)
}
