package app

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/NodePath81/fbspeed/internal/config"
	"github.com/NodePath81/fbspeed/internal/control"
	"github.com/NodePath81/fbspeed/internal/measure"
	"github.com/NodePath81/fbspeed/internal/metrics"
	"github.com/NodePath81/fbspeed/internal/report"
	"github.com/NodePath81/fbspeed/internal/speedtest"
	"github.com/NodePath81/fbspeed/internal/util"
)

// Runtime is one configured instance of the control service. It owns an
// engine with its reporters, the control server and the optional scheduler.
type Runtime struct {
	cfg       config.Config
	ctx       context.Context
	cancel    context.CancelFunc
	logger    util.Logger
	probe     *speedtest.HTTPProbe
	engine    *speedtest.Engine
	hub       *control.EventHub
	metrics   *metrics.Metrics
	control   *control.Server
	scheduler *measure.Scheduler
}

func NewRuntime(cfg config.Config, logger util.Logger, restartFn func() error) (*Runtime, error) {
	probe, err := speedtest.NewHTTPProbe(cfg.SpeedtestProbe())
	if err != nil {
		return nil, err
	}
	return newRuntime(cfg, logger, restartFn, probe)
}

func newRuntime(cfg config.Config, logger util.Logger, restartFn func() error, prober speedtest.Prober) (*Runtime, error) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := control.NewEventHub(ctx.Done())

	rt := &Runtime{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
		hub:    hub,
	}
	if p, ok := prober.(*speedtest.HTTPProbe); ok {
		rt.probe = p
	}

	reporters := speedtest.Reporters{
		hub,
		report.NewLog(logger.With().Str("component", "reporter").Logger()),
	}
	var metricsHandler http.Handler
	if cfg.Control.Metrics.IsEnabled() {
		rt.metrics = metrics.NewMetrics(cfg.Hostname)
		reporters = append(reporters, rt.metrics)
		metricsHandler = rt.metrics.Handler()
	}

	engine, err := speedtest.NewEngine(speedtest.Options{
		Endpoint: cfg.SpeedtestEndpoint(),
		Basis:    cfg.Basis(),
		Prober:   prober,
		Reporter: reporters,
		Logger:   logger.With().Str("component", "engine").Logger(),
	})
	if err != nil {
		cancel()
		return nil, err
	}
	rt.engine = engine

	ctrl, err := control.NewServer(cfg, engine, hub, metricsHandler, restartFn, logger.With().Str("component", "control").Logger())
	if err != nil {
		cancel()
		return nil, err
	}
	rt.control = ctrl

	if cfg.Schedule.Enabled {
		rt.scheduler = measure.NewScheduler(measure.SchedulerConfig{
			StartupDelay: cfg.Schedule.StartupDelay.Duration(),
			MinInterval:  cfg.Schedule.Interval.Min.Duration(),
			MaxInterval:  cfg.Schedule.Interval.Max.Duration(),
		}, engine, logger.With().Str("component", "scheduler").Logger(), nil)
		ctrl.SetScheduler(rt.scheduler)
	}
	return rt, nil
}

func (r *Runtime) Start() error {
	if err := r.control.Start(r.ctx); err != nil {
		return errors.Wrap(err, "start control server")
	}
	if r.scheduler != nil {
		go r.scheduler.Run(r.ctx)
	}
	return nil
}

func (r *Runtime) Stop() {
	r.engine.Close()
	r.cancel()
	if r.control != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = r.control.Shutdown(ctx)
		cancel()
	}
	if r.probe != nil {
		r.probe.CloseIdleConnections()
	}
}

func (r *Runtime) Engine() *speedtest.Engine {
	return r.engine
}

// Addr is the control server's bound address.
func (r *Runtime) Addr() string {
	return r.control.Addr()
}
