package measure

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/NodePath81/fbspeed/internal/speedtest"
	"github.com/NodePath81/fbspeed/internal/util"
)

const defaultRetryDelay = 30 * time.Second

// Runner starts a run without waiting for it.
type Runner interface {
	Start(ctx context.Context) (string, error)
}

type SchedulerConfig struct {
	StartupDelay time.Duration
	MinInterval  time.Duration
	MaxInterval  time.Duration
	// RetryDelay applies when a run is already in flight at the due time.
	RetryDelay time.Duration
}

// Scheduler triggers runs at jittered intervals between MinInterval and
// MaxInterval.
type Scheduler struct {
	cfg    SchedulerConfig
	runner Runner
	logger util.Logger
	now    func() time.Time

	mu           sync.Mutex
	rng          *rand.Rand
	nextRun      time.Time
	lastRun      time.Time
	lastRunID    string
	triggered    uint64
	skippedTotal uint64
}

type SchedulerStatus struct {
	NextScheduled time.Time `json:"next_scheduled"`
	LastRun       time.Time `json:"last_run"`
	LastRunID     string    `json:"last_run_id,omitempty"`
	Triggered     uint64    `json:"triggered_total"`
	SkippedTotal  uint64    `json:"skipped_total"`
}

func NewScheduler(cfg SchedulerConfig, runner Runner, logger util.Logger, rng *rand.Rand) *Scheduler {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	return &Scheduler{
		cfg:    cfg,
		runner: runner,
		logger: logger,
		now:    time.Now,
		rng:    rng,
	}
}

// Run triggers runs until ctx is done or the runner is closed.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	s.nextRun = s.now().Add(s.cfg.StartupDelay)
	s.mu.Unlock()

	timer := time.NewTimer(s.cfg.StartupDelay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		delay, ok := s.trigger(ctx)
		if !ok {
			return
		}
		timer.Reset(delay)
	}
}

func (s *Scheduler) trigger(ctx context.Context) (time.Duration, bool) {
	id, err := s.runner.Start(ctx)
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	var delay time.Duration
	switch {
	case err == nil:
		s.triggered++
		s.lastRun = now
		s.lastRunID = id
		delay = s.nextInterval()
		s.logger.Info().Str("run_id", id).Dur("next_in", delay).Msg("scheduled run started")
	case errors.Is(err, speedtest.ErrRunInProgress):
		s.skippedTotal++
		delay = s.cfg.RetryDelay
		s.logger.Debug().Dur("retry_in", delay).Msg("scheduled run skipped, run in flight")
	case errors.Is(err, speedtest.ErrClosed):
		s.nextRun = time.Time{}
		return 0, false
	default:
		delay = s.nextInterval()
		s.logger.Warn().Err(err).Msg("scheduled run could not start")
	}
	s.nextRun = now.Add(delay)
	return delay, true
}

func (s *Scheduler) Status() SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SchedulerStatus{
		NextScheduled: s.nextRun,
		LastRun:       s.lastRun,
		LastRunID:     s.lastRunID,
		Triggered:     s.triggered,
		SkippedTotal:  s.skippedTotal,
	}
}

func (s *Scheduler) nextInterval() time.Duration {
	if s.cfg.MaxInterval <= s.cfg.MinInterval {
		return s.cfg.MinInterval
	}
	delta := s.cfg.MaxInterval - s.cfg.MinInterval
	jitter := time.Duration(s.rng.Int63n(int64(delta)))
	return s.cfg.MinInterval + jitter
}
