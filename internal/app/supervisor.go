package app

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/NodePath81/fbspeed/internal/config"
	"github.com/NodePath81/fbspeed/internal/util"
)

type runtimeFactory func(cfg config.Config, logger util.Logger, restartFn func() error) (*Runtime, error)

// Supervisor owns the serve-mode Runtime and swaps it when the config file
// changes. Start, Restart and Stop are serialized.
type Supervisor struct {
	configPath string
	logger     util.Logger
	newRuntime runtimeFactory

	lifecycle sync.Mutex

	mu      sync.Mutex
	runtime *Runtime
	reloads int
}

func NewSupervisor(configPath string, logger util.Logger) *Supervisor {
	return &Supervisor{
		configPath: configPath,
		logger:     logger,
		newRuntime: NewRuntime,
	}
}

func (s *Supervisor) Start() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	cfg, err := s.load()
	if err != nil {
		return err
	}
	return s.launch(cfg)
}

// Restart reloads the config file. The file is validated before the running
// runtime is torn down, so a bad edit leaves the old runtime serving. A run
// in flight is cancelled.
func (s *Supervisor) Restart() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	cfg, err := s.load()
	if err != nil {
		s.logger.Warn().Err(err).Str("config", s.configPath).Msg("reload rejected, keeping current runtime")
		return err
	}

	s.mu.Lock()
	current := s.runtime
	s.runtime = nil
	s.mu.Unlock()
	if current != nil {
		current.Stop()
	}
	if err := s.launch(cfg); err != nil {
		return err
	}
	s.mu.Lock()
	s.reloads++
	n := s.reloads
	s.mu.Unlock()
	s.logger.Info().Str("config", s.configPath).Int("reloads", n).Msg("configuration reloaded")
	return nil
}

func (s *Supervisor) Stop() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	s.mu.Lock()
	current := s.runtime
	s.runtime = nil
	s.mu.Unlock()
	if current != nil {
		current.Stop()
	}
}

// Runtime returns the active runtime, or nil while stopped.
func (s *Supervisor) Runtime() *Runtime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runtime
}

// Reloads counts successful restarts.
func (s *Supervisor) Reloads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reloads
}

func (s *Supervisor) load() (config.Config, error) {
	cfg, err := config.LoadConfig(s.configPath)
	if err != nil {
		return config.Config{}, errors.Wrapf(err, "load %s", s.configPath)
	}
	if err := cfg.ValidateControl(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func (s *Supervisor) launch(cfg config.Config) error {
	runtime, err := s.newRuntime(cfg, s.logger, s.Restart)
	if err != nil {
		return err
	}
	if err := runtime.Start(); err != nil {
		runtime.Stop()
		return err
	}
	s.mu.Lock()
	s.runtime = runtime
	s.mu.Unlock()
	return nil
}
