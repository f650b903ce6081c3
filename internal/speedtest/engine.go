package speedtest

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/NodePath81/fbspeed/internal/util"
)

// Options configures an Engine.
type Options struct {
	Endpoint EndpointConfig
	Basis    ThroughputBasis
	Prober   Prober
	Reporter Reporter
	Logger   util.Logger

	// Now, NewRunID and NewCacheBust default to time.Now and random UUIDs.
	Now          func() time.Time
	NewRunID     func() string
	NewCacheBust func() string
}

// Engine sequences the Ping, Download and Upload phases of a run.
// It is safe for concurrent use; at most one run is in flight at a time.
type Engine struct {
	endpoint     EndpointConfig
	basis        ThroughputBasis
	prober       Prober
	reporter     Reporter
	logger       util.Logger
	now          func() time.Time
	newRunID     func() string
	newCacheBust func() string

	running atomic.Bool
	closed  atomic.Bool

	mu     sync.Mutex
	state  RunState
	cancel context.CancelFunc
}

// NewEngine validates opts and returns an idle engine.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Prober == nil {
		return nil, errors.New("prober is required")
	}
	ep := opts.Endpoint
	ep.PingURL = strings.TrimSpace(ep.PingURL)
	ep.DownloadURL = strings.TrimSpace(ep.DownloadURL)
	ep.UploadURL = strings.TrimSpace(ep.UploadURL)
	if ep.PingURL == "" || ep.DownloadURL == "" || ep.UploadURL == "" {
		return nil, errors.New("ping, download and upload URLs are required")
	}
	if ep.PayloadSizeBytes < 0 {
		return nil, errors.Errorf("payload size must be >= 0, got %d", ep.PayloadSizeBytes)
	}
	if ep.PayloadSizeBytes == 0 {
		ep.PayloadSizeBytes = DefaultPayloadSize
	}
	if opts.Basis == BasisNominal && ep.DownloadSizeBytes <= 0 {
		return nil, errors.New("nominal basis requires a download size")
	}

	e := &Engine{
		endpoint:     ep,
		basis:        opts.Basis,
		prober:       opts.Prober,
		reporter:     opts.Reporter,
		logger:       opts.Logger,
		now:          opts.Now,
		newRunID:     opts.NewRunID,
		newCacheBust: opts.NewCacheBust,
		state:        RunState{Phase: PhaseIdle, Results: []PhaseResult{}},
	}
	if e.reporter == nil {
		e.reporter = NopReporter{}
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newRunID == nil {
		e.newRunID = uuid.NewString
	}
	if e.newCacheBust == nil {
		e.newCacheBust = uuid.NewString
	}
	return e, nil
}

// Endpoint returns the engine's endpoint configuration.
func (e *Engine) Endpoint() EndpointConfig {
	return e.endpoint
}

// Basis returns the throughput basis in use.
func (e *Engine) Basis() ThroughputBasis {
	return e.basis
}

// Busy reports whether a run is in flight.
func (e *Engine) Busy() bool {
	return e.running.Load()
}

// State returns a copy of the current (or last) run state.
func (e *Engine) State() RunState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.clone()
}

// Cancel aborts the in-flight run, if any. The run ends in PhaseFailed with
// an error matching ErrCancelled.
func (e *Engine) Cancel() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Close cancels the in-flight run and rejects further runs.
func (e *Engine) Close() {
	e.closed.Store(true)
	e.Cancel()
}

// RunTest executes one run and blocks until it completes, fails or is
// cancelled. While another run is in flight it returns ErrRunInProgress and
// changes nothing. The returned state is a copy of the final run state.
func (e *Engine) RunTest(ctx context.Context) (RunState, error) {
	r, err := e.begin(ctx)
	if err != nil {
		return e.State(), err
	}
	return r.execute()
}

// Start begins a run in the background and returns its ID once the run holds
// the in-flight guard. Errors match those of RunTest.
func (e *Engine) Start(ctx context.Context) (string, error) {
	r, err := e.begin(ctx)
	if err != nil {
		return "", err
	}
	go func() {
		_, _ = r.execute()
	}()
	return r.id, nil
}

func (e *Engine) begin(ctx context.Context) (*run, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if !e.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	runCtx, cancel := context.WithCancel(ctx)
	r := &run{engine: e, ctx: runCtx, cancel: cancel}

	e.mu.Lock()
	if e.closed.Load() {
		e.mu.Unlock()
		r.release()
		return nil, ErrClosed
	}
	e.state = RunState{
		RunID:     e.newRunID(),
		Phase:     PhasePing,
		Progress:  progressStart,
		Results:   make([]PhaseResult, 0, 3),
		StartedAt: e.now(),
	}
	e.cancel = cancel
	r.id = e.state.RunID
	e.mu.Unlock()
	return r, nil
}

// run carries one run's context and the release of the in-flight guard.
type run struct {
	engine   *Engine
	id       string
	ctx      context.Context
	cancel   context.CancelFunc
	released bool
}

func (r *run) release() {
	if r.released {
		return
	}
	r.released = true
	r.cancel()
	r.engine.running.Store(false)
}

func (r *run) execute() (RunState, error) {
	defer r.release()
	e := r.engine
	ctx := r.ctx

	e.logger.Debug().Str("run_id", r.id).Str("ping_url", e.endpoint.PingURL).Msg("run started")
	e.reporter.OnProgress(progressStart)
	e.reporter.OnPhaseStarted(PhasePing)

	if err := ctx.Err(); err != nil {
		return r.fail(PhasePing, err)
	}
	latency, err := e.prober.MeasureLatency(ctx, e.endpoint.PingURL)
	if err != nil {
		return r.fail(PhasePing, err)
	}
	r.advance(PhaseResult{
		Phase:     PhasePing,
		Value:     float64(LatencyMs(latency)),
		Timestamp: e.now(),
		Elapsed:   latency,
	}, progressPing, PhaseDownload)

	if err := ctx.Err(); err != nil {
		return r.fail(PhaseDownload, err)
	}
	down, err := e.prober.MeasureDownload(ctx, e.endpoint.DownloadURL, e.newCacheBust())
	if err != nil {
		return r.fail(PhaseDownload, err)
	}
	downMbps, err := ThroughputMbps(e.bytesFor(PhaseDownload, down), down.Elapsed)
	if err != nil {
		return r.fail(PhaseDownload, err)
	}
	r.advance(PhaseResult{
		Phase:     PhaseDownload,
		Value:     downMbps,
		Timestamp: e.now(),
		Elapsed:   down.Elapsed,
		Bytes:     down.Bytes,
	}, progressDownload, PhaseUpload)

	if err := ctx.Err(); err != nil {
		return r.fail(PhaseUpload, err)
	}
	up, err := e.prober.MeasureUpload(ctx, e.endpoint.UploadURL, e.endpoint.PayloadSizeBytes)
	if err != nil {
		return r.fail(PhaseUpload, err)
	}
	upMbps, err := ThroughputMbps(e.bytesFor(PhaseUpload, up), up.Elapsed)
	if err != nil {
		return r.fail(PhaseUpload, err)
	}
	r.advance(PhaseResult{
		Phase:     PhaseUpload,
		Value:     upMbps,
		Timestamp: e.now(),
		Elapsed:   up.Elapsed,
		Bytes:     up.Bytes,
	}, progressComplete, PhaseComplete)

	return r.complete()
}

// advance records result, moves to next and notifies in order: metric,
// progress, then the next phase start.
func (r *run) advance(result PhaseResult, progress int, next Phase) {
	e := r.engine
	e.mu.Lock()
	e.state.Results = append(e.state.Results, result)
	e.state.Progress = progress
	e.state.Phase = next
	e.mu.Unlock()

	e.logger.Debug().Stringer("phase", result.Phase).Float64("value", result.Value).Int("progress", progress).Msg("phase finished")
	e.reporter.OnMetricReady(result)
	e.reporter.OnProgress(progress)
	if !next.Terminal() {
		e.reporter.OnPhaseStarted(next)
	}
}

func (r *run) complete() (RunState, error) {
	e := r.engine
	e.mu.Lock()
	e.state.FinishedAt = e.now()
	e.cancel = nil
	snapshot := e.state.clone()
	e.mu.Unlock()

	r.release()
	e.logger.Info().Str("run_id", snapshot.RunID).Msg("run complete")
	e.reporter.OnRunComplete(snapshot.clone())
	return snapshot, nil
}

func (r *run) fail(phase Phase, err error) (RunState, error) {
	e := r.engine
	ctx := r.ctx
	if errors.Is(ctx.Err(), context.Canceled) {
		err = errors.Wrapf(ErrCancelled, "%s phase: %v", phase, ctx.Err())
	} else if KindOf(err) == KindUnknown {
		err = &ProbeError{Phase: phase, Cause: err}
	}

	e.mu.Lock()
	e.state.Phase = PhaseFailed
	e.state.Err = err.Error()
	e.state.FinishedAt = e.now()
	e.cancel = nil
	snapshot := e.state.clone()
	e.mu.Unlock()

	r.release()
	e.logger.Warn().Str("run_id", snapshot.RunID).Stringer("phase", phase).Str("kind", string(KindOf(err))).Err(err).Msg("run failed")
	e.reporter.OnRunFailed(err)
	return snapshot, err
}

func (e *Engine) bytesFor(phase Phase, t Transfer) int64 {
	if e.basis != BasisNominal {
		return t.Bytes
	}
	if phase == PhaseDownload {
		return e.endpoint.DownloadSizeBytes
	}
	return e.endpoint.PayloadSizeBytes
}
