package speedtest

// Reporter receives run notifications. Calls arrive synchronously, in order,
// on the goroutine executing RunTest; implementations must not block for long.
type Reporter interface {
	OnPhaseStarted(phase Phase)
	OnMetricReady(result PhaseResult)
	OnProgress(percent int)
	OnRunComplete(state RunState)
	OnRunFailed(err error)
}

// NopReporter ignores every notification. Embed it to implement a subset.
type NopReporter struct{}

func (NopReporter) OnPhaseStarted(Phase)      {}
func (NopReporter) OnMetricReady(PhaseResult) {}
func (NopReporter) OnProgress(int)            {}
func (NopReporter) OnRunComplete(RunState)    {}
func (NopReporter) OnRunFailed(error)         {}

// Reporters fans notifications out to each reporter in slice order.
type Reporters []Reporter

func (rs Reporters) OnPhaseStarted(phase Phase) {
	for _, r := range rs {
		r.OnPhaseStarted(phase)
	}
}

func (rs Reporters) OnMetricReady(result PhaseResult) {
	for _, r := range rs {
		r.OnMetricReady(result)
	}
}

func (rs Reporters) OnProgress(percent int) {
	for _, r := range rs {
		r.OnProgress(percent)
	}
}

func (rs Reporters) OnRunComplete(state RunState) {
	for _, r := range rs {
		r.OnRunComplete(state.clone())
	}
}

func (rs Reporters) OnRunFailed(err error) {
	for _, r := range rs {
		r.OnRunFailed(err)
	}
}
