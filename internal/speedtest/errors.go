package speedtest

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrThroughput indicates a non-positive elapsed time during metric computation.
	ErrThroughput = errors.New("throughput: non-positive elapsed duration")
	// ErrCancelled indicates the run context was cancelled before completion.
	ErrCancelled = errors.New("run cancelled")
	// ErrRunInProgress is returned by RunTest when another run is in flight.
	ErrRunInProgress = errors.New("run already in progress")
	// ErrClosed is returned by RunTest after Close.
	ErrClosed = errors.New("engine closed")
)

// ProbeError reports a failed transport call for a phase.
type ProbeError struct {
	Phase Phase
	Cause error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("%s probe failed: %v", e.Phase, e.Cause)
}

func (e *ProbeError) Unwrap() error {
	return e.Cause
}

// ErrorKind classifies run failures.
type ErrorKind string

const (
	KindNone        ErrorKind = ""
	KindProbeFailed ErrorKind = "probe_failed"
	KindThroughput  ErrorKind = "throughput"
	KindCancelled   ErrorKind = "cancelled"
	KindUnknown     ErrorKind = "unknown"
)

// KindOf classifies err. Cancellation wins over the probe error it may wrap.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	if errors.Is(err, ErrCancelled) {
		return KindCancelled
	}
	if errors.Is(err, ErrThroughput) {
		return KindThroughput
	}
	var probeErr *ProbeError
	if errors.As(err, &probeErr) {
		return KindProbeFailed
	}
	return KindUnknown
}
