package speedtest

import (
	"encoding/json"
	"time"
)

const (
	// DefaultPayloadSize is the nominal payload size for download and upload, in bytes.
	DefaultPayloadSize = 1_000_000

	progressStart    = 0
	progressPing     = 10
	progressDownload = 50
	progressComplete = 100
)

// Phase identifies a measurement step, or the engine state when no step runs.
type Phase int

const (
	PhaseIdle Phase = iota
	PhasePing
	PhaseDownload
	PhaseUpload
	PhaseComplete
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhasePing:
		return "ping"
	case PhaseDownload:
		return "download"
	case PhaseUpload:
		return "upload"
	case PhaseComplete:
		return "complete"
	case PhaseFailed:
		return "failed"
	default:
		return "idle"
	}
}

func (p Phase) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// Terminal reports whether a new run may start from this state.
func (p Phase) Terminal() bool {
	return p == PhaseIdle || p == PhaseComplete || p == PhaseFailed
}

// Unit is the unit of PhaseResult.Value for the phase.
func (p Phase) Unit() string {
	if p == PhasePing {
		return "ms"
	}
	return "Mbps"
}

// EndpointConfig is the immutable target of a run.
type EndpointConfig struct {
	PingURL          string `json:"ping_url"`
	DownloadURL      string `json:"download_url"`
	UploadURL        string `json:"upload_url"`
	PayloadSizeBytes int64  `json:"payload_size_bytes"`

	// DownloadSizeBytes is the expected download body size. Only the nominal
	// basis reads it.
	DownloadSizeBytes int64 `json:"download_size_bytes,omitempty"`
}

// ThroughputBasis selects which byte count feeds the throughput formula.
type ThroughputBasis int

const (
	// BasisMeasured uses the bytes the probe actually moved.
	BasisMeasured ThroughputBasis = iota
	// BasisNominal uses EndpointConfig.DownloadSizeBytes for downloads and
	// PayloadSizeBytes for uploads.
	BasisNominal
)

func (b ThroughputBasis) String() string {
	if b == BasisNominal {
		return "nominal"
	}
	return "measured"
}

// ParseThroughputBasis maps "measured"/"nominal" (or "") to a basis.
func ParseThroughputBasis(s string) (ThroughputBasis, bool) {
	switch s {
	case "", "measured":
		return BasisMeasured, true
	case "nominal":
		return BasisNominal, true
	default:
		return BasisMeasured, false
	}
}

// Transfer is the outcome of a bulk probe.
type Transfer struct {
	Elapsed time.Duration
	Bytes   int64
}

// PhaseResult is one measurement. Value is milliseconds for Ping and Mbps
// for Download and Upload.
type PhaseResult struct {
	Phase     Phase         `json:"phase"`
	Value     float64       `json:"value"`
	Timestamp time.Time     `json:"timestamp"`
	Elapsed   time.Duration `json:"elapsed_ns"`
	Bytes     int64         `json:"bytes,omitempty"`
}

// RunState is a snapshot of a run. Snapshots handed out by the engine are
// copies and may be kept or modified freely.
type RunState struct {
	RunID      string        `json:"run_id,omitempty"`
	Phase      Phase         `json:"phase"`
	Progress   int           `json:"progress"`
	Results    []PhaseResult `json:"results"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Err        string        `json:"error,omitempty"`
}

// Result returns the recorded result for phase, if any.
func (s RunState) Result(phase Phase) (PhaseResult, bool) {
	for _, r := range s.Results {
		if r.Phase == phase {
			return r, true
		}
	}
	return PhaseResult{}, false
}

func (s RunState) clone() RunState {
	out := s
	out.Results = make([]PhaseResult, len(s.Results))
	copy(out.Results, s.Results)
	return out
}
