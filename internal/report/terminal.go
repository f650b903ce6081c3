package report

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"

	"github.com/NodePath81/fbspeed/internal/speedtest"
	"github.com/NodePath81/fbspeed/internal/util"
)

const placeholder = "--"

const (
	statusPing     = "Testing ping..."
	statusDownload = "Testing download speed..."
	statusUpload   = "Testing upload speed..."
	statusComplete = "Test completed! Your connection looks great!"
)

// TerminalOptions configures a Terminal reporter.
type TerminalOptions struct {
	// Progress draws a progress bar instead of one status line per phase.
	Progress bool
	// Color enables ANSI colors.
	Color bool
}

// Terminal renders a run for a human at a terminal.
type Terminal struct {
	out  io.Writer
	opts TerminalOptions

	status *color.Color
	value  *color.Color
	good   *color.Color
	bad    *color.Color
	bold   *color.Color

	mu      sync.Mutex
	bar     *progressbar.ProgressBar
	results map[speedtest.Phase]string
	details map[speedtest.Phase]string
}

func NewTerminal(out io.Writer, opts TerminalOptions) *Terminal {
	t := &Terminal{
		out:    out,
		opts:   opts,
		status: color.New(color.FgCyan),
		value:  color.New(color.FgWhite, color.Bold),
		good:   color.New(color.FgGreen),
		bad:    color.New(color.FgRed),
		bold:   color.New(color.Bold),
	}
	for _, c := range []*color.Color{t.status, t.value, t.good, t.bad, t.bold} {
		if opts.Color {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	t.reset()
	return t
}

func (t *Terminal) reset() {
	t.results = map[speedtest.Phase]string{
		speedtest.PhasePing:     placeholder,
		speedtest.PhaseDownload: placeholder,
		speedtest.PhaseUpload:   placeholder,
	}
	t.details = map[speedtest.Phase]string{}
}

func (t *Terminal) newBar() *progressbar.ProgressBar {
	return progressbar.NewOptions(
		100,
		progressbar.OptionSetWriter(t.out),
		progressbar.OptionSetWidth(30),
		progressbar.OptionShowDescriptionAtLineEnd(),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionEnableColorCodes(t.opts.Color),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(t.out, "\n")
		}),
	)
}

func (t *Terminal) OnPhaseStarted(phase speedtest.Phase) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if phase == speedtest.PhasePing {
		t.reset()
		if t.opts.Progress {
			t.bar = t.newBar()
		}
	}
	msg := statusLine(phase)
	if msg == "" {
		return
	}
	if t.bar != nil {
		t.bar.Describe(msg)
		return
	}
	fmt.Fprintln(t.out, t.status.Sprint(msg))
}

func (t *Terminal) OnMetricReady(result speedtest.PhaseResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	formatted := FormatValue(result)
	t.results[result.Phase] = formatted
	if result.Bytes > 0 && result.Elapsed > 0 {
		t.details[result.Phase] = fmt.Sprintf("(%s in %s)",
			util.FormatBytes(float64(result.Bytes)), util.FormatSeconds(result.Elapsed.Seconds()))
	}
	if t.bar != nil {
		return
	}
	fmt.Fprintf(t.out, "  %-9s %s\n", phaseLabel(result.Phase)+":", t.value.Sprint(formatted))
}

func (t *Terminal) OnProgress(percent int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bar != nil {
		_ = t.bar.Set(percent)
	}
}

func (t *Terminal) OnRunComplete(state speedtest.RunState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finishBar(true)
	fmt.Fprintln(t.out, t.good.Sprint(statusComplete))
	t.writeSummary()
}

func (t *Terminal) OnRunFailed(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finishBar(false)
	fmt.Fprintln(t.out, t.bad.Sprintf("Error: %v", err))
	t.writeSummary()
}

func (t *Terminal) finishBar(complete bool) {
	if t.bar == nil {
		return
	}
	switch {
	case t.bar.IsFinished():
	case complete:
		_ = t.bar.Finish()
	default:
		_ = t.bar.Exit()
		fmt.Fprint(t.out, "\n")
	}
	t.bar = nil
}

// Summary returns the result table; phases without a value show "--".
// Transfer phases also show the bytes moved and the time taken.
func (t *Terminal) Summary() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.summary()
}

func (t *Terminal) writeSummary() {
	fmt.Fprint(t.out, t.summary())
}

func (t *Terminal) summary() string {
	var b strings.Builder
	for _, phase := range []speedtest.Phase{speedtest.PhasePing, speedtest.PhaseDownload, speedtest.PhaseUpload} {
		v := t.results[phase]
		if v == placeholder {
			v = placeholder + " " + phase.Unit()
		}
		if d, ok := t.details[phase]; ok {
			v += " " + d
		}
		fmt.Fprintf(&b, "%s %s\n", t.bold.Sprintf("%-9s", phaseLabel(phase)+":"), v)
	}
	return b.String()
}

// FormatValue renders a phase result: latency as whole milliseconds and
// throughput with two decimals.
func FormatValue(result speedtest.PhaseResult) string {
	if result.Phase == speedtest.PhasePing {
		return util.FormatLatency(int64(result.Value))
	}
	return util.FormatMbps(result.Value)
}

func statusLine(phase speedtest.Phase) string {
	switch phase {
	case speedtest.PhasePing:
		return statusPing
	case speedtest.PhaseDownload:
		return statusDownload
	case speedtest.PhaseUpload:
		return statusUpload
	default:
		return ""
	}
}

func phaseLabel(phase speedtest.Phase) string {
	switch phase {
	case speedtest.PhasePing:
		return "Ping"
	case speedtest.PhaseDownload:
		return "Download"
	case speedtest.PhaseUpload:
		return "Upload"
	default:
		return phase.String()
	}
}
