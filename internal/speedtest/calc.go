package speedtest

import (
	"math"
	"time"

	"github.com/pkg/errors"
)

// LatencyMs rounds elapsed to whole milliseconds, halves away from zero.
func LatencyMs(elapsed time.Duration) int64 {
	ms := float64(elapsed) / float64(time.Millisecond)
	return int64(math.Round(ms))
}

// ThroughputMbps converts a transfer into megabits per second.
func ThroughputMbps(bytes int64, elapsed time.Duration) (float64, error) {
	if elapsed <= 0 {
		return 0, errors.Wrapf(ErrThroughput, "%d bytes in %s", bytes, elapsed)
	}
	return float64(bytes) * 8 / elapsed.Seconds() / 1_000_000, nil
}
