package util

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var bytesPattern = regexp.MustCompile(`^([0-9]+(?:\.[0-9]+)?)([a-z]+)?$`)

// ParseBytes parses a size string (e.g., "1MB", "500kb", "100000") and returns bytes.
// Units are decimal (SI).
func ParseBytes(input string) (int64, error) {
	s := strings.TrimSpace(strings.ToLower(input))
	s = strings.ReplaceAll(s, " ", "")
	if s == "" {
		return 0, errors.New("bytes value is empty")
	}

	match := bytesPattern.FindStringSubmatch(s)
	if match == nil {
		return 0, fmt.Errorf("invalid bytes value %q", input)
	}

	value, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid bytes value %q", input)
	}

	switch match[2] {
	case "", "b":
		return int64(math.Round(value)), nil
	case "k", "kb":
		return int64(math.Round(value * 1e3)), nil
	case "m", "mb":
		return int64(math.Round(value * 1e6)), nil
	case "g", "gb":
		return int64(math.Round(value * 1e9)), nil
	default:
		return 0, fmt.Errorf("unknown bytes unit %q", match[2])
	}
}
