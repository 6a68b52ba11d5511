package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseRate reads "<count>/<n><unit>" such as "1/1s" or "10/500ms" and
// returns the count and the period it applies to.
func ParseRate(s string) (int, time.Duration, error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("unexpected rate format: %s", s)
	}
	limit, err := strconv.Atoi(parts[0])
	if err != nil || limit <= 0 {
		return 0, 0, fmt.Errorf("unexpected rate format: %s", s)
	}

	timeStr := parts[1]
	if len(timeStr) < 2 {
		return 0, 0, fmt.Errorf("unexpected time format: %s", timeStr)
	}
	unit := time.Second
	numPart := timeStr[:len(timeStr)-1]
	switch {
	case strings.HasSuffix(timeStr, "ms"):
		unit = time.Millisecond
		numPart = timeStr[:len(timeStr)-2]
	case strings.HasSuffix(timeStr, "s"):
	case strings.HasSuffix(timeStr, "m"):
		unit = time.Minute
	case strings.HasSuffix(timeStr, "h"):
		unit = time.Hour
	default:
		return 0, 0, fmt.Errorf("unexpected time unit: %s", timeStr)
	}
	value, err := strconv.Atoi(numPart)
	if err != nil || value <= 0 {
		return 0, 0, fmt.Errorf("unexpected time format: %s", timeStr)
	}
	return limit, time.Duration(value) * unit, nil
}

// PerSecond converts a count over a period into events per second.
func PerSecond(count int, per time.Duration) float64 {
	return float64(count) / per.Seconds()
}
