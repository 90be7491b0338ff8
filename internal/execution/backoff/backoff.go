// Package backoff computes retry delays for failed step attempts.
package backoff

import (
	"math"
	"strings"
	"time"
)

// Strategy computes the delay before retry attempt n. Attempt 1 is the first
// retry after the initial failure.
type Strategy interface {
	Delay(attempt int) time.Duration
}

type Constant struct {
	Interval time.Duration
}

func (c Constant) Delay(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	return c.Interval
}

// Exponential returns min(Initial * Multiplier^(attempt-1), Max). A zero
// multiplier means doubling.
type Exponential struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

func (e Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 || e.Initial <= 0 {
		return 0
	}
	multiplier := e.Multiplier
	if multiplier < 1 {
		multiplier = 2
	}
	d := float64(e.Initial) * math.Pow(multiplier, float64(attempt-1))
	if e.Max > 0 && d > float64(e.Max) {
		return e.Max
	}
	if d > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// New picks a strategy by name; unknown names fall back to exponential.
func New(kind string, initial, max time.Duration) Strategy {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "constant", "fixed":
		return Constant{Interval: initial}
	default:
		return Exponential{Initial: initial, Max: max}
	}
}

func Default() Strategy {
	return Exponential{Initial: 2 * time.Second, Max: time.Minute}
}
