package util

import "math"

// RateFromTimes derives the sample rate from a uniformly spaced time axis.
// Returns 0 when the axis is too short or not increasing.
func RateFromTimes(times []float64) float64 {
	if len(times) < 2 {
		return 0
	}
	dt := times[1] - times[0]
	if math.IsNaN(dt) || dt <= 0 {
		return 0
	}
	return 1 / dt
}
