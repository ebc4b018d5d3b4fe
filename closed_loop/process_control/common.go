package control

import (
	"math"
	"strconv"
)

// ClampFloat clamps value between min and max
func ClampFloat(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

// Quantize rounds value to the nearest multiple of resolution, ties to even.
// A non-positive resolution leaves value unchanged.
func Quantize(value, resolution float64) float64 {
	if resolution <= 0 {
		return value
	}
	q := math.RoundToEven(value/resolution) * resolution
	if q == 0 {
		// drop negative zero
		return 0
	}
	return q
}

// BoolToFloat converts bool to float64 (for gauges and CAN encoding)
func BoolToFloat(b bool) float64 {
	if b {
		return 1.0
	}
	return 0.0
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
