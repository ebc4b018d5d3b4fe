package control

import "math"

// Measurement is a process value reading that may be absent.
type Measurement struct {
	Value   float64
	Present bool
}

// Absent is a measurement for a cycle where no reading was obtained.
func Absent() Measurement { return Measurement{} }

// Reading wraps a value obtained this cycle.
func Reading(v float64) Measurement { return Measurement{Value: v, Present: true} }

func (m Measurement) String() string {
	if !m.Present {
		return "None"
	}
	return formatFloat(m.Value)
}

// Range is an inclusive admissible interval for a sensor.
type Range struct {
	Low  float64 `yaml:"low"`
	High float64 `yaml:"high"`
}

// DefaultRange is the admissible band of the reference temperature sensor.
var DefaultRange = Range{Low: 0, High: 200}

func (r Range) Contains(v float64) bool {
	return r.Low <= v && v <= r.High
}

// IsValid reports whether pv is present and within [low, high].
// NaN compares false against both bounds and is never valid.
func IsValid(pv Measurement, low, high float64) bool {
	if !pv.Present || math.IsNaN(pv.Value) {
		return false
	}
	return low <= pv.Value && pv.Value <= high
}
