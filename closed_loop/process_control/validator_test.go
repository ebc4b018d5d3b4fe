package control

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsValid(t *testing.T) {
	tests := []struct {
		name string
		pv   Measurement
		want bool
	}{
		{name: "absent", pv: Absent(), want: false},
		{name: "absent with stale value", pv: Measurement{Value: 100}, want: false},
		{name: "low bound", pv: Reading(0), want: true},
		{name: "high bound", pv: Reading(200), want: true},
		{name: "inside", pv: Reading(25), want: true},
		{name: "just below", pv: Reading(-0.0001), want: false},
		{name: "just above", pv: Reading(200.0001), want: false},
		{name: "far above", pv: Reading(65535), want: false},
		{name: "nan", pv: Reading(math.NaN()), want: false},
		{name: "inf", pv: Reading(math.Inf(1)), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsValid(tt.pv, DefaultRange.Low, DefaultRange.High))
		})
	}
}

func TestIsValid_ConfigurableRange(t *testing.T) {
	assert.True(t, IsValid(Reading(-40), -50, 50))
	assert.False(t, IsValid(Reading(60), -50, 50))
	assert.True(t, IsValid(Reading(7), 7, 7))
}

func TestRange_Contains(t *testing.T) {
	r := Range{Low: 10, High: 20}
	assert.True(t, r.Contains(10))
	assert.True(t, r.Contains(20))
	assert.False(t, r.Contains(9.99))
	assert.False(t, r.Contains(math.NaN()))
}

func TestMeasurement_String(t *testing.T) {
	assert.Equal(t, "None", Absent().String())
	assert.Equal(t, "45", Reading(45).String())
	assert.Equal(t, "45.5", Reading(45.5).String())
}
