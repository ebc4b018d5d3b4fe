package control

import (
	"fmt"
	"time"
)

// RegisterMap holds the field-I/O addresses of the loop signals.
type RegisterMap struct {
	ProcessValue  uint16 `yaml:"process_value"`
	ControlOutput uint16 `yaml:"control_output"`
}

// TagNames holds the telemetry tag names of the loop signals. An empty
// Present disables the presence tag.
type TagNames struct {
	Setpoint      string `yaml:"setpoint"`
	ProcessValue  string `yaml:"process_value"`
	ControlOutput string `yaml:"control_output"`
	Valid         string `yaml:"valid"`
	Present       string `yaml:"present"`
}

// DefaultTagNames are the tags of the reference deployment.
var DefaultTagNames = TagNames{
	Setpoint:      "Setpoint",
	ProcessValue:  "ProcessTemperature",
	ControlOutput: "ControlOutput",
	Valid:         "SensorValid",
	Present:       "SensorPresent",
}

// LoopConfig holds control loop parameters
type LoopConfig struct {
	PID        PIDConfig   `yaml:"pid"`
	Validation Range       `yaml:"validation"`
	Registers  RegisterMap `yaml:"registers"`
	Tags       TagNames    `yaml:"tags"`

	CVMax            float64       `yaml:"cv_max"`
	OutputResolution float64       `yaml:"output_resolution"`
	Period           time.Duration `yaml:"period"`
	MinDt            time.Duration `yaml:"min_dt"`
}

// DefaultLoopConfig returns the reference deployment parameters.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		PID:              PIDConfig{Kp: 1.0, Ki: 0.2, Kd: 0.05, Setpoint: 50.0},
		Validation:       DefaultRange,
		Registers:        RegisterMap{ProcessValue: 0, ControlOutput: 1},
		Tags:             DefaultTagNames,
		CVMax:            1000,
		OutputResolution: 1,
		Period:           500 * time.Millisecond,
		MinDt:            time.Millisecond,
	}
}

// Validate checks the loop parameters for values the loop cannot run with.
func (c LoopConfig) Validate() error {
	if c.Validation.Low > c.Validation.High {
		return fmt.Errorf("validation range inverted: low %g > high %g", c.Validation.Low, c.Validation.High)
	}
	if c.CVMax <= 0 {
		return fmt.Errorf("invalid cv_max: %g", c.CVMax)
	}
	if c.OutputResolution < 0 {
		return fmt.Errorf("invalid output_resolution: %g", c.OutputResolution)
	}
	if c.Period <= 0 {
		return fmt.Errorf("invalid period: %s", c.Period)
	}
	if c.MinDt <= 0 {
		return fmt.Errorf("invalid min_dt: %s", c.MinDt)
	}
	if c.Registers.ProcessValue == c.Registers.ControlOutput {
		return fmt.Errorf("process_value and control_output share register %d", c.Registers.ProcessValue)
	}
	if c.Tags.Setpoint == "" || c.Tags.ProcessValue == "" || c.Tags.ControlOutput == "" || c.Tags.Valid == "" {
		return fmt.Errorf("setpoint, process_value, control_output and valid tags are required")
	}
	return nil
}
