package control

// PIDConfig holds PID controller parameters
type PIDConfig struct {
	Kp       float64 `yaml:"kp"`
	Ki       float64 `yaml:"ki"`
	Kd       float64 `yaml:"kd"`
	Setpoint float64 `yaml:"setpoint"`
}

// PIDState is the memory carried between Compute calls.
type PIDState struct {
	Integral  float64
	LastError float64
}

// PIDDiagnostics contains the terms of the most recent Compute call
type PIDDiagnostics struct {
	Error float64
	P     float64
	I     float64
	D     float64
}

// PIDController implements a discrete PID controller.
//
// Output is not clamped and the integral has no anti-windup: actuator
// limits belong to the caller. Changing Setpoint keeps the accumulated state.
type PIDController struct {
	Kp, Ki, Kd float64
	Setpoint   float64

	// State
	integral  float64
	lastError float64
	diag      PIDDiagnostics
}

// NewPIDController creates a new PID controller with given configuration
func NewPIDController(cfg PIDConfig) *PIDController {
	return &PIDController{
		Kp:       cfg.Kp,
		Ki:       cfg.Ki,
		Kd:       cfg.Kd,
		Setpoint: cfg.Setpoint,
	}
}

// Compute returns the control output for a validated measurement taken dt
// seconds after the previous one.
func (pid *PIDController) Compute(measured, dt float64) float64 {
	err := pid.Setpoint - measured

	// The integral term of this call already includes the current error.
	pid.integral += err * dt

	var derivative float64
	if dt > 0 {
		derivative = (err - pid.lastError) / dt
	}

	p := pid.Kp * err
	i := pid.Ki * pid.integral
	d := pid.Kd * derivative

	pid.lastError = err
	pid.diag = PIDDiagnostics{Error: err, P: p, I: i, D: d}

	return p + i + d
}

// Reset clears the PID state
func (pid *PIDController) Reset() {
	pid.integral = 0
	pid.lastError = 0
	pid.diag = PIDDiagnostics{}
}

// State returns a copy of the integral and derivative memory.
func (pid *PIDController) State() PIDState {
	return PIDState{Integral: pid.integral, LastError: pid.lastError}
}

// Diagnostics returns the terms of the last Compute call for logging.
func (pid *PIDController) Diagnostics() PIDDiagnostics {
	return pid.diag
}
