package control

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"procctl-core/utils"
)

// Outcome tags the two ways a cycle can end.
type Outcome int

const (
	// Controlled: the measurement was valid and the PID output was applied.
	Controlled Outcome = iota
	// FailSafe: the measurement was absent or out of range; output is zero.
	FailSafe
)

func (o Outcome) String() string {
	switch o {
	case Controlled:
		return "controlled"
	case FailSafe:
		return "failsafe"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Decision is the output chosen for one cycle. Raw is the unclamped PID
// output and is only meaningful when Outcome is Controlled.
type Decision struct {
	Outcome Outcome
	Raw     float64
	Output  float64
}

// CycleResult records everything one cycle observed and did.
type CycleResult struct {
	Seq      uint64
	Dt       float64
	Setpoint float64
	PV       Measurement
	Valid    bool
	Decision Decision
	CV       float64

	SetpointErr error
	ReadErr     error
	WriteErr    error
	PublishErr  error
}

// Loop sequences read, validate, compute, write and publish at a fixed
// period. It is the only mutator of its PID controller.
type Loop struct {
	cfg   LoopConfig
	field FieldIO
	tags  Telemetry
	pid   *PIDController

	clock     clock.Clock
	log       *utils.Logger
	heartbeat HeartbeatSink
	metrics   *Metrics

	last time.Time
	seq  uint64
}

// LoopOption customizes a Loop.
type LoopOption func(*Loop)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clock.Clock) LoopOption {
	return func(l *Loop) { l.clock = c }
}

// WithLogger sets the logger for cycle diagnostics. The default discards.
func WithLogger(log *utils.Logger) LoopOption {
	return func(l *Loop) { l.log = log }
}

// WithHeartbeat replaces the default log heartbeat sink.
func WithHeartbeat(s HeartbeatSink) LoopOption {
	return func(l *Loop) { l.heartbeat = s }
}

// WithMetrics records per-cycle counters and gauges into m.
func WithMetrics(m *Metrics) LoopOption {
	return func(l *Loop) { l.metrics = m }
}

// NewLoop creates a control loop over the given ports.
func NewLoop(cfg LoopConfig, field FieldIO, tags Telemetry, opts ...LoopOption) (*Loop, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("loop config: %w", err)
	}
	if field == nil || tags == nil {
		return nil, fmt.Errorf("loop requires both a field I/O and a telemetry port")
	}

	l := &Loop{
		cfg:   cfg,
		field: field,
		tags:  tags,
		pid:   NewPIDController(cfg.PID),
		clock: clock.New(),
		log:   utils.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.heartbeat == nil {
		l.heartbeat = LogHeartbeat{Log: l.log}
	}
	l.last = l.clock.Now()
	return l, nil
}

// PID exposes the loop's controller for inspection.
func (l *Loop) PID() *PIDController { return l.pid }

// Run executes one cycle immediately and then one per period until ctx is
// canceled. Cancellation is only observed between cycles; a running cycle
// always completes through publish.
func (l *Loop) Run(ctx context.Context) error {
	l.log.Info("Control loop active: period=%s range=[%g, %g] cv_max=%g Kp=%g Ki=%g Kd=%g",
		l.cfg.Period, l.cfg.Validation.Low, l.cfg.Validation.High, l.cfg.CVMax,
		l.pid.Kp, l.pid.Ki, l.pid.Kd)

	ticker := l.clock.Ticker(l.cfg.Period)
	defer ticker.Stop()

	cycleCtx := context.WithoutCancel(ctx)
	for {
		if err := ctx.Err(); err != nil {
			l.log.Info("Control loop stopped after %d cycles", l.seq)
			return err
		}

		l.Step(cycleCtx)

		select {
		case <-ctx.Done():
			l.log.Info("Control loop stopped after %d cycles", l.seq)
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Step runs exactly one control cycle.
func (l *Loop) Step(ctx context.Context) CycleResult {
	started := l.clock.Now()
	dt := started.Sub(l.last)
	if dt < l.cfg.MinDt {
		dt = l.cfg.MinDt
	}
	l.last = started
	l.seq++

	res := CycleResult{Seq: l.seq, Dt: dt.Seconds()}

	res.SetpointErr = l.pullSetpoint(ctx)
	res.Setpoint = l.pid.Setpoint

	res.PV, res.ReadErr = l.readPV(ctx)
	res.Valid = IsValid(res.PV, l.cfg.Validation.Low, l.cfg.Validation.High)

	res.Decision = l.decide(res.PV, res.Valid, res.Dt)
	res.CV = res.Decision.Output

	if err := l.field.WriteScalar(ctx, l.cfg.Registers.ControlOutput, res.CV); err != nil {
		res.WriteErr = fmt.Errorf("write register %d: %w", l.cfg.Registers.ControlOutput, err)
		l.log.Warn("Field I/O write error: %v", res.WriteErr)
	}

	res.PublishErr = l.publish(ctx, res)

	l.heartbeat.Beat(Heartbeat{
		Seq:      res.Seq,
		Setpoint: res.Setpoint,
		PV:       res.PV,
		CV:       res.CV,
		Valid:    res.Valid,
	})
	l.metrics.observe(res, l.clock.Since(started))

	return res
}

// pullSetpoint copies the telemetry setpoint into the controller. On failure
// the previous setpoint stays in effect.
func (l *Loop) pullSetpoint(ctx context.Context) error {
	v, err := l.tags.ReadTag(ctx, l.cfg.Tags.Setpoint)
	if err != nil {
		err = fmt.Errorf("read tag %s: %w", l.cfg.Tags.Setpoint, err)
		l.log.Warn("Setpoint read error, keeping %g: %v", l.pid.Setpoint, err)
		return err
	}
	if v.Kind != KindFloat {
		err = fmt.Errorf("tag %s is %s, want float", l.cfg.Tags.Setpoint, v.Kind)
		l.log.Warn("Setpoint read error, keeping %g: %v", l.pid.Setpoint, err)
		return err
	}
	if v.Float != l.pid.Setpoint {
		l.log.Debug("Setpoint changed %g -> %g", l.pid.Setpoint, v.Float)
	}
	l.pid.Setpoint = v.Float
	return nil
}

// readPV never substitutes an earlier reading for a failed one.
func (l *Loop) readPV(ctx context.Context) (Measurement, error) {
	v, err := l.field.ReadScalar(ctx, l.cfg.Registers.ProcessValue)
	if err != nil {
		err = fmt.Errorf("read register %d: %w", l.cfg.Registers.ProcessValue, err)
		l.log.Warn("Field I/O read error: %v", err)
		return Absent(), err
	}
	return Reading(v), nil
}

// decide is the only place the PID controller is advanced. An invalid
// measurement always yields a zero output and leaves the controller alone.
func (l *Loop) decide(pv Measurement, valid bool, dt float64) Decision {
	if !valid {
		if pv.Present {
			l.log.Debug("PV %g outside [%g, %g], fail-safe output",
				pv.Value, l.cfg.Validation.Low, l.cfg.Validation.High)
		}
		return Decision{Outcome: FailSafe}
	}

	raw := l.pid.Compute(pv.Value, dt)
	clamped := ClampFloat(raw, -l.cfg.CVMax, l.cfg.CVMax)
	out := Quantize(clamped, l.cfg.OutputResolution)
	if math.Abs(out) > l.cfg.CVMax {
		// cv_max is not a multiple of the resolution; round toward zero instead
		out = math.Trunc(clamped/l.cfg.OutputResolution) * l.cfg.OutputResolution
	}

	diag := l.pid.Diagnostics()
	l.log.Trace("PID: pv=%g err=%.3f P=%.3f I=%.3f D=%.3f raw=%.3f cv=%g",
		pv.Value, diag.Error, diag.P, diag.I, diag.D, raw, out)

	return Decision{Outcome: Controlled, Raw: raw, Output: out}
}

// publish mirrors the cycle to telemetry. Every tag is attempted even when
// an earlier one fails.
func (l *Loop) publish(ctx context.Context, res CycleResult) error {
	var errs error
	write := func(name string, v TagValue) {
		if name == "" {
			return
		}
		if err := l.tags.WriteTag(ctx, name, v); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("write tag %s: %w", name, err))
		}
	}

	if res.PV.Present {
		write(l.cfg.Tags.ProcessValue, FloatTag(res.PV.Value))
	}
	write(l.cfg.Tags.ControlOutput, FloatTag(res.CV))
	write(l.cfg.Tags.Valid, BoolTag(res.Valid))
	write(l.cfg.Tags.Present, BoolTag(res.PV.Present))

	if errs != nil {
		l.log.Warn("Telemetry publish error: %v", errs)
	}
	return errs
}
