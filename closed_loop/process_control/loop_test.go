package control

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"procctl-core/utils"
)

var errTransport = errors.New("transport down")

type readStep struct {
	value float64
	err   error
}

type fakeField struct {
	reads    []readStep
	readIdx  int
	writeErr error
	writes   []float64
	addrs    []uint16

	// onRead runs before every read, used to cancel mid-cycle.
	onRead      func(n int)
	writeCtxErr []error
}

func (f *fakeField) ReadScalar(_ context.Context, address uint16) (float64, error) {
	f.readIdx++
	if f.onRead != nil {
		f.onRead(f.readIdx)
	}
	if len(f.reads) == 0 {
		return 25, nil
	}
	step := f.reads[(f.readIdx-1)%len(f.reads)]
	return step.value, step.err
}

func (f *fakeField) WriteScalar(ctx context.Context, address uint16, value float64) error {
	f.addrs = append(f.addrs, address)
	f.writeCtxErr = append(f.writeCtxErr, ctx.Err())
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, value)
	return nil
}

type tagWrite struct {
	name  string
	value TagValue
}

type fakeTags struct {
	setpoint    TagValue
	readErr     error
	writeErr    error
	writes      []tagWrite
	lastWritten map[string]TagValue
}

func newFakeTags(sp float64) *fakeTags {
	return &fakeTags{setpoint: FloatTag(sp), lastWritten: map[string]TagValue{}}
}

func (f *fakeTags) ReadTag(_ context.Context, name string) (TagValue, error) {
	if f.readErr != nil {
		return TagValue{}, f.readErr
	}
	return f.setpoint, nil
}

func (f *fakeTags) WriteTag(_ context.Context, name string, v TagValue) error {
	f.writes = append(f.writes, tagWrite{name: name, value: v})
	if f.writeErr != nil {
		return f.writeErr
	}
	f.lastWritten[name] = v
	return nil
}

type recordingSink struct {
	beats []Heartbeat
}

func (r *recordingSink) Beat(h Heartbeat) { r.beats = append(r.beats, h) }

func testConfig() LoopConfig {
	cfg := DefaultLoopConfig()
	cfg.PID = PIDConfig{Kp: 1.0, Ki: 0.1, Kd: 0.05, Setpoint: 50}
	return cfg
}

func newTestLoop(t *testing.T, cfg LoopConfig, field FieldIO, tags Telemetry, opts ...LoopOption) (*Loop, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	loop, err := NewLoop(cfg, field, tags, append([]LoopOption{WithClock(mock)}, opts...)...)
	require.NoError(t, err)
	return loop, mock
}

func TestLoop_Scenario(t *testing.T) {
	field := &fakeField{reads: []readStep{
		{value: 45},
		{value: 48},
		{err: errTransport},
		{value: 52},
	}}
	tags := newFakeTags(50)
	sink := &recordingSink{}
	loop, mock := newTestLoop(t, testConfig(), field, tags, WithHeartbeat(sink))
	ctx := context.Background()

	mock.Add(time.Second)
	c1 := loop.Step(ctx)
	require.Equal(t, Controlled, c1.Decision.Outcome)
	assert.Equal(t, 1.0, c1.Dt)
	assert.InDelta(t, 5.75, c1.Decision.Raw, 1e-9)
	assert.Equal(t, 6.0, c1.CV)

	mock.Add(time.Second)
	c2 := loop.Step(ctx)
	require.Equal(t, Controlled, c2.Decision.Outcome)
	// err=2, I=7, D=-3: 2 + 0.7 - 0.15
	assert.InDelta(t, 2.55, c2.Decision.Raw, 1e-9)
	assert.Equal(t, 3.0, c2.CV)
	afterCycle2 := loop.PID().State()

	mock.Add(time.Second)
	c3 := loop.Step(ctx)
	assert.Equal(t, FailSafe, c3.Decision.Outcome)
	assert.False(t, c3.Valid)
	assert.False(t, c3.PV.Present)
	assert.Equal(t, 0.0, c3.CV)
	assert.ErrorIs(t, c3.ReadErr, errTransport)
	assert.Equal(t, afterCycle2, loop.PID().State())

	mock.Add(time.Second)
	c4 := loop.Step(ctx)
	require.Equal(t, Controlled, c4.Decision.Outcome)
	// resumes from cycle 2: err=-2, I=5, D=(-2-2)/1
	assert.Equal(t, PIDState{Integral: 5, LastError: -2}, loop.PID().State())
	assert.InDelta(t, -1.7, c4.Decision.Raw, 1e-9)
	assert.Equal(t, -2.0, c4.CV)

	assert.Equal(t, []float64{6, 3, 0, -2}, field.writes)
	for _, a := range field.addrs {
		assert.Equal(t, uint16(1), a)
	}

	require.Len(t, sink.beats, 4)
	assert.Equal(t, Heartbeat{Seq: 3, Setpoint: 50, PV: Absent(), CV: 0, Valid: false}, sink.beats[2])
	assert.Equal(t, "SP=50.0  PV=None  CV=0  VALID=false", sink.beats[2].String())
}

func TestLoop_FailSafeOutOfRange(t *testing.T) {
	field := &fakeField{reads: []readStep{{value: 45}, {value: 250}}}
	tags := newFakeTags(50)
	loop, mock := newTestLoop(t, testConfig(), field, tags)
	ctx := context.Background()

	mock.Add(time.Second)
	loop.Step(ctx)
	before := loop.PID().State()

	mock.Add(time.Second)
	res := loop.Step(ctx)

	assert.Equal(t, FailSafe, res.Decision.Outcome)
	assert.True(t, res.PV.Present)
	assert.False(t, res.Valid)
	assert.Equal(t, 0.0, res.CV)
	assert.NoError(t, res.ReadErr)
	assert.Equal(t, before, loop.PID().State())

	// out-of-range is published, and distinguishable from absent
	assert.Equal(t, FloatTag(250), tags.lastWritten["ProcessTemperature"])
	assert.Equal(t, BoolTag(false), tags.lastWritten["SensorValid"])
	assert.Equal(t, BoolTag(true), tags.lastWritten["SensorPresent"])
	assert.Equal(t, FloatTag(0), tags.lastWritten["ControlOutput"])
}

func TestLoop_AbsentPVNotPublished(t *testing.T) {
	field := &fakeField{reads: []readStep{{err: errTransport}}}
	tags := newFakeTags(50)
	loop, _ := newTestLoop(t, testConfig(), field, tags)

	loop.Step(context.Background())

	names := make([]string, 0, len(tags.writes))
	for _, w := range tags.writes {
		names = append(names, w.name)
	}
	assert.Equal(t, []string{"ControlOutput", "SensorValid", "SensorPresent"}, names)
	assert.Equal(t, BoolTag(false), tags.lastWritten["SensorPresent"])
}

func TestLoop_PresenceTagDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Tags.Present = ""
	tags := newFakeTags(50)
	loop, _ := newTestLoop(t, cfg, &fakeField{}, tags)

	loop.Step(context.Background())

	assert.Len(t, tags.writes, 3)
	_, ok := tags.lastWritten["SensorPresent"]
	assert.False(t, ok)
}

func TestLoop_Clamping(t *testing.T) {
	tests := []struct {
		name string
		sp   float64
		pv   float64
		want float64
	}{
		{name: "upper", sp: 200, pv: 0, want: 1000},
		{name: "lower", sp: 0, pv: 200, want: -1000},
		{name: "inside", sp: 50, pv: 48, want: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.PID = PIDConfig{Kp: 1}
			if tt.name != "inside" {
				cfg.PID.Kp = 1000
			}
			field := &fakeField{reads: []readStep{{value: tt.pv}}}
			loop, mock := newTestLoop(t, cfg, field, newFakeTags(tt.sp))
			mock.Add(time.Second)

			res := loop.Step(context.Background())

			assert.Equal(t, tt.want, res.CV)
			require.Len(t, field.writes, 1)
			assert.Equal(t, tt.want, field.writes[0])
		})
	}
}

func TestLoop_QuantizeTiesToEven(t *testing.T) {
	cfg := testConfig()
	cfg.PID = PIDConfig{Kp: 1}
	field := &fakeField{reads: []readStep{{value: 47.5}, {value: 46.5}}}
	loop, _ := newTestLoop(t, cfg, field, newFakeTags(50))

	assert.Equal(t, 2.0, loop.Step(context.Background()).CV)
	assert.Equal(t, 4.0, loop.Step(context.Background()).CV)
}

func TestLoop_ResolutionNeverExceedsLimit(t *testing.T) {
	cfg := testConfig()
	cfg.PID = PIDConfig{Kp: 1000}
	cfg.CVMax = 999.5
	field := &fakeField{reads: []readStep{{value: 0}}}
	loop, _ := newTestLoop(t, cfg, field, newFakeTags(50))

	res := loop.Step(context.Background())

	assert.Equal(t, 999.0, res.CV)
}

func TestLoop_ReadFailureThenRecovery(t *testing.T) {
	field := &fakeField{reads: []readStep{{err: errTransport}, {value: 45}}}
	log, logs := utils.NewTestLogger()
	loop, mock := newTestLoop(t, testConfig(), field, newFakeTags(50), WithLogger(log))

	mock.Add(time.Second)
	first := loop.Step(context.Background())
	require.Error(t, first.ReadErr)
	assert.Equal(t, FailSafe, first.Decision.Outcome)
	assert.Equal(t, PIDState{}, loop.PID().State())

	mock.Add(time.Second)
	second := loop.Step(context.Background())
	assert.NoError(t, second.ReadErr)
	assert.Equal(t, Reading(45), second.PV)
	assert.Equal(t, Controlled, second.Decision.Outcome)
	assert.Equal(t, 6.0, second.CV)

	assert.Equal(t, 1, logs.FilterMessageSnippet("Field I/O read error").Len())
}

func TestLoop_WriteFailureIsNonFatal(t *testing.T) {
	field := &fakeField{reads: []readStep{{value: 45}}, writeErr: errTransport}
	tags := newFakeTags(50)
	log, logs := utils.NewTestLogger()
	loop, _ := newTestLoop(t, testConfig(), field, tags, WithLogger(log))

	res := loop.Step(context.Background())
	res2 := loop.Step(context.Background())

	assert.ErrorIs(t, res.WriteErr, errTransport)
	assert.ErrorIs(t, res2.WriteErr, errTransport)
	assert.Len(t, field.addrs, 2, "no same-cycle retry")
	assert.Equal(t, FloatTag(res.CV), tags.writes[1].value, "telemetry still published")
	assert.Equal(t, 2, logs.FilterMessageSnippet("Field I/O write error").Len())
}

func TestLoop_PublishFailureIsNonFatal(t *testing.T) {
	field := &fakeField{reads: []readStep{{value: 45}}}
	tags := newFakeTags(50)
	tags.writeErr = errTransport
	loop, _ := newTestLoop(t, testConfig(), field, tags)

	res := loop.Step(context.Background())

	require.Error(t, res.PublishErr)
	assert.ErrorIs(t, res.PublishErr, errTransport)
	assert.Len(t, tags.writes, 4, "every tag attempted")
	assert.Len(t, field.writes, 1)
}

func TestLoop_SetpointFollowsTelemetry(t *testing.T) {
	field := &fakeField{reads: []readStep{{value: 45}}}
	tags := newFakeTags(50)
	loop, mock := newTestLoop(t, testConfig(), field, tags)

	mock.Add(time.Second)
	loop.Step(context.Background())
	state := loop.PID().State()

	tags.setpoint = FloatTag(60)
	mock.Add(time.Second)
	res := loop.Step(context.Background())

	assert.Equal(t, 60.0, res.Setpoint)
	// no reset on setpoint change: I continues from 5
	assert.Equal(t, state.Integral+15, loop.PID().State().Integral)
}

func TestLoop_SetpointReadFailureKeepsPrevious(t *testing.T) {
	tags := newFakeTags(70)
	loop, _ := newTestLoop(t, testConfig(), &fakeField{}, tags)

	loop.Step(context.Background())
	tags.readErr = errTransport
	res := loop.Step(context.Background())

	assert.ErrorIs(t, res.SetpointErr, errTransport)
	assert.Equal(t, 70.0, res.Setpoint)

	tags.readErr = nil
	tags.setpoint = BoolTag(true)
	res = loop.Step(context.Background())
	assert.Error(t, res.SetpointErr)
	assert.Equal(t, 70.0, res.Setpoint)
}

func TestLoop_DtFloor(t *testing.T) {
	loop, mock := newTestLoop(t, testConfig(), &fakeField{}, newFakeTags(50))

	assert.Equal(t, 0.001, loop.Step(context.Background()).Dt)
	mock.Add(250 * time.Millisecond)
	assert.Equal(t, 0.25, loop.Step(context.Background()).Dt)
	assert.Equal(t, 0.001, loop.Step(context.Background()).Dt)
}

func TestLoop_Metrics(t *testing.T) {
	field := &fakeField{reads: []readStep{{value: 45}, {err: errTransport}}}
	metrics := NewMetrics()
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, metrics.Register(reg))
	loop, _ := newTestLoop(t, testConfig(), field, newFakeTags(50), WithMetrics(metrics))

	loop.Step(context.Background())
	loop.Step(context.Background())

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Cycles.WithLabelValues("controlled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Cycles.WithLabelValues("failsafe")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PortErrors.WithLabelValues("read_pv")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.Valid))
	assert.Equal(t, 45.0, testutil.ToFloat64(metrics.ProcessValue))
	assert.Equal(t, 50.0, testutil.ToFloat64(metrics.Setpoint))
}

func TestLoop_RunCanceledBeforeStart(t *testing.T) {
	field := &fakeField{}
	loop, _ := newTestLoop(t, testConfig(), field, newFakeTags(50))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := loop.Run(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, field.readIdx)
	assert.Empty(t, field.addrs)
}

func TestLoop_RunCompletesCycleAcrossCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	field := &fakeField{onRead: func(n int) {
		if n == 3 {
			cancel()
		}
	}}
	tags := newFakeTags(50)
	cfg := testConfig()
	cfg.Period = time.Millisecond
	loop, err := NewLoop(cfg, field, tags)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
	}

	assert.Equal(t, 3, field.readIdx, "no cycle after cancellation")
	assert.Len(t, field.writes, 3, "the canceled cycle still wrote")
	for _, e := range field.writeCtxErr {
		assert.NoError(t, e)
	}
	assert.Len(t, tags.writes, 12, "the canceled cycle still published")
}

func TestNewLoop_RejectsBadConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Validation = Range{Low: 10, High: 0}
	_, err := NewLoop(cfg, &fakeField{}, newFakeTags(0))
	assert.Error(t, err)

	_, err = NewLoop(testConfig(), nil, newFakeTags(0))
	assert.Error(t, err)
}

func TestDefaultLoopConfig(t *testing.T) {
	cfg := DefaultLoopConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 500*time.Millisecond, cfg.Period)
	assert.Equal(t, 1000.0, cfg.CVMax)
	assert.Equal(t, DefaultRange, cfg.Validation)
}
