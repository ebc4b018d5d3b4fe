package control

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the control loop collectors
type Metrics struct {
	Cycles        *prometheus.CounterVec
	PortErrors    *prometheus.CounterVec
	CycleDuration prometheus.Histogram

	Setpoint      prometheus.Gauge
	ProcessValue  prometheus.Gauge
	ControlOutput prometheus.Gauge
	Valid         prometheus.Gauge
}

// NewMetrics creates unregistered loop collectors
func NewMetrics() *Metrics {
	return &Metrics{
		Cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "procctl",
				Subsystem: "loop",
				Name:      "cycles_total",
				Help:      "Completed control cycles by outcome (controlled, failsafe)",
			},
			[]string{"outcome"},
		),
		PortErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "procctl",
				Subsystem: "port",
				Name:      "errors_total",
				Help:      "Failed port operations",
			},
			[]string{"op"},
		),
		CycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "procctl",
				Subsystem: "loop",
				Name:      "cycle_duration_seconds",
				Help:      "Wall time spent inside one control cycle",
				Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
			},
		),
		Setpoint: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "procctl", Subsystem: "loop", Name: "setpoint",
			Help: "Setpoint in effect during the last cycle",
		}),
		ProcessValue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "procctl", Subsystem: "loop", Name: "process_value",
			Help: "Last measured process value that was present",
		}),
		ControlOutput: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "procctl", Subsystem: "loop", Name: "control_output",
			Help: "Control output written during the last cycle",
		}),
		Valid: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "procctl", Subsystem: "loop", Name: "sensor_valid",
			Help: "Sensor validity of the last cycle (0=invalid, 1=valid)",
		}),
	}
}

// Register registers every collector with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.Cycles, m.PortErrors, m.CycleDuration,
		m.Setpoint, m.ProcessValue, m.ControlOutput, m.Valid,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) observe(res CycleResult, took time.Duration) {
	if m == nil {
		return
	}
	m.Cycles.WithLabelValues(res.Decision.Outcome.String()).Inc()
	m.CycleDuration.Observe(took.Seconds())
	m.Setpoint.Set(res.Setpoint)
	if res.PV.Present {
		m.ProcessValue.Set(res.PV.Value)
	}
	m.ControlOutput.Set(res.CV)
	m.Valid.Set(BoolToFloat(res.Valid))

	for op, err := range map[string]error{
		"read_setpoint": res.SetpointErr,
		"read_pv":       res.ReadErr,
		"write_cv":      res.WriteErr,
		"publish":       res.PublishErr,
	} {
		if err != nil {
			m.PortErrors.WithLabelValues(op).Inc()
		}
	}
}
