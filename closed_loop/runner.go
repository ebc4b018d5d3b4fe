package main

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"

	"procctl-core/closed_loop/fieldio"
	control "procctl-core/closed_loop/process_control"
	"procctl-core/closed_loop/telemetry"
	"procctl-core/utils"
)

// fieldPort is a field I/O backend with a connection lifecycle.
type fieldPort interface {
	control.FieldIO
	Connect(ctx context.Context) error
	Close() error
}

// Runner owns the servers and connections around one control loop.
type Runner struct {
	cfg Config
	log *utils.Logger

	sim       *fieldio.Simulator
	tagServer *telemetry.TagServer
	tags      control.Telemetry
	closeTags func() error
	http      *telemetry.HTTPServer
	field     fieldPort

	registry *prometheus.Registry
	metrics  *control.Metrics
	loop     *control.Loop

	// unix nanos of the last completed cycle
	lastBeat atomic.Int64
	started  time.Time
}

// NewRunner brings up the simulator, the telemetry side and the field
// connection in that order. A failure tears down whatever already started.
func NewRunner(ctx context.Context, cfg Config, log *utils.Logger) (*Runner, error) {
	r := &Runner{
		cfg:      cfg,
		log:      log,
		registry: prometheus.NewRegistry(),
		metrics:  control.NewMetrics(),
		started:  time.Now(),
	}
	if err := r.metrics.Register(r.registry); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if err := r.startSimulator(); err != nil {
		return nil, err
	}
	if err := r.startTelemetry(ctx); err != nil {
		r.Close()
		return nil, err
	}
	if err := r.connectField(ctx); err != nil {
		r.Close()
		return nil, err
	}

	loop, err := control.NewLoop(cfg.Loop, r.field, r.tags,
		control.WithLogger(log.Named("loop")),
		control.WithMetrics(r.metrics),
		control.WithHeartbeat(r),
	)
	if err != nil {
		r.Close()
		return nil, err
	}
	r.loop = loop
	return r, nil
}

func (r *Runner) startSimulator() error {
	sc := r.cfg.FieldIO.Simulator
	if !sc.Enabled || r.cfg.FieldIO.Backend != "modbus" {
		return nil
	}
	sim, err := fieldio.NewSimulator(sc, r.log.Named("simulator"))
	if err != nil {
		return err
	}
	if err := sim.Start(); err != nil {
		return err
	}
	r.sim = sim
	return nil
}

func (r *Runner) startTelemetry(ctx context.Context) error {
	tc := r.cfg.Telemetry
	specs := telemetry.DefaultTags(r.cfg.Loop.Tags, r.cfg.Loop.PID.Setpoint)
	log := r.log.Named("telemetry")

	switch tc.Backend {
	case "memory":
		s, err := telemetry.NewTagServer(tc.Namespace, specs)
		if err != nil {
			return err
		}
		r.tagServer, r.tags = s, s
		log.Info("Tag server namespace %s with %d tags", tc.Namespace, len(specs))
	case "nats":
		kv, err := telemetry.DialKV(ctx, tc.NATS, tc.Namespace, log)
		if err != nil {
			return err
		}
		if err := kv.Seed(ctx, specs); err != nil {
			_ = kv.Close()
			return fmt.Errorf("seed tags: %w", err)
		}
		r.tags, r.closeTags = kv, kv.Close
	case "opcua":
		op, err := telemetry.DialOPCUA(ctx, tc.OPCUA, r.cfg.tagNames(), log)
		if err != nil {
			return err
		}
		r.tags = op
		r.closeTags = func() error { return op.Close(context.Background()) }
	default:
		return fmt.Errorf("unknown telemetry backend %q", tc.Backend)
	}

	if tc.Listen == "" {
		return nil
	}
	api := telemetry.NewAPI(r.tagServer, r.registry, r.health, log)
	srv, err := telemetry.ListenAndServe(tc.Listen, api.Router(), log)
	if err != nil {
		return err
	}
	r.http = srv
	return nil
}

func (r *Runner) connectField(ctx context.Context) error {
	fc := r.cfg.FieldIO
	switch fc.Backend {
	case "modbus":
		p, err := fieldio.NewModbusPort(fc.Modbus, r.log.Named("modbus"))
		if err != nil {
			return err
		}
		r.field = p
	case "can":
		p, err := fieldio.DialCANPort(ctx, fc.CAN, r.log.Named("can"))
		if err != nil {
			return err
		}
		r.field = p
	default:
		return fmt.Errorf("unknown field_io backend %q", fc.Backend)
	}

	if err := r.field.Connect(ctx); err != nil {
		_ = r.field.Close()
		r.field = nil
		return err
	}
	return nil
}

// Beat records the cycle for the health check and logs the heartbeat.
func (r *Runner) Beat(h control.Heartbeat) {
	r.lastBeat.Store(time.Now().UnixNano())
	control.LogHeartbeat{Log: r.log}.Beat(h)
}

// health fails once no cycle completed for three periods.
func (r *Runner) health() error {
	last := r.started
	if ns := r.lastBeat.Load(); ns != 0 {
		last = time.Unix(0, ns)
	}
	if age := time.Since(last); age > 3*r.cfg.Loop.Period {
		return fmt.Errorf("no control cycle for %s", age.Round(time.Millisecond))
	}
	return nil
}

// Run drives the loop until ctx is canceled.
func (r *Runner) Run(ctx context.Context) error {
	return r.loop.Run(ctx)
}

// Close shuts down in reverse start order. Failures are only logged.
func (r *Runner) Close() {
	var err error
	if r.field != nil {
		err = multierr.Append(err, r.field.Close())
	}
	if r.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err = multierr.Append(err, r.http.Stop(ctx))
		cancel()
	}
	if r.closeTags != nil {
		err = multierr.Append(err, r.closeTags())
	}
	if r.sim != nil {
		err = multierr.Append(err, r.sim.Stop())
	}
	if err != nil {
		r.log.Debug("Shutdown: %v", err)
	}
	r.field, r.http, r.closeTags, r.sim = nil, nil, nil, nil
}
