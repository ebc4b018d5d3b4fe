package main

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"procctl-core/closed_loop/fieldio"
	control "procctl-core/closed_loop/process_control"
	"procctl-core/closed_loop/telemetry"
)

// Config is the complete runtime configuration of the supervisor.
type Config struct {
	Loop      control.LoopConfig `yaml:"loop"`
	FieldIO   FieldIOConfig      `yaml:"field_io"`
	Telemetry TelemetryConfig    `yaml:"telemetry"`
	Log       LogConfig          `yaml:"log"`
}

// FieldIOConfig selects and configures the field I/O backend.
type FieldIOConfig struct {
	Backend   string                  `yaml:"backend"` // "modbus" or "can"
	Modbus    fieldio.ModbusConfig    `yaml:"modbus"`
	CAN       fieldio.CANConfig       `yaml:"can"`
	Simulator fieldio.SimulatorConfig `yaml:"simulator"`
}

// TelemetryConfig selects and configures the telemetry backend. Listen is
// bound for /metrics and /healthz with every backend; the tag routes are
// only served by the memory backend.
type TelemetryConfig struct {
	Backend   string                `yaml:"backend"` // "memory", "nats" or "opcua"
	Namespace string                `yaml:"namespace"`
	Listen    string                `yaml:"listen"`
	NATS      telemetry.NATSConfig  `yaml:"nats"`
	OPCUA     telemetry.OPCUAConfig `yaml:"opcua"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

func DefaultConfig() Config {
	return Config{
		Loop: control.DefaultLoopConfig(),
		FieldIO: FieldIOConfig{
			Backend:   "modbus",
			Modbus:    fieldio.DefaultModbusConfig(),
			CAN:       fieldio.DefaultCANConfig(),
			Simulator: fieldio.DefaultSimulatorConfig(),
		},
		Telemetry: TelemetryConfig{
			Backend:   "memory",
			Namespace: "urn:procctl:process",
			Listen:    "0.0.0.0:4841",
			NATS:      telemetry.DefaultNATSConfig(),
			OPCUA:     telemetry.DefaultOPCUAConfig(),
		},
		Log: LogConfig{Level: "info", File: "closed_loop.log"},
	}
}

// LoadConfig layers defaults, the YAML file (if path is set), a .env file
// in the working directory and PROCCTL_* environment variables, then
// validates the result.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		// a bindings map in the file replaces the defaults instead of merging
		defaultBindings := cfg.FieldIO.CAN.Bindings
		cfg.FieldIO.CAN.Bindings = nil
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
		if cfg.FieldIO.CAN.Bindings == nil {
			cfg.FieldIO.CAN.Bindings = defaultBindings
		}
	}

	// .env never overrides variables already set in the environment
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type lookupFunc func(string) (string, bool)

// applyEnv overrides the settings operators most often change per host.
func (c *Config) applyEnv(lookup lookupFunc) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := lookup(key); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("PROCCTL_FIELD_BACKEND", &c.FieldIO.Backend)
	str("PROCCTL_MODBUS_URL", &c.FieldIO.Modbus.URL)
	boolean("PROCCTL_SIMULATOR", &c.FieldIO.Simulator.Enabled)
	str("PROCCTL_CAN_INTERFACE", &c.FieldIO.CAN.Interface)
	str("PROCCTL_TELEMETRY_BACKEND", &c.Telemetry.Backend)
	str("PROCCTL_TELEMETRY_LISTEN", &c.Telemetry.Listen)
	str("PROCCTL_NAMESPACE", &c.Telemetry.Namespace)
	str("PROCCTL_NATS_URL", &c.Telemetry.NATS.URL)
	str("PROCCTL_OPCUA_ENDPOINT", &c.Telemetry.OPCUA.Endpoint)
	float("PROCCTL_SETPOINT", &c.Loop.PID.Setpoint)
	float("PROCCTL_KP", &c.Loop.PID.Kp)
	float("PROCCTL_KI", &c.Loop.PID.Ki)
	float("PROCCTL_KD", &c.Loop.PID.Kd)
	duration("PROCCTL_PERIOD", &c.Loop.Period)
	str("PROCCTL_LOG_LEVEL", &c.Log.Level)
	str("PROCCTL_LOG_FILE", &c.Log.File)

	return errors.Join(errs...)
}

func (c Config) Validate() error {
	if err := c.Loop.Validate(); err != nil {
		return fmt.Errorf("loop: %w", err)
	}
	switch c.FieldIO.Backend {
	case "modbus", "can":
	default:
		return fmt.Errorf("unknown field_io backend %q", c.FieldIO.Backend)
	}
	if c.FieldIO.Backend == "modbus" {
		// holding registers only take whole counts
		res := c.Loop.OutputResolution
		if res < 1 || res != math.Trunc(res) {
			return fmt.Errorf("loop: output_resolution %g must be a whole number >= 1 with the modbus backend", res)
		}
		if c.Loop.CVMax > math.MaxInt16 {
			return fmt.Errorf("loop: cv_max %g exceeds a signed 16-bit register", c.Loop.CVMax)
		}
	}
	if c.FieldIO.Simulator.Enabled && c.FieldIO.Backend == "modbus" && c.FieldIO.Simulator.URL != c.FieldIO.Modbus.URL {
		return fmt.Errorf("simulator url %s differs from modbus url %s", c.FieldIO.Simulator.URL, c.FieldIO.Modbus.URL)
	}
	switch c.Telemetry.Backend {
	case "memory", "nats", "opcua":
	default:
		return fmt.Errorf("unknown telemetry backend %q", c.Telemetry.Backend)
	}
	if c.Telemetry.Namespace == "" {
		return fmt.Errorf("telemetry namespace is required")
	}
	return nil
}

// tagNames lists every configured tag name, skipping a disabled presence tag.
func (c Config) tagNames() []string {
	t := c.Loop.Tags
	names := []string{t.Setpoint, t.ProcessValue, t.ControlOutput, t.Valid}
	if t.Present != "" {
		names = append(names, t.Present)
	}
	return names
}
