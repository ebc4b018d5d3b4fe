package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"procctl-core/closed_loop/fieldio"
)

// chdir moves into dir for the duration of the test so LoadConfig does not
// pick up a stray .env.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "procctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
	assert.Equal(t, "modbus", cfg.FieldIO.Backend)
	assert.True(t, cfg.FieldIO.Simulator.Enabled)
	assert.Equal(t, "memory", cfg.Telemetry.Backend)
	assert.Equal(t, 500*time.Millisecond, cfg.Loop.Period)
}

func TestLoadConfig_SampleFile(t *testing.T) {
	cfg, err := LoadConfig("../config/procctl.yaml")
	require.NoError(t, err)

	def := DefaultConfig()
	assert.Equal(t, def.Loop, cfg.Loop)
	assert.Equal(t, def.FieldIO.Modbus.URL, cfg.FieldIO.Modbus.URL)
	assert.Equal(t, def.FieldIO.CAN.Bindings, cfg.FieldIO.CAN.Bindings)
	assert.Equal(t, "urn:procctl:process", cfg.Telemetry.Namespace)
}

func TestLoadConfig_YAMLOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	path := writeConfig(t, `
loop:
  pid: {kp: 2, ki: 0, kd: 0, setpoint: 75}
  period: 250ms
field_io:
  backend: can
telemetry:
  backend: nats
  nats: {url: "nats://broker:4222"}
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 2.0, cfg.Loop.PID.Kp)
	assert.Equal(t, 75.0, cfg.Loop.PID.Setpoint)
	assert.Equal(t, 250*time.Millisecond, cfg.Loop.Period)
	// untouched keys keep their defaults
	assert.Equal(t, 1000.0, cfg.Loop.CVMax)
	assert.Equal(t, "can", cfg.FieldIO.Backend)
	assert.Equal(t, "nats://broker:4222", cfg.Telemetry.NATS.URL)
	assert.Equal(t, "procctl", cfg.Telemetry.NATS.Bucket)
}

func TestLoadConfig_BindingsReplaceDefaults(t *testing.T) {
	chdir(t, t.TempDir())
	path := writeConfig(t, `
field_io:
  can:
    bindings:
      5: {frame: X, signal: y}
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, map[uint16]fieldio.SignalBinding{5: {Frame: "X", Signal: "y"}}, cfg.FieldIO.CAN.Bindings)

	// a file without bindings keeps the defaults
	cfg, err = LoadConfig(writeConfig(t, "field_io: {can: {interface: can1}}"))
	require.NoError(t, err)
	assert.Equal(t, "can1", cfg.FieldIO.CAN.Interface)
	assert.Equal(t, DefaultConfig().FieldIO.CAN.Bindings, cfg.FieldIO.CAN.Bindings)
}

func TestLoadConfig_OPCUANodes(t *testing.T) {
	chdir(t, t.TempDir())
	path := writeConfig(t, `
telemetry:
  backend: opcua
  opcua:
    nodes: {Setpoint: "ns=2;i=2", ControlOutput: "ns=2;i=4"}
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"Setpoint": "ns=2;i=2", "ControlOutput": "ns=2;i=4"}, cfg.Telemetry.OPCUA.Nodes)
	assert.Equal(t, uint16(2), cfg.Telemetry.OPCUA.NamespaceIndex)
}

func TestLoadConfig_FractionalResolution(t *testing.T) {
	chdir(t, t.TempDir())

	// CAN signals carry scaled values, so sub-unit steps are fine there
	cfg, err := LoadConfig(writeConfig(t, "loop: {output_resolution: 0.5}\nfield_io: {backend: can}"))
	require.NoError(t, err)
	assert.Equal(t, 0.5, cfg.Loop.OutputResolution)

	_, err = LoadConfig(writeConfig(t, "loop: {output_resolution: 0.5}"))
	assert.ErrorContains(t, err, "output_resolution")
}

func TestLoadConfig_Env(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("PROCCTL_SETPOINT", "65.5")
	t.Setenv("PROCCTL_PERIOD", "1s")
	t.Setenv("PROCCTL_SIMULATOR", "false")
	t.Setenv("PROCCTL_TELEMETRY_BACKEND", "opcua")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 65.5, cfg.Loop.PID.Setpoint)
	assert.Equal(t, time.Second, cfg.Loop.Period)
	assert.False(t, cfg.FieldIO.Simulator.Enabled)
	assert.Equal(t, "opcua", cfg.Telemetry.Backend)
}

func TestLoadConfig_DotEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("PROCCTL_KP=3.5\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("PROCCTL_KP") })

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 3.5, cfg.Loop.PID.Kp)
}

func TestLoadConfig_Errors(t *testing.T) {
	chdir(t, t.TempDir())

	tests := []struct {
		name string
		yaml string
		env  map[string]string
	}{
		{name: "bad yaml", yaml: "loop: [1, 2"},
		{name: "unknown field backend", yaml: "field_io: {backend: serial}"},
		{name: "unknown telemetry backend", yaml: "telemetry: {backend: mqtt}"},
		{name: "inverted range", yaml: "loop: {validation: {low: 10, high: 5}}"},
		{name: "simulator elsewhere", yaml: "field_io: {simulator: {url: \"tcp://127.0.0.1:6000\"}}"},
		{name: "modbus zero resolution", yaml: "loop: {output_resolution: 0}"},
		{name: "modbus fractional resolution", yaml: "loop: {output_resolution: 2.5}"},
		{name: "modbus cv above int16", yaml: "loop: {cv_max: 40000}"},
		{name: "bad env float", env: map[string]string{"PROCCTL_KD": "fast"}},
		{name: "bad env duration", env: map[string]string{"PROCCTL_PERIOD": "often"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := ""
			if tt.yaml != "" {
				path = writeConfig(t, tt.yaml)
			}
			_, err := LoadConfig(path)
			assert.Error(t, err)
		})
	}

	_, err := LoadConfig("does/not/exist.yaml")
	assert.Error(t, err)
}

func TestConfig_TagNames(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, []string{"Setpoint", "ProcessTemperature", "ControlOutput", "SensorValid", "SensorPresent"}, cfg.tagNames())

	cfg.Loop.Tags.Present = ""
	assert.Len(t, cfg.tagNames(), 4)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, "TRACE", parseLevel("trace").String())
	assert.Equal(t, "WARN", parseLevel("warning").String())
	assert.Equal(t, "INFO", parseLevel("bogus").String())
}
