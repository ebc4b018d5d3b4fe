package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"procctl-core/utils"
)

var (
	configPath  string
	logLevel    string
	logFile     string
	noSimulator bool
)

// rootCmd runs the supervisor until SIGINT or SIGTERM.
var rootCmd = &cobra.Command{
	Use:   "closed_loop",
	Short: "Closed-loop process control supervisor",
	Long: `Reads a process value from field I/O, validates it, runs a PID controller ` +
		`toward the telemetry setpoint and writes the control output back, publishing ` +
		`the loop state to telemetry every cycle.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.SilenceUsage = true
		os.Exit(run(cmd))
	},
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "Path to a YAML config file")
	rootCmd.Flags().StringVar(&logLevel, "log", "", "trace|debug|info|warn|error|critical")
	rootCmd.Flags().StringVar(&logFile, "log-file", "", "Log file path (rotated)")
	rootCmd.Flags().BoolVar(&noSimulator, "no-simulator", false, "Do not start the Modbus simulator")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command) int {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("ERROR: " + err.Error() + "\n")
		return 1
	}
	// flags win over file and environment
	if cmd.Flags().Changed("log") {
		cfg.Log.Level = logLevel
	}
	if cmd.Flags().Changed("log-file") {
		cfg.Log.File = logFile
	}
	if noSimulator {
		cfg.FieldIO.Simulator.Enabled = false
	}

	log, err := newLogger(cfg.Log)
	if err != nil {
		_, _ = os.Stderr.WriteString("ERROR: cannot open " + cfg.Log.File + ": " + err.Error() + "\n")
		return 1
	}
	defer log.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner, err := NewRunner(ctx, cfg, log)
	if err != nil {
		log.Critical("Startup failed: %v", err)
		return 1
	}
	defer runner.Close()

	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Critical("Run failed: %v", err)
		return 1
	}
	log.Info("Shutting down")
	return 0
}

func newLogger(cfg LogConfig) (*utils.Logger, error) {
	level := parseLevel(cfg.Level)
	if cfg.File == "" {
		return utils.NewStdoutLogger(level), nil
	}
	return utils.NewFileLogger(cfg.File, level, true)
}

func parseLevel(s string) utils.LogLevel {
	switch s {
	case "trace":
		return utils.TRACE
	case "debug":
		return utils.DEBUG
	case "info":
		return utils.INFO
	case "warn", "warning":
		return utils.WARN
	case "error":
		return utils.ERROR
	case "critical":
		return utils.CRITICAL
	default:
		return utils.INFO
	}
}
