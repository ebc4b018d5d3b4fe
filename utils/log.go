package utils

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gopkg.in/natefinch/lumberjack.v2"
)

type LogLevel int

const (
	TRACE LogLevel = iota
	DEBUG
	INFO
	WARN
	ERROR
	CRITICAL
)

func (l LogLevel) String() string {
	switch l {
	case TRACE:
		return "TRACE"
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case CRITICAL:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// zap has no trace or critical level; trace sits below debug and critical
// reuses DPanic, which only panics in development mode (never enabled here).
func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case TRACE:
		return zapcore.DebugLevel - 1
	case DEBUG:
		return zapcore.DebugLevel
	case INFO:
		return zapcore.InfoLevel
	case WARN:
		return zapcore.WarnLevel
	case ERROR:
		return zapcore.ErrorLevel
	default:
		return zapcore.DPanicLevel
	}
}

func levelFromZap(z zapcore.Level) LogLevel {
	switch {
	case z < zapcore.DebugLevel:
		return TRACE
	case z == zapcore.DebugLevel:
		return DEBUG
	case z == zapcore.InfoLevel:
		return INFO
	case z == zapcore.WarnLevel:
		return WARN
	case z == zapcore.ErrorLevel:
		return ERROR
	default:
		return CRITICAL
	}
}

func encodeLevel(z zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(levelFromZap(z).String())
}

// Logger is a leveled printf-style logger over a zap core. The file sink is
// rotated by lumberjack.
type Logger struct {
	level zap.AtomicLevel
	zl    *zap.Logger
	sugar *zap.SugaredLogger
	file  *lumberjack.Logger
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    encodeLevel,
		EncodeTime:     zapcore.RFC3339NanoTimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	}
}

func NewFileLogger(filePath string, minLevel LogLevel, alsoStdout bool) (*Logger, error) {
	// lumberjack opens lazily; surface permission problems now.
	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	_ = f.Close()

	level := zap.NewAtomicLevelAt(minLevel.zapLevel())
	lj := &lumberjack.Logger{
		Filename:   filePath,
		MaxSize:    20, // MB
		MaxBackups: 5,
	}
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig()), zapcore.AddSync(lj), level),
	}
	if alsoStdout {
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig()), zapcore.Lock(os.Stdout), level))
	}
	return newLogger(zapcore.NewTee(cores...), level, lj), nil
}

// NewStdoutLogger logs to stdout only.
func NewStdoutLogger(minLevel LogLevel) *Logger {
	level := zap.NewAtomicLevelAt(minLevel.zapLevel())
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig()), zapcore.Lock(os.Stdout), level)
	return newLogger(core, level, nil)
}

// NewNopLogger discards everything.
func NewNopLogger() *Logger {
	return newLogger(zapcore.NewNopCore(), zap.NewAtomicLevelAt(CRITICAL.zapLevel()), nil)
}

// NewTestLogger records every entry at TRACE and above in memory.
func NewTestLogger() (*Logger, *observer.ObservedLogs) {
	level := zap.NewAtomicLevelAt(TRACE.zapLevel())
	core, logs := observer.New(level)
	return newLogger(core, level, nil), logs
}

func newLogger(core zapcore.Core, level zap.AtomicLevel, file *lumberjack.Logger) *Logger {
	zl := zap.New(core)
	return &Logger{level: level, zl: zl, sugar: zl.Sugar(), file: file}
}

func (l *Logger) Close() error {
	_ = l.zl.Sync()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

func (l *Logger) SetMinLevel(level LogLevel) {
	l.level.SetLevel(level.zapLevel())
}

// Named returns a child logger that tags every entry with name.
func (l *Logger) Named(name string) *Logger {
	zl := l.zl.Named(name)
	return &Logger{level: l.level, zl: zl, sugar: zl.Sugar()}
}

func (l *Logger) log(level LogLevel, msg string, args ...any) {
	lvl := level.zapLevel()
	if !l.level.Enabled(lvl) {
		return
	}
	if ce := l.zl.Check(lvl, fmt.Sprintf(msg, args...)); ce != nil {
		ce.Write()
	}
}

func (l *Logger) Trace(msg string, args ...any)    { l.log(TRACE, msg, args...) }
func (l *Logger) Debug(msg string, args ...any)    { l.log(DEBUG, msg, args...) }
func (l *Logger) Info(msg string, args ...any)     { l.log(INFO, msg, args...) }
func (l *Logger) Warn(msg string, args ...any)     { l.log(WARN, msg, args...) }
func (l *Logger) Error(msg string, args ...any)    { l.log(ERROR, msg, args...) }
func (l *Logger) Critical(msg string, args ...any) { l.log(CRITICAL, msg, args...) }

// Infow writes a structured record with alternating key/value pairs.
func (l *Logger) Infow(msg string, keysAndValues ...any) {
	l.sugar.Infow(msg, keysAndValues...)
}
