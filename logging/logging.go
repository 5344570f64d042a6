// Package logging is the leveled, component-scoped logger used across
// fleetwatch. It keeps a small map-of-fields API and writes through zap.
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// ParseLevel accepts debug, info, warn or error in any case.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug, nil
	case "", "INFO":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "ERROR":
		return LevelError, nil
	}
	return "", fmt.Errorf("unknown log level %q", s)
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Logger writes console-formatted entries: LEVEL TIMESTAMP [component] message {fields}.
type Logger struct {
	mu        sync.Mutex
	output    io.Writer
	level     zap.AtomicLevel
	component string
	base      *zap.Logger
	zl        *zap.Logger
}

// New creates a Logger writing to stdout at INFO.
func New() *Logger {
	l := &Logger{
		output: os.Stdout,
		level:  zap.NewAtomicLevelAt(zapcore.InfoLevel),
	}
	l.rebuild()
	return l
}

// NewFromZap wraps an existing zap logger. Level filtering is left to its core.
func NewFromZap(z *zap.Logger) *Logger {
	l := &Logger{
		level: zap.NewAtomicLevelAt(zapcore.DebugLevel),
		base:  z,
	}
	l.zl = z
	return l
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "component",
		MessageKey:     "msg",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.TimeEncoderOfLayout("2006-01-02T15:04:05.000Z07:00"),
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeName: func(name string, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendString("[" + name + "]")
		},
	}
}

// rebuild recreates the zap logger after output changes. Caller holds mu or
// owns l exclusively.
func (l *Logger) rebuild() {
	if l.output == nil {
		return
	}
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig()),
		zapcore.AddSync(l.output),
		l.level,
	)
	l.base = zap.New(core)
	l.zl = l.base
	if l.component != "" {
		l.zl = l.base.Named(l.component)
	}
}

// WithComponent returns a logger tagged with component. It shares the
// parent's output and level.
func (l *Logger) WithComponent(component string) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	return &Logger{
		output:    l.output,
		level:     l.level,
		component: component,
		base:      l.base,
		zl:        l.base.Named(component),
	}
}

// SetLevel sets the minimum log level. Loggers derived with WithComponent
// share the level.
func (l *Logger) SetLevel(level Level) {
	l.level.SetLevel(level.zapLevel())
}

// SetOutput sets the output writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
	l.rebuild()
}

// Zap exposes the underlying logger for libraries that take one.
func (l *Logger) Zap() *zap.Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.zl
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.Zap().Sync()
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(zapcore.DebugLevel, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(zapcore.InfoLevel, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(zapcore.WarnLevel, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(zapcore.ErrorLevel, msg, fields...)
}

// zapFields converts a field map into zap fields in key order.
func zapFields(fields map[string]interface{}) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		switch v := fields[k].(type) {
		case error:
			out = append(out, zap.String(k, v.Error()))
		case time.Duration:
			out = append(out, zap.String(k, v.String()))
		default:
			out = append(out, zap.Any(k, v))
		}
	}
	return out
}

func (l *Logger) log(level zapcore.Level, msg string, fields ...map[string]interface{}) {
	zl := l.Zap()
	if zl == nil {
		return
	}
	ce := zl.Check(level, msg)
	if ce == nil {
		return
	}
	var fs []zap.Field
	if len(fields) > 0 && fields[0] != nil {
		fs = zapFields(fields[0])
	}
	ce.Write(fs...)
}

// --- Domain helpers ---

// HeartbeatReceived logs an accepted heartbeat.
func (l *Logger) HeartbeatReceived(nodeID, ip string, created bool) {
	l.Debug("heartbeat", map[string]interface{}{
		"node_id": nodeID,
		"ip":      ip,
		"created": created,
	})
}

// NodeCreated logs a node seen for the first time.
func (l *Logger) NodeCreated(nodeID, name, ip string) {
	l.Info("node_created", map[string]interface{}{
		"node_id": nodeID,
		"name":    name,
		"ip":      ip,
	})
}

// NodeDown logs an alive-to-dead transition.
func (l *Logger) NodeDown(nodeID, name string, silence time.Duration) {
	fields := map[string]interface{}{
		"node_id": nodeID,
		"name":    name,
	}
	if silence > 0 {
		fields["silence"] = silence.Round(time.Second).String()
	}
	l.Warn("node_down", fields)
}

// NodeRecovered logs a dead-to-alive transition.
func (l *Logger) NodeRecovered(nodeID, name string) {
	l.Info("node_recovered", map[string]interface{}{
		"node_id": nodeID,
		"name":    name,
	})
}

// ServiceTransition logs a flip of a service's operational flag.
func (l *Logger) ServiceTransition(serviceID, name string, operational bool, alive, total int) {
	fields := map[string]interface{}{
		"service_id":  serviceID,
		"service":     name,
		"operational": operational,
		"alive_nodes": alive,
		"nodes":       total,
	}
	if operational {
		l.Info("service_operational", fields)
	} else {
		l.Warn("service_down", fields)
	}
}

// SweepComplete logs the outcome of one sweep.
func (l *Logger) SweepComplete(total, alive, dead, changed, failures int, duration time.Duration) {
	fields := map[string]interface{}{
		"nodes":            total,
		"alive":            alive,
		"dead":             dead,
		"services_changed": changed,
		"duration":         duration.String(),
	}
	if failures > 0 {
		fields["failures"] = failures
		l.Warn("sweep_complete", fields)
		return
	}
	l.Info("sweep_complete", fields)
}
