// Package logger is the component-tagged logger used across guestbridge.
//
// Every entry carries a "component" field naming the subsystem that produced
// it ("ddp", "livechat", "webchat", ...). The F variants attach structured
// fields.
package logger

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var (
	mu    sync.RWMutex
	base  *zap.Logger
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

func init() {
	base = newLogger(zapcore.Lock(os.Stderr))
}

func newLogger(ws zapcore.WriteSyncer) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), ws, level)
	return zap.New(core)
}

// SetLevel changes the minimum level written by all loggers.
func SetLevel(l LogLevel) {
	level.SetLevel(toZap(l))
}

// GetLevel returns the current minimum level.
func GetLevel() LogLevel {
	switch level.Level() {
	case zapcore.DebugLevel:
		return DEBUG
	case zapcore.WarnLevel:
		return WARN
	case zapcore.ErrorLevel:
		return ERROR
	default:
		return INFO
	}
}

// SetOutput redirects log output. Used by tests and the interactive chat
// command, which keeps stderr clean for the prompt.
func SetOutput(ws zapcore.WriteSyncer) {
	mu.Lock()
	defer mu.Unlock()
	base = newLogger(zapcore.Lock(ws))
}

func toZap(l LogLevel) zapcore.Level {
	switch l {
	case DEBUG:
		return zapcore.DebugLevel
	case WARN:
		return zapcore.WarnLevel
	case ERROR:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func logf(l LogLevel, component, message string, fields map[string]any) {
	mu.RLock()
	lg := base
	mu.RUnlock()

	zf := make([]zap.Field, 0, len(fields)+1)
	if component != "" {
		zf = append(zf, zap.String("component", component))
	}
	for k, v := range fields {
		zf = append(zf, zap.Any(k, v))
	}

	switch l {
	case DEBUG:
		lg.Debug(message, zf...)
	case WARN:
		lg.Warn(message, zf...)
	case ERROR:
		lg.Error(message, zf...)
	default:
		lg.Info(message, zf...)
	}
}

func Debug(message string) { logf(DEBUG, "", message, nil) }
func DebugC(component, message string) { logf(DEBUG, component, message, nil) }
func DebugCF(component, message string, fields map[string]any) { logf(DEBUG, component, message, fields) }
func Info(message string) { logf(INFO, "", message, nil) }
func InfoC(component, message string) { logf(INFO, component, message, nil) }
func InfoCF(component, message string, fields map[string]any) { logf(INFO, component, message, fields) }
func Warn(message string) { logf(WARN, "", message, nil) }
func WarnC(component, message string) { logf(WARN, component, message, nil) }
func WarnCF(component, message string, fields map[string]any) { logf(WARN, component, message, fields) }
func Error(message string) { logf(ERROR, "", message, nil) }
func ErrorC(component, message string) { logf(ERROR, component, message, nil) }
func ErrorCF(component, message string, fields map[string]any) { logf(ERROR, component, message, fields) }
