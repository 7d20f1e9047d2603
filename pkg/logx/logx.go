// Package logx provides component-scoped logging with context-aware, domain-filtered debug output.
//
// Loggers are cheap handles onto a shared zap core, so output can be redirected
// (SetOutput) after loggers have been created.
package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger writes printf-style messages tagged with a component name.
type Logger struct {
	component string
}

// Level names accepted by SetLevel.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

type componentKey struct{}

//nolint:gochecknoglobals // shared logging backend
var (
	mu      sync.RWMutex
	base    *zap.Logger
	level   = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	domains map[string]bool // nil = all domains
)

func init() { //nolint:gochecknoinits // env-driven debug configuration
	base = zap.New(newCore(zapcore.Lock(os.Stderr)))
	initDebugFromEnv()
}

func newCore(ws zapcore.WriteSyncer) zapcore.Core {
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	encCfg.EncodeCaller = nil
	encCfg.CallerKey = ""
	encCfg.StacktraceKey = ""
	return zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), ws, level)
}

// initDebugFromEnv reads DEBUG and DEBUG_DOMAINS.
//
//	DEBUG=1                             # debug for all domains
//	DEBUG=1 DEBUG_DOMAINS=replay,rollout  # only these domains
func initDebugFromEnv() {
	debug := os.Getenv("DEBUG")
	SetDebug(debug == "1" || strings.EqualFold(debug, "true"))

	if list := os.Getenv("DEBUG_DOMAINS"); list != "" {
		SetDebugDomains(strings.Split(list, ","))
	} else {
		SetDebugDomains(nil)
	}
}

// SetOutput redirects all loggers to w. Used by tests and the CLI.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	base = zap.New(newCore(zapcore.AddSync(w)))
}

// SetDebug toggles debug-level output.
func SetDebug(enabled bool) {
	if enabled {
		level.SetLevel(zapcore.DebugLevel)
		return
	}
	level.SetLevel(zapcore.InfoLevel)
}

// SetLevel sets the minimum level by name. Unknown names are ignored.
func SetLevel(l Level) {
	switch l {
	case LevelDebug:
		level.SetLevel(zapcore.DebugLevel)
	case LevelInfo:
		level.SetLevel(zapcore.InfoLevel)
	case LevelWarn:
		level.SetLevel(zapcore.WarnLevel)
	case LevelError:
		level.SetLevel(zapcore.ErrorLevel)
	}
}

// SetDebugDomains limits context debug logging to the given domains. Empty enables all.
func SetDebugDomains(list []string) {
	mu.Lock()
	defer mu.Unlock()

	if len(list) == 0 {
		domains = nil
		return
	}
	domains = make(map[string]bool, len(list))
	for _, d := range list {
		domains[strings.TrimSpace(d)] = true
	}
}

// IsDebugEnabled returns whether debug logging is enabled.
func IsDebugEnabled() bool {
	return level.Enabled(zapcore.DebugLevel)
}

// IsDebugEnabledForDomain returns whether debug logging is enabled for a specific domain.
func IsDebugEnabledForDomain(domain string) bool {
	if !IsDebugEnabled() {
		return false
	}
	mu.RLock()
	defer mu.RUnlock()
	if domains == nil {
		return true
	}
	return domains[domain]
}

// NewLogger returns a logger for the named component.
func NewLogger(component string) *Logger {
	return &Logger{component: component}
}

func (l *Logger) sugar() *zap.SugaredLogger {
	mu.RLock()
	b := base
	mu.RUnlock()
	return b.Named(l.component).Sugar()
}

func (l *Logger) Debug(format string, args ...any) {
	l.sugar().Debugf(format, args...)
}

func (l *Logger) Info(format string, args ...any) {
	l.sugar().Infof(format, args...)
}

func (l *Logger) Warn(format string, args ...any) {
	l.sugar().Warnf(format, args...)
}

func (l *Logger) Error(format string, args ...any) {
	l.sugar().Errorf(format, args...)
}

// Component returns the component name.
func (l *Logger) Component() string {
	return l.component
}

// With returns a logger for a sub-component, e.g. "replay.seed".
func (l *Logger) With(sub string) *Logger {
	return &Logger{component: l.component + "." + sub}
}

// WithComponent stores a component name in ctx for Debug.
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey{}, component)
}

// Debug logs a debug message with context and domain filtering.
//
//	logx.Debug(ctx, "replay", "seed %d finished: crl=%.4f", seed, loss)
func Debug(ctx context.Context, domain, format string, args ...any) {
	if !IsDebugEnabledForDomain(domain) {
		return
	}

	component := "unknown"
	if ctx != nil {
		if c, ok := ctx.Value(componentKey{}).(string); ok && c != "" {
			component = c
		}
	}
	NewLogger(component).Debug("[%s] %s", domain, fmt.Sprintf(format, args...))
}

// DebugState logs a state transition for an entity.
func DebugState(ctx context.Context, domain, entity, from, to string) {
	Debug(ctx, domain, "State %s: %s -> %s", entity, from, to)
}

//nolint:gochecknoglobals // convenience logger
var defaultLogger = NewLogger("system")

func Infof(format string, args ...any) {
	defaultLogger.Info(format, args...)
}

func Warnf(format string, args ...any) {
	defaultLogger.Warn(format, args...)
}

// Errorf logs and returns the formatted error.
//
//	err := logx.Errorf("setup failed: %w", err)
func Errorf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	defaultLogger.Error("%s", err.Error())
	return err
}

// Wrap logs msg + ": " + err.Error() and returns fmt.Errorf("%s: %w", msg, err).
//
//	if err != nil { return logx.Wrap(err, "open database") }
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("%s: %w", msg, err)
	defaultLogger.Error("%s", wrapped.Error())
	return wrapped
}

// Sync flushes buffered output.
func Sync() {
	mu.RLock()
	b := base
	mu.RUnlock()
	_ = b.Sync()
}
