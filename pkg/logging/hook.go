package logging

import (
	"fmt"

	"go.uber.org/zap"
)

// HookFunc receives every formatted log line
type HookFunc func(level int, msg string)

type hookLogger struct {
	next Logger
	hook HookFunc
}

// WithHook returns a logger that writes to next and also passes each
// formatted line to hook. A nil hook returns next unchanged.
func WithHook(next Logger, hook HookFunc) Logger {
	if hook == nil {
		return next
	}
	return &hookLogger{next: next, hook: hook}
}

func (h *hookLogger) LogLevelf(level int, format string, args ...interface{}) {
	h.next.LogLevelf(level, format, args...)
	h.hook(level, fmt.Sprintf(format, args...))
}

func (h *hookLogger) Debugf(format string, args ...interface{}) {
	h.next.Debugf(format, args...)
	h.hook(LogLevelDebug, fmt.Sprintf(format, args...))
}

func (h *hookLogger) Infof(format string, args ...interface{}) {
	h.next.Infof(format, args...)
	h.hook(LogLevelInfo, fmt.Sprintf(format, args...))
}

func (h *hookLogger) Warnf(format string, args ...interface{}) {
	h.next.Warnf(format, args...)
	h.hook(LogLevelWarn, fmt.Sprintf(format, args...))
}

func (h *hookLogger) Errorf(format string, args ...interface{}) {
	h.next.Errorf(format, args...)
	h.hook(LogLevelError, fmt.Sprintf(format, args...))
}

// NewNopLogger returns a logger that discards everything
func NewNopLogger() Logger {
	return newZapLoggerFrom(zap.NewNop())
}
