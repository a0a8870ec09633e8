package asynqbroker

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/hibiken/asynq"
)

// Logger routes asynq's internal logging to slog.
type Logger struct {
	l *slog.Logger
}

var _ asynq.Logger = (*Logger)(nil)

// NewLogger wraps l.
func NewLogger(l *slog.Logger) *Logger {
	return &Logger{l: l.With("component", "asynq")}
}

func (a *Logger) Debug(args ...interface{}) { a.l.Debug(fmt.Sprint(args...)) }
func (a *Logger) Info(args ...interface{})  { a.l.Info(fmt.Sprint(args...)) }
func (a *Logger) Warn(args ...interface{})  { a.l.Warn(fmt.Sprint(args...)) }
func (a *Logger) Error(args ...interface{}) { a.l.Error(fmt.Sprint(args...)) }

// Fatal logs and exits, as asynq expects.
func (a *Logger) Fatal(args ...interface{}) {
	a.l.Error(fmt.Sprint(args...), "fatal", true)
	os.Exit(1)
}
