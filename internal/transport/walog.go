package transport

import (
	"fmt"
	"log/slog"

	waLog "go.mau.fi/whatsmeow/util/log"
)

// slogAdapter routes whatsmeow's printf-style logging into slog.
type slogAdapter struct {
	l *slog.Logger
}

// NewWALogger wraps l as a whatsmeow logger tagged with module.
func NewWALogger(l *slog.Logger, module string) waLog.Logger {
	if l == nil {
		l = slog.Default()
	}
	return slogAdapter{l: l.With("module", module)}
}

func (a slogAdapter) Errorf(msg string, args ...interface{}) { a.l.Error(fmt.Sprintf(msg, args...)) }
func (a slogAdapter) Warnf(msg string, args ...interface{})  { a.l.Warn(fmt.Sprintf(msg, args...)) }
func (a slogAdapter) Infof(msg string, args ...interface{})  { a.l.Info(fmt.Sprintf(msg, args...)) }
func (a slogAdapter) Debugf(msg string, args ...interface{}) { a.l.Debug(fmt.Sprintf(msg, args...)) }

func (a slogAdapter) Sub(module string) waLog.Logger {
	return slogAdapter{l: a.l.With("submodule", module)}
}
