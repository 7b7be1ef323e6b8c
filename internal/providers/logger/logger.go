// Package logger is a Provider that doesn't deliver OTPs anywhere and
// only records them in the application log. The code itself is only
// logged at the debug level.
package logger

import (
	"context"

	"github.com/dawasakhi/authgateway/pkg/models"
	"github.com/zerodha/logf"
)

// Logger is the log-only Provider.
type Logger struct {
	lo logf.Logger
}

// New returns a log-only Provider.
func New(lo logf.Logger) *Logger {
	return &Logger{lo: lo}
}

// ID returns the Provider's ID.
func (l *Logger) ID() string {
	return "logger"
}

// Push logs the message.
func (l *Logger) Push(_ context.Context, m models.Message) error {
	l.lo.Info("otp issued", "phone", m.PhoneNumber, "purpose", m.Purpose)
	l.lo.Debug("otp message", "phone", m.PhoneNumber, "code", m.Code, "body", m.Body)
	return nil
}
