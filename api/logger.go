// File: api/logger.go
// Author: momentics <momentics@gmail.com>
//
// Logging contract used by every component.

package api

import apexlog "github.com/apex/log"

// Logger is the logger we're using. The apex/log package-level
// logger ([apexlog.Log]) implements it.
type Logger interface {
	// Debugf formats and emits a debug message.
	Debugf(format string, v ...any)

	// Debug emits a debug message.
	Debug(message string)

	// Infof formats and emits an informational message.
	Infof(format string, v ...any)

	// Info emits an informational message.
	Info(message string)

	// Warnf formats and emits a warning message.
	Warnf(format string, v ...any)

	// Warn emits a warning message.
	Warn(message string)

	// Errorf formats and emits an error message.
	Errorf(format string, v ...any)

	// Error emits an error message.
	Error(message string)
}

// DefaultLogger returns logger when it is not nil and the apex/log
// package logger otherwise.
func DefaultLogger(logger Logger) Logger {
	if logger != nil {
		return logger
	}
	return apexlog.Log
}
