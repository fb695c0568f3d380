package model

import (
	"fmt"
	"sync"
)

// TestLogger is a [Logger] that records every line. It is safe for
// concurrent use, since tunnel workers log from several goroutines.
type TestLogger struct {
	mu     sync.Mutex
	Lines  []string
	errors []string
}

func (tl *TestLogger) append(msg string) {
	defer tl.mu.Unlock()
	tl.mu.Lock()
	tl.Lines = append(tl.Lines, msg)
}

func (tl *TestLogger) Debug(msg string) {
	tl.append(msg)
}
func (tl *TestLogger) Debugf(format string, v ...any) {
	tl.append(fmt.Sprintf(format, v...))
}
func (tl *TestLogger) Info(msg string) {
	tl.append(msg)
}
func (tl *TestLogger) Infof(format string, v ...any) {
	tl.append(fmt.Sprintf(format, v...))
}
func (tl *TestLogger) Warn(msg string) {
	tl.append(msg)
}
func (tl *TestLogger) Warnf(format string, v ...any) {
	tl.append(fmt.Sprintf(format, v...))
}
func (tl *TestLogger) Error(msg string) {
	tl.appendError(msg)
}
func (tl *TestLogger) Errorf(format string, v ...any) {
	tl.appendError(fmt.Sprintf(format, v...))
}

func (tl *TestLogger) appendError(msg string) {
	defer tl.mu.Unlock()
	tl.mu.Lock()
	tl.Lines = append(tl.Lines, msg)
	tl.errors = append(tl.errors, msg)
}

// Errors returns a copy of the lines logged at the error level.
func (tl *TestLogger) Errors() []string {
	defer tl.mu.Unlock()
	tl.mu.Lock()
	return append([]string{}, tl.errors...)
}

// Snapshot returns a copy of the recorded lines.
func (tl *TestLogger) Snapshot() []string {
	defer tl.mu.Unlock()
	tl.mu.Lock()
	return append([]string{}, tl.Lines...)
}

func NewTestLogger() *TestLogger {
	return &TestLogger{
		Lines: make([]string, 0),
	}
}
