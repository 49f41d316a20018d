// Package logger defines the printf-style logging interface shared by every component.
package logger

import (
	"fmt"
	"io"
	"sync"
)

// Logger defines the interface for logging throughout the application.
// Different implementations can be used for different contexts (console, silent, structured, etc.)
type Logger interface {
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
	Debug(msg string, args ...interface{})
}

// ConsoleLogger writes "[LEVEL] message" lines. Info and debug go to out, warnings
// and errors to errOut.
type ConsoleLogger struct {
	out    io.Writer
	errOut io.Writer
	debug  bool
	mu     sync.Mutex
}

// NewConsoleLogger returns a console logger. Debug lines are printed only when debug
// is set.
func NewConsoleLogger(out, errOut io.Writer, debug bool) *ConsoleLogger {
	return &ConsoleLogger{out: out, errOut: errOut, debug: debug}
}

func (c *ConsoleLogger) Info(msg string, args ...interface{}) {
	c.write(c.out, "INFO", msg, args)
}

func (c *ConsoleLogger) Warn(msg string, args ...interface{}) {
	c.write(c.errOut, "WARN", msg, args)
}

func (c *ConsoleLogger) Error(msg string, args ...interface{}) {
	c.write(c.errOut, "ERROR", msg, args)
}

func (c *ConsoleLogger) Debug(msg string, args ...interface{}) {
	if !c.debug {
		return
	}
	c.write(c.out, "DEBUG", msg, args)
}

// write keeps lines from concurrent goroutines whole.
func (c *ConsoleLogger) write(w io.Writer, level, msg string, args []interface{}) {
	line := fmt.Sprintf("["+level+"] "+msg+"\n", args...)
	c.mu.Lock()
	defer c.mu.Unlock()
	io.WriteString(w, line)
}

// SilentLogger discards all log messages. Used in tests and by the demo, where
// output would interfere with the dashboard.
type SilentLogger struct{}

func NewSilentLogger() *SilentLogger {
	return &SilentLogger{}
}

func (s *SilentLogger) Info(msg string, args ...interface{})  {}
func (s *SilentLogger) Warn(msg string, args ...interface{})  {}
func (s *SilentLogger) Error(msg string, args ...interface{}) {}
func (s *SilentLogger) Debug(msg string, args ...interface{}) {}
