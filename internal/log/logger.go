// Package log provides a global logger with a configurable logging level.
// Logging is disabled by default; commands enable it for diagnostics.
package log

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Level controls how verbose the logger is. Messages above the configured
// level are discarded.
type Level int

const (
	LevelNone    Level = iota // Disables logging.
	LevelError                // Logs failures the program cannot recover from on its own.
	LevelWarning              // Logs conditions that are unexpected but survivable.
	LevelInfo                 // Logs major events.
	LevelDebug                // Logs HTTP traffic. Payloads can include access tokens.
)

var (
	logMutex    sync.Mutex
	globalLevel Level
	output      io.Writer = os.Stderr
)

var labels = map[Level]string{
	LevelDebug:   "[debug]",
	LevelInfo:    "[info ]",
	LevelWarning: "[warn ]",
	LevelError:   "[error]",
}

// SetLevel changes the global logging level.
func SetLevel(level Level) {
	logMutex.Lock()
	defer logMutex.Unlock()
	globalLevel = level
}

// SetOutput redirects log messages to w. The default is os.Stderr.
func SetOutput(w io.Writer) {
	logMutex.Lock()
	defer logMutex.Unlock()
	output = w
}

func emit(level Level, format string, a ...interface{}) {
	logMutex.Lock()
	defer logMutex.Unlock()
	if level > globalLevel || level == LevelNone {
		return
	}
	msg := fmt.Sprintf("%s %s ", time.Now().Format(time.RFC3339), labels[level])
	msg += fmt.Sprintf(format, a...)
	fmt.Fprintln(output, msg)
}

func Debug(format string, a ...interface{}) {
	emit(LevelDebug, format, a...)
}
func Info(format string, a ...interface{}) {
	emit(LevelInfo, format, a...)
}
func Warning(format string, a ...interface{}) {
	emit(LevelWarning, format, a...)
}
func Error(format string, a ...interface{}) {
	emit(LevelError, format, a...)
}
