// Package logging provides the colorful, level-aware logger used by every Nexa
// component: the connection server, the cluster manager, the registry sweep and
// the operator CLI all log through the same package-level functions so output
// stays uniform regardless of which subsystem produced it.
//
// OUTPUT ROUTING:
//   - INFO and SUCCESS go to stdout, WARN/ERROR/DEBUG go to stderr
//   - SetOutput sends every level to a single writer (files, buffers in tests)
//   - SetFileOutput writes to a size-rotated log file via lumberjack
//
// Library logs from raft and serf are re-emitted through the same styles by
// the writers in writers.go.
package logging

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu sync.RWMutex

	// INFO/SUCCESS sink
	stdoutLogger = newLogger(os.Stdout)

	// WARN/ERROR/DEBUG sink
	stderrLogger = newLogger(os.Stderr)

	// successOutput is where SUCCESS lines go; tracks stdoutLogger's writer
	successOutput io.Writer = os.Stdout

	cliConfigured bool
)

// newLogger builds a charmbracelet logger with the shared timestamp format and
// level colors applied.
func newLogger(w io.Writer) *log.Logger {
	l := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
	})
	l.SetStyles(levelStyles())
	return l
}

// levelStyles returns the per-level colors. Chosen to stay readable on both
// light and dark terminals.
func levelStyles() *log.Styles {
	styles := log.DefaultStyles()

	styles.Levels[log.DebugLevel] = lipgloss.NewStyle().
		SetString("DEBUG").
		Foreground(lipgloss.Color("#7F6DFF"))

	styles.Levels[log.InfoLevel] = lipgloss.NewStyle().
		SetString("INFO").
		Foreground(lipgloss.Color("#42E7FF"))

	styles.Levels[log.WarnLevel] = lipgloss.NewStyle().
		SetString("WARN").
		Foreground(lipgloss.Color("#FFE763"))

	styles.Levels[log.ErrorLevel] = lipgloss.NewStyle().
		SetString("ERROR").
		Foreground(lipgloss.Color("#FF4473"))

	return styles
}

func loggers() (*log.Logger, *log.Logger) {
	mu.RLock()
	defer mu.RUnlock()
	return stdoutLogger, stderrLogger
}

// Info logs routine operational messages.
func Info(format string, v ...any) {
	out, _ := loggers()
	out.Info(fmt.Sprintf(format, v...))
}

// Warn logs conditions that need attention but do not stop the component.
func Warn(format string, v ...any) {
	_, errOut := loggers()
	errOut.Warn(fmt.Sprintf(format, v...))
}

// Error logs failures.
func Error(format string, v ...any) {
	_, errOut := loggers()
	errOut.Error(fmt.Sprintf(format, v...))
}

// Debug logs detail that is only useful while troubleshooting.
func Debug(format string, v ...any) {
	_, errOut := loggers()
	errOut.Debug(fmt.Sprintf(format, v...))
}

// Success logs a completed operation in green. It is an INFO-level message
// with a different label, so it is filtered exactly like Info.
func Success(format string, v ...any) {
	mu.RLock()
	level := stdoutLogger.GetLevel()
	w := successOutput
	mu.RUnlock()

	if level > log.InfoLevel {
		return
	}

	styles := levelStyles()
	styles.Levels[log.InfoLevel] = lipgloss.NewStyle().
		SetString("SUCCESS").
		Foreground(lipgloss.Color("#60F281"))

	l := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
	})
	l.SetStyles(styles)
	l.Info(fmt.Sprintf(format, v...))
}

// parseLevel maps DEBUG/INFO/WARN/ERROR to charmbracelet levels. Unknown
// strings fall back to INFO.
func parseLevel(level string) log.Level {
	switch level {
	case "DEBUG":
		return log.DebugLevel
	case "WARN":
		return log.WarnLevel
	case "ERROR":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

// SetLevel sets the minimum level for both sinks.
func SetLevel(level string) {
	l := parseLevel(level)

	mu.Lock()
	defer mu.Unlock()
	stdoutLogger.SetLevel(l)
	stderrLogger.SetLevel(l)
}

// IsDebug reports whether DEBUG output is enabled.
func IsDebug() bool {
	_, errOut := loggers()
	return errOut.GetLevel() <= log.DebugLevel
}

// SetOutput sends every level to w, keeping the current level. A nil writer
// silences all output.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()

	level := stdoutLogger.GetLevel()
	if w == nil {
		w = io.Discard
	}

	stdoutLogger = newLogger(w)
	stderrLogger = newLogger(w)
	stdoutLogger.SetLevel(level)
	stderrLogger.SetLevel(level)
	successOutput = w
}

// SetFileOutput routes all logs to a rotating file. maxSizeMB and maxBackups
// of zero use lumberjack's defaults (100MB, keep all).
func SetFileOutput(path string, maxSizeMB, maxBackups int) io.Closer {
	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		Compress:   true,
	}
	SetOutput(rotator)
	return rotator
}

// SuppressOutput hides everything below ERROR. Used by nexactl so command
// output is not interleaved with client logs.
func SuppressOutput() {
	mu.Lock()
	defer mu.Unlock()
	stdoutLogger.SetLevel(log.ErrorLevel)
	stderrLogger.SetLevel(log.ErrorLevel)
	cliConfigured = true
}

// RestoreOutput resets both sinks to stdout/stderr at INFO.
func RestoreOutput() {
	mu.Lock()
	defer mu.Unlock()
	stdoutLogger = newLogger(os.Stdout)
	stderrLogger = newLogger(os.Stderr)
	successOutput = os.Stdout
	cliConfigured = true
}

// IsConfiguredByCLI returns true once nexactl has taken control of output.
func IsConfiguredByCLI() bool {
	mu.RLock()
	defer mu.RUnlock()
	return cliConfigured
}

// FormatID shortens ids to 12 characters unless DEBUG is enabled, in which
// case the full id is kept for traceability.
func FormatID(id string) string {
	if IsDebug() || len(id) <= 12 {
		return id
	}
	return id[:12]
}
