// Package utils provides helpers shared by nexactl commands.
package utils

import (
	"os"

	"github.com/concave-dev/nexa/cmd/nexactl/config"
	"github.com/concave-dev/nexa/internal/logging"
)

// RestyLogger routes resty's own logging through the nexa logger.
type RestyLogger struct{}

func (RestyLogger) Errorf(format string, v ...any) { logging.Error(format, v...) }
func (RestyLogger) Warnf(format string, v ...any)  { logging.Warn(format, v...) }
func (RestyLogger) Debugf(format string, v ...any) { logging.Debug(format, v...) }

// SetupLogging shows debug output when DEBUG=true and otherwise keeps the
// terminal to command output and errors.
func SetupLogging() {
	if os.Getenv("DEBUG") == "true" {
		logging.RestoreOutput()
		logging.SetLevel("DEBUG")
		return
	}
	logging.SetLevel(config.Global.LogLevel)
	if !config.Global.Verbose {
		logging.SuppressOutput()
	}
}
