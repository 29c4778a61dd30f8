// Package rtlog holds the runtime's shared logger. The scheduler and timer
// loop log lifecycle events (start, shutdown, worker counts) through it;
// transient operation results are never logged.
package rtlog

import (
	"os"
	"sync"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var (
	once   sync.Once
	logger *logrus.Logger
)

// L returns the shared logger, initializing it on first use. Output is
// colorized when stderr is a terminal.
func L() *logrus.Logger {
	once.Do(func() {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
		if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
			logger.SetOutput(colorable.NewColorableStderr())
			logger.SetFormatter(&logrus.TextFormatter{ForceColors: true, FullTimestamp: true})
		} else {
			logger.SetOutput(os.Stderr)
			logger.SetFormatter(&logrus.TextFormatter{DisableColors: true, FullTimestamp: true})
		}
	})
	return logger
}

// SetLevel adjusts the shared logger's verbosity.
func SetLevel(level logrus.Level) { L().SetLevel(level) }
