// Package logging bootstraps the process-wide logrus logger from
// global CLI flags and environment, the ambient-stack counterpart to
// spec.md's silence on observability: cmd/root.go wires -D/--debug and
// -l/--log-level into this package before any subcommand runs.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// EnvLevel is the environment variable consulted when neither
// -l/--log-level nor -D/--debug is passed on the command line.
const EnvLevel = "MINATO_LOG"

// Configure sets the standard logger's level and formatter. debug
// overrides level when true. An empty level falls back to MINATO_LOG,
// then to "info".
func Configure(level string, debug bool) *logrus.Entry {
	logrus.SetOutput(os.Stderr)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	if debug {
		level = "debug"
	}
	if level == "" {
		level = os.Getenv(EnvLevel)
	}
	if level == "" {
		level = "info"
	}

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		logrus.SetLevel(logrus.InfoLevel)
		logrus.WithField("requested", level).Warn("unrecognized log level, defaulting to info")
	} else {
		logrus.SetLevel(parsed)
	}

	return logrus.NewEntry(logrus.StandardLogger())
}
