package logging

import (
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Init configures the package-level logrus logger. Format "text" selects the
// human-readable TextFormatter; anything else logs JSON lines to stderr.
func Init(format string, level log.Level) {
	log.SetOutput(os.Stderr)
	log.SetLevel(level)
	if strings.ToLower(format) == "text" {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
		return
	}
	log.SetFormatter(&log.JSONFormatter{})
}

// ParseLevel converts a string ("debug", "info", "warn", "error") to a
// logrus level. Unknown strings default to InfoLevel.
func ParseLevel(s string) log.Level {
	switch strings.ToLower(s) {
	case "debug":
		return log.DebugLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}
