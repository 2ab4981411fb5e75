package app

import (
	"strings"

	"github.com/inkboard/inkboard/pkg/logger"
)

// ConfigureLogging initialises the global logger with the provided level and
// format, defaulting to info and json.
func ConfigureLogging(level, format string) error {
	level = strings.TrimSpace(level)
	if level == "" {
		level = "info"
	}
	return logger.InitWithOptions(logger.Options{Level: level, Format: format})
}
