package log

import (
	"github.com/sirupsen/logrus"
)

// InitLogs returns a logger configured for terminal output. The level can be
// adjusted later via SetLevel once the configuration is parsed.
func InitLogs() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	return logger
}

// SetLevel parses level and applies it to logger. Unknown levels fall back to
// info.
func SetLevel(logger *logrus.Logger, level string) {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}

	logger.SetLevel(parsed)
}
