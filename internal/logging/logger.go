package logging

import (
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
)

// Config Struct that holds logging configuration options.
type Config struct {
	Level        string    // Logging level (e.g., "info", "debug", "error")
	Format       string    // Logging format ("text" or "json")
	ReportCaller bool      // Whether to include the calling method/file in the logs
	Output       io.Writer // Destination of the logs, standard error when nil
}

// Configure sets up the logger according to the provided Config settings.
// Logs go to standard error by default so that standard output only carries the
// command's result, such as a rendered report.
func Configure(c Config) (err error) {
	// Parse and set the log level
	parsedLevel, err := log.ParseLevel(c.Level)
	if err != nil {
		return
	}
	log.SetLevel(parsedLevel)

	switch c.Format {
	case "text":
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp: true,
		})
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		return fmt.Errorf("invalid log format '%s'", c.Format)
	}

	// Enable or disable reporting the caller (file and line number)
	log.SetReportCaller(c.ReportCaller)

	if c.Output == nil {
		c.Output = os.Stderr
	}

	log.SetOutput(c.Output)

	return
}
