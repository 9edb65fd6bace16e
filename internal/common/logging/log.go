package logging

import (
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	FormatText = "text"
	FormatJson = "json"
)

// Config is the logging section of a service configuration.
type Config struct {
	// Log level, e.g. info, debug, warn
	Level string
	// Either text or json
	Format string
}

// Configure sets up the global logrus logger for a long running service.
func Configure(config Config) error {
	level := config.Level
	if level == "" {
		level = "info"
	}
	parsed, err := log.ParseLevel(level)
	if err != nil {
		return errors.Wrapf(err, "invalid log level %q", config.Level)
	}

	switch strings.ToLower(config.Format) {
	case "", FormatText:
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	case FormatJson:
		log.SetFormatter(&log.JSONFormatter{})
	default:
		return errors.Errorf("unknown log format %q. Valid formats are %s and %s", config.Format, FormatText, FormatJson)
	}

	log.SetLevel(parsed)
	log.SetOutput(os.Stdout)
	InstallPrometheusHook()
	return nil
}

// ConfigureCommandLine sets up logging for command line tools, where only the message is of interest.
func ConfigureCommandLine() {
	log.SetFormatter(&CommandLineFormatter{})
	log.SetOutput(os.Stdout)
}

type CommandLineFormatter struct{}

func (f *CommandLineFormatter) Format(entry *log.Entry) ([]byte, error) {
	return []byte(fmt.Sprintf("%s\n", entry.Message)), nil
}
