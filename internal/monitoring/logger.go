package monitoring

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// LogFormat selects the zerolog output encoder.
type LogFormat string

const (
	LogFormatJSON   LogFormat = "json"
	LogFormatPretty LogFormat = "pretty"
)

// LoggerConfig configures NewLogger.
type LoggerConfig struct {
	Level     string
	Format    LogFormat
	Component string
}

// NewLogger builds a structured logger scoped to a component, the way the
// teacher's monitoring.NewLogger scopes a logger to "service".
func NewLogger(cfg LoggerConfig) zerolog.Logger {
	var output io.Writer = os.Stdout

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	if cfg.Format == LogFormatPretty {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(output).Level(level).With().
		Timestamp().
		Caller().
		Str("component", cfg.Component).
		Logger()
}

// MaskLoginArguments returns a copy of args with userId/password replaced
// by asterisks, for logging only — never mutates the payload sent on the
// wire.
func MaskLoginArguments(args map[string]interface{}) map[string]interface{} {
	if args == nil {
		return nil
	}
	masked := make(map[string]interface{}, len(args))
	for k, v := range args {
		switch k {
		case "userId", "password":
			masked[k] = "*****"
		default:
			masked[k] = v
		}
	}
	return masked
}
