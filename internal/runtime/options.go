package runtime

import (
	"log/slog"
	"os"

	"github.com/drksbr/cloudrelay/internal/logger"
	"github.com/drksbr/cloudrelay/internal/version"
)

// Options carries the flags shared by every subcommand.
type Options struct {
	JSONLogs    bool
	LogLevel    string
	Environment string

	logger *logger.Logger
}

func (o *Options) SetupLogger() error {
	format := logger.FormatText
	if o.JSONLogs {
		format = logger.FormatJSON
	}
	l, err := logger.New(logger.Config{
		Format:      format,
		Level:       o.LogLevel,
		Writer:      os.Stdout,
		Environment: o.Environment,
		Version:     version.Version,
	})
	if err != nil {
		return err
	}
	o.logger = l
	return nil
}

// Logger returns the root logger, or nil before SetupLogger ran.
func (o *Options) Logger() *logger.Logger {
	return o.logger
}

// Component is shorthand for Logger().WithComponent.
func (o *Options) Component(name string) *slog.Logger {
	return o.logger.WithComponent(name)
}
