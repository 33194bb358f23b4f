package logging

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// New builds the process logger. The json format uses zap's production
// config, anything else the development console config.
func New(level, format string) (*zap.Logger, error) {
	if level == "" {
		level = "info"
	}
	zapLevel, err := zapcore.ParseLevel(level)
	if nil != err {
		return nil, errors.Wrap(err, "invalid log level")
	}

	config := zap.NewDevelopmentConfig()
	if format == FormatJSON {
		config = zap.NewProductionConfig()
	}
	config.Level = zap.NewAtomicLevelAt(zapLevel)

	logger, err := config.Build()
	if nil != err {
		return nil, errors.Wrap(err, "unable to initialize logger")
	}
	return logger, nil
}
