package logging

import (
	"github.com/canopy-network/twbx/pkg/utils"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the zap level and encoder. Empty values fall back to LOG_LEVEL / LOG_ENCODING.
type Config struct {
	Level    string
	Encoding string
}

// New builds the process logger from the environment.
func New() (*zap.Logger, error) {
	return NewWithConfig(Config{})
}

func NewWithConfig(c Config) (*zap.Logger, error) {
	if c.Level == "" {
		c.Level = utils.Env("LOG_LEVEL", "info")
	}
	if c.Encoding == "" {
		c.Encoding = utils.Env("LOG_ENCODING", "json")
	}

	cfg := zap.NewProductionConfig()
	cfg.Encoding = c.Encoding
	switch c.Level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		cfg.Development = true
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	cfg.OutputPaths = []string{"stdout"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}
