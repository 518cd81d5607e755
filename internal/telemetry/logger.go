package telemetry

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"fieldline/internal/config"
)

// NewLogger builds the process logger. FIELDLINE_LOG_LEVEL overrides the configured level.
func NewLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if strings.EqualFold(cfg.Format, "console") {
		zc = zap.NewDevelopmentConfig()
	}
	level := cfg.Level
	if env := os.Getenv("FIELDLINE_LOG_LEVEL"); env != "" {
		level = env
	}
	if level != "" {
		lvl, err := zap.ParseAtomicLevel(level)
		if err != nil {
			return nil, fmt.Errorf("logging level: %w", err)
		}
		zc.Level = lvl
	}
	zc.OutputPaths = []string{"stderr"}
	return zc.Build()
}
