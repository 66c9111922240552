package factory

import (
	"fmt"

	"github.com/lychee-technology/hyperform"
	"go.uber.org/zap"
)

// NewLogger builds a production zap logger honoring level and format
// ("json" or "console").
func NewLogger(cfg hyperform.LoggingConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg.Encoding = "console"
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		zcfg.Level = level
		if level.Level() == zap.DebugLevel {
			zcfg.Development = true
		}
	}
	return zcfg.Build()
}
