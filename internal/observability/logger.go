package observability

import (
	"github.com/danmuck/streampush/internal/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger installs cfg (with env overrides) as the runtime logger and
// tags every line with app.
func InitLogger(app string, cfg logging.Config, verbose bool) zerolog.Logger {
	cfg = logging.WithEnv(cfg)
	if verbose && cfg.Level > zerolog.DebugLevel {
		cfg.Level = zerolog.DebugLevel
	}
	logging.Apply(cfg)
	logger := log.With().Str("app", app).Logger()
	log.Logger = logger
	return logger
}
