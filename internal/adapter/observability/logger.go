package observability

import (
	"log/slog"
	"os"

	"github.com/fairyhunter13/ai-chat-bot/internal/config"
)

// SetupLogger configures the JSON slog logger every component logs through.
// Dev runs at debug level and includes source positions; prod stays at info.
func SetupLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if cfg.IsDev() {
		opts.Level = slog.LevelDebug
		opts.AddSource = true
	}
	h := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
		// Startup value only; runtime switches are logged where they happen.
		slog.String("configured_provider", cfg.AIProvider),
	)
}
