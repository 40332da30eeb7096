package basp

import (
	"log/slog"
	"os"
)

// InitLogger installs a JSON structured logger at the given level as the
// process default. Call once at startup.
func InitLogger(level slog.Level) {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}
