package playmux

import (
	"log/slog"

	"github.com/playmux/playmux/internal/core"
)

// SetLogger replaces the package logger used by all playmux components.
// Passing nil resets to slog.Default() with the playmux component attribute.
// Safe to call concurrently with running managers.
func SetLogger(l *slog.Logger) {
	core.SetLogger(l)
}
