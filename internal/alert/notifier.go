// Package alert delivers monitor threshold notifications to operators.
package alert

import (
	"context"
	"log/slog"
)

// Notifier is a delivery target for threshold breach and clear messages.
type Notifier interface {
	// Name returns the unique name of the notifier (e.g., "telegram").
	Name() string

	// Notify delivers one message. Implementations must not block past
	// ctx.
	Notify(ctx context.Context, subject, body string) error
}

// LogNotifier writes notifications to the process log. It is always
// wired so breaches are visible even with no external channel
// configured.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier builds a LogNotifier. A nil logger falls back to
// slog.Default().
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger.With("component", "alert")}
}

func (n *LogNotifier) Name() string {
	return "log"
}

func (n *LogNotifier) Notify(_ context.Context, subject, body string) error {
	n.logger.Warn(subject, "detail", body)
	return nil
}
