package alerting

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier returns a notifier bound to logger.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

// Notify never fails.
func (n *LogNotifier) Notify(_ context.Context, note Notification) error {
	ev := n.logger.Error()
	if note.Kind == KindRecovered {
		ev = n.logger.Info()
	}
	ev.Str("provider", note.Provider).
		Str("kind", string(note.Kind)).
		Str("status", note.Status).
		Int("failures", note.Failures).
		Str("incident", note.IncidentID).
		Str("last_error", note.LastError).
		Msg(note.AdditionalMsg)
	return nil
}

// Multi fans a notification out to every channel. One failing channel does
// not stop the others.
type Multi []Notifier

// Notify delivers to all channels and joins their errors.
func (m Multi) Notify(ctx context.Context, note Notification) error {
	var errs []error
	for i, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, note); err != nil {
			errs = append(errs, fmt.Errorf("channel %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

var (
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = Multi(nil)
)
