package listeners

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/INLOpen/nexuskv/hooks"
)

// DroppedWriteAlerter logs an error for every best-effort log write that
// failed. The in-memory table already holds such a change, so it is lost on
// the next restart.
type DroppedWriteAlerter struct {
	logger *slog.Logger
}

// NewDroppedWriteAlerter creates a new listener for PostWriteDropped events.
func NewDroppedWriteAlerter(logger *slog.Logger) *DroppedWriteAlerter {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DroppedWriteAlerter{
		logger: logger.With("component", "DroppedWriteAlerter"),
	}
}

// OnEvent handles the PostWriteDropped event.
func (l *DroppedWriteAlerter) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	if event.Type() != hooks.EventPostWriteDropped {
		return nil
	}

	payload, ok := event.Payload().(hooks.PostWriteDroppedPayload)
	if !ok {
		l.logger.Error("Received PostWriteDropped event with incorrect payload type", "payload_type", fmt.Sprintf("%T", event.Payload()))
		return nil
	}

	l.logger.Error("Log write dropped; change will not survive a restart",
		"table", payload.Table,
		"bytes", payload.Bytes,
		"error", payload.Error,
	)
	return nil
}

// Priority defines the execution order.
func (l *DroppedWriteAlerter) Priority() int { return 100 }

// IsAsync indicates this listener can run in the background.
func (l *DroppedWriteAlerter) IsAsync() bool { return true }
