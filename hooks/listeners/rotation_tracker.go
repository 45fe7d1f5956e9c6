package listeners

import (
	"context"
	"expvar"
	"io"
	"log/slog"
	"sync"

	"github.com/INLOpen/nexuskv/hooks"
)

var (
	// Registered once so NewRotationTracker can be called per store.
	rotationMetricsOnce sync.Once
	rotationsTotal      *expvar.Int
	activeSegmentIndex  *expvar.Int
)

func initRotationMetrics() {
	rotationMetricsOnce.Do(func() {
		rotationsTotal = expvar.NewInt("nexuskv_wal_rotations_observed_total")
		activeSegmentIndex = expvar.NewInt("nexuskv_wal_active_segment_index")
	})
}

// RotationTracker records segment rollovers in expvar and the log.
type RotationTracker struct {
	logger *slog.Logger

	rotationsTotal     *expvar.Int
	activeSegmentIndex *expvar.Int
}

// NewRotationTracker creates a new listener for PostWALRotate events.
func NewRotationTracker(logger *slog.Logger) *RotationTracker {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	initRotationMetrics()
	return &RotationTracker{
		logger:             logger.With("component", "RotationTracker"),
		rotationsTotal:     rotationsTotal,
		activeSegmentIndex: activeSegmentIndex,
	}
}

// OnEvent is called when a PostWALRotate event is triggered.
func (l *RotationTracker) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	payload, ok := event.Payload().(hooks.PostWALRotatePayload)
	if !ok {
		return nil
	}

	l.rotationsTotal.Add(1)
	l.activeSegmentIndex.Set(int64(payload.NewSegmentIndex))

	l.logger.Info("Segment rotation observed",
		"old_segment", payload.OldSegmentIndex,
		"new_segment", payload.NewSegmentIndex,
		"path", payload.NewSegmentPath,
	)
	return nil
}

// Priority defines the execution order. Lower numbers run first.
func (l *RotationTracker) Priority() int {
	return 100
}

// IsAsync indicates this listener can run in the background.
func (l *RotationTracker) IsAsync() bool {
	return true
}
