package listeners

import (
	"context"
	"expvar"
	"testing"

	"github.com/INLOpen/nexuskv/hooks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRotationTracker_OnEvent(t *testing.T) {
	// expvars are global; reset them for a clean run.
	initRotationMetrics()
	rotationsTotal.Set(0)
	activeSegmentIndex.Set(0)

	listener := NewRotationTracker(nil)
	require.NotNil(t, listener)
	assert.True(t, listener.IsAsync())

	event := hooks.NewPostWALRotateEvent(hooks.PostWALRotatePayload{
		OldSegmentIndex: 1,
		NewSegmentIndex: 2,
		NewSegmentPath:  "/data/users/segment-400.LOG",
	})
	require.NoError(t, listener.OnEvent(context.Background(), event))

	assert.Equal(t, int64(1), rotationsTotal.Value())
	assert.Equal(t, "2", expvar.Get("nexuskv_wal_active_segment_index").String())

	event = hooks.NewPostWALRotateEvent(hooks.PostWALRotatePayload{OldSegmentIndex: 2, NewSegmentIndex: 3})
	require.NoError(t, listener.OnEvent(context.Background(), event))
	assert.Equal(t, int64(2), rotationsTotal.Value())
	assert.Equal(t, int64(3), activeSegmentIndex.Value())

	// Other payloads are ignored.
	require.NoError(t, listener.OnEvent(context.Background(), hooks.NewPostInsertEvent(hooks.PostInsertPayload{})))
	assert.Equal(t, int64(2), rotationsTotal.Value())

	// A second tracker shares the counters.
	other := NewRotationTracker(nil)
	assert.Same(t, listener.rotationsTotal, other.rotationsTotal)
}
