package wal

import (
	"context"
	"expvar"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/INLOpen/nexuskv/core"
	"github.com/INLOpen/nexuskv/hooks"
	"github.com/INLOpen/nexuskv/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestActor(t *testing.T, opts Options) *Actor {
	t.Helper()
	if opts.Dir == "" {
		opts.Dir = t.TempDir()
	}
	if opts.Capacity == 0 {
		opts.Capacity = 200
	}
	if opts.SyncMode == "" {
		opts.SyncMode = SyncDisabled
	}
	opts.Logger = testutil.DiscardLogger()
	a, err := Start(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func readAll(t *testing.T, sr *SegmentReader) []string {
	t.Helper()
	defer sr.Close()
	var out []string
	for {
		data, err := sr.ReadRecord()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, string(data))
	}
}

func TestActor_WriteThenRead(t *testing.T) {
	a := startTestActor(t, Options{})
	ctx := context.Background()

	require.NoError(t, a.Write(ctx, []byte("one")))
	require.NoError(t, a.Write(ctx, []byte("two")))

	sr, err := a.GetSegment(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, readAll(t, sr))

	_, err = a.GetSegment(ctx, 2)
	assert.True(t, core.IsSegmentNotFound(err))
}

func TestActor_SubmitOrderedBeforeRead(t *testing.T) {
	a := startTestActor(t, Options{InboxSize: 4})
	ctx := context.Background()

	var want []string
	for i := 0; i < 450; i++ {
		payload := fmt.Sprintf("r%03d", i)
		want = append(want, payload)
		require.NoError(t, a.Submit(ctx, []byte(payload)))
	}

	// GetSegment queues behind the submits, so every record is visible.
	var got []string
	for index := uint64(1); ; index++ {
		sr, err := a.GetSegment(ctx, index)
		if core.IsSegmentNotFound(err) {
			break
		}
		require.NoError(t, err)
		got = append(got, readAll(t, sr)...)
	}
	assert.Equal(t, want, got)

	st, err := a.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), st.ActiveIndex)
	assert.Equal(t, uint64(50), st.Fill)
}

func TestActor_CloseDrainsInbox(t *testing.T) {
	dir := t.TempDir()
	a, err := Start(Options{Dir: dir, Capacity: 200, InboxSize: 64, SyncMode: SyncDisabled, Logger: testutil.DiscardLogger()})
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		require.NoError(t, a.Submit(context.Background(), []byte("queued")))
	}
	require.NoError(t, a.Close())

	res, err := ScanSegment(core.SegmentPath(dir, 200, 1))
	require.NoError(t, err)
	assert.Equal(t, uint64(50), res.Records)
}

func TestActor_Closed(t *testing.T) {
	a := startTestActor(t, Options{})
	require.NoError(t, a.Close())
	require.NoError(t, a.Close(), "second Close is a no-op")

	ctx := context.Background()
	assert.ErrorIs(t, a.Write(ctx, []byte("x")), core.ErrClosed)
	assert.ErrorIs(t, a.Submit(ctx, []byte("x")), core.ErrClosed)
	assert.ErrorIs(t, a.Sync(ctx), core.ErrClosed)
	_, err := a.GetSegment(ctx, 1)
	assert.ErrorIs(t, err, core.ErrClosed)
	_, err = a.State(ctx)
	assert.ErrorIs(t, err, core.ErrClosed)
}

func TestActor_BestEffortFailureReported(t *testing.T) {
	results := make(chan WriteResult, 4)
	a := startTestActor(t, Options{OnWriteDone: func(r WriteResult) { results <- r }})
	ctx := context.Background()

	require.NoError(t, a.Submit(ctx, []byte("ok")))
	r := <-results
	assert.NoError(t, r.Err)
	assert.False(t, r.Acknowledged)

	// State is a barrier: the actor is idle once it returns.
	_, err := a.State(ctx)
	require.NoError(t, err)
	require.NoError(t, a.lc.active.file.Close())

	require.NoError(t, a.Submit(ctx, []byte("dropped")), "enqueueing still succeeds")
	r = <-results
	assert.Error(t, r.Err)
	assert.Equal(t, []byte("dropped"), r.Payload)

	// An acknowledged write sees the same failure directly.
	assert.Error(t, a.Write(ctx, []byte("also dropped")))
	r = <-results
	assert.True(t, r.Acknowledged)
}

func TestActor_Backpressure(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	a := startTestActor(t, Options{
		InboxSize: 1,
		OnWriteDone: func(WriteResult) {
			select {
			case started <- struct{}{}:
			default:
			}
			<-release
		},
	})

	require.NoError(t, a.Submit(context.Background(), []byte("blocks the actor")))
	<-started
	require.NoError(t, a.Submit(context.Background(), []byte("fills the inbox")))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := a.Write(ctx, []byte("waits"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, a.Sync(context.Background()))

	sr, err := a.GetSegment(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"blocks the actor", "fills the inbox"}, readAll(t, sr))
}

func TestActor_GetSegmentCancelled(t *testing.T) {
	a := startTestActor(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.GetSegment(ctx, 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestActor_SyncModes(t *testing.T) {
	for _, mode := range []SyncMode{SyncAlways, SyncInterval, SyncDisabled} {
		t.Run(string(mode), func(t *testing.T) {
			a := startTestActor(t, Options{SyncMode: mode, SyncInterval: 5 * time.Millisecond})
			ctx := context.Background()
			for i := 0; i < 10; i++ {
				require.NoError(t, a.Write(ctx, []byte("x")))
			}
			if mode == SyncInterval {
				time.Sleep(20 * time.Millisecond)
			}
			require.NoError(t, a.Sync(ctx))
			st, err := a.State(ctx)
			require.NoError(t, err)
			assert.Equal(t, mode, st.SyncMode)
			assert.Equal(t, uint64(10), st.Fill)
		})
	}
}

type rotateRecorder struct {
	mu       sync.Mutex
	payloads []hooks.PostWALRotatePayload
}

func (r *rotateRecorder) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	if p, ok := event.Payload().(hooks.PostWALRotatePayload); ok {
		r.mu.Lock()
		r.payloads = append(r.payloads, p)
		r.mu.Unlock()
	}
	return nil
}
func (r *rotateRecorder) Priority() int { return 1 }
func (r *rotateRecorder) IsAsync() bool { return false }

func TestActor_RotateHookAndMetrics(t *testing.T) {
	hm := hooks.NewHookManager(nil)
	rec := &rotateRecorder{}
	hm.Register(hooks.EventPostWALRotate, rec)

	bytesWritten, records, rollovers := new(expvar.Int), new(expvar.Int), new(expvar.Int)
	a := startTestActor(t, Options{
		HookManager:    hm,
		BytesWritten:   bytesWritten,
		RecordsWritten: records,
		Rollovers:      rollovers,
	})
	ctx := context.Background()
	for i := 0; i < 200; i++ {
		require.NoError(t, a.Write(ctx, []byte("abcd")))
	}
	hm.Stop()

	rec.mu.Lock()
	require.Len(t, rec.payloads, 1)
	p := rec.payloads[0]
	rec.mu.Unlock()
	assert.Equal(t, uint64(1), p.OldSegmentIndex)
	assert.Equal(t, uint64(2), p.NewSegmentIndex)
	assert.Equal(t, core.SegmentPath(a.Dir(), 200, 2), p.NewSegmentPath)

	assert.Equal(t, int64(200), records.Value())
	assert.Equal(t, int64(200*(4+core.RecordLengthSize+core.ChecksumSize)), bytesWritten.Value())
	assert.Equal(t, int64(1), rollovers.Value())
	assert.Equal(t, uint64(200), a.Capacity())
}

func TestActor_StartFailsOnCapacityMismatch(t *testing.T) {
	dir := t.TempDir()
	a, err := Start(Options{Dir: dir, Capacity: 300, SyncMode: SyncDisabled, Logger: testutil.DiscardLogger()})
	require.NoError(t, err)
	require.NoError(t, a.Write(context.Background(), []byte("x")))
	require.NoError(t, a.Close())

	_, err = Start(Options{Dir: dir, Capacity: 200, Logger: testutil.DiscardLogger()})
	assert.ErrorIs(t, err, core.ErrCapacityMismatch)
}
