package store

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/INLOpen/nexuskv/codec"
	"github.com/INLOpen/nexuskv/core"
	"github.com/INLOpen/nexuskv/hooks"
	"github.com/INLOpen/nexuskv/hooks/listeners"
	"github.com/INLOpen/nexuskv/internal/testutil"
	"github.com/INLOpen/nexuskv/wal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type testDoc struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func testOptions(t *testing.T, root string) Options {
	t.Helper()
	if root == "" {
		root = t.TempDir()
	}
	return Options{
		RootPath:        root,
		TableName:       "docs",
		SegmentCapacity: 200,
		SyncMode:        wal.SyncDisabled,
		Logger:          testutil.DiscardLogger(),
	}
}

func openTestStore(t *testing.T, opts Options) *Store[testDoc] {
	t.Helper()
	s, err := Open[testDoc](context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// reopen closes s and opens the same table again, restoring it.
func reopen(t *testing.T, s *Store[testDoc], opts Options) (*Store[testDoc], RestoreStats) {
	t.Helper()
	require.NoError(t, s.Close())
	next := openTestStore(t, opts)
	stats, err := next.Restore(context.Background())
	require.NoError(t, err)
	return next, stats
}

func snapshot(s *Store[testDoc]) map[string]testDoc {
	out := make(map[string]testDoc)
	s.Range(func(key string, doc testDoc) bool {
		out[key] = doc
		return true
	})
	return out
}

func TestStore_OpenFresh(t *testing.T) {
	root := t.TempDir()
	s, err := OpenTable[testDoc](context.Background(), root, "fresh", 0)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, filepath.Join(root, "fresh"), s.Dir())
	assert.Equal(t, uint64(core.DefaultSegmentCapacity), s.Capacity())
	testutil.RequireSegmentFiles(t, s.Dir(), core.DefaultSegmentCapacity, 1)

	st, err := s.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.ActiveSegment)
	assert.Equal(t, uint64(0), st.Fill)

	rs, err := s.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rs.Segments)
	assert.Equal(t, 0, rs.Records)
	assert.Equal(t, 0, s.Len())
}

func TestStore_InsertGetRemove(t *testing.T) {
	s := openTestStore(t, testOptions(t, ""))
	ctx := context.Background()

	_, existed, err := s.Insert(ctx, "a", testDoc{Name: "first", Count: 1})
	require.NoError(t, err)
	assert.False(t, existed)

	prev, existed, err := s.Insert(ctx, "a", testDoc{Name: "second", Count: 2})
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, "first", prev.Name)

	doc, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, testDoc{Name: "second", Count: 2}, doc)

	require.NoError(t, s.Remove(ctx, "a"))
	_, ok = s.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len())
}

func TestStore_ReplayEquality(t *testing.T) {
	opts := testOptions(t, "")
	s := openTestStore(t, opts)
	ctx := context.Background()

	for i := 0; i < 450; i++ {
		key := fmt.Sprintf("key-%03d", i%150)
		switch {
		case i%7 == 0:
			require.NoError(t, s.Remove(ctx, key))
		default:
			_, _, err := s.Insert(ctx, key, testDoc{Name: key, Count: i})
			require.NoError(t, err)
		}
	}
	want := snapshot(s)
	require.NoError(t, s.Sync(ctx))
	st, err := s.Stats(ctx)
	require.NoError(t, err)
	written := st.RecordsWritten

	restored, rs := reopen(t, s, opts)
	assert.Equal(t, want, snapshot(restored))
	assert.Equal(t, int(written), rs.Records)
	assert.Equal(t, rs.Records, rs.Inserts+rs.Removes)
	assert.Equal(t, len(want), rs.Keys)
	assert.Equal(t, restored.Keys(), sortedKeys(want))
}

func TestStore_ConcurrentWritersReplayInOrder(t *testing.T) {
	opts := testOptions(t, "")
	s := openTestStore(t, opts)
	ctx := context.Background()

	const writers, opsPerWriter, keySpace = 16, 150, 40
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < opsPerWriter; i++ {
				key := fmt.Sprintf("key-%02d", (w*7+i)%keySpace)
				doc := testDoc{Name: fmt.Sprintf("w%02d", w), Count: i}
				var err error
				switch i % 5 {
				case 0:
					err = s.Remove(ctx, key)
				case 1:
					err = s.RemoveDurable(ctx, key)
				case 2:
					_, _, err = s.InsertDurable(ctx, key, doc)
				default:
					_, _, err = s.Insert(ctx, key, doc)
				}
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	want := snapshot(s)
	require.NoError(t, s.Sync(ctx))
	st, err := s.Stats(ctx)
	require.NoError(t, err)
	require.False(t, s.Degraded())

	restored, rs := reopen(t, s, opts)
	require.Equal(t, want, snapshot(restored))
	assert.Equal(t, int(st.RecordsWritten), rs.Records)
	assert.Greater(t, rs.Segments, 1)
}

func sortedKeys(m map[string]testDoc) []string {
	keys := make([]string, 0, len(m))
	for i := 0; i < 150; i++ {
		key := fmt.Sprintf("key-%03d", i)
		if _, ok := m[key]; ok {
			keys = append(keys, key)
		}
	}
	return keys
}

func TestStore_NoSegmentExceedsCapacity(t *testing.T) {
	opts := testOptions(t, "")
	s := openTestStore(t, opts)
	ctx := context.Background()

	for i := 0; i < 650; i++ {
		_, _, err := s.Insert(ctx, fmt.Sprintf("k%04d", i), testDoc{Count: i})
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	names, err := testutil.ListSegmentFiles(opts.TableDir())
	require.NoError(t, err)
	require.Len(t, names, 4)
	for _, name := range names {
		res, err := wal.ScanSegment(filepath.Join(opts.TableDir(), name))
		require.NoError(t, err)
		assert.False(t, res.Torn())
		assert.LessOrEqual(t, res.Records, uint64(200), name)
	}
}

func TestStore_ClampSequence(t *testing.T) {
	opts := testOptions(t, "")
	opts.SegmentCapacity = 100
	s := openTestStore(t, opts)
	ctx := context.Background()
	require.Equal(t, uint64(core.MinSegmentCapacity), s.Capacity())

	insertN := func(from, n int) {
		for i := from; i < from+n; i++ {
			_, _, err := s.Insert(ctx, fmt.Sprintf("k%04d", i), testDoc{Count: i})
			require.NoError(t, err)
		}
	}
	state := func() (uint64, uint64) {
		st, err := s.Stats(ctx)
		require.NoError(t, err)
		return st.ActiveSegment, st.Fill
	}

	insertN(0, 199)
	idx, fill := state()
	assert.Equal(t, uint64(1), idx)
	assert.Equal(t, uint64(199), fill)

	insertN(199, 1)
	idx, fill = state()
	assert.Equal(t, uint64(2), idx)
	assert.Equal(t, uint64(0), fill)
	testutil.RequireSegmentFiles(t, s.Dir(), 200, 2)

	insertN(200, 1)
	idx, fill = state()
	assert.Equal(t, uint64(2), idx)
	assert.Equal(t, uint64(1), fill)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Rollovers)
	assert.Equal(t, int64(201), st.RecordsWritten)
}

func TestStore_RemoveAbsentWritesNothing(t *testing.T) {
	s := openTestStore(t, testOptions(t, ""))
	ctx := context.Background()

	_, _, err := s.Insert(ctx, "present", testDoc{Name: "x"})
	require.NoError(t, err)
	require.NoError(t, s.Remove(ctx, "missing"))
	require.NoError(t, s.RemoveDurable(ctx, "missing"))
	require.NoError(t, s.Remove(ctx, "present"))
	// A second remove finds nothing and writes nothing either.
	require.NoError(t, s.Remove(ctx, "present"))

	require.NoError(t, s.Sync(ctx))
	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.RecordsWritten)
	assert.Equal(t, uint64(2), st.Fill)
}

func TestStore_LastWriterWinsAcrossRestarts(t *testing.T) {
	opts := testOptions(t, "")
	ctx := context.Background()

	s := openTestStore(t, opts)
	_, _, err := s.Insert(ctx, "k", testDoc{Name: "v1"})
	require.NoError(t, err)

	s, _ = reopen(t, s, opts)
	got, ok := s.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v1", got.Name)
	_, _, err = s.Insert(ctx, "k", testDoc{Name: "v2"})
	require.NoError(t, err)

	s, _ = reopen(t, s, opts)
	got, ok = s.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v2", got.Name)
	require.NoError(t, s.Remove(ctx, "k"))

	s, rs := reopen(t, s, opts)
	_, ok = s.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 3, rs.Records)
	assert.Equal(t, 1, rs.Removes)
}

func TestStore_RestoreStopsAtGap(t *testing.T) {
	opts := testOptions(t, "")
	s := openTestStore(t, opts)
	ctx := context.Background()
	for i := 0; i < 450; i++ {
		_, _, err := s.Insert(ctx, fmt.Sprintf("k%04d", i), testDoc{Count: i})
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())
	require.NoError(t, os.Remove(core.SegmentPath(opts.TableDir(), 200, 2)))

	restored := openTestStore(t, opts)
	rs, err := restored.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rs.Segments)
	assert.Equal(t, 200, rs.Records)
	assert.Equal(t, 200, restored.Len())
	_, ok := restored.Get("k0199")
	assert.True(t, ok)
	_, ok = restored.Get("k0200")
	assert.False(t, ok)
}

func TestStore_RestoreCorruptSegment(t *testing.T) {
	opts := testOptions(t, "")
	s := openTestStore(t, opts)
	ctx := context.Background()
	for i := 0; i < 250; i++ {
		_, _, err := s.Insert(ctx, fmt.Sprintf("k%04d", i), testDoc{Count: i})
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	// Flip a byte inside the first record of the sealed segment.
	path := core.SegmentPath(opts.TableDir(), 200, 1)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[core.FileHeaderSize+core.RecordLengthSize] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o644))

	s = openTestStore(t, opts)
	_, err = s.Restore(ctx)
	require.Error(t, err)
	assert.True(t, core.IsCorruptRecordError(err))
	assert.Equal(t, 0, s.Len())

	_, err = s.Restore(ctx)
	assert.ErrorIs(t, err, ErrAlreadyRestored)
}

func TestStore_DegradedOnLogFailure(t *testing.T) {
	faulty := testutil.InstallFaultyFile(t)
	opts := testOptions(t, "")
	dropped := make(chan hooks.PostWriteDroppedPayload, 4)
	droppedStats := make(chan Stats, 4)
	hm := hooks.NewHookManager(testutil.DiscardLogger())
	var s *Store[testDoc]
	ctx := context.Background()
	// The listener calls back into the store; it must not stall the log actor.
	hm.Register(hooks.EventPostWriteDropped, &recordingListener{onEvent: func(e hooks.HookEvent) {
		st, err := s.Stats(ctx)
		if err == nil {
			droppedStats <- st
		}
		dropped <- e.Payload().(hooks.PostWriteDroppedPayload)
	}})
	opts.HookManager = hm
	s = openTestStore(t, opts)

	for i := 0; i < 199; i++ {
		_, _, err := s.Insert(ctx, fmt.Sprintf("k%04d", i), testDoc{Count: i})
		require.NoError(t, err)
	}
	require.False(t, s.Degraded())

	// The 200th record fills segment 1 and the eager rollover fails.
	injected := errors.New("injected open failure")
	faulty.FailOpen(filepath.Base(core.SegmentPath(opts.TableDir(), 200, 2)), injected)
	_, _, err := s.InsertDurable(ctx, "k0199", testDoc{Count: 199})
	require.ErrorIs(t, err, injected)

	assert.True(t, s.Degraded())
	assert.ErrorIs(t, s.Err(), injected)
	_, ok := s.Get("k0199")
	assert.True(t, ok, "the table keeps the change")
	select {
	case p := <-dropped:
		assert.Equal(t, "docs", p.Table)
		assert.ErrorIs(t, p.Error, injected)
	case <-time.After(5 * time.Second):
		t.Fatal("expected a PostWriteDropped event")
	}
	select {
	case st := <-droppedStats:
		assert.Equal(t, int64(1), st.DroppedWrites)
	default:
		t.Fatal("listener could not read the store stats")
	}

	faulty.Clear()
	_, _, err = s.InsertDurable(ctx, "k0200", testDoc{Count: 200})
	require.NoError(t, err)
	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), st.ActiveSegment)
	assert.Equal(t, uint64(1), st.Fill)
	assert.Equal(t, int64(1), st.DroppedWrites)
	assert.True(t, s.Degraded(), "degraded state is sticky")

	restored, rs := reopen(t, s, opts)
	assert.Equal(t, 201, rs.Records)
	assert.Equal(t, 201, restored.Len())
}

type recordingListener struct {
	onEvent func(hooks.HookEvent)
}

func (l *recordingListener) OnEvent(_ context.Context, e hooks.HookEvent) error {
	l.onEvent(e)
	return nil
}
func (l *recordingListener) Priority() int { return 1 }
func (l *recordingListener) IsAsync() bool { return false }

func TestStore_PreHookCancelsWrite(t *testing.T) {
	opts := testOptions(t, "")
	hm := hooks.NewHookManager(testutil.DiscardLogger())
	listeners.NewKeyPolicyListener(testutil.DiscardLogger(), listeners.KeyPolicy{AllowedPrefixes: []string{"user:"}}).Register(hm)
	opts.HookManager = hm
	s := openTestStore(t, opts)
	ctx := context.Background()

	_, _, err := s.Insert(ctx, "order:1", testDoc{})
	require.ErrorIs(t, err, listeners.ErrKeyRejected)
	_, _, err = s.InsertDurable(ctx, "order:1", testDoc{})
	require.ErrorIs(t, err, listeners.ErrKeyRejected)
	_, _, err = s.Insert(ctx, "user:1", testDoc{Name: "ok"})
	require.NoError(t, err)
	require.ErrorIs(t, s.Remove(ctx, "order:1"), listeners.ErrKeyRejected)

	assert.Equal(t, []string{"user:1"}, s.Keys())
	require.NoError(t, s.Sync(ctx))
	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.RecordsWritten)
}

func TestStore_OpenCancelledByHook(t *testing.T) {
	opts := testOptions(t, "")
	hm := hooks.NewHookManager(testutil.DiscardLogger())
	veto := errors.New("maintenance")
	hm.Register(hooks.EventPreOpenStore, &vetoListener{err: veto})
	opts.HookManager = hm

	_, err := Open[testDoc](context.Background(), opts)
	require.ErrorIs(t, err, veto)
	_, statErr := os.Stat(opts.TableDir())
	assert.True(t, os.IsNotExist(statErr), "nothing is created when the open is vetoed")
}

type vetoListener struct{ err error }

func (l *vetoListener) OnEvent(context.Context, hooks.HookEvent) error { return l.err }
func (l *vetoListener) Priority() int                                  { return 1 }
func (l *vetoListener) IsAsync() bool                                  { return false }

func TestStore_DurableWrites(t *testing.T) {
	opts := testOptions(t, "")
	opts.SyncMode = wal.SyncAlways
	s := openTestStore(t, opts)
	ctx := context.Background()

	_, existed, err := s.InsertDurable(ctx, "a", testDoc{Name: "a"})
	require.NoError(t, err)
	assert.False(t, existed)
	_, existed, err = s.InsertDurable(ctx, "a", testDoc{Name: "a2"})
	require.NoError(t, err)
	assert.True(t, existed)
	require.NoError(t, s.RemoveDurable(ctx, "a"))

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), st.Fill)
	assert.GreaterOrEqual(t, st.WriteLatencyP99, st.WriteLatencyP50)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, _, err = s.InsertDurable(cancelled, "b", testDoc{})
	assert.ErrorIs(t, err, context.Canceled)
	_, ok := s.Get("b")
	assert.False(t, ok, "a write that was never queued leaves the table alone")
}

func TestStore_ProtoDocuments(t *testing.T) {
	opts := testOptions(t, "")
	ctx := context.Background()
	docs := codec.Proto[*wrapperspb.StringValue]{}

	s, err := OpenWithCodec[*wrapperspb.StringValue](ctx, opts, docs)
	require.NoError(t, err)
	_, _, err = s.Insert(ctx, "greeting", wrapperspb.String("hello"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenWithCodec[*wrapperspb.StringValue](ctx, opts, docs)
	require.NoError(t, err)
	defer s.Close()
	_, err = s.Restore(ctx)
	require.NoError(t, err)
	got, ok := s.Get("greeting")
	require.True(t, ok)
	assert.True(t, proto.Equal(wrapperspb.String("hello"), got))
}

func TestStore_CompressionChangeBetweenRuns(t *testing.T) {
	opts := testOptions(t, "")
	ctx := context.Background()
	payload := testDoc{Name: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"}

	opts.Compression = core.CompressionSnappy
	s := openTestStore(t, opts)
	_, _, err := s.Insert(ctx, "snappy", payload)
	require.NoError(t, err)

	opts.Compression = core.CompressionZSTD
	s, _ = reopen(t, s, opts)
	_, _, err = s.Insert(ctx, "zstd", payload)
	require.NoError(t, err)

	opts.Compression = core.CompressionLZ4
	s, _ = reopen(t, s, opts)
	_, _, err = s.Insert(ctx, "lz4", payload)
	require.NoError(t, err)

	opts.Compression = core.CompressionNone
	s, rs := reopen(t, s, opts)
	assert.Equal(t, 3, rs.Records)
	for _, key := range []string{"snappy", "zstd", "lz4"} {
		got, ok := s.Get(key)
		require.True(t, ok, key)
		assert.Equal(t, payload, got, key)
	}
}

func TestStore_CapacityMismatch(t *testing.T) {
	opts := testOptions(t, "")
	opts.SegmentCapacity = 300
	s := openTestStore(t, opts)
	_, _, err := s.Insert(context.Background(), "k", testDoc{})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	opts.SegmentCapacity = 200
	_, err = Open[testDoc](context.Background(), opts)
	assert.ErrorIs(t, err, core.ErrCapacityMismatch)
}

func TestStore_UnknownCodec(t *testing.T) {
	opts := testOptions(t, "")
	opts.DocumentCodec = "xml"
	_, err := Open[testDoc](context.Background(), opts)
	assert.True(t, core.IsUnsupportedError(err))
}

func TestStore_Closed(t *testing.T) {
	s := openTestStore(t, testOptions(t, ""))
	ctx := context.Background()
	_, _, err := s.Insert(ctx, "k", testDoc{})
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, _, err = s.Insert(ctx, "x", testDoc{})
	assert.ErrorIs(t, err, core.ErrClosed)
	_, _, err = s.InsertDurable(ctx, "x", testDoc{})
	assert.ErrorIs(t, err, core.ErrClosed)
	assert.ErrorIs(t, s.Remove(ctx, "k"), core.ErrClosed)
	assert.ErrorIs(t, s.Sync(ctx), core.ErrClosed)
	_, err = s.Stats(ctx)
	assert.ErrorIs(t, err, core.ErrClosed)

	// Reads still see the table.
	_, ok := s.Get("k")
	assert.True(t, ok)
	_, ok = s.Get("x")
	assert.False(t, ok)
}

func TestStore_PublishedMetrics(t *testing.T) {
	opts := testOptions(t, "")
	opts.TableName = "metrics_table"
	opts.MetricsEnabled = true
	s := openTestStore(t, opts)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _, err := s.Insert(ctx, fmt.Sprintf("k%d", i), testDoc{})
		require.NoError(t, err)
	}
	require.NoError(t, s.Sync(ctx))

	v, ok := expvar.Get("nexuskv_metrics_table_records_written_total").(*expvar.Int)
	require.True(t, ok)
	assert.Equal(t, int64(3), v.Value())
	assert.NotNil(t, expvar.Get("nexuskv_metrics_table_write_latency_us"))

	t.Run("second open store of the same table name", func(t *testing.T) {
		other := testOptions(t, "")
		other.TableName = opts.TableName
		other.MetricsEnabled = true
		_, err := Open[testDoc](ctx, other)
		require.ErrorIs(t, err, ErrMetricsInUse)
		assert.Equal(t, int64(3), v.Value(), "the open store's counters are untouched")
	})

	t.Run("names are reused after close", func(t *testing.T) {
		require.NoError(t, s.Close())
		next := openTestStore(t, opts)
		assert.Equal(t, int64(0), v.Value())
		_, _, err := next.Insert(ctx, "k", testDoc{})
		require.NoError(t, err)
		require.NoError(t, next.Sync(ctx))
		assert.Equal(t, int64(1), v.Value())
	})
}
