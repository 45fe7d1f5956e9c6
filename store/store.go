// Package store is the public face of a table: an ordered in-memory map of
// documents whose every mutation is recorded in the table's segmented log.
//
// Writes are applied to memory at once and logged by the table's log actor.
// Insert and Remove are best-effort: they return once the record is queued,
// and a later log failure puts the store in a degraded state (see Err).
// InsertDurable and RemoveDurable wait for the record to reach the active
// segment and return its error.
//
// A store is opened with an empty table; call Restore once before serving to
// rebuild it from the log.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/INLOpen/nexuskv/codec"
	"github.com/INLOpen/nexuskv/compressors"
	"github.com/INLOpen/nexuskv/core"
	"github.com/INLOpen/nexuskv/hooks"
	"github.com/INLOpen/nexuskv/memtable"
	"github.com/INLOpen/nexuskv/wal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrAlreadyRestored is returned by a second call to Restore.
var ErrAlreadyRestored = errors.New("store already restored")

// Store is a table of documents of type D keyed by string.
type Store[D any] struct {
	opts    Options
	logger  *slog.Logger
	tracer  trace.Tracer
	hooks   hooks.HookManager
	records *codec.RecordCodec[D]
	actor   *wal.Actor
	table   *memtable.Table[D]
	metrics *metrics

	// writeMu is held from enqueueing a record until its table mutation is
	// done, so the table applies mutations in log order.
	writeMu sync.Mutex

	errMu    sync.Mutex
	firstErr error
	degraded atomic.Bool

	restored  atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Stats is a point-in-time view of a store.
type Stats struct {
	ActiveSegment   uint64
	Fill            uint64
	Capacity        uint64
	Keys            int
	RecordsWritten  int64
	BytesWritten    int64
	Rollovers       int64
	DroppedWrites   int64
	WriteLatencyP50 time.Duration
	WriteLatencyP99 time.Duration
}

// Open opens the table described by opts with the document codec named by
// opts.DocumentCodec.
func Open[D any](ctx context.Context, opts Options) (*Store[D], error) {
	docs, ok := codec.ByName[D](opts.DocumentCodec)
	if !ok {
		return nil, &core.UnsupportedTypeError{Message: fmt.Sprintf("document codec %q", opts.DocumentCodec)}
	}
	return OpenWithCodec(ctx, opts, docs)
}

// OpenTable opens rootPath/tableName with default options.
func OpenTable[D any](ctx context.Context, rootPath, tableName string, capacity uint64) (*Store[D], error) {
	return Open[D](ctx, Options{RootPath: rootPath, TableName: tableName, SegmentCapacity: capacity})
}

// OpenWithCodec opens the table described by opts using docs to encode documents.
func OpenWithCodec[D any](ctx context.Context, opts Options, docs codec.DocumentCodec[D]) (*Store[D], error) {
	opts = opts.withDefaults()
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.TracerProvider == nil {
		opts.TracerProvider = otel.GetTracerProvider()
	}
	if opts.HookManager == nil {
		opts.HookManager = hooks.NewHookManager(opts.Logger)
	}
	if opts.TableName == "" {
		return nil, fmt.Errorf("store: table name must not be empty")
	}

	s := &Store[D]{
		opts:   opts,
		logger: opts.Logger.With("component", "Store", "table", opts.TableName),
		tracer: opts.TracerProvider.Tracer("github.com/INLOpen/nexuskv/store"),
		hooks:  opts.HookManager,
		table:  memtable.New[D](),
	}

	ctx, span := s.tracer.Start(ctx, "Store.Open")
	defer span.End()
	span.SetAttributes(
		attribute.String("store.table", opts.TableName),
		attribute.Int64("store.segment_capacity", int64(opts.SegmentCapacity)),
		attribute.String("store.sync_mode", string(opts.SyncMode)),
	)

	lifecycle := hooks.StoreLifecyclePayload{Table: opts.TableName, Dir: opts.TableDir()}
	if err := s.hooks.Trigger(ctx, hooks.NewPreOpenStoreEvent(lifecycle)); err != nil {
		span.SetStatus(codes.Error, "pre_open_hook_failed")
		return nil, fmt.Errorf("open cancelled by hook: %w", err)
	}

	compressor, err := compressors.ForType(opts.Compression)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	s.records = codec.NewRecordCodec(docs, compressor)

	if s.metrics, err = newMetrics(opts.TableName, opts.MetricsEnabled); err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.actor, err = wal.Start(wal.Options{
		Dir:            opts.TableDir(),
		Capacity:       opts.SegmentCapacity,
		InboxSize:      opts.InboxSize,
		SyncMode:       opts.SyncMode,
		SyncInterval:   opts.SyncInterval,
		Logger:         opts.Logger,
		HookManager:    s.hooks,
		BytesWritten:   s.metrics.BytesWritten,
		RecordsWritten: s.metrics.RecordsWritten,
		Rollovers:      s.metrics.Rollovers,
		OnWriteDone:    s.onWriteDone,
	})
	if err != nil {
		s.metrics.release()
		span.RecordError(err)
		span.SetStatus(codes.Error, "log_open_failed")
		s.logger.Error("Failed to open store", "dir", opts.TableDir(), "error", err)
		return nil, err
	}

	s.logger.Info("Store opened", "dir", opts.TableDir(), "capacity", opts.SegmentCapacity,
		"sync_mode", opts.SyncMode, "compression", opts.Compression.String(), "codec", docs.Name())
	_ = s.hooks.Trigger(ctx, hooks.NewPostOpenStoreEvent(lifecycle))
	return s, nil
}

// Insert stores doc under key and returns the document it replaced. The log
// record is written in the background; ctx only bounds the wait for room in
// the log's queue.
func (s *Store[D]) Insert(ctx context.Context, key string, doc D) (prev D, existed bool, err error) {
	payload, err := s.prepareInsert(ctx, key, doc)
	if err != nil {
		return prev, false, err
	}

	s.writeMu.Lock()
	if err := s.actor.Submit(ctx, payload); err != nil {
		s.writeMu.Unlock()
		return prev, false, err
	}
	prev, existed = s.table.Put(key, doc)
	s.writeMu.Unlock()

	_ = s.hooks.Trigger(ctx, hooks.NewPostInsertEvent(hooks.PostInsertPayload{Table: s.opts.TableName, Key: key, Replaced: existed}))
	return prev, existed, nil
}

// InsertDurable is Insert, but waits until the record is in the active
// segment (and synced, in SyncAlways mode). On a log error the table still
// holds doc and the store is degraded.
func (s *Store[D]) InsertDurable(ctx context.Context, key string, doc D) (prev D, existed bool, err error) {
	ctx, span := s.tracer.Start(ctx, "Store.InsertDurable")
	defer span.End()

	payload, err := s.prepareInsert(ctx, key, doc)
	if err != nil {
		return prev, false, err
	}

	s.writeMu.Lock()
	reply, err := s.actor.Enqueue(ctx, payload)
	if err != nil {
		s.writeMu.Unlock()
		return prev, false, err
	}
	prev, existed = s.table.Put(key, doc)
	s.writeMu.Unlock()

	err = s.await(ctx, span, reply)
	_ = s.hooks.Trigger(ctx, hooks.NewPostInsertEvent(hooks.PostInsertPayload{Table: s.opts.TableName, Key: key, Replaced: existed, Error: err}))
	return prev, existed, err
}

func (s *Store[D]) prepareInsert(ctx context.Context, key string, doc D) ([]byte, error) {
	if err := s.hooks.Trigger(ctx, hooks.NewPreInsertEvent(hooks.PreInsertPayload{Table: s.opts.TableName, Key: key, Document: doc})); err != nil {
		return nil, err
	}
	payload, err := s.records.Encode(codec.Insert(key, doc))
	if err != nil {
		return nil, fmt.Errorf("encode insert of %q: %w", key, err)
	}
	return payload, nil
}

// Remove deletes key. Removing an absent key is a no-op and writes no record.
func (s *Store[D]) Remove(ctx context.Context, key string) error {
	payload, err := s.prepareRemove(ctx, key)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	if _, ok := s.table.Get(key); !ok {
		s.writeMu.Unlock()
		return nil
	}
	if err := s.actor.Submit(ctx, payload); err != nil {
		s.writeMu.Unlock()
		return err
	}
	s.table.Delete(key)
	s.writeMu.Unlock()

	_ = s.hooks.Trigger(ctx, hooks.NewPostRemoveEvent(hooks.PostRemovePayload{Table: s.opts.TableName, Key: key}))
	return nil
}

// RemoveDurable is Remove, but waits for the record like InsertDurable.
func (s *Store[D]) RemoveDurable(ctx context.Context, key string) error {
	ctx, span := s.tracer.Start(ctx, "Store.RemoveDurable")
	defer span.End()

	payload, err := s.prepareRemove(ctx, key)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	if _, ok := s.table.Get(key); !ok {
		s.writeMu.Unlock()
		return nil
	}
	reply, err := s.actor.Enqueue(ctx, payload)
	if err != nil {
		s.writeMu.Unlock()
		return err
	}
	s.table.Delete(key)
	s.writeMu.Unlock()

	err = s.await(ctx, span, reply)
	_ = s.hooks.Trigger(ctx, hooks.NewPostRemoveEvent(hooks.PostRemovePayload{Table: s.opts.TableName, Key: key, Error: err}))
	return err
}

func (s *Store[D]) prepareRemove(ctx context.Context, key string) ([]byte, error) {
	if err := s.hooks.Trigger(ctx, hooks.NewPreRemoveEvent(hooks.PreRemovePayload{Table: s.opts.TableName, Key: key})); err != nil {
		return nil, err
	}
	payload, err := s.records.Encode(codec.Remove[D](key))
	if err != nil {
		return nil, fmt.Errorf("encode remove of %q: %w", key, err)
	}
	return payload, nil
}

// await waits for an acknowledged write. The job is applied even when ctx
// ends first; its failure is then only visible through Err.
func (s *Store[D]) await(ctx context.Context, span trace.Span, reply <-chan error) error {
	select {
	case err := <-reply:
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "log_write_failed")
		}
		return err
	case <-ctx.Done():
		span.SetStatus(codes.Error, "wait_cancelled")
		return ctx.Err()
	}
}

// onWriteDone runs on the actor goroutine after every write job.
func (s *Store[D]) onWriteDone(r wal.WriteResult) {
	s.metrics.observeLatency(r.Latency)
	if r.Err == nil {
		return
	}
	s.metrics.DroppedWrites.Add(1)
	s.markDegraded(r.Err)

	attrs := []any{"bytes", len(r.Payload), "acknowledged", r.Acknowledged, "error", r.Err}
	if rec, err := s.records.Decode(r.Payload); err == nil {
		attrs = append(attrs, "op", rec.Kind.String(), "key", rec.Key)
	}
	s.logger.Error("Log write failed; in-memory change is not durable", attrs...)

	_ = s.hooks.Trigger(context.Background(), hooks.NewPostWriteDroppedEvent(hooks.PostWriteDroppedPayload{
		Table: s.opts.TableName,
		Bytes: len(r.Payload),
		Error: r.Err,
	}))
}

func (s *Store[D]) markDegraded(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.degraded.Store(true)
}

// Err returns the first log write failure, or nil while the log has accepted
// every record.
func (s *Store[D]) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.firstErr
}

// Degraded reports whether any log write has failed.
func (s *Store[D]) Degraded() bool { return s.degraded.Load() }

// Get returns the document stored under key.
func (s *Store[D]) Get(key string) (D, bool) { return s.table.Get(key) }

// Len returns the number of keys.
func (s *Store[D]) Len() int { return s.table.Len() }

// Range calls fn for every key in ascending order until fn returns false.
// fn must not modify the store.
func (s *Store[D]) Range(fn func(key string, doc D) bool) { s.table.Range(fn) }

// Scan returns an iterator over the keys in [opts.Start, opts.End). The
// iterator holds the table's read lock, which blocks writers until Close.
func (s *Store[D]) Scan(opts memtable.IteratorOptions) *memtable.Iterator[D] {
	return s.table.NewIterator(opts)
}

// Keys returns all keys in ascending order.
func (s *Store[D]) Keys() []string { return s.table.Keys() }

// Dir returns the table directory.
func (s *Store[D]) Dir() string { return s.opts.TableDir() }

// Capacity returns the segment capacity after clamping.
func (s *Store[D]) Capacity() uint64 { return s.opts.SegmentCapacity }

// Sync forces the active segment to stable storage.
func (s *Store[D]) Sync(ctx context.Context) error {
	return s.actor.Sync(ctx)
}

// Stats returns counters and the current log position.
func (s *Store[D]) Stats(ctx context.Context) (Stats, error) {
	st, err := s.actor.State(ctx)
	if err != nil {
		return Stats{}, err
	}
	p50, p99 := s.metrics.latencyQuantiles()
	return Stats{
		ActiveSegment:   st.ActiveIndex,
		Fill:            st.Fill,
		Capacity:        st.Capacity,
		Keys:            s.table.Len(),
		RecordsWritten:  s.metrics.RecordsWritten.Value(),
		BytesWritten:    s.metrics.BytesWritten.Value(),
		Rollovers:       s.metrics.Rollovers.Value(),
		DroppedWrites:   s.metrics.DroppedWrites.Value(),
		WriteLatencyP50: p50,
		WriteLatencyP99: p99,
	}, nil
}

// Close writes every queued record, closes the log and waits for
// asynchronous hook listeners. It is safe to call more than once.
func (s *Store[D]) Close() error {
	s.closeOnce.Do(func() {
		ctx := context.Background()
		lifecycle := hooks.StoreLifecyclePayload{Table: s.opts.TableName, Dir: s.opts.TableDir()}
		if err := s.hooks.Trigger(ctx, hooks.NewPreCloseStoreEvent(lifecycle)); err != nil {
			s.logger.Warn("PreCloseStore hook failed; closing anyway", "error", err)
		}
		s.closeErr = s.actor.Close()
		if s.closeErr != nil {
			s.logger.Error("Error closing log", "error", s.closeErr)
		} else {
			s.logger.Info("Store closed", "keys", s.table.Len())
		}
		_ = s.hooks.Trigger(ctx, hooks.NewPostCloseStoreEvent(lifecycle))
		s.hooks.Stop()
		s.metrics.release()
	})
	return s.closeErr
}
