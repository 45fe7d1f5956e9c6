package wal

import (
	"context"
	"expvar"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/INLOpen/nexuskv/core"
	"github.com/INLOpen/nexuskv/hooks"
)

// WriteResult reports how a write job ended. It is passed to Options.OnWriteDone
// from the actor goroutine.
type WriteResult struct {
	Payload      []byte
	Acknowledged bool
	// Latency runs from enqueue to the end of the append.
	Latency time.Duration
	Err     error
}

// Options configures an Actor.
type Options struct {
	// Dir is the table directory, {root}/{table}.
	Dir          string
	Capacity     uint64
	InboxSize    int
	SyncMode     SyncMode
	SyncInterval time.Duration
	Logger       *slog.Logger
	HookManager  hooks.HookManager

	BytesWritten   *expvar.Int
	RecordsWritten *expvar.Int
	Rollovers      *expvar.Int

	OnWriteDone func(WriteResult)
}

type job interface{ isJob() }

type writeJob struct {
	payload  []byte
	reply    chan error // nil for best-effort writes
	enqueued time.Time
}

type segmentResult struct {
	reader *SegmentReader
	err    error
}

type segmentJob struct {
	index uint64
	reply chan segmentResult
}

type syncJob struct{ reply chan error }

type stateJob struct{ reply chan ContextState }

func (writeJob) isJob()   {}
func (segmentJob) isJob() {}
func (syncJob) isJob()    {}
func (stateJob) isJob()   {}

// Actor is the single writer of a table's log. It owns a LogContext and applies
// jobs from a bounded inbox one at a time, in arrival order. A job is finished,
// including its fsync where the sync mode asks for one, before the next job is
// taken from the inbox.
type Actor struct {
	opts   Options
	logger *slog.Logger
	lc     *LogContext
	inbox  chan job

	// mu guards closed and the send side of inbox. Senders hold it shared
	// while enqueueing; Close takes it exclusively before closing inbox.
	mu     sync.RWMutex
	closed bool

	done     chan struct{}
	closeErr error
}

// Start discovers the active segment and starts the actor goroutine. Discovery
// errors are returned here, so a store that cannot open its log never starts.
func Start(opts Options) (*Actor, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "LogActor_default")
	} else {
		opts.Logger = opts.Logger.With("component", "LogActor")
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = core.DefaultInboxSize
	}
	if opts.SyncMode == "" {
		opts.SyncMode = SyncInterval
	}
	if opts.SyncMode == SyncInterval && opts.SyncInterval <= 0 {
		opts.SyncInterval = time.Second
	}
	opts.Capacity = core.ClampSegmentCapacity(opts.Capacity)

	a := &Actor{
		opts:   opts,
		logger: opts.Logger,
		inbox:  make(chan job, opts.InboxSize),
		done:   make(chan struct{}),
	}
	lc, err := OpenLogContext(ContextOptions{
		Dir:      opts.Dir,
		Capacity: opts.Capacity,
		SyncMode: opts.SyncMode,
		Logger:   opts.Logger,
		OnRotate: a.rotated,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open log in %s: %w", opts.Dir, err)
	}
	a.lc = lc

	go a.run()
	return a, nil
}

func (a *Actor) run() {
	defer close(a.done)

	var tick <-chan time.Time
	if a.opts.SyncMode == SyncInterval {
		ticker := time.NewTicker(a.opts.SyncInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case j, ok := <-a.inbox:
			if !ok {
				a.closeErr = a.lc.Close()
				if a.closeErr != nil {
					a.logger.Error("Error during log close.", "error", a.closeErr)
				} else {
					a.logger.Info("Log closed.")
				}
				return
			}
			a.apply(j)
		case <-tick:
			if err := a.lc.Sync(); err != nil {
				a.logger.Error("Periodic sync failed", "error", err)
			}
		}
	}
}

func (a *Actor) apply(j job) {
	switch j := j.(type) {
	case writeJob:
		err := a.lc.Write(j.payload)
		if err == nil {
			if a.opts.BytesWritten != nil {
				a.opts.BytesWritten.Add(int64(len(j.payload) + core.RecordLengthSize + core.ChecksumSize))
			}
			if a.opts.RecordsWritten != nil {
				a.opts.RecordsWritten.Add(1)
			}
		}
		if a.opts.OnWriteDone != nil {
			a.opts.OnWriteDone(WriteResult{
				Payload:      j.payload,
				Acknowledged: j.reply != nil,
				Latency:      time.Since(j.enqueued),
				Err:          err,
			})
		}
		if j.reply != nil {
			j.reply <- err
		} else if err != nil {
			a.logger.Error("Best-effort log write failed", "bytes", len(j.payload), "error", err)
		}
	case segmentJob:
		sr, err := a.lc.OpenSegment(j.index)
		j.reply <- segmentResult{reader: sr, err: err}
	case syncJob:
		j.reply <- a.lc.Sync()
	case stateJob:
		j.reply <- a.lc.State()
	}
}

func (a *Actor) rotated(info RotateInfo) {
	if a.opts.Rollovers != nil {
		a.opts.Rollovers.Add(1)
	}
	a.logger.Info("Rotated to new segment", "index", info.NewIndex, "path", info.NewPath)
	if a.opts.HookManager != nil {
		payload := hooks.PostWALRotatePayload{
			OldSegmentIndex: info.OldIndex,
			NewSegmentIndex: info.NewIndex,
			NewSegmentPath:  info.NewPath,
		}
		a.opts.HookManager.Trigger(context.Background(), hooks.NewPostWALRotateEvent(payload))
	}
}

// send enqueues j, blocking while the inbox is full.
func (a *Actor) send(ctx context.Context, j job) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return core.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case a.inbox <- j:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Write appends payload and waits until the record is in the active segment.
// If ctx ends after the job was enqueued, the write still happens.
func (a *Actor) Write(ctx context.Context, payload []byte) error {
	reply, err := a.Enqueue(ctx, payload)
	if err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue queues an acknowledged write and returns the channel its result is
// delivered on. A nil error means the job is queued and will be applied.
func (a *Actor) Enqueue(ctx context.Context, payload []byte) (<-chan error, error) {
	reply := make(chan error, 1)
	if err := a.send(ctx, writeJob{payload: payload, reply: reply, enqueued: time.Now()}); err != nil {
		return nil, err
	}
	return reply, nil
}

// Submit enqueues payload without waiting for the append. The returned error
// only covers enqueueing; append failures go to Options.OnWriteDone.
func (a *Actor) Submit(ctx context.Context, payload []byte) error {
	return a.send(ctx, writeJob{payload: payload, enqueued: time.Now()})
}

// GetSegment opens segment index read-only. Jobs ahead of it in the inbox are
// applied first, so the reader sees every record written before the call.
// A missing segment yields an error matching core.ErrSegmentNotFound.
func (a *Actor) GetSegment(ctx context.Context, index uint64) (*SegmentReader, error) {
	reply := make(chan segmentResult, 1)
	if err := a.send(ctx, segmentJob{index: index, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case res := <-reply:
		return res.reader, res.err
	case <-ctx.Done():
		// The actor still sends a reader; close it once it arrives.
		go func() {
			if res := <-reply; res.reader != nil {
				res.reader.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// Sync forces the active segment to stable storage.
func (a *Actor) Sync(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := a.send(ctx, syncJob{reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the log context bookkeeping as seen between two jobs.
func (a *Actor) State(ctx context.Context) (ContextState, error) {
	reply := make(chan ContextState, 1)
	if err := a.send(ctx, stateJob{reply: reply}); err != nil {
		return ContextState{}, err
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return ContextState{}, ctx.Err()
	}
}

// Capacity returns the clamped segment capacity.
func (a *Actor) Capacity() uint64 { return a.opts.Capacity }

// Dir returns the table directory.
func (a *Actor) Dir() string { return a.opts.Dir }

// Close stops accepting jobs, applies the ones already queued, then syncs and
// closes the active segment. It is safe to call more than once.
func (a *Actor) Close() error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.inbox)
	}
	a.mu.Unlock()
	<-a.done
	return a.closeErr
}
