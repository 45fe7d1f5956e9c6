package wal

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/INLOpen/nexuskv/core"
	"github.com/INLOpen/nexuskv/sys"
)

// SyncMode defines how frequently the active segment is synced to disk.
// Every accepted record is flushed to the OS regardless of the mode.
type SyncMode string

const (
	SyncAlways   SyncMode = "always"   // fsync after every record
	SyncInterval SyncMode = "interval" // fsync on a timer driven by the actor
	SyncDisabled SyncMode = "disabled" // never fsync explicitly (tests, benchmarks)
)

// ParseSyncMode maps a configuration string onto a SyncMode.
func ParseSyncMode(s string) (SyncMode, error) {
	switch SyncMode(s) {
	case SyncAlways, SyncInterval, SyncDisabled:
		return SyncMode(s), nil
	case "":
		return SyncInterval, nil
	default:
		return "", &core.UnsupportedTypeError{Message: fmt.Sprintf("sync mode %q", s)}
	}
}

// RotateInfo describes one rollover.
type RotateInfo struct {
	OldIndex uint64
	NewIndex uint64
	NewPath  string
}

// ContextState is a snapshot of the rollover bookkeeping.
type ContextState struct {
	Dir           string
	Capacity      uint64
	ActiveIndex   uint64
	Fill          uint64
	ActivePath    string
	SyncMode      SyncMode
	RecoveredTail bool
}

// ContextOptions configures a LogContext.
type ContextOptions struct {
	// Dir is the table directory, {root}/{table}.
	Dir      string
	Capacity uint64
	SyncMode SyncMode
	Logger   *slog.Logger
	// OnRotate is called after the active segment changed.
	OnRotate func(RotateInfo)
}

// LogContext owns the active segment and decides where each record goes.
// It is not safe for concurrent use; the Actor is its only user.
type LogContext struct {
	dir      string
	capacity uint64
	syncMode SyncMode
	logger   *slog.Logger
	onRotate func(RotateInfo)

	index  uint64
	fill   uint64
	active *SegmentWriter

	repairedTail bool
}

// OpenLogContext discovers the most advanced segment of the table and opens it
// for appending. A missing directory is a fresh store: it is created and
// segment 1 becomes active. Otherwise indexes 2, 3, ... are checked until one is
// missing, even when segment 1 itself is gone; the last one found is active and
// its records are counted to get the fill. With nothing found segment 1 is
// created.
func OpenLogContext(opts ContextOptions) (*LogContext, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SyncMode == "" {
		opts.SyncMode = SyncInterval
	}
	c := &LogContext{
		dir:      opts.Dir,
		capacity: core.ClampSegmentCapacity(opts.Capacity),
		syncMode: opts.SyncMode,
		logger:   opts.Logger.With("component", "LogContext"),
		onRotate: opts.OnRotate,
	}
	if err := c.openLastSegment(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *LogContext) openLastSegment() error {
	dirExists, err := sys.Exists(c.dir)
	if err != nil {
		return &core.IOError{Op: "stat", Path: c.dir, Err: err}
	}
	if !dirExists {
		if err := sys.MkdirAll(c.dir, 0o755); err != nil {
			return &core.IOError{Op: "create", Path: c.dir, Err: err}
		}
		if err := sys.SyncDir(filepath.Dir(c.dir)); err != nil {
			c.logger.Warn("Failed to sync parent directory", "path", filepath.Dir(c.dir), "error", err)
		}
		return c.activate(1, 0)
	}

	first := c.FindFilename(1)
	firstExists, err := sys.Exists(first)
	if err != nil {
		return &core.IOError{Op: "stat", Path: first, Err: err}
	}
	var last uint64
	if firstExists {
		last = 1
	}
	// Probing starts at 2 whether or not segment 1 is there.
	for next := uint64(2); ; next++ {
		ok, err := sys.Exists(c.FindFilename(next))
		if err != nil {
			return &core.IOError{Op: "stat", Path: c.FindFilename(next), Err: err}
		}
		if !ok {
			break
		}
		last = next
	}
	if last == 0 {
		if err := c.checkForeignSegments(); err != nil {
			return err
		}
		return c.activate(1, 0)
	}

	fill, err := c.countRecords(last)
	if err != nil {
		return err
	}
	return c.activate(last, fill)
}

// countRecords returns the number of intact records in a segment, cutting off
// a torn tail so later appends stay readable.
func (c *LogContext) countRecords(index uint64) (uint64, error) {
	path := c.FindFilename(index)
	info, err := os.Stat(path)
	if err != nil {
		return 0, &core.IOError{Op: "stat", Path: path, Err: err}
	}
	if info.Size() < int64(core.FileHeaderSize) {
		// Created but the header never made it to disk; OpenSegmentForAppend rewrites it.
		c.logger.Warn("Segment has an incomplete header, reinitializing", "index", index, "path", path, "size", info.Size())
		c.repairedTail = true
		return 0, nil
	}
	res, err := ScanSegment(path)
	if err != nil {
		return 0, err
	}
	if res.Torn() {
		c.logger.Warn("Truncating torn tail of active segment",
			"index", index, "path", path, "records", res.Records,
			"valid_size", res.ValidSize, "file_size", res.FileSize, "error", res.TailErr)
		if err := truncateSegment(path, res.ValidSize); err != nil {
			return 0, err
		}
		c.repairedTail = true
	}
	return res.Records, nil
}

// checkForeignSegments fails when the directory holds a segment file that
// cannot belong to this capacity: its name is not a multiple of the capacity
// or its header records another one.
func (c *LogContext) checkForeignSegments() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return &core.IOError{Op: "readdir", Path: c.dir, Err: err}
	}
	var foreign []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		product, err := core.ParseSegmentFileName(e.Name())
		if err != nil {
			continue
		}
		if product%c.capacity != 0 {
			foreign = append(foreign, e.Name())
			continue
		}
		headerCap, err := segmentCapacity(filepath.Join(c.dir, e.Name()))
		if err != nil {
			c.logger.Warn("Ignoring unreadable segment during discovery", "path", e.Name(), "error", err)
			continue
		}
		if headerCap != c.capacity {
			foreign = append(foreign, e.Name())
		}
	}
	if len(foreign) == 0 {
		return nil
	}
	sort.Strings(foreign)
	return fmt.Errorf("%w: %s has segments %v written with another capacity than %d", core.ErrCapacityMismatch, c.dir, foreign, c.capacity)
}

// segmentCapacity reads the capacity recorded in a segment header.
func segmentCapacity(path string) (uint64, error) {
	sr, err := OpenSegmentForRead(path)
	if err != nil {
		return 0, err
	}
	defer sr.Close()
	return sr.Header().Capacity, nil
}

func (c *LogContext) activate(index, fill uint64) error {
	sw, err := OpenSegmentForAppend(c.dir, c.capacity, index)
	if err != nil {
		return err
	}
	c.active = sw
	c.index = index
	c.fill = fill
	c.logger.Info("Opened active segment", "index", index, "fill", fill, "capacity", c.capacity, "path", sw.path)
	return nil
}

// FindFilename returns the path of the segment with the given index.
func (c *LogContext) FindFilename(index uint64) string {
	return core.SegmentPath(c.dir, c.capacity, index)
}

// Write appends one record, rolling over around it as needed:
//
//   - fill+1 <  capacity: append to the active segment.
//   - fill+1 == capacity: append, then open the next segment right away.
//   - fill+1 >  capacity: open the next segment first, then append to it.
//
// The fill only advances after a successful append. When opening the next
// segment fails, the active segment and index stay as they were.
func (c *LogContext) Write(payload []byte) error {
	if c.active == nil {
		return core.ErrClosed
	}
	next := c.fill + 1
	if next > c.capacity {
		if err := c.rollover(); err != nil {
			return err
		}
		next = 1
	}
	if err := c.active.Append(payload); err != nil {
		return err
	}
	c.fill = next

	// The record is in the file from here on, so the fill stays advanced even
	// when the fsync below fails.
	var syncErr error
	if c.syncMode == SyncAlways {
		syncErr = c.active.Sync()
	}
	if c.fill == c.capacity {
		if err := c.rollover(); err != nil {
			return errors.Join(syncErr, fmt.Errorf("record stored in segment %d, opening segment %d failed: %w", c.index, c.index+1, err))
		}
	}
	return syncErr
}

func (c *LogContext) rollover() error {
	newIndex := c.index + 1
	sw, orphaned, err := createSegment(c.dir, c.capacity, newIndex)
	if err != nil {
		return err
	}
	if orphaned {
		c.logger.Warn("Moved stale segment aside before reuse", "index", newIndex, "path", sw.path+".orphaned")
	}

	old := c.active
	if err := old.Close(); err != nil {
		c.logger.Error("Failed to close segment during rollover", "index", c.index, "path", old.path, "error", err)
	}
	oldIndex := c.index
	c.active = sw
	c.index = newIndex
	c.fill = 0
	c.logger.Debug("Rolled over to new segment", "old_index", oldIndex, "index", newIndex, "path", sw.path)
	if c.onRotate != nil {
		c.onRotate(RotateInfo{OldIndex: oldIndex, NewIndex: newIndex, NewPath: sw.path})
	}
	return nil
}

// OpenSegment opens segment index read-only. A missing file yields an error
// matching core.ErrSegmentNotFound.
func (c *LogContext) OpenSegment(index uint64) (*SegmentReader, error) {
	path := c.FindFilename(index)
	sr, err := OpenSegmentForRead(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("segment %d: %w", index, core.ErrSegmentNotFound)
		}
		return nil, err
	}
	if sr.header.Capacity != c.capacity {
		sr.Close()
		return nil, fmt.Errorf("%w: %s was written with capacity %d, store uses %d", core.ErrCapacityMismatch, path, sr.header.Capacity, c.capacity)
	}
	return sr, nil
}

// Sync forces the active segment to stable storage.
func (c *LogContext) Sync() error {
	if c.active == nil {
		return core.ErrClosed
	}
	return c.active.Sync()
}

// State returns the current bookkeeping.
func (c *LogContext) State() ContextState {
	s := ContextState{
		Dir:           c.dir,
		Capacity:      c.capacity,
		ActiveIndex:   c.index,
		Fill:          c.fill,
		SyncMode:      c.syncMode,
		RecoveredTail: c.repairedTail,
	}
	if c.active != nil {
		s.ActivePath = c.active.path
	}
	return s
}

// Close syncs and closes the active segment.
func (c *LogContext) Close() error {
	if c.active == nil {
		return nil
	}
	err := c.active.Close()
	c.active = nil
	return err
}
