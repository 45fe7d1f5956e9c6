package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/INLOpen/nexuskv/core"
	"github.com/INLOpen/nexuskv/sys"
)

// Segment represents a single segment file.
type Segment struct {
	file  sys.FileHandle
	path  string
	index uint64
}

// SegmentWriter appends framed records to a segment.
type SegmentWriter struct {
	*Segment
	writer *bufio.Writer
	// size is the length of the file up to the end of the last flushed record.
	size int64
}

// SegmentReader reads framed records from a segment.
type SegmentReader struct {
	*Segment
	reader *bufio.Reader
	header core.FileHeader
	offset int64
}

// Index returns the segment index.
func (s *Segment) Index() uint64 { return s.index }

// Path returns the segment file path.
func (s *Segment) Path() string { return s.path }

// Size returns the current size of the segment file.
func (s *Segment) Size() (int64, error) {
	if s.file == nil {
		return 0, os.ErrClosed
	}
	stat, err := s.file.Stat()
	if err != nil {
		return 0, err
	}
	return stat.Size(), nil
}

// OpenSegmentForAppend opens the segment with the given index for appending,
// creating it when it does not exist. A new or empty file gets a header; an
// existing file must carry a valid header for the same capacity. The caller is
// responsible for truncating a torn tail first (see ScanSegment).
func OpenSegmentForAppend(dir string, capacity, index uint64) (*SegmentWriter, error) {
	path := core.SegmentPath(dir, capacity, index)
	file, err := sys.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, &core.IOError{Op: "open", Path: path, Err: err}
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, &core.IOError{Op: "stat", Path: path, Err: err}
	}

	sw := &SegmentWriter{
		Segment: &Segment{file: file, path: path, index: index},
		writer:  bufio.NewWriter(file),
	}

	if stat.Size() < int64(core.FileHeaderSize) {
		// New file, or a crash while its header was being written.
		if err := sw.writeHeader(capacity); err != nil {
			file.Close()
			return nil, err
		}
		if err := sys.SyncDir(dir); err != nil {
			file.Close()
			return nil, &core.IOError{Op: "sync", Path: dir, Err: err}
		}
		return sw, nil
	}

	header, err := core.ReadFileHeader(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("segment %s: %w", path, err)
	}
	if header.Capacity != capacity {
		file.Close()
		return nil, fmt.Errorf("%w: %s was written with capacity %d, store uses %d", core.ErrCapacityMismatch, path, header.Capacity, capacity)
	}
	end, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		file.Close()
		return nil, &core.IOError{Op: "seek", Path: path, Err: err}
	}
	sw.size = end
	return sw, nil
}

// createSegment creates a segment that must not already hold records. A stale
// file left behind a discovery gap is renamed aside so its data is kept.
func createSegment(dir string, capacity, index uint64) (*SegmentWriter, bool, error) {
	path := core.SegmentPath(dir, capacity, index)
	stat, err := os.Stat(path)
	orphaned := false
	switch {
	case err == nil && stat.Size() > int64(core.FileHeaderSize):
		if err := os.Rename(path, path+".orphaned"); err != nil {
			return nil, false, &core.IOError{Op: "rename", Path: path, Err: err}
		}
		orphaned = true
	case err != nil && !errors.Is(err, fs.ErrNotExist):
		return nil, false, &core.IOError{Op: "stat", Path: path, Err: err}
	}
	sw, err := OpenSegmentForAppend(dir, capacity, index)
	return sw, orphaned, err
}

func (sw *SegmentWriter) writeHeader(capacity uint64) error {
	if err := sw.file.Truncate(0); err != nil {
		return &core.IOError{Op: "truncate", Path: sw.path, Err: err}
	}
	if _, err := sw.file.Seek(0, io.SeekStart); err != nil {
		return &core.IOError{Op: "seek", Path: sw.path, Err: err}
	}
	header := core.NewFileHeader(capacity)
	if _, err := header.WriteTo(sw.writer); err != nil {
		return &core.IOError{Op: "append", Path: sw.path, Err: err}
	}
	if err := sw.writer.Flush(); err != nil {
		return &core.IOError{Op: "flush", Path: sw.path, Err: err}
	}
	if err := sw.file.Sync(); err != nil {
		return &core.IOError{Op: "sync", Path: sw.path, Err: err}
	}
	sw.size = int64(core.FileHeaderSize)
	return nil
}

// Append writes one record and flushes it to the OS.
// Format: length (4 bytes) | data (variable) | checksum (4 bytes)
//
// On failure the file is cut back to the end of the previous record, so a
// failed append never leaves a partial frame in front of later records.
func (sw *SegmentWriter) Append(data []byte) error {
	if sw.file == nil {
		return os.ErrClosed
	}
	if len(data) > core.MaxRecordSize {
		return fmt.Errorf("record of %d bytes exceeds limit of %d", len(data), core.MaxRecordSize)
	}

	var frame [core.RecordLengthSize]byte
	binary.LittleEndian.PutUint32(frame[:], uint32(len(data)))
	var sum [core.ChecksumSize]byte
	binary.LittleEndian.PutUint32(sum[:], crc32.ChecksumIEEE(data))

	if _, err := sw.writer.Write(frame[:]); err != nil {
		return sw.rollback("append", err)
	}
	if _, err := sw.writer.Write(data); err != nil {
		return sw.rollback("append", err)
	}
	if _, err := sw.writer.Write(sum[:]); err != nil {
		return sw.rollback("append", err)
	}
	if err := sw.writer.Flush(); err != nil {
		return sw.rollback("flush", err)
	}
	sw.size += int64(len(data) + core.RecordLengthSize + core.ChecksumSize)
	return nil
}

func (sw *SegmentWriter) rollback(op string, cause error) error {
	ioErr := &core.IOError{Op: op, Path: sw.path, Err: cause}
	sw.writer.Reset(sw.file)
	if err := sw.file.Truncate(sw.size); err != nil {
		return errors.Join(ioErr, &core.IOError{Op: "truncate", Path: sw.path, Err: err})
	}
	if _, err := sw.file.Seek(sw.size, io.SeekStart); err != nil {
		return errors.Join(ioErr, &core.IOError{Op: "seek", Path: sw.path, Err: err})
	}
	return ioErr
}

// Sync flushes the buffered writer and syncs the file to disk.
func (sw *SegmentWriter) Sync() error {
	if sw.file == nil {
		return os.ErrClosed
	}
	if err := sw.writer.Flush(); err != nil {
		return &core.IOError{Op: "flush", Path: sw.path, Err: err}
	}
	if err := sw.file.Sync(); err != nil {
		return &core.IOError{Op: "sync", Path: sw.path, Err: err}
	}
	return nil
}

// Close flushes and closes the segment file.
func (sw *SegmentWriter) Close() error {
	if sw.file == nil {
		return nil
	}
	err := sw.Sync()
	closeErr := sw.file.Close()
	sw.file = nil
	if err != nil {
		return err
	}
	return closeErr
}

// OpenSegmentForRead opens an existing segment file for reading. The index is
// derived from the file name and the capacity stored in the header.
func OpenSegmentForRead(path string) (*SegmentReader, error) {
	product, err := core.ParseSegmentFileName(filepath.Base(path))
	if err != nil {
		return nil, err
	}
	file, err := sys.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", path, core.ErrSegmentNotFound)
		}
		return nil, &core.IOError{Op: "open", Path: path, Err: err}
	}
	reader := bufio.NewReader(file)
	header, err := core.ReadFileHeader(reader)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("segment %s: %w", path, err)
	}
	if header.Capacity == 0 || product%header.Capacity != 0 {
		file.Close()
		return nil, fmt.Errorf("%w: %s does not match header capacity %d", core.ErrInvalidSegment, path, header.Capacity)
	}
	return &SegmentReader{
		Segment: &Segment{file: file, path: path, index: product / header.Capacity},
		reader:  reader,
		header:  header,
		offset:  int64(core.FileHeaderSize),
	}, nil
}

// Header returns the decoded segment header.
func (sr *SegmentReader) Header() core.FileHeader { return sr.header }

// Offset returns the file offset just past the last record read.
func (sr *SegmentReader) Offset() int64 { return sr.offset }

// ReadRecord reads the next record. It returns io.EOF at a clean end of the
// file, io.ErrUnexpectedEOF for a frame cut short, and a *core.CorruptRecordError
// for a frame whose checksum or length is invalid.
func (sr *SegmentReader) ReadRecord() ([]byte, error) {
	if sr.file == nil {
		return nil, os.ErrClosed
	}
	var lenBuf [core.RecordLengthSize]byte
	if _, err := io.ReadFull(sr.reader, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.LittleEndian.Uint32(lenBuf[:])
	if length > core.MaxRecordSize {
		return nil, &core.CorruptRecordError{Path: sr.path, Offset: sr.offset, Reason: fmt.Sprintf("record length %d exceeds limit", length)}
	}

	body := make([]byte, int(length)+core.ChecksumSize)
	if _, err := io.ReadFull(sr.reader, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	data := body[:length]
	stored := binary.LittleEndian.Uint32(body[length:])
	if crc32.ChecksumIEEE(data) != stored {
		return nil, &core.CorruptRecordError{Path: sr.path, Offset: sr.offset, Reason: "checksum mismatch"}
	}
	sr.offset += int64(core.RecordLengthSize) + int64(len(body))
	return data, nil
}

// Close closes the segment file.
func (sr *SegmentReader) Close() error {
	if sr.file == nil {
		return nil
	}
	err := sr.file.Close()
	sr.file = nil
	return err
}

// ScanResult describes the intact prefix of a segment.
type ScanResult struct {
	Records uint64
	// ValidSize is the offset just past the last intact record.
	ValidSize int64
	// FileSize is the size of the file at scan time.
	FileSize int64
	// TailErr is the error that ended the scan early, or nil for a clean end.
	TailErr error
}

// Torn reports whether the segment ends in a damaged frame.
func (r ScanResult) Torn() bool { return r.TailErr != nil }

// ScanSegment counts the records of a segment by reading it to the end.
// Damage at the tail is reported in the result, not as an error; only a
// failure to open the segment or read its header is returned as an error.
func ScanSegment(path string) (ScanResult, error) {
	sr, err := OpenSegmentForRead(path)
	if err != nil {
		return ScanResult{}, err
	}
	defer sr.Close()

	var res ScanResult
	if res.FileSize, err = sr.Size(); err != nil {
		return res, &core.IOError{Op: "stat", Path: path, Err: err}
	}
	for {
		_, err := sr.ReadRecord()
		if err == io.EOF {
			break
		}
		if err != nil {
			if err != io.ErrUnexpectedEOF && !core.IsCorruptRecordError(err) {
				return res, &core.IOError{Op: "read", Path: path, Err: err}
			}
			res.TailErr = err
			break
		}
		res.Records++
	}
	res.ValidSize = sr.Offset()
	return res, nil
}

// truncateSegment cuts a segment file back to size.
func truncateSegment(path string, size int64) error {
	f, err := sys.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return &core.IOError{Op: "open", Path: path, Err: err}
	}
	defer f.Close()
	if err := f.Truncate(size); err != nil {
		return &core.IOError{Op: "truncate", Path: path, Err: err}
	}
	if err := f.Sync(); err != nil {
		return &core.IOError{Op: "sync", Path: path, Err: err}
	}
	return nil
}
