package core

import (
	"errors"
	"fmt"
	"io/fs"
)

var (
	// ErrSegmentNotFound is returned when a requested segment file does not exist.
	// It matches fs.ErrNotExist through errors.Is.
	ErrSegmentNotFound = fmt.Errorf("segment not found: %w", fs.ErrNotExist)
	// ErrClosed is returned by operations on a closed log actor or store.
	ErrClosed = errors.New("nexuskv: closed")
	// ErrInvalidSegment is returned when a segment header is missing or malformed.
	ErrInvalidSegment = errors.New("invalid segment file")
	// ErrUnknownRecordKind is returned when a record carries an unknown kind byte.
	ErrUnknownRecordKind = errors.New("unknown record kind")
	// ErrCapacityMismatch is returned when a table directory holds segments written
	// with a different segment capacity than the one configured.
	ErrCapacityMismatch = errors.New("segment capacity mismatch")
)

// UnsupportedTypeError is returned for unknown compression or codec names.
type UnsupportedTypeError struct {
	Message string
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("unsupported type value: %s", e.Message)
}

// IOError wraps a filesystem failure with the operation and path it happened on.
type IOError struct {
	Op   string // "create", "open", "append", "flush", "sync", "truncate"
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// CorruptRecordError reports a record that could not be read back intact.
// Offset is the byte position of the record frame inside the segment file.
type CorruptRecordError struct {
	Path   string
	Offset int64
	Reason string
	Err    error
}

func (e *CorruptRecordError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("corrupt record in %s at offset %d: %s: %v", e.Path, e.Offset, e.Reason, e.Err)
	}
	return fmt.Sprintf("corrupt record in %s at offset %d: %s", e.Path, e.Offset, e.Reason)
}

func (e *CorruptRecordError) Unwrap() error { return e.Err }

// IsIOError checks if an error is an IOError.
func IsIOError(err error) bool {
	var ioErr *IOError
	return errors.As(err, &ioErr)
}

// IsCorruptRecordError checks if an error is a CorruptRecordError.
func IsCorruptRecordError(err error) bool {
	var corruptErr *CorruptRecordError
	return errors.As(err, &corruptErr)
}

// IsUnsupportedError checks if an error is an UnsupportedTypeError.
func IsUnsupportedError(err error) bool {
	var unsupportedError *UnsupportedTypeError
	return errors.As(err, &unsupportedError)
}

// IsSegmentNotFound reports whether err signals the end of the segment sequence.
func IsSegmentNotFound(err error) bool {
	return errors.Is(err, ErrSegmentNotFound)
}
