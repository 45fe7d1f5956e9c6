package sys

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"sync/atomic"
)

// fileWrapper is a stable concrete type used to store the File interface
// inside an atomic.Value, which requires one concrete type across stores.
type fileWrapper struct {
	f File
}

var defaultFile atomic.Value // stores fileWrapper
var debugMode atomic.Bool

// File abstracts the filesystem calls the log makes. Tests swap it through
// SetDefaultFile to inject failures.
type File interface {
	OpenFile(name string, flag int, perm os.FileMode) (*os.File, error)
	MkdirAll(path string, perm os.FileMode) error
	Stat(name string) (os.FileInfo, error)
}

// FileHandle is an open file as seen by segment code.
type FileHandle interface {
	io.ReadWriteCloser
	io.Seeker

	Stat() (os.FileInfo, error)
	Sync() error
	Truncate(size int64) error
	Name() string
}

var _ FileHandle = (*os.File)(nil)

type osFile struct{}

// NewFile returns the File implementation backed by package os.
func NewFile() File {
	return osFile{}
}

func (osFile) OpenFile(name string, flag int, perm os.FileMode) (*os.File, error) {
	return os.OpenFile(name, flag, perm)
}

func (osFile) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (osFile) Stat(name string) (os.FileInfo, error) {
	return os.Stat(name)
}

func init() {
	defaultFile.Store(fileWrapper{f: NewFile()})
}

// SetDefaultFile replaces the File implementation and returns the previous one.
func SetDefaultFile(file File) File {
	prev := current()
	defaultFile.Store(fileWrapper{f: file})
	return prev
}

// SetDebugMode makes OpenFile return handles that log their lifecycle and
// are tracked until closed (see OpenDebugFiles).
func SetDebugMode(mode bool) {
	debugMode.Store(mode)
}

func current() File {
	fw, ok := defaultFile.Load().(fileWrapper)
	if !ok || fw.f == nil {
		return nil
	}
	return fw.f
}

// OpenFile opens name through the current File implementation.
func OpenFile(name string, flag int, perm os.FileMode) (FileHandle, error) {
	file := current()
	if file == nil {
		return nil, os.ErrInvalid
	}
	f, err := file.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	if debugMode.Load() {
		return newDebugFile(f), nil
	}
	return f, nil
}

// Open opens name read-only.
func Open(name string) (FileHandle, error) {
	return OpenFile(name, os.O_RDONLY, 0)
}

// MkdirAll creates path and any missing parents.
func MkdirAll(path string, perm os.FileMode) error {
	file := current()
	if file == nil {
		return os.ErrInvalid
	}
	return file.MkdirAll(path, perm)
}

// Exists reports whether name exists. Errors other than "not exist" are returned.
func Exists(name string) (bool, error) {
	file := current()
	if file == nil {
		return false, os.ErrInvalid
	}
	_, err := file.Stat(name)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}
