package sys

import (
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
)

var _ FileHandle = (*DebugFile)(nil)

var (
	nextID      atomic.Uint64
	listFD      sync.Map // id -> file name
	debugLogger atomic.Pointer[slog.Logger]
)

// SetDebugLogger sets the logger used by debug handles. Nil discards.
func SetDebugLogger(logger *slog.Logger) {
	debugLogger.Store(logger)
}

// DebugFile wraps an *os.File and records it as open until Close.
type DebugFile struct {
	id     uint64
	f      *os.File
	logger *slog.Logger
}

func newDebugFile(f *os.File) *DebugFile {
	logger := debugLogger.Load()
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	id := nextID.Add(1)
	logger = logger.With("component", "DebugFile", "id", id, "file_name", f.Name())
	logger.Debug("Opening file")
	listFD.Store(id, f.Name())
	return &DebugFile{id: id, f: f, logger: logger}
}

func (df *DebugFile) Write(p []byte) (n int, err error) {
	return df.f.Write(p)
}

func (df *DebugFile) Read(p []byte) (n int, err error) {
	return df.f.Read(p)
}

func (df *DebugFile) Seek(offset int64, whence int) (int64, error) {
	return df.f.Seek(offset, whence)
}

func (df *DebugFile) Stat() (os.FileInfo, error) {
	return df.f.Stat()
}

func (df *DebugFile) Sync() error {
	return df.f.Sync()
}

func (df *DebugFile) Truncate(size int64) error {
	return df.f.Truncate(size)
}

func (df *DebugFile) Name() string {
	return df.f.Name()
}

func (df *DebugFile) Close() error {
	df.logger.Debug("Closing file")
	listFD.Delete(df.id)
	return df.f.Close()
}

// OpenDebugFiles returns the names of debug handles that have not been closed, sorted.
func OpenDebugFiles() []string {
	var names []string
	listFD.Range(func(_, value any) bool {
		names = append(names, value.(string))
		return true
	})
	sort.Strings(names)
	return names
}
