package testutil

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/INLOpen/nexuskv/core"
)

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ListSegmentFiles returns the segment file names in tableDir sorted by the
// number encoded in their name. Other files are ignored.
func ListSegmentFiles(tableDir string) ([]string, error) {
	entries, err := os.ReadDir(tableDir)
	if err != nil {
		return nil, err
	}
	type named struct {
		name    string
		product uint64
	}
	var segs []named
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		product, err := core.ParseSegmentFileName(e.Name())
		if err != nil {
			continue
		}
		segs = append(segs, named{name: e.Name(), product: product})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].product < segs[j].product })
	names := make([]string, len(segs))
	for i, s := range segs {
		names[i] = s.name
	}
	return names, nil
}

// RequireSegmentFiles fails the test unless tableDir holds exactly the
// segment files for indexes 1..n at the given capacity.
func RequireSegmentFiles(t *testing.T, tableDir string, capacity uint64, n int) {
	t.Helper()
	got, err := ListSegmentFiles(tableDir)
	if err != nil {
		t.Fatalf("list segments in %s: %v", tableDir, err)
	}
	want := make([]string, n)
	for i := range want {
		want[i] = core.FormatSegmentFileName(capacity, uint64(i+1))
	}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("segment files in %s: got %v, want %v", tableDir, got, want)
	}
}

// AppendGarbage appends raw bytes to a file, simulating a torn write.
func AppendGarbage(t *testing.T, path string, garbage []byte) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	if _, err := f.Write(garbage); err != nil {
		t.Fatalf("append to %s: %v", path, err)
	}
}

// FileSize returns the size of path or fails the test.
func FileSize(t *testing.T, path string) int64 {
	t.Helper()
	info, err := os.Stat(filepath.Clean(path))
	if err != nil {
		t.Fatalf("stat %s: %v", path, err)
	}
	return info.Size()
}
