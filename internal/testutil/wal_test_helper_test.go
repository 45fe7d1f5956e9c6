package testutil

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/INLOpen/nexuskv/core"
	"github.com/INLOpen/nexuskv/sys"
)

func TestListSegmentFiles(t *testing.T) {
	tmp := t.TempDir()
	if _, err := ListSegmentFiles(filepath.Join(tmp, "missing")); err == nil {
		t.Fatalf("expected error when directory is missing")
	}

	for _, name := range []string{"segment-1000.LOG", "segment-200.LOG", "notes.txt", "segment-400.LOG"} {
		if err := os.WriteFile(filepath.Join(tmp, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	got, err := ListSegmentFiles(tmp)
	if err != nil {
		t.Fatalf("ListSegmentFiles: %v", err)
	}
	want := []string{"segment-200.LOG", "segment-400.LOG", "segment-1000.LOG"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestRequireSegmentFiles(t *testing.T) {
	tmp := t.TempDir()
	for i := uint64(1); i <= 3; i++ {
		if err := os.WriteFile(core.SegmentPath(tmp, 200, i), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	RequireSegmentFiles(t, tmp, 200, 3)
}

func TestFaultyFile(t *testing.T) {
	ff := InstallFaultyFile(t)
	injected := errors.New("injected")
	ff.FailOpen("segment-400", injected)

	dir := t.TempDir()
	if _, err := sys.OpenFile(filepath.Join(dir, "segment-400.LOG"), os.O_CREATE|os.O_RDWR, 0o644); !errors.Is(err, injected) {
		t.Fatalf("expected injected error, got %v", err)
	}
	f, err := sys.OpenFile(filepath.Join(dir, "segment-200.LOG"), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f.Close()

	ff.Clear()
	f, err = sys.OpenFile(filepath.Join(dir, "segment-400.LOG"), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		t.Fatalf("unexpected error after Clear: %v", err)
	}
	f.Close()
}
