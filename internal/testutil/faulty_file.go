package testutil

import (
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/INLOpen/nexuskv/sys"
)

// FaultyFile is a sys.File that fails OpenFile for paths containing any of the
// registered substrings. It wraps the real implementation otherwise.
type FaultyFile struct {
	sys.File
	mu       sync.Mutex
	failures map[string]error
}

// InstallFaultyFile swaps the process-wide sys.File for a FaultyFile and
// restores the previous one when the test ends.
func InstallFaultyFile(t *testing.T) *FaultyFile {
	t.Helper()
	ff := &FaultyFile{File: sys.NewFile(), failures: make(map[string]error)}
	prev := sys.SetDefaultFile(ff)
	t.Cleanup(func() { sys.SetDefaultFile(prev) })
	return ff
}

// FailOpen makes OpenFile return err for paths containing substr.
func (f *FaultyFile) FailOpen(substr string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[substr] = err
}

// Clear removes all injected failures.
func (f *FaultyFile) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = make(map[string]error)
}

func (f *FaultyFile) OpenFile(name string, flag int, perm os.FileMode) (*os.File, error) {
	f.mu.Lock()
	for substr, err := range f.failures {
		if strings.Contains(name, substr) {
			f.mu.Unlock()
			return nil, err
		}
	}
	f.mu.Unlock()
	return f.File.OpenFile(name, flag, perm)
}
