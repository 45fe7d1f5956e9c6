//go:build unix

package sys

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// SyncDir fsyncs a directory so newly created entries in it survive a crash.
func SyncDir(path string) error {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open dir %s: %w", path, err)
	}
	defer unix.Close(fd)
	if err := unix.Fsync(fd); err != nil {
		return fmt.Errorf("fsync dir %s: %w", path, err)
	}
	return nil
}
