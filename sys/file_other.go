//go:build !unix

package sys

// SyncDir is a no-op where directories cannot be opened for fsync.
func SyncDir(path string) error {
	return nil
}
