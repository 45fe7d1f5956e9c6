package core

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// --- Magic Numbers ---
const (
	// SegmentMagicNumber identifies a WAL segment file.
	SegmentMagicNumber uint32 = 0x4E4B564C // "NKVL"
)

// --- Protocol & Format Versions ---
const (
	// FormatVersion is the current version of the segment file format.
	FormatVersion uint8 = 1
)

// --- File Names & Prefixes ---
const (
	SegmentFilePrefix = "segment-"
	SegmentFileSuffix = ".LOG"
)

// --- Default Sizes & Limits ---
const (
	// MinSegmentCapacity is the smallest number of records a segment may hold.
	// Smaller configured capacities are clamped up to this value.
	MinSegmentCapacity = 200
	// DefaultSegmentCapacity is used when no capacity is configured.
	DefaultSegmentCapacity = 500
	// DefaultInboxSize is the number of jobs the log actor buffers before callers block.
	DefaultInboxSize = 20
	// MaxRecordSize bounds a single framed record so a corrupt length prefix
	// cannot trigger a huge allocation.
	MaxRecordSize = 64 * 1024 * 1024
)

// ClampSegmentCapacity applies the minimum segment capacity.
func ClampSegmentCapacity(capacity uint64) uint64 {
	if capacity < MinSegmentCapacity {
		return MinSegmentCapacity
	}
	return capacity
}

// FormatSegmentFileName returns the file name of the segment with the given index.
// The name encodes capacity*index, so the same index maps to a different file
// under a different capacity.
func FormatSegmentFileName(capacity, index uint64) string {
	return fmt.Sprintf("%s%d%s", SegmentFilePrefix, capacity*index, SegmentFileSuffix)
}

// ParseSegmentFileName extracts the capacity*index product from a segment file name.
func ParseSegmentFileName(name string) (uint64, error) {
	if !strings.HasPrefix(name, SegmentFilePrefix) || !strings.HasSuffix(name, SegmentFileSuffix) {
		return 0, fmt.Errorf("file %s is not a segment file", name)
	}
	number := strings.TrimSuffix(strings.TrimPrefix(name, SegmentFilePrefix), SegmentFileSuffix)
	return strconv.ParseUint(number, 10, 64)
}

// TableDir returns the directory holding the segments of a table.
func TableDir(rootPath, tableName string) string {
	return filepath.Join(rootPath, tableName)
}

// SegmentPath returns the full path of a segment file.
func SegmentPath(tableDir string, capacity, index uint64) string {
	return filepath.Join(tableDir, FormatSegmentFileName(capacity, index))
}
