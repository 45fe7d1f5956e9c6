package core

import (
	"fmt"
	"strings"
)

// CompressionType identifies the compression algorithm applied to a record payload.
// It is stored on disk next to the payload so a record can always be decoded,
// even after the configured compressor changes.
type CompressionType byte

const (
	CompressionNone   CompressionType = 0
	CompressionSnappy CompressionType = 1
	CompressionLZ4    CompressionType = 2
	CompressionZSTD   CompressionType = 3
)

// Compressor defines the interface for compression and decompression algorithms.
// Implementations must be safe for concurrent use.
type Compressor interface {
	// Compress returns a compressed copy of data.
	Compress(data []byte) ([]byte, error)
	// Decompress returns the original bytes of a payload produced by Compress.
	Decompress(data []byte) ([]byte, error)
	// Type returns the CompressionType identifier for this compressor.
	Type() CompressionType
}

// String returns the string representation of the CompressionType.
func (ct CompressionType) String() string {
	switch ct {
	case CompressionNone:
		return "none"
	case CompressionSnappy:
		return "snappy"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	default:
		return "unknown"
	}
}

// ParseCompressionType maps a configuration name onto a CompressionType.
// An empty name selects CompressionNone.
func ParseCompressionType(name string) (CompressionType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return CompressionNone, nil
	case "snappy":
		return CompressionSnappy, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZSTD, nil
	default:
		return CompressionNone, &UnsupportedTypeError{Message: fmt.Sprintf("compression %q", name)}
	}
}

const (
	// RecordLengthSize is the width of the length prefix of a framed record.
	RecordLengthSize = 4
	// ChecksumSize is the width of the CRC32 trailer of a framed record.
	ChecksumSize = 4
)
