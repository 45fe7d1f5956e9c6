package core

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// FileHeader is written at the start of every segment file.
type FileHeader struct {
	Magic     uint32
	Version   uint8
	CreatedAt int64 // UnixNano timestamp
	// Capacity is the segment capacity the file was created with. Discovery uses
	// it to tell a capacity change apart from a missing segment.
	Capacity uint64
}

// FileHeaderSize is the encoded size of a FileHeader.
var FileHeaderSize = binary.Size(FileHeader{})

func (h *FileHeader) Size() int {
	return binary.Size(h)
}

// NewFileHeader creates a new header with the current time.
func NewFileHeader(capacity uint64) FileHeader {
	return FileHeader{
		Magic:     SegmentMagicNumber,
		Version:   FormatVersion,
		CreatedAt: time.Now().UnixNano(),
		Capacity:  capacity,
	}
}

// WriteTo encodes the header in little endian.
func (h *FileHeader) WriteTo(w io.Writer) (int64, error) {
	if err := binary.Write(w, binary.LittleEndian, h); err != nil {
		return 0, err
	}
	return int64(FileHeaderSize), nil
}

// ReadFileHeader decodes and validates a header.
func ReadFileHeader(r io.Reader) (FileHeader, error) {
	var h FileHeader
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return h, fmt.Errorf("%w: truncated header", ErrInvalidSegment)
		}
		return h, err
	}
	if h.Magic != SegmentMagicNumber {
		return h, fmt.Errorf("%w: bad magic %x, want %x", ErrInvalidSegment, h.Magic, SegmentMagicNumber)
	}
	if h.Version != FormatVersion {
		return h, fmt.Errorf("%w: unsupported version %d", ErrInvalidSegment, h.Version)
	}
	return h, nil
}
