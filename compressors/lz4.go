package compressors

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/INLOpen/nexuskv/core"
	lz4 "github.com/pierrec/lz4/v4"
)

// LZ4Compressor implements the Compressor interface using LZ4 blocks.
//
// Layout: uvarint(original size) | mode byte | body. The block format does not
// record the original size, so it is carried in front. Input that LZ4 cannot
// shrink is stored raw (mode lz4Raw).
type LZ4Compressor struct{}

var _ core.Compressor = (*LZ4Compressor)(nil)

const (
	lz4Raw   byte = 0
	lz4Block byte = 1
)

var errLZ4Header = errors.New("lz4: malformed header")

func NewLz4Compressor() *LZ4Compressor {
	return &LZ4Compressor{}
}

func (c *LZ4Compressor) Compress(data []byte) ([]byte, error) {
	dst := make([]byte, binary.MaxVarintLen64+1+lz4.CompressBlockBound(len(data)))
	hdr := binary.PutUvarint(dst, uint64(len(data)))
	body := dst[hdr+1:]

	n, err := lz4.CompressBlock(data, body, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress error: %w", err)
	}
	if n == 0 || n >= len(data) {
		dst[hdr] = lz4Raw
		n = copy(body, data)
	} else {
		dst[hdr] = lz4Block
	}
	return dst[:hdr+1+n], nil
}

func (c *LZ4Compressor) Decompress(data []byte) ([]byte, error) {
	size, hdr := binary.Uvarint(data)
	if hdr <= 0 || len(data) < hdr+1 {
		return nil, errLZ4Header
	}
	if size > core.MaxRecordSize {
		return nil, fmt.Errorf("lz4 declared size %d exceeds limit", size)
	}
	mode, body := data[hdr], data[hdr+1:]
	switch mode {
	case lz4Raw:
		if uint64(len(body)) != size {
			return nil, fmt.Errorf("lz4 raw body is %d bytes, header says %d", len(body), size)
		}
		out := make([]byte, size)
		copy(out, body)
		return out, nil
	case lz4Block:
		dst := make([]byte, size)
		n, err := lz4.UncompressBlock(body, dst)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress error: %w", err)
		}
		if uint64(n) != size {
			return nil, fmt.Errorf("lz4 decompressed %d bytes, header says %d", n, size)
		}
		return dst, nil
	default:
		return nil, errLZ4Header
	}
}

func (c *LZ4Compressor) Type() core.CompressionType {
	return core.CompressionLZ4
}
