package compressors

import (
	"fmt"
	"sync"

	"github.com/INLOpen/nexuskv/core"
	"github.com/klauspost/compress/zstd"
)

// ZstdCompressor implements the Compressor interface using zstd frames.
// Encoders and decoders are pooled; both are safe to reuse through EncodeAll/DecodeAll.
type ZstdCompressor struct {
	encoderPool sync.Pool
	decoderPool sync.Pool
	initErr     error
}

var _ core.Compressor = (*ZstdCompressor)(nil)

func NewZstdCompressor() *ZstdCompressor {
	c := &ZstdCompressor{}
	c.encoderPool.New = func() interface{} {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest), zstd.WithEncoderConcurrency(1))
		if err != nil {
			return err
		}
		return enc
	}
	c.decoderPool.New = func() interface{} {
		dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1), zstd.WithDecoderMaxMemory(core.MaxRecordSize))
		if err != nil {
			return err
		}
		return dec
	}
	return c
}

func (c *ZstdCompressor) Compress(data []byte) ([]byte, error) {
	v := c.encoderPool.Get()
	enc, ok := v.(*zstd.Encoder)
	if !ok {
		return nil, fmt.Errorf("zstd encoder init error: %v", v)
	}
	defer c.encoderPool.Put(enc)

	buf := core.BufferPool.Get()
	defer core.BufferPool.Put(buf)

	out := enc.EncodeAll(data, buf.Bytes()[:0])
	compressed := make([]byte, len(out))
	copy(compressed, out)
	return compressed, nil
}

func (c *ZstdCompressor) Decompress(data []byte) ([]byte, error) {
	v := c.decoderPool.Get()
	dec, ok := v.(*zstd.Decoder)
	if !ok {
		return nil, fmt.Errorf("zstd decoder init error: %v", v)
	}
	defer c.decoderPool.Put(dec)

	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress error: %w", err)
	}
	return out, nil
}

func (c *ZstdCompressor) Type() core.CompressionType {
	return core.CompressionZSTD
}
