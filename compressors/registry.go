package compressors

import (
	"fmt"

	"github.com/INLOpen/nexuskv/core"
)

var (
	none  = NewNoCompressionCompressor()
	snap  = NewSnappyCompressor()
	lz    = NewLz4Compressor()
	zstdC = NewZstdCompressor()
)

// ForType returns the shared compressor for a compression type.
func ForType(ct core.CompressionType) (core.Compressor, error) {
	switch ct {
	case core.CompressionNone:
		return none, nil
	case core.CompressionSnappy:
		return snap, nil
	case core.CompressionLZ4:
		return lz, nil
	case core.CompressionZSTD:
		return zstdC, nil
	default:
		return nil, &core.UnsupportedTypeError{Message: fmt.Sprintf("compression type %d", ct)}
	}
}

// ByName resolves a configuration name such as "snappy" to a compressor.
func ByName(name string) (core.Compressor, error) {
	ct, err := core.ParseCompressionType(name)
	if err != nil {
		return nil, err
	}
	return ForType(ct)
}
