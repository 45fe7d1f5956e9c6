package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/INLOpen/nexuskv/compressors"
	"github.com/INLOpen/nexuskv/core"
)

// Kind tags a WAL record.
type Kind byte

const (
	KindInsert Kind = 1
	KindRemove Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindInsert:
		return "insert"
	case KindRemove:
		return "remove"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

// Record is one logged mutation. Doc is only meaningful for KindInsert.
type Record[D any] struct {
	Kind Kind
	Key  string
	Doc  D
}

func Insert[D any](key string, doc D) Record[D] {
	return Record[D]{Kind: KindInsert, Key: key, Doc: doc}
}

func Remove[D any](key string) Record[D] {
	return Record[D]{Kind: KindRemove, Key: key}
}

// RecordCodec encodes records as
//
//	kind(1) | uvarint(len(key)) | key | [compression(1) | payload]
//
// where the bracketed part is present for inserts only and payload is the
// document encoded by the DocumentCodec and then compressed.
type RecordCodec[D any] struct {
	docs       DocumentCodec[D]
	compressor core.Compressor
}

// NewRecordCodec returns a codec. A nil compressor stores documents uncompressed.
func NewRecordCodec[D any](docs DocumentCodec[D], compressor core.Compressor) *RecordCodec[D] {
	if docs == nil {
		docs = GoJSON[D]{}
	}
	if compressor == nil {
		compressor = compressors.NewNoCompressionCompressor()
	}
	return &RecordCodec[D]{docs: docs, compressor: compressor}
}

// Documents returns the document codec in use.
func (c *RecordCodec[D]) Documents() DocumentCodec[D] { return c.docs }

// Encode serializes r into a freshly allocated slice.
func (c *RecordCodec[D]) Encode(r Record[D]) ([]byte, error) {
	buf := core.BufferPool.Get()
	defer core.BufferPool.Put(buf)

	buf.WriteByte(byte(r.Kind))
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(r.Key)))
	buf.Write(lenBuf[:n])
	buf.WriteString(r.Key)

	switch r.Kind {
	case KindRemove:
	case KindInsert:
		raw, err := c.docs.Marshal(r.Doc)
		if err != nil {
			return nil, fmt.Errorf("encode document for key %q with %s: %w", r.Key, c.docs.Name(), err)
		}
		payload, err := c.compressor.Compress(raw)
		if err != nil {
			return nil, fmt.Errorf("compress document for key %q: %w", r.Key, err)
		}
		buf.WriteByte(byte(c.compressor.Type()))
		buf.Write(payload)
	default:
		return nil, fmt.Errorf("%w: %d", core.ErrUnknownRecordKind, r.Kind)
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

// Decode parses bytes produced by Encode. The compressor is chosen by the
// stored compression byte, not by the codec's own compressor.
func (c *RecordCodec[D]) Decode(data []byte) (Record[D], error) {
	var r Record[D]
	if len(data) == 0 {
		return r, fmt.Errorf("decode record: empty payload")
	}
	r.Kind = Kind(data[0])
	keyLen, n := binary.Uvarint(data[1:])
	if n <= 0 {
		return r, fmt.Errorf("decode record: bad key length")
	}
	rest := data[1+n:]
	if uint64(len(rest)) < keyLen {
		return r, fmt.Errorf("decode record: key length %d exceeds payload of %d bytes", keyLen, len(rest))
	}
	r.Key = string(rest[:keyLen])
	rest = rest[keyLen:]

	switch r.Kind {
	case KindRemove:
		if len(rest) != 0 {
			return r, fmt.Errorf("decode record: %d trailing bytes after remove of %q", len(rest), r.Key)
		}
		return r, nil
	case KindInsert:
		if len(rest) == 0 {
			return r, fmt.Errorf("decode record: insert of %q has no compression byte", r.Key)
		}
		compressor, err := compressors.ForType(core.CompressionType(rest[0]))
		if err != nil {
			return r, fmt.Errorf("decode record %q: %w", r.Key, err)
		}
		raw, err := compressor.Decompress(rest[1:])
		if err != nil {
			return r, fmt.Errorf("decode record %q: %w", r.Key, err)
		}
		doc, err := c.docs.Unmarshal(raw)
		if err != nil {
			return r, fmt.Errorf("decode document for key %q with %s: %w", r.Key, c.docs.Name(), err)
		}
		r.Doc = doc
		return r, nil
	default:
		return r, fmt.Errorf("%w: %d", core.ErrUnknownRecordKind, byte(r.Kind))
	}
}
