package exec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionType selects the wire codec for dispatched plans and frames.
type CompressionType uint8

const (
	// CompressionNone transports payloads uncompressed.
	CompressionNone CompressionType = 0
	// CompressionLZ4 is LZ4 block compression (fastest).
	CompressionLZ4 CompressionType = 1
	// CompressionZSTD is ZSTD block compression (best ratio).
	CompressionZSTD CompressionType = 2
)

// ZSTD encoder/decoder pools for efficiency
var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func putZstdEncoder(enc *zstd.Encoder) {
	zstdEncoderPool.Put(enc)
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

func putZstdDecoder(dec *zstd.Decoder) {
	zstdDecoderPool.Put(dec)
}

// Wire block layout:
// [Type uint8][UncompressedSize uint32][CompressedSize uint32][Data...]
// CompressedSize == 0 means the payload is stored uncompressed, which
// also covers payloads that did not compress well.
const blockHeaderSize = 9

var errShortBlock = errors.New("wire block too short")

// encodeBlock frames and optionally compresses one payload.
func encodeBlock(data []byte, ct CompressionType) ([]byte, error) {
	var compressed []byte
	var err error
	switch ct {
	case CompressionNone:
	case CompressionLZ4:
		compressed, err = compressLZ4(data)
	case CompressionZSTD:
		enc := getZstdEncoder()
		compressed = enc.EncodeAll(data, nil)
		putZstdEncoder(enc)
	default:
		return nil, fmt.Errorf("unknown compression type %d", ct)
	}
	if err != nil {
		return nil, err
	}

	// Store raw when compression does not pay for itself.
	if len(compressed) == 0 || float64(len(compressed)) > float64(len(data))*0.9 {
		out := make([]byte, blockHeaderSize+len(data))
		out[0] = byte(ct)
		binary.LittleEndian.PutUint32(out[1:], uint32(len(data)))
		binary.LittleEndian.PutUint32(out[5:], 0)
		copy(out[blockHeaderSize:], data)
		return out, nil
	}

	out := make([]byte, blockHeaderSize+len(compressed))
	out[0] = byte(ct)
	binary.LittleEndian.PutUint32(out[1:], uint32(len(data)))
	binary.LittleEndian.PutUint32(out[5:], uint32(len(compressed)))
	copy(out[blockHeaderSize:], compressed)
	return out, nil
}

func compressLZ4(data []byte) ([]byte, error) {
	buf := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, buf, nil)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil // incompressible
	}
	return buf[:n], nil
}

// decodeBlock reverses encodeBlock; the codec is read from the header.
func decodeBlock(data []byte) ([]byte, error) {
	if len(data) < blockHeaderSize {
		return nil, errShortBlock
	}
	ct := CompressionType(data[0])
	uncompressedSize := binary.LittleEndian.Uint32(data[1:])
	compressedSize := binary.LittleEndian.Uint32(data[5:])

	if compressedSize == 0 {
		if uint64(len(data)) < uint64(blockHeaderSize)+uint64(uncompressedSize) {
			return nil, errShortBlock
		}
		return data[blockHeaderSize : blockHeaderSize+int(uncompressedSize)], nil
	}

	if uint64(len(data)) < uint64(blockHeaderSize)+uint64(compressedSize) {
		return nil, errShortBlock
	}
	payload := data[blockHeaderSize : blockHeaderSize+int(compressedSize)]
	out := make([]byte, uncompressedSize)

	switch ct {
	case CompressionLZ4:
		n, err := lz4.UncompressBlock(payload, out)
		if err != nil {
			return nil, err
		}
		if uint32(n) != uncompressedSize {
			return nil, errors.New("decompressed size mismatch")
		}
		return out, nil

	case CompressionZSTD:
		dec := getZstdDecoder()
		defer putZstdDecoder(dec)
		decoded, err := dec.DecodeAll(payload, out[:0])
		if err != nil {
			return nil, err
		}
		if uint32(len(decoded)) != uncompressedSize {
			return nil, errors.New("decompressed size mismatch")
		}
		return decoded, nil

	default:
		return nil, fmt.Errorf("unknown compression type %d", ct)
	}
}
