package zarr

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/klauspost/compress/zstd"
)

// CodecMeta is a codec entry of array metadata. v2 compressors carry their
// parameters next to "id", v3 codecs use "name" and "configuration".
type CodecMeta struct {
	ID            string          `json:"id,omitempty"`
	Name          string          `json:"name,omitempty"`
	Configuration json.RawMessage `json:"configuration,omitempty"`
}

func (c CodecMeta) codecName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.ID
}

// Decompressor reverses a bytes to bytes codec.
type Decompressor interface {
	Decompress(data []byte) ([]byte, error)
}

type zlibCodec struct{}

func (zlibCodec) Decompress(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create zlib reader: %w", err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

type gzipCodec struct{}

func (gzipCodec) Decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

// zstdDecoder is shared, DecodeAll is safe for concurrent use.
var zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))

type zstdCodec struct{}

func (zstdCodec) Decompress(data []byte) ([]byte, error) {
	out, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decode failed: %w", err)
	}
	return out, nil
}

// crc32cCodec strips and checks the trailing checksum written by the v3
// "crc32c" codec.
type crc32cCodec struct{}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func (crc32cCodec) Decompress(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("crc32c: chunk too short")
	}
	payload, sum := data[:len(data)-4], binary.LittleEndian.Uint32(data[len(data)-4:])
	if crc32.Checksum(payload, castagnoli) != sum {
		return nil, fmt.Errorf("crc32c: checksum mismatch")
	}
	return payload, nil
}

func decompressorFor(c CodecMeta) (Decompressor, error) {
	switch c.codecName() {
	case "zlib":
		return zlibCodec{}, nil
	case "gzip":
		return gzipCodec{}, nil
	case "zstd":
		return zstdCodec{}, nil
	case "crc32c":
		return crc32cCodec{}, nil
	default:
		return nil, &UnsupportedTypeError{Dtype: c.codecName(), Reason: "unsupported codec"}
	}
}

// v3codecs splits a v3 codec chain into the byte order of the "bytes" codec
// and the bytes to bytes codecs, returned in decoding order.
func v3codecs(codecs []CodecMeta) (ByteOrder, []Decompressor, error) {
	order := BOLittleEndian
	var chain []Decompressor
	seenBytes := false
	for _, c := range codecs {
		switch c.codecName() {
		case "bytes":
			seenBytes = true
			var cfg struct {
				Endian string `json:"endian"`
			}
			if len(c.Configuration) > 0 {
				if err := json.Unmarshal(c.Configuration, &cfg); err != nil {
					return order, nil, fmt.Errorf("invalid bytes codec configuration: %w", err)
				}
			}
			if cfg.Endian == "big" {
				order = BOBigEndian
			}
		case "transpose", "sharding_indexed":
			return order, nil, &UnsupportedTypeError{Dtype: c.codecName(), Reason: "unsupported codec"}
		default:
			d, err := decompressorFor(c)
			if err != nil {
				return order, nil, err
			}
			chain = append(chain, d)
		}
	}
	if !seenBytes && len(codecs) > 0 {
		return order, nil, fmt.Errorf("codec chain has no bytes codec")
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return order, chain, nil
}
