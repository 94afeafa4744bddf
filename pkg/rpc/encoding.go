package rpc

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/mr-tron/base58"

	"github.com/fortiblox/lanevm/pkg/vm/loader"
)

// DecodeProgramData decodes binary program data from the given encoding.
// EncodingSource is not binary and is rejected.
func DecodeProgramData(encoded string, encoding Encoding) ([]byte, error) {
	switch encoding {
	case EncodingBase58:
		return base58.Decode(encoded)

	case EncodingBase64:
		return base64.StdEncoding.DecodeString(encoded)

	case EncodingBase64Zstd:
		compressed, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("base64 decode failed: %w", err)
		}
		return decompressZstd(compressed)

	default:
		return nil, fmt.Errorf("unsupported encoding %q", encoding)
	}
}

// EncodeProgramData encodes binary program data.
func EncodeProgramData(data []byte, encoding Encoding) (string, error) {
	switch encoding {
	case EncodingBase58:
		return base58.Encode(data), nil

	case EncodingBase64:
		return base64.StdEncoding.EncodeToString(data), nil

	case EncodingBase64Zstd:
		compressed, err := compressZstd(data)
		if err != nil {
			return "", fmt.Errorf("zstd compression failed: %w", err)
		}
		return base64.StdEncoding.EncodeToString(compressed), nil

	default:
		return "", fmt.Errorf("unsupported encoding %q", encoding)
	}
}

// compressZstd compresses data using zstd.
func compressZstd(data []byte) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	defer encoder.Close()
	return encoder.EncodeAll(data, nil), nil
}

// decompressZstd decompresses zstd-compressed data of at most
// loader.MaxImageSize bytes.
func decompressZstd(data []byte) ([]byte, error) {
	return loader.Decompress(data, loader.MaxImageSize)
}

// ParseEncoding parses an encoding name. The empty string selects source.
func ParseEncoding(s string) (Encoding, error) {
	switch Encoding(strings.ToLower(s)) {
	case "", EncodingSource:
		return EncodingSource, nil
	case EncodingBase58:
		return EncodingBase58, nil
	case EncodingBase64:
		return EncodingBase64, nil
	case EncodingBase64Zstd:
		return EncodingBase64Zstd, nil
	default:
		return "", fmt.Errorf("unknown encoding %q", s)
	}
}
