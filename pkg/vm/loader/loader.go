// Package loader reads and writes lanevm program images.
//
// An image is a fixed header followed by the program words:
// - magic "LVMI"
// - format version (u16) and flags (u16)
// - entry index and word count (u32 each)
// - BLAKE3-256 checksum of the uncompressed word bytes
// - payload: little-endian int32 words, optionally zstd compressed
//
// Assembly sources (.lasm) are accepted by LoadFile and assembled on load.
package loader

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/fortiblox/lanevm/internal/types"
	"github.com/fortiblox/lanevm/pkg/vm/bytecode"
)

// Image magic bytes.
var imageMagic = []byte{'L', 'V', 'M', 'I'}

// Format version.
const (
	Version1       = uint16(1)
	CurrentVersion = Version1
)

// Header flags.
const (
	FlagZstd = uint16(1 << 0) // payload is zstd compressed
)

// Header layout.
const (
	headerSize     = 48
	offVersion     = 4
	offFlags       = 6
	offEntry       = 8
	offCount       = 12
	offChecksum    = 16
	checksumLength = 32
)

// File extensions understood by LoadFile.
const (
	ExtImage    = ".lvm"
	ExtAssembly = ".lasm"
)

var (
	ErrInvalidImage       = errors.New("invalid program image")
	ErrUnsupportedVersion = errors.New("unsupported image version")
	ErrChecksum           = errors.New("image checksum mismatch")
	ErrTooLarge           = errors.New("program image too large")
	ErrUnknownExtension   = errors.New("unknown program file extension")
)

// Maximum sizes.
const (
	MaxImageSize = 16 * 1024 * 1024 // 16 MB max image size
	MaxWords     = 4 * 1024 * 1024  // max program words
)

// Image is a decoded program image.
type Image struct {
	Program    *bytecode.Program
	Entry      int
	Compressed bool
}

// ID returns the content address of the image's program.
func (img *Image) ID() types.ProgramID {
	return img.Program.ID()
}

// EncodeOptions controls image encoding.
type EncodeOptions struct {
	Compress bool
}

// Encode serializes an image.
func Encode(img *Image, opts EncodeOptions) ([]byte, error) {
	if err := img.Program.CheckEntry(img.Entry); err != nil {
		return nil, err
	}
	if img.Program.Len() > MaxWords {
		return nil, fmt.Errorf("%w: %d words", ErrTooLarge, img.Program.Len())
	}

	raw := img.Program.Encode()
	sum := blake3.Sum256(raw)

	var flags uint16
	payload := raw
	if opts.Compress {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("zstd writer: %w", err)
		}
		payload = enc.EncodeAll(raw, nil)
		enc.Close()
		flags |= FlagZstd
	}

	out := make([]byte, headerSize, headerSize+len(payload))
	copy(out, imageMagic)
	binary.LittleEndian.PutUint16(out[offVersion:], CurrentVersion)
	binary.LittleEndian.PutUint16(out[offFlags:], flags)
	binary.LittleEndian.PutUint32(out[offEntry:], uint32(img.Entry))
	binary.LittleEndian.PutUint32(out[offCount:], uint32(img.Program.Len()))
	copy(out[offChecksum:offChecksum+checksumLength], sum[:])
	out = append(out, payload...)

	if len(out) > MaxImageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(out))
	}
	return out, nil
}

// Load decodes an image.
func Load(data []byte) (*Image, error) {
	if len(data) > MaxImageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the header", ErrInvalidImage, len(data))
	}
	if !bytes.Equal(data[:len(imageMagic)], imageMagic) {
		return nil, fmt.Errorf("%w: bad magic", ErrInvalidImage)
	}

	version := binary.LittleEndian.Uint16(data[offVersion:])
	if version != Version1 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
	flags := binary.LittleEndian.Uint16(data[offFlags:])
	if flags&^FlagZstd != 0 {
		return nil, fmt.Errorf("%w: unknown flags 0x%04x", ErrInvalidImage, flags)
	}
	entry := binary.LittleEndian.Uint32(data[offEntry:])
	count := binary.LittleEndian.Uint32(data[offCount:])
	if count > MaxWords {
		return nil, fmt.Errorf("%w: %d words", ErrTooLarge, count)
	}

	raw := data[headerSize:]
	if flags&FlagZstd != 0 {
		var err error
		raw, err = Decompress(raw, MaxWords*bytecode.WordSize)
		if err != nil {
			return nil, err
		}
	}
	if len(raw) != int(count)*bytecode.WordSize {
		return nil, fmt.Errorf("%w: payload has %d bytes, header declares %d words", ErrInvalidImage, len(raw), count)
	}

	sum := blake3.Sum256(raw)
	if !bytes.Equal(sum[:], data[offChecksum:offChecksum+checksumLength]) {
		return nil, ErrChecksum
	}

	program, err := bytecode.DecodeProgram(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if err := program.CheckEntry(int(entry)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}

	return &Image{
		Program:    program,
		Entry:      int(entry),
		Compressed: flags&FlagZstd != 0,
	}, nil
}

// Decompress decodes a zstd payload, failing with ErrTooLarge once the
// output would exceed limit bytes.
func Decompress(data []byte, limit int) ([]byte, error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(uint64(max(limit, 1))))
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer dec.Close()
	out, err := dec.DecodeAll(data, nil)
	switch {
	case errors.Is(err, zstd.ErrDecoderSizeExceeded), errors.Is(err, zstd.ErrWindowSizeExceeded), errors.Is(err, zstd.ErrFrameSizeExceeded):
		return nil, fmt.Errorf("%w: decompressed payload exceeds %d bytes", ErrTooLarge, limit)
	case err != nil:
		return nil, fmt.Errorf("%w: decompress: %v", ErrInvalidImage, err)
	}
	return out, nil
}

// IsImage reports whether data starts with the image magic.
func IsImage(data []byte) bool {
	return len(data) >= len(imageMagic) && bytes.Equal(data[:len(imageMagic)], imageMagic)
}

// Parse decodes data as an image when it carries the image magic, and as
// assembly source otherwise.
func Parse(table *bytecode.Table, data []byte) (*Image, error) {
	if IsImage(data) {
		return Load(data)
	}
	program, entry, err := bytecode.Assemble(table, string(data))
	if err != nil {
		return nil, err
	}
	return &Image{Program: program, Entry: entry}, nil
}

// LoadFile reads an image (.lvm) or assembly source (.lasm) from disk.
func LoadFile(table *bytecode.Table, path string) (*Image, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ExtImage && ext != ExtAssembly {
		return nil, fmt.Errorf("%w: %q", ErrUnknownExtension, ext)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > MaxImageSize {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, path, info.Size())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if ext == ExtImage {
		return Load(data)
	}
	program, entry, err := bytecode.Assemble(table, string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &Image{Program: program, Entry: entry}, nil
}

// WriteFile encodes an image to path.
func WriteFile(path string, img *Image, opts EncodeOptions) error {
	data, err := Encode(img, opts)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
