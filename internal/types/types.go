// Package types defines identifiers shared across lanevm packages.
//
// Programs are content addressed: a ProgramID is the BLAKE3-256 digest of the
// program's little-endian word encoding, rendered as base58 in text form.
package types

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/zeebo/blake3"
)

// ProgramIDSize is the length of a program digest in bytes.
const ProgramIDSize = 32

var (
	// ErrInvalidProgramID is returned when a program id has invalid length.
	ErrInvalidProgramID = errors.New("invalid program id: must be 32 bytes")
)

// ProgramID identifies a program by the digest of its encoded words.
type ProgramID [ProgramIDSize]byte

// HashProgram computes the ProgramID of an encoded program.
func HashProgram(encoded []byte) ProgramID {
	return ProgramID(blake3.Sum256(encoded))
}

// ParseProgramID parses a base58-encoded program id.
func ParseProgramID(s string) (ProgramID, error) {
	var id ProgramID
	data, err := base58.Decode(s)
	if err != nil {
		return id, fmt.Errorf("base58 decode: %w", err)
	}
	return ProgramIDFromBytes(data)
}

// ProgramIDFromBytes creates a ProgramID from a byte slice.
func ProgramIDFromBytes(b []byte) (ProgramID, error) {
	var id ProgramID
	if len(b) != ProgramIDSize {
		return id, ErrInvalidProgramID
	}
	copy(id[:], b)
	return id, nil
}

// String returns the base58-encoded representation.
func (id ProgramID) String() string {
	return base58.Encode(id[:])
}

// Hex returns the hex-encoded representation.
func (id ProgramID) Hex() string {
	return hex.EncodeToString(id[:])
}

// IsZero returns true if the id is all zeros.
func (id ProgramID) IsZero() bool {
	return id == ProgramID{}
}

// Bytes returns the id as a byte slice.
func (id ProgramID) Bytes() []byte {
	return id[:]
}

// MarshalText implements encoding.TextMarshaler.
func (id ProgramID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ProgramID) UnmarshalText(text []byte) error {
	parsed, err := ParseProgramID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
