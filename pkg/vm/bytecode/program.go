package bytecode

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fortiblox/lanevm/internal/types"
)

var (
	// ErrEmptyProgram is returned for a program with no words.
	ErrEmptyProgram = errors.New("empty program")

	// ErrInvalidEntry is returned when the entry index is outside the program.
	ErrInvalidEntry = errors.New("entry index out of range")

	// ErrInvalidEncoding is returned when encoded bytes are not whole words.
	ErrInvalidEncoding = errors.New("invalid program encoding")
)

// WordSize is the encoded size of one program word.
const WordSize = 4

// Program is an immutable sequence of program words. It can be shared freely
// between engines and lanes.
type Program struct {
	words []int32
	id    types.ProgramID
}

// NewProgram copies words into a new Program.
func NewProgram(words []int32) *Program {
	w := make([]int32, len(words))
	copy(w, words)
	p := &Program{words: w}
	p.id = types.HashProgram(p.Encode())
	return p
}

// DecodeProgram decodes little-endian words produced by Encode.
func DecodeProgram(data []byte) (*Program, error) {
	if len(data)%WordSize != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrInvalidEncoding, len(data), WordSize)
	}
	words := make([]int32, len(data)/WordSize)
	for i := range words {
		words[i] = int32(binary.LittleEndian.Uint32(data[i*WordSize:]))
	}
	return NewProgram(words), nil
}

// Len returns the number of words.
func (p *Program) Len() int {
	return len(p.words)
}

// At returns the word at index i.
func (p *Program) At(i int) (int32, bool) {
	if i < 0 || i >= len(p.words) {
		return 0, false
	}
	return p.words[i], true
}

// Words returns a copy of the program words.
func (p *Program) Words() []int32 {
	out := make([]int32, len(p.words))
	copy(out, p.words)
	return out
}

// Encode returns the little-endian byte encoding of the words.
func (p *Program) Encode() []byte {
	out := make([]byte, len(p.words)*WordSize)
	for i, w := range p.words {
		binary.LittleEndian.PutUint32(out[i*WordSize:], uint32(w))
	}
	return out
}

// ID returns the content address of the program.
func (p *Program) ID() types.ProgramID {
	return p.id
}

// CheckEntry validates an entry index against the program.
func (p *Program) CheckEntry(entry int) error {
	if len(p.words) == 0 {
		return ErrEmptyProgram
	}
	if entry < 0 || entry >= len(p.words) {
		return fmt.Errorf("%w: %d (program has %d words)", ErrInvalidEntry, entry, len(p.words))
	}
	return nil
}
