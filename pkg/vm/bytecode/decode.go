package bytecode

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrTruncatedInstruction is returned when an instruction's operands run
	// past the end of the program.
	ErrTruncatedInstruction = errors.New("truncated instruction")

	// ErrIPOutOfRange is returned when decoding outside the program.
	ErrIPOutOfRange = errors.New("instruction pointer out of range")

	// ErrOpcodeNotAllowed is returned when an opcode is not accepted by the
	// requested engine mode.
	ErrOpcodeNotAllowed = errors.New("opcode not allowed in this mode")
)

// Instruction is one decoded instruction.
type Instruction struct {
	IP       int
	Op       Opcode
	Mnemonic string
	Operands [MaxOperands]int32
	N        int // number of valid operands
}

// Next returns the index of the following instruction.
func (i Instruction) Next() int {
	return i.IP + 1 + i.N
}

// Args returns the valid operands.
func (i Instruction) Args() []int32 {
	return i.Operands[:i.N]
}

// String renders the instruction as "MNEMONIC op1 op2".
func (i Instruction) String() string {
	if i.N == 0 {
		return i.Mnemonic
	}
	var sb strings.Builder
	sb.WriteString(i.Mnemonic)
	for _, a := range i.Args() {
		sb.WriteByte(' ')
		sb.WriteString(strconv.FormatInt(int64(a), 10))
	}
	return sb.String()
}

// Decode decodes the instruction at ip.
func Decode(t *Table, p *Program, ip int) (Instruction, error) {
	word, ok := p.At(ip)
	if !ok {
		return Instruction{}, fmt.Errorf("%w: %d", ErrIPOutOfRange, ip)
	}
	d, err := t.Describe(Opcode(word))
	if err != nil {
		return Instruction{}, fmt.Errorf("%w at ip %d", err, ip)
	}
	ins := Instruction{IP: ip, Op: d.Op, Mnemonic: d.Mnemonic, N: d.Operands}
	for k := 0; k < d.Operands; k++ {
		v, ok := p.At(ip + 1 + k)
		if !ok {
			return Instruction{}, fmt.Errorf("%w: %s at ip %d needs %d operands", ErrTruncatedInstruction, d.Mnemonic, ip, d.Operands)
		}
		ins.Operands[k] = v
	}
	return ins, nil
}

// Verify walks p linearly from index 0 and checks that every instruction is
// defined, complete and accepted by mode.
func Verify(t *Table, p *Program, mode Mode) error {
	if p.Len() == 0 {
		return ErrEmptyProgram
	}
	for ip := 0; ip < p.Len(); {
		ins, err := Decode(t, p, ip)
		if err != nil {
			return err
		}
		d, _ := t.Describe(ins.Op)
		if d.Modes&mode == 0 {
			return fmt.Errorf("%w: %s at ip %d (%s)", ErrOpcodeNotAllowed, d.Mnemonic, ip, mode)
		}
		ip = ins.Next()
	}
	return nil
}
