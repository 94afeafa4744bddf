package bytecode

import (
	"bufio"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrSyntax is returned for malformed assembly source.
var ErrSyntax = errors.New("assembly syntax error")

// AsmError reports an assembly failure at a source line.
type AsmError struct {
	Line int
	Err  error
}

func (e *AsmError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *AsmError) Unwrap() error {
	return e.Err
}

type asmLine struct {
	num      int
	op       Opcode
	operands []string
}

// Assemble translates assembly source into a program and its entry index.
//
// Each line holds an optional "label:" prefix and at most one instruction.
// Operands are decimal integers or label names, which resolve to the word
// index of the labelled instruction. Comments start with ';' or '#'. The
// ".entry <label|index>" directive selects the entry point (default 0).
func Assemble(t *Table, src string) (*Program, int, error) {
	labels := make(map[string]int)
	var lines []asmLine
	entry := "0"
	entryLine := 0
	pc := 0

	sc := bufio.NewScanner(strings.NewReader(src))
	num := 0
	for sc.Scan() {
		num++
		text := sc.Text()
		if i := strings.IndexAny(text, ";#"); i >= 0 {
			text = text[:i]
		}
		fields := strings.Fields(text)

		for len(fields) > 0 && strings.HasSuffix(fields[0], ":") {
			name := strings.TrimSuffix(fields[0], ":")
			if !validLabel(name) {
				return nil, 0, &AsmError{Line: num, Err: fmt.Errorf("%w: bad label %q", ErrSyntax, name)}
			}
			if _, dup := labels[name]; dup {
				return nil, 0, &AsmError{Line: num, Err: fmt.Errorf("%w: duplicate label %q", ErrSyntax, name)}
			}
			labels[name] = pc
			fields = fields[1:]
		}
		if len(fields) == 0 {
			continue
		}

		if strings.EqualFold(fields[0], ".entry") {
			if len(fields) != 2 {
				return nil, 0, &AsmError{Line: num, Err: fmt.Errorf("%w: .entry takes one argument", ErrSyntax)}
			}
			entry, entryLine = fields[1], num
			continue
		}

		op, err := t.Lookup(fields[0])
		if err != nil {
			return nil, 0, &AsmError{Line: num, Err: err}
		}
		d, _ := t.Describe(op)
		if len(fields)-1 != d.Operands {
			return nil, 0, &AsmError{Line: num, Err: fmt.Errorf("%w: %s takes %d operands, got %d", ErrSyntax, d.Mnemonic, d.Operands, len(fields)-1)}
		}
		lines = append(lines, asmLine{num: num, op: op, operands: fields[1:]})
		pc += d.Size()
	}
	if err := sc.Err(); err != nil {
		return nil, 0, err
	}

	words := make([]int32, 0, pc)
	for _, l := range lines {
		words = append(words, int32(l.op))
		for _, s := range l.operands {
			v, err := resolveOperand(s, labels)
			if err != nil {
				return nil, 0, &AsmError{Line: l.num, Err: err}
			}
			words = append(words, v)
		}
	}

	entryIndex, err := resolveOperand(entry, labels)
	if err != nil {
		return nil, 0, &AsmError{Line: entryLine, Err: err}
	}
	p := NewProgram(words)
	if err := p.CheckEntry(int(entryIndex)); err != nil {
		return nil, 0, &AsmError{Line: entryLine, Err: err}
	}
	return p, int(entryIndex), nil
}

func resolveOperand(s string, labels map[string]int) (int32, error) {
	if v, err := strconv.ParseInt(s, 0, 32); err == nil {
		return int32(v), nil
	}
	if idx, ok := labels[s]; ok {
		return int32(idx), nil
	}
	if validLabel(s) {
		return 0, fmt.Errorf("%w: undefined label %q", ErrSyntax, s)
	}
	return 0, fmt.Errorf("%w: bad operand %q", ErrSyntax, s)
}

func validLabel(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_' || r == '.' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}
