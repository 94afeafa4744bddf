package bytecode

import (
	"fmt"
	"strings"
)

// Disassemble renders a program listing, one instruction per line.
// Undecodable words are listed as raw data and decoding resumes at the next word.
func Disassemble(t *Table, p *Program) string {
	var sb strings.Builder
	for ip := 0; ip < p.Len(); {
		ins, err := Decode(t, p, ip)
		if err != nil {
			w, _ := p.At(ip)
			fmt.Fprintf(&sb, "%04d .word %d\n", ip, w)
			ip++
			continue
		}
		fmt.Fprintf(&sb, "%04d %s\n", ip, ins)
		ip = ins.Next()
	}
	return sb.String()
}
