package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// printer writes command output, bolding headings on terminals.
type printer struct {
	w     io.Writer
	color bool
}

func newPrinter() *printer {
	fd := os.Stdout.Fd()
	return &printer{
		w:     os.Stdout,
		color: isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd),
	}
}

func (p *printer) heading(format string, args ...any) {
	s := fmt.Sprintf(format, args...)
	if p.color {
		s = "\x1b[1m" + s + "\x1b[0m"
	}
	fmt.Fprintln(p.w, s)
}

func (p *printer) line(format string, args ...any) {
	fmt.Fprintf(p.w, format+"\n", args...)
}

// words renders values space separated.
func (p *printer) words(values []int32) {
	var b strings.Builder
	for i, v := range values {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprint(&b, v)
	}
	fmt.Fprintln(p.w, b.String())
}
