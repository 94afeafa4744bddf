package interp

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/fortiblox/lanevm/pkg/vm/bytecode"
)

// TraceRecord captures one instruction immediately before it executes.
type TraceRecord struct {
	Lane        int32 // NoLane for the sequential engine
	Instruction bytecode.Instruction
	Stack       []int32 // live cells, bottom first
}

// String renders the record as "MNEMONIC operands [s0 s1 ...]".
func (r TraceRecord) String() string {
	var sb strings.Builder
	if r.Lane != NoLane {
		fmt.Fprintf(&sb, "lane %d: ", r.Lane)
	}
	sb.WriteString(r.Instruction.String())
	sb.WriteString(" [")
	for i, v := range r.Stack {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(strconv.FormatInt(int64(v), 10))
	}
	sb.WriteByte(']')
	return sb.String()
}

// Tracer receives trace records. Lane engines call Trace from many goroutines.
type Tracer interface {
	Trace(rec TraceRecord)
}

// WriterTracer writes one line per record to an io.Writer.
type WriterTracer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterTracer creates a tracer writing to w.
func NewWriterTracer(w io.Writer) *WriterTracer {
	return &WriterTracer{w: w}
}

// Trace implements Tracer.
func (t *WriterTracer) Trace(rec TraceRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintln(t.w, rec.String())
}

// RecordingTracer keeps every record in memory.
type RecordingTracer struct {
	mu      sync.Mutex
	records []TraceRecord
}

// Trace implements Tracer.
func (t *RecordingTracer) Trace(rec TraceRecord) {
	t.mu.Lock()
	t.records = append(t.records, rec)
	t.mu.Unlock()
}

// Records returns a copy of the recorded trace.
func (t *RecordingTracer) Records() []TraceRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TraceRecord, len(t.records))
	copy(out, t.records)
	return out
}

// Lines returns the recorded trace rendered as text lines.
func (t *RecordingTracer) Lines() []string {
	recs := t.Records()
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.String()
	}
	return out
}
