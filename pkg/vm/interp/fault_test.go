package interp

import (
	"errors"
	"fmt"
	"testing"
)

func TestKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrDivisionByZero, "division_by_zero"},
		{fmt.Errorf("wrapped: %w", ErrStackOverflow), "stack_overflow"},
		{&Fault{Err: ErrHeapIndexOutOfRange, Lane: 3}, "heap_index_out_of_range"},
		{ErrIPOutOfRange, "ip_out_of_range"},
		{errors.New("other"), KindUnknown},
	}
	for _, tt := range tests {
		if got := Kind(tt.err); got != tt.want {
			t.Errorf("Kind(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}

	for _, k := range faultKinds {
		err, ok := KindError(k.name)
		if !ok || err != k.err {
			t.Errorf("KindError(%q) = %v, %v", k.name, err, ok)
		}
	}
	if _, ok := KindError("nope"); ok {
		t.Error("KindError(nope) ok")
	}
}

func TestFaultError(t *testing.T) {
	f := &Fault{Err: ErrStackUnderflow, Mnemonic: "POP", IP: 7, Lane: NoLane}
	if got, want := f.Error(), "stack underflow (POP at ip 7)"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	f.Lane = 2
	f.Detail = "sp -1"
	if got, want := f.Error(), "lane 2: stack underflow (POP at ip 7): sp -1"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if got, ok := AsFault(fmt.Errorf("run: %w", f)); !ok || got != f {
		t.Error("AsFault() did not find the fault")
	}
}
