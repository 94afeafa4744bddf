package interp

import "fmt"

// Heap is a fixed-capacity array of cells. Every access is bounds checked.
type Heap []int32

// NewHeap allocates a zeroed heap.
func NewHeap(capacity int) Heap {
	return make(Heap, capacity)
}

// Load reads cell i.
func (h Heap) Load(i int) (int32, error) {
	if i < 0 || i >= len(h) {
		return 0, fmt.Errorf("%w: index %d, capacity %d", ErrHeapIndexOutOfRange, i, len(h))
	}
	return h[i], nil
}

// Store writes cell i.
func (h Heap) Store(i int, v int32) error {
	if i < 0 || i >= len(h) {
		return fmt.Errorf("%w: index %d, capacity %d", ErrHeapIndexOutOfRange, i, len(h))
	}
	h[i] = v
	return nil
}

// Iota sets every cell to its own index.
func (h Heap) Iota() {
	for i := range h {
		h[i] = int32(i)
	}
}

// Fill sets every cell to v.
func (h Heap) Fill(v int32) {
	for i := range h {
		h[i] = v
	}
}

// Clone returns a copy of the heap.
func (h Heap) Clone() Heap {
	out := make(Heap, len(h))
	copy(out, h)
	return out
}

// push and pop operate on the machine value stack. sp indexes the top cell
// and is -1 when the stack is empty.

func (m *Machine) push(v int32) error {
	if m.sp+1 >= len(m.stack) {
		return ErrStackOverflow
	}
	m.sp++
	m.stack[m.sp] = v
	return nil
}

func (m *Machine) pop() (int32, error) {
	if m.sp < 0 {
		return 0, ErrStackUnderflow
	}
	v := m.stack[m.sp]
	m.sp--
	return v, nil
}

func (m *Machine) pop2() (a, b int32, err error) {
	if m.sp < 1 {
		return 0, 0, ErrStackUnderflow
	}
	a = m.stack[m.sp]
	b = m.stack[m.sp-1]
	m.sp -= 2
	return a, b, nil
}

func (m *Machine) top() (int32, error) {
	if m.sp < 0 {
		return 0, ErrStackUnderflow
	}
	return m.stack[m.sp], nil
}

// local resolves fp+offset to a live stack index.
func (m *Machine) local(offset int32) (int, error) {
	idx := m.fp + int(offset)
	if idx < 0 || idx > m.sp {
		return 0, fmt.Errorf("%w: fp %d + offset %d, sp %d", ErrStackIndexOutOfRange, m.fp, offset, m.sp)
	}
	return idx, nil
}

func (m *Machine) heap(selector int) (Heap, error) {
	if selector < 0 || selector >= len(m.heaps) {
		return nil, fmt.Errorf("%w: selector %d, %d heaps", ErrHeapSelectorOutOfRange, selector, len(m.heaps))
	}
	return m.heaps[selector], nil
}
