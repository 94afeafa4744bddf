package interp

import "fmt"

// Call frame layout, relative to fp after CALL:
//
//	fp-2-numArgs .. fp-3  arguments (LOAD -3 reads the last pushed)
//	fp-2                  numArgs
//	fp-1                  caller fp
//	fp                    return address
const frameCells = 3

func (m *Machine) call(target int, numArgs int32) error {
	if numArgs < 0 || int(numArgs) > m.sp+1 {
		return fmt.Errorf("%w: CALL with %d args, %d cells on stack", ErrMalformedCallFrame, numArgs, m.sp+1)
	}
	if m.sp+frameCells >= len(m.stack) {
		return ErrStackOverflow
	}
	m.sp++
	m.stack[m.sp] = numArgs
	m.sp++
	m.stack[m.sp] = int32(m.fp)
	m.sp++
	m.stack[m.sp] = int32(m.ip)
	m.fp = m.sp
	m.ip = target
	m.depth++
	return nil
}

func (m *Machine) ret() error {
	if m.depth == 0 {
		return fmt.Errorf("%w: RET without active CALL", ErrMalformedCallFrame)
	}
	v, err := m.pop()
	if err != nil {
		return err
	}
	if m.fp < frameCells-1 || m.sp < m.fp {
		return fmt.Errorf("%w: fp %d, sp %d", ErrMalformedCallFrame, m.fp, m.sp)
	}

	m.sp = m.fp
	retIP := m.stack[m.sp]
	callerFP := m.stack[m.sp-1]
	numArgs := m.stack[m.sp-2]
	m.sp -= frameCells

	if numArgs < 0 || m.sp-int(numArgs) < -1 {
		return fmt.Errorf("%w: %d args with sp %d", ErrMalformedCallFrame, numArgs, m.sp)
	}
	if callerFP < 0 || int(callerFP) > m.fp {
		return fmt.Errorf("%w: saved fp %d", ErrMalformedCallFrame, callerFP)
	}
	if retIP < 0 || int(retIP) > m.code.Len() {
		return fmt.Errorf("%w: return address %d", ErrMalformedCallFrame, retIP)
	}

	m.sp -= int(numArgs)
	m.sp++
	m.stack[m.sp] = v
	m.fp = int(callerFP)
	m.ip = int(retIP)
	m.depth--
	return nil
}
