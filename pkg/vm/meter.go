package vm

import (
	"errors"
	"sync/atomic"
)

// ErrStepLimitExceeded is returned when an engine exhausts its step budget.
var ErrStepLimitExceeded = errors.New("step limit exceeded")

// StepMeter counts executed instructions against an optional budget.
// Counters may be read from other goroutines while the owning engine runs.
type StepMeter struct {
	remaining uint64
	consumed  uint64
	limit     uint64
	unlimited bool
}

// NewStepMeter creates a meter. A limit of StepsUnlimited never exhausts.
func NewStepMeter(limit uint64) *StepMeter {
	return &StepMeter{
		remaining: limit,
		limit:     limit,
		unlimited: limit == StepsUnlimited,
	}
}

// Consume records n steps. Returns ErrStepLimitExceeded if the budget cannot
// cover them.
func (m *StepMeter) Consume(n uint64) error {
	if m.unlimited {
		atomic.AddUint64(&m.consumed, n)
		return nil
	}

	for {
		remaining := atomic.LoadUint64(&m.remaining)
		if remaining < n {
			atomic.StoreUint64(&m.remaining, 0)
			return ErrStepLimitExceeded
		}
		if atomic.CompareAndSwapUint64(&m.remaining, remaining, remaining-n) {
			atomic.AddUint64(&m.consumed, n)
			return nil
		}
	}
}

// Consumed returns the steps recorded so far.
func (m *StepMeter) Consumed() uint64 {
	return atomic.LoadUint64(&m.consumed)
}

// Remaining returns the unused budget. Unlimited meters report 0.
func (m *StepMeter) Remaining() uint64 {
	return atomic.LoadUint64(&m.remaining)
}

// Limit returns the configured budget.
func (m *StepMeter) Limit() uint64 {
	return m.limit
}

// Unlimited reports whether the meter has no budget.
func (m *StepMeter) Unlimited() bool {
	return m.unlimited
}

// Reset restores the meter to its initial state.
func (m *StepMeter) Reset() {
	atomic.StoreUint64(&m.remaining, m.limit)
	atomic.StoreUint64(&m.consumed, 0)
}
