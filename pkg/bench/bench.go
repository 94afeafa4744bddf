// Package bench measures VM workloads and reports median timings.
package bench

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// DefaultIterations is the number of samples taken when none is given.
const DefaultIterations = 11

// ErrNoIterations is returned when a run is asked for zero samples.
var ErrNoIterations = errors.New("iteration count must be positive")

// Median returns the median of samples. An even count averages the two
// middle samples; an empty slice yields 0. The input is not modified.
func Median(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

// Result summarises one benchmark.
type Result struct {
	Name    string
	Samples []time.Duration
	Median  time.Duration
	Min     time.Duration
	Max     time.Duration
}

func (r *Result) String() string {
	return fmt.Sprintf("%s: median %v (min %v, max %v, n=%d)", r.Name, r.Median, r.Min, r.Max, len(r.Samples))
}

// Sample runs one iteration and returns the time it measured. Workloads
// report their own timing so that setup is excluded and device runs can
// report kernel time.
type Sample func(ctx context.Context) (time.Duration, error)

// Run takes iterations samples of fn. iterations 0 selects DefaultIterations.
func Run(ctx context.Context, name string, iterations int, fn Sample) (*Result, error) {
	if iterations == 0 {
		iterations = DefaultIterations
	}
	if iterations < 0 {
		return nil, ErrNoIterations
	}

	res := &Result{Name: name, Samples: make([]time.Duration, 0, iterations)}
	for i := 0; i < iterations; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		d, err := fn(ctx)
		if err != nil {
			return nil, fmt.Errorf("%s iteration %d: %w", name, i, err)
		}
		res.Samples = append(res.Samples, d)
		if i == 0 || d < res.Min {
			res.Min = d
		}
		if d > res.Max {
			res.Max = d
		}
	}
	res.Median = Median(res.Samples)
	return res, nil
}
