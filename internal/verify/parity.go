// Package verify compares the eager model's outputs against a re-executed
// exported artifact. The comparison is advisory: deviations are reported
// per output, never fatal, because kernel-level float differences between
// runtimes are expected. It exists to catch structural export bugs.
package verify

import (
	"fmt"
	"math"

	"github.com/castml/promptcast/internal/tensor"
)

// DefaultTolerance is the absolute per-element deviation treated as parity.
const DefaultTolerance = 1e-4

// Result is the comparison outcome for one named output.
type Result struct {
	Output     string
	MaxAbsDiff float64
	Pass       bool
}

// Report holds per-output results in output-name order.
type Report struct {
	Tolerance float64
	Results   []Result
}

// AllPassed reports whether every output stayed within tolerance.
func (r *Report) AllPassed() bool {
	for _, res := range r.Results {
		if !res.Pass {
			return false
		}
	}
	return true
}

// Compare measures max absolute element-wise deviation per output between
// the eager run and the artifact run. A missing output or a shape mismatch
// is a structural defect and returns an error; deviation beyond tolerance
// only marks the result as failed.
func Compare(outputNames []string, eager, artifact map[string]*tensor.RawTensor, tolerance float64) (*Report, error) {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	report := &Report{Tolerance: tolerance}

	for _, name := range outputNames {
		want, ok := eager[name]
		if !ok {
			return nil, fmt.Errorf("eager run is missing output %q", name)
		}
		got, ok := artifact[name]
		if !ok {
			return nil, fmt.Errorf("artifact run is missing output %q", name)
		}
		if !want.Shape().Equal(got.Shape()) {
			return nil, fmt.Errorf("output %q: eager shape %v, artifact shape %v", name, want.Shape(), got.Shape())
		}
		if want.DType() != tensor.Float32 || got.DType() != tensor.Float32 {
			return nil, fmt.Errorf("output %q: expected float32 tensors, got %s and %s", name, want.DType(), got.DType())
		}

		diff := maxAbsDiff(want.AsFloat32(), got.AsFloat32())
		report.Results = append(report.Results, Result{
			Output:     name,
			MaxAbsDiff: diff,
			Pass:       diff < tolerance,
		})
	}
	return report, nil
}

func maxAbsDiff(a, b []float32) float64 {
	var max float64
	for i := range a {
		d := math.Abs(float64(a[i]) - float64(b[i]))
		if d > max || math.IsNaN(d) {
			max = d
			if math.IsNaN(d) {
				return math.NaN()
			}
		}
	}
	return max
}
