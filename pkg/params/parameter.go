// Package params defines the random variables of an inversion problem and
// the points of the solution space they span.
package params

import (
	"math/rand/v2"

	"github.com/tectonaut/quakeinv/pkg/errors"
)

// Parameter is a named random variable with elementwise bounds and a test
// value. A parameter whose lower and upper bounds coincide elementwise is
// fixed and excluded from sampling.
type Parameter struct {
	Name      string    `yaml:"name"`
	Lower     []float64 `yaml:"lower"`
	Upper     []float64 `yaml:"upper"`
	TestValue []float64 `yaml:"testvalue"`
}

// NewScalar returns a one-dimensional parameter.
func NewScalar(name string, lower, upper, testval float64) *Parameter {
	return &Parameter{
		Name:      name,
		Lower:     []float64{lower},
		Upper:     []float64{upper},
		TestValue: []float64{testval},
	}
}

// NewVector returns a parameter of dimension n with all entries sharing the
// same bounds and test value.
func NewVector(name string, n int, lower, upper, testval float64) *Parameter {
	p := &Parameter{
		Name:      name,
		Lower:     make([]float64, n),
		Upper:     make([]float64, n),
		TestValue: make([]float64, n),
	}
	for i := 0; i < n; i++ {
		p.Lower[i] = lower
		p.Upper[i] = upper
		p.TestValue[i] = testval
	}
	return p
}

// Dim returns the dimension of the parameter.
func (p *Parameter) Dim() int {
	return len(p.Lower)
}

// Fixed reports whether the parameter is fixed, i.e. lower == upper
// elementwise.
func (p *Parameter) Fixed() bool {
	for i := range p.Lower {
		if p.Lower[i] != p.Upper[i] {
			return false
		}
	}
	return true
}

// ValidateBounds checks the parameter invariant lower <= testvalue <= upper
// elementwise and consistent slice lengths.
func (p *Parameter) ValidateBounds() error {
	if len(p.Upper) != len(p.Lower) || len(p.TestValue) != len(p.Lower) {
		return errors.WithFields(
			errors.New(errors.InvalidConfig, "parameter bound dimensions disagree"),
			errors.Fields{"parameter": p.Name})
	}
	for i := range p.Lower {
		if p.Lower[i] > p.Upper[i] {
			return errors.WithFields(
				errors.Newf(errors.BoundsViolation,
					"lower bound %g exceeds upper bound %g", p.Lower[i], p.Upper[i]),
				errors.Fields{"parameter": p.Name, "index": i})
		}
		if p.TestValue[i] < p.Lower[i] || p.TestValue[i] > p.Upper[i] {
			return errors.WithFields(
				errors.Newf(errors.BoundsViolation,
					"testvalue %g outside bounds [%g, %g]",
					p.TestValue[i], p.Lower[i], p.Upper[i]),
				errors.Fields{"parameter": p.Name, "index": i})
		}
	}
	return nil
}

// Contains reports whether the given values lie within the parameter bounds.
func (p *Parameter) Contains(vals []float64) bool {
	if len(vals) != p.Dim() {
		return false
	}
	for i, v := range vals {
		if v < p.Lower[i] || v > p.Upper[i] {
			return false
		}
	}
	return true
}

// Random draws a uniform sample within the bounds. Fixed entries come out at
// their (coinciding) bound.
func (p *Parameter) Random(rng *rand.Rand) []float64 {
	vals := make([]float64, p.Dim())
	for i := range vals {
		vals[i] = p.Lower[i] + rng.Float64()*(p.Upper[i]-p.Lower[i])
	}
	return vals
}

// Expand returns a copy of the parameter with its dimension multiplied by n,
// repeating bounds and test values. Used for dataset-specific hyperparameter
// estimation.
func (p *Parameter) Expand(n int) *Parameter {
	out := &Parameter{
		Name:      p.Name,
		Lower:     make([]float64, 0, p.Dim()*n),
		Upper:     make([]float64, 0, p.Dim()*n),
		TestValue: make([]float64, 0, p.Dim()*n),
	}
	for i := 0; i < n; i++ {
		out.Lower = append(out.Lower, p.Lower...)
		out.Upper = append(out.Upper, p.Upper...)
		out.TestValue = append(out.TestValue, p.TestValue...)
	}
	return out
}
