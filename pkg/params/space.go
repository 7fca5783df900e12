package params

import (
	"math/rand/v2"
	"sort"

	"github.com/tectonaut/quakeinv/pkg/errors"
)

// Include selects which variable groups participate in an operation.
type Include int

const (
	IncludePriors Include = 1 << iota
	IncludeHierarchicals
	IncludeHypers

	IncludeAll = IncludePriors | IncludeHierarchicals | IncludeHypers
)

// Space holds the random variables of a problem: source priors,
// hyperparameters and hierarchical nuisance variables.
type Space struct {
	priors        map[string]*Parameter
	hypers        map[string]*Parameter
	hierarchicals map[string]*Parameter
}

// NewSpace builds a parameter space. Nil maps are treated as empty.
func NewSpace(priors, hypers, hierarchicals map[string]*Parameter) *Space {
	s := &Space{
		priors:        make(map[string]*Parameter),
		hypers:        make(map[string]*Parameter),
		hierarchicals: make(map[string]*Parameter),
	}
	for k, v := range priors {
		s.priors[k] = v
	}
	for k, v := range hypers {
		s.hypers[k] = v
	}
	for k, v := range hierarchicals {
		s.hierarchicals[k] = v
	}
	return s
}

func sortedNames(m map[string]*Parameter) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FreeNames returns the names of non-fixed prior variables. The order is
// lexicographic, stable within a run.
func (s *Space) FreeNames() []string {
	var names []string
	for _, name := range sortedNames(s.priors) {
		if !s.priors[name].Fixed() {
			names = append(names, name)
		}
	}
	return names
}

// FixedValues returns prior variables fixed at their bounds.
func (s *Space) FixedValues() map[string][]float64 {
	out := make(map[string][]float64)
	for name, p := range s.priors {
		if p.Fixed() {
			vals := make([]float64, p.Dim())
			copy(vals, p.Lower)
			out[name] = vals
		}
	}
	return out
}

// Prior returns the prior parameter with the given name.
func (s *Space) Prior(name string) (*Parameter, bool) {
	p, ok := s.priors[name]
	return p, ok
}

// Hyper returns the hyperparameter with the given name.
func (s *Space) Hyper(name string) (*Parameter, bool) {
	p, ok := s.hypers[name]
	return p, ok
}

// HyperNames returns the hyperparameter names in stable order.
func (s *Space) HyperNames() []string {
	return sortedNames(s.hypers)
}

// HierarchicalNames returns the hierarchical variable names in stable order.
func (s *Space) HierarchicalNames() []string {
	return sortedNames(s.hierarchicals)
}

// ValidateBounds checks every parameter of the space. Fails fast with a
// BoundsViolation naming the offending parameter.
func (s *Space) ValidateBounds() error {
	for _, group := range []map[string]*Parameter{s.priors, s.hypers, s.hierarchicals} {
		for _, name := range sortedNames(group) {
			if err := group[name].ValidateBounds(); err != nil {
				return err
			}
		}
	}
	return nil
}

// DrawRandomPoint draws a point with the selected groups sampled uniformly
// within bounds. Unselected groups are left at their test values except fixed
// priors, which always carry their fixed values.
func (s *Space) DrawRandomPoint(rng *rand.Rand, include Include) *Point {
	point := NewPoint()

	for _, name := range sortedNames(s.priors) {
		p := s.priors[name]
		if p.Fixed() {
			vals := make([]float64, p.Dim())
			copy(vals, p.Lower)
			point.Fixed[name] = vals
			continue
		}
		if include&IncludePriors != 0 {
			point.Free[name] = p.Random(rng)
		} else {
			vals := make([]float64, p.Dim())
			copy(vals, p.TestValue)
			point.Free[name] = vals
		}
	}

	for _, name := range sortedNames(s.hierarchicals) {
		p := s.hierarchicals[name]
		if include&IncludeHierarchicals != 0 {
			point.Hierarchical[name] = p.Random(rng)
		} else {
			vals := make([]float64, p.Dim())
			copy(vals, p.TestValue)
			point.Hierarchical[name] = vals
		}
	}

	for _, name := range sortedNames(s.hypers) {
		p := s.hypers[name]
		if include&IncludeHypers != 0 {
			point.Hyper[name] = p.Random(rng)
		} else {
			vals := make([]float64, p.Dim())
			copy(vals, p.TestValue)
			point.Hyper[name] = vals
		}
	}

	return point
}

// TestPoint returns the point assembled from all test values.
func (s *Space) TestPoint() *Point {
	return s.DrawRandomPoint(rand.New(rand.NewPCG(0, 0)), 0)
}

// Ordering maps the sampled variables of a space onto a flat vector. The
// layout is free priors, then hierarchicals, then non-fixed hypers, each
// group in lexicographic name order.
type Ordering struct {
	Names   []string
	Sizes   []int
	Offsets []int
	Size    int

	groups []Include
}

// BuildOrdering derives the vector layout of the selected variable groups.
// Unselected groups are not part of the vector; ToPoint reattaches them at
// their test values.
func (s *Space) BuildOrdering(include Include) *Ordering {
	ord := &Ordering{}

	add := func(name string, dim int, group Include) {
		ord.Names = append(ord.Names, name)
		ord.Sizes = append(ord.Sizes, dim)
		ord.Offsets = append(ord.Offsets, ord.Size)
		ord.groups = append(ord.groups, group)
		ord.Size += dim
	}

	if include&IncludePriors != 0 {
		for _, name := range s.FreeNames() {
			add(name, s.priors[name].Dim(), IncludePriors)
		}
	}
	if include&IncludeHierarchicals != 0 {
		for _, name := range sortedNames(s.hierarchicals) {
			add(name, s.hierarchicals[name].Dim(), IncludeHierarchicals)
		}
	}
	if include&IncludeHypers != 0 {
		for _, name := range sortedNames(s.hypers) {
			if !s.hypers[name].Fixed() {
				add(name, s.hypers[name].Dim(), IncludeHypers)
			}
		}
	}
	return ord
}

// ToVector flattens the sampled sections of a point per the ordering.
func (ord *Ordering) ToVector(p *Point) ([]float64, error) {
	vec := make([]float64, ord.Size)
	for i, name := range ord.Names {
		var vals []float64
		var ok bool
		switch ord.groups[i] {
		case IncludePriors:
			vals, ok = p.Free[name]
		case IncludeHierarchicals:
			vals, ok = p.Hierarchical[name]
		case IncludeHypers:
			vals, ok = p.Hyper[name]
		}
		if !ok || len(vals) != ord.Sizes[i] {
			return nil, errors.WithFields(
				errors.New(errors.InvalidConfig, "point does not match ordering"),
				errors.Fields{"variable": name})
		}
		copy(vec[ord.Offsets[i]:ord.Offsets[i]+ord.Sizes[i]], vals)
	}
	return vec, nil
}

// ToPoint rebuilds a typed point from a flat vector. Fixed priors come back
// at their fixed values; variables of groups outside the ordering come back
// at their test values.
func (ord *Ordering) ToPoint(s *Space, vec []float64) (*Point, error) {
	if len(vec) != ord.Size {
		return nil, errors.Newf(errors.InvalidConfig,
			"vector size %d does not match ordering size %d", len(vec), ord.Size)
	}
	point := s.TestPoint()
	for i, name := range ord.Names {
		vals := make([]float64, ord.Sizes[i])
		copy(vals, vec[ord.Offsets[i]:ord.Offsets[i]+ord.Sizes[i]])
		switch ord.groups[i] {
		case IncludePriors:
			point.Free[name] = vals
		case IncludeHierarchicals:
			point.Hierarchical[name] = vals
		case IncludeHypers:
			point.Hyper[name] = vals
		}
	}
	return point, nil
}

// BoundVectors returns the flattened lower and upper bounds per the ordering.
func (ord *Ordering) BoundVectors(s *Space) (lower, upper []float64) {
	lower = make([]float64, ord.Size)
	upper = make([]float64, ord.Size)
	for i, name := range ord.Names {
		var p *Parameter
		switch ord.groups[i] {
		case IncludePriors:
			p = s.priors[name]
		case IncludeHierarchicals:
			p = s.hierarchicals[name]
		case IncludeHypers:
			p = s.hypers[name]
		}
		copy(lower[ord.Offsets[i]:], p.Lower)
		copy(upper[ord.Offsets[i]:], p.Upper)
	}
	return lower, upper
}
