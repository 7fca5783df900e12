package params

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSpace() *Space {
	priors := map[string]*Parameter{
		"depth":      NewScalar("depth", 0, 10, 5),
		"east_shift": NewScalar("east_shift", -20, 20, 0),
		"strike":     NewScalar("strike", 45, 45, 45),
	}
	hypers := map[string]*Parameter{
		"h_SAR": NewScalar("h_SAR", -20, 20, 0),
	}
	hierarchicals := map[string]*Parameter{
		"asc_ramp": NewVector("asc_ramp", 2, -0.005, 0.005, 0),
	}
	return NewSpace(priors, hypers, hierarchicals)
}

func TestSpaceFreeAndFixed(t *testing.T) {
	s := testSpace()
	assert.Equal(t, []string{"depth", "east_shift"}, s.FreeNames())

	fixed := s.FixedValues()
	require.Contains(t, fixed, "strike")
	assert.Equal(t, []float64{45}, fixed["strike"])
}

func TestSpaceTestPoint(t *testing.T) {
	p := testSpace().TestPoint()
	assert.Equal(t, []float64{5}, p.Free["depth"])
	assert.Equal(t, []float64{45}, p.Fixed["strike"])
	assert.Equal(t, []float64{0}, p.Hyper["h_SAR"])
	assert.Equal(t, []float64{0, 0}, p.Hierarchical["asc_ramp"])
}

func TestSpaceDrawRandomPointInclude(t *testing.T) {
	s := testSpace()
	rng := rand.New(rand.NewPCG(7, 0))

	// Priors only: hypers and hierarchicals stay at their test values.
	p := s.DrawRandomPoint(rng, IncludePriors)
	assert.Equal(t, []float64{0}, p.Hyper["h_SAR"])
	assert.Equal(t, []float64{0, 0}, p.Hierarchical["asc_ramp"])
	assert.Equal(t, []float64{45}, p.Fixed["strike"])

	// All groups drawn stay within bounds.
	for i := 0; i < 50; i++ {
		p = s.DrawRandomPoint(rng, IncludeAll)
		for name, vals := range p.Free {
			prior, _ := s.Prior(name)
			assert.True(t, prior.Contains(vals), "prior %s out of bounds", name)
		}
		h, _ := s.Hyper("h_SAR")
		assert.True(t, h.Contains(p.Hyper["h_SAR"]))
	}
}

func TestOrderingLayout(t *testing.T) {
	s := testSpace()
	ord := s.BuildOrdering(IncludeAll)

	// Free priors first, then hierarchicals, then hypers. Fixed priors do not
	// enter the vector.
	assert.Equal(t, []string{"depth", "east_shift", "asc_ramp", "h_SAR"}, ord.Names)
	assert.Equal(t, 5, ord.Size)
	assert.Equal(t, []int{0, 1, 2, 4}, ord.Offsets)

	hyperOrd := s.BuildOrdering(IncludeHypers)
	assert.Equal(t, []string{"h_SAR"}, hyperOrd.Names)
	assert.Equal(t, 1, hyperOrd.Size)
}

func TestOrderingRoundTrip(t *testing.T) {
	s := testSpace()
	ord := s.BuildOrdering(IncludeAll)
	rng := rand.New(rand.NewPCG(11, 0))

	p := s.DrawRandomPoint(rng, IncludeAll)
	vec, err := ord.ToVector(p)
	require.NoError(t, err)
	require.Len(t, vec, ord.Size)

	back, err := ord.ToPoint(s, vec)
	require.NoError(t, err)
	assert.Equal(t, p.Free, back.Free)
	assert.Equal(t, p.Hyper, back.Hyper)
	assert.Equal(t, p.Hierarchical, back.Hierarchical)
	assert.Equal(t, []float64{45}, back.Fixed["strike"])
}

func TestOrderingToPointFillsUnsampledGroups(t *testing.T) {
	s := testSpace()
	ord := s.BuildOrdering(IncludeHypers)

	p, err := ord.ToPoint(s, []float64{3.5})
	require.NoError(t, err)
	assert.Equal(t, []float64{3.5}, p.Hyper["h_SAR"])
	// Priors and hierarchicals come back at their test values.
	assert.Equal(t, []float64{5}, p.Free["depth"])
	assert.Equal(t, []float64{0, 0}, p.Hierarchical["asc_ramp"])
}

func TestOrderingSizeMismatch(t *testing.T) {
	s := testSpace()
	ord := s.BuildOrdering(IncludeAll)

	_, err := ord.ToPoint(s, []float64{1, 2})
	require.Error(t, err)

	p := NewPoint()
	_, err = ord.ToVector(p)
	require.Error(t, err)
}

func TestBoundVectors(t *testing.T) {
	s := testSpace()
	ord := s.BuildOrdering(IncludeAll)
	lower, upper := ord.BoundVectors(s)
	assert.Equal(t, []float64{0, -20, -0.005, -0.005, -20}, lower)
	assert.Equal(t, []float64{10, 20, 0.005, 0.005, 20}, upper)
}
