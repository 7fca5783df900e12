package params

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tectonaut/quakeinv/pkg/errors"
)

func TestParameterValidateBounds(t *testing.T) {
	require.NoError(t, NewScalar("depth", 0, 10, 2).ValidateBounds())

	err := NewScalar("depth", 10, 0, 2).ValidateBounds()
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.BoundsViolation))

	err = NewScalar("depth", 0, 10, 12).ValidateBounds()
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.BoundsViolation))
}

func TestParameterFixed(t *testing.T) {
	assert.True(t, NewScalar("depth", 5, 5, 5).Fixed())
	assert.False(t, NewScalar("depth", 0, 10, 5).Fixed())

	// A vector parameter is fixed only when every component is.
	p := NewVector("uparr", 2, 1, 1, 1)
	assert.True(t, p.Fixed())
	p.Upper[1] = 2
	assert.False(t, p.Fixed())
}

func TestParameterContains(t *testing.T) {
	p := NewVector("east_shift", 2, -10, 10, 0)
	assert.True(t, p.Contains([]float64{0, 9.9}))
	assert.False(t, p.Contains([]float64{0, 10.1}))
	assert.False(t, p.Contains([]float64{0}))
}

func TestParameterRandomWithinBounds(t *testing.T) {
	p := NewVector("depth", 3, 1, 4, 2)
	rng := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 100; i++ {
		vals := p.Random(rng)
		require.Len(t, vals, 3)
		assert.True(t, p.Contains(vals))
	}
}

func TestParameterExpand(t *testing.T) {
	p := NewScalar("h_SAR", -20, 20, 0)
	e := p.Expand(3)
	assert.Equal(t, 3, e.Dim())
	assert.Equal(t, []float64{-20, -20, -20}, e.Lower)
	assert.Equal(t, []float64{20, 20, 20}, e.Upper)
	// The original stays untouched.
	assert.Equal(t, 1, p.Dim())
}

func TestPointCopyIsDeep(t *testing.T) {
	p := NewPoint()
	p.Free["depth"] = []float64{1, 2}
	p.Hyper["h_SAR"] = []float64{0}

	c := p.Copy()
	c.Free["depth"][0] = 99
	assert.InDelta(t, 1, p.Free["depth"][0], 0)
}

func TestPointSourceValues(t *testing.T) {
	p := NewPoint()
	p.Free["depth"] = []float64{1}
	p.Fixed["strike"] = []float64{45}
	p.Hyper["h_SAR"] = []float64{0}
	p.Hierarchical["time_shift"] = []float64{0.5}

	src := p.SourceValues()
	assert.Contains(t, src, "depth")
	assert.Contains(t, src, "strike")
	assert.NotContains(t, src, "h_SAR")
	assert.NotContains(t, src, "time_shift")
}
