// Package testutil provides synthetic inversion scenarios with known true
// source parameters, used by end-to-end sampler tests.
package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/tectonaut/quakeinv/pkg/config"
	"github.com/tectonaut/quakeinv/pkg/likelihood"
	"github.com/tectonaut/quakeinv/pkg/params"
	"github.com/tectonaut/quakeinv/pkg/problem"
)

// Scenario is a fully wired synthetic inversion problem. The observed data
// are noise-free synthetics at TrueValues, so the posterior concentrates
// around the true source.
type Scenario struct {
	Config     *config.InversionConfig
	Datasets   []*likelihood.Dataset
	Composite  *likelihood.GeodeticComposite
	Problem    *problem.Problem
	TrueValues map[string][]float64

	// FreeNames are the variables left to sample; all other source
	// parameters are fixed at their test values.
	FreeNames []string
}

// pointForward evaluates surface displacement of a buried pressure point at
// the given pixel coordinates. Only east_shift, north_shift and depth enter;
// the remaining source variables are ignored.
func pointForward(xs, ys []float64) likelihood.ForwardFunc {
	return func(src map[string][]float64) ([][]float64, error) {
		east := src["east_shift"][0]
		north := src["north_shift"][0]
		depth := src["depth"][0]

		row := make([]float64, len(xs))
		for i := range xs {
			dx := xs[i] - east
			dy := ys[i] - north
			row[i] = 100 / (dx*dx + dy*dy + (depth+1)*(depth+1))
		}
		return [][]float64{row}, nil
	}
}

// NewGeodeticScenario builds a geometry-mode geodetic problem with one SAR
// dataset over a regular pixel grid. Free variables are east_shift,
// north_shift and depth; data noise is fixed at sigma.
func NewGeodeticScenario(tb testing.TB, projectDir string) *Scenario {
	tb.Helper()

	cfg := &config.InversionConfig{
		Name:       "synthetic",
		ProjectDir: projectDir,
		Problem: config.ProblemConfig{
			Mode:       config.ModeGeometry,
			SourceType: "RectangularSource",
			NSources:   1,
			Datatypes:  []string{config.DatatypeGeodetic},
		},
		Geodetic: &config.GeodeticConfig{Types: []string{"SAR"}},
		Sampler: config.SamplerConfig{
			Name: config.SamplerSMC,
			SMC:  config.DefaultSMCConfig(),
		},
	}
	require.NoError(tb, cfg.Problem.InitVars())

	free := map[string]bool{"east_shift": true, "north_shift": true, "depth": true}
	for name, prior := range cfg.Problem.Priors {
		if free[name] {
			continue
		}
		for i := range prior.Lower {
			prior.Lower[i] = prior.TestValue[i]
			prior.Upper[i] = prior.TestValue[i]
		}
	}

	require.NoError(tb, cfg.UpdateHypers())
	// The noise level is known exactly, so the scaling hyperparameter is
	// fixed at zero instead of sampled.
	cfg.Problem.Hyperparameters["h_SAR"] = params.NewScalar("h_SAR", 0, 0, 0)

	trueValues := map[string][]float64{
		"east_shift":  {2},
		"north_shift": {-3},
		"depth":       {1.5},
	}

	// 5x5 pixel grid over the prior window.
	var xs, ys []float64
	for i := 0; i < 5; i++ {
		for j := 0; j < 5; j++ {
			xs = append(xs, -8+4*float64(i))
			ys = append(ys, -8+4*float64(j))
		}
	}
	forward := pointForward(xs, ys)

	synths, err := forward(trueValues)
	require.NoError(tb, err)
	observed := synths[0]

	const sigma = 0.5
	n := len(observed)
	cov := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		cov.SetSym(i, i, sigma*sigma)
	}

	ds := &likelihood.Dataset{
		Name:       "asc",
		Typ:        "SAR",
		Observed:   observed,
		Covariance: likelihood.NewCovariance(cov),
		LocalX:     xs,
		LocalY:     ys,
	}

	comp, err := likelihood.NewGeodeticComposite([]*likelihood.Dataset{ds}, forward)
	require.NoError(tb, err)

	prob, err := problem.New(cfg, map[string]likelihood.Composite{
		config.DatatypeGeodetic: comp,
	})
	require.NoError(tb, err)

	return &Scenario{
		Config:     cfg,
		Datasets:   []*likelihood.Dataset{ds},
		Composite:  comp,
		Problem:    prob,
		TrueValues: trueValues,
		FreeNames:  []string{"depth", "east_shift", "north_shift"},
	}
}

// TruePoint returns the scenario's generating point in the problem's space.
func (s *Scenario) TruePoint() *params.Point {
	p := s.Problem.Space().TestPoint()
	for name, vals := range s.TrueValues {
		v := make([]float64, len(vals))
		copy(v, vals)
		p.Free[name] = v
	}
	return p
}

// Mean returns the per-variable posterior mean of a set of coordinate rows
// under the given ordering.
func Mean(ord *params.Ordering, coords [][]float64) map[string]float64 {
	sums := make([]float64, ord.Size)
	for _, row := range coords {
		for i, v := range row {
			sums[i] += v
		}
	}
	out := make(map[string]float64, len(ord.Names))
	for i, name := range ord.Names {
		out[name] = sums[ord.Offsets[i]] / float64(len(coords))
	}
	return out
}
