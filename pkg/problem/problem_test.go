package problem

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/tectonaut/quakeinv/pkg/config"
	"github.com/tectonaut/quakeinv/pkg/errors"
	"github.com/tectonaut/quakeinv/pkg/likelihood"
)

func testConfig(t *testing.T) *config.InversionConfig {
	t.Helper()
	cfg := &config.InversionConfig{
		Name:       "laquila",
		ProjectDir: t.TempDir(),
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
	require.NoError(t, cfg.Problem.InitVars())
	require.NoError(t, cfg.UpdateHypers())
	return cfg
}

func testGeodeticComposite(t *testing.T, datasets ...*likelihood.Dataset) *likelihood.GeodeticComposite {
	t.Helper()
	if len(datasets) == 0 {
		datasets = []*likelihood.Dataset{{
			Name:       "insar_A",
			Typ:        "SAR",
			Observed:   []float64{0.01, 0.02},
			Covariance: likelihood.NewCovariance(mat.NewSymDense(2, []float64{4, 0, 0, 4})),
		}}
	}
	forward := likelihood.ForwardFunc(func(src map[string][]float64) ([][]float64, error) {
		synths := make([][]float64, len(datasets))
		for i, d := range datasets {
			synths[i] = make([]float64, d.Samples())
		}
		return synths, nil
	})
	comp, err := likelihood.NewGeodeticComposite(datasets, forward)
	require.NoError(t, err)
	return comp
}

func TestNewProblem(t *testing.T) {
	cfg := testConfig(t)
	comp := testGeodeticComposite(t)

	p, err := New(cfg, map[string]likelihood.Composite{
		config.DatatypeGeodetic: comp,
	})
	require.NoError(t, err)

	assert.Contains(t, p.Space().HyperNames(), "h_SAR")
	assert.NotEmpty(t, p.Space().FreeNames())
}

func TestNewProblemMissingComposite(t *testing.T) {
	cfg := testConfig(t)
	_, err := New(cfg, map[string]likelihood.Composite{})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.InvalidConfig))
}

func TestNewProblemWrongVariant(t *testing.T) {
	cfg := testConfig(t)
	traces := []*likelihood.Dataset{{
		Name:       "t0",
		Typ:        "any_P_Z",
		Observed:   []float64{1},
		Covariance: likelihood.IdentityCovariance(1),
	}}
	seismic, err := likelihood.NewSeismicComposite(traces,
		likelihood.SeismicForwardFunc(func(map[string][]float64, []float64) ([][]float64, error) {
			return [][]float64{{0}}, nil
		}))
	require.NoError(t, err)

	_, err = New(cfg, map[string]likelihood.Composite{
		config.DatatypeGeodetic: seismic,
	})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.InvalidConfig))
}

func TestHyperConsistencySurplus(t *testing.T) {
	cfg := testConfig(t)
	// Configure a hyperparameter that no composite requires.
	cfg.Geodetic.Types = []string{"SAR", "GPS"}
	require.NoError(t, cfg.UpdateHypers())

	_, err := New(cfg, map[string]likelihood.Composite{
		config.DatatypeGeodetic: testGeodeticComposite(t),
	})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.InconsistentHyperparameters))
}

func TestHyperConsistencyMissing(t *testing.T) {
	cfg := testConfig(t)
	delete(cfg.Problem.Hyperparameters, "h_SAR")

	_, err := New(cfg, map[string]likelihood.Composite{
		config.DatatypeGeodetic: testGeodeticComposite(t),
	})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.InconsistentHyperparameters))
}

func TestHyperparamsDatasetSpecificExpansion(t *testing.T) {
	cfg := testConfig(t)
	cfg.Problem.DatasetSpecificResidualNoise = true

	datasets := []*likelihood.Dataset{
		{Name: "insar_A", Typ: "SAR", Observed: []float64{1}, Covariance: likelihood.IdentityCovariance(1)},
		{Name: "insar_B", Typ: "SAR", Observed: []float64{2}, Covariance: likelihood.IdentityCovariance(1)},
	}
	p, err := New(cfg, map[string]likelihood.Composite{
		config.DatatypeGeodetic: testGeodeticComposite(t, datasets...),
	})
	require.NoError(t, err)

	hp, ok := p.Space().Hyper("h_SAR")
	require.True(t, ok)
	assert.Equal(t, 2, hp.Dim())
}

func TestBuildLogPosterior(t *testing.T) {
	cfg := testConfig(t)
	comp := testGeodeticComposite(t)
	p, err := New(cfg, map[string]likelihood.Composite{
		config.DatatypeGeodetic: comp,
	})
	require.NoError(t, err)

	posterior := p.Build()
	point := p.Space().TestPoint()

	got, err := posterior(point)
	require.NoError(t, err)
	assert.False(t, math.IsNaN(got))
	assert.False(t, math.IsInf(got, 0))

	want, err := comp.GetFormula(point)
	require.NoError(t, err)
	assert.InDelta(t, want, got, 1e-12)
}

func TestBuildHyperModel(t *testing.T) {
	cfg := testConfig(t)
	comp := testGeodeticComposite(t)
	p, err := New(cfg, map[string]likelihood.Composite{
		config.DatatypeGeodetic: comp,
	})
	require.NoError(t, err)

	hyperPosterior, err := p.BuildHyperModel(context.Background())
	require.NoError(t, err)

	point := p.Space().TestPoint()
	hyperLL, err := hyperPosterior(point)
	require.NoError(t, err)

	fullLL, err := p.Build()(point)
	require.NoError(t, err)

	// At the frozen source point both posteriors agree.
	assert.InDelta(t, fullLL, hyperLL, 1e-10)
}

type constCovProvider struct {
	predV *mat.SymDense
}

func (c constCovProvider) PredictionCovariance(src map[string][]float64, ds *likelihood.Dataset) (*mat.SymDense, error) {
	return c.predV, nil
}

func TestUpdateWeights(t *testing.T) {
	cfg := testConfig(t)
	d := &likelihood.Dataset{
		Name:       "insar_A",
		Typ:        "SAR",
		Observed:   []float64{1, 2},
		Covariance: likelihood.NewCovariance(mat.NewSymDense(2, []float64{4, 0, 0, 4})),
	}
	forward := likelihood.ForwardFunc(func(map[string][]float64) ([][]float64, error) {
		return [][]float64{{0, 0}}, nil
	})
	comp, err := likelihood.NewGeodeticComposite([]*likelihood.Dataset{d}, forward,
		likelihood.WithCovarianceProvider(constCovProvider{
			predV: mat.NewSymDense(2, []float64{5, 0, 0, 5}),
		}))
	require.NoError(t, err)

	p, err := New(cfg, map[string]likelihood.Composite{
		config.DatatypeGeodetic: comp,
	})
	require.NoError(t, err)

	require.NoError(t, p.UpdateWeights(context.Background(), p.Space().TestPoint()))

	w, err := d.Covariance.CholInverse()
	require.NoError(t, err)
	assert.InDelta(t, 1.0/3.0, w.At(0, 0), 1e-12)
}
