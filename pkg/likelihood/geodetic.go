package likelihood

import (
	"github.com/tectonaut/quakeinv/pkg/errors"
	"github.com/tectonaut/quakeinv/pkg/params"
)

// GeodeticComposite evaluates the misfit of nonlinear geodetic forward models
// (GNSS offsets, unwrapped SAR displacements) against observed surface data.
type GeodeticComposite struct {
	baseComposite

	forward   ForwardModel
	covProv   CovarianceProvider
	fitPlane  bool
	rampBound float64
}

// GeodeticOption configures a GeodeticComposite.
type GeodeticOption func(*GeodeticComposite)

// WithFitPlane enables joint estimation of per-dataset orbital ramp planes
// for datasets that carry local coordinates.
func WithFitPlane() GeodeticOption {
	return func(g *GeodeticComposite) { g.fitPlane = true }
}

// WithCovarianceProvider installs a prediction-covariance source used by
// UpdateWeights between sampling stages.
func WithCovarianceProvider(p CovarianceProvider) GeodeticOption {
	return func(g *GeodeticComposite) { g.covProv = p }
}

// WithRampBound overrides the symmetric prior bound on ramp coefficients.
func WithRampBound(b float64) GeodeticOption {
	return func(g *GeodeticComposite) { g.rampBound = b }
}

// WithDatasetSpecificNoise gives each dataset its own noise-scaling
// hyperparameter slot instead of one per datatype.
func WithDatasetSpecificNoise() GeodeticOption {
	return func(g *GeodeticComposite) { g.hpSpecific = true }
}

// NewGeodeticComposite builds a geodetic composite over the given datasets.
func NewGeodeticComposite(datasets []*Dataset, forward ForwardModel, opts ...GeodeticOption) (*GeodeticComposite, error) {
	if forward == nil {
		return nil, errors.New(errors.InvalidConfig, "geodetic composite requires a forward model")
	}
	g := &GeodeticComposite{
		baseComposite: newBaseComposite("geodetic", datasets, false),
		forward:       forward,
		rampBound:     defaultRampBound,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Hierarchicals returns one two-component ramp parameter per SAR dataset when
// plane fitting is enabled.
func (g *GeodeticComposite) Hierarchicals() map[string]*params.Parameter {
	if !g.fitPlane {
		return nil
	}
	out := make(map[string]*params.Parameter)
	for _, d := range g.datasets {
		if d.LocalX == nil || d.LocalY == nil {
			continue
		}
		name := d.Name + "_ramp"
		out[name] = params.NewVector(name, 2, -g.rampBound, g.rampBound, 0)
	}
	return out
}

func (g *GeodeticComposite) residuals(p *params.Point) ([][]float64, [][]float64, error) {
	synths, err := g.forward.Synthetics(p.SourceValues())
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ForwardModelFailed, "geodetic forward model")
	}
	residuals, err := g.residualsAt(synths)
	if err != nil {
		return nil, nil, err
	}
	if g.fitPlane {
		g.removeRamps(residuals, p)
	}
	return synths, residuals, nil
}

// GetFormula evaluates the geodetic log-likelihood at a point.
func (g *GeodeticComposite) GetFormula(p *params.Point) (float64, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, residuals, err := g.residuals(p)
	if err != nil {
		return 0, err
	}
	logpts, err := MultivariateNormalChol(g.datasets, residuals, p.Hyper, g.hpSpecific)
	if err != nil {
		return 0, err
	}
	return sum(logpts), nil
}

// GetHyperFormula evaluates the hyperparameter log-likelihood over cached
// quadratic forms.
func (g *GeodeticComposite) GetHyperFormula(p *params.Point) (float64, error) {
	return g.hyperFormula(p)
}

// UpdateLLKs caches the raw weighted quadratic forms at the given point.
func (g *GeodeticComposite) UpdateLLKs(p *params.Point) error {
	g.mu.RLock()
	_, residuals, err := g.residuals(p)
	g.mu.RUnlock()
	if err != nil {
		return err
	}
	return g.cacheLLKs(residuals)
}

// AssembleResults returns per-dataset prediction triples at the given point.
func (g *GeodeticComposite) AssembleResults(p *params.Point) ([]Result, error) {
	synths, residuals, err := g.residuals(p)
	if err != nil {
		return nil, err
	}
	return assembleResults(g.datasets, synths, residuals), nil
}

// UpdateWeights refreshes the prediction covariances at a reference point.
// A composite without a covariance provider keeps its import-time weights.
func (g *GeodeticComposite) UpdateWeights(p *params.Point) error {
	if g.covProv == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	src := p.SourceValues()
	for _, d := range g.datasets {
		predV, err := g.covProv.PredictionCovariance(src, d)
		if err != nil {
			return errors.WithFields(err, errors.Fields{"dataset": d.Name})
		}
		d.Covariance.SetPredV(predV)
	}
	g.llksValid = false
	return nil
}

// Apply copies the weight matrices of another composite in place.
func (g *GeodeticComposite) Apply(other Composite) error {
	return g.applyWeights(other)
}
