package likelihood

import (
	"github.com/tectonaut/quakeinv/pkg/errors"
	"github.com/tectonaut/quakeinv/pkg/params"
)

// InterseismicComposite evaluates geodetic misfits of interseismic velocity
// fields, combining rigid block motion with backslip on locked faults. Block
// variables (bl_azimuth, bl_amplitude) travel in the same point as the fault
// geometry and reach the forward model through SourceValues.
type InterseismicComposite struct {
	baseComposite

	forward   ForwardModel
	covProv   CovarianceProvider
	fitPlane  bool
	rampBound float64
}

// InterseismicOption configures an InterseismicComposite.
type InterseismicOption func(*InterseismicComposite)

// WithInterseismicFitPlane enables joint estimation of per-dataset orbital
// ramp planes for datasets that carry local coordinates.
func WithInterseismicFitPlane() InterseismicOption {
	return func(c *InterseismicComposite) { c.fitPlane = true }
}

// WithInterseismicCovarianceProvider installs a prediction-covariance source
// used by UpdateWeights between sampling stages.
func WithInterseismicCovarianceProvider(p CovarianceProvider) InterseismicOption {
	return func(c *InterseismicComposite) { c.covProv = p }
}

// WithInterseismicDatasetSpecificNoise gives each dataset its own
// noise-scaling hyperparameter slot.
func WithInterseismicDatasetSpecificNoise() InterseismicOption {
	return func(c *InterseismicComposite) { c.hpSpecific = true }
}

// NewInterseismicComposite builds an interseismic composite over the given
// velocity datasets.
func NewInterseismicComposite(datasets []*Dataset, forward ForwardModel, opts ...InterseismicOption) (*InterseismicComposite, error) {
	if forward == nil {
		return nil, errors.New(errors.InvalidConfig, "interseismic composite requires a forward model")
	}
	c := &InterseismicComposite{
		baseComposite: newBaseComposite("geodetic", datasets, false),
		forward:       forward,
		rampBound:     defaultRampBound,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Hierarchicals returns one two-component ramp parameter per SAR dataset when
// plane fitting is enabled.
func (c *InterseismicComposite) Hierarchicals() map[string]*params.Parameter {
	if !c.fitPlane {
		return nil
	}
	out := make(map[string]*params.Parameter)
	for _, d := range c.datasets {
		if d.LocalX == nil || d.LocalY == nil {
			continue
		}
		name := d.Name + "_ramp"
		out[name] = params.NewVector(name, 2, -c.rampBound, c.rampBound, 0)
	}
	return out
}

func (c *InterseismicComposite) residuals(p *params.Point) ([][]float64, [][]float64, error) {
	synths, err := c.forward.Synthetics(p.SourceValues())
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ForwardModelFailed, "interseismic forward model")
	}
	residuals, err := c.residualsAt(synths)
	if err != nil {
		return nil, nil, err
	}
	if c.fitPlane {
		c.removeRamps(residuals, p)
	}
	return synths, residuals, nil
}

// GetFormula evaluates the interseismic log-likelihood at a point.
func (c *InterseismicComposite) GetFormula(p *params.Point) (float64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, residuals, err := c.residuals(p)
	if err != nil {
		return 0, err
	}
	logpts, err := MultivariateNormalChol(c.datasets, residuals, p.Hyper, c.hpSpecific)
	if err != nil {
		return 0, err
	}
	return sum(logpts), nil
}

// GetHyperFormula evaluates the hyperparameter log-likelihood over cached
// quadratic forms.
func (c *InterseismicComposite) GetHyperFormula(p *params.Point) (float64, error) {
	return c.hyperFormula(p)
}

// UpdateLLKs caches the raw weighted quadratic forms at the given point.
func (c *InterseismicComposite) UpdateLLKs(p *params.Point) error {
	c.mu.RLock()
	_, residuals, err := c.residuals(p)
	c.mu.RUnlock()
	if err != nil {
		return err
	}
	return c.cacheLLKs(residuals)
}

// AssembleResults returns per-dataset prediction triples at the given point.
func (c *InterseismicComposite) AssembleResults(p *params.Point) ([]Result, error) {
	synths, residuals, err := c.residuals(p)
	if err != nil {
		return nil, err
	}
	return assembleResults(c.datasets, synths, residuals), nil
}

// UpdateWeights refreshes the prediction covariances at a reference point.
func (c *InterseismicComposite) UpdateWeights(p *params.Point) error {
	if c.covProv == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	src := p.SourceValues()
	for _, d := range c.datasets {
		predV, err := c.covProv.PredictionCovariance(src, d)
		if err != nil {
			return errors.WithFields(err, errors.Fields{"dataset": d.Name})
		}
		d.Covariance.SetPredV(predV)
	}
	c.llksValid = false
	return nil
}

// Apply copies the weight matrices of another composite in place.
func (c *InterseismicComposite) Apply(other Composite) error {
	return c.applyWeights(other)
}
