package likelihood

import (
	"gonum.org/v1/gonum/mat"

	"github.com/tectonaut/quakeinv/pkg/errors"
	"github.com/tectonaut/quakeinv/pkg/params"
)

// GreensFunctions holds precomputed linear operators mapping a distributed
// slip variable to surface data, one matrix per dataset in composite order.
// Each matrix has dataset samples rows and slip-patch columns.
type GreensFunctions map[string][]*mat.Dense

// DistributedComposite evaluates the misfit of linear finite-fault models,
// where synthetics are matrix products of Green's function libraries with the
// per-patch slip components.
type DistributedComposite struct {
	baseComposite

	gfs       GreensFunctions
	fitPlane  bool
	rampBound float64
	npatches  int
}

// DistributedOption configures a DistributedComposite.
type DistributedOption func(*DistributedComposite)

// WithDistributedFitPlane enables joint estimation of per-dataset orbital
// ramp planes for datasets that carry local coordinates.
func WithDistributedFitPlane() DistributedOption {
	return func(d *DistributedComposite) { d.fitPlane = true }
}

// WithDistributedRampBound overrides the symmetric prior bound on ramp
// coefficients.
func WithDistributedRampBound(b float64) DistributedOption {
	return func(d *DistributedComposite) { d.rampBound = b }
}

// WithDistributedDatasetSpecificNoise gives each dataset its own
// noise-scaling hyperparameter slot.
func WithDistributedDatasetSpecificNoise() DistributedOption {
	return func(d *DistributedComposite) { d.hpSpecific = true }
}

// NewDistributedComposite builds a linear finite-fault composite. The Green's
// function map must carry one matrix per dataset for every slip variable, all
// with a consistent patch count.
func NewDistributedComposite(datasets []*Dataset, gfs GreensFunctions, opts ...DistributedOption) (*DistributedComposite, error) {
	if len(gfs) == 0 {
		return nil, errors.New(errors.InvalidConfig, "distributed composite requires Green's functions")
	}
	npatches := -1
	for varname, mats := range gfs {
		if len(mats) != len(datasets) {
			return nil, errors.Newf(errors.InvalidConfig,
				"Green's functions for %q cover %d datasets, composite has %d",
				varname, len(mats), len(datasets))
		}
		for l, g := range mats {
			rows, cols := g.Dims()
			if rows != datasets[l].Samples() {
				return nil, errors.Newf(errors.InvalidConfig,
					"Green's functions for %q have %d rows for dataset %q with %d samples",
					varname, rows, datasets[l].Name, datasets[l].Samples())
			}
			if npatches == -1 {
				npatches = cols
			} else if cols != npatches {
				return nil, errors.Newf(errors.InvalidConfig,
					"inconsistent patch counts across Green's functions: %d and %d",
					npatches, cols)
			}
		}
	}
	d := &DistributedComposite{
		baseComposite: newBaseComposite("geodetic", datasets, false),
		gfs:           gfs,
		rampBound:     defaultRampBound,
		npatches:      npatches,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// NPatches returns the slip-patch count of the fault discretization.
func (d *DistributedComposite) NPatches() int {
	return d.npatches
}

// Hierarchicals returns one two-component ramp parameter per SAR dataset when
// plane fitting is enabled.
func (d *DistributedComposite) Hierarchicals() map[string]*params.Parameter {
	if !d.fitPlane {
		return nil
	}
	out := make(map[string]*params.Parameter)
	for _, ds := range d.datasets {
		if ds.LocalX == nil || ds.LocalY == nil {
			continue
		}
		name := ds.Name + "_ramp"
		out[name] = params.NewVector(name, 2, -d.rampBound, d.rampBound, 0)
	}
	return out
}

// synthetics stacks the Green's function contributions of every slip variable
// present in the point.
func (d *DistributedComposite) synthetics(p *params.Point) ([][]float64, error) {
	synths := make([][]float64, len(d.datasets))
	for l, ds := range d.datasets {
		synths[l] = make([]float64, ds.Samples())
	}
	for varname, mats := range d.gfs {
		x, ok := p.Get(varname)
		if !ok {
			return nil, errors.Newf(errors.ForwardModelFailed,
				"point carries no value for slip variable %q", varname)
		}
		if len(x) != d.npatches {
			return nil, errors.Newf(errors.ForwardModelFailed,
				"slip variable %q has %d components for %d patches",
				varname, len(x), d.npatches)
		}
		xv := mat.NewVecDense(len(x), x)
		for l := range d.datasets {
			var out mat.VecDense
			out.MulVec(mats[l], xv)
			for i := range synths[l] {
				synths[l][i] += out.AtVec(i)
			}
		}
	}
	return synths, nil
}

func (d *DistributedComposite) residuals(p *params.Point) ([][]float64, [][]float64, error) {
	synths, err := d.synthetics(p)
	if err != nil {
		return nil, nil, err
	}
	residuals, err := d.residualsAt(synths)
	if err != nil {
		return nil, nil, err
	}
	if d.fitPlane {
		d.removeRamps(residuals, p)
	}
	return synths, residuals, nil
}

// GetFormula evaluates the linear finite-fault log-likelihood at a point.
func (d *DistributedComposite) GetFormula(p *params.Point) (float64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, residuals, err := d.residuals(p)
	if err != nil {
		return 0, err
	}
	logpts, err := MultivariateNormalChol(d.datasets, residuals, p.Hyper, d.hpSpecific)
	if err != nil {
		return 0, err
	}
	return sum(logpts), nil
}

// GetHyperFormula evaluates the hyperparameter log-likelihood over cached
// quadratic forms.
func (d *DistributedComposite) GetHyperFormula(p *params.Point) (float64, error) {
	return d.hyperFormula(p)
}

// UpdateLLKs caches the raw weighted quadratic forms at the given point.
func (d *DistributedComposite) UpdateLLKs(p *params.Point) error {
	d.mu.RLock()
	_, residuals, err := d.residuals(p)
	d.mu.RUnlock()
	if err != nil {
		return err
	}
	return d.cacheLLKs(residuals)
}

// AssembleResults returns per-dataset prediction triples at the given point.
func (d *DistributedComposite) AssembleResults(p *params.Point) ([]Result, error) {
	synths, residuals, err := d.residuals(p)
	if err != nil {
		return nil, err
	}
	return assembleResults(d.datasets, synths, residuals), nil
}

// UpdateWeights is a no-op for linear composites: the Green's functions are
// fixed, so the prediction covariance does not depend on the point.
func (d *DistributedComposite) UpdateWeights(p *params.Point) error {
	return nil
}

// Apply copies the weight matrices of another composite in place.
func (d *DistributedComposite) Apply(other Composite) error {
	return d.applyWeights(other)
}
