package likelihood

import (
	"context"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/tectonaut/quakeinv/pkg/errors"
	"github.com/tectonaut/quakeinv/pkg/logging"
	"github.com/tectonaut/quakeinv/pkg/params"
)

// Default hierarchical bounds, overridable per composite option.
const (
	defaultRampBound      = 0.005
	defaultTimeShiftBound = 5.0
)

// ForwardModel maps source parameter values to per-dataset synthetic arrays.
// Implementations are supplied by the forward-model collaborator (Green's
// function stacking engines) and are assumed pure and deterministic for a
// fixed store configuration.
type ForwardModel interface {
	Synthetics(src map[string][]float64) ([][]float64, error)
}

// ForwardFunc adapts a plain function to the ForwardModel interface.
type ForwardFunc func(src map[string][]float64) ([][]float64, error)

func (f ForwardFunc) Synthetics(src map[string][]float64) ([][]float64, error) {
	return f(src)
}

// CovarianceProvider supplies prediction covariances reflecting
// velocity-model uncertainty for a dataset at a point in solution space.
type CovarianceProvider interface {
	PredictionCovariance(src map[string][]float64, ds *Dataset) (*mat.SymDense, error)
}

// Composite assembles a single data modality's contribution to the total
// log-likelihood.
type Composite interface {
	// Name identifies the composite's data modality.
	Name() string
	// Datasets returns the datasets of the composite.
	Datasets() []*Dataset
	// Hypernames returns the hyperparameter names the composite requires,
	// deduplicated, in order of first appearance.
	Hypernames() []string
	// UniqueStations returns the distinct station names across datasets.
	UniqueStations() []string
	// Hierarchicals returns the nuisance variables the composite infers
	// jointly with the source parameters.
	Hierarchicals() map[string]*params.Parameter

	// GetFormula evaluates the composite's total log-likelihood at a point.
	GetFormula(p *params.Point) (float64, error)
	// GetHyperFormula evaluates the hyperparameter-only log-likelihood,
	// reusing quadratic forms cached by UpdateLLKs. UpdateLLKs must have
	// been called for the current source point first.
	GetHyperFormula(p *params.Point) (float64, error)
	// UpdateLLKs recomputes and caches the raw quadratic forms per dataset.
	UpdateLLKs(p *params.Point) error
	// AssembleResults returns per-dataset (observed, synthetic, residual)
	// triples for diagnostics. Not on the sampling hot path.
	AssembleResults(p *params.Point) ([]Result, error)
	// UpdateWeights refreshes the datasets' weight matrices for the given
	// point. Must only run in the exclusive phase between stages.
	UpdateWeights(p *params.Point) error
	// Apply copies the weight matrices of another composite in place.
	Apply(other Composite) error
}

// baseComposite carries the dataset bookkeeping shared by all variants.
type baseComposite struct {
	name       string
	datasets   []*Dataset
	hpSpecific bool

	// mu serializes weight updates against likelihood evaluations: the hot
	// path takes the read side, the inter-stage update phase the write side.
	mu sync.RWMutex

	llks      []float64
	llksValid bool

	logger *logging.Logger
}

func newBaseComposite(name string, datasets []*Dataset, hpSpecific bool) baseComposite {
	b := baseComposite{
		name:       name,
		datasets:   datasets,
		hpSpecific: hpSpecific,
		llks:       make([]float64, len(datasets)),
		logger:     logging.GetLogger(),
	}
	for _, d := range datasets {
		if d.Covariance.IsIdentity() {
			b.logger.Warn(context.Background(),
				"Data covariance of dataset %q is the identity matrix, please double check", d.Name)
		}
	}
	return b
}

func (b *baseComposite) Name() string {
	return b.name
}

func (b *baseComposite) Datasets() []*Dataset {
	return b.datasets
}

func (b *baseComposite) Hypernames() []string {
	seen := make(map[string]bool)
	var names []string
	for _, d := range b.datasets {
		hp := d.Hypername()
		if !seen[hp] {
			seen[hp] = true
			names = append(names, hp)
		}
	}
	return names
}

func (b *baseComposite) UniqueStations() []string {
	seen := make(map[string]bool)
	var names []string
	for _, d := range b.datasets {
		if d.Station == "" || seen[d.Station] {
			continue
		}
		seen[d.Station] = true
		names = append(names, d.Station)
	}
	return names
}

// cacheLLKs stores the quadratic forms ||W r||^2 for the given residuals.
func (b *baseComposite) cacheLLKs(residuals [][]float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for l, d := range b.datasets {
		w, err := d.Covariance.CholInverse()
		if err != nil {
			return errors.WithFields(err, errors.Fields{"dataset": d.Name})
		}
		b.llks[l] = weightedNormSq(w, residuals[l])
	}
	b.llksValid = true
	return nil
}

// hyperFormula evaluates HyperNormal over the cached quadratic forms.
func (b *baseComposite) hyperFormula(p *params.Point) (float64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.llksValid {
		return 0, errors.Newf(errors.InvalidConfig,
			"composite %q: UpdateLLKs must be called before the hyper formula is valid", b.name)
	}
	logpts, err := HyperNormal(b.datasets, b.llks, p.Hyper, b.hpSpecific)
	if err != nil {
		return 0, err
	}
	return sum(logpts), nil
}

// applyWeights copies covariances from another composite dataset by dataset.
func (b *baseComposite) applyWeights(other Composite) error {
	src := other.Datasets()
	if len(src) != len(b.datasets) {
		return errors.Newf(errors.InvalidConfig,
			"cannot apply weights: composite %q has %d datasets, source has %d",
			b.name, len(b.datasets), len(src))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, d := range b.datasets {
		d.Covariance.SetData(src[i].Covariance.data)
		d.Covariance.SetPredV(src[i].Covariance.predV)
	}
	return nil
}

// residualsAt computes observed - synthetic per dataset.
func (b *baseComposite) residualsAt(synths [][]float64) ([][]float64, error) {
	if len(synths) != len(b.datasets) {
		return nil, errors.Newf(errors.ForwardModelFailed,
			"forward model returned %d synthetic arrays for %d datasets",
			len(synths), len(b.datasets))
	}
	residuals := make([][]float64, len(b.datasets))
	for l, d := range b.datasets {
		if len(synths[l]) != d.Samples() {
			return nil, errors.WithFields(
				errors.Newf(errors.ForwardModelFailed,
					"synthetic length %d does not match %d data samples",
					len(synths[l]), d.Samples()),
				errors.Fields{"dataset": d.Name})
		}
		r := make([]float64, d.Samples())
		for i := range r {
			r[i] = d.Observed[i] - synths[l][i]
		}
		residuals[l] = r
	}
	return residuals, nil
}

// removeRamps subtracts the orbital ramp plane from the residuals of SAR
// datasets carrying local coordinates, in place.
func (b *baseComposite) removeRamps(residuals [][]float64, p *params.Point) {
	for l, d := range b.datasets {
		if d.LocalX == nil || d.LocalY == nil {
			continue
		}
		ramp, ok := p.Hierarchical[d.Name+"_ramp"]
		if !ok || len(ramp) != 2 {
			continue
		}
		for i := range residuals[l] {
			residuals[l][i] -= d.LocalY[i]*ramp[0] + d.LocalX[i]*ramp[1]
		}
	}
}

func assembleResults(datasets []*Dataset, synths, residuals [][]float64) []Result {
	results := make([]Result, len(datasets))
	for l, d := range datasets {
		results[l] = Result{
			Name:      d.Name,
			Observed:  d.Observed,
			Synthetic: synths[l],
			Residual:  residuals[l],
		}
	}
	return results
}
