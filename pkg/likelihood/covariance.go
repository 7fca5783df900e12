// Package likelihood assembles the per-datatype contributions to the total
// log-likelihood: covariance-weighted Gaussian misfits of observed against
// synthetic data, with noise-scaling hyperparameters in exponential form.
package likelihood

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/tectonaut/quakeinv/pkg/errors"
)

// log(2*pi), the per-sample normalization constant of a Gaussian.
var ln2pi = math.Log(2 * math.Pi)

// Covariance holds the raw data covariance of a dataset and the prediction
// covariance caused by velocity-model uncertainty. The inverse lower Cholesky
// factor of their sum and the log-normalization constant are cached and
// recomputed lazily whenever either part changes.
type Covariance struct {
	mu sync.Mutex

	data  *mat.SymDense
	predV *mat.SymDense

	cholInv *mat.TriDense
	slnf    float64
	valid   bool
}

// NewCovariance wraps a raw data covariance matrix.
func NewCovariance(data *mat.SymDense) *Covariance {
	return &Covariance{data: data}
}

// IdentityCovariance returns a Covariance holding the n-dimensional identity.
func IdentityCovariance(n int) *Covariance {
	data := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		data.SetSym(i, i, 1)
	}
	return NewCovariance(data)
}

// Dim returns the dimension of the covariance.
func (c *Covariance) Dim() int {
	n, _ := c.data.Dims()
	return n
}

// SetPredV replaces the prediction covariance, invalidating the cache.
func (c *Covariance) SetPredV(predV *mat.SymDense) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.predV = predV
	c.valid = false
}

// SetData replaces the raw data covariance, invalidating the cache.
func (c *Covariance) SetData(data *mat.SymDense) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = data
	c.valid = false
}

// IsIdentity reports whether the raw data covariance is exactly the identity
// matrix, which usually indicates a mis-specified covariance import.
func (c *Covariance) IsIdentity() bool {
	n := c.Dim()
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			want := 0.0
			if i == j {
				want = 1.0
			}
			if c.data.At(i, j) != want {
				return false
			}
		}
	}
	return true
}

// total returns data + predV. Caller holds c.mu.
func (c *Covariance) total() *mat.SymDense {
	n := c.Dim()
	out := mat.NewSymDense(n, nil)
	out.CopySym(c.data)
	if c.predV != nil {
		out.AddSym(out, c.predV)
	}
	return out
}

// refresh recomputes the inverse Cholesky factor and the log-normalization
// constant. A non-positive-definite total covariance is projected to the
// nearest positive-semi-definite matrix and factored once more; a second
// failure is fatal. Caller holds c.mu.
func (c *Covariance) refresh() error {
	total := c.total()

	var chol mat.Cholesky
	if !chol.Factorize(total) {
		psd, err := nearestPSD(total)
		if err != nil {
			return err
		}
		if !chol.Factorize(psd) {
			return errors.Newf(errors.NumericalFailure,
				"covariance not positive definite after PSD projection (dim %d)", c.Dim())
		}
	}

	var lower mat.TriDense
	chol.LTo(&lower)

	n := c.Dim()
	inv := mat.NewTriDense(n, mat.Lower, nil)
	if err := inv.InverseTri(&lower); err != nil {
		return errors.Wrap(err, errors.NumericalFailure,
			"cannot invert Cholesky factor")
	}

	c.cholInv = inv
	c.slnf = chol.LogDet() + float64(n)*ln2pi
	c.valid = true
	return nil
}

// CholInverse returns the inverse of the lower Cholesky factor of the total
// covariance, recomputing it if stale.
func (c *Covariance) CholInverse() (*mat.TriDense, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.valid {
		if err := c.refresh(); err != nil {
			return nil, err
		}
	}
	return c.cholInv, nil
}

// SLnF returns the log-normalization constant
// log(det(C)) + n*log(2*pi) of the total covariance.
func (c *Covariance) SLnF() (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.valid {
		if err := c.refresh(); err != nil {
			return 0, err
		}
	}
	return c.slnf, nil
}

// nearestPSD projects a symmetric matrix to the nearest positive
// semi-definite matrix by clipping negative eigenvalues, with a small jitter
// on the diagonal so the result factorizes.
func nearestPSD(a *mat.SymDense) (*mat.SymDense, error) {
	var es mat.EigenSym
	if !es.Factorize(a, true) {
		return nil, errors.New(errors.NumericalFailure,
			"eigendecomposition failed during PSD projection")
	}

	n, _ := a.Dims()
	values := es.Values(nil)
	var vectors mat.Dense
	es.VectorsTo(&vectors)

	// Jitter scaled to the largest eigenvalue keeps the projection
	// factorizable without distorting the spectrum.
	maxEig := values[len(values)-1]
	jitter := math.Max(maxEig*1e-12, 1e-15)

	scaled := mat.NewDense(n, n, nil)
	for j := 0; j < n; j++ {
		ev := values[j]
		if ev < 0 {
			ev = 0
		}
		for i := 0; i < n; i++ {
			scaled.Set(i, j, vectors.At(i, j)*ev)
		}
	}

	var rebuilt mat.Dense
	rebuilt.Mul(scaled, vectors.T())

	out := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := (rebuilt.At(i, j) + rebuilt.At(j, i)) / 2
			if i == j {
				v += jitter
			}
			out.SetSym(i, j, v)
		}
	}
	return out, nil
}
