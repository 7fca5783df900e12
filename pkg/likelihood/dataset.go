package likelihood

import (
	"gonum.org/v1/gonum/mat"
)

// Dataset bundles one observation vector with its covariance. The weight
// matrix (inverse Cholesky factor of the covariance) is owned by the dataset
// and rewritten in place only during the exclusive weight-update phase
// between sampling stages.
type Dataset struct {
	Name    string
	Station string
	// Typ names the data modality of the dataset (e.g. "SAR", "GPS") or the
	// waveform/channel combination for seismic data. It selects the
	// hyperparameter h_<typ> scaling this dataset's noise.
	Typ string

	Observed   []float64
	Covariance *Covariance

	// Local east/north coordinates [km], present for SAR data when an
	// orbital ramp is estimated.
	LocalX []float64
	LocalY []float64
}

// Samples returns the number of data samples of the dataset.
func (d *Dataset) Samples() int {
	return len(d.Observed)
}

// Hypername returns the name of the hyperparameter scaling the dataset noise.
func (d *Dataset) Hypername() string {
	return "h_" + d.Typ
}

// Result is the per-dataset diagnostic triple for a point in solution space.
type Result struct {
	Name      string
	Observed  []float64
	Synthetic []float64
	Residual  []float64
}

// weightedNormSq computes ||W r||^2 for a lower-triangular weight matrix.
func weightedNormSq(w *mat.TriDense, residual []float64) float64 {
	n := len(residual)
	tmp := mat.NewVecDense(n, nil)
	tmp.MulVec(w, mat.NewVecDense(n, residual))
	return mat.Dot(tmp, tmp)
}
