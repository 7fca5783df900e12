// Package sampler implements the annealed sequential Monte Carlo scheduler
// and the adaptive Metropolis stepper it moves particles with, plus a
// standalone Metropolis driver for hyperparameter calibration.
package sampler

import (
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/tectonaut/quakeinv/pkg/errors"
)

// Proposal draws symmetric jump vectors centered at zero.
type Proposal interface {
	Sample(dst []float64)
}

// iidProposal draws each component independently from one scalar family.
type iidProposal struct {
	draw func() float64
}

func (p *iidProposal) Sample(dst []float64) {
	for i := range dst {
		dst[i] = p.draw()
	}
}

// mvnProposal draws correlated jumps from a multivariate normal.
type mvnProposal struct {
	normal *distmv.Normal
}

func (p *mvnProposal) Sample(dst []float64) {
	p.normal.Rand(dst)
}

// NewProposal builds a unit-scale proposal of the named family. The
// MultivariateNormal family starts from the identity covariance; the
// scheduler swaps in the population covariance through NewMVNProposal.
func NewProposal(name string, dim int, src rand.Source) (Proposal, error) {
	switch name {
	case "Normal":
		d := distuv.Normal{Mu: 0, Sigma: 1, Src: src}
		return &iidProposal{draw: d.Rand}, nil
	case "Cauchy":
		// Student's t with one degree of freedom.
		d := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: 1, Src: src}
		return &iidProposal{draw: d.Rand}, nil
	case "Laplace":
		d := distuv.Laplace{Mu: 0, Scale: 1, Src: src}
		return &iidProposal{draw: d.Rand}, nil
	case "MultivariateNormal":
		eye := mat.NewSymDense(dim, nil)
		for i := 0; i < dim; i++ {
			eye.SetSym(i, i, 1)
		}
		return NewMVNProposal(eye, src)
	default:
		return nil, errors.Newf(errors.InvalidConfig,
			"unknown proposal distribution %q", name)
	}
}

// NewMVNProposal builds a zero-mean multivariate normal proposal with the
// given covariance. A covariance that cannot be factored gets one retry with
// a diagonal jitter before failing.
func NewMVNProposal(cov *mat.SymDense, src rand.Source) (Proposal, error) {
	n, _ := cov.Dims()
	mu := make([]float64, n)

	normal, ok := distmv.NewNormal(mu, cov, src)
	if !ok {
		jittered := mat.NewSymDense(n, nil)
		jittered.CopySym(cov)
		var maxDiag float64
		for i := 0; i < n; i++ {
			if d := jittered.At(i, i); d > maxDiag {
				maxDiag = d
			}
		}
		jitter := maxDiag * 1e-10
		if jitter == 0 {
			jitter = 1e-10
		}
		for i := 0; i < n; i++ {
			jittered.SetSym(i, i, jittered.At(i, i)+jitter)
		}
		normal, ok = distmv.NewNormal(mu, jittered, src)
		if !ok {
			return nil, errors.Newf(errors.NumericalFailure,
				"proposal covariance not positive definite (dim %d)", n)
		}
	}
	return &mvnProposal{normal: normal}, nil
}
