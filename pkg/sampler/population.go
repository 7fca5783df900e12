package sampler

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Population is the particle set evolved through the annealing stages: one
// coordinate row and one log-likelihood per chain, in stable chain order.
type Population struct {
	Coords   [][]float64
	LogLikes []float64
}

// NewPopulation allocates a population of n particles of the given dimension.
func NewPopulation(n, dim int) *Population {
	p := &Population{
		Coords:   make([][]float64, n),
		LogLikes: make([]float64, n),
	}
	for i := range p.Coords {
		p.Coords[i] = make([]float64, dim)
	}
	return p
}

// Len returns the particle count.
func (p *Population) Len() int {
	return len(p.Coords)
}

// CalcBeta finds the largest tempering increment for which the coefficient
// of variation of the importance weights stays at the configured target,
// by bisection over the increment. The returned beta is capped at 1;
// the weights belong to the returned beta and sum to 1.
func (p *Population) CalcBeta(beta, coefVariation float64) (float64, []float64) {
	lowBeta, upBeta := beta, 2.0
	for upBeta-lowBeta > 1e-6 {
		current := (lowBeta + upBeta) / 2
		if weightCV(p.LogLikes, current-beta) > coefVariation {
			upBeta = current
		} else {
			lowBeta = current
		}
	}
	newBeta := math.Min(1, (lowBeta+upBeta)/2)
	return newBeta, importanceWeights(p.LogLikes, newBeta-beta)
}

// importanceWeights computes normalized weights proportional to
// exp(dbeta * logL), stabilized by the maximum log-likelihood.
func importanceWeights(llks []float64, dbeta float64) []float64 {
	maxLLK := math.Inf(-1)
	for _, l := range llks {
		if l > maxLLK {
			maxLLK = l
		}
	}
	weights := make([]float64, len(llks))
	var total float64
	for i, l := range llks {
		weights[i] = math.Exp(dbeta * (l - maxLLK))
		total += weights[i]
	}
	for i := range weights {
		weights[i] /= total
	}
	return weights
}

// weightCV is the coefficient of variation (population std over mean) of the
// unnormalized importance weights for a tempering increment.
func weightCV(llks []float64, dbeta float64) float64 {
	maxLLK := math.Inf(-1)
	for _, l := range llks {
		if l > maxLLK {
			maxLLK = l
		}
	}
	n := float64(len(llks))
	var mean float64
	temp := make([]float64, len(llks))
	for i, l := range llks {
		temp[i] = math.Exp(dbeta * (l - maxLLK))
		mean += temp[i]
	}
	mean /= n
	var variance float64
	for _, t := range temp {
		variance += (t - mean) * (t - mean)
	}
	variance /= n
	return math.Sqrt(variance) / mean
}

// ESS is the effective sample size of a normalized weight vector.
func ESS(weights []float64) float64 {
	var sumSq float64
	for _, w := range weights {
		sumSq += w * w
	}
	return 1 / sumSq
}

// systematicResample draws n particle indexes with replacement proportional
// to the weights, using a single uniform offset and n evenly spaced pointers.
// Lower variance than multinomial resampling at the same cost.
func systematicResample(weights []float64, rng *rand.Rand) []int {
	n := len(weights)
	idx := make([]int, n)
	offset := rng.Float64() / float64(n)
	cum := weights[0]
	j := 0
	for i := 0; i < n; i++ {
		target := offset + float64(i)/float64(n)
		for cum < target && j < n-1 {
			j++
			cum += weights[j]
		}
		idx[i] = j
	}
	return idx
}

// Select returns a new population assembled from the given particle indexes.
func (p *Population) Select(idx []int) *Population {
	out := NewPopulation(len(idx), len(p.Coords[0]))
	for i, j := range idx {
		copy(out.Coords[i], p.Coords[j])
		out.LogLikes[i] = p.LogLikes[j]
	}
	return out
}

// WeightedCovariance estimates the proposal covariance from the weighted
// population spread, scaled by the squared tuning factor.
func (p *Population) WeightedCovariance(weights []float64, scale float64) *mat.SymDense {
	n, dim := p.Len(), len(p.Coords[0])
	flat := make([]float64, 0, n*dim)
	for _, row := range p.Coords {
		flat = append(flat, row...)
	}
	x := mat.NewDense(n, dim, flat)

	cov := mat.NewSymDense(dim, nil)
	stat.CovarianceMatrix(cov, x, weights)
	cov.ScaleSym(scale*scale, cov)
	return cov
}

// MaxLLKIndex returns the index of the highest-likelihood particle.
func (p *Population) MaxLLKIndex() int {
	best := 0
	for i, l := range p.LogLikes {
		if l > p.LogLikes[best] {
			best = i
		}
	}
	return best
}
