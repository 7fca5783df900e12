package sampler

import (
	"math"
	"math/rand/v2"

	"github.com/tectonaut/quakeinv/pkg/errors"
)

// LogProb evaluates the log-likelihood at a flat coordinate vector.
type LogProb func(x []float64) (float64, error)

// Stepper is the single-chain Metropolis primitive: symmetric proposal,
// accept with min(1, exp(beta*(llk'-llk))), periodic scale adaptation.
type Stepper struct {
	logProb  LogProb
	proposal Proposal
	rng      *rand.Rand

	lower, upper []float64
	checkBnd     bool

	scale        float64
	tuneInterval int
	steps        int
	accepted     int
	totalSteps   int
	totalAccepts int
}

// StepperOption configures a Stepper.
type StepperOption func(*Stepper)

// WithScale sets the initial proposal scale (default 1).
func WithScale(scale float64) StepperOption {
	return func(st *Stepper) { st.scale = scale }
}

// WithTuneInterval enables scale adaptation every n steps.
func WithTuneInterval(n int) StepperOption {
	return func(st *Stepper) { st.tuneInterval = n }
}

// WithBoundsCheck enables silent rejection of proposals outside the bounds.
func WithBoundsCheck(lower, upper []float64) StepperOption {
	return func(st *Stepper) {
		st.checkBnd = true
		st.lower = lower
		st.upper = upper
	}
}

// NewStepper builds a Metropolis stepper around a log-probability function,
// a proposal distribution and a chain-local random source.
func NewStepper(logProb LogProb, proposal Proposal, rng *rand.Rand, opts ...StepperOption) *Stepper {
	st := &Stepper{
		logProb:  logProb,
		proposal: proposal,
		rng:      rng,
		scale:    1,
	}
	for _, opt := range opts {
		opt(st)
	}
	return st
}

// Scale returns the current proposal scale.
func (st *Stepper) Scale() float64 {
	return st.scale
}

// AcceptRate returns the acceptance rate over the stepper's lifetime.
func (st *Stepper) AcceptRate() float64 {
	if st.totalSteps == 0 {
		return 0
	}
	return float64(st.totalAccepts) / float64(st.totalSteps)
}

func (st *Stepper) inBounds(x []float64) bool {
	for i, v := range x {
		if v < st.lower[i] || v > st.upper[i] {
			return false
		}
	}
	return true
}

// record books a step and adapts the scale at each tune interval.
func (st *Stepper) record(accepted bool) {
	st.steps++
	st.totalSteps++
	if accepted {
		st.accepted++
		st.totalAccepts++
	}
	if st.tuneInterval > 0 && st.steps >= st.tuneInterval {
		st.scale = tuneScale(st.scale, float64(st.accepted)/float64(st.steps))
		st.steps = 0
		st.accepted = 0
	}
}

// Step proposes one move from x with log-likelihood llk at tempering level
// beta and returns the (possibly unchanged) state. Out-of-bounds proposals
// are silently rejected when bounds checking is on.
func (st *Stepper) Step(x []float64, llk, beta float64) ([]float64, float64, bool, error) {
	delta := make([]float64, len(x))
	st.proposal.Sample(delta)

	proposed := make([]float64, len(x))
	for i := range x {
		proposed[i] = x[i] + st.scale*delta[i]
	}

	if st.checkBnd && !st.inBounds(proposed) {
		st.record(false)
		return x, llk, false, nil
	}

	llkNew, err := st.logProb(proposed)
	if err != nil {
		return nil, 0, false, err
	}
	if math.IsNaN(llkNew) {
		return nil, 0, false, errors.New(errors.NumericalFailure,
			"log-likelihood evaluated to NaN")
	}

	if math.Log(st.rng.Float64()) < beta*(llkNew-llk) {
		st.record(true)
		return proposed, llkNew, true, nil
	}
	st.record(false)
	return x, llk, false, nil
}

// tuneScale adapts the proposal scale from the recent acceptance rate,
// pulling it toward the 20-50% acceptance window.
func tuneScale(scale, acceptRate float64) float64 {
	switch {
	case acceptRate < 0.001:
		return scale * 0.1
	case acceptRate < 0.05:
		return scale * 0.5
	case acceptRate < 0.2:
		return scale * 0.9
	case acceptRate > 0.95:
		return scale * 10
	case acceptRate > 0.75:
		return scale * 2
	case acceptRate > 0.5:
		return scale * 1.1
	}
	return scale
}
