package sampler

import (
	"context"
	"math"
	"math/rand/v2"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"gonum.org/v1/gonum/mat"

	"github.com/tectonaut/quakeinv/pkg/config"
	"github.com/tectonaut/quakeinv/pkg/errors"
	"github.com/tectonaut/quakeinv/pkg/logging"
	"github.com/tectonaut/quakeinv/pkg/params"
	"github.com/tectonaut/quakeinv/pkg/store"
)

// UpdateFunc refreshes shared covariance/weight matrices at a reference
// point. The scheduler calls it strictly between stage persist and the next
// stage's sampling, never concurrently with likelihood evaluations.
type UpdateFunc func(ctx context.Context, point *params.Point) error

// SMC drives the annealed sequential Monte Carlo loop: temper, resample,
// move, persist, until the tempering exponent reaches 1.
type SMC struct {
	cfg     *config.SMCConfig
	space   *params.Space
	ord     *params.Ordering
	logProb LogProb
	store   store.StageStore
	update  UpdateFunc
	seed    uint64
	logger  *logging.Logger

	lower, upper []float64
}

// SMCOption configures the scheduler.
type SMCOption func(*SMC)

// WithUpdateHook installs the inter-stage weight update callback.
func WithUpdateHook(fn UpdateFunc) SMCOption {
	return func(s *SMC) { s.update = fn }
}

// WithSeed fixes the random seed for a reproducible run.
func WithSeed(seed uint64) SMCOption {
	return func(s *SMC) { s.seed = seed }
}

// NewSMC builds a scheduler over the full sampled space of the problem.
func NewSMC(cfg *config.SMCConfig, space *params.Space, logProb LogProb, st store.StageStore, opts ...SMCOption) (*SMC, error) {
	if cfg == nil {
		cfg = config.DefaultSMCConfig()
	}
	if st == nil {
		return nil, errors.New(errors.InvalidConfig, "smc requires a stage store")
	}
	s := &SMC{
		cfg:     cfg,
		space:   space,
		ord:     space.BuildOrdering(params.IncludeAll),
		logProb: logProb,
		store:   st,
		seed:    rand.Uint64(),
		logger:  logging.GetLogger(),
	}
	if s.ord.Size == 0 {
		return nil, errors.New(errors.InvalidConfig, "sampled space is empty")
	}
	s.lower, s.upper = s.ord.BoundVectors(space)
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Ordering exposes the flat vector layout the scheduler samples in.
func (s *SMC) Ordering() *params.Ordering {
	return s.ord
}

// Sample runs the annealing loop to completion and returns the terminal
// stage, which is also persisted as the final merged result. A canceled
// context aborts at the next stage boundary, leaving the last persisted
// stage intact.
func (s *SMC) Sample(ctx context.Context) (*store.Stage, error) {
	ctx = logging.WithRunID(ctx, uuid.NewString())

	pop, stageNum, beta, err := s.initPopulation(ctx)
	if err != nil {
		return nil, err
	}
	if beta >= 1 {
		s.logger.Info(ctx, "Resumed run is already complete at stage %d", stageNum)
		return s.store.LoadStage(stageNum)
	}

	for {
		stageCtx := logging.WithStage(ctx, stageNum)
		if err := errors.CheckContext(stageCtx, "smc stage boundary"); err != nil {
			return nil, err
		}

		newBeta, weights := pop.CalcBeta(beta, s.cfg.CoefVariation)
		s.logger.Info(stageCtx, "Tempering beta %.6f -> %.6f (ESS %.1f of %d chains)",
			beta, newBeta, ESS(weights), pop.Len())

		cov := pop.WeightedCovariance(weights, s.cfg.CoefVariation)
		rng := rand.New(rand.NewPCG(s.seed, uint64(stageNum)))
		resampled := pop.Select(systematicResample(weights, rng))

		next, acceptRate, err := s.evolve(stageCtx, resampled, cov, newBeta, stageNum)
		if err != nil {
			return nil, err
		}
		stageNum++

		stage := s.snapshot(stageNum, newBeta, next, acceptRate, cov)
		if err := s.store.SaveStage(stage); err != nil {
			return nil, err
		}
		s.logger.Info(stageCtx, "Persisted stage %d (acceptance %.3f)", stageNum, acceptRate)

		if newBeta >= 1 {
			if err := s.store.SaveFinal(stage); err != nil {
				return nil, err
			}
			s.logger.Info(stageCtx, "Annealing complete after %d stages", stageNum)
			return stage, nil
		}

		if s.update != nil && s.cfg.UpdateCovariances {
			point, err := s.ord.ToPoint(s.space, next.Coords[next.MaxLLKIndex()])
			if err != nil {
				return nil, err
			}
			if err := s.update(stageCtx, point); err != nil {
				return nil, err
			}
			// The weight matrices changed, so the cached log-likelihoods
			// are stale.
			if err := s.evaluate(stageCtx, next); err != nil {
				return nil, err
			}
		}

		pop, beta = next, newBeta
	}
}

// initPopulation resolves the resume semantics and returns the starting
// population, stage number and tempering level.
func (s *SMC) initPopulation(ctx context.Context) (*Population, int, float64, error) {
	if s.cfg.RmFlag {
		if err := s.wipeStages(); err != nil {
			return nil, 0, 0, err
		}
	}

	highest, err := s.store.HighestStage()
	if err != nil {
		return nil, 0, 0, err
	}

	target := s.cfg.Stage
	if target == -1 {
		target = highest
	}
	if target > highest {
		if target == 0 && highest == -1 {
			return s.freshPopulation(ctx)
		}
		return nil, 0, 0, errors.Newf(errors.ResumeMismatch,
			"cannot resume stage %d, highest persisted stage is %d", target, highest)
	}
	if target < 0 {
		return s.freshPopulation(ctx)
	}

	stage, err := s.store.LoadStage(target)
	if err != nil {
		return nil, 0, 0, err
	}
	if stage.NChains() != s.cfg.NChains || stage.Dim() != s.ord.Size {
		return nil, 0, 0, errors.WithFields(
			errors.Newf(errors.ResumeMismatch,
				"persisted stage %d holds %d chains of dimension %d, configuration expects %d chains of dimension %d; set rm_flag to discard",
				target, stage.NChains(), stage.Dim(), s.cfg.NChains, s.ord.Size),
			errors.Fields{"stage": target})
	}

	coords, llks, err := stage.LastRows()
	if err != nil {
		return nil, 0, 0, err
	}
	s.logger.Info(ctx, "Resuming from stage %d at beta %.6f", stage.Number, stage.Beta)
	return &Population{Coords: coords, LogLikes: llks}, stage.Number, stage.Beta, nil
}

func (s *SMC) wipeStages() error {
	highest, err := s.store.HighestStage()
	if err != nil {
		return err
	}
	for n := 0; n <= highest; n++ {
		if err := s.store.RemoveStage(n); err != nil {
			return err
		}
	}
	return nil
}

// freshPopulation draws the stage 0 population from the prior, evaluates it
// and persists it.
func (s *SMC) freshPopulation(ctx context.Context) (*Population, int, float64, error) {
	s.logger.Info(ctx, "Initializing %d chains from the prior", s.cfg.NChains)

	pop := NewPopulation(s.cfg.NChains, s.ord.Size)
	for i := 0; i < s.cfg.NChains; i++ {
		rng := rand.New(rand.NewPCG(s.seed+uint64(i), 0))
		point := s.space.DrawRandomPoint(rng, params.IncludeAll)
		vec, err := s.ord.ToVector(point)
		if err != nil {
			return nil, 0, 0, err
		}
		copy(pop.Coords[i], vec)
	}
	if err := s.evaluate(ctx, pop); err != nil {
		return nil, 0, 0, err
	}

	stage := s.snapshot(0, 0, pop, 0, nil)
	if err := s.store.SaveStage(stage); err != nil {
		return nil, 0, 0, err
	}
	return pop, 0, 0, nil
}

// evaluate computes the log-likelihood of every particle in parallel.
func (s *SMC) evaluate(ctx context.Context, pop *Population) error {
	wp := pool.New().WithMaxGoroutines(s.cfg.NJobs).WithErrors().WithContext(ctx)
	for i := range pop.Coords {
		i := i
		wp.Go(func(ctx context.Context) error {
			llk, err := s.logProb(pop.Coords[i])
			if err != nil {
				return err
			}
			pop.LogLikes[i] = llk
			return nil
		})
	}
	return wp.Wait()
}

// evolve moves every particle through n_steps Metropolis iterations at the
// given tempering level, in parallel across chains with per-chain random
// sources derived from the run seed and the chain index.
func (s *SMC) evolve(ctx context.Context, pop *Population, cov *mat.SymDense, beta float64, stageNum int) (*Population, float64, error) {
	next := NewPopulation(pop.Len(), s.ord.Size)
	rates := make([]float64, pop.Len())

	wp := pool.New().WithMaxGoroutines(s.cfg.NJobs).WithErrors().WithContext(ctx)
	for i := range pop.Coords {
		i := i
		wp.Go(func(ctx context.Context) error {
			src := rand.NewPCG(s.seed+uint64(i), uint64(stageNum)+1)
			rng := rand.New(src)

			prop, err := s.chainProposal(cov, src)
			if err != nil {
				return err
			}
			opts := []StepperOption{WithTuneInterval(s.cfg.TuneInterval)}
			if s.cfg.CheckBnd {
				opts = append(opts, WithBoundsCheck(s.lower, s.upper))
			}
			stepper := NewStepper(s.logProb, prop, rng, opts...)

			x := pop.Coords[i]
			llk := pop.LogLikes[i]
			for k := 0; k < s.cfg.NSteps; k++ {
				x, llk, _, err = stepper.Step(x, llk, beta)
				if err != nil {
					return err
				}
			}
			copy(next.Coords[i], x)
			next.LogLikes[i] = llk
			rates[i] = stepper.AcceptRate()
			return nil
		})
	}
	if err := wp.Wait(); err != nil {
		return nil, 0, err
	}

	var total float64
	for _, r := range rates {
		total += r
	}
	return next, total / float64(len(rates)), nil
}

// chainProposal builds the per-chain proposal from the stage covariance.
// The multivariate normal family uses the full matrix; scalar families draw
// independent components scaled by the marginal standard deviations.
func (s *SMC) chainProposal(cov *mat.SymDense, src rand.Source) (Proposal, error) {
	if s.cfg.ProposalDist == "MultivariateNormal" {
		return NewMVNProposal(cov, src)
	}

	inner, err := NewProposal(s.cfg.ProposalDist, s.ord.Size, src)
	if err != nil {
		return nil, err
	}
	widths := make([]float64, s.ord.Size)
	for i := range widths {
		widths[i] = math.Sqrt(cov.At(i, i))
		if widths[i] == 0 {
			widths[i] = 1e-6
		}
	}
	return &scaledProposal{inner: inner, widths: widths}, nil
}

// scaledProposal stretches an inner unit proposal by per-dimension widths.
type scaledProposal struct {
	inner  Proposal
	widths []float64
}

func (p *scaledProposal) Sample(dst []float64) {
	p.inner.Sample(dst)
	for i := range dst {
		dst[i] *= p.widths[i]
	}
}

// snapshot assembles the persisted view of a population.
func (s *SMC) snapshot(number int, beta float64, pop *Population, acceptRate float64, cov *mat.SymDense) *store.Stage {
	stage := store.NewStage(number, beta, pop.Len())
	stage.AcceptRate = acceptRate
	if cov != nil {
		n, _ := cov.Dims()
		stage.ProposalCov = make([][]float64, n)
		for i := 0; i < n; i++ {
			stage.ProposalCov[i] = make([]float64, n)
			for j := 0; j < n; j++ {
				stage.ProposalCov[i][j] = cov.At(i, j)
			}
		}
	}
	for i := range pop.Coords {
		row := make([]float64, len(pop.Coords[i]))
		copy(row, pop.Coords[i])
		stage.Chains[i] = store.ChainTrace{
			Coords:   [][]float64{row},
			LogLikes: []float64{pop.LogLikes[i]},
		}
	}
	return stage
}
