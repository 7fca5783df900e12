package sampler

import (
	"context"
	"math"
	"math/rand/v2"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"github.com/tectonaut/quakeinv/pkg/config"
	"github.com/tectonaut/quakeinv/pkg/errors"
	"github.com/tectonaut/quakeinv/pkg/logging"
	"github.com/tectonaut/quakeinv/pkg/params"
	"github.com/tectonaut/quakeinv/pkg/store"
)

// Metropolis is the standalone adaptive-Metropolis driver, used to calibrate
// hyperparameters against the hyper-only posterior before the main SMC run.
// It runs n_jobs independent chains for n_stages stages of n_steps each,
// persisting every stage, then merges the traces into the final result with
// the burn fraction and thinning applied.
type Metropolis struct {
	cfg     *config.MetropolisConfig
	space   *params.Space
	ord     *params.Ordering
	logProb LogProb
	store   store.StageStore
	update  UpdateFunc
	seed    uint64
	logger  *logging.Logger

	lower, upper []float64
}

// MetropolisOption configures the driver.
type MetropolisOption func(*Metropolis)

// WithMetropolisSeed fixes the random seed for a reproducible run.
func WithMetropolisSeed(seed uint64) MetropolisOption {
	return func(m *Metropolis) { m.seed = seed }
}

// WithMetropolisUpdateHook installs the stage-boundary weight update
// callback.
func WithMetropolisUpdateHook(fn UpdateFunc) MetropolisOption {
	return func(m *Metropolis) { m.update = fn }
}

// NewMetropolis builds a driver over the selected variable groups of the
// space; hyperparameter calibration passes IncludeHypers only.
func NewMetropolis(cfg *config.MetropolisConfig, space *params.Space, include params.Include, logProb LogProb, st store.StageStore, opts ...MetropolisOption) (*Metropolis, error) {
	if cfg == nil {
		cfg = config.DefaultMetropolisConfig()
	}
	if st == nil {
		return nil, errors.New(errors.InvalidConfig, "metropolis requires a stage store")
	}
	m := &Metropolis{
		cfg:     cfg,
		space:   space,
		ord:     space.BuildOrdering(include),
		logProb: logProb,
		store:   st,
		seed:    rand.Uint64(),
		logger:  logging.GetLogger(),
	}
	if m.ord.Size == 0 {
		return nil, errors.New(errors.InvalidConfig, "sampled space is empty")
	}
	m.lower, m.upper = m.ord.BoundVectors(space)
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Ordering exposes the flat vector layout the driver samples in.
func (m *Metropolis) Ordering() *params.Ordering {
	return m.ord
}

// Sample runs the calibration to completion and returns the merged final
// stage with burn-in dropped and thinning applied.
func (m *Metropolis) Sample(ctx context.Context) (*store.Stage, error) {
	ctx = logging.WithRunID(ctx, uuid.NewString())

	coords, llks, startStage, err := m.initChains(ctx)
	if err != nil {
		return nil, err
	}

	for stageNum := startStage; stageNum < m.cfg.NStages; stageNum++ {
		stageCtx := logging.WithStage(ctx, stageNum)
		if err := errors.CheckContext(stageCtx, "metropolis stage boundary"); err != nil {
			return nil, err
		}

		stage, err := m.runStage(stageCtx, stageNum, coords, llks)
		if err != nil {
			return nil, err
		}
		if err := m.store.SaveStage(stage); err != nil {
			return nil, err
		}
		m.logger.Info(stageCtx, "Persisted stage %d of %d (acceptance %.3f)",
			stageNum, m.cfg.NStages, stage.AcceptRate)

		if m.update != nil && m.cfg.UpdateCovariances && stageNum < m.cfg.NStages-1 {
			best := 0
			for i := range llks {
				if llks[i] > llks[best] {
					best = i
				}
			}
			point, err := m.ord.ToPoint(m.space, coords[best])
			if err != nil {
				return nil, err
			}
			if err := m.update(stageCtx, point); err != nil {
				return nil, err
			}
			if err := m.reevaluate(stageCtx, coords, llks); err != nil {
				return nil, err
			}
		}
	}

	final, err := m.mergeFinal()
	if err != nil {
		return nil, err
	}
	if err := m.store.SaveFinal(final); err != nil {
		return nil, err
	}
	return final, nil
}

// initChains resolves resume semantics and returns the chain start states.
func (m *Metropolis) initChains(ctx context.Context) ([][]float64, []float64, int, error) {
	if m.cfg.RmFlag {
		highest, err := m.store.HighestStage()
		if err != nil {
			return nil, nil, 0, err
		}
		for n := 0; n <= highest; n++ {
			if err := m.store.RemoveStage(n); err != nil {
				return nil, nil, 0, err
			}
		}
	}

	highest, err := m.store.HighestStage()
	if err != nil {
		return nil, nil, 0, err
	}
	target := m.cfg.Stage
	if target == -1 {
		target = highest
	}
	if target > highest {
		if target == 0 && highest == -1 {
			return m.freshChains(ctx)
		}
		return nil, nil, 0, errors.Newf(errors.ResumeMismatch,
			"cannot resume stage %d, highest persisted stage is %d", target, highest)
	}
	if target < 0 {
		return m.freshChains(ctx)
	}

	stage, err := m.store.LoadStage(target)
	if err != nil {
		return nil, nil, 0, err
	}
	if stage.NChains() != m.cfg.NJobs || stage.Dim() != m.ord.Size {
		return nil, nil, 0, errors.Newf(errors.ResumeMismatch,
			"persisted stage %d holds %d chains of dimension %d, configuration expects %d chains of dimension %d; set rm_flag to discard",
			target, stage.NChains(), stage.Dim(), m.cfg.NJobs, m.ord.Size)
	}
	coords, llks, err := stage.LastRows()
	if err != nil {
		return nil, nil, 0, err
	}
	m.logger.Info(ctx, "Resuming calibration after stage %d", stage.Number)
	return coords, llks, stage.Number + 1, nil
}

func (m *Metropolis) freshChains(ctx context.Context) ([][]float64, []float64, int, error) {
	m.logger.Info(ctx, "Initializing %d calibration chains", m.cfg.NJobs)
	coords := make([][]float64, m.cfg.NJobs)
	llks := make([]float64, m.cfg.NJobs)
	for i := range coords {
		rng := rand.New(rand.NewPCG(m.seed+uint64(i), 0))
		point := m.space.DrawRandomPoint(rng, params.IncludeAll)
		vec, err := m.ord.ToVector(point)
		if err != nil {
			return nil, nil, 0, err
		}
		coords[i] = vec
	}
	if err := m.reevaluate(ctx, coords, llks); err != nil {
		return nil, nil, 0, err
	}
	return coords, llks, 0, nil
}

func (m *Metropolis) reevaluate(ctx context.Context, coords [][]float64, llks []float64) error {
	wp := pool.New().WithMaxGoroutines(m.cfg.NJobs).WithErrors().WithContext(ctx)
	for i := range coords {
		i := i
		wp.Go(func(ctx context.Context) error {
			llk, err := m.logProb(coords[i])
			if err != nil {
				return err
			}
			llks[i] = llk
			return nil
		})
	}
	return wp.Wait()
}

// runStage advances every chain by n_steps, recording the full trace, and
// leaves the chain end states in coords/llks.
func (m *Metropolis) runStage(ctx context.Context, stageNum int, coords [][]float64, llks []float64) (*store.Stage, error) {
	stage := store.NewStage(stageNum, 1, len(coords))
	rates := make([]float64, len(coords))

	wp := pool.New().WithMaxGoroutines(m.cfg.NJobs).WithErrors().WithContext(ctx)
	for i := range coords {
		i := i
		wp.Go(func(ctx context.Context) error {
			src := rand.NewPCG(m.seed+uint64(i), uint64(stageNum)+1)
			rng := rand.New(src)
			prop, err := NewProposal(m.cfg.ProposalDist, m.ord.Size, src)
			if err != nil {
				return err
			}
			stepper := NewStepper(m.logProb, prop, rng,
				WithTuneInterval(m.cfg.TuneInterval),
				WithBoundsCheck(m.lower, m.upper))

			trace := store.ChainTrace{
				Coords:   make([][]float64, 0, m.cfg.NSteps),
				LogLikes: make([]float64, 0, m.cfg.NSteps),
			}
			x, llk := coords[i], llks[i]
			for k := 0; k < m.cfg.NSteps; k++ {
				x, llk, _, err = stepper.Step(x, llk, 1)
				if err != nil {
					return err
				}
				row := make([]float64, len(x))
				copy(row, x)
				trace.Coords = append(trace.Coords, row)
				trace.LogLikes = append(trace.LogLikes, llk)
			}
			coords[i], llks[i] = x, llk
			stage.Chains[i] = trace
			rates[i] = stepper.AcceptRate()
			return nil
		})
	}
	if err := wp.Wait(); err != nil {
		return nil, err
	}

	var total float64
	for _, r := range rates {
		total += r
	}
	stage.AcceptRate = total / float64(len(rates))
	return stage, nil
}

// mergeFinal concatenates the per-chain traces of all stages, drops the burn
// fraction and applies the thinning factor.
func (m *Metropolis) mergeFinal() (*store.Stage, error) {
	final := store.NewStage(m.cfg.NStages-1, 1, m.cfg.NJobs)

	chains := make([]store.ChainTrace, m.cfg.NJobs)
	for n := 0; n < m.cfg.NStages; n++ {
		stage, err := m.store.LoadStage(n)
		if err != nil {
			return nil, err
		}
		if stage.NChains() != m.cfg.NJobs {
			return nil, errors.Newf(errors.ResumeMismatch,
				"stage %d holds %d chains, expected %d", n, stage.NChains(), m.cfg.NJobs)
		}
		for i := range chains {
			chains[i].Coords = append(chains[i].Coords, stage.Chains[i].Coords...)
			chains[i].LogLikes = append(chains[i].LogLikes, stage.Chains[i].LogLikes...)
		}
	}

	for i := range chains {
		total := len(chains[i].Coords)
		start := int(m.cfg.Burn * float64(total))
		var trace store.ChainTrace
		for k := start; k < total; k += m.cfg.Thin {
			trace.Coords = append(trace.Coords, chains[i].Coords[k])
			trace.LogLikes = append(trace.LogLikes, chains[i].LogLikes[k])
		}
		final.Chains[i] = trace
	}
	return final, nil
}

// EstimateHyperBounds widens the configured hyperparameter bounds to the
// floor/ceiling window around the calibrated posterior sample and moves the
// test values to the window midpoints. The updated configuration is written
// back to its project directory.
func EstimateHyperBounds(final *store.Stage, ord *params.Ordering, cfg *config.InversionConfig) error {
	for i, name := range ord.Names {
		size := ord.Sizes[i]
		offset := ord.Offsets[i]

		lower := make([]float64, size)
		upper := make([]float64, size)
		testval := make([]float64, size)
		for k := 0; k < size; k++ {
			lo, hi := math.Inf(1), math.Inf(-1)
			for _, chain := range final.Chains {
				for _, row := range chain.Coords {
					v := row[offset+k]
					lo = math.Min(lo, v)
					hi = math.Max(hi, v)
				}
			}
			if math.IsInf(lo, 1) {
				return errors.Newf(errors.InvalidConfig,
					"no calibration samples for hyperparameter %q", name)
			}
			lower[k] = math.Floor(lo) - 2
			upper[k] = math.Ceil(hi) + 2
			testval[k] = (lower[k] + upper[k]) / 2
		}

		cfg.Problem.Hyperparameters[name] = &params.Parameter{
			Name:      name,
			Lower:     lower,
			Upper:     upper,
			TestValue: testval,
		}
	}
	return config.Dump(cfg)
}
