package sampler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tectonaut/quakeinv/pkg/config"
	"github.com/tectonaut/quakeinv/pkg/errors"
	"github.com/tectonaut/quakeinv/pkg/params"
	"github.com/tectonaut/quakeinv/pkg/store"
)

func smcTestSpace() *params.Space {
	priors := map[string]*params.Parameter{
		"east_shift": params.NewScalar("east_shift", -5, 5, 0),
	}
	return params.NewSpace(priors, nil, nil)
}

func smcTestConfig() *config.SMCConfig {
	cfg := config.DefaultSMCConfig()
	cfg.NChains = 40
	cfg.NSteps = 15
	cfg.NJobs = 2
	cfg.TuneInterval = 5
	return cfg
}

func newTestStore(t *testing.T) *store.TextStore {
	t.Helper()
	st, err := store.NewTextStore(t.TempDir())
	require.NoError(t, err)
	return st
}

func TestSMCSampleConverges(t *testing.T) {
	space := smcTestSpace()
	st := newTestStore(t)
	smc, err := NewSMC(smcTestConfig(), space, gaussianLogProb(1, 0.2), st, WithSeed(42))
	require.NoError(t, err)

	final, err := smc.Sample(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 1, final.Beta, 1e-9)
	require.Equal(t, 40, final.NChains())

	// Bounds invariant: every persisted particle stays inside the prior.
	highest, err := st.HighestStage()
	require.NoError(t, err)
	require.GreaterOrEqual(t, highest, 1)

	prevBeta := -1.0
	for n := 0; n <= highest; n++ {
		stage, err := st.LoadStage(n)
		require.NoError(t, err)
		assert.Greater(t, stage.Beta, prevBeta, "stage %d", n)
		prevBeta = stage.Beta
		for _, chain := range stage.Chains {
			for _, row := range chain.Coords {
				assert.GreaterOrEqual(t, row[0], -5.0)
				assert.LessOrEqual(t, row[0], 5.0)
			}
		}
	}

	// The terminal stage is also persisted as the final result.
	loaded, err := st.LoadFinal()
	require.NoError(t, err)
	assert.InDelta(t, final.Beta, loaded.Beta, 0)
	assert.Equal(t, final.Number, loaded.Number)
}

func TestSMCResumeReproducesRun(t *testing.T) {
	space := smcTestSpace()
	st := newTestStore(t)

	smc, err := NewSMC(smcTestConfig(), space, gaussianLogProb(1, 0.2), st, WithSeed(42))
	require.NoError(t, err)
	final, err := smc.Sample(context.Background())
	require.NoError(t, err)
	require.Greater(t, final.Number, 1)

	// Resume from stage 1 of the finished run: the remaining stages must
	// regenerate deterministically.
	cfg := smcTestConfig()
	cfg.Stage = 1
	resumed, err := NewSMC(cfg, space, gaussianLogProb(1, 0.2), st, WithSeed(42))
	require.NoError(t, err)
	refinal, err := resumed.Sample(context.Background())
	require.NoError(t, err)

	require.Equal(t, final.Number, refinal.Number)
	for i := range final.Chains {
		assert.Equal(t, final.Chains[i].Coords, refinal.Chains[i].Coords, "chain %d", i)
	}
}

func TestSMCResumeHighest(t *testing.T) {
	space := smcTestSpace()
	st := newTestStore(t)

	smc, err := NewSMC(smcTestConfig(), space, gaussianLogProb(1, 0.2), st, WithSeed(7))
	require.NoError(t, err)
	final, err := smc.Sample(context.Background())
	require.NoError(t, err)

	// Stage -1 resumes the highest persisted stage, which is terminal.
	cfg := smcTestConfig()
	cfg.Stage = -1
	resumed, err := NewSMC(cfg, space, gaussianLogProb(1, 0.2), st, WithSeed(7))
	require.NoError(t, err)
	refinal, err := resumed.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, final.Number, refinal.Number)
	assert.InDelta(t, 1, refinal.Beta, 1e-9)
}

func TestSMCResumeMismatch(t *testing.T) {
	space := smcTestSpace()
	st := newTestStore(t)

	// Persist a stage with the wrong chain count.
	stale := store.NewStage(0, 0, 3)
	for i := range stale.Chains {
		stale.Chains[i] = store.ChainTrace{
			Coords:   [][]float64{{0.5}},
			LogLikes: []float64{-1},
		}
	}
	require.NoError(t, st.SaveStage(stale))

	smc, err := NewSMC(smcTestConfig(), space, gaussianLogProb(1, 0.2), st, WithSeed(1))
	require.NoError(t, err)
	_, err = smc.Sample(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ResumeMismatch))

	// rm_flag discards the stale results and restarts cleanly.
	cfg := smcTestConfig()
	cfg.RmFlag = true
	smc, err = NewSMC(cfg, space, gaussianLogProb(1, 0.2), st, WithSeed(1))
	require.NoError(t, err)
	final, err := smc.Sample(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 1, final.Beta, 1e-9)
}

func TestSMCCancellation(t *testing.T) {
	space := smcTestSpace()
	st := newTestStore(t)

	smc, err := NewSMC(smcTestConfig(), space, gaussianLogProb(1, 0.2), st, WithSeed(3))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = smc.Sample(ctx)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.Canceled))

	// The initial population was persisted before the boundary check, so a
	// later run resumes instead of recomputing it.
	highest, err := st.HighestStage()
	require.NoError(t, err)
	assert.Equal(t, 0, highest)
}

func TestSMCUpdateHookRunsBetweenStages(t *testing.T) {
	space := smcTestSpace()
	st := newTestStore(t)

	var calls int
	hook := func(ctx context.Context, point *params.Point) error {
		calls++
		_, ok := point.Free["east_shift"]
		assert.True(t, ok)
		return nil
	}

	smc, err := NewSMC(smcTestConfig(), space, gaussianLogProb(1, 0.2), st,
		WithSeed(11), WithUpdateHook(hook))
	require.NoError(t, err)

	final, err := smc.Sample(context.Background())
	require.NoError(t, err)

	// One call per persisted stage except the terminal one.
	assert.Equal(t, final.Number-1, calls)
}

func TestSMCEmptySpace(t *testing.T) {
	fixed := map[string]*params.Parameter{
		"east_shift": params.NewScalar("east_shift", 1, 1, 1),
	}
	_, err := NewSMC(smcTestConfig(), params.NewSpace(fixed, nil, nil),
		gaussianLogProb(0, 1), newTestStore(t))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.InvalidConfig))
}
