// Package quakeinv is a Bayesian inference framework for earthquake source
// estimation. It formulates geodetic and seismic misfits as probabilistic
// models over source parameters, noise scalings and nuisance variables, and
// samples the resulting posteriors with annealed sequential Monte Carlo.
//
// Key Components:
//
//   - Config: the project configuration object model with the mode/source
//     variable catalogs, default prior windows and YAML (de)serialization.
//
//   - Params: named, bounded random variables, typed points in solution
//     space and the deterministic flat-vector ordering the samplers use.
//
//   - Likelihood: per-datatype composites evaluating Gaussian data
//     likelihoods through Cholesky-factored covariances, including orbital
//     ramp and station correction hierarchicals and cached hyperparameter
//     formulas.
//
//   - Problem: wires a configuration and its composites into a joint log
//     posterior, checks hyperparameter coverage and runs the covariance
//     update between sampling stages.
//
//   - Sampler: the SMC/ATMIP sampler with coefficient-of-variation based
//     temperature scheduling, systematic resampling and adaptive Metropolis
//     chains, plus the plain multi-stage Metropolis calibrator used for
//     hyperparameter bound estimation.
//
//   - Store: stage persistence with interchangeable text and SQLite
//     backends, supporting exact resume of interrupted runs.
//
// A typical inversion loads a config, builds the problem, and runs the
// sampler against a stage store:
//
//	cfg, err := config.Load(projectDir, config.ModeGeometry)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	prob, err := problem.New(cfg, composites)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	space := prob.Space()
//	ord := space.BuildOrdering(params.IncludeAll)
//	posterior := prob.Build()
//
//	st, err := store.NewTextStore(filepath.Join(projectDir, "geometry"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	smc, err := sampler.NewSMC(cfg.Sampler.SMC, space, func(x []float64) (float64, error) {
//	    point, err := ord.ToPoint(space, x)
//	    if err != nil {
//	        return 0, err
//	    }
//	    return posterior(point)
//	}, st)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	final, err := smc.Sample(ctx)
//
// Interrupted runs resume from the last persisted stage by setting the
// sampler config's Stage field (or -1 for the highest stage found).
package quakeinv
