// Package problem assembles a configuration and a set of likelihood
// composites into a scalar log-posterior function over points in solution
// space, checking hyperparameter consistency at build time.
package problem

import (
	"context"
	"sort"
	"strings"

	"github.com/sourcegraph/conc/pool"

	"github.com/tectonaut/quakeinv/pkg/config"
	"github.com/tectonaut/quakeinv/pkg/errors"
	"github.com/tectonaut/quakeinv/pkg/likelihood"
	"github.com/tectonaut/quakeinv/pkg/logging"
	"github.com/tectonaut/quakeinv/pkg/params"
)

// LogPosterior evaluates the unnormalized log-posterior at a point. Priors
// are uniform over the configured bounds, so within bounds the value equals
// the summed composite log-likelihoods.
type LogPosterior func(p *params.Point) (float64, error)

// Problem binds a validated configuration to its active composites and the
// resulting parameter space.
type Problem struct {
	cfg        *config.InversionConfig
	composites map[string]likelihood.Composite
	space      *params.Space
	logger     *logging.Logger
}

// New assembles a problem from a configuration and one composite per active
// datatype. Composites are built by the caller with the forward-model
// collaborators wired in; New validates that each variant matches the
// configured mode and that the configured hyperparameters exactly cover the
// composites' requirements.
func New(cfg *config.InversionConfig, composites map[string]likelihood.Composite) (*Problem, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	for _, datatype := range cfg.Problem.Datatypes {
		comp, ok := composites[datatype]
		if !ok {
			return nil, errors.Newf(errors.InvalidConfig,
				"configured datatype %q has no composite", datatype)
		}
		if err := checkVariant(cfg.Problem.Mode, datatype, comp); err != nil {
			return nil, err
		}
	}
	for datatype := range composites {
		if !containsString(cfg.Problem.Datatypes, datatype) {
			return nil, errors.Newf(errors.InvalidConfig,
				"composite for datatype %q is not part of the configuration", datatype)
		}
	}

	p := &Problem{
		cfg:        cfg,
		composites: composites,
		logger:     logging.GetLogger(),
	}

	hypers, err := p.Hyperparams()
	if err != nil {
		return nil, err
	}
	hierarchicals, err := p.hierarchicals()
	if err != nil {
		return nil, err
	}

	p.space = params.NewSpace(cfg.Problem.Priors, hypers, hierarchicals)
	if err := p.space.ValidateBounds(); err != nil {
		return nil, err
	}
	return p, nil
}

// Space returns the parameter space of the problem.
func (p *Problem) Space() *params.Space {
	return p.space
}

// Config returns the configuration the problem was built from.
func (p *Problem) Config() *config.InversionConfig {
	return p.cfg
}

// Composites returns the active composites keyed by datatype.
func (p *Problem) Composites() map[string]likelihood.Composite {
	return p.composites
}

// sortedComposites returns the composites in datatype order, so that formula
// summation and weight updates run in a stable order.
func (p *Problem) sortedComposites() []likelihood.Composite {
	keys := make([]string, 0, len(p.composites))
	for k := range p.composites {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]likelihood.Composite, len(keys))
	for i, k := range keys {
		out[i] = p.composites[k]
	}
	return out
}

// Hyperparams expands the configured hyperparameters to their sampling
// dimension. With dataset-specific residual noise estimation each
// hyperparameter grows to one entry per dataset requiring it. The configured
// set must match the union of composite hypernames exactly.
func (p *Problem) Hyperparams() (map[string]*params.Parameter, error) {
	required := make(map[string]int)
	for _, comp := range p.sortedComposites() {
		for _, d := range comp.Datasets() {
			required[d.Hypername()]++
		}
	}

	configured := p.cfg.Problem.Hyperparameters
	if err := checkHyperCoverage(configured, required); err != nil {
		return nil, err
	}

	out := make(map[string]*params.Parameter, len(configured))
	for name, param := range configured {
		if p.cfg.Problem.DatasetSpecificResidualNoise {
			out[name] = param.Expand(required[name])
		} else {
			out[name] = param
		}
	}
	return out, nil
}

// checkHyperCoverage enforces the exact-match invariant between configured
// hyperparameters and the ones the composites require.
func checkHyperCoverage(configured map[string]*params.Parameter, required map[string]int) error {
	var missing, surplus []string
	for name := range required {
		if _, ok := configured[name]; !ok {
			missing = append(missing, name)
		}
	}
	for name := range configured {
		if _, ok := required[name]; !ok {
			surplus = append(surplus, name)
		}
	}
	if len(missing) == 0 && len(surplus) == 0 {
		return nil
	}
	sort.Strings(missing)
	sort.Strings(surplus)
	return errors.WithFields(
		errors.Newf(errors.InconsistentHyperparameters,
			"configured hyperparameters do not match the composites: %d missing, %d surplus",
			len(missing), len(surplus)),
		errors.Fields{
			"missing": strings.Join(missing, ","),
			"surplus": strings.Join(surplus, ","),
		})
}

// hierarchicals merges the nuisance variables of all composites.
func (p *Problem) hierarchicals() (map[string]*params.Parameter, error) {
	out := make(map[string]*params.Parameter)
	for _, comp := range p.sortedComposites() {
		for name, param := range comp.Hierarchicals() {
			if _, dup := out[name]; dup {
				return nil, errors.Newf(errors.InvalidConfig,
					"hierarchical %q is declared by more than one composite", name)
			}
			out[name] = param
		}
	}
	return out, nil
}

// Build returns the scalar log-posterior over full points, summing the
// composite formulas. Points are expected within bounds; the sampler enforces
// that during proposal checking.
func (p *Problem) Build() LogPosterior {
	composites := p.sortedComposites()
	return func(point *params.Point) (float64, error) {
		var total float64
		for _, comp := range composites {
			ll, err := comp.GetFormula(point)
			if err != nil {
				return 0, err
			}
			total += ll
		}
		return total, nil
	}
}

// BuildHyperModel freezes the source model at the prior test point, caches
// the quadratic forms once, and returns a posterior over hyperparameters
// only. This is the cheap calibration target sampled by the standalone
// Metropolis driver.
func (p *Problem) BuildHyperModel(ctx context.Context) (LogPosterior, error) {
	fixed := p.space.TestPoint()
	composites := p.sortedComposites()

	p.logger.Info(ctx, "Caching forward-model terms at the test point for hyperparameter calibration")
	for _, comp := range composites {
		if err := comp.UpdateLLKs(fixed); err != nil {
			return nil, err
		}
	}

	return func(point *params.Point) (float64, error) {
		var total float64
		for _, comp := range composites {
			ll, err := comp.GetHyperFormula(point)
			if err != nil {
				return 0, err
			}
			total += ll
		}
		return total, nil
	}, nil
}

// UpdateWeights refreshes the composite weight matrices at a reference point.
// Must only run in the exclusive phase between sampling stages; composites
// serialize against in-flight evaluations internally.
func (p *Problem) UpdateWeights(ctx context.Context, point *params.Point) error {
	p.logger.Info(ctx, "Updating data weight matrices at reference point")
	wp := pool.New().WithErrors()
	for _, comp := range p.sortedComposites() {
		comp := comp
		wp.Go(func() error {
			return comp.UpdateWeights(point)
		})
	}
	return wp.Wait()
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
