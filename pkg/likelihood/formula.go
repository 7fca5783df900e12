package likelihood

import (
	"math"

	"github.com/tectonaut/quakeinv/pkg/errors"
)

// counter hands out consecutive indexes per key, used to map datasets onto
// the entries of a dataset-specific hyperparameter array.
type counter map[string]int

func (c counter) next(key string) int {
	i := c[key]
	c[key] = i + 1
	return i
}

// hyperValue resolves the hyperparameter scaling for one dataset. With
// hpSpecific the hyperparameter array holds one entry per dataset of the
// same typ; otherwise it is a scalar.
func hyperValue(hypers map[string][]float64, name string, hpSpecific bool, count counter) (float64, error) {
	vals, ok := hypers[name]
	if !ok {
		return 0, errors.WithFields(
			errors.New(errors.InconsistentHyperparameters,
				"dataset requires a hyperparameter that is not configured"),
			errors.Fields{"hyper": name})
	}
	if !hpSpecific {
		return vals[0], nil
	}
	idx := count.next(name)
	if idx >= len(vals) {
		return 0, errors.WithFields(
			errors.Newf(errors.InconsistentHyperparameters,
				"hyperparameter has %d entries, dataset index %d", len(vals), idx),
			errors.Fields{"hyper": name})
	}
	return vals[idx], nil
}

// MultivariateNormalChol calculates the log-likelihood of a multivariate
// normal distribution per dataset, assuming the weights to be the inverse
// lower Cholesky factor of the covariance:
//
//	logL = -0.5 * (slnf + 2*n*h + exp(-2h) * ||W r||^2)
//
// where h is the noise-scaling hyperparameter of the dataset. The exp(-2h)
// form rescales the covariance magnitude without re-factoring it.
func MultivariateNormalChol(
	datasets []*Dataset, residuals [][]float64,
	hypers map[string][]float64, hpSpecific bool,
) ([]float64, error) {
	if len(residuals) != len(datasets) {
		return nil, errors.Newf(errors.ForwardModelFailed,
			"got %d residual vectors for %d datasets", len(residuals), len(datasets))
	}

	logpts := make([]float64, len(datasets))
	count := make(counter)

	for l, data := range datasets {
		h, err := hyperValue(hypers, data.Hypername(), hpSpecific, count)
		if err != nil {
			return nil, err
		}

		w, err := data.Covariance.CholInverse()
		if err != nil {
			return nil, errors.WithFields(err, errors.Fields{"dataset": data.Name})
		}
		slnf, err := data.Covariance.SLnF()
		if err != nil {
			return nil, err
		}

		quad := weightedNormSq(w, residuals[l])
		n := float64(data.Samples())
		logpts[l] = -0.5 * (slnf + 2*n*h + math.Exp(-2*h)*quad)
	}
	return logpts, nil
}

// HyperNormal calculates the log-likelihood depending on the hyperparameters
// only, reusing cached quadratic forms llks. The caller must have refreshed
// llks via UpdateLLKs for the current source point; the forward-model term is
// frozen in between.
func HyperNormal(
	datasets []*Dataset, llks []float64,
	hypers map[string][]float64, hpSpecific bool,
) ([]float64, error) {
	if len(llks) != len(datasets) {
		return nil, errors.Newf(errors.InvalidConfig,
			"got %d cached quadratic forms for %d datasets", len(llks), len(datasets))
	}

	logpts := make([]float64, len(datasets))
	count := make(counter)

	for k, data := range datasets {
		h, err := hyperValue(hypers, data.Hypername(), hpSpecific, count)
		if err != nil {
			return nil, err
		}
		slnf, err := data.Covariance.SLnF()
		if err != nil {
			return nil, err
		}
		n := float64(data.Samples())
		logpts[k] = -0.5 * (slnf + 2*n*h + math.Exp(-2*h)*llks[k])
	}
	return logpts, nil
}

func sum(vals []float64) float64 {
	var total float64
	for _, v := range vals {
		total += v
	}
	return total
}
