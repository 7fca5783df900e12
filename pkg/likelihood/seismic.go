package likelihood

import (
	"github.com/tectonaut/quakeinv/pkg/errors"
	"github.com/tectonaut/quakeinv/pkg/params"
)

// SeismicForward maps source parameter values and optional per-station time
// shifts to synthetic waveforms, one per dataset in composite order. Shifts
// are indexed like the composite's unique station list; a nil slice means no
// station corrections.
type SeismicForward interface {
	Synthetics(src map[string][]float64, timeShifts []float64) ([][]float64, error)
}

// SeismicForwardFunc adapts a plain function to SeismicForward.
type SeismicForwardFunc func(src map[string][]float64, timeShifts []float64) ([][]float64, error)

func (f SeismicForwardFunc) Synthetics(src map[string][]float64, timeShifts []float64) ([][]float64, error) {
	return f(src, timeShifts)
}

// SeismicComposite evaluates the misfit of synthetic waveforms against
// observed traces grouped into wavemaps (body waves, surface waves).
type SeismicComposite struct {
	baseComposite

	forward         SeismicForward
	covProv         CovarianceProvider
	stationCorr     bool
	timeShiftBound  float64
	stationsByIndex []string
	stationIndex    map[string]int
}

// SeismicOption configures a SeismicComposite.
type SeismicOption func(*SeismicComposite)

// WithStationCorrections enables joint estimation of per-station time shifts.
func WithStationCorrections() SeismicOption {
	return func(s *SeismicComposite) { s.stationCorr = true }
}

// WithTimeShiftBound overrides the symmetric prior bound on station time
// shifts, in seconds.
func WithTimeShiftBound(b float64) SeismicOption {
	return func(s *SeismicComposite) { s.timeShiftBound = b }
}

// WithSeismicCovarianceProvider installs a prediction-covariance source used
// by UpdateWeights between sampling stages.
func WithSeismicCovarianceProvider(p CovarianceProvider) SeismicOption {
	return func(s *SeismicComposite) { s.covProv = p }
}

// WithSeismicDatasetSpecificNoise gives each trace its own noise-scaling
// hyperparameter slot instead of one per wavemap channel.
func WithSeismicDatasetSpecificNoise() SeismicOption {
	return func(s *SeismicComposite) { s.hpSpecific = true }
}

// NewSeismicComposite builds a seismic composite over the given traces.
func NewSeismicComposite(datasets []*Dataset, forward SeismicForward, opts ...SeismicOption) (*SeismicComposite, error) {
	if forward == nil {
		return nil, errors.New(errors.InvalidConfig, "seismic composite requires a forward model")
	}
	s := &SeismicComposite{
		baseComposite:  newBaseComposite("seismic", datasets, false),
		forward:        forward,
		timeShiftBound: defaultTimeShiftBound,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.stationsByIndex = s.UniqueStations()
	s.stationIndex = make(map[string]int, len(s.stationsByIndex))
	for i, name := range s.stationsByIndex {
		s.stationIndex[name] = i
	}
	return s, nil
}

// Hierarchicals returns one time-shift vector spanning all stations when
// station corrections are enabled.
func (s *SeismicComposite) Hierarchicals() map[string]*params.Parameter {
	if !s.stationCorr || len(s.stationsByIndex) == 0 {
		return nil
	}
	name := "time_shift"
	return map[string]*params.Parameter{
		name: params.NewVector(name, len(s.stationsByIndex), -s.timeShiftBound, s.timeShiftBound, 0),
	}
}

// shiftsAt extracts the station time shifts from a point, or nil when
// corrections are disabled or the point carries none.
func (s *SeismicComposite) shiftsAt(p *params.Point) ([]float64, error) {
	if !s.stationCorr {
		return nil, nil
	}
	shifts, ok := p.Hierarchical["time_shift"]
	if !ok {
		return nil, nil
	}
	if len(shifts) != len(s.stationsByIndex) {
		return nil, errors.Newf(errors.InvalidConfig,
			"time_shift has %d components for %d stations",
			len(shifts), len(s.stationsByIndex))
	}
	return shifts, nil
}

func (s *SeismicComposite) residuals(p *params.Point) ([][]float64, [][]float64, error) {
	shifts, err := s.shiftsAt(p)
	if err != nil {
		return nil, nil, err
	}
	synths, err := s.forward.Synthetics(p.SourceValues(), shifts)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ForwardModelFailed, "seismic forward model")
	}
	residuals, err := s.residualsAt(synths)
	if err != nil {
		return nil, nil, err
	}
	return synths, residuals, nil
}

// GetFormula evaluates the seismic log-likelihood at a point.
func (s *SeismicComposite) GetFormula(p *params.Point) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, residuals, err := s.residuals(p)
	if err != nil {
		return 0, err
	}
	logpts, err := MultivariateNormalChol(s.datasets, residuals, p.Hyper, s.hpSpecific)
	if err != nil {
		return 0, err
	}
	return sum(logpts), nil
}

// GetHyperFormula evaluates the hyperparameter log-likelihood over cached
// quadratic forms.
func (s *SeismicComposite) GetHyperFormula(p *params.Point) (float64, error) {
	return s.hyperFormula(p)
}

// UpdateLLKs caches the raw weighted quadratic forms at the given point.
func (s *SeismicComposite) UpdateLLKs(p *params.Point) error {
	s.mu.RLock()
	_, residuals, err := s.residuals(p)
	s.mu.RUnlock()
	if err != nil {
		return err
	}
	return s.cacheLLKs(residuals)
}

// AssembleResults returns per-trace prediction triples at the given point.
func (s *SeismicComposite) AssembleResults(p *params.Point) ([]Result, error) {
	synths, residuals, err := s.residuals(p)
	if err != nil {
		return nil, err
	}
	return assembleResults(s.datasets, synths, residuals), nil
}

// UpdateWeights refreshes the prediction covariances at a reference point.
func (s *SeismicComposite) UpdateWeights(p *params.Point) error {
	if s.covProv == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	src := p.SourceValues()
	for _, d := range s.datasets {
		predV, err := s.covProv.PredictionCovariance(src, d)
		if err != nil {
			return errors.WithFields(err, errors.Fields{"dataset": d.Name})
		}
		d.Covariance.SetPredV(predV)
	}
	s.llksValid = false
	return nil
}

// Apply copies the weight matrices of another composite in place.
func (s *SeismicComposite) Apply(other Composite) error {
	return s.applyWeights(other)
}
