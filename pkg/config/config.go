// Package config holds the configuration object model of an inversion
// project: the problem definition, the per-datatype data setups and the
// sampler parameters, together with their YAML (de)serialization.
package config

import (
	"context"
	"fmt"
	"sort"

	"github.com/tectonaut/quakeinv/pkg/errors"
	"github.com/tectonaut/quakeinv/pkg/logging"
	"github.com/tectonaut/quakeinv/pkg/params"
)

// Sampler algorithm names.
const (
	SamplerMetropolis = "Metropolis"
	SamplerSMC        = "SMC"
)

// InversionConfig is the overarching configuration, providing the
// sub-configurations for the problem setup, the data being used and the
// sampling algorithms.
type InversionConfig struct {
	Name       string `yaml:"name" validate:"required"`
	Date       string `yaml:"date,omitempty"`
	ProjectDir string `yaml:"project_dir" validate:"required"`

	Problem  ProblemConfig   `yaml:"problem_config" validate:"required"`
	Geodetic *GeodeticConfig `yaml:"geodetic_config,omitempty"`
	Seismic  *SeismicConfig  `yaml:"seismic_config,omitempty"`

	Sampler      SamplerConfig  `yaml:"sampler_config" validate:"required"`
	HyperSampler *SamplerConfig `yaml:"hyper_sampler_config,omitempty"`
}

// ProblemConfig describes the optimization problem to set up.
type ProblemConfig struct {
	Mode       string `yaml:"mode" validate:"required,oneof=geometry static kinematic interseismic"`
	SourceType string `yaml:"source_type,omitempty"`
	STFType    string `yaml:"stf_type,omitempty"`
	NSources   int    `yaml:"n_sources" validate:"min=1"`

	Datatypes []string `yaml:"datatypes" validate:"required,min=1,dive,oneof=geodetic seismic"`

	// DatasetSpecificResidualNoise enables one hyperparameter entry per
	// dataset or station instead of one per datatype/channel.
	DatasetSpecificResidualNoise bool `yaml:"dataset_specific_residual_noise_estimation,omitempty"`

	Hyperparameters map[string]*params.Parameter `yaml:"hyperparameters,omitempty"`
	Priors          map[string]*params.Parameter `yaml:"priors,omitempty"`
}

// GeodeticConfig holds the geodetic data setup consumed by the core.
type GeodeticConfig struct {
	Datadir     string   `yaml:"datadir,omitempty"`
	Names       []string `yaml:"names,omitempty"`
	Types       []string `yaml:"types" validate:"required,min=1"`
	CalcDataCov bool     `yaml:"calc_data_cov,omitempty"`
	// FitPlane enables estimation of an orbital ramp per SAR dataset.
	FitPlane bool `yaml:"fit_plane,omitempty"`
}

// Hypernames returns the hyperparameter names the geodetic setup requires,
// one per geodetic data type.
func (gc *GeodeticConfig) Hypernames() []string {
	names := make([]string, 0, len(gc.Types))
	for _, typ := range gc.Types {
		names = append(names, "h_"+typ)
	}
	return names
}

// WaveformFitConfig selects a waveform and its channels for the misfit.
type WaveformFitConfig struct {
	Include       bool       `yaml:"include"`
	Name          string     `yaml:"name" validate:"required"`
	Channels      []string   `yaml:"channels" validate:"required,min=1"`
	Distances     [2]float64 `yaml:"distances,omitempty"`
	Interpolation string     `yaml:"interpolation,omitempty" validate:"omitempty,oneof=nearest_neighbor multilinear"`
}

// SeismicConfig holds the seismic data setup consumed by the core.
type SeismicConfig struct {
	Datadir     string   `yaml:"datadir,omitempty"`
	Blacklist   []string `yaml:"blacklist,omitempty"`
	CalcDataCov bool     `yaml:"calc_data_cov,omitempty"`
	// StationCorrections enables a time-shift hierarchical per station.
	StationCorrections bool                `yaml:"station_corrections,omitempty"`
	Waveforms          []WaveformFitConfig `yaml:"waveforms" validate:"required,min=1,dive"`
}

// Hypernames returns the hyperparameter names the seismic setup requires,
// one per included waveform/channel combination.
func (sc *SeismicConfig) Hypernames() []string {
	var names []string
	for _, wc := range sc.Waveforms {
		if !wc.Include {
			continue
		}
		for _, c := range wc.Channels {
			names = append(names, fmt.Sprintf("h_%s_%s", wc.Name, c))
		}
	}
	return names
}

// SamplerConfig selects the sampling algorithm and its parameters.
type SamplerConfig struct {
	Name        string            `yaml:"name" validate:"required,oneof=Metropolis SMC"`
	Progressbar bool              `yaml:"progressbar,omitempty"`
	Metropolis  *MetropolisConfig `yaml:"metropolis,omitempty"`
	SMC         *SMCConfig        `yaml:"smc,omitempty"`
}

// MetropolisConfig holds the parameters of the adaptive Metropolis sampler.
type MetropolisConfig struct {
	NJobs             int     `yaml:"n_jobs" validate:"min=1"`
	NStages           int     `yaml:"n_stages" validate:"min=1"`
	NSteps            int     `yaml:"n_steps" validate:"min=1"`
	Stage             int     `yaml:"stage"`
	TuneInterval      int     `yaml:"tune_interval" validate:"min=1"`
	ProposalDist      string  `yaml:"proposal_dist" validate:"omitempty,oneof=Normal Cauchy Laplace MultivariateNormal"`
	UpdateCovariances bool    `yaml:"update_covariances,omitempty"`
	Thin              int     `yaml:"thin" validate:"min=1"`
	Burn              float64 `yaml:"burn" validate:"min=0,max=1"`
	RmFlag            bool    `yaml:"rm_flag,omitempty"`
}

// SMCConfig holds the parameters of the SMC/ATMIP sampler.
type SMCConfig struct {
	NChains           int     `yaml:"n_chains" validate:"min=2"`
	NSteps            int     `yaml:"n_steps" validate:"min=1"`
	NJobs             int     `yaml:"n_jobs" validate:"min=1"`
	TuneInterval      int     `yaml:"tune_interval" validate:"min=1"`
	CoefVariation     float64 `yaml:"coef_variation" validate:"gt=0"`
	Stage             int     `yaml:"stage"`
	ProposalDist      string  `yaml:"proposal_dist" validate:"omitempty,oneof=Normal Cauchy Laplace MultivariateNormal"`
	CheckBnd          bool    `yaml:"check_bnd"`
	UpdateCovariances bool    `yaml:"update_covariances,omitempty"`
	RmFlag            bool    `yaml:"rm_flag,omitempty"`
}

// DefaultMetropolisConfig returns the default Metropolis parameters.
func DefaultMetropolisConfig() *MetropolisConfig {
	return &MetropolisConfig{
		NJobs:        1,
		NStages:      10,
		NSteps:       25000,
		TuneInterval: 50,
		ProposalDist: "Normal",
		Thin:         2,
		Burn:         0.5,
	}
}

// DefaultSMCConfig returns the default SMC parameters.
func DefaultSMCConfig() *SMCConfig {
	return &SMCConfig{
		NChains:           1000,
		NSteps:            100,
		NJobs:             1,
		TuneInterval:      10,
		CoefVariation:     1,
		ProposalDist:      "MultivariateNormal",
		CheckBnd:          true,
		UpdateCovariances: true,
	}
}

// InitVars populates default priors for the problem's variable selection.
// Variables already present keep their configured bounds.
func (pc *ProblemConfig) InitVars() error {
	variables, err := SelectVariables(pc.Mode, pc.SourceType, pc.STFType, pc.Datatypes)
	if err != nil {
		return err
	}

	if pc.Priors == nil {
		pc.Priors = make(map[string]*params.Parameter)
	}

	for _, variable := range variables {
		if _, ok := pc.Priors[variable]; ok {
			continue
		}
		bounds, ok := DefaultBounds[variable]
		if !ok {
			return errors.Newf(errors.InvalidConfig,
				"no default bounds for variable %q", variable)
		}
		nvars := pc.NSources
		if IsBlockVariable(variable) {
			nvars = 1
		}
		lower, upper := bounds[0], bounds[1]
		pc.Priors[variable] = params.NewVector(
			variable, nvars, lower, upper, lower+upper/5)
	}
	return nil
}

// ValidatePriors checks that priors and their test values do not contradict.
func (pc *ProblemConfig) ValidatePriors() error {
	for _, name := range sortedParamNames(pc.Priors) {
		if err := pc.Priors[name].ValidateBounds(); err != nil {
			return err
		}
	}
	return nil
}

// ValidateHypers checks that hyperparameters and their test values do not
// contradict.
func (pc *ProblemConfig) ValidateHypers() error {
	for _, name := range sortedParamNames(pc.Hyperparameters) {
		if err := pc.Hyperparameters[name].ValidateBounds(); err != nil {
			return err
		}
	}
	return nil
}

// UpdateHypers evaluates the whole config and initializes the necessary
// hyperparameters using the default hyper window.
func (c *InversionConfig) UpdateHypers() error {
	logger := logging.GetLogger()

	var hypernames []string
	if c.Geodetic != nil {
		hypernames = append(hypernames, c.Geodetic.Hypernames()...)
	}
	if c.Seismic != nil {
		hypernames = append(hypernames, c.Seismic.Hypernames()...)
	}

	window := DefaultBounds["hypers"]
	hypers := make(map[string]*params.Parameter, len(hypernames))
	for _, name := range hypernames {
		hypers[name] = params.NewScalar(
			name, window[0], window[1], (window[0]+window[1])/2)
	}

	c.Problem.Hyperparameters = hypers
	if err := c.Problem.ValidateHypers(); err != nil {
		return err
	}

	logger.Info(context.Background(), "Initialized %d hyperparameters", len(hypers))
	return nil
}

func sortedParamNames(m map[string]*params.Parameter) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
