// Package store persists per-stage sampler state for resume and posterior
// extraction. Two backends share one interface: a plain-text layout with one
// directory per stage, and a single-file SQLite trace.
package store

import (
	"github.com/google/uuid"

	"github.com/tectonaut/quakeinv/pkg/errors"
)

// ChainTrace is the recorded trajectory of a single chain within a stage.
// SMC stages carry one row per chain; Metropolis calibration stages carry
// the full per-stage trace.
type ChainTrace struct {
	Coords   [][]float64 `yaml:"-"`
	LogLikes []float64   `yaml:"-"`
}

// Stage is one persisted iteration of the annealed-sampling outer loop:
// the population snapshot with its tempering level and tuning statistics.
// A stage is immutable once saved.
type Stage struct {
	Number      int         `yaml:"number"`
	Beta        float64     `yaml:"beta"`
	AcceptRate  float64     `yaml:"accept_rate"`
	ProposalCov [][]float64 `yaml:"proposal_cov,omitempty"`
	RunID       string      `yaml:"run_id"`

	Chains []ChainTrace `yaml:"-"`
}

// NewStage returns an empty stage snapshot with a fresh run identifier.
func NewStage(number int, beta float64, nchains int) *Stage {
	return &Stage{
		Number: number,
		Beta:   beta,
		RunID:  uuid.NewString(),
		Chains: make([]ChainTrace, nchains),
	}
}

// NChains returns the number of chains in the stage population.
func (s *Stage) NChains() int {
	return len(s.Chains)
}

// Dim returns the coordinate dimension of the population, or 0 for an empty
// stage.
func (s *Stage) Dim() int {
	for _, c := range s.Chains {
		if len(c.Coords) > 0 {
			return len(c.Coords[0])
		}
	}
	return 0
}

// LastRows returns the final coordinate row and log-likelihood of every
// chain, the view the next stage starts from.
func (s *Stage) LastRows() ([][]float64, []float64, error) {
	coords := make([][]float64, len(s.Chains))
	llks := make([]float64, len(s.Chains))
	for i, c := range s.Chains {
		if len(c.Coords) == 0 {
			return nil, nil, errors.Newf(errors.ResumeMismatch,
				"stage %d chain %d holds no samples", s.Number, i)
		}
		coords[i] = c.Coords[len(c.Coords)-1]
		llks[i] = c.LogLikes[len(c.LogLikes)-1]
	}
	return coords, llks, nil
}

// Validate checks the internal consistency of the snapshot.
func (s *Stage) Validate() error {
	dim := s.Dim()
	for i, c := range s.Chains {
		if len(c.Coords) != len(c.LogLikes) {
			return errors.Newf(errors.StoreFailure,
				"stage %d chain %d has %d coordinate rows and %d log-likelihoods",
				s.Number, i, len(c.Coords), len(c.LogLikes))
		}
		for _, row := range c.Coords {
			if len(row) != dim {
				return errors.Newf(errors.StoreFailure,
					"stage %d chain %d has rows of mixed dimension", s.Number, i)
			}
		}
	}
	return nil
}

// StageStore persists and retrieves stage snapshots keyed by stage number,
// plus one distinguished final result.
type StageStore interface {
	// SaveStage persists a snapshot atomically. Saving an existing stage
	// number overwrites it.
	SaveStage(stage *Stage) error
	// LoadStage retrieves the snapshot of stage n.
	LoadStage(n int) (*Stage, error)
	// HighestStage returns the highest persisted stage number, or -1 when
	// no stage has been persisted yet.
	HighestStage() (int, error)
	// RemoveStage discards stage n. Removing a missing stage is not an
	// error.
	RemoveStage(n int) error
	// SaveFinal persists the merged terminal result.
	SaveFinal(stage *Stage) error
	// LoadFinal retrieves the merged terminal result.
	LoadFinal() (*Stage, error)
}
