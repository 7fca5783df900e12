package store

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tectonaut/quakeinv/pkg/errors"
)

const finalStageName = "stage_final"

var stageDirPattern = regexp.MustCompile(`^stage_(\d+)$`)

// TextStore lays stages out as stage_<n> directories under a home path, with
// one CSV file per chain and the sampler parameters in sampler.yaml. Writes
// go to a temporary directory first and are published with a single rename.
type TextStore struct {
	home string
}

// NewTextStore opens (and creates if necessary) a text store rooted at home.
func NewTextStore(home string) (*TextStore, error) {
	if err := os.MkdirAll(home, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.StoreFailure, "cannot create store directory")
	}
	return &TextStore{home: home}, nil
}

// Home returns the root directory of the store.
func (t *TextStore) Home() string {
	return t.home
}

func stageDirName(n int) string {
	return fmt.Sprintf("stage_%d", n)
}

func chainFileName(i int) string {
	return fmt.Sprintf("chain_%d.csv", i)
}

// SaveStage persists a snapshot atomically via temp directory plus rename.
func (t *TextStore) SaveStage(stage *Stage) error {
	return t.save(stageDirName(stage.Number), stage)
}

// SaveFinal persists the merged terminal result.
func (t *TextStore) SaveFinal(stage *Stage) error {
	return t.save(finalStageName, stage)
}

func (t *TextStore) save(name string, stage *Stage) error {
	if err := stage.Validate(); err != nil {
		return err
	}

	tmp, err := os.MkdirTemp(t.home, name+".tmp-")
	if err != nil {
		return errors.Wrap(err, errors.StoreFailure, "cannot create staging directory")
	}
	defer os.RemoveAll(tmp)

	meta, err := yaml.Marshal(stage)
	if err != nil {
		return errors.Wrap(err, errors.StoreFailure, "cannot marshal sampler parameters")
	}
	if err := os.WriteFile(filepath.Join(tmp, "sampler.yaml"), meta, 0o644); err != nil {
		return errors.Wrap(err, errors.StoreFailure, "cannot write sampler parameters")
	}

	for i, chain := range stage.Chains {
		if err := writeChainFile(filepath.Join(tmp, chainFileName(i)), chain); err != nil {
			return err
		}
	}

	final := filepath.Join(t.home, name)
	if err := os.RemoveAll(final); err != nil {
		return errors.Wrap(err, errors.StoreFailure, "cannot replace existing stage")
	}
	if err := os.Rename(tmp, final); err != nil {
		return errors.WithFields(
			errors.Wrap(err, errors.StoreFailure, "cannot publish stage"),
			errors.Fields{"stage": name})
	}
	return nil
}

func writeChainFile(path string, chain ChainTrace) error {
	var sb strings.Builder
	for r, row := range chain.Coords {
		for _, v := range row {
			sb.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(chain.LogLikes[r], 'g', -1, 64))
		sb.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		return errors.Wrap(err, errors.StoreFailure, "cannot write chain trace")
	}
	return nil
}

func readChainFile(path string) (ChainTrace, error) {
	var chain ChainTrace
	data, err := os.ReadFile(path)
	if err != nil {
		return chain, errors.Wrap(err, errors.StoreFailure, "cannot read chain trace")
	}
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		cells := strings.Split(line, ",")
		vals := make([]float64, len(cells))
		for i, cell := range cells {
			v, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				return chain, errors.WithFields(
					errors.Wrap(err, errors.StoreFailure, "corrupt chain trace"),
					errors.Fields{"path": path})
			}
			vals[i] = v
		}
		chain.Coords = append(chain.Coords, vals[:len(vals)-1])
		chain.LogLikes = append(chain.LogLikes, vals[len(vals)-1])
	}
	return chain, nil
}

// LoadStage retrieves the snapshot of stage n.
func (t *TextStore) LoadStage(n int) (*Stage, error) {
	return t.load(stageDirName(n))
}

// LoadFinal retrieves the merged terminal result.
func (t *TextStore) LoadFinal() (*Stage, error) {
	return t.load(finalStageName)
}

func (t *TextStore) load(name string) (*Stage, error) {
	dir := filepath.Join(t.home, name)

	meta, err := os.ReadFile(filepath.Join(dir, "sampler.yaml"))
	if err != nil {
		return nil, errors.WithFields(
			errors.Wrap(err, errors.StoreFailure, "cannot read sampler parameters"),
			errors.Fields{"stage": name})
	}
	var stage Stage
	if err := yaml.Unmarshal(meta, &stage); err != nil {
		return nil, errors.Wrap(err, errors.StoreFailure, "corrupt sampler parameters")
	}

	for i := 0; ; i++ {
		path := filepath.Join(dir, chainFileName(i))
		if _, err := os.Stat(path); err != nil {
			break
		}
		chain, err := readChainFile(path)
		if err != nil {
			return nil, err
		}
		stage.Chains = append(stage.Chains, chain)
	}
	if len(stage.Chains) == 0 {
		return nil, errors.Newf(errors.StoreFailure, "stage %s holds no chains", name)
	}
	return &stage, nil
}

// HighestStage returns the highest persisted stage number, or -1 when no
// stage has been persisted yet.
func (t *TextStore) HighestStage() (int, error) {
	entries, err := os.ReadDir(t.home)
	if err != nil {
		return -1, errors.Wrap(err, errors.StoreFailure, "cannot list store directory")
	}
	highest := -1
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m := stageDirPattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if n > highest {
			highest = n
		}
	}
	return highest, nil
}

// RemoveStage discards stage n. Removing a missing stage is not an error.
func (t *TextStore) RemoveStage(n int) error {
	if err := os.RemoveAll(filepath.Join(t.home, stageDirName(n))); err != nil {
		return errors.Wrap(err, errors.StoreFailure, "cannot remove stage")
	}
	return nil
}
