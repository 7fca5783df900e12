package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/tectonaut/quakeinv/pkg/errors"
)

var validate = validator.New()

// ConfigFileName returns the configuration file name for a problem mode.
func ConfigFileName(mode string) string {
	return fmt.Sprintf("config_%s.yaml", mode)
}

// Load reads and validates the configuration of a project directory for the
// given problem mode.
func Load(projectDir, mode string) (*InversionConfig, error) {
	path := filepath.Join(projectDir, ConfigFileName(mode))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithFields(
			errors.Wrap(err, errors.InvalidConfig, "cannot load config"),
			errors.Fields{"path": path})
	}

	var cfg InversionConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.WithFields(
			errors.Wrap(err, errors.InvalidConfig, "failed to parse config YAML"),
			errors.Fields{"path": path})
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Dump writes the configuration into its project directory.
func Dump(cfg *InversionConfig) error {
	if err := os.MkdirAll(cfg.ProjectDir, 0o755); err != nil {
		return errors.Wrap(err, errors.StoreFailure, "cannot create project directory")
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, errors.InvalidConfig, "failed to marshal config")
	}

	path := filepath.Join(cfg.ProjectDir, ConfigFileName(cfg.Problem.Mode))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.WithFields(
			errors.Wrap(err, errors.StoreFailure, "cannot write config"),
			errors.Fields{"path": path})
	}
	return nil
}

// Validate runs the struct-tag validation plus the semantic checks on
// priors and hyperparameters.
func (c *InversionConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, errors.InvalidConfig, "config validation failed")
	}

	if c.Problem.Mode == ModeGeometry && c.Problem.SourceType == "" {
		return errors.New(errors.InvalidConfig,
			"geometry mode requires a source_type")
	}

	for _, datatype := range c.Problem.Datatypes {
		switch datatype {
		case DatatypeGeodetic:
			if c.Geodetic == nil {
				return errors.New(errors.InvalidConfig,
					"datatype geodetic configured without geodetic_config")
			}
		case DatatypeSeismic:
			if c.Seismic == nil {
				return errors.New(errors.InvalidConfig,
					"datatype seismic configured without seismic_config")
			}
		}
	}

	if err := c.Problem.ValidatePriors(); err != nil {
		return err
	}
	return c.Problem.ValidateHypers()
}
