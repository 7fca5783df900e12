package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tectonaut/quakeinv/pkg/errors"
)

func TestSelectVariablesGeometry(t *testing.T) {
	// Static geodetic data carries no information on temporal source
	// variables, so "time" is weeded out.
	vars, err := SelectVariables(ModeGeometry, "RectangularSource", "",
		[]string{DatatypeGeodetic})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"depth", "dip", "east_shift", "length", "north_shift", "rake",
		"slip", "strike", "width"}, vars)

	// Seismic data keeps time and adds the source time function variables.
	vars, err = SelectVariables(ModeGeometry, "DCSource", "Boxcar",
		[]string{DatatypeSeismic})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"depth", "dip", "duration", "east_shift", "magnitude",
		"north_shift", "rake", "strike", "time"}, vars)
}

func TestSelectVariablesDistributedModes(t *testing.T) {
	vars, err := SelectVariables(ModeStatic, "", "", []string{DatatypeGeodetic})
	require.NoError(t, err)
	assert.Equal(t, []string{"uparr", "uperp"}, vars)

	vars, err = SelectVariables(ModeInterseismic, "", "", []string{DatatypeGeodetic})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"bl_amplitude", "bl_azimuth", "dip", "east_shift", "length",
		"locking_depth", "north_shift", "strike"}, vars)
}

func TestSelectVariablesErrors(t *testing.T) {
	_, err := SelectVariables("teleseismic", "", "", []string{DatatypeSeismic})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.InvalidConfig))

	// Kinematic mode has no geodetic variable selection.
	_, err = SelectVariables(ModeKinematic, "", "", []string{DatatypeGeodetic})
	require.Error(t, err)

	_, err = SelectVariables(ModeGeometry, "PointSource", "",
		[]string{DatatypeGeodetic})
	require.Error(t, err)

	_, err = SelectVariables(ModeGeometry, "DCSource", "Brune",
		[]string{DatatypeSeismic})
	require.Error(t, err)
}

// Every variable any mode/source/stf combination can select must have a
// default prior window, otherwise InitVars fails at project setup.
func TestDefaultBoundsCoverCatalog(t *testing.T) {
	var selections [][]string

	for _, src := range SourceTypes() {
		for _, stf := range []string{"Boxcar", "Triangular", "HalfSinusoid"} {
			for _, dt := range []string{DatatypeGeodetic, DatatypeSeismic} {
				vars, err := SelectVariables(ModeGeometry, src, stf, []string{dt})
				require.NoError(t, err, "source %s stf %s datatype %s", src, stf, dt)
				selections = append(selections, vars)
			}
		}
	}

	for _, setup := range [][2]string{
		{ModeStatic, DatatypeGeodetic},
		{ModeStatic, DatatypeSeismic},
		{ModeKinematic, DatatypeSeismic},
		{ModeInterseismic, DatatypeGeodetic},
	} {
		vars, err := SelectVariables(setup[0], "", "", []string{setup[1]})
		require.NoError(t, err)
		selections = append(selections, vars)
	}

	for _, vars := range selections {
		for _, v := range vars {
			_, ok := DefaultBounds[v]
			assert.True(t, ok, "no default bounds for variable %q", v)
		}
	}
}

func TestInitVars(t *testing.T) {
	pc := &ProblemConfig{
		Mode:       ModeGeometry,
		SourceType: "RectangularSource",
		NSources:   2,
		Datatypes:  []string{DatatypeGeodetic},
	}
	require.NoError(t, pc.InitVars())

	depth, ok := pc.Priors["depth"]
	require.True(t, ok)
	assert.Equal(t, 2, depth.Dim())
	assert.Equal(t, DefaultBounds["depth"][0], depth.Lower[0])
	assert.Equal(t, DefaultBounds["depth"][1], depth.Upper[0])
	require.NoError(t, pc.ValidatePriors())

	// Configured priors are kept.
	pc.Priors["depth"].Upper = []float64{30, 30}
	require.NoError(t, pc.InitVars())
	assert.Equal(t, []float64{30, 30}, pc.Priors["depth"].Upper)
}

func TestInitVarsBlockVariables(t *testing.T) {
	pc := &ProblemConfig{
		Mode:      ModeInterseismic,
		NSources:  3,
		Datatypes: []string{DatatypeGeodetic},
	}
	require.NoError(t, pc.InitVars())

	// Block model variables are shared across sub-sources.
	assert.True(t, IsBlockVariable("bl_azimuth"))
	assert.Equal(t, 1, pc.Priors["bl_azimuth"].Dim())
	assert.Equal(t, 3, pc.Priors["east_shift"].Dim())
}

func TestUpdateHypers(t *testing.T) {
	cfg := &InversionConfig{
		Geodetic: &GeodeticConfig{Types: []string{"SAR", "GNSS"}},
		Seismic: &SeismicConfig{Waveforms: []WaveformFitConfig{
			{Include: true, Name: "any_P", Channels: []string{"Z"}},
			{Include: false, Name: "any_S", Channels: []string{"T"}},
		}},
	}
	require.NoError(t, cfg.UpdateHypers())

	hypers := cfg.Problem.Hyperparameters
	require.Len(t, hypers, 3)
	assert.Contains(t, hypers, "h_SAR")
	assert.Contains(t, hypers, "h_GNSS")
	assert.Contains(t, hypers, "h_any_P_Z")

	h := hypers["h_SAR"]
	window := DefaultBounds["hypers"]
	assert.Equal(t, []float64{window[0]}, h.Lower)
	assert.Equal(t, []float64{window[1]}, h.Upper)
	assert.Equal(t, []float64{0}, h.TestValue)
}

func testGeometryConfig(projectDir string) *InversionConfig {
	return &InversionConfig{
		Name:       "laquila",
		ProjectDir: projectDir,
		Problem: ProblemConfig{
			Mode:       ModeGeometry,
			SourceType: "RectangularSource",
			NSources:   1,
			Datatypes:  []string{DatatypeGeodetic},
		},
		Geodetic: &GeodeticConfig{Types: []string{"SAR"}, FitPlane: true},
		Sampler:  SamplerConfig{Name: SamplerSMC, SMC: DefaultSMCConfig()},
	}
}

func TestConfigDumpLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := testGeometryConfig(dir)
	require.NoError(t, cfg.Problem.InitVars())
	require.NoError(t, cfg.UpdateHypers())

	require.NoError(t, Dump(cfg))

	loaded, err := Load(dir, ModeGeometry)
	require.NoError(t, err)
	assert.Equal(t, cfg.Name, loaded.Name)
	assert.Equal(t, cfg.Problem.Priors, loaded.Problem.Priors)
	assert.Equal(t, cfg.Problem.Hyperparameters, loaded.Problem.Hyperparameters)
	assert.Equal(t, cfg.Sampler.SMC, loaded.Sampler.SMC)
	assert.True(t, loaded.Geodetic.FitPlane)
}

func TestConfigValidateErrors(t *testing.T) {
	dir := t.TempDir()

	cfg := testGeometryConfig(dir)
	cfg.Geodetic = nil
	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.InvalidConfig))

	cfg = testGeometryConfig(dir)
	cfg.Problem.SourceType = ""
	require.Error(t, cfg.Validate())

	cfg = testGeometryConfig(dir)
	require.NoError(t, cfg.Problem.InitVars())
	cfg.Problem.Priors["depth"].TestValue = []float64{99}
	err = cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.BoundsViolation))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(t.TempDir(), ModeGeometry)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.InvalidConfig))
}
