package config

import (
	"math"
	"sort"

	"github.com/tectonaut/quakeinv/pkg/errors"
)

// Problem modes.
const (
	ModeGeometry     = "geometry"
	ModeStatic       = "static"
	ModeKinematic    = "kinematic"
	ModeInterseismic = "interseismic"
)

// Datatypes.
const (
	DatatypeGeodetic = "geodetic"
	DatatypeSeismic  = "seismic"
)

// sourceSpec describes the sampled variables of a source parameterization.
type sourceSpec struct {
	variables []string
	// Sources that fully determine their moment through other parameters
	// (slip and geometry, or volume change) do not sample magnitude.
	hasMagnitude bool
}

var sourceCatalog = map[string]sourceSpec{
	"ExplosionSource": {
		variables:    []string{"east_shift", "north_shift", "depth", "time", "volume_change"},
		hasMagnitude: false,
	},
	"RectangularExplosionSource": {
		variables: []string{
			"east_shift", "north_shift", "depth", "strike", "dip",
			"length", "width", "time", "volume_change"},
		hasMagnitude: false,
	},
	"DCSource": {
		variables: []string{
			"east_shift", "north_shift", "depth", "strike", "dip", "rake",
			"magnitude", "time"},
		hasMagnitude: true,
	},
	"CLVDSource": {
		variables: []string{
			"east_shift", "north_shift", "depth", "azimuth", "amplitude",
			"time"},
		hasMagnitude: false,
	},
	"MTSource": {
		variables: []string{
			"east_shift", "north_shift", "depth",
			"mnn", "mee", "mdd", "mne", "mnd", "med", "magnitude", "time"},
		hasMagnitude: true,
	},
	"RectangularSource": {
		variables: []string{
			"east_shift", "north_shift", "depth", "strike", "dip", "rake",
			"length", "width", "slip", "time"},
		hasMagnitude: false,
	},
	"DoubleDCSource": {
		variables: []string{
			"east_shift", "north_shift", "depth",
			"strike1", "dip1", "rake1", "strike2", "dip2", "rake2",
			"magnitude", "delta_time", "delta_depth", "distance", "mix", "time"},
		hasMagnitude: true,
	},
	"RingfaultSource": {
		variables: []string{
			"east_shift", "north_shift", "depth", "diameter", "strike",
			"dip", "magnitude", "time"},
		hasMagnitude: true,
	},
}

// stfCatalog lists the sampled variables per source-time-function type.
var stfCatalog = map[string][]string{
	"Boxcar":       {"duration"},
	"Triangular":   {"duration", "peak_ratio"},
	"HalfSinusoid": {"duration"},
}

// Variables only meaningful for time-dependent (seismic) data.
var seisVars = []string{"time", "duration", "peak_ratio", "delta_time"}

// Variables of the interseismic block model shared across sub-sources.
var blockVars = []string{"bl_azimuth", "bl_amplitude"}

var staticDistVars = []string{"uparr", "uperp"}

var kinematicDistVars = []string{
	"uparr", "uperp", "nucleation_x", "nucleation_y", "duration", "velocity"}

var interseismicVars = []string{
	"east_shift", "north_shift", "strike", "dip", "length", "locking_depth",
	"bl_azimuth", "bl_amplitude"}

// modesCatalog maps mode -> datatype -> selection rule. Geometry resolves its
// variables through the source catalog, the distributed modes carry fixed
// variable lists.
var modesCatalog = map[string]map[string][]string{
	ModeGeometry: {
		DatatypeGeodetic: nil, // resolved via sourceCatalog
		DatatypeSeismic:  nil,
	},
	ModeStatic: {
		DatatypeGeodetic: staticDistVars,
		DatatypeSeismic:  staticDistVars,
	},
	ModeKinematic: {
		DatatypeSeismic: kinematicDistVars,
	},
	ModeInterseismic: {
		DatatypeGeodetic: interseismicVars,
	},
}

var mdiag = math.Sqrt2

// DefaultBounds holds the default prior windows per variable name.
var DefaultBounds = map[string][2]float64{
	"east_shift":  {-10, 10},
	"north_shift": {-10, 10},
	"depth":       {0, 5},

	"strike":  {0, 180},
	"strike1": {0, 180},
	"strike2": {0, 180},
	"dip":     {45, 90},
	"dip1":    {45, 90},
	"dip2":    {45, 90},
	"rake":    {-90, 90},
	"rake1":   {-90, 90},
	"rake2":   {-90, 90},

	"length": {5, 30},
	"width":  {5, 20},
	"slip":   {0.1, 8},

	"magnitude": {4, 7},
	"mnn":       {-mdiag, mdiag},
	"mee":       {-mdiag, mdiag},
	"mdd":       {-mdiag, mdiag},
	"mne":       {-1, 1},
	"mnd":       {-1, 1},
	"med":       {-1, 1},

	"volume_change": {1e8, 1e10},
	"diameter":      {5, 10},
	"mix":           {0, 1},
	"time":          {-3, 3},
	"time_shift":    {-5, 5},
	"delta_time":    {0, 10},
	"delta_depth":   {0, 10},
	"distance":      {0, 10},

	"duration":   {0, 20},
	"peak_ratio": {0, 1},

	"uparr":        {-0.3, 6},
	"uperp":        {-0.3, 4},
	"nucleation_x": {0, 10},
	"nucleation_y": {0, 7},
	"velocity":     {0.5, 4.2},

	"azimuth":       {0, 180},
	"amplitude":     {1e10, 1e20},
	"bl_azimuth":    {0, 180},
	"bl_amplitude":  {0, 0.1},
	"locking_depth": {1, 10},

	"hypers": {-20, 20},
	"ramp":   {-0.005, 0.005},
}

// weedInputRVs drops variables that carry no information for the given
// datatype, e.g. temporal source variables for static geodetic data.
func weedInputRVs(variables []string, datatype string) []string {
	if datatype != DatatypeGeodetic {
		return variables
	}
	out := make([]string, 0, len(variables))
	for _, v := range variables {
		drop := false
		for _, sv := range seisVars {
			if v == sv {
				drop = true
				break
			}
		}
		if !drop {
			out = append(out, v)
		}
	}
	return out
}

// SelectVariables returns the model variables for the given problem setup.
// The result is deterministic: duplicates across datatypes are removed and
// the order is lexicographic.
func SelectVariables(mode, sourceType, stfType string, datatypes []string) ([]string, error) {
	varsCatalog, ok := modesCatalog[mode]
	if !ok {
		return nil, errors.Newf(errors.InvalidConfig, "problem mode %q not implemented", mode)
	}

	seen := make(map[string]bool)
	var variables []string
	add := func(vars []string) {
		for _, v := range vars {
			if !seen[v] {
				seen[v] = true
				variables = append(variables, v)
			}
		}
	}

	for _, datatype := range datatypes {
		dtVars, ok := varsCatalog[datatype]
		if !ok {
			supported := make([]string, 0, len(varsCatalog))
			for d := range varsCatalog {
				supported = append(supported, d)
			}
			sort.Strings(supported)
			return nil, errors.WithFields(
				errors.Newf(errors.InvalidConfig,
					"datatype %q not supported for mode %q", datatype, mode),
				errors.Fields{"supported": supported})
		}

		if mode == ModeGeometry {
			spec, ok := sourceCatalog[sourceType]
			if !ok {
				return nil, errors.Newf(errors.InvalidConfig,
					"source type %q not supported for mode %q and datatype %q",
					sourceType, mode, datatype)
			}
			svars := spec.variables
			if !spec.hasMagnitude {
				svars = dropVariable(svars, "magnitude")
			}
			add(weedInputRVs(svars, datatype))

			if datatype == DatatypeSeismic {
				stfVars, ok := stfCatalog[stfType]
				if !ok {
					return nil, errors.Newf(errors.InvalidConfig,
						"source time function type %q not implemented", stfType)
				}
				add(weedInputRVs(stfVars, datatype))
			}
			continue
		}

		add(dtVars)
	}

	if len(variables) == 0 {
		return nil, errors.Newf(errors.InvalidConfig,
			"mode %q and datatype combination not resolvable with given datatypes", mode)
	}

	sort.Strings(variables)
	return variables, nil
}

func dropVariable(vars []string, name string) []string {
	out := make([]string, 0, len(vars))
	for _, v := range vars {
		if v != name {
			out = append(out, v)
		}
	}
	return out
}

// SourceTypes returns the supported source type names.
func SourceTypes() []string {
	names := make([]string, 0, len(sourceCatalog))
	for name := range sourceCatalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsBlockVariable reports whether the variable belongs to the interseismic
// block model and therefore has dimension one regardless of source count.
func IsBlockVariable(name string) bool {
	for _, v := range blockVars {
		if v == name {
			return true
		}
	}
	return false
}
