package problem

import (
	"github.com/tectonaut/quakeinv/pkg/config"
	"github.com/tectonaut/quakeinv/pkg/errors"
	"github.com/tectonaut/quakeinv/pkg/likelihood"
)

// variant identifies a composite implementation in the (mode, datatype)
// catalog.
type variant string

const (
	variantGeodetic     variant = "geodetic"
	variantSeismic      variant = "seismic"
	variantDistributed  variant = "distributed"
	variantInterseismic variant = "interseismic"
)

type catalogKey struct {
	mode     string
	datatype string
}

// compositeCatalog maps the configured mode and datatype to the composite
// variant the problem expects. Nonlinear geometry estimation uses the direct
// forward-model composites; distributed-slip modes use the linear Green's
// function composite for geodetic data.
var compositeCatalog = map[catalogKey]variant{
	{config.ModeGeometry, config.DatatypeGeodetic}:     variantGeodetic,
	{config.ModeGeometry, config.DatatypeSeismic}:      variantSeismic,
	{config.ModeStatic, config.DatatypeGeodetic}:       variantDistributed,
	{config.ModeKinematic, config.DatatypeGeodetic}:    variantDistributed,
	{config.ModeKinematic, config.DatatypeSeismic}:     variantSeismic,
	{config.ModeInterseismic, config.DatatypeGeodetic}: variantInterseismic,
}

func variantOf(comp likelihood.Composite) variant {
	switch comp.(type) {
	case *likelihood.GeodeticComposite:
		return variantGeodetic
	case *likelihood.SeismicComposite:
		return variantSeismic
	case *likelihood.DistributedComposite:
		return variantDistributed
	case *likelihood.InterseismicComposite:
		return variantInterseismic
	default:
		return ""
	}
}

// checkVariant validates that a composite matches the variant the catalog
// prescribes for the configured mode and datatype.
func checkVariant(mode, datatype string, comp likelihood.Composite) error {
	want, ok := compositeCatalog[catalogKey{mode, datatype}]
	if !ok {
		return errors.Newf(errors.InvalidConfig,
			"no composite is defined for mode %q with datatype %q", mode, datatype)
	}
	if got := variantOf(comp); got != want {
		return errors.WithFields(
			errors.Newf(errors.InvalidConfig,
				"mode %q with datatype %q requires the %s composite, got %s",
				mode, datatype, want, got),
			errors.Fields{"mode": mode, "datatype": datatype})
	}
	return nil
}
